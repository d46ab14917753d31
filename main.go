package main

import (
	"context"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inference-ctl/controller/pkg/controller/config"
	"github.com/inference-ctl/controller/pkg/controller/eventbus"
	"github.com/inference-ctl/controller/pkg/controller/httpapi"
	"github.com/inference-ctl/controller/pkg/controller/lifetime"
	"github.com/inference-ctl/controller/pkg/controller/metrics"
	"github.com/inference-ctl/controller/pkg/controller/process"
	"github.com/inference-ctl/controller/pkg/controller/proxy"
	"github.com/inference-ctl/controller/pkg/controller/recipe"
	"github.com/inference-ctl/controller/pkg/controller/supervisor"
	"github.com/inference-ctl/controller/pkg/logging"
	"github.com/inference-ctl/controller/pkg/middleware"
)

var log = logrus.New()

// Log is the logger used by the application, exported for testing purposes.
var Log = log

// supervisorSwitcher adapts *supervisor.Supervisor to proxy.Switcher: the
// two packages each declare their own EnsureResult type so neither needs
// to import the other, so this is just a field-for-field translation.
type supervisorSwitcher struct {
	sup *supervisor.Supervisor
}

func (s supervisorSwitcher) EnsureRunning(ctx context.Context, modelName string) proxy.EnsureResult {
	r := s.sup.EnsureRunning(ctx, modelName)
	return proxy.EnsureResult{Ready: r.Ready, Error: r.Error}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logAdapter := logging.NewLogrusAdapter(log)

	bus := eventbus.New()
	recipes := recipe.NewStore()
	owner := process.NewOwner(logAdapter)
	prober := process.NewProber()
	gpuQuerier := metrics.NewQuerier(logAdapter)

	lifetimeStore, err := lifetime.Open(filepath.Join(cfg.DataDir, "lifetime.json"))
	if err != nil {
		log.Fatalf("Failed to open lifetime store: %v", err)
	}
	peaks := metrics.NewPeakStore()

	backendHealthURL := func() string { return process.HealthURL(cfg.BackendBaseURL) }

	sup := supervisor.New(supervisor.Options{
		Log:              logAdapter,
		Owner:            owner,
		Prober:           prober,
		Bus:              bus,
		Recipes:          recipes,
		InferencePort:    cfg.InferencePort,
		LogDir:           cfg.LogDir,
		BackendHealthURL: backendHealthURL,
	})

	collector := metrics.New(metrics.Options{
		Log:           logAdapter,
		Bus:           bus,
		Finder:        owner,
		GPUs:          gpuQuerier,
		Store:         lifetimeStore,
		Peaks:         peaks,
		InferencePort: cfg.InferencePort,
		MetricsURL:    func() string { return cfg.BackendBaseURL + "/metrics" },
		Tick:          cfg.MetricsTickInterval,
	})

	chatProxy := proxy.New(proxy.Options{
		Log:         logAdapter,
		Switcher:    supervisorSwitcher{sup},
		UpstreamURL: cfg.BackendBaseURL + "/v1/chat/completions",
		BearerToken: cfg.BackendBearerToken,
	})

	api := httpapi.New(httpapi.Options{
		Log:           logAdapter,
		Supervisor:    sup,
		Owner:         owner,
		GPUs:          gpuQuerier,
		Bus:           bus,
		Recipes:       recipes,
		Lifetime:      lifetimeStore,
		InferencePort: cfg.InferencePort,
		HealthURL:     backendHealthURL(),
		WaitProber:    prober,
	})

	mux := http.NewServeMux()
	api.Register(mux)
	mux.Handle("POST /v1/chat/completions", chatProxy)

	handler := middleware.CorsMiddleware(cfg.AllowedOrigins, mux)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Runs the HTTP server and metrics collector as sibling workers under one
	// errgroup, the same way Scheduler.Run in
	// pkg/inference/scheduling/scheduler.go runs its installer/loader loops:
	// a worker returning an error (or a signal) cancels workerCtx, which in
	// turn triggers the shutdown worker to close the server.
	workers, workerCtx := errgroup.WithContext(ctx)

	workers.Go(func() error {
		log.Infof("Listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	workers.Go(func() error {
		return collector.Run(workerCtx)
	})

	workers.Go(func() error {
		<-workerCtx.Done()
		log.Infoln("Shutting down the server")
		// In-flight backend subprocesses are intentionally left running;
		// they survive a controller restart, per spec.md §6.
		return server.Close()
	})

	if err := workers.Wait(); err != nil {
		log.Errorf("controller exited with error: %v", err)
	}
}
