package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/docker/go-units"

	"github.com/inference-ctl/controller/pkg/controller/eventbus"
	"github.com/inference-ctl/controller/pkg/controller/lifetime"
	"github.com/inference-ctl/controller/pkg/controller/process"
	"github.com/inference-ctl/controller/pkg/logging"
)

// DefaultTickInterval is the collector's loop period. SPEC_FULL.md's
// open-question resolution: 5 seconds, matching
// original_source/controller/app.py's `_collect_and_broadcast_metrics`.
const DefaultTickInterval = 5 * time.Second

// ProcessFinder is the subset of *process.Owner the collector needs.
type ProcessFinder interface {
	Find(port int) (*process.Record, error)
}

// Collector runs the periodic GPU/backend telemetry loop described in
// spec.md §4.E, publishing status/gpu/metrics events and folding backend
// Prometheus counters into the durable LifetimeStore.
type Collector struct {
	log    logging.Logger
	bus    *eventbus.Bus
	finder ProcessFinder
	gpus   Querier
	store  *lifetime.Store
	peaks  *PeakStore
	client *http.Client

	inferencePort int
	metricsURL    func() string
	tick          time.Duration

	mu              sync.Mutex
	lastBackend     map[string]float64
	lastBackendTime time.Time
}

// Options configures a new Collector.
type Options struct {
	Log           logging.Logger
	Bus           *eventbus.Bus
	Finder        ProcessFinder
	GPUs          Querier
	Store         *lifetime.Store
	Peaks         *PeakStore
	InferencePort int
	MetricsURL    func() string
	Tick          time.Duration
}

// New constructs a Collector. Tick defaults to DefaultTickInterval when
// zero.
func New(opts Options) *Collector {
	tick := opts.Tick
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	return &Collector{
		log:           opts.Log,
		bus:           opts.Bus,
		finder:        opts.Finder,
		gpus:          opts.GPUs,
		store:         opts.Store,
		peaks:         opts.Peaks,
		client:        &http.Client{Timeout: scrapeTimeout},
		inferencePort: opts.InferencePort,
		metricsURL:    opts.MetricsURL,
		tick:          tick,
	}
}

// Run loops until ctx is cancelled, ticking every Collector.tick. A panic
// or error from a single Tick is logged and the loop continues, per
// spec.md §4.E's "if any step throws, log and continue to next tick".
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.safeTick(ctx)
		}
	}
}

func (c *Collector) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("metrics tick panicked: %v", r)
		}
	}()
	c.Tick(ctx)
}

// Tick executes one pass of spec.md §4.E's seven steps.
func (c *Collector) Tick(ctx context.Context) {
	// Step 1-2: find current process, publish status.
	rec, err := c.finder.Find(c.inferencePort)
	if err != nil {
		c.log.WithError(err).Warn("metrics tick: process lookup failed")
	}

	c.bus.PublishStatus(map[string]interface{}{
		"running":        rec != nil,
		"process":        processPayload(rec),
		"inference_port": c.inferencePort,
	})

	// Step 3: GPU telemetry.
	gpus := c.gpus.Query(ctx)
	c.bus.PublishGPU(gpuPayloads(gpus))
	c.logGPUSummary(gpus)

	// Step 4: energy accounting.
	totalPower := TotalPowerWatts(gpus)
	energyWh := EnergyWhForTick(totalPower, c.tick)
	if _, err := c.store.Increment(lifetime.KeyEnergyWh, energyWh); err != nil {
		c.log.WithError(err).Warn("metrics tick: energy increment failed")
	}

	if rec == nil {
		return
	}

	// Step 5: uptime + backend Prometheus scrape.
	if _, err := c.store.Increment(lifetime.KeyUptimeSeconds, c.tick.Seconds()); err != nil {
		c.log.WithError(err).Warn("metrics tick: uptime increment failed")
	}

	backend := scrapeBackendMetrics(ctx, c.client, c.metricsURL())
	snapshot := c.computeSnapshot(rec, backend)

	// Step 6: peak merge.
	modelID := rec.ServedModelName
	if modelID == "" {
		modelID = rec.ModelPath
	}
	c.peaks.Observe(modelID, snapshot.GenerationThroughput, snapshot.TimeToFirstTokenMs, snapshot.HaveTTFT)
	peakTPS, peakTTFT, havePeak := c.peaks.Get(modelID)

	// Step 7: publish merged metrics event.
	derived := lifetime.Derive(c.store.GetAll(), totalPower)

	payload := map[string]interface{}{
		"running_requests":          snapshot.RunningRequests,
		"pending_requests":          snapshot.PendingRequests,
		"kv_cache_usage":            snapshot.KVCacheUsage,
		"prompt_tokens_total":       snapshot.PromptTokensTotal,
		"generation_tokens_total":   snapshot.GenerationTokensTotal,
		"prompt_throughput":         snapshot.PromptThroughput,
		"generation_throughput":     snapshot.GenerationThroughput,
		"time_to_first_token_ms":    snapshot.TimeToFirstTokenMs,
		"lifetime_tokens_total":     derived.TokensTotal,
		"lifetime_requests_total":   derived.RequestsTotal,
		"energy_kwh":                derived.EnergyKWh,
		"uptime_hours":              derived.UptimeHours,
		"kwh_per_million_tokens":    derived.KWhPerMillionTokens,
		"current_power_watts":       derived.CurrentPowerWatts,
		"peak_tokens_per_second":    peakTPS,
		"best_time_to_first_token":  peakTTFT,
		"peak_metrics_available":    havePeak,
	}
	c.bus.PublishMetrics(payload)
}

// snapshot is the per-tick derived view of the backend's raw Prometheus
// counters, per spec.md §4.E step 5.
type snapshot struct {
	RunningRequests       int
	PendingRequests       int
	KVCacheUsage          float64
	PromptTokensTotal     float64
	GenerationTokensTotal float64
	PromptThroughput      float64
	GenerationThroughput  float64
	TimeToFirstTokenMs    float64
	HaveTTFT              bool
}

func (c *Collector) computeSnapshot(rec *process.Record, backend map[string]float64) snapshot {
	s := snapshot{
		RunningRequests:       int(backend["vllm:num_requests_running"]),
		PendingRequests:       int(backend["vllm:num_requests_waiting"]),
		KVCacheUsage:          backend["vllm:kv_cache_usage_perc"],
		PromptTokensTotal:     backend["vllm:prompt_tokens_total"],
		GenerationTokensTotal: backend["vllm:generation_tokens_total"],
	}

	if sum, ok := backend["vllm:time_to_first_token_seconds_sum"]; ok {
		if count := backend["vllm:time_to_first_token_seconds_count"]; count > 0 {
			s.TimeToFirstTokenMs = (sum / count) * 1000
			s.HaveTTFT = true
		}
	}

	c.mu.Lock()
	last := c.lastBackend
	lastTime := c.lastBackendTime
	c.lastBackend = backend
	c.lastBackendTime = time.Now()
	c.mu.Unlock()

	if last == nil {
		return s
	}

	elapsed := time.Since(lastTime).Seconds()
	if elapsed <= 0 {
		elapsed = c.tick.Seconds()
	}

	promptDelta := s.PromptTokensTotal - last["vllm:prompt_tokens_total"]
	genDelta := s.GenerationTokensTotal - last["vllm:generation_tokens_total"]

	// Negative deltas mean the backend restarted between ticks; per spec.md
	// §4.E step 5, each counter's delta is applied independently and only
	// when non-negative, so a restart in one counter doesn't suppress the
	// other.
	if promptDelta >= 0 {
		s.PromptThroughput = promptDelta / elapsed
		if _, err := c.store.Increment(lifetime.KeyTokensTotal, promptDelta); err != nil {
			c.log.WithError(err).Warn("metrics tick: tokens_total increment failed")
		}
		if _, err := c.store.Increment(lifetime.KeyPromptTokensTotal, promptDelta); err != nil {
			c.log.WithError(err).Warn("metrics tick: prompt_tokens_total increment failed")
		}
	}
	if genDelta >= 0 {
		s.GenerationThroughput = genDelta / elapsed
		if _, err := c.store.Increment(lifetime.KeyTokensTotal, genDelta); err != nil {
			c.log.WithError(err).Warn("metrics tick: tokens_total increment failed")
		}
		if _, err := c.store.Increment(lifetime.KeyCompletionTokensTotal, genDelta); err != nil {
			c.log.WithError(err).Warn("metrics tick: completion_tokens_total increment failed")
		}
	}

	successDelta := backend["vllm:request_success_total"] - last["vllm:request_success_total"]
	if successDelta > 0 {
		if _, err := c.store.Increment(lifetime.KeyRequestsTotal, successDelta); err != nil {
			c.log.WithError(err).Warn("metrics tick: requests_total increment failed")
		}
	}

	return s
}

func processPayload(rec *process.Record) map[string]interface{} {
	if rec == nil {
		return nil
	}
	return map[string]interface{}{
		"pid":               rec.PID,
		"backend":           string(rec.Backend),
		"model_path":        rec.ModelPath,
		"served_model_name": rec.ServedModelName,
		"port":              rec.Port,
	}
}

// logGPUSummary emits one debug line per GPU with human-readable memory
// sizes, matching the teacher's own use of docker/go-units for
// diagnostic output rather than raw byte counts.
func (c *Collector) logGPUSummary(gpus []GPU) {
	for _, g := range gpus {
		c.log.Debugf("gpu %d (%s): %s/%s used, %.0f%% util, %.0fW/%.0fW",
			g.Index, g.Name, units.BytesSize(float64(g.MemoryUsed)), units.BytesSize(float64(g.MemoryTotal)),
			g.Utilization, g.PowerDraw, g.PowerLimit)
	}
}

func gpuPayloads(gpus []GPU) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(gpus))
	for _, g := range gpus {
		out = append(out, map[string]interface{}{
			"index":        g.Index,
			"name":         g.Name,
			"memory_total": g.MemoryTotal,
			"memory_used":  g.MemoryUsed,
			"memory_free":  g.MemoryFree,
			"utilization":  g.Utilization,
			"temperature":  g.Temperature,
			"power_draw":   g.PowerDraw,
			"power_limit":  g.PowerLimit,
		})
	}
	return out
}
