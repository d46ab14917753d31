// Package httpapi wires the controller's own HTTP surface (spec.md §6):
// health/status/gpus, the explicit launch/evict/wait-ready endpoints, and
// the SSE event/log streams. The chat-completions proxy is registered
// separately by main.go since it lives in pkg/controller/proxy.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/inference-ctl/controller/pkg/controller/eventbus"
	"github.com/inference-ctl/controller/pkg/controller/lifetime"
	"github.com/inference-ctl/controller/pkg/controller/metrics"
	"github.com/inference-ctl/controller/pkg/controller/process"
	"github.com/inference-ctl/controller/pkg/controller/recipe"
	"github.com/inference-ctl/controller/pkg/controller/supervisor"
	"github.com/inference-ctl/controller/pkg/logging"
)

// SupervisorAPI is the subset of *supervisor.Supervisor the HTTP layer
// drives, narrowed to an interface so handlers can be tested against a
// stub, matching the same pattern supervisor.go uses for ProcessOwner.
type SupervisorAPI interface {
	Launch(ctx context.Context, recipeID string) (supervisor.LaunchResult, error)
	Evict(force bool) (pid int, evicted bool)
	LaunchingRecipeID() string
}

// ProcessFinder is the subset of *process.Owner the /status and /gpus
// handlers need.
type ProcessFinder interface {
	Find(port int) (*process.Record, error)
}

// Handler serves spec.md §6's HTTP API surface, excluding the chat proxy.
type Handler struct {
	log           logging.Logger
	supervisor    SupervisorAPI
	owner         ProcessFinder
	gpus          metrics.Querier
	bus           *eventbus.Bus
	recipes       *recipe.Store
	lifetime      *lifetime.Store
	inferencePort int
	healthURL     string
	waitProber    WaitProber
}

// WaitProber is the subset of *process.Prober /wait-ready needs: a plain
// repeated health poll with no pid/cancellation semantics attached.
type WaitProber interface {
	WaitReady(ctx context.Context, pid int, healthURL string, timeout, tick time.Duration, onTick process.TickFunc) process.Outcome
}

// Options configures a new Handler.
type Options struct {
	Log           logging.Logger
	Supervisor    SupervisorAPI
	Owner         ProcessFinder
	GPUs          metrics.Querier
	Bus           *eventbus.Bus
	Recipes       *recipe.Store
	Lifetime      *lifetime.Store
	InferencePort int
	HealthURL     string
	WaitProber    WaitProber
}

// New constructs a Handler.
func New(opts Options) *Handler {
	return &Handler{
		log:           opts.Log,
		supervisor:    opts.Supervisor,
		owner:         opts.Owner,
		gpus:          opts.GPUs,
		bus:           opts.Bus,
		recipes:       opts.Recipes,
		lifetime:      opts.Lifetime,
		inferencePort: opts.InferencePort,
		healthURL:     opts.HealthURL,
		waitProber:    opts.WaitProber,
	}
}

// Register attaches every route this Handler serves to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.HandleFunc("GET /gpus", h.handleGPUs)
	mux.HandleFunc("GET /lifetime-metrics", h.handleLifetimeMetrics)
	mux.HandleFunc("POST /launch/{recipe_id}", h.handleLaunch)
	mux.HandleFunc("POST /evict", h.handleEvict)
	mux.HandleFunc("GET /wait-ready", h.handleWaitReady)
	mux.HandleFunc("GET /events", h.handleEvents)
	mux.HandleFunc("GET /logs/{session_id}/stream", h.handleLogStream)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth reports controller liveness and, best-effort, whether a
// backend is currently present on the configured port.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	rec, _ := h.owner.Find(h.inferencePort)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"backend_running": rec != nil,
	})
}

// handleStatus implements GET /status: {running, process?, inference_port,
// launching?}, per spec.md §6.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.owner.Find(h.inferencePort)
	if err != nil {
		h.log.WithError(err).Warn("status: process lookup failed")
	}

	resp := map[string]interface{}{
		"running":        rec != nil,
		"inference_port": h.inferencePort,
	}
	if rec != nil {
		resp["process"] = map[string]interface{}{
			"pid":               rec.PID,
			"backend":           string(rec.Backend),
			"model_path":        rec.ModelPath,
			"served_model_name": rec.ServedModelName,
			"port":              rec.Port,
		}
	}
	if launching := h.supervisor.LaunchingRecipeID(); launching != "" {
		resp["launching"] = launching
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleGPUs implements GET /gpus: the current GPU telemetry snapshot. When
// a recipe_id query parameter names a known recipe, the response also
// includes a read-only memory-fit estimate for that recipe against the
// current GPUs, per SPEC_FULL.md §12's supplemented "GPU memory-fit
// estimate" feature — so operators can sanity-check a launch before
// issuing it.
func (h *Handler) handleGPUs(w http.ResponseWriter, r *http.Request) {
	gpus := h.gpus.Query(r.Context())
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

	resp := map[string]interface{}{"gpus": out}

	if recipeID := r.URL.Query().Get("recipe_id"); recipeID != "" && h.recipes != nil {
		if rec, ok := h.recipes.Get(recipeID); ok && rec.ModelSizeGB > 0 {
			tp := rec.TensorParallelSize
			if tp < 1 {
				tp = 1
			}
			resp["memory_fit"] = map[string]interface{}{
				"recipe_id":         recipeID,
				"estimated_gb":      metrics.EstimateModelMemory(rec.ModelSizeGB, rec.Quantization, rec.Dtype, tp),
				"fits_current_gpus": metrics.CanFitModel(gpus, rec.ModelSizeGB, rec.Quantization, rec.Dtype, tp),
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleLifetimeMetrics implements GET /lifetime-metrics: the derived
// cumulative fields (tokens, energy, uptime) as a standalone read endpoint
// distinct from the metrics SSE event, per SPEC_FULL.md §12 (grounded on
// original_source/controller/routes/monitoring.py's separate route for the
// same computation spec.md §4.E step 7 performs inline).
func (h *Handler) handleLifetimeMetrics(w http.ResponseWriter, r *http.Request) {
	gpus := h.gpus.Query(r.Context())
	derived := lifetime.Derive(h.lifetime.GetAll(), metrics.TotalPowerWatts(gpus))
	writeJSON(w, http.StatusOK, derived)
}

// handleLaunch implements POST /launch/{recipe_id}, per spec.md §6 and
// §4.D: runs the full Launch protocol and returns LaunchResult once the
// launch reaches a terminal state. A force query parameter is not read;
// Launch always force-evicts.
func (h *Handler) handleLaunch(w http.ResponseWriter, r *http.Request) {
	recipeID := r.PathValue("recipe_id")
	if recipeID == "" {
		http.Error(w, "missing recipe_id", http.StatusBadRequest)
		return
	}

	if _, ok := h.recipes.Get(recipeID); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "recipe not found: " + recipeID})
		return
	}

	result, err := h.supervisor.Launch(r.Context(), recipeID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]interface{}{
		"success":  result.Success,
		"pid":      nonZeroOrNil(result.PID),
		"message":  result.Message,
		"log_file": emptyOrNil(result.LogFile),
	})
}

// handleEvict implements POST /evict?force=.
func (h *Handler) handleEvict(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	pid, evicted := h.supervisor.Evict(force)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"evicted": evicted,
		"pid":     nonZeroOrNil(pid),
	})
}

// handleWaitReady implements GET /wait-ready?timeout=: blocks until the
// backend's /health returns 200 or timeout elapses, per spec.md §6.
func (h *Handler) handleWaitReady(w http.ResponseWriter, r *http.Request) {
	timeout := 300 * time.Second
	if v := r.URL.Query().Get("timeout"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}

	rec, _ := h.owner.Find(h.inferencePort)
	pid := 0
	if rec != nil {
		pid = rec.PID
	}

	outcome := h.waitProber.WaitReady(r.Context(), pid, h.healthURL, timeout, 2*time.Second, nil)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ready": outcome == process.OutcomeReady,
		"state": string(outcome),
	})
}

// handleEvents implements GET /events: the default SSE channel.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	h.bus.ServeSSE(w, r, eventbus.DefaultChannel)
}

// handleLogStream implements GET /logs/{session_id}/stream: the
// per-recipe log-line SSE channel.
func (h *Handler) handleLogStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if strings.TrimSpace(sessionID) == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}
	h.bus.ServeSSE(w, r, eventbus.LogChannel(sessionID))
}

func nonZeroOrNil(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

func emptyOrNil(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
