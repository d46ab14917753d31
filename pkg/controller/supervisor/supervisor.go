// Package supervisor implements the single-slot launch state machine,
// grounded almost line-for-line on
// original_source/controller/routes/lifecycle.py's launch/evict/wait-ready
// handlers. Concurrent EnsureRunning calls collapse through a
// singleflight.Group (ensureGroup below); the errgroup-based background-loop
// wiring in the style of pkg/inference/scheduling/scheduler.go's Run lives
// one level up, in main.go, where the HTTP server and metrics collector run
// as sibling workers.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/inference-ctl/controller/pkg/controller/eventbus"
	"github.com/inference-ctl/controller/pkg/controller/process"
	"github.com/inference-ctl/controller/pkg/controller/recipe"
	"github.com/inference-ctl/controller/pkg/logging"
)

const (
	readinessTimeout    = 300 * time.Second
	forceTick           = 2 * time.Second
	graceTick           = 3 * time.Second
	preemptSleep        = 1 * time.Second
	lockAcquireDeadline = 2 * time.Second
)

// RecipeGetter resolves a recipe id to its Recipe. The recipe CRUD store
// itself is out of scope (spec.md §1's non-goals); the Supervisor only
// needs read access.
type RecipeGetter interface {
	Get(recipeID string) (recipe.Recipe, bool)
	FindByServedName(name string) (recipe.Recipe, bool)
}

// ProcessOwner is the subset of *process.Owner the Supervisor drives,
// narrowed to an interface so tests can stub process discovery/spawning
// rather than depend on real processes, per spec.md §9's design note.
type ProcessOwner interface {
	Find(port int) (*process.Record, error)
	Spawn(ctx context.Context, r recipe.Recipe, logDir string) (process.SpawnResult, error)
	Kill(pid int, force bool) error
	KillDescendantsOnly(pid int)
}

// ReadinessProber is the subset of *process.Prober the Supervisor drives.
type ReadinessProber interface {
	WaitReady(ctx context.Context, pid int, healthURL string, timeout, tick time.Duration, onTick process.TickFunc) process.Outcome
}

// LaunchResult mirrors spec.md §6's LaunchResult response shape.
type LaunchResult struct {
	Success bool
	PID     int
	Message string
	LogFile string
}

// cancelSignal is an edge-triggered boolean observable at tick boundaries,
// per spec.md §5's cancellation model.
type cancelSignal struct {
	set atomic.Bool
}

// switchLock is switch_mutex (spec.md §3/§5), implemented as a
// single-token channel rather than sync.Mutex so an acquire attempt that
// gives up on a deadline (Launch's 2s lock-acquire step) never takes
// ownership later: an abandoned sync.Mutex.Lock() goroutine would still
// succeed eventually and then leave the mutex locked forever with no
// unlocker. TryLockTimeout's timeout branch simply never consumes the token.
type switchLock struct {
	ch chan struct{}
}

func newSwitchLock() *switchLock {
	l := &switchLock{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

// Lock blocks until the token is available.
func (l *switchLock) Lock() {
	<-l.ch
}

// Unlock returns the token. Safe to call only by the current holder.
func (l *switchLock) Unlock() {
	l.ch <- struct{}{}
}

// TryLockTimeout attempts to take the token within d. On timeout it has
// not consumed the token, so the lock remains fairly acquirable by
// whoever tries next (including a later unconditional Lock() by the same
// caller).
func (l *switchLock) TryLockTimeout(d time.Duration) bool {
	select {
	case <-l.ch:
		return true
	case <-time.After(d):
		return false
	}
}

// Supervisor is the single serialization point for every operation that
// mutates the backend slot.
type Supervisor struct {
	log    logging.Logger
	owner  ProcessOwner
	prober ReadinessProber
	bus    *eventbus.Bus
	recipes RecipeGetter

	inferencePort int
	logDir        string
	backendHealthURL func() string

	switchMu *switchLock

	mu                sync.Mutex
	launchingRecipeID string
	cancelSignals     map[string]*cancelSignal

	ensureGroup singleflight.Group
}

// Options configures a new Supervisor.
type Options struct {
	Log              logging.Logger
	Owner            ProcessOwner
	Prober           ReadinessProber
	Bus              *eventbus.Bus
	Recipes          RecipeGetter
	InferencePort    int
	LogDir           string
	BackendHealthURL func() string
}

// New constructs a Supervisor.
func New(opts Options) *Supervisor {
	return &Supervisor{
		log:              opts.Log,
		owner:            opts.Owner,
		prober:           opts.Prober,
		bus:              opts.Bus,
		recipes:          opts.Recipes,
		inferencePort:    opts.InferencePort,
		logDir:           opts.LogDir,
		backendHealthURL: opts.BackendHealthURL,
		switchMu:         newSwitchLock(),
		cancelSignals:    map[string]*cancelSignal{},
	}
}

// LaunchingRecipeID reports the recipe id currently mid-launch, or "" if
// idle, for /status.
func (s *Supervisor) LaunchingRecipeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launchingRecipeID
}

func (s *Supervisor) setLaunching(id string) {
	s.mu.Lock()
	s.launchingRecipeID = id
	s.mu.Unlock()
}

func (s *Supervisor) clearLaunchingIfSelf(id string) {
	s.mu.Lock()
	if s.launchingRecipeID == id {
		s.launchingRecipeID = ""
	}
	s.mu.Unlock()
}

func (s *Supervisor) registerCancel(id string) *cancelSignal {
	sig := &cancelSignal{}
	s.mu.Lock()
	s.cancelSignals[id] = sig
	s.mu.Unlock()
	return sig
}

func (s *Supervisor) unregisterCancel(id string, sig *cancelSignal) {
	s.mu.Lock()
	if s.cancelSignals[id] == sig {
		delete(s.cancelSignals, id)
	}
	s.mu.Unlock()
}

func (s *Supervisor) signalCancel(id string) {
	s.mu.Lock()
	sig := s.cancelSignals[id]
	s.mu.Unlock()
	if sig != nil {
		sig.set.Store(true)
	}
}

// Launch runs the full Launch(recipe_id, force) protocol from spec.md
// §4.D. Launch takes no force flag: eviction inside Launch is always
// force, per the open-question resolution in SPEC_FULL.md.
func (s *Supervisor) Launch(ctx context.Context, recipeID string) (LaunchResult, error) {
	rec, ok := s.recipes.Get(recipeID)
	if !ok {
		return LaunchResult{}, fmt.Errorf("recipe not found: %s", recipeID)
	}

	// Step 1: preempt check.
	currentLaunching := s.LaunchingRecipeID()
	if currentLaunching != "" && currentLaunching != recipeID {
		s.bus.PublishLaunchProgress(recipeID, eventbus.StagePreempting,
			fmt.Sprintf("Cancelling %s...", currentLaunching), eventbus.Progress(0))
		s.bus.PublishLaunchProgress(currentLaunching, eventbus.StageCancelled,
			fmt.Sprintf("Preempted by %s", recipeID), eventbus.Progress(0))
		s.signalCancel(currentLaunching)
		_ = s.forceEvict()
		time.Sleep(preemptSleep)
	}

	// Step 2: register.
	sig := s.registerCancel(recipeID)
	s.setLaunching(recipeID)

	defer func() {
		s.clearLaunchingIfSelf(recipeID)
		s.unregisterCancel(recipeID, sig)
	}()

	// Step 3: acquire switch_mutex with 2s deadline, force-preempting on
	// timeout.
	if !s.switchMu.TryLockTimeout(lockAcquireDeadline) {
		s.log.Warnf("lock contention - force preempting for %s", recipeID)
		_ = s.forceEvict()
		time.Sleep(preemptSleep)
		s.switchMu.Lock()
	}
	defer s.switchMu.Unlock()

	return s.runLaunch(ctx, recipeID, rec, sig, true, false)
}

// publishProgress emits a launch_progress event unless silent is set, in
// which case it is a no-op. EnsureRunning's auto-switch path passes
// silent=true so it never emits SSE progress framing of its own, per
// spec.md §4.D ("EnsureRunning ... NOT issuing SSE progress (silent
// path)"), matching original_source/controller/routes/proxy.py's
// _ensure_model_running (no event_manager calls) against
// routes/lifecycle.py's launch handler (which does publish).
func (s *Supervisor) publishProgress(silent bool, recipeID string, stage eventbus.LaunchStage, message string, progress *float64) {
	if silent {
		return
	}
	s.bus.PublishLaunchProgress(recipeID, stage, message, progress)
}

// runLaunch executes steps 4-7 of the Launch protocol, shared between the
// explicit Launch path (force eviction, full progress events) and
// EnsureRunning (graceful eviction, silent=true).
func (s *Supervisor) runLaunch(ctx context.Context, recipeID string, rec recipe.Recipe, sig *cancelSignal, force, silent bool) (LaunchResult, error) {
	// Step 4: evict.
	s.publishProgress(silent, recipeID, eventbus.StageEvicting, "Clearing VRAM...", eventbus.Progress(0))
	if force {
		_ = s.forceEvict()
	} else {
		_ = s.gracefulEvict()
	}
	time.Sleep(preemptSleep)

	if sig.set.Load() {
		s.publishProgress(silent, recipeID, eventbus.StageCancelled, "Preempted by another launch", eventbus.Progress(0))
		return LaunchResult{Success: false, Message: "Launch cancelled"}, nil
	}

	// Step 5: spawn.
	s.publishProgress(silent, recipeID, eventbus.StageLaunching, fmt.Sprintf("Starting %s...", rec.Name), eventbus.Progress(0.25))
	spawned, err := s.owner.Spawn(ctx, rec, s.logDir)
	if err != nil {
		s.publishProgress(silent, recipeID, eventbus.StageError, err.Error(), eventbus.Progress(0))
		return LaunchResult{Success: false, Message: err.Error()}, nil
	}

	// Step 6: wait.
	s.publishProgress(silent, recipeID, eventbus.StageWaiting, "Waiting for model to load...", eventbus.Progress(0.5))

	tick := forceTick
	if !force {
		tick = graceTick
	}

	outcome := s.prober.WaitReady(ctx, spawned.PID, s.backendHealthURL(), readinessTimeout, tick, func(_ process.Outcome, elapsed time.Duration) {
		if sig.set.Load() {
			return
		}
		progress := 0.5 + (elapsed.Seconds()/readinessTimeout.Seconds())*0.5
		s.publishProgress(silent, recipeID, eventbus.StageWaiting,
			fmt.Sprintf("Loading model... (%ds)", int(elapsed.Seconds())), eventbus.Progress(progress))
	})

	if sig.set.Load() {
		s.owner.KillDescendantsOnly(spawned.PID)
		_ = s.owner.Kill(spawned.PID, true)
		s.publishProgress(silent, recipeID, eventbus.StageCancelled, "Preempted by another launch", eventbus.Progress(0))
		return LaunchResult{Success: false, Message: "Launch cancelled"}, nil
	}

	switch outcome {
	case process.OutcomeReady:
		s.publishProgress(silent, recipeID, eventbus.StageReady, "Model is ready!", eventbus.Progress(1))
		return LaunchResult{Success: true, PID: spawned.PID, Message: "Model is ready", LogFile: spawned.LogPath}, nil

	case process.OutcomeCrashed:
		tail := readLogTail(spawned.LogPath)
		s.publishProgress(silent, recipeID, eventbus.StageError, "Model process crashed. Check logs for details.", eventbus.Progress(0))
		return LaunchResult{Success: false, Message: "Process crashed: " + tail, LogFile: spawned.LogPath}, nil

	default: // OutcomeTimeout
		_ = s.owner.Kill(spawned.PID, true)
		tail := readLogTail(spawned.LogPath)
		s.publishProgress(silent, recipeID, eventbus.StageError, "Model failed to become ready (timeout)", eventbus.Progress(0))
		return LaunchResult{Success: false, Message: "Model failed to become ready (timeout): " + tail, LogFile: spawned.LogPath}, nil
	}
}

// Evict stops the running backend under switch_mutex, per spec.md §4.D.
func (s *Supervisor) Evict(force bool) (pid int, evicted bool) {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	rec, err := s.owner.Find(s.inferencePort)
	if err != nil || rec == nil {
		return 0, false
	}
	if force {
		_ = s.owner.Kill(rec.PID, true)
	} else {
		_ = s.owner.Kill(rec.PID, false)
	}
	return rec.PID, true
}

func (s *Supervisor) forceEvict() error {
	rec, err := s.owner.Find(s.inferencePort)
	if err != nil || rec == nil {
		return nil
	}
	return s.owner.Kill(rec.PID, true)
}

func (s *Supervisor) gracefulEvict() error {
	rec, err := s.owner.Find(s.inferencePort)
	if err != nil || rec == nil {
		return nil
	}
	return s.owner.Kill(rec.PID, false)
}

// EnsureResult is EnsureRunning's outcome.
type EnsureResult struct {
	Ready bool
	Error string
}

// EnsureRunning is used by ChatProxy's auto-switch path: it runs through
// the same runLaunch state machine as Launch but with silent=true, so it
// issues no launch_progress events of its own, per spec.md §4.D
// ("EnsureRunning ... NOT issuing SSE progress (silent path)"). It does a
// case-insensitive match against the recipe's served name or id, graceful
// eviction, 3s tick. Concurrent calls for the same model name collapse
// into a single in-flight switch via singleflight, satisfying spec.md
// §8.6's auto-switch idempotence property.
func (s *Supervisor) EnsureRunning(ctx context.Context, modelName string) EnsureResult {
	rec, found := s.recipes.FindByServedName(modelName)
	if !found {
		// No recipe matches; the caller (ChatProxy) should not attempt a
		// switch and instead let the request route externally.
		return EnsureResult{Ready: true}
	}

	current, err := s.owner.Find(s.inferencePort)
	if err == nil && current != nil {
		if strings.EqualFold(current.ServedModelName, rec.ServedModelName) || strings.EqualFold(current.ServedModelName, rec.ID) {
			return EnsureResult{Ready: true}
		}
	}

	v, err, _ := s.ensureGroup.Do(strings.ToLower(modelName), func() (interface{}, error) {
		return s.ensureRunningOnce(ctx, rec)
	})
	if err != nil {
		return EnsureResult{Ready: false, Error: err.Error()}
	}
	return v.(EnsureResult)
}

func (s *Supervisor) ensureRunningOnce(ctx context.Context, rec recipe.Recipe) (EnsureResult, error) {
	sig := s.registerCancel(rec.ID)
	s.setLaunching(rec.ID)
	defer func() {
		s.clearLaunchingIfSelf(rec.ID)
		s.unregisterCancel(rec.ID, sig)
	}()

	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	result, _ := s.runLaunch(ctx, rec.ID, rec, sig, false, true)
	if !result.Success {
		return EnsureResult{Ready: false, Error: result.Message}, nil
	}
	return EnsureResult{Ready: true}, nil
}

func readLogTail(path string) string {
	return process.ReadLogTailPublic(path, 1000)
}
