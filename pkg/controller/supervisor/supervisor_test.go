package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-ctl/controller/pkg/controller/eventbus"
	"github.com/inference-ctl/controller/pkg/controller/process"
	"github.com/inference-ctl/controller/pkg/controller/recipe"
	"github.com/inference-ctl/controller/pkg/logging"
)

type fakeRecipes struct {
	byID map[string]recipe.Recipe
}

func (f fakeRecipes) Get(id string) (recipe.Recipe, bool) {
	r, ok := f.byID[id]
	return r, ok
}

func (f fakeRecipes) FindByServedName(name string) (recipe.Recipe, bool) {
	for _, r := range f.byID {
		if r.MatchesServedName(name) {
			return r, true
		}
	}
	return recipe.Recipe{}, false
}

type fakeOwner struct {
	mu        sync.Mutex
	running   *process.Record
	spawnPID  int
	killCalls []int
}

func (f *fakeOwner) Find(port int) (*process.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeOwner) Spawn(ctx context.Context, r recipe.Recipe, logDir string) (process.SpawnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawnPID++
	f.running = &process.Record{PID: f.spawnPID, Backend: r.Backend, ServedModelName: r.ServedModelName}
	return process.SpawnResult{PID: f.spawnPID, LogPath: "/tmp/fake.log"}, nil
}

func (f *fakeOwner) Kill(pid int, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killCalls = append(f.killCalls, pid)
	if f.running != nil && f.running.PID == pid {
		f.running = nil
	}
	return nil
}

func (f *fakeOwner) KillDescendantsOnly(pid int) {}

type fakeProber struct {
	outcome process.Outcome
	delay   time.Duration
}

func (f *fakeProber) WaitReady(ctx context.Context, pid int, healthURL string, timeout, tick time.Duration, onTick process.TickFunc) process.Outcome {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.outcome
}

func newTestSupervisor(t *testing.T, owner *fakeOwner, prober *fakeProber, recipes fakeRecipes) *Supervisor {
	t.Helper()
	log := logging.NewLogrusAdapter(logrus.New())
	return New(Options{
		Log:              log,
		Owner:            owner,
		Prober:           prober,
		Bus:              eventbus.New(),
		Recipes:          recipes,
		InferencePort:    8000,
		LogDir:           t.TempDir(),
		BackendHealthURL: func() string { return "http://127.0.0.1:8000/health" },
	})
}

func TestLaunchSuccess(t *testing.T) {
	owner := &fakeOwner{}
	prober := &fakeProber{outcome: process.OutcomeReady}
	recipes := fakeRecipes{byID: map[string]recipe.Recipe{
		"r1": {ID: "r1", Name: "Recipe One", ServedModelName: "model-one"},
	}}

	sup := newTestSupervisor(t, owner, prober, recipes)

	result, err := sup.Launch(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "", sup.LaunchingRecipeID())
}

func TestLaunchUnknownRecipe(t *testing.T) {
	owner := &fakeOwner{}
	prober := &fakeProber{outcome: process.OutcomeReady}
	sup := newTestSupervisor(t, owner, prober, fakeRecipes{byID: map[string]recipe.Recipe{}})

	_, err := sup.Launch(context.Background(), "missing")
	assert.Error(t, err)
}

func TestLaunchCrash(t *testing.T) {
	owner := &fakeOwner{}
	prober := &fakeProber{outcome: process.OutcomeCrashed}
	recipes := fakeRecipes{byID: map[string]recipe.Recipe{
		"r1": {ID: "r1", Name: "Recipe One"},
	}}
	sup := newTestSupervisor(t, owner, prober, recipes)

	result, err := sup.Launch(context.Background(), "r1")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "Process crashed")
}

func TestEvictWhenIdleIsNoop(t *testing.T) {
	owner := &fakeOwner{}
	prober := &fakeProber{outcome: process.OutcomeReady}
	sup := newTestSupervisor(t, owner, prober, fakeRecipes{byID: map[string]recipe.Recipe{}})

	pid, evicted := sup.Evict(true)
	assert.False(t, evicted)
	assert.Equal(t, 0, pid)
}

func TestEnsureRunningNoMatchingRecipeIsReady(t *testing.T) {
	owner := &fakeOwner{}
	prober := &fakeProber{outcome: process.OutcomeReady}
	sup := newTestSupervisor(t, owner, prober, fakeRecipes{byID: map[string]recipe.Recipe{}})

	result := sup.EnsureRunning(context.Background(), "unknown-model")
	assert.True(t, result.Ready)
}

func TestEnsureRunningAlreadyServingIsIdempotent(t *testing.T) {
	owner := &fakeOwner{running: &process.Record{PID: 1, ServedModelName: "model-one"}}
	prober := &fakeProber{outcome: process.OutcomeReady}
	recipes := fakeRecipes{byID: map[string]recipe.Recipe{
		"r1": {ID: "r1", ServedModelName: "model-one"},
	}}
	sup := newTestSupervisor(t, owner, prober, recipes)

	result := sup.EnsureRunning(context.Background(), "MODEL-ONE")
	assert.True(t, result.Ready)
	assert.Empty(t, owner.killCalls)
}

func TestEnsureRunningIsSilent(t *testing.T) {
	owner := &fakeOwner{}
	prober := &fakeProber{outcome: process.OutcomeReady}
	recipes := fakeRecipes{byID: map[string]recipe.Recipe{
		"r1": {ID: "r1", ServedModelName: "model-one"},
	}}
	sup := newTestSupervisor(t, owner, prober, recipes)

	events, unsubscribe := sup.bus.Subscribe(eventbus.DefaultChannel)
	defer unsubscribe()

	result := sup.EnsureRunning(context.Background(), "model-one")
	assert.True(t, result.Ready)

	select {
	case ev := <-events:
		t.Fatalf("EnsureRunning must not publish launch_progress events, got %q", ev.Type)
	default:
	}
}

// TestSwitchLockTimedOutAcquireDoesNotWedgeLock exercises the lock
// primitive behind Launch's step 3 directly (Launch itself is not called):
// while a holder keeps switch_mutex, a TryLockTimeout that gives up must
// not consume the token, and after the holder's Unlock() the next Lock()
// must still succeed rather than find the lock wedged.
func TestSwitchLockTimedOutAcquireDoesNotWedgeLock(t *testing.T) {
	owner := &fakeOwner{}
	prober := &fakeProber{outcome: process.OutcomeReady}
	recipes := fakeRecipes{byID: map[string]recipe.Recipe{
		"r1": {ID: "r1", ServedModelName: "model-one"},
	}}
	sup := newTestSupervisor(t, owner, prober, recipes)

	// Simulate a stuck holder: take the token directly, past what a real
	// 2s deadline would wait for.
	sup.switchMu.Lock()
	released := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		sup.switchMu.Unlock()
		close(released)
	}()

	// Use a shorter-than-default deadline isn't exposed, so instead assert
	// the lock primitive itself: a timed-out acquirer never consumes the
	// token, and Unlock by the true holder hands it to the next genuine
	// Lock() caller rather than an abandoned one.
	timedOut := !sup.switchMu.TryLockTimeout(10 * time.Millisecond)
	assert.True(t, timedOut)

	<-released

	// The token must now be acquirable exactly once more (by this test),
	// proving it wasn't silently consumed or double-freed.
	acquired := make(chan struct{})
	go func() {
		sup.switchMu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(1 * time.Second):
		t.Fatal("switch_mutex is wedged after a timed-out acquire raced a real unlock")
	}
	sup.switchMu.Unlock()
}

func TestEnsureRunningConcurrentCallsCollapse(t *testing.T) {
	owner := &fakeOwner{}
	prober := &fakeProber{outcome: process.OutcomeReady, delay: 50 * time.Millisecond}
	recipes := fakeRecipes{byID: map[string]recipe.Recipe{
		"r1": {ID: "r1", ServedModelName: "model-one"},
	}}
	sup := newTestSupervisor(t, owner, prober, recipes)

	var wg sync.WaitGroup
	var readyCount atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sup.EnsureRunning(context.Background(), "model-one").Ready {
				readyCount.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), readyCount.Load())
	assert.Equal(t, 1, owner.spawnPID)
}
