package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-ctl/controller/pkg/controller/eventbus"
	"github.com/inference-ctl/controller/pkg/controller/lifetime"
	"github.com/inference-ctl/controller/pkg/controller/process"
	"github.com/inference-ctl/controller/pkg/logging"
)

type fakeFinder struct {
	rec *process.Record
}

func (f fakeFinder) Find(port int) (*process.Record, error) { return f.rec, nil }

type fakeQuerier struct {
	gpus []GPU
}

func (f fakeQuerier) Query(ctx context.Context) []GPU { return f.gpus }

func newTestStore(t *testing.T) *lifetime.Store {
	t.Helper()
	s, err := lifetime.Open(t.TempDir() + "/lifetime.json")
	require.NoError(t, err)
	return s
}

func TestTickPublishesStatusAndGPU(t *testing.T) {
	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(eventbus.DefaultChannel)
	defer unsubscribe()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# HELP x\nvllm:num_requests_running 2\n"))
	}))
	defer backend.Close()

	c := New(Options{
		Log:           logging.NewLogrusAdapter(logrus.New()),
		Bus:           bus,
		Finder:        fakeFinder{rec: &process.Record{PID: 123, ServedModelName: "model-one"}},
		GPUs:          fakeQuerier{gpus: []GPU{{Index: 0, Name: "Fake GPU", PowerDraw: 100}}},
		Store:         newTestStore(t),
		Peaks:         NewPeakStore(),
		InferencePort: 8000,
		MetricsURL:    func() string { return backend.URL },
		Tick:          DefaultTickInterval,
	})

	c.Tick(context.Background())

	var sawStatus, sawGPU, sawMetrics bool
	for i := 0; i < 3; i++ {
		ev := <-events
		switch ev.Type {
		case "status":
			sawStatus = true
			assert.Equal(t, true, ev.Data["running"])
		case "gpu":
			sawGPU = true
		case "metrics":
			sawMetrics = true
		}
	}
	assert.True(t, sawStatus)
	assert.True(t, sawGPU)
	assert.True(t, sawMetrics)
}

func TestTickNoBackendSkipsMetricsEvent(t *testing.T) {
	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(eventbus.DefaultChannel)
	defer unsubscribe()

	c := New(Options{
		Log:           logging.NewLogrusAdapter(logrus.New()),
		Bus:           bus,
		Finder:        fakeFinder{rec: nil},
		GPUs:          fakeQuerier{},
		Store:         newTestStore(t),
		Peaks:         NewPeakStore(),
		InferencePort: 8000,
		MetricsURL:    func() string { return "http://127.0.0.1:1/metrics" },
	})

	c.Tick(context.Background())

	// Only status + gpu, no metrics event, since no backend is running.
	ev1 := <-events
	ev2 := <-events
	assert.ElementsMatch(t, []string{"status", "gpu"}, []string{ev1.Type, ev2.Type})

	select {
	case ev := <-events:
		t.Fatalf("unexpected third event: %+v", ev)
	default:
	}
}

func TestEnergyAccumulatesAcrossTicks(t *testing.T) {
	store := newTestStore(t)
	bus := eventbus.New()
	_, unsubscribe := bus.Subscribe(eventbus.DefaultChannel)
	defer unsubscribe()

	c := New(Options{
		Log:           logging.NewLogrusAdapter(logrus.New()),
		Bus:           bus,
		Finder:        fakeFinder{rec: nil},
		GPUs:          fakeQuerier{gpus: []GPU{{PowerDraw: 360}}},
		Store:         store,
		Peaks:         NewPeakStore(),
		InferencePort: 8000,
		MetricsURL:    func() string { return "" },
		Tick:          3600 * 1e9, // 1 hour, in time.Duration nanoseconds
	})

	before := store.Get(lifetime.KeyEnergyWh)
	c.Tick(context.Background())
	after := store.Get(lifetime.KeyEnergyWh)

	assert.InDelta(t, before+360, after, 0.001)
}
