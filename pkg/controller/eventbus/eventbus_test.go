package eventbus

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInOrder(t *testing.T) {
	bus := New()
	events, unsubscribe := bus.Subscribe(DefaultChannel)
	defer unsubscribe()

	bus.PublishStatus(map[string]interface{}{"running": true})
	bus.PublishStatus(map[string]interface{}{"running": false})

	first := <-events
	second := <-events

	assert.Less(t, first.ID, second.ID)
	assert.Equal(t, "status", first.Type)
}

func TestPublishWithNoSubscribersIsNoop(t *testing.T) {
	bus := New()
	event := bus.PublishStatus(map[string]interface{}{"running": true})
	assert.NotZero(t, event.ID)
	assert.Equal(t, Stats{TotalEventsPublished: 0, Channels: map[string]int{}, TotalSubscribers: 0}, bus.Stats())
}

func TestQueueFullDropsAndMarksDead(t *testing.T) {
	bus := New()
	events, unsubscribe := bus.Subscribe(DefaultChannel)
	defer unsubscribe()

	for i := 0; i < subscriberQueueCap+10; i++ {
		bus.PublishStatus(map[string]interface{}{"i": i})
	}

	// The subscriber's queue filled and further publishes dropped for it;
	// it should have been removed from the channel's subscriber set.
	assert.Equal(t, 0, bus.Stats().Channels[DefaultChannel])
	assert.Equal(t, subscriberQueueCap, len(events))
}

func TestEventEncodeWireFormat(t *testing.T) {
	bus := New()
	event := bus.PublishStatus(map[string]interface{}{"running": true})
	encoded, err := event.Encode()
	require.NoError(t, err)

	s := string(encoded)
	assert.True(t, strings.HasPrefix(s, "id: "))
	assert.Contains(t, s, "event: status\n")
	assert.Contains(t, s, "data: {")
	assert.True(t, strings.HasSuffix(s, "\n\n"))
}

func TestLaunchProgressChannels(t *testing.T) {
	bus := New()
	logEvents, unsubLog := bus.Subscribe(LogChannel("r1"))
	defer unsubLog()
	defaultEvents, unsubDefault := bus.Subscribe(DefaultChannel)
	defer unsubDefault()

	bus.PublishLaunchProgress("r1", StageEvicting, "clearing vram", Progress(0.0))
	bus.PublishLogLine("r1", "loading weights...")

	progressEvent := <-defaultEvents
	assert.Equal(t, "launch_progress", progressEvent.Type)
	assert.Equal(t, "evicting", progressEvent.Data["stage"])

	logEvent := <-logEvents
	assert.Equal(t, "log", logEvent.Type)
	assert.Equal(t, "loading weights...", logEvent.Data["line"])
}
