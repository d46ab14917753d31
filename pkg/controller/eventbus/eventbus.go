// Package eventbus implements the multi-channel SSE pub/sub engine,
// grounded on original_source/controller/events.py's EventManager and Event
// dataclass, with the Go SSE-handler idiom (headers, buffered channel,
// flush loop) taken from
// _examples/other_examples/.../proxymanager_api.go's apiSendEvents.
package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultChannel carries telemetry and progress events.
	DefaultChannel = "default"
	// subscriberQueueCap bounds each subscriber's backlog, per spec.md §5.
	subscriberQueueCap = 100
)

// Event is a typed, ordered record published to a channel, per spec.md §3.
type Event struct {
	ID        uint64
	Type      string
	Timestamp time.Time
	Data      map[string]interface{}
}

// sseEnvelope is the JSON payload inside the SSE "data:" line: {data,
// timestamp}, per spec.md §4.C.
type sseEnvelope struct {
	Data      map[string]interface{} `json:"data"`
	Timestamp string                 `json:"timestamp"`
}

// Encode renders e in SSE wire format: id/event/data lines plus a blank
// line terminator, with the data JSON on a single line.
func (e Event) Encode() ([]byte, error) {
	payload, err := json.Marshal(sseEnvelope{Data: e.Data, Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", e.ID, e.Type, payload)), nil
}

// subscriber is a bounded FIFO owned jointly by the bus and the caller
// holding it, per spec.md §3's ownership note.
type subscriber struct {
	ch   chan Event
	dead atomic.Bool
}

// Bus is a concurrent multi-channel pub/sub with bounded per-subscriber
// queues and drop-on-full semantics.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]map[*subscriber]struct{}
	nextID      atomic.Uint64
	eventCount  atomic.Uint64
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subscribers: map[string]map[*subscriber]struct{}{}}
}

// Subscribe allocates a bounded queue on channel and returns it plus an
// unsubscribe function the caller must defer.
func (b *Bus) Subscribe(channel string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberQueueCap)}

	b.mu.Lock()
	if b.subscribers[channel] == nil {
		b.subscribers[channel] = map[*subscriber]struct{}{}
	}
	b.subscribers[channel][sub] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subscribers[channel], sub)
		b.mu.Unlock()
	}

	return sub.ch, unsubscribe
}

// Publish assigns event a monotonic id and timestamp, then enqueues it to
// every live subscriber on channel. A full queue drops the event for that
// subscriber and marks it dead; dead subscribers are removed from the
// channel at the end of the same publish.
func (b *Bus) Publish(channel, eventType string, data map[string]interface{}) Event {
	event := Event{
		ID:        b.nextID.Add(1),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[channel]
	if len(subs) == 0 {
		return event
	}

	b.eventCount.Add(1)

	for sub := range subs {
		select {
		case sub.ch <- event:
		default:
			sub.dead.Store(true)
		}
	}

	for sub := range subs {
		if sub.dead.Load() {
			delete(subs, sub)
		}
	}

	return event
}

// PublishStatus emits a status event on the default channel.
func (b *Bus) PublishStatus(data map[string]interface{}) Event {
	return b.Publish(DefaultChannel, "status", data)
}

// PublishGPU emits a gpu event on the default channel.
func (b *Bus) PublishGPU(gpus []map[string]interface{}) Event {
	return b.Publish(DefaultChannel, "gpu", map[string]interface{}{"gpus": gpus, "count": len(gpus)})
}

// PublishMetrics emits a metrics event on the default channel.
func (b *Bus) PublishMetrics(data map[string]interface{}) Event {
	return b.Publish(DefaultChannel, "metrics", data)
}

// LaunchStage enumerates the observable launch_progress stages, per
// spec.md §4.C/§4.D.
type LaunchStage string

const (
	StagePreempting LaunchStage = "preempting"
	StageEvicting   LaunchStage = "evicting"
	StageLaunching  LaunchStage = "launching"
	StageWaiting    LaunchStage = "waiting"
	StageCancelled  LaunchStage = "cancelled"
	StageReady      LaunchStage = "ready"
	StageError      LaunchStage = "error"
)

// PublishLaunchProgress emits a launch_progress event on the default
// channel.
func (b *Bus) PublishLaunchProgress(recipeID string, stage LaunchStage, message string, progress *float64) Event {
	data := map[string]interface{}{
		"recipe_id": recipeID,
		"stage":     string(stage),
		"message":   message,
	}
	if progress != nil {
		data["progress"] = *progress
	}
	return b.Publish(DefaultChannel, "launch_progress", data)
}

// PublishLogLine emits a log event to the per-session channel
// logs:<sessionID>, per spec.md §3.
func (b *Bus) PublishLogLine(sessionID, line string) Event {
	return b.Publish(logChannel(sessionID), "log", map[string]interface{}{
		"session_id": sessionID,
		"line":       line,
	})
}

func logChannel(sessionID string) string {
	return "logs:" + sessionID
}

// LogChannel exposes the per-session log channel name for handlers that
// need to Subscribe to it directly.
func LogChannel(sessionID string) string { return logChannel(sessionID) }

// Stats reports subscriber counts, matching EventManager.get_stats.
type Stats struct {
	TotalEventsPublished uint64
	Channels             map[string]int
	TotalSubscribers     int
}

// Stats returns current bus statistics.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	channels := make(map[string]int, len(b.subscribers))
	total := 0
	for ch, subs := range b.subscribers {
		channels[ch] = len(subs)
		total += len(subs)
	}

	return Stats{
		TotalEventsPublished: b.eventCount.Load(),
		Channels:             channels,
		TotalSubscribers:     total,
	}
}

// Progress returns a pointer to f, a small helper for callers constructing
// launch_progress events inline.
func Progress(f float64) *float64 { return &f }
