// Package eventsink publishes CloudEvents-shaped notifications for the
// SDK's own lifecycle hooks (polling_error, watch_changed, backend_promoted)
// to in-process subscribers and, optionally, a durable Cloud Pub/Sub topic.
// Adapted from the teacher's internal/events/bus.go and pubsub_bus.go,
// generalized from governance-verdict payloads to arbitrary SDK hook data.
package eventsink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sink is the interface every event bus in this package satisfies.
type Sink interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// Event is the CloudEvents 1.0 envelope used for every SDK hook
// notification.
type Event struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// Well-known event types this SDK emits.
const (
	TypePollingError    = "io.huskar.polling_error"
	TypeWatchChanged    = "io.huskar.watch_changed"
	TypeBackendPromoted = "io.huskar.backend_promoted"
)

// NewEvent builds an Event with a fresh, collision-resistant ID. The
// teacher's `fmt.Sprintf("ce-%d", time.Now().UnixNano())` scheme is fine
// for one process but collides across several processes sharing a cache
// directory (the whole premise of the File-Cache fallback), so IDs here are
// UUIDs instead.
func NewEvent(eventType, source, subject string, data map[string]interface{}) *Event {
	return &Event{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          uuid.NewString(),
		Time:        time.Now(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) { return json.Marshal(e) }

// Bus is an in-process pub/sub event bus. Subscribers receive Events on a
// buffered channel and a full channel drops the event rather than blocking
// the publisher — an SDK hook firing must never stall a watch/poll loop.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event
	allSubs     []chan *Event
	bufferSize  int
}

// NewBus creates an in-process event bus with a default subscriber buffer
// of 64 events.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		bufferSize:  64,
	}
}

// Subscribe returns a channel receiving events of the given types, or every
// event if no types are given.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, et := range eventTypes {
		b.subscribers[et] = append(b.subscribers[et], ch)
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		b.subscribers[et] = removeChan(subs, ch)
	}
	b.allSubs = removeChan(b.allSubs, ch)
	close(ch)
}

func removeChan(subs []chan *Event, target chan *Event) []chan *Event {
	filtered := make([]chan *Event, 0, len(subs))
	for _, s := range subs {
		if s != target {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// Publish delivers event to every matching subscriber, dropping it for any
// subscriber whose buffer is full.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			slog.Warn("eventsink: dropped event, subscriber buffer full", "type", event.Type, "id", event.ID)
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
			slog.Warn("eventsink: dropped event, subscriber buffer full", "type", event.Type, "id", event.ID)
		}
	}
}

// Emit builds an Event and publishes it. Implements Sink.
func (b *Bus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.Publish(NewEvent(eventType, source, subject, data))
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

var _ Sink = (*Bus)(nil)

// Hooks wires the three SDK lifecycle events into source+subject shaped
// calls any backend's PollingErrorHook/OnWatchListChanged-adjacent code can
// invoke without constructing an Event by hand.
type Hooks struct {
	sink   Sink
	source string
}

// NewHooks returns a Hooks bound to sink, tagging every event's `source`
// field with the given process/component name (e.g. "huskar-agent").
func NewHooks(sink Sink, source string) *Hooks {
	return &Hooks{sink: sink, source: source}
}

// PollingError emits a polling_error event for backend (e.g. "longpoll").
func (h *Hooks) PollingError(backend string, err error) {
	h.sink.Emit(TypePollingError, h.source, backend, map[string]interface{}{
		"backend": backend,
		"error":   err.Error(),
	})
}

// WatchChanged emits a watch_changed event for one (kind, app, cluster, key).
func (h *Hooks) WatchChanged(kind, app, cluster, key string, deleted bool) {
	h.sink.Emit(TypeWatchChanged, h.source, fmt.Sprintf("%s/%s/%s/%s", kind, app, cluster, key), map[string]interface{}{
		"kind":    kind,
		"app":     app,
		"cluster": cluster,
		"key":     key,
		"deleted": deleted,
	})
}

// BackendPromoted emits a backend_promoted event when the File-Cache
// fallback wins the host writer lock and promotes itself to Long-Poll.
func (h *Hooks) BackendPromoted(from, to string) {
	h.sink.Emit(TypeBackendPromoted, h.source, to, map[string]interface{}{
		"from": from,
		"to":   to,
	})
}
