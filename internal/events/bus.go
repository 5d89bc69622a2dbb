// Package events is the in-process publish/subscribe bus for guardian
// activity. The orchestrator publishes; the Home Assistant forwarder,
// metrics, and debug consumers subscribe. Publish on a nil *Bus is a
// no-op.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceAgent    = "agent"
	SourceGuardian = "guardian"
	SourceVoice    = "voice"
	SourceMemory   = "memory"
)

// Kinds. The first four are forwarded to Home Assistant with a
// "magdala_" prefix; see [Event.HAEventType].
const (
	// KindResponse follows every Ask.
	// Data: query, response, conversation_id, user_id, error.
	KindResponse = "response"
	// KindAlert follows a raised guardian event or an emergency.
	// Data: alert.Event fields, announcement.
	KindAlert = "alert"
	// KindPattern follows a learned pattern.
	// Data: pattern_type, user_id, stored.
	KindPattern = "pattern"
	// KindGuardianStatus follows a mode change.
	// Data: mode, active_modules, previous_mode.
	KindGuardianStatus = "guardian_status"

	// KindAnnouncement records a voice delivery attempt.
	// Data: status, priority, targets, succeeded, failed.
	KindAnnouncement = "announcement"
	// KindStateChange records a routed state change.
	// Data: entity_id, modules.
	KindStateChange = "state_change"
	// KindDegraded records a subsystem fallback.
	// Data: subsystem, operation, error.
	KindDegraded = "degraded"
)

// HAEventPrefix namespaces events fired on the Home Assistant bus.
const HAEventPrefix = "magdala_"

var forwarded = map[string]bool{
	KindResponse:       true,
	KindAlert:          true,
	KindPattern:        true,
	KindGuardianStatus: true,
}

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// HAEventType returns the Home Assistant event type for e and whether
// e is forwarded at all.
func (e Event) HAEventType() (string, bool) {
	if !forwarded[e.Kind] {
		return "", false
	}
	return HAEventPrefix + e.Kind, true
}

// Payload is the flat key/value body sent with a forwarded event. It
// always carries a timestamp.
func (e Event) Payload() map[string]any {
	out := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		out[k] = v
	}
	if _, ok := out["timestamp"]; !ok {
		out["timestamp"] = e.Timestamp.Format(time.RFC3339)
	}
	return out
}

// Bus is a non-blocking broadcast bus. A subscriber whose buffer is
// full misses events rather than stalling publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recv maps the caller's receive-only view back to the channel we
	// own so Unsubscribe can close it.
	recv map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
		recv: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber with room in its buffer. A
// zero Timestamp is filled with the current time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of published events. Call Unsubscribe
// when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recv[ch] = ch
	return ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.recv[ch]
	if !ok {
		return
	}
	delete(b.subs, send)
	delete(b.recv, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
