// Package statewindow keeps a short rolling record of the household
// state changes the guardian modules care about. The orchestrator
// includes it in the system prompt so questions like "did anyone open
// the garage?" have recent facts to work from.
//
// Entries are evicted by count when the ring is full and by age when
// read.
package statewindow

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nugget/magdala/internal/homeassistant"
)

const (
	defaultCapacity = 50
	defaultMaxAge   = 30 * time.Minute
)

// Entry is one recorded transition.
type Entry struct {
	EntityID string
	Name     string
	Old      string
	New      string
	At       time.Time
}

// Label is the friendly name when known, else the entity ID.
func (e Entry) Label() string {
	if e.Name != "" && e.Name != e.EntityID {
		return e.Name + " (" + e.EntityID + ")"
	}
	return e.EntityID
}

// Window is a fixed-size ring of recent transitions. It is safe for
// concurrent use.
type Window struct {
	mu     sync.RWMutex
	ring   []Entry
	head   int
	count  int
	maxAge time.Duration
	loc    *time.Location
}

// New creates a window holding at most capacity entries no older than
// maxAge. Zero values select 50 entries and 30 minutes; a nil loc
// formats times in time.Local.
func New(capacity int, maxAge time.Duration, loc *time.Location) *Window {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	if loc == nil {
		loc = time.Local
	}
	return &Window{
		ring:   make([]Entry, capacity),
		maxAge: maxAge,
		loc:    loc,
	}
}

// Record appends a state change. A zero change.At is replaced by now.
func (w *Window) Record(change homeassistant.StateChange, now time.Time) {
	e := Entry{
		EntityID: change.EntityID,
		Old:      change.OldState(),
		New:      change.NewState(),
		At:       change.At,
	}
	if change.New != nil {
		e.Name = change.New.FriendlyName()
	}
	if e.At.IsZero() {
		e.At = now
	}

	w.mu.Lock()
	w.ring[w.head] = e
	w.head = (w.head + 1) % len(w.ring)
	if w.count < len(w.ring) {
		w.count++
	}
	w.mu.Unlock()
}

// Recent returns the entries younger than the window's max age as of
// now, newest first.
func (w *Window) Recent(now time.Time) []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()

	cutoff := now.Add(-w.maxAge)
	n := len(w.ring)
	out := make([]Entry, 0, w.count)
	for i := range w.count {
		e := w.ring[(w.head-1-i+n)%n]
		if e.At.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len reports how many entries are held, expired or not.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.count
}

// Format renders the recent entries as a prompt section. It returns ""
// when nothing recent is held.
func (w *Window) Format(now time.Time) string {
	recent := w.Recent(now)
	if len(recent) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("### Recent Household Activity\n\n")
	for _, e := range recent {
		old := e.Old
		if old == "" {
			old = "unknown"
		}
		fmt.Fprintf(&sb, "- %s: %s → %s (%s)\n", e.Label(), old, e.New, e.At.In(w.loc).Format(time.RFC3339))
	}
	return strings.TrimRight(sb.String(), "\n")
}
