package guardian

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nugget/magdala/internal/alert"
	"github.com/nugget/magdala/internal/config"
	"github.com/nugget/magdala/internal/homeassistant"
	"github.com/nugget/magdala/internal/memory"
)

// Normal hours run from 06:00 through 22:59 local time.
const (
	normalStartHour = 6
	normalEndHour   = 22
)

// DefaultDoorOpenMinutes applies when alert_thresholds has no
// door_open_minutes entry.
const DefaultDoorOpenMinutes = 30

// motionPattern is the learned pattern type that marks motion in an
// area as expected during an hour range.
const motionPattern = "motion"

// Security watches doors, windows, motion, and locks.
type Security struct {
	base
	doorOpenAfter time.Duration

	mu        sync.Mutex
	monitored map[string]bool
	// openSince tracks doors and windows currently open.
	openSince map[string]time.Time
	// leftOpen holds the event raised for a door left open, so closing
	// the door can resolve it.
	leftOpen map[string]alert.Event
	expected []expectedMotion
}

type expectedMotion struct {
	location   string
	start, end int
}

// NewSecurity creates the security guardian.
func NewSecurity(d Deps) *Security {
	s := &Security{
		doorOpenAfter: DefaultDoorOpenMinutes * time.Minute,
		monitored:     make(map[string]bool),
		openSince:     make(map[string]time.Time),
		leftOpen:      make(map[string]alert.Event),
	}
	s.setup(config.ModuleSecurity, d)
	if v, ok := d.Thresholds["door_open_minutes"]; ok && v > 0 {
		s.doorOpenAfter = time.Duration(v * float64(time.Minute))
	}
	return s
}

// Initialize discovers security entities and loads motion patterns.
// Either source may be missing. A discovery failure is returned; a
// pattern load failure is only logged.
func (s *Security) Initialize(ctx context.Context) error {
	if s.states != nil {
		states, err := s.states.GetStates(ctx)
		if err != nil {
			return fmt.Errorf("discover security entities: %w", err)
		}
		s.mu.Lock()
		for _, st := range states {
			if !ownedBy(st.EntityID, s.name) {
				continue
			}
			s.monitored[st.EntityID] = true
			if isOpening(st.EntityID) && isOpen(st.State) {
				s.openSince[st.EntityID] = st.LastChanged
			}
		}
		count := len(s.monitored)
		s.mu.Unlock()
		s.logger.Info("security entities discovered", "count", count)
	}

	if s.patterns != nil {
		patterns, err := s.patterns.UserPatterns(ctx, HouseholdUser, motionPattern)
		if err != nil {
			s.logger.Warn("failed to load security patterns", "error", err)
		} else {
			s.loadExpectedMotion(patterns)
		}
	}
	return nil
}

// MonitoredCount is the number of entities found at Initialize or
// since seen in a state change.
func (s *Security) MonitoredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitored)
}

// HandleStateChange applies the door/window, motion, and lock rules.
func (s *Security) HandleStateChange(ctx context.Context, c homeassistant.StateChange) error {
	if !s.active() || s.sleeping() {
		return nil
	}

	s.mu.Lock()
	s.monitored[c.EntityID] = true
	s.mu.Unlock()

	id := strings.ToLower(c.EntityID)
	domain, _, _ := strings.Cut(id, ".")
	switch {
	case domain == "lock":
		s.lock(ctx, c)
	case isOpening(id):
		s.doorWindow(ctx, c)
	case strings.Contains(id, "motion"):
		s.motion(ctx, c)
	case strings.Contains(id, "lock"):
		s.lock(ctx, c)
	}
	return nil
}

func (s *Security) doorWindow(ctx context.Context, c homeassistant.StateChange) {
	now := s.now()
	switch {
	case isClosed(c.OldState()) && isOpen(c.NewState()):
		s.mu.Lock()
		s.openSince[c.EntityID] = now
		s.mu.Unlock()

		normal := normalHours(now)
		if normal && s.currentMode() != config.ModeActive {
			return
		}
		sev := alert.High
		if normal {
			sev = alert.Medium
		}
		location := LocationFromEntity(c.EntityID)
		ev := s.event("door_window_opened", sev, now, location+" opened", c.EntityID, location)
		s.raise(ctx, ev)

	case isClosed(c.NewState()):
		s.mu.Lock()
		delete(s.openSince, c.EntityID)
		ev, wasLeftOpen := s.leftOpen[c.EntityID]
		delete(s.leftOpen, c.EntityID)
		s.mu.Unlock()
		if wasLeftOpen {
			s.resolve(ctx, ev)
		}
	}
}

func (s *Security) motion(ctx context.Context, c homeassistant.StateChange) {
	if c.OldState() != "off" || c.NewState() != "on" {
		return
	}
	now := s.now()
	location := LocationFromEntity(c.EntityID)
	if normalHours(now) || s.motionExpected(location, now) {
		return
	}
	ev := s.event("unexpected_motion", alert.High, now,
		"Unexpected motion detected in "+location, c.EntityID, location)
	s.raise(ctx, ev)
}

func (s *Security) lock(ctx context.Context, c homeassistant.StateChange) {
	if c.Old == nil || c.OldState() == c.NewState() {
		return
	}
	action := "unlocked"
	if c.NewState() == "locked" {
		action = "locked"
	}
	location := LocationFromEntity(c.EntityID)
	ev := s.event("lock_changed", alert.Low, s.now(), location+" "+action, c.EntityID, location)
	ev.Security.ActionTaken = action
	s.raise(ctx, ev)
}

// PerformPeriodicCheck raises one event per door or window open longer
// than the configured threshold.
func (s *Security) PerformPeriodicCheck(ctx context.Context) error {
	defer s.markChecked()
	if !s.active() || s.sleeping() {
		return nil
	}

	now := s.now()
	var due []alert.Event
	s.mu.Lock()
	for id, since := range s.openSince {
		if _, raised := s.leftOpen[id]; raised || since.IsZero() {
			continue
		}
		open := now.Sub(since)
		if open < s.doorOpenAfter {
			continue
		}
		location := LocationFromEntity(id)
		ev := s.event("door_window_left_open", alert.Medium, now,
			fmt.Sprintf("%s has been open for %d minutes", location, int(open.Minutes())), id, location)
		s.leftOpen[id] = ev
		due = append(due, ev)
	}
	s.mu.Unlock()

	for _, ev := range due {
		s.raise(ctx, ev)
	}
	return nil
}

func (s *Security) event(eventType string, sev alert.Severity, at time.Time, desc, entityID, location string) alert.Event {
	ev := alert.New(s.name, eventType, sev, at, desc)
	ev.EntityID = entityID
	ev.Location = location
	return ev
}

// loadExpectedMotion reads motion patterns whose data names a location
// and an hour range ("location", "start_hour", "end_hour").
func (s *Security) loadExpectedMotion(patterns []memory.Pattern) {
	var out []expectedMotion
	for _, p := range patterns {
		loc, _ := p.Data["location"].(string)
		start, ok1 := p.Data["start_hour"].(float64)
		end, ok2 := p.Data["end_hour"].(float64)
		if loc == "" || !ok1 || !ok2 {
			continue
		}
		out = append(out, expectedMotion{location: strings.ToLower(loc), start: int(start), end: int(end)})
	}
	s.mu.Lock()
	s.expected = out
	s.mu.Unlock()
	s.logger.Debug("security patterns loaded", "count", len(out))
}

func (s *Security) motionExpected(location string, t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := t.Hour()
	for _, e := range s.expected {
		if e.location != strings.ToLower(location) {
			continue
		}
		if e.start <= e.end && h >= e.start && h <= e.end {
			return true
		}
		if e.start > e.end && (h >= e.start || h <= e.end) {
			return true
		}
	}
	return false
}

func normalHours(t time.Time) bool {
	h := t.Hour()
	return h >= normalStartHour && h <= normalEndHour
}

func isOpening(lowerID string) bool {
	return strings.Contains(lowerID, "door") || strings.Contains(lowerID, "window")
}

// Covers report open/closed; contact binary sensors report on/off.
func isOpen(state string) bool   { return state == "open" || state == "on" }
func isClosed(state string) bool { return state == "closed" || state == "off" }

func ownedBy(entityID, module string) bool {
	for _, m := range Classify(entityID) {
		if m == module {
			return true
		}
	}
	return false
}
