package homeassistant

import (
	"context"
	"encoding/json"
	"log/slog"
	"path"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterCleanupInterval is how often Run prunes idle rate buckets.
const limiterCleanupInterval = 5 * time.Minute

// StateChange is a state_changed event that passed filtering. Old is
// nil when the entity was just created.
type StateChange struct {
	EntityID string
	Old      *State
	New      *State
	At       time.Time
}

// OldState returns the previous state string, empty when unknown.
func (c StateChange) OldState() string {
	if c.Old == nil {
		return ""
	}
	return c.Old.State
}

// NewState returns the new state string.
func (c StateChange) NewState() string {
	if c.New == nil {
		return ""
	}
	return c.New.State
}

// StateWatchHandler receives each state change that passes the entity
// filter and rate limiter.
type StateWatchHandler func(ctx context.Context, change StateChange)

// EntityFilter selects entity IDs by glob. An empty filter matches
// everything.
type EntityFilter struct {
	patterns []string
	logger   *slog.Logger
}

// NewEntityFilter creates an entity filter from glob patterns. Patterns
// use [path.Match] syntax (e.g., "person.*", "binary_sensor.*door*").
// An empty pattern list means all entities match.
func NewEntityFilter(globs []string, logger *slog.Logger) *EntityFilter {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityFilter{patterns: globs, logger: logger}
}

// Match reports whether the entity ID matches at least one pattern.
// If no patterns are configured, Match always returns true.
func (f *EntityFilter) Match(entityID string) bool {
	if len(f.patterns) == 0 {
		return true
	}
	for _, pat := range f.patterns {
		matched, err := path.Match(pat, entityID)
		if err != nil {
			f.logger.Debug("glob match error", "pattern", pat, "entity_id", entityID, "error", err)
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// EntityRateLimiter gives each entity its own token bucket refilled at
// perMinute tokens per minute with a burst of perMinute. A limit of
// zero disables rate limiting.
type EntityRateLimiter struct {
	limit   int
	window  time.Duration
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*entityBucket
}

type entityBucket struct {
	lim  *rate.Limiter
	last time.Time
}

// NewEntityRateLimiter creates a limiter allowing perMinute events per
// entity per minute.
func NewEntityRateLimiter(perMinute int) *EntityRateLimiter {
	return &EntityRateLimiter{
		limit:   perMinute,
		window:  time.Minute,
		now:     time.Now,
		buckets: make(map[string]*entityBucket),
	}
}

// Allow reports whether a state change for entityID should be
// processed, consuming a token when it should.
func (r *EntityRateLimiter) Allow(entityID string) bool {
	if r.limit <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b, ok := r.buckets[entityID]
	if !ok {
		b = &entityBucket{lim: rate.NewLimiter(rate.Every(r.window/time.Duration(r.limit)), r.limit)}
		r.buckets[entityID] = b
	}
	b.last = now
	return b.lim.AllowN(now, 1)
}

// Cleanup drops buckets idle for a full window. A dropped bucket would
// have refilled completely, so forgetting it changes nothing.
func (r *EntityRateLimiter) Cleanup() {
	if r.limit <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.window)
	for entityID, b := range r.buckets {
		if b.last.Before(cutoff) {
			delete(r.buckets, entityID)
		}
	}
}

// StateWatcher turns WebSocket state_changed events into StateChange
// values for a handler, after filtering and rate limiting.
type StateWatcher struct {
	events  <-chan Event
	filter  *EntityFilter
	limiter *EntityRateLimiter
	handler StateWatchHandler
	logger  *slog.Logger
}

// NewStateWatcher creates a state watcher that consumes events from the
// given channel. The filter and limiter control which events reach the
// handler. A nil filter or limiter disables that stage.
func NewStateWatcher(events <-chan Event, filter *EntityFilter, limiter *EntityRateLimiter, handler StateWatchHandler, logger *slog.Logger) *StateWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if filter == nil {
		filter = NewEntityFilter(nil, logger)
	}
	if limiter == nil {
		limiter = NewEntityRateLimiter(0)
	}
	return &StateWatcher{
		events:  events,
		filter:  filter,
		limiter: limiter,
		handler: handler,
		logger:  logger,
	}
}

// Run reads events from the channel until the context is cancelled or
// the channel is closed. It blocks the calling goroutine.
func (w *StateWatcher) Run(ctx context.Context) {
	w.logger.Info("state watcher started")
	defer w.logger.Info("state watcher stopped")

	cleanup := time.NewTicker(limiterCleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			w.limiter.Cleanup()
		case ev, ok := <-w.events:
			if !ok {
				return
			}
			w.handleEvent(ctx, ev)
		}
	}
}

func (w *StateWatcher) handleEvent(ctx context.Context, ev Event) {
	if ev.Type != "state_changed" {
		return
	}

	var data StateChangedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		w.logger.Debug("failed to unmarshal state_changed data", "error", err)
		return
	}

	// Entity removal.
	if data.NewState == nil {
		return
	}

	if !w.filter.Match(data.EntityID) {
		return
	}

	if !w.limiter.Allow(data.EntityID) {
		w.logger.Debug("rate limited state change", "entity_id", data.EntityID)
		return
	}

	at := ev.TimeFired
	if at.IsZero() {
		at = time.Now()
	}
	w.handler(ctx, StateChange{
		EntityID: data.EntityID,
		Old:      data.OldState,
		New:      data.NewState,
		At:       at,
	})
}
