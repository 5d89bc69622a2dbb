package voice

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nugget/magdala/internal/alert"
	"github.com/nugget/magdala/internal/events"
	"github.com/nugget/magdala/internal/homeassistant"
	"github.com/nugget/magdala/internal/metrics"
)

// ServiceCaller invokes a Home Assistant service.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// StateSource lists entity states.
type StateSource interface {
	GetStates(ctx context.Context) ([]homeassistant.State, error)
}

// Registry supplies area assignments for speakers.
type Registry interface {
	GetEntityRegistry(ctx context.Context) ([]homeassistant.EntityRegistryEntry, error)
	GetDeviceRegistry(ctx context.Context) ([]homeassistant.Device, error)
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides the time source used for quiet hours.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithSleep overrides how announcement delays are waited out.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Router) { r.sleep = sleep }
}

// WithBus publishes a KindAnnouncement event for every result.
func WithBus(b *events.Bus) Option {
	return func(r *Router) { r.bus = b }
}

// Router decides whether, where, and how to speak.
type Router struct {
	caller   ServiceCaller
	states   StateSource
	registry Registry
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	bus      *events.Bus

	mu       sync.RWMutex
	cfg      Config
	speakers Speakers
}

// NewRouter creates a router. registry may be nil, in which case no
// speakers have an area and only "all" and fallback targeting apply.
func NewRouter(cfg Config, caller ServiceCaller, states StateSource, registry Registry, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		caller:   caller,
		states:   states,
		registry: registry,
		logger:   logger.With("component", "voice"),
		now:      time.Now,
		sleep:    sleepCtx,
		cfg:      cfg,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Initialize validates the TTS service name and discovers speakers.
func (r *Router) Initialize(ctx context.Context) error {
	r.mu.RLock()
	_, _, err := r.cfg.service()
	r.mu.RUnlock()
	if err != nil {
		return err
	}
	return r.Refresh(ctx)
}

// Refresh rebuilds the speaker map. Speakers added to Home Assistant
// since the last refresh are unknown until this runs.
func (r *Router) Refresh(ctx context.Context) error {
	sp, err := Discover(ctx, r.states, r.registry)
	if err != nil {
		return fmt.Errorf("discover speakers: %w", err)
	}
	r.mu.Lock()
	r.speakers = sp
	r.mu.Unlock()
	r.logger.Info("speakers discovered", "count", len(sp.All), "areas", len(sp.ByArea))
	return nil
}

// Speakers returns a copy of the current speaker map.
func (r *Router) Speakers() Speakers {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.speakers.clone()
}

// UpdateConfig replaces the routing policy. The speaker map is kept.
func (r *Router) UpdateConfig(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	r.logger.Info("voice configuration updated", "enabled", cfg.Enabled, "tts_service", cfg.TTSService)
}

// Announce speaks a. Every call yields a Result; none is silently
// dropped.
func (r *Router) Announce(ctx context.Context, a Announcement) Result {
	res := r.announce(ctx, a)
	r.record(a, res)
	return res
}

func (r *Router) announce(ctx context.Context, a Announcement) Result {
	if a.Priority == "" {
		a.Priority = Low
	}
	if a.RepeatCount < 1 {
		a.RepeatCount = 1
	}

	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()

	if !cfg.Enabled {
		return Result{Status: StatusDisabled}
	}
	if cfg.inQuietHours(r.now()) && !a.Priority.bypassesQuietHours() {
		return Result{Status: StatusQuietHours}
	}

	if a.Delay > 0 {
		if err := r.sleep(ctx, a.Delay); err != nil {
			return Result{Status: StatusFailed, Reason: err.Error()}
		}
	}

	domain, service, err := cfg.service()
	if err != nil {
		return Result{Status: StatusFailed, Reason: err.Error()}
	}

	message := Format(a.Message, a.Priority)
	targets := r.targets(a.Location, a.Priority, cfg.DefaultLocations)
	if len(targets) == 0 {
		return Result{Status: StatusNoSpeakers}
	}

	ok, failed := r.fanOut(ctx, domain, service, targets, message, a.Priority, a.RepeatCount)
	res := Result{Targets: targets, Succeeded: ok, Failed: failed}
	if ok > 0 {
		res.Status = StatusDelivered
	} else {
		res.Status = StatusFailed
		res.Reason = "no speaker accepted the announcement"
	}
	return res
}

// targets selects speakers: critical, high, or "all" reach everyone; a
// known area reaches its speakers; otherwise the first default area
// with speakers, then any single speaker.
func (r *Router) targets(location string, p Priority, defaults []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	loc := strings.ToLower(location)
	switch {
	case p == Critical, p == High, loc == LocationAll:
		return slices.Clone(r.speakers.All)
	}
	if sp, ok := r.speakers.InArea(loc); ok {
		return slices.Clone(sp)
	}
	for _, d := range defaults {
		if sp, ok := r.speakers.InArea(d); ok && len(sp) > 0 {
			return slices.Clone(sp)
		}
	}
	if len(r.speakers.All) > 0 {
		return []string{r.speakers.All[0]}
	}
	return nil
}

// fanOut delivers message to every target repeat times concurrently
// and counts successes and failures.
func (r *Router) fanOut(ctx context.Context, domain, service string, targets []string, message string, p Priority, repeat int) (ok, failed int) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, speaker := range targets {
		for range repeat {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := r.caller.CallService(ctx, domain, service, map[string]any{
					"entity_id": speaker,
					"message":   message,
					"options":   ttsOptions(p),
				})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed++
					r.logger.Warn("tts delivery failed", "speaker", speaker, "error", err)
					return
				}
				ok++
			}()
		}
	}
	wg.Wait()
	return ok, failed
}

func (r *Router) record(a Announcement, res Result) {
	metrics.Announcements.WithLabelValues(string(res.Status)).Inc()

	level := slog.LevelDebug
	switch res.Status {
	case StatusDelivered:
		level = slog.LevelInfo
	case StatusFailed, StatusNoSpeakers:
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, "announcement",
		"status", res.Status,
		"priority", a.Priority,
		"targets", len(res.Targets),
		"succeeded", res.Succeeded,
		"failed", res.Failed,
	)

	r.bus.Publish(events.Event{
		Source: events.SourceVoice,
		Kind:   events.KindAnnouncement,
		Data: map[string]any{
			"status":    string(res.Status),
			"priority":  string(a.Priority),
			"targets":   res.Targets,
			"succeeded": res.Succeeded,
			"failed":    res.Failed,
		},
	})
}

// AnnounceAlert speaks a guardian event at a priority matching its
// severity, targeted at its location.
func (r *Router) AnnounceAlert(ctx context.Context, ev alert.Event) Result {
	msg := strings.TrimSuffix(ev.Description, ".") + "."
	if ev.Location != "" && ev.Location != "unknown" {
		msg += " Location: " + ev.Location + "."
	}
	return r.Announce(ctx, Announcement{
		Message:  msg,
		Priority: FromSeverity(ev.Severity),
		Location: strings.ReplaceAll(ev.Location, " ", "_"),
	})
}

// Briefing is the content of a morning briefing. Empty fields are
// omitted.
type Briefing struct {
	Weather  string `json:"weather,omitempty"`
	Security string `json:"security_status,omitempty"`
	Energy   string `json:"energy_summary,omitempty"`
	Schedule string `json:"schedule,omitempty"`
}

// MorningBriefing speaks b to every speaker at medium priority.
func (r *Router) MorningBriefing(ctx context.Context, b Briefing) Result {
	parts := []string{"Good morning! Here's your briefing."}
	for _, p := range []struct{ label, value string }{
		{"Weather", b.Weather},
		{"Security", b.Security},
		{"Energy", b.Energy},
		{"Schedule", b.Schedule},
	} {
		if p.value != "" {
			parts = append(parts, p.label+": "+p.value)
		}
	}
	return r.Announce(ctx, Announcement{
		Message:  strings.Join(parts, " "),
		Priority: Medium,
		Location: LocationAll,
	})
}

// ConfirmAction speaks a low-priority confirmation of action.
func (r *Router) ConfirmAction(ctx context.Context, action string, success bool) Result {
	msg := fmt.Sprintf("Understood. %s completed successfully.", action)
	if !success {
		msg = fmt.Sprintf("I apologize, but I encountered an issue while attempting to %s.", action)
	}
	return r.Announce(ctx, Announcement{Message: msg, Priority: Low})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
