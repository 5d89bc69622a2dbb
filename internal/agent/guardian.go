package agent

import (
	"context"
	"slices"
	"time"

	"github.com/nugget/magdala/internal/alert"
	"github.com/nugget/magdala/internal/config"
	"github.com/nugget/magdala/internal/events"
	"github.com/nugget/magdala/internal/guardian"
	"github.com/nugget/magdala/internal/homeassistant"
	"github.com/nugget/magdala/internal/metrics"
	"github.com/nugget/magdala/internal/voice"
)

var modeAnnouncements = map[string]string{
	config.ModeActive:  "Guardian mode activated. Full monitoring enabled.",
	config.ModePassive: "Guardian mode set to passive. Monitoring with reduced alerts.",
	config.ModeSleep:   "Guardian mode set to sleep. Monitoring paused except for emergencies.",
}

// SetGuardianMode switches every loaded module to mode. When modules
// is non-nil it also replaces the active module set, keeping only
// names that are enabled in configuration. An invalid mode changes
// nothing and returns [ErrInvalidMode].
//
// The fan-out is synchronous. A module that fails to change mode is
// logged and the rest still switch.
func (a *Agent) SetGuardianMode(ctx context.Context, mode string, modules []string) error {
	if !config.ValidMode(mode) {
		a.logger.Warn("rejected guardian mode", "mode", mode)
		return ErrInvalidMode
	}

	a.mu.Lock()
	previous := a.status.Mode
	a.status.Mode = mode
	if modules != nil {
		var active []string
		for _, m := range config.Modules {
			if slices.Contains(modules, m) && slices.Contains(a.cfg.Guardian.EnabledModules, m) {
				active = append(active, m)
			}
		}
		a.status.ActiveModules = active
	}
	active := slices.Clone(a.status.ActiveModules)
	loaded := slices.Clone(a.modules)
	a.status.LastActivity = a.now()
	a.mu.Unlock()

	for _, m := range loaded {
		if err := m.SetMode(ctx, mode); err != nil {
			a.logger.Error("guardian mode change failed", "module", m.Name(), "mode", mode, "error", err)
		}
	}
	metrics.SetMode(mode, config.Modes)
	a.logger.Info("guardian mode set", "mode", mode, "previous", previous, "active_modules", active)

	a.speak(ctx, voice.Announcement{Message: modeAnnouncements[mode], Priority: voice.Low})

	a.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindGuardianStatus,
		Data: map[string]any{
			"mode":           mode,
			"previous_mode":  previous,
			"active_modules": active,
		},
	})
	return nil
}

// HandleStateChange routes a state change to every active module that
// claims the entity.
func (a *Agent) HandleStateChange(ctx context.Context, change homeassistant.StateChange) {
	owners := guardian.Classify(change.EntityID)
	if len(owners) == 0 {
		return
	}
	a.activity.Record(change, a.now())

	a.mu.Lock()
	active := slices.Clone(a.status.ActiveModules)
	loaded := slices.Clone(a.modules)
	a.status.LastActivity = a.now()
	a.mu.Unlock()

	var routed []string
	for _, m := range loaded {
		name := m.Name()
		if !slices.Contains(owners, name) || !slices.Contains(active, name) {
			continue
		}
		metrics.StateChanges.WithLabelValues(name).Inc()
		routed = append(routed, name)
		if err := m.HandleStateChange(ctx, change); err != nil {
			a.logger.Error("state change handling failed", "module", name, "entity_id", change.EntityID, "error", err)
		}
	}
	if len(routed) == 0 {
		return
	}
	a.logger.Debug("state change routed", "entity_id", change.EntityID, "old", change.OldState(), "new", change.NewState(), "modules", routed)
	a.bus.Publish(events.Event{
		Source: events.SourceGuardian,
		Kind:   events.KindStateChange,
		Data:   map[string]any{"entity_id": change.EntityID, "modules": routed},
	})
}

// voicePolicy decides whether a guardian event is spoken in mode. Low
// severity events are informational and never spoken.
func voicePolicy(mode string, sev alert.Severity) bool {
	switch {
	case sev == alert.Critical:
		return true
	case sev == alert.Low:
		return false
	case mode == config.ModeActive:
		return true
	default:
		return false
	}
}

// Raise persists, optionally voices, and publishes a guardian event.
// Every high or critical event gets a recorded voice result, even when
// the mode suppresses it.
func (a *Agent) Raise(ctx context.Context, ev alert.Event) {
	metrics.Alerts.WithLabelValues(ev.Module, string(ev.Severity)).Inc()

	a.mu.Lock()
	a.open[ev.ID] = ev
	openCount := len(a.open)
	mode := a.status.Mode
	a.status.LastActivity = a.now()
	a.mu.Unlock()
	metrics.OpenAlerts.Set(float64(openCount))

	a.persistEvent(ctx, ev)

	var res voice.Result
	switch {
	case voicePolicy(mode, ev.Severity):
		if !a.voiceUp() {
			res = voice.Result{Status: voice.StatusDisabled, Reason: "voice unavailable"}
			a.degraded("voice", "announce_alert", ErrUnavailable)
		} else {
			res = a.voice.AnnounceAlert(ctx, ev)
		}
	case ev.Severity.Urgent():
		res = voice.Result{Status: voice.StatusSuppressed, Reason: "guardian mode " + mode}
		metrics.Announcements.WithLabelValues(string(res.Status)).Inc()
		a.logger.Info("alert announcement suppressed", "event_id", ev.ID, "severity", ev.Severity, "mode", mode)
	}

	data := ev.Fields()
	if res.Status != "" {
		data["announcement"] = string(res.Status)
	}
	a.bus.Publish(events.Event{Source: events.SourceGuardian, Kind: events.KindAlert, Data: data})
}

// Resolve records that a module closed one of its events.
func (a *Agent) Resolve(ctx context.Context, ev alert.Event) {
	a.mu.Lock()
	delete(a.open, ev.ID)
	openCount := len(a.open)
	a.mu.Unlock()
	metrics.OpenAlerts.Set(float64(openCount))

	a.logger.Info("guardian event resolved", "event_id", ev.ID, "module", ev.Module, "type", ev.Type)
	a.persistEvent(ctx, ev)
	a.bus.Publish(events.Event{Source: events.SourceGuardian, Kind: events.KindAlert, Data: ev.Fields()})
}

// OpenAlerts returns unresolved events, oldest first.
func (a *Agent) OpenAlerts() []alert.Event {
	a.mu.Lock()
	out := make([]alert.Event, 0, len(a.open))
	for _, ev := range a.open {
		out = append(out, ev)
	}
	a.mu.Unlock()
	slices.SortFunc(out, func(x, y alert.Event) int { return x.Timestamp.Compare(y.Timestamp) })
	return out
}

func (a *Agent) persistEvent(ctx context.Context, ev alert.Event) {
	mem, ok := a.memory()
	if !ok {
		a.degraded("memory", "store_event", ErrUnavailable)
		return
	}
	if err := mem.StoreEvent(ctx, ev); err != nil {
		a.degraded("memory", "store_event", err)
	}
}

// Run performs periodic maintenance until ctx is done or Shutdown is
// called: guardian periodic checks, the memory cache sweep, and the
// idle conversation sweep.
func (a *Agent) Run(ctx context.Context) {
	a.mu.Lock()
	interval := a.cfg.Guardian.CheckInterval()
	a.mu.Unlock()
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
			a.maintain(ctx)
		}
	}
}

func (a *Agent) maintain(ctx context.Context) {
	a.mu.Lock()
	active := slices.Clone(a.status.ActiveModules)
	loaded := slices.Clone(a.modules)
	ttl := a.cfg.Guardian.ConversationTTL()
	a.mu.Unlock()

	for _, m := range loaded {
		if !slices.Contains(active, m.Name()) {
			continue
		}
		if err := m.PerformPeriodicCheck(ctx); err != nil {
			a.logger.Warn("periodic check failed", "module", m.Name(), "error", err)
		}
	}

	if a.mem != nil {
		if n := a.mem.CleanupExpired(); n > 0 {
			a.logger.Debug("expired memories swept", "count", n)
		}
	}
	if ttl > 0 {
		if n := a.sweepConversations(ttl); n > 0 {
			a.logger.Debug("idle conversations evicted", "count", n)
		}
	}
}
