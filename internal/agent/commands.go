package agent

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/nugget/magdala/internal/alert"
	"github.com/nugget/magdala/internal/events"
	"github.com/nugget/magdala/internal/guardian"
	"github.com/nugget/magdala/internal/memory"
	"github.com/nugget/magdala/internal/metrics"
	"github.com/nugget/magdala/internal/voice"
)

// DefaultPatternConfidence applies when a pattern is learned without
// an explicit confidence.
const DefaultPatternConfidence = 0.7

// Announce passes an announcement to the voice router. With voice
// down it records the fallback and returns a disabled result.
func (a *Agent) Announce(ctx context.Context, ann voice.Announcement) voice.Result {
	a.touch()
	if !a.voiceUp() {
		a.degraded("voice", "announce", ErrUnavailable)
	}
	return a.speak(ctx, ann)
}

// PatternRequest is a pattern to learn. UserID defaults to the
// household and Confidence to [DefaultPatternConfidence].
type PatternRequest struct {
	Type       string         `json:"pattern_type"`
	Data       map[string]any `json:"pattern_data"`
	UserID     string         `json:"user_id,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
}

// LearnPattern stores a learned pattern and mentions it out loud at
// low priority. With memory down it records the fallback and returns
// [ErrUnavailable].
func (a *Agent) LearnPattern(ctx context.Context, req PatternRequest) error {
	a.touch()
	if req.UserID == "" {
		req.UserID = guardian.HouseholdUser
	}
	if req.Confidence == 0 {
		req.Confidence = DefaultPatternConfidence
	}

	var err error
	mem, ok := a.memory()
	if !ok {
		err = ErrUnavailable
		a.degraded("memory", "learn_pattern", err)
	} else {
		err = mem.LearnPattern(ctx, memory.Pattern{
			UserID:      req.UserID,
			Type:        req.Type,
			Data:        req.Data,
			Confidence:  req.Confidence,
			Occurrences: 1,
			LastUpdated: a.now(),
		})
		if err != nil {
			a.logger.Error("failed to learn pattern", "pattern_type", req.Type, "error", err)
		}
	}

	a.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindPattern,
		Data: map[string]any{
			"pattern_type": req.Type,
			"user_id":      req.UserID,
			"stored":       err == nil,
		},
	})
	if err != nil {
		return fmt.Errorf("learn pattern %s: %w", req.Type, err)
	}

	a.speak(ctx, voice.Announcement{
		Message:  fmt.Sprintf("I've learned a new %s pattern for your household.", req.Type),
		Priority: voice.Low,
	})
	return nil
}

// HandleEmergency speaks to every speaker at critical priority,
// persists the emergency at full importance, and publishes an alert.
// Guardian mode and quiet hours do not apply. A failed voice delivery
// is logged and never blocks the other two steps.
func (a *Agent) HandleEmergency(ctx context.Context, emergencyType string, details map[string]any) alert.Event {
	a.touch()
	location := "unknown"
	if loc, ok := details["location"].(string); ok && loc != "" {
		location = loc
	}
	desc := fmt.Sprintf("Emergency: %s at %s", emergencyType, location)
	if d, ok := details["description"].(string); ok && d != "" {
		desc += ". " + d
	}

	ev := alert.New(alert.ModuleEmergency, emergencyType, alert.Critical, a.now(), desc)
	ev.Location = location
	metrics.Alerts.WithLabelValues(ev.Module, string(ev.Severity)).Inc()
	a.logger.Error("emergency", "type", emergencyType, "location", location, "event_id", ev.ID)

	res := a.speak(ctx, voice.Announcement{
		Message:  fmt.Sprintf("EMERGENCY ALERT: %s. Location: %s. Please check immediately.", emergencyType, location),
		Priority: voice.Critical,
		Location: voice.LocationAll,
	})
	if !res.Delivered() {
		a.logger.Error("emergency announcement not delivered", "event_id", ev.ID, "status", res.Status, "reason", res.Reason)
	}

	a.persistEmergency(ctx, ev, details)

	data := flatten(details)
	maps.Copy(data, ev.Fields())
	data["announcement"] = string(res.Status)
	a.bus.Publish(events.Event{Source: events.SourceAgent, Kind: events.KindAlert, Data: data})
	return ev
}

func (a *Agent) persistEmergency(ctx context.Context, ev alert.Event, details map[string]any) {
	mem, ok := a.memory()
	if !ok {
		a.degraded("memory", "store_emergency", ErrUnavailable)
		return
	}
	meta := flatten(details)
	maps.Copy(meta, ev.Fields())
	_, err := mem.Add(ctx, memory.NewEntry{
		Content:    ev.Description,
		Category:   "emergency",
		Importance: 1.0,
		Tags:       []string{"emergency", ev.Type},
		Metadata:   meta,
	})
	if err != nil {
		a.degraded("memory", "store_emergency", err)
	}
}

// flatten keeps scalar detail values and stringifies the rest so the
// result is a flat key/value map.
func flatten(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch v.(type) {
		case string, bool, int, int64, float64, nil:
			out[k] = v
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

// Shutdown announces the shutdown, shuts down every module in order,
// stops maintenance, waits for background memory writes, and marks
// health offline. Calls after the first are no-ops.
func (a *Agent) Shutdown(ctx context.Context) {
	a.shutdownOnce.Do(func() {
		a.speak(ctx, voice.Announcement{
			Message:  "Guardian Agent is going offline. Your home will continue normal operation.",
			Priority: voice.Low,
		})

		a.mu.Lock()
		modules := a.modules
		a.mu.Unlock()
		for _, m := range modules {
			if err := m.Shutdown(ctx); err != nil {
				a.logger.Warn("guardian shutdown failed", "module", m.Name(), "error", err)
			}
		}

		close(a.stop)

		done := make(chan struct{})
		go func() {
			a.bg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			a.logger.Warn("shutdown: background writes still pending")
		case <-time.After(storeTimeout):
		}

		a.mu.Lock()
		a.status.Health = HealthOffline
		a.mu.Unlock()
		a.logger.Info("guardian agent offline")
	})
}
