// Package voice routes spoken announcements to Home Assistant media
// players through a TTS service.
//
// Routing applies, in order: the global voice switch, quiet hours
// (high and critical bypass), an optional delay, a priority prefix,
// speaker selection, and a concurrent fan-out where one speaker's
// failure never blocks another.
package voice

import (
	"fmt"
	"strings"
	"time"

	"github.com/nugget/magdala/internal/alert"
	"github.com/nugget/magdala/internal/config"
)

// Priority orders announcements. Values match alert severities.
type Priority string

const (
	Low      Priority = "low"
	Medium   Priority = "medium"
	High     Priority = "high"
	Critical Priority = "critical"
)

// ParsePriority validates s. Empty means Low.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(s)); p {
	case "":
		return Low, nil
	case Low, Medium, High, Critical:
		return p, nil
	default:
		return "", fmt.Errorf("invalid priority %q (want low, medium, high, or critical)", s)
	}
}

// FromSeverity converts an event severity to a priority.
func FromSeverity(s alert.Severity) Priority {
	p, err := ParsePriority(string(s))
	if err != nil {
		return Medium
	}
	return p
}

// bypassesQuietHours reports whether p is spoken during quiet hours.
func (p Priority) bypassesQuietHours() bool {
	return p == High || p == Critical
}

// LocationAll targets every known speaker.
const LocationAll = "all"

// Announcement is one request to speak. It is never persisted.
type Announcement struct {
	Message  string
	Priority Priority
	// Location is an area ID, LocationAll, or empty for the default.
	Location    string
	RepeatCount int
	Delay       time.Duration
}

// Status is the outcome of an announcement.
type Status string

const (
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusDisabled   Status = "disabled"
	StatusQuietHours Status = "quiet_hours"
	StatusNoSpeakers Status = "no_speakers"
	// StatusSuppressed is recorded by callers that decline to speak,
	// e.g. the orchestrator in sleep mode.
	StatusSuppressed Status = "suppressed"
)

// Result records what happened to an announcement.
type Result struct {
	Status    Status   `json:"status"`
	Targets   []string `json:"targets,omitempty"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Reason    string   `json:"reason,omitempty"`
}

// Delivered reports whether at least one speaker received the message.
func (r Result) Delivered() bool {
	return r.Status == StatusDelivered
}

// Config is the router's policy.
type Config struct {
	Enabled    bool
	TTSService string
	// QuietHours is set when a quiet window is configured.
	QuietHours       bool
	QuietStart       config.Clock
	QuietEnd         config.Clock
	DefaultLocations []string
	Location         *time.Location
}

// ConfigFromGuardian builds router policy from guardian config.
func ConfigFromGuardian(g config.GuardianConfig, loc *time.Location) (Config, error) {
	start, end, ok, err := g.QuietHours()
	if err != nil {
		return Config{}, err
	}
	if loc == nil {
		loc = time.Local
	}
	return Config{
		Enabled:          g.VoiceEnabled(),
		TTSService:       g.TTSService,
		QuietHours:       ok,
		QuietStart:       start,
		QuietEnd:         end,
		DefaultLocations: g.DefaultLocations,
		Location:         loc,
	}, nil
}

// inQuietHours reports whether t falls inside the window, both ends
// inclusive to the minute. A window whose start is after its end wraps
// midnight.
func (c Config) inQuietHours(t time.Time) bool {
	if !c.QuietHours {
		return false
	}
	if c.Location != nil {
		t = t.In(c.Location)
	}
	now := t.Hour()*60 + t.Minute()
	start, end := c.QuietStart.Minutes(), c.QuietEnd.Minutes()
	if start <= end {
		return start <= now && now <= end
	}
	return now >= start || now <= end
}

// service splits TTSService into domain and service.
func (c Config) service() (string, string, error) {
	domain, svc, ok := strings.Cut(c.TTSService, ".")
	if !ok || domain == "" || svc == "" {
		return "", "", fmt.Errorf("tts service %q is not domain.service", c.TTSService)
	}
	return domain, svc, nil
}

// Format applies the priority prefix to message.
func Format(message string, p Priority) string {
	lower := strings.ToLower(message)
	var prefix string
	switch {
	case p == Critical:
		prefix = "URGENT ALERT! "
	case p == High:
		prefix = "Security Notice: "
	case strings.Contains(lower, "security"):
		prefix = "Security Notice: "
	case strings.Contains(lower, "medication"), strings.Contains(lower, "health"):
		prefix = "Wellness Reminder: "
	case strings.Contains(lower, "energy"), strings.Contains(lower, "power"):
		prefix = "Energy Update: "
	}
	return prefix + message
}

// ttsOptions returns the delivery options for p.
func ttsOptions(p Priority) map[string]any {
	switch p {
	case Critical:
		return map[string]any{"voice": "emergency", "speed": 0.9, "volume": 1.0}
	case High:
		return map[string]any{"speed": 0.95, "volume": 0.9}
	default:
		return map[string]any{"speed": 1.0, "volume": 0.7}
	}
}
