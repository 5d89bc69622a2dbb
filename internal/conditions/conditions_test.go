package conditions

import (
	"strings"
	"testing"
	"time"
)

var fixedNow = time.Date(2026, time.February, 14, 21, 45, 0, 0, time.UTC)

func TestCurrentConditions_ContainsRequiredSections(t *testing.T) {
	result := CurrentConditions(fixedNow, "")

	required := []string{
		"# Current Conditions",
		"**Time:** Saturday, February 14, 2026 at 21:45 UTC",
		"**Part of day:** evening",
		"**Host:**",
		"**Magdala:**",
		"**Uptime:**",
	}

	for _, section := range required {
		if !strings.Contains(result, section) {
			t.Errorf("CurrentConditions() missing %q\nGot:\n%s", section, result)
		}
	}
}

func TestCurrentConditions_WithTimezone(t *testing.T) {
	if _, err := time.LoadLocation("America/Chicago"); err != nil {
		t.Skip("tzdata not available")
	}
	result := CurrentConditions(fixedNow, "America/Chicago")

	if !strings.Contains(result, "15:45 CST (America/Chicago)") {
		t.Errorf("CurrentConditions(America/Chicago) should show local time and zone\nGot:\n%s", result)
	}
	if !strings.Contains(result, "**Part of day:** afternoon") {
		t.Errorf("part of day should follow the local clock\nGot:\n%s", result)
	}
}

func TestCurrentConditions_InvalidTimezone(t *testing.T) {
	const bogus = "Bogus/ZZZZZ_Not_Real_12345"
	if _, err := time.LoadLocation(bogus); err == nil {
		t.Skip("platform resolved bogus timezone; cannot test fallback")
	}

	result := CurrentConditions(fixedNow, bogus)

	if !strings.Contains(result, "21:45 UTC") {
		t.Errorf("invalid timezone should fall back to the given time's zone\nGot:\n%s", result)
	}
	if strings.Contains(result, bogus) {
		t.Errorf("invalid timezone name leaked into output\nGot:\n%s", result)
	}
}

func TestPartOfDay(t *testing.T) {
	tests := []struct {
		hour int
		want string
	}{
		{0, "night"},
		{5, "night"},
		{6, "morning"},
		{11, "morning"},
		{12, "afternoon"},
		{16, "afternoon"},
		{17, "evening"},
		{21, "evening"},
		{22, "night"},
		{23, "night"},
	}
	for _, tt := range tests {
		if got := PartOfDay(tt.hour); got != tt.want {
			t.Errorf("PartOfDay(%d) = %q, want %q", tt.hour, got, tt.want)
		}
	}
}

func TestDetectEnvironment(t *testing.T) {
	env := detectEnvironment()
	if env != "bare metal" && env != "container" {
		t.Errorf("detectEnvironment() = %q; want 'bare metal' or 'container'", env)
	}
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		duration time.Duration
		want     string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{2*time.Hour + 15*time.Minute, "2h 15m"},
		{25 * time.Hour, "1d 1h"},
		{72 * time.Hour, "3d 0h"},
	}

	for _, tt := range tests {
		t.Run(tt.duration.String(), func(t *testing.T) {
			if got := FormatUptime(tt.duration); got != tt.want {
				t.Errorf("FormatUptime(%v) = %q, want %q", tt.duration, got, tt.want)
			}
		})
	}
}
