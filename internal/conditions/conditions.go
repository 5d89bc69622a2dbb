// Package conditions renders the "Current Conditions" section of the
// guardian's system prompt.
package conditions

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/nugget/magdala/internal/buildinfo"
)

// CurrentConditions returns the section for now. The timezone is an
// IANA name; empty or unknown names fall back to now's own location.
func CurrentConditions(now time.Time, timezone string) string {
	var sb strings.Builder

	sb.WriteString("# Current Conditions\n\n")

	tzResolved := false
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err == nil {
			now = now.In(loc)
			tzResolved = true
		}
	}
	zoneName, _ := now.Zone()

	// Saturday, February 14, 2026 at 15:45 CST (America/Chicago)
	sb.WriteString("**Time:** ")
	sb.WriteString(now.Format("Monday, January 2, 2006 at 15:04 "))
	sb.WriteString(zoneName)
	if tzResolved && timezone != zoneName {
		sb.WriteString(" (")
		sb.WriteString(timezone)
		sb.WriteString(")")
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "**Part of day:** %s\n", PartOfDay(now.Hour()))

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	fmt.Fprintf(&sb, "**Host:** %s (%s/%s, %s)\n", hostname, runtime.GOOS, runtime.GOARCH, detectEnvironment())
	fmt.Fprintf(&sb, "**Magdala:** %s (%s@%s)\n", buildinfo.Version, buildinfo.GitCommit, buildinfo.GitBranch)
	fmt.Fprintf(&sb, "**Uptime:** %s", FormatUptime(buildinfo.Uptime()))

	return sb.String()
}

// PartOfDay names the household period an hour falls in.
func PartOfDay(hour int) string {
	switch {
	case hour < 6:
		return "night"
	case hour < 12:
		return "morning"
	case hour < 17:
		return "afternoon"
	case hour < 22:
		return "evening"
	default:
		return "night"
	}
}

// detectEnvironment returns "container" or "bare metal" based on
// heuristics appropriate for the current OS.
func detectEnvironment() string {
	if runtime.GOOS == "linux" {
		if _, err := os.Stat("/.dockerenv"); err == nil {
			return "container"
		}
		// Home Assistant add-ons and k8s both show up in the cgroup.
		if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
			content := string(data)
			if strings.Contains(content, "docker") ||
				strings.Contains(content, "lxc") ||
				strings.Contains(content, "kubepods") {
				return "container"
			}
		}
		if os.Getenv("container") != "" || os.Getenv("SUPERVISOR_TOKEN") != "" || os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			return "container"
		}
	}
	return "bare metal"
}

// FormatUptime formats a duration as a short uptime string such as
// "4h 23m", "2d 5h", "45m", or "30s".
func FormatUptime(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}

	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}
