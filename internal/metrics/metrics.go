// Package metrics exposes Prometheus collectors for the guardian agent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "magdala"

var (
	// APIRequests counts remote-call attempts by service and outcome
	// ("ok" or an apiclient error class).
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_attempts_total",
			Help:      "Remote API call attempts by service and outcome",
		},
		[]string{"service", "outcome"},
	)

	// Announcements counts announcement results by status.
	Announcements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "announcements_total",
			Help:      "Voice announcements by delivery status",
		},
		[]string{"status"},
	)

	// Alerts counts guardian events raised.
	Alerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Guardian events raised by module and severity",
		},
		[]string{"module", "severity"},
	)

	// StateChanges counts state changes routed to each module.
	StateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_changes_total",
			Help:      "Home Assistant state changes routed to guardian modules",
		},
		[]string{"module"},
	)

	// MemoryCacheEntries is the number of memory entries held locally.
	MemoryCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_cache_entries",
			Help:      "Memory entries in the local cache",
		},
	)

	// GuardianMode is 1 for the current mode and 0 for the others.
	GuardianMode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "guardian_mode",
			Help:      "Current guardian mode",
		},
		[]string{"mode"},
	)

	// ServiceUp is 1 while a watched dependency answers its probe.
	ServiceUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_up",
			Help:      "Whether a watched dependency is reachable",
		},
		[]string{"service"},
	)

	// OpenAlerts is the number of unresolved guardian events.
	OpenAlerts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_alerts",
			Help:      "Unresolved guardian events",
		},
	)
)

// SetMode flips the GuardianMode gauge to mode.
func SetMode(mode string, all []string) {
	for _, m := range all {
		v := 0.0
		if m == mode {
			v = 1
		}
		GuardianMode.WithLabelValues(m).Set(v)
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
