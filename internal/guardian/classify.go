package guardian

import (
	"slices"
	"strings"

	"github.com/nugget/magdala/internal/config"
)

// predicate decides whether an entity belongs to one domain.
// Keywords are substrings of the object id. Tokens must equal one
// underscore-separated word of it.
type predicate struct {
	module   string
	domains  []string
	keywords []string
	tokens   []string
}

func (p predicate) match(domain, object string) bool {
	if slices.Contains(p.domains, domain) {
		return true
	}
	for _, kw := range p.keywords {
		if strings.Contains(object, kw) {
			return true
		}
	}
	if len(p.tokens) > 0 {
		for word := range strings.SplitSeq(object, "_") {
			if slices.Contains(p.tokens, word) {
				return true
			}
		}
	}
	return false
}

// classifiers is evaluated in order. Overlap is expected: a
// binary_sensor is both a security and a wellness entity.
var classifiers = []predicate{
	{
		module:  config.ModuleSecurity,
		domains: []string{"binary_sensor", "alarm_control_panel", "camera", "lock", "cover"},
		keywords: []string{
			"door", "window", "motion", "security", "alarm", "lock",
			"camera", "garage", "gate", "fence", "perimeter",
		},
	},
	{
		module:  config.ModuleWellness,
		domains: []string{"sensor", "binary_sensor", "device_tracker", "person"},
		keywords: []string{
			"temperature", "humidity", "air_quality", "smoke",
			"carbon_monoxide", "person", "presence", "occupancy",
			"health", "medical", "medication", "sleep",
		},
		tokens: []string{"co", "co2"},
	},
	{
		module:  config.ModuleEnergy,
		domains: []string{"sensor", "switch", "light", "climate", "fan", "water_heater"},
		keywords: []string{
			"power", "energy", "consumption", "usage", "watt", "kwh",
			"electricity", "solar", "battery", "grid",
		},
	},
}

// Classify returns every module that owns entityID, in predicate order.
// The result may be empty.
func Classify(entityID string) []string {
	domain, object, _ := strings.Cut(strings.ToLower(entityID), ".")

	var out []string
	for _, p := range classifiers {
		if p.match(domain, object) {
			out = append(out, p.module)
		}
	}
	return out
}
