package guardian

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/nugget/magdala/internal/alert"
	"github.com/nugget/magdala/internal/config"
	"github.com/nugget/magdala/internal/homeassistant"
)

// Reading is one numeric observation of an entity.
type Reading struct {
	EntityID string
	Metric   string
	Value    float64
	Unit     string
}

// Breach describes a reading outside its configured bounds.
type Breach struct {
	Severity alert.Severity
	Bound    string // "min", "max", "critical_min" or "critical_max"
	Limit    float64
}

// Policy decides which readings a module cares about and when they
// are out of range.
type Policy interface {
	// Metric names what an entity measures, or reports false when the
	// module does not track it.
	Metric(st homeassistant.State) (string, bool)
	// Evaluate returns the breach for a reading, if any.
	Evaluate(r Reading) (Breach, bool)
}

// ThresholdPolicy reads bounds from alert_thresholds keys of the form
// "<module>.<metric>.<bound>".
type ThresholdPolicy struct {
	module  string
	limits  map[string]map[string]float64 // metric → bound → value
	metrics []string
}

// NewThresholdPolicy extracts the bounds for module from thresholds.
func NewThresholdPolicy(module string, thresholds map[string]float64) *ThresholdPolicy {
	p := &ThresholdPolicy{module: module, limits: make(map[string]map[string]float64)}
	prefix := module + "."
	for key, v := range thresholds {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		i := strings.LastIndex(rest, ".")
		if i <= 0 {
			continue
		}
		metric, bound := rest[:i], rest[i+1:]
		switch bound {
		case "min", "max", "critical_min", "critical_max":
		default:
			continue
		}
		if p.limits[metric] == nil {
			p.limits[metric] = make(map[string]float64)
			p.metrics = append(p.metrics, metric)
		}
		p.limits[metric][bound] = v
	}
	// Longest first so "power_factor" wins over "power".
	sort.Slice(p.metrics, func(i, j int) bool {
		if len(p.metrics[i]) != len(p.metrics[j]) {
			return len(p.metrics[i]) > len(p.metrics[j])
		}
		return p.metrics[i] < p.metrics[j]
	})
	return p
}

// Metric uses the device_class attribute when a bound exists for it,
// then falls back to a configured metric name inside the object ID.
func (p *ThresholdPolicy) Metric(st homeassistant.State) (string, bool) {
	if dc, ok := st.Attributes["device_class"].(string); ok {
		if _, known := p.limits[dc]; known {
			return dc, true
		}
	}
	_, object, _ := strings.Cut(strings.ToLower(st.EntityID), ".")
	for _, m := range p.metrics {
		if strings.Contains(object, m) {
			return m, true
		}
	}
	return "", false
}

// Evaluate checks critical bounds before ordinary ones.
func (p *ThresholdPolicy) Evaluate(r Reading) (Breach, bool) {
	lim := p.limits[r.Metric]
	if lim == nil {
		return Breach{}, false
	}
	checks := []struct {
		bound string
		sev   alert.Severity
		below bool
	}{
		{"critical_min", alert.Critical, true},
		{"critical_max", alert.Critical, false},
		{"min", alert.Medium, true},
		{"max", alert.Medium, false},
	}
	for _, c := range checks {
		v, ok := lim[c.bound]
		if !ok {
			continue
		}
		if (c.below && r.Value < v) || (!c.below && r.Value > v) {
			return Breach{Severity: c.sev, Bound: c.bound, Limit: v}, true
		}
	}
	return Breach{}, false
}

// Threshold is a guardian whose alerts come entirely from a [Policy].
// Wellness and Energy are both Thresholds.
type Threshold struct {
	base
	policy  Policy
	decor   func(*alert.Event, Reading, Breach)
	costKWh float64

	mu      sync.Mutex
	tracked map[string]string      // entity → metric
	open    map[string]alert.Event // entity → unresolved breach
}

// NewWellness creates the wellness guardian. A nil policy uses the
// configured thresholds.
func NewWellness(d Deps, policy Policy) *Threshold {
	t := newThreshold(config.ModuleWellness, d, policy)
	t.decor = func(ev *alert.Event, r Reading, _ Breach) {
		lower := strings.ToLower(r.EntityID + " " + r.Metric)
		ev.Wellness.MedicationRelated = strings.Contains(lower, "medication")
		ev.Wellness.Emergency = ev.Severity == alert.Critical
	}
	return t
}

// NewEnergy creates the energy guardian. A nil policy uses the
// configured thresholds; "energy.cost_per_kwh" prices the impact.
func NewEnergy(d Deps, policy Policy) *Threshold {
	t := newThreshold(config.ModuleEnergy, d, policy)
	t.costKWh = d.Thresholds["energy.cost_per_kwh"]
	t.decor = func(ev *alert.Event, r Reading, b Breach) {
		ev.Energy.DeviceEntityID = r.EntityID
		ev.Energy.EnergyImpact = r.Value
		ev.Energy.CostImpact = r.Value * t.costKWh
		if strings.HasSuffix(b.Bound, "max") {
			ev.Energy.OptimizationSuggestion = fmt.Sprintf(
				"Consider reducing use of %s; %s is above %s.",
				LocationFromEntity(r.EntityID), r.Metric, formatFloat(b.Limit))
		}
	}
	return t
}

func newThreshold(name string, d Deps, policy Policy) *Threshold {
	if policy == nil {
		policy = NewThresholdPolicy(name, d.Thresholds)
	}
	t := &Threshold{
		policy:  policy,
		tracked: make(map[string]string),
		open:    make(map[string]alert.Event),
	}
	t.setup(name, d)
	return t
}

// Initialize records the entities the policy tracks.
func (t *Threshold) Initialize(ctx context.Context) error {
	if t.states == nil {
		return nil
	}
	states, err := t.states.GetStates(ctx)
	if err != nil {
		return fmt.Errorf("discover %s entities: %w", t.name, err)
	}
	t.mu.Lock()
	for _, st := range states {
		if m, ok := t.policy.Metric(st); ok {
			t.tracked[st.EntityID] = m
		}
	}
	n := len(t.tracked)
	t.mu.Unlock()
	t.logger.Info("entities discovered", "count", n)
	return nil
}

// TrackedCount is the number of entities with a configured metric.
func (t *Threshold) TrackedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracked)
}

// HandleStateChange evaluates the new state of a tracked entity.
func (t *Threshold) HandleStateChange(ctx context.Context, c homeassistant.StateChange) error {
	if !t.active() || c.New == nil {
		return nil
	}
	t.evaluate(ctx, *c.New)
	return nil
}

// PerformPeriodicCheck re-reads every tracked entity. Breaches that
// arrived without a state change (or were missed during a reconnect)
// are caught here.
func (t *Threshold) PerformPeriodicCheck(ctx context.Context) error {
	defer t.markChecked()
	if !t.active() || t.states == nil {
		return nil
	}
	t.mu.Lock()
	n := len(t.tracked)
	t.mu.Unlock()
	if n == 0 {
		return nil
	}

	states, err := t.states.GetStates(ctx)
	if err != nil {
		return fmt.Errorf("%s periodic check: %w", t.name, err)
	}
	for _, st := range states {
		t.mu.Lock()
		_, ok := t.tracked[st.EntityID]
		t.mu.Unlock()
		if ok {
			t.evaluate(ctx, st)
		}
	}
	return nil
}

// evaluate decides and records the open breach for st in one critical
// section, so concurrent evaluations of an entity raise a breach once.
func (t *Threshold) evaluate(ctx context.Context, st homeassistant.State) {
	metric, ok := t.policy.Metric(st)
	if !ok {
		return
	}
	value, ok := numericState(st.State)
	if !ok {
		return
	}
	r := Reading{EntityID: st.EntityID, Metric: metric, Value: value}
	if u, ok := st.Attributes["unit_of_measurement"].(string); ok {
		r.Unit = u
	}

	b, breached := t.policy.Evaluate(r)
	// Sleep mode lets only emergencies through.
	held := breached && t.sleeping() && b.Severity != alert.Critical
	var ev alert.Event
	if breached && !held {
		ev = t.breachEvent(r, b)
	}

	var resolve, raise bool
	t.mu.Lock()
	t.tracked[st.EntityID] = metric
	prev, wasOpen := t.open[st.EntityID]
	switch {
	case !breached && wasOpen:
		delete(t.open, st.EntityID)
		resolve = true
	case breached && !held && (!wasOpen || b.Severity != prev.Severity):
		t.open[st.EntityID] = ev
		resolve = wasOpen
		raise = true
	}
	t.mu.Unlock()

	if resolve {
		t.resolve(ctx, prev)
	}
	if raise {
		t.raise(ctx, ev)
	}
}

func (t *Threshold) breachEvent(r Reading, b Breach) alert.Event {
	direction := "above"
	if strings.HasSuffix(b.Bound, "min") {
		direction = "below"
	}
	desc := fmt.Sprintf("%s %s is %s%s, %s the %s limit of %s%s",
		LocationFromEntity(r.EntityID), strings.ReplaceAll(r.Metric, "_", " "),
		formatFloat(r.Value), r.Unit, direction, strings.ReplaceAll(b.Bound, "_", " "),
		formatFloat(b.Limit), r.Unit)

	ev := alert.New(t.name, r.Metric+"_"+b.Bound, b.Severity, t.now(), desc)
	ev.EntityID = r.EntityID
	ev.Location = LocationFromEntity(r.EntityID)
	if t.decor != nil {
		t.decor(&ev, r, b)
	}
	return ev
}

// numericState parses a numeric state. Binary sensors map on to 1
// and off to 0.
func numericState(s string) (float64, bool) {
	switch s {
	case "on":
		return 1, true
	case "off":
		return 0, true
	case "", "unknown", "unavailable":
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
