// Package alert defines the events raised by guardian modules and the
// severity scale shared by persistence, voice, and metrics.
package alert

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity ranks how urgently an event needs attention.
type Severity string

const (
	Low      Severity = "low"
	Medium   Severity = "medium"
	High     Severity = "high"
	Critical Severity = "critical"
)

var importance = map[Severity]float64{
	Low:      0.3,
	Medium:   0.6,
	High:     0.8,
	Critical: 1.0,
}

// DefaultImportance applies to severities outside the fixed scale.
const DefaultImportance = 0.5

// Importance maps a severity onto the memory importance scale.
func (s Severity) Importance() float64 {
	if v, ok := importance[s]; ok {
		return v
	}
	return DefaultImportance
}

// Urgent reports whether the severity must always reach the voice router.
func (s Severity) Urgent() bool {
	return s == High || s == Critical
}

// Module names an event's issuer. Emergency events come from the
// orchestrator itself rather than a guardian.
const (
	ModuleSecurity  = "security"
	ModuleWellness  = "wellness"
	ModuleEnergy    = "energy"
	ModuleEmergency = "emergency"
)

// ErrNotOwner is returned when a module tries to resolve another
// module's event.
var ErrNotOwner = errors.New("only the issuing module may resolve an event")

// SecurityDetail carries security-specific fields.
type SecurityDetail struct {
	ActionTaken string `json:"action_taken,omitempty"`
}

// WellnessDetail carries wellness-specific fields.
type WellnessDetail struct {
	UserID            string `json:"user_id,omitempty"`
	MedicationRelated bool   `json:"medication_related"`
	Emergency         bool   `json:"emergency"`
}

// EnergyDetail carries energy-specific fields.
type EnergyDetail struct {
	DeviceEntityID         string  `json:"device_entity_id,omitempty"`
	EnergyImpact           float64 `json:"energy_impact"`
	CostImpact             float64 `json:"cost_impact"`
	OptimizationSuggestion string  `json:"optimization_suggestion,omitempty"`
}

// Event is an append-only record raised by a guardian module. Exactly
// one of the detail pointers matching Module is set.
type Event struct {
	ID          string    `json:"id"`
	Module      string    `json:"module"`
	Type        string    `json:"event_type"`
	Severity    Severity  `json:"severity"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
	EntityID    string    `json:"entity_id,omitempty"`
	Location    string    `json:"location,omitempty"`
	Resolved    bool      `json:"resolved"`

	Security *SecurityDetail `json:"security,omitempty"`
	Wellness *WellnessDetail `json:"wellness,omitempty"`
	Energy   *EnergyDetail   `json:"energy,omitempty"`
}

// New returns an event with a fresh ID and the module's empty detail block.
func New(module, eventType string, sev Severity, at time.Time, description string) Event {
	ev := Event{
		ID:          uuid.NewString(),
		Module:      module,
		Type:        eventType,
		Severity:    sev,
		Timestamp:   at,
		Description: description,
	}
	switch module {
	case ModuleSecurity:
		ev.Security = &SecurityDetail{}
	case ModuleWellness:
		ev.Wellness = &WellnessDetail{}
	case ModuleEnergy:
		ev.Energy = &EnergyDetail{}
	}
	return ev
}

// Kind is the record label used in stored memory content, e.g.
// "SecurityEvent".
func (e Event) Kind() string {
	if e.Module == "" {
		return "Event"
	}
	return strings.ToUpper(e.Module[:1]) + e.Module[1:] + "Event"
}

// Resolve marks the event resolved on behalf of module.
func (e *Event) Resolve(module string) error {
	if module != e.Module {
		return ErrNotOwner
	}
	e.Resolved = true
	return nil
}

// Fields flattens the event into key/value pairs for event payloads
// and memory metadata.
func (e Event) Fields() map[string]any {
	f := map[string]any{
		"event_id":    e.ID,
		"module":      e.Module,
		"event_type":  e.Type,
		"severity":    string(e.Severity),
		"timestamp":   e.Timestamp.Format(time.RFC3339),
		"description": e.Description,
		"resolved":    e.Resolved,
	}
	if e.EntityID != "" {
		f["entity_id"] = e.EntityID
	}
	if e.Location != "" {
		f["location"] = e.Location
	}
	switch {
	case e.Security != nil:
		if e.Security.ActionTaken != "" {
			f["action_taken"] = e.Security.ActionTaken
		}
	case e.Wellness != nil:
		if e.Wellness.UserID != "" {
			f["user_id"] = e.Wellness.UserID
		}
		f["medication_related"] = e.Wellness.MedicationRelated
		f["emergency"] = e.Wellness.Emergency
	case e.Energy != nil:
		if e.Energy.DeviceEntityID != "" {
			f["device_entity_id"] = e.Energy.DeviceEntityID
		}
		f["energy_impact"] = e.Energy.EnergyImpact
		f["cost_impact"] = e.Energy.CostImpact
		if e.Energy.OptimizationSuggestion != "" {
			f["optimization_suggestion"] = e.Energy.OptimizationSuggestion
		}
	}
	return f
}

// UserID returns the user the event concerns, if any.
func (e Event) UserID() string {
	if e.Wellness != nil {
		return e.Wellness.UserID
	}
	return ""
}
