package alert

import (
	"errors"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestImportance(t *testing.T) {
	tests := []struct {
		sev  Severity
		want float64
	}{
		{Low, 0.3},
		{Medium, 0.6},
		{High, 0.8},
		{Critical, 1.0},
		{"", 0.5},
		{"catastrophic", 0.5},
	}
	for _, tt := range tests {
		if got := tt.sev.Importance(); got != tt.want {
			t.Errorf("%q.Importance() = %v, want %v", tt.sev, got, tt.want)
		}
	}
}

func TestImportance_UnmappedDefaults(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := Severity(rapid.StringMatching(`[a-z]{0,12}`).Draw(rt, "severity"))
		if _, known := importance[s]; known {
			return
		}
		if got := s.Importance(); got != DefaultImportance {
			rt.Fatalf("%q.Importance() = %v, want %v", s, got, DefaultImportance)
		}
	})
}

func TestNew_DetailMatchesModule(t *testing.T) {
	at := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)

	sec := New(ModuleSecurity, "door_opened", High, at, "Front door opened")
	if sec.Security == nil || sec.Wellness != nil || sec.Energy != nil {
		t.Errorf("security event details = %+v", sec)
	}
	if sec.ID == "" || sec.Kind() != "SecurityEvent" {
		t.Errorf("id = %q kind = %q", sec.ID, sec.Kind())
	}

	en := New(ModuleEnergy, "high_usage", Medium, at, "Dryer drawing 4kW")
	if en.Energy == nil || en.Kind() != "EnergyEvent" {
		t.Errorf("energy event = %+v", en)
	}
}

func TestResolve_OnlyIssuer(t *testing.T) {
	ev := New(ModuleWellness, "temperature", Medium, time.Now(), "Nursery is cold")
	if err := ev.Resolve(ModuleSecurity); !errors.Is(err, ErrNotOwner) {
		t.Errorf("Resolve by other module err = %v, want ErrNotOwner", err)
	}
	if ev.Resolved {
		t.Error("event resolved by non-owner")
	}
	if err := ev.Resolve(ModuleWellness); err != nil || !ev.Resolved {
		t.Errorf("Resolve by owner: err=%v resolved=%v", err, ev.Resolved)
	}
}

func TestFields(t *testing.T) {
	ev := New(ModuleSecurity, "door_opened", High, time.Now(), "Front door opened")
	ev.EntityID = "binary_sensor.front_door"
	ev.Location = "front"
	f := ev.Fields()
	if f["severity"] != "high" || f["entity_id"] != "binary_sensor.front_door" || f["location"] != "front" {
		t.Errorf("Fields() = %v", f)
	}
	if _, ok := f["timestamp"].(string); !ok {
		t.Error("timestamp should be an RFC3339 string")
	}
}
