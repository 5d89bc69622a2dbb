// Package guardian holds the domain modules that turn Home Assistant
// state changes into [alert.Event] values: security, wellness, and
// energy.
//
// Modules never speak or persist on their own. They hand events to a
// [Sink], which is the orchestrator, so persistence and voice policy
// live in one place.
package guardian

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/magdala/internal/alert"
	"github.com/nugget/magdala/internal/config"
	"github.com/nugget/magdala/internal/homeassistant"
	"github.com/nugget/magdala/internal/memory"
)

// Module is the capability set every guardian implements.
type Module interface {
	Name() string
	Initialize(ctx context.Context) error
	HandleStateChange(ctx context.Context, change homeassistant.StateChange) error
	PerformPeriodicCheck(ctx context.Context) error
	SetMode(ctx context.Context, mode string) error
	Shutdown(ctx context.Context) error
}

// Sink receives events raised and resolved by modules.
type Sink interface {
	Raise(ctx context.Context, ev alert.Event)
	Resolve(ctx context.Context, ev alert.Event)
}

// StateReader lists current entity states.
type StateReader interface {
	GetStates(ctx context.Context) ([]homeassistant.State, error)
}

// PatternSource looks up learned household patterns.
type PatternSource interface {
	UserPatterns(ctx context.Context, userID, patternType string) ([]memory.Pattern, error)
}

// HouseholdUser is the user ID patterns are learned under when no
// specific person is named.
const HouseholdUser = "household"

// Deps are the collaborators shared by all modules. States and
// Patterns may be nil.
type Deps struct {
	Sink       Sink
	States     StateReader
	Patterns   PatternSource
	Thresholds map[string]float64
	Mode       string
	Logger     *slog.Logger
	Location   *time.Location
	Now        func() time.Time
}

// base carries the lifecycle state common to every module.
type base struct {
	name     string
	sink     Sink
	states   StateReader
	patterns PatternSource
	logger   *slog.Logger
	loc      *time.Location
	nowFn    func() time.Time

	mode      atomic.Value // string
	enabled   atomic.Bool
	checkMu   sync.Mutex
	lastCheck time.Time
}

func (b *base) setup(name string, d Deps) {
	b.name = name
	b.sink = d.Sink
	b.states = d.States
	b.patterns = d.Patterns
	b.logger = d.Logger
	b.loc = d.Location
	b.nowFn = d.Now
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With("component", "guardian", "module", name)
	if b.loc == nil {
		b.loc = time.Local
	}
	if b.nowFn == nil {
		b.nowFn = time.Now
	}
	mode := d.Mode
	if mode == "" {
		mode = config.ModeActive
	}
	b.mode.Store(mode)
	b.enabled.Store(true)
}

func (b *base) Name() string { return b.name }

func (b *base) now() time.Time { return b.nowFn().In(b.loc) }

func (b *base) currentMode() string { return b.mode.Load().(string) }

// SetMode records the new posture. It never fails for a valid mode.
func (b *base) SetMode(_ context.Context, mode string) error {
	if !config.ValidMode(mode) {
		return &ModeError{Module: b.name, Mode: mode}
	}
	b.mode.Store(mode)
	b.logger.Debug("mode set", "mode", mode)
	return nil
}

// Shutdown disables further processing.
func (b *base) Shutdown(context.Context) error {
	b.enabled.Store(false)
	b.logger.Info("guardian shut down")
	return nil
}

// active reports whether state changes should be processed at all.
func (b *base) active() bool {
	return b.enabled.Load()
}

// sleeping reports whether only emergencies should get through.
func (b *base) sleeping() bool {
	return b.currentMode() == config.ModeSleep
}

func (b *base) markChecked() {
	b.checkMu.Lock()
	b.lastCheck = b.now()
	b.checkMu.Unlock()
}

// LastCheck returns when PerformPeriodicCheck last completed.
func (b *base) LastCheck() time.Time {
	b.checkMu.Lock()
	defer b.checkMu.Unlock()
	return b.lastCheck
}

func (b *base) raise(ctx context.Context, ev alert.Event) {
	b.logger.Info("guardian event", "type", ev.Type, "severity", ev.Severity, "entity_id", ev.EntityID)
	if b.sink != nil {
		b.sink.Raise(ctx, ev)
	}
}

func (b *base) resolve(ctx context.Context, ev alert.Event) {
	if err := ev.Resolve(b.name); err != nil {
		b.logger.Warn("cannot resolve event", "event_id", ev.ID, "error", err)
		return
	}
	if b.sink != nil {
		b.sink.Resolve(ctx, ev)
	}
}

// ModeError reports an unknown mode passed to a module.
type ModeError struct {
	Module string
	Mode   string
}

func (e *ModeError) Error() string {
	return e.Module + ": invalid mode " + e.Mode
}

// LocationFromEntity guesses a location from an entity's object ID by
// dropping its last word: binary_sensor.front_door → "front". IDs with
// a single word yield "unknown".
func LocationFromEntity(entityID string) string {
	_, object, ok := strings.Cut(entityID, ".")
	if !ok {
		object = entityID
	}
	parts := strings.Split(object, "_")
	if len(parts) < 2 {
		return "unknown"
	}
	return strings.Join(parts[:len(parts)-1], " ")
}
