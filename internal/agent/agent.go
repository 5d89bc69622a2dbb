// Package agent is the guardian orchestrator. It owns the guardian
// mode, routes Home Assistant state changes to the guardian modules,
// answers questions through the LLM with memory-backed context, and
// sequences emergencies.
//
// Memory and voice are optional at run time. When either failed to
// initialize, every dependent operation logs, publishes a
// [events.KindDegraded] event, and carries on.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/magdala/internal/alert"
	"github.com/nugget/magdala/internal/buildinfo"
	"github.com/nugget/magdala/internal/config"
	"github.com/nugget/magdala/internal/events"
	"github.com/nugget/magdala/internal/guardian"
	"github.com/nugget/magdala/internal/llm"
	"github.com/nugget/magdala/internal/memory"
	"github.com/nugget/magdala/internal/metrics"
	"github.com/nugget/magdala/internal/statewindow"
	"github.com/nugget/magdala/internal/voice"
)

// ErrInvalidMode is returned by SetGuardianMode for a mode outside
// active, passive, and sleep.
var ErrInvalidMode = errors.New("invalid guardian mode")

// ErrUnavailable is returned when the subsystem an operation needs
// failed to initialize.
var ErrUnavailable = errors.New("subsystem unavailable")

// Health is the orchestrator lifecycle state.
type Health string

const (
	HealthInitializing Health = "initializing"
	HealthHealthy      Health = "healthy"
	HealthError        Health = "error"
	HealthOffline      Health = "offline"
)

// Memory is what the orchestrator needs from the memory store.
type Memory interface {
	Initialize(ctx context.Context) error
	Add(ctx context.Context, in memory.NewEntry) (*memory.Entry, error)
	StoreEvent(ctx context.Context, ev alert.Event) error
	LearnPattern(ctx context.Context, p memory.Pattern) error
	UserPatterns(ctx context.Context, userID, patternType string) ([]memory.Pattern, error)
	ContextForQuery(ctx context.Context, query, userID string) (memory.QueryContext, error)
	CleanupExpired() int
	CacheSize() int
}

// Voice is what the orchestrator needs from the announcement router.
type Voice interface {
	Initialize(ctx context.Context) error
	Announce(ctx context.Context, a voice.Announcement) voice.Result
	AnnounceAlert(ctx context.Context, ev alert.Event) voice.Result
	UpdateConfig(cfg voice.Config)
}

// Deps are the orchestrator's collaborators. Memory, Voice, LLM,
// States, and Bus may be nil.
type Deps struct {
	Config *config.Config
	Memory Memory
	Voice  Voice
	LLM    llm.Client
	// NewLLM rebuilds the LLM client when UpdateConfig changes the llm
	// section. Nil keeps the current client.
	NewLLM func(config.LLMConfig) llm.Client
	States guardian.StateReader
	Bus    *events.Bus
	Logger *slog.Logger
	Now    func() time.Time
	// Modules replaces the modules built from the enabled_modules list.
	Modules []guardian.Module
}

// Status is a snapshot of the orchestrator's run-time state.
type Status struct {
	Mode            string        `json:"mode"`
	ActiveModules   []string      `json:"active_modules"`
	LastActivity    time.Time     `json:"last_activity"`
	Health          Health        `json:"health"`
	Uptime          time.Duration `json:"uptime"`
	MemoryCacheSize int           `json:"memory_cache_size"`
	OpenAlerts      int           `json:"open_alerts"`
	Conversations   int           `json:"conversations"`
	MemoryAvailable bool          `json:"memory_available"`
	VoiceAvailable  bool          `json:"voice_available"`
}

// Agent is the guardian orchestrator.
type Agent struct {
	logger *slog.Logger
	bus    *events.Bus
	states guardian.StateReader
	mem    Memory
	voice  Voice
	newLLM func(config.LLMConfig) llm.Client
	now    func() time.Time

	// activity holds recent routed state changes for the Ask prompt.
	activity *statewindow.Window

	memReady   atomic.Bool
	voiceReady atomic.Bool

	llmMu sync.RWMutex
	llm   llm.Client

	// mu guards status, cfg, and open.
	mu      sync.Mutex
	cfg     *config.Config
	status  Status
	modules []guardian.Module
	open    map[string]alert.Event

	convMu        sync.Mutex
	conversations map[string]*conversation

	// bg tracks fire-and-forget memory writes.
	bg           sync.WaitGroup
	shutdownOnce sync.Once
	stop         chan struct{}
}

// New creates an orchestrator in the initializing state.
func New(d Deps) *Agent {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := d.Config
	if cfg == nil {
		cfg = config.Default()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}

	a := &Agent{
		logger:        logger.With("component", "agent"),
		bus:           d.Bus,
		states:        d.States,
		mem:           d.Memory,
		voice:         d.Voice,
		newLLM:        d.NewLLM,
		now:           now,
		llm:           d.LLM,
		cfg:           cfg,
		modules:       d.Modules,
		activity:      statewindow.New(0, 0, cfg.Location()),
		open:          make(map[string]alert.Event),
		conversations: make(map[string]*conversation),
		stop:          make(chan struct{}),
	}
	a.status = Status{
		Mode:          cfg.Guardian.Mode,
		ActiveModules: slices.Clone(cfg.Guardian.EnabledModules),
		LastActivity:  now(),
		Health:        HealthInitializing,
	}
	return a
}

// Initialize brings up memory, voice, and the guardian modules. Any
// failure moves health to error, which is terminal; the failed
// subsystem is marked unavailable and the rest keep working. The
// returned error joins every failure.
func (a *Agent) Initialize(ctx context.Context) error {
	var errs []error

	if a.mem != nil {
		if err := a.mem.Initialize(ctx); err != nil {
			errs = append(errs, fmt.Errorf("memory: %w", err))
		} else {
			a.memReady.Store(true)
		}
	}
	if a.voice != nil {
		if err := a.voice.Initialize(ctx); err != nil {
			errs = append(errs, fmt.Errorf("voice: %w", err))
		} else {
			a.voiceReady.Store(true)
		}
	}

	a.mu.Lock()
	if a.modules == nil {
		a.modules = a.buildModules()
	}
	modules := slices.Clone(a.modules)
	a.mu.Unlock()

	for _, m := range modules {
		if err := m.Initialize(ctx); err != nil {
			errs = append(errs, fmt.Errorf("guardian %s: %w", m.Name(), err))
		}
	}

	err := errors.Join(errs...)
	a.mu.Lock()
	if err != nil {
		a.status.Health = HealthError
	} else {
		a.status.Health = HealthHealthy
	}
	mode := a.status.Mode
	a.mu.Unlock()
	metrics.SetMode(mode, config.Modes)

	if err != nil {
		a.logger.Error("initialization incomplete", "error", err)
	} else {
		a.logger.Info("guardian agent online", "version", buildinfo.Version, "mode", mode, "modules", len(modules))
	}

	a.speak(ctx, voice.Announcement{
		Message:  "Guardian Agent Magdala is now online and protecting your home.",
		Priority: voice.Low,
	})
	return err
}

func (a *Agent) buildModules() []guardian.Module {
	d := guardian.Deps{
		Sink:       a,
		States:     a.states,
		Thresholds: a.cfg.Guardian.AlertThresholds,
		Mode:       a.cfg.Guardian.Mode,
		Logger:     a.logger,
		Location:   a.cfg.Location(),
		Now:        a.now,
	}
	if a.mem != nil {
		d.Patterns = a.mem
	}

	var out []guardian.Module
	for _, name := range config.Modules {
		if !slices.Contains(a.cfg.Guardian.EnabledModules, name) {
			continue
		}
		switch name {
		case config.ModuleSecurity:
			out = append(out, guardian.NewSecurity(d))
		case config.ModuleWellness:
			out = append(out, guardian.NewWellness(d, nil))
		case config.ModuleEnergy:
			out = append(out, guardian.NewEnergy(d, nil))
		}
	}
	return out
}

// Status returns a snapshot of the current state.
func (a *Agent) Status() Status {
	a.mu.Lock()
	s := a.status
	s.ActiveModules = slices.Clone(a.status.ActiveModules)
	s.OpenAlerts = len(a.open)
	a.mu.Unlock()

	s.Uptime = buildinfo.Uptime()
	if a.mem != nil {
		s.MemoryCacheSize = a.mem.CacheSize()
	}
	a.convMu.Lock()
	s.Conversations = len(a.conversations)
	a.convMu.Unlock()
	s.MemoryAvailable = a.memReady.Load()
	s.VoiceAvailable = a.voiceReady.Load()
	return s
}

// SetMemoryAvailable marks the memory service reachable or not. The
// connection watcher calls it as the service comes and goes.
func (a *Agent) SetMemoryAvailable(ok bool) {
	if a.mem == nil {
		return
	}
	if a.memReady.Swap(ok) != ok {
		a.logger.Info("memory availability changed", "available", ok)
	}
}

func (a *Agent) touch() {
	a.mu.Lock()
	a.status.LastActivity = a.now()
	a.mu.Unlock()
}

func (a *Agent) memory() (Memory, bool) {
	if a.mem == nil || !a.memReady.Load() {
		return nil, false
	}
	return a.mem, true
}

func (a *Agent) voiceUp() bool {
	return a.voice != nil && a.voiceReady.Load()
}

// Done is closed once Shutdown has begun. Collaborators that feed the
// agent (the state watcher, the MQTT command handler) stop on it.
func (a *Agent) Done() <-chan struct{} {
	return a.stop
}

func (a *Agent) currentLLM() llm.Client {
	a.llmMu.RLock()
	defer a.llmMu.RUnlock()
	return a.llm
}

// degraded records a fallback taken because a subsystem is down.
func (a *Agent) degraded(subsystem, operation string, err error) {
	a.logger.Warn("subsystem unavailable, degrading", "subsystem", subsystem, "operation", operation, "error", err)
	data := map[string]any{"subsystem": subsystem, "operation": operation}
	if err != nil {
		data["error"] = err.Error()
	}
	a.bus.Publish(events.Event{Source: events.SourceAgent, Kind: events.KindDegraded, Data: data})
}

// speak announces through the router when voice is up. It reports the
// result, or a disabled result when there is no router.
func (a *Agent) speak(ctx context.Context, ann voice.Announcement) voice.Result {
	if !a.voiceUp() {
		return voice.Result{Status: voice.StatusDisabled, Reason: "voice unavailable"}
	}
	return a.voice.Announce(ctx, ann)
}

// UpdateConfig validates cfg and applies it. The LLM client is rebuilt
// when its section changed, the voice policy is replaced, and a mode
// change is applied as if SetGuardianMode were called. Modules that
// are no longer enabled are dropped from the active set at once;
// thresholds and newly enabled modules take effect at the next start.
func (a *Agent) UpdateConfig(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("update config: %w", err)
	}

	a.mu.Lock()
	old := a.cfg
	a.cfg = cfg
	a.status.ActiveModules = slices.DeleteFunc(slices.Clone(a.status.ActiveModules), func(m string) bool {
		return !slices.Contains(cfg.Guardian.EnabledModules, m)
	})
	a.mu.Unlock()

	if old.LLM != cfg.LLM && a.newLLM != nil {
		a.llmMu.Lock()
		prev := a.llm
		a.llm = a.newLLM(cfg.LLM)
		a.llmMu.Unlock()
		if c, ok := prev.(interface{ Close() }); ok {
			c.Close()
		}
		a.logger.Info("llm client recreated", "model", cfg.LLM.Model)
	}

	if a.voice != nil {
		vc, err := voice.ConfigFromGuardian(cfg.Guardian, cfg.Location())
		if err != nil {
			return fmt.Errorf("update config: %w", err)
		}
		a.voice.UpdateConfig(vc)
	}

	if old.Guardian.Mode != cfg.Guardian.Mode {
		return a.SetGuardianMode(ctx, cfg.Guardian.Mode, nil)
	}
	return nil
}
