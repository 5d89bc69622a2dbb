// Package connwatch keeps track of whether the services the guardian
// depends on are reachable. Home Assistant and the memory service are
// both probed at startup with exponential backoff and then polled on
// a fixed interval. Transitions between reachable and unreachable fire
// callbacks so the owner can reconnect or degrade.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/magdala/internal/metrics"
)

// ProbeFunc checks one service. A nil return means reachable.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig shapes the startup retries and the steady-state poll.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxRetries bounds the startup phase. After that the watcher
	// falls back to polling at PollInterval.
	MaxRetries   int
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig is used for any zero-valued BackoffConfig.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b BackoffConfig) next(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * b.Multiplier)
	return min(d, b.MaxDelay)
}

// WatcherConfig describes one watched service.
type WatcherConfig struct {
	Name    string
	Probe   ProbeFunc
	Backoff BackoffConfig
	// OnReady runs each time the service becomes reachable, including
	// the first time. It runs on the watcher goroutine with the
	// watcher's context.
	OnReady func(ctx context.Context)
	// OnDown runs each time a reachable service stops answering.
	OnDown func(err error)
	Logger *slog.Logger
}

// ServiceStatus is the JSON shape reported by the status endpoint.
type ServiceStatus struct {
	Name     string    `json:"name"`
	Ready    bool      `json:"ready"`
	LastOK   time.Time `json:"last_ok,omitzero"`
	Failures int       `json:"consecutive_failures"`
	Error    string    `json:"error,omitempty"`
}

// Watcher probes one service in the background.
type Watcher struct {
	cfg    WatcherConfig
	logger *slog.Logger

	mu       sync.RWMutex
	ready    bool
	lastOK   time.Time
	lastErr  error
	failures int

	readyOnce sync.Once
	readyCh   chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

func newWatcher(cfg WatcherConfig, logger *slog.Logger) *Watcher {
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoffConfig()
	}
	if cfg.Logger != nil {
		logger = cfg.Logger
	}
	return &Watcher{
		cfg:     cfg,
		logger:  logger.With("service", cfg.Name),
		readyCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ready
}

// LastError is the error from the most recent failed probe, cleared
// on success.
func (w *Watcher) LastError() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastErr
}

// Status returns a snapshot for reporting.
func (w *Watcher) Status() ServiceStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s := ServiceStatus{
		Name:     w.cfg.Name,
		Ready:    w.ready,
		LastOK:   w.lastOK,
		Failures: w.failures,
	}
	if w.lastErr != nil {
		s.Error = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the service has been reachable at least once or
// ctx is done.
func (w *Watcher) Wait(ctx context.Context) error {
	select {
	case <-w.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends probing and waits for the goroutine to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

// observe records one probe outcome and fires transition callbacks.
func (w *Watcher) observe(ctx context.Context, err error) {
	w.mu.Lock()
	was := w.ready
	w.ready = err == nil
	w.lastErr = err
	if err == nil {
		w.lastOK = time.Now()
		w.failures = 0
	} else {
		w.failures++
	}
	failures := w.failures
	w.mu.Unlock()

	up := 0.0
	if err == nil {
		up = 1
	}
	metrics.ServiceUp.WithLabelValues(w.cfg.Name).Set(up)

	switch {
	case err == nil && !was:
		w.logger.Info("service reachable")
		w.readyOnce.Do(func() { close(w.readyCh) })
		if w.cfg.OnReady != nil {
			w.cfg.OnReady(ctx)
		}
	case err != nil && was:
		w.logger.Warn("service unreachable", "error", err)
		if w.cfg.OnDown != nil {
			w.cfg.OnDown(err)
		}
	case err != nil:
		w.logger.Debug("service probe failed", "attempt", failures, "error", err)
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	defer cancel()
	return w.cfg.Probe(pctx)
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	b := w.cfg.Backoff

	delay := b.InitialDelay
	for attempt := 1; attempt <= b.MaxRetries; attempt++ {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.observe(ctx, err)
		if err == nil {
			break
		}
		if attempt == b.MaxRetries {
			w.logger.Warn("service not reachable at startup, polling", "attempts", attempt, "interval", b.PollInterval)
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = b.next(delay)
	}

	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			if ctx.Err() != nil {
				return
			}
			w.observe(ctx, err)
		}
	}
}

// Manager owns a set of watchers.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	watchers []*Watcher
}

// NewManager returns an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger.With("component", "connwatch")}
}

// Watch starts a watcher for cfg. It stops when ctx is done or the
// manager is stopped.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	w := newWatcher(cfg, m.logger)
	wctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	m.mu.Lock()
	m.watchers = append(m.watchers, w)
	m.mu.Unlock()

	go w.run(wctx)
	return w
}

// Ready reports whether the named service is reachable. Unknown names
// report false.
func (m *Manager) Ready(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.watchers {
		if w.cfg.Name == name {
			return w.IsReady()
		}
	}
	return false
}

// Status returns every watcher's status in registration order.
func (m *Manager) Status() []ServiceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	return out
}

// Stop stops every watcher.
func (m *Manager) Stop() {
	m.mu.Lock()
	ws := m.watchers
	m.watchers = nil
	m.mu.Unlock()
	for _, w := range ws {
		w.Stop()
	}
}
