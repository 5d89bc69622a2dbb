package events

import (
	"context"
	"log/slog"
	"time"
)

// Firer fires an event on an external event bus. homeassistant.Client
// satisfies it.
type Firer interface {
	FireEvent(ctx context.Context, eventType string, data map[string]any) error
}

// Forwarder relays forwardable bus events to Home Assistant.
type Forwarder struct {
	firer   Firer
	logger  *slog.Logger
	timeout time.Duration
}

// NewForwarder creates a forwarder. Each fire gets timeout; zero means
// ten seconds.
func NewForwarder(firer Firer, logger *slog.Logger, timeout time.Duration) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Forwarder{firer: firer, logger: logger.With("component", "event_forwarder"), timeout: timeout}
}

// Run subscribes to bus and forwards until ctx is cancelled. Fire
// failures are logged and do not stop the loop.
func (f *Forwarder) Run(ctx context.Context, bus *Bus) {
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			f.forward(ctx, e)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, e Event) {
	eventType, ok := e.HAEventType()
	if !ok {
		return
	}
	fireCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := f.firer.FireEvent(fireCtx, eventType, e.Payload()); err != nil {
		f.logger.Warn("failed to forward event", "event_type", eventType, "error", err)
		return
	}
	f.logger.Debug("event forwarded", "event_type", eventType)
}
