package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// commandsPerMinute caps mode commands accepted from the broker.
const commandsPerMinute = 30

// handleMessage processes one inbound publish. Only the mode command
// topic is subscribed; anything else is logged and dropped.
func (p *Publisher) handleMessage(ctx context.Context, topic string, payload []byte) {
	if topic != p.commandTopic() {
		p.logger.Debug("mqtt message on unexpected topic", "topic", topic, "payload_size", len(payload))
		return
	}
	if !p.commands.allow() {
		return
	}
	if p.setMode == nil {
		return
	}

	mode := strings.ToLower(strings.TrimSpace(string(payload)))
	if err := p.setMode(ctx, mode); err != nil {
		p.logger.Warn("mqtt mode command rejected", "mode", mode, "error", err)
	} else {
		p.logger.Info("guardian mode set from mqtt", "mode", mode)
	}
	// Republish either way so the select snaps back on rejection.
	p.publishStates(ctx)
}

// commandLimiter drops inbound commands beyond limit per interval.
type commandLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newCommandLimiter(limit int64, interval time.Duration, logger *slog.Logger) *commandLimiter {
	return &commandLimiter{limit: limit, interval: interval, logger: logger}
}

// start resets the window every interval until ctx is done.
func (r *commandLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *commandLimiter) reset() {
	count := r.count.Swap(0)
	if dropped := r.dropped.Swap(0); dropped > 0 {
		r.logger.Warn("mqtt commands dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"limit", r.limit,
		)
	}
}

func (r *commandLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
