package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// liveness probes the transport at a fixed interval while a generation is
// connected. Each monitor belongs to exactly one connection generation and
// stops the moment its stop channel closes, so probe chains never leak
// across reconnects. A failed probe is logged only; the socket close
// callback is the authoritative disconnect signal.
type liveness struct {
	transport Transport
	interval  time.Duration
	logger    *slog.Logger
	stop      chan struct{}
}

func newLiveness(transport Transport, interval time.Duration, logger *slog.Logger) *liveness {
	return &liveness{
		transport: transport,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// run blocks until halt is called. Call it on its own goroutine.
func (l *liveness) run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.transport.Ping(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				l.logger.Warn("liveness probe failed", "error", err)
			}
		}
	}
}

// halt stops the probe loop. Call at most once.
func (l *liveness) halt() {
	close(l.stop)
}
