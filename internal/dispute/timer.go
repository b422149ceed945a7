package dispute

import (
	"context"
	"log/slog"
	"time"
)

// Timer periodically runs the escalation sweep. It is the only caller of
// Sweep in normal operation; interactive callers never trigger it.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a new escalation timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the timer loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			res := t.service.Sweep(ctx)
			if res.NoResponseEscalated > 0 || res.NegotiationsFailed > 0 || res.Errors > 0 {
				t.logger.Info("escalation sweep completed",
					"no_response_escalated", res.NoResponseEscalated,
					"negotiations_failed", res.NegotiationsFailed,
					"errors", res.Errors,
				)
			}
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}
