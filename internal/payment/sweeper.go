package payment

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically resolves stuck confirmations and expires intents
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper running every interval
func NewSweeper(manager *Manager, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{manager: manager, interval: interval, logger: logger}
}

// Run sweeps until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one sweep. Resolution runs first so a confirmation that
// already succeeded at the gateway is not expired.
func (s *Sweeper) Tick(ctx context.Context) {
	resolved, err := s.manager.ResolvePending(ctx)
	if err != nil {
		s.logger.Error("resolve pending failed", "error", err)
	}
	s.manager.metrics.Swept("resolve", resolved)

	expired, err := s.manager.Expire(ctx)
	if err != nil {
		s.logger.Error("expire failed", "error", err)
	}
	s.manager.metrics.Swept("expire", expired)

	if resolved > 0 || expired > 0 {
		s.logger.Info("sweep finished", "resolved", resolved, "expired", expired)
	}
}
