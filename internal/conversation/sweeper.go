package conversation

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically closes idle conversations.
type Sweeper struct {
	store    *Store
	idle     time.Duration
	interval time.Duration
	logger   *slog.Logger

	// OnClose, if set, is called for every conversation the sweeper
	// closes.
	OnClose func(id string)
}

// NewSweeper creates a sweeper. It does nothing until Run.
func NewSweeper(store *Store, idle, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, idle: idle, interval: interval, logger: logger}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.idle <= 0 || s.interval <= 0 {
		s.logger.Info("conversation sweeper disabled")
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep closes conversations idle for longer than the idle timeout and
// returns how many it closed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	closed, err := s.store.CloseIdle(ctx, s.store.now().Add(-s.idle))
	if err != nil {
		s.logger.Warn("idle conversation sweep failed", "error", err)
	}
	for _, id := range closed {
		s.logger.Info("conversation closed after idle timeout", "conversation_id", id, "idle", s.idle)
		if s.OnClose != nil {
			s.OnClose(id)
		}
	}
	return len(closed)
}
