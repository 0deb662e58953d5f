package recon

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler periodically drives ResolveStuck so transfers left without a
// receipt converge without operator involvement.
type Scheduler struct {
	svc      *Service
	log      *slog.Logger
	interval time.Duration
}

// NewScheduler constructs a scheduler over the reconciliation service.
func NewScheduler(svc *Service, interval time.Duration, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{svc: svc, log: log, interval: interval}
}

// Run loops until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		resolved, err := s.svc.ResolveStuck(ctx)
		if err != nil {
			s.log.Error("resolve pass failed", slog.Any("error", err))
		} else if resolved > 0 {
			s.log.Info("resolved stuck transfers", slog.Int("count", resolved))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
