package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/sandeepkv93/tv-device-pairing/internal/domain"
	"github.com/sandeepkv93/tv-device-pairing/internal/observability"
	"github.com/sandeepkv93/tv-device-pairing/internal/repository"
)

// ExpirySweeper marks stale pending sessions expired in the background so the store reflects
// reality even for devices that stopped polling. Rows are never deleted.
type ExpirySweeper struct {
	sessions  repository.DeviceSessionRepository
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

func NewExpirySweeper(sessions repository.DeviceSessionRepository, interval time.Duration, batchSize int, logger *slog.Logger) *ExpirySweeper {
	if batchSize <= 0 {
		batchSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpirySweeper{
		sessions:  sessions,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *ExpirySweeper) Enabled() bool { return s != nil && s.interval > 0 }

// SweepOnce expires one batch and returns how many rows this call transitioned.
func (s *ExpirySweeper) SweepOnce(ctx context.Context) (int, error) {
	stale, err := s.sessions.ListExpiredPending(ctx, s.now(), s.batchSize)
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range stale {
		won, err := s.sessions.UpdateIf(ctx, stale[i].ID, domain.Guard{Status: domain.SessionPending}, domain.ExpirePatch())
		if err != nil {
			return expired, err
		}
		if won {
			expired++
		}
	}
	observability.RecordSweptSessions(ctx, expired)
	return expired, nil
}

// Run sweeps on every tick until ctx is cancelled.
func (s *ExpirySweeper) Run(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.Warn("expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("expiry sweep", "expired", n)
			}
		}
	}
}
