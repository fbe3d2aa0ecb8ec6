package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"go.uber.org/zap"
)

const (
	DefaultSweepInterval = time.Minute
	sweepLockKey         = "lock:idempotency-sweep"
)

// Locker is satisfied by *redislock.Client.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error)
}

// Sweeper runs Gate.Sweep on a ticker. With a Locker only the replica that
// obtains the lock sweeps on a given tick.
type Sweeper struct {
	gate     *Gate
	locker   Locker
	interval time.Duration
	log      *zap.Logger
}

func NewSweeper(gate *Gate, locker Locker, interval time.Duration, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{gate: gate, locker: locker, interval: interval, log: log}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.Info("idempotency sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("idempotency sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("idempotency sweep failed", zap.Error(err))
			}
		}
	}
}

// Tick performs one sweep. It reports false without error when another
// replica holds the lock.
func (s *Sweeper) Tick(ctx context.Context) (bool, error) {
	if s.locker != nil {
		lock, err := s.locker.Obtain(ctx, sweepLockKey, s.interval, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			s.log.Debug("idempotency sweep skipped, lock held elsewhere")
			return false, nil
		}
		if err != nil {
			return false, err
		}
		defer func() {
			if releaseErr := lock.Release(context.WithoutCancel(ctx)); releaseErr != nil && !errors.Is(releaseErr, redislock.ErrLockNotHeld) {
				s.log.Warn("failed to release sweep lock", zap.Error(releaseErr))
			}
		}()
	}
	if _, err := s.gate.Sweep(ctx); err != nil {
		return false, err
	}
	return true, nil
}
