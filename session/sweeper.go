package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Yuz-tech/gamified-ims/lock"
)

// SweepLeaseName is the lease that elects one sweeping instance per tick.
const SweepLeaseName = "session-sweep"

// Sweeper periodically deletes stale sessions. Each tick first takes the
// sweep lease, so instances sharing a backend do not sweep concurrently.
type Sweeper struct {
	Registry *Registry
	Locker   lock.Locker
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
	// OnSweep, when set, observes every completed tick.
	OnSweep func(deleted int, err error)
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.RunOnce(ctx)
			switch {
			case errors.Is(err, lock.ErrHeld):
				s.logger().Debug("session sweep skipped, another instance holds the lease")
			case err != nil:
				s.logger().Error("session sweep failed", "error", err, "deleted", deleted)
			case deleted > 0:
				s.logger().Info("session sweep completed", "deleted", deleted)
			}
		}
	}
}

// RunOnce performs a single sweep under the lease and the per-tick timeout.
// It returns lock.ErrHeld when another instance is sweeping.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	tickCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if s.Locker != nil {
		lease, err := s.Locker.Acquire(tickCtx, SweepLeaseName, timeout)
		if err != nil {
			return 0, err
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger().Warn("releasing sweep lease", "error", err)
			}
		}()
	}

	deleted, err := s.Registry.Sweep(tickCtx)
	if s.OnSweep != nil {
		s.OnSweep(deleted, err)
	}
	return deleted, err
}
