package storage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Cleaner removes expired sessions and reports how many were fully removed.
type Cleaner interface {
	CleanupExpired(ctx context.Context, asOf time.Time) (int, error)
}

// Locker guards a sweep across processes sharing the same stores. TryLock
// returns ErrSweepInProgress when another holder has the lock.
type Locker interface {
	TryLock(ctx context.Context) (unlock func(), err error)
}

// CleanupService periodically sweeps expired sessions. It runs once after a
// startup delay and then on a fixed interval. Sweeps never overlap.
type CleanupService struct {
	cleaner      Cleaner
	startupDelay time.Duration
	interval     time.Duration
	locker       Locker
	now          func() time.Time

	running sync.Mutex
	done    chan struct{}
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(cleaner Cleaner, startupDelay, interval time.Duration) *CleanupService {
	return &CleanupService{
		cleaner:      cleaner,
		startupDelay: startupDelay,
		interval:     interval,
		now:          time.Now,
		done:         make(chan struct{}),
	}
}

// SetLocker adds a cross-process lock around every sweep.
func (cs *CleanupService) SetLocker(l Locker) {
	cs.locker = l
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started",
		"startup_delay", cs.startupDelay,
		"interval", cs.interval,
	)

	go func() {
		defer close(cs.done)

		delay := time.NewTimer(cs.startupDelay)
		defer delay.Stop()

		select {
		case <-delay.C:
			cs.runCleanup(ctx)
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		}

		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				cs.runCleanup(ctx)
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

// RunOnce performs a single sweep. It fails with ErrSweepInProgress instead
// of waiting when another sweep holds the lock.
func (cs *CleanupService) RunOnce(ctx context.Context) (int, error) {
	if !cs.running.TryLock() {
		return 0, ErrSweepInProgress
	}
	defer cs.running.Unlock()

	if cs.locker != nil {
		unlock, err := cs.locker.TryLock(ctx)
		if err != nil {
			return 0, err
		}
		defer unlock()
	}

	return cs.cleaner.CleanupExpired(ctx, cs.now())
}

func (cs *CleanupService) runCleanup(ctx context.Context) {
	slog.Info("running cleanup cycle")
	start := time.Now()

	cleaned, err := cs.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrSweepInProgress):
		slog.Info("cleanup cycle skipped, another sweep is running")
	case err != nil:
		slog.Error("cleanup cycle failed", "error", err)
	default:
		slog.Info("cleanup cycle complete",
			"cleaned", cleaned,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
