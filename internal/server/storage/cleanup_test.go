package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeCleaner struct {
	calls   atomic.Int32
	release chan struct{}
	started chan struct{}
	err     error
}

func (f *fakeCleaner) CleanupExpired(ctx context.Context, asOf time.Time) (int, error) {
	f.calls.Add(1)
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		<-f.release
	}
	return 2, f.err
}

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	released int
}

func (l *fakeLocker) TryLock(ctx context.Context) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, ErrSweepInProgress
	}
	l.held = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.held = false
		l.released++
	}, nil
}

func TestCleanupService_RunOnce(t *testing.T) {
	t.Run("returns cleaned count", func(t *testing.T) {
		cs := NewCleanupService(&fakeCleaner{}, time.Hour, time.Hour)

		n, err := cs.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != 2 {
			t.Errorf("expected 2 cleaned, got %d", n)
		}
	})

	t.Run("passes clock to cleaner", func(t *testing.T) {
		var got time.Time
		fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		cs := NewCleanupService(cleanerFunc(func(ctx context.Context, asOf time.Time) (int, error) {
			got = asOf
			return 0, nil
		}), time.Hour, time.Hour)
		cs.now = func() time.Time { return fixed }

		cs.RunOnce(context.Background())
		if !got.Equal(fixed) {
			t.Errorf("expected asOf %v, got %v", fixed, got)
		}
	})

	t.Run("rejects overlapping sweep", func(t *testing.T) {
		cleaner := &fakeCleaner{release: make(chan struct{}), started: make(chan struct{}, 1)}
		cs := NewCleanupService(cleaner, time.Hour, time.Hour)

		done := make(chan struct{})
		go func() {
			defer close(done)
			cs.RunOnce(context.Background())
		}()
		<-cleaner.started

		if _, err := cs.RunOnce(context.Background()); !errors.Is(err, ErrSweepInProgress) {
			t.Errorf("expected ErrSweepInProgress, got %v", err)
		}

		close(cleaner.release)
		<-done

		if cleaner.calls.Load() != 1 {
			t.Errorf("expected cleaner to run once, got %d", cleaner.calls.Load())
		}
	})

	t.Run("honors external lock", func(t *testing.T) {
		cleaner := &fakeCleaner{}
		locker := &fakeLocker{held: true}
		cs := NewCleanupService(cleaner, time.Hour, time.Hour)
		cs.SetLocker(locker)

		if _, err := cs.RunOnce(context.Background()); !errors.Is(err, ErrSweepInProgress) {
			t.Errorf("expected ErrSweepInProgress, got %v", err)
		}
		if cleaner.calls.Load() != 0 {
			t.Error("expected cleaner not to run while lock is held elsewhere")
		}

		locker.held = false
		if _, err := cs.RunOnce(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if locker.released != 1 {
			t.Errorf("expected lock to be released once, got %d", locker.released)
		}
	})

	t.Run("surfaces cleaner error", func(t *testing.T) {
		boom := errors.New("metadata unreachable")
		cs := NewCleanupService(&fakeCleaner{err: boom}, time.Hour, time.Hour)

		if _, err := cs.RunOnce(context.Background()); !errors.Is(err, boom) {
			t.Errorf("expected cleaner error, got %v", err)
		}
	})
}

func TestCleanupService_Start(t *testing.T) {
	t.Run("runs after startup delay and on interval", func(t *testing.T) {
		cleaner := &fakeCleaner{started: make(chan struct{}, 10)}
		cs := NewCleanupService(cleaner, 10*time.Millisecond, 20*time.Millisecond)

		ctx, cancel := context.WithCancel(context.Background())
		cs.Start(ctx)

		for i := range 2 {
			select {
			case <-cleaner.started:
			case <-time.After(2 * time.Second):
				t.Fatalf("sweep %d did not run", i+1)
			}
		}

		cancel()
		cs.Wait()
	})

	t.Run("failed sweep does not stop the loop", func(t *testing.T) {
		cleaner := &fakeCleaner{started: make(chan struct{}, 10), err: errors.New("down")}
		cs := NewCleanupService(cleaner, time.Millisecond, 10*time.Millisecond)

		ctx, cancel := context.WithCancel(context.Background())
		cs.Start(ctx)

		for i := range 3 {
			select {
			case <-cleaner.started:
			case <-time.After(2 * time.Second):
				t.Fatalf("sweep %d did not run", i+1)
			}
		}

		cancel()
		cs.Wait()
	})

	t.Run("stops during startup delay", func(t *testing.T) {
		cleaner := &fakeCleaner{}
		cs := NewCleanupService(cleaner, time.Hour, time.Hour)

		ctx, cancel := context.WithCancel(context.Background())
		cs.Start(ctx)
		cancel()
		cs.Wait()

		if cleaner.calls.Load() != 0 {
			t.Errorf("expected no sweeps, got %d", cleaner.calls.Load())
		}
	})
}

type cleanerFunc func(ctx context.Context, asOf time.Time) (int, error)

func (f cleanerFunc) CleanupExpired(ctx context.Context, asOf time.Time) (int, error) {
	return f(ctx, asOf)
}
