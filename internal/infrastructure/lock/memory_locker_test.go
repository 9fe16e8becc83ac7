package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryLockerMutualExclusion(t *testing.T) {
	locker := NewMemoryLocker(time.Second)

	var (
		wg      sync.WaitGroup
		holders atomic.Int32
		peak    atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Acquire(context.Background(), CardLockKey("c1"), "owner")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := holders.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(time.Millisecond)
			holders.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Fatalf("expected at most one holder, saw %d", peak.Load())
	}
	if len(locker.entries) != 0 {
		t.Fatalf("expected released keys to be dropped, got %d", len(locker.entries))
	}
}

func TestMemoryLockerTimeout(t *testing.T) {
	locker := NewMemoryLocker(20 * time.Millisecond)
	unlock, err := locker.Acquire(context.Background(), "k", "a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer unlock()

	if _, err := locker.Acquire(context.Background(), "k", "b"); !errors.Is(err, ErrLockFailed) {
		t.Fatalf("expected ErrLockFailed, got %v", err)
	}
}

func TestMemoryLockerRespectsContext(t *testing.T) {
	locker := NewMemoryLocker(0)
	unlock, err := locker.Acquire(context.Background(), "k", "a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := locker.Acquire(ctx, "k", "b"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}

func TestMemoryLockerUnlockIsIdempotent(t *testing.T) {
	locker := NewMemoryLocker(time.Second)
	unlock, err := locker.Acquire(context.Background(), "k", "a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	unlock()
	unlock()

	unlock, err = locker.Acquire(context.Background(), "k", "b")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	unlock()
}

func TestAcquireAllSortsAndDeduplicates(t *testing.T) {
	rec := &recordingLocker{inner: NewMemoryLocker(time.Second)}

	unlock, err := AcquireAll(context.Background(), rec, []string{"card:b", "card:a", "card:b"}, "o")
	if err != nil {
		t.Fatalf("acquire all: %v", err)
	}
	unlock()

	if len(rec.order) != 2 || rec.order[0] != "card:a" || rec.order[1] != "card:b" {
		t.Fatalf("expected sorted unique keys, got %v", rec.order)
	}
}

func TestAcquireAllReleasesOnFailure(t *testing.T) {
	inner := NewMemoryLocker(10 * time.Millisecond)
	held, err := inner.Acquire(context.Background(), "card:b", "other")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer held()

	if _, err := AcquireAll(context.Background(), inner, []string{"card:a", "card:b"}, "o"); !errors.Is(err, ErrLockFailed) {
		t.Fatalf("expected ErrLockFailed, got %v", err)
	}

	// card:a 必须已经释放
	unlock, err := inner.Acquire(context.Background(), "card:a", "x")
	if err != nil {
		t.Fatalf("card:a should be free: %v", err)
	}
	unlock()
}

type recordingLocker struct {
	inner Locker
	order []string
}

func (r *recordingLocker) Acquire(ctx context.Context, key, owner string) (Unlock, error) {
	r.order = append(r.order, key)
	return r.inner.Acquire(ctx, key, owner)
}
