package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsSubmittedJobs(t *testing.T) {
	p := NewPool("test", 4, 16)
	p.Start()

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		if err := p.Submit(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			count.Add(1)
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	wg.Wait()
	p.Stop()

	if got := count.Load(); got != 50 {
		t.Fatalf("expected 50 jobs, got %d", got)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const size = 3
	p := NewPool("bounded", size, 64)
	p.Start()
	defer p.Stop()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		_ = p.Submit(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
		})
	}
	wg.Wait()

	if peak.Load() > size {
		t.Fatalf("expected at most %d concurrent jobs, got %d", size, peak.Load())
	}
}

func TestSubmitAfterDelaysExecution(t *testing.T) {
	p := NewPool("delayed", 1, 4)
	p.Start()
	defer p.Stop()

	done := make(chan time.Time, 1)
	start := time.Now()
	if err := p.SubmitAfter(20*time.Millisecond, func(ctx context.Context) { done <- time.Now() }); err != nil {
		t.Fatalf("submit after: %v", err)
	}

	select {
	case at := <-done:
		if at.Sub(start) < 20*time.Millisecond {
			t.Fatalf("job ran too early: %v", at.Sub(start))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delayed job never ran")
	}
}

func TestStopDrainsQueueAndRejectsNewJobs(t *testing.T) {
	p := NewPool("drain", 1, 8)
	p.Start()

	var count atomic.Int32
	for i := 0; i < 5; i++ {
		_ = p.Submit(context.Background(), func(ctx context.Context) {
			time.Sleep(time.Millisecond)
			count.Add(1)
		})
	}
	p.Stop()

	if got := count.Load(); got != 5 {
		t.Fatalf("expected queued jobs to drain, got %d", got)
	}
	if err := p.Submit(context.Background(), func(ctx context.Context) {}); !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("expected ErrPoolStopped, got %v", err)
	}
	if err := p.SubmitAfter(time.Millisecond, func(ctx context.Context) {}); !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("expected ErrPoolStopped from SubmitAfter, got %v", err)
	}
}

func TestPanickingJobDoesNotKillWorker(t *testing.T) {
	p := NewPool("panic", 1, 4)
	p.Start()
	defer p.Stop()

	_ = p.Submit(context.Background(), func(ctx context.Context) { panic("boom") })

	done := make(chan struct{})
	_ = p.Submit(context.Background(), func(ctx context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}
