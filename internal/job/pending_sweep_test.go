package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"rfidpay/internal/config"
	"rfidpay/internal/model"
)

type stubLister struct {
	horizon time.Duration
	limit   int
	items   []*model.Transaction
	err     error
}

func (s *stubLister) ListStalePending(ctx context.Context, horizon time.Duration, limit int) ([]*model.Transaction, error) {
	s.horizon, s.limit = horizon, limit
	return s.items, s.err
}

type recordingSubmitter struct {
	ids  []string
	fail map[string]bool
}

func (r *recordingSubmitter) SubmitTransaction(ctx context.Context, id string) error {
	if r.fail[id] {
		return errors.New("queue full")
	}
	r.ids = append(r.ids, id)
	return nil
}

func TestSweepOnceResubmitsStaleTransactions(t *testing.T) {
	cfg := config.Default()
	lister := &stubLister{items: []*model.Transaction{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	submitter := &recordingSubmitter{fail: map[string]bool{"b": true}}

	sweep := NewPendingSweepJob(cfg, lister, submitter)
	n, err := sweep.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 resubmitted, got %d", n)
	}
	if len(submitter.ids) != 2 || submitter.ids[0] != "a" || submitter.ids[1] != "c" {
		t.Fatalf("unexpected submissions: %v", submitter.ids)
	}
	if lister.horizon != cfg.Business.PendingHorizon || lister.limit != cfg.Business.SweepBatchSize {
		t.Fatalf("expected horizon %s and limit %d, got %s and %d",
			cfg.Business.PendingHorizon, cfg.Business.SweepBatchSize, lister.horizon, lister.limit)
	}
}

func TestSweepOnceReturnsListError(t *testing.T) {
	lister := &stubLister{err: errors.New("db down")}
	sweep := NewPendingSweepJob(config.Default(), lister, &recordingSubmitter{})

	if _, err := sweep.SweepOnce(context.Background()); err == nil {
		t.Fatal("expected list error")
	}
}

func TestPendingSweepStartStops(t *testing.T) {
	cfg := config.Default()
	cfg.Business.SweepInterval = 5 * time.Millisecond
	submitter := &recordingSubmitter{}
	sweep := NewPendingSweepJob(cfg, &stubLister{}, submitter)

	done := make(chan struct{})
	go func() {
		sweep.Start(context.Background())
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	sweep.Stop()
	sweep.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep did not stop")
	}
}

type stubExpirer struct {
	calls int
	limit int
	n     int
	err   error
}

func (s *stubExpirer) ExpireDue(ctx context.Context, limit int) (int, error) {
	s.calls++
	s.limit = limit
	return s.n, s.err
}

func TestCardExpiryRunOnce(t *testing.T) {
	expirer := &stubExpirer{n: 3}
	job := NewCardExpiryJob(config.Default(), expirer)

	if got := job.RunOnce(context.Background()); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	if expirer.limit != 100 {
		t.Fatalf("expected batch size 100, got %d", expirer.limit)
	}

	expirer.err = errors.New("db down")
	if got := job.RunOnce(context.Background()); got != 0 {
		t.Fatalf("expected 0 on error, got %d", got)
	}
}

func TestCardExpiryStopsOnContextCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Business.ExpiryInterval = time.Millisecond
	job := NewCardExpiryJob(cfg, &stubExpirer{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expiry job did not stop")
	}
}
