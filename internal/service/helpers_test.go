package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"rfidpay/internal/config"
	"rfidpay/internal/infrastructure/lock"
	"rfidpay/internal/payment"
	"rfidpay/internal/testutil"

	"gorm.io/gorm"
)

type recordingNotifier struct {
	mu    sync.Mutex
	items []Notification
	err   error
}

func (n *recordingNotifier) Notify(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, notification)
	return n.err
}

func (n *recordingNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.items...)
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *recordingAudit) Record(ctx context.Context, entry AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

// submitFunc 同步提交，测试中直接调用结算
type submitFunc func(ctx context.Context, transactionID string) error

func (f submitFunc) SubmitTransaction(ctx context.Context, transactionID string) error {
	return f(ctx, transactionID)
}

type testEnv struct {
	db         *gorm.DB
	cfg        *config.Config
	notifier   *recordingNotifier
	audit      *recordingAudit
	cards      *CardService
	settlement *SettlementService
	payments   *payment.Registry
	recharges  *RechargeService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithLocker(t, testutil.NewDB(t), lock.NewMemoryLocker(5*time.Second))
}

func newTestEnvWithLocker(t *testing.T, db *gorm.DB, locker lock.Locker) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Business.RetryBaseDelay = time.Millisecond

	notifier := &recordingNotifier{}
	audit := &recordingAudit{}

	cards := NewCardService(db, cfg, locker, notifier, audit)
	settlement := NewSettlementService(db, cfg, locker, cards, notifier, audit)
	payments := payment.NewRegistry()
	recharges := NewRechargeService(db, cfg, payments, submitFunc(func(ctx context.Context, id string) error {
		_, err := settlement.Settle(ctx, id)
		return err
	}), audit)

	return &testEnv{
		db:         db,
		cfg:        cfg,
		notifier:   notifier,
		audit:      audit,
		cards:      cards,
		settlement: settlement,
		payments:   payments,
		recharges:  recharges,
	}
}
