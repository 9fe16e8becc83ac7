package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"rfidpay/internal/model"
	"rfidpay/internal/testutil"

	"github.com/shopspring/decimal"
)

func TestAdjustBalanceRequiresExpectedPrior(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewCardRepository(db)
	card := testutil.CreateCard(t, db, testutil.WithBalance("100"))
	ctx := context.Background()

	err := repo.AdjustBalance(ctx, nil, card.ID, decimal.NewFromInt(90), decimal.NewFromInt(80), time.Now())
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}

	if err := repo.AdjustBalance(ctx, nil, card.ID, decimal.NewFromInt(100), decimal.RequireFromString("75.50"), time.Now()); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	got := testutil.ReloadCard(t, db, card.ID)
	if !got.Balance.Equal(decimal.RequireFromString("75.50")) || got.TransactionCount != 1 || got.Version != 1 || got.LastUsedAt == nil {
		t.Fatalf("unexpected card after adjust: balance=%s count=%d version=%d", got.Balance, got.TransactionCount, got.Version)
	}
}

func TestUpdateStatusIsConditional(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewCardRepository(db)
	card := testutil.CreateCard(t, db)
	ctx := context.Background()

	err := repo.UpdateStatus(ctx, nil, card.ID, model.CardStatusInactive, model.CardStatusBlocked, time.Now(), nil)
	if !errors.Is(err, ErrCardStatusChanged) {
		t.Fatalf("expected ErrCardStatusChanged, got %v", err)
	}

	err = repo.UpdateStatus(ctx, nil, card.ID, model.CardStatusActive, model.CardStatusBlocked, time.Now(),
		map[string]interface{}{"block_reason": "fraud"})
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	got := testutil.ReloadCard(t, db, card.ID)
	if got.Status != model.CardStatusBlocked || got.BlockReason != "fraud" {
		t.Fatalf("unexpected card: %s/%s", got.Status, got.BlockReason)
	}
}

func TestAssignOwnerOnlyOnce(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewCardRepository(db)
	card := testutil.CreateCard(t, db)
	ctx := context.Background()
	person, org := "p-1", "o-1"

	if err := repo.AssignOwner(ctx, nil, card.ID, &person, nil); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := repo.AssignOwner(ctx, nil, card.ID, nil, &org); !errors.Is(err, ErrCardAlreadyAssigned) {
		t.Fatalf("expected ErrCardAlreadyAssigned, got %v", err)
	}
}

func TestGetExpiredCards(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewCardRepository(db)
	past := time.Now().Add(-time.Minute)

	due := testutil.CreateCard(t, db, testutil.WithExpiresAt(past))
	testutil.CreateCard(t, db, testutil.WithExpiresAt(past), testutil.WithStatus(model.CardStatusExpired))
	testutil.CreateCard(t, db, testutil.WithExpiresAt(past), testutil.WithStatus(model.CardStatusStolen))
	testutil.CreateCard(t, db)

	cards, err := repo.GetExpiredCards(context.Background(), time.Now(), 10)
	if err != nil {
		t.Fatalf("get expired: %v", err)
	}
	if len(cards) != 1 || cards[0].ID != due.ID {
		t.Fatalf("expected only the due card, got %d", len(cards))
	}
}

func TestGetByIDNotFound(t *testing.T) {
	db := testutil.NewDB(t)
	if _, err := NewCardRepository(db).GetByID(context.Background(), "missing"); !errors.Is(err, ErrCardNotFound) {
		t.Fatalf("expected ErrCardNotFound, got %v", err)
	}
}
