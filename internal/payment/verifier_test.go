package payment

import (
	"context"
	"errors"
	"testing"

	"rfidpay/internal/model"
)

func TestRegistryDefaultsAcceptEveryMode(t *testing.T) {
	r := NewRegistry()
	for _, mode := range []string{
		model.PaymentModeCash,
		model.PaymentModeCard,
		model.PaymentModeBankTransfer,
		model.PaymentModeMobileMoney,
	} {
		ok, err := r.Verify(context.Background(), &model.Recharge{PaymentMode: mode})
		if err != nil || !ok {
			t.Fatalf("mode %s: expected accepted, got ok=%v err=%v", mode, ok, err)
		}
	}
}

func TestRegistryOverridesMode(t *testing.T) {
	r := NewRegistry()
	r.Register(model.PaymentModeMobileMoney, VerifierFunc(func(ctx context.Context, rc *model.Recharge) (bool, error) {
		return rc.PaymentReference == "MM-OK", nil
	}))

	ok, _ := r.Verify(context.Background(), &model.Recharge{PaymentMode: model.PaymentModeMobileMoney, PaymentReference: "MM-KO"})
	if ok {
		t.Fatal("expected override to reject unknown reference")
	}
	ok, _ = r.Verify(context.Background(), &model.Recharge{PaymentMode: model.PaymentModeMobileMoney, PaymentReference: "MM-OK"})
	if !ok {
		t.Fatal("expected override to accept known reference")
	}
	ok, _ = r.Verify(context.Background(), &model.Recharge{PaymentMode: model.PaymentModeCash})
	if !ok {
		t.Fatal("other modes should keep the default verifier")
	}
}

func TestRegistryUnknownMode(t *testing.T) {
	_, err := NewRegistry().Verify(context.Background(), &model.Recharge{PaymentMode: "CHEQUE"})
	if !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("expected ErrUnsupportedMode, got %v", err)
	}
}
