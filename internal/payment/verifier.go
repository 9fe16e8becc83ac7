package payment

import (
	"context"
	"errors"
	"sync"

	"rfidpay/internal/model"
)

var ErrUnsupportedMode = errors.New("不支持的支付方式")

// Verifier 向外部支付渠道确认一笔充值款项是否到账
//
// 必须幂等且不产生副作用：重试时可能被多次调用。
// 返回 false 表示款项确认未到账（终态），返回 error 表示渠道暂时不可用（可重试）
type Verifier interface {
	Verify(ctx context.Context, recharge *model.Recharge) (bool, error)
}

// VerifierFunc 把普通函数适配为 Verifier
type VerifierFunc func(ctx context.Context, recharge *model.Recharge) (bool, error)

func (f VerifierFunc) Verify(ctx context.Context, recharge *model.Recharge) (bool, error) {
	return f(ctx, recharge)
}

// AcceptAll 未接入真实渠道时的默认实现
var AcceptAll = VerifierFunc(func(ctx context.Context, recharge *model.Recharge) (bool, error) {
	return true, nil
})

// Registry 按支付方式选择 Verifier
type Registry struct {
	mu        sync.RWMutex
	verifiers map[string]Verifier
}

// NewRegistry 四种支付方式默认都使用 AcceptAll，接入渠道后通过 Register 替换
func NewRegistry() *Registry {
	r := &Registry{verifiers: make(map[string]Verifier)}
	for _, mode := range []string{
		model.PaymentModeCash,
		model.PaymentModeCard,
		model.PaymentModeBankTransfer,
		model.PaymentModeMobileMoney,
	} {
		r.verifiers[mode] = AcceptAll
	}
	return r
}

func (r *Registry) Register(mode string, v Verifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifiers[mode] = v
}

// Verify 调用对应支付方式的 Verifier
func (r *Registry) Verify(ctx context.Context, recharge *model.Recharge) (bool, error) {
	r.mu.RLock()
	v, ok := r.verifiers[recharge.PaymentMode]
	r.mu.RUnlock()
	if !ok {
		return false, ErrUnsupportedMode
	}
	return v.Verify(ctx, recharge)
}
