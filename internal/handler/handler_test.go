package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rfidpay/internal/config"
	"rfidpay/internal/infrastructure/lock"
	"rfidpay/internal/model"
	"rfidpay/internal/payment"
	"rfidpay/internal/service"
	"rfidpay/internal/testutil"
	"rfidpay/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type nopNotifier struct{}

func (nopNotifier) Notify(ctx context.Context, n service.Notification) error { return nil }

// syncSubmitter 在请求内同步完成结算和充值确认
type syncSubmitter struct {
	settlement *service.SettlementService
	recharges  *service.RechargeService
}

func (s *syncSubmitter) SubmitTransaction(ctx context.Context, id string) error {
	_, err := s.settlement.Settle(ctx, id)
	return err
}

func (s *syncSubmitter) SubmitRecharge(ctx context.Context, id string) error {
	_, err := s.recharges.Confirm(ctx, id)
	return err
}

type stubLimiter struct {
	allowed bool
	err     error
}

func (l stubLimiter) Allow(ctx context.Context, subject string) (bool, error) {
	return l.allowed, l.err
}

type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	db         *gorm.DB
	router     *gin.Engine
	settlement *service.SettlementService
	recharges  *service.RechargeService
}

func newTestServer(t *testing.T, limiter Limiter) *testServer {
	t.Helper()
	db := testutil.NewDB(t)
	cfg := config.Default()
	cfg.Server.Mode = gin.TestMode

	locker := lock.NewMemoryLocker(5 * time.Second)
	audit := service.NewDBAuditSink(db, cfg.Kafka.Topic.Audit)
	cards := service.NewCardService(db, cfg, locker, nopNotifier{}, audit)
	settlement := service.NewSettlementService(db, cfg, locker, cards, nopNotifier{}, audit)
	submitter := &syncSubmitter{settlement: settlement}
	recharges := service.NewRechargeService(db, cfg, payment.NewRegistry(), submitter, audit)
	submitter.recharges = recharges

	h := NewHandler(cards, settlement, recharges, submitter)
	return &testServer{
		db:         db,
		router:     SetupRouter(h, limiter, cfg),
		settlement: settlement,
		recharges:  recharges,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (int, apiResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderActorID, "agent-1")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp apiResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return w.Code, resp
}

func decodeData(t *testing.T, resp apiResponse, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(resp.Data, v); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func TestCardLifecycleAndPurchase(t *testing.T) {
	srv := newTestServer(t, nil)

	_, resp := srv.do(t, http.MethodPost, "/api/v1/cards", map[string]interface{}{
		"uid":             "04:AA:BB:CC",
		"person_id":       "person-1",
		"maximum_balance": "50000",
	})
	if resp.Code != response.CodeSuccess {
		t.Fatalf("issue card: %d %s", resp.Code, resp.Message)
	}
	var card model.Card
	decodeData(t, resp, &card)
	if card.Status != model.CardStatusInactive {
		t.Fatalf("expected INACTIVE, got %s", card.Status)
	}

	if _, resp = srv.do(t, http.MethodPost, "/api/v1/cards/"+card.ID+"/activate", nil); resp.Code != response.CodeSuccess {
		t.Fatalf("activate: %d %s", resp.Code, resp.Message)
	}

	_, resp = srv.do(t, http.MethodPost, "/api/v1/rechargements", map[string]interface{}{
		"card_id":      card.ID,
		"amount":       "1000",
		"payment_mode": model.PaymentModeCash,
	})
	if resp.Code != response.CodeSuccess {
		t.Fatalf("recharge: %d %s", resp.Code, resp.Message)
	}

	_, resp = srv.do(t, http.MethodPost, "/api/v1/transactions", map[string]interface{}{
		"card_id":       card.ID,
		"type":          model.TransactionTypePurchase,
		"amount":        "250.75",
		"merchant_name": "Shoprite",
	})
	if resp.Code != response.CodeSuccess {
		t.Fatalf("create transaction: %d %s", resp.Code, resp.Message)
	}
	var created struct {
		TransactionID string `json:"transaction_id"`
	}
	decodeData(t, resp, &created)

	_, resp = srv.do(t, http.MethodGet, "/api/v1/transactions/"+created.TransactionID, nil)
	var trans model.Transaction
	decodeData(t, resp, &trans)
	if trans.Status != model.TransactionStatusSettled {
		t.Fatalf("expected SETTLED, got %s", trans.Status)
	}

	_, resp = srv.do(t, http.MethodGet, "/api/v1/cards/"+card.ID, nil)
	decodeData(t, resp, &card)
	if !card.Balance.Equal(decimal.RequireFromString("749.25")) {
		t.Fatalf("expected balance 749.25, got %s", card.Balance)
	}

	_, resp = srv.do(t, http.MethodGet, "/api/v1/cards/"+card.ID+"/transactions", nil)
	var page struct {
		Total int64 `json:"total"`
	}
	decodeData(t, resp, &page)
	if page.Total != 2 {
		t.Fatalf("expected 2 transactions, got %d", page.Total)
	}

	_, resp = srv.do(t, http.MethodGet, "/api/v1/cards/"+card.ID+"/status-history", nil)
	var history struct {
		List []model.StatusChangeRecord `json:"list"`
	}
	decodeData(t, resp, &history)
	if len(history.List) != 1 || history.List[0].Actor != "agent-1" {
		t.Fatalf("expected one history record by agent-1, got %+v", history.List)
	}
}

func TestCreateTransactionRejectsBadAmount(t *testing.T) {
	srv := newTestServer(t, nil)
	card := testutil.CreateCard(t, srv.db, testutil.WithBalance("100"))

	for _, amount := range []string{"10.001", "0", "-5", "abc"} {
		_, resp := srv.do(t, http.MethodPost, "/api/v1/transactions", map[string]interface{}{
			"card_id": card.ID,
			"type":    model.TransactionTypePurchase,
			"amount":  amount,
		})
		if resp.Code != response.CodeParamError {
			t.Fatalf("amount %q: expected %d, got %d (%s)", amount, response.CodeParamError, resp.Code, resp.Message)
		}
	}

	var count int64
	srv.db.Model(&model.Transaction{}).Count(&count)
	if count != 0 {
		t.Fatalf("invalid requests must not create transactions, got %d", count)
	}
}

func TestBlockTwiceReturnsAlreadyInState(t *testing.T) {
	srv := newTestServer(t, nil)
	card := testutil.CreateCard(t, srv.db)

	_, resp := srv.do(t, http.MethodPost, "/api/v1/cards/"+card.ID+"/block", map[string]string{"reason": "lost wallet"})
	if resp.Code != response.CodeSuccess {
		t.Fatalf("block: %d %s", resp.Code, resp.Message)
	}
	_, resp = srv.do(t, http.MethodPost, "/api/v1/cards/"+card.ID+"/block", nil)
	if resp.Code != response.CodeAlreadyInState {
		t.Fatalf("expected %d, got %d", response.CodeAlreadyInState, resp.Code)
	}

	stolen := testutil.CreateCard(t, srv.db, testutil.WithStatus(model.CardStatusStolen))
	_, resp = srv.do(t, http.MethodPost, "/api/v1/cards/"+stolen.ID+"/unblock", nil)
	if resp.Code != response.CodeCardStatusInvalid {
		t.Fatalf("expected %d, got %d", response.CodeCardStatusInvalid, resp.Code)
	}
}

func TestUnknownResourcesReturnNotFoundCodes(t *testing.T) {
	srv := newTestServer(t, nil)

	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/api/v1/cards/missing", response.CodeCardNotFound},
		{http.MethodPost, "/api/v1/cards/missing/block", response.CodeCardNotFound},
		{http.MethodGet, "/api/v1/transactions/missing", response.CodeTransactionNotFound},
		{http.MethodGet, "/api/v1/rechargements/missing", response.CodeRechargeNotFound},
	}
	for _, tc := range cases {
		if _, resp := srv.do(t, tc.method, tc.path, nil); resp.Code != tc.want {
			t.Fatalf("%s %s: expected %d, got %d", tc.method, tc.path, tc.want, resp.Code)
		}
	}
}

func TestCancelSettledTransaction(t *testing.T) {
	srv := newTestServer(t, nil)
	card := testutil.CreateCard(t, srv.db, testutil.WithBalance("100"))

	_, resp := srv.do(t, http.MethodPost, "/api/v1/transactions", map[string]interface{}{
		"card_id": card.ID,
		"type":    model.TransactionTypeWithdrawal,
		"amount":  "20",
	})
	var created struct {
		TransactionID string `json:"transaction_id"`
	}
	decodeData(t, resp, &created)

	_, resp = srv.do(t, http.MethodPost, "/api/v1/transactions/"+created.TransactionID+"/cancel", nil)
	if resp.Code != response.CodeAlreadyProcessed {
		t.Fatalf("expected %d, got %d", response.CodeAlreadyProcessed, resp.Code)
	}
	_, resp = srv.do(t, http.MethodPost, "/api/v1/transactions/"+created.TransactionID+"/reprocess", nil)
	if resp.Code != response.CodeAlreadyProcessed {
		t.Fatalf("expected %d on reprocess, got %d", response.CodeAlreadyProcessed, resp.Code)
	}

	pending := testutil.CreateTransaction(t, srv.db, card.ID, model.TransactionTypePurchase, "5")
	_, resp = srv.do(t, http.MethodPost, "/api/v1/transactions/"+pending.ID+"/cancel", nil)
	if resp.Code != response.CodeSuccess {
		t.Fatalf("cancel pending: %d %s", resp.Code, resp.Message)
	}
}

func TestAssignOwnerTwice(t *testing.T) {
	srv := newTestServer(t, nil)
	card := testutil.CreateCard(t, srv.db)

	_, resp := srv.do(t, http.MethodPost, "/api/v1/cards/"+card.ID+"/assign", map[string]string{"organization_id": "org-1"})
	if resp.Code != response.CodeSuccess {
		t.Fatalf("assign: %d %s", resp.Code, resp.Message)
	}
	_, resp = srv.do(t, http.MethodPost, "/api/v1/cards/"+card.ID+"/assign", map[string]string{"person_id": "p-2"})
	if resp.Code != response.CodeCardAlreadyAssigned {
		t.Fatalf("expected %d, got %d", response.CodeCardAlreadyAssigned, resp.Code)
	}
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, stubLimiter{allowed: false})

	code, resp := srv.do(t, http.MethodGet, "/api/v1/cards/any", nil)
	if code != http.StatusTooManyRequests || resp.Code != response.CodeTooManyRequests {
		t.Fatalf("expected 429, got %d/%d", code, resp.Code)
	}

	// 健康检查不限流
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", w.Code)
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	srv := newTestServer(t, stubLimiter{err: errors.New("redis down")})

	if _, resp := srv.do(t, http.MethodGet, "/api/v1/cards/missing", nil); resp.Code != response.CodeCardNotFound {
		t.Fatalf("expected request to pass through, got %d", resp.Code)
	}
}

func TestSystemErrorDetailsAreNotExposed(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()
	card := testutil.CreateCard(t, srv.db, testutil.WithBalance("100"))
	cause := errors.New("更新卡片余额失败: dial tcp 10.0.3.7:3306: connect: connection refused")
	const leaked = "10.0.3.7"

	pending := testutil.CreateTransaction(t, srv.db, card.ID, model.TransactionTypePurchase, "10")
	if _, err := srv.settlement.ForceFail(ctx, pending.ID, cause); err != nil {
		t.Fatalf("force fail: %v", err)
	}

	paths := []string{
		"/api/v1/transactions/" + pending.ID,
		"/api/v1/transactions/reference/" + pending.Reference,
		"/api/v1/transactions/" + pending.ID + "/audit",
		"/api/v1/cards/" + card.ID + "/transactions",
	}
	for _, path := range paths {
		_, resp := srv.do(t, http.MethodGet, path, nil)
		if resp.Code != response.CodeSuccess {
			t.Fatalf("%s: %d %s", path, resp.Code, resp.Message)
		}
		if strings.Contains(string(resp.Data), leaked) {
			t.Fatalf("%s exposes the storage error: %s", path, resp.Data)
		}
	}

	_, resp := srv.do(t, http.MethodGet, "/api/v1/transactions/"+pending.ID, nil)
	var trans model.Transaction
	decodeData(t, resp, &trans)
	if trans.ErrorCode == nil || *trans.ErrorCode != model.ErrorCodeSystemError {
		t.Fatalf("expected SYSTEM_ERROR code, got %v", trans.ErrorCode)
	}
	if trans.ErrorMessage == nil || *trans.ErrorMessage != model.SystemErrorMessage {
		t.Fatalf("expected generic message, got %v", trans.ErrorMessage)
	}

	// 原始错误仍保留在库中
	if stored := testutil.ReloadTransaction(t, srv.db, pending.ID); *stored.ErrorMessage != cause.Error() {
		t.Fatalf("expected raw cause to be stored, got %q", *stored.ErrorMessage)
	}

	recharge, err := srv.recharges.Create(ctx, &service.CreateRechargeRequest{
		CardID: card.ID, Amount: decimal.NewFromInt(50), PaymentMode: model.PaymentModeCash,
	})
	if err != nil {
		t.Fatalf("create recharge: %v", err)
	}
	if _, err := srv.recharges.Fail(ctx, recharge.ID, model.ErrorCodeSystemError+": "+cause.Error()); err != nil {
		t.Fatalf("fail recharge: %v", err)
	}
	_, resp = srv.do(t, http.MethodGet, "/api/v1/rechargements/"+recharge.ID, nil)
	if strings.Contains(string(resp.Data), leaked) {
		t.Fatalf("recharge exposes the storage error: %s", resp.Data)
	}
	var got model.Recharge
	decodeData(t, resp, &got)
	if got.Status != model.RechargeStatusFailed || !strings.HasPrefix(got.FailureReason, model.ErrorCodeSystemError) {
		t.Fatalf("expected FAILED with SYSTEM_ERROR reason, got %s/%q", got.Status, got.FailureReason)
	}
}
