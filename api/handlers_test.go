/*
handlers_test.go - HTTP tests for the API handlers

Tests run the full router against billing.Service on the in-memory store
with a fixed clock (2024-03-15 10:00 UTC). The payment gateway and the
webhook verifier are fakes.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fee-ledger/billing"
	"github.com/warp/fee-ledger/ledger"
	memstore "github.com/warp/fee-ledger/ledger/store"
	"go.uber.org/zap"
)

// =============================================================================
// TEST ENVIRONMENT
// =============================================================================

var testNow = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu sync.Mutex
	n  int
}

func (g *fakeGateway) Name() string { return ledger.GatewayStripe }

func (g *fakeGateway) CreatePaymentIntent(_ context.Context, req billing.IntentRequest) (*billing.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	id := fmt.Sprintf("pi_test_%d", g.n)
	return &billing.Intent{ID: id, ClientSecret: id + "_secret", Status: "requires_payment_method"}, nil
}

// fakeWebhooks accepts signature "valid" and decodes the body as a callback.
type fakeWebhooks struct{}

func (fakeWebhooks) ParseWebhook(payload []byte, signature string) (*billing.GatewayCallback, error) {
	if signature != "valid" {
		return nil, errors.New("invalid webhook signature")
	}
	var body struct {
		Intent  string `json:"intent"`
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, err
	}
	if body.Status == "" {
		return nil, nil
	}
	return &billing.GatewayCallback{
		PaymentIntentID: body.Intent,
		Status:          ledger.GatewayStatus(body.Status),
		ErrorMessage:    body.Message,
	}, nil
}

type testEnv struct {
	t        *testing.T
	svc      *billing.Service
	clock    *ledger.FixedClock
	router   http.Handler
	registry *prometheus.Registry
}

type envOption func(*envConfig)

type envConfig struct {
	gateway bool
	demo    bool
}

func withGateway() envOption { return func(c *envConfig) { c.gateway = true } }
func withDemo() envOption    { return func(c *envConfig) { c.demo = true } }

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	var cfg envConfig
	for _, o := range opts {
		o(&cfg)
	}

	clock := ledger.NewFixedClock(testNow)
	svcOpts := []billing.Option{billing.WithClock(clock), billing.WithLogger(zap.NewNop())}
	var webhooks WebhookParser
	if cfg.gateway {
		svcOpts = append(svcOpts, billing.WithGateway(&fakeGateway{}))
		webhooks = fakeWebhooks{}
	}
	svc, err := billing.NewService(memstore.NewMemory(), billing.DefaultConfig(), svcOpts...)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	h := NewHandler(svc, webhooks, zap.NewNop())
	router := NewRouter(h, RouterOptions{Registry: reg, Demo: cfg.demo})
	return &testEnv{t: t, svc: svc, clock: clock, router: router, registry: reg}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(e.t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

// createPlan posts a plan and returns the decoded response.
func (e *testEnv) createPlan(student int64, total string, n int, firstDue string) PlanResponse {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/api/plans", CreatePlanRequest{
		StudentID:            student,
		TotalAmount:          total,
		NumberOfInstallments: n,
		FirstDueDate:         firstDue,
	})
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeAs[PlanResponse](e.t, rec)
}

func (e *testEnv) pay(instID int64, amount, ref string) *httptest.ResponseRecorder {
	e.t.Helper()
	return e.do(http.MethodPost, fmt.Sprintf("/api/installments/%d/pay", instID), PayInstallmentRequest{
		Amount:        amount,
		PaymentMethod: "cash",
		Reference:     ref,
		PaidBy:        "front-desk",
	})
}

// =============================================================================
// PLANS
// =============================================================================

func TestCreatePlan_SplitsEvenlyWithRemainderLast(t *testing.T) {
	env := newTestEnv(t)

	// WHEN: 1000.00 is split into 3
	plan := env.createPlan(42, "1000.00", 3, "2024-04-01")

	// THEN: the last installment absorbs the remainder
	assert.Equal(t, "active", plan.Plan.Status)
	assert.Equal(t, "1000.00", plan.Plan.TotalAmount)
	assert.Equal(t, "0.00", plan.Plan.PaidAmount)
	assert.Equal(t, "1000.00", plan.Plan.BalanceAmount)
	require.Len(t, plan.Installments, 3)
	assert.Equal(t, "333.33", plan.Installments[0].Amount)
	assert.Equal(t, "333.33", plan.Installments[1].Amount)
	assert.Equal(t, "333.34", plan.Installments[2].Amount)
	assert.Equal(t, "2024-04-01", plan.Installments[0].DueDate)
	assert.Equal(t, "2024-05-01", plan.Installments[1].DueDate)
	assert.Equal(t, "2024-06-01", plan.Installments[2].DueDate)
	for i, inst := range plan.Installments {
		assert.Equal(t, i+1, inst.InstallmentNumber)
		assert.Equal(t, "pending", inst.Status)
	}
}

func TestCreatePlan_Rejections(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name  string
		body  any
		field string
	}{
		{"missing student", map[string]any{"total_amount": "100.00", "number_of_installments": 2}, "student_id"},
		{"zero installments", map[string]any{"student_id": 1, "total_amount": "100.00", "number_of_installments": 0}, "number_of_installments"},
		{"too many installments", map[string]any{"student_id": 1, "total_amount": "100.00", "number_of_installments": 101}, "number_of_installments"},
		{"non-numeric amount", map[string]any{"student_id": 1, "total_amount": "lots", "number_of_installments": 2}, "total_amount"},
		{"bad due date", map[string]any{"student_id": 1, "total_amount": "100.00", "number_of_installments": 2, "first_due_date": "01/04/2024"}, "first_due_date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/plans", tt.body)

			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			resp := decodeAs[ErrorResponse](t, rec)
			require.NotEmpty(t, resp.Fields)
			assert.Equal(t, tt.field, resp.Fields[0].Field)
		})
	}

	t.Run("ledger rules", func(t *testing.T) {
		for _, body := range []string{
			`{"student_id":1,"total_amount":"100.001","number_of_installments":2}`,
			`{"student_id":1,"total_amount":"-5.00","number_of_installments":2}`,
			`{"student_id":1,"total_amount":"0.00","number_of_installments":2}`,
		} {
			rec := env.do(http.MethodPost, "/api/plans", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		rec := env.do(http.MethodPost, "/api/plans", `{"student_id":1,"total_amount":"10.00","number_of_installments":1,"discount":5}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetPlan(t *testing.T) {
	env := newTestEnv(t)
	created := env.createPlan(7, "900.00", 3, "2024-01-01")

	// WHEN: fetched on 2024-03-15
	rec := env.do(http.MethodGet, fmt.Sprintf("/api/plans/%d", created.Plan.ID), nil)

	// THEN: every installment is classified against the service clock
	require.Equal(t, http.StatusOK, rec.Code)
	plan := decodeAs[PlanResponse](t, rec)
	require.NotNil(t, plan.OverdueCount)
	assert.Equal(t, 3, *plan.OverdueCount)
	assert.Equal(t, "900.00", *plan.OverdueAmount)
	assert.True(t, *plan.DefaultEligible)
	assert.Equal(t, 74, *plan.Installments[0].DaysOverdue)
	assert.True(t, *plan.Installments[2].Overdue)

	t.Run("not found", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/plans/999", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
	t.Run("bad id", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/plans/abc", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestListPlans_Filters(t *testing.T) {
	env := newTestEnv(t)
	a := env.createPlan(1, "100.00", 1, "2024-04-01")
	env.createPlan(2, "100.00", 1, "2024-04-01")
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, fmt.Sprintf("/api/plans/%d/suspend", a.Plan.ID), nil).Code)

	all := decodeAs[[]PlanResponse](t, env.do(http.MethodGet, "/api/plans", nil))
	assert.Len(t, all, 2)

	byStudent := decodeAs[[]PlanResponse](t, env.do(http.MethodGet, "/api/plans?student_id=2", nil))
	require.Len(t, byStudent, 1)
	assert.Equal(t, int64(2), byStudent[0].Plan.StudentID)

	suspended := decodeAs[[]PlanResponse](t, env.do(http.MethodGet, "/api/plans?status=suspended", nil))
	require.Len(t, suspended, 1)
	assert.Equal(t, a.Plan.ID, suspended[0].Plan.ID)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/plans?status=frozen", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/plans?student_id=x", nil).Code)
}

func TestPlanTransitions(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(3, "200.00", 2, "2024-04-01")
	base := fmt.Sprintf("/api/plans/%d", plan.Plan.ID)

	// Suspend with a reason
	rec := env.do(http.MethodPost, base+"/suspend", PlanActionRequest{Reason: "waiver review"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeAs[PlanResponse](t, rec)
	assert.Equal(t, "suspended", got.Plan.Status)
	assert.Equal(t, "waiver review", got.Plan.StatusReason)

	// Payments are refused while suspended
	rec = env.pay(plan.Installments[0].ID, "100.00", "slip-1")
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Resume, then cancel
	rec = env.do(http.MethodPost, base+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", decodeAs[PlanResponse](t, rec).Plan.Status)

	rec = env.do(http.MethodPost, base+"/cancel", PlanActionRequest{Reason: "dropped out"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decodeAs[PlanResponse](t, rec).Plan.Status)

	// Cancelled is terminal
	rec = env.do(http.MethodPost, base+"/resume", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(http.MethodPost, base+"/suspend", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// MANUAL PAYMENTS
// =============================================================================

func TestPayInstallment(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(5, "1000.00", 3, "2024-04-01")
	inst := plan.Installments[0]

	// WHEN: the first installment is paid in full
	rec := env.pay(inst.ID, "333.33", "slip-100")

	// THEN: receipt, transaction and recomputed plan come back
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeAs[PaymentResponse](t, rec)
	assert.False(t, res.Replayed)
	assert.Equal(t, "RCP-2024-000001", res.Receipt.ReceiptNumber)
	assert.Equal(t, "333.33", res.Receipt.Amount)
	assert.Equal(t, "cash", res.Receipt.PaymentMethod)
	assert.Equal(t, "payment", res.Transaction.Type)
	assert.Equal(t, "manual:slip-100", res.Transaction.IdempotencyKey)
	assert.Equal(t, "paid", res.Installment.Status)
	require.NotNil(t, res.Installment.ReceiptID)
	assert.Equal(t, res.Receipt.ID, *res.Installment.ReceiptID)
	assert.Equal(t, "333.33", res.Plan.PaidAmount)
	assert.Equal(t, "666.67", res.Plan.BalanceAmount)

	t.Run("resubmitted reference replays", func(t *testing.T) {
		rec := env.pay(inst.ID, "333.33", "slip-100")

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		again := decodeAs[PaymentResponse](t, rec)
		assert.True(t, again.Replayed)
		assert.Equal(t, res.Receipt.ReceiptNumber, again.Receipt.ReceiptNumber)
		assert.Equal(t, res.Transaction.ID, again.Transaction.ID)

		txs := decodeAs[[]TransactionDTO](t, env.do(http.MethodGet, "/api/transactions", nil))
		assert.Len(t, txs, 1)
	})

	t.Run("different reference on a paid installment conflicts", func(t *testing.T) {
		rec := env.pay(inst.ID, "333.33", "slip-101")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("wrong amount", func(t *testing.T) {
		rec := env.pay(plan.Installments[1].ID, "300.00", "slip-102")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("unknown installment", func(t *testing.T) {
		rec := env.pay(999, "10.00", "slip-103")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("gateway method is not manual", func(t *testing.T) {
		rec := env.do(http.MethodPost, fmt.Sprintf("/api/installments/%d/pay", plan.Installments[1].ID), PayInstallmentRequest{
			Amount: "333.33", PaymentMethod: "stripe",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("receipt lookup", func(t *testing.T) {
		rec := env.do(http.MethodGet, fmt.Sprintf("/api/receipts/%d", res.Receipt.ID), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, res.Receipt, decodeAs[ReceiptDTO](t, rec))

		assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/receipts/999", nil).Code)
	})
}

func TestPayInstallment_CompletesPlan(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(6, "100.01", 2, "2024-04-01")

	require.Equal(t, http.StatusCreated, env.pay(plan.Installments[0].ID, plan.Installments[0].Amount, "a").Code)
	rec := env.pay(plan.Installments[1].ID, plan.Installments[1].Amount, "b")

	require.Equal(t, http.StatusCreated, rec.Code)
	res := decodeAs[PaymentResponse](t, rec)
	assert.Equal(t, "completed", res.Plan.Status)
	assert.Equal(t, "100.01", res.Plan.PaidAmount)
	assert.Equal(t, "0.00", res.Plan.BalanceAmount)
}

func TestListTransactions_Filters(t *testing.T) {
	env := newTestEnv(t)
	p1 := env.createPlan(10, "50.00", 1, "2024-04-01")
	p2 := env.createPlan(11, "60.00", 1, "2024-04-01")
	require.Equal(t, http.StatusCreated, env.pay(p1.Installments[0].ID, "50.00", "t1").Code)
	require.Equal(t, http.StatusCreated, env.pay(p2.Installments[0].ID, "60.00", "t2").Code)

	all := decodeAs[[]TransactionDTO](t, env.do(http.MethodGet, "/api/transactions", nil))
	assert.Len(t, all, 2)

	byStudent := decodeAs[[]TransactionDTO](t, env.do(http.MethodGet, "/api/transactions?student_id=11", nil))
	require.Len(t, byStudent, 1)
	assert.Equal(t, "60.00", byStudent[0].Amount)

	byPlan := decodeAs[[]TransactionDTO](t, env.do(http.MethodGet, fmt.Sprintf("/api/transactions?plan_id=%d", p1.Plan.ID), nil))
	require.Len(t, byPlan, 1)

	inWindow := decodeAs[[]TransactionDTO](t, env.do(http.MethodGet, "/api/transactions?from=2024-03-15&to=2024-03-15", nil))
	assert.Len(t, inWindow, 2)
	before := decodeAs[[]TransactionDTO](t, env.do(http.MethodGet, "/api/transactions?to=2024-03-14", nil))
	assert.Empty(t, before)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/transactions?from=yesterday", nil).Code)
}

// =============================================================================
// GATEWAY
// =============================================================================

func TestGatewayPayment_Disabled(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(20, "100.00", 1, "2024-04-01")

	rec := env.do(http.MethodPost, "/api/gateway/payments", CreateGatewayPaymentRequest{
		StudentID: 20, InstallmentID: plan.Installments[0].ID, Amount: "100.00", Currency: "npr",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(http.MethodPost, "/api/webhooks/stripe", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGatewayPayment_CallbackFlow(t *testing.T) {
	env := newTestEnv(t, withGateway())
	plan := env.createPlan(21, "1000.00", 2, "2024-04-01")
	inst := plan.Installments[0]

	// GIVEN: a pending payment intent
	rec := env.do(http.MethodPost, "/api/gateway/payments", CreateGatewayPaymentRequest{
		StudentID: 21, InstallmentID: inst.ID, Amount: "500.00", Currency: "NPR",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	gp := decodeAs[GatewayPaymentDTO](t, rec)
	assert.Equal(t, "pending", gp.Status)
	assert.Equal(t, "pi_test_1", gp.PaymentIntentID)
	assert.Equal(t, "pi_test_1_secret", gp.ClientSecret)

	// The installment is untouched until the callback
	got := decodeAs[PlanResponse](t, env.do(http.MethodGet, fmt.Sprintf("/api/plans/%d", plan.Plan.ID), nil))
	assert.Equal(t, "pending", got.Installments[0].Status)

	webhook := func(body, sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(body))
		req.Header.Set("Stripe-Signature", sig)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		return rec
	}

	// WHEN: the success callback arrives twice
	rec = webhook(`{"intent":"pi_test_1","status":"succeeded"}`, "valid")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "applied", decodeAs[WebhookResponse](t, rec).Outcome)

	rec = webhook(`{"intent":"pi_test_1","status":"succeeded"}`, "valid")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored_terminal", decodeAs[WebhookResponse](t, rec).Outcome)

	// THEN: exactly one payment is on the ledger
	got = decodeAs[PlanResponse](t, env.do(http.MethodGet, fmt.Sprintf("/api/plans/%d", plan.Plan.ID), nil))
	assert.Equal(t, "paid", got.Installments[0].Status)
	assert.Equal(t, "pi_test_1", got.Installments[0].PaymentIntentID)
	txs := decodeAs[[]TransactionDTO](t, env.do(http.MethodGet, "/api/transactions", nil))
	require.Len(t, txs, 1)
	assert.Equal(t, "stripe", txs[0].Gateway)
	assert.Equal(t, "pi_test_1", txs[0].IdempotencyKey)

	t.Run("bad signature", func(t *testing.T) {
		rec := webhook(`{"intent":"pi_test_1","status":"succeeded"}`, "forged")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("ignored event type", func(t *testing.T) {
		rec := webhook(`{"intent":"pi_test_1"}`, "valid")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ignored_event", decodeAs[WebhookResponse](t, rec).Outcome)
	})
	t.Run("unknown intent", func(t *testing.T) {
		rec := webhook(`{"intent":"pi_nope","status":"failed"}`, "valid")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ignored_unknown", decodeAs[WebhookResponse](t, rec).Outcome)
	})
}

func TestGatewayPayment_Rejections(t *testing.T) {
	env := newTestEnv(t, withGateway())
	plan := env.createPlan(22, "100.00", 1, "2024-04-01")
	instID := plan.Installments[0].ID

	tests := []struct {
		name   string
		req    CreateGatewayPaymentRequest
		status int
	}{
		{"wrong currency", CreateGatewayPaymentRequest{StudentID: 22, InstallmentID: instID, Amount: "100.00", Currency: "usd"}, http.StatusBadRequest},
		{"wrong student", CreateGatewayPaymentRequest{StudentID: 99, InstallmentID: instID, Amount: "100.00", Currency: "npr"}, http.StatusBadRequest},
		{"wrong amount", CreateGatewayPaymentRequest{StudentID: 22, InstallmentID: instID, Amount: "99.99", Currency: "npr"}, http.StatusUnprocessableEntity},
		{"unknown installment", CreateGatewayPaymentRequest{StudentID: 22, InstallmentID: 999, Amount: "100.00", Currency: "npr"}, http.StatusNotFound},
		{"bad currency code", CreateGatewayPaymentRequest{StudentID: 22, InstallmentID: instID, Amount: "100.00", Currency: "rupees"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/gateway/payments", tt.req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

// =============================================================================
// REPORTING
// =============================================================================

func TestReporting(t *testing.T) {
	env := newTestEnv(t)

	// GIVEN: one plan 74 days overdue, one current plan half paid
	late := env.createPlan(30, "300.00", 3, "2024-01-01")
	current := env.createPlan(31, "200.00", 2, "2024-03-10")
	require.Equal(t, http.StatusCreated, env.pay(current.Installments[0].ID, "100.00", "r1").Code)

	t.Run("outstanding", func(t *testing.T) {
		items := decodeAs[[]OutstandingDTO](t, env.do(http.MethodGet, "/api/outstanding", nil))
		assert.Len(t, items, 4)
		assert.Equal(t, "2024-01-01", items[0].DueDate)

		overdue := decodeAs[[]OutstandingDTO](t, env.do(http.MethodGet, "/api/outstanding?overdue_only=true", nil))
		assert.Len(t, overdue, 3)
		for _, o := range overdue {
			assert.Equal(t, late.Plan.ID, o.PlanID)
		}

		assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/outstanding?overdue_only=maybe", nil).Code)
	})

	t.Run("defaulters", func(t *testing.T) {
		items := decodeAs[[]DefaulterDTO](t, env.do(http.MethodGet, "/api/defaulters", nil))
		require.Len(t, items, 1)
		assert.Equal(t, late.Plan.ID, items[0].PlanID)
		assert.Equal(t, 74, items[0].OldestDaysOverdue)
		assert.Equal(t, "300.00", items[0].OverdueAmount)

		none := decodeAs[[]DefaulterDTO](t, env.do(http.MethodGet, "/api/defaulters?threshold_days=90", nil))
		assert.Empty(t, none)
	})

	t.Run("financial summary", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/financial-summary?start=2024-03-01&end=2024-03-31", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		s := decodeAs[FinancialSummaryDTO](t, rec)
		assert.Equal(t, "100.00", s.Revenue)
		assert.Equal(t, 1, s.PaymentCount)
		assert.Equal(t, "400.00", s.Outstanding)
		assert.Equal(t, 2, s.PlansByStatus["active"])
		require.Len(t, s.Trend, 1)
		assert.Equal(t, "2024-03", s.Trend[0].Month)

		assert.Equal(t, http.StatusBadRequest,
			env.do(http.MethodGet, "/api/financial-summary?start=2024-04-01&end=2024-03-01", nil).Code)
	})

	t.Run("financial summary defaults to month to date", func(t *testing.T) {
		s := decodeAs[FinancialSummaryDTO](t, env.do(http.MethodGet, "/api/financial-summary", nil))
		assert.Equal(t, "2024-03-01T00:00:00Z", s.Start)
		assert.Equal(t, "2024-03-15T10:00:00Z", s.End)
	})

	t.Run("alerts", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/alerts", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		s := decodeAs[AlertSummaryDTO](t, rec)
		assert.NotEmpty(t, s.Critical)
		assert.Equal(t, s.Total, s.Counts["critical"]+s.Counts["warning"]+s.Counts["info"])
	})

	t.Run("apply defaults", func(t *testing.T) {
		rec := env.do(http.MethodPost, "/api/admin/defaults/apply", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		run := decodeAs[ApplyDefaultsResponse](t, rec)
		assert.Equal(t, 2, run.Checked)
		assert.Equal(t, []int64{late.Plan.ID}, run.Defaulted)

		got := decodeAs[PlanResponse](t, env.do(http.MethodGet, fmt.Sprintf("/api/plans/%d", late.Plan.ID), nil))
		assert.Equal(t, "defaulted", got.Plan.Status)

		// A second scan finds nothing new
		again := decodeAs[ApplyDefaultsResponse](t, env.do(http.MethodPost, "/api/admin/defaults/apply", nil))
		assert.Empty(t, again.Defaulted)
	})
}

// =============================================================================
// INFRASTRUCTURE
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health", nil).Code)
	env.do(http.MethodGet, "/api/plans/12345", nil)

	rec := env.do(http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `ledger_http_requests_total{method="GET",route="/api/plans/{id}",status="404"} 1`)
	assert.NotContains(t, body, "12345")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&ledger.ValidationError{Field: "x", Message: "bad"}, http.StatusBadRequest},
		{&ledger.AmountMismatchError{}, http.StatusUnprocessableEntity},
		{ledger.ErrPlanNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", ledger.ErrInstallmentNotFound), http.StatusNotFound},
		{&ledger.AlreadyPaidError{}, http.StatusConflict},
		{ledger.ErrInvalidTransition, http.StatusConflict},
		{billing.ErrGatewayDisabled, http.StatusServiceUnavailable},
		{&billing.GatewayError{Provider: "stripe", Op: "create", Err: errors.New("boom")}, http.StatusBadGateway},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := statusFor(tt.err)
		assert.Equal(t, tt.status, status, "%v", tt.err)
	}
}
