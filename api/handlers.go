/*
handlers.go - HTTP API handlers for the fee ledger

PURPOSE:
  Exposes the billing service via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to billing.Service.

ENDPOINTS:
  Plans:
    POST   /api/plans                     Create payment plan
    GET    /api/plans                     List plans (student_id, course_id, status)
    GET    /api/plans/{id}                Plan with classified installments
    POST   /api/plans/{id}/suspend        Suspend plan
    POST   /api/plans/{id}/resume         Resume suspended plan
    POST   /api/plans/{id}/cancel         Cancel plan

  Payments:
    POST   /api/installments/{id}/pay     Manual payment (cash, esewa, bank, cheque)
    POST   /api/gateway/payments          Create Stripe payment intent
    POST   /api/webhooks/stripe           Stripe webhook delivery
    GET    /api/receipts/{id}             Receipt
    GET    /api/transactions              Transaction log

  Reporting:
    GET    /api/outstanding               Pending installments
    GET    /api/defaulters                Plans past the overdue threshold
    GET    /api/financial-summary         Revenue, collection rate, trend
    GET    /api/alerts                    Categorized alerts

  Admin:
    POST   /api/admin/defaults/apply      Run the default scan now

REQUEST FLOW:
  1. Parse path and query parameters
  2. Decode and validate the body (validator/v10 tags in dto.go)
  3. Call billing.Service
  4. Serialize the DTO
  5. Map errors (errors.go)

IDEMPOTENCY:
  A manual payment's reference becomes its idempotency key. Resubmitting
  the same reference returns the original receipt with replayed=true and
  200 instead of 201.

SECURITY NOTE:
  No authentication middleware. Identity is owned by an upstream gateway.
  The webhook endpoint is authenticated by the Stripe signature only.

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error mapping
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/warp/fee-ledger/billing"
	"github.com/warp/fee-ledger/ledger"
	"go.uber.org/zap"
)

// maxWebhookBytes bounds a webhook body.
const maxWebhookBytes = 65536

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// WebhookParser verifies a gateway delivery and decodes it. A nil callback
// with a nil error means the event is acknowledged and ignored.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*billing.GatewayCallback, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service  *billing.Service
	Webhooks WebhookParser // nil when the gateway is disabled

	validate *validator.Validate
	logger   *zap.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over svc. webhooks may be nil.
func NewHandler(svc *billing.Service, webhooks WebhookParser, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		Service:  svc,
		Webhooks: webhooks,
		validate: v,
		logger:   logger.Named("api"),
	}
}

// decode reads a JSON body into dst and runs its validate tags.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// =============================================================================
// PLAN HANDLERS
// =============================================================================

// CreatePlan builds and persists a new Active plan.
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req CreatePlanRequest
	if !h.decode(w, r, &req) {
		return
	}

	total, err := ledger.ParseMoney(req.TotalAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid total_amount", err)
		return
	}
	preq := ledger.PlanRequest{
		StudentID:            ledger.StudentID(req.StudentID),
		TotalAmount:          total,
		NumberOfInstallments: req.NumberOfInstallments,
		Description:          req.Description,
		CreatedBy:            req.CreatedBy,
	}
	if req.CourseID != nil {
		c := ledger.CourseID(*req.CourseID)
		preq.CourseID = &c
	}
	if req.FirstDueDate != "" {
		d, _ := time.Parse(dateLayout, req.FirstDueDate) // format checked by validator
		preq.FirstDueDate = &d
	}

	pl, err := h.Service.CreatePaymentPlan(r.Context(), preq)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPlanResponse(*pl))
}

// ListPlans returns plans with derived overdue state.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	var filter ledger.PlanFilter
	q := r.URL.Query()

	if v, ok, err := queryInt64(q.Get("student_id")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid student_id", err)
		return
	} else if ok {
		s := ledger.StudentID(v)
		filter.StudentID = &s
	}
	if v, ok, err := queryInt64(q.Get("course_id")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid course_id", err)
		return
	} else if ok {
		c := ledger.CourseID(v)
		filter.CourseID = &c
	}
	statuses, err := parseStatuses(q.Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid status", err)
		return
	}
	filter.Statuses = statuses

	views, err := h.Service.ListPlans(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]PlanResponse, len(views))
	for i, v := range views {
		out[i] = toPlanViewResponse(v)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPlan returns one plan with classified installments.
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	v, err := h.Service.GetPlan(r.Context(), ledger.PlanID(id))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanViewResponse(*v))
}

func (h *Handler) SuspendPlan(w http.ResponseWriter, r *http.Request) {
	h.planAction(w, r, h.Service.SuspendPlan)
}

func (h *Handler) ResumePlan(w http.ResponseWriter, r *http.Request) {
	h.planAction(w, r, h.Service.ResumePlan)
}

func (h *Handler) CancelPlan(w http.ResponseWriter, r *http.Request) {
	h.planAction(w, r, h.Service.CancelPlan)
}

type planTransition func(ctx context.Context, id ledger.PlanID, reason string) (*ledger.PlanLedger, error)

func (h *Handler) planAction(w http.ResponseWriter, r *http.Request, do planTransition) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req PlanActionRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	pl, err := do(r.Context(), ledger.PlanID(id), req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanResponse(*pl))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// PayInstallment applies a manual payment to one installment.
func (h *Handler) PayInstallment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req PayInstallmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := ledger.ParseMoney(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	p := billing.ManualPayment{
		InstallmentID: ledger.InstallmentID(id),
		Amount:        amount,
		Method:        ledger.PaymentMethod(req.PaymentMethod),
		Reference:     req.Reference,
		Remarks:       req.Remarks,
		Actor:         req.PaidBy,
	}
	if req.PaidAt != "" {
		d, _ := time.Parse(dateLayout, req.PaidAt)
		p.PaidAt = &d
	}

	res, err := h.Service.PayInstallment(r.Context(), p)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toPaymentResponse(res))
}

// CreateGatewayPayment registers a Stripe payment intent for an installment.
func (h *Handler) CreateGatewayPayment(w http.ResponseWriter, r *http.Request) {
	var req CreateGatewayPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := ledger.ParseMoney(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	gp, err := h.Service.CreateGatewayPayment(r.Context(), billing.GatewayPaymentRequest{
		StudentID:     ledger.StudentID(req.StudentID),
		InstallmentID: ledger.InstallmentID(req.InstallmentID),
		Amount:        amount,
		Currency:      req.Currency,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toGatewayPaymentDTO(*gp))
}

// StripeWebhook receives payment intent status changes. Any non-2xx makes
// Stripe redeliver, so only verification failures (400) and
// infrastructure failures (500) are errors.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.Webhooks == nil {
		writeError(w, http.StatusServiceUnavailable, "Payment gateway not configured", nil)
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unreadable webhook body", err)
		return
	}

	cb, err := h.Webhooks.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("rejected webhook", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid webhook", err)
		return
	}
	if cb == nil {
		writeJSON(w, http.StatusOK, WebhookResponse{Received: true, Outcome: "ignored_event"})
		return
	}

	res, err := h.Service.HandleGatewayCallback(r.Context(), *cb)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WebhookResponse{Received: true, Outcome: string(res.Outcome)})
}

// GetReceipt returns one receipt.
func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rc, err := h.Service.GetReceipt(r.Context(), ledger.ReceiptID(id))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTO(*rc))
}

// ListTransactions returns the transaction log in insertion order.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	var filter ledger.TransactionFilter
	q := r.URL.Query()

	if v, ok, err := queryInt64(q.Get("student_id")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid student_id", err)
		return
	} else if ok {
		s := ledger.StudentID(v)
		filter.StudentID = &s
	}
	if v, ok, err := queryInt64(q.Get("plan_id")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid plan_id", err)
		return
	} else if ok {
		p := ledger.PlanID(v)
		filter.PlanID = &p
	}
	if t := q.Get("type"); t != "" {
		for _, s := range strings.Split(t, ",") {
			filter.Types = append(filter.Types, ledger.TransactionType(strings.TrimSpace(s)))
		}
	}
	from, err := parseInstant(q.Get("from"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from", err)
		return
	}
	to, err := parseInstant(q.Get("to"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to", err)
		return
	}
	filter.From, filter.To = from, to
	if v, ok, err := queryInt64(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	} else if ok {
		filter.Limit = int(v)
	}

	txs, err := h.Service.ListTransactions(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		out[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// REPORTING HANDLERS
// =============================================================================

// GetOutstanding lists pending installments ordered by due date.
func (h *Handler) GetOutstanding(w http.ResponseWriter, r *http.Request) {
	var filter ledger.OutstandingFilter
	q := r.URL.Query()

	if v, ok, err := queryInt64(q.Get("course_id")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid course_id", err)
		return
	} else if ok {
		c := ledger.CourseID(v)
		filter.CourseID = &c
	}
	if s := q.Get("status"); s != "" {
		st := ledger.PlanStatus(s)
		if !st.IsValid() {
			writeError(w, http.StatusBadRequest, "Invalid status", fmt.Errorf("unknown plan status %q", s))
			return
		}
		filter.Status = &st
	}
	if s := q.Get("overdue_only"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid overdue_only", err)
			return
		}
		filter.OverdueOnly = b
	}

	items, err := h.Service.GetOutstanding(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOutstandingDTOs(items))
}

// GetDefaulters lists plans past threshold_days (configured default if absent).
func (h *Handler) GetDefaulters(w http.ResponseWriter, r *http.Request) {
	threshold, _, err := queryInt64(r.URL.Query().Get("threshold_days"))
	if err != nil || threshold < 0 {
		writeError(w, http.StatusBadRequest, "Invalid threshold_days", err)
		return
	}
	items, err := h.Service.GetDefaulters(r.Context(), int(threshold))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDefaulterDTOs(items))
}

// GetFinancialSummary aggregates over [start, end]. Without parameters the
// window is the current calendar month up to now.
func (h *Handler) GetFinancialSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now := h.Service.Now()
	win := ledger.Window{
		Start: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC),
		End:   now,
	}
	start, err := parseInstant(q.Get("start"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start", err)
		return
	}
	end, err := parseInstant(q.Get("end"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end", err)
		return
	}
	if start != nil {
		win.Start = *start
	}
	if end != nil {
		win.End = *end
	}

	summary, err := h.Service.GetFinancialSummary(r.Context(), win)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFinancialSummaryDTO(summary))
}

// GetAlerts returns alerts grouped by severity.
func (h *Handler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Service.GetAlerts(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAlertSummaryDTO(summary))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ApplyDefaults runs the default scan synchronously.
func (h *Handler) ApplyDefaults(w http.ResponseWriter, r *http.Request) {
	run, err := h.Service.ApplyDefaults(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplyDefaultsResponse(run))
}

func toApplyDefaultsResponse(run *billing.DefaultRun) ApplyDefaultsResponse {
	resp := ApplyDefaultsResponse{RanAt: formatTime(run.RanAt), Checked: run.Checked, Defaulted: []int64{}}
	for _, id := range run.Defaulted {
		resp.Defaulted = append(resp.Defaulted, int64(id))
	}
	return resp
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// pathID parses the {id} URL parameter, writing 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid id", fmt.Errorf("id %q is not a positive integer", raw))
		return 0, false
	}
	return id, true
}

func queryInt64(s string) (int64, bool, error) {
	if s == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func parseStatuses(s string) ([]ledger.PlanStatus, error) {
	if s == "" {
		return nil, nil
	}
	var out []ledger.PlanStatus
	for _, part := range strings.Split(s, ",") {
		st := ledger.PlanStatus(strings.TrimSpace(part))
		if !st.IsValid() {
			return nil, fmt.Errorf("unknown plan status %q", part)
		}
		out = append(out, st)
	}
	return out, nil
}

// parseInstant accepts RFC 3339 or a bare date. A bare date used as an
// upper bound means the end of that day.
func parseInstant(s string, upper bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, errors.New("expected RFC 3339 or YYYY-MM-DD")
	}
	if upper {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return &t, nil
}
