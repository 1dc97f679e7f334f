/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain types in the
  ledger package carry no JSON tags; everything crossing the wire goes
  through these types.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

ENCODING:
  - Money is a string with exactly two decimals ("333.34"), never a float
  - Dates are "2006-01-02", instants are RFC 3339 in UTC
  - Ids are JSON numbers

VALIDATION:
  Request types carry go-playground/validator tags checked by
  Handler.decode. Domain rules (sub-cent amounts, installment bounds,
  state transitions) are enforced by the ledger and mapped in errors.go.

SEE ALSO:
  - handlers.go: Uses these types
  - errors.go: Error response mapping
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fee-ledger/billing"
	"github.com/warp/fee-ledger/ledger"
)

const dateLayout = "2006-01-02"

func money(d decimal.Decimal) string { return d.StringFixed(ledger.MoneyPlaces) }

func formatDate(t time.Time) string { return t.UTC().Format(dateLayout) }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatDatePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatDate(*t)
	return &s
}

// =============================================================================
// REQUESTS
// =============================================================================

// CreatePlanRequest is the body of POST /api/plans.
type CreatePlanRequest struct {
	StudentID            int64  `json:"student_id" validate:"required,gt=0"`
	CourseID             *int64 `json:"course_id,omitempty" validate:"omitempty,gt=0"`
	TotalAmount          string `json:"total_amount" validate:"required,numeric"`
	NumberOfInstallments int    `json:"number_of_installments" validate:"required,min=1,max=100"`
	FirstDueDate         string `json:"first_due_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Description          string `json:"description,omitempty" validate:"max=500"`
	CreatedBy            string `json:"created_by,omitempty" validate:"max=100"`
}

// PlanActionRequest is the body of suspend / resume / cancel.
type PlanActionRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// PayInstallmentRequest is a manual payment entered by staff.
type PayInstallmentRequest struct {
	Amount        string `json:"amount" validate:"required,numeric"`
	PaymentMethod string `json:"payment_method" validate:"required,oneof=cash esewa bank_transfer cheque"`
	Reference     string `json:"reference,omitempty" validate:"max=100"`
	Remarks       string `json:"remarks,omitempty" validate:"max=500"`
	PaidBy        string `json:"paid_by,omitempty" validate:"max=100"`
	PaidAt        string `json:"paid_at,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// CreateGatewayPaymentRequest asks for a Stripe payment intent.
type CreateGatewayPaymentRequest struct {
	StudentID     int64  `json:"student_id" validate:"required,gt=0"`
	InstallmentID int64  `json:"installment_id" validate:"required,gt=0"`
	Amount        string `json:"amount" validate:"required,numeric"`
	Currency      string `json:"currency" validate:"required,len=3,alpha"`
}

// ApplyDefaultsResponse reports one default scan.
type ApplyDefaultsResponse struct {
	RanAt     string  `json:"ran_at"`
	Checked   int     `json:"checked"`
	Defaulted []int64 `json:"defaulted"`
}

// =============================================================================
// PLANS
// =============================================================================

type PlanDTO struct {
	ID                   int64  `json:"id"`
	StudentID            int64  `json:"student_id"`
	CourseID             *int64 `json:"course_id,omitempty"`
	TotalAmount          string `json:"total_amount"`
	PaidAmount           string `json:"paid_amount"`
	BalanceAmount        string `json:"balance_amount"`
	NumberOfInstallments int    `json:"number_of_installments"`
	Status               string `json:"status"`
	StatusReason         string `json:"status_reason,omitempty"`
	Description          string `json:"description,omitempty"`
	CreatedBy            string `json:"created_by,omitempty"`
	CreatedAt            string `json:"created_at"`
	UpdatedAt            string `json:"updated_at"`
}

type InstallmentDTO struct {
	ID                int64   `json:"id"`
	PlanID            int64   `json:"plan_id"`
	InstallmentNumber int     `json:"installment_number"`
	Amount            string  `json:"amount"`
	DueDate           string  `json:"due_date"`
	PaidDate          *string `json:"paid_date,omitempty"`
	Status            string  `json:"status"`
	ReceiptID         *int64  `json:"receipt_id,omitempty"`
	PaymentIntentID   string  `json:"payment_intent_id,omitempty"`
	Remarks           string  `json:"remarks,omitempty"`

	// Derived at read time, absent on write responses.
	Overdue      *bool `json:"overdue,omitempty"`
	DueSoon      *bool `json:"due_soon,omitempty"`
	DaysOverdue  *int  `json:"days_overdue,omitempty"`
	DaysUntilDue *int  `json:"days_until_due,omitempty"`
}

// PlanResponse is a plan with its installments.
type PlanResponse struct {
	Plan            PlanDTO          `json:"plan"`
	Installments    []InstallmentDTO `json:"installments"`
	DefaultEligible *bool            `json:"default_eligible,omitempty"`
	OverdueAmount   *string          `json:"overdue_amount,omitempty"`
	OverdueCount    *int             `json:"overdue_count,omitempty"`
}

func courseIDPtr(c *ledger.CourseID) *int64 {
	if c == nil {
		return nil
	}
	v := int64(*c)
	return &v
}

func toPlanDTO(p ledger.PaymentPlan) PlanDTO {
	return PlanDTO{
		ID:                   int64(p.ID),
		StudentID:            int64(p.StudentID),
		CourseID:             courseIDPtr(p.CourseID),
		TotalAmount:          money(p.TotalAmount),
		PaidAmount:           money(p.PaidAmount),
		BalanceAmount:        money(p.BalanceAmount),
		NumberOfInstallments: p.NumberOfInstallments,
		Status:               string(p.Status),
		StatusReason:         p.StatusReason,
		Description:          p.Description,
		CreatedBy:            p.CreatedBy,
		CreatedAt:            formatTime(p.CreatedAt),
		UpdatedAt:            formatTime(p.UpdatedAt),
	}
}

func toInstallmentDTO(inst ledger.Installment) InstallmentDTO {
	dto := InstallmentDTO{
		ID:                int64(inst.ID),
		PlanID:            int64(inst.PlanID),
		InstallmentNumber: inst.InstallmentNumber,
		Amount:            money(inst.Amount),
		DueDate:           formatDate(inst.DueDate),
		PaidDate:          formatDatePtr(inst.PaidDate),
		Status:            string(inst.Status),
		PaymentIntentID:   inst.PaymentIntentID,
		Remarks:           inst.Remarks,
	}
	if inst.ReceiptID != nil {
		v := int64(*inst.ReceiptID)
		dto.ReceiptID = &v
	}
	return dto
}

func toPlanResponse(pl ledger.PlanLedger) PlanResponse {
	resp := PlanResponse{Plan: toPlanDTO(pl.Plan), Installments: make([]InstallmentDTO, len(pl.Installments))}
	for i, inst := range pl.Installments {
		resp.Installments[i] = toInstallmentDTO(inst)
	}
	return resp
}

func toPlanViewResponse(v ledger.PlanView) PlanResponse {
	resp := PlanResponse{
		Plan:            toPlanDTO(v.Plan),
		Installments:    make([]InstallmentDTO, len(v.Installments)),
		DefaultEligible: &v.DefaultEligible,
		OverdueCount:    &v.OverdueCount,
	}
	overdue := money(v.OverdueAmount)
	resp.OverdueAmount = &overdue
	for i, iv := range v.Installments {
		dto := toInstallmentDTO(iv.Installment)
		dto.Overdue = &v.Installments[i].Overdue
		dto.DueSoon = &v.Installments[i].DueSoon
		dto.DaysOverdue = &v.Installments[i].DaysOverdue
		dto.DaysUntilDue = &v.Installments[i].DaysUntilDue
		resp.Installments[i] = dto
	}
	return resp
}

// =============================================================================
// PAYMENTS
// =============================================================================

type ReceiptDTO struct {
	ID            int64  `json:"id"`
	ReceiptNumber string `json:"receipt_number"`
	StudentID     int64  `json:"student_id"`
	PlanID        int64  `json:"plan_id"`
	InstallmentID int64  `json:"installment_id"`
	Amount        string `json:"amount"`
	ReceiptType   string `json:"receipt_type"`
	PaymentMethod string `json:"payment_method"`
	PaymentDate   string `json:"payment_date"`
	GeneratedBy   string `json:"generated_by,omitempty"`
	GeneratedAt   string `json:"generated_at"`
}

type TransactionDTO struct {
	ID              int64  `json:"id"`
	StudentID       int64  `json:"student_id"`
	PlanID          int64  `json:"plan_id"`
	InstallmentID   int64  `json:"installment_id"`
	ReceiptID       int64  `json:"receipt_id"`
	Type            string `json:"type"`
	Amount          string `json:"amount"`
	PaymentMethod   string `json:"payment_method"`
	Gateway         string `json:"gateway"`
	Status          string `json:"status"`
	ReferenceNumber string `json:"reference_number,omitempty"`
	IdempotencyKey  string `json:"idempotency_key"`
	CreatedBy       string `json:"created_by,omitempty"`
	CreatedAt       string `json:"created_at"`
}

// PaymentResponse is returned by POST /api/installments/{id}/pay.
type PaymentResponse struct {
	Receipt     ReceiptDTO     `json:"receipt"`
	Transaction TransactionDTO `json:"transaction"`
	Plan        PlanDTO        `json:"plan"`
	Installment InstallmentDTO `json:"installment"`
	Replayed    bool           `json:"replayed"`
}

type GatewayPaymentDTO struct {
	ID              int64  `json:"id"`
	PaymentIntentID string `json:"payment_intent_id"`
	StudentID       int64  `json:"student_id"`
	InstallmentID   *int64 `json:"installment_id,omitempty"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
	ClientSecret    string `json:"client_secret,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// WebhookResponse acknowledges a gateway delivery.
type WebhookResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
}

func toReceiptDTO(r ledger.Receipt) ReceiptDTO {
	return ReceiptDTO{
		ID:            int64(r.ID),
		ReceiptNumber: r.ReceiptNumber,
		StudentID:     int64(r.StudentID),
		PlanID:        int64(r.PlanID),
		InstallmentID: int64(r.InstallmentID),
		Amount:        money(r.Amount),
		ReceiptType:   string(r.ReceiptType),
		PaymentMethod: string(r.PaymentMethod),
		PaymentDate:   formatDate(r.PaymentDate),
		GeneratedBy:   r.GeneratedBy,
		GeneratedAt:   formatTime(r.GeneratedAt),
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:              int64(tx.ID),
		StudentID:       int64(tx.StudentID),
		PlanID:          int64(tx.PlanID),
		InstallmentID:   int64(tx.InstallmentID),
		ReceiptID:       int64(tx.ReceiptID),
		Type:            string(tx.Type),
		Amount:          money(tx.Amount),
		PaymentMethod:   string(tx.PaymentMethod),
		Gateway:         tx.Gateway,
		Status:          string(tx.Status),
		ReferenceNumber: tx.ReferenceNumber,
		IdempotencyKey:  tx.IdempotencyKey,
		CreatedBy:       tx.CreatedBy,
		CreatedAt:       formatTime(tx.CreatedAt),
	}
}

func toPaymentResponse(res *billing.PaymentResult) PaymentResponse {
	return PaymentResponse{
		Receipt:     toReceiptDTO(res.Receipt),
		Transaction: toTransactionDTO(res.Transaction),
		Plan:        toPlanDTO(res.Plan.Plan),
		Installment: toInstallmentDTO(res.Installment),
		Replayed:    res.Replayed,
	}
}

func toGatewayPaymentDTO(gp ledger.GatewayPayment) GatewayPaymentDTO {
	dto := GatewayPaymentDTO{
		ID:              int64(gp.ID),
		PaymentIntentID: gp.PaymentIntentID,
		StudentID:       int64(gp.StudentID),
		Amount:          money(gp.Amount),
		Currency:        gp.Currency,
		Status:          string(gp.Status),
		ClientSecret:    gp.ClientSecret,
		ErrorMessage:    gp.ErrorMessage,
		CreatedAt:       formatTime(gp.CreatedAt),
		UpdatedAt:       formatTime(gp.UpdatedAt),
	}
	if gp.InstallmentID != nil {
		v := int64(*gp.InstallmentID)
		dto.InstallmentID = &v
	}
	return dto
}

// =============================================================================
// REPORTING
// =============================================================================

type OutstandingDTO struct {
	InstallmentID     int64  `json:"installment_id"`
	PlanID            int64  `json:"plan_id"`
	StudentID         int64  `json:"student_id"`
	CourseID          *int64 `json:"course_id,omitempty"`
	PlanStatus        string `json:"plan_status"`
	InstallmentNumber int    `json:"installment_number"`
	Amount            string `json:"amount"`
	DueDate           string `json:"due_date"`
	Overdue           bool   `json:"overdue"`
	DueSoon           bool   `json:"due_soon"`
	DaysOverdue       int    `json:"days_overdue"`
}

type DefaulterDTO struct {
	StudentID         int64  `json:"student_id"`
	PlanID            int64  `json:"plan_id"`
	CourseID          *int64 `json:"course_id,omitempty"`
	PlanStatus        string `json:"plan_status"`
	OverdueAmount     string `json:"overdue_amount"`
	OverdueCount      int    `json:"overdue_count"`
	OldestDaysOverdue int    `json:"oldest_days_overdue"`
	BalanceAmount     string `json:"balance_amount"`
}

type CourseBreakdownDTO struct {
	CourseID         *int64 `json:"course_id"`
	Revenue          string `json:"revenue"`
	ExpectedRevenue  string `json:"expected_revenue"`
	CollectedRevenue string `json:"collected_revenue"`
	CollectionRate   string `json:"collection_rate"`
	Outstanding      string `json:"outstanding"`
	PlanCount        int    `json:"plan_count"`
}

type MonthlyRevenueDTO struct {
	Month    string `json:"month"` // 2006-01
	Revenue  string `json:"revenue"`
	Payments int    `json:"payments"`
}

type FinancialSummaryDTO struct {
	Start            string               `json:"start"`
	End              string               `json:"end"`
	Revenue          string               `json:"revenue"`
	ExpectedRevenue  string               `json:"expected_revenue"`
	CollectedRevenue string               `json:"collected_revenue"`
	CollectionRate   string               `json:"collection_rate"`
	Outstanding      string               `json:"outstanding"`
	PaymentCount     int                  `json:"payment_count"`
	PlansByStatus    map[string]int       `json:"plans_by_status"`
	ByCourse         []CourseBreakdownDTO `json:"by_course"`
	Trend            []MonthlyRevenueDTO  `json:"trend"`
}

type AlertDTO struct {
	Key       string  `json:"key"`
	Severity  string  `json:"severity"`
	Category  string  `json:"category"`
	Title     string  `json:"title"`
	Message   string  `json:"message"`
	SubjectID int64   `json:"subject_id"`
	Amount    *string `json:"amount,omitempty"`
	RaisedAt  string  `json:"raised_at"`
}

type AlertSummaryDTO struct {
	Critical []AlertDTO     `json:"critical"`
	Warning  []AlertDTO     `json:"warning"`
	Info     []AlertDTO     `json:"info"`
	Counts   map[string]int `json:"counts"`
	Total    int            `json:"total"`
}

func toOutstandingDTOs(items []ledger.OutstandingPayment) []OutstandingDTO {
	out := make([]OutstandingDTO, len(items))
	for i, o := range items {
		out[i] = OutstandingDTO{
			InstallmentID:     int64(o.InstallmentID),
			PlanID:            int64(o.PlanID),
			StudentID:         int64(o.StudentID),
			CourseID:          courseIDPtr(o.CourseID),
			PlanStatus:        string(o.PlanStatus),
			InstallmentNumber: o.InstallmentNumber,
			Amount:            money(o.Amount),
			DueDate:           formatDate(o.DueDate),
			Overdue:           o.Overdue,
			DueSoon:           o.DueSoon,
			DaysOverdue:       o.DaysOverdue,
		}
	}
	return out
}

func toDefaulterDTOs(items []ledger.Defaulter) []DefaulterDTO {
	out := make([]DefaulterDTO, len(items))
	for i, d := range items {
		out[i] = DefaulterDTO{
			StudentID:         int64(d.StudentID),
			PlanID:            int64(d.PlanID),
			CourseID:          courseIDPtr(d.CourseID),
			PlanStatus:        string(d.PlanStatus),
			OverdueAmount:     money(d.OverdueAmount),
			OverdueCount:      d.OverdueCount,
			OldestDaysOverdue: d.OldestDaysOverdue,
			BalanceAmount:     money(d.BalanceAmount),
		}
	}
	return out
}

func toFinancialSummaryDTO(s *ledger.FinancialSummary) FinancialSummaryDTO {
	dto := FinancialSummaryDTO{
		Start:            formatTime(s.Window.Start),
		End:              formatTime(s.Window.End),
		Revenue:          money(s.Revenue),
		ExpectedRevenue:  money(s.ExpectedRevenue),
		CollectedRevenue: money(s.CollectedRevenue),
		CollectionRate:   s.CollectionRate.StringFixed(4),
		Outstanding:      money(s.Outstanding),
		PaymentCount:     s.PaymentCount,
		PlansByStatus:    make(map[string]int, len(s.PlansByStatus)),
		ByCourse:         make([]CourseBreakdownDTO, len(s.ByCourse)),
		Trend:            make([]MonthlyRevenueDTO, len(s.Trend)),
	}
	for status, n := range s.PlansByStatus {
		dto.PlansByStatus[string(status)] = n
	}
	for i, c := range s.ByCourse {
		dto.ByCourse[i] = CourseBreakdownDTO{
			CourseID:         courseIDPtr(c.CourseID),
			Revenue:          money(c.Revenue),
			ExpectedRevenue:  money(c.ExpectedRevenue),
			CollectedRevenue: money(c.CollectedRevenue),
			CollectionRate:   c.CollectionRate.StringFixed(4),
			Outstanding:      money(c.Outstanding),
			PlanCount:        c.PlanCount,
		}
	}
	for i, m := range s.Trend {
		dto.Trend[i] = MonthlyRevenueDTO{
			Month:    time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC).Format("2006-01"),
			Revenue:  money(m.Revenue),
			Payments: m.Payments,
		}
	}
	return dto
}

func toAlertDTOs(alerts []ledger.Alert) []AlertDTO {
	out := make([]AlertDTO, len(alerts))
	for i, a := range alerts {
		out[i] = AlertDTO{
			Key:       a.Key,
			Severity:  string(a.Severity),
			Category:  string(a.Category),
			Title:     a.Title,
			Message:   a.Message,
			SubjectID: a.SubjectID,
			RaisedAt:  formatTime(a.RaisedAt),
		}
		if a.Amount != nil {
			amt := money(*a.Amount)
			out[i].Amount = &amt
		}
	}
	return out
}

func toAlertSummaryDTO(s *ledger.AlertSummary) AlertSummaryDTO {
	dto := AlertSummaryDTO{
		Critical: toAlertDTOs(s.Critical),
		Warning:  toAlertDTOs(s.Warning),
		Info:     toAlertDTOs(s.Info),
		Counts:   make(map[string]int, len(s.Counts)),
		Total:    s.Total,
	}
	for sev, n := range s.Counts {
		dto.Counts[string(sev)] = n
	}
	return dto
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}
