/*
Package ledger provides the payment plan and installment ledger core.

PURPOSE:
  This package owns the billing domain of the institute back-office: payment
  plans, their staged installments, receipts, the append-only transaction
  log and gateway payment records. It holds no I/O of its own. Persistence
  lives behind the Store interface (store.go) and orchestration lives in the
  billing package.

KEY CONCEPTS IN THIS FILE (types.go):
  - PaymentPlan: an agreement to pay a total fee across N installments
  - Installment: one scheduled slice of a plan (Pending or Paid)
  - PlanLedger: a plan together with the installments it exclusively owns
  - Receipt: immutable proof of one applied payment
  - Transaction: append-only audit entry, the source of truth for reporting
  - GatewayPayment: the local record of a Stripe payment intent

DESIGN PRINCIPLES:
  1. Identifier references: entities hold foreign ids, never back pointers
  2. Precision: money is decimal.Decimal with 2 fractional digits
  3. Derived state: overdue / due-soon are computed from "now", never stored
  4. Single mutation path: paidAmount and balanceAmount are only ever
     written by the state machine (statemachine.go)

SEE ALSO:
  - plan.go: PlanBuilder, installment split rule
  - statemachine.go: allowed transitions and recomputation
  - overdue.go: time-driven classification
  - aggregate.go: financial rollups
  - alerts.go: alert derivation
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PlanID int64
type InstallmentID int64
type ReceiptID int64
type TransactionID int64
type GatewayPaymentID int64

// StudentID and CourseID reference records owned by external collaborators.
type StudentID int64
type CourseID int64

// =============================================================================
// PAYMENT PLAN
// =============================================================================

type PlanStatus string

const (
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanDefaulted PlanStatus = "defaulted"
	PlanSuspended PlanStatus = "suspended"
	PlanCancelled PlanStatus = "cancelled"
)

// IsTerminal reports whether no transition can leave this status.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanCompleted || s == PlanCancelled
}

// IsValid reports whether s is a known plan status.
func (s PlanStatus) IsValid() bool {
	switch s {
	case PlanActive, PlanCompleted, PlanDefaulted, PlanSuspended, PlanCancelled:
		return true
	}
	return false
}

// PaymentPlan is the header of a plan. PaidAmount and BalanceAmount are
// derived from the installments by the state machine.
type PaymentPlan struct {
	ID                   PlanID
	StudentID            StudentID
	CourseID             *CourseID
	TotalAmount          decimal.Decimal
	PaidAmount           decimal.Decimal
	BalanceAmount        decimal.Decimal
	NumberOfInstallments int
	Status               PlanStatus
	StatusReason         string
	Description          string
	CreatedBy            string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// =============================================================================
// INSTALLMENT
// =============================================================================

type InstallmentStatus string

const (
	InstallmentPending InstallmentStatus = "pending"
	InstallmentPaid    InstallmentStatus = "paid"
)

type Installment struct {
	ID                InstallmentID
	PlanID            PlanID
	InstallmentNumber int // 1-based, contiguous within the plan
	Amount            decimal.Decimal
	DueDate           time.Time
	PaidDate          *time.Time
	Status            InstallmentStatus
	ReceiptID         *ReceiptID
	PaymentIntentID   string
	Remarks           string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsPaid reports whether the installment has been settled.
func (i Installment) IsPaid() bool { return i.Status == InstallmentPaid }

// =============================================================================
// PLAN LEDGER - Aggregate of a plan and the installments it owns
// =============================================================================

// PlanLedger is the unit of mutation: every state change happens on a whole
// PlanLedger inside a single store transaction.
type PlanLedger struct {
	Plan         PaymentPlan
	Installments []Installment // ordered by InstallmentNumber
}

// Installment returns a pointer into the aggregate for the given id, or nil.
func (pl *PlanLedger) Installment(id InstallmentID) *Installment {
	for i := range pl.Installments {
		if pl.Installments[i].ID == id {
			return &pl.Installments[i]
		}
	}
	return nil
}

// AllPaid reports whether every installment is Paid.
func (pl *PlanLedger) AllPaid() bool {
	if len(pl.Installments) == 0 {
		return false
	}
	for _, inst := range pl.Installments {
		if !inst.IsPaid() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy, so stores can hand out aggregates without
// sharing pointers into their own state.
func (pl PlanLedger) Clone() PlanLedger {
	out := PlanLedger{Plan: pl.Plan}
	if pl.Plan.CourseID != nil {
		c := *pl.Plan.CourseID
		out.Plan.CourseID = &c
	}
	out.Installments = make([]Installment, len(pl.Installments))
	for i, inst := range pl.Installments {
		if inst.PaidDate != nil {
			d := *inst.PaidDate
			inst.PaidDate = &d
		}
		if inst.ReceiptID != nil {
			r := *inst.ReceiptID
			inst.ReceiptID = &r
		}
		out.Installments[i] = inst
	}
	return out
}

// =============================================================================
// RECEIPT
// =============================================================================

type ReceiptType string

const (
	ReceiptAdmissionFee ReceiptType = "admission_fee"
	ReceiptTuitionFee   ReceiptType = "tuition_fee"
	ReceiptCourseFee    ReceiptType = "course_fee"
	ReceiptExamFee      ReceiptType = "exam_fee"
	ReceiptOther        ReceiptType = "other"
)

func (t ReceiptType) IsValid() bool {
	switch t {
	case ReceiptAdmissionFee, ReceiptTuitionFee, ReceiptCourseFee, ReceiptExamFee, ReceiptOther:
		return true
	}
	return false
}

// Receipt is immutable once generated.
type Receipt struct {
	ID            ReceiptID
	ReceiptNumber string
	StudentID     StudentID
	PlanID        PlanID
	InstallmentID InstallmentID
	Amount        decimal.Decimal
	ReceiptType   ReceiptType
	PaymentMethod PaymentMethod
	PaymentDate   time.Time
	GeneratedBy   string
	GeneratedAt   time.Time
}

// =============================================================================
// TRANSACTION - Append-only audit entry
// =============================================================================

type TransactionType string

const (
	TxPayment TransactionType = "payment"
	TxReceipt TransactionType = "receipt"
	TxRefund  TransactionType = "refund"
)

type TransactionStatus string

const (
	TxStatusSuccess TransactionStatus = "success"
)

// Transaction is never updated or deleted after insertion.
type Transaction struct {
	ID              TransactionID
	StudentID       StudentID
	PlanID          PlanID
	InstallmentID   InstallmentID
	ReceiptID       ReceiptID
	Type            TransactionType
	Amount          decimal.Decimal
	PaymentMethod   PaymentMethod
	Gateway         string // "manual" or "stripe"
	Status          TransactionStatus
	ReferenceNumber string
	IdempotencyKey  string
	CreatedBy       string
	CreatedAt       time.Time
}

type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodESewa        PaymentMethod = "esewa"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodCheque       PaymentMethod = "cheque"
	MethodStripe       PaymentMethod = "stripe"
)

// IsManual reports whether the method is recorded by staff rather than a gateway.
func (m PaymentMethod) IsManual() bool {
	switch m {
	case MethodCash, MethodESewa, MethodBankTransfer, MethodCheque:
		return true
	}
	return false
}

const (
	GatewayManual = "manual"
	GatewayStripe = "stripe"
)

// =============================================================================
// GATEWAY PAYMENT - Local record of a Stripe payment intent
// =============================================================================

type GatewayStatus string

const (
	GatewayPending   GatewayStatus = "pending"
	GatewaySucceeded GatewayStatus = "succeeded"
	GatewayFailed    GatewayStatus = "failed"
	GatewayCancelled GatewayStatus = "cancelled"
	GatewayRefunded  GatewayStatus = "refunded"
)

// IsTerminal reports whether the record has left Pending.
func (s GatewayStatus) IsTerminal() bool { return s != GatewayPending }

// GatewayPayment is keyed by PaymentIntentID, which doubles as the
// idempotency key when the payment is applied to the ledger.
type GatewayPayment struct {
	ID              GatewayPaymentID
	PaymentIntentID string
	StudentID       StudentID
	InstallmentID   *InstallmentID
	Amount          decimal.Decimal
	Currency        string
	Status          GatewayStatus
	ClientSecret    string
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
