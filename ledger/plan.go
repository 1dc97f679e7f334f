/*
plan.go - PlanBuilder: payment plan and installment schedule creation

SPLIT RULE:
  base = floor(total / N) to 2 decimals
  installments 1..N-1 get base, installment N gets total - base*(N-1)

  The sum is exact to the cent for every valid (total, N):
    1000.00 / 3  ->  333.33, 333.33, 333.34

DUE DATES:
  Installment k (1-based) is due at cadence.Step(firstDue, k-1). The first
  due date defaults to the creation date supplied by the clock.
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MaxInstallments bounds numberOfInstallments.
const MaxInstallments = 100

// PlanRequest is the validated input of CreatePaymentPlan.
type PlanRequest struct {
	StudentID            StudentID
	CourseID             *CourseID
	TotalAmount          decimal.Decimal
	NumberOfInstallments int
	FirstDueDate         *time.Time
	Description          string
	CreatedBy            string
}

// PlanBuilder turns a PlanRequest into a new Active PlanLedger.
type PlanBuilder struct {
	Cadence Cadence
	Clock   Clock
}

func NewPlanBuilder(cadence Cadence, clock Clock) *PlanBuilder {
	if clock == nil {
		clock = SystemClock{}
	}
	return &PlanBuilder{Cadence: cadence, Clock: clock}
}

// Build validates the request and lays out the schedule. Ids are left zero;
// the store assigns them on insert.
func (b *PlanBuilder) Build(req PlanRequest) (*PlanLedger, error) {
	if req.StudentID <= 0 {
		return nil, &ValidationError{Field: "student_id", Message: "must be positive"}
	}
	if err := b.Cadence.Validate(); err != nil {
		return nil, &ValidationError{Field: "cadence", Message: err.Error()}
	}
	amounts, err := SplitAmount(req.TotalAmount, req.NumberOfInstallments)
	if err != nil {
		return nil, err
	}

	now := b.Clock.Now().UTC()
	first := DateOf(now)
	if req.FirstDueDate != nil && !req.FirstDueDate.IsZero() {
		first = DateOf(*req.FirstDueDate)
	}

	pl := &PlanLedger{
		Plan: PaymentPlan{
			StudentID:            req.StudentID,
			CourseID:             req.CourseID,
			TotalAmount:          req.TotalAmount,
			PaidAmount:           decimal.Zero,
			BalanceAmount:        req.TotalAmount,
			NumberOfInstallments: req.NumberOfInstallments,
			Status:               PlanActive,
			Description:          req.Description,
			CreatedBy:            req.CreatedBy,
			CreatedAt:            now,
			UpdatedAt:            now,
		},
		Installments: make([]Installment, len(amounts)),
	}
	for i, amount := range amounts {
		pl.Installments[i] = Installment{
			InstallmentNumber: i + 1,
			Amount:            amount,
			DueDate:           b.Cadence.Step(first, i),
			Status:            InstallmentPending,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
	}
	return pl, nil
}

// SplitAmount applies the split rule. It fails with ErrInvalidAmount for a
// non-positive or sub-cent total, and when the total is too small to give
// every installment a non-zero amount.
func SplitAmount(total decimal.Decimal, n int) ([]decimal.Decimal, error) {
	if !total.IsPositive() {
		return nil, &ValidationError{Field: "total_amount", Message: "must be greater than zero", Cause: ErrInvalidAmount}
	}
	if !IsMoney(total) {
		return nil, &ValidationError{Field: "total_amount", Message: "at most 2 decimal places", Cause: ErrInvalidAmount}
	}
	if n < 1 || n > MaxInstallments {
		return nil, &ValidationError{
			Field:   "number_of_installments",
			Message: fmt.Sprintf("must be between 1 and %d, got %d", MaxInstallments, n),
			Cause:   ErrInvalidInstallmentCount,
		}
	}

	count := decimal.NewFromInt(int64(n))
	base := total.Div(count).RoundFloor(MoneyPlaces)
	if !base.IsPositive() {
		return nil, &ValidationError{
			Field:   "total_amount",
			Message: fmt.Sprintf("%s cannot be split into %d non-zero installments", total.StringFixed(MoneyPlaces), n),
			Cause:   ErrInvalidAmount,
		}
	}

	out := make([]decimal.Decimal, n)
	for i := 0; i < n-1; i++ {
		out[i] = base
	}
	out[n-1] = total.Sub(base.Mul(decimal.NewFromInt(int64(n - 1))))
	return out, nil
}

// Validate checks the structural invariants of a plan aggregate: exact sum,
// contiguous 1..N numbering, ownership and the balance identity.
func (pl *PlanLedger) Validate() error {
	p := pl.Plan
	if len(pl.Installments) != p.NumberOfInstallments {
		return fmt.Errorf("plan %d: %d installments, header says %d", p.ID, len(pl.Installments), p.NumberOfInstallments)
	}
	for i, inst := range pl.Installments {
		if inst.InstallmentNumber != i+1 {
			return fmt.Errorf("plan %d: installment at position %d numbered %d", p.ID, i+1, inst.InstallmentNumber)
		}
		if p.ID != 0 && inst.PlanID != p.ID {
			return fmt.Errorf("plan %d: installment %d owned by plan %d", p.ID, inst.ID, inst.PlanID)
		}
	}
	if sum := sumInstallments(pl.Installments, nil); !sum.Equal(p.TotalAmount) {
		return fmt.Errorf("plan %d: installments sum to %s, total is %s", p.ID, sum, p.TotalAmount)
	}
	if !p.BalanceAmount.Equal(p.TotalAmount.Sub(p.PaidAmount)) {
		return fmt.Errorf("plan %d: balance %s != total %s - paid %s", p.ID, p.BalanceAmount, p.TotalAmount, p.PaidAmount)
	}
	return nil
}
