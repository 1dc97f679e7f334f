/*
statemachine.go - LedgerStateMachine: the only path that mutates a plan

INSTALLMENT STATES:
  Pending -> Paid            (terminal, one-way)

PLAN STATES:
  Active    -> Completed     every installment Paid (automatic)
  Active    -> Defaulted     an installment overdue >= threshold days
  Active    -> Suspended     administrative hold
  Active    -> Cancelled     administrative, terminal
  Suspended -> Active        hold released
  Suspended -> Cancelled     administrative, terminal
  Defaulted -> Active        overdue installments settled (automatic cure)
  Defaulted -> Completed     every installment Paid (automatic)
  Defaulted -> Cancelled     administrative, terminal

  Completed and Cancelled have no outgoing edges.

RECOMPUTATION:
  After every mutation, Recompute derives
    paidAmount    = sum(amount of Paid installments)
    balanceAmount = totalAmount - paidAmount
  and re-evaluates the automatic edges. Nothing else writes those fields.
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultThresholdDays is the overdue age at which a plan may default.
const DefaultThresholdDays = 30

var planTransitions = map[PlanStatus][]PlanStatus{
	PlanActive:    {PlanCompleted, PlanDefaulted, PlanSuspended, PlanCancelled},
	PlanSuspended: {PlanActive, PlanCancelled},
	PlanDefaulted: {PlanActive, PlanCompleted, PlanCancelled},
}

// CanTransition reports whether from -> to is an edge of the plan graph.
func CanTransition(from, to PlanStatus) bool {
	for _, s := range planTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateMachine applies transitions to a PlanLedger in memory. Persisting the
// result is the caller's job, inside a store transaction.
type StateMachine struct {
	DefaultThresholdDays int
}

func NewStateMachine(defaultThresholdDays int) *StateMachine {
	if defaultThresholdDays <= 0 {
		defaultThresholdDays = DefaultThresholdDays
	}
	return &StateMachine{DefaultThresholdDays: defaultThresholdDays}
}

// Settlement carries what the reconciler knows about the payment.
type Settlement struct {
	ReceiptID       ReceiptID
	PaymentIntentID string
	PaidAt          time.Time
	Remarks         string
}

// IsPayable reports whether installments of a plan in this status accept payments.
func IsPayable(s PlanStatus) bool { return s == PlanActive || s == PlanDefaulted }

// CheckPayable validates that a payment could be applied to the
// installment, without changing anything.
func (m *StateMachine) CheckPayable(pl *PlanLedger, id InstallmentID) (*Installment, error) {
	inst := pl.Installment(id)
	if inst == nil {
		return nil, ErrInstallmentNotFound
	}
	if inst.IsPaid() {
		return inst, &AlreadyPaidError{InstallmentID: id, ReceiptID: inst.ReceiptID}
	}
	if !IsPayable(pl.Plan.Status) {
		return inst, &TransitionError{
			Entity: "installment", ID: int64(id),
			From: string(InstallmentPending), To: string(InstallmentPaid),
			Reason: "plan is " + string(pl.Plan.Status),
		}
	}
	return inst, nil
}

// MarkPaid moves an installment Pending -> Paid and recomputes the plan.
func (m *StateMachine) MarkPaid(pl *PlanLedger, id InstallmentID, s Settlement, now time.Time) error {
	inst, err := m.CheckPayable(pl, id)
	if err != nil {
		return err
	}
	paidAt := s.PaidAt
	if paidAt.IsZero() {
		paidAt = now
	}
	receiptID := s.ReceiptID
	inst.Status = InstallmentPaid
	inst.PaidDate = &paidAt
	inst.ReceiptID = &receiptID
	inst.PaymentIntentID = s.PaymentIntentID
	if s.Remarks != "" {
		inst.Remarks = s.Remarks
	}
	inst.UpdatedAt = now

	m.Recompute(pl, now)
	return nil
}

// TransitionPlan performs an explicit plan transition (suspend, resume,
// cancel, default). Guards:
//   - Completed requires every installment Paid
//   - Defaulted requires default eligibility at now
func (m *StateMachine) TransitionPlan(pl *PlanLedger, to PlanStatus, reason string, now time.Time) error {
	from := pl.Plan.Status
	reject := func(why string) error {
		return &TransitionError{Entity: "plan", ID: int64(pl.Plan.ID), From: string(from), To: string(to), Reason: why}
	}
	if !CanTransition(from, to) {
		return reject("")
	}
	switch to {
	case PlanCompleted:
		if !pl.AllPaid() {
			return reject("installments outstanding")
		}
	case PlanDefaulted:
		if !m.hasOverdueBeyondThreshold(pl, now) {
			return reject("no installment overdue beyond threshold")
		}
	}

	pl.Plan.Status = to
	pl.Plan.StatusReason = reason
	m.Recompute(pl, now)
	return nil
}

// Recompute re-derives the money fields and applies automatic edges.
func (m *StateMachine) Recompute(pl *PlanLedger, now time.Time) {
	paid := sumInstallments(pl.Installments, Installment.IsPaid)
	pl.Plan.PaidAmount = paid
	pl.Plan.BalanceAmount = pl.Plan.TotalAmount.Sub(paid)
	pl.Plan.UpdatedAt = now

	switch pl.Plan.Status {
	case PlanActive, PlanDefaulted:
		if pl.AllPaid() {
			pl.Plan.Status = PlanCompleted
			pl.Plan.StatusReason = "all installments paid"
			return
		}
		if pl.Plan.Status == PlanDefaulted && !m.hasOverdueBeyondThreshold(pl, now) {
			pl.Plan.Status = PlanActive
			pl.Plan.StatusReason = "overdue installments settled"
		}
	}
}

func (m *StateMachine) hasOverdueBeyondThreshold(pl *PlanLedger, now time.Time) bool {
	for _, inst := range pl.Installments {
		if IsOverdue(inst, now) && DaysOverdue(inst, now) >= m.DefaultThresholdDays {
			return true
		}
	}
	return false
}

// PaidAmountOf is the recomputation formula, exposed for invariant checks.
func PaidAmountOf(pl *PlanLedger) decimal.Decimal {
	return sumInstallments(pl.Installments, Installment.IsPaid)
}
