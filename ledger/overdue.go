/*
overdue.go - OverdueScanner: time-driven classification

Every function here is pure in (snapshot, now). Nothing is written back;
flipping "now" past a due date flips the derived flags with no mutation.

  Overdue      status == Pending && dueDate < now
  DaysOverdue  date(now) - date(dueDate), 0 unless overdue
  DueSoon      Pending, not overdue, due within the look-ahead window
  Eligible     plan Active && some installment DaysOverdue >= threshold

Applying Defaulted is a separate, explicit state machine call
(billing.Service.ApplyDefaults).
*/
package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultDueSoonDays is the default look-ahead window.
const DefaultDueSoonDays = 7

// IsOverdue reports whether a pending installment's due instant has passed.
func IsOverdue(inst Installment, now time.Time) bool {
	return inst.Status == InstallmentPending && inst.DueDate.Before(now)
}

// DaysOverdue is the whole number of calendar days past due, or zero.
func DaysOverdue(inst Installment, now time.Time) int {
	if !IsOverdue(inst, now) {
		return 0
	}
	days := DaysBetween(inst.DueDate, now)
	if days < 0 {
		return 0
	}
	return days
}

// IsDueSoon reports whether a pending installment falls due within
// windowDays calendar days of now.
func IsDueSoon(inst Installment, now time.Time, windowDays int) bool {
	if inst.Status != InstallmentPending || IsOverdue(inst, now) {
		return false
	}
	return DaysBetween(now, inst.DueDate) <= windowDays
}

// =============================================================================
// SCANNER
// =============================================================================

// Scanner holds the classification thresholds.
type Scanner struct {
	DueSoonDays          int
	DefaultThresholdDays int
}

func NewScanner(dueSoonDays, defaultThresholdDays int) Scanner {
	if dueSoonDays <= 0 {
		dueSoonDays = DefaultDueSoonDays
	}
	if defaultThresholdDays <= 0 {
		defaultThresholdDays = DefaultThresholdDays
	}
	return Scanner{DueSoonDays: dueSoonDays, DefaultThresholdDays: defaultThresholdDays}
}

// InstallmentView is an installment with its derived flags.
type InstallmentView struct {
	Installment
	Overdue      bool
	DueSoon      bool
	DaysOverdue  int
	DaysUntilDue int // negative once overdue
}

func (s Scanner) Classify(inst Installment, now time.Time) InstallmentView {
	return InstallmentView{
		Installment:  inst,
		Overdue:      IsOverdue(inst, now),
		DueSoon:      IsDueSoon(inst, now, s.DueSoonDays),
		DaysOverdue:  DaysOverdue(inst, now),
		DaysUntilDue: DaysBetween(now, inst.DueDate),
	}
}

// PlanView is a plan with classified installments and overdue totals.
type PlanView struct {
	Plan            PaymentPlan
	Installments    []InstallmentView
	DefaultEligible bool
	OverdueAmount   decimal.Decimal
	OverdueCount    int
	MaxDaysOverdue  int
}

func (s Scanner) ScanPlan(pl PlanLedger, now time.Time) PlanView {
	v := PlanView{
		Plan:          pl.Plan,
		Installments:  make([]InstallmentView, len(pl.Installments)),
		OverdueAmount: decimal.Zero,
	}
	for i, inst := range pl.Installments {
		iv := s.Classify(inst, now)
		v.Installments[i] = iv
		if iv.Overdue {
			v.OverdueAmount = v.OverdueAmount.Add(inst.Amount)
			v.OverdueCount++
			if iv.DaysOverdue > v.MaxDaysOverdue {
				v.MaxDaysOverdue = iv.DaysOverdue
			}
		}
	}
	v.DefaultEligible = pl.Plan.Status == PlanActive && v.OverdueCount > 0 && v.MaxDaysOverdue >= s.DefaultThresholdDays
	return v
}

// DefaultEligible reports whether the plan may be moved to Defaulted.
func (s Scanner) DefaultEligible(pl PlanLedger, now time.Time) bool {
	return s.ScanPlan(pl, now).DefaultEligible
}

// DefaultCandidates lists eligible plan ids in ascending order.
func (s Scanner) DefaultCandidates(plans []PlanLedger, now time.Time) []PlanID {
	var ids []PlanID
	for _, pl := range plans {
		if s.DefaultEligible(pl, now) {
			ids = append(ids, pl.Plan.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// =============================================================================
// DEFAULTERS
// =============================================================================

// Defaulter aggregates overdue installments per student and plan.
type Defaulter struct {
	StudentID         StudentID
	PlanID            PlanID
	CourseID          *CourseID
	PlanStatus        PlanStatus
	OverdueAmount     decimal.Decimal
	OverdueCount      int
	OldestDaysOverdue int
	BalanceAmount     decimal.Decimal
}

// Defaulters returns plans whose oldest overdue installment is at least
// thresholdDays old, oldest first. Terminal plans are skipped.
func (s Scanner) Defaulters(plans []PlanLedger, now time.Time, thresholdDays int) []Defaulter {
	var out []Defaulter
	for _, pl := range plans {
		if pl.Plan.Status.IsTerminal() {
			continue
		}
		v := s.ScanPlan(pl, now)
		if v.OverdueCount == 0 || v.MaxDaysOverdue < thresholdDays {
			continue
		}
		out = append(out, Defaulter{
			StudentID:         pl.Plan.StudentID,
			PlanID:            pl.Plan.ID,
			CourseID:          pl.Plan.CourseID,
			PlanStatus:        pl.Plan.Status,
			OverdueAmount:     v.OverdueAmount,
			OverdueCount:      v.OverdueCount,
			OldestDaysOverdue: v.MaxDaysOverdue,
			BalanceAmount:     pl.Plan.BalanceAmount,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OldestDaysOverdue != out[j].OldestDaysOverdue {
			return out[i].OldestDaysOverdue > out[j].OldestDaysOverdue
		}
		return out[i].PlanID < out[j].PlanID
	})
	return out
}

// =============================================================================
// OUTSTANDING
// =============================================================================

type OutstandingFilter struct {
	CourseID    *CourseID
	Status      *PlanStatus
	OverdueOnly bool
}

// OutstandingPayment is one pending installment as reported to collaborators.
type OutstandingPayment struct {
	InstallmentID     InstallmentID
	PlanID            PlanID
	StudentID         StudentID
	CourseID          *CourseID
	PlanStatus        PlanStatus
	InstallmentNumber int
	Amount            decimal.Decimal
	DueDate           time.Time
	Overdue           bool
	DueSoon           bool
	DaysOverdue       int
}

// Outstanding lists pending installments ordered by due date. Without a
// status filter, Cancelled plans are excluded.
func (s Scanner) Outstanding(plans []PlanLedger, filter OutstandingFilter, now time.Time) []OutstandingPayment {
	var out []OutstandingPayment
	for _, pl := range plans {
		if filter.Status != nil {
			if pl.Plan.Status != *filter.Status {
				continue
			}
		} else if pl.Plan.Status == PlanCancelled {
			continue
		}
		if filter.CourseID != nil && (pl.Plan.CourseID == nil || *pl.Plan.CourseID != *filter.CourseID) {
			continue
		}
		for _, inst := range pl.Installments {
			if inst.IsPaid() {
				continue
			}
			iv := s.Classify(inst, now)
			if filter.OverdueOnly && !iv.Overdue {
				continue
			}
			out = append(out, OutstandingPayment{
				InstallmentID:     inst.ID,
				PlanID:            pl.Plan.ID,
				StudentID:         pl.Plan.StudentID,
				CourseID:          pl.Plan.CourseID,
				PlanStatus:        pl.Plan.Status,
				InstallmentNumber: inst.InstallmentNumber,
				Amount:            inst.Amount,
				DueDate:           inst.DueDate,
				Overdue:           iv.Overdue,
				DueSoon:           iv.DueSoon,
				DaysOverdue:       iv.DaysOverdue,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].InstallmentID < out[j].InstallmentID
	})
	return out
}
