/*
aggregate.go - FinancialAggregator: read-only rollups over a snapshot

DEFINITIONS (window [Start, End], both inclusive):
  Revenue          sum of successful Payment transactions created in window
  ExpectedRevenue  sum of installment amounts with dueDate <= End
  CollectedRevenue the Paid part of ExpectedRevenue, paid on or before End
  CollectionRate   CollectedRevenue / ExpectedRevenue (0 when nothing expected)
  Outstanding      sum of balanceAmount over non-terminal plans

Cancelled plans contribute nothing to expected or collected revenue.
Aggregation only reads a Snapshot; stores guarantee it is post-commit.
*/
package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// RatePlaces is the precision of CollectionRate (a fraction in [0, 1]).
const RatePlaces = 4

// Snapshot is a consistent, fully-committed view of the ledger.
type Snapshot struct {
	TakenAt      time.Time
	Plans        []PlanLedger
	Transactions []Transaction
}

// Window is an inclusive time range.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return &ValidationError{Field: "window", Message: "start and end are required"}
	}
	if w.End.Before(w.Start) {
		return &ValidationError{Field: "window", Message: "end before start"}
	}
	return nil
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// =============================================================================
// PRIMITIVE ROLLUPS
// =============================================================================

func isRevenue(tx Transaction) bool {
	return tx.Type == TxPayment && tx.Status == TxStatusSuccess
}

// Revenue sums successful payments created within the window.
func Revenue(txs []Transaction, w Window) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		if isRevenue(tx) && w.Contains(tx.CreatedAt) {
			total = total.Add(tx.Amount)
		}
	}
	return total
}

// ExpectedRevenue sums installments due on or before end.
func ExpectedRevenue(plans []PlanLedger, end time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, pl := range plans {
		if pl.Plan.Status == PlanCancelled {
			continue
		}
		total = total.Add(sumInstallments(pl.Installments, func(i Installment) bool {
			return !i.DueDate.After(end)
		}))
	}
	return total
}

// CollectedRevenue sums the expected installments already paid by end.
func CollectedRevenue(plans []PlanLedger, end time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, pl := range plans {
		if pl.Plan.Status == PlanCancelled {
			continue
		}
		total = total.Add(sumInstallments(pl.Installments, func(i Installment) bool {
			return i.IsPaid() && !i.DueDate.After(end) && i.PaidDate != nil && !i.PaidDate.After(end)
		}))
	}
	return total
}

// CollectionRate divides collected by expected, zero when expected is zero.
func CollectionRate(collected, expected decimal.Decimal) decimal.Decimal {
	if !expected.IsPositive() {
		return decimal.Zero
	}
	return collected.DivRound(expected, RatePlaces)
}

// OutstandingAmount sums balances of plans still open for collection.
func OutstandingAmount(plans []PlanLedger) decimal.Decimal {
	total := decimal.Zero
	for _, pl := range plans {
		if !pl.Plan.Status.IsTerminal() {
			total = total.Add(pl.Plan.BalanceAmount)
		}
	}
	return total
}

// =============================================================================
// TREND
// =============================================================================

// MonthlyRevenue is one calendar month of the trend series.
type MonthlyRevenue struct {
	Year     int
	Month    time.Month
	Revenue  decimal.Decimal
	Payments int
}

// RevenueTrend buckets successful payments by calendar month (UTC) over
// [from, to]. Every month in the range is present, empty ones at zero.
func RevenueTrend(txs []Transaction, from, to time.Time) []MonthlyRevenue {
	if to.Before(from) {
		return nil
	}
	start := time.Date(from.UTC().Year(), from.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(to.UTC().Year(), to.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)

	var series []MonthlyRevenue
	index := make(map[time.Time]int)
	for m := start; !m.After(last); m = m.AddDate(0, 1, 0) {
		index[m] = len(series)
		series = append(series, MonthlyRevenue{Year: m.Year(), Month: m.Month(), Revenue: decimal.Zero})
	}

	w := Window{Start: from, End: to}
	for _, tx := range txs {
		if !isRevenue(tx) || !w.Contains(tx.CreatedAt) {
			continue
		}
		c := tx.CreatedAt.UTC()
		i := index[time.Date(c.Year(), c.Month(), 1, 0, 0, 0, 0, time.UTC)]
		series[i].Revenue = series[i].Revenue.Add(tx.Amount)
		series[i].Payments++
	}
	return series
}

// =============================================================================
// SUMMARY
// =============================================================================

// CourseBreakdown is the summary restricted to plans of one course.
// CourseID nil groups plans without a course.
type CourseBreakdown struct {
	CourseID         *CourseID
	Revenue          decimal.Decimal
	ExpectedRevenue  decimal.Decimal
	CollectedRevenue decimal.Decimal
	CollectionRate   decimal.Decimal
	Outstanding      decimal.Decimal
	PlanCount        int
}

type FinancialSummary struct {
	Window           Window
	Revenue          decimal.Decimal
	ExpectedRevenue  decimal.Decimal
	CollectedRevenue decimal.Decimal
	CollectionRate   decimal.Decimal
	Outstanding      decimal.Decimal
	PaymentCount     int
	PlansByStatus    map[PlanStatus]int
	ByCourse         []CourseBreakdown
	Trend            []MonthlyRevenue
}

// Summarize computes every rollup for the window from one snapshot.
func Summarize(snap Snapshot, w Window) FinancialSummary {
	s := FinancialSummary{
		Window:           w,
		Revenue:          Revenue(snap.Transactions, w),
		ExpectedRevenue:  ExpectedRevenue(snap.Plans, w.End),
		CollectedRevenue: CollectedRevenue(snap.Plans, w.End),
		Outstanding:      OutstandingAmount(snap.Plans),
		PlansByStatus:    make(map[PlanStatus]int),
		Trend:            RevenueTrend(snap.Transactions, w.Start, w.End),
	}
	s.CollectionRate = CollectionRate(s.CollectedRevenue, s.ExpectedRevenue)
	for _, tx := range snap.Transactions {
		if isRevenue(tx) && w.Contains(tx.CreatedAt) {
			s.PaymentCount++
		}
	}
	for _, pl := range snap.Plans {
		s.PlansByStatus[pl.Plan.Status]++
	}
	s.ByCourse = breakdownByCourse(snap, w)
	return s
}

func breakdownByCourse(snap Snapshot, w Window) []CourseBreakdown {
	type group struct {
		course *CourseID
		plans  []PlanLedger
		ids    map[PlanID]bool
	}
	groups := make(map[CourseID]*group) // 0 = no course
	for _, pl := range snap.Plans {
		var key CourseID
		if pl.Plan.CourseID != nil {
			key = *pl.Plan.CourseID
		}
		g, ok := groups[key]
		if !ok {
			g = &group{course: pl.Plan.CourseID, ids: make(map[PlanID]bool)}
			groups[key] = g
		}
		g.plans = append(g.plans, pl)
		g.ids[pl.Plan.ID] = true
	}

	out := make([]CourseBreakdown, 0, len(groups))
	for _, g := range groups {
		var txs []Transaction
		for _, tx := range snap.Transactions {
			if g.ids[tx.PlanID] {
				txs = append(txs, tx)
			}
		}
		b := CourseBreakdown{
			CourseID:         g.course,
			Revenue:          Revenue(txs, w),
			ExpectedRevenue:  ExpectedRevenue(g.plans, w.End),
			CollectedRevenue: CollectedRevenue(g.plans, w.End),
			Outstanding:      OutstandingAmount(g.plans),
			PlanCount:        len(g.plans),
		}
		b.CollectionRate = CollectionRate(b.CollectedRevenue, b.ExpectedRevenue)
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CourseID == nil || out[j].CourseID == nil {
			return out[j].CourseID == nil && out[i].CourseID != nil
		}
		return *out[i].CourseID < *out[j].CourseID
	})
	return out
}
