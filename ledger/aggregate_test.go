package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fee-ledger/ledger"
)

func payment(id int64, plan ledger.PlanID, amount string, at time.Time) ledger.Transaction {
	return ledger.Transaction{
		ID:        ledger.TransactionID(id),
		PlanID:    plan,
		Type:      ledger.TxPayment,
		Status:    ledger.TxStatusSuccess,
		Amount:    money(amount),
		CreatedAt: at,
	}
}

func paidOn(pl *ledger.PlanLedger, n int, when time.Time) {
	sm := ledger.NewStateMachine(0)
	inst := pl.Installments[n-1]
	_ = sm.MarkPaid(pl, inst.ID, ledger.Settlement{ReceiptID: ledger.ReceiptID(n), PaidAt: when}, when)
}

func TestRevenue_WindowInclusive(t *testing.T) {
	// GIVEN: payments of 200.00 and 150.50 inside the window, one outside
	// WHEN: summing revenue
	// THEN: 350.50

	w := ledger.Window{Start: at(2024, 1, 1), End: time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC)}
	txs := []ledger.Transaction{
		payment(1, 1, "200.00", at(2024, 1, 1)),
		payment(2, 1, "150.50", time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC)),
		payment(3, 1, "999.00", at(2024, 2, 1)),
		{ID: 4, Type: ledger.TxReceipt, Status: ledger.TxStatusSuccess, Amount: money("10.00"), CreatedAt: at(2024, 1, 10)},
	}

	assert.Equal(t, "350.50", ledger.Revenue(txs, w).StringFixed(2))
}

func TestCollectionRate(t *testing.T) {
	assert.True(t, ledger.CollectionRate(money("0"), money("0")).IsZero())
	assert.Equal(t, "0.6667", ledger.CollectionRate(money("200.00"), money("300.00")).StringFixed(4))
	assert.Equal(t, "1.0000", ledger.CollectionRate(money("300.00"), money("300.00")).StringFixed(4))
}

func TestExpectedAndCollected(t *testing.T) {
	// GIVEN: 300.00 over 3 (Jan, Feb, Mar) with Jan paid on time and Feb paid late
	// WHEN: measured at the end of February
	// THEN: expected 200.00, collected 100.00 (Feb paid after the window)

	pl := buildPlan(t, "300.00", 3, at(2024, 1, 1))
	paidOn(pl, 1, at(2024, 1, 1))
	paidOn(pl, 2, at(2024, 3, 5))
	endFeb := time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC)

	plans := []ledger.PlanLedger{*pl}
	assert.True(t, ledger.ExpectedRevenue(plans, endFeb).Equal(money("200.00")))
	assert.True(t, ledger.CollectedRevenue(plans, endFeb).Equal(money("100.00")))
}

func TestCancelledPlansContributeNothing(t *testing.T) {
	pl := buildPlan(t, "300.00", 3, at(2024, 1, 1))
	pl.Plan.Status = ledger.PlanCancelled
	plans := []ledger.PlanLedger{*pl}

	assert.True(t, ledger.ExpectedRevenue(plans, at(2024, 12, 31)).IsZero())
	assert.True(t, ledger.OutstandingAmount(plans).IsZero())
}

func TestRevenueTrend_ZeroFillsMonths(t *testing.T) {
	txs := []ledger.Transaction{
		payment(1, 1, "100.00", at(2024, 1, 15)),
		payment(2, 1, "50.00", at(2024, 3, 2)),
		payment(3, 1, "25.00", at(2024, 3, 20)),
	}

	trend := ledger.RevenueTrend(txs, at(2024, 1, 1), time.Date(2024, 3, 31, 23, 0, 0, 0, time.UTC))

	require.Len(t, trend, 3)
	assert.Equal(t, time.January, trend[0].Month)
	assert.Equal(t, "100.00", trend[0].Revenue.StringFixed(2))
	assert.True(t, trend[1].Revenue.IsZero())
	assert.Equal(t, 0, trend[1].Payments)
	assert.Equal(t, "75.00", trend[2].Revenue.StringFixed(2))
	assert.Equal(t, 2, trend[2].Payments)

	assert.Nil(t, ledger.RevenueTrend(txs, at(2024, 3, 1), at(2024, 1, 1)))
}

func TestSummarize(t *testing.T) {
	course := ledger.CourseID(4)
	a := buildPlan(t, "300.00", 3, at(2024, 1, 1))
	a.Plan.CourseID = &course
	paidOn(a, 1, at(2024, 1, 1))
	b := buildPlan(t, "100.00", 1, at(2024, 1, 15))
	b.Plan.ID = 2
	b.Installments[0].PlanID = 2
	b.Installments[0].ID = 10

	snap := ledger.Snapshot{
		Plans: []ledger.PlanLedger{*a, *b},
		Transactions: []ledger.Transaction{
			payment(1, 1, "100.00", at(2024, 1, 1)),
		},
	}
	w := ledger.Window{Start: at(2024, 1, 1), End: time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC)}

	s := ledger.Summarize(snap, w)

	assert.Equal(t, "100.00", s.Revenue.StringFixed(2))
	assert.Equal(t, "200.00", s.ExpectedRevenue.StringFixed(2))
	assert.Equal(t, "100.00", s.CollectedRevenue.StringFixed(2))
	assert.Equal(t, "0.5000", s.CollectionRate.StringFixed(4))
	assert.Equal(t, "300.00", s.Outstanding.StringFixed(2))
	assert.Equal(t, 1, s.PaymentCount)
	assert.Equal(t, 2, s.PlansByStatus[ledger.PlanActive])

	require.Len(t, s.ByCourse, 2)
	require.NotNil(t, s.ByCourse[0].CourseID)
	assert.Equal(t, course, *s.ByCourse[0].CourseID)
	assert.Equal(t, "100.00", s.ByCourse[0].Revenue.StringFixed(2))
	assert.Nil(t, s.ByCourse[1].CourseID)
	assert.Equal(t, "0.0000", s.ByCourse[1].CollectionRate.StringFixed(4))
}

func TestWindowValidate(t *testing.T) {
	assert.ErrorIs(t, ledger.Window{}.Validate(), ledger.ErrValidation)
	assert.ErrorIs(t, ledger.Window{Start: at(2024, 2, 1), End: at(2024, 1, 1)}.Validate(), ledger.ErrValidation)
	assert.NoError(t, ledger.Window{Start: at(2024, 1, 1), End: at(2024, 1, 1)}.Validate())
}
