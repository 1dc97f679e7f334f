package ledger_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fee-ledger/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func money(s string) decimal.Decimal { return ledger.MustMoney(s) }

func at(y int, m time.Month, d int) time.Time { return ledger.Date(y, m, d) }

func newBuilder(now time.Time) *ledger.PlanBuilder {
	return ledger.NewPlanBuilder(ledger.MonthlyCadence, ledger.NewFixedClock(now))
}

// buildPlan returns a plan with ids assigned the way a store would.
func buildPlan(t *testing.T, total string, n int, firstDue time.Time) *ledger.PlanLedger {
	t.Helper()
	pl, err := newBuilder(firstDue).Build(ledger.PlanRequest{
		StudentID:            1,
		TotalAmount:          money(total),
		NumberOfInstallments: n,
		FirstDueDate:         &firstDue,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	pl.Plan.ID = 1
	for i := range pl.Installments {
		pl.Installments[i].ID = ledger.InstallmentID(i + 1)
		pl.Installments[i].PlanID = 1
	}
	return pl
}

// =============================================================================
// SPLIT RULE
// =============================================================================

func TestSplitAmount_ThousandOverThree(t *testing.T) {
	// GIVEN: 1000.00 over 3
	// WHEN: splitting
	// THEN: 333.33, 333.33, 333.34 (remainder on the last)

	parts, err := ledger.SplitAmount(money("1000.00"), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"333.33", "333.33", "333.34"}
	for i, p := range parts {
		if p.StringFixed(2) != want[i] {
			t.Errorf("installment %d: expected %s, got %s", i+1, want[i], p.StringFixed(2))
		}
	}
}

func TestSplitAmount_SumIsExact(t *testing.T) {
	// GIVEN: a grid of totals and counts
	// WHEN: splitting each
	// THEN: every split sums to the total to the cent, all parts positive

	totals := []string{"0.01", "0.99", "1.00", "10.00", "99.99", "100.00", "1000.00", "1234.57", "99999.99", "1000000.01"}
	for _, total := range totals {
		for n := 1; n <= ledger.MaxInstallments; n++ {
			parts, err := ledger.SplitAmount(money(total), n)
			if money(total).LessThan(decimal.New(int64(n), -2)) {
				if !errors.Is(err, ledger.ErrInvalidAmount) {
					t.Errorf("%s/%d: expected ErrInvalidAmount, got %v", total, n, err)
				}
				continue
			}
			if err != nil {
				t.Fatalf("%s/%d: unexpected error: %v", total, n, err)
			}
			if len(parts) != n {
				t.Fatalf("%s/%d: got %d parts", total, n, len(parts))
			}
			sum := decimal.Zero
			for _, p := range parts {
				if !p.IsPositive() {
					t.Errorf("%s/%d: non-positive part %s", total, n, p)
				}
				sum = sum.Add(p)
			}
			if !sum.Equal(money(total)) {
				t.Errorf("%s/%d: parts sum to %s", total, n, sum)
			}
		}
	}
}

func TestSplitAmount_Rejections(t *testing.T) {
	tests := []struct {
		total string
		n     int
		want  error
	}{
		{"0", 3, ledger.ErrInvalidAmount},
		{"-10.00", 3, ledger.ErrInvalidAmount},
		{"10.005", 3, ledger.ErrInvalidAmount},
		{"100.00", 0, ledger.ErrInvalidInstallmentCount},
		{"100.00", 101, ledger.ErrInvalidInstallmentCount},
		{"0.02", 3, ledger.ErrInvalidAmount},
		{"0.50", 100, ledger.ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.total, tt.n), func(t *testing.T) {
			d, _ := decimal.NewFromString(tt.total)
			_, err := ledger.SplitAmount(d, tt.n)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if !errors.Is(err, ledger.ErrValidation) {
				t.Errorf("expected a validation error, got %T", err)
			}
		})
	}
}

// =============================================================================
// BUILDER
// =============================================================================

func TestPlanBuilder_Build(t *testing.T) {
	// GIVEN: no first due date, clock at 2024-01-31 15:00
	// WHEN: building 4 monthly installments
	// THEN: first due on creation day, later months clamp to month end

	now := time.Date(2024, 1, 31, 15, 0, 0, 0, time.UTC)
	course := ledger.CourseID(8)
	pl, err := newBuilder(now).Build(ledger.PlanRequest{
		StudentID:            3,
		CourseID:             &course,
		TotalAmount:          money("400.00"),
		NumberOfInstallments: 4,
		Description:          "BSc term 1",
		CreatedBy:            "admin",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantDue := []time.Time{at(2024, 1, 31), at(2024, 2, 29), at(2024, 3, 31), at(2024, 4, 30)}
	for i, inst := range pl.Installments {
		if !inst.DueDate.Equal(wantDue[i]) {
			t.Errorf("installment %d: due %s, expected %s", i+1, inst.DueDate.Format("2006-01-02"), wantDue[i].Format("2006-01-02"))
		}
		if inst.Status != ledger.InstallmentPending {
			t.Errorf("installment %d: status %s", i+1, inst.Status)
		}
	}
	if pl.Plan.Status != ledger.PlanActive || !pl.Plan.PaidAmount.IsZero() || !pl.Plan.BalanceAmount.Equal(money("400.00")) {
		t.Errorf("unexpected header: %+v", pl.Plan)
	}
	if !pl.Plan.CreatedAt.Equal(now) {
		t.Errorf("created at %s, expected %s", pl.Plan.CreatedAt, now)
	}
	if err := pl.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestPlanBuilder_WeeklyCadence(t *testing.T) {
	first := at(2024, 3, 4)
	b := ledger.NewPlanBuilder(ledger.Cadence{Unit: ledger.CadenceWeek, Interval: 2}, ledger.NewFixedClock(first))
	pl, err := b.Build(ledger.PlanRequest{StudentID: 1, TotalAmount: money("90.00"), NumberOfInstallments: 3, FirstDueDate: &first})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := pl.Installments[2].DueDate; !got.Equal(at(2024, 4, 1)) {
		t.Errorf("third due date %s", got.Format("2006-01-02"))
	}
}

func TestPlanBuilder_RejectsBadStudent(t *testing.T) {
	_, err := newBuilder(at(2024, 1, 1)).Build(ledger.PlanRequest{TotalAmount: money("10.00"), NumberOfInstallments: 1})
	if !errors.Is(err, ledger.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestPlanLedger_ValidateCatchesDrift(t *testing.T) {
	pl := buildPlan(t, "300.00", 3, at(2024, 1, 1))

	pl.Installments[1].Amount = money("99.99")
	if err := pl.Validate(); err == nil {
		t.Error("expected sum mismatch")
	}

	pl = buildPlan(t, "300.00", 3, at(2024, 1, 1))
	pl.Installments[2].InstallmentNumber = 4
	if err := pl.Validate(); err == nil {
		t.Error("expected numbering gap")
	}

	pl = buildPlan(t, "300.00", 3, at(2024, 1, 1))
	pl.Plan.BalanceAmount = money("1.00")
	if err := pl.Validate(); err == nil {
		t.Error("expected balance identity violation")
	}
}

func TestFormatReceiptNumber(t *testing.T) {
	if got := ledger.FormatReceiptNumber("", at(2024, 5, 1), 42); got != "RCP-2024-000042" {
		t.Errorf("got %s", got)
	}
	if got := ledger.FormatReceiptNumber("KTM", at(2025, 1, 1), 1234567); got != "KTM-2025-1234567" {
		t.Errorf("got %s", got)
	}
}

func TestMinorUnits(t *testing.T) {
	if got := ledger.ToMinorUnits(money("333.34")); got != 33334 {
		t.Errorf("got %d", got)
	}
	if got := ledger.FromMinorUnits(33334); !got.Equal(money("333.34")) {
		t.Errorf("got %s", got)
	}
}
