package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fee-ledger/ledger"
	"github.com/warp/fee-ledger/ledger/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Store { return newTestStore(t) })
}

func TestAppendOnlyTriggers(t *testing.T) {
	// GIVEN: a transaction row and a receipt row
	// WHEN: raw SQL tries to change or remove them
	// THEN: the triggers abort the statement

	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (student_id, plan_id, installment_id, receipt_id, tx_type, amount,
			payment_method, gateway, status, idempotency_key, created_at)
		VALUES (1, 1, 1, 1, 'payment', '10.00', 'cash', 'manual', 'success', 'k', '2024-01-01T00:00:00.000000000Z')`)
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `UPDATE transactions SET amount = '0.01'`)
	assert.ErrorContains(t, err, "append-only")
	_, err = s.db.ExecContext(ctx, `DELETE FROM transactions`)
	assert.ErrorContains(t, err, "append-only")

	var amount string
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT amount FROM transactions`).Scan(&amount))
	assert.Equal(t, "10.00", amount)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	s, err := New(path)
	require.NoError(t, err)
	first := ledger.Date(2024, 1, 1)
	pl, err := ledger.NewPlanBuilder(ledger.MonthlyCadence, ledger.NewFixedClock(first)).Build(ledger.PlanRequest{
		StudentID: 1, TotalAmount: ledger.MustMoney("1000.00"), NumberOfInstallments: 3, FirstDueDate: &first,
	})
	require.NoError(t, err)
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error { return tx.InsertPlan(ctx, pl) }))
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(ctx))

	got, err := s.GetPlan(ctx, pl.Plan.ID)
	require.NoError(t, err)
	assert.True(t, got.Plan.TotalAmount.Equal(ledger.MustMoney("1000.00")))
	assert.Len(t, got.Installments, 3)
}

func buildPlan(t *testing.T, student ledger.StudentID) *ledger.PlanLedger {
	t.Helper()
	first := ledger.Date(2024, 1, 1)
	pl, err := ledger.NewPlanBuilder(ledger.MonthlyCadence, ledger.NewFixedClock(first)).Build(ledger.PlanRequest{
		StudentID: student, TotalAmount: ledger.MustMoney("300.00"), NumberOfInstallments: 3, FirstDueDate: &first,
	})
	require.NoError(t, err)
	return pl
}

func TestWriterCommitsWhileSnapshotOpen(t *testing.T) {
	tests := []struct {
		name      string
		sameStore bool
	}{
		{"same store", true},
		{"second store on the same file", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: a file database with one plan and a read transaction
			// that has already scanned it
			path := filepath.Join(t.TempDir(), "ledger.db")
			ctx := context.Background()
			s, err := New(path)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error { return tx.InsertPlan(ctx, buildPlan(t, 1)) }))

			writer := s
			if !tt.sameStore {
				writer, err = New(path)
				require.NoError(t, err)
				t.Cleanup(func() { writer.Close() })
			}

			rtx, err := s.beginRead(ctx)
			require.NoError(t, err)
			defer rtx.Rollback()
			before, err := listPlans(ctx, rtx, ledger.PlanFilter{})
			require.NoError(t, err)
			require.Len(t, before, 1)

			// WHEN: a payment-style write runs before the read finishes
			second := buildPlan(t, 2)
			done := make(chan error, 1)
			go func() {
				done <- writer.WithTx(ctx, func(tx ledger.Tx) error {
					if err := tx.InsertPlan(ctx, second); err != nil {
						return err
					}
					_, err := tx.NextReceiptSequence(ctx)
					return err
				})
			}()

			// THEN: the writer commits without waiting for the reader
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("writer blocked by open snapshot")
			}

			// AND: the open read still sees its own snapshot
			during, err := listPlans(ctx, rtx, ledger.PlanFilter{})
			require.NoError(t, err)
			assert.Len(t, during, 1)

			require.NoError(t, rtx.Rollback())
			snap, err := s.Snapshot(ctx)
			require.NoError(t, err)
			assert.Len(t, snap.Plans, 2)
		})
	}
}

func TestReadHandleIsQueryOnly(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.reads.ExecContext(context.Background(), `DELETE FROM receipt_sequence`)
	assert.Error(t, err)
}

func TestTimeEncodingSortsLexically(t *testing.T) {
	a := formatTime(ledger.Date(2024, 1, 9))
	b := formatTime(ledger.Date(2024, 1, 10))
	assert.Less(t, a, b)
	assert.True(t, parseTime(a).Equal(ledger.Date(2024, 1, 9)))
}
