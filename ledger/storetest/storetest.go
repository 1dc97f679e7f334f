// Package storetest is a conformance suite for ledger.Store implementations.
// Each store package runs it from its own tests:
//
//	storetest.Run(t, func(t *testing.T) ledger.Store { return store.NewMemory() })
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fee-ledger/ledger"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) ledger.Store

// Run executes every contract test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("PlanRoundTrip", func(t *testing.T) { testPlanRoundTrip(t, newStore(t)) })
	t.Run("ListPlansFilter", func(t *testing.T) { testListPlansFilter(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("PaymentRecords", func(t *testing.T) { testPaymentRecords(t, newStore(t)) })
	t.Run("DuplicateIdempotencyKey", func(t *testing.T) { testDuplicateKey(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("ReceiptSequence", func(t *testing.T) { testReceiptSequence(t, newStore(t)) })
	t.Run("GatewayPayments", func(t *testing.T) { testGatewayPayments(t, newStore(t)) })
	t.Run("TransactionOrderAndFilter", func(t *testing.T) { testTransactionFilter(t, newStore(t)) })
	t.Run("Snapshot", func(t *testing.T) { testSnapshot(t, newStore(t)) })
	t.Run("ConcurrentWrites", func(t *testing.T) { testConcurrentWrites(t, newStore(t)) })
}

// =============================================================================
// FIXTURES
// =============================================================================

var created = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func newPlan(t *testing.T, student ledger.StudentID, course *ledger.CourseID, total string, n int) *ledger.PlanLedger {
	t.Helper()
	first := ledger.Date(2024, 1, 1)
	pl, err := ledger.NewPlanBuilder(ledger.MonthlyCadence, ledger.NewFixedClock(created)).Build(ledger.PlanRequest{
		StudentID:            student,
		CourseID:             course,
		TotalAmount:          ledger.MustMoney(total),
		NumberOfInstallments: n,
		FirstDueDate:         &first,
		Description:          "term fees",
		CreatedBy:            "admin",
	})
	require.NoError(t, err)
	return pl
}

func insertPlan(t *testing.T, s ledger.Store, pl *ledger.PlanLedger) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), func(tx ledger.Tx) error {
		return tx.InsertPlan(context.Background(), pl)
	}))
}

// settle pays installment n of pl the way the reconciler does.
func settle(t *testing.T, s ledger.Store, pl *ledger.PlanLedger, n int, key string, at time.Time) (*ledger.Receipt, *ledger.Transaction) {
	t.Helper()
	ctx := context.Background()
	var receipt *ledger.Receipt
	var txn *ledger.Transaction
	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		current, err := tx.GetPlan(ctx, pl.Plan.ID)
		if err != nil {
			return err
		}
		inst := current.Installments[n-1]
		seq, err := tx.NextReceiptSequence(ctx)
		if err != nil {
			return err
		}
		receipt = &ledger.Receipt{
			ReceiptNumber: ledger.FormatReceiptNumber("RCP", at, seq),
			StudentID:     current.Plan.StudentID,
			PlanID:        current.Plan.ID,
			InstallmentID: inst.ID,
			Amount:        inst.Amount,
			ReceiptType:   ledger.ReceiptTuitionFee,
			PaymentMethod: ledger.MethodCash,
			PaymentDate:   at,
			GeneratedBy:   "cashier",
			GeneratedAt:   at,
		}
		if err := tx.InsertReceipt(ctx, receipt); err != nil {
			return err
		}
		if err := ledger.NewStateMachine(0).MarkPaid(current, inst.ID, ledger.Settlement{ReceiptID: receipt.ID, PaidAt: at}, at); err != nil {
			return err
		}
		txn = &ledger.Transaction{
			StudentID:       current.Plan.StudentID,
			PlanID:          current.Plan.ID,
			InstallmentID:   inst.ID,
			ReceiptID:       receipt.ID,
			Type:            ledger.TxPayment,
			Amount:          inst.Amount,
			PaymentMethod:   ledger.MethodCash,
			Gateway:         ledger.GatewayManual,
			Status:          ledger.TxStatusSuccess,
			ReferenceNumber: key,
			IdempotencyKey:  key,
			CreatedBy:       "cashier",
			CreatedAt:       at,
		}
		if err := tx.AppendTransaction(ctx, txn); err != nil {
			return err
		}
		return tx.UpdatePlan(ctx, current)
	})
	require.NoError(t, err)
	return receipt, txn
}

// =============================================================================
// CONTRACT TESTS
// =============================================================================

func testPlanRoundTrip(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	course := ledger.CourseID(3)
	pl := newPlan(t, 7, &course, "1000.00", 3)

	insertPlan(t, s, pl)

	require.NotZero(t, pl.Plan.ID)
	for _, inst := range pl.Installments {
		require.NotZero(t, inst.ID)
		assert.Equal(t, pl.Plan.ID, inst.PlanID)
	}

	got, err := s.GetPlan(ctx, pl.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StudentID(7), got.Plan.StudentID)
	require.NotNil(t, got.Plan.CourseID)
	assert.Equal(t, course, *got.Plan.CourseID)
	assert.True(t, got.Plan.TotalAmount.Equal(ledger.MustMoney("1000.00")))
	assert.True(t, got.Plan.BalanceAmount.Equal(ledger.MustMoney("1000.00")))
	assert.Equal(t, ledger.PlanActive, got.Plan.Status)
	assert.Equal(t, "term fees", got.Plan.Description)
	assert.True(t, got.Plan.CreatedAt.Equal(created))

	require.Len(t, got.Installments, 3)
	assert.True(t, got.Installments[2].Amount.Equal(ledger.MustMoney("333.34")))
	assert.True(t, got.Installments[1].DueDate.Equal(ledger.Date(2024, 2, 1)))
	assert.Nil(t, got.Installments[0].PaidDate)
	assert.Nil(t, got.Installments[0].ReceiptID)
	assert.NoError(t, got.Validate())

	planID, err := s.PlanIDForInstallment(ctx, got.Installments[1].ID)
	require.NoError(t, err)
	assert.Equal(t, pl.Plan.ID, planID)
}

func testListPlansFilter(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	c1, c2 := ledger.CourseID(1), ledger.CourseID(2)
	a := newPlan(t, 1, &c1, "100.00", 1)
	b := newPlan(t, 1, &c2, "100.00", 2)
	c := newPlan(t, 2, nil, "100.00", 1)
	c.Plan.Status = ledger.PlanSuspended
	for _, pl := range []*ledger.PlanLedger{a, b, c} {
		insertPlan(t, s, pl)
	}

	all, err := s.ListPlans(ctx, ledger.PlanFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, a.Plan.ID, all[0].Plan.ID)
	assert.Len(t, all[1].Installments, 2)

	student := ledger.StudentID(1)
	byStudent, err := s.ListPlans(ctx, ledger.PlanFilter{StudentID: &student})
	require.NoError(t, err)
	assert.Len(t, byStudent, 2)

	byCourse, err := s.ListPlans(ctx, ledger.PlanFilter{CourseID: &c2})
	require.NoError(t, err)
	require.Len(t, byCourse, 1)
	assert.Equal(t, b.Plan.ID, byCourse[0].Plan.ID)

	byStatus, err := s.ListPlans(ctx, ledger.PlanFilter{Statuses: []ledger.PlanStatus{ledger.PlanSuspended, ledger.PlanCancelled}})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, c.Plan.ID, byStatus[0].Plan.ID)
}

func testNotFound(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	_, err := s.GetPlan(ctx, 404)
	assert.ErrorIs(t, err, ledger.ErrPlanNotFound)
	_, err = s.PlanIDForInstallment(ctx, 404)
	assert.ErrorIs(t, err, ledger.ErrInstallmentNotFound)
	_, err = s.GetReceipt(ctx, 404)
	assert.ErrorIs(t, err, ledger.ErrReceiptNotFound)
	_, err = s.GetGatewayPayment(ctx, "pi_missing")
	assert.ErrorIs(t, err, ledger.ErrGatewayPaymentNotFound)

	tx, err := s.TransactionByIdempotencyKey(ctx, "nope")
	assert.NoError(t, err)
	assert.Nil(t, tx)

	err = s.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.UpdatePlan(ctx, &ledger.PlanLedger{Plan: ledger.PaymentPlan{ID: 404}})
	})
	assert.ErrorIs(t, err, ledger.ErrPlanNotFound)
}

func testPaymentRecords(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	pl := newPlan(t, 9, nil, "300.00", 3)
	insertPlan(t, s, pl)
	paidAt := time.Date(2024, 1, 5, 14, 30, 0, 0, time.UTC)

	receipt, txn := settle(t, s, pl, 1, "manual:CASH-1", paidAt)

	gotReceipt, err := s.GetReceipt(ctx, receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, "RCP-2024-000001", gotReceipt.ReceiptNumber)
	assert.True(t, gotReceipt.Amount.Equal(ledger.MustMoney("100.00")))
	assert.Equal(t, ledger.ReceiptTuitionFee, gotReceipt.ReceiptType)
	assert.True(t, gotReceipt.PaymentDate.Equal(paidAt))

	byKey, err := s.TransactionByIdempotencyKey(ctx, "manual:CASH-1")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, txn.ID, byKey.ID)
	assert.Equal(t, receipt.ID, byKey.ReceiptID)
	assert.Equal(t, ledger.GatewayManual, byKey.Gateway)
	assert.True(t, byKey.CreatedAt.Equal(paidAt))

	got, err := s.GetPlan(ctx, pl.Plan.ID)
	require.NoError(t, err)
	inst := got.Installments[0]
	assert.Equal(t, ledger.InstallmentPaid, inst.Status)
	require.NotNil(t, inst.ReceiptID)
	assert.Equal(t, receipt.ID, *inst.ReceiptID)
	require.NotNil(t, inst.PaidDate)
	assert.True(t, inst.PaidDate.Equal(paidAt))
	assert.True(t, got.Plan.PaidAmount.Equal(ledger.MustMoney("100.00")))
	assert.True(t, got.Plan.BalanceAmount.Equal(ledger.MustMoney("200.00")))
}

func testDuplicateKey(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	pl := newPlan(t, 1, nil, "200.00", 2)
	insertPlan(t, s, pl)
	settle(t, s, pl, 1, "manual:DUP", created)

	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.AppendTransaction(ctx, &ledger.Transaction{
			StudentID:      1,
			PlanID:         pl.Plan.ID,
			InstallmentID:  pl.Installments[1].ID,
			Type:           ledger.TxPayment,
			Amount:         ledger.MustMoney("100.00"),
			PaymentMethod:  ledger.MethodCash,
			Gateway:        ledger.GatewayManual,
			Status:         ledger.TxStatusSuccess,
			IdempotencyKey: "manual:DUP",
			CreatedAt:      created,
		})
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	txs, err := s.ListTransactions(ctx, ledger.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func testRollback(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	pl := newPlan(t, 1, nil, "200.00", 2)
	insertPlan(t, s, pl)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		current, err := tx.GetPlan(ctx, pl.Plan.ID)
		if err != nil {
			return err
		}
		seq, err := tx.NextReceiptSequence(ctx)
		if err != nil {
			return err
		}
		r := &ledger.Receipt{
			ReceiptNumber: ledger.FormatReceiptNumber("RCP", created, seq),
			StudentID:     1,
			PlanID:        current.Plan.ID,
			InstallmentID: current.Installments[0].ID,
			Amount:        current.Installments[0].Amount,
			ReceiptType:   ledger.ReceiptTuitionFee,
			PaymentMethod: ledger.MethodCash,
			PaymentDate:   created,
			GeneratedAt:   created,
		}
		if err := tx.InsertReceipt(ctx, r); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, &ledger.Transaction{
			StudentID: 1, PlanID: current.Plan.ID, InstallmentID: current.Installments[0].ID, ReceiptID: r.ID,
			Type: ledger.TxPayment, Amount: r.Amount, PaymentMethod: ledger.MethodCash, Gateway: ledger.GatewayManual,
			Status: ledger.TxStatusSuccess, IdempotencyKey: "manual:ROLLBACK", CreatedAt: created,
		}); err != nil {
			return err
		}
		current.Installments[0].Status = ledger.InstallmentPaid
		if err := tx.UpdatePlan(ctx, current); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetPlan(ctx, pl.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.InstallmentPending, got.Installments[0].Status)
	txn, err := s.TransactionByIdempotencyKey(ctx, "manual:ROLLBACK")
	require.NoError(t, err)
	assert.Nil(t, txn)
	_, err = s.GetReceipt(ctx, 1)
	assert.ErrorIs(t, err, ledger.ErrReceiptNotFound)

	// The sequence rolled back too, so the next receipt is still number 1.
	r, _ := settle(t, s, pl, 1, "manual:AFTER", created)
	assert.Equal(t, "RCP-2024-000001", r.ReceiptNumber)
}

func testReceiptSequence(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	var seqs []int64
	for i := 0; i < 3; i++ {
		require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
			n, err := tx.NextReceiptSequence(ctx)
			seqs = append(seqs, n)
			return err
		}))
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)
}

func testGatewayPayments(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	pl := newPlan(t, 4, nil, "100.00", 1)
	insertPlan(t, s, pl)
	instID := pl.Installments[0].ID

	gp := &ledger.GatewayPayment{
		PaymentIntentID: "pi_123",
		StudentID:       4,
		InstallmentID:   &instID,
		Amount:          ledger.MustMoney("100.00"),
		Currency:        "npr",
		Status:          ledger.GatewayPending,
		ClientSecret:    "pi_123_secret",
		CreatedAt:       created,
		UpdatedAt:       created,
	}
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error { return tx.InsertGatewayPayment(ctx, gp) }))
	assert.NotZero(t, gp.ID)

	dup := *gp
	err := s.WithTx(ctx, func(tx ledger.Tx) error { return tx.InsertGatewayPayment(ctx, &dup) })
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	later := created.Add(time.Hour)
	gp.Status = ledger.GatewayFailed
	gp.ErrorMessage = "card declined"
	gp.UpdatedAt = later
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error { return tx.UpdateGatewayPayment(ctx, gp) }))

	got, err := s.GetGatewayPayment(ctx, "pi_123")
	require.NoError(t, err)
	assert.Equal(t, ledger.GatewayFailed, got.Status)
	assert.Equal(t, "card declined", got.ErrorMessage)
	assert.Equal(t, "npr", got.Currency)
	require.NotNil(t, got.InstallmentID)
	assert.Equal(t, instID, *got.InstallmentID)
	assert.True(t, got.UpdatedAt.Equal(later))

	missing := &ledger.GatewayPayment{PaymentIntentID: "pi_nope", Status: ledger.GatewayFailed}
	err = s.WithTx(ctx, func(tx ledger.Tx) error { return tx.UpdateGatewayPayment(ctx, missing) })
	assert.ErrorIs(t, err, ledger.ErrGatewayPaymentNotFound)
}

func testTransactionFilter(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	a := newPlan(t, 1, nil, "300.00", 3)
	b := newPlan(t, 2, nil, "100.00", 1)
	insertPlan(t, s, a)
	insertPlan(t, s, b)

	settle(t, s, a, 2, "k2", ledger.Date(2024, 2, 1))
	settle(t, s, a, 1, "k1", ledger.Date(2024, 1, 1))
	settle(t, s, b, 1, "k3", ledger.Date(2024, 3, 1))

	all, err := s.ListTransactions(ctx, ledger.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "k1", all[0].IdempotencyKey)
	assert.Equal(t, "k2", all[1].IdempotencyKey)
	assert.Equal(t, "k3", all[2].IdempotencyKey)

	student := ledger.StudentID(1)
	byStudent, err := s.ListTransactions(ctx, ledger.TransactionFilter{StudentID: &student})
	require.NoError(t, err)
	assert.Len(t, byStudent, 2)

	from, to := ledger.Date(2024, 1, 15), ledger.Date(2024, 2, 15)
	ranged, err := s.ListTransactions(ctx, ledger.TransactionFilter{From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, "k2", ranged[0].IdempotencyKey)

	limited, err := s.ListTransactions(ctx, ledger.TransactionFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	refunds, err := s.ListTransactions(ctx, ledger.TransactionFilter{Types: []ledger.TransactionType{ledger.TxRefund}})
	require.NoError(t, err)
	assert.Empty(t, refunds)
}

func testSnapshot(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	pl := newPlan(t, 1, nil, "200.00", 2)
	insertPlan(t, s, pl)
	settle(t, s, pl, 1, "snap-1", created)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Plans, 1)
	require.Len(t, snap.Transactions, 1)
	assert.False(t, snap.TakenAt.IsZero())

	// Later writes do not leak into an already-taken snapshot.
	settle(t, s, pl, 2, "snap-2", created)
	assert.Len(t, snap.Transactions, 1)
	assert.Equal(t, ledger.InstallmentPending, snap.Plans[0].Installments[1].Status)
}

func testConcurrentWrites(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	const workers = 8

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.WithTx(ctx, func(tx ledger.Tx) error {
				if _, err := tx.NextReceiptSequence(ctx); err != nil {
					return err
				}
				return tx.AppendTransaction(ctx, &ledger.Transaction{
					StudentID: 1, PlanID: 1, InstallmentID: 1, ReceiptID: 1,
					Type: ledger.TxPayment, Amount: ledger.MustMoney("1.00"), PaymentMethod: ledger.MethodCash,
					Gateway: ledger.GatewayManual, Status: ledger.TxStatusSuccess,
					IdempotencyKey: fmt.Sprintf("worker-%d", i), CreatedAt: created,
				})
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
		n, err := tx.NextReceiptSequence(ctx)
		assert.Equal(t, int64(workers+1), n)
		return err
	}))
}
