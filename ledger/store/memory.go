// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/fee-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps guarded by one RWMutex. WithTx holds the
// write lock for the whole callback, so readers only ever see committed state.
type Memory struct {
	mu sync.RWMutex
	state
}

type state struct {
	plans        map[ledger.PlanID]ledger.PlanLedger
	owners       map[ledger.InstallmentID]ledger.PlanID
	receipts     map[ledger.ReceiptID]ledger.Receipt
	transactions []ledger.Transaction
	idempotency  map[string]int // key -> index into transactions
	gateway      map[string]ledger.GatewayPayment

	nextPlanID        ledger.PlanID
	nextInstallmentID ledger.InstallmentID
	nextReceiptID     ledger.ReceiptID
	nextTxID          ledger.TransactionID
	nextGatewayID     ledger.GatewayPaymentID
	receiptSeq        int64
}

func NewMemory() *Memory {
	return &Memory{state: state{
		plans:       make(map[ledger.PlanID]ledger.PlanLedger),
		owners:      make(map[ledger.InstallmentID]ledger.PlanID),
		receipts:    make(map[ledger.ReceiptID]ledger.Receipt),
		idempotency: make(map[string]int),
		gateway:     make(map[string]ledger.GatewayPayment),
	}}
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetPlan(ctx context.Context, id ledger.PlanID) (*ledger.PlanLedger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getPlan(id)
}

func (m *Memory) ListPlans(ctx context.Context, filter ledger.PlanFilter) ([]ledger.PlanLedger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listPlans(filter), nil
}

func (m *Memory) PlanIDForInstallment(ctx context.Context, id ledger.InstallmentID) (ledger.PlanID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.planIDForInstallment(id)
}

func (m *Memory) GetReceipt(ctx context.Context, id ledger.ReceiptID) (*ledger.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getReceipt(id)
}

func (m *Memory) TransactionByIdempotencyKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.txByKey(key), nil
}

func (m *Memory) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listTransactions(filter), nil
}

func (m *Memory) GetGatewayPayment(ctx context.Context, intentID string) (*ledger.GatewayPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getGateway(intentID)
}

// Snapshot copies every plan and transaction under the read lock.
func (m *Memory) Snapshot(ctx context.Context) (*ledger.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &ledger.Snapshot{
		TakenAt:      time.Now().UTC(),
		Plans:        m.state.listPlans(ledger.PlanFilter{}),
		Transactions: m.state.listTransactions(ledger.TransactionFilter{}),
	}, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := m.state.clone()
	if err := fn(&txView{s: &m.state}); err != nil {
		m.state = saved
		return err
	}
	return nil
}

type txView struct {
	s *state
}

func (v *txView) GetPlan(_ context.Context, id ledger.PlanID) (*ledger.PlanLedger, error) {
	return v.s.getPlan(id)
}

func (v *txView) ListPlans(_ context.Context, filter ledger.PlanFilter) ([]ledger.PlanLedger, error) {
	return v.s.listPlans(filter), nil
}

func (v *txView) PlanIDForInstallment(_ context.Context, id ledger.InstallmentID) (ledger.PlanID, error) {
	return v.s.planIDForInstallment(id)
}

func (v *txView) GetReceipt(_ context.Context, id ledger.ReceiptID) (*ledger.Receipt, error) {
	return v.s.getReceipt(id)
}

func (v *txView) TransactionByIdempotencyKey(_ context.Context, key string) (*ledger.Transaction, error) {
	return v.s.txByKey(key), nil
}

func (v *txView) ListTransactions(_ context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	return v.s.listTransactions(filter), nil
}

func (v *txView) GetGatewayPayment(_ context.Context, intentID string) (*ledger.GatewayPayment, error) {
	return v.s.getGateway(intentID)
}

func (v *txView) InsertPlan(_ context.Context, pl *ledger.PlanLedger) error {
	v.s.nextPlanID++
	pl.Plan.ID = v.s.nextPlanID
	for i := range pl.Installments {
		v.s.nextInstallmentID++
		pl.Installments[i].ID = v.s.nextInstallmentID
		pl.Installments[i].PlanID = pl.Plan.ID
		v.s.owners[pl.Installments[i].ID] = pl.Plan.ID
	}
	v.s.plans[pl.Plan.ID] = pl.Clone()
	return nil
}

func (v *txView) UpdatePlan(_ context.Context, pl *ledger.PlanLedger) error {
	if _, ok := v.s.plans[pl.Plan.ID]; !ok {
		return ledger.ErrPlanNotFound
	}
	v.s.plans[pl.Plan.ID] = pl.Clone()
	return nil
}

func (v *txView) NextReceiptSequence(_ context.Context) (int64, error) {
	v.s.receiptSeq++
	return v.s.receiptSeq, nil
}

func (v *txView) InsertReceipt(_ context.Context, r *ledger.Receipt) error {
	v.s.nextReceiptID++
	r.ID = v.s.nextReceiptID
	v.s.receipts[r.ID] = *r
	return nil
}

func (v *txView) AppendTransaction(_ context.Context, tx *ledger.Transaction) error {
	if tx.IdempotencyKey != "" {
		if _, exists := v.s.idempotency[tx.IdempotencyKey]; exists {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}
	v.s.nextTxID++
	tx.ID = v.s.nextTxID
	v.s.transactions = append(v.s.transactions, *tx)
	if tx.IdempotencyKey != "" {
		v.s.idempotency[tx.IdempotencyKey] = len(v.s.transactions) - 1
	}
	return nil
}

func (v *txView) InsertGatewayPayment(_ context.Context, gp *ledger.GatewayPayment) error {
	if _, exists := v.s.gateway[gp.PaymentIntentID]; exists {
		return ledger.ErrDuplicateIdempotencyKey
	}
	v.s.nextGatewayID++
	gp.ID = v.s.nextGatewayID
	v.s.gateway[gp.PaymentIntentID] = *gp
	return nil
}

func (v *txView) UpdateGatewayPayment(_ context.Context, gp *ledger.GatewayPayment) error {
	if _, ok := v.s.gateway[gp.PaymentIntentID]; !ok {
		return ledger.ErrGatewayPaymentNotFound
	}
	v.s.gateway[gp.PaymentIntentID] = *gp
	return nil
}

// =============================================================================
// STATE HELPERS (caller holds the lock)
// =============================================================================

func (s *state) getPlan(id ledger.PlanID) (*ledger.PlanLedger, error) {
	pl, ok := s.plans[id]
	if !ok {
		return nil, ledger.ErrPlanNotFound
	}
	out := pl.Clone()
	return &out, nil
}

func (s *state) listPlans(filter ledger.PlanFilter) []ledger.PlanLedger {
	out := make([]ledger.PlanLedger, 0, len(s.plans))
	for _, pl := range s.plans {
		if filter.Matches(pl.Plan) {
			out = append(out, pl.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Plan.ID < out[j].Plan.ID })
	return out
}

func (s *state) planIDForInstallment(id ledger.InstallmentID) (ledger.PlanID, error) {
	planID, ok := s.owners[id]
	if !ok {
		return 0, ledger.ErrInstallmentNotFound
	}
	return planID, nil
}

func (s *state) getReceipt(id ledger.ReceiptID) (*ledger.Receipt, error) {
	r, ok := s.receipts[id]
	if !ok {
		return nil, ledger.ErrReceiptNotFound
	}
	return &r, nil
}

func (s *state) txByKey(key string) *ledger.Transaction {
	i, ok := s.idempotency[key]
	if !ok {
		return nil
	}
	tx := s.transactions[i]
	return &tx
}

func (s *state) listTransactions(filter ledger.TransactionFilter) []ledger.Transaction {
	var out []ledger.Transaction
	for _, tx := range s.transactions {
		if filter.Matches(tx) {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func (s *state) getGateway(intentID string) (*ledger.GatewayPayment, error) {
	gp, ok := s.gateway[intentID]
	if !ok {
		return nil, ledger.ErrGatewayPaymentNotFound
	}
	return &gp, nil
}

func (s *state) clone() state {
	c := *s
	c.plans = make(map[ledger.PlanID]ledger.PlanLedger, len(s.plans))
	for k, v := range s.plans {
		c.plans[k] = v.Clone()
	}
	c.owners = make(map[ledger.InstallmentID]ledger.PlanID, len(s.owners))
	for k, v := range s.owners {
		c.owners[k] = v
	}
	c.receipts = make(map[ledger.ReceiptID]ledger.Receipt, len(s.receipts))
	for k, v := range s.receipts {
		c.receipts[k] = v
	}
	c.transactions = append([]ledger.Transaction(nil), s.transactions...)
	c.idempotency = make(map[string]int, len(s.idempotency))
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	c.gateway = make(map[string]ledger.GatewayPayment, len(s.gateway))
	for k, v := range s.gateway {
		c.gateway[k] = v
	}
	return c
}

var _ ledger.Store = (*Memory)(nil)
