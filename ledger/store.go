/*
store.go - Persistence interface for the ledger

PURPOSE:
  Defines the boundary between ledger logic and the database. Stores hold
  one table per entity, keyed by surrogate integer ids:
    payment_plans, installments, receipts, transactions, gateway_payments

KEY INTERFACES:
  Reader: lookups and listings, always post-commit state
  Tx:     Reader + writes, only reachable inside Store.WithTx
  Store:  Reader + WithTx + Snapshot

APPEND-ONLY CONTRACT:
  Transactions and receipts are only ever inserted. There is no update or
  delete for either. Plans and installments are updated, never deleted
  once an installment has been paid.

IDEMPOTENCY:
  transactions.idempotency_key is UNIQUE. AppendTransaction fails with
  ErrDuplicateIdempotencyKey when the key already exists, and
  TransactionByIdempotencyKey lets the reconciler return the original result.

ATOMICITY:
  WithTx runs fn in one database transaction. If fn returns an error, every
  write made through the Tx is rolled back: receipt, transaction, plan and
  gateway record change together or not at all.

IMPLEMENTATIONS:
  - store/sqlite: SQLite via database/sql
  - ledger/store: in-memory, for tests and development

SEE ALSO:
  - billing/reconciler.go: the main WithTx caller
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

type PlanFilter struct {
	StudentID *StudentID
	CourseID  *CourseID
	Statuses  []PlanStatus
}

// Matches reports whether a plan passes the filter. Stores use it for
// in-memory filtering; SQL stores translate it to WHERE clauses.
func (f PlanFilter) Matches(p PaymentPlan) bool {
	if f.StudentID != nil && p.StudentID != *f.StudentID {
		return false
	}
	if f.CourseID != nil && (p.CourseID == nil || *p.CourseID != *f.CourseID) {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if s == p.Status {
				return true
			}
		}
		return false
	}
	return true
}

type TransactionFilter struct {
	StudentID *StudentID
	PlanID    *PlanID
	Types     []TransactionType
	From      *time.Time
	To        *time.Time
	Limit     int
}

func (f TransactionFilter) Matches(tx Transaction) bool {
	if f.StudentID != nil && tx.StudentID != *f.StudentID {
		return false
	}
	if f.PlanID != nil && tx.PlanID != *f.PlanID {
		return false
	}
	if f.From != nil && tx.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && tx.CreatedAt.After(*f.To) {
		return false
	}
	if len(f.Types) > 0 {
		for _, t := range f.Types {
			if t == tx.Type {
				return true
			}
		}
		return false
	}
	return true
}

// Reader exposes committed ledger state.
type Reader interface {
	// GetPlan returns the plan with its installments, or ErrPlanNotFound.
	GetPlan(ctx context.Context, id PlanID) (*PlanLedger, error)

	ListPlans(ctx context.Context, filter PlanFilter) ([]PlanLedger, error)

	// PlanIDForInstallment resolves ownership, or ErrInstallmentNotFound.
	PlanIDForInstallment(ctx context.Context, id InstallmentID) (PlanID, error)

	GetReceipt(ctx context.Context, id ReceiptID) (*Receipt, error)

	// TransactionByIdempotencyKey returns nil, nil when the key is unused.
	TransactionByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)

	// ListTransactions returns transactions ordered by CreatedAt, then ID.
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)

	// GetGatewayPayment returns ErrGatewayPaymentNotFound for unknown intents.
	GetGatewayPayment(ctx context.Context, paymentIntentID string) (*GatewayPayment, error)
}

// Tx is the write side, valid only inside WithTx.
type Tx interface {
	Reader

	// InsertPlan assigns ids to the plan and every installment.
	InsertPlan(ctx context.Context, pl *PlanLedger) error

	// UpdatePlan persists the plan header and installment state.
	UpdatePlan(ctx context.Context, pl *PlanLedger) error

	// NextReceiptSequence returns the next value of the receipt counter.
	NextReceiptSequence(ctx context.Context) (int64, error)

	// InsertReceipt assigns the receipt id. ReceiptNumber must be set.
	InsertReceipt(ctx context.Context, r *Receipt) error

	// AppendTransaction assigns the id. Fails with ErrDuplicateIdempotencyKey.
	AppendTransaction(ctx context.Context, tx *Transaction) error

	InsertGatewayPayment(ctx context.Context, gp *GatewayPayment) error
	UpdateGatewayPayment(ctx context.Context, gp *GatewayPayment) error
}

// Store is what the billing service depends on.
type Store interface {
	Reader

	// WithTx executes fn within a transaction. If fn returns error, the
	// transaction is rolled back; otherwise it is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// Snapshot reads every plan and transaction in one read transaction.
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// FormatReceiptNumber builds the human-readable receipt number, e.g.
// RCP-2024-000042. The sequence is global, so numbers stay unique across years.
func FormatReceiptNumber(prefix string, at time.Time, seq int64) string {
	if prefix == "" {
		prefix = "RCP"
	}
	return fmt.Sprintf("%s-%d-%06d", prefix, at.UTC().Year(), seq)
}
