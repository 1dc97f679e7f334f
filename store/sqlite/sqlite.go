/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists payment plans, installments, receipts, the transaction log and
  gateway payment records. In production, the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements are ever issued on transactions/receipts
  - Triggers abort any attempt to do so anyway
  - idempotency_key is UNIQUE; violations map to ErrDuplicateIdempotencyKey

KEY TABLES:
  payment_plans:    plan headers (derived paid/balance amounts included)
  installments:     owned by exactly one plan, (plan_id, installment_number) unique
  receipts:         immutable, receipt_number unique
  transactions:     immutable audit log
  gateway_payments: one row per Stripe payment intent
  receipt_sequence: single-row counter behind receipt numbers

VALUE ENCODING:
  Money is stored as TEXT decimal strings, never REAL. Times are stored as
  fixed-width UTC text so lexical order equals chronological order.

CONCURRENCY:
  Two handles on the same file. Writes go through a handle opened with
  _txlock=immediate, so a write transaction takes the database write lock
  up front instead of failing on upgrade; a mutex serializes writers in
  this process. Reads and snapshots go through a query-only handle that
  begins deferred transactions, which in WAL mode read a stable snapshot
  without holding the write lock. A ":memory:" database has a single
  connection and shares it between both roles.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/fee-ledger/ledger"
)

// timeLayout is fixed-width so that stored values sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store using SQLite.
type Store struct {
	db    *sql.DB // writes
	reads *sql.DB // deferred, query-only; same handle as db for ":memory:"
	mu    sync.Mutex
}

const dsnOptions = "_foreign_keys=on&_busy_timeout=5000"

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?"+dsnOptions+"&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	store := &Store{db: db, reads: db}
	if dbPath == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if dbPath != ":memory:" {
		reads, err := sql.Open("sqlite3", dbPath+"?"+dsnOptions+"&_txlock=deferred&_query_only=true")
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to open read handle: %w", err)
		}
		store.reads = reads
	}

	return store, nil
}

// Close closes the database connections.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.reads != s.db {
		if rerr := s.reads.Close(); err == nil {
			err = rerr
		}
	}
	return err
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS payment_plans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		student_id INTEGER NOT NULL,
		course_id INTEGER,
		total_amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		balance_amount TEXT NOT NULL,
		number_of_installments INTEGER NOT NULL CHECK (number_of_installments > 0),
		status TEXT NOT NULL,
		status_reason TEXT,
		description TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payment_plans_student ON payment_plans(student_id);
	CREATE INDEX IF NOT EXISTS idx_payment_plans_status ON payment_plans(status);

	CREATE TABLE IF NOT EXISTS installments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		plan_id INTEGER NOT NULL REFERENCES payment_plans(id),
		installment_number INTEGER NOT NULL,
		amount TEXT NOT NULL,
		due_date TEXT NOT NULL,
		paid_date TEXT,
		status TEXT NOT NULL,
		receipt_id INTEGER,
		payment_intent_id TEXT,
		remarks TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (plan_id, installment_number)
	);

	CREATE INDEX IF NOT EXISTS idx_installments_due ON installments(status, due_date);

	CREATE TABLE IF NOT EXISTS receipts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		receipt_number TEXT NOT NULL UNIQUE,
		student_id INTEGER NOT NULL,
		plan_id INTEGER NOT NULL REFERENCES payment_plans(id),
		installment_id INTEGER NOT NULL REFERENCES installments(id),
		amount TEXT NOT NULL,
		receipt_type TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		payment_date TEXT NOT NULL,
		generated_by TEXT,
		generated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		student_id INTEGER NOT NULL,
		plan_id INTEGER NOT NULL,
		installment_id INTEGER NOT NULL,
		receipt_id INTEGER NOT NULL,
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		gateway TEXT NOT NULL,
		status TEXT NOT NULL,
		reference_number TEXT,
		idempotency_key TEXT UNIQUE,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions(created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_plan ON transactions(plan_id);

	CREATE TRIGGER IF NOT EXISTS trg_transactions_no_update BEFORE UPDATE ON transactions
	BEGIN SELECT RAISE(ABORT, 'transactions are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS trg_transactions_no_delete BEFORE DELETE ON transactions
	BEGIN SELECT RAISE(ABORT, 'transactions are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS trg_receipts_no_update BEFORE UPDATE ON receipts
	BEGIN SELECT RAISE(ABORT, 'receipts are immutable'); END;

	CREATE TABLE IF NOT EXISTS gateway_payments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payment_intent_id TEXT NOT NULL UNIQUE,
		student_id INTEGER NOT NULL,
		installment_id INTEGER REFERENCES installments(id),
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		client_secret TEXT,
		error_message TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS receipt_sequence (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		value INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO receipt_sequence (id, value) VALUES (1, 0);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// READS (ledger.Reader)
// =============================================================================

func (s *Store) GetPlan(ctx context.Context, id ledger.PlanID) (*ledger.PlanLedger, error) {
	return getPlan(ctx, s.reads, id)
}

func (s *Store) ListPlans(ctx context.Context, filter ledger.PlanFilter) ([]ledger.PlanLedger, error) {
	return listPlans(ctx, s.reads, filter)
}

func (s *Store) PlanIDForInstallment(ctx context.Context, id ledger.InstallmentID) (ledger.PlanID, error) {
	return planIDForInstallment(ctx, s.reads, id)
}

func (s *Store) GetReceipt(ctx context.Context, id ledger.ReceiptID) (*ledger.Receipt, error) {
	return getReceipt(ctx, s.reads, id)
}

func (s *Store) TransactionByIdempotencyKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	return transactionByKey(ctx, s.reads, key)
}

func (s *Store) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	return listTransactions(ctx, s.reads, filter)
}

func (s *Store) GetGatewayPayment(ctx context.Context, intentID string) (*ledger.GatewayPayment, error) {
	return getGatewayPayment(ctx, s.reads, intentID)
}

// Snapshot reads every plan and transaction inside one read transaction.
// Writers keep committing while it runs.
func (s *Store) Snapshot(ctx context.Context) (*ledger.Snapshot, error) {
	sqlTx, err := s.beginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer sqlTx.Rollback()

	plans, err := listPlans(ctx, sqlTx, ledger.PlanFilter{})
	if err != nil {
		return nil, err
	}
	txs, err := listTransactions(ctx, sqlTx, ledger.TransactionFilter{})
	if err != nil {
		return nil, err
	}
	return &ledger.Snapshot{TakenAt: time.Now().UTC(), Plans: plans, Transactions: txs}, nil
}

// beginRead opens a deferred transaction on the read handle.
func (s *Store) beginRead(ctx context.Context) (*sql.Tx, error) {
	sqlTx, err := s.reads.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	return sqlTx, nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetPlan(ctx context.Context, id ledger.PlanID) (*ledger.PlanLedger, error) {
	return getPlan(ctx, ts.tx, id)
}

func (ts *txStore) ListPlans(ctx context.Context, filter ledger.PlanFilter) ([]ledger.PlanLedger, error) {
	return listPlans(ctx, ts.tx, filter)
}

func (ts *txStore) PlanIDForInstallment(ctx context.Context, id ledger.InstallmentID) (ledger.PlanID, error) {
	return planIDForInstallment(ctx, ts.tx, id)
}

func (ts *txStore) GetReceipt(ctx context.Context, id ledger.ReceiptID) (*ledger.Receipt, error) {
	return getReceipt(ctx, ts.tx, id)
}

func (ts *txStore) TransactionByIdempotencyKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	return transactionByKey(ctx, ts.tx, key)
}

func (ts *txStore) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	return listTransactions(ctx, ts.tx, filter)
}

func (ts *txStore) GetGatewayPayment(ctx context.Context, intentID string) (*ledger.GatewayPayment, error) {
	return getGatewayPayment(ctx, ts.tx, intentID)
}

// =============================================================================
// PLAN WRITES
// =============================================================================

func (ts *txStore) InsertPlan(ctx context.Context, pl *ledger.PlanLedger) error {
	p := &pl.Plan
	res, err := ts.tx.ExecContext(ctx, `
		INSERT INTO payment_plans
		(student_id, course_id, total_amount, paid_amount, balance_amount, number_of_installments,
		 status, status_reason, description, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.StudentID, nullCourse(p.CourseID),
		money(p.TotalAmount), money(p.PaidAmount), money(p.BalanceAmount), p.NumberOfInstallments,
		p.Status, p.StatusReason, p.Description, p.CreatedBy,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert plan: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = ledger.PlanID(id)

	for i := range pl.Installments {
		inst := &pl.Installments[i]
		inst.PlanID = p.ID
		res, err := ts.tx.ExecContext(ctx, `
			INSERT INTO installments
			(plan_id, installment_number, amount, due_date, paid_date, status,
			 receipt_id, payment_intent_id, remarks, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inst.PlanID, inst.InstallmentNumber, money(inst.Amount), formatTime(inst.DueDate),
			nullTime(inst.PaidDate), inst.Status, nullReceipt(inst.ReceiptID),
			nullString(inst.PaymentIntentID), inst.Remarks,
			formatTime(inst.CreatedAt), formatTime(inst.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert installment %d: %w", inst.InstallmentNumber, err)
		}
		instID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		inst.ID = ledger.InstallmentID(instID)
	}
	return nil
}

func (ts *txStore) UpdatePlan(ctx context.Context, pl *ledger.PlanLedger) error {
	p := pl.Plan
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE payment_plans
		SET paid_amount = ?, balance_amount = ?, status = ?, status_reason = ?, updated_at = ?
		WHERE id = ?`,
		money(p.PaidAmount), money(p.BalanceAmount), p.Status, p.StatusReason, formatTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrPlanNotFound
	}

	for _, inst := range pl.Installments {
		_, err := ts.tx.ExecContext(ctx, `
			UPDATE installments
			SET paid_date = ?, status = ?, receipt_id = ?, payment_intent_id = ?, remarks = ?, updated_at = ?
			WHERE id = ? AND plan_id = ?`,
			nullTime(inst.PaidDate), inst.Status, nullReceipt(inst.ReceiptID),
			nullString(inst.PaymentIntentID), inst.Remarks, formatTime(inst.UpdatedAt),
			inst.ID, p.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update installment %d: %w", inst.ID, err)
		}
	}
	return nil
}

// =============================================================================
// RECEIPTS & TRANSACTIONS (append-only)
// =============================================================================

func (ts *txStore) NextReceiptSequence(ctx context.Context) (int64, error) {
	if _, err := ts.tx.ExecContext(ctx, `UPDATE receipt_sequence SET value = value + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("failed to advance receipt sequence: %w", err)
	}
	var seq int64
	if err := ts.tx.QueryRowContext(ctx, `SELECT value FROM receipt_sequence WHERE id = 1`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read receipt sequence: %w", err)
	}
	return seq, nil
}

func (ts *txStore) InsertReceipt(ctx context.Context, r *ledger.Receipt) error {
	res, err := ts.tx.ExecContext(ctx, `
		INSERT INTO receipts
		(receipt_number, student_id, plan_id, installment_id, amount, receipt_type,
		 payment_method, payment_date, generated_by, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ReceiptNumber, r.StudentID, r.PlanID, r.InstallmentID, money(r.Amount), r.ReceiptType,
		r.PaymentMethod, formatTime(r.PaymentDate), r.GeneratedBy, formatTime(r.GeneratedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = ledger.ReceiptID(id)
	return nil
}

func (ts *txStore) AppendTransaction(ctx context.Context, tx *ledger.Transaction) error {
	res, err := ts.tx.ExecContext(ctx, `
		INSERT INTO transactions
		(student_id, plan_id, installment_id, receipt_id, tx_type, amount, payment_method,
		 gateway, status, reference_number, idempotency_key, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.StudentID, tx.PlanID, tx.InstallmentID, tx.ReceiptID, tx.Type, money(tx.Amount),
		tx.PaymentMethod, tx.Gateway, tx.Status, nullString(tx.ReferenceNumber),
		nullString(tx.IdempotencyKey), tx.CreatedBy, formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	tx.ID = ledger.TransactionID(id)
	return nil
}

// =============================================================================
// GATEWAY PAYMENTS
// =============================================================================

func (ts *txStore) InsertGatewayPayment(ctx context.Context, gp *ledger.GatewayPayment) error {
	res, err := ts.tx.ExecContext(ctx, `
		INSERT INTO gateway_payments
		(payment_intent_id, student_id, installment_id, amount, currency, status,
		 client_secret, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		gp.PaymentIntentID, gp.StudentID, nullInstallment(gp.InstallmentID), money(gp.Amount),
		gp.Currency, gp.Status, nullString(gp.ClientSecret), nullString(gp.ErrorMessage),
		formatTime(gp.CreatedAt), formatTime(gp.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert gateway payment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	gp.ID = ledger.GatewayPaymentID(id)
	return nil
}

func (ts *txStore) UpdateGatewayPayment(ctx context.Context, gp *ledger.GatewayPayment) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE gateway_payments SET status = ?, error_message = ?, updated_at = ?
		WHERE payment_intent_id = ?`,
		gp.Status, nullString(gp.ErrorMessage), formatTime(gp.UpdatedAt), gp.PaymentIntentID,
	)
	if err != nil {
		return fmt.Errorf("failed to update gateway payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrGatewayPaymentNotFound
	}
	return nil
}

// =============================================================================
// QUERIES (shared by Store and txStore)
// =============================================================================

const planColumns = `p.id, p.student_id, p.course_id, p.total_amount, p.paid_amount, p.balance_amount,
	p.number_of_installments, p.status, p.status_reason, p.description, p.created_by, p.created_at, p.updated_at`

const installmentColumns = `i.id, i.plan_id, i.installment_number, i.amount, i.due_date, i.paid_date,
	i.status, i.receipt_id, i.payment_intent_id, i.remarks, i.created_at, i.updated_at`

func getPlan(ctx context.Context, q querier, id ledger.PlanID) (*ledger.PlanLedger, error) {
	plans, err := queryPlans(ctx, q, "p.id = ?", []any{id})
	if err != nil {
		return nil, err
	}
	if len(plans) == 0 {
		return nil, ledger.ErrPlanNotFound
	}
	return &plans[0], nil
}

func listPlans(ctx context.Context, q querier, filter ledger.PlanFilter) ([]ledger.PlanLedger, error) {
	var conds []string
	var args []any
	if filter.StudentID != nil {
		conds = append(conds, "p.student_id = ?")
		args = append(args, *filter.StudentID)
	}
	if filter.CourseID != nil {
		conds = append(conds, "p.course_id = ?")
		args = append(args, *filter.CourseID)
	}
	if len(filter.Statuses) > 0 {
		conds = append(conds, "p.status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	where := "1 = 1"
	if len(conds) > 0 {
		where = strings.Join(conds, " AND ")
	}
	return queryPlans(ctx, q, where, args)
}

// queryPlans loads matching plan headers and then their installments with
// one join on the same condition.
func queryPlans(ctx context.Context, q querier, where string, args []any) ([]ledger.PlanLedger, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+planColumns+` FROM payment_plans p WHERE `+where+` ORDER BY p.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}
	var plans []ledger.PlanLedger
	index := make(map[ledger.PlanID]int)
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[p.ID] = len(plans)
		plans = append(plans, ledger.PlanLedger{Plan: p})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(plans) == 0 {
		return nil, nil
	}

	rows, err = q.QueryContext(ctx, `SELECT `+installmentColumns+`
		FROM installments i JOIN payment_plans p ON p.id = i.plan_id
		WHERE `+where+` ORDER BY i.plan_id, i.installment_number`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query installments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, err
		}
		if i, ok := index[inst.PlanID]; ok {
			plans[i].Installments = append(plans[i].Installments, inst)
		}
	}
	return plans, rows.Err()
}

func planIDForInstallment(ctx context.Context, q querier, id ledger.InstallmentID) (ledger.PlanID, error) {
	var planID int64
	err := q.QueryRowContext(ctx, `SELECT plan_id FROM installments WHERE id = ?`, id).Scan(&planID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrInstallmentNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve installment: %w", err)
	}
	return ledger.PlanID(planID), nil
}

func getReceipt(ctx context.Context, q querier, id ledger.ReceiptID) (*ledger.Receipt, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, receipt_number, student_id, plan_id, installment_id, amount, receipt_type,
		       payment_method, payment_date, generated_by, generated_at
		FROM receipts WHERE id = ?`, id)

	var r ledger.Receipt
	var amount, paymentDate, generatedAt string
	var generatedBy sql.NullString
	err := row.Scan(&r.ID, &r.ReceiptNumber, &r.StudentID, &r.PlanID, &r.InstallmentID, &amount,
		&r.ReceiptType, &r.PaymentMethod, &paymentDate, &generatedBy, &generatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	if r.Amount, err = parseMoney(amount); err != nil {
		return nil, err
	}
	r.PaymentDate = parseTime(paymentDate)
	r.GeneratedAt = parseTime(generatedAt)
	r.GeneratedBy = generatedBy.String
	return &r, nil
}

const transactionColumns = `id, student_id, plan_id, installment_id, receipt_id, tx_type, amount,
	payment_method, gateway, status, reference_number, idempotency_key, created_by, created_at`

func transactionByKey(ctx context.Context, q querier, key string) (*ledger.Transaction, error) {
	txs, err := queryTransactions(ctx, q, `SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = ?`, key)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

func listTransactions(ctx context.Context, q querier, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE 1 = 1`
	var args []any
	if filter.StudentID != nil {
		query += ` AND student_id = ?`
		args = append(args, *filter.StudentID)
	}
	if filter.PlanID != nil {
		query += ` AND plan_id = ?`
		args = append(args, *filter.PlanID)
	}
	if len(filter.Types) > 0 {
		query += ` AND tx_type IN (` + placeholders(len(filter.Types)) + `)`
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}
	if filter.From != nil {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		query += ` AND created_at <= ?`
		args = append(args, formatTime(*filter.To))
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return queryTransactions(ctx, q, query, args...)
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		var tx ledger.Transaction
		var amount, createdAt string
		var ref, key, createdBy sql.NullString
		if err := rows.Scan(&tx.ID, &tx.StudentID, &tx.PlanID, &tx.InstallmentID, &tx.ReceiptID,
			&tx.Type, &amount, &tx.PaymentMethod, &tx.Gateway, &tx.Status,
			&ref, &key, &createdBy, &createdAt); err != nil {
			return nil, err
		}
		if tx.Amount, err = parseMoney(amount); err != nil {
			return nil, err
		}
		tx.ReferenceNumber = ref.String
		tx.IdempotencyKey = key.String
		tx.CreatedBy = createdBy.String
		tx.CreatedAt = parseTime(createdAt)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func getGatewayPayment(ctx context.Context, q querier, intentID string) (*ledger.GatewayPayment, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, payment_intent_id, student_id, installment_id, amount, currency, status,
		       client_secret, error_message, created_at, updated_at
		FROM gateway_payments WHERE payment_intent_id = ?`, intentID)

	var gp ledger.GatewayPayment
	var instID sql.NullInt64
	var amount, createdAt, updatedAt string
	var secret, errMsg sql.NullString
	err := row.Scan(&gp.ID, &gp.PaymentIntentID, &gp.StudentID, &instID, &amount, &gp.Currency,
		&gp.Status, &secret, &errMsg, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrGatewayPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get gateway payment: %w", err)
	}
	if gp.Amount, err = parseMoney(amount); err != nil {
		return nil, err
	}
	if instID.Valid {
		id := ledger.InstallmentID(instID.Int64)
		gp.InstallmentID = &id
	}
	gp.ClientSecret = secret.String
	gp.ErrorMessage = errMsg.String
	gp.CreatedAt = parseTime(createdAt)
	gp.UpdatedAt = parseTime(updatedAt)
	return &gp, nil
}

// =============================================================================
// SCANNERS
// =============================================================================

func scanPlan(rows *sql.Rows) (ledger.PaymentPlan, error) {
	var p ledger.PaymentPlan
	var course sql.NullInt64
	var total, paid, balance, createdAt, updatedAt string
	var reason, desc, createdBy sql.NullString

	err := rows.Scan(&p.ID, &p.StudentID, &course, &total, &paid, &balance,
		&p.NumberOfInstallments, &p.Status, &reason, &desc, &createdBy, &createdAt, &updatedAt)
	if err != nil {
		return p, err
	}
	if course.Valid {
		c := ledger.CourseID(course.Int64)
		p.CourseID = &c
	}
	if p.TotalAmount, err = parseMoney(total); err != nil {
		return p, err
	}
	if p.PaidAmount, err = parseMoney(paid); err != nil {
		return p, err
	}
	if p.BalanceAmount, err = parseMoney(balance); err != nil {
		return p, err
	}
	p.StatusReason = reason.String
	p.Description = desc.String
	p.CreatedBy = createdBy.String
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

func scanInstallment(rows *sql.Rows) (ledger.Installment, error) {
	var inst ledger.Installment
	var amount, due, createdAt, updatedAt string
	var paidDate, intent, remarks sql.NullString
	var receipt sql.NullInt64

	err := rows.Scan(&inst.ID, &inst.PlanID, &inst.InstallmentNumber, &amount, &due, &paidDate,
		&inst.Status, &receipt, &intent, &remarks, &createdAt, &updatedAt)
	if err != nil {
		return inst, err
	}
	if inst.Amount, err = parseMoney(amount); err != nil {
		return inst, err
	}
	inst.DueDate = parseTime(due)
	if paidDate.Valid {
		t := parseTime(paidDate.String)
		inst.PaidDate = &t
	}
	if receipt.Valid {
		r := ledger.ReceiptID(receipt.Int64)
		inst.ReceiptID = &r
	}
	inst.PaymentIntentID = intent.String
	inst.Remarks = remarks.String
	inst.CreatedAt = parseTime(createdAt)
	inst.UpdatedAt = parseTime(updatedAt)
	return inst, nil
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// rows written by older builds used RFC3339
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func money(d decimal.Decimal) string {
	return d.StringFixed(ledger.MoneyPlaces)
}

func parseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt amount %q: %w", s, err)
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullCourse(c *ledger.CourseID) sql.NullInt64 {
	if c == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*c), Valid: true}
}

func nullReceipt(r *ledger.ReceiptID) sql.NullInt64 {
	if r == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*r), Valid: true}
}

func nullInstallment(i *ledger.InstallmentID) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ ledger.Store = (*Store)(nil)
