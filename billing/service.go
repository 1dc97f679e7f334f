/*
Package billing exposes the ledger's boundary operations.

PURPOSE:
  Service is the single entry point collaborators use. It wires the pure
  ledger components (PlanBuilder, StateMachine, Scanner, aggregation and
  alert functions) to a Store, a payment Gateway and an event Publisher.

MUTATION PATH:
  Every write follows the same shape:
    1. resolve the owning plan
    2. take the plan lock (one writer per plan in this process)
    3. store.WithTx: reload, validate through the state machine, persist
    4. after commit: metrics, events, logs

  The plan lock and the database transaction are both needed: the lock
  keeps two requests from racing into the same plan, the transaction makes
  the receipt, transaction log entry and plan update atomic.

READ PATH:
  Reports read a Store.Snapshot, which only contains committed state.

SEE ALSO:
  - reconciler.go: PayInstallment, gateway payments and callbacks
  - ledger/statemachine.go: the transition table
*/
package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/fee-ledger/events"
	"github.com/warp/fee-ledger/ledger"
	"go.uber.org/zap"
)

// Config holds the ledger settings the service needs.
type Config struct {
	Currency             string
	Cadence              ledger.Cadence
	DefaultThresholdDays int
	DueSoonDays          int
	ReceiptPrefix        string
	ReceiptType          ledger.ReceiptType
	AlertPolicy          ledger.AlertPolicy

	// AlertLookback bounds the window used for the collection-rate alert.
	AlertLookback time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Currency:             "npr",
		Cadence:              ledger.MonthlyCadence,
		DefaultThresholdDays: ledger.DefaultThresholdDays,
		DueSoonDays:          ledger.DefaultDueSoonDays,
		ReceiptPrefix:        "RCP",
		ReceiptType:          ledger.ReceiptTuitionFee,
		AlertPolicy:          ledger.DefaultAlertPolicy(),
		AlertLookback:        365 * 24 * time.Hour,
	}
}

// SignalSource supplies the non-ledger inputs of alert generation
// (attendance, inquiries, batches). Collaborators own that data.
type SignalSource interface {
	Signals(ctx context.Context, now time.Time) (ledger.Signals, error)
}

// StaticSignals is a fixed SignalSource.
type StaticSignals ledger.Signals

func (s StaticSignals) Signals(context.Context, time.Time) (ledger.Signals, error) {
	return ledger.Signals(s), nil
}

// Service implements the boundary operations.
type Service struct {
	store     ledger.Store
	cfg       Config
	clock     ledger.Clock
	builder   *ledger.PlanBuilder
	machine   *ledger.StateMachine
	scanner   ledger.Scanner
	gateway   Gateway
	publisher events.Publisher
	signals   SignalSource
	metrics   *Metrics
	logger    *zap.Logger
	locks     *planLocks
}

type Option func(*Service)

func WithClock(c ledger.Clock) Option         { return func(s *Service) { s.clock = c } }
func WithGateway(g Gateway) Option            { return func(s *Service) { s.gateway = g } }
func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.publisher = p } }
func WithSignals(src SignalSource) Option     { return func(s *Service) { s.signals = src } }
func WithMetrics(m *Metrics) Option           { return func(s *Service) { s.metrics = m } }
func WithLogger(l *zap.Logger) Option         { return func(s *Service) { s.logger = l } }

// NewService validates cfg and assembles the service. Missing optional
// collaborators fall back to no-op implementations.
func NewService(store ledger.Store, cfg Config, opts ...Option) (*Service, error) {
	if cfg.Currency == "" {
		cfg.Currency = DefaultConfig().Currency
	}
	cfg.Currency = strings.ToLower(cfg.Currency)
	if cfg.Cadence.Unit == "" {
		cfg.Cadence = ledger.MonthlyCadence
	}
	if err := cfg.Cadence.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cadence: %w", err)
	}
	if cfg.ReceiptType == "" {
		cfg.ReceiptType = ledger.ReceiptTuitionFee
	}
	if !cfg.ReceiptType.IsValid() {
		return nil, fmt.Errorf("invalid receipt type %q", cfg.ReceiptType)
	}
	if cfg.AlertLookback <= 0 {
		cfg.AlertLookback = DefaultConfig().AlertLookback
	}

	s := &Service{
		store:     store,
		cfg:       cfg,
		clock:     ledger.SystemClock{},
		publisher: events.NopPublisher{},
		signals:   StaticSignals{},
		logger:    zap.NewNop(),
		locks:     newPlanLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	s.builder = ledger.NewPlanBuilder(cfg.Cadence, s.clock)
	s.machine = ledger.NewStateMachine(cfg.DefaultThresholdDays)
	s.scanner = ledger.NewScanner(cfg.DueSoonDays, cfg.DefaultThresholdDays)
	s.cfg.DefaultThresholdDays = s.machine.DefaultThresholdDays
	s.cfg.DueSoonDays = s.scanner.DueSoonDays
	return s, nil
}

func (s *Service) Config() Config { return s.cfg }

// Now is the service clock, used by callers defaulting time windows.
func (s *Service) Now() time.Time { return s.clock.Now() }

// =============================================================================
// PLAN CREATION
// =============================================================================

// CreatePaymentPlan builds the schedule and persists it.
func (s *Service) CreatePaymentPlan(ctx context.Context, req ledger.PlanRequest) (*ledger.PlanLedger, error) {
	pl, err := s.builder.Build(req)
	if err != nil {
		return nil, err
	}
	if err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertPlan(ctx, pl)
	}); err != nil {
		return nil, err
	}

	s.metrics.PlansCreated.Inc()
	s.logger.Info("payment plan created",
		zap.Int64("plan_id", int64(pl.Plan.ID)),
		zap.Int64("student_id", int64(pl.Plan.StudentID)),
		zap.String("total_amount", pl.Plan.TotalAmount.StringFixed(ledger.MoneyPlaces)),
		zap.Int("installments", pl.Plan.NumberOfInstallments),
	)
	s.publish(ctx, s.planEvent(events.PlanCreated, pl.Plan, ""))
	return pl, nil
}

// =============================================================================
// ADMINISTRATIVE TRANSITIONS
// =============================================================================

func (s *Service) SuspendPlan(ctx context.Context, id ledger.PlanID, reason string) (*ledger.PlanLedger, error) {
	return s.transitionPlan(ctx, id, ledger.PlanSuspended, reason)
}

func (s *Service) ResumePlan(ctx context.Context, id ledger.PlanID, reason string) (*ledger.PlanLedger, error) {
	return s.transitionPlan(ctx, id, ledger.PlanActive, reason)
}

func (s *Service) CancelPlan(ctx context.Context, id ledger.PlanID, reason string) (*ledger.PlanLedger, error) {
	return s.transitionPlan(ctx, id, ledger.PlanCancelled, reason)
}

func (s *Service) transitionPlan(ctx context.Context, id ledger.PlanID, to ledger.PlanStatus, reason string) (*ledger.PlanLedger, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	var (
		updated *ledger.PlanLedger
		from    ledger.PlanStatus
	)
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		pl, err := tx.GetPlan(ctx, id)
		if err != nil {
			return err
		}
		from = pl.Plan.Status
		if to == ledger.PlanActive && from != ledger.PlanSuspended {
			// Defaulted -> Active is the automatic cure, never an admin action
			return &ledger.TransitionError{
				Entity: "plan", ID: int64(id), From: string(from), To: string(to),
				Reason: "only suspended plans can be resumed",
			}
		}
		if err := s.machine.TransitionPlan(pl, to, reason, s.clock.Now()); err != nil {
			return err
		}
		updated = pl
		return tx.UpdatePlan(ctx, pl)
	})
	if err != nil {
		return nil, err
	}

	s.afterTransition(ctx, from, updated)
	return updated, nil
}

// afterTransition records a committed status change.
func (s *Service) afterTransition(ctx context.Context, from ledger.PlanStatus, pl *ledger.PlanLedger) {
	to := pl.Plan.Status
	if from == to {
		return
	}
	s.metrics.PlanTransitions.WithLabelValues(string(from), string(to)).Inc()
	s.logger.Info("plan status changed",
		zap.Int64("plan_id", int64(pl.Plan.ID)),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", pl.Plan.StatusReason),
	)
	typ := events.PlanStatusChanged
	switch to {
	case ledger.PlanCompleted:
		typ = events.PlanCompleted
	case ledger.PlanDefaulted:
		typ = events.PlanDefaulted
	}
	s.publish(ctx, s.planEvent(typ, pl.Plan, pl.Plan.StatusReason))
}

// =============================================================================
// DEFAULTS
// =============================================================================

// DefaultRun reports one ApplyDefaults pass.
type DefaultRun struct {
	RanAt     time.Time
	Checked   int
	Defaulted []ledger.PlanID
}

// ApplyDefaults moves every default-eligible plan to Defaulted. Each plan
// is re-checked under its lock, so a payment landing between the scan and
// the transition wins.
func (s *Service) ApplyDefaults(ctx context.Context) (*DefaultRun, error) {
	now := s.clock.Now()
	plans, err := s.store.ListPlans(ctx, ledger.PlanFilter{Statuses: []ledger.PlanStatus{ledger.PlanActive}})
	if err != nil {
		return nil, err
	}
	run := &DefaultRun{RanAt: now, Checked: len(plans)}

	for _, id := range s.scanner.DefaultCandidates(plans, now) {
		if err := ctx.Err(); err != nil {
			return run, err
		}
		pl, err := s.defaultPlan(ctx, id, now)
		if err != nil {
			s.logger.Error("failed to apply default", zap.Int64("plan_id", int64(id)), zap.Error(err))
			continue
		}
		if pl != nil {
			run.Defaulted = append(run.Defaulted, id)
			s.afterTransition(ctx, ledger.PlanActive, pl)
		}
	}

	s.logger.Info("default scan completed",
		zap.Int("checked", run.Checked),
		zap.Int("defaulted", len(run.Defaulted)),
	)
	return run, nil
}

func (s *Service) defaultPlan(ctx context.Context, id ledger.PlanID, now time.Time) (*ledger.PlanLedger, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	var out *ledger.PlanLedger
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		pl, err := tx.GetPlan(ctx, id)
		if err != nil {
			return err
		}
		if !s.scanner.DefaultEligible(*pl, now) {
			return nil
		}
		reason := fmt.Sprintf("installment overdue %d+ days", s.machine.DefaultThresholdDays)
		if err := s.machine.TransitionPlan(pl, ledger.PlanDefaulted, reason, now); err != nil {
			return err
		}
		out = pl
		return tx.UpdatePlan(ctx, pl)
	})
	return out, err
}

// =============================================================================
// READS
// =============================================================================

// GetPlan returns the plan with installments classified at the current time.
func (s *Service) GetPlan(ctx context.Context, id ledger.PlanID) (*ledger.PlanView, error) {
	pl, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	v := s.scanner.ScanPlan(*pl, s.clock.Now())
	return &v, nil
}

func (s *Service) ListPlans(ctx context.Context, filter ledger.PlanFilter) ([]ledger.PlanView, error) {
	plans, err := s.store.ListPlans(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	out := make([]ledger.PlanView, len(plans))
	for i, pl := range plans {
		out[i] = s.scanner.ScanPlan(pl, now)
	}
	return out, nil
}

func (s *Service) GetReceipt(ctx context.Context, id ledger.ReceiptID) (*ledger.Receipt, error) {
	return s.store.GetReceipt(ctx, id)
}

func (s *Service) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	return s.store.ListTransactions(ctx, filter)
}

// GetOutstanding lists pending installments from a committed snapshot.
func (s *Service) GetOutstanding(ctx context.Context, filter ledger.OutstandingFilter) ([]ledger.OutstandingPayment, error) {
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return s.scanner.Outstanding(snap.Plans, filter, s.clock.Now()), nil
}

// GetDefaulters lists plans with an installment at least thresholdDays
// overdue. A non-positive threshold uses the configured default.
func (s *Service) GetDefaulters(ctx context.Context, thresholdDays int) ([]ledger.Defaulter, error) {
	if thresholdDays <= 0 {
		thresholdDays = s.cfg.DefaultThresholdDays
	}
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return s.scanner.Defaulters(snap.Plans, s.clock.Now(), thresholdDays), nil
}

// GetFinancialSummary aggregates one committed snapshot over w.
func (s *Service) GetFinancialSummary(ctx context.Context, w ledger.Window) (*ledger.FinancialSummary, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	summary := ledger.Summarize(*snap, w)
	return &summary, nil
}

// GetAlerts composes scanner and aggregator output with collaborator
// signals and categorizes the result.
func (s *Service) GetAlerts(ctx context.Context) (*ledger.AlertSummary, error) {
	now := s.clock.Now()
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	signals, err := s.signals.Signals(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load alert signals: %w", err)
	}

	views := make([]ledger.PlanView, 0, len(snap.Plans))
	for _, pl := range snap.Plans {
		if !pl.Plan.Status.IsTerminal() {
			views = append(views, s.scanner.ScanPlan(pl, now))
		}
	}
	summary := ledger.Summarize(*snap, ledger.Window{Start: now.Add(-s.cfg.AlertLookback), End: now})

	set := ledger.GenerateAlerts(ledger.AlertInput{Plans: views, Summary: &summary, Signals: signals}, s.cfg.AlertPolicy, now)
	out := ledger.Categorize(set)
	return &out, nil
}

// =============================================================================
// EVENTS
// =============================================================================

func (s *Service) publish(ctx context.Context, evs ...events.Event) {
	if len(evs) == 0 {
		return
	}
	if err := s.publisher.Publish(ctx, evs...); err != nil {
		// the ledger is committed; a lost notification is logged, not undone
		s.logger.Warn("failed to publish ledger events", zap.Error(err), zap.Int("count", len(evs)))
	}
}

func (s *Service) newEvent(typ events.Type, student ledger.StudentID) events.Event {
	return events.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		OccurredAt: s.clock.Now(),
		StudentID:  int64(student),
	}
}

func (s *Service) planEvent(typ events.Type, p ledger.PaymentPlan, reason string) events.Event {
	e := s.newEvent(typ, p.StudentID)
	e.PlanID = int64(p.ID)
	e.Status = string(p.Status)
	e.Amount = p.TotalAmount.StringFixed(ledger.MoneyPlaces)
	e.Reason = reason
	return e
}
