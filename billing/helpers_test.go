package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/warp/fee-ledger/events"
	"github.com/warp/fee-ledger/ledger"
	memstore "github.com/warp/fee-ledger/ledger/store"
	"go.uber.org/zap"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, evs ...events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evs...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type fakeGateway struct {
	mu       sync.Mutex
	n        int
	requests []IntentRequest
	err      error
}

func (g *fakeGateway) Name() string { return ledger.GatewayStripe }

func (g *fakeGateway) CreatePaymentIntent(_ context.Context, req IntentRequest) (*Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.n++
	g.requests = append(g.requests, req)
	id := fmt.Sprintf("pi_test_%d", g.n)
	return &Intent{ID: id, ClientSecret: id + "_secret", Status: "requires_payment_method"}, nil
}

// failingStore injects an error into one Tx write to prove rollback.
type failingStore struct {
	ledger.Store
	failOn string
}

var errInjected = errors.New("injected failure")

func (s *failingStore) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx ledger.Tx) error {
		return fn(&failingTx{Tx: tx, failOn: s.failOn})
	})
}

type failingTx struct {
	ledger.Tx
	failOn string
}

func (t *failingTx) UpdatePlan(ctx context.Context, pl *ledger.PlanLedger) error {
	if t.failOn == "UpdatePlan" {
		return errInjected
	}
	return t.Tx.UpdatePlan(ctx, pl)
}

func (t *failingTx) UpdateGatewayPayment(ctx context.Context, gp *ledger.GatewayPayment) error {
	if t.failOn == "UpdateGatewayPayment" {
		return errInjected
	}
	return t.Tx.UpdateGatewayPayment(ctx, gp)
}

// =============================================================================
// FIXTURE
// =============================================================================

type fixture struct {
	svc       *Service
	store     ledger.Store
	clock     *ledger.FixedClock
	publisher *recordingPublisher
	gateway   *fakeGateway
}

var jan1 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, memstore.NewMemory())
}

func newFixtureWithStore(t *testing.T, store ledger.Store) *fixture {
	t.Helper()
	f := &fixture{
		store:     store,
		clock:     ledger.NewFixedClock(jan1),
		publisher: &recordingPublisher{},
		gateway:   &fakeGateway{},
	}
	svc, err := NewService(store, DefaultConfig(),
		WithClock(f.clock),
		WithPublisher(f.publisher),
		WithGateway(f.gateway),
		WithLogger(zap.NewNop()),
	)
	require.NoError(t, err)
	f.svc = svc
	return f
}

// createPlan makes a plan with monthly installments starting Jan 1 2024.
func (f *fixture) createPlan(t *testing.T, student ledger.StudentID, total string, n int) *ledger.PlanLedger {
	t.Helper()
	first := ledger.Date(2024, 1, 1)
	pl, err := f.svc.CreatePaymentPlan(context.Background(), ledger.PlanRequest{
		StudentID:            student,
		TotalAmount:          ledger.MustMoney(total),
		NumberOfInstallments: n,
		FirstDueDate:         &first,
		CreatedBy:            "admin",
	})
	require.NoError(t, err)
	return pl
}

func (f *fixture) pay(t *testing.T, inst ledger.Installment, ref string) *PaymentResult {
	t.Helper()
	res, err := f.svc.PayInstallment(context.Background(), ManualPayment{
		InstallmentID: inst.ID,
		Amount:        inst.Amount,
		Method:        ledger.MethodCash,
		Reference:     ref,
		Actor:         "cashier",
	})
	require.NoError(t, err)
	return res
}
