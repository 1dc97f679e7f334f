/*
scenarios.go - Demo scenario loaders for local runs and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	plans and payments. Each scenario goes through billing.Service, so
	every plan, receipt and transaction it creates is indistinguishable
	from one entered through the API.

AVAILABLE SCENARIOS:

	on-track:        One plan, first installment paid, nothing overdue
	overdue:         Unpaid plan 75 days past its first due date
	defaulted:       Overdue plan moved to Defaulted by a default scan
	completed:       Every installment paid, plan Completed
	suspended:       Plan suspended by an administrator
	course-mix:      Several plans across two courses with partial payments

HOW SCENARIOS WORK:
 1. Create plans with first due dates relative to the service clock
 2. Apply manual payments with demo references (idempotent on reload)
 3. Optionally run admin transitions or a default scan

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "overdue"}

NOTE:

	The ledger is append-only, so scenarios add data and never reset it.
	Routes are mounted only when server.demo is enabled.

SEE ALSO:
  - handlers.go: Plan and payment handlers used by the same service
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/fee-ledger/billing"
	"github.com/warp/fee-ledger/ledger"
	"go.uber.org/zap"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, svc *billing.Service, now time.Time) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "on-track",
			Name:        "On Track",
			Description: "Three monthly installments, the first paid in cash",
			Category:    "payments",
		},
		load: loadOnTrackScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "overdue",
			Name:        "Overdue Student",
			Description: "Four installments, none paid, first due 75 days ago",
			Category:    "collections",
		},
		load: loadOverdueScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "defaulted",
			Name:        "Defaulted Plan",
			Description: "Overdue plan moved to Defaulted by a default scan",
			Category:    "collections",
		},
		load: loadDefaultedScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "completed",
			Name:        "Completed Plan",
			Description: "Two installments paid by bank transfer and eSewa",
			Category:    "payments",
		},
		load: loadCompletedScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "suspended",
			Name:        "Suspended Plan",
			Description: "Plan suspended pending a fee waiver review",
			Category:    "admin",
		},
		load: loadSuspendedScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "course-mix",
			Name:        "Course Mix",
			Description: "Five plans across two courses with partial payments for the financial summary",
			Category:    "reporting",
		},
		load: loadCourseMixScenario,
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	out := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		out[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	s, _ := findScenario(current)
	writeJSON(w, http.StatusOK, s.ScenarioDTO)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q does not exist", req.ScenarioID))
		return
	}

	if err := s.load(r.Context(), h.Service, h.Service.Now()); err != nil {
		h.logger.Error("failed to load scenario", zap.String("scenario", s.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = s.ID
	h.mu.Unlock()

	h.logger.Info("scenario loaded", zap.String("scenario", s.ID))
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": s.ID,
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// Demo student ids live in their own range so they never collide with
// ids created by hand.
const demoStudentBase = 9000

func demoPlan(ctx context.Context, svc *billing.Service, student int64, course *int64, total string, n int, firstDue time.Time, desc string) (*ledger.PlanLedger, error) {
	req := ledger.PlanRequest{
		StudentID:            ledger.StudentID(demoStudentBase + student),
		TotalAmount:          ledger.MustMoney(total),
		NumberOfInstallments: n,
		FirstDueDate:         &firstDue,
		Description:          desc,
		CreatedBy:            "demo",
	}
	if course != nil {
		c := ledger.CourseID(*course)
		req.CourseID = &c
	}
	pl, err := svc.CreatePaymentPlan(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create demo plan %q: %w", desc, err)
	}
	return pl, nil
}

// demoPay pays installment k (1-based) of pl in full on paidAt.
func demoPay(ctx context.Context, svc *billing.Service, pl *ledger.PlanLedger, k int, method ledger.PaymentMethod, paidAt time.Time) error {
	inst := pl.Installments[k-1]
	_, err := svc.PayInstallment(ctx, billing.ManualPayment{
		InstallmentID: inst.ID,
		Amount:        inst.Amount,
		Method:        method,
		Reference:     fmt.Sprintf("demo-%d-%d", pl.Plan.ID, k),
		Actor:         "demo",
		PaidAt:        &paidAt,
	})
	if err != nil {
		return fmt.Errorf("failed to pay demo installment %d of plan %d: %w", k, pl.Plan.ID, err)
	}
	return nil
}

func daysAgo(now time.Time, n int) time.Time {
	return ledger.DateOf(now).AddDate(0, 0, -n)
}

func loadOnTrackScenario(ctx context.Context, svc *billing.Service, now time.Time) error {
	pl, err := demoPlan(ctx, svc, 1, nil, "30000.00", 3, daysAgo(now, 5), "Web development bootcamp")
	if err != nil {
		return err
	}
	return demoPay(ctx, svc, pl, 1, ledger.MethodCash, daysAgo(now, 6))
}

func loadOverdueScenario(ctx context.Context, svc *billing.Service, now time.Time) error {
	_, err := demoPlan(ctx, svc, 2, nil, "48000.00", 4, daysAgo(now, 75), "Data science diploma")
	return err
}

func loadDefaultedScenario(ctx context.Context, svc *billing.Service, now time.Time) error {
	pl, err := demoPlan(ctx, svc, 3, nil, "25000.00", 2, daysAgo(now, 60), "Graphic design course")
	if err != nil {
		return err
	}
	run, err := svc.ApplyDefaults(ctx)
	if err != nil {
		return err
	}
	for _, id := range run.Defaulted {
		if id == pl.Plan.ID {
			return nil
		}
	}
	return fmt.Errorf("plan %d was not defaulted by the scan", pl.Plan.ID)
}

func loadCompletedScenario(ctx context.Context, svc *billing.Service, now time.Time) error {
	pl, err := demoPlan(ctx, svc, 4, nil, "12000.50", 2, daysAgo(now, 40), "Spoken English")
	if err != nil {
		return err
	}
	if err := demoPay(ctx, svc, pl, 1, ledger.MethodBankTransfer, daysAgo(now, 41)); err != nil {
		return err
	}
	return demoPay(ctx, svc, pl, 2, ledger.MethodESewa, daysAgo(now, 10))
}

func loadSuspendedScenario(ctx context.Context, svc *billing.Service, now time.Time) error {
	pl, err := demoPlan(ctx, svc, 5, nil, "18000.00", 3, daysAgo(now, 20), "Accounting package")
	if err != nil {
		return err
	}
	_, err = svc.SuspendPlan(ctx, pl.Plan.ID, "fee waiver under review")
	return err
}

func loadCourseMixScenario(ctx context.Context, svc *billing.Service, now time.Time) error {
	python, java := int64(101), int64(102)
	plans := []struct {
		student int64
		course  *int64
		total   string
		n       int
		due     int
		paid    int
	}{
		{6, &python, "15000.00", 3, 50, 2},
		{7, &python, "15000.00", 3, 50, 1},
		{8, &python, "15000.00", 3, 20, 0},
		{9, &java, "22000.00", 4, 35, 2},
		{10, &java, "22000.00", 4, 10, 1},
	}
	for _, p := range plans {
		pl, err := demoPlan(ctx, svc, p.student, p.course, p.total, p.n, daysAgo(now, p.due), fmt.Sprintf("Course %d", *p.course))
		if err != nil {
			return err
		}
		for k := 1; k <= p.paid; k++ {
			if err := demoPay(ctx, svc, pl, k, ledger.MethodCash, ledger.DateOf(pl.Installments[k-1].DueDate)); err != nil {
				return err
			}
		}
	}
	return nil
}
