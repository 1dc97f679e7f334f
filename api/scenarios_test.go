package api

import (
	"net/http"
	"testing"

	"github.com/warp/fee-ledger/ledger"
)

// =============================================================================
// SCENARIO LOADING
// =============================================================================

func TestScenarios_AllLoad(t *testing.T) {
	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			env := newTestEnv(t, withDemo())

			rec := env.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: s.ID})

			if rec.Code != http.StatusOK {
				t.Fatalf("load %s: status %d, body %s", s.ID, rec.Code, rec.Body.String())
			}
			plans := decodeAs[[]PlanResponse](t, env.do(http.MethodGet, "/api/plans", nil))
			if len(plans) == 0 {
				t.Errorf("scenario %s created no plans", s.ID)
			}
		})
	}
}

func TestScenarios_ResultingState(t *testing.T) {
	tests := []struct {
		scenario string
		status   ledger.PlanStatus
		paid     string
	}{
		{"on-track", ledger.PlanActive, "10000.00"},
		{"overdue", ledger.PlanActive, "0.00"},
		{"defaulted", ledger.PlanDefaulted, "0.00"},
		{"completed", ledger.PlanCompleted, "12000.50"},
		{"suspended", ledger.PlanSuspended, "0.00"},
	}
	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			// GIVEN: a fresh ledger
			env := newTestEnv(t, withDemo())

			// WHEN: the scenario is loaded
			rec := env.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: tt.scenario})
			if rec.Code != http.StatusOK {
				t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
			}

			// THEN: its single plan is in the expected state
			plans := decodeAs[[]PlanResponse](t, env.do(http.MethodGet, "/api/plans", nil))
			if len(plans) != 1 {
				t.Fatalf("expected 1 plan, got %d", len(plans))
			}
			if got := plans[0].Plan.Status; got != string(tt.status) {
				t.Errorf("status = %s, want %s", got, tt.status)
			}
			if got := plans[0].Plan.PaidAmount; got != tt.paid {
				t.Errorf("paid = %s, want %s", got, tt.paid)
			}
		})
	}
}

func TestScenarios_CourseMixFeedsSummary(t *testing.T) {
	env := newTestEnv(t, withDemo())
	if rec := env.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "course-mix"}); rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	s := decodeAs[FinancialSummaryDTO](t, env.do(http.MethodGet, "/api/financial-summary?start=2023-01-01&end=2024-12-31", nil))

	if len(s.ByCourse) != 2 {
		t.Fatalf("expected 2 course breakdowns, got %d", len(s.ByCourse))
	}
	if s.PaymentCount != 6 {
		t.Errorf("payment count = %d, want 6", s.PaymentCount)
	}
}

func TestScenarios_ReloadIsIdempotentPerPlan(t *testing.T) {
	env := newTestEnv(t, withDemo())

	for i := 0; i < 2; i++ {
		if rec := env.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "on-track"}); rec.Code != http.StatusOK {
			t.Fatalf("load %d: status %d", i, rec.Code)
		}
	}

	// Each load adds its own plan; payments never double up within a plan.
	plans := decodeAs[[]PlanResponse](t, env.do(http.MethodGet, "/api/plans", nil))
	txs := decodeAs[[]TransactionDTO](t, env.do(http.MethodGet, "/api/transactions", nil))
	if len(plans) != 2 || len(txs) != 2 {
		t.Errorf("plans = %d, transactions = %d, want 2 and 2", len(plans), len(txs))
	}
}

// =============================================================================
// SCENARIO ENDPOINTS
// =============================================================================

func TestScenarios_ListAndCurrent(t *testing.T) {
	env := newTestEnv(t, withDemo())

	list := decodeAs[[]ScenarioDTO](t, env.do(http.MethodGet, "/api/scenarios", nil))
	if len(list) != len(scenarios) {
		t.Errorf("listed %d scenarios, want %d", len(list), len(scenarios))
	}

	rec := env.do(http.MethodGet, "/api/scenarios/current", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "null\n" {
		t.Errorf("current before load = %d %q", rec.Code, rec.Body.String())
	}

	env.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "suspended"})
	current := decodeAs[ScenarioDTO](t, env.do(http.MethodGet, "/api/scenarios/current", nil))
	if current.ID != "suspended" {
		t.Errorf("current = %q, want suspended", current.ID)
	}
}

func TestScenarios_UnknownAndMissing(t *testing.T) {
	env := newTestEnv(t, withDemo())

	if rec := env.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"}); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown scenario: status %d", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/api/scenarios/load", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing scenario_id: status %d", rec.Code)
	}
}

func TestScenarios_NotMountedWithoutDemo(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(http.MethodGet, "/api/scenarios", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404", rec.Code)
	}
}
