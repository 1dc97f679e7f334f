package billing

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/warp/fee-ledger/ledger"
)

// Metrics are the ledger counters exported on /metrics.
type Metrics struct {
	PaymentsApplied  *prometheus.CounterVec
	PaymentReplays   prometheus.Counter
	PaymentRejected  *prometheus.CounterVec
	AmountCollected  *prometheus.CounterVec
	GatewayCallbacks *prometheus.CounterVec
	PlansCreated     prometheus.Counter
	PlanTransitions  *prometheus.CounterVec
	ApplyDuration    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PaymentsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_payments_applied_total",
				Help: "Payments applied to installments",
			},
			[]string{"method", "gateway"},
		),
		PaymentReplays: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_payment_replays_total",
				Help: "Payment applications answered from a previous result",
			},
		),
		PaymentRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_payments_rejected_total",
				Help: "Payment applications rejected before mutation",
			},
			[]string{"reason"},
		),
		AmountCollected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_amount_collected_total",
				Help: "Sum of applied payment amounts",
			},
			[]string{"currency"},
		),
		GatewayCallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_gateway_callbacks_total",
				Help: "Gateway callbacks by reported status and outcome",
			},
			[]string{"status", "outcome"},
		),
		PlansCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_plans_created_total",
				Help: "Payment plans created",
			},
		),
		PlanTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_plan_transitions_total",
				Help: "Plan status transitions",
			},
			[]string{"from", "to"},
		),
		ApplyDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ledger_payment_apply_duration_seconds",
				Help:    "Time spent applying a payment, including the store transaction",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.PaymentsApplied, m.PaymentReplays, m.PaymentRejected, m.AmountCollected,
			m.GatewayCallbacks, m.PlansCreated, m.PlanTransitions, m.ApplyDuration,
		)
	}
	return m
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, ledger.ErrAlreadyPaid):
		return "already_paid"
	case errors.Is(err, ledger.ErrInvalidTransition):
		return "invalid_transition"
	case ledger.IsNotFound(err):
		return "not_found"
	case errors.Is(err, ledger.ErrValidation):
		return "validation"
	default:
		return "internal"
	}
}
