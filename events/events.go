/*
Package events defines ledger domain events and their publishers.

Events are published after the store transaction commits. A publish
failure is logged by the caller and never rolls the ledger back: the
transaction log stays the source of truth, events are notifications.

EVENT TYPES:
  plan.created         new plan with its schedule
  payment.applied      installment settled, receipt issued
  gateway.failed       payment intent failed, installment still payable
  gateway.cancelled    payment intent cancelled
  plan.completed       every installment paid
  plan.defaulted       plan moved to Defaulted
  plan.status_changed  suspend / resume / cancel / cure
*/
package events

import (
	"context"
	"strconv"
	"time"
)

type Type string

const (
	PlanCreated       Type = "plan.created"
	PaymentApplied    Type = "payment.applied"
	GatewayFailed     Type = "gateway.failed"
	GatewayCancelled  Type = "gateway.cancelled"
	PlanCompleted     Type = "plan.completed"
	PlanDefaulted     Type = "plan.defaulted"
	PlanStatusChanged Type = "plan.status_changed"
)

// Event is the wire shape of every ledger event. Amounts are decimal
// strings with two fractional digits.
type Event struct {
	ID              string    `json:"event_id"`
	Type            Type      `json:"event_type"`
	OccurredAt      time.Time `json:"occurred_at"`
	StudentID       int64     `json:"student_id"`
	PlanID          int64     `json:"plan_id,omitempty"`
	InstallmentID   int64     `json:"installment_id,omitempty"`
	ReceiptID       int64     `json:"receipt_id,omitempty"`
	ReceiptNumber   string    `json:"receipt_number,omitempty"`
	Amount          string    `json:"amount,omitempty"`
	PaymentMethod   string    `json:"payment_method,omitempty"`
	PaymentIntentID string    `json:"payment_intent_id,omitempty"`
	Status          string    `json:"status,omitempty"`
	Reason          string    `json:"reason,omitempty"`
}

// Key is the partition key: all events of one plan stay ordered.
func (e Event) Key() string {
	if e.PlanID != 0 {
		return "plan_" + strconv.FormatInt(e.PlanID, 10)
	}
	return "student_" + strconv.FormatInt(e.StudentID, 10)
}

// Publisher delivers events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// NopPublisher drops every event. Used when Kafka is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ...Event) error { return nil }
func (NopPublisher) Close() error                            { return nil }
