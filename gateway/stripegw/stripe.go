/*
Package stripegw adapts Stripe payment intents to billing.Gateway.

OUTBOUND:
  CreatePaymentIntent -> POST /v1/payment_intents with an Idempotency-Key
  header, so a retried request returns the same intent instead of a second
  charge. Amounts are sent in minor units.

INBOUND:
  ParseWebhook verifies the Stripe-Signature header and maps
    payment_intent.succeeded       -> GatewaySucceeded
    payment_intent.payment_failed  -> GatewayFailed
    payment_intent.canceled        -> GatewayCancelled
  Every other event type is acknowledged and ignored (nil callback).
*/
package stripegw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/paymentintent"
	"github.com/stripe/stripe-go/v79/webhook"
	"github.com/warp/fee-ledger/billing"
	"github.com/warp/fee-ledger/ledger"
	"go.uber.org/zap"
)

// ErrInvalidSignature is returned when a webhook fails verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

type Config struct {
	SecretKey     string
	WebhookSecret string

	// BackendURL overrides the API host (stripe-mock, tests).
	BackendURL string
}

type Gateway struct {
	intents       paymentintent.Client
	webhookSecret string
	logger        *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Gateway, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	backend := stripe.GetBackend(stripe.APIBackend)
	if cfg.BackendURL != "" {
		backend = stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:               stripe.String(cfg.BackendURL),
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
		})
	}

	return &Gateway{
		intents:       paymentintent.Client{B: backend, Key: cfg.SecretKey},
		webhookSecret: cfg.WebhookSecret,
		logger:        logger,
	}, nil
}

func (g *Gateway) Name() string { return ledger.GatewayStripe }

func (g *Gateway) CreatePaymentIntent(ctx context.Context, req billing.IntentRequest) (*billing.Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(ledger.ToMinorUnits(req.Amount)),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := g.intents.New(params)
	if err != nil {
		g.logger.Error("stripe payment intent creation failed",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Error(err),
		)
		return nil, wrapError("create_payment_intent", err)
	}

	g.logger.Info("stripe payment intent created",
		zap.String("payment_intent_id", pi.ID),
		zap.Int64("amount", pi.Amount),
		zap.String("currency", string(pi.Currency)),
	)
	return &billing.Intent{ID: pi.ID, ClientSecret: pi.ClientSecret, Status: string(pi.Status)}, nil
}

// ParseWebhook verifies and decodes a webhook delivery. A nil callback with
// a nil error means the event type is not one the ledger reacts to.
func (g *Gateway) ParseWebhook(payload []byte, signature string) (*billing.GatewayCallback, error) {
	if g.webhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var status ledger.GatewayStatus
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		status = ledger.GatewaySucceeded
	case stripe.EventTypePaymentIntentPaymentFailed:
		status = ledger.GatewayFailed
	case stripe.EventTypePaymentIntentCanceled:
		status = ledger.GatewayCancelled
	default:
		g.logger.Debug("ignoring stripe event", zap.String("type", string(event.Type)), zap.String("id", event.ID))
		return nil, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("decode payment intent from event %s: %w", event.ID, err)
	}
	if pi.ID == "" {
		return nil, fmt.Errorf("event %s carries no payment intent id", event.ID)
	}

	cb := &billing.GatewayCallback{PaymentIntentID: pi.ID, Status: status}
	switch {
	case pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "":
		cb.ErrorMessage = pi.LastPaymentError.Msg
	case status == ledger.GatewayCancelled && pi.CancellationReason != "":
		cb.ErrorMessage = "cancelled: " + string(pi.CancellationReason)
	}

	g.logger.Info("stripe webhook verified",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("payment_intent_id", pi.ID),
	)
	return cb, nil
}

func wrapError(op string, err error) error {
	ge := &billing.GatewayError{Provider: ledger.GatewayStripe, Op: op, Err: err}
	var se *stripe.Error
	if errors.As(err, &se) {
		ge.Code = string(se.Code)
		if ge.Code == "" {
			ge.Code = string(se.Type)
		}
	}
	return ge
}

var _ billing.Gateway = (*Gateway)(nil)
