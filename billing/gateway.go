package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrGatewayDisabled is returned by CreateGatewayPayment when no gateway
// is configured.
var ErrGatewayDisabled = errors.New("payment gateway not configured")

// Gateway is the port to the card payment provider.
type Gateway interface {
	// Name identifies the provider in transaction records ("stripe").
	Name() string

	// CreatePaymentIntent registers an intent and returns its id and client
	// secret. IdempotencyKey makes retries of the same request safe.
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error)
}

type IntentRequest struct {
	Amount         decimal.Decimal
	Currency       string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

type Intent struct {
	ID           string
	ClientSecret string
	Status       string
}

// GatewayError wraps a provider failure with the operation that hit it.
type GatewayError struct {
	Provider string
	Op       string
	Code     string
	Err      error
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s failed (%s): %v", e.Provider, e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }
