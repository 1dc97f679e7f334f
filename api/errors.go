package api

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/warp/fee-ledger/billing"
	"github.com/warp/fee-ledger/ledger"
	"go.uber.org/zap"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string       `json:"error"`
	Details string       `json:"details,omitempty"`
	Fields  []FieldError `json:"fields,omitempty"`
}

type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			resp.Fields = append(resp.Fields, FieldError{Field: fe.Field(), Rule: fe.Tag()})
		}
	}
	writeJSON(w, status, resp)
}

// statusFor maps service errors onto HTTP statuses:
//
//	amount mismatch          422
//	validation / bad amount  400
//	not found                404
//	transition / paid / key  409
//	gateway not configured   503
//	gateway failure          502
func statusFor(err error) (int, string) {
	var ge *billing.GatewayError
	switch {
	case errors.Is(err, ledger.ErrAmountMismatch):
		return http.StatusUnprocessableEntity, "Amount does not match installment"
	case ledger.IsClientError(err):
		return http.StatusBadRequest, "Invalid request"
	case ledger.IsNotFound(err):
		return http.StatusNotFound, "Not found"
	case ledger.IsConflict(err):
		return http.StatusConflict, "Conflicts with current ledger state"
	case errors.Is(err, billing.ErrGatewayDisabled):
		return http.StatusServiceUnavailable, "Payment gateway not configured"
	case errors.As(err, &ge):
		return http.StatusBadGateway, "Payment gateway error"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

// writeServiceError writes err with its mapped status. Internal errors are
// logged and their details withheld.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
		if status == http.StatusInternalServerError {
			err = nil
		}
	}
	writeError(w, status, message, err)
}
