/*
reconciler.go - PaymentReconciler: applying payments exactly once

FLOW (apply):
  1. Replay check: an idempotency key already in the transaction log
     returns the original receipt and transaction, nothing is written.
  2. Resolve the owning plan and take its lock.
  3. In one store transaction:
       re-check the key (a concurrent delivery may have won)
       CheckPayable          -> ErrInstallmentNotFound / AlreadyPaid / InvalidTransition
       exact amount match    -> AmountMismatch
       next receipt number, insert receipt
       MarkPaid + Recompute  (paid/balance, auto Completed or cure)
       append transaction    (unique idempotency key)
       update plan, mark gateway record Succeeded
  4. After commit: metrics, events, logs.

IDEMPOTENCY KEYS:
  gateway payments: the payment intent id
  manual payments:  "manual:" + caller reference, or a fresh uuid when the
                    caller gives none (then retries are NOT deduplicated)

GATEWAY CALLBACKS:
  unknown intent           no-op
  record already terminal  no-op (redelivery)
  succeeded                apply; if the installment can no longer take the
                           payment, the record is still marked Succeeded and
                           the error message says why it was not applied
  failed / cancelled       record updated, installment stays Pending
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/fee-ledger/events"
	"github.com/warp/fee-ledger/ledger"
	"go.uber.org/zap"
)

// PaymentResult is what a payment application produced. A replay returns
// the same Receipt and Transaction as the original application.
type PaymentResult struct {
	Receipt     ledger.Receipt
	Transaction ledger.Transaction
	Plan        ledger.PlanLedger
	Installment ledger.Installment
	Replayed    bool
}

// paymentCommand is the internal shape shared by manual and gateway paths.
type paymentCommand struct {
	InstallmentID   ledger.InstallmentID
	Amount          decimal.Decimal
	Method          ledger.PaymentMethod
	Gateway         string
	IdempotencyKey  string
	ReferenceNumber string
	PaymentIntentID string
	Remarks         string
	Actor           string
	PaidAt          time.Time
}

// =============================================================================
// MANUAL PAYMENTS
// =============================================================================

// ManualPayment is a cash / eSewa / bank / cheque entry by staff.
type ManualPayment struct {
	InstallmentID ledger.InstallmentID
	Amount        decimal.Decimal
	Method        ledger.PaymentMethod
	// Reference is the caller's receipt slip or bank reference. It becomes
	// the idempotency key, so a resubmitted form is applied once.
	Reference string
	Remarks   string
	Actor     string
	PaidAt    *time.Time
}

// PayInstallment applies a manual payment.
func (s *Service) PayInstallment(ctx context.Context, p ManualPayment) (*PaymentResult, error) {
	if !p.Method.IsManual() {
		return nil, &ledger.ValidationError{Field: "payment_method", Message: fmt.Sprintf("%q is not a manual payment method", p.Method)}
	}
	if err := validateAmount(p.Amount); err != nil {
		return nil, err
	}

	// Without a reference a resubmission cannot be told apart from a new
	// payment; it fails with AlreadyPaid carrying the original receipt id.
	key := "manual:" + uuid.NewString()
	if ref := strings.TrimSpace(p.Reference); ref != "" {
		key = "manual:" + ref
	}
	cmd := paymentCommand{
		InstallmentID:   p.InstallmentID,
		Amount:          p.Amount,
		Method:          p.Method,
		Gateway:         ledger.GatewayManual,
		IdempotencyKey:  key,
		ReferenceNumber: strings.TrimSpace(p.Reference),
		Remarks:         p.Remarks,
		Actor:           p.Actor,
	}
	if p.PaidAt != nil {
		cmd.PaidAt = p.PaidAt.UTC()
	}
	return s.apply(ctx, cmd)
}

func validateAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return &ledger.ValidationError{Field: "amount", Message: "must be greater than zero", Cause: ledger.ErrInvalidAmount}
	}
	if !ledger.IsMoney(d) {
		return &ledger.ValidationError{Field: "amount", Message: "at most 2 decimal places", Cause: ledger.ErrInvalidAmount}
	}
	return nil
}

// =============================================================================
// APPLY
// =============================================================================

func (s *Service) apply(ctx context.Context, cmd paymentCommand) (*PaymentResult, error) {
	start := time.Now()
	defer func() { s.metrics.ApplyDuration.Observe(time.Since(start).Seconds()) }()

	log := s.logger.With(
		zap.Int64("installment_id", int64(cmd.InstallmentID)),
		zap.String("idempotency_key", cmd.IdempotencyKey),
	)

	if res, err := s.replay(ctx, s.store, cmd); res != nil || err != nil {
		if res != nil {
			s.metrics.PaymentReplays.Inc()
			log.Info("payment replayed", zap.Int64("receipt_id", int64(res.Receipt.ID)))
		}
		return res, err
	}

	planID, err := s.store.PlanIDForInstallment(ctx, cmd.InstallmentID)
	if err != nil {
		s.metrics.PaymentRejected.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	unlock := s.locks.Lock(planID)
	defer unlock()

	var (
		result     *PaymentResult
		fromStatus ledger.PlanStatus
	)
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		replayed, err := s.replay(ctx, tx, cmd)
		if err != nil {
			return err
		}
		if replayed != nil {
			result = replayed
			return nil
		}

		pl, err := tx.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		fromStatus = pl.Plan.Status

		inst, err := s.machine.CheckPayable(pl, cmd.InstallmentID)
		if err != nil {
			return err
		}
		if !cmd.Amount.Equal(inst.Amount) {
			return &ledger.AmountMismatchError{InstallmentID: inst.ID, Expected: inst.Amount, Got: cmd.Amount}
		}

		now := s.clock.Now()
		paidAt := cmd.PaidAt
		if paidAt.IsZero() {
			paidAt = now
		}

		seq, err := tx.NextReceiptSequence(ctx)
		if err != nil {
			return err
		}
		receipt := ledger.Receipt{
			ReceiptNumber: ledger.FormatReceiptNumber(s.cfg.ReceiptPrefix, now, seq),
			StudentID:     pl.Plan.StudentID,
			PlanID:        pl.Plan.ID,
			InstallmentID: inst.ID,
			Amount:        cmd.Amount,
			ReceiptType:   s.cfg.ReceiptType,
			PaymentMethod: cmd.Method,
			PaymentDate:   paidAt,
			GeneratedBy:   cmd.Actor,
			GeneratedAt:   now,
		}
		if err := tx.InsertReceipt(ctx, &receipt); err != nil {
			return err
		}

		settlement := ledger.Settlement{
			ReceiptID:       receipt.ID,
			PaymentIntentID: cmd.PaymentIntentID,
			PaidAt:          paidAt,
			Remarks:         cmd.Remarks,
		}
		if err := s.machine.MarkPaid(pl, inst.ID, settlement, now); err != nil {
			return err
		}

		txn := ledger.Transaction{
			StudentID:       pl.Plan.StudentID,
			PlanID:          pl.Plan.ID,
			InstallmentID:   inst.ID,
			ReceiptID:       receipt.ID,
			Type:            ledger.TxPayment,
			Amount:          cmd.Amount,
			PaymentMethod:   cmd.Method,
			Gateway:         cmd.Gateway,
			Status:          ledger.TxStatusSuccess,
			ReferenceNumber: cmd.ReferenceNumber,
			IdempotencyKey:  cmd.IdempotencyKey,
			CreatedBy:       cmd.Actor,
			CreatedAt:       now,
		}
		if err := tx.AppendTransaction(ctx, &txn); err != nil {
			return err
		}
		if err := tx.UpdatePlan(ctx, pl); err != nil {
			return err
		}

		if cmd.PaymentIntentID != "" {
			gp, err := tx.GetGatewayPayment(ctx, cmd.PaymentIntentID)
			if err != nil {
				return err
			}
			gp.Status = ledger.GatewaySucceeded
			gp.ErrorMessage = ""
			gp.UpdatedAt = now
			if err := tx.UpdateGatewayPayment(ctx, gp); err != nil {
				return err
			}
		}

		result = &PaymentResult{
			Receipt:     receipt,
			Transaction: txn,
			Plan:        *pl,
			Installment: *pl.Installment(inst.ID),
		}
		return nil
	})

	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		// lost a race on the unique index outside this process
		res, rerr := s.replay(ctx, s.store, cmd)
		if rerr == nil && res != nil {
			s.metrics.PaymentReplays.Inc()
			return res, nil
		}
	}
	if err != nil {
		s.metrics.PaymentRejected.WithLabelValues(rejectReason(err)).Inc()
		log.Warn("payment rejected", zap.Error(err))
		return nil, err
	}

	if result.Replayed {
		s.metrics.PaymentReplays.Inc()
		log.Info("payment replayed", zap.Int64("receipt_id", int64(result.Receipt.ID)))
		return result, nil
	}

	s.metrics.PaymentsApplied.WithLabelValues(string(cmd.Method), cmd.Gateway).Inc()
	amount, _ := cmd.Amount.Float64()
	s.metrics.AmountCollected.WithLabelValues(s.cfg.Currency).Add(amount)
	log.Info("payment applied",
		zap.Int64("plan_id", int64(result.Plan.Plan.ID)),
		zap.String("receipt_number", result.Receipt.ReceiptNumber),
		zap.String("amount", cmd.Amount.StringFixed(ledger.MoneyPlaces)),
		zap.String("payment_method", string(cmd.Method)),
		zap.String("plan_status", string(result.Plan.Plan.Status)),
	)

	e := s.newEvent(events.PaymentApplied, result.Plan.Plan.StudentID)
	e.PlanID = int64(result.Plan.Plan.ID)
	e.InstallmentID = int64(result.Installment.ID)
	e.ReceiptID = int64(result.Receipt.ID)
	e.ReceiptNumber = result.Receipt.ReceiptNumber
	e.Amount = cmd.Amount.StringFixed(ledger.MoneyPlaces)
	e.PaymentMethod = string(cmd.Method)
	e.PaymentIntentID = cmd.PaymentIntentID
	e.Status = string(result.Plan.Plan.Status)
	s.publish(ctx, e)
	s.afterTransition(ctx, fromStatus, &result.Plan)

	return result, nil
}

// replay returns the original result for a key already in the log, or
// nil, nil when the key is new. A key reused for another installment is
// a conflict, not a replay.
func (s *Service) replay(ctx context.Context, r ledger.Reader, cmd paymentCommand) (*PaymentResult, error) {
	if cmd.IdempotencyKey == "" {
		return nil, nil
	}
	txn, err := r.TransactionByIdempotencyKey(ctx, cmd.IdempotencyKey)
	if err != nil || txn == nil {
		return nil, err
	}
	if txn.InstallmentID != cmd.InstallmentID {
		return nil, fmt.Errorf("key %q already used for installment %d: %w",
			cmd.IdempotencyKey, txn.InstallmentID, ledger.ErrDuplicateIdempotencyKey)
	}
	receipt, err := r.GetReceipt(ctx, txn.ReceiptID)
	if err != nil {
		return nil, err
	}
	pl, err := r.GetPlan(ctx, txn.PlanID)
	if err != nil {
		return nil, err
	}
	res := &PaymentResult{Receipt: *receipt, Transaction: *txn, Plan: *pl, Replayed: true}
	if inst := pl.Installment(txn.InstallmentID); inst != nil {
		res.Installment = *inst
	}
	return res, nil
}

// =============================================================================
// GATEWAY PAYMENTS
// =============================================================================

// GatewayPaymentRequest asks for a card payment of one installment.
type GatewayPaymentRequest struct {
	StudentID     ledger.StudentID
	InstallmentID ledger.InstallmentID
	Amount        decimal.Decimal
	Currency      string
}

// CreateGatewayPayment registers a payment intent with the gateway and
// records it Pending. The installment is untouched until the callback.
func (s *Service) CreateGatewayPayment(ctx context.Context, req GatewayPaymentRequest) (*ledger.GatewayPayment, error) {
	if s.gateway == nil {
		return nil, ErrGatewayDisabled
	}
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency != s.cfg.Currency {
		return nil, &ledger.ValidationError{Field: "currency", Message: fmt.Sprintf("only %s is supported", strings.ToUpper(s.cfg.Currency))}
	}

	planID, err := s.store.PlanIDForInstallment(ctx, req.InstallmentID)
	if err != nil {
		return nil, err
	}
	pl, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if pl.Plan.StudentID != req.StudentID {
		return nil, &ledger.ValidationError{Field: "student_id", Message: fmt.Sprintf("installment %d does not belong to student %d", req.InstallmentID, req.StudentID)}
	}
	inst, err := s.machine.CheckPayable(pl, req.InstallmentID)
	if err != nil {
		return nil, err
	}
	if !req.Amount.Equal(inst.Amount) {
		return nil, &ledger.AmountMismatchError{InstallmentID: inst.ID, Expected: inst.Amount, Got: req.Amount}
	}

	intent, err := s.gateway.CreatePaymentIntent(ctx, IntentRequest{
		Amount:         req.Amount,
		Currency:       currency,
		Description:    fmt.Sprintf("Plan %d installment #%d", pl.Plan.ID, inst.InstallmentNumber),
		IdempotencyKey: uuid.NewString(),
		Metadata: map[string]string{
			"student_id":     strconv.FormatInt(int64(req.StudentID), 10),
			"plan_id":        strconv.FormatInt(int64(pl.Plan.ID), 10),
			"installment_id": strconv.FormatInt(int64(inst.ID), 10),
		},
	})
	if err != nil {
		s.logger.Error("failed to create payment intent", zap.Int64("installment_id", int64(inst.ID)), zap.Error(err))
		return nil, err
	}

	now := s.clock.Now()
	instID := inst.ID
	gp := &ledger.GatewayPayment{
		PaymentIntentID: intent.ID,
		StudentID:       req.StudentID,
		InstallmentID:   &instID,
		Amount:          req.Amount,
		Currency:        currency,
		Status:          ledger.GatewayPending,
		ClientSecret:    intent.ClientSecret,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertGatewayPayment(ctx, gp)
	}); err != nil {
		return nil, err
	}

	s.logger.Info("payment intent created",
		zap.String("payment_intent_id", gp.PaymentIntentID),
		zap.Int64("installment_id", int64(instID)),
		zap.String("amount", gp.Amount.StringFixed(ledger.MoneyPlaces)),
	)
	return gp, nil
}

// =============================================================================
// GATEWAY CALLBACKS
// =============================================================================

// GatewayCallback is a provider status notification, already verified.
type GatewayCallback struct {
	PaymentIntentID string
	Status          ledger.GatewayStatus
	ErrorMessage    string
}

type CallbackOutcome string

const (
	OutcomeApplied   CallbackOutcome = "applied"
	OutcomeReplayed  CallbackOutcome = "replayed"
	OutcomeUnapplied CallbackOutcome = "unapplied"
	OutcomeRecorded  CallbackOutcome = "recorded"
	OutcomeUnknown   CallbackOutcome = "ignored_unknown"
	OutcomeTerminal  CallbackOutcome = "ignored_terminal"
)

type CallbackResult struct {
	Outcome        CallbackOutcome
	GatewayPayment *ledger.GatewayPayment
	Payment        *PaymentResult
}

// HandleGatewayCallback is safe under at-least-once delivery: only
// infrastructure failures return an error (so the gateway retries).
func (s *Service) HandleGatewayCallback(ctx context.Context, cb GatewayCallback) (*CallbackResult, error) {
	res, err := s.handleCallback(ctx, cb)
	if err != nil {
		s.metrics.GatewayCallbacks.WithLabelValues(string(cb.Status), "error").Inc()
		return nil, err
	}
	s.metrics.GatewayCallbacks.WithLabelValues(string(cb.Status), string(res.Outcome)).Inc()
	return res, nil
}

func (s *Service) handleCallback(ctx context.Context, cb GatewayCallback) (*CallbackResult, error) {
	log := s.logger.With(zap.String("payment_intent_id", cb.PaymentIntentID), zap.String("status", string(cb.Status)))

	switch cb.Status {
	case ledger.GatewaySucceeded, ledger.GatewayFailed, ledger.GatewayCancelled:
	default:
		return nil, &ledger.ValidationError{Field: "status", Message: fmt.Sprintf("unsupported callback status %q", cb.Status)}
	}

	gp, err := s.store.GetGatewayPayment(ctx, cb.PaymentIntentID)
	if errors.Is(err, ledger.ErrGatewayPaymentNotFound) {
		log.Info("callback for unknown payment intent ignored")
		return &CallbackResult{Outcome: OutcomeUnknown}, nil
	}
	if err != nil {
		return nil, err
	}
	if gp.Status.IsTerminal() {
		log.Info("callback for settled payment intent ignored", zap.String("recorded_status", string(gp.Status)))
		return &CallbackResult{Outcome: OutcomeTerminal, GatewayPayment: gp}, nil
	}

	if cb.Status != ledger.GatewaySucceeded {
		return s.recordGatewayStatus(ctx, gp, cb.Status, cb.ErrorMessage)
	}
	if gp.InstallmentID == nil {
		return s.recordGatewayStatus(ctx, gp, ledger.GatewaySucceeded, "")
	}

	payment, err := s.apply(ctx, paymentCommand{
		InstallmentID:   *gp.InstallmentID,
		Amount:          gp.Amount,
		Method:          ledger.MethodStripe,
		Gateway:         s.gatewayName(),
		IdempotencyKey:  gp.PaymentIntentID,
		ReferenceNumber: gp.PaymentIntentID,
		PaymentIntentID: gp.PaymentIntentID,
		Actor:           s.gatewayName(),
	})
	switch {
	case err == nil:
		updated, gerr := s.store.GetGatewayPayment(ctx, gp.PaymentIntentID)
		if gerr != nil {
			return nil, gerr
		}
		outcome := OutcomeApplied
		if payment.Replayed {
			outcome = OutcomeReplayed
		}
		return &CallbackResult{Outcome: outcome, GatewayPayment: updated, Payment: payment}, nil

	case ledger.IsClientError(err) || ledger.IsConflict(err) || ledger.IsNotFound(err):
		// The provider holds the money but the ledger cannot take it (paid by
		// another method meanwhile, plan suspended or cancelled). Record the
		// success with the reason so staff can refund; do not make the
		// provider retry something that will never succeed.
		log.Warn("gateway payment succeeded but was not applied", zap.Error(err))
		res, rerr := s.recordGatewayStatus(ctx, gp, ledger.GatewaySucceeded, "not applied: "+err.Error())
		if rerr != nil {
			return nil, rerr
		}
		res.Outcome = OutcomeUnapplied
		return res, nil

	default:
		return nil, err
	}
}

// recordGatewayStatus moves a Pending record to a terminal status without
// touching the ledger.
func (s *Service) recordGatewayStatus(ctx context.Context, gp *ledger.GatewayPayment, status ledger.GatewayStatus, msg string) (*CallbackResult, error) {
	var (
		out     *ledger.GatewayPayment
		skipped bool
	)
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		cur, err := tx.GetGatewayPayment(ctx, gp.PaymentIntentID)
		if err != nil {
			return err
		}
		if cur.Status.IsTerminal() {
			out, skipped = cur, true
			return nil
		}
		cur.Status = status
		cur.ErrorMessage = msg
		cur.UpdatedAt = s.clock.Now()
		out = cur
		return tx.UpdateGatewayPayment(ctx, cur)
	})
	if err != nil {
		return nil, err
	}
	if skipped {
		return &CallbackResult{Outcome: OutcomeTerminal, GatewayPayment: out}, nil
	}

	s.logger.Info("gateway payment updated",
		zap.String("payment_intent_id", out.PaymentIntentID),
		zap.String("status", string(status)),
		zap.String("error_message", msg),
	)
	var typ events.Type
	switch status {
	case ledger.GatewayFailed:
		typ = events.GatewayFailed
	case ledger.GatewayCancelled:
		typ = events.GatewayCancelled
	}
	if typ != "" {
		e := s.newEvent(typ, out.StudentID)
		if out.InstallmentID != nil {
			e.InstallmentID = int64(*out.InstallmentID)
		}
		e.PaymentIntentID = out.PaymentIntentID
		e.Amount = out.Amount.StringFixed(ledger.MoneyPlaces)
		e.Status = string(status)
		e.Reason = msg
		s.publish(ctx, e)
	}
	return &CallbackResult{Outcome: OutcomeRecorded, GatewayPayment: out}, nil
}

func (s *Service) gatewayName() string {
	if s.gateway != nil {
		return s.gateway.Name()
	}
	return ledger.GatewayStripe
}
