package payment

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"recurrente-gateway/internal/models"
)

// statusMapping maps gateway statuses onto local transaction states.
var statusMapping = map[string]models.TransactionState{
	"pending":                 models.StatePending,
	"processing":              models.StatePending,
	"requires_action":         models.StatePending,
	"requires_payment_method": models.StatePending,
	"requires_confirmation":   models.StatePending,
	"requires_capture":        models.StatePending,
	"succeeded":               models.StateDone,
	"failed":                  models.StateError,
	"canceled":                models.StateCancel,
}

// MapStatus returns the local state for a gateway status. Unknown statuses
// map to pending.
func MapStatus(status string) models.TransactionState {
	if state, ok := statusMapping[strings.ToLower(strings.TrimSpace(status))]; ok {
		return state
	}
	return models.StatePending
}

const maxApplyAttempts = 3

type Outcome struct {
	Previous models.TransactionState
	Current  models.TransactionState
	// Applied is false when the transaction already was in the target state.
	Applied bool
}

type Reconciler struct {
	repo   Repository
	logger *zap.Logger
}

func NewReconciler(repo Repository, logger *zap.Logger) *Reconciler {
	return &Reconciler{repo: repo, logger: logger}
}

// Apply moves rec to the state mapped from gatewayStatus. Re-applying the
// current state is a no-op; leaving a terminal state returns
// ErrIllegalTransition and leaves the transaction untouched. rec is updated
// in place on success.
func (r *Reconciler) Apply(ctx context.Context, rec *models.GatewayTransaction, gatewayStatus string, rawEvent []byte) (Outcome, error) {
	target := MapStatus(gatewayStatus)

	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		current := rec.Transaction.State
		if current == "" {
			current = models.StateDraft
		}
		outcome := Outcome{Previous: current, Current: current}

		if current == target {
			return outcome, nil
		}
		if current.IsTerminal() {
			rejectedTransitionsTotal.WithLabelValues(string(current), string(target)).Inc()
			r.logger.Warn("rejected transition out of terminal state",
				zap.String("reference", rec.Transaction.Reference),
				zap.String("state", string(current)),
				zap.String("target", string(target)),
				zap.String("gateway_status", gatewayStatus),
			)
			return outcome, fmt.Errorf("%w: %s -> %s for %s", ErrIllegalTransition, current, target, rec.Transaction.Reference)
		}
		if target.IsTerminal() && !rec.Transaction.IsRefund() && !rec.Recurrente.HasSingleGatewayID() {
			return outcome, preconditionf("transaction %s needs exactly one of payment intent or checkout session before %s",
				rec.Transaction.Reference, target)
		}

		message := stateMessage(rec.Transaction, target)
		swapped, err := r.repo.CompareAndSwapState(ctx, rec.Transaction.ID, current, target, message, rawEvent)
		if err != nil {
			return outcome, err
		}
		if swapped {
			rec.Transaction.State = target
			rec.Transaction.StateMessage = message
			rec.Transaction.LastRawEvent = append([]byte(nil), rawEvent...)
			stateTransitionsTotal.WithLabelValues(string(current), string(target)).Inc()
			r.logger.Info("transaction state changed",
				zap.String("reference", rec.Transaction.Reference),
				zap.String("from", string(current)),
				zap.String("to", string(target)),
			)
			outcome.Current = target
			outcome.Applied = true
			return outcome, nil
		}

		// Lost a race with a concurrent event; reload and re-evaluate.
		fresh, err := r.repo.GetByID(ctx, rec.Transaction.ID)
		if err != nil {
			return outcome, fmt.Errorf("reload transaction %s: %w", rec.Transaction.Reference, err)
		}
		*rec = *fresh
	}

	return Outcome{Previous: rec.Transaction.State, Current: rec.Transaction.State},
		fmt.Errorf("state of %s changed concurrently %d times", rec.Transaction.Reference, maxApplyAttempts)
}

func stateMessage(tx models.Transaction, state models.TransactionState) string {
	subject := "Payment"
	if tx.IsRefund() {
		subject = "Refund"
	}
	switch state {
	case models.StateError:
		return subject + " failed"
	case models.StateCancel:
		return subject + " canceled"
	default:
		return ""
	}
}
