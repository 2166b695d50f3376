package payment

import (
	"context"
	"errors"
	"fmt"

	"recurrente-gateway/internal/models"
	"recurrente-gateway/internal/store"
)

// Locator resolves correlation keys to a transaction of one provider.
type Locator struct {
	repo Repository
}

func NewLocator(repo Repository) *Locator {
	return &Locator{repo: repo}
}

// Locate tries the payment intent id, then the checkout session id, then the
// caller reference, and returns the first match.
func (l *Locator) Locate(ctx context.Context, providerID uint, keys CorrelationKeys) (*models.GatewayTransaction, error) {
	lookups := []struct {
		key  string
		find func(context.Context, uint, string) (*models.GatewayTransaction, error)
	}{
		{keys.PaymentIntentID, l.repo.FindByPaymentIntent},
		{keys.CheckoutSessionID, l.repo.FindByCheckoutSession},
		{keys.Reference, l.repo.GetByReference},
	}

	for _, lookup := range lookups {
		if lookup.key == "" {
			continue
		}
		rec, err := lookup.find(ctx, providerID, lookup.key)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("locate transaction: %w", err)
		}
	}
	return nil, ErrCorrelationNotFound
}

func (l *Locator) LocateRefund(ctx context.Context, providerID uint, refundID string) (*models.GatewayTransaction, error) {
	if refundID == "" {
		return nil, ErrCorrelationNotFound
	}
	rec, err := l.repo.FindByRefundID(ctx, providerID, refundID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrCorrelationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("locate refund: %w", err)
	}
	return rec, nil
}
