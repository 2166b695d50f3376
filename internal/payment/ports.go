package payment

import (
	"context"
	"time"

	"recurrente-gateway/internal/models"
)

type Repository interface {
	CreateTransaction(ctx context.Context, rec *models.GatewayTransaction) error
	GetByID(ctx context.Context, id uint) (*models.GatewayTransaction, error)
	GetByReference(ctx context.Context, providerID uint, reference string) (*models.GatewayTransaction, error)
	FindByPaymentIntent(ctx context.Context, providerID uint, intentID string) (*models.GatewayTransaction, error)
	FindByCheckoutSession(ctx context.Context, providerID uint, sessionID string) (*models.GatewayTransaction, error)
	FindByRefundID(ctx context.Context, providerID uint, refundID string) (*models.GatewayTransaction, error)
	ListRefunds(ctx context.Context, sourceID uint) ([]models.GatewayTransaction, error)
	UpdateGatewayIDs(ctx context.Context, ext models.RecurrenteTransaction) error
	CompareAndSwapState(ctx context.Context, id uint, from, to models.TransactionState, message string, rawEvent []byte) (bool, error)
	RecordInvoiceAttempt(ctx context.Context, id uint, status, invoiceURL string) error
	ListInvoiceBacklog(ctx context.Context, maxAttempts int, updatedBefore time.Time, limit int) ([]models.GatewayTransaction, error)
}

// EventLog gives at-most-once processing per (event type, correlation id).
type EventLog interface {
	Reserve(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type Gateway interface {
	CreatePaymentIntent(ctx context.Context, req CreatePaymentIntentRequest) (*PaymentIntent, error)
	CreateCheckoutSession(ctx context.Context, req CreateCheckoutSessionRequest) (*CheckoutSession, error)
	CreateRefund(ctx context.Context, req CreateRefundRequest) (*Refund, error)
	PatchInvoiceURL(ctx context.Context, paymentIntentID, invoiceURL string) error
}

// Invoicer generates the electronic invoice of a settled payment and returns
// its public URL.
type Invoicer interface {
	GenerateInvoice(ctx context.Context, tx models.Transaction) (string, error)
}

type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error
}

type Notifier interface {
	Notify(ctx context.Context, text string) error
}
