package models

import "time"

// RecurrenteTransaction holds the gateway identifiers of a Transaction.
// It shares the primary key of the transaction it extends.
type RecurrenteTransaction struct {
	TransactionID     uint   `gorm:"primaryKey;autoIncrement:false" json:"transaction_id"`
	ProviderID        uint   `gorm:"not null;index:idx_recurrente_intent,priority:1;index:idx_recurrente_session,priority:1;index:idx_recurrente_refund,priority:1" json:"provider_id"`
	PaymentIntentID   string `gorm:"size:255;index:idx_recurrente_intent,priority:2" json:"payment_intent_id,omitempty"`
	CheckoutSessionID string `gorm:"size:255;index:idx_recurrente_session,priority:2" json:"checkout_session_id,omitempty"`
	RefundID          string `gorm:"size:255;index:idx_recurrente_refund,priority:2" json:"refund_id,omitempty"`
	CheckoutURL       string `gorm:"size:1024" json:"checkout_url,omitempty"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (RecurrenteTransaction) TableName() string { return "recurrente_transactions" }

// HasSingleGatewayID reports whether exactly one of the payment intent id and
// the checkout session id is set.
func (r RecurrenteTransaction) HasSingleGatewayID() bool {
	return (r.PaymentIntentID != "") != (r.CheckoutSessionID != "")
}

// GatewayTransaction is a transaction joined with its gateway extension.
type GatewayTransaction struct {
	Transaction Transaction           `json:"transaction"`
	Recurrente  RecurrenteTransaction `json:"recurrente"`
}
