package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type TransactionState string

const (
	StateDraft   TransactionState = "draft"
	StatePending TransactionState = "pending"
	StateDone    TransactionState = "done"
	StateError   TransactionState = "error"
	StateCancel  TransactionState = "cancel"
)

// IsTerminal reports whether no further status-driven transition is allowed.
func (s TransactionState) IsTerminal() bool {
	return s == StateDone || s == StateError || s == StateCancel
}

const (
	OperationOnlineRedirect = "online_redirect"
	OperationRefund         = "refund"
)

const (
	InvoiceStatusNone      = ""
	InvoiceStatusPending   = "pending"
	InvoiceStatusGenerated = "generated"
	InvoiceStatusFailed    = "failed"
)

type Transaction struct {
	ID                  uint             `gorm:"primaryKey" json:"id"`
	Reference           string           `gorm:"size:255;uniqueIndex;not null" json:"reference"`
	ProviderID          uint             `gorm:"not null;index" json:"provider_id"`
	Operation           string           `gorm:"size:32;default:'online_redirect'" json:"operation"`
	Amount              decimal.Decimal  `gorm:"type:numeric(16,2);not null" json:"amount"`
	Currency            string           `gorm:"size:8;not null" json:"currency"`
	State               TransactionState `gorm:"size:16;default:'draft';index" json:"state"`
	StateMessage        string           `gorm:"size:512" json:"state_message,omitempty"`
	SourceTransactionID *uint            `gorm:"index" json:"source_transaction_id,omitempty"`
	PartnerName         string           `gorm:"size:255" json:"partner_name,omitempty"`
	PartnerEmail        string           `gorm:"size:255" json:"partner_email,omitempty"`
	PartnerPhone        string           `gorm:"size:64" json:"partner_phone,omitempty"`
	InvoiceRequested    bool             `gorm:"default:false" json:"invoice_requested"`
	InvoiceStatus       string           `gorm:"size:16;index" json:"invoice_status,omitempty"`
	InvoiceURL          string           `gorm:"size:1024" json:"invoice_url,omitempty"`
	InvoiceAttempts     int              `gorm:"default:0" json:"invoice_attempts"`
	LastRawEvent        datatypes.JSON   `json:"-"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

func (Transaction) TableName() string { return "payment_transactions" }

func (t Transaction) IsRefund() bool {
	return t.Operation == OperationRefund
}
