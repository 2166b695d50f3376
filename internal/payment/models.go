package payment

import "encoding/json"

type Customer struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type CreatePaymentIntentRequest struct {
	Amount    int64          `json:"amount"`
	Currency  string         `json:"currency"`
	Reference string         `json:"reference"`
	ReturnURL string         `json:"return_url,omitempty"`
	CancelURL string         `json:"cancel_url,omitempty"`
	Customer  *Customer      `json:"customer,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type PaymentIntent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret,omitempty"`
	RedirectURL  string `json:"redirect_url,omitempty"`
	CheckoutURL  string `json:"checkout_url,omitempty"`
}

type CreateCheckoutSessionRequest struct {
	Amount     int64          `json:"amount"`
	Currency   string         `json:"currency"`
	Reference  string         `json:"reference"`
	SuccessURL string         `json:"success_url,omitempty"`
	CancelURL  string         `json:"cancel_url,omitempty"`
	Customer   *Customer      `json:"customer,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type CheckoutSession struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	CheckoutURL string `json:"checkout_url,omitempty"`
}

type CreateRefundRequest struct {
	PaymentIntent string         `json:"payment_intent"`
	Amount        int64          `json:"amount,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type Refund struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	PaymentIntent string `json:"payment_intent"`
}

type updateInvoiceRequest struct {
	InvoiceURL string `json:"invoice_url"`
}

// Webhook structures

type WebhookEnvelope struct {
	EventType string          `json:"event_type"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
}

// Kind returns the event type, preferring event_type over type.
func (e WebhookEnvelope) Kind() string {
	if e.EventType != "" {
		return e.EventType
	}
	return e.Type
}

// EventData holds the correlation fields of an event payload. Everything
// else in the payload is ignored.
type EventData struct {
	ID            string
	PaymentIntent string
	Reference     string
	Metadata      map[string]any
}
