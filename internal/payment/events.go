package payment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type EventKind int

const (
	KindUnrecognized EventKind = iota
	KindSucceeded
	KindFailed
	KindCanceled
	KindRefund
)

func (k EventKind) String() string {
	switch k {
	case KindSucceeded:
		return "succeeded"
	case KindFailed:
		return "failed"
	case KindCanceled:
		return "canceled"
	case KindRefund:
		return "refund"
	default:
		return "unrecognized"
	}
}

// CorrelationKeys are the identifiers an event can be matched on.
type CorrelationKeys struct {
	PaymentIntentID   string
	CheckoutSessionID string
	RefundID          string
	Reference         string
}

// Primary returns the identifier the event is keyed on for deduplication.
func (k CorrelationKeys) Primary() string {
	switch {
	case k.RefundID != "":
		return k.RefundID
	case k.PaymentIntentID != "":
		return k.PaymentIntentID
	case k.CheckoutSessionID != "":
		return k.CheckoutSessionID
	default:
		return k.Reference
	}
}

type DomainEvent struct {
	Type string
	Kind EventKind
	// Status is the gateway status the event implies for the transaction.
	Status string
	Keys   CorrelationKeys
}

func (e DomainEvent) Recognized() bool {
	return e.Kind != KindUnrecognized
}

var paymentIntentEvents = map[string]EventKind{
	"payment_intent.succeeded":      KindSucceeded,
	"payment_intent.payment_failed": KindFailed,
	"payment_intent.canceled":       KindCanceled,
}

var checkoutSessionEvents = map[string]EventKind{
	"checkout.session.completed": KindSucceeded,
	"checkout.session.expired":   KindCanceled,
}

var kindStatus = map[EventKind]string{
	KindSucceeded: "succeeded",
	KindFailed:    "failed",
	KindCanceled:  "canceled",
}

// Classify maps a gateway event onto a DomainEvent. Unknown event types are
// returned as KindUnrecognized with a nil error. A recognized event missing
// its correlation key yields ErrMalformedPayload.
func Classify(eventType string, data EventData) (DomainEvent, error) {
	event := DomainEvent{Type: eventType}

	if kind, ok := paymentIntentEvents[eventType]; ok {
		if data.ID == "" {
			return event, fmt.Errorf("%w: %s without payment intent id", ErrMalformedPayload, eventType)
		}
		event.Kind = kind
		event.Status = kindStatus[kind]
		event.Keys = CorrelationKeys{PaymentIntentID: data.ID, Reference: data.reference()}
		return event, nil
	}

	if kind, ok := checkoutSessionEvents[eventType]; ok {
		if data.ID == "" {
			return event, fmt.Errorf("%w: %s without session id", ErrMalformedPayload, eventType)
		}
		event.Kind = kind
		event.Status = kindStatus[kind]
		event.Keys = CorrelationKeys{CheckoutSessionID: data.ID, Reference: data.reference()}
		return event, nil
	}

	if strings.HasPrefix(eventType, "refund.") {
		if data.ID == "" || data.PaymentIntent == "" {
			return event, fmt.Errorf("%w: %s requires refund id and payment intent", ErrMalformedPayload, eventType)
		}
		event.Kind = KindRefund
		event.Status = strings.TrimPrefix(eventType, "refund.")
		event.Keys = CorrelationKeys{RefundID: data.ID, PaymentIntentID: data.PaymentIntent, Reference: data.reference()}
		return event, nil
	}

	return event, nil
}

// KindOf classifies an event type by name alone.
func KindOf(eventType string) EventKind {
	if kind, ok := paymentIntentEvents[eventType]; ok {
		return kind
	}
	if kind, ok := checkoutSessionEvents[eventType]; ok {
		return kind
	}
	if strings.HasPrefix(eventType, "refund.") {
		return KindRefund
	}
	return KindUnrecognized
}

// DecodeEnvelope parses the outer webhook body. The data member is left raw.
func DecodeEnvelope(raw []byte) (WebhookEnvelope, error) {
	var envelope WebhookEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return envelope, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return envelope, nil
}

// DecodeEventData extracts the correlation fields from an event payload.
// Members other than id, payment_intent, reference and metadata are never
// inspected, so their shape does not matter.
func DecodeEventData(raw json.RawMessage) (EventData, error) {
	var data EventData
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return data, nil
	}

	var fields map[string]json.RawMessage
	if trimmed[0] != '{' {
		return data, fmt.Errorf("%w: data is not an object", ErrMalformedPayload)
	}
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return data, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	data.ID = scalarString(fields["id"])
	data.PaymentIntent = scalarString(fields["payment_intent"])
	data.Reference = scalarString(fields["reference"])

	var metadata map[string]any
	if err := json.Unmarshal(fields["metadata"], &metadata); err == nil {
		data.Metadata = metadata
	}
	return data, nil
}

// scalarString returns a JSON string or number literal as text and "" for
// anything else.
func scalarString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func (d EventData) reference() string {
	for _, key := range []string{"reference", "odoo_reference"} {
		if v, ok := d.Metadata[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return d.Reference
}
