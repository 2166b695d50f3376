package notify

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"recurrente-gateway/internal/models"
	"recurrente-gateway/internal/payment"
)

func TestFormatTransaction(t *testing.T) {
	rec := &models.GatewayTransaction{
		Transaction: models.Transaction{
			Reference:     "S1",
			Operation:     models.OperationOnlineRedirect,
			State:         models.StateDone,
			Amount:        decimal.RequireFromString("100.5"),
			Currency:      "GTQ",
			InvoiceStatus: models.InvoiceStatusGenerated,
			InvoiceURL:    "https://fel.example.com/S1.pdf",
		},
		Recurrente: models.RecurrenteTransaction{PaymentIntentID: "pa_1"},
	}
	summary := &payment.RefundSummary{
		Status:    payment.RefundStatusPartially,
		Refunded:  decimal.NewFromInt(40),
		Remaining: decimal.RequireFromString("60.5"),
	}

	got := FormatTransaction(rec, summary)
	for _, want := range []string{
		"S1 (online_redirect)",
		"State: done",
		"Amount: 100.50 GTQ",
		"Payment intent: pa_1",
		"Invoice: generated https://fel.example.com/S1.pdf",
		"Refunds: partially_refunded (40.00 refunded, 60.50 remaining)",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in:\n%s", want, got)
		}
	}
	if strings.HasSuffix(got, "\n") {
		t.Fatalf("message must not end with a newline")
	}
	if strings.Contains(got, "Checkout session") {
		t.Fatalf("empty ids must be omitted")
	}
}

type stubLookup struct {
	rec *models.GatewayTransaction
	err error
}

func (s stubLookup) GetTransaction(context.Context, string) (*models.GatewayTransaction, error) {
	return s.rec, s.err
}

func (s stubLookup) RefundSummary(context.Context, string) (*payment.RefundSummary, error) {
	return &payment.RefundSummary{Status: payment.RefundStatusNone, Refunded: decimal.Zero, Remaining: s.rec.Transaction.Amount}, nil
}

func TestDescribe(t *testing.T) {
	missing := &Telegram{Lookup: stubLookup{err: payment.ErrCorrelationNotFound}}
	text, err := missing.describe(context.Background(), "S9")
	if err != nil || text != "Transaction S9 not found" {
		t.Fatalf("unexpected %q %v", text, err)
	}

	found := &Telegram{Lookup: stubLookup{rec: &models.GatewayTransaction{Transaction: models.Transaction{
		Reference: "S1",
		Operation: models.OperationOnlineRedirect,
		State:     models.StatePending,
		Amount:    decimal.NewFromInt(10),
		Currency:  "USD",
	}}}}
	text, err = found.describe(context.Background(), "S1")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if !strings.Contains(text, "State: pending") || !strings.Contains(text, "Refunds: not_refunded") {
		t.Fatalf("unexpected text:\n%s", text)
	}
}
