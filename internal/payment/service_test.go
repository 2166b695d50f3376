package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"recurrente-gateway/internal/models"
)

func webhookBody(eventType string, data map[string]any) []byte {
	body, _ := json.Marshal(map[string]any{"event_type": eventType, "data": data})
	return body
}

func TestInitiateCheckoutPaymentIntent(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.service.InitiateCheckout(context.Background(), CheckoutRequest{
		Reference: "S100",
		Amount:    decimal.RequireFromString("100.50"),
		Currency:  "gtq",
		Customer:  Customer{Name: "Ana", Email: "ana@example.com"},
	})
	if err != nil {
		t.Fatalf("initiate checkout: %v", err)
	}
	if result.PaymentIntentID != "pa_S100" || result.ClientSecret != "secret_pa_S100" {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.PublicKey != testProvider().PublicKey {
		t.Fatalf("public key must be returned, got %q", result.PublicKey)
	}

	req := env.gateway.intentReqs[0]
	if req.Amount != 10050 || req.Currency != "GTQ" || req.Customer == nil || req.Customer.Email != "ana@example.com" {
		t.Fatalf("unexpected gateway request %+v", req)
	}
	if req.Metadata["reference"] != "S100" || req.ReturnURL == "" {
		t.Fatalf("reference and return url must be sent, got %+v", req)
	}

	rec, err := env.repo.GetByReference(context.Background(), 1, "S100")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.Transaction.State != models.StateDraft || rec.Recurrente.PaymentIntentID != "pa_S100" {
		t.Fatalf("unexpected stored transaction %+v", rec)
	}
}

func TestInitiateCheckoutSession(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.service.InitiateCheckout(context.Background(), CheckoutRequest{
		Reference: "S101",
		Amount:    decimal.NewFromInt(25),
		Currency:  "USD",
		Flow:      FlowCheckoutSession,
	})
	if err != nil {
		t.Fatalf("initiate checkout: %v", err)
	}
	if result.CheckoutSessionID != "ch_S101" || result.RedirectURL == "" {
		t.Fatalf("unexpected result %+v", result)
	}
	rec, _ := env.repo.GetByReference(context.Background(), 1, "S101")
	if !rec.Recurrente.HasSingleGatewayID() {
		t.Fatalf("expected exactly one gateway id, got %+v", rec.Recurrente)
	}
}

func TestInitiateCheckoutGeneratesReference(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.service.InitiateCheckout(context.Background(), CheckoutRequest{Amount: decimal.NewFromInt(1), Currency: "GTQ"})
	if err != nil {
		t.Fatalf("initiate checkout: %v", err)
	}
	if !strings.HasPrefix(result.Reference, "REC-") {
		t.Fatalf("unexpected generated reference %q", result.Reference)
	}
}

func TestInitiateCheckoutPreconditions(t *testing.T) {
	disabled := testProvider()
	disabled.Mode = models.ModeDisabled

	tests := []struct {
		name     string
		provider models.ProviderConfig
		req      CheckoutRequest
		want     error
	}{
		{"disabled provider", disabled, CheckoutRequest{Amount: decimal.NewFromInt(1), Currency: "GTQ"}, ErrProviderDisabled},
		{"unsupported currency", testProvider(), CheckoutRequest{Amount: decimal.NewFromInt(1), Currency: "EUR"}, ErrUnsupportedCurrency},
		{"zero amount", testProvider(), CheckoutRequest{Amount: decimal.Zero, Currency: "GTQ"}, ErrPreconditionFailed},
		{"unknown flow", testProvider(), CheckoutRequest{Amount: decimal.NewFromInt(1), Currency: "GTQ", Flow: "qr"}, ErrPreconditionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnvWithProvider(t, tt.provider)
			_, err := env.service.InitiateCheckout(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !errors.Is(err, ErrPreconditionFailed) {
				t.Fatalf("every rejection must be a precondition failure, got %v", err)
			}
			if env.gateway.calls() != 0 {
				t.Fatalf("gateway must not be called")
			}
		})
	}
}

func TestInitiateCheckoutDuplicateReference(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "S1", models.StateDraft, "10.00", "")

	_, err := env.service.InitiateCheckout(context.Background(), CheckoutRequest{Reference: "S1", Amount: decimal.NewFromInt(1), Currency: "GTQ"})
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
}

func TestInitiateCheckoutGatewayFailureLeavesDraft(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.intentErr = &GatewayError{Op: "create_payment_intent", StatusCode: 503, Body: "unavailable"}

	_, err := env.service.InitiateCheckout(context.Background(), CheckoutRequest{Reference: "S1", Amount: decimal.NewFromInt(10), Currency: "GTQ"})
	if !errors.Is(err, ErrGatewayCommunication) {
		t.Fatalf("expected ErrGatewayCommunication, got %v", err)
	}
	rec, err := env.repo.GetByReference(context.Background(), 1, "S1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.Transaction.State != models.StateDraft || rec.Recurrente.PaymentIntentID != "" {
		t.Fatalf("transaction must stay draft without gateway id, got %+v", rec)
	}
}

func TestRefundPartial(t *testing.T) {
	env := newTestEnv(t)
	src := env.seed(t, "S1", models.StateDone, "100.00", "pa_1")

	refund, err := env.service.Refund(context.Background(), "S1", decimal.RequireFromString("50.0"))
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if !refund.Transaction.Amount.Equal(decimal.RequireFromString("-50")) {
		t.Fatalf("refund amount = %s, want -50", refund.Transaction.Amount)
	}
	if refund.Transaction.State != models.StateDone {
		t.Fatalf("refund state = %s, want done", refund.Transaction.State)
	}
	if refund.Transaction.SourceTransactionID == nil || *refund.Transaction.SourceTransactionID != src.Transaction.ID {
		t.Fatalf("refund must be linked to its source")
	}
	if refund.Recurrente.RefundID == "" {
		t.Fatalf("refund id must be stored")
	}
	if env.gateway.refundReqs[0].Amount != 5000 || env.gateway.refundReqs[0].PaymentIntent != "pa_1" {
		t.Fatalf("unexpected refund request %+v", env.gateway.refundReqs[0])
	}
	if env.state(t, "S1") != models.StateDone {
		t.Fatalf("source state must not change")
	}

	summary, err := env.service.RefundSummary(context.Background(), "S1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Status != RefundStatusPartially || !summary.Remaining.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestRefundExceedingAmountIsRejectedBeforeNetwork(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "S1", models.StateDone, "100.00", "pa_1")

	_, err := env.service.Refund(context.Background(), "S1", decimal.RequireFromString("150.0"))
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
	if env.gateway.calls() != 0 {
		t.Fatalf("gateway must not be called")
	}
}

func TestRefundIsCumulative(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "S1", models.StateDone, "100.00", "pa_1")

	if _, err := env.service.Refund(context.Background(), "S1", decimal.NewFromInt(60)); err != nil {
		t.Fatalf("first refund: %v", err)
	}
	if _, err := env.service.Refund(context.Background(), "S1", decimal.NewFromInt(50)); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected second refund to exceed the remaining amount, got %v", err)
	}

	rest, err := env.service.Refund(context.Background(), "S1", decimal.Zero)
	if err != nil {
		t.Fatalf("refund remaining: %v", err)
	}
	if !rest.Transaction.Amount.Equal(decimal.NewFromInt(-40)) || rest.Transaction.Reference != "S1-R2" {
		t.Fatalf("unexpected remaining refund %+v", rest.Transaction)
	}

	summary, _ := env.service.RefundSummary(context.Background(), "S1")
	if summary.Status != RefundStatusFully {
		t.Fatalf("expected fully refunded, got %s", summary.Status)
	}
	if _, err := env.service.Refund(context.Background(), "S1", decimal.Zero); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("nothing left to refund, got %v", err)
	}
}

func TestRefundPreconditions(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "PENDING", models.StatePending, "100.00", "pa_1")
	env.seed(t, "NOINTENT", models.StateDone, "100.00", "")
	sessionPaid := &models.GatewayTransaction{
		Transaction: models.Transaction{Reference: "SESSION", ProviderID: 1, Amount: decimal.NewFromInt(10), Currency: "GTQ", State: models.StateDone},
		Recurrente:  models.RecurrenteTransaction{CheckoutSessionID: "ch_1"},
	}
	if err := env.repo.CreateTransaction(context.Background(), sessionPaid); err != nil {
		t.Fatalf("create: %v", err)
	}
	env.seed(t, "DONE", models.StateDone, "100.00", "pa_2")

	tests := []struct {
		reference string
		amount    decimal.Decimal
	}{
		{"PENDING", decimal.NewFromInt(10)},
		{"NOINTENT", decimal.NewFromInt(10)},
		{"SESSION", decimal.NewFromInt(10)},
		{"DONE", decimal.NewFromInt(-1)},
	}
	for _, tt := range tests {
		if _, err := env.service.Refund(context.Background(), tt.reference, tt.amount); !errors.Is(err, ErrPreconditionFailed) {
			t.Fatalf("%s: expected ErrPreconditionFailed, got %v", tt.reference, err)
		}
	}

	refund, err := env.service.Refund(context.Background(), "DONE", decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if _, err := env.service.Refund(context.Background(), refund.Transaction.Reference, decimal.NewFromInt(1)); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("refunding a refund must fail, got %v", err)
	}
	if env.gateway.calls() != 1 {
		t.Fatalf("only the valid refund may reach the gateway, got %d calls", env.gateway.calls())
	}

	if _, err := env.service.Refund(context.Background(), "MISSING", decimal.NewFromInt(1)); !errors.Is(err, ErrCorrelationNotFound) {
		t.Fatalf("expected ErrCorrelationNotFound, got %v", err)
	}
}

func TestRefundGatewayFailureCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "S1", models.StateDone, "100.00", "pa_1")
	env.gateway.refundErr = &GatewayError{Op: "create_refund", Err: errors.New("timeout")}

	if _, err := env.service.Refund(context.Background(), "S1", decimal.NewFromInt(10)); !errors.Is(err, ErrGatewayCommunication) {
		t.Fatalf("expected ErrGatewayCommunication, got %v", err)
	}
	summary, _ := env.service.RefundSummary(context.Background(), "S1")
	if len(summary.Refunds) != 0 {
		t.Fatalf("no refund transaction may be recorded")
	}
}

func TestRefundPendingStatusReservesAmount(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "S1", models.StateDone, "100.00", "pa_1")
	env.gateway.refundStatus = "pending"

	refund, err := env.service.Refund(context.Background(), "S1", decimal.NewFromInt(80))
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refund.Transaction.State != models.StatePending {
		t.Fatalf("refund state = %s, want pending", refund.Transaction.State)
	}
	if _, err := env.service.Refund(context.Background(), "S1", decimal.NewFromInt(30)); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("pending refunds count toward the limit, got %v", err)
	}
}

func TestHandleEventSucceededScenario(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "S1", models.StatePending, "100.00", "pa_1")
	body := webhookBody("payment_intent.succeeded", map[string]any{"id": "pa_1", "status": "succeeded"})

	result, err := env.service.HandleEvent(context.Background(), body)
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if result.Outcome != OutcomeApplied || result.Current != models.StateDone {
		t.Fatalf("unexpected result %+v", result)
	}
	if env.state(t, "S1") != models.StateDone {
		t.Fatalf("state must be done")
	}
	if len(env.publisher.events) != 1 || env.publisher.events[0].key != "S1" || env.publisher.events[0].eventType != EventStateChanged {
		t.Fatalf("expected one state change event, got %+v", env.publisher.events)
	}

	result, err = env.service.HandleEvent(context.Background(), body)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if result.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate outcome, got %s", result.Outcome)
	}
	if env.state(t, "S1") != models.StateDone || len(env.publisher.events) != 1 {
		t.Fatalf("redelivery must not cause side effects")
	}
}

func TestHandleEventRedeliveryWithoutEventLog(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "S1", models.StatePending, "100.00", "pa_1")
	service := NewService(Dependencies{Provider: testProvider(), Repository: env.repo, Gateway: env.gateway, Logger: zap.NewNop()})
	body := webhookBody("payment_intent.succeeded", map[string]any{"id": "pa_1"})

	if _, err := service.HandleEvent(context.Background(), body); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	result, err := service.HandleEvent(context.Background(), body)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if result.Outcome != OutcomeUnchanged {
		t.Fatalf("expected unchanged outcome, got %s", result.Outcome)
	}
}

func TestHandleEventEventLogUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "S1", models.StatePending, "100.00", "pa_1")
	service := NewService(Dependencies{Provider: testProvider(), Repository: env.repo, Gateway: env.gateway, EventLog: failingEventLog{}, Logger: zap.NewNop()})

	result, err := service.HandleEvent(context.Background(), webhookBody("payment_intent.succeeded", map[string]any{"id": "pa_1"}))
	if err != nil || result.Outcome != OutcomeApplied {
		t.Fatalf("event must be applied without the event log, got %+v %v", result, err)
	}
}

func TestHandleEventTerminalConflict(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "S1", models.StateDone, "100.00", "pa_1")

	result, err := env.service.HandleEvent(context.Background(), webhookBody("payment_intent.payment_failed", map[string]any{"id": "pa_1"}))
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if result.Outcome != OutcomeRejected {
		t.Fatalf("expected rejected outcome, got %s", result.Outcome)
	}
	if env.state(t, "S1") != models.StateDone {
		t.Fatalf("done must be preserved")
	}
	env.service.Wait()
	if len(env.notifier.messages) != 1 {
		t.Fatalf("the anomaly must be reported, got %v", env.notifier.messages)
	}
}

func TestHandleEventUnknownType(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "S1", models.StatePending, "100.00", "pa_1")

	result, err := env.service.HandleEvent(context.Background(), webhookBody("payment_intent.created", map[string]any{"id": "pa_1"}))
	if err != nil {
		t.Fatalf("unknown type must be accepted: %v", err)
	}
	if result.Outcome != OutcomeIgnored || env.state(t, "S1") != models.StatePending {
		t.Fatalf("unknown type must not change state, got %+v", result)
	}

	for _, body := range []string{
		`{"event_type":"subscription.created","data":{"id":12345}}`,
		`{"event_type":"bank_transfer_intent.succeeded","data":{"id":"bt_1","amount":{"value":100}}}`,
		`{"event_type":"checkout.created","data":{"metadata":["x"]}}`,
		`{"event_type":"subscription.created","data":[1,2,3]}`,
	} {
		result, err := env.service.HandleEvent(context.Background(), []byte(body))
		if err != nil || result.Outcome != OutcomeIgnored {
			t.Fatalf("%s: expected ignored, got %+v %v", body, result, err)
		}
	}
}

func TestHandleEventMalformed(t *testing.T) {
	env := newTestEnv(t)

	bodies := [][]byte{
		[]byte(`{"event_type":`),
		[]byte(`{"data":{"id":"pa_1"}}`),
		webhookBody("payment_intent.succeeded", map[string]any{"status": "succeeded"}),
		webhookBody("refund.succeeded", map[string]any{"id": "re_1"}),
	}
	for _, body := range bodies {
		if _, err := env.service.HandleEvent(context.Background(), body); !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("%s: expected ErrMalformedPayload, got %v", body, err)
		}
	}
}

func TestHandleEventNotFoundReleasesReservation(t *testing.T) {
	env := newTestEnv(t)
	body := webhookBody("payment_intent.succeeded", map[string]any{"id": "pa_late"})

	result, err := env.service.HandleEvent(context.Background(), body)
	if !errors.Is(err, ErrCorrelationNotFound) || result.Outcome != OutcomeNotFound {
		t.Fatalf("expected not found, got %+v %v", result, err)
	}

	env.seed(t, "S1", models.StatePending, "10.00", "pa_late")
	result, err = env.service.HandleEvent(context.Background(), body)
	if err != nil || result.Outcome != OutcomeApplied {
		t.Fatalf("redelivery after the transaction exists must apply, got %+v %v", result, err)
	}
}

func TestHandleEventLocatesByReferenceAndAttachesID(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "S1", models.StateDraft, "10.00", "")

	body := webhookBody("checkout.session.completed", map[string]any{"id": "ch_9", "metadata": map[string]any{"reference": "S1"}})
	result, err := env.service.HandleEvent(context.Background(), body)
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if result.Current != models.StateDone {
		t.Fatalf("expected done, got %s", result.Current)
	}
	rec, _ := env.repo.GetByReference(context.Background(), 1, "S1")
	if rec.Recurrente.CheckoutSessionID != "ch_9" {
		t.Fatalf("session id must be attached, got %+v", rec.Recurrente)
	}
}

func TestHandleRefundEvents(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "S1", models.StateDone, "100.00", "pa_1")
	env.gateway.refundStatus = "pending"

	refund, err := env.service.Refund(context.Background(), "S1", decimal.NewFromInt(25))
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	refundID := refund.Recurrente.RefundID

	_, err = env.service.HandleEvent(context.Background(), webhookBody("refund.succeeded", map[string]any{"id": refundID, "payment_intent": "pa_other"}))
	if !errors.Is(err, ErrCorrelationNotFound) {
		t.Fatalf("refund for another intent must not match, got %v", err)
	}

	result, err := env.service.HandleEvent(context.Background(), webhookBody("refund.succeeded", map[string]any{"id": refundID, "payment_intent": "pa_1"}))
	if err != nil {
		t.Fatalf("refund event: %v", err)
	}
	if result.Kind != KindRefund || result.Current != models.StateDone {
		t.Fatalf("unexpected result %+v", result)
	}
	if env.state(t, "S1") != models.StateDone {
		t.Fatalf("source must stay done")
	}
}

func TestInvoiceGeneratedOnSuccess(t *testing.T) {
	env := newTestEnv(t)
	seedInvoiced(t, env, "S1", "pa_1")

	if _, err := env.service.HandleEvent(context.Background(), webhookBody("payment_intent.succeeded", map[string]any{"id": "pa_1"})); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	env.service.Wait()
	if env.invoicer.calls != 1 {
		t.Fatalf("expected one invoice call, got %d", env.invoicer.calls)
	}
	if env.gateway.patches["pa_1"] != "https://fel.example.com/S1.pdf" {
		t.Fatalf("invoice url must be patched onto the intent, got %v", env.gateway.patches)
	}
	stored, _ := env.repo.GetByReference(context.Background(), 1, "S1")
	if stored.Transaction.InvoiceStatus != models.InvoiceStatusGenerated || stored.Transaction.InvoiceURL == "" {
		t.Fatalf("unexpected invoice fields %+v", stored.Transaction)
	}
}

func TestInvoiceFailureKeepsPaymentDone(t *testing.T) {
	env := newTestEnv(t)
	seedInvoiced(t, env, "S1", "pa_1")
	env.invoicer.err = fmt.Errorf("fel provider down")

	result, err := env.service.HandleEvent(context.Background(), webhookBody("payment_intent.succeeded", map[string]any{"id": "pa_1"}))
	if err != nil {
		t.Fatalf("invoice failure must not fail the event: %v", err)
	}
	if result.Current != models.StateDone {
		t.Fatalf("payment must be done, got %s", result.Current)
	}
	env.service.Wait()
	stored, _ := env.repo.GetByReference(context.Background(), 1, "S1")
	if stored.Transaction.InvoiceStatus != models.InvoiceStatusFailed || stored.Transaction.InvoiceAttempts != 1 {
		t.Fatalf("failure must be recorded, got %+v", stored.Transaction)
	}

	env.invoicer.err = nil
	if err := env.service.GenerateInvoice(context.Background(), stored); err != nil {
		t.Fatalf("retry: %v", err)
	}
	stored, _ = env.repo.GetByReference(context.Background(), 1, "S1")
	if stored.Transaction.InvoiceStatus != models.InvoiceStatusGenerated || stored.Transaction.InvoiceAttempts != 2 {
		t.Fatalf("retry must succeed, got %+v", stored.Transaction)
	}
}

func TestInvoiceNotRequested(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "S1", models.StatePending, "100.00", "pa_1")

	if _, err := env.service.HandleEvent(context.Background(), webhookBody("payment_intent.succeeded", map[string]any{"id": "pa_1"})); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	env.service.Wait()
	if env.invoicer.calls != 0 {
		t.Fatalf("invoice must not be generated unless requested")
	}
}

func TestInvoiceSkippedWhenProviderDisabled(t *testing.T) {
	provider := testProvider()
	provider.Mode = models.ModeDisabled
	env := newTestEnvWithProvider(t, provider)
	rec := &models.GatewayTransaction{
		Transaction: models.Transaction{
			Reference:        "S1",
			ProviderID:       provider.ID,
			State:            models.StateDone,
			InvoiceRequested: true,
		},
		Recurrente: models.RecurrenteTransaction{PaymentIntentID: "pa_1"},
	}

	if err := env.service.GenerateInvoice(context.Background(), rec); !errors.Is(err, ErrProviderDisabled) {
		t.Fatalf("expected ErrProviderDisabled, got %v", err)
	}
	if env.invoicer.calls != 0 || len(env.gateway.patches) != 0 {
		t.Fatalf("disabled provider must make no outbound calls, invoicer=%d patches=%v", env.invoicer.calls, env.gateway.patches)
	}
}

func TestInvoicingRunsAfterTheEventIsAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	seedInvoiced(t, env, "S1", "pa_1")
	env.invoicer.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	result, err := env.service.HandleEvent(ctx, webhookBody("payment_intent.succeeded", map[string]any{"id": "pa_1"}))
	cancel()
	if err != nil || result.Current != models.StateDone {
		t.Fatalf("event must be applied while the invoice is pending, got %+v %v", result, err)
	}

	close(env.invoicer.release)
	env.service.Wait()
	if env.invoicer.calls != 1 {
		t.Fatalf("expected one invoice call, got %d", env.invoicer.calls)
	}
	if env.invoicer.ctxErr != nil {
		t.Fatalf("invoicing must not inherit the request cancellation: %v", env.invoicer.ctxErr)
	}
	stored, _ := env.repo.GetByReference(context.Background(), 1, "S1")
	if stored.Transaction.InvoiceStatus != models.InvoiceStatusGenerated {
		t.Fatalf("invoice must be recorded, got %+v", stored.Transaction)
	}
}

// seedInvoiced stores a pending payment whose buyer asked for an invoice.
func seedInvoiced(t *testing.T, env *testEnv, reference, intentID string) {
	t.Helper()
	rec := &models.GatewayTransaction{
		Transaction: models.Transaction{
			Reference:        reference,
			ProviderID:       1,
			Amount:           decimal.NewFromInt(100),
			Currency:         "GTQ",
			State:            models.StatePending,
			InvoiceRequested: true,
			InvoiceStatus:    models.InvoiceStatusPending,
		},
		Recurrente: models.RecurrenteTransaction{PaymentIntentID: intentID},
	}
	if err := env.repo.CreateTransaction(context.Background(), rec); err != nil {
		t.Fatalf("seed %s: %v", reference, err)
	}
}

func TestHandleReturn(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "S1", models.StateDraft, "10.00", "")

	target := env.service.HandleReturn(context.Background(), ReturnParams{Reference: "S1", PaymentIntentID: "pa_1", Status: "processing"})
	if target != "https://shop.example.com/payment/status?reference=S1" {
		t.Fatalf("unexpected redirect %s", target)
	}
	rec, _ := env.repo.GetByReference(context.Background(), 1, "S1")
	if rec.Transaction.State != models.StatePending || rec.Recurrente.PaymentIntentID != "pa_1" {
		t.Fatalf("expected pending with attached intent, got %+v", rec)
	}
}

func TestHandleReturnIgnoresTerminalStatus(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "S1", models.StatePending, "10.00", "pa_1")

	env.service.HandleReturn(context.Background(), ReturnParams{PaymentIntentID: "pa_1", Status: "succeeded"})
	if env.state(t, "S1") != models.StatePending {
		t.Fatalf("browser data must not settle a payment")
	}
}

func TestHandleReturnOnSettledTransaction(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "S1", models.StateDone, "10.00", "pa_1")
	rejected := testutil.ToFloat64(rejectedTransitionsTotal.WithLabelValues(string(models.StateDone), string(models.StatePending)))

	target := env.service.HandleReturn(context.Background(), ReturnParams{PaymentIntentID: "pa_1", Status: "processing"})
	if target != "https://shop.example.com/payment/status?reference=S1" {
		t.Fatalf("unexpected redirect %s", target)
	}
	if env.state(t, "S1") != models.StateDone {
		t.Fatalf("done must be preserved")
	}
	env.service.Wait()
	if got := testutil.ToFloat64(rejectedTransitionsTotal.WithLabelValues(string(models.StateDone), string(models.StatePending))); got != rejected {
		t.Fatalf("a late browser return is not a rejected transition, counter moved %v -> %v", rejected, got)
	}
	if len(env.notifier.messages) != 0 {
		t.Fatalf("no notification expected, got %v", env.notifier.messages)
	}
}

func TestHandleReturnUnknownTransaction(t *testing.T) {
	env := newTestEnv(t)

	if target := env.service.HandleReturn(context.Background(), ReturnParams{Reference: "nope"}); target != "https://shop.example.com/payment/process" {
		t.Fatalf("expected processing fallback, got %s", target)
	}
	if target := env.service.HandleReturn(context.Background(), ReturnParams{}); target != "https://shop.example.com/payment/process" {
		t.Fatalf("expected processing fallback without params, got %s", target)
	}
}
