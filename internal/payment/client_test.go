package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
)

func TestToMinorUnits(t *testing.T) {
	tests := map[string]int64{
		"100":    10000,
		"100.5":  10050,
		"0.01":   1,
		"10.005": 1001,
		"19.994": 1999,
		"0":      0,
	}
	for in, want := range tests {
		if got := ToMinorUnits(decimal.RequireFromString(in)); got != want {
			t.Fatalf("ToMinorUnits(%s) = %d, want %d", in, got, want)
		}
	}
}

func TestClientCreatePaymentIntent(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/payment_intents" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk_test" {
			t.Errorf("missing bearer auth, got %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Idempotency-Key") == "" {
			t.Errorf("missing Idempotency-Key")
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pa_123","status":"requires_payment_method","client_secret":"cs_1","redirect_url":"https://checkout.recurrente.com/pay/pa_123"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", "sk_test")
	intent, err := client.CreatePaymentIntent(context.Background(), CreatePaymentIntentRequest{
		Amount:    ToMinorUnits(decimal.RequireFromString("100.50")),
		Currency:  "GTQ",
		Reference: "S1",
		Metadata:  map[string]any{"reference": "S1"},
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if intent.ID != "pa_123" || intent.ClientSecret != "cs_1" {
		t.Fatalf("unexpected intent %+v", intent)
	}
	if gotBody["amount"] != float64(10050) || gotBody["reference"] != "S1" {
		t.Fatalf("unexpected request body %v", gotBody)
	}
}

func TestClientEndpoints(t *testing.T) {
	seen := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen[r.URL.Path] = r.Method
		switch r.URL.Path {
		case "/api/checkout/sessions":
			_, _ = w.Write([]byte(`{"id":"ch_1","status":"open","checkout_url":"https://checkout.recurrente.com/s/ch_1"}`))
		case "/api/refunds":
			_, _ = w.Write([]byte(`{"id":"re_1","status":"succeeded","amount":5000,"payment_intent":"pa_1"}`))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "sk_test")
	ctx := context.Background()

	session, err := client.CreateCheckoutSession(ctx, CreateCheckoutSessionRequest{Amount: 100, Currency: "USD", Reference: "S2"})
	if err != nil || session.ID != "ch_1" {
		t.Fatalf("create session: %v %+v", err, session)
	}
	refund, err := client.CreateRefund(ctx, CreateRefundRequest{PaymentIntent: "pa_1", Amount: 5000})
	if err != nil || refund.ID != "re_1" || refund.Status != "succeeded" {
		t.Fatalf("create refund: %v %+v", err, refund)
	}
	if err := client.PatchInvoiceURL(ctx, "pa_1", "https://fel.example.com/1.pdf"); err != nil {
		t.Fatalf("patch invoice url: %v", err)
	}

	if seen["/api/checkout/sessions"] != http.MethodPost || seen["/api/refunds"] != http.MethodPost || seen["/api/payment_intents/pa_1"] != http.MethodPatch {
		t.Fatalf("unexpected calls %v", seen)
	}
}

func TestClientNon2xxIsGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"invalid currency"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "sk_test").CreatePaymentIntent(context.Background(), CreatePaymentIntentRequest{Amount: 1})
	if !errors.Is(err, ErrGatewayCommunication) {
		t.Fatalf("expected ErrGatewayCommunication, got %v", err)
	}
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || gwErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected GatewayError with status 422, got %v", err)
	}
}

func TestClientTransportFailureIsGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "sk_test").CreateRefund(context.Background(), CreateRefundRequest{PaymentIntent: "pa_1"})
	if !errors.Is(err, ErrGatewayCommunication) {
		t.Fatalf("expected ErrGatewayCommunication, got %v", err)
	}
}

func TestNewClientDefaults(t *testing.T) {
	client := NewClient("", "sk")
	if client.APIURL != DefaultAPIURL {
		t.Fatalf("expected default api url, got %s", client.APIURL)
	}
	if client.HTTPClient.Timeout != RequestTimeout {
		t.Fatalf("expected %s timeout, got %s", RequestTimeout, client.HTTPClient.Timeout)
	}
}
