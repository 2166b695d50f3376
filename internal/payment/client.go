package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DefaultAPIURL  = "https://api.recurrente.com"
	RequestTimeout = 30 * time.Second
)

// Client talks to the Recurrente REST API.
type Client struct {
	SecretKey  string
	APIURL     string
	HTTPClient *http.Client
}

func NewClient(apiURL, secretKey string) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Client{
		SecretKey: secretKey,
		APIURL:    strings.TrimSuffix(apiURL, "/"),
		HTTPClient: &http.Client{
			Timeout: RequestTimeout,
		},
	}
}

// ToMinorUnits converts an amount to integer cents, rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func (c *Client) CreatePaymentIntent(ctx context.Context, req CreatePaymentIntentRequest) (*PaymentIntent, error) {
	var intent PaymentIntent
	if err := c.doRequest(ctx, "create_payment_intent", http.MethodPost, "/api/payment_intents", req, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *Client) CreateCheckoutSession(ctx context.Context, req CreateCheckoutSessionRequest) (*CheckoutSession, error) {
	var session CheckoutSession
	if err := c.doRequest(ctx, "create_checkout_session", http.MethodPost, "/api/checkout/sessions", req, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *Client) CreateRefund(ctx context.Context, req CreateRefundRequest) (*Refund, error) {
	var refund Refund
	if err := c.doRequest(ctx, "create_refund", http.MethodPost, "/api/refunds", req, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

// PatchInvoiceURL attaches the electronic invoice URL to a payment intent.
func (c *Client) PatchInvoiceURL(ctx context.Context, paymentIntentID, invoiceURL string) error {
	endpoint := fmt.Sprintf("/api/payment_intents/%s", paymentIntentID)
	return c.doRequest(ctx, "patch_invoice_url", http.MethodPatch, endpoint, updateInvoiceRequest{InvoiceURL: invoiceURL}, nil)
}

func (c *Client) doRequest(ctx context.Context, op, method, endpoint string, body, out any) (err error) {
	timer := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		gatewayRequestDuration.WithLabelValues(op, outcome).Observe(time.Since(timer).Seconds())
	}()

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.APIURL+endpoint, bodyReader)
	if err != nil {
		return &GatewayError{Op: op, Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.SecretKey))
	if method != http.MethodGet {
		req.Header.Set("Idempotency-Key", uuid.New().String())
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &GatewayError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &GatewayError{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	return nil
}
