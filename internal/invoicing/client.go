package invoicing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"recurrente-gateway/internal/models"
)

const finalConsumer = "CF"

var errNotFound = errors.New("invoice not found")

// Client talks to the electronic invoicing (FEL) provider.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api error: %s (status: %d)", e.Body, e.StatusCode)
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.APIKey))
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.New().String())
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, errNotFound
	}
	if resp.StatusCode >= 400 {
		return nil, &apiError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return respBody, nil
}

func (c *Client) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*Invoice, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/invoices", req)
	if err != nil {
		return nil, err
	}
	return decodeInvoice(resp)
}

func (c *Client) GetInvoice(ctx context.Context, reference string) (*Invoice, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/invoices/"+url.PathEscape(reference), nil)
	if err != nil {
		return nil, err
	}
	return decodeInvoice(resp)
}

// GenerateInvoice returns the PDF URL of the invoice for tx, certifying a new
// one only when none exists yet for its reference.
func (c *Client) GenerateInvoice(ctx context.Context, tx models.Transaction) (string, error) {
	invoice, err := c.GetInvoice(ctx, tx.Reference)
	if errors.Is(err, errNotFound) {
		invoice, err = c.CreateInvoice(ctx, newInvoiceRequest(tx))
	}
	if err != nil {
		return "", err
	}
	if invoice.PDFURL == "" {
		return "", fmt.Errorf("invoice %s for %s has no document url (status %s)", invoice.UUID, tx.Reference, invoice.Status)
	}
	return invoice.PDFURL, nil
}

func newInvoiceRequest(tx models.Transaction) CreateInvoiceRequest {
	total := tx.Amount.StringFixed(2)
	return CreateInvoiceRequest{
		Reference: tx.Reference,
		Currency:  tx.Currency,
		Total:     total,
		Customer: Customer{
			Name:  tx.PartnerName,
			Email: tx.PartnerEmail,
			Phone: tx.PartnerPhone,
			TaxID: finalConsumer,
		},
		Items: []Item{{
			Description: fmt.Sprintf("Payment %s", tx.Reference),
			Quantity:    1,
			UnitPrice:   total,
		}},
	}
}

func decodeInvoice(body []byte) (*Invoice, error) {
	var wrapped APIResponse
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if wrapped.Response.UUID == "" && wrapped.Response.PDFURL == "" {
		var invoice Invoice
		if err := json.Unmarshal(body, &invoice); err == nil {
			return &invoice, nil
		}
	}
	return &wrapped.Response, nil
}
