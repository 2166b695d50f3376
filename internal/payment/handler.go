package payment

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"recurrente-gateway/internal/models"
)

const maxWebhookBody = 1 << 20

type Handler struct {
	Service *Service
	Logger  *zap.Logger
	// WebhookTolerance bounds the age of svix-timestamp. Zero disables the check.
	WebhookTolerance time.Duration
	AdminToken       string
	WebhookURL       string

	now func() time.Time
}

func NewHandler(service *Service, logger *zap.Logger, webhookTolerance time.Duration, adminToken, webhookURL string) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Service:          service,
		Logger:           logger,
		WebhookTolerance: webhookTolerance,
		AdminToken:       adminToken,
		WebhookURL:       webhookURL,
		now:              time.Now,
	}
}

func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.Logger.Error("failed to read webhook body", zap.Error(err))
		webhookEventsTotal.WithLabelValues(KindUnrecognized.String(), "read_error").Inc()
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	provider := h.Service.Provider()
	if !provider.Enabled() {
		h.Logger.Warn("webhook received while provider is disabled")
		webhookEventsTotal.WithLabelValues(KindUnrecognized.String(), "invalid_signature").Inc()
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	// Header.Get is case-insensitive, so Svix-Signature works as well.
	signature := r.Header.Get("svix-signature")
	timestamp := r.Header.Get("svix-timestamp")
	if !VerifySignature(body, timestamp, signature, provider.WebhookSecret) {
		h.Logger.Warn("invalid webhook signature", zap.String("remote_addr", r.RemoteAddr))
		webhookEventsTotal.WithLabelValues(KindUnrecognized.String(), "invalid_signature").Inc()
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}
	if !h.timestampFresh(timestamp) {
		h.Logger.Warn("stale webhook timestamp", zap.String("timestamp", timestamp))
		webhookEventsTotal.WithLabelValues(KindUnrecognized.String(), "stale").Inc()
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	result, err := h.Service.HandleEvent(r.Context(), body)
	switch {
	case err == nil:
		webhookEventsTotal.WithLabelValues(result.Kind.String(), result.Outcome).Inc()
	case errors.Is(err, ErrMalformedPayload):
		h.Logger.Warn("malformed webhook payload", zap.Error(err))
		webhookEventsTotal.WithLabelValues(result.Kind.String(), "malformed").Inc()
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	case errors.Is(err, ErrCorrelationNotFound), errors.Is(err, ErrIllegalTransition):
		webhookEventsTotal.WithLabelValues(result.Kind.String(), result.Outcome).Inc()
	default:
		h.Logger.Error("failed to process webhook",
			zap.String("event_type", result.Type),
			zap.Error(err),
		)
		webhookEventsTotal.WithLabelValues(result.Kind.String(), "error").Inc()
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	h.Logger.Info("webhook processed",
		zap.String("event_type", result.Type),
		zap.String("reference", result.Reference),
		zap.String("outcome", result.Outcome),
	)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) timestampFresh(timestamp string) bool {
	if h.WebhookTolerance <= 0 {
		return true
	}
	seconds, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return false
	}
	age := h.now().Sub(time.Unix(seconds, 0))
	if age < 0 {
		age = -age
	}
	return age <= h.WebhookTolerance
}

// HandleReturn resolves the browser return and always redirects.
func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.Logger.Warn("failed to parse return parameters", zap.Error(err))
	}
	params := ReturnParams{
		Reference:       firstNonEmpty(r.Form.Get("reference"), r.Form.Get("tx_reference")),
		PaymentIntentID: firstNonEmpty(r.Form.Get("payment_intent_id"), r.Form.Get("payment_intent")),
		Status:          r.Form.Get("status"),
	}

	target := h.Service.HandleReturn(r.Context(), params)
	if target == "" {
		target = "/payment/status"
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

type checkoutRequest struct {
	Reference        string          `json:"reference"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Flow             string          `json:"flow"`
	Customer         Customer        `json:"customer"`
	InvoiceRequested bool            `json:"invoice_requested"`
	ReturnURL        string          `json:"return_url"`
	CancelURL        string          `json:"cancel_url"`
}

func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	result, err := h.Service.InitiateCheckout(r.Context(), CheckoutRequest{
		Reference:        req.Reference,
		Amount:           req.Amount,
		Currency:         req.Currency,
		Flow:             req.Flow,
		Customer:         req.Customer,
		InvoiceRequested: req.InvoiceRequested,
		ReturnURL:        req.ReturnURL,
		CancelURL:        req.CancelURL,
	})
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, result)
}

type refundRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handler) HandleRefund(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req refundRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
			return
		}
	}

	rec, err := h.Service.Refund(r.Context(), chi.URLParam(r, "reference"), req.Amount)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, rec)
}

type transactionResponse struct {
	*models.GatewayTransaction
	Refunds *RefundSummary `json:"refunds,omitempty"`
}

func (h *Handler) HandleGetTransaction(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	reference := chi.URLParam(r, "reference")
	rec, err := h.Service.GetTransaction(r.Context(), reference)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	resp := transactionResponse{GatewayTransaction: rec}
	if !rec.Transaction.IsRefund() {
		summary, err := h.Service.RefundSummary(r.Context(), reference)
		if err != nil {
			h.respondWithServiceError(w, err)
			return
		}
		resp.Refunds = summary
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// HandleDiagnostics reports the provider configuration with secrets masked.
func (h *Handler) HandleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	respondWithJSON(w, http.StatusOK, h.Service.Provider().Masked(h.WebhookURL))
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.AdminToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.AdminToken)) == 1
}

func (h *Handler) respondWithServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrCorrelationNotFound):
		respondWithError(w, http.StatusNotFound, "Transaction not found")
	case errors.Is(err, ErrPreconditionFailed):
		respondWithError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrGatewayCommunication):
		respondWithError(w, http.StatusBadGateway, "Unable to reach the payment provider. Please try again.")
	default:
		h.Logger.Error("request failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}
