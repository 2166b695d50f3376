package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"recurrente-gateway/internal/models"
	"recurrente-gateway/internal/store"
)

const (
	FlowPaymentIntent   = "payment_intent"
	FlowCheckoutSession = "checkout_session"
)

const EventStateChanged = "payment.transaction.state_changed"

// Event processing outcomes reported to the webhook handler.
const (
	OutcomeApplied   = "applied"
	OutcomeUnchanged = "unchanged"
	OutcomeIgnored   = "ignored"
	OutcomeDuplicate = "duplicate"
	OutcomeNotFound  = "not_found"
	OutcomeRejected  = "rejected"
)

// Dependencies wires a Service. Invoicer, Publisher and Notifier are optional.
type Dependencies struct {
	Provider   models.ProviderConfig
	Repository Repository
	Gateway    Gateway
	EventLog   EventLog
	Invoicer   Invoicer
	Publisher  Publisher
	Notifier   Notifier
	Logger     *zap.Logger

	// ReturnURL is handed to the gateway as the browser return target.
	ReturnURL string
	// StatusURL receives the browser after a successful return lookup.
	StatusURL string
	// ProcessURL receives the browser when the return cannot be resolved.
	ProcessURL string
}

type Service struct {
	provider   models.ProviderConfig
	repo       Repository
	gateway    Gateway
	locator    *Locator
	reconciler *Reconciler
	eventLog   EventLog
	invoicer   Invoicer
	publisher  Publisher
	notifier   Notifier
	logger     *zap.Logger

	returnURL  string
	statusURL  string
	processURL string

	refundMu   sync.Mutex
	background sync.WaitGroup
}

// sideEffectTimeout bounds notifications and invoicing that outlive the
// request that triggered them.
const sideEffectTimeout = 2 * time.Minute

func NewService(deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		provider:   deps.Provider,
		repo:       deps.Repository,
		gateway:    deps.Gateway,
		locator:    NewLocator(deps.Repository),
		reconciler: NewReconciler(deps.Repository, logger),
		eventLog:   deps.EventLog,
		invoicer:   deps.Invoicer,
		publisher:  deps.Publisher,
		notifier:   deps.Notifier,
		logger:     logger,
		returnURL:  deps.ReturnURL,
		statusURL:  deps.StatusURL,
		processURL: deps.ProcessURL,
	}
}

// Wait blocks until notifications and invoicing started by earlier calls
// have finished.
func (s *Service) Wait() {
	s.background.Wait()
}

// goBackground runs fn detached from the caller's cancellation.
func (s *Service) goBackground(ctx context.Context, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer cancel()
		fn(ctx)
	}()
}

func (s *Service) Provider() models.ProviderConfig {
	return s.provider
}

type CheckoutRequest struct {
	Reference        string
	Amount           decimal.Decimal
	Currency         string
	Flow             string
	Customer         Customer
	InvoiceRequested bool
	ReturnURL        string
	CancelURL        string
}

// CheckoutResult carries what the storefront needs to hand the buyer over to
// the gateway.
type CheckoutResult struct {
	Reference         string `json:"reference"`
	PaymentIntentID   string `json:"payment_intent_id,omitempty"`
	CheckoutSessionID string `json:"checkout_session_id,omitempty"`
	ClientSecret      string `json:"client_secret,omitempty"`
	RedirectURL       string `json:"redirect_url,omitempty"`
	PublicKey         string `json:"public_key"`
}

// InitiateCheckout creates a draft transaction and the matching gateway
// object. On gateway failure the transaction stays in draft and the returned
// error matches ErrGatewayCommunication.
func (s *Service) InitiateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if !s.provider.Enabled() {
		return nil, ErrProviderDisabled
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if !s.provider.SupportsCurrency(currency) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, req.Currency)
	}
	if !req.Amount.IsPositive() {
		return nil, preconditionf("amount must be positive, got %s", req.Amount)
	}
	flow := req.Flow
	if flow == "" {
		flow = FlowPaymentIntent
	}
	if flow != FlowPaymentIntent && flow != FlowCheckoutSession {
		return nil, preconditionf("unknown checkout flow %q", req.Flow)
	}

	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		reference = "REC-" + strings.ToUpper(uuid.New().String()[:8])
	}

	rec := &models.GatewayTransaction{
		Transaction: models.Transaction{
			Reference:        reference,
			ProviderID:       s.provider.ID,
			Operation:        models.OperationOnlineRedirect,
			Amount:           req.Amount.Round(2),
			Currency:         currency,
			State:            models.StateDraft,
			PartnerName:      req.Customer.Name,
			PartnerEmail:     req.Customer.Email,
			PartnerPhone:     req.Customer.Phone,
			InvoiceRequested: req.InvoiceRequested,
		},
		Recurrente: models.RecurrenteTransaction{ProviderID: s.provider.ID},
	}
	if req.InvoiceRequested {
		rec.Transaction.InvoiceStatus = models.InvoiceStatusPending
	}
	if err := s.repo.CreateTransaction(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, preconditionf("reference %s already used", reference)
		}
		return nil, fmt.Errorf("create transaction %s: %w", reference, err)
	}

	returnURL := firstNonEmpty(req.ReturnURL, s.returnURL)
	cancelURL := firstNonEmpty(req.CancelURL, returnURL)
	metadata := map[string]any{
		"reference":      reference,
		"transaction_id": rec.Transaction.ID,
	}
	var customer *Customer
	if req.Customer != (Customer{}) {
		c := req.Customer
		customer = &c
	}

	result := &CheckoutResult{Reference: reference, PublicKey: s.provider.PublicKey}
	switch flow {
	case FlowCheckoutSession:
		session, err := s.gateway.CreateCheckoutSession(ctx, CreateCheckoutSessionRequest{
			Amount:     ToMinorUnits(rec.Transaction.Amount),
			Currency:   currency,
			Reference:  reference,
			SuccessURL: returnURL,
			CancelURL:  cancelURL,
			Customer:   customer,
			Metadata:   metadata,
		})
		if err != nil {
			s.logger.Error("failed to create checkout session", zap.String("reference", reference), zap.Error(err))
			return nil, fmt.Errorf("create checkout session for %s: %w", reference, err)
		}
		rec.Recurrente.CheckoutSessionID = session.ID
		rec.Recurrente.CheckoutURL = session.CheckoutURL
		result.CheckoutSessionID = session.ID
		result.RedirectURL = session.CheckoutURL
	default:
		intent, err := s.gateway.CreatePaymentIntent(ctx, CreatePaymentIntentRequest{
			Amount:    ToMinorUnits(rec.Transaction.Amount),
			Currency:  currency,
			Reference: reference,
			ReturnURL: returnURL,
			CancelURL: cancelURL,
			Customer:  customer,
			Metadata:  metadata,
		})
		if err != nil {
			s.logger.Error("failed to create payment intent", zap.String("reference", reference), zap.Error(err))
			return nil, fmt.Errorf("create payment intent for %s: %w", reference, err)
		}
		rec.Recurrente.PaymentIntentID = intent.ID
		rec.Recurrente.CheckoutURL = firstNonEmpty(intent.RedirectURL, intent.CheckoutURL)
		result.PaymentIntentID = intent.ID
		result.ClientSecret = intent.ClientSecret
		result.RedirectURL = rec.Recurrente.CheckoutURL
	}

	if err := s.repo.UpdateGatewayIDs(ctx, rec.Recurrente); err != nil {
		return nil, fmt.Errorf("attach gateway ids to %s: %w", reference, err)
	}

	s.logger.Info("checkout initiated",
		zap.String("reference", reference),
		zap.String("flow", flow),
		zap.String("amount", rec.Transaction.Amount.StringFixed(2)),
		zap.String("currency", currency),
	)
	return result, nil
}

func (s *Service) GetTransaction(ctx context.Context, reference string) (*models.GatewayTransaction, error) {
	rec, err := s.repo.GetByReference(ctx, s.provider.ID, reference)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCorrelationNotFound, reference)
	}
	return rec, err
}

const (
	RefundStatusNone      = "not_refunded"
	RefundStatusPartially = "partially_refunded"
	RefundStatusFully     = "refunded"
)

// RefundSummary is the derived refund marking of a payment. The payment's own
// state is never changed by refunds.
type RefundSummary struct {
	Reference string                      `json:"reference"`
	Amount    decimal.Decimal             `json:"amount"`
	Refunded  decimal.Decimal             `json:"refunded"`
	Reserved  decimal.Decimal             `json:"reserved"`
	Remaining decimal.Decimal             `json:"remaining"`
	Status    string                      `json:"status"`
	Refunds   []models.GatewayTransaction `json:"refunds"`
}

func (s *Service) RefundSummary(ctx context.Context, reference string) (*RefundSummary, error) {
	src, err := s.GetTransaction(ctx, reference)
	if err != nil {
		return nil, err
	}
	return s.refundSummary(ctx, src)
}

func (s *Service) refundSummary(ctx context.Context, src *models.GatewayTransaction) (*RefundSummary, error) {
	refunds, err := s.repo.ListRefunds(ctx, src.Transaction.ID)
	if err != nil {
		return nil, fmt.Errorf("list refunds of %s: %w", src.Transaction.Reference, err)
	}

	summary := &RefundSummary{
		Reference: src.Transaction.Reference,
		Amount:    src.Transaction.Amount,
		Refunded:  decimal.Zero,
		Reserved:  decimal.Zero,
		Refunds:   refunds,
	}
	for _, r := range refunds {
		magnitude := r.Transaction.Amount.Abs()
		switch r.Transaction.State {
		case models.StateDone:
			summary.Refunded = summary.Refunded.Add(magnitude)
			summary.Reserved = summary.Reserved.Add(magnitude)
		case models.StateDraft, models.StatePending:
			summary.Reserved = summary.Reserved.Add(magnitude)
		}
	}
	summary.Remaining = summary.Amount.Sub(summary.Reserved)

	switch {
	case summary.Refunded.IsZero():
		summary.Status = RefundStatusNone
	case summary.Refunded.GreaterThanOrEqual(summary.Amount):
		summary.Status = RefundStatusFully
	default:
		summary.Status = RefundStatusPartially
	}
	return summary, nil
}

// Refund refunds amount of the payment identified by reference. A zero amount
// refunds whatever is left. Preconditions are checked before the gateway is
// called and violations match ErrPreconditionFailed.
func (s *Service) Refund(ctx context.Context, reference string, amount decimal.Decimal) (*models.GatewayTransaction, error) {
	if !s.provider.Enabled() {
		return nil, ErrProviderDisabled
	}

	s.refundMu.Lock()
	defer s.refundMu.Unlock()

	src, err := s.GetTransaction(ctx, reference)
	if err != nil {
		return nil, err
	}
	tx := src.Transaction
	switch {
	case tx.IsRefund():
		return nil, preconditionf("%s is a refund and cannot be refunded", tx.Reference)
	case tx.State != models.StateDone:
		return nil, preconditionf("%s is %s, only done transactions can be refunded", tx.Reference, tx.State)
	case src.Recurrente.PaymentIntentID == "":
		return nil, preconditionf("%s has no payment intent to refund", tx.Reference)
	case amount.IsNegative():
		return nil, preconditionf("refund amount must be positive, got %s", amount)
	}

	summary, err := s.refundSummary(ctx, src)
	if err != nil {
		return nil, err
	}
	if amount.IsZero() {
		amount = summary.Remaining
	}
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return nil, preconditionf("%s has nothing left to refund", tx.Reference)
	}
	if amount.GreaterThan(summary.Remaining) {
		return nil, preconditionf("refund of %s exceeds refundable %s of %s",
			amount.StringFixed(2), summary.Remaining.StringFixed(2), tx.Reference)
	}

	refundRef := fmt.Sprintf("%s-R%d", tx.Reference, len(summary.Refunds)+1)
	refund, err := s.gateway.CreateRefund(ctx, CreateRefundRequest{
		PaymentIntent: src.Recurrente.PaymentIntentID,
		Amount:        ToMinorUnits(amount),
		Metadata: map[string]any{
			"reference":        refundRef,
			"source_reference": tx.Reference,
		},
	})
	if err != nil {
		s.logger.Error("failed to create refund", zap.String("reference", tx.Reference), zap.Error(err))
		return nil, fmt.Errorf("create refund for %s: %w", tx.Reference, err)
	}

	sourceID := tx.ID
	rec := &models.GatewayTransaction{
		Transaction: models.Transaction{
			Reference:           refundRef,
			ProviderID:          s.provider.ID,
			Operation:           models.OperationRefund,
			Amount:              amount.Neg(),
			Currency:            tx.Currency,
			State:               models.StateDraft,
			SourceTransactionID: &sourceID,
			PartnerName:         tx.PartnerName,
			PartnerEmail:        tx.PartnerEmail,
			PartnerPhone:        tx.PartnerPhone,
		},
		Recurrente: models.RecurrenteTransaction{
			ProviderID: s.provider.ID,
			RefundID:   refund.ID,
		},
	}
	if err := s.repo.CreateTransaction(ctx, rec); err != nil {
		return nil, fmt.Errorf("record refund %s (gateway id %s): %w", refundRef, refund.ID, err)
	}

	raw, _ := json.Marshal(refund)
	outcome, err := s.reconciler.Apply(ctx, rec, refund.Status, raw)
	if err != nil {
		return nil, err
	}
	if outcome.Applied {
		s.afterTransition(ctx, rec, outcome)
	}

	s.logger.Info("refund created",
		zap.String("reference", refundRef),
		zap.String("source", tx.Reference),
		zap.String("refund_id", refund.ID),
		zap.String("state", string(rec.Transaction.State)),
	)
	return rec, nil
}

type EventResult struct {
	Type      string
	Kind      EventKind
	Reference string
	Outcome   string
	Previous  models.TransactionState
	Current   models.TransactionState
}

// HandleEvent processes one verified webhook body. Unknown event types and
// duplicates return a nil error. ErrCorrelationNotFound and
// ErrIllegalTransition are returned with a filled result so the caller can
// acknowledge them.
func (s *Service) HandleEvent(ctx context.Context, raw []byte) (EventResult, error) {
	envelope, err := DecodeEnvelope(raw)
	if err != nil {
		return EventResult{}, err
	}
	eventType := envelope.Kind()
	if eventType == "" {
		return EventResult{}, fmt.Errorf("%w: missing event type", ErrMalformedPayload)
	}

	result := EventResult{Type: eventType, Kind: KindOf(eventType)}
	if result.Kind == KindUnrecognized {
		s.logger.Info("unhandled webhook event type", zap.String("event_type", eventType))
		result.Outcome = OutcomeIgnored
		return result, nil
	}

	data, err := DecodeEventData(envelope.Data)
	if err != nil {
		return result, err
	}
	event, err := Classify(eventType, data)
	if err != nil {
		return result, err
	}

	key := store.EventKey(eventType, event.Keys.Primary())
	if s.eventLog != nil {
		reserved, err := s.eventLog.Reserve(ctx, key)
		switch {
		case err != nil:
			s.logger.Warn("event log unavailable, processing without deduplication", zap.String("key", key), zap.Error(err))
		case !reserved:
			s.logger.Info("duplicate webhook event", zap.String("key", key))
			result.Outcome = OutcomeDuplicate
			return result, nil
		}
	}

	result, err = s.applyEvent(ctx, event, raw, result)
	if err != nil && !errors.Is(err, ErrIllegalTransition) && s.eventLog != nil {
		if relErr := s.eventLog.Release(ctx, key); relErr != nil {
			s.logger.Warn("failed to release event reservation", zap.String("key", key), zap.Error(relErr))
		}
	}
	return result, err
}

func (s *Service) applyEvent(ctx context.Context, event DomainEvent, raw []byte, result EventResult) (EventResult, error) {
	var (
		rec *models.GatewayTransaction
		err error
	)
	if event.Kind == KindRefund {
		rec, err = s.locateRefund(ctx, event.Keys)
	} else {
		rec, err = s.locator.Locate(ctx, s.provider.ID, event.Keys)
	}
	if err != nil {
		if errors.Is(err, ErrCorrelationNotFound) {
			s.logger.Warn("no transaction for webhook event",
				zap.String("event_type", event.Type),
				zap.String("correlation_id", event.Keys.Primary()),
			)
			result.Outcome = OutcomeNotFound
		}
		return result, err
	}
	result.Reference = rec.Transaction.Reference

	if event.Kind != KindRefund {
		if err := s.attachGatewayID(ctx, rec, event.Keys); err != nil {
			return result, err
		}
	}

	outcome, err := s.reconciler.Apply(ctx, rec, event.Status, raw)
	result.Previous, result.Current = outcome.Previous, outcome.Current
	if err != nil {
		if errors.Is(err, ErrIllegalTransition) {
			result.Outcome = OutcomeRejected
			s.notify(ctx, fmt.Sprintf("Rejected %s for %s: transaction already %s", event.Type, rec.Transaction.Reference, outcome.Current))
		}
		return result, err
	}
	if !outcome.Applied {
		result.Outcome = OutcomeUnchanged
		return result, nil
	}

	result.Outcome = OutcomeApplied
	s.afterTransition(ctx, rec, outcome)
	return result, nil
}

// locateRefund finds a refund transaction and checks that it belongs to the
// payment intent named by the event.
func (s *Service) locateRefund(ctx context.Context, keys CorrelationKeys) (*models.GatewayTransaction, error) {
	rec, err := s.locator.LocateRefund(ctx, s.provider.ID, keys.RefundID)
	if err != nil {
		return nil, err
	}
	if rec.Transaction.SourceTransactionID == nil {
		return rec, nil
	}
	src, err := s.repo.GetByID(ctx, *rec.Transaction.SourceTransactionID)
	if err != nil {
		return nil, fmt.Errorf("load refund source of %s: %w", rec.Transaction.Reference, err)
	}
	if src.Recurrente.PaymentIntentID != keys.PaymentIntentID {
		s.logger.Warn("refund event payment intent mismatch",
			zap.String("refund_id", keys.RefundID),
			zap.String("event_payment_intent", keys.PaymentIntentID),
			zap.String("source_payment_intent", src.Recurrente.PaymentIntentID),
		)
		return nil, fmt.Errorf("%w: refund %s does not belong to %s", ErrCorrelationNotFound, keys.RefundID, keys.PaymentIntentID)
	}
	return rec, nil
}

// attachGatewayID stores the gateway id carried by an event on a transaction
// that was found by reference and has no gateway id yet.
func (s *Service) attachGatewayID(ctx context.Context, rec *models.GatewayTransaction, keys CorrelationKeys) error {
	ext := rec.Recurrente
	if ext.PaymentIntentID != "" || ext.CheckoutSessionID != "" {
		return nil
	}
	switch {
	case keys.PaymentIntentID != "":
		ext.PaymentIntentID = keys.PaymentIntentID
	case keys.CheckoutSessionID != "":
		ext.CheckoutSessionID = keys.CheckoutSessionID
	default:
		return nil
	}
	if err := s.repo.UpdateGatewayIDs(ctx, ext); err != nil {
		return fmt.Errorf("attach gateway id to %s: %w", rec.Transaction.Reference, err)
	}
	rec.Recurrente = ext
	return nil
}

type ReturnParams struct {
	Reference       string
	PaymentIntentID string
	Status          string
}

// HandleReturn processes a browser return and always yields a redirect target.
// Browser data is unauthenticated, so only non-terminal statuses are applied;
// terminal states arrive through signed webhooks.
func (s *Service) HandleReturn(ctx context.Context, params ReturnParams) string {
	keys := CorrelationKeys{PaymentIntentID: params.PaymentIntentID, Reference: params.Reference}
	if keys.PaymentIntentID == "" && keys.Reference == "" {
		s.logger.Warn("payment return without reference or payment intent")
		return s.processURL
	}

	rec, err := s.locator.Locate(ctx, s.provider.ID, keys)
	if err != nil {
		s.logger.Warn("payment return for unknown transaction",
			zap.String("reference", params.Reference),
			zap.String("payment_intent", params.PaymentIntentID),
			zap.Error(err),
		)
		return s.processURL
	}

	if err := s.attachGatewayID(ctx, rec, CorrelationKeys{PaymentIntentID: params.PaymentIntentID}); err != nil {
		s.logger.Error("failed to attach payment intent on return", zap.String("reference", rec.Transaction.Reference), zap.Error(err))
	}

	if params.Status != "" && !MapStatus(params.Status).IsTerminal() && !rec.Transaction.State.IsTerminal() {
		raw, _ := json.Marshal(map[string]string{
			"source":            "return",
			"status":            params.Status,
			"payment_intent_id": params.PaymentIntentID,
		})
		outcome, err := s.reconciler.Apply(ctx, rec, params.Status, raw)
		if err != nil && !errors.Is(err, ErrIllegalTransition) {
			s.logger.Error("failed to apply return status", zap.String("reference", rec.Transaction.Reference), zap.Error(err))
		}
		if outcome.Applied {
			s.afterTransition(ctx, rec, outcome)
		}
	}

	return withQuery(s.statusURL, "reference", rec.Transaction.Reference)
}

// GenerateInvoice requests the electronic invoice of a done payment and
// attaches its URL to the payment intent. Failures are recorded on the
// transaction and never touch its payment state.
func (s *Service) GenerateInvoice(ctx context.Context, rec *models.GatewayTransaction) error {
	if s.invoicer == nil {
		return nil
	}
	if !s.provider.Enabled() {
		return ErrProviderDisabled
	}
	tx := rec.Transaction
	if tx.State != models.StateDone || tx.IsRefund() || !tx.InvoiceRequested {
		return nil
	}

	invoiceURL, err := s.invoicer.GenerateInvoice(ctx, tx)
	if err != nil {
		s.recordInvoiceAttempt(ctx, rec, models.InvoiceStatusFailed, "")
		return fmt.Errorf("generate invoice for %s: %w", tx.Reference, err)
	}

	if rec.Recurrente.PaymentIntentID != "" {
		if err := s.gateway.PatchInvoiceURL(ctx, rec.Recurrente.PaymentIntentID, invoiceURL); err != nil {
			s.recordInvoiceAttempt(ctx, rec, models.InvoiceStatusFailed, invoiceURL)
			return fmt.Errorf("attach invoice url to %s: %w", tx.Reference, err)
		}
	}

	s.recordInvoiceAttempt(ctx, rec, models.InvoiceStatusGenerated, invoiceURL)
	s.logger.Info("invoice generated", zap.String("reference", tx.Reference), zap.String("invoice_url", invoiceURL))
	return nil
}

func (s *Service) recordInvoiceAttempt(ctx context.Context, rec *models.GatewayTransaction, status, invoiceURL string) {
	if err := s.repo.RecordInvoiceAttempt(ctx, rec.Transaction.ID, status, invoiceURL); err != nil {
		s.logger.Error("failed to record invoice attempt", zap.String("reference", rec.Transaction.Reference), zap.Error(err))
		return
	}
	rec.Transaction.InvoiceStatus = status
	rec.Transaction.InvoiceAttempts++
	if invoiceURL != "" {
		rec.Transaction.InvoiceURL = invoiceURL
	}
}

// StateChanged is published on every applied transition.
type StateChanged struct {
	TransactionID   uint                    `json:"transaction_id"`
	Reference       string                  `json:"reference"`
	Operation       string                  `json:"operation"`
	From            models.TransactionState `json:"from"`
	To              models.TransactionState `json:"to"`
	Amount          decimal.Decimal         `json:"amount"`
	Currency        string                  `json:"currency"`
	PaymentIntentID string                  `json:"payment_intent_id,omitempty"`
	RefundID        string                  `json:"refund_id,omitempty"`
	OccurredAt      time.Time               `json:"occurred_at"`
}

// afterTransition runs the side effects of an applied transition. None of
// them can fail the transition. The state change is published inline so
// consumers see transitions in order; notifications and invoicing run in the
// background.
func (s *Service) afterTransition(ctx context.Context, rec *models.GatewayTransaction, outcome Outcome) {
	tx := rec.Transaction

	if s.publisher != nil {
		payload, err := json.Marshal(StateChanged{
			TransactionID:   tx.ID,
			Reference:       tx.Reference,
			Operation:       tx.Operation,
			From:            outcome.Previous,
			To:              outcome.Current,
			Amount:          tx.Amount,
			Currency:        tx.Currency,
			PaymentIntentID: rec.Recurrente.PaymentIntentID,
			RefundID:        rec.Recurrente.RefundID,
			OccurredAt:      time.Now().UTC(),
		})
		if err == nil {
			err = s.publisher.Publish(ctx, EventStateChanged, payload, tx.Reference)
		}
		if err != nil {
			s.logger.Warn("failed to publish state change", zap.String("reference", tx.Reference), zap.Error(err))
		}
	}

	if outcome.Current.IsTerminal() {
		kind := "Payment"
		if tx.IsRefund() {
			kind = "Refund"
		}
		s.notify(ctx, fmt.Sprintf("%s %s: %s %s %s", kind, tx.Reference, outcome.Current, tx.Amount.StringFixed(2), tx.Currency))
	}

	if outcome.Current == models.StateDone && !tx.IsRefund() && tx.InvoiceRequested && s.invoicer != nil {
		snapshot := *rec
		s.goBackground(ctx, func(ctx context.Context) {
			if err := s.GenerateInvoice(ctx, &snapshot); err != nil {
				s.logger.Warn("invoice generation failed, will retry", zap.String("reference", tx.Reference), zap.Error(err))
			}
		})
	}
}

func (s *Service) notify(ctx context.Context, text string) {
	if s.notifier == nil {
		return
	}
	s.goBackground(ctx, func(ctx context.Context) {
		if err := s.notifier.Notify(ctx, text); err != nil {
			s.logger.Warn("failed to send notification", zap.Error(err))
		}
	})
}

func withQuery(target, key, value string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
