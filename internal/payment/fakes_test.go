package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"recurrente-gateway/internal/models"
	"recurrente-gateway/internal/store"
)

const testWebhookSecret = "whsec_test_secret"

type fakeGateway struct {
	mu sync.Mutex

	intentReqs  []CreatePaymentIntentRequest
	sessionReqs []CreateCheckoutSessionRequest
	refundReqs  []CreateRefundRequest
	patches     map[string]string

	intentErr    error
	sessionErr   error
	refundErr    error
	patchErr     error
	refundStatus string
	nextID       int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{patches: make(map[string]string), refundStatus: "succeeded"}
}

func (g *fakeGateway) CreatePaymentIntent(_ context.Context, req CreatePaymentIntentRequest) (*PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intentReqs = append(g.intentReqs, req)
	if g.intentErr != nil {
		return nil, g.intentErr
	}
	id := "pa_" + req.Reference
	return &PaymentIntent{
		ID:           id,
		Status:       "requires_payment_method",
		ClientSecret: "secret_" + id,
		RedirectURL:  "https://checkout.recurrente.com/pay/" + id,
	}, nil
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, req CreateCheckoutSessionRequest) (*CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessionReqs = append(g.sessionReqs, req)
	if g.sessionErr != nil {
		return nil, g.sessionErr
	}
	id := "ch_" + req.Reference
	return &CheckoutSession{ID: id, Status: "open", CheckoutURL: "https://checkout.recurrente.com/s/" + id}, nil
}

func (g *fakeGateway) CreateRefund(_ context.Context, req CreateRefundRequest) (*Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundReqs = append(g.refundReqs, req)
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	g.nextID++
	return &Refund{
		ID:            fmt.Sprintf("re_%d", g.nextID),
		Status:        g.refundStatus,
		Amount:        req.Amount,
		PaymentIntent: req.PaymentIntent,
	}, nil
}

func (g *fakeGateway) PatchInvoiceURL(_ context.Context, paymentIntentID, invoiceURL string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.patchErr != nil {
		return g.patchErr
	}
	g.patches[paymentIntentID] = invoiceURL
	return nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.intentReqs) + len(g.sessionReqs) + len(g.refundReqs)
}

type fakeInvoicer struct {
	calls int
	url   string
	err   error
	// release, when set, holds the call until it is closed.
	release chan struct{}
	ctxErr  error
}

func (f *fakeInvoicer) GenerateInvoice(ctx context.Context, tx models.Transaction) (string, error) {
	if f.release != nil {
		<-f.release
	}
	f.calls++
	f.ctxErr = ctx.Err()
	if f.err != nil {
		return "", f.err
	}
	if f.url != "" {
		return f.url, nil
	}
	return "https://fel.example.com/" + tx.Reference + ".pdf", nil
}

type publishedEvent struct {
	eventType string
	payload   []byte
	key       string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(_ context.Context, eventType string, payload []byte, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{eventType: eventType, payload: payload, key: key})
	return nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
	return nil
}

type failingEventLog struct{}

func (failingEventLog) Reserve(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func (failingEventLog) Release(context.Context, string) error {
	return errors.New("redis: connection refused")
}

type testEnv struct {
	service   *Service
	repo      *store.MemoryStore
	gateway   *fakeGateway
	invoicer  *fakeInvoicer
	publisher *recordingPublisher
	notifier  *recordingNotifier
	eventLog  *store.MemoryEventLog
}

func testProvider() models.ProviderConfig {
	return models.ProviderConfig{
		ID:            1,
		Code:          models.ProviderCodeRecurrente,
		Name:          "Recurrente",
		Mode:          models.ModeTest,
		PublicKey:     "pk_test_0123456789abcdef",
		SecretKey:     "sk_test_secret",
		WebhookSecret: testWebhookSecret,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithProvider(t, testProvider())
}

func newTestEnvWithProvider(t *testing.T, provider models.ProviderConfig) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:      store.NewMemoryStore(),
		gateway:   newFakeGateway(),
		invoicer:  &fakeInvoicer{},
		publisher: &recordingPublisher{},
		notifier:  &recordingNotifier{},
		eventLog:  store.NewMemoryEventLog(time.Hour),
	}
	env.service = NewService(Dependencies{
		Provider:   provider,
		Repository: env.repo,
		Gateway:    env.gateway,
		EventLog:   env.eventLog,
		Invoicer:   env.invoicer,
		Publisher:  env.publisher,
		Notifier:   env.notifier,
		Logger:     zap.NewNop(),
		ReturnURL:  "https://shop.example.com/payment/recurrente/return",
		StatusURL:  "https://shop.example.com/payment/status",
		ProcessURL: "https://shop.example.com/payment/process",
	})
	return env
}

// seed stores a payment transaction in the given state.
func (e *testEnv) seed(t *testing.T, reference string, state models.TransactionState, amount string, intentID string) *models.GatewayTransaction {
	t.Helper()
	rec := &models.GatewayTransaction{
		Transaction: models.Transaction{
			Reference:  reference,
			ProviderID: 1,
			Operation:  models.OperationOnlineRedirect,
			Amount:     decimal.RequireFromString(amount),
			Currency:   "GTQ",
			State:      state,
		},
		Recurrente: models.RecurrenteTransaction{PaymentIntentID: intentID},
	}
	if err := e.repo.CreateTransaction(context.Background(), rec); err != nil {
		t.Fatalf("seed %s: %v", reference, err)
	}
	return rec
}

func (e *testEnv) state(t *testing.T, reference string) models.TransactionState {
	t.Helper()
	rec, err := e.repo.GetByReference(context.Background(), 1, reference)
	if err != nil {
		t.Fatalf("load %s: %v", reference, err)
	}
	return rec.Transaction.State
}
