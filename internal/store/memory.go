package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"recurrente-gateway/internal/models"
)

// MemoryStore is an in-process store with the same semantics as GormStore.
// It backs tests and the --memory development mode.
type MemoryStore struct {
	mu     sync.Mutex
	nextID uint
	txs    map[uint]models.Transaction
	exts   map[uint]models.RecurrenteTransaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:  make(map[uint]models.Transaction),
		exts: make(map[uint]models.RecurrenteTransaction),
	}
}

func (s *MemoryStore) CreateTransaction(_ context.Context, rec *models.GatewayTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tx := range s.txs {
		if tx.Reference == rec.Transaction.Reference {
			return ErrDuplicate
		}
	}

	s.nextID++
	now := time.Now()
	rec.Transaction.ID = s.nextID
	rec.Transaction.CreatedAt = now
	rec.Transaction.UpdatedAt = now
	if rec.Transaction.State == "" {
		rec.Transaction.State = models.StateDraft
	}
	if rec.Transaction.Operation == "" {
		rec.Transaction.Operation = models.OperationOnlineRedirect
	}
	rec.Recurrente.TransactionID = rec.Transaction.ID
	rec.Recurrente.ProviderID = rec.Transaction.ProviderID
	rec.Recurrente.CreatedAt = now
	rec.Recurrente.UpdatedAt = now

	s.txs[rec.Transaction.ID] = cloneTx(rec.Transaction)
	s.exts[rec.Transaction.ID] = rec.Recurrente
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id uint) (*models.GatewayTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

func (s *MemoryStore) GetByReference(_ context.Context, providerID uint, reference string) (*models.GatewayTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.sortedIDs() {
		tx := s.txs[id]
		if tx.ProviderID == providerID && tx.Reference == reference {
			return s.get(id)
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindByPaymentIntent(_ context.Context, providerID uint, intentID string) (*models.GatewayTransaction, error) {
	return s.findExt(func(ext models.RecurrenteTransaction) bool {
		return ext.ProviderID == providerID && ext.PaymentIntentID == intentID
	})
}

func (s *MemoryStore) FindByCheckoutSession(_ context.Context, providerID uint, sessionID string) (*models.GatewayTransaction, error) {
	return s.findExt(func(ext models.RecurrenteTransaction) bool {
		return ext.ProviderID == providerID && ext.CheckoutSessionID == sessionID
	})
}

func (s *MemoryStore) FindByRefundID(_ context.Context, providerID uint, refundID string) (*models.GatewayTransaction, error) {
	return s.findExt(func(ext models.RecurrenteTransaction) bool {
		return ext.ProviderID == providerID && ext.RefundID == refundID
	})
}

func (s *MemoryStore) ListRefunds(_ context.Context, sourceID uint) ([]models.GatewayTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.GatewayTransaction
	for _, id := range s.sortedIDs() {
		tx := s.txs[id]
		if tx.IsRefund() && tx.SourceTransactionID != nil && *tx.SourceTransactionID == sourceID {
			rec, _ := s.get(id)
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateGatewayIDs(_ context.Context, ext models.RecurrenteTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.exts[ext.TransactionID]
	if !ok {
		return ErrNotFound
	}
	current.PaymentIntentID = ext.PaymentIntentID
	current.CheckoutSessionID = ext.CheckoutSessionID
	current.RefundID = ext.RefundID
	current.CheckoutURL = ext.CheckoutURL
	current.UpdatedAt = time.Now()
	s.exts[ext.TransactionID] = current
	return nil
}

func (s *MemoryStore) CompareAndSwapState(_ context.Context, id uint, from, to models.TransactionState, message string, rawEvent []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return false, ErrNotFound
	}
	if tx.State != from {
		return false, nil
	}
	tx.State = to
	tx.StateMessage = message
	tx.LastRawEvent = append([]byte(nil), rawEvent...)
	tx.UpdatedAt = time.Now()
	s.txs[id] = tx
	return true, nil
}

func (s *MemoryStore) RecordInvoiceAttempt(_ context.Context, id uint, status, invoiceURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return ErrNotFound
	}
	tx.InvoiceStatus = status
	tx.InvoiceAttempts++
	if invoiceURL != "" {
		tx.InvoiceURL = invoiceURL
	}
	tx.UpdatedAt = time.Now()
	s.txs[id] = tx
	return nil
}

func (s *MemoryStore) ListInvoiceBacklog(_ context.Context, maxAttempts int, updatedBefore time.Time, limit int) ([]models.GatewayTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.GatewayTransaction
	for _, id := range s.sortedIDs() {
		if limit > 0 && len(out) >= limit {
			break
		}
		tx := s.txs[id]
		if tx.State != models.StateDone || !tx.InvoiceRequested || tx.InvoiceAttempts >= maxAttempts {
			continue
		}
		if tx.InvoiceStatus != models.InvoiceStatusPending && tx.InvoiceStatus != models.InvoiceStatusFailed {
			continue
		}
		if !tx.UpdatedAt.Before(updatedBefore) {
			continue
		}
		rec, _ := s.get(id)
		out = append(out, *rec)
	}
	return out, nil
}

func (s *MemoryStore) findExt(match func(models.RecurrenteTransaction) bool) (*models.GatewayTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.sortedIDs() {
		if match(s.exts[id]) {
			return s.get(id)
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) get(id uint) (*models.GatewayTransaction, error) {
	tx, ok := s.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &models.GatewayTransaction{Transaction: cloneTx(tx), Recurrente: s.exts[id]}, nil
}

func (s *MemoryStore) sortedIDs() []uint {
	ids := make([]uint, 0, len(s.txs))
	for id := range s.txs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func cloneTx(tx models.Transaction) models.Transaction {
	if tx.LastRawEvent != nil {
		tx.LastRawEvent = append([]byte(nil), tx.LastRawEvent...)
	}
	if tx.SourceTransactionID != nil {
		id := *tx.SourceTransactionID
		tx.SourceTransactionID = &id
	}
	return tx
}
