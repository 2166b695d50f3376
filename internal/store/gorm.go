package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"recurrente-gateway/internal/models"
)

// GormStore persists transactions and their gateway extension in Postgres.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&models.ProviderConfig{}, &models.Transaction{}, &models.RecurrenteTransaction{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// EnsureProvider creates the provider row for p.Code or refreshes its settings.
func (s *GormStore) EnsureProvider(ctx context.Context, p models.ProviderConfig) (models.ProviderConfig, error) {
	var existing models.ProviderConfig
	err := s.db.WithContext(ctx).Where("code = ?", p.Code).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.WithContext(ctx).Create(&p).Error; err != nil {
			return p, fmt.Errorf("failed to create provider: %w", err)
		}
		return p, nil
	case err != nil:
		return p, fmt.Errorf("failed to load provider: %w", err)
	}

	p.ID = existing.ID
	p.CreatedAt = existing.CreatedAt
	if err := s.db.WithContext(ctx).Save(&p).Error; err != nil {
		return p, fmt.Errorf("failed to update provider: %w", err)
	}
	return p, nil
}

func (s *GormStore) CreateTransaction(ctx context.Context, rec *models.GatewayTransaction) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Transaction{}).Where("reference = ?", rec.Transaction.Reference).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicate
		}
		if err := tx.Create(&rec.Transaction).Error; err != nil {
			return err
		}
		rec.Recurrente.TransactionID = rec.Transaction.ID
		rec.Recurrente.ProviderID = rec.Transaction.ProviderID
		return tx.Create(&rec.Recurrente).Error
	})
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return err
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (s *GormStore) GetByID(ctx context.Context, id uint) (*models.GatewayTransaction, error) {
	var tx models.Transaction
	if err := s.db.WithContext(ctx).First(&tx, id).Error; err != nil {
		return nil, notFound(err)
	}
	return s.join(ctx, tx)
}

func (s *GormStore) GetByReference(ctx context.Context, providerID uint, reference string) (*models.GatewayTransaction, error) {
	var tx models.Transaction
	err := s.db.WithContext(ctx).
		Where("provider_id = ? AND reference = ?", providerID, reference).
		First(&tx).Error
	if err != nil {
		return nil, notFound(err)
	}
	return s.join(ctx, tx)
}

func (s *GormStore) FindByPaymentIntent(ctx context.Context, providerID uint, intentID string) (*models.GatewayTransaction, error) {
	return s.findByExtension(ctx, "provider_id = ? AND payment_intent_id = ?", providerID, intentID)
}

func (s *GormStore) FindByCheckoutSession(ctx context.Context, providerID uint, sessionID string) (*models.GatewayTransaction, error) {
	return s.findByExtension(ctx, "provider_id = ? AND checkout_session_id = ?", providerID, sessionID)
}

func (s *GormStore) FindByRefundID(ctx context.Context, providerID uint, refundID string) (*models.GatewayTransaction, error) {
	return s.findByExtension(ctx, "provider_id = ? AND refund_id = ?", providerID, refundID)
}

func (s *GormStore) ListRefunds(ctx context.Context, sourceID uint) ([]models.GatewayTransaction, error) {
	var txs []models.Transaction
	err := s.db.WithContext(ctx).
		Where("source_transaction_id = ? AND operation = ?", sourceID, models.OperationRefund).
		Order("id").
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list refunds: %w", err)
	}
	return s.joinAll(ctx, txs)
}

func (s *GormStore) UpdateGatewayIDs(ctx context.Context, ext models.RecurrenteTransaction) error {
	res := s.db.WithContext(ctx).Model(&models.RecurrenteTransaction{}).
		Where("transaction_id = ?", ext.TransactionID).
		Updates(map[string]any{
			"payment_intent_id":   ext.PaymentIntentID,
			"checkout_session_id": ext.CheckoutSessionID,
			"refund_id":           ext.RefundID,
			"checkout_url":        ext.CheckoutURL,
			"updated_at":          time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update gateway ids: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSwapState moves transaction id from state from to state to. It
// reports false when the stored state no longer equals from.
func (s *GormStore) CompareAndSwapState(ctx context.Context, id uint, from, to models.TransactionState, message string, rawEvent []byte) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND state = ?", id, from).
		Updates(map[string]any{
			"state":          to,
			"state_message":  message,
			"last_raw_event": datatypes.JSON(rawEvent),
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to update state: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) RecordInvoiceAttempt(ctx context.Context, id uint, status, invoiceURL string) error {
	updates := map[string]any{
		"invoice_status":   status,
		"invoice_attempts": gorm.Expr("invoice_attempts + 1"),
		"updated_at":       time.Now(),
	}
	if invoiceURL != "" {
		updates["invoice_url"] = invoiceURL
	}
	res := s.db.WithContext(ctx).Model(&models.Transaction{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to record invoice attempt: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ListInvoiceBacklog(ctx context.Context, maxAttempts int, updatedBefore time.Time, limit int) ([]models.GatewayTransaction, error) {
	var txs []models.Transaction
	err := s.db.WithContext(ctx).
		Where("state = ? AND invoice_requested = ? AND invoice_status IN ? AND invoice_attempts < ? AND updated_at < ?",
			models.StateDone, true, []string{models.InvoiceStatusPending, models.InvoiceStatusFailed}, maxAttempts, updatedBefore).
		Order("id").
		Limit(limit).
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list invoice backlog: %w", err)
	}
	return s.joinAll(ctx, txs)
}

func (s *GormStore) findByExtension(ctx context.Context, query string, args ...any) (*models.GatewayTransaction, error) {
	var ext models.RecurrenteTransaction
	if err := s.db.WithContext(ctx).Where(query, args...).Order("transaction_id").First(&ext).Error; err != nil {
		return nil, notFound(err)
	}
	var tx models.Transaction
	if err := s.db.WithContext(ctx).First(&tx, ext.TransactionID).Error; err != nil {
		return nil, notFound(err)
	}
	return &models.GatewayTransaction{Transaction: tx, Recurrente: ext}, nil
}

func (s *GormStore) join(ctx context.Context, tx models.Transaction) (*models.GatewayTransaction, error) {
	var ext models.RecurrenteTransaction
	err := s.db.WithContext(ctx).Where("transaction_id = ?", tx.ID).First(&ext).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load gateway extension: %w", err)
	}
	ext.TransactionID = tx.ID
	ext.ProviderID = tx.ProviderID
	return &models.GatewayTransaction{Transaction: tx, Recurrente: ext}, nil
}

func (s *GormStore) joinAll(ctx context.Context, txs []models.Transaction) ([]models.GatewayTransaction, error) {
	if len(txs) == 0 {
		return nil, nil
	}
	ids := make([]uint, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.ID)
	}
	var exts []models.RecurrenteTransaction
	if err := s.db.WithContext(ctx).Where("transaction_id IN ?", ids).Find(&exts).Error; err != nil {
		return nil, fmt.Errorf("failed to load gateway extensions: %w", err)
	}
	byID := make(map[uint]models.RecurrenteTransaction, len(exts))
	for _, ext := range exts {
		byID[ext.TransactionID] = ext
	}

	out := make([]models.GatewayTransaction, 0, len(txs))
	for _, tx := range txs {
		ext, ok := byID[tx.ID]
		if !ok {
			ext = models.RecurrenteTransaction{TransactionID: tx.ID, ProviderID: tx.ProviderID}
		}
		out = append(out, models.GatewayTransaction{Transaction: tx, Recurrente: ext})
	}
	return out, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
