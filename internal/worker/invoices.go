package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"recurrente-gateway/internal/models"
)

type InvoiceBacklog interface {
	ListInvoiceBacklog(ctx context.Context, maxAttempts int, updatedBefore time.Time, limit int) ([]models.GatewayTransaction, error)
}

type InvoiceGenerator interface {
	GenerateInvoice(ctx context.Context, rec *models.GatewayTransaction) error
}

// InvoiceRetrier periodically retries electronic invoicing of done payments
// whose first attempt failed or never finished.
type InvoiceRetrier struct {
	Backlog     InvoiceBacklog
	Generator   InvoiceGenerator
	Logger      *zap.Logger
	Interval    time.Duration
	Grace       time.Duration
	MaxAttempts int
	BatchSize   int

	now func() time.Time
}

func NewInvoiceRetrier(backlog InvoiceBacklog, generator InvoiceGenerator, logger *zap.Logger, interval, grace time.Duration, maxAttempts int) *InvoiceRetrier {
	return &InvoiceRetrier{
		Backlog:     backlog,
		Generator:   generator,
		Logger:      logger,
		Interval:    interval,
		Grace:       grace,
		MaxAttempts: maxAttempts,
		BatchSize:   50,
		now:         time.Now,
	}
}

// Start runs a cycle immediately and then every Interval until ctx is done.
func (r *InvoiceRetrier) Start(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	r.Logger.Info("invoice retry worker started", zap.Duration("interval", r.Interval))

	r.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			r.Logger.Info("invoice retry worker stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce processes one batch of the backlog and returns how many invoices
// were generated.
func (r *InvoiceRetrier) RunOnce(ctx context.Context) int {
	backlog, err := r.Backlog.ListInvoiceBacklog(ctx, r.MaxAttempts, r.now().Add(-r.Grace), r.BatchSize)
	if err != nil {
		r.Logger.Error("failed to query invoice backlog", zap.Error(err))
		return 0
	}
	if len(backlog) == 0 {
		return 0
	}

	r.Logger.Info("retrying invoices", zap.Int("count", len(backlog)))
	generated := 0
	for i := range backlog {
		if ctx.Err() != nil {
			break
		}
		rec := &backlog[i]
		if err := r.Generator.GenerateInvoice(ctx, rec); err != nil {
			r.Logger.Warn("invoice retry failed",
				zap.String("reference", rec.Transaction.Reference),
				zap.Int("attempts", rec.Transaction.InvoiceAttempts),
				zap.Error(err),
			)
			continue
		}
		generated++
	}
	return generated
}
