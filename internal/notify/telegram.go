package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"recurrente-gateway/internal/models"
	"recurrente-gateway/internal/payment"
)

// TransactionLookup is the read side the operator commands need.
type TransactionLookup interface {
	GetTransaction(ctx context.Context, reference string) (*models.GatewayTransaction, error)
	RefundSummary(ctx context.Context, reference string) (*payment.RefundSummary, error)
}

// Telegram sends operator notifications to one chat and answers transaction
// lookups from that chat.
type Telegram struct {
	Instance *telego.Bot
	ChatID   int64
	Lookup   TransactionLookup
	Logger   *zap.Logger
}

func NewTelegram(token string, chatID int64, lookup TransactionLookup, logger *zap.Logger) (*Telegram, error) {
	tgBot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Telegram{
		Instance: tgBot,
		ChatID:   chatID,
		Lookup:   lookup,
		Logger:   logger,
	}, nil
}

func (t *Telegram) Notify(ctx context.Context, text string) error {
	if _, err := t.Instance.SendMessage(ctx, tu.Message(tu.ID(t.ChatID), text)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Start serves operator commands until ctx is done.
func (t *Telegram) Start(ctx context.Context) error {
	updates, err := t.Instance.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(t.Instance, updates)
	if err != nil {
		return fmt.Errorf("failed to create bot handler: %w", err)
	}

	// Only the operator chat is served.
	handler.Use(func(ctx *th.Context, update telego.Update) error {
		if update.Message == nil || update.Message.Chat.ID != t.ChatID {
			return nil
		}
		return ctx.Next(update)
	})

	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(update.Message.Chat.ID),
			"Recurrente gateway\n\n/tx <reference> - transaction state and refunds",
		))
		return nil
	}, th.CommandEqual("start"))

	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		args := strings.Fields(message.Text)
		if len(args) < 2 {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID), "Usage: /tx <reference>"))
			return nil
		}

		text, err := t.describe(ctx.Context(), args[1])
		if err != nil {
			t.Logger.Warn("transaction lookup failed", zap.String("reference", args[1]), zap.Error(err))
			text = fmt.Sprintf("Lookup of %s failed: %v", args[1], err)
		}
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID), text))
		return nil
	}, th.CommandEqual("tx"))

	t.Logger.Info("telegram operator bot started", zap.Int64("chat_id", t.ChatID))
	handler.Start()
	return nil
}

func (t *Telegram) describe(ctx context.Context, reference string) (string, error) {
	rec, err := t.Lookup.GetTransaction(ctx, reference)
	if errors.Is(err, payment.ErrCorrelationNotFound) {
		return fmt.Sprintf("Transaction %s not found", reference), nil
	}
	if err != nil {
		return "", err
	}

	var summary *payment.RefundSummary
	if !rec.Transaction.IsRefund() {
		if summary, err = t.Lookup.RefundSummary(ctx, reference); err != nil {
			return "", err
		}
	}
	return FormatTransaction(rec, summary), nil
}

// FormatTransaction renders a transaction for an operator message.
func FormatTransaction(rec *models.GatewayTransaction, summary *payment.RefundSummary) string {
	tx := rec.Transaction
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\n", tx.Reference, tx.Operation)
	fmt.Fprintf(&b, "State: %s\n", tx.State)
	fmt.Fprintf(&b, "Amount: %s %s\n", tx.Amount.StringFixed(2), tx.Currency)
	if tx.StateMessage != "" {
		fmt.Fprintf(&b, "Message: %s\n", tx.StateMessage)
	}
	if id := rec.Recurrente.PaymentIntentID; id != "" {
		fmt.Fprintf(&b, "Payment intent: %s\n", id)
	}
	if id := rec.Recurrente.CheckoutSessionID; id != "" {
		fmt.Fprintf(&b, "Checkout session: %s\n", id)
	}
	if id := rec.Recurrente.RefundID; id != "" {
		fmt.Fprintf(&b, "Refund: %s\n", id)
	}
	if tx.InvoiceStatus != "" {
		fmt.Fprintf(&b, "Invoice: %s %s\n", tx.InvoiceStatus, tx.InvoiceURL)
	}
	if summary != nil {
		fmt.Fprintf(&b, "Refunds: %s (%s refunded, %s remaining)\n",
			summary.Status, summary.Refunded.StringFixed(2), summary.Remaining.StringFixed(2))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Noop discards notifications.
type Noop struct{}

func (Noop) Notify(context.Context, string) error { return nil }
