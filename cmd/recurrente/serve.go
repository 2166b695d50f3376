package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"recurrente-gateway/internal/config"
	"recurrente-gateway/internal/database"
	"recurrente-gateway/internal/events"
	"recurrente-gateway/internal/invoicing"
	"recurrente-gateway/internal/notify"
	"recurrente-gateway/internal/payment"
	"recurrente-gateway/internal/server"
	"recurrente-gateway/internal/store"
	"recurrente-gateway/internal/worker"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and checkout HTTP service",
		RunE:  runServe,
	}
	cmd.Flags().Bool("memory", false, "Use in-memory storage instead of Postgres and Redis")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inMemory, _ := cmd.Flags().GetBool("memory")

	var (
		repo     payment.Repository
		eventLog payment.EventLog
		provider = providerFromConfig(cfg)
	)
	if inMemory {
		logger.Warn("running with in-memory storage, data is lost on exit")
		provider.ID = 1
		repo = store.NewMemoryStore()
		eventLog = store.NewMemoryEventLog(cfg.EventDedupTTL)
	} else {
		db, err := database.ConnectPostgres(cfg, logger)
		if err != nil {
			return err
		}
		gormStore := store.NewGormStore(db)
		if err := gormStore.AutoMigrate(); err != nil {
			return err
		}
		if provider, err = gormStore.EnsureProvider(ctx, provider); err != nil {
			return err
		}
		repo = gormStore

		rdb, err := database.ConnectRedis(ctx, cfg, logger)
		if err != nil {
			logger.Warn("redis unavailable, deduplicating webhook events in memory", zap.Error(err))
			eventLog = store.NewMemoryEventLog(cfg.EventDedupTTL)
		} else {
			defer rdb.Close()
			eventLog = store.NewRedisEventLog(rdb, cfg.EventDedupTTL)
		}
	}

	deps := payment.Dependencies{
		Provider:   provider,
		Repository: repo,
		Gateway:    payment.NewClient(cfg.RecurrenteAPIURL, cfg.RecurrenteSecretKey),
		EventLog:   eventLog,
		Logger:     logger,
		ReturnURL:  cfg.ReturnURL(),
		StatusURL:  cfg.ReturnStatusURL,
		ProcessURL: cfg.ReturnProcessURL,
	}

	if cfg.InvoicingURL != "" {
		deps.Invoicer = invoicing.NewClient(cfg.InvoicingURL, cfg.InvoicingKey)
	}

	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, map[string]string{
			payment.EventStateChanged: cfg.KafkaTopic,
		})
		if err != nil {
			return err
		}
		defer publisher.Close()
		deps.Publisher = publisher
	} else {
		deps.Publisher = events.Noop{}
	}

	var telegram *notify.Telegram
	if cfg.TelegramBotToken != "" {
		// The bot needs the service for lookups, so its lookup is set below.
		telegram, err = notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID, nil, logger)
		if err != nil {
			return err
		}
		deps.Notifier = telegram
	} else {
		deps.Notifier = notify.Noop{}
	}

	service := payment.NewService(deps)
	defer func() {
		logger.Info("waiting for background side effects")
		service.Wait()
	}()

	if telegram != nil {
		telegram.Lookup = service
		go func() {
			if err := telegram.Start(ctx); err != nil {
				logger.Error("telegram bot stopped", zap.Error(err))
			}
		}()
	}

	if deps.Invoicer != nil {
		retrier := worker.NewInvoiceRetrier(repo, service, logger, cfg.InvoiceRetryInterval, cfg.InvoiceRetryGrace, cfg.InvoiceMaxAttempts)
		go retrier.Start(ctx)
	}

	handler := payment.NewHandler(service, logger, cfg.WebhookTolerance, cfg.AdminToken, cfg.WebhookURL())
	router := server.NewRouter(handler, server.IPFilter{Allowed: cfg.WebhookAllowedIPs, TrustedProxies: cfg.TrustedProxies}, logger)

	logger.Info("service started",
		zap.String("mode", provider.Mode),
		zap.Uint("provider_id", provider.ID),
		zap.String("webhook_url", cfg.WebhookURL()),
	)
	return server.Run(ctx, cfg.HTTPAddr, router, logger)
}
