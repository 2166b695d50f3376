package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"recurrente-gateway/internal/config"
	"recurrente-gateway/internal/models"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "recurrente",
		Short:         "Recurrente payment gateway service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(signCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func providerFromConfig(cfg *config.Config) models.ProviderConfig {
	return models.ProviderConfig{
		Code:          models.ProviderCodeRecurrente,
		Name:          "Recurrente",
		Mode:          cfg.RecurrenteMode,
		APIURL:        cfg.RecurrenteAPIURL,
		PublicKey:     cfg.RecurrentePublicKey,
		SecretKey:     cfg.RecurrenteSecretKey,
		WebhookSecret: cfg.RecurrenteWebhookSecret,
	}
}
