package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"recurrente-gateway/internal/config"
	"recurrente-gateway/internal/database"
	"recurrente-gateway/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and provider row",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			db, err := database.ConnectPostgres(cfg, logger)
			if err != nil {
				return err
			}
			repo := store.NewGormStore(db)
			if err := repo.AutoMigrate(); err != nil {
				return err
			}
			provider, err := repo.EnsureProvider(cmd.Context(), providerFromConfig(cfg))
			if err != nil {
				return err
			}

			logger.Info("database migrated", zap.Uint("provider_id", provider.ID), zap.String("mode", provider.Mode))
			fmt.Fprintf(cmd.OutOrStdout(), "migrated, provider %s id=%d mode=%s\n", provider.Code, provider.ID, provider.Mode)
			return nil
		},
	}
}
