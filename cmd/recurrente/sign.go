package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"recurrente-gateway/internal/config"
	"recurrente-gateway/internal/payment"
)

func signCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign [payload-file]",
		Short: "Print svix headers for a webhook payload",
		Long: `Compute the svix-timestamp and svix-signature headers for a webhook
payload read from a file or from stdin, using the configured webhook secret.
Useful to replay gateway events against a local instance with curl.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			if secret == "" {
				secret = config.LoadConfig().RecurrenteWebhookSecret
			}
			if secret == "" {
				return fmt.Errorf("no webhook secret: pass --secret or set RECURRENTE_WEBHOOK_SECRET")
			}

			timestamp, _ := cmd.Flags().GetString("timestamp")
			if timestamp == "" {
				timestamp = strconv.FormatInt(time.Now().Unix(), 10)
			}

			var (
				body []byte
				err  error
			)
			if len(args) == 1 {
				body, err = os.ReadFile(args[0])
			} else {
				body, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "svix-timestamp: %s\n", timestamp)
			fmt.Fprintf(out, "svix-signature: %s\n", payment.FormatSignatureHeader(body, timestamp, secret))
			return nil
		},
	}

	cmd.Flags().String("secret", "", "Webhook secret (defaults to RECURRENTE_WEBHOOK_SECRET)")
	cmd.Flags().String("timestamp", "", "Unix timestamp to sign with (defaults to now)")

	return cmd
}
