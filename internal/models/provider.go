package models

import (
	"strings"
	"time"
)

const ProviderCodeRecurrente = "recurrente"

const (
	ModeDisabled = "disabled"
	ModeTest     = "test"
	ModeLive     = "live"
)

// SupportedCurrencies is the fixed currency allow-list of the gateway.
var SupportedCurrencies = []string{"GTQ", "USD", "USDT", "USDC"}

type ProviderConfig struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	Code          string `gorm:"size:32;uniqueIndex;not null" json:"code"`
	Name          string `gorm:"size:255" json:"name"`
	Mode          string `gorm:"size:16;default:'disabled'" json:"mode"`
	APIURL        string `gorm:"size:255" json:"api_url"`
	PublicKey     string `gorm:"size:255" json:"public_key"`
	SecretKey     string `gorm:"size:255" json:"-"`
	WebhookSecret string `gorm:"size:255" json:"-"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (ProviderConfig) TableName() string { return "payment_providers" }

func (p ProviderConfig) Enabled() bool {
	return p.Mode == ModeTest || p.Mode == ModeLive
}

func (p ProviderConfig) SupportsCurrency(code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, c := range SupportedCurrencies {
		if c == code {
			return true
		}
	}
	return false
}

// ProviderDiagnostics is a view of the provider safe to show to operators.
type ProviderDiagnostics struct {
	Provider      string `json:"provider"`
	Mode          string `json:"state"`
	PublicKey     string `json:"public_key"`
	SecretKey     string `json:"secret_key"`
	WebhookSecret string `json:"webhook_secret"`
	WebhookURL    string `json:"webhook_url"`
}

// Masked returns the diagnostics view; secrets are reported only as set or not set.
func (p ProviderConfig) Masked(webhookURL string) ProviderDiagnostics {
	d := ProviderDiagnostics{
		Provider:      p.Name,
		Mode:          p.Mode,
		PublicKey:     "Not set",
		SecretKey:     "Not set",
		WebhookSecret: "Not set",
		WebhookURL:    webhookURL,
	}
	if p.PublicKey != "" {
		key := p.PublicKey
		if len(key) > 10 {
			key = key[:10]
		}
		d.PublicKey = key + "..."
	}
	if p.SecretKey != "" {
		d.SecretKey = "Set"
	}
	if p.WebhookSecret != "" {
		d.WebhookSecret = "Set"
	}
	return d
}
