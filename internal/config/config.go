package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string
	LogLevel string

	DBUser     string
	DBPassword string
	DBName     string
	DBHost     string
	DBPort     string
	DBSSLMode  string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	RecurrenteMode          string
	RecurrenteAPIURL        string
	RecurrentePublicKey     string
	RecurrenteSecretKey     string
	RecurrenteWebhookSecret string

	PublicBaseURL     string
	ReturnStatusURL   string
	ReturnProcessURL  string
	WebhookAllowedIPs []string
	TrustedProxies    []string
	WebhookTolerance  time.Duration
	EventDedupTTL     time.Duration
	AdminToken        string

	InvoicingURL         string
	InvoicingKey         string
	InvoiceRetryInterval time.Duration
	InvoiceRetryGrace    time.Duration
	InvoiceMaxAttempts   int

	TelegramBotToken string
	TelegramChatID   int64

	KafkaBrokers []string
	KafkaTopic   string
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "recurrente_gateway"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		RecurrenteMode:          getEnv("RECURRENTE_MODE", "test"),
		RecurrenteAPIURL:        getEnv("RECURRENTE_API_URL", "https://api.recurrente.com"),
		RecurrentePublicKey:     getEnv("RECURRENTE_PUBLIC_KEY", ""),
		RecurrenteSecretKey:     getEnv("RECURRENTE_SECRET_KEY", ""),
		RecurrenteWebhookSecret: getEnv("RECURRENTE_WEBHOOK_SECRET", ""),

		PublicBaseURL:     strings.TrimSuffix(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		ReturnStatusURL:   getEnv("RETURN_STATUS_URL", "/payment/status"),
		ReturnProcessURL:  getEnv("RETURN_PROCESS_URL", "/payment/process"),
		WebhookAllowedIPs: getEnvCSV("WEBHOOK_ALLOWED_CIDRS", nil),
		TrustedProxies:    getEnvCSV("WEBHOOK_TRUSTED_PROXIES", nil),
		WebhookTolerance:  getEnvDuration("WEBHOOK_TOLERANCE", 0),
		EventDedupTTL:     getEnvDuration("EVENT_DEDUP_TTL", 72*time.Hour),
		AdminToken:        getEnv("ADMIN_TOKEN", ""),

		InvoicingURL:         getEnv("INVOICING_API_URL", ""),
		InvoicingKey:         getEnv("INVOICING_API_KEY", ""),
		InvoiceRetryInterval: getEnvDuration("INVOICE_RETRY_INTERVAL", 15*time.Minute),
		InvoiceRetryGrace:    getEnvDuration("INVOICE_RETRY_GRACE", 5*time.Minute),
		InvoiceMaxAttempts:   getEnvInt("INVOICE_MAX_ATTEMPTS", 5),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   int64(getEnvInt("TELEGRAM_CHAT_ID", 0)),

		KafkaBrokers: getEnvCSV("KAFKA_BROKERS", nil),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "payment.transactions"),
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.RecurrenteMode {
	case "disabled":
	case "test", "live":
		if c.RecurrenteSecretKey == "" {
			errs = append(errs, errors.New("RECURRENTE_SECRET_KEY is required when the provider is enabled"))
		}
		if c.RecurrenteWebhookSecret == "" {
			errs = append(errs, errors.New("RECURRENTE_WEBHOOK_SECRET is required when the provider is enabled"))
		}
	default:
		errs = append(errs, fmt.Errorf("RECURRENTE_MODE must be disabled, test or live, got %q", c.RecurrenteMode))
	}
	if c.EventDedupTTL <= 0 {
		errs = append(errs, errors.New("EVENT_DEDUP_TTL must be positive"))
	}
	if c.InvoiceMaxAttempts < 1 {
		errs = append(errs, errors.New("INVOICE_MAX_ATTEMPTS must be at least 1"))
	}
	if c.TelegramBotToken != "" && c.TelegramChatID == 0 {
		errs = append(errs, errors.New("TELEGRAM_CHAT_ID is required with TELEGRAM_BOT_TOKEN"))
	}
	return errors.Join(errs...)
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort, c.DBSSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) WebhookURL() string {
	return c.PublicBaseURL + "/payment/recurrente/webhook"
}

func (c *Config) ReturnURL() string {
	return c.PublicBaseURL + "/payment/recurrente/return"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		log.Printf("Invalid integer for %s, using %d", key, fallback)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		log.Printf("Invalid duration for %s, using %s", key, fallback)
		return fallback
	}
	return d
}

func getEnvCSV(key string, fallback []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
