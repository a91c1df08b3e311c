// Package paymentd wires the payment service, its stores and its front doors into one process.
package paymentd

import (
	"fmt"
	"strings"
	"time"
)

const (
	StoreDriverGorm = "gorm"
	StoreDriverPgx  = "pgx"

	defaultDatabaseURL     = "sqlite:///tmp/mediapay.db"
	defaultListenAddr      = ":8080"
	defaultGRPCListenAddr  = ":7000"
	defaultPaymentTTL      = 10 * time.Minute
	defaultPollInterval    = 30 * time.Second
	defaultWatchGrace      = time.Minute
	defaultGatewayTimeout  = 15 * time.Second
	defaultRequestTimeout  = 10 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultKafkaClientID   = "mediapay-paymentd"
)

// Config aggregates runtime settings for paymentd.
type Config struct {
	DatabaseURL           string
	StoreDriver           string
	AutoMigrate           bool
	ListenAddr            string
	GRPCListenAddr        string
	VaultSecret           string
	APISigningKey         string
	APIIssuer             string
	AllowedOrigins        []string
	CallbackSecret        string
	GatewayBaseURL        string
	GatewayEndpoint       string
	GatewayStatusEndpoint string
	GatewayTimeout        time.Duration
	GatewayTimezone       string
	Live                  bool
	PaymentTTL            time.Duration
	PollInterval          time.Duration
	WatchGrace            time.Duration
	RequestTimeout        time.Duration
	KafkaBrokers          []string
	KafkaEventsTopic      string
	KafkaDeliveryTopic    string
	RedisAddr             string
	RedisPassword         string
}

// Validate applies defaults and rejects missing secrets.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreDriver = strings.ToLower(defaultIfEmpty(cfg.StoreDriver, StoreDriverGorm))
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	if cfg.PaymentTTL <= 0 {
		cfg.PaymentTTL = defaultPaymentTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.WatchGrace <= 0 {
		cfg.WatchGrace = defaultWatchGrace
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = defaultGatewayTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.StoreDriver != StoreDriverGorm && cfg.StoreDriver != StoreDriverPgx {
		return fmt.Errorf("store driver must be %q or %q", StoreDriverGorm, StoreDriverPgx)
	}
	if cfg.StoreDriver == StoreDriverPgx && !isPostgresURL(cfg.DatabaseURL) {
		return fmt.Errorf("store driver %q requires a postgres database url", StoreDriverPgx)
	}
	if strings.TrimSpace(cfg.VaultSecret) == "" {
		return fmt.Errorf("vault secret is required")
	}
	if strings.TrimSpace(cfg.APISigningKey) == "" {
		return fmt.Errorf("api signing key is required")
	}
	if cfg.Live && strings.TrimSpace(cfg.GatewayBaseURL) == "" {
		return fmt.Errorf("gateway base url is required in live mode")
	}
	if cfg.GatewayTimezone != "" {
		if _, err := time.LoadLocation(cfg.GatewayTimezone); err != nil {
			return fmt.Errorf("gateway timezone: %w", err)
		}
	}
	return nil
}

// ParseList splits a comma-delimited value into trimmed, non-empty parts.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}
