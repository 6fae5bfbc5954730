// Package config loads service configuration from the environment. A .env
// file is honored in development; every knob has either a default or is
// validated as required at startup so misconfiguration fails fast.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full configuration for both the API and the worker.
type Config struct {
	Environment string // "development", "test", "production"
	HTTPAddr    string
	LogLevel    string
	SentryDSN   string

	Database DatabaseConfig
	Bus      BusConfig
	Auth     AuthConfig
	Delivery DeliveryConfig
	Worker   WorkerConfig
	Provider ProviderConfig
}

// DatabaseConfig configures the Postgres store.
type DatabaseConfig struct {
	URL    string
	Schema string
}

// BusConfig configures the dispatch bus.
type BusConfig struct {
	RedisURL      string
	DispatchTopic string
}

// AuthConfig configures JWT verification.
type AuthConfig struct {
	JWKSURL  string
	Issuer   string
	Audience string
	// DevSigningKey enables HMAC-signed tokens outside production.
	DevSigningKey string
	// SenderRole and AdminRole gate ingress operations.
	SenderRole string
	AdminRole  string
}

// DeliveryConfig tunes validation limits, routing and retry.
type DeliveryConfig struct {
	MaxPerAttachmentBytes   int64
	MaxTotalAttachmentBytes int64
	SMTPThresholdBytes      int64

	RetryMaxAttempts int
	RetryBase        time.Duration
	RetryCap         time.Duration

	LeaseTTL    time.Duration
	SendTimeout time.Duration
}

// WorkerConfig tunes the dispatcher process.
type WorkerConfig struct {
	Concurrency   int
	SweepInterval time.Duration
	ShutdownGrace time.Duration
}

// ProviderConfig carries adapter credentials.
type ProviderConfig struct {
	GCNotifyAPIURL     string
	GCNotifyAPIKey     string
	GCNotifyTemplateID string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	HousingAPIURL       string
	HousingTokenURL     string
	HousingClientID     string
	HousingClientSecret string
}

// Load reads configuration from the environment, loading .env first when
// present.
func Load() (*Config, error) {
	// Missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := &Config{
		Environment: envOr("ENVIRONMENT", "development"),
		HTTPAddr:    envOr("HTTP_ADDR", ":8080"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		SentryDSN:   os.Getenv("SENTRY_DSN"),

		Database: DatabaseConfig{
			URL:    os.Getenv("DB_URL"),
			Schema: envOr("DB_SCHEMA", "public"),
		},
		Bus: BusConfig{
			RedisURL:      envOr("REDIS_URL", "redis://localhost:6379/0"),
			DispatchTopic: envOr("BUS_DISPATCH_TOPIC", "notify.dispatch"),
		},
		Auth: AuthConfig{
			JWKSURL:       os.Getenv("AUTH_JWKS_URL"),
			Issuer:        os.Getenv("AUTH_ISSUER"),
			Audience:      os.Getenv("AUTH_AUDIENCE"),
			DevSigningKey: os.Getenv("AUTH_DEV_SIGNING_KEY"),
			SenderRole:    envOr("AUTH_SENDER_ROLE", "notify_sender"),
			AdminRole:     envOr("AUTH_ADMIN_ROLE", "notify_admin"),
		},
	}

	var err error
	if cfg.Delivery, err = loadDelivery(); err != nil {
		return nil, err
	}
	if cfg.Worker, err = loadWorker(); err != nil {
		return nil, err
	}
	cfg.Provider = loadProvider()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDelivery() (DeliveryConfig, error) {
	d := DeliveryConfig{}

	var err error
	if d.MaxPerAttachmentBytes, err = envInt64("MAX_PER_ATTACHMENT_BYTES", 6*1024*1024); err != nil {
		return d, err
	}
	if d.MaxTotalAttachmentBytes, err = envInt64("MAX_TOTAL_ATTACHMENT_BYTES", 20*1024*1024); err != nil {
		return d, err
	}
	if d.SMTPThresholdBytes, err = envInt64("SMTP_THRESHOLD_BYTES", 6*1024*1024); err != nil {
		return d, err
	}
	if d.RetryMaxAttempts, err = envInt("RETRY_MAX_ATTEMPTS", 5); err != nil {
		return d, err
	}
	if d.RetryBase, err = envSeconds("RETRY_BASE_SECONDS", 5); err != nil {
		return d, err
	}
	if d.RetryCap, err = envSeconds("RETRY_CAP_SECONDS", 600); err != nil {
		return d, err
	}
	if d.LeaseTTL, err = envSeconds("LEASE_TTL_SECONDS", 300); err != nil {
		return d, err
	}
	if d.SendTimeout, err = envSeconds("SEND_TIMEOUT_SECONDS", 30); err != nil {
		return d, err
	}
	return d, nil
}

func loadWorker() (WorkerConfig, error) {
	w := WorkerConfig{}

	var err error
	if w.Concurrency, err = envInt("WORKER_CONCURRENCY", 4); err != nil {
		return w, err
	}
	if w.SweepInterval, err = envSeconds("SWEEP_INTERVAL_SECONDS", 60); err != nil {
		return w, err
	}
	if w.ShutdownGrace, err = envSeconds("SHUTDOWN_GRACE_SECONDS", 30); err != nil {
		return w, err
	}
	return w, nil
}

func loadProvider() ProviderConfig {
	port := 587
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	}
	return ProviderConfig{
		GCNotifyAPIURL:     envOr("GC_NOTIFY_API_URL", "https://api.notification.canada.ca"),
		GCNotifyAPIKey:     os.Getenv("GC_NOTIFY_API_KEY"),
		GCNotifyTemplateID: os.Getenv("GC_NOTIFY_TEMPLATE_ID"),

		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     port,
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:     os.Getenv("SMTP_FROM"),

		HousingAPIURL:       os.Getenv("HOUSING_API_URL"),
		HousingTokenURL:     os.Getenv("HOUSING_TOKEN_URL"),
		HousingClientID:     os.Getenv("HOUSING_CLIENT_ID"),
		HousingClientSecret: os.Getenv("HOUSING_CLIENT_SECRET"),
	}
}

// Validate checks required settings and cross-field constraints.
func (c *Config) Validate() error {
	var missing []string

	if c.Database.URL == "" {
		missing = append(missing, "DB_URL")
	}
	if c.Bus.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if c.Environment == "production" {
		if c.Auth.JWKSURL == "" {
			missing = append(missing, "AUTH_JWKS_URL")
		}
		if c.Auth.DevSigningKey != "" {
			return fmt.Errorf("AUTH_DEV_SIGNING_KEY must not be set in production")
		}
	} else if c.Auth.JWKSURL == "" && c.Auth.DevSigningKey == "" {
		missing = append(missing, "AUTH_JWKS_URL or AUTH_DEV_SIGNING_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Delivery.MaxPerAttachmentBytes > c.Delivery.MaxTotalAttachmentBytes {
		return fmt.Errorf("MAX_PER_ATTACHMENT_BYTES exceeds MAX_TOTAL_ATTACHMENT_BYTES")
	}
	if c.Delivery.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	return nil
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envSeconds(key string, fallback int) (time.Duration, error) {
	n, err := envInt(key, fallback)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
