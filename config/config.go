// Package config loads service configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Store drivers.
const (
	StoreLocal  = "local"
	StoreGCS    = "gcs"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// SMS providers.
const (
	SMSTwilio = "twilio"
	SMSGmail  = "gmail"
	SMSMock   = "mock"
)

const devSecret = "local-development-secret"

// Config holds application configuration loaded from environment variables.
type Config struct {
	Port     string `envconfig:"PORT" default:"8080"`
	BaseURL  string `envconfig:"BASE_URL"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"` // debug|info|warn|error

	StoreDriver   string `envconfig:"STORE_DRIVER"` // local|gcs|sqlite|memory; derived when empty
	LocalStorage  string `envconfig:"LOCAL_STORAGE"`
	StorageBucket string `envconfig:"STORAGE_BUCKET"`
	StorageObject string `envconfig:"STORAGE_OBJECT" default:"subscribers.json"`
	SQLitePath    string `envconfig:"SQLITE_PATH" default:"./data/nuggets.db"`

	ContentAPIURL   string        `envconfig:"CONTENT_API_URL" default:"https://api.are.na/v2"`
	ContentTimeout  time.Duration `envconfig:"CONTENT_TIMEOUT" default:"5s"`
	TickInterval    time.Duration `envconfig:"TICK_INTERVAL" default:"60s"`
	ReferenceSecret string        `envconfig:"REFERENCE_SECRET"`

	SMSProvider      string  `envconfig:"SMS_PROVIDER"` // twilio|gmail|mock; derived when empty
	SMSFrom          string  `envconfig:"SMS_FROM"`
	TwilioAccountSID string  `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string  `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioAPIURL     string  `envconfig:"TWILIO_API_URL"`
	SMSGatewayDomain string  `envconfig:"SMS_GATEWAY_DOMAIN"`
	GoogleCreds      string  `envconfig:"GOOGLE_CREDENTIALS_JSON"`
	SMSRatePerSec    float64 `envconfig:"SMS_RATE_PER_SEC" default:"1"`

	Tracing bool `envconfig:"TRACING" default:"false"`
}

// Load reads environment variables into Config, fills derived defaults and validates.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("process env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Local reports whether the service runs in local development mode.
func (c *Config) Local() bool {
	return c.StoreDriver != StoreGCS
}

// applyDefaults derives the store and SMS provider when not set explicitly.
// Without a bucket the service defaults to local development mode.
func (c *Config) applyDefaults() {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	if c.StoreDriver == "" {
		if c.StorageBucket != "" {
			c.StoreDriver = StoreGCS
		} else {
			c.StoreDriver = StoreLocal
		}
	}
	if c.StoreDriver == StoreLocal && c.LocalStorage == "" {
		c.LocalStorage = "./data"
	}

	c.SMSProvider = strings.ToLower(strings.TrimSpace(c.SMSProvider))
	if c.SMSProvider == "" {
		switch {
		case c.TwilioAccountSID != "" && c.TwilioAuthToken != "":
			c.SMSProvider = SMSTwilio
		case c.SMSGatewayDomain != "":
			c.SMSProvider = SMSGmail
		default:
			c.SMSProvider = SMSMock
		}
	}

	if c.Local() {
		if c.BaseURL == "" {
			c.BaseURL = "http://localhost:" + c.Port
		}
		if c.ReferenceSecret == "" {
			c.ReferenceSecret = devSecret
		}
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
}

// Validate reports missing or inconsistent settings.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case StoreLocal, StoreSQLite, StoreMemory:
	case StoreGCS:
		if c.StorageBucket == "" {
			errs = append(errs, errors.New("STORAGE_BUCKET is required for the gcs store"))
		}
		if c.BaseURL == "" {
			errs = append(errs, errors.New("BASE_URL is required (e.g., https://your-service.run.app)"))
		}
		if c.ReferenceSecret == "" {
			errs = append(errs, errors.New("REFERENCE_SECRET is required outside local development"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	switch c.SMSProvider {
	case SMSMock:
	case SMSTwilio:
		if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required for twilio"))
		}
		if c.SMSFrom == "" {
			errs = append(errs, errors.New("SMS_FROM is required for twilio"))
		}
	case SMSGmail:
		if c.SMSGatewayDomain == "" {
			errs = append(errs, errors.New("SMS_GATEWAY_DOMAIN is required for gmail"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SMS_PROVIDER %q", c.SMSProvider))
	}

	if c.TickInterval < time.Second {
		errs = append(errs, fmt.Errorf("TICK_INTERVAL must be at least 1s, got %s", c.TickInterval))
	}
	if c.ContentTimeout <= 0 {
		errs = append(errs, fmt.Errorf("CONTENT_TIMEOUT must be positive, got %s", c.ContentTimeout))
	}
	if c.SMSRatePerSec <= 0 {
		errs = append(errs, fmt.Errorf("SMS_RATE_PER_SEC must be positive, got %v", c.SMSRatePerSec))
	}
	return errors.Join(errs...)
}

// Level maps LOG_LEVEL onto a slog level, defaulting to info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
