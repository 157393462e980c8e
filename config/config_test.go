package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadLocalDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, StoreLocal, cfg.StoreDriver)
	assert.Equal(t, "./data", cfg.LocalStorage)
	assert.Equal(t, SMSMock, cfg.SMSProvider)
	assert.Equal(t, "http://localhost:8080", cfg.BaseURL)
	assert.Equal(t, devSecret, cfg.ReferenceSecret)
	assert.Equal(t, time.Minute, cfg.TickInterval)
	assert.Equal(t, 5*time.Second, cfg.ContentTimeout)
	assert.True(t, cfg.Local())
	assert.False(t, cfg.Tracing)
}

func TestLoadProduction(t *testing.T) {
	t.Setenv("STORAGE_BUCKET", "nuggets-prod")
	t.Setenv("BASE_URL", "https://nuggets.example.com/")
	t.Setenv("REFERENCE_SECRET", "s3cret")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("TWILIO_AUTH_TOKEN", "tok")
	t.Setenv("SMS_FROM", "+15550000000")
	t.Setenv("TICK_INTERVAL", "30s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreGCS, cfg.StoreDriver)
	assert.Equal(t, SMSTwilio, cfg.SMSProvider)
	assert.Equal(t, "https://nuggets.example.com", cfg.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.TickInterval)
	assert.False(t, cfg.Local())
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "gcs without base url",
			env:     map[string]string{"STORAGE_BUCKET": "b", "REFERENCE_SECRET": "s"},
			wantErr: "BASE_URL",
		},
		{
			name:    "gcs without secret",
			env:     map[string]string{"STORAGE_BUCKET": "b", "BASE_URL": "https://x"},
			wantErr: "REFERENCE_SECRET",
		},
		{
			name:    "unknown driver",
			env:     map[string]string{"STORE_DRIVER": "redis"},
			wantErr: "unknown STORE_DRIVER",
		},
		{
			name:    "twilio without from",
			env:     map[string]string{"SMS_PROVIDER": "twilio", "TWILIO_ACCOUNT_SID": "AC", "TWILIO_AUTH_TOKEN": "t"},
			wantErr: "SMS_FROM",
		},
		{
			name:    "gmail without domain",
			env:     map[string]string{"SMS_PROVIDER": "gmail"},
			wantErr: "SMS_GATEWAY_DOMAIN",
		},
		{
			name:    "tick too short",
			env:     map[string]string{"TICK_INTERVAL": "10ms"},
			wantErr: "TICK_INTERVAL",
		},
		{
			name:    "bad duration",
			env:     map[string]string{"CONTENT_TIMEOUT": "soon"},
			wantErr: "CONTENT_TIMEOUT",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDerivedProviders(t *testing.T) {
	t.Setenv("SMS_GATEWAY_DOMAIN", "sms.example.net")
	t.Setenv("STORE_DRIVER", "SQLite")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, SMSGmail, cfg.SMSProvider)
	assert.Equal(t, StoreSQLite, cfg.StoreDriver)
	assert.Equal(t, "./data/nuggets.db", cfg.SQLitePath)
}

func TestLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		c := Config{LogLevel: in}
		assert.Equal(t, want, c.Level(), in)
	}
}
