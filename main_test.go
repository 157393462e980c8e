package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nugget-notifier/config"
	"nugget-notifier/pkg/nugget"
	"nugget-notifier/sms"
	"nugget-notifier/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenBackend(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		cfg  config.Config
		want any
	}{
		{
			name: "memory",
			cfg:  config.Config{StoreDriver: config.StoreMemory},
			want: &storage.Memory{},
		},
		{
			name: "local",
			cfg:  config.Config{StoreDriver: config.StoreLocal, LocalStorage: filepath.Join(dir, "local"), StorageObject: "subs.json"},
			want: &storage.Store{},
		},
		{
			name: "sqlite",
			cfg:  config.Config{StoreDriver: config.StoreSQLite, SQLitePath: filepath.Join(dir, "db", "nuggets.db")},
			want: &storage.SQLite{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			backend, closeFn, err := openBackend(ctx, &tt.cfg, discardLogger())
			require.NoError(t, err)
			defer closeFn()
			assert.IsType(t, tt.want, backend)

			subs, err := backend.Load(ctx)
			require.NoError(t, err)
			assert.Empty(t, subs)

			require.NoError(t, backend.Save(ctx, map[string]*nugget.Subscriber{
				"+15551234567": nugget.New("+15551234567", time.Now(), nil),
			}))
			subs, err = backend.Load(ctx)
			require.NoError(t, err)
			assert.Len(t, subs, 1)
		})
	}
}

func TestNewProvider(t *testing.T) {
	ctx := context.Background()

	p, err := newProvider(ctx, &config.Config{SMSProvider: config.SMSMock}, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &sms.MockProvider{}, p)

	p, err = newProvider(ctx, &config.Config{
		SMSProvider:      config.SMSTwilio,
		TwilioAccountSID: "AC123",
		TwilioAuthToken:  "tok",
	}, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &sms.TwilioProvider{}, p)
}

func TestIsCloudRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, isCloudRun(ctx))
}

func TestRunServesUntilCancelled(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close()

	cfg := config.Config{
		Port:            "0",
		StoreDriver:     config.StoreMemory,
		SMSProvider:     config.SMSMock,
		ContentAPIURL:   ts.URL,
		ContentTimeout:  time.Second,
		TickInterval:    time.Hour,
		ReferenceSecret: "s",
		SMSRatePerSec:   1,
		BaseURL:         "http://localhost",
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, run(ctx, &cfg, discardLogger()))
}
