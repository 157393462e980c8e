// Package main implements a Cloud Run service that texts subscribers short
// lessons ("nuggets") on a schedule and accepts SMS commands to tune delivery.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"nugget-notifier/command"
	"nugget-notifier/config"
	"nugget-notifier/content"
	"nugget-notifier/dispatch"
	"nugget-notifier/server"
	"nugget-notifier/sms"
	"nugget-notifier/storage"
	"nugget-notifier/telemetry"
)

const serviceName = "nugget-notifier"

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(telemetry.NewLogHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Level(),
	})))
	slog.SetDefault(logger)

	if err := run(ctx, &cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdown, err := telemetry.Init(serviceName, version, cfg.Tracing, os.Stderr)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("Failed to flush traces", "error", err)
		}
	}()

	backend, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()
	registry := storage.NewRegistry(backend, logger)

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.SMSRatePerSec), 1)
	sender := sms.New(provider, limiter, logger, cfg.SMSFrom, cfg.BaseURL)

	archive := content.NewArchive([]byte(cfg.ReferenceSecret), backend)
	fetcher := content.New(&content.Config{
		Client:  &http.Client{Timeout: cfg.ContentTimeout},
		Logger:  logger,
		Archive: archive,
		BaseURL: cfg.ContentAPIURL,
	})

	commands := command.New(registry, logger, time.Now)
	scheduler := dispatch.New(registry, fetcher, sender, logger, time.Now, cfg.TickInterval)
	go scheduler.Run(ctx)

	var authToken string
	if cfg.SMSProvider == config.SMSTwilio {
		authToken = cfg.TwilioAuthToken
	}
	srv := server.New(&server.Config{
		Commands:        commands,
		Resolver:        archive,
		Welcomer:        sender,
		Poller:          scheduler,
		Logger:          logger,
		BaseURL:         cfg.BaseURL,
		TwilioAuthToken: authToken,
	})

	logger.Info("Service configured",
		"version", version,
		"store", cfg.StoreDriver,
		"sms_provider", cfg.SMSProvider,
		"tick_interval", cfg.TickInterval,
		"base_url", cfg.BaseURL)
	return srv.ListenAndServe(ctx, cfg.Port)
}

// openBackend selects the subscriber store. The returned func releases it.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Backend, func(), error) {
	noop := func() {}
	switch cfg.StoreDriver {
	case config.StoreMemory:
		logger.Warn("Using in-memory store; subscribers are lost on restart")
		return storage.NewMemory(), noop, nil

	case config.StoreSQLite:
		db, err := storage.OpenSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		return db, func() {
			if err := db.Close(); err != nil {
				logger.Warn("Failed to close sqlite store", "error", err)
			}
		}, nil

	case config.StoreGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("initialize storage client: %w", err)
		}
		return storage.New(client, cfg.StorageBucket, cfg.StorageObject, "", logger), func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}, nil

	default:
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return nil, noop, fmt.Errorf("create local storage directory: %w", err)
		}
		logger.Info("Running in local development mode", "storage_path", cfg.LocalStorage)
		return storage.New(nil, "", cfg.StorageObject, cfg.LocalStorage, logger), noop, nil
	}
}

// newProvider selects the SMS transport. In local mode a broken Gmail setup
// falls back to the mock provider.
func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (sms.Provider, error) {
	switch cfg.SMSProvider {
	case config.SMSTwilio:
		return sms.NewTwilioProvider(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioAPIURL, logger), nil

	case config.SMSGmail:
		svc, err := initGmailService(ctx, cfg.GoogleCreds)
		if err == nil {
			return sms.NewGmailProvider(svc, cfg.SMSGatewayDomain, logger), nil
		}
		if !cfg.Local() {
			return nil, fmt.Errorf("initialize Gmail service: %w", err)
		}
		logger.Warn("Failed to initialize Gmail service, using mock SMS", "error", err)
		return sms.NewMockProvider(logger), nil

	default:
		logger.Info("Mock SMS mode enabled")
		return sms.NewMockProvider(logger), nil
	}
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// Application Default Credentials; the service account needs gmail.send.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}
