package sms

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// DefaultTwilioAPI is the production Twilio REST base URL.
const DefaultTwilioAPI = "https://api.twilio.com/2010-04-01"

// TwilioProvider sends messages via the Twilio Messages API.
type TwilioProvider struct {
	accountSID string
	authToken  string
	apiBase    string
	client     *http.Client
	logger     *slog.Logger
	retryDelay time.Duration
}

// NewTwilioProvider creates a new Twilio provider.
// An empty apiBase uses DefaultTwilioAPI.
func NewTwilioProvider(accountSID, authToken, apiBase string, logger *slog.Logger) *TwilioProvider {
	if apiBase == "" {
		apiBase = DefaultTwilioAPI
	}
	return &TwilioProvider{
		accountSID: accountSID,
		authToken:  authToken,
		apiBase:    strings.TrimSuffix(apiBase, "/"),
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		retryDelay: time.Second,
	}
}

// Send posts one message. Client errors other than 429 are not retried.
func (t *TwilioProvider) Send(ctx context.Context, to, from, body string) error {
	endpoint := t.apiBase + "/Accounts/" + url.PathEscape(t.accountSID) + "/Messages.json"

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", from)
	form.Set("Body", body)
	encoded := form.Encode()

	return retry.Do(
		func() error {
			t.logger.Info("Twilio API request starting",
				"method", "POST",
				"endpoint", "Messages.json",
				"to", to)

			startTime := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(encoded))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.SetBasicAuth(t.accountSID, t.authToken)
			req.Header.Set("Accept", "application/json")
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

			resp, err := t.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				t.logger.Warn("Twilio API request failed, will retry",
					"to", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					t.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				err := fmt.Errorf("twilio: HTTP %d", resp.StatusCode)
				if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
					t.logger.Warn("Twilio API rejected message", "status_code", resp.StatusCode, "to", to)
					return retry.Unrecoverable(err)
				}
				t.logger.Warn("Twilio API returned non-2xx status, will retry",
					"status_code", resp.StatusCode,
					"to", to)
				return err
			}

			t.logger.Info("Twilio API request completed",
				"endpoint", "Messages.json",
				"to", to,
				"duration_ms", duration.Milliseconds(),
				"status", "success")
			return nil
		},
		retry.Attempts(3),
		retry.Delay(t.retryDelay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(t.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Info("Retrying Twilio send after error", "attempt", n, "error", err)
		}),
	)
}
