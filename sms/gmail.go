package sms

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
)

// GmailProvider sends texts through a carrier email-to-SMS gateway using the Gmail API.
type GmailProvider struct {
	service *gmail.Service
	domain  string
	logger  *slog.Logger
}

// NewGmailProvider creates a provider that mails <digits>@domain.
func NewGmailProvider(service *gmail.Service, domain string, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		domain:  strings.TrimPrefix(domain, "@"),
		logger:  logger,
	}
}

// sanitizeHeader removes newlines and control characters to prevent header injection.
func sanitizeHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// gatewayAddress maps a phone number onto the gateway mailbox.
func gatewayAddress(phone, domain string) string {
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	return digits.String() + "@" + domain
}

// buildMessage renders a plain text RFC 5322 message.
func buildMessage(to, from, body string) string {
	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "To: %s\r\n", sanitizeHeader(to))
	if from != "" {
		fmt.Fprintf(&msg, "Reply-To: %s\r\n", sanitizeHeader(from))
	}
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(body)
	return msg.String()
}

// Send sends a text via Gmail API.
func (g *GmailProvider) Send(ctx context.Context, to, from, body string) error {
	addr := gatewayAddress(to, g.domain)
	encoded := base64.URLEncoding.EncodeToString([]byte(buildMessage(addr, from, body)))

	return retry.Do(
		func() error {
			g.logger.Info("Gmail API request starting",
				"endpoint", "users.messages.send",
				"to", addr)

			startTime := time.Now()
			_, err := g.service.Users.Messages.Send("me", &gmail.Message{
				Raw: encoded,
			}).Context(ctx).Do()
			duration := time.Since(startTime)
			if err != nil {
				g.logger.Warn("Gmail API send failed, will retry",
					"to", addr,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			g.logger.Info("Gmail API request completed",
				"to", addr,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail send after error", "attempt", n, "error", err)
		}),
	)
}
