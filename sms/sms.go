// Package sms delivers text messages through a pluggable gateway provider.
package sms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"nugget-notifier/pkg/nugget"
)

// ErrDeliveryFailed wraps any provider failure.
var ErrDeliveryFailed = errors.New("delivery failed")

// Provider defines the interface for SMS gateway implementations.
type Provider interface {
	// Send sends body from one number to another.
	Send(ctx context.Context, to, from, body string) error
}

// Sender formats and paces outbound messages.
type Sender struct {
	provider Provider
	limiter  *rate.Limiter
	logger   *slog.Logger
	from     string
	baseURL  string // For nugget links
}

// New creates a sender. A nil limiter sends without pacing.
func New(provider Provider, limiter *rate.Limiter, logger *slog.Logger, from, baseURL string) *Sender {
	return &Sender{
		provider: provider,
		limiter:  limiter,
		logger:   logger,
		from:     from,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
	}
}

// ContentURL is the link a nugget message points at.
func (s *Sender) ContentURL(ref string) string {
	return s.baseURL + "/nugget/" + ref
}

// SendNugget texts a link to fetched content.
func (s *Sender) SendNugget(ctx context.Context, to string, c *nugget.Content) error {
	return s.send(ctx, to, nuggetText(c.Title, s.ContentURL(c.Reference)), "nugget")
}

// SendPrompt texts the one-time slow-down question.
func (s *Sender) SendPrompt(ctx context.Context, to string) error {
	return s.send(ctx, to, promptText, "prompt")
}

// SendWelcome texts a new subscriber after signup.
func (s *Sender) SendWelcome(ctx context.Context, to string) error {
	return s.send(ctx, to, welcomeText, "welcome")
}

func (s *Sender) send(ctx context.Context, to, body, kind string) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limit wait: %w", ErrDeliveryFailed, err)
		}
	}

	s.logger.Info("Sending message", "to", to, "kind", kind, "length", len(body))
	if err := s.provider.Send(ctx, to, s.from, body); err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return nil
}
