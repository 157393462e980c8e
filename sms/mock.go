package sms

import (
	"context"
	"log/slog"
	"sync"
)

// Message is one send captured by MockProvider.
type Message struct {
	To   string
	From string
	Body string
}

// MockProvider is a mock SMS provider for local development and tests.
type MockProvider struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []Message
}

// NewMockProvider creates a new mock SMS provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the message instead of sending it.
func (m *MockProvider) Send(_ context.Context, to, from, body string) error {
	m.mu.Lock()
	m.sent = append(m.sent, Message{To: to, From: from, Body: body})
	m.mu.Unlock()

	m.logger.Info("MOCK SMS",
		"to", to,
		"from", from,
		"body", body)
	return nil
}

// Sent returns a copy of every message sent so far.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}
