package sms

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"unicode/utf8"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"nugget-notifier/content"
	"nugget-notifier/pkg/nugget"
	"nugget-notifier/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failingProvider struct{ err error }

func (f failingProvider) Send(context.Context, string, string, string) error { return f.err }

func TestSendNuggetFormatsLink(t *testing.T) {
	mock := NewMockProvider(discardLogger())
	s := New(mock, nil, discardLogger(), "+15550000000", "https://nuggets.example.com/")

	err := s.SendNugget(context.Background(), "+15551234567", &nugget.Content{
		Title:     "Why the sky is blue",
		Reference: "abc.def",
	})
	require.NoError(t, err)

	sent := mock.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "+15551234567", sent[0].To)
	assert.Equal(t, "+15550000000", sent[0].From)
	assert.Contains(t, sent[0].Body, "Why the sky is blue")
	assert.Contains(t, sent[0].Body, "https://nuggets.example.com/nugget/abc.def")
}

func TestSendNuggetFitsOneSegment(t *testing.T) {
	ctx := context.Background()
	archive := content.NewArchive([]byte("secret"), storage.NewMemory())
	ref, err := archive.Put(ctx, []byte(strings.Repeat("<p>A long lesson about the tides and the moon.</p>", 40)))
	require.NoError(t, err)

	mock := NewMockProvider(discardLogger())
	s := New(mock, nil, discardLogger(), "", "https://nugget-notifier-abc123xyz-uc.a.run.app")
	titles := []string{
		"",
		"Tides",
		strings.Repeat("Why the moon pulls the ocean twice a day ", 5),
		strings.Repeat("潮汐", 100),
	}
	for _, title := range titles {
		require.NoError(t, s.SendNugget(ctx, "+15551234567", &nugget.Content{Title: title, Reference: ref}))
	}

	link := s.ContentURL(ref)
	sent := mock.Sent()
	require.Len(t, sent, len(titles))
	for _, m := range sent {
		assert.LessOrEqual(t, utf8.RuneCountInString(m.Body), MaxBodyRunes, m.Body)
		assert.True(t, strings.HasSuffix(m.Body, link), m.Body)
	}
}

func TestNuggetTextKeepsOversizedLink(t *testing.T) {
	link := "https://example.com/" + strings.Repeat("x", 200)
	assert.Equal(t, "Your next nugget: "+link, nuggetText("Tides", link))
}

func TestSendPromptAndWelcome(t *testing.T) {
	mock := NewMockProvider(discardLogger())
	s := New(mock, nil, discardLogger(), "", "http://localhost:8080")

	require.NoError(t, s.SendPrompt(context.Background(), "+15551234567"))
	require.NoError(t, s.SendWelcome(context.Background(), "+15551234567"))

	sent := mock.Sent()
	require.Len(t, sent, 2)
	assert.Contains(t, strings.ToLower(sent[0].Body), "yes or no")
	assert.Contains(t, sent[1].Body, ":help")
}

func TestSendWrapsProviderError(t *testing.T) {
	s := New(failingProvider{err: errors.New("carrier down")}, nil, discardLogger(), "", "")
	err := s.SendPrompt(context.Background(), "+15551234567")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Contains(t, err.Error(), "carrier down")
}

func TestSendRespectsLimiterCancellation(t *testing.T) {
	mock := NewMockProvider(discardLogger())
	lim := rate.NewLimiter(rate.Every(time.Hour), 1)
	s := New(mock, lim, discardLogger(), "", "")

	require.NoError(t, s.SendPrompt(context.Background(), "+15551234567"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.SendPrompt(ctx, "+15551234567")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Len(t, mock.Sent(), 1)
}

func TestTwilioProviderPostsForm(t *testing.T) {
	var gotPath, gotUser, gotPass string
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		require.NoError(t, r.ParseForm())
		gotForm = map[string]string{
			"To":   r.PostForm.Get("To"),
			"From": r.PostForm.Get("From"),
			"Body": r.PostForm.Get("Body"),
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := NewTwilioProvider("AC123", "secret", srv.URL, discardLogger())
	require.NoError(t, p.Send(context.Background(), "+15551234567", "+15550000000", "hello"))

	assert.Equal(t, "/Accounts/AC123/Messages.json", gotPath)
	assert.Equal(t, "AC123", gotUser)
	assert.Equal(t, "secret", gotPass)
	assert.Equal(t, map[string]string{"To": "+15551234567", "From": "+15550000000", "Body": "hello"}, gotForm)
}

func TestTwilioProviderRetries(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int32
	}{
		{name: "server error retried", status: http.StatusBadGateway, wantCalls: 3},
		{name: "throttled retried", status: http.StatusTooManyRequests, wantCalls: 3},
		{name: "bad request not retried", status: http.StatusBadRequest, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p := NewTwilioProvider("AC123", "secret", srv.URL, discardLogger())
			p.retryDelay = time.Millisecond
			err := p.Send(context.Background(), "+15551234567", "+15550000000", "hello")
			assert.Error(t, err)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestGatewayMessage(t *testing.T) {
	addr := gatewayAddress("+1 (555) 123-4567", "sms.example.net")
	assert.Equal(t, "15551234567@sms.example.net", addr)

	msg := buildMessage(addr+"\r\nBcc: evil@example.com", "", "body text")
	assert.NotContains(t, msg, "\r\nBcc:")
	assert.Contains(t, msg, "Content-Type: text/plain")
	assert.True(t, strings.HasSuffix(msg, "\r\n\r\nbody text"))
}
