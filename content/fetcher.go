// Package content fetches nuggets from the channel-based content API.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nugget-notifier/pkg/nugget"
	"nugget-notifier/storage"
)

const (
	// MaxAttempts bounds the full select-and-fetch cycle.
	MaxAttempts = 10

	// Placeholder is served when an item carries no payload at all.
	Placeholder = "(this nugget is empty)"

	maxTitleRunes = 60
)

var (
	// ErrNoEligibleCategory is returned when every lesson weight is zero.
	ErrNoEligibleCategory = errors.New("no eligible category")

	// ErrContentUnavailable is returned once every attempt has failed.
	ErrContentUnavailable = errors.New("content unavailable")

	errEmptyChannel = errors.New("channel has no contents")
)

// HTTPStatusError is a non-2xx response from the content API.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsNotFound reports whether err is a 404 from the content API.
func IsNotFound(err error) bool {
	var se *HTTPStatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Rand picks uniform indices in [0, n).
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// item is one entry in a channel's contents list.
type item struct {
	Title       string `json:"title"`
	Content     string `json:"content"`
	ContentHTML string `json:"content_html"`
	ID          int64  `json:"id"`
}

type contentsResponse struct {
	Contents []item `json:"contents"`
}

// Config holds fetcher configuration.
type Config struct {
	Client     *http.Client
	Logger     *slog.Logger
	Rand       Rand   // Defaults to math/rand/v2
	Archive    *Archive // Stores fetched payloads; defaults to an in-memory archive
	BaseURL    string // Content API root, e.g. https://api.are.na/v2
	Channels   *[nugget.NumLessons]string
	RetryDelay time.Duration
	MaxDelay   time.Duration
	MaxJitter  time.Duration
}

// Fetcher picks a random enabled channel and a random item from it.
type Fetcher struct {
	client     *http.Client
	logger     *slog.Logger
	rand       Rand
	archive    *Archive
	tracer     trace.Tracer
	channels   [nugget.NumLessons]string
	baseURL    string
	retryDelay time.Duration
	maxDelay   time.Duration
	maxJitter  time.Duration
}

// New creates a fetcher.
func New(cfg *Config) *Fetcher {
	f := &Fetcher{
		client:     cfg.Client,
		logger:     cfg.Logger,
		rand:       cfg.Rand,
		archive:    cfg.Archive,
		tracer:     otel.Tracer("nugget-notifier/content"),
		channels:   Channels,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		retryDelay: cfg.RetryDelay,
		maxDelay:   cfg.MaxDelay,
		maxJitter:  cfg.MaxJitter,
	}
	if cfg.Channels != nil {
		f.channels = *cfg.Channels
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: 5 * time.Second}
	}
	if f.archive == nil {
		f.archive = NewArchive(nil, storage.NewMemory())
	}
	if f.rand == nil {
		f.rand = globalRand{}
	}
	if f.retryDelay <= 0 {
		f.retryDelay = time.Second
	}
	if f.maxDelay <= 0 {
		f.maxDelay = 30 * time.Second
	}
	if f.maxJitter <= 0 {
		f.maxJitter = time.Second
	}
	return f
}

// Fetch returns one random nugget from a channel enabled in weights.
func (f *Fetcher) Fetch(ctx context.Context, weights [nugget.NumLessons]int) (*nugget.Content, error) {
	eligible := nugget.EnabledIndices(weights)
	if len(eligible) == 0 {
		return nil, ErrNoEligibleCategory
	}

	ctx, span := f.tracer.Start(ctx, "content.fetch",
		trace.WithAttributes(attribute.Int("content.eligible", len(eligible))))
	defer span.End()

	var out *nugget.Content
	var attempts int
	err := retry.Do(
		func() error {
			attempts++
			lesson := eligible[f.rand.IntN(len(eligible))]
			channel := f.channels[lesson]

			items, err := f.fetchChannel(ctx, channel)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				return fmt.Errorf("%s: %w", channel, errEmptyChannel)
			}

			it := items[f.rand.IntN(len(items))]
			payload := it.payload()
			out = &nugget.Content{
				Channel:   channel,
				Lesson:    lesson,
				Title:     it.title(),
				Payload:   payload,
			}
			return nil
		},
		retry.Attempts(MaxAttempts),
		retry.Delay(f.retryDelay),
		retry.MaxDelay(f.maxDelay),
		retry.MaxJitter(f.maxJitter),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			if IsNotFound(err) || errors.Is(err, errEmptyChannel) {
				f.logger.Info("Channel had nothing to offer, picking again", "attempt", n, "error", err)
				return
			}
			f.logger.Info("Retrying content fetch after error", "attempt", n, "error", err)
		}),
	)
	span.SetAttributes(attribute.Int("content.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "content unavailable")
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrContentUnavailable, attempts, err)
	}

	ref, err := f.archive.Put(ctx, out.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "archive failed")
		return nil, err
	}
	out.Reference = ref

	span.SetAttributes(attribute.String("content.channel", out.Channel))
	f.logger.InfoContext(ctx, "Nugget fetched",
		"channel", out.Channel,
		"lesson", out.Lesson,
		"title", out.Title,
		"payload_bytes", len(out.Payload),
		"attempts", attempts)
	return out, nil
}

func (f *Fetcher) fetchChannel(ctx context.Context, channel string) ([]item, error) {
	reqURL := fmt.Sprintf("%s/channels/%s/contents", f.baseURL, url.PathEscape(channel))

	f.logger.Debug("HTTP request starting",
		"method", "GET",
		"url", reqURL,
		"purpose", "fetch_channel_contents")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	startTime := time.Now()
	resp, err := f.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		f.logger.Warn("HTTP request failed, will retry",
			"url", reqURL,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			f.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	f.logger.Debug("HTTP request completed",
		"url", reqURL,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPStatusError{URL: reqURL, StatusCode: resp.StatusCode}
	}

	var body contentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode contents: %w", err)
	}
	return body.Contents, nil
}

func (it item) payload() []byte {
	switch {
	case strings.TrimSpace(it.ContentHTML) != "":
		return []byte(it.ContentHTML)
	case strings.TrimSpace(it.Content) != "":
		return []byte(it.Content)
	default:
		return []byte(Placeholder)
	}
}

// title prefers the item's own title, then the first words of its text.
func (it item) title() string {
	if t := strings.TrimSpace(it.Title); t != "" {
		return truncate(t, maxTitleRunes)
	}
	text := strings.TrimSpace(it.Content)
	if it.ContentHTML != "" {
		text = PlainText(it.ContentHTML)
	}
	if text == "" {
		return "Nugget"
	}
	return truncate(text, maxTitleRunes)
}

// PlainText strips markup from an HTML fragment and collapses whitespace.
func PlainText(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return ""
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n-1])) + "…"
}
