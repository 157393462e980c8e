// Package dispatch runs the periodic scan that sends nuggets to due subscribers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nugget-notifier/content"
	"nugget-notifier/pkg/nugget"
	"nugget-notifier/storage"
)

// DefaultInterval is the tick period.
const DefaultInterval = time.Minute

// Fetcher retrieves one content item for a weight vector.
type Fetcher interface {
	Fetch(ctx context.Context, weights [nugget.NumLessons]int) (*nugget.Content, error)
}

// Sender delivers outbound texts.
type Sender interface {
	SendNugget(ctx context.Context, to string, c *nugget.Content) error
	SendPrompt(ctx context.Context, to string) error
}

// Scheduler scans subscribers on every tick.
type Scheduler struct {
	tickMu   sync.Mutex
	registry *storage.Registry
	fetcher  Fetcher
	sender   Sender
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	interval time.Duration
}

// New creates a scheduler. A nil clock uses time.Now; a non-positive interval uses DefaultInterval.
func New(registry *storage.Registry, fetcher Fetcher, sender Sender, logger *slog.Logger, now func() time.Time, interval time.Duration) *Scheduler {
	if now == nil {
		now = time.Now
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		registry: registry,
		fetcher:  fetcher,
		sender:   sender,
		logger:   logger,
		tracer:   otel.Tracer("nugget-notifier/dispatch"),
		now:      now,
		interval: interval,
	}
}

// outcome is what one tick observed for one subscriber.
type outcome struct {
	expired bool
	sent    bool
}

// Result summarizes one tick.
type Result struct {
	Scanned int `json:"scanned"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Expired int `json:"expired"`
	Prompts int `json:"prompts"`
}

// Tick runs one scan. Per-subscriber failures are logged and skipped;
// only store failures abort the tick. Concurrent calls run one after another.
func (s *Scheduler) Tick(ctx context.Context) (Result, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	ctx, span := s.tracer.Start(ctx, "dispatch.tick")
	defer span.End()

	var res Result
	now := s.now()
	subs, err := s.registry.Snapshot(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "snapshot failed")
		return res, fmt.Errorf("snapshot subscribers: %w", err)
	}
	res.Scanned = len(subs)

	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	outcomes := make(map[string]outcome)
	for _, id := range ids {
		if ctx.Err() != nil {
			s.logger.Info("Context cancelled, stopping dispatch scan", "error", ctx.Err())
			break
		}

		sub := subs[id]
		if !sub.Active {
			continue
		}
		if sub.Expired(now) {
			outcomes[id] = outcome{expired: true}
			continue
		}
		if !sub.Due(now) {
			continue
		}

		if err := s.deliver(ctx, sub); err != nil {
			res.Failed++
			s.logger.WarnContext(ctx, "Dispatch failed", "subscriber", id, "error", err)
			continue
		}
		outcomes[id] = outcome{sent: true}
	}

	if len(outcomes) == 0 {
		s.logger.InfoContext(ctx, "Dispatch tick completed", "scanned", res.Scanned, "failed", res.Failed)
		return res, nil
	}

	// Sends already happened; record them even if ctx was cancelled mid-scan.
	var prompts []string
	err = s.registry.Update(context.WithoutCancel(ctx), func(current map[string]*nugget.Subscriber) error {
		for id, o := range outcomes {
			sub, ok := current[id]
			if !ok {
				continue
			}
			if o.expired {
				if sub.Active && sub.Expired(now) {
					sub.Active = false
					sub.UpdatedAt = now
					res.Expired++
				}
				continue
			}
			res.Sent++
			if sub.Advance(now) {
				prompts = append(prompts, id)
			}
		}
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, "save failed")
		return res, fmt.Errorf("save dispatch results: %w", err)
	}

	slices.Sort(prompts)
	for _, id := range prompts {
		if err := s.sender.SendPrompt(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "Slow-down prompt failed", "subscriber", id, "error", err)
			continue
		}
		res.Prompts++
	}

	span.SetAttributes(
		attribute.Int("dispatch.scanned", res.Scanned),
		attribute.Int("dispatch.sent", res.Sent),
		attribute.Int("dispatch.failed", res.Failed),
	)
	s.logger.InfoContext(ctx, "Dispatch tick completed",
		"scanned", res.Scanned,
		"sent", res.Sent,
		"failed", res.Failed,
		"expired", res.Expired,
		"prompts", res.Prompts)
	return res, nil
}

// deliver fetches content for sub and sends it.
func (s *Scheduler) deliver(ctx context.Context, sub *nugget.Subscriber) error {
	ctx, span := s.tracer.Start(ctx, "dispatch.subscriber",
		trace.WithAttributes(attribute.Int("subscriber.message_count", sub.MessageCount)))
	defer span.End()

	c, err := s.fetcher.Fetch(ctx, sub.LessonWeights)
	if err != nil {
		if !errors.Is(err, content.ErrNoEligibleCategory) {
			span.RecordError(err)
		}
		return fmt.Errorf("fetch: %w", err)
	}
	if err := s.sender.SendNugget(ctx, sub.ID, c); err != nil {
		span.RecordError(err)
		return fmt.Errorf("send: %w", err)
	}
	s.logger.InfoContext(ctx, "Nugget sent", "subscriber", sub.ID, "channel", c.Channel, "lesson", c.Lesson)
	return nil
}

// Run ticks every interval until ctx is done. Ticks never overlap.
func (s *Scheduler) Run(ctx context.Context) {
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{s.logger}),
		cron.SkipIfStillRunning(cronLogger{s.logger}),
	))
	c.Schedule(cron.Every(s.interval), cron.FuncJob(func() {
		if _, err := s.Tick(ctx); err != nil {
			s.logger.Error("Dispatch tick failed", "error", err)
		}
	}))

	s.logger.Info("Dispatch scheduler started", "interval", s.interval.String())
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("Dispatch scheduler stopped")
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
