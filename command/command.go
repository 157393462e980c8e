// Package command interprets inbound text commands and applies them to one subscriber.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"nugget-notifier/pkg/nugget"
	"nugget-notifier/storage"
)

// Argument bounds.
const (
	minSyncHours = 1
	maxSyncHours = 72
	maxSlow      = 30
)

// errIgnored aborts an update that has nothing to save.
var errIgnored = errors.New("ignored")

// ValidationError reports malformed command arguments. Reply is safe to show the user.
type ValidationError struct {
	Command string
	Reply   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s", e.Command)
}

// Handler applies commands through a Registry.
type Handler struct {
	registry *storage.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a command handler. A nil clock uses time.Now.
func New(registry *storage.Registry, logger *slog.Logger, now func() time.Time) *Handler {
	if now == nil {
		now = time.Now
	}
	return &Handler{
		registry: registry,
		logger:   logger,
		now:      now,
	}
}

// Parse splits raw text into a lowercase command name and its arguments.
// A single leading colon is optional.
func Parse(raw string) (name string, args []string) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(strings.TrimPrefix(fields[0], ":")), fields[1:]
}

// Handle runs one inbound message for id and returns the reply text.
// The reply is always suitable for the user; err classifies failures for logging.
func (h *Handler) Handle(ctx context.Context, id, raw string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "yes" || trimmed == "no" {
		return h.answerPrompt(ctx, id, trimmed == "yes")
	}

	name, args := Parse(raw)
	h.logger.Info("Handling command", "subscriber", id, "command", name, "args", len(args))

	var (
		reply string
		err   error
	)
	switch name {
	case "begin":
		reply, err = h.begin(ctx, id, args)
	case "stop":
		reply, err = h.stop(ctx, id, args)
	case "sync":
		reply, err = h.sync(ctx, id, args)
	case "slow":
		reply, err = h.slow(ctx, id, args)
	case "lessons":
		reply, err = h.lessons(ctx, id, args)
	case "help":
		return helpText, nil
	default:
		return replyUnknown, nil
	}
	if err == nil {
		return reply, nil
	}

	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return verr.Reply, err
	case errors.Is(err, storage.ErrNotFound):
		return replyNotSubscribed, err
	default:
		h.logger.Error("Command failed", "subscriber", id, "command", name, "error", err)
		return replyTrouble, err
	}
}

// CreateOrReset creates id in the default state, or resets an existing record.
// hours in [1, nugget.MaxHours] sets an expiry that many hours from now.
func (h *Handler) CreateOrReset(ctx context.Context, id string, hours *int) (*nugget.Subscriber, error) {
	now := h.now()
	var end *time.Time
	if hours != nil && *hours > 0 && *hours <= nugget.MaxHours {
		t := now.Add(time.Duration(*hours) * time.Hour)
		end = &t
	}

	var out *nugget.Subscriber
	err := h.registry.Update(ctx, func(subs map[string]*nugget.Subscriber) error {
		sub, ok := subs[id]
		if ok {
			sub.Reset(now, end)
		} else {
			sub = nugget.New(id, now, end)
			subs[id] = sub
		}
		out = sub.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	h.logger.Info("Subscriber started", "subscriber", id, "has_end_time", end != nil)
	return out, nil
}

// Status returns the read-only view of id, or storage.ErrNotFound.
func (h *Handler) Status(ctx context.Context, id string) (nugget.Status, error) {
	sub, err := h.registry.Get(ctx, id)
	if err != nil {
		return nugget.Status{}, err
	}
	return sub.StatusAt(h.now()), nil
}

// mutate applies fn to an existing subscriber.
func (h *Handler) mutate(ctx context.Context, id string, fn func(*nugget.Subscriber, time.Time)) error {
	now := h.now()
	return h.registry.Update(ctx, func(subs map[string]*nugget.Subscriber) error {
		sub, ok := subs[id]
		if !ok {
			return storage.ErrNotFound
		}
		fn(sub, now)
		sub.UpdatedAt = now
		return nil
	})
}

func (h *Handler) begin(ctx context.Context, id string, args []string) (string, error) {
	hours := 0
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 && n <= nugget.MaxHours {
			hours = n
		}
	}
	if _, err := h.CreateOrReset(ctx, id, &hours); err != nil {
		return "", err
	}
	return beginReply(hours), nil
}

func (h *Handler) stop(ctx context.Context, id string, args []string) (string, error) {
	if len(args) == 0 {
		err := h.mutate(ctx, id, func(s *nugget.Subscriber, _ time.Time) {
			s.Active = false
		})
		if err != nil {
			return "", err
		}
		return replyStopped, nil
	}

	kw := strings.ToLower(args[0])
	if (kw != "in" && kw != "for") || len(args) != 2 {
		return "", &ValidationError{Command: "stop", Reply: replyBadHours}
	}
	hours, err := strconv.Atoi(args[1])
	if err != nil || hours <= 0 || hours > nugget.MaxHours {
		return "", &ValidationError{Command: "stop", Reply: replyBadHours}
	}

	err = h.mutate(ctx, id, func(s *nugget.Subscriber, now time.Time) {
		end := now.Add(time.Duration(hours) * time.Hour)
		s.EndTime = &end
	})
	if err != nil {
		return "", err
	}
	return stopInReply(hours), nil
}

func (h *Handler) sync(ctx context.Context, id string, args []string) (string, error) {
	hours, ok := parseInts(args, minSyncHours, maxSyncHours)
	if !ok || len(hours) == 0 {
		return "", &ValidationError{Command: "sync", Reply: replyBadSync}
	}

	intervals := make([]int64, len(hours))
	for i, hr := range hours {
		intervals[i] = (time.Duration(hr) * time.Hour).Milliseconds()
	}
	err := h.mutate(ctx, id, func(s *nugget.Subscriber, _ time.Time) {
		s.SendIntervals = intervals
		s.CurrentIntervalIndex = 0
	})
	if err != nil {
		return "", err
	}
	return syncReply(hours), nil
}

func (h *Handler) slow(ctx context.Context, id string, args []string) (string, error) {
	factors, ok := parseInts(args, 0, maxSlow)
	if !ok || len(factors) != 1 {
		return "", &ValidationError{Command: "slow", Reply: replyBadSlow}
	}
	factor := factors[0]

	err := h.mutate(ctx, id, func(s *nugget.Subscriber, _ time.Time) {
		s.ScaleIntervals(int64(1 + factor))
	})
	if err != nil {
		return "", err
	}
	return slowReply(factor), nil
}

func (h *Handler) lessons(ctx context.Context, id string, args []string) (string, error) {
	indices, ok := parseInts(args, 0, nugget.NumLessons-1)
	if !ok {
		return "", &ValidationError{Command: "lessons", Reply: replyBadLessons}
	}

	var weights [nugget.NumLessons]int
	for _, i := range indices {
		weights[i] = 1
	}
	err := h.mutate(ctx, id, func(s *nugget.Subscriber, _ time.Time) {
		s.LessonWeights = weights
	})
	if err != nil {
		return "", err
	}
	return lessonsReply(nugget.EnabledIndices(weights)), nil
}

// answerPrompt handles yes/no after the slow-down prompt. Below the threshold,
// or for unknown identities, the reply is empty.
func (h *Handler) answerPrompt(ctx context.Context, id string, yes bool) (string, error) {
	now := h.now()
	var reply string
	err := h.registry.Update(ctx, func(subs map[string]*nugget.Subscriber) error {
		s, ok := subs[id]
		if !ok || s.MessageCount < nugget.PromptThreshold {
			return errIgnored
		}
		if !yes {
			reply = replySlowerNo
			return errIgnored
		}
		s.ScaleIntervals(2)
		s.UpdatedAt = now
		reply = replySlowerYes
		return nil
	})
	if err != nil && !errors.Is(err, errIgnored) {
		h.logger.Error("Prompt answer failed", "subscriber", id, "error", err)
		return replyTrouble, err
	}
	return reply, nil
}

// parseInts parses every arg as an integer in [lo, hi].
func parseInts(args []string, lo, hi int) ([]int, bool) {
	out := make([]int, 0, len(args))
	for _, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil || n < lo || n > hi {
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}
