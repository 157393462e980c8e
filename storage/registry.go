package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"nugget-notifier/pkg/nugget"
)

var (
	// ErrStoreUnavailable wraps any failure of the underlying backend.
	ErrStoreUnavailable = errors.New("subscriber store unavailable")

	// ErrNotFound is returned for identities with no record.
	ErrNotFound = errors.New("subscriber not found")
)

// Registry serializes every load-mutate-save sequence against a Backend.
// All writers share one lock, so concurrent commands and dispatch ticks
// never drop each other's writes.
type Registry struct {
	mu      sync.Mutex
	backend Backend
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewRegistry wraps backend.
func NewRegistry(backend Backend, logger *slog.Logger) *Registry {
	return &Registry{
		backend: backend,
		logger:  logger,
		tracer:  otel.Tracer("nugget-notifier/storage"),
	}
}

// Snapshot returns a deep copy of every subscriber.
func (r *Registry) Snapshot(ctx context.Context) (map[string]*nugget.Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	return cloneAll(subs), nil
}

// Get returns a copy of one subscriber or ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*nugget.Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	sub, ok := subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sub.Clone(), nil
}

// Update loads the map, applies fn and saves the result, all under one lock.
// If fn returns an error nothing is saved and the error is returned as is.
func (r *Registry) Update(ctx context.Context, fn func(subs map[string]*nugget.Subscriber) error) error {
	ctx, span := r.tracer.Start(ctx, "storage.update")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	subs, err := r.load(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := fn(subs); err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("storage.subscribers", len(subs)))
	if err := r.backend.Save(ctx, subs); err != nil {
		r.logger.Error("Failed to save subscribers", "error", err)
		span.RecordError(err)
		return fmt.Errorf("%w: save: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (r *Registry) load(ctx context.Context) (map[string]*nugget.Subscriber, error) {
	subs, err := r.backend.Load(ctx)
	if err != nil {
		r.logger.Error("Failed to load subscribers", "error", err)
		return nil, fmt.Errorf("%w: load: %w", ErrStoreUnavailable, err)
	}
	if subs == nil {
		subs = make(map[string]*nugget.Subscriber)
	}
	return subs, nil
}
