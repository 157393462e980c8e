// Package storage handles persistence of subscribers.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"

	"nugget-notifier/pkg/nugget"
)

// DefaultObject is the object (or file) name the subscriber map is stored under.
const DefaultObject = "subscribers.json"

// BlobPrefix is the directory (or object prefix) content payloads live under.
const BlobPrefix = "nuggets/"

// Backend loads and saves the full subscriber map and keeps content payloads by key.
// A missing store loads as an empty map; Save replaces prior contents.
// GetBlob returns ErrNotFound for unknown keys.
type Backend interface {
	Load(ctx context.Context) (map[string]*nugget.Subscriber, error)
	Save(ctx context.Context, subs map[string]*nugget.Subscriber) error
	PutBlob(ctx context.Context, key string, data []byte) error
	GetBlob(ctx context.Context, key string) ([]byte, error)
}

// document is the on-disk/object layout.
type document struct {
	SavedAt     time.Time                     `json:"saved_at"`
	Subscribers map[string]*nugget.Subscriber `json:"subscribers"`
}

// Store keeps the subscriber map as one JSON object in Cloud Storage,
// or as one file under localPath for development.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	object    string
}

// New creates a new storage handler. When localPath is set the client is unused.
func New(client *storage.Client, bucket, object, localPath string, logger *slog.Logger) *Store {
	if object == "" {
		object = DefaultObject
	}
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
		object:    object,
	}
}

// Save writes the full subscriber map.
func (s *Store) Save(ctx context.Context, subs map[string]*nugget.Subscriber) error {
	data, err := json.MarshalIndent(document{SavedAt: time.Now().UTC(), Subscribers: subs}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscribers: %w", err)
	}

	// Local filesystem storage
	if s.localPath != "" {
		if err := writeFileAtomic(filepath.Join(s.localPath, s.object), data); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Debug("Subscribers saved to local storage", "path", s.localPath, "count", len(subs))
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "object", s.object, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Debug("Subscribers saved", "bucket", s.bucket, "object", s.object, "count", len(subs))
	return nil
}

// Load reads the full subscriber map.
func (s *Store) Load(ctx context.Context) (map[string]*nugget.Subscriber, error) {
	var data []byte

	// Local filesystem storage
	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, s.object))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return map[string]*nugget.Subscriber{}, nil
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		var missing bool
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
				if openErr != nil {
					// Don't retry on "not found" errors
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						missing = true
						return nil
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(2*time.Minute),
			retry.MaxJitter(10*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying load operation after error", "attempt", n, "object", s.object, "error", retryErr)
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("load after retries: %w", err)
		}
		if missing {
			return map[string]*nugget.Subscriber{}, nil
		}
	}

	return decode(data)
}

// PutBlob stores data under key. Keys are content-addressed, so rewriting one is harmless.
func (s *Store) PutBlob(ctx context.Context, key string, data []byte) error {
	if s.localPath != "" {
		if err := writeFileAtomic(filepath.Join(s.localPath, BlobPrefix, key), data); err != nil {
			return fmt.Errorf("write blob to local storage: %w", err)
		}
		return nil
	}

	obj := BlobPrefix + key
	return retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(obj).NewWriter(ctx)
			w.ContentType = "text/html; charset=utf-8"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write blob: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close blob writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying blob write after error", "attempt", n, "object", obj, "error", retryErr)
		}),
	)
}

// GetBlob reads the payload stored under key.
func (s *Store) GetBlob(ctx context.Context, key string) ([]byte, error) {
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, BlobPrefix, key))
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("read blob from local storage: %w", err)
		}
		return data, nil
	}

	obj := BlobPrefix + key
	var data []byte
	var missing bool
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(obj).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					missing = true
					return nil
				}
				return fmt.Errorf("open blob reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close blob reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read blob: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying blob read after error", "attempt", n, "object", obj, "error", retryErr)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("get blob after retries: %w", err)
	}
	if missing {
		return nil, ErrNotFound
	}
	return data, nil
}

func decode(data []byte) (map[string]*nugget.Subscriber, error) {
	var doc document
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("unmarshal subscribers: %w", err)
		}
	}
	if doc.Subscribers == nil {
		doc.Subscribers = make(map[string]*nugget.Subscriber)
	}
	for id, sub := range doc.Subscribers {
		if sub.ID == "" {
			sub.ID = id
		}
	}
	return doc.Subscribers, nil
}

// writeFileAtomic replaces path with data via a temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".subscribers-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
