package storage

import (
	"bytes"
	"context"
	"sync"

	"nugget-notifier/pkg/nugget"
)

// Memory is an in-process Backend. Load and Save copy records, so callers
// never share state with what is "persisted".
type Memory struct {
	mu    sync.Mutex
	subs  map[string]*nugget.Subscriber
	blobs map[string][]byte

	// LoadErr and SaveErr, when set, are returned instead of touching state.
	LoadErr error
	SaveErr error
	Saves   int
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		subs:  make(map[string]*nugget.Subscriber),
		blobs: make(map[string][]byte),
	}
}

// Load returns a copy of the stored map.
func (m *Memory) Load(_ context.Context) (map[string]*nugget.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	return cloneAll(m.subs), nil
}

// Save replaces the stored map with a copy of subs.
func (m *Memory) Save(_ context.Context, subs map[string]*nugget.Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.subs = cloneAll(subs)
	m.Saves++
	return nil
}

// PutBlob stores a copy of data under key.
func (m *Memory) PutBlob(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = bytes.Clone(data)
	return nil
}

// GetBlob returns a copy of the data stored under key.
func (m *Memory) GetBlob(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(data), nil
}

func cloneAll(subs map[string]*nugget.Subscriber) map[string]*nugget.Subscriber {
	out := make(map[string]*nugget.Subscriber, len(subs))
	for id, s := range subs {
		out[id] = s.Clone()
	}
	return out
}
