package content

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"nugget-notifier/storage"
)

// ErrInvalidReference is returned when a reference cannot be resolved.
var ErrInvalidReference = errors.New("invalid content reference")

// refBytes is how much of the HMAC a reference keeps.
const refBytes = 16

// RefLen is the length of every reference string.
var RefLen = base64.RawURLEncoding.EncodedLen(refBytes)

// BlobStore keeps payloads by key. GetBlob returns storage.ErrNotFound for unknown keys.
type BlobStore interface {
	PutBlob(ctx context.Context, key string, data []byte) error
	GetBlob(ctx context.Context, key string) ([]byte, error)
}

// Archive stores payloads under short content-addressed references.
// A reference is a keyed hash of the payload, so equal payloads share one entry.
type Archive struct {
	secret []byte
	blobs  BlobStore
}

// NewArchive creates an archive keyed by secret.
func NewArchive(secret []byte, blobs BlobStore) *Archive {
	return &Archive{secret: secret, blobs: blobs}
}

// Reference returns the handle payload is stored under.
func (a *Archive) Reference(payload []byte) string {
	h := hmac.New(sha256.New, a.secret)
	h.Write(payload)
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)[:refBytes])
}

// Put stores payload and returns its reference.
func (a *Archive) Put(ctx context.Context, payload []byte) (string, error) {
	ref := a.Reference(payload)
	if err := a.blobs.PutBlob(ctx, ref, payload); err != nil {
		return "", fmt.Errorf("%w: put payload %s: %w", storage.ErrStoreUnavailable, ref, err)
	}
	return ref, nil
}

// Resolve returns the exact payload bytes a reference was built from.
func (a *Archive) Resolve(ctx context.Context, ref string) ([]byte, error) {
	if !wellFormed(ref) {
		return nil, ErrInvalidReference
	}
	payload, err := a.blobs.GetBlob(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidReference
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get payload %s: %w", storage.ErrStoreUnavailable, ref, err)
	}
	if !hmac.Equal([]byte(a.Reference(payload)), []byte(ref)) {
		return nil, ErrInvalidReference
	}
	return payload, nil
}

// wellFormed reports whether ref has the shape of a reference. It also keeps
// keys safe to use as file and object names.
func wellFormed(ref string) bool {
	if len(ref) != RefLen {
		return false
	}
	for _, c := range ref {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
