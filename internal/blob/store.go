// Package blob stores opaque binary payloads under IDs it generates itself.
//
// Video and audio content live in separate Store values; two stores never
// see each other's IDs even when they share a bucket or database.
package blob

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound    = errors.New("blob not found")
	ErrWriteFailed = errors.New("blob write failed")
)

type Store interface {
	// Put writes data under a fresh ID. IDs are never reused.
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	// Get returns ErrNotFound when id is absent.
	Get(ctx context.Context, id string) ([]byte, error)
	// Delete is idempotent.
	Delete(ctx context.Context, id string) error
}

// NewID returns a time-ordered UUIDv7.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
