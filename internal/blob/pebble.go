package blob

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// OpenPebble opens (or creates) the embedded database backing Pebble stores.
// Pebble locks its directory, so every store using it must live in one process.
func OpenPebble(dir string) (*pebble.DB, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return db, nil
}

// Pebble is a Store on a key prefix of a shared Pebble database.
type Pebble struct {
	DB     *pebble.DB
	Prefix string
}

func NewPebble(db *pebble.DB, prefix string) *Pebble {
	return &Pebble{DB: db, Prefix: prefix}
}

func (p *Pebble) key(id string) []byte { return []byte(p.Prefix + id) }

func (p *Pebble) Put(ctx context.Context, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	id := NewID()
	if err := p.DB.Set(p.key(id), data, pebble.Sync); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return id, nil
}

// Get copies the value out; Pebble owns the returned slice until closer.Close.
func (p *Pebble) Get(_ context.Context, id string) ([]byte, error) {
	value, closer, err := p.DB.Get(p.key(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("get %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get %q: %w", id, err)
	}
	defer closer.Close()
	return append([]byte(nil), value...), nil
}

func (p *Pebble) Delete(_ context.Context, id string) error {
	if err := p.DB.Delete(p.key(id), pebble.Sync); err != nil {
		return fmt.Errorf("delete %q: %w", id, err)
	}
	return nil
}
