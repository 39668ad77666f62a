package docstore

import (
	"context"
	"encoding/json"

	"authdesk/internal/apperr"
)

// Collection is a typed view over one document of a Store.
type Collection[T any] struct {
	store *Store
	name  string
}

func NewCollection[T any](s *Store, name string) *Collection[T] {
	return &Collection[T]{store: s, name: name}
}

func (c *Collection[T]) Name() string { return c.name }

func (c *Collection[T]) Exists() (bool, error) {
	return c.store.Exists(c.name)
}

// Load reads the document. A missing document is an empty list.
func (c *Collection[T]) Load(ctx context.Context) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := c.store.lockFor(c.name)
	m.Lock()
	defer m.Unlock()
	return c.decode()
}

// View loads the document and hands it to fn while the document lock is held.
func (c *Collection[T]) View(ctx context.Context, fn func([]T) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := c.store.lockFor(c.name)
	m.Lock()
	defer m.Unlock()
	recs, err := c.decode()
	if err != nil {
		return err
	}
	return fn(recs)
}

// Update runs one read-modify-write cycle under the document lock. The slice
// returned by fn replaces the document; if fn fails nothing is written.
func (c *Collection[T]) Update(ctx context.Context, fn func([]T) ([]T, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := c.store.lockFor(c.name)
	m.Lock()
	defer m.Unlock()
	recs, err := c.decode()
	if err != nil {
		return err
	}
	next, err := fn(recs)
	if err != nil {
		return err
	}
	if next == nil {
		next = []T{}
	}
	return c.store.writeRecords(c.name, next)
}

func (c *Collection[T]) decode() ([]T, error) {
	raw, err := c.store.readRecords(c.name)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return []T{}, nil
	}
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		c.store.logger.Error("document records corrupt", "document", c.name, "error", err)
		return nil, apperr.Storage("decode "+c.name+" records", err)
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}
