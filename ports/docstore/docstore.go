// Package docstore is the port for the version-guarded document collections
// that hold checkpoints and read models.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrNotFound        = errors.New("document not found")
	ErrVersionMismatch = errors.New("document version mismatch")
)

// Document is a stored JSON document. Version is never 0 for a stored
// document and grows on every write.
type Document struct {
	ID      string
	Data    []byte
	Version uint64
}

type UpdateOptions struct {
	// Upsert creates the document when it does not exist.
	Upsert bool
	// ExpectedVersion guards the write. A pointer to 0 means the document
	// must not exist yet.
	ExpectedVersion *uint64
}

// Version is a convenience for UpdateOptions.ExpectedVersion.
func Version(v uint64) *uint64 { return &v }

type Collection interface {
	FindOne(ctx context.Context, id string) (Document, error)
	// UpdateOne replaces the document and returns its new version.
	UpdateOne(ctx context.Context, id string, data []byte, opts UpdateOptions) (uint64, error)
	DeleteOne(ctx context.Context, id string) error
}

type Store interface {
	Collection(ctx context.Context, name string) (Collection, error)
}

// FindOne loads and decodes a document. The version is returned alongside
// so it can guard the next write.
func FindOne[T any](ctx context.Context, c Collection, id string) (out T, version uint64, err error) {
	doc, err := c.FindOne(ctx, id)
	if err != nil {
		return
	}
	if err = json.Unmarshal(doc.Data, &out); err != nil {
		return
	}
	return out, doc.Version, nil
}

func UpdateOne[T any](ctx context.Context, c Collection, id string, v T, opts UpdateOptions) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return c.UpdateOne(ctx, id, data, opts)
}

// CheckVersion applies the UpdateOptions rules to a document currently at
// version (0 if missing). Stores without native compare-and-set use it.
func CheckVersion(opts UpdateOptions, current uint64) error {
	if opts.ExpectedVersion != nil {
		if *opts.ExpectedVersion != current {
			return ErrVersionMismatch
		}
		return nil
	}
	if current == 0 && !opts.Upsert {
		return ErrNotFound
	}
	return nil
}
