// Package sqlite stores documents in a single SQLite table.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/codewandler/escore/ports/docstore"
)

//go:embed schema.sql
var schema string

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}

type DocStore struct {
	db *sql.DB
}

// Open opens the database at dsn and applies the schema. ":memory:" gives a
// private in-memory database.
func Open(ctx context.Context, dsn string) (*DocStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite dsn is required")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one connection serializes writers and keeps :memory: a single database
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DocStore{db: db}, nil
}

func (s *DocStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *DocStore) Collection(ctx context.Context, name string) (docstore.Collection, error) {
	if name == "" {
		return nil, errors.New("collection name is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &collection{db: s.db, name: name}, nil
}

type collection struct {
	db   *sql.DB
	name string
}

func (c *collection) FindOne(ctx context.Context, id string) (docstore.Document, error) {
	doc := docstore.Document{ID: id}
	err := c.db.QueryRowContext(
		ctx,
		`SELECT data, version FROM documents WHERE collection = ? AND id = ?`,
		c.name, id,
	).Scan(&doc.Data, &doc.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.Document{}, docstore.ErrNotFound
	}
	if err != nil {
		return docstore.Document{}, fmt.Errorf("find %s/%s: %w", c.name, id, err)
	}
	return doc, nil
}

func (c *collection) UpdateOne(ctx context.Context, id string, data []byte, opts docstore.UpdateOptions) (uint64, error) {
	now := time.Now().UTC().UnixMilli()

	var (
		row    *sql.Row
		noRows error
	)
	switch {
	case opts.ExpectedVersion != nil && *opts.ExpectedVersion == 0:
		row = c.db.QueryRowContext(
			ctx,
			`INSERT INTO documents (collection, id, data, version, updated_at) VALUES (?, ?, ?, 1, ?)
			 ON CONFLICT (collection, id) DO NOTHING
			 RETURNING version`,
			c.name, id, data, now,
		)
		noRows = docstore.ErrVersionMismatch
	case opts.ExpectedVersion != nil:
		row = c.db.QueryRowContext(
			ctx,
			`UPDATE documents SET data = ?, version = version + 1, updated_at = ?
			 WHERE collection = ? AND id = ? AND version = ?
			 RETURNING version`,
			data, now, c.name, id, *opts.ExpectedVersion,
		)
		noRows = docstore.ErrVersionMismatch
	case opts.Upsert:
		row = c.db.QueryRowContext(
			ctx,
			`INSERT INTO documents (collection, id, data, version, updated_at) VALUES (?, ?, ?, 1, ?)
			 ON CONFLICT (collection, id) DO UPDATE SET
			   data = excluded.data,
			   version = documents.version + 1,
			   updated_at = excluded.updated_at
			 RETURNING version`,
			c.name, id, data, now,
		)
	default:
		row = c.db.QueryRowContext(
			ctx,
			`UPDATE documents SET data = ?, version = version + 1, updated_at = ?
			 WHERE collection = ? AND id = ?
			 RETURNING version`,
			data, now, c.name, id,
		)
		noRows = docstore.ErrNotFound
	}

	var version uint64
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) && noRows != nil {
			return 0, noRows
		}
		return 0, fmt.Errorf("update %s/%s: %w", c.name, id, err)
	}
	return version, nil
}

func (c *collection) DeleteOne(ctx context.Context, id string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, c.name, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", c.name, id, err)
	}
	return nil
}

var (
	_ docstore.Store      = (*DocStore)(nil)
	_ docstore.Collection = (*collection)(nil)
)
