package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codewandler/escore/ports/docstore"
)

// ProjectedDocument is how DocumentProjection stores a read model. Position
// and Revision identify the last event applied to it.
type ProjectedDocument[T any] struct {
	Position uint64   `json:"position"`
	Revision Revision `json:"revision"`
	StreamID string   `json:"stream_id"`
	State    T        `json:"state"`
}

// applied reports whether env is already reflected in the document.
func (d ProjectedDocument[T]) applied(env Envelope) bool {
	if env.Position != d.Position {
		return env.Position < d.Position
	}
	// several events of one append share a position
	return env.StreamID == d.StreamID && env.Revision <= d.Revision
}

type (
	// DocumentIDFunc maps an event to the document it affects. ok false skips
	// the event.
	DocumentIDFunc func(env Envelope) (id string, ok bool)
	// ApplyFunc folds env into state. Returning deleted removes the document.
	ApplyFunc[T any] func(state *T, env Envelope) (deleted bool, err error)
)

// ByStream keys documents by stream name.
func ByStream(env Envelope) (string, bool) { return env.StreamID, true }

// DocumentProjection is a Handler maintaining one document per key in a
// docstore collection. Redelivered events are recognized by position and
// skipped, concurrent writers are serialized by the document version.
type DocumentProjection[T any] struct {
	name       string
	coll       docstore.Collection
	id         DocumentIDFunc
	apply      ApplyFunc[T]
	maxRetries int
	log        *slog.Logger
}

func NewDocumentProjection[T any](
	name string,
	coll docstore.Collection,
	id DocumentIDFunc,
	apply ApplyFunc[T],
	opts ...Option,
) *DocumentProjection[T] {
	o := newComponentOpts(opts...)
	return &DocumentProjection[T]{
		name:       name,
		coll:       coll,
		id:         id,
		apply:      apply,
		maxRetries: 5,
		log:        o.log.With(slog.String("projection", name)),
	}
}

func (p *DocumentProjection[T]) Name() string { return p.name }

func (p *DocumentProjection[T]) Handle(m MsgCtx) error {
	env := m.Envelope()
	id, ok := p.id(env)
	if !ok {
		return nil
	}
	ctx := m.Context()

	for attempt := 0; attempt < p.maxRetries; attempt++ {
		doc, version, err := docstore.FindOne[ProjectedDocument[T]](ctx, p.coll, id)
		switch {
		case err == nil:
			if doc.applied(env) {
				p.log.Debug("skip applied event", slog.String("doc", id), env.SlogAttr())
				return nil
			}
		case errors.Is(err, docstore.ErrNotFound):
			doc, version = ProjectedDocument[T]{}, 0
		default:
			return fmt.Errorf("projection %s: load %s: %w", p.name, id, err)
		}

		deleted, err := p.apply(&doc.State, env)
		if err != nil {
			return fmt.Errorf("projection %s: apply %s: %w", p.name, env.Type, err)
		}
		if deleted {
			return p.coll.DeleteOne(ctx, id)
		}

		doc.Position, doc.Revision, doc.StreamID = env.Position, env.Revision, env.StreamID
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("projection %s: encode %s: %w", p.name, id, err)
		}
		_, err = p.coll.UpdateOne(ctx, id, data, docstore.UpdateOptions{
			Upsert:          true,
			ExpectedVersion: docstore.Version(version),
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, docstore.ErrVersionMismatch) {
			return fmt.Errorf("projection %s: store %s: %w", p.name, id, err)
		}
	}
	return fmt.Errorf("projection %s: %s: %w", p.name, id, docstore.ErrVersionMismatch)
}

// Get reads the current state of a document.
func (p *DocumentProjection[T]) Get(ctx context.Context, id string) (T, error) {
	doc, _, err := docstore.FindOne[ProjectedDocument[T]](ctx, p.coll, id)
	return doc.State, err
}

var _ Handler = (*DocumentProjection[struct{}])(nil)
