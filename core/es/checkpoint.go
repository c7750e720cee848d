package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codewandler/escore/ports/docstore"
)

// CheckpointStore remembers how far each subscription got. Positions only
// ever move forward.
type CheckpointStore interface {
	// Load returns the stored position; ok is false if none was stored.
	Load(ctx context.Context, subscriptionID string) (position uint64, ok bool, err error)
	Store(ctx context.Context, subscriptionID string, position uint64) error
}

// === memory ===

type InMemoryCheckpointStore struct {
	mu  sync.Mutex
	pos map[string]uint64
}

func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{pos: map[string]uint64{}}
}

func (s *InMemoryCheckpointStore) Load(_ context.Context, id string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pos[id]
	return p, ok, nil
}

func (s *InMemoryCheckpointStore) Store(_ context.Context, id string, position uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.pos[id]; !ok || position > cur {
		s.pos[id] = position
	}
	return nil
}

// === document ===

// CheckpointCollection is the collection DocumentCheckpointStore writes to.
const CheckpointCollection = "checkpoints"

const defaultCheckpointRetries = 5

type checkpointDoc struct {
	ID       string `json:"_id"`
	Position uint64 `json:"position"`
}

// DocumentCheckpointStore keeps one {"_id", "position"} document per
// subscription. Writes are guarded by the document version so concurrent
// writers can never move a checkpoint backwards.
type DocumentCheckpointStore struct {
	coll       docstore.Collection
	log        *slog.Logger
	maxRetries int
}

func NewDocumentCheckpointStore(ctx context.Context, store docstore.Store, opts ...Option) (*DocumentCheckpointStore, error) {
	coll, err := store.Collection(ctx, CheckpointCollection)
	if err != nil {
		return nil, fmt.Errorf("open %s collection: %w", CheckpointCollection, err)
	}
	o := newComponentOpts(opts...)
	return &DocumentCheckpointStore{
		coll:       coll,
		log:        o.log.With(slog.String("component", "checkpoint_store")),
		maxRetries: defaultCheckpointRetries,
	}, nil
}

func (s *DocumentCheckpointStore) Load(ctx context.Context, id string) (uint64, bool, error) {
	doc, _, err := docstore.FindOne[checkpointDoc](ctx, s.coll, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	return doc.Position, true, nil
}

func (s *DocumentCheckpointStore) Store(ctx context.Context, id string, position uint64) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		doc, version, err := docstore.FindOne[checkpointDoc](ctx, s.coll, id)
		switch {
		case err == nil:
			if doc.Position >= position {
				return nil
			}
		case errors.Is(err, docstore.ErrNotFound):
			version = 0
		default:
			return fmt.Errorf("%w: %s: %w", ErrFailedToStoreCheckpoint, id, err)
		}

		data, err := json.Marshal(checkpointDoc{ID: id, Position: position})
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrFailedToStoreCheckpoint, id, err)
		}
		_, err = s.coll.UpdateOne(ctx, id, data, docstore.UpdateOptions{
			Upsert:          true,
			ExpectedVersion: docstore.Version(version),
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, docstore.ErrVersionMismatch) {
			return fmt.Errorf("%w: %s: %w", ErrFailedToStoreCheckpoint, id, err)
		}
		s.log.Debug("checkpoint write raced, retrying", slog.String("subscription", id), slog.Int("attempt", attempt+1))
	}
	return fmt.Errorf("%w: %s: %w", ErrFailedToStoreCheckpoint, id, docstore.ErrVersionMismatch)
}

var (
	_ CheckpointStore = (*InMemoryCheckpointStore)(nil)
	_ CheckpointStore = (*DocumentCheckpointStore)(nil)
)
