package nats

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/escore/ports/docstore"
)

const defaultBucketPrefix = "escore"

type DocStoreConfig struct {
	Connect      Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log          *slog.Logger // Log for diagnostics (optional)
	BucketPrefix string
	Storage      jetstream.StorageType
}

// DocStore keeps every collection in its own JetStream key value bucket.
// Document versions are the bucket revisions of their keys.
type DocStore struct {
	nc          *natsgo.Conn
	closeNc     closeFunc
	js          jetstream.JetStream
	log         *slog.Logger
	prefix      string
	storage     jetstream.StorageType
	mu          sync.Mutex
	collections map[string]*kvCollection
	closeOnce   sync.Once
}

func NewDocStore(ctx context.Context, cfg DocStoreConfig) (*DocStore, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		closeNatsCon()
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNatsCon()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	prefix := cfg.BucketPrefix
	if prefix == "" {
		prefix = defaultBucketPrefix
	}

	return &DocStore{
		nc:          nc,
		closeNc:     closeNatsCon,
		js:          js,
		log:         log.With(slog.String("docstore", "nats_kv")),
		prefix:      prefix,
		storage:     cfg.Storage,
		collections: map[string]*kvCollection{},
	}, nil
}

func (s *DocStore) Close() {
	s.closeOnce.Do(func() {
		s.closeNc()
		s.log.Debug("closed document store")
	})
}

func (s *DocStore) Collection(ctx context.Context, name string) (docstore.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[name]; ok {
		return c, nil
	}

	bucket := bucketName(s.prefix, name)
	kv, err := s.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "documents of collection " + name,
		Storage:     s.storage,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", bucket, err)
	}
	s.log.Debug("ensured bucket", slog.String("bucket", bucket), slog.String("collection", name))

	c := &kvCollection{kv: kv}
	s.collections[name] = c
	return c, nil
}

// bucketName keeps to the characters allowed in bucket names.
func bucketName(prefix, collection string) string {
	name := []byte(prefix + "_" + collection)
	for i, b := range name {
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9', b == '-', b == '_':
		default:
			name[i] = '_'
		}
	}
	return string(name)
}

type kvCollection struct {
	kv jetstream.KeyValue
}

// key encodes a document id into the restricted key alphabet.
func key(id string) (string, error) {
	if id == "" {
		return "", errors.New("empty document id")
	}
	return base64.RawURLEncoding.EncodeToString([]byte(id)), nil
}

func (c *kvCollection) FindOne(ctx context.Context, id string) (docstore.Document, error) {
	k, err := key(id)
	if err != nil {
		return docstore.Document{}, err
	}
	entry, err := c.kv.Get(ctx, k)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return docstore.Document{}, docstore.ErrNotFound
		}
		return docstore.Document{}, err
	}
	return docstore.Document{ID: id, Data: entry.Value(), Version: entry.Revision()}, nil
}

func (c *kvCollection) UpdateOne(ctx context.Context, id string, data []byte, opts docstore.UpdateOptions) (uint64, error) {
	k, err := key(id)
	if err != nil {
		return 0, err
	}

	var rev uint64
	switch {
	case opts.ExpectedVersion != nil && *opts.ExpectedVersion == 0:
		rev, err = c.kv.Create(ctx, k, data)
	case opts.ExpectedVersion != nil:
		rev, err = c.kv.Update(ctx, k, data, *opts.ExpectedVersion)
	case opts.Upsert:
		rev, err = c.kv.Put(ctx, k, data)
	default:
		if _, err := c.FindOne(ctx, id); err != nil {
			return 0, err
		}
		rev, err = c.kv.Put(ctx, k, data)
	}
	if err != nil {
		if isWrongLastSequence(err) {
			return 0, docstore.ErrVersionMismatch
		}
		return 0, err
	}
	return rev, nil
}

func (c *kvCollection) DeleteOne(ctx context.Context, id string) error {
	k, err := key(id)
	if err != nil {
		return err
	}
	if err := c.kv.Delete(ctx, k); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return err
	}
	return nil
}

func isWrongLastSequence(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == errCodeWrongLastSequence
}

// sanitizeStreamName is used for names handed in by callers.
func sanitizeStreamName(name string) string {
	return strings.ToUpper(bucketName("", name)[1:])
}

var (
	_ docstore.Store      = (*DocStore)(nil)
	_ docstore.Collection = (*kvCollection)(nil)
)
