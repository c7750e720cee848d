package estests

import (
	"log/slog"
	"testing"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/escore/adapters/nats"
	"github.com/codewandler/escore/adapters/sqlite"
	"github.com/codewandler/escore/core/es"
	"github.com/codewandler/escore/internal/domain"
	"github.com/codewandler/escore/ports/docstore"
)

type backend struct {
	name  string
	log   es.EventLog
	docs  docstore.Store
	codec *es.Codec
}

func (b backend) reader() *es.StreamReader { return es.NewStreamReader(b.log, b.codec) }
func (b backend) writer() *es.StreamWriter { return es.NewStreamWriter(b.log, b.codec) }

func (b backend) checkpoints(t *testing.T) es.CheckpointStore {
	cps, err := es.NewDocumentCheckpointStore(t.Context(), b.docs)
	require.NoError(t, err)
	return cps
}

func getBackends(t *testing.T) []backend {
	backends := []backend{
		{
			name:  "1. memory",
			log:   es.NewInMemoryLog(),
			docs:  docstore.NewMemStore(),
			codec: domain.NewCodec(),
		},
		func() backend {
			docs, err := sqlite.Open(t.Context(), ":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { _ = docs.Close() })
			return backend{
				name:  "2. memory log, sqlite documents",
				log:   es.NewInMemoryLog(),
				docs:  docs,
				codec: domain.NewCodec(),
			}
		}(),
	}

	if testing.Short() {
		return backends
	}

	connect := nats.NewTestContainer(t)
	eventLog, err := nats.NewEventLog(t.Context(), nats.EventLogConfig{
		Connect:       connect,
		Log:           slog.Default(),
		StreamName:    "ESTESTS_" + gonanoid.MustGenerate("ABCDEFGHIJKLMNOPQRSTUVWXYZ", 8),
		SubjectPrefix: "estests." + gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz", 8),
	})
	require.NoError(t, err)
	t.Cleanup(eventLog.Close)

	docs, err := nats.NewDocStore(t.Context(), nats.DocStoreConfig{
		Connect:      connect,
		BucketPrefix: "estests",
	})
	require.NoError(t, err)
	t.Cleanup(docs.Close)

	return append(backends, backend{
		name:  "3. nats",
		log:   eventLog,
		docs:  docs,
		codec: domain.NewCodec(),
	})
}

type TestFunc func(t *testing.T, b backend)

func eachBackend(testFunc TestFunc) func(t *testing.T) {
	return func(t *testing.T) {
		for _, b := range getBackends(t) {
			t.Run(b.name, func(t *testing.T) {
				testFunc(t, b)
			})
		}
	}
}

// newStream returns a fresh counter stream name so backends can be shared
// between sub tests.
func newStream() string { return domain.Stream(gonanoid.Must()) }

func nopLog() *slog.Logger { return slog.New(slog.DiscardHandler) }
