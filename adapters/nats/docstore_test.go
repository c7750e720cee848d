package nats

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/escore/ports/docstore/docstoretest"
)

func TestBucketName(t *testing.T) {
	require.Equal(t, "escore_read_model-1", bucketName("escore", "read.model-1"))
	require.Equal(t, "ESCORE_X", sanitizeStreamName("escore.x"))
}

func TestDocStore(t *testing.T) {
	store, err := NewDocStore(t.Context(), DocStoreConfig{Connect: NewTestContainer(t), BucketPrefix: "test"})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	docstoretest.Run(t, store)
}
