package minio

import (
	"context"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/blobstore"
)

// TestStoreIntegration exercises the store against a live MinIO instance
// and skips when none is reachable.
func TestStoreIntegration(t *testing.T) {
	client, err := minio.New("localhost:9000", &minio.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Secure: false,
	})
	if err != nil {
		t.Skipf("minio client creation failed: %v", err)
	}

	ctx := context.Background()
	if _, err := client.ListBuckets(ctx); err != nil {
		t.Skipf("minio not available: %v", err)
	}

	const bucket = "quiver-test"
	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	store := NewStore(client, bucket, "it/")

	require.NoError(t, store.Put(ctx, "indices/u1/index.qvi", []byte("hello minio")))

	blob, err := store.Open(ctx, "indices/u1/index.qvi")
	require.NoError(t, err)
	defer blob.Close()
	assert.EqualValues(t, 11, blob.Size())

	buf := make([]byte, 5)
	n, err := blob.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "minio", string(buf))

	names, err := store.List(ctx, "indices/")
	require.NoError(t, err)
	assert.Contains(t, names, "indices/u1/index.qvi")

	require.NoError(t, store.Delete(ctx, "indices/u1/index.qvi"))
	_, err = store.Open(ctx, "indices/u1/index.qvi")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
