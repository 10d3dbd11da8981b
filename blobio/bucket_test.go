package blobio

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenBucketFileScheme(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tiles.versatiles"), []byte("0123456789"), 0o644))

	bucketURL := "file://" + filepath.ToSlash(dir)
	r, err := OpenBucket(context.Background(), bucketURL, "tiles.versatiles")
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, uint64(10), r.Size())

	data, err := r.ReadRange(context.Background(), 2, 4)
	require.NoError(t, err)
	assert.Equal(t, "2345", string(data))

	all, err := r.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(all))
}

func TestOpenBucketMissingKey(t *testing.T) {
	dir := t.TempDir()
	bucketURL := "file://" + filepath.ToSlash(dir)
	_, err := OpenBucket(context.Background(), bucketURL, "missing.versatiles")
	assert.Error(t, err)
}
