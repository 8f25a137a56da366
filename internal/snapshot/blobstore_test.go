package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBlobStore(t *testing.T) *BlobStore {
	t.Helper()
	store, err := NewBlobStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestBlobRoundTripProperty(t *testing.T) {
	store := newTestBlobStore(t)

	properties := gopter.NewProperties(nil)
	properties.Property("read(store(b)) == b for all byte sequences", prop.ForAll(
		func(data []byte) bool {
			hash, err := store.StoreBlob(data)
			if err != nil {
				return false
			}
			got, err := store.ReadBlob(hash)
			if err != nil {
				return false
			}
			if len(got) == 0 && len(data) == 0 {
				return true
			}
			return string(got) == string(data)
		},
		gen.SliceOf(gen.UInt8()),
	))
	properties.TestingRun(t)
}

func TestStoreBlobIdempotent(t *testing.T) {
	store := newTestBlobStore(t)

	data := []byte("hello blob")
	hash1, err := store.StoreBlob(data)
	require.NoError(t, err)

	path := store.blobPath(hash1)
	info1, err := os.Stat(path)
	require.NoError(t, err)

	// Second store of the same content must not rewrite the file.
	time.Sleep(10 * time.Millisecond)
	hash2, err := store.StoreBlob(data)
	require.NoError(t, err)
	assert.Equal(t, hash1, hash2)

	info2, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info1.ModTime(), info2.ModTime())
}

func TestBlobBinarySafe(t *testing.T) {
	store := newTestBlobStore(t)

	// PNG-style header plus embedded NULs and invalid UTF-8.
	data := []byte{0x89, 'P', 'N', 'G', 0x00, 0x00, 0xFF, 0xFE, 0x0D, 0x0A, 0x1A, 0x0A}
	hash, err := store.StoreBlob(data)
	require.NoError(t, err)

	got, err := store.ReadBlob(hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestBlobShardedLayout(t *testing.T) {
	store := newTestBlobStore(t)

	hash, err := store.StoreBlob([]byte("sharded"))
	require.NoError(t, err)

	expected := filepath.Join(store.dir, "blobs", hash[:2], hash+".gz")
	_, err = os.Stat(expected)
	assert.NoError(t, err)
	assert.True(t, store.HasBlob(hash))
}

func TestReadBlobMissing(t *testing.T) {
	store := newTestBlobStore(t)
	_, err := store.ReadBlob("deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestTreeRoundTrip(t *testing.T) {
	store := newTestBlobStore(t)

	tree := map[string]string{
		"a.txt":          "1111",
		"dir/b.txt":      "2222",
		"dir/deep/c.bin": "3333",
	}
	require.NoError(t, store.StoreTree("snap-1", tree))
	assert.True(t, store.HasTree("snap-1"))

	got, err := store.ReadTree("snap-1")
	require.NoError(t, err)
	assert.Equal(t, tree, got)
}

func TestResolveTree(t *testing.T) {
	store := newTestBlobStore(t)

	ha, err := store.StoreBlob([]byte("content a"))
	require.NoError(t, err)
	hb, err := store.StoreBlob([]byte("content b"))
	require.NoError(t, err)

	resolved, err := store.ResolveTree(map[string]string{"a.txt": ha, "b.txt": hb})
	require.NoError(t, err)
	assert.Equal(t, []byte("content a"), resolved["a.txt"])
	assert.Equal(t, []byte("content b"), resolved["b.txt"])
}

func TestHashFileCache(t *testing.T) {
	store := newTestBlobStore(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))

	r1, err := store.HashFile(path)
	require.NoError(t, err)
	assert.False(t, r1.Cached)
	assert.Equal(t, []byte("v1"), r1.Content)

	// Unchanged file: served from cache, no content.
	r2, err := store.HashFile(path)
	require.NoError(t, err)
	assert.True(t, r2.Cached)
	assert.Nil(t, r2.Content)
	assert.Equal(t, r1.Hash, r2.Hash)

	// Modified file: cache miss, new hash.
	require.NoError(t, os.WriteFile(path, []byte("v2 longer"), 0644))
	r3, err := store.HashFile(path)
	require.NoError(t, err)
	assert.False(t, r3.Cached)
	assert.NotEqual(t, r1.Hash, r3.Hash)
}
