// Package snapshot implements the content-addressed project snapshot engine:
// blob and tree storage, capture/restore, and the checkpoint tree over chat
// messages.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
)

// BlobStore stores gzip-compressed file blobs keyed by SHA-256 of the raw
// bytes, plus snapshot tree files. The store is append-only: writing a blob
// whose hash already exists is a no-op.
type BlobStore struct {
	dir string

	mu        sync.Mutex
	fileCache map[string]fileCacheEntry
}

type fileCacheEntry struct {
	mtimeMs int64
	size    int64
	hash    string
}

// HashFileResult is the outcome of HashFile. Content is populated only on a
// cache miss, when the file had to be read anyway.
type HashFileResult struct {
	Hash    string
	Content []byte
	Cached  bool
}

// NewBlobStore creates a blob store rooted at dir, with `blobs/` and `trees/`
// subdirectories.
func NewBlobStore(dir string) (*BlobStore, error) {
	for _, sub := range []string{"blobs", "trees"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}
	return &BlobStore{dir: dir, fileCache: make(map[string]fileCacheEntry)}, nil
}

// HashContent returns the SHA-256 of the raw bytes as lowercase hex.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (b *BlobStore) blobPath(hash string) string {
	return filepath.Join(b.dir, "blobs", hash[:2], hash+".gz")
}

func (b *BlobStore) treePath(snapshotID string) string {
	return filepath.Join(b.dir, "trees", snapshotID+".json")
}

// HasBlob reports whether a blob with the given hash exists on disk.
func (b *BlobStore) HasBlob(hash string) bool {
	_, err := os.Stat(b.blobPath(hash))
	return err == nil
}

// StoreBlob writes the content as a gzip-compressed blob and returns its
// hash. Existing blobs are left untouched; concurrent writers of the same
// hash are idempotent because the final rename is atomic.
func (b *BlobStore) StoreBlob(data []byte) (string, error) {
	hash := HashContent(data)
	path := b.blobPath(hash)

	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return "", fmt.Errorf("failed to compress blob: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("failed to finish compressing blob: %w", err)
	}

	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return "", err
	}
	return hash, nil
}

// ReadBlob reads and decompresses a blob.
func (b *BlobStore) ReadBlob(hash string) ([]byte, error) {
	f, err := os.Open(b.blobPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s: %w", hash, os.ErrNotExist)
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob %s: %w", hash, err)
	}
	defer func() { _ = gz.Close() }()

	return io.ReadAll(gz)
}

// StoreTree persists a tree file mapping relative paths to blob hashes.
func (b *BlobStore) StoreTree(snapshotID string, tree map[string]string) error {
	data, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("failed to marshal tree: %w", err)
	}
	return writeFileAtomic(b.treePath(snapshotID), data)
}

// ReadTree loads a tree file.
func (b *BlobStore) ReadTree(snapshotID string) (map[string]string, error) {
	data, err := os.ReadFile(b.treePath(snapshotID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("tree %s: %w", snapshotID, os.ErrNotExist)
		}
		return nil, err
	}
	var tree map[string]string
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to parse tree %s: %w", snapshotID, err)
	}
	return tree, nil
}

// HasTree reports whether a tree file exists for the snapshot.
func (b *BlobStore) HasTree(snapshotID string) bool {
	_, err := os.Stat(b.treePath(snapshotID))
	return err == nil
}

// ResolveTree reads every blob referenced by the tree in parallel and returns
// path → raw bytes.
func (b *BlobStore) ResolveTree(tree map[string]string) (map[string][]byte, error) {
	var mu sync.Mutex
	result := make(map[string][]byte, len(tree))

	g := new(errgroup.Group)
	g.SetLimit(16)
	for path, hash := range tree {
		path, hash := path, hash
		g.Go(func() error {
			data, err := b.ReadBlob(hash)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", path, err)
			}
			mu.Lock()
			result[path] = data
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// HashFile hashes a file through the mtime+size cache. When the cache entry
// matches, the stored hash is returned without reading the file; otherwise
// the file is read, hashed, stored as a blob, and the cache updated.
func (b *BlobStore) HashFile(fullPath string) (HashFileResult, error) {
	info, err := os.Stat(fullPath)
	if err != nil {
		return HashFileResult{}, err
	}
	mtimeMs := info.ModTime().UnixMilli()
	size := info.Size()

	b.mu.Lock()
	entry, ok := b.fileCache[fullPath]
	b.mu.Unlock()
	if ok && entry.mtimeMs == mtimeMs && entry.size == size {
		return HashFileResult{Hash: entry.hash, Cached: true}, nil
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return HashFileResult{}, err
	}
	hash, err := b.StoreBlob(data)
	if err != nil {
		return HashFileResult{}, err
	}

	b.mu.Lock()
	b.fileCache[fullPath] = fileCacheEntry{mtimeMs: mtimeMs, size: size, hash: hash}
	b.mu.Unlock()

	return HashFileResult{Hash: hash, Content: data}, nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
