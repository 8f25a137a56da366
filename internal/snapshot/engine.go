package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/events"
	"github.com/atelier-dev/atelier/internal/project/models"
	"github.com/atelier-dev/atelier/internal/project/store"
)

// Delta describes the difference between two snapshot trees, comparing blob
// hashes only. Added and Modified map path → new blob hash.
type Delta struct {
	Added    map[string]string `json:"added"`
	Modified map[string]string `json:"modified"`
	Deleted  []string          `json:"deleted"`
}

// RestoreResult reports what a restore actually wrote. Restore is best-effort
// across many files; on error the partial set is still reported.
type RestoreResult struct {
	Written []string `json:"written"`
	Deleted []string `json:"deleted"`
}

// Engine captures and restores project state and maintains the checkpoint
// tree over chat messages.
type Engine struct {
	blobs       *BlobStore
	store       *store.Store
	emitter     *events.Emitter
	maxFileSize int64
	logger      *logger.Logger
}

// NewEngine creates a snapshot engine.
func NewEngine(blobs *BlobStore, st *store.Store, emitter *events.Emitter, maxFileSize int64, log *logger.Logger) *Engine {
	return &Engine{
		blobs:       blobs,
		store:       st,
		emitter:     emitter,
		maxFileSize: maxFileSize,
		logger:      log.WithFields(zap.String("component", "snapshot_engine")),
	}
}

// Capture records the current project state as a snapshot attached to a
// message. Failures never corrupt previously stored snapshots.
func (e *Engine) Capture(ctx context.Context, projectPath, projectID, sessionID, messageID string) (*models.Snapshot, error) {
	files, err := enumerateFiles(ctx, projectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate files: %w", err)
	}

	tree := make(map[string]string, len(files))
	contents := make(map[string][]byte)
	var totalSize int64

	for _, rel := range files {
		full := filepath.Join(projectPath, filepath.FromSlash(rel))
		info, err := os.Stat(full)
		if err != nil {
			// File disappeared between enumeration and hashing.
			continue
		}
		if info.Size() > e.maxFileSize {
			e.logger.Debug("skipping large file", zap.String("path", rel), zap.Int64("size", info.Size()))
			continue
		}
		result, err := e.blobs.HashFile(full)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", rel, err)
		}
		tree[rel] = result.Hash
		if result.Content != nil {
			contents[rel] = result.Content
		}
		totalSize += info.Size()
	}

	prevTree := map[string]string{}
	parentSnapshotID := ""
	prev, err := e.store.GetLatestSnapshot(ctx, sessionID)
	if err == nil {
		parentSnapshotID = prev.ID
		prevTree, err = e.treeForSnapshot(ctx, prev)
		if err != nil {
			e.logger.Warn("failed to load previous tree, treating all files as added",
				zap.String("snapshot_id", prev.ID), zap.Error(err))
			prevTree = map[string]string{}
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	delta := computeDelta(prevTree, tree)
	stats, err := e.deltaStats(delta, prevTree, tree, contents)
	if err != nil {
		return nil, err
	}

	snapshot := &models.Snapshot{
		MessageID:        messageID,
		SessionID:        sessionID,
		ProjectID:        projectID,
		SnapshotType:     models.SnapshotDelta,
		ParentSnapshotID: parentSnapshotID,
		DeltaChanges:     mustJSON(delta),
		FilesChanged:     stats.FilesChanged,
		Insertions:       stats.Insertions,
		Deletions:        stats.Deletions,
	}
	if parentSnapshotID == "" {
		snapshot.SnapshotType = models.SnapshotFull
	}

	// Persist the tree file first; a snapshot row must never reference a
	// missing tree.
	snapshot.ID = uuid.New().String()
	if err := e.blobs.StoreTree(snapshot.ID, tree); err != nil {
		return nil, fmt.Errorf("failed to store tree: %w", err)
	}
	snapshot.TreeHash = HashContent([]byte(mustJSON(tree)))

	if err := e.store.CreateSnapshot(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("failed to store snapshot row: %w", err)
	}

	e.logger.Info("captured snapshot",
		zap.String("snapshot_id", snapshot.ID),
		zap.String("session_id", sessionID),
		zap.Int("files", len(tree)),
		zap.Int("files_changed", stats.FilesChanged),
		zap.Int64("total_size", totalSize))
	return snapshot, nil
}

// Restore materializes a snapshot into the project directory: deletes files
// absent from the target tree and writes files whose bytes differ. Writes
// are binary-exact. On error the partial result is returned alongside it.
func (e *Engine) Restore(ctx context.Context, projectPath string, snapshot *models.Snapshot) (*RestoreResult, error) {
	target, err := e.treeForSnapshot(ctx, snapshot)
	if err != nil {
		return nil, err
	}

	current, err := enumerateFiles(ctx, projectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate files: %w", err)
	}

	result := &RestoreResult{}

	for _, rel := range current {
		if _, ok := target[rel]; ok {
			continue
		}
		full := filepath.Join(projectPath, filepath.FromSlash(rel))
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return result, fmt.Errorf("failed to delete %s: %w", rel, err)
		}
		result.Deleted = append(result.Deleted, rel)
	}

	for rel, hash := range target {
		full := filepath.Join(projectPath, filepath.FromSlash(rel))

		if existing, err := os.ReadFile(full); err == nil && HashContent(existing) == hash {
			continue
		}
		data, err := e.blobs.ReadBlob(hash)
		if err != nil {
			return result, fmt.Errorf("failed to read blob for %s: %w", rel, err)
		}
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return result, fmt.Errorf("failed to create directory for %s: %w", rel, err)
		}
		if err := os.WriteFile(full, data, 0644); err != nil {
			return result, fmt.Errorf("failed to write %s: %w", rel, err)
		}
		result.Written = append(result.Written, rel)
	}

	return result, nil
}

// treeForSnapshot materializes a snapshot's path → hash tree. New-format
// snapshots read their tree file directly; legacy delta-only snapshots replay
// the delta chain from the root.
func (e *Engine) treeForSnapshot(ctx context.Context, snapshot *models.Snapshot) (map[string]string, error) {
	if snapshot.TreeHash != "" && e.blobs.HasTree(snapshot.ID) {
		return e.blobs.ReadTree(snapshot.ID)
	}
	return e.replayDeltaChain(ctx, snapshot)
}

// replayDeltaChain rebuilds a tree by walking parent_snapshot_id to the root
// and applying each delta in order. A visited set guards against cycles in
// corrupted chains.
func (e *Engine) replayDeltaChain(ctx context.Context, snapshot *models.Snapshot) (map[string]string, error) {
	var chain []*models.Snapshot
	visited := make(map[string]bool)

	for cur := snapshot; cur != nil; {
		if visited[cur.ID] {
			return nil, fmt.Errorf("snapshot chain cycle at %s", cur.ID)
		}
		visited[cur.ID] = true
		chain = append(chain, cur)
		if cur.ParentSnapshotID == "" {
			break
		}
		parent, err := e.store.GetSnapshot(ctx, cur.ParentSnapshotID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				break
			}
			return nil, err
		}
		cur = parent
	}

	tree := make(map[string]string)
	for i := len(chain) - 1; i >= 0; i-- {
		var delta Delta
		if chain[i].DeltaChanges == "" {
			continue
		}
		if err := json.Unmarshal([]byte(chain[i].DeltaChanges), &delta); err != nil {
			return nil, fmt.Errorf("bad delta in snapshot %s: %w", chain[i].ID, err)
		}
		for path, hash := range delta.Added {
			tree[path] = hash
		}
		for path, hash := range delta.Modified {
			tree[path] = hash
		}
		for _, path := range delta.Deleted {
			delete(tree, path)
		}
	}
	return tree, nil
}

// computeDelta diffs two trees by hash only.
func computeDelta(oldTree, newTree map[string]string) Delta {
	delta := Delta{
		Added:    map[string]string{},
		Modified: map[string]string{},
		Deleted:  []string{},
	}
	for path, hash := range newTree {
		oldHash, ok := oldTree[path]
		switch {
		case !ok:
			delta.Added[path] = hash
		case oldHash != hash:
			delta.Modified[path] = hash
		}
	}
	for path := range oldTree {
		if _, ok := newTree[path]; !ok {
			delta.Deleted = append(delta.Deleted, path)
		}
	}
	return delta
}

// deltaStats computes line-level statistics for the changed paths. New-side
// content comes from the capture pass when available, otherwise from the blob
// store; old-side content always comes from the blob store.
func (e *Engine) deltaStats(delta Delta, oldTree, newTree map[string]string, contents map[string][]byte) (DiffStats, error) {
	stats := DiffStats{}

	readNew := func(path string) ([]byte, error) {
		if data, ok := contents[path]; ok {
			return data, nil
		}
		return e.blobs.ReadBlob(newTree[path])
	}

	for path := range delta.Added {
		data, err := readNew(path)
		if err != nil {
			return stats, err
		}
		ins, del := lineStats(nil, data)
		stats.FilesChanged++
		stats.Insertions += ins
		stats.Deletions += del
	}
	for path := range delta.Modified {
		oldData, err := e.blobs.ReadBlob(oldTree[path])
		if err != nil {
			return stats, err
		}
		newData, err := readNew(path)
		if err != nil {
			return stats, err
		}
		ins, del := lineStats(oldData, newData)
		stats.FilesChanged++
		stats.Insertions += ins
		stats.Deletions += del
	}
	for _, path := range delta.Deleted {
		oldData, err := e.blobs.ReadBlob(oldTree[path])
		if err != nil {
			return stats, err
		}
		ins, del := lineStats(oldData, nil)
		stats.FilesChanged++
		stats.Insertions += ins
		stats.Deletions += del
	}
	return stats, nil
}

func mustJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}
