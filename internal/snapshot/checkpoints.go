package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/project/models"
	"github.com/atelier-dev/atelier/internal/project/store"
	"github.com/atelier-dev/atelier/pkg/websocket"
)

// checkpointTree is the derived tree over checkpoint messages. parentOf maps a
// checkpoint to its nearest checkpoint ancestor; childrenOf is the inverse,
// children sorted by timestamp.
type checkpointTree struct {
	messages    map[string]*models.Message
	checkpoints []*models.Message
	parentOf    map[string]string
	childrenOf  map[string][]string
}

// buildCheckpointTree derives the checkpoint tree for a session from the full
// message list, including soft-deleted messages so orphaned branches remain
// reachable.
func (e *Engine) buildCheckpointTree(ctx context.Context, sessionID string) (*checkpointTree, error) {
	all, err := e.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	tree := &checkpointTree{
		messages:   make(map[string]*models.Message, len(all)),
		parentOf:   make(map[string]string),
		childrenOf: make(map[string][]string),
	}
	for _, m := range all {
		tree.messages[m.ID] = m
	}

	for _, m := range all {
		if !m.IsCheckpoint() {
			continue
		}
		tree.checkpoints = append(tree.checkpoints, m)

		// Walk parent links through non-checkpoint messages until the
		// nearest checkpoint ancestor.
		visited := map[string]bool{m.ID: true}
		cur := tree.messages[m.ParentMessageID]
		for cur != nil && !visited[cur.ID] {
			visited[cur.ID] = true
			if cur.IsCheckpoint() {
				tree.parentOf[m.ID] = cur.ID
				tree.childrenOf[cur.ID] = append(tree.childrenOf[cur.ID], m.ID)
				break
			}
			cur = tree.messages[cur.ParentMessageID]
		}
	}

	for _, children := range tree.childrenOf {
		sort.Slice(children, func(i, j int) bool {
			return tree.messages[children[i]].Timestamp.Before(tree.messages[children[j]].Timestamp)
		})
	}
	return tree, nil
}

// pathToRoot returns the checkpoint IDs from the given checkpoint up to the
// root, starting with the checkpoint itself.
func (t *checkpointTree) pathToRoot(checkpointID string) []string {
	var path []string
	visited := map[string]bool{}
	for id := checkpointID; id != "" && !visited[id]; id = t.parentOf[id] {
		visited[id] = true
		path = append(path, id)
	}
	return path
}

// coveringCheckpoint walks parent links from a message to the nearest
// checkpoint at or above it.
func (t *checkpointTree) coveringCheckpoint(messageID string) string {
	visited := map[string]bool{}
	for cur := t.messages[messageID]; cur != nil && !visited[cur.ID]; cur = t.messages[cur.ParentMessageID] {
		visited[cur.ID] = true
		if cur.IsCheckpoint() {
			return cur.ID
		}
	}
	return ""
}

// findSessionEnd finds the deepest assistant/tool-result descendant of a
// checkpoint without crossing another checkpoint. The parent-based walk runs
// first; if it goes nowhere, a timestamp-based fallback scans chronologically
// forward to the next checkpoint. Both are load-bearing: histories imported
// before parent links existed only work with the fallback.
func (e *Engine) findSessionEnd(ctx context.Context, sessionID string, checkpoint *models.Message) (*models.Message, error) {
	end := checkpoint
	visited := map[string]bool{checkpoint.ID: true}
	for {
		children, err := e.store.ListChildren(ctx, end.ID)
		if err != nil {
			return nil, err
		}
		var next *models.Message
		for _, child := range children {
			if visited[child.ID] || child.IsCheckpoint() {
				continue
			}
			// Children come back sorted by timestamp; the last
			// non-checkpoint child is the deepest continuation.
			next = child
		}
		if next == nil {
			break
		}
		visited[next.ID] = true
		end = next
	}
	if end.ID != checkpoint.ID {
		return end, nil
	}

	// Fallback: no parent links past the checkpoint. Scan forward in time.
	all, err := e.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, m := range all {
		if !m.Timestamp.After(checkpoint.Timestamp) {
			continue
		}
		if m.IsCheckpoint() {
			break
		}
		end = m
	}
	return end, nil
}

// RestoreToCheckpoint rewinds a session to a checkpoint: moves HEAD to the
// checkpoint's session end, repairs the SDK resume pointer, re-activates the
// checkpoint path, restores the deepest on-path snapshot to disk, and
// broadcasts the change to the session room.
func (e *Engine) RestoreToCheckpoint(ctx context.Context, projectPath, sessionID, messageID string) (*RestoreResult, error) {
	target, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !target.IsCheckpoint() {
		return nil, fmt.Errorf("message %s is not a checkpoint", messageID)
	}

	sessionEnd, err := e.findSessionEnd(ctx, sessionID, target)
	if err != nil {
		return nil, err
	}

	if err := e.store.UpdateSessionHead(ctx, sessionID, sessionEnd.ID); err != nil {
		return nil, err
	}

	tree, err := e.buildCheckpointTree(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Nearest sdk_session_id at or above the session end keeps AI resume
	// working after the rewind.
	visited := map[string]bool{}
	for cur := tree.messages[sessionEnd.ID]; cur != nil && !visited[cur.ID]; cur = tree.messages[cur.ParentMessageID] {
		visited[cur.ID] = true
		if cur.SDKSessionID != "" {
			if err := e.store.UpdateSessionSDKSession(ctx, sessionID, cur.SDKSessionID); err != nil {
				return nil, err
			}
			break
		}
	}

	// Re-activate the path from root to the target checkpoint.
	path := tree.pathToRoot(target.ID)
	for i := len(path) - 1; i > 0; i-- {
		parent, child := path[i], path[i-1]
		err := e.store.UpsertCheckpointState(ctx, &models.CheckpointTreeState{
			SessionID:          sessionID,
			ParentCheckpointID: parent,
			ActiveChildID:      child,
		})
		if err != nil {
			return nil, err
		}
	}

	snap, err := e.snapshotForRestore(ctx, tree, sessionEnd.ID, target.ID)
	if err != nil {
		return nil, err
	}

	var result *RestoreResult
	if snap != nil {
		result, err = e.Restore(ctx, projectPath, snap)
		if err != nil {
			return result, err
		}
	} else {
		e.logger.Warn("no snapshot found for checkpoint, skipping file restore",
			zap.String("session_id", sessionID), zap.String("message_id", messageID))
		result = &RestoreResult{}
	}

	if emitErr := e.emitter.EmitChatSession(ctx, sessionID, websocket.ChannelChatMessagesChanged,
		map[string]string{"reason": "restore", "session_id": sessionID}); emitErr != nil {
		e.logger.Warn("failed to broadcast restore", zap.Error(emitErr))
	}

	e.logger.Info("restored to checkpoint",
		zap.String("session_id", sessionID),
		zap.String("checkpoint_id", messageID),
		zap.String("session_end_id", sessionEnd.ID))
	return result, nil
}

// snapshotForRestore walks back from the session end to the target checkpoint
// and picks the deepest message carrying a snapshot. Returns nil when no
// message on the segment has one.
func (e *Engine) snapshotForRestore(ctx context.Context, tree *checkpointTree, sessionEndID, targetID string) (*models.Snapshot, error) {
	visited := map[string]bool{}
	for cur := tree.messages[sessionEndID]; cur != nil && !visited[cur.ID]; cur = tree.messages[cur.ParentMessageID] {
		visited[cur.ID] = true
		snap, err := e.store.GetSnapshotByMessage(ctx, cur.ID)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if cur.ID == targetID {
			break
		}
	}
	return nil, nil
}
