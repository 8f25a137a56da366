package snapshot

import (
	"context"
	"sort"
	"time"

	"github.com/atelier-dev/atelier/internal/project/models"
)

// TimelineNode is one checkpoint in the session timeline.
type TimelineNode struct {
	ID             string    `json:"id"`
	MessageID      string    `json:"message_id"`
	ParentID       string    `json:"parent_id,omitempty"`
	ActiveChildID  string    `json:"active_child_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	MessageText    string    `json:"message_text"`
	IsOnActivePath bool      `json:"is_on_active_path"`
	IsOrphaned     bool      `json:"is_orphaned"`
	IsCurrent      bool      `json:"is_current"`
	HasSnapshot    bool      `json:"has_snapshot"`
	FilesChanged   int       `json:"files_changed"`
	Insertions     int       `json:"insertions"`
	Deletions      int       `json:"deletions"`
}

// Timeline is the checkpoint tree of a session as presented to clients.
type Timeline struct {
	Nodes         []TimelineNode `json:"nodes"`
	CurrentHeadID string         `json:"current_head_id"`
}

const timelineTextLimit = 100

// BuildTimeline derives the checkpoint timeline for a session. Per-node stats
// aggregate the snapshots created strictly between the node's timestamp and
// the chronologically next checkpoint's timestamp.
func (e *Engine) BuildTimeline(ctx context.Context, sessionID string) (*Timeline, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	tree, err := e.buildCheckpointTree(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	states, err := e.store.GetCheckpointStates(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	headCheckpoint := ""
	if session.CurrentHeadMessageID != "" {
		headCheckpoint = tree.coveringCheckpoint(session.CurrentHeadMessageID)
	}
	activePath := map[string]bool{}
	for _, id := range tree.pathToRoot(headCheckpoint) {
		activePath[id] = true
	}

	ordered := make([]*models.Message, len(tree.checkpoints))
	copy(ordered, tree.checkpoints)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	timeline := &Timeline{CurrentHeadID: session.CurrentHeadMessageID}
	for i, cp := range ordered {
		var until time.Time
		if i+1 < len(ordered) {
			until = ordered[i+1].Timestamp
		}
		snaps, err := e.store.ListSnapshotsBetween(ctx, sessionID, cp.Timestamp, until)
		if err != nil {
			return nil, err
		}

		node := TimelineNode{
			ID:            cp.ID,
			MessageID:     cp.ID,
			ParentID:      tree.parentOf[cp.ID],
			ActiveChildID: states[cp.ID],
			Timestamp:     cp.Timestamp,
			MessageText:   truncateText(cp.Content, timelineTextLimit),
			IsCurrent:     cp.ID == headCheckpoint,
		}
		node.IsOnActivePath = activePath[cp.ID]
		// Anything off the HEAD-to-root path is orphaned, including sibling
		// branches of the checkpoint covering HEAD. With no HEAD there is no
		// active path and nothing to orphan against.
		node.IsOrphaned = headCheckpoint != "" && !node.IsOnActivePath
		node.HasSnapshot = len(snaps) > 0 || e.hasOwnSnapshot(ctx, cp.ID)
		for _, s := range snaps {
			node.FilesChanged += s.FilesChanged
			node.Insertions += s.Insertions
			node.Deletions += s.Deletions
		}
		timeline.Nodes = append(timeline.Nodes, node)
	}
	return timeline, nil
}

func (e *Engine) hasOwnSnapshot(ctx context.Context, messageID string) bool {
	_, err := e.store.GetSnapshotByMessage(ctx, messageID)
	return err == nil
}

func truncateText(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
