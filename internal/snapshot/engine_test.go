package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/events"
	"github.com/atelier-dev/atelier/internal/events/bus"
	"github.com/atelier-dev/atelier/internal/project/models"
	"github.com/atelier-dev/atelier/internal/project/store"
)

const testMaxFileSize = 5 * 1024 * 1024

type testEnv struct {
	engine  *Engine
	store   *store.Store
	bus     *bus.MemoryEventBus
	project string
}

func newTestEngine(t *testing.T) *testEnv {
	t.Helper()
	log := logger.Default()

	st, err := store.Open(filepath.Join(t.TempDir(), "atelier.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	blobs, err := NewBlobStore(t.TempDir())
	require.NoError(t, err)

	memBus := bus.NewMemoryEventBus(log)
	emitter := events.NewEmitter(memBus, "test")

	return &testEnv{
		engine:  NewEngine(blobs, st, emitter, testMaxFileSize, log),
		store:   st,
		bus:     memBus,
		project: t.TempDir(),
	}
}

func (env *testEnv) writeFile(t *testing.T, rel string, data []byte) {
	t.Helper()
	full := filepath.Join(env.project, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, data, 0644))
}

func (env *testEnv) newSession(t *testing.T) *models.ChatSession {
	t.Helper()
	ctx := context.Background()
	project := &models.Project{Name: "test", AbsolutePath: env.project}
	require.NoError(t, env.store.CreateProject(ctx, project))
	session := &models.ChatSession{ProjectID: project.ID, Title: "test"}
	require.NoError(t, env.store.CreateSession(ctx, session))
	return session
}

func (env *testEnv) addMessage(t *testing.T, sessionID string, role models.MessageRole, content, parentID string, at time.Time) *models.Message {
	t.Helper()
	m := &models.Message{
		SessionID:       sessionID,
		Role:            role,
		Content:         content,
		ParentMessageID: parentID,
		Timestamp:       at,
	}
	require.NoError(t, env.store.CreateMessage(context.Background(), m))
	return m
}

func TestCaptureRestoreRoundTrip(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	session := env.newSession(t)
	m1 := env.addMessage(t, session.ID, models.RoleUser, "start", "", time.Now().UTC())

	png := append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 4096)...)
	env.writeFile(t, "a.txt", []byte("hi"))
	env.writeFile(t, "img.png", png)

	snap, err := env.engine.Capture(ctx, env.project, session.ProjectID, session.ID, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SnapshotFull, snap.SnapshotType)
	assert.NotEmpty(t, snap.TreeHash)

	// Mutate then restore: files return bit-exact, nothing extra.
	env.writeFile(t, "a.txt", []byte("bye"))
	env.writeFile(t, "extra.txt", []byte("should go away"))

	result, err := env.engine.Restore(ctx, env.project, snap)
	require.NoError(t, err)
	assert.Contains(t, result.Written, "a.txt")
	assert.Contains(t, result.Deleted, "extra.txt")

	got, err := os.ReadFile(filepath.Join(env.project, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), got)

	gotPNG, err := os.ReadFile(filepath.Join(env.project, "img.png"))
	require.NoError(t, err)
	assert.Equal(t, png, gotPNG)

	_, err = os.Stat(filepath.Join(env.project, "extra.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestCaptureDeltaDeduplicates(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	session := env.newSession(t)
	base := time.Now().UTC()
	m1 := env.addMessage(t, session.ID, models.RoleUser, "one", "", base)
	m2 := env.addMessage(t, session.ID, models.RoleUser, "two", m1.ID, base.Add(time.Second))

	env.writeFile(t, "stable.txt", []byte("unchanged\n"))
	env.writeFile(t, "edited.txt", []byte("v1\n"))

	s1, err := env.engine.Capture(ctx, env.project, session.ProjectID, session.ID, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, s1.FilesChanged)

	env.writeFile(t, "edited.txt", []byte("v2\n"))

	s2, err := env.engine.Capture(ctx, env.project, session.ProjectID, session.ID, m2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SnapshotDelta, s2.SnapshotType)
	assert.Equal(t, s1.ID, s2.ParentSnapshotID)
	assert.Equal(t, 1, s2.FilesChanged)
	assert.Equal(t, 1, s2.Insertions)
	assert.Equal(t, 1, s2.Deletions)

	tree1, err := env.engine.blobs.ReadTree(s1.ID)
	require.NoError(t, err)
	tree2, err := env.engine.blobs.ReadTree(s2.ID)
	require.NoError(t, err)
	// Unchanged content shares the same blob across snapshots.
	assert.Equal(t, tree1["stable.txt"], tree2["stable.txt"])
	assert.NotEqual(t, tree1["edited.txt"], tree2["edited.txt"])
}

func TestCaptureSkipsLargeFiles(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	session := env.newSession(t)
	m1 := env.addMessage(t, session.ID, models.RoleUser, "start", "", time.Now().UTC())

	env.writeFile(t, "small.txt", []byte("kept"))
	env.writeFile(t, "huge.bin", make([]byte, testMaxFileSize+1))

	snap, err := env.engine.Capture(ctx, env.project, session.ProjectID, session.ID, m1.ID)
	require.NoError(t, err)

	tree, err := env.engine.blobs.ReadTree(snap.ID)
	require.NoError(t, err)
	assert.Contains(t, tree, "small.txt")
	assert.NotContains(t, tree, "huge.bin")
}

func TestRestorePicksDeepestSnapshot(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	session := env.newSession(t)
	base := time.Now().UTC()

	m1 := env.addMessage(t, session.ID, models.RoleUser, "do something", "", base)
	env.writeFile(t, "work.txt", []byte("state A\n"))
	_, err := env.engine.Capture(ctx, env.project, session.ProjectID, session.ID, m1.ID)
	require.NoError(t, err)

	m2 := env.addMessage(t, session.ID, models.RoleAssistant, "done", m1.ID, base.Add(time.Second))
	env.writeFile(t, "work.txt", []byte("state B\n"))
	snapB, err := env.engine.Capture(ctx, env.project, session.ProjectID, session.ID, m2.ID)
	require.NoError(t, err)

	m3 := env.addMessage(t, session.ID, models.RoleAssistant, "followup", m2.ID, base.Add(2*time.Second))
	require.NoError(t, env.store.UpdateSessionHead(ctx, session.ID, m3.ID))

	// Drift the working tree, then rewind to the checkpoint.
	env.writeFile(t, "work.txt", []byte("drifted\n"))

	_, err = env.engine.RestoreToCheckpoint(ctx, env.project, session.ID, m1.ID)
	require.NoError(t, err)

	// The deepest snapshot below the checkpoint wins, not the checkpoint's own.
	got, err := os.ReadFile(filepath.Join(env.project, "work.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("state B\n"), got)
	assert.NotEmpty(t, snapB.ID)

	updated, err := env.store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, m3.ID, updated.CurrentHeadMessageID)
}

func TestRestoreToCheckpointRejectsNonCheckpoint(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	session := env.newSession(t)
	base := time.Now().UTC()
	m1 := env.addMessage(t, session.ID, models.RoleUser, "start", "", base)
	m2 := env.addMessage(t, session.ID, models.RoleAssistant, "reply", m1.ID, base.Add(time.Second))

	_, err := env.engine.RestoreToCheckpoint(ctx, env.project, session.ID, m2.ID)
	assert.Error(t, err)
}

func TestSessionEndTimestampFallback(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	session := env.newSession(t)
	base := time.Now().UTC()

	// No parent links: only the timestamp fallback can find the tail.
	cp := env.addMessage(t, session.ID, models.RoleUser, "checkpoint", "", base)
	env.addMessage(t, session.ID, models.RoleAssistant, "a1", "", base.Add(time.Second))
	tail := env.addMessage(t, session.ID, models.RoleToolResult, "t1", "", base.Add(2*time.Second))
	env.addMessage(t, session.ID, models.RoleUser, "next checkpoint", "", base.Add(3*time.Second))

	end, err := env.engine.findSessionEnd(ctx, session.ID, cp)
	require.NoError(t, err)
	assert.Equal(t, tail.ID, end.ID)
}

func TestSessionEndParentWalk(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	session := env.newSession(t)
	base := time.Now().UTC()

	cp := env.addMessage(t, session.ID, models.RoleUser, "checkpoint", "", base)
	a1 := env.addMessage(t, session.ID, models.RoleAssistant, "a1", cp.ID, base.Add(time.Second))
	a2 := env.addMessage(t, session.ID, models.RoleAssistant, "a2", a1.ID, base.Add(2*time.Second))
	// A child that is itself a checkpoint must not be crossed.
	env.addMessage(t, session.ID, models.RoleUser, "next", a2.ID, base.Add(3*time.Second))

	end, err := env.engine.findSessionEnd(ctx, session.ID, cp)
	require.NoError(t, err)
	assert.Equal(t, a2.ID, end.ID)
}

func TestTimelineBranches(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	session := env.newSession(t)
	base := time.Now().UTC()

	root := env.addMessage(t, session.ID, models.RoleUser, "root", "", base)
	c1 := env.addMessage(t, session.ID, models.RoleUser, "c1", root.ID, base.Add(time.Second))
	c2 := env.addMessage(t, session.ID, models.RoleUser, "c2", c1.ID, base.Add(2*time.Second))
	c3 := env.addMessage(t, session.ID, models.RoleUser, "c3", c1.ID, base.Add(3*time.Second))
	head := env.addMessage(t, session.ID, models.RoleAssistant, "working under c2", c2.ID, base.Add(4*time.Second))
	require.NoError(t, env.store.UpdateSessionHead(ctx, session.ID, head.ID))

	timeline, err := env.engine.BuildTimeline(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, timeline.Nodes, 4)
	assert.Equal(t, head.ID, timeline.CurrentHeadID)

	nodes := map[string]TimelineNode{}
	for _, n := range timeline.Nodes {
		nodes[n.MessageID] = n
	}

	assert.True(t, nodes[root.ID].IsOnActivePath)
	assert.True(t, nodes[c1.ID].IsOnActivePath)
	assert.True(t, nodes[c2.ID].IsOnActivePath)
	assert.True(t, nodes[c2.ID].IsCurrent)
	assert.False(t, nodes[c3.ID].IsOnActivePath)
	assert.False(t, nodes[c3.ID].IsCurrent)
	// The sibling branch of the HEAD-covering checkpoint is orphaned.
	assert.True(t, nodes[c3.ID].IsOrphaned)
	assert.False(t, nodes[c2.ID].IsOrphaned)
	assert.False(t, nodes[c1.ID].IsOrphaned)

	assert.Equal(t, c1.ID, nodes[c2.ID].ParentID)
	assert.Equal(t, c1.ID, nodes[c3.ID].ParentID)
	assert.Equal(t, root.ID, nodes[c1.ID].ParentID)
}

func TestTimelineOrphanAfterRestore(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	session := env.newSession(t)
	base := time.Now().UTC()

	c1 := env.addMessage(t, session.ID, models.RoleUser, "c1", "", base)
	env.writeFile(t, "f.txt", []byte("one\n"))
	_, err := env.engine.Capture(ctx, env.project, session.ProjectID, session.ID, c1.ID)
	require.NoError(t, err)

	a1 := env.addMessage(t, session.ID, models.RoleAssistant, "a1", c1.ID, base.Add(time.Second))
	c2 := env.addMessage(t, session.ID, models.RoleUser, "c2", a1.ID, base.Add(2*time.Second))
	a2 := env.addMessage(t, session.ID, models.RoleAssistant, "a2", c2.ID, base.Add(3*time.Second))
	require.NoError(t, env.store.UpdateSessionHead(ctx, session.ID, a2.ID))

	// Rewinding to c1 leaves c2 as a descendant of the head checkpoint.
	_, err = env.engine.RestoreToCheckpoint(ctx, env.project, session.ID, c1.ID)
	require.NoError(t, err)

	updated, err := env.store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, a1.ID, updated.CurrentHeadMessageID)

	timeline, err := env.engine.BuildTimeline(ctx, session.ID)
	require.NoError(t, err)
	nodes := map[string]TimelineNode{}
	for _, n := range timeline.Nodes {
		nodes[n.MessageID] = n
	}
	assert.True(t, nodes[c1.ID].IsCurrent)
	assert.True(t, nodes[c1.ID].IsOnActivePath)
	assert.True(t, nodes[c2.ID].IsOrphaned)
}

func TestTimelineAggregatesStats(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	session := env.newSession(t)
	base := time.Now().UTC()

	c1 := env.addMessage(t, session.ID, models.RoleUser, "c1", "", base)
	env.writeFile(t, "f.txt", []byte("one\n"))
	_, err := env.engine.Capture(ctx, env.project, session.ProjectID, session.ID, c1.ID)
	require.NoError(t, err)

	a1 := env.addMessage(t, session.ID, models.RoleAssistant, "a1", c1.ID, base.Add(time.Second))
	env.writeFile(t, "f.txt", []byte("two\n"))
	_, err = env.engine.Capture(ctx, env.project, session.ProjectID, session.ID, a1.ID)
	require.NoError(t, err)

	c2 := env.addMessage(t, session.ID, models.RoleUser, "c2", a1.ID, base.Add(2*time.Second))
	require.NoError(t, env.store.UpdateSessionHead(ctx, session.ID, c2.ID))

	timeline, err := env.engine.BuildTimeline(ctx, session.ID)
	require.NoError(t, err)
	nodes := map[string]TimelineNode{}
	for _, n := range timeline.Nodes {
		nodes[n.MessageID] = n
	}

	// The a1 snapshot falls strictly between c1 and c2, so its stats land
	// on c1's node.
	assert.Equal(t, 1, nodes[c1.ID].FilesChanged)
	assert.Equal(t, 1, nodes[c1.ID].Insertions)
	assert.Equal(t, 1, nodes[c1.ID].Deletions)
	assert.Equal(t, 0, nodes[c2.ID].FilesChanged)
}
