package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/events"
	"github.com/atelier-dev/atelier/internal/events/bus"
	"github.com/atelier-dev/atelier/internal/project/models"
	"github.com/atelier-dev/atelier/internal/project/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "atelier.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	emitter := events.NewEmitter(bus.NewMemoryEventBus(logger.Default()), "test")
	return NewService(st, emitter, logger.Default())
}

func newTestSession(t *testing.T, svc *Service) *models.ChatSession {
	t.Helper()
	ctx := context.Background()
	project, err := svc.CreateProject(ctx, "demo", t.TempDir())
	require.NoError(t, err)
	session, err := svc.CreateSession(ctx, project.ID, "chat", models.EngineClaudeCode, "")
	require.NoError(t, err)
	return session
}

func TestCreateProjectValidatesPath(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateProject(ctx, "bad", "relative/path")
	assert.Error(t, err)

	_, err = svc.CreateProject(ctx, "bad", filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
}

func TestAppendMessageFormsDAG(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	session := newTestSession(t, svc)

	m1, err := svc.AppendMessage(ctx, AppendMessageRequest{
		SessionID: session.ID, Role: models.RoleUser, Content: "first",
	})
	require.NoError(t, err)
	assert.Empty(t, m1.ParentMessageID)

	m2, err := svc.AppendMessage(ctx, AppendMessageRequest{
		SessionID: session.ID, Role: models.RoleAssistant, Content: "second",
	})
	require.NoError(t, err)
	assert.Equal(t, m1.ID, m2.ParentMessageID)

	updated, err := svc.store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, m2.ID, updated.CurrentHeadMessageID)
}

func TestSwitchBranchTombstonesLaterMessages(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	session := newTestSession(t, svc)

	m1, err := svc.AppendMessage(ctx, AppendMessageRequest{
		SessionID: session.ID, Role: models.RoleUser, Content: "keep me",
	})
	require.NoError(t, err)

	branch, err := svc.CreateBranch(ctx, session.ID, "before-experiment")
	require.NoError(t, err)
	assert.Equal(t, m1.ID, branch.HeadMessageID)

	_, err = svc.AppendMessage(ctx, AppendMessageRequest{
		SessionID: session.ID, Role: models.RoleUser, Content: "experiment",
	})
	require.NoError(t, err)
	_, err = svc.AppendMessage(ctx, AppendMessageRequest{
		SessionID: session.ID, Role: models.RoleAssistant, Content: "result",
	})
	require.NoError(t, err)

	_, err = svc.SwitchBranch(ctx, session.ID, branch.ID)
	require.NoError(t, err)

	visible, err := svc.ListVisibleMessages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	// Strictly-later deletion: the branch head itself survives.
	assert.Equal(t, m1.ID, visible[0].ID)

	updated, err := svc.store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, m1.ID, updated.CurrentHeadMessageID)
}

func TestSwitchBranchRejectsForeignBranch(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	s1 := newTestSession(t, svc)
	s2 := newTestSession(t, svc)

	_, err := svc.AppendMessage(ctx, AppendMessageRequest{
		SessionID: s1.ID, Role: models.RoleUser, Content: "hi",
	})
	require.NoError(t, err)
	branch, err := svc.CreateBranch(ctx, s1.ID, "b")
	require.NoError(t, err)

	_, err = svc.SwitchBranch(ctx, s2.ID, branch.ID)
	assert.Error(t, err)
}

func TestDeleteProjectCascades(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	session := newTestSession(t, svc)

	_, err := svc.AppendMessage(ctx, AppendMessageRequest{
		SessionID: session.ID, Role: models.RoleUser, Content: "hello",
	})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteProject(ctx, session.ProjectID))

	_, err = svc.store.GetSession(ctx, session.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
