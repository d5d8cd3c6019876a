// ABOUTME: Tests for the session layer over the event store
// ABOUTME: Covers application/save selection, agent reuse and utterance persistence

package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/store"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return New(s)
}

func TestSetApplication_CreatesAndReuses(t *testing.T) {
	sess := newTestSession(t)
	ctx := context.Background()

	first, err := sess.SetApplication(ctx, "skyrim", "game")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, first)
	assert.Equal(t, first, sess.ApplicationID())

	// Setting the same application again reuses the existing one
	second, err := sess.SetApplication(ctx, "skyrim", "game")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSetSave_RequiresApplication(t *testing.T) {
	sess := newTestSession(t)

	_, err := sess.SetSave(context.Background(), "quicksave", nil)
	assert.ErrorIs(t, err, ErrNoApplication)
}

func TestSetSave_CreatesAndReuses(t *testing.T) {
	sess := newTestSession(t)
	ctx := context.Background()

	_, err := sess.SetApplication(ctx, "skyrim", "game")
	require.NoError(t, err)

	first, err := sess.SetSave(ctx, "quicksave", nil)
	require.NoError(t, err)
	assert.Equal(t, first, sess.SaveID())

	second, err := sess.SetSave(ctx, "quicksave", nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSetSave_Branching(t *testing.T) {
	sess := newTestSession(t)
	ctx := context.Background()

	_, err := sess.SetApplication(ctx, "skyrim", "game")
	require.NoError(t, err)

	root, err := sess.SetSave(ctx, "root", nil)
	require.NoError(t, err)

	branch, err := sess.SetSave(ctx, "branch", &root)
	require.NoError(t, err)
	assert.NotEqual(t, root, branch)
	assert.Equal(t, branch, sess.SaveID())
}

func TestCreateAgent_ReusesByName(t *testing.T) {
	sess := newTestSession(t)
	ctx := context.Background()

	_, err := sess.SetApplication(ctx, "skyrim", "game")
	require.NoError(t, err)
	_, err = sess.SetSave(ctx, "quicksave", nil)
	require.NoError(t, err)

	first, err := sess.CreateAgent(ctx, "Lydia", false, nil)
	require.NoError(t, err)

	second, err := sess.CreateAgent(ctx, "Lydia", false, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// With name conflicts allowed a fresh agent is created
	third, err := sess.CreateAgent(ctx, "Lydia", true, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestCreateAgent_ExternalID(t *testing.T) {
	sess := newTestSession(t)
	ctx := context.Background()

	_, err := sess.SetApplication(ctx, "skyrim", "game")
	require.NoError(t, err)
	_, err = sess.SetSave(ctx, "quicksave", nil)
	require.NoError(t, err)

	ext := "0x00013BBB"
	agentID, err := sess.CreateAgent(ctx, "Lydia", false, &ext)
	require.NoError(t, err)

	got, err := sess.AgentByExternalID(ctx, ext)
	require.NoError(t, err)
	assert.Equal(t, agentID, got)

	// Re-binding the external id to a different name is rejected
	_, err = sess.CreateAgent(ctx, "Serana", true, &ext)
	assert.ErrorIs(t, err, store.ErrNameConflict)
}

func TestRecordUtterance_VisibleToWitnesses(t *testing.T) {
	sess := newTestSession(t)
	ctx := context.Background()

	_, err := sess.SetApplication(ctx, "skyrim", "game")
	require.NoError(t, err)
	_, err = sess.SetSave(ctx, "quicksave", nil)
	require.NoError(t, err)

	alex, err := sess.CreateAgent(ctx, "Alex", false, nil)
	require.NoError(t, err)
	sam, err := sess.CreateAgent(ctx, "Sam", false, nil)
	require.NoError(t, err)

	startEvent, err := sess.RecordEvent(ctx, alex, "conversation_started", nil)
	require.NoError(t, err)
	groupID, err := sess.CreateConversationGroup(ctx, startEvent)
	require.NoError(t, err)

	// Heard by both
	_, _, err = sess.RecordUtterance(ctx, alex, groupID, "hello there", "response",
		[]store.Witness{
			{AgentID: alex, Type: "hear"},
			{AgentID: sam, Type: "hear"},
		})
	require.NoError(t, err)

	// A decision only Alex witnessed
	_, _, err = sess.RecordUtterance(ctx, alex, groupID, "[SKIP]", "decision",
		[]store.Witness{{AgentID: alex, Type: "thought"}})
	require.NoError(t, err)

	alexView, err := sess.Messages(ctx, alex, groupID, nil)
	require.NoError(t, err)
	assert.Len(t, alexView, 2)

	samView, err := sess.Messages(ctx, sam, groupID, nil)
	require.NoError(t, err)
	require.Len(t, samView, 1)
	assert.Equal(t, "hello there", samView[0].Content)

	// Type filter narrows to decisions
	decisions, err := sess.Messages(ctx, alex, groupID, []string{"decision"})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "[SKIP]", decisions[0].Content)
}

func TestSession_RequiresSave(t *testing.T) {
	sess := newTestSession(t)
	ctx := context.Background()

	_, err := sess.SetApplication(ctx, "skyrim", "game")
	require.NoError(t, err)

	_, err = sess.CreateAgent(ctx, "Lydia", false, nil)
	assert.ErrorIs(t, err, ErrNoSave)

	_, err = sess.RecordEvent(ctx, uuid.New(), "talking", nil)
	assert.ErrorIs(t, err, ErrNoSave)

	_, _, err = sess.RecordUtterance(ctx, uuid.New(), uuid.New(), "hi", "response", nil)
	assert.ErrorIs(t, err, ErrNoSave)

	_, err = sess.Messages(ctx, uuid.New(), uuid.New(), nil)
	assert.ErrorIs(t, err, ErrNoSave)
}
