package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/go-go-golems/loom/pkg/sessions"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDocumentRepositoryCRUD(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	repo := NewDocumentRepository(db, "sessions", func(s *sessions.Session) string { return s.ID })

	sess := &sessions.Session{ID: "s1", UserID: "u1"}
	require.NoError(t, repo.Add(ctx, sess))

	got, ok, err := repo.GetOne(ctx, func(s *sessions.Session) bool { return s.ID == "s1" })
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u1", got.UserID)

	n, err := repo.Update(ctx,
		func(s *sessions.Session) bool { return s.ID == "s1" },
		func(s *sessions.Session) *sessions.Session {
			s.Title = "renamed"
			return s
		})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, ok, err = repo.GetOne(ctx, func(s *sessions.Session) bool { return s.ID == "s1" })
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "renamed", got.Title)

	_, ok, err = repo.GetOne(ctx, func(s *sessions.Session) bool { return s.ID == "missing" })
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreOnSqlite(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	store := sessions.NewStore(db.NewRepositories())
	sess, err := store.CreateSession(ctx, "u1", "stay focused")
	require.NoError(t, err)

	ops := sessions.NewOperations(store)
	result, err := ops.AppendTurn(ctx, sess.ID, conversation.NewTextMessage(conversation.RoleUser, "hello"))
	require.NoError(t, err)
	_, _, err = ops.AttachOutputMessage(ctx, sess.ID, result.TurnID,
		conversation.NewTextMessage(conversation.RoleAssistant, "hi"), "")
	require.NoError(t, err)

	turn, err := store.GetTurn(ctx, result.TurnID)
	require.NoError(t, err)
	require.Len(t, turn.InputMessageIDs, 1)
	require.Len(t, turn.OutputMessageIDs, 1)

	msg, err := store.GetMessage(ctx, turn.SelectedInputMessageID())
	require.NoError(t, err)
	require.Equal(t, "hello", msg.PlainText())
}
