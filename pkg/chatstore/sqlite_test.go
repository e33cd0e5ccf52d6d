package chatstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "chat.db")
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteConversationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetByID(ctx, "c1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Create(ctx, Conversation{ID: "c1", OwnerID: "u1", Title: "hello"}))

	conv, err := s.GetByID(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "u1", conv.OwnerID)
	require.Equal(t, VisibilityPrivate, conv.Visibility)
	require.False(t, conv.CreatedAt.IsZero())

	deleted, err := s.Delete(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "c1", deleted.ID)

	_, err = s.GetByID(ctx, "c1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteMessagesOrderedAndImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, Conversation{ID: "c1", OwnerID: "u1", Title: "t"}))

	base := time.Now().Add(-time.Minute)
	require.NoError(t, s.AppendMany(ctx, []Message{
		{ID: "m1", ConversationID: "c1", Role: RoleUser, Parts: []Part{TextPart("hi")}, CreatedAt: base},
		{ID: "m2", ConversationID: "c1", Role: RoleAssistant, Parts: []Part{TextPart("hello"), TextPart(" there")}, CreatedAt: base.Add(time.Second)},
	}))

	msgs, err := s.GetAllByConversation(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "m1", msgs[0].ID)
	require.Equal(t, "m2", msgs[1].ID)
	require.Equal(t, "hello there", msgs[1].Text())

	// Same id again must fail, messages are append-only.
	err = s.AppendMany(ctx, []Message{{ID: "m1", ConversationID: "c1", Role: RoleUser, Parts: []Part{TextPart("again")}}})
	require.Error(t, err)
}

func TestSQLiteCountUserMessagesSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, Conversation{ID: "c1", OwnerID: "u1", Title: "t"}))
	require.NoError(t, s.Create(ctx, Conversation{ID: "c2", OwnerID: "u2", Title: "t"}))

	now := time.Now()
	require.NoError(t, s.AppendMany(ctx, []Message{
		{ID: "m1", ConversationID: "c1", Role: RoleUser, Parts: []Part{TextPart("a")}, CreatedAt: now},
		{ID: "m2", ConversationID: "c1", Role: RoleAssistant, Parts: []Part{TextPart("b")}, CreatedAt: now},
		{ID: "m3", ConversationID: "c1", Role: RoleUser, Parts: []Part{TextPart("c")}, CreatedAt: now.Add(-48 * time.Hour)},
		{ID: "m4", ConversationID: "c2", Role: RoleUser, Parts: []Part{TextPart("d")}, CreatedAt: now},
	}))

	n, err := s.CountUserMessagesSince(ctx, "u1", now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSQLiteStreamIDsAppendOnlyOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids, err := s.ListByConversation(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, ids)

	base := time.Now()
	require.NoError(t, s.Append(ctx, "c1", "s1", base))
	require.NoError(t, s.Append(ctx, "c1", "s2", base.Add(time.Second)))
	require.NoError(t, s.Append(ctx, "c1", "s3", base.Add(2*time.Second)))

	ids, err = s.ListByConversation(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"s1", "s2", "s3"}, ids)
}
