package directory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/store"
	"github.com/matheus3301/convsync/internal/unread"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func at(ms int64) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func testStore(t *testing.T) (*store.Store, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	st := store.New(db, b, zap.NewNop())
	_, err = st.EnsureSelf(context.Background(), "self@s", "Me")
	require.NoError(t, err)
	return st, b
}

func group(t *testing.T, sc *store.Context, rid string, lastModified int64) *model.Conversation {
	t.Helper()
	conv := model.NewConversation(rid, model.ConversationGroup)
	require.NoError(t, sc.Insert(conv))
	conv.UpdateLastModified(at(lastModified))
	return conv
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.RemoteID
	}
	return out
}

func TestListsFollowPredicates(t *testing.T) {
	ctx := context.Background()
	st, b := testStore(t)
	sc, err := st.NewContext(ctx, model.RoleSync)
	require.NoError(t, err)

	group(t, sc, "a@s", 300)
	group(t, sc, "z@s", 100)
	group(t, sc, "b@s", 200).Archive(true, at(200))

	pending := model.NewConversation("c@s", model.ConversationPendingConnection)
	require.NoError(t, sc.Insert(pending))
	pending.UpdateConnection(model.Connection{Status: model.ConnectionPending, RequestedAt: at(100)})
	older := model.NewConversation("c2@s", model.ConversationPendingConnection)
	require.NoError(t, sc.Insert(older))
	older.UpdateConnection(model.Connection{Status: model.ConnectionPending, RequestedAt: at(50)})

	cleared := group(t, sc, "d@s", 150)
	cleared.UpdateLastServer(at(150))
	cleared.ClearHistory(at(400))

	require.NoError(t, sc.Insert(model.NewConversation("self-conv@s", model.ConversationSelf)))
	blocked := model.NewConversation("e@s", model.ConversationOneToOne)
	require.NoError(t, sc.Insert(blocked))
	blocked.UpdateConnection(model.Connection{Status: model.ConnectionBlocked})
	require.NoError(t, sc.Insert(model.NewConversation("f@s", model.ConversationInvalid)))
	require.NoError(t, sc.Save(ctx))

	d := New(st, b, zap.NewNop())
	require.NoError(t, d.RefetchAll(ctx))

	tests := []struct {
		list ListName
		want []string
	}{
		{Unarchived, []string{"a@s", "z@s"}},
		{All, []string{"a@s", "z@s", "b@s"}},
		{Archived, []string{"b@s"}},
		{Pending, []string{"c@s", "c2@s"}},
		{Cleared, []string{"d@s"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.list), func(t *testing.T) {
			entries, err := d.List(tt.list)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(entries))
		})
	}

	for id := range d.entries {
		n := 0
		for _, l := range []ListName{Unarchived, Archived, Pending} {
			if d.Contains(l, id) {
				n++
			}
		}
		assert.LessOrEqual(t, n, 1, "conversation %s", id)
	}
	assert.Equal(t, 2, d.Counts()[Pending])

	_, err = d.List("starred")
	assert.ErrorIs(t, err, ErrUnknownList)
}

func TestClearedWithNewerMessageReturns(t *testing.T) {
	st := model.ConversationState{
		Type:         model.ConversationGroup,
		Archived:     true,
		ClearedAt:    at(100),
		LastServerAt: at(100),
	}
	assert.False(t, includingArchived(st))
	assert.True(t, isCleared(st))

	st.LastServerAt = at(101)
	assert.True(t, isArchived(st))
	assert.True(t, isCleared(st))

	st.Archived = false
	st.LastServerAt = at(100)
	assert.True(t, isUnarchived(st))
	assert.False(t, isCleared(st))
}

func TestArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, b := testStore(t)
	ui, err := st.NewContext(ctx, model.RoleUI)
	require.NoError(t, err)
	conv := group(t, ui, "a@s", 100)
	conv.UpdateName("Team", at(100))
	require.NoError(t, ui.Save(ctx))

	d := New(st, b, zap.NewNop())
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	before, ok := d.Entry(conv.ID())
	require.True(t, ok)
	require.True(t, d.Contains(Unarchived, conv.ID()))

	conv.Archive(true, at(200))
	require.NoError(t, ui.Save(ctx))
	require.Eventually(t, func() bool { return d.Contains(Archived, conv.ID()) }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, d.Contains(Unarchived, conv.ID()))

	conv.Archive(false, at(300))
	require.NoError(t, ui.Save(ctx))
	require.Eventually(t, func() bool { return d.Contains(Unarchived, conv.ID()) }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, d.Contains(Archived, conv.ID()))

	after, ok := d.Entry(conv.ID())
	require.True(t, ok)
	assert.Equal(t, before.Indicator, after.Indicator)
	assert.Equal(t, before.Unread, after.Unread)
	assert.Equal(t, unread.None, after.Indicator)
	assert.Equal(t, "Team", after.DisplayName)
}

func TestUpdateDropsDeletedConversations(t *testing.T) {
	ctx := context.Background()
	st, b := testStore(t)
	sc, err := st.NewContext(ctx, model.RoleSync)
	require.NoError(t, err)
	conv := group(t, sc, "a@s", 100)
	require.NoError(t, sc.Save(ctx))

	d := New(st, b, zap.NewNop())
	require.NoError(t, d.RefetchAll(ctx))
	require.True(t, d.Contains(All, conv.ID()))

	require.NoError(t, sc.Delete(conv))
	require.NoError(t, sc.Save(ctx))
	require.NoError(t, d.Update(ctx, conv.ID()))
	assert.False(t, d.Contains(All, conv.ID()))
	_, ok := d.Entry(conv.ID())
	assert.False(t, ok)
}

func TestSentRequestStaysListed(t *testing.T) {
	ctx := context.Background()
	st, b := testStore(t)
	sc, err := st.NewContext(ctx, model.RoleSync)
	require.NoError(t, err)

	sent := model.NewConversation("s@s", model.ConversationPendingConnection)
	require.NoError(t, sc.Insert(sent))
	sent.UpdateConnection(model.Connection{Status: model.ConnectionSent, RequestedAt: at(100)})
	sent.UpdateLastModified(at(100))
	incoming := model.NewConversation("i@s", model.ConversationPendingConnection)
	require.NoError(t, sc.Insert(incoming))
	incoming.UpdateConnection(model.Connection{Status: model.ConnectionPending, RequestedAt: at(50)})
	require.NoError(t, sc.Save(ctx))

	d := New(st, b, zap.NewNop())
	require.NoError(t, d.RefetchAll(ctx))

	tests := []struct {
		list ListName
		want []string
	}{
		{Unarchived, []string{"s@s"}},
		{All, []string{"s@s"}},
		{Archived, []string{}},
		{Pending, []string{"i@s"}},
		{Cleared, []string{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.list), func(t *testing.T) {
			entries, err := d.List(tt.list)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(entries))
		})
	}

	e, ok := d.Entry(sent.ID())
	require.True(t, ok)
	assert.Equal(t, unread.Pending, e.Indicator)
}

func TestEntryDisplayNameAndIndicator(t *testing.T) {
	ctx := context.Background()
	st, b := testStore(t)
	sc, err := st.NewContext(ctx, model.RoleSync)
	require.NoError(t, err)

	peer := model.NewUser("peer@s", "Peer")
	require.NoError(t, sc.InsertUser(peer))
	conv := model.NewConversation("p@s", model.ConversationOneToOne)
	require.NoError(t, sc.Insert(conv))
	conv.AddParticipants(false, sc.Self(), peer)
	require.NoError(t, conv.SetUnread(model.RoleSync, model.UnreadState{Count: 3, LastKnockAt: at(10)}))
	require.NoError(t, sc.Save(ctx))

	d := New(st, b, zap.NewNop())
	require.NoError(t, d.RefetchAll(ctx))
	e, ok := d.Entry(conv.ID())
	require.True(t, ok)
	assert.Equal(t, "Peer", e.DisplayName)
	assert.Equal(t, 3, e.Unread.Count)
	assert.Equal(t, unread.Knock, e.Indicator)
}

func TestSortTieBreaksOnRemoteID(t *testing.T) {
	a := Entry{ID: "2", RemoteID: "a@s", State: model.ConversationState{LastModifiedAt: at(5)}}
	b := Entry{ID: "1", RemoteID: "b@s", State: model.ConversationState{LastModifiedAt: at(5)}}
	assert.True(t, byLastModified(a, b))
	assert.False(t, byLastModified(b, a))

	b.State.LastModifiedAt = at(6)
	assert.True(t, byLastModified(b, a))
}
