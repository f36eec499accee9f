package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/event"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/store"
)

func receive(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return bus.Event{}
	}
}

func TestEngineAppliesTransportBatches(t *testing.T) {
	st, b := testStore(t)
	sc := syncContext(t, st)
	e := NewEngine(st, sc, b, Options{}, zap.NewNop())

	applied, unsub := b.Subscribe("sync.", 8)
	defer unsub()
	e.Start(context.Background())
	defer e.Stop()

	b.Publish(bus.NewEvent(bus.KindTransportUpdates, []event.Update{
		text("c@s", "peer@s", "a", 100, "hello"),
		text("c@s", "peer@s", "", 110, "broken"),
	}))

	evt := receive(t, applied)
	require.Equal(t, bus.KindBatchApplied, evt.Kind)
	summary, ok := evt.Payload.(BatchSummary)
	require.True(t, ok)
	assert.Equal(t, 2, summary.Updates)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Outcomes[MessageCreated.String()])
	require.Len(t, summary.Touched, 1)

	rows, err := st.ConversationRows(context.Background(), summary.Touched...)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].State.UnreadCount)
}

func TestEngineLocalEchoFromUIContext(t *testing.T) {
	ctx := context.Background()
	st, b := testStore(t)
	e := NewEngine(st, syncContext(t, st), b, Options{}, zap.NewNop())

	ui, err := st.NewContext(ctx, model.RoleUI)
	require.NoError(t, err)
	conv := model.NewConversation("c@s", model.ConversationOneToOne)
	require.NoError(t, ui.Insert(conv))
	require.NoError(t, conv.AppendLocal(model.NewMessage("abc", ui.Self(), model.Text{Body: "hi"}, at(10)), at(10)))
	require.NoError(t, ui.Save(ctx))

	res, err := e.ApplyBatch(ctx, []event.Update{text("c@s", selfRID, "abc", 500, "hi")})
	require.NoError(t, err)
	assert.Equal(t, []Outcome{MessageUpdated}, res.Outcomes)

	require.NoError(t, ui.Refresh(ctx, []model.ID{conv.ID()}))
	msgs := conv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "abc", msgs[0].Nonce())
	assert.Equal(t, at(500), msgs[0].ServerTimestamp())
	assert.True(t, msgs[0].IsDelivered())
}

func TestEngineMergesUIReadMarker(t *testing.T) {
	ctx := context.Background()
	st, b := testStore(t)
	sc := syncContext(t, st)
	e := NewEngine(st, sc, b, Options{}, zap.NewNop())

	_, err := e.ApplyBatch(ctx, []event.Update{
		text("c@s", "peer@s", "a", 100, "one"),
		text("c@s", "peer@s", "b", 200, "two"),
	})
	require.NoError(t, err)
	synced := conversation(t, sc, "c@s")
	require.Equal(t, 2, synced.Unread().Count)

	saves, unsub := b.Subscribe("store.", 8)
	defer unsub()

	ui, err := st.NewContext(ctx, model.RoleUI)
	require.NoError(t, err)
	conv := conversation(t, ui, "c@s")
	require.True(t, conv.SetPendingLastRead(at(200)))
	require.True(t, conv.SavePendingLastRead())
	require.NoError(t, ui.Save(ctx))

	evt := receive(t, saves)
	changes, ok := evt.Payload.(store.Changes)
	require.True(t, ok)
	assert.Equal(t, model.RoleUI, changes.Role)

	require.NoError(t, e.MergeUISave(ctx, changes))
	assert.Equal(t, at(200), synced.LastReadAt())
	assert.Equal(t, 0, synced.Unread().Count)
	assert.Equal(t, []model.Key{model.KeyLastRead}, synced.ModifiedKeys())

	rows, err := st.ConversationRows(ctx, synced.ID())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 0, rows[0].State.UnreadCount)
}

func TestRecalculateUnreadFixesDrift(t *testing.T) {
	ctx := context.Background()
	st, b := testStore(t)
	e := NewEngine(st, syncContext(t, st), b, Options{}, zap.NewNop())

	_, err := e.ApplyBatch(ctx, []event.Update{text("c@s", "peer@s", "a", 100, "one")})
	require.NoError(t, err)

	fixed, err := e.RecalculateUnread(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fixed)

	_, err = st.DB().ExecContext(ctx, "UPDATE conversations SET unread_count = 7")
	require.NoError(t, err)

	fresh := NewEngine(st, syncContext(t, st), b, Options{}, zap.NewNop())
	fixed, err = fresh.RecalculateUnread(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)

	rows, err := st.ConversationRows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].State.UnreadCount)
}

func TestApplyBatchDoesNotRetryLogicErrors(t *testing.T) {
	ctx := context.Background()
	st, b := testStore(t)
	ui, err := st.NewContext(ctx, model.RoleUI)
	require.NoError(t, err)
	e := NewEngine(st, ui, b, Options{MaxRetries: 3}, zap.NewNop())

	_, err = e.ApplyBatch(ctx, []event.Update{text("c@s", "peer@s", "a", 100, "one")})
	assert.ErrorIs(t, err, model.ErrNotSyncContext)
	assert.False(t, ui.HasChanges())
}
