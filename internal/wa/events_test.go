package wa

import (
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/proto/waSyncAction"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/event"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/status"
)

var (
	selfJID  = types.NewJID("1000", types.DefaultUserServer)
	peerJID  = types.NewJID("2000", types.DefaultUserServer)
	otherJID = types.NewJID("3000", types.DefaultUserServer)
	groupJID = types.NewJID("120363", types.GroupServer)
	ts       = time.UnixMilli(1_700_000_000_000)
)

// walkTo transitions the machine through the given states sequentially.
func walkTo(t *testing.T, m *status.Machine, states ...status.State) {
	t.Helper()
	for _, s := range states {
		if err := m.Transition(s); err != nil {
			t.Fatalf("transition to %s failed: %v", s, err)
		}
	}
}

func newHandler(t *testing.T) (*EventHandler, *status.Machine, <-chan bus.Event) {
	t.Helper()
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, func() string { return remoteID(selfJID) }, zap.NewNop())
	ch, unsub := b.Subscribe("transport.", 10)
	t.Cleanup(unsub)
	return h, m, ch
}

// nextBatch waits for one published update batch.
func nextBatch(t *testing.T, ch <-chan bus.Event) []event.Update {
	t.Helper()
	select {
	case evt := <-ch:
		batch, ok := evt.Payload.([]event.Update)
		if !ok {
			t.Fatalf("payload type = %T, want []event.Update", evt.Payload)
		}
		for _, u := range batch {
			if err := u.Validate(); err != nil {
				t.Errorf("published invalid update %s: %v", u.Type, err)
			}
		}
		return batch
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for transport updates")
		return nil
	}
}

func expectNone(t *testing.T, ch <-chan bus.Event) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func textMessage(id string, chat, sender types.JID, body string) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			ID:        id,
			Timestamp: ts,
			MessageSource: types.MessageSource{
				Chat:   chat,
				Sender: sender,
			},
		},
		Message: &waE2E.Message{Conversation: proto.String(body)},
	}
}

func TestHandleConnectedFromAuthRequired(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, nil, zap.NewNop())

	walkTo(t, m, status.AuthRequired)

	ch, unsub := b.Subscribe("session.connected", 10)
	defer unsub()

	h.Handle(&events.Connected{})

	if m.Current() != status.Syncing {
		t.Errorf("state = %s, want SYNCING", m.Current())
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindConnected {
			t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindConnected)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for connected event")
	}
}

func TestHandleConnectedFromReconnecting(t *testing.T) {
	h, m, _ := newHandler(t)

	walkTo(t, m, status.Connecting, status.Syncing, status.Reconnecting)

	h.Handle(&events.Connected{})

	if m.Current() != status.Syncing {
		t.Errorf("state = %s, want SYNCING (reconnect path)", m.Current())
	}
}

func TestHandleDisconnected(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, nil, zap.NewNop())

	walkTo(t, m, status.Connecting, status.Syncing, status.Ready)

	ch, unsub := b.Subscribe("session.disconnected", 10)
	defer unsub()

	h.Handle(&events.Disconnected{})

	if m.Current() != status.Reconnecting {
		t.Errorf("state = %s, want RECONNECTING", m.Current())
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for disconnected event")
	}
}

func TestHandleLoggedOut(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, nil, zap.NewNop())

	walkTo(t, m, status.Connecting, status.Syncing, status.Ready)

	ch, unsub := b.Subscribe("session.logged_out", 10)
	defer unsub()

	h.Handle(&events.LoggedOut{})

	if m.Current() != status.AuthRequired {
		t.Errorf("state = %s, want AUTH_REQUIRED", m.Current())
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for logged_out event")
	}
}

func TestHandleMessageTransitionsToReady(t *testing.T) {
	h, m, ch := newHandler(t)
	walkTo(t, m, status.Connecting, status.Syncing)

	h.Handle(textMessage("m1", peerJID, peerJID, "hello"))

	if m.Current() != status.Ready {
		t.Errorf("state = %s, want READY (first message after sync)", m.Current())
	}
	batch := nextBatch(t, ch)
	if len(batch) != 1 {
		t.Fatalf("batch len = %d, want 1", len(batch))
	}
	u := batch[0]
	if u.Type != event.TypeMessageAdd {
		t.Errorf("type = %s, want %s", u.Type, event.TypeMessageAdd)
	}
	if u.ConversationID != "2000@s.whatsapp.net" || u.SenderID != "2000@s.whatsapp.net" {
		t.Errorf("conversation/sender = %s/%s", u.ConversationID, u.SenderID)
	}
	if u.Nonce != "m1" || !u.Timestamp.Equal(ts) {
		t.Errorf("nonce/ts = %s/%v", u.Nonce, u.Timestamp)
	}
	if u.ConversationType != model.ConversationOneToOne {
		t.Errorf("conversation type = %s, want one_to_one", u.ConversationType)
	}
	text, ok := u.Payload.(event.MessageAdd).Content.(model.Text)
	if !ok || text.Body != "hello" {
		t.Errorf("content = %+v", u.Payload)
	}
}

func TestLiveMessageWithDeviceSuffixNormalized(t *testing.T) {
	h, _, ch := newHandler(t)

	sender := types.JID{User: "3000", Device: 12, Server: types.DefaultUserServer}
	h.Handle(textMessage("m2", groupJID, sender, "hi group"))

	u := nextBatch(t, ch)[0]
	if u.SenderID != "3000@s.whatsapp.net" {
		t.Errorf("sender = %q, want device suffix stripped", u.SenderID)
	}
	if u.ConversationType != model.ConversationGroup {
		t.Errorf("conversation type = %s, want group", u.ConversationType)
	}
}

func TestHandleMessageWithoutContentIsIgnored(t *testing.T) {
	h, _, ch := newHandler(t)

	evt := textMessage("m3", peerJID, peerJID, "")
	evt.Message = &waE2E.Message{}
	h.Handle(evt)

	expectNone(t, ch)
}

func TestHandleRevokeHidesMessage(t *testing.T) {
	h, _, ch := newHandler(t)

	evt := textMessage("m4", peerJID, peerJID, "")
	evt.Message = &waE2E.Message{
		ProtocolMessage: &waE2E.ProtocolMessage{
			Type: waE2E.ProtocolMessage_REVOKE.Enum(),
			Key:  &waCommon.MessageKey{ID: proto.String("m1")},
		},
	}
	h.Handle(evt)

	u := nextBatch(t, ch)[0]
	if u.Type != event.TypeMessageHide || u.Nonce != "m1" {
		t.Errorf("got %s nonce %q, want hide of m1", u.Type, u.Nonce)
	}
}

func TestHandleReceipts(t *testing.T) {
	tests := []struct {
		name     string
		receipt  *events.Receipt
		wantType event.Type
		wantRead bool
	}{
		{
			name: "delivered",
			receipt: &events.Receipt{
				MessageSource: types.MessageSource{Chat: peerJID, Sender: peerJID},
				MessageIDs:    []types.MessageID{"n1", "n2"},
				Timestamp:     ts,
				Type:          types.ReceiptTypeDelivered,
			},
			wantType: event.TypeConfirmation,
		},
		{
			name: "read",
			receipt: &events.Receipt{
				MessageSource: types.MessageSource{Chat: peerJID, Sender: peerJID},
				MessageIDs:    []types.MessageID{"n1"},
				Timestamp:     ts,
				Type:          types.ReceiptTypeRead,
			},
			wantType: event.TypeConfirmation,
			wantRead: true,
		},
		{
			name: "read on other device",
			receipt: &events.Receipt{
				MessageSource: types.MessageSource{Chat: peerJID, Sender: selfJID, IsFromMe: true},
				MessageIDs:    []types.MessageID{"n9"},
				Timestamp:     ts,
				Type:          types.ReceiptTypeReadSelf,
			},
			wantType: event.TypeLastRead,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, ch := newHandler(t)
			h.Handle(tt.receipt)

			u := nextBatch(t, ch)[0]
			if u.Type != tt.wantType {
				t.Fatalf("type = %s, want %s", u.Type, tt.wantType)
			}
			if c, ok := u.Payload.(event.Confirmation); ok {
				if c.Read != tt.wantRead {
					t.Errorf("read = %v, want %v", c.Read, tt.wantRead)
				}
				if len(c.Nonces) != len(tt.receipt.MessageIDs) {
					t.Errorf("nonces = %v", c.Nonces)
				}
			}
		})
	}
}

func TestHandleAppStateChanges(t *testing.T) {
	tests := []struct {
		name string
		evt  any
		want event.Payload
	}{
		{
			name: "archive",
			evt:  &events.Archive{JID: peerJID, Timestamp: ts, Action: &waSyncAction.ArchiveChatAction{Archived: proto.Bool(true)}},
			want: event.Archive{Archived: true},
		},
		{
			name: "unmute",
			evt:  &events.Mute{JID: peerJID, Timestamp: ts, Action: &waSyncAction.MuteAction{Muted: proto.Bool(false)}},
			want: event.Mute{Muted: false},
		},
		{
			name: "clear",
			evt:  &events.ClearChat{JID: peerJID, Timestamp: ts},
			want: event.Clear{},
		},
		{
			name: "mark read",
			evt:  &events.MarkChatAsRead{JID: peerJID, Timestamp: ts, Action: &waSyncAction.MarkChatAsReadAction{Read: proto.Bool(true)}},
			want: event.LastRead{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, ch := newHandler(t)
			h.Handle(tt.evt)

			u := nextBatch(t, ch)[0]
			if u.Payload != tt.want {
				t.Errorf("payload = %+v, want %+v", u.Payload, tt.want)
			}
			if u.SenderID != "1000@s.whatsapp.net" {
				t.Errorf("sender = %q, want self", u.SenderID)
			}
		})
	}
}

func TestMarkChatAsUnreadIsIgnored(t *testing.T) {
	h, _, ch := newHandler(t)
	h.Handle(&events.MarkChatAsRead{JID: peerJID, Timestamp: ts, Action: &waSyncAction.MarkChatAsReadAction{Read: proto.Bool(false)}})
	expectNone(t, ch)
}

func TestHandleGroupInfo(t *testing.T) {
	h, _, ch := newHandler(t)

	h.Handle(&events.GroupInfo{
		JID:       groupJID,
		Sender:    &peerJID,
		Timestamp: ts,
		Name:      &types.GroupName{Name: "Team"},
		Join:      []types.JID{otherJID},
		Leave:     []types.JID{{User: "4000", Device: 3, Server: types.DefaultUserServer}},
	})

	batch := nextBatch(t, ch)
	if len(batch) != 3 {
		t.Fatalf("batch len = %d, want 3", len(batch))
	}
	if batch[0].Payload != (event.Rename{Name: "Team"}) {
		t.Errorf("first = %+v, want rename", batch[0].Payload)
	}
	join := batch[1].Payload.(event.MemberJoin)
	if len(join.UserIDs) != 1 || join.UserIDs[0] != "3000@s.whatsapp.net" {
		t.Errorf("join = %v", join.UserIDs)
	}
	leave := batch[2].Payload.(event.MemberLeave)
	if leave.UserIDs[0] != "4000@s.whatsapp.net" {
		t.Errorf("leave = %v", leave.UserIDs)
	}
	for _, u := range batch {
		if u.SenderID != "2000@s.whatsapp.net" || u.ConversationType != model.ConversationGroup {
			t.Errorf("%s: sender %q type %s", u.Type, u.SenderID, u.ConversationType)
		}
	}
}

func TestCallLifecycle(t *testing.T) {
	meta := func(id string) types.BasicCallMeta {
		return types.BasicCallMeta{From: peerJID, Timestamp: ts, CallCreator: peerJID, CallID: id}
	}

	t.Run("answered", func(t *testing.T) {
		h, _, ch := newHandler(t)
		h.Handle(&events.CallOffer{BasicCallMeta: meta("c1")})
		if got := nextBatch(t, ch)[0].Payload; got != (event.Call{State: event.CallActive}) {
			t.Errorf("offer = %+v", got)
		}
		h.Handle(&events.CallAccept{BasicCallMeta: meta("c1")})
		expectNone(t, ch)
		h.Handle(&events.CallTerminate{BasicCallMeta: meta("c1")})
		if got := nextBatch(t, ch)[0].Payload; got != (event.Call{State: event.CallEnded}) {
			t.Errorf("terminate = %+v", got)
		}
	})

	t.Run("missed", func(t *testing.T) {
		h, _, ch := newHandler(t)
		h.Handle(&events.CallOffer{BasicCallMeta: meta("c2")})
		nextBatch(t, ch)
		h.Handle(&events.CallTerminate{BasicCallMeta: meta("c2")})
		u := nextBatch(t, ch)[0]
		if u.Payload != (event.Call{State: event.CallMissed}) {
			t.Errorf("terminate = %+v", u.Payload)
		}
		if u.Nonce != "call-c2" || u.SenderID != "2000@s.whatsapp.net" {
			t.Errorf("nonce/sender = %q/%q", u.Nonce, u.SenderID)
		}
	})
}

func historyMsg(id string, fromMe bool, participant string, sec uint64, body string) *waHistorySync.HistorySyncMsg {
	key := &waCommon.MessageKey{ID: proto.String(id), FromMe: proto.Bool(fromMe)}
	if participant != "" {
		key.Participant = proto.String(participant)
	}
	return &waHistorySync.HistorySyncMsg{
		Message: &waWeb.WebMessageInfo{
			Key:              key,
			MessageTimestamp: proto.Uint64(sec),
			Message:          &waE2E.Message{Conversation: proto.String(body)},
		},
	}
}

func TestHandleHistorySync(t *testing.T) {
	h, _, ch := newHandler(t)

	h.Handle(&events.HistorySync{
		Data: &waHistorySync.HistorySync{
			Conversations: []*waHistorySync.Conversation{
				{
					ID: proto.String("2000@s.whatsapp.net"),
					Messages: []*waHistorySync.HistorySyncMsg{
						historyMsg("h1", false, "", 1_700_000_000, "from peer"),
						historyMsg("h2", true, "", 1_700_000_001, "from me"),
						{Message: &waWeb.WebMessageInfo{Key: &waCommon.MessageKey{ID: proto.String("empty")}}},
					},
				},
				{
					ID:                    proto.String("120363@g.us"),
					Name:                  proto.String("Team"),
					Archived:              proto.Bool(true),
					ConversationTimestamp: proto.Uint64(1_700_000_100),
					Messages: []*waHistorySync.HistorySyncMsg{
						historyMsg("h3", false, "3000:7@s.whatsapp.net", 1_700_000_050, "in group"),
					},
				},
			},
		},
	})

	batch := nextBatch(t, ch)
	if len(batch) != 5 {
		t.Fatalf("batch len = %d, want 5", len(batch))
	}
	senders := map[string]string{}
	for _, u := range batch {
		if u.Type == event.TypeMessageAdd {
			senders[u.Nonce] = u.SenderID
		}
	}
	want := map[string]string{
		"h1": "2000@s.whatsapp.net",
		"h2": "1000@s.whatsapp.net",
		"h3": "3000@s.whatsapp.net",
	}
	for nonce, sender := range want {
		if senders[nonce] != sender {
			t.Errorf("sender of %s = %q, want %q", nonce, senders[nonce], sender)
		}
	}
	if batch[2].Payload != (event.Rename{Name: "Team"}) || batch[3].Payload != (event.Archive{Archived: true}) {
		t.Errorf("group metadata = %+v, %+v", batch[2].Payload, batch[3].Payload)
	}
	if !batch[0].Timestamp.Equal(time.Unix(1_700_000_000, 0)) {
		t.Errorf("history timestamp = %v", batch[0].Timestamp)
	}
}

func TestHandleHistorySyncNilData(t *testing.T) {
	h, _, ch := newHandler(t)
	h.Handle(&events.HistorySync{Data: nil})
	expectNone(t, ch)
}
