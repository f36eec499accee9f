package wa

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/appstate"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/outbox"
)

type fakeClient struct {
	sent      []*waE2E.Message
	sentIDs   []types.MessageID
	appStates int
	renamed   string
	group     []types.JID
	changes   map[whatsmeow.ParticipantChange][]types.JID
	created   whatsmeow.ReqCreateGroup
	sendErr   error
}

func (f *fakeClient) SendMessage(_ context.Context, _ types.JID, msg *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error) {
	if f.sendErr != nil {
		return whatsmeow.SendResponse{}, f.sendErr
	}
	f.sent = append(f.sent, msg)
	if len(extra) > 0 {
		f.sentIDs = append(f.sentIDs, extra[0].ID)
	}
	return whatsmeow.SendResponse{Timestamp: time.UnixMilli(1_700_000_000_500)}, nil
}

func (f *fakeClient) SendAppState(context.Context, appstate.PatchInfo) error {
	f.appStates++
	return nil
}

func (f *fakeClient) SetGroupName(_ context.Context, _ types.JID, name string) error {
	f.renamed = name
	return nil
}

func (f *fakeClient) GetGroupInfo(_ context.Context, jid types.JID) (*types.GroupInfo, error) {
	info := &types.GroupInfo{JID: jid}
	for _, p := range f.group {
		info.Participants = append(info.Participants, types.GroupParticipant{JID: p})
	}
	return info, nil
}

func (f *fakeClient) UpdateGroupParticipants(_ context.Context, _ types.JID, jids []types.JID, action whatsmeow.ParticipantChange) ([]types.GroupParticipant, error) {
	if f.changes == nil {
		f.changes = make(map[whatsmeow.ParticipantChange][]types.JID)
	}
	f.changes[action] = append(f.changes[action], jids...)
	return nil, nil
}

func (f *fakeClient) CreateGroup(_ context.Context, req whatsmeow.ReqCreateGroup) (*types.GroupInfo, error) {
	f.created = req
	return &types.GroupInfo{JID: groupJID}, nil
}

func newTestAdapter() (*Adapter, *fakeClient) {
	fc := &fakeClient{}
	return &Adapter{api: fc, bus: bus.New(), logger: zap.NewNop()}, fc
}

func TestAdapterSendMessageUsesNonceAsID(t *testing.T) {
	a, fc := newTestAdapter()

	ts, err := a.SendMessage(context.Background(), "2000@s.whatsapp.net", "nonce-1", model.Text{Body: "hi"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !ts.Equal(time.UnixMilli(1_700_000_000_500)) {
		t.Errorf("timestamp = %v", ts)
	}
	if len(fc.sentIDs) != 1 || fc.sentIDs[0] != "nonce-1" {
		t.Errorf("sent ids = %v, want [nonce-1]", fc.sentIDs)
	}
}

func TestAdapterSendMessageErrors(t *testing.T) {
	a, fc := newTestAdapter()
	ctx := context.Background()

	if _, err := a.SendMessage(ctx, "2000@s.whatsapp.net", "n", model.Knock{}); !errors.Is(err, ErrUnsupportedContent) {
		t.Errorf("knock error = %v, want ErrUnsupportedContent", err)
	}

	fc.sendErr = errors.New("offline")
	if _, err := a.SendMessage(ctx, "2000@s.whatsapp.net", "n", model.Text{Body: "x"}); err == nil {
		t.Error("expected send error")
	}
	if len(fc.sent) != 0 {
		t.Errorf("sent = %d, want 0", len(fc.sent))
	}
}

func TestAdapterPushConversation(t *testing.T) {
	a, fc := newTestAdapter()
	fc.group = []types.JID{peerJID, otherJID}

	err := a.PushConversation(context.Background(), outbox.ConversationPush{
		RemoteID: "120363@g.us",
		Keys: []model.Key{
			model.KeyArchived,
			model.KeyMuted,
			model.KeyLastRead,
			model.KeyCleared,
			model.KeyName,
			model.KeyParticipants,
		},
		State: model.ConversationState{
			Name:       "Team",
			Archived:   true,
			LastReadAt: time.UnixMilli(1_700_000_000_000),
		},
		Participants: []string{"2000@s.whatsapp.net", "4000@s.whatsapp.net"},
	})
	if err != nil {
		t.Fatalf("PushConversation: %v", err)
	}
	if fc.appStates != 3 {
		t.Errorf("app state patches = %d, want 3", fc.appStates)
	}
	if fc.renamed != "Team" {
		t.Errorf("renamed = %q", fc.renamed)
	}
	added := fc.changes[whatsmeow.ParticipantChangeAdd]
	removed := fc.changes[whatsmeow.ParticipantChangeRemove]
	if len(added) != 1 || added[0].User != "4000" {
		t.Errorf("added = %v", added)
	}
	if len(removed) != 1 || removed[0].User != "3000" {
		t.Errorf("removed = %v", removed)
	}
}

func TestAdapterPushSkipsGroupKeysForDirectChats(t *testing.T) {
	a, fc := newTestAdapter()

	err := a.PushConversation(context.Background(), outbox.ConversationPush{
		RemoteID: "2000@s.whatsapp.net",
		Keys:     []model.Key{model.KeyName, model.KeyParticipants},
		State:    model.ConversationState{Name: "ignored"},
	})
	if err != nil {
		t.Fatalf("PushConversation: %v", err)
	}
	if fc.renamed != "" || len(fc.changes) != 0 {
		t.Errorf("group calls made for a direct chat: renamed %q changes %v", fc.renamed, fc.changes)
	}
}

func TestAdapterCreateConversation(t *testing.T) {
	a, fc := newTestAdapter()

	rid, err := a.CreateConversation(context.Background(), "Team", []string{"2000@s.whatsapp.net", "3000@s.whatsapp.net"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if rid != "120363@g.us" {
		t.Errorf("rid = %q", rid)
	}
	if fc.created.Name != "Team" || len(fc.created.Participants) != 2 {
		t.Errorf("request = %+v", fc.created)
	}
	if !slices.ContainsFunc(fc.created.Participants, func(j types.JID) bool { return j.User == "3000" }) {
		t.Errorf("participants = %v", fc.created.Participants)
	}
}
