package wa

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/appstate"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/outbox"

	_ "github.com/mattn/go-sqlite3"
)

// client is the subset of the whatsmeow client the adapter pushes through.
type client interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	SendAppState(ctx context.Context, patch appstate.PatchInfo) error
	SetGroupName(ctx context.Context, jid types.JID, name string) error
	GetGroupInfo(ctx context.Context, jid types.JID) (*types.GroupInfo, error)
	UpdateGroupParticipants(ctx context.Context, jid types.JID, participantChanges []types.JID, action whatsmeow.ParticipantChange) ([]types.GroupParticipant, error)
	CreateGroup(ctx context.Context, req whatsmeow.ReqCreateGroup) (*types.GroupInfo, error)
}

var _ outbox.Transport = (*Adapter)(nil)

// Adapter wraps the whatsmeow client. It is the transport the outbox pushes
// through and the source of the updates the event handler publishes.
type Adapter struct {
	wm     *whatsmeow.Client
	api    client
	bus    *bus.Bus
	logger *zap.Logger
}

// NewAdapter opens the whatsmeow device store at dbPath and creates a client.
func NewAdapter(ctx context.Context, dbPath, deviceName string, b *bus.Bus, logger *zap.Logger) (*Adapter, error) {
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo(deviceName, [3]uint32{0, 1, 0})

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	wm := whatsmeow.NewClient(deviceStore, nil)
	return &Adapter{
		wm:     wm,
		api:    wm,
		bus:    b,
		logger: logger,
	}, nil
}

// IsLoggedIn returns whether the adapter has valid credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.wm != nil && a.wm.Store.ID != nil
}

// SelfRemoteID returns the remote identifier of the paired account, or "".
func (a *Adapter) SelfRemoteID() string {
	if !a.IsLoggedIn() {
		return ""
	}
	return remoteID(*a.wm.Store.ID)
}

// IsConnected reports whether the websocket is up.
func (a *Adapter) IsConnected() bool {
	return a.wm != nil && a.wm.IsConnected()
}

// Connect initiates the WhatsApp connection.
func (a *Adapter) Connect() error {
	a.logger.Info("connecting to WhatsApp")
	return a.wm.Connect()
}

// Disconnect terminates the WhatsApp connection.
func (a *Adapter) Disconnect() {
	a.logger.Info("disconnecting from WhatsApp")
	a.wm.Disconnect()
}

// Logout invalidates the session and removes credentials.
func (a *Adapter) Logout(ctx context.Context) error {
	return a.wm.Logout(ctx)
}

// RegisterEventHandler adds a handler for whatsmeow events.
func (a *Adapter) RegisterEventHandler(handler whatsmeow.EventHandler) {
	a.wm.AddEventHandler(handler)
}

// SendMessage sends content with the nonce as message id, so the echo of our
// own message from another device deduplicates against the local copy.
func (a *Adapter) SendMessage(ctx context.Context, conversationRID, nonce string, content model.Content) (time.Time, error) {
	to, err := types.ParseJID(conversationRID)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse JID: %w", err)
	}
	msg, err := BuildMessage(content)
	if err != nil {
		return time.Time{}, err
	}
	resp, err := a.api.SendMessage(ctx, to, msg, whatsmeow.SendRequestExtra{ID: types.MessageID(nonce)})
	if err != nil {
		return time.Time{}, fmt.Errorf("send message: %w", err)
	}
	if resp.Timestamp.IsZero() {
		return time.Now(), nil
	}
	return resp.Timestamp, nil
}

// PushConversation writes the modified keys upstream. Keys WhatsApp has no
// counterpart for are logged and acknowledged.
func (a *Adapter) PushConversation(ctx context.Context, push outbox.ConversationPush) error {
	jid, err := types.ParseJID(push.RemoteID)
	if err != nil {
		return fmt.Errorf("parse JID: %w", err)
	}
	st := push.State
	for _, key := range push.Keys {
		switch key {
		case model.KeyArchived:
			err = a.api.SendAppState(ctx, appstate.BuildArchive(jid, st.Archived, st.LastServerAt, nil))
		case model.KeyMuted:
			err = a.api.SendAppState(ctx, appstate.BuildMute(jid, st.Muted, 0))
		case model.KeyLastRead:
			err = a.api.SendAppState(ctx, appstate.BuildMarkChatAsRead(jid, true, st.LastReadAt, nil))
		case model.KeyName:
			if jid.Server != types.GroupServer {
				a.logger.Debug("ignoring rename of non-group chat", zap.String("jid", push.RemoteID))
				continue
			}
			err = a.api.SetGroupName(ctx, jid, st.Name)
		case model.KeyParticipants:
			if jid.Server != types.GroupServer {
				continue
			}
			err = a.syncParticipants(ctx, jid, push.Participants)
		default:
			a.logger.Info("key has no upstream counterpart",
				zap.String("jid", push.RemoteID),
				zap.String("key", string(key)),
			)
			continue
		}
		if err != nil {
			return fmt.Errorf("push %s: %w", key, err)
		}
	}
	return nil
}

// syncParticipants diffs the local participant list against the group and
// applies additions and removals.
func (a *Adapter) syncParticipants(ctx context.Context, jid types.JID, want []string) error {
	info, err := a.api.GetGroupInfo(ctx, jid)
	if err != nil {
		return fmt.Errorf("get group info: %w", err)
	}
	have := make([]string, 0, len(info.Participants))
	for _, p := range info.Participants {
		have = append(have, remoteID(p.JID))
	}

	var add, remove []string
	for _, rid := range want {
		if !slices.Contains(have, rid) {
			add = append(add, rid)
		}
	}
	self := a.SelfRemoteID()
	for _, rid := range have {
		if rid != self && !slices.Contains(want, rid) {
			remove = append(remove, rid)
		}
	}

	for _, change := range []struct {
		rids   []string
		action whatsmeow.ParticipantChange
	}{
		{add, whatsmeow.ParticipantChangeAdd},
		{remove, whatsmeow.ParticipantChangeRemove},
	} {
		if len(change.rids) == 0 {
			continue
		}
		jids, err := parseJIDs(change.rids)
		if err != nil {
			return err
		}
		if _, err := a.api.UpdateGroupParticipants(ctx, jid, jids, change.action); err != nil {
			return fmt.Errorf("update participants: %w", err)
		}
	}
	return nil
}

// CreateConversation creates a group and returns its JID.
func (a *Adapter) CreateConversation(ctx context.Context, name string, members []string) (string, error) {
	self := a.SelfRemoteID()
	var rids []string
	for _, rid := range members {
		if rid != self {
			rids = append(rids, rid)
		}
	}
	jids, err := parseJIDs(rids)
	if err != nil {
		return "", err
	}
	info, err := a.api.CreateGroup(ctx, whatsmeow.ReqCreateGroup{Name: name, Participants: jids})
	if err != nil {
		return "", fmt.Errorf("create group: %w", err)
	}
	return remoteID(info.JID), nil
}
