package wa

import (
	"fmt"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/event"
	"github.com/matheus3301/convsync/internal/status"
)

// EventHandler translates whatsmeow events into update batches, drives the
// state machine and publishes on the bus. It does not call the sync engine;
// the engine subscribes to the bus independently.
type EventHandler struct {
	bus     *bus.Bus
	machine *status.Machine
	self    func() string
	logger  *zap.Logger

	mu       sync.Mutex
	accepted map[string]bool
}

// NewEventHandler creates a new event handler. self returns the remote id of
// the paired account; it attributes our own history and app-state changes.
func NewEventHandler(b *bus.Bus, machine *status.Machine, self func() string, logger *zap.Logger) *EventHandler {
	if self == nil {
		self = func() string { return "" }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{
		bus:      b,
		machine:  machine,
		self:     self,
		logger:   logger,
		accepted: make(map[string]bool),
	}
}

// Handle is the main whatsmeow event handler function.
func (h *EventHandler) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		h.handleMessage(evt)
	case *events.Receipt:
		h.publish(h.receipt(evt)...)
	case *events.Archive:
		h.publish(event.New(remoteID(evt.JID), h.self(), "", evt.Timestamp,
			event.Archive{Archived: evt.Action.GetArchived()}))
	case *events.Mute:
		h.publish(event.New(remoteID(evt.JID), h.self(), "", evt.Timestamp,
			event.Mute{Muted: evt.Action.GetMuted()}))
	case *events.ClearChat:
		h.publish(event.New(remoteID(evt.JID), h.self(), "", evt.Timestamp, event.Clear{}))
	case *events.MarkChatAsRead:
		if evt.Action.GetRead() {
			h.publish(event.New(remoteID(evt.JID), h.self(), "", evt.Timestamp, event.LastRead{}))
		}
	case *events.GroupInfo:
		h.publish(groupInfo(evt)...)
	case *events.CallOffer:
		h.handleCall(evt.BasicCallMeta, event.CallActive)
	case *events.CallAccept:
		h.mu.Lock()
		h.accepted[evt.CallID] = true
		h.mu.Unlock()
	case *events.CallTerminate:
		h.mu.Lock()
		accepted := h.accepted[evt.CallID]
		delete(h.accepted, evt.CallID)
		h.mu.Unlock()
		if accepted {
			h.handleCall(evt.BasicCallMeta, event.CallEnded)
		} else {
			h.handleCall(evt.BasicCallMeta, event.CallMissed)
		}
	case *events.HistorySync:
		h.handleHistorySync(evt)
	case *events.Connected:
		h.logger.Info("WhatsApp connected")
		current := h.machine.Current()
		if current == status.AuthRequired || current == status.Reconnecting {
			_ = h.machine.Transition(status.Connecting)
		}
		_ = h.machine.Transition(status.Syncing)
		h.bus.Publish(bus.NewEvent(bus.KindConnected, nil))
	case *events.Disconnected:
		h.logger.Warn("WhatsApp disconnected")
		_ = h.machine.Transition(status.Reconnecting)
		h.bus.Publish(bus.NewEvent(bus.KindDisconnected, nil))
	case *events.LoggedOut:
		h.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		_ = h.machine.Transition(status.AuthRequired)
		h.bus.Publish(bus.NewEvent(bus.KindLoggedOut, evt.Reason.String()))
	}
}

func (h *EventHandler) publish(updates ...event.Update) {
	if len(updates) == 0 {
		return
	}
	h.bus.Publish(bus.NewEvent(bus.KindTransportUpdates, updates))
}

func (h *EventHandler) handleMessage(evt *events.Message) {
	if h.machine.Current() == status.Syncing {
		_ = h.machine.Transition(status.Ready)
	}
	u, ok := messageUpdate(evt.Info, evt.Message)
	if !ok {
		h.logger.Debug("ignoring message without content",
			zap.String("chat", evt.Info.Chat.String()),
			zap.String("id", evt.Info.ID),
		)
		return
	}
	h.publish(u)
}

// messageUpdate maps a message to a message-add, or to a hide when it is a
// revoke. Reports false for bodies with nothing to mirror.
func messageUpdate(info types.MessageInfo, msg *waE2E.Message) (event.Update, bool) {
	conv := remoteID(info.Chat)
	sender := remoteID(info.Sender)
	if id := revokedID(msg); id != "" {
		return event.New(conv, sender, id, info.Timestamp, event.MessageHide{}), true
	}
	content := ParseContent(msg)
	if content == nil {
		return event.Update{}, false
	}
	u := event.New(conv, sender, info.ID, info.Timestamp, event.MessageAdd{Content: content})
	u.ConversationType = conversationType(info.Chat)
	return u, true
}

// receipt maps delivery and read receipts of our messages to confirmations,
// and reads from our other devices to a read marker move.
func (h *EventHandler) receipt(evt *events.Receipt) []event.Update {
	conv := remoteID(evt.Chat)
	switch evt.Type {
	case types.ReceiptTypeReadSelf:
		return []event.Update{event.New(conv, h.self(), "", evt.Timestamp, event.LastRead{})}
	case types.ReceiptTypeDelivered, types.ReceiptTypeRead:
		if evt.IsFromMe || len(evt.MessageIDs) == 0 {
			return nil
		}
		nonces := make([]string, 0, len(evt.MessageIDs))
		for _, id := range evt.MessageIDs {
			nonces = append(nonces, string(id))
		}
		return []event.Update{event.New(conv, remoteID(evt.Sender), "", evt.Timestamp, event.Confirmation{
			Nonces: nonces,
			Read:   evt.Type == types.ReceiptTypeRead,
		})}
	default:
		return nil
	}
}

func groupInfo(evt *events.GroupInfo) []event.Update {
	conv := remoteID(evt.JID)
	var sender string
	if evt.Sender != nil {
		sender = remoteID(*evt.Sender)
	}
	var out []event.Update
	add := func(p event.Payload) {
		u := event.New(conv, sender, "", evt.Timestamp, p)
		u.ConversationType = conversationType(evt.JID)
		out = append(out, u)
	}
	if evt.Name != nil && evt.Name.Name != "" {
		add(event.Rename{Name: evt.Name.Name})
	}
	if len(evt.Join) > 0 {
		add(event.MemberJoin{UserIDs: remoteIDs(evt.Join)})
	}
	if len(evt.Leave) > 0 {
		add(event.MemberLeave{UserIDs: remoteIDs(evt.Leave)})
	}
	return out
}

func (h *EventHandler) handleCall(meta types.BasicCallMeta, state event.CallState) {
	caller := meta.CallCreator
	if caller.IsEmpty() {
		caller = meta.From
	}
	// The call id doubles as nonce so the missed call message is stable on replay.
	var nonce string
	if state == event.CallMissed {
		nonce = fmt.Sprintf("call-%s", meta.CallID)
	}
	h.publish(event.New(remoteID(meta.From), remoteID(caller), nonce, meta.Timestamp, event.Call{State: state}))
}

func (h *EventHandler) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}
	self := h.self()

	var batch []event.Update
	for _, conv := range data.GetConversations() {
		chat, err := types.ParseJID(conv.GetID())
		if err != nil {
			h.logger.Warn("skipping history conversation", zap.String("id", conv.GetID()), zap.Error(err))
			continue
		}
		rid := remoteID(chat)
		convTS := time.Unix(int64(conv.GetConversationTimestamp()), 0)

		if name := conv.GetName(); name != "" && chat.Server == types.GroupServer {
			u := event.New(rid, "", "", convTS, event.Rename{Name: name})
			u.ConversationType = conversationType(chat)
			batch = append(batch, u)
		}
		if conv.GetArchived() {
			batch = append(batch, event.New(rid, self, "", convTS, event.Archive{Archived: true}))
		}

		for _, hm := range conv.GetMessages() {
			wmsg := hm.GetMessage()
			if wmsg == nil || wmsg.GetMessage() == nil {
				continue
			}
			key := wmsg.GetKey()
			info := types.MessageInfo{
				MessageSource: types.MessageSource{Chat: chat, IsFromMe: key.GetFromMe()},
				ID:            key.GetID(),
				Timestamp:     time.Unix(int64(wmsg.GetMessageTimestamp()), 0),
			}
			switch {
			case key.GetFromMe():
				if self == "" {
					continue
				}
				info.Sender, _ = types.ParseJID(self)
			case key.GetParticipant() != "":
				info.Sender, _ = types.ParseJID(key.GetParticipant())
			default:
				info.Sender = chat
			}
			if u, ok := messageUpdate(info, wmsg.GetMessage()); ok {
				batch = append(batch, u)
			}
		}
	}

	h.logger.Info("history sync received",
		zap.Int("conversations", len(data.GetConversations())),
		zap.Int("updates", len(batch)),
	)
	h.publish(batch...)
}

func remoteIDs(jids []types.JID) []string {
	out := make([]string, 0, len(jids))
	for _, jid := range jids {
		out = append(out, remoteID(jid))
	}
	return out
}
