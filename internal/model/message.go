package model

import (
	"slices"
	"sort"
	"time"
)

// MessageState holds the persisted attributes of a message.
type MessageState struct {
	Nonce     string
	SenderID  ID
	ServerAt  time.Time
	CreatedAt time.Time
	Delivered bool
	Expired   bool
	Hidden    bool
	Content   Content
}

// Message is one entry in a conversation. It is never removed while its
// conversation exists; deletion redacts the content and hides it.
type Message struct {
	Tracker

	id      ID
	conv    *Conversation
	sender  *User
	st      MessageState
	missing map[ID]struct{}
}

// NewMessage creates a message that has not been seen by the server yet.
func NewMessage(nonce string, sender *User, content Content, createdAt time.Time) *Message {
	m := RestoreMessage(NewID(), MessageState{
		Nonce:     nonce,
		CreatedAt: Millis(createdAt),
		Content:   content,
	}, sender, nil)
	return m
}

// RestoreMessage rebuilds a message from persisted state.
func RestoreMessage(id ID, st MessageState, sender *User, missing []ID) *Message {
	m := &Message{
		Tracker: newTracker(KeyVisible),
		id:      id,
	}
	m.Restore(st, sender, missing)
	return m
}

// Restore replaces the persisted attributes in place.
func (m *Message) Restore(st MessageState, sender *User, missing []ID) {
	if sender != nil {
		st.SenderID = sender.id
	}
	m.st = st
	m.sender = sender
	m.missing = nil
	for _, id := range missing {
		m.addMissing(id)
	}
}

func (m *Message) ID() ID                      { return m.id }
func (m *Message) Nonce() string               { return m.st.Nonce }
func (m *Message) Conversation() *Conversation { return m.conv }
func (m *Message) Sender() *User               { return m.sender }
func (m *Message) SenderID() ID                { return m.st.SenderID }
func (m *Message) ServerTimestamp() time.Time  { return m.st.ServerAt }
func (m *Message) CreatedAt() time.Time        { return m.st.CreatedAt }
func (m *Message) IsDelivered() bool           { return m.st.Delivered }
func (m *Message) IsExpired() bool             { return m.st.Expired }
func (m *Message) IsHidden() bool              { return m.st.Hidden }
func (m *Message) Content() Content            { return m.st.Content }
func (m *Message) State() MessageState         { return m.st }

// HasServerTimestamp reports whether the server has stamped the message.
func (m *Message) HasServerTimestamp() bool {
	return !m.st.ServerAt.IsZero()
}

// SetServerTimestamp assigns the server timestamp. It can happen only once.
// Messages already in a conversation go through Conversation.AdoptServerTimestamp.
func (m *Message) SetServerTimestamp(ts time.Time) error {
	if m.HasServerTimestamp() {
		return ErrServerTimestampAssigned
	}
	m.st.ServerAt = Millis(ts)
	return nil
}

// MarkDelivered sets the delivery flag. Reports whether it changed.
func (m *Message) MarkDelivered() bool {
	if m.st.Delivered {
		return false
	}
	m.st.Delivered = true
	m.st.Expired = false
	return true
}

// MarkExpired flags a message whose send failed and records it on the conversation.
func (m *Message) MarkExpired() bool {
	if m.st.Expired || m.st.Delivered {
		return false
	}
	m.st.Expired = true
	if m.conv != nil {
		m.conv.st.HasUnreadUnsent = true
	}
	return true
}

// Hide redacts the content and hides the message. Local hides are marked for push.
func (m *Message) Hide(local bool) bool {
	if m.st.Hidden {
		return false
	}
	m.st.Hidden = true
	if m.st.Content != nil {
		m.st.Content = m.st.Content.redacted()
	}
	if local {
		m.MarkModified(KeyVisible)
	}
	return true
}

// MentionsUser reports whether a text message mentions the given remote user.
func (m *Message) MentionsUser(remoteID string) bool {
	t, ok := m.st.Content.(Text)
	if !ok || remoteID == "" {
		return false
	}
	return slices.Contains(t.Mentions, remoteID)
}

// QuotedNonce returns the nonce of the quoted message, if any.
func (m *Message) QuotedNonce() string {
	if t, ok := m.st.Content.(Text); ok {
		return t.QuotedNonce
	}
	return ""
}

// MissingRecipients returns the recipients that have not received the message yet.
func (m *Message) MissingRecipients() []ID {
	out := make([]ID, 0, len(m.missing))
	for id := range m.missing {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AddMissingRecipients grows the missing set after a failed delivery.
func (m *Message) AddMissingRecipients(ids ...ID) bool {
	changed := false
	for _, id := range ids {
		if _, ok := m.missing[id]; !ok {
			m.addMissing(id)
			changed = true
		}
	}
	return changed
}

// RemoveMissingRecipients shrinks the missing set as confirmations arrive.
func (m *Message) RemoveMissingRecipients(ids ...ID) bool {
	changed := false
	for _, id := range ids {
		if _, ok := m.missing[id]; ok {
			delete(m.missing, id)
			changed = true
		}
	}
	return changed
}

func (m *Message) addMissing(id ID) {
	if m.missing == nil {
		m.missing = make(map[ID]struct{})
	}
	m.missing[id] = struct{}{}
}

// before orders messages by server timestamp. Unstamped messages sort after
// stamped ones, in creation order.
func (m *Message) before(o *Message) bool {
	ms, os := m.HasServerTimestamp(), o.HasServerTimestamp()
	switch {
	case ms && !os:
		return true
	case !ms && os:
		return false
	case ms && os && !m.st.ServerAt.Equal(o.st.ServerAt):
		return m.st.ServerAt.Before(o.st.ServerAt)
	case !m.st.CreatedAt.Equal(o.st.CreatedAt):
		return m.st.CreatedAt.Before(o.st.CreatedAt)
	default:
		return m.st.Nonce < o.st.Nonce
	}
}
