package model

import (
	"slices"
	"sort"
	"time"
)

// ConversationType is set once and never changes after that.
type ConversationType int

const (
	ConversationInvalid ConversationType = iota
	ConversationSelf
	ConversationOneToOne
	ConversationGroup
	ConversationPendingConnection
)

var conversationTypeNames = map[ConversationType]string{
	ConversationInvalid:           "invalid",
	ConversationSelf:              "self",
	ConversationOneToOne:          "one_to_one",
	ConversationGroup:             "group",
	ConversationPendingConnection: "pending_connection",
}

func (t ConversationType) String() string {
	if s, ok := conversationTypeNames[t]; ok {
		return s
	}
	return "invalid"
}

// ParseConversationType maps a type name back to its value. Unknown names are invalid.
func ParseConversationType(s string) ConversationType {
	for t, name := range conversationTypeNames {
		if name == s {
			return t
		}
	}
	return ConversationInvalid
}

// ConnectionStatus is the state of a connection request between two users.
type ConnectionStatus int

const (
	ConnectionNone ConnectionStatus = iota
	// ConnectionPending is an incoming request awaiting the local user's answer.
	ConnectionPending
	// ConnectionSent is an outgoing request awaiting the other user.
	ConnectionSent
	ConnectionAccepted
	ConnectionBlocked
	ConnectionIgnored
	ConnectionCancelled
)

var connectionStatusNames = map[ConnectionStatus]string{
	ConnectionNone:      "none",
	ConnectionPending:   "pending",
	ConnectionSent:      "sent",
	ConnectionAccepted:  "accepted",
	ConnectionBlocked:   "blocked",
	ConnectionIgnored:   "ignored",
	ConnectionCancelled: "cancelled",
}

func (s ConnectionStatus) String() string {
	if n, ok := connectionStatusNames[s]; ok {
		return n
	}
	return "none"
}

// ParseConnectionStatus maps a status name back to its value.
func ParseConnectionStatus(s string) ConnectionStatus {
	for st, name := range connectionStatusNames {
		if name == s {
			return st
		}
	}
	return ConnectionNone
}

// CallState is the voice channel state shown in the list.
type CallState int

const (
	CallNone CallState = iota
	CallActive
	CallInactive
)

func (s CallState) String() string {
	switch s {
	case CallActive:
		return "active"
	case CallInactive:
		return "inactive"
	default:
		return "none"
	}
}

// Connection links a one-to-one or pending conversation to the other user.
type Connection struct {
	Status      ConnectionStatus
	RequestedAt time.Time
	UserID      ID
}

// ConversationState holds the persisted attributes of a conversation.
type ConversationState struct {
	RemoteID      string
	Type          ConversationType
	Name          string
	NameChangedAt time.Time

	Archived          bool
	ArchivedChangedAt time.Time
	Muted             bool
	MutedChangedAt    time.Time
	ClearedAt         time.Time
	LastServerAt      time.Time
	LastReadAt        time.Time
	LastModifiedAt    time.Time

	UnreadCount            int
	UnreadMentions         int
	UnreadReplies          int
	LastUnreadKnockAt      time.Time
	LastUnreadMissedCallAt time.Time
	HasUnreadUnsent        bool

	Call       CallState
	Connection Connection
}

// EffectiveType resolves accepted connection requests to one-to-one.
func (s ConversationState) EffectiveType() ConversationType {
	if s.Type == ConversationPendingConnection && s.Connection.Status == ConnectionAccepted {
		return ConversationOneToOne
	}
	return s.Type
}

// Unread extracts the derived unread cache.
func (s ConversationState) Unread() UnreadState {
	return UnreadState{
		Count:            s.UnreadCount,
		Mentions:         s.UnreadMentions,
		Replies:          s.UnreadReplies,
		LastKnockAt:      s.LastUnreadKnockAt,
		LastMissedCallAt: s.LastUnreadMissedCallAt,
	}
}

// PendingConnection reports whether the conversation waits on a connection request.
func (s ConversationState) PendingConnection() bool {
	if s.EffectiveType() == ConversationPendingConnection {
		return true
	}
	return s.Connection.Status == ConnectionPending || s.Connection.Status == ConnectionSent
}

// UnreadState is the derived unread cache of a conversation.
type UnreadState struct {
	Count            int
	Mentions         int
	Replies          int
	LastKnockAt      time.Time
	LastMissedCallAt time.Time
}

// Conversation is the aggregate owning messages, participants and read state.
type Conversation struct {
	Tracker

	id              ID
	st              ConversationState
	pendingLastRead time.Time
	messages        []*Message
	participants    map[ID]*User
}

// NewConversation creates a conversation with a fresh local identity.
func NewConversation(remoteID string, typ ConversationType) *Conversation {
	return RestoreConversation(NewID(), ConversationState{RemoteID: remoteID, Type: typ})
}

// RestoreConversation rebuilds a conversation from persisted state.
func RestoreConversation(id ID, st ConversationState) *Conversation {
	return &Conversation{
		Tracker: newTracker(KeyArchived, KeyMuted, KeyCleared, KeyLastRead, KeyParticipants, KeyName),
		id:      id,
		st:      st,
	}
}

func (c *Conversation) ID() ID                       { return c.id }
func (c *Conversation) State() ConversationState     { return c.st }
func (c *Conversation) Restore(st ConversationState) { c.st = st }
func (c *Conversation) RemoteID() string             { return c.st.RemoteID }
func (c *Conversation) Type() ConversationType       { return c.st.EffectiveType() }
func (c *Conversation) Name() string                 { return c.st.Name }
func (c *Conversation) NameChangedAt() time.Time     { return c.st.NameChangedAt }
func (c *Conversation) IsArchived() bool             { return c.st.Archived }
func (c *Conversation) ArchivedChangedAt() time.Time { return c.st.ArchivedChangedAt }
func (c *Conversation) IsMuted() bool                { return c.st.Muted }
func (c *Conversation) MutedChangedAt() time.Time    { return c.st.MutedChangedAt }
func (c *Conversation) ClearedAt() time.Time         { return c.st.ClearedAt }
func (c *Conversation) LastServerAt() time.Time      { return c.st.LastServerAt }
func (c *Conversation) LastReadAt() time.Time        { return c.st.LastReadAt }
func (c *Conversation) PendingLastReadAt() time.Time { return c.pendingLastRead }
func (c *Conversation) LastModifiedAt() time.Time    { return c.st.LastModifiedAt }
func (c *Conversation) HasUnreadUnsent() bool        { return c.st.HasUnreadUnsent }
func (c *Conversation) CallState() CallState         { return c.st.Call }
func (c *Conversation) Connection() Connection       { return c.st.Connection }
func (c *Conversation) IsPendingConnection() bool    { return c.st.PendingConnection() }

// SetRemoteID binds the conversation to its server identity once.
func (c *Conversation) SetRemoteID(remoteID string) error {
	if c.st.RemoteID == remoteID {
		return nil
	}
	if c.st.RemoteID != "" {
		return ErrRemoteIDReassigned
	}
	c.st.RemoteID = remoteID
	return nil
}

// SetType sets the conversation type. Once it is not invalid it cannot change.
func (c *Conversation) SetType(t ConversationType) error {
	if c.st.Type == t {
		return nil
	}
	if c.st.Type != ConversationInvalid {
		return ErrTypeImmutable
	}
	c.st.Type = t
	return nil
}

// Rename is the local rename action.
func (c *Conversation) Rename(name string, now time.Time) bool {
	ts := later(Millis(now), c.st.NameChangedAt)
	if c.st.Name == name {
		return false
	}
	c.st.Name = name
	c.st.NameChangedAt = ts
	c.MarkModified(KeyName)
	return true
}

// UpdateName applies a rename stamped ts if it is strictly newer.
func (c *Conversation) UpdateName(name string, ts time.Time) bool {
	ts = Millis(ts)
	if !ts.After(c.st.NameChangedAt) {
		return false
	}
	changed := c.st.Name != name
	c.st.Name = name
	c.st.NameChangedAt = ts
	return changed
}

// DisplayName is the name shown in lists.
func (c *Conversation) DisplayName() string {
	if c.st.Name != "" {
		return c.st.Name
	}
	if c.Type() == ConversationOneToOne || c.Type() == ConversationPendingConnection {
		for _, u := range c.Participants() {
			if !u.IsSelf() && u.Name() != "" {
				return u.Name()
			}
		}
	}
	return c.st.RemoteID
}

// Unread returns the derived unread cache.
func (c *Conversation) Unread() UnreadState {
	return c.st.Unread()
}

// SetUnread writes the derived unread cache. Only the sync context may do this.
func (c *Conversation) SetUnread(role Role, u UnreadState) error {
	if role != RoleSync {
		return ErrNotSyncContext
	}
	c.st.UnreadCount = u.Count
	c.st.UnreadMentions = u.Mentions
	c.st.UnreadReplies = u.Replies
	c.st.LastUnreadKnockAt = Millis(u.LastKnockAt)
	c.st.LastUnreadMissedCallAt = Millis(u.LastMissedCallAt)
	return nil
}

// SetCallState records the voice channel state.
func (c *Conversation) SetCallState(s CallState) bool {
	if c.st.Call == s {
		return false
	}
	c.st.Call = s
	return true
}

// UpdateConnection replaces the connection details.
func (c *Conversation) UpdateConnection(conn Connection) bool {
	conn.RequestedAt = Millis(conn.RequestedAt)
	if c.st.Connection.Status == conn.Status &&
		c.st.Connection.UserID == conn.UserID &&
		c.st.Connection.RequestedAt.Equal(conn.RequestedAt) {
		return false
	}
	c.st.Connection = conn
	return true
}

// ClearUnreadUnsent drops the expired-message marker once the user has seen it.
func (c *Conversation) ClearUnreadUnsent() bool {
	if !c.st.HasUnreadUnsent {
		return false
	}
	c.st.HasUnreadUnsent = false
	return true
}

// UpdateLastRead advances the durable read marker. It never moves backwards.
func (c *Conversation) UpdateLastRead(ts time.Time) bool {
	ts = Millis(ts)
	if !ts.After(c.st.LastReadAt) {
		return false
	}
	c.st.LastReadAt = ts
	return true
}

// SetPendingLastRead records a speculative read marker awaiting a coalesced save.
func (c *Conversation) SetPendingLastRead(ts time.Time) bool {
	ts = Millis(ts)
	if !ts.After(later(c.st.LastReadAt, c.pendingLastRead)) {
		return false
	}
	c.pendingLastRead = ts
	return true
}

// SavePendingLastRead moves the pending read marker into the durable one.
func (c *Conversation) SavePendingLastRead() bool {
	if c.pendingLastRead.IsZero() {
		return false
	}
	ts := c.pendingLastRead
	c.pendingLastRead = time.Time{}
	if !c.UpdateLastRead(ts) {
		return false
	}
	c.MarkModified(KeyLastRead)
	return true
}

// UpdateLastServer advances the newest server timestamp seen.
func (c *Conversation) UpdateLastServer(ts time.Time) bool {
	ts = Millis(ts)
	if !ts.After(c.st.LastServerAt) {
		return false
	}
	c.st.LastServerAt = ts
	return true
}

// UpdateLastModified advances the list sort timestamp.
func (c *Conversation) UpdateLastModified(ts time.Time) bool {
	ts = Millis(ts)
	if !ts.After(c.st.LastModifiedAt) {
		return false
	}
	c.st.LastModifiedAt = ts
	return true
}

// UpdateCleared advances the cleared timestamp. The last server timestamp is
// raised with it so that cleared never exceeds it.
func (c *Conversation) UpdateCleared(ts time.Time) bool {
	ts = Millis(ts)
	if !ts.After(c.st.ClearedAt) {
		return false
	}
	c.st.ClearedAt = ts
	c.UpdateLastServer(ts)
	return true
}

// UpdateArchived applies an archive change stamped ts. A strictly newer stamp
// wins; inclusive also accepts an equal stamp.
func (c *Conversation) UpdateArchived(archived bool, ts time.Time, inclusive bool) bool {
	ts = Millis(ts)
	if ts.Before(c.st.ArchivedChangedAt) || (!inclusive && ts.Equal(c.st.ArchivedChangedAt)) {
		return false
	}
	changed := c.st.Archived != archived || !ts.Equal(c.st.ArchivedChangedAt)
	c.st.Archived = archived
	c.st.ArchivedChangedAt = ts
	return changed
}

// UpdateMuted applies a mute change stamped ts if it is strictly newer.
func (c *Conversation) UpdateMuted(muted bool, ts time.Time) bool {
	ts = Millis(ts)
	if !ts.After(c.st.MutedChangedAt) {
		return false
	}
	c.st.Muted = muted
	c.st.MutedChangedAt = ts
	return true
}

// Archive is the local archive action.
func (c *Conversation) Archive(archived bool, now time.Time) bool {
	ts := later(Millis(now), c.st.ArchivedChangedAt)
	if c.st.Archived == archived {
		return false
	}
	c.st.Archived = archived
	c.st.ArchivedChangedAt = ts
	c.MarkModified(KeyArchived)
	return true
}

// Mute is the local mute action.
func (c *Conversation) Mute(muted bool, now time.Time) bool {
	ts := later(Millis(now), c.st.MutedChangedAt)
	if c.st.Muted == muted {
		return false
	}
	c.st.Muted = muted
	c.st.MutedChangedAt = ts
	c.MarkModified(KeyMuted)
	return true
}

// ClearHistory archives the conversation and moves both the cleared and the
// read marker to the newest server timestamp. Messages are kept.
func (c *Conversation) ClearHistory(now time.Time) {
	c.Archive(true, now)
	c.MarkModified(KeyArchived)
	last := c.st.LastServerAt
	if last.IsZero() {
		return
	}
	if last.After(c.st.ClearedAt) {
		c.st.ClearedAt = last
		c.MarkModified(KeyCleared)
	}
	if !last.Equal(c.st.LastReadAt) {
		c.st.LastReadAt = last
		c.MarkModified(KeyLastRead)
	}
	c.pendingLastRead = time.Time{}
}

// ApplyClear applies a clear-history event stamped ts. Its archive half wins
// ties against archive events carrying the same stamp.
func (c *Conversation) ApplyClear(ts time.Time) bool {
	changed := c.UpdateCleared(ts)
	if c.UpdateLastRead(ts) {
		changed = true
	}
	if c.UpdateArchived(true, ts, true) {
		changed = true
	}
	return changed
}

// Messages returns all messages in server timestamp order.
func (c *Conversation) Messages() []*Message {
	return slices.Clone(c.messages)
}

// History returns the visible messages: not hidden and newer than the cleared timestamp.
func (c *Conversation) History() []*Message {
	out := make([]*Message, 0, len(c.messages))
	for _, m := range c.messages {
		if m.IsHidden() {
			continue
		}
		if m.HasServerTimestamp() && !c.st.ClearedAt.IsZero() && !m.ServerTimestamp().After(c.st.ClearedAt) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// MessageByNonce looks up a message by its dedup key.
func (c *Conversation) MessageByNonce(nonce string) *Message {
	for _, m := range c.messages {
		if m.st.Nonce == nonce {
			return m
		}
	}
	return nil
}

// MessageByID looks up a message by local identity.
func (c *Conversation) MessageByID(id ID) *Message {
	for _, m := range c.messages {
		if m.id == id {
			return m
		}
	}
	return nil
}

// Insert adds a message at its timestamp position and updates the derived
// timestamps. Self-sent stamped messages advance the read marker.
func (c *Conversation) Insert(m *Message) error {
	if c.MessageByNonce(m.st.Nonce) != nil {
		return ErrDuplicateNonce
	}
	m.conv = c
	c.place(m)
	c.afterStamp(m)
	return nil
}

// AppendLocal adds a locally composed message, unarchiving the conversation.
func (c *Conversation) AppendLocal(m *Message, now time.Time) error {
	if err := c.Insert(m); err != nil {
		return err
	}
	c.UpdateLastModified(now)
	c.Archive(false, now)
	return nil
}

// AdoptServerTimestamp stamps a pending message from its server echo and moves
// it to its ordered position.
func (c *Conversation) AdoptServerTimestamp(m *Message, ts time.Time) error {
	if err := m.SetServerTimestamp(ts); err != nil {
		return err
	}
	if i := slices.Index(c.messages, m); i >= 0 {
		c.messages = slices.Delete(c.messages, i, i+1)
	}
	c.place(m)
	c.afterStamp(m)
	return nil
}

// RestoreMessages replaces the message sequence with persisted messages.
func (c *Conversation) RestoreMessages(msgs []*Message) {
	c.messages = c.messages[:0]
	for _, m := range msgs {
		m.conv = c
		c.messages = append(c.messages, m)
	}
	sort.SliceStable(c.messages, func(i, j int) bool { return c.messages[i].before(c.messages[j]) })
}

func (c *Conversation) place(m *Message) {
	i := sort.Search(len(c.messages), func(i int) bool { return m.before(c.messages[i]) })
	c.messages = slices.Insert(c.messages, i, m)
}

func (c *Conversation) afterStamp(m *Message) {
	if !m.HasServerTimestamp() {
		return
	}
	ts := m.ServerTimestamp()
	c.UpdateLastServer(ts)
	if GeneratesUnread(m.Content()) {
		c.UpdateLastModified(ts)
	}
	if m.sender != nil && m.sender.IsSelf() {
		c.UpdateLastRead(ts)
	}
}

// Participants returns the active participants sorted by identity.
func (c *Conversation) Participants() []*User {
	out := make([]*User, 0, len(c.participants))
	for _, u := range c.participants {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// HasParticipant reports whether u is an active participant.
func (c *Conversation) HasParticipant(u *User) bool {
	_, ok := c.participants[u.id]
	return ok
}

// AddParticipants links users on both sides of the relationship.
func (c *Conversation) AddParticipants(local bool, users ...*User) bool {
	changed := false
	for _, u := range users {
		if c.HasParticipant(u) {
			continue
		}
		if c.participants == nil {
			c.participants = make(map[ID]*User)
		}
		c.participants[u.id] = u
		u.link(c)
		changed = true
	}
	if changed && local {
		c.MarkModified(KeyParticipants)
	}
	return changed
}

// RemoveParticipants unlinks users on both sides of the relationship.
func (c *Conversation) RemoveParticipants(local bool, users ...*User) bool {
	changed := false
	for _, u := range users {
		if !c.HasParticipant(u) {
			continue
		}
		delete(c.participants, u.id)
		u.unlink(c)
		changed = true
	}
	if changed && local {
		c.MarkModified(KeyParticipants)
	}
	return changed
}

// RestoreParticipants replaces the participant set with persisted members.
func (c *Conversation) RestoreParticipants(users []*User) {
	for _, u := range c.participants {
		u.unlink(c)
	}
	c.participants = nil
	c.AddParticipants(false, users...)
}

// Merge folds dup into c: messages missing from c, participants and connection
// details move over, and c is flagged for a full refresh. dup is left detached.
func (c *Conversation) Merge(dup *Conversation) {
	for _, m := range dup.messages {
		if c.MessageByNonce(m.st.Nonce) != nil {
			continue
		}
		m.conv = c
		c.place(m)
		c.afterStamp(m)
	}
	dup.messages = nil

	members := dup.Participants()
	dup.RemoveParticipants(false, members...)
	c.AddParticipants(false, members...)

	if c.st.Connection.Status == ConnectionNone {
		c.st.Connection = dup.st.Connection
	}
	if c.st.Name == "" {
		c.st.Name = dup.st.Name
		c.st.NameChangedAt = dup.st.NameChangedAt
	}
	if c.st.Type == ConversationInvalid {
		c.st.Type = dup.st.Type
	}
	c.UpdateLastModified(dup.st.LastModifiedAt)
	c.UpdateLastRead(dup.st.LastReadAt)
	c.SetNeedsUpdateFromBackend(true)
}
