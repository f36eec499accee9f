package model

import "sort"

// UserState holds the persisted attributes of a user.
type UserState struct {
	RemoteID string
	Name     string
	IsSelf   bool
}

// User is a participant or message sender. Placeholder users are created for
// unknown remote identifiers and flagged for a backend refresh.
type User struct {
	Tracker

	id            ID
	st            UserState
	conversations map[ID]*Conversation
}

// NewUser creates a user with a fresh local identity.
func NewUser(remoteID, name string) *User {
	return RestoreUser(NewID(), UserState{RemoteID: remoteID, Name: name})
}

// NewPlaceholderUser creates a user known only by remote identifier.
func NewPlaceholderUser(remoteID string) *User {
	u := NewUser(remoteID, "")
	u.SetNeedsUpdateFromBackend(true)
	return u
}

// NewSelfUser creates the local user.
func NewSelfUser(remoteID, name string) *User {
	u := NewUser(remoteID, name)
	u.st.IsSelf = true
	return u
}

// RestoreUser rebuilds a user from persisted state.
func RestoreUser(id ID, st UserState) *User {
	return &User{
		Tracker: newTracker(KeyUserName),
		id:      id,
		st:      st,
	}
}

func (u *User) ID() ID               { return u.id }
func (u *User) RemoteID() string     { return u.st.RemoteID }
func (u *User) Name() string         { return u.st.Name }
func (u *User) IsSelf() bool         { return u.st.IsSelf }
func (u *User) State() UserState     { return u.st }
func (u *User) Restore(st UserState) { u.st = st }

// SetRemoteID binds the user to a remote identifier once.
func (u *User) SetRemoteID(remoteID string) error {
	if u.st.RemoteID == remoteID {
		return nil
	}
	if u.st.RemoteID != "" {
		return ErrRemoteIDReassigned
	}
	u.st.RemoteID = remoteID
	return nil
}

// SetName changes the display name. Local changes are marked for push.
func (u *User) SetName(name string, local bool) bool {
	if u.st.Name == name {
		return false
	}
	u.st.Name = name
	if local {
		u.MarkModified(KeyUserName)
	}
	return true
}

// Conversations returns the conversations the user actively participates in,
// limited to those loaded in the same context.
func (u *User) Conversations() []*Conversation {
	out := make([]*Conversation, 0, len(u.conversations))
	for _, c := range u.conversations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (u *User) link(c *Conversation) {
	if u.conversations == nil {
		u.conversations = make(map[ID]*Conversation)
	}
	u.conversations[c.id] = c
}

func (u *User) unlink(c *Conversation) {
	delete(u.conversations, c.id)
}

// Detach drops every conversation link held by the user.
func (u *User) Detach() {
	u.conversations = nil
}
