package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	sq "github.com/Masterminds/squirrel"

	"github.com/matheus3301/convsync/internal/model"
)

// Context is an isolated in-memory view of the store. Entities fetched through
// a context belong to it and must only be mutated inside its Perform.
type Context struct {
	mu    sync.Mutex
	role  model.Role
	store *Store
	self  *model.User

	conversations map[model.ID]*trackedConversation
	users         map[model.ID]*trackedUser
	stale         map[model.ID]struct{}
}

type trackedConversation struct {
	conv     *model.Conversation
	inserted bool
	deleted  bool
	snap     conversationSnapshot
}

type trackedUser struct {
	user     *model.User
	inserted bool
	snap     userSnapshot
}

func newContext(s *Store, role model.Role) *Context {
	return &Context{
		role:          role,
		store:         s,
		conversations: make(map[model.ID]*trackedConversation),
		users:         make(map[model.ID]*trackedUser),
		stale:         make(map[model.ID]struct{}),
	}
}

// Perform runs fn with exclusive access to the context.
func (c *Context) Perform(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn()
}

// Role reports which side the context serves.
func (c *Context) Role() model.Role { return c.role }

// Self returns the self user as seen by this context.
func (c *Context) Self() *model.User { return c.self }

// Owns reports whether conv was fetched or inserted through this context.
func (c *Context) Owns(conv *model.Conversation) bool {
	if conv == nil {
		return false
	}
	tc, ok := c.conversations[conv.ID()]
	return ok && !tc.deleted && tc.conv == conv
}

// Check returns ErrForeignObject unless conv belongs to this context.
func (c *Context) Check(conv *model.Conversation) error {
	if !c.Owns(conv) {
		return fmt.Errorf("conversation %s: %w", conv.ID(), ErrForeignObject)
	}
	return nil
}

func (c *Context) ownsUser(u *model.User) bool {
	tu, ok := c.users[u.ID()]
	return ok && tu.user == u
}

// Conversation returns the conversation with the given local identity, or nil.
func (c *Context) Conversation(ctx context.Context, id model.ID) (*model.Conversation, error) {
	if tc, ok := c.conversations[id]; ok {
		if tc.deleted {
			return nil, nil
		}
		return tc.conv, nil
	}
	convs, err := c.load(ctx, sq.Eq{"c.id": string(id)})
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return nil, nil
	}
	return convs[0], nil
}

// ConversationByRemoteID returns the conversation bound to remoteID, or nil.
func (c *Context) ConversationByRemoteID(ctx context.Context, remoteID string) (*model.Conversation, error) {
	if remoteID == "" {
		return nil, nil
	}
	for _, tc := range c.conversations {
		if !tc.deleted && tc.conv.RemoteID() == remoteID {
			return tc.conv, nil
		}
	}
	convs, err := c.load(ctx, sq.Eq{"c.remote_id": remoteID})
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return nil, nil
	}
	return convs[0], nil
}

// User returns the user with the given local identity, or nil.
func (c *Context) User(ctx context.Context, id model.ID) (*model.User, error) {
	if tu, ok := c.users[id]; ok {
		return tu.user, nil
	}
	users, err := c.loadUsers(ctx, sq.Eq{"id": string(id)})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	return users[0], nil
}

// UserByRemoteID returns the user bound to remoteID, or nil.
func (c *Context) UserByRemoteID(ctx context.Context, remoteID string) (*model.User, error) {
	if remoteID == "" {
		return nil, nil
	}
	for _, tu := range c.users {
		if tu.user.RemoteID() == remoteID {
			return tu.user, nil
		}
	}
	users, err := c.loadUsers(ctx, sq.Eq{"remote_id": remoteID})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	return users[0], nil
}

// Prefetch loads the conversations and users referenced by remote identifiers
// in two round trips, so that later lookups hit the registry.
func (c *Context) Prefetch(ctx context.Context, conversationRIDs, userRIDs []string) error {
	known := make(map[string]bool)
	for _, tc := range c.conversations {
		known[tc.conv.RemoteID()] = true
	}
	var convs []string
	for _, rid := range conversationRIDs {
		if rid != "" && !known[rid] {
			known[rid] = true
			convs = append(convs, rid)
		}
	}
	if len(convs) > 0 {
		if _, err := c.load(ctx, sq.Eq{"c.remote_id": convs}); err != nil {
			return fmt.Errorf("prefetch conversations: %w", err)
		}
	}

	knownUsers := make(map[string]bool)
	for _, tu := range c.users {
		knownUsers[tu.user.RemoteID()] = true
	}
	var users []string
	for _, rid := range userRIDs {
		if rid != "" && !knownUsers[rid] {
			knownUsers[rid] = true
			users = append(users, rid)
		}
	}
	if len(users) > 0 {
		if _, err := c.loadUsers(ctx, sq.Eq{"remote_id": users}); err != nil {
			return fmt.Errorf("prefetch users: %w", err)
		}
	}
	return nil
}

// Insert registers a new conversation. Its participants must already belong
// to the context.
func (c *Context) Insert(conv *model.Conversation) error {
	if tc, ok := c.conversations[conv.ID()]; ok {
		if tc.conv != conv {
			return fmt.Errorf("conversation %s: %w", conv.ID(), ErrForeignObject)
		}
		return nil
	}
	for _, u := range conv.Participants() {
		if !c.ownsUser(u) {
			return fmt.Errorf("participant %s: %w", u.ID(), ErrForeignObject)
		}
	}
	c.conversations[conv.ID()] = &trackedConversation{conv: conv, inserted: true}
	return nil
}

// InsertUser registers a new user.
func (c *Context) InsertUser(u *model.User) error {
	if tu, ok := c.users[u.ID()]; ok {
		if tu.user != u {
			return fmt.Errorf("user %s: %w", u.ID(), ErrForeignObject)
		}
		return nil
	}
	c.users[u.ID()] = &trackedUser{user: u, inserted: true}
	return nil
}

// Delete schedules conv for removal on the next save.
func (c *Context) Delete(conv *model.Conversation) error {
	if err := c.Check(conv); err != nil {
		return err
	}
	conv.RemoveParticipants(false, conv.Participants()...)
	tc := c.conversations[conv.ID()]
	if tc.inserted {
		delete(c.conversations, conv.ID())
		return nil
	}
	tc.deleted = true
	return nil
}

// Conversations returns every conversation in the store, loading as needed.
func (c *Context) Conversations(ctx context.Context) ([]*model.Conversation, error) {
	if _, err := c.load(ctx, nil); err != nil {
		return nil, err
	}
	return c.registered(func(*model.Conversation) bool { return true }), nil
}

// ConversationsWithLocalModifications returns conversations holding unpushed keys.
func (c *Context) ConversationsWithLocalModifications(ctx context.Context) ([]*model.Conversation, error) {
	where := sq.Expr("c.id IN (SELECT entity_id FROM modified_keys WHERE entity_kind = ?)", kindConversation)
	if _, err := c.load(ctx, where); err != nil {
		return nil, err
	}
	return c.registered(func(conv *model.Conversation) bool {
		return conv.HasLocalModifications()
	}), nil
}

// ConversationsNeedingUpdate returns conversations flagged for a full backend refresh.
func (c *Context) ConversationsNeedingUpdate(ctx context.Context) ([]*model.Conversation, error) {
	if _, err := c.load(ctx, sq.Eq{"c.needs_update": true}); err != nil {
		return nil, err
	}
	return c.registered(func(conv *model.Conversation) bool {
		return conv.NeedsUpdateFromBackend()
	}), nil
}

// UndeliveredMessages returns the self user's messages that still wait for a
// server timestamp and have not expired, oldest first.
func (c *Context) UndeliveredMessages(ctx context.Context) ([]*model.Message, error) {
	where := sq.Expr(`c.id IN (SELECT conversation_id FROM messages
		WHERE sender_id = ? AND server_at = 0 AND expired = 0)`, string(c.self.ID()))
	if _, err := c.load(ctx, where); err != nil {
		return nil, err
	}
	var out []*model.Message
	for _, conv := range c.registered(func(*model.Conversation) bool { return true }) {
		for _, m := range conv.Messages() {
			if m.SenderID() == c.self.ID() && !m.HasServerTimestamp() && !m.IsExpired() {
				out = append(out, m)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt().Before(out[j].CreatedAt()) })
	return out, nil
}

func (c *Context) registered(keep func(*model.Conversation) bool) []*model.Conversation {
	var out []*model.Conversation
	for _, tc := range c.conversations {
		if !tc.deleted && keep(tc.conv) {
			out = append(out, tc.conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// load fetches conversations matching where and registers the ones not yet
// known. Registered instances are returned as they are.
func (c *Context) load(ctx context.Context, where sq.Sqlizer) ([]*model.Conversation, error) {
	rows, err := c.store.conversationRows(ctx, where)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Conversation, 0, len(rows))
	for _, row := range rows {
		if tc, ok := c.conversations[row.ID]; ok {
			if !tc.deleted {
				out = append(out, tc.conv)
			}
			continue
		}
		conv := model.RestoreConversation(row.ID, row.State)
		tc := &trackedConversation{conv: conv}
		if err := c.fill(ctx, tc, row); err != nil {
			return nil, err
		}
		c.conversations[row.ID] = tc
		out = append(out, conv)
	}
	return out, nil
}

// fill loads the relationships of a conversation row into tc and takes its
// snapshot. Message instances already attached to the conversation are kept.
func (c *Context) fill(ctx context.Context, tc *trackedConversation, row ConversationRow) error {
	conv := tc.conv
	id := row.ID

	keys, err := c.store.modifiedKeys(ctx, kindConversation, []model.ID{id})
	if err != nil {
		return err
	}
	conv.LoadTracking(keys[id], row.NeedsUpdate)

	memberIDs, err := c.store.participantIDs(ctx, id)
	if err != nil {
		return err
	}
	members := make([]*model.User, 0, len(memberIDs))
	for _, uid := range memberIDs {
		u, err := c.User(ctx, uid)
		if err != nil {
			return err
		}
		if u != nil {
			members = append(members, u)
		}
	}
	conv.RestoreParticipants(members)

	msgRows, err := c.store.messageRows(ctx, id)
	if err != nil {
		return err
	}
	ids := make([]model.ID, len(msgRows))
	for i, r := range msgRows {
		ids[i] = r.ID
	}
	missing, err := c.store.missingRecipients(ctx, ids)
	if err != nil {
		return err
	}
	msgKeys, err := c.store.modifiedKeys(ctx, kindMessage, ids)
	if err != nil {
		return err
	}
	msgs := make([]*model.Message, 0, len(msgRows))
	for _, r := range msgRows {
		sender, err := c.User(ctx, r.State.SenderID)
		if err != nil {
			return err
		}
		m := conv.MessageByID(r.ID)
		if m == nil {
			m = model.RestoreMessage(r.ID, r.State, sender, missing[r.ID])
		} else {
			m.Restore(r.State, sender, missing[r.ID])
		}
		m.LoadTracking(msgKeys[r.ID], r.NeedsUpdate)
		msgs = append(msgs, m)
	}
	conv.RestoreMessages(msgs)

	snap, err := snapshotConversation(conv)
	if err != nil {
		return err
	}
	tc.snap = snap
	return nil
}

func (c *Context) loadUsers(ctx context.Context, where sq.Sqlizer) ([]*model.User, error) {
	rows, err := c.store.userRows(ctx, where)
	if err != nil {
		return nil, err
	}
	out := make([]*model.User, 0, len(rows))
	for _, row := range rows {
		if tu, ok := c.users[row.ID]; ok {
			out = append(out, tu.user)
			continue
		}
		u := c.adoptUser(row)
		keys, err := c.store.modifiedKeys(ctx, kindUser, []model.ID{row.ID})
		if err != nil {
			return nil, err
		}
		u.LoadTracking(keys[row.ID], row.NeedsUpdate)
		c.users[row.ID].snap = snapshotUser(u)
		out = append(out, u)
	}
	return out, nil
}

func (c *Context) adoptUser(row userRow) *model.User {
	u := model.RestoreUser(row.ID, row.State)
	u.SetNeedsUpdateFromBackend(row.NeedsUpdate)
	c.users[row.ID] = &trackedUser{user: u, snap: snapshotUser(u)}
	return u
}
