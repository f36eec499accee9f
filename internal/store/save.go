package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/model"
)

// Changes describes what a committed save wrote. It is published on the bus
// so that other contexts can merge the rows back into their own handles.
type Changes struct {
	Role model.Role

	// Conversations maps each written conversation to its changed columns.
	// Relationship changes appear as "participants" and "messages".
	Conversations map[model.ID][]string
	Deleted       []model.ID
	Users         []model.ID
}

// ConversationIDs returns the written and deleted conversations in order.
func (ch Changes) ConversationIDs() []model.ID {
	ids := make([]model.ID, 0, len(ch.Conversations)+len(ch.Deleted))
	for id := range ch.Conversations {
		ids = append(ids, id)
	}
	ids = append(ids, ch.Deleted...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Empty reports whether the save wrote nothing.
func (ch Changes) Empty() bool {
	return len(ch.Conversations) == 0 && len(ch.Deleted) == 0 && len(ch.Users) == 0
}

type conversationSnapshot struct {
	values       map[string]any
	participants map[model.ID]struct{}
	modified     map[model.Key]struct{}
	messages     map[model.ID]messageSnapshot
}

type messageSnapshot struct {
	values   map[string]any
	missing  map[model.ID]struct{}
	modified map[model.Key]struct{}
}

type userSnapshot struct {
	values   map[string]any
	modified map[model.Key]struct{}
}

func keySet(keys []model.Key) map[model.Key]struct{} {
	out := make(map[model.Key]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}

func idSet(ids []model.ID) map[model.ID]struct{} {
	out := make(map[model.ID]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func snapshotUser(u *model.User) userSnapshot {
	return userSnapshot{values: userValues(u), modified: keySet(u.ModifiedKeys())}
}

func snapshotMessage(m *model.Message, convID model.ID) (messageSnapshot, error) {
	values, err := messageValues(m, convID)
	if err != nil {
		return messageSnapshot{}, err
	}
	return messageSnapshot{
		values:   values,
		missing:  idSet(m.MissingRecipients()),
		modified: keySet(m.ModifiedKeys()),
	}, nil
}

func snapshotConversation(conv *model.Conversation) (conversationSnapshot, error) {
	snap := conversationSnapshot{
		values:   conversationValues(conv),
		modified: keySet(conv.ModifiedKeys()),
		messages: make(map[model.ID]messageSnapshot),
	}
	members := conv.Participants()
	snap.participants = make(map[model.ID]struct{}, len(members))
	for _, u := range members {
		snap.participants[u.ID()] = struct{}{}
	}
	for _, m := range conv.Messages() {
		ms, err := snapshotMessage(m, conv.ID())
		if err != nil {
			return snap, err
		}
		snap.messages[m.ID()] = ms
	}
	return snap, nil
}

// plan is the set of statements persisting one entity, with the snapshot the
// entity takes once they commit.
type plan struct {
	id       model.ID
	stmts    []sq.Sqlizer
	columns  []string
	messages bool
	guarded  bool

	user *trackedUser
	conv *trackedConversation
	next any
}

func (p *plan) add(s sq.Sqlizer) { p.stmts = append(p.stmts, s) }

func (p *plan) empty() bool { return len(p.stmts) == 0 }

func planKeys(p *plan, kind string, id model.ID, prev map[model.Key]struct{}, cur []model.Key) bool {
	changed := false
	now := keySet(cur)
	for k := range now {
		if _, ok := prev[k]; !ok {
			p.add(sq.Insert("modified_keys").Options("OR IGNORE").
				Columns("entity_kind", "entity_id", "key").
				Values(kind, string(id), string(k)))
			changed = true
		}
	}
	for k := range prev {
		if _, ok := now[k]; !ok {
			p.add(sq.Delete("modified_keys").
				Where(sq.Eq{"entity_kind": kind, "entity_id": string(id), "key": string(k)}))
			changed = true
		}
	}
	return changed
}

func (c *Context) planUser(tu *trackedUser) plan {
	u := tu.user
	p := plan{id: u.ID(), user: tu}
	values := userValues(u)
	if tu.inserted {
		p.add(sq.Insert("users").SetMap(withID(values, u.ID())))
		p.columns = sortedKeys(values)
	} else if diff := changedValues(tu.snap.values, values); len(diff) > 0 {
		p.add(sq.Update("users").SetMap(diff).Where(sq.Eq{"id": string(u.ID())}))
		p.columns = sortedKeys(diff)
	}
	planKeys(&p, kindUser, u.ID(), tu.snap.modified, u.ModifiedKeys())
	p.next = snapshotUser(u)
	return p
}

func (c *Context) planConversation(tc *trackedConversation) (plan, error) {
	conv := tc.conv
	id := string(conv.ID())
	p := plan{id: conv.ID(), conv: tc}

	if tc.deleted {
		p.add(sq.Expr(`DELETE FROM modified_keys WHERE entity_kind = ?
			AND entity_id IN (SELECT id FROM messages WHERE conversation_id = ?)`, kindMessage, id))
		p.add(sq.Delete("conversations").Where(sq.Eq{"id": id}))
		p.add(sq.Delete("modified_keys").Where(sq.Eq{"entity_kind": kindConversation, "entity_id": id}))
		return p, nil
	}

	values := conversationValues(conv)
	if tc.inserted {
		p.add(sq.Insert("conversations").SetMap(withID(values, conv.ID())))
		p.columns = sortedKeys(values)
	} else if diff := changedValues(tc.snap.values, values); len(diff) > 0 {
		p.columns = sortedKeys(diff)
		p.guarded = planConversationUpdate(&p, id, diff, values)
	}

	members := make(map[model.ID]struct{})
	for _, u := range conv.Participants() {
		if !c.ownsUser(u) {
			return p, fmt.Errorf("participant %s of %s: %w", u.ID(), id, ErrForeignObject)
		}
		members[u.ID()] = struct{}{}
	}
	membersChanged := false
	for uid := range members {
		if _, ok := tc.snap.participants[uid]; !ok {
			p.add(sq.Insert("participants").Options("OR IGNORE").
				Columns("conversation_id", "user_id").Values(id, string(uid)))
			membersChanged = true
		}
	}
	for uid := range tc.snap.participants {
		if _, ok := members[uid]; !ok {
			p.add(sq.Delete("participants").Where(sq.Eq{"conversation_id": id, "user_id": string(uid)}))
			membersChanged = true
		}
	}
	if membersChanged {
		p.columns = append(p.columns, "participants")
	}
	if planKeys(&p, kindConversation, conv.ID(), tc.snap.modified, conv.ModifiedKeys()) {
		p.columns = append(p.columns, "modified_keys")
	}

	for _, m := range conv.Messages() {
		changed, err := planMessage(&p, m, conv.ID(), tc.snap.messages)
		if err != nil {
			return p, err
		}
		if changed {
			p.messages = true
		}
	}
	if p.messages {
		p.columns = append(p.columns, "messages")
	}

	next, err := snapshotConversation(conv)
	if err != nil {
		return p, err
	}
	p.next = next
	return p, nil
}

// Timestamps that only move forward. A handle loaded before another context's
// save must not lower them.
var monotonicColumns = []string{"cleared_at", "last_server_at", "last_read_at", "last_modified_at"}

// Last-write-wins values and the stamp deciding them.
var stampedColumns = [][2]string{
	{"archived", "archived_changed_at"},
	{"muted", "muted_changed_at"},
	{"name", "name_changed_at"},
}

var guardedColumns = []string{
	"archived", "archived_changed_at", "muted", "muted_changed_at", "name", "name_changed_at",
	"cleared_at", "last_server_at", "last_read_at", "last_modified_at",
}

// planConversationUpdate writes a conversation's column diff so that the
// stored row never goes back in time: monotonic timestamps are raised with
// MAX and stamped values are only replaced by a stamp at least as new. It
// reports whether any guarded column was part of the diff.
func planConversationUpdate(p *plan, id string, diff, values map[string]any) bool {
	guarded := false
	for _, col := range monotonicColumns {
		if v, ok := diff[col]; ok {
			diff[col] = sq.Expr("MAX("+col+", ?)", v)
			guarded = true
		}
	}
	var stamped []sq.Sqlizer
	for _, pair := range stampedColumns {
		value, stamp := pair[0], pair[1]
		_, valueChanged := diff[value]
		_, stampChanged := diff[stamp]
		if !valueChanged && !stampChanged {
			continue
		}
		delete(diff, value)
		delete(diff, stamp)
		stamped = append(stamped, sq.Update("conversations").
			Set(value, values[value]).
			Set(stamp, values[stamp]).
			Where(sq.And{sq.Eq{"id": id}, sq.LtOrEq{stamp: values[stamp]}}))
		guarded = true
	}
	if len(diff) > 0 {
		p.add(sq.Update("conversations").SetMap(diff).Where(sq.Eq{"id": id}))
	}
	for _, s := range stamped {
		p.add(s)
	}
	return guarded
}

// diverged reports whether the stored guarded columns differ from want after
// a guarded update, meaning the row kept newer values than the handle held.
func diverged(ctx context.Context, tx *sql.Tx, id model.ID, want map[string]any) (bool, error) {
	query, args, err := sq.Select(guardedColumns...).From("conversations").
		Where(sq.Eq{"id": string(id)}).ToSql()
	if err != nil {
		return false, err
	}
	var archived, muted bool
	var name string
	var archivedAt, mutedAt, nameAt, cleared, lastServer, lastRead, lastModified int64
	err = tx.QueryRowContext(ctx, query, args...).Scan(
		&archived, &archivedAt, &muted, &mutedAt, &name, &nameAt,
		&cleared, &lastServer, &lastRead, &lastModified)
	if err != nil {
		return false, err
	}
	got := map[string]any{
		"archived":            archived,
		"archived_changed_at": archivedAt,
		"muted":               muted,
		"muted_changed_at":    mutedAt,
		"name":                name,
		"name_changed_at":     nameAt,
		"cleared_at":          cleared,
		"last_server_at":      lastServer,
		"last_read_at":        lastRead,
		"last_modified_at":    lastModified,
	}
	for k, v := range got {
		if want[k] != v {
			return true, nil
		}
	}
	return false, nil
}

func planMessage(p *plan, m *model.Message, convID model.ID, prev map[model.ID]messageSnapshot) (bool, error) {
	values, err := messageValues(m, convID)
	if err != nil {
		return false, err
	}
	id := string(m.ID())
	changed := false
	snap, known := prev[m.ID()]
	if !known {
		p.add(sq.Insert("messages").SetMap(withID(values, m.ID())))
		changed = true
	} else if diff := changedValues(snap.values, values); len(diff) > 0 {
		p.add(sq.Update("messages").SetMap(diff).Where(sq.Eq{"id": id}))
		changed = true
	}

	missing := idSet(m.MissingRecipients())
	for uid := range missing {
		if _, ok := snap.missing[uid]; !ok {
			p.add(sq.Insert("missing_recipients").Options("OR IGNORE").
				Columns("message_id", "user_id").Values(id, string(uid)))
			changed = true
		}
	}
	for uid := range snap.missing {
		if _, ok := missing[uid]; !ok {
			p.add(sq.Delete("missing_recipients").Where(sq.Eq{"message_id": id, "user_id": string(uid)}))
			changed = true
		}
	}
	if planKeys(p, kindMessage, m.ID(), snap.modified, m.ModifiedKeys()) {
		changed = true
	}
	return changed, nil
}

// plans builds every pending write in execution order: users, deletions, then
// the remaining conversations.
func (c *Context) plans() ([]plan, error) {
	var users, deleted, convs []plan
	for _, tu := range c.users {
		if p := c.planUser(tu); !p.empty() {
			users = append(users, p)
		}
	}
	for _, tc := range c.conversations {
		p, err := c.planConversation(tc)
		if err != nil {
			return nil, err
		}
		if p.empty() {
			continue
		}
		if tc.deleted {
			deleted = append(deleted, p)
		} else {
			convs = append(convs, p)
		}
	}
	byID := func(ps []plan) {
		sort.Slice(ps, func(i, j int) bool { return ps[i].id < ps[j].id })
	}
	byID(users)
	byID(deleted)
	byID(convs)
	out := append(users, deleted...)
	return append(out, convs...), nil
}

// HasChanges reports whether Save would write anything.
func (c *Context) HasChanges() bool {
	ps, err := c.plans()
	return err != nil || len(ps) > 0
}

// Save writes every pending change in one transaction. On failure the
// in-memory state is left untouched and the error wraps ErrSaveFailed.
func (c *Context) Save(ctx context.Context) error {
	ps, err := c.plans()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSaveFailed, err)
	}
	if len(ps) == 0 {
		return nil
	}

	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %w", ErrSaveFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	var behind []model.ID
	for _, p := range ps {
		for _, s := range p.stmts {
			if err := execSqlizer(ctx, tx, s); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrSaveFailed, p.id, err)
			}
		}
		if !p.guarded {
			continue
		}
		stale, err := diverged(ctx, tx, p.id, p.next.(conversationSnapshot).values)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrSaveFailed, p.id, err)
		}
		if stale {
			behind = append(behind, p.id)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrSaveFailed, err)
	}

	changes := c.commit(ps)
	c.store.logger.Debug("context saved",
		zap.Stringer("role", c.role),
		zap.Int("conversations", len(changes.Conversations)),
		zap.Int("deleted", len(changes.Deleted)),
		zap.Int("users", len(changes.Users)),
	)
	c.store.publish(changes)

	for _, id := range behind {
		c.stale[id] = struct{}{}
	}
	if len(c.stale) > 0 {
		ids := make([]model.ID, 0, len(c.stale))
		for id := range c.stale {
			ids = append(ids, id)
		}
		c.stale = make(map[model.ID]struct{})
		if err := c.Refresh(ctx, ids); err != nil {
			c.store.logger.Warn("refresh after save failed", zap.Error(err))
		}
	}
	return nil
}

func (c *Context) commit(ps []plan) Changes {
	changes := Changes{Role: c.role, Conversations: make(map[model.ID][]string)}
	for _, p := range ps {
		switch {
		case p.user != nil:
			p.user.inserted = false
			p.user.snap = p.next.(userSnapshot)
			changes.Users = append(changes.Users, p.id)
		case p.conv.deleted:
			delete(c.conversations, p.id)
			changes.Deleted = append(changes.Deleted, p.id)
		default:
			p.conv.inserted = false
			p.conv.snap = p.next.(conversationSnapshot)
			changes.Conversations[p.id] = p.columns
		}
	}
	return changes
}

// Rollback discards every unsaved change by dropping all registered entities.
// The self user stays registered with its last saved state.
func (c *Context) Rollback() {
	self := c.users[c.self.ID()]
	st, needsUpdate := userStateFromValues(self.snap.values)
	self.user.Restore(st)
	keys := make([]model.Key, 0, len(self.snap.modified))
	for k := range self.snap.modified {
		keys = append(keys, k)
	}
	self.user.LoadTracking(keys, needsUpdate)
	self.user.Detach()

	c.conversations = make(map[model.ID]*trackedConversation)
	c.users = map[model.ID]*trackedUser{c.self.ID(): self}
	c.stale = make(map[model.ID]struct{})
}

// Refresh reloads the given conversations from the database in place. Handles
// with unsaved changes are refreshed after their own save instead.
func (c *Context) Refresh(ctx context.Context, ids []model.ID) error {
	for _, id := range ids {
		tc, ok := c.conversations[id]
		if !ok || tc.inserted || tc.deleted {
			continue
		}
		p, err := c.planConversation(tc)
		if err != nil || !p.empty() {
			c.stale[id] = struct{}{}
			continue
		}
		rows, err := c.store.conversationRows(ctx, sq.Eq{"c.id": string(id)})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			tc.conv.RemoveParticipants(false, tc.conv.Participants()...)
			delete(c.conversations, id)
			continue
		}
		tc.conv.Restore(rows[0].State)
		if err := c.fill(ctx, tc, rows[0]); err != nil {
			return err
		}
	}
	return nil
}

// RefreshUsers reloads users without unsaved changes from the database.
func (c *Context) RefreshUsers(ctx context.Context, ids []model.ID) error {
	for _, id := range ids {
		tu, ok := c.users[id]
		if !ok || tu.inserted {
			continue
		}
		if p := c.planUser(tu); !p.empty() {
			continue
		}
		rows, err := c.store.userRows(ctx, sq.Eq{"id": string(id)})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			continue
		}
		tu.user.Restore(rows[0].State)
		tu.user.SetNeedsUpdateFromBackend(rows[0].NeedsUpdate)
		tu.snap = snapshotUser(tu.user)
	}
	return nil
}
