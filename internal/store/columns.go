package store

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/matheus3301/convsync/internal/model"
)

const (
	kindConversation = "conversation"
	kindMessage      = "message"
	kindUser         = "user"
)

var conversationColumns = []string{
	"id", "remote_id", "type", "name", "name_changed_at",
	"archived", "archived_changed_at", "muted", "muted_changed_at",
	"cleared_at", "last_server_at", "last_read_at", "last_modified_at",
	"unread_count", "unread_mentions", "unread_replies",
	"last_unread_knock_at", "last_unread_missed_call_at", "has_unread_unsent",
	"call_state", "connection_status", "connection_requested_at", "connection_user_id",
	"needs_update",
}

var messageColumns = []string{
	"id", "conversation_id", "nonce", "sender_id", "server_at", "created_at",
	"delivered", "expired", "hidden", "kind", "content", "needs_update",
}

var userColumns = []string{"id", "remote_id", "name", "is_self", "needs_update"}

type rowScanner interface {
	Scan(dest ...any) error
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func qualified(alias string, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + c
	}
	return out
}

func conversationValues(c *model.Conversation) map[string]any {
	st := c.State()
	return map[string]any{
		"remote_id":                  nullable(st.RemoteID),
		"type":                       int64(st.Type),
		"name":                       st.Name,
		"name_changed_at":            millis(st.NameChangedAt),
		"archived":                   st.Archived,
		"archived_changed_at":        millis(st.ArchivedChangedAt),
		"muted":                      st.Muted,
		"muted_changed_at":           millis(st.MutedChangedAt),
		"cleared_at":                 millis(st.ClearedAt),
		"last_server_at":             millis(st.LastServerAt),
		"last_read_at":               millis(st.LastReadAt),
		"last_modified_at":           millis(st.LastModifiedAt),
		"unread_count":               int64(st.UnreadCount),
		"unread_mentions":            int64(st.UnreadMentions),
		"unread_replies":             int64(st.UnreadReplies),
		"last_unread_knock_at":       millis(st.LastUnreadKnockAt),
		"last_unread_missed_call_at": millis(st.LastUnreadMissedCallAt),
		"has_unread_unsent":          st.HasUnreadUnsent,
		"call_state":                 int64(st.Call),
		"connection_status":          int64(st.Connection.Status),
		"connection_requested_at":    millis(st.Connection.RequestedAt),
		"connection_user_id":         string(st.Connection.UserID),
		"needs_update":               c.NeedsUpdateFromBackend(),
	}
}

// ConversationRow is a persisted conversation without its messages.
type ConversationRow struct {
	ID          model.ID
	State       model.ConversationState
	NeedsUpdate bool

	// PeerName is the name of the other user of a one-to-one conversation, if known.
	PeerName string
}

func scanConversation(r rowScanner) (ConversationRow, error) {
	var row ConversationRow
	var id, connUser, peer string
	var remote sql.NullString
	var typ, call, connStatus, connAt int64
	var nameAt, archivedAt, mutedAt, clearedAt, lastServer, lastRead, lastModified int64
	var unread, mentions, replies, knockAt, missedAt int64
	st := &row.State
	err := r.Scan(&id, &remote, &typ, &st.Name, &nameAt,
		&st.Archived, &archivedAt, &st.Muted, &mutedAt,
		&clearedAt, &lastServer, &lastRead, &lastModified,
		&unread, &mentions, &replies,
		&knockAt, &missedAt, &st.HasUnreadUnsent,
		&call, &connStatus, &connAt, &connUser,
		&row.NeedsUpdate, &peer)
	if err != nil {
		return row, err
	}
	row.ID = model.ID(id)
	row.PeerName = peer
	st.RemoteID = remote.String
	st.Type = model.ConversationType(typ)
	st.NameChangedAt = fromMillis(nameAt)
	st.ArchivedChangedAt = fromMillis(archivedAt)
	st.MutedChangedAt = fromMillis(mutedAt)
	st.ClearedAt = fromMillis(clearedAt)
	st.LastServerAt = fromMillis(lastServer)
	st.LastReadAt = fromMillis(lastRead)
	st.LastModifiedAt = fromMillis(lastModified)
	st.UnreadCount = int(unread)
	st.UnreadMentions = int(mentions)
	st.UnreadReplies = int(replies)
	st.LastUnreadKnockAt = fromMillis(knockAt)
	st.LastUnreadMissedCallAt = fromMillis(missedAt)
	st.Call = model.CallState(call)
	st.Connection = model.Connection{
		Status:      model.ConnectionStatus(connStatus),
		RequestedAt: fromMillis(connAt),
		UserID:      model.ID(connUser),
	}
	return row, nil
}

func messageValues(m *model.Message, convID model.ID) (map[string]any, error) {
	st := m.State()
	kind, content, err := model.EncodeContent(st.Content)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", m.ID(), err)
	}
	return map[string]any{
		"conversation_id": string(convID),
		"nonce":           st.Nonce,
		"sender_id":       string(st.SenderID),
		"server_at":       millis(st.ServerAt),
		"created_at":      millis(st.CreatedAt),
		"delivered":       st.Delivered,
		"expired":         st.Expired,
		"hidden":          st.Hidden,
		"kind":            string(kind),
		"content":         string(content),
		"needs_update":    m.NeedsUpdateFromBackend(),
	}, nil
}

type messageRow struct {
	ID          model.ID
	State       model.MessageState
	NeedsUpdate bool
}

func scanMessage(r rowScanner) (messageRow, error) {
	var row messageRow
	var id, convID, sender, kind, raw string
	var serverAt, createdAt int64
	st := &row.State
	err := r.Scan(&id, &convID, &st.Nonce, &sender, &serverAt, &createdAt,
		&st.Delivered, &st.Expired, &st.Hidden, &kind, &raw, &row.NeedsUpdate)
	if err != nil {
		return row, err
	}
	content, err := model.DecodeContent(model.ContentKind(kind), []byte(raw))
	if err != nil {
		return row, err
	}
	row.ID = model.ID(id)
	st.SenderID = model.ID(sender)
	st.ServerAt = fromMillis(serverAt)
	st.CreatedAt = fromMillis(createdAt)
	st.Content = content
	return row, nil
}

func userValues(u *model.User) map[string]any {
	st := u.State()
	return map[string]any{
		"remote_id":    nullable(st.RemoteID),
		"name":         st.Name,
		"is_self":      st.IsSelf,
		"needs_update": u.NeedsUpdateFromBackend(),
	}
}

type userRow struct {
	ID          model.ID
	State       model.UserState
	NeedsUpdate bool
}

func scanUser(r rowScanner) (userRow, error) {
	var row userRow
	var id string
	var remote sql.NullString
	err := r.Scan(&id, &remote, &row.State.Name, &row.State.IsSelf, &row.NeedsUpdate)
	if err != nil {
		return row, err
	}
	row.ID = model.ID(id)
	row.State.RemoteID = remote.String
	return row, nil
}

// userStateFromValues reverses userValues for rollback.
func userStateFromValues(v map[string]any) (model.UserState, bool) {
	var st model.UserState
	if s, ok := v["remote_id"].(string); ok {
		st.RemoteID = s
	}
	st.Name, _ = v["name"].(string)
	st.IsSelf, _ = v["is_self"].(bool)
	needsUpdate, _ := v["needs_update"].(bool)
	return st, needsUpdate
}

func withID(values map[string]any, id model.ID) map[string]any {
	out := make(map[string]any, len(values)+1)
	for k, v := range values {
		out[k] = v
	}
	out["id"] = string(id)
	return out
}

// changedValues returns the entries of cur that differ from prev.
func changedValues(prev, cur map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range cur {
		if old, ok := prev[k]; !ok || old != v {
			out[k] = v
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
