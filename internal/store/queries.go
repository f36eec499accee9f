package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/matheus3301/convsync/internal/model"
)

const peerNameColumn = `COALESCE(
	NULLIF((SELECT name FROM users WHERE id = c.connection_user_id), ''),
	(SELECT u.name FROM participants p JOIN users u ON u.id = p.user_id
		WHERE p.conversation_id = c.id AND u.is_self = 0 AND u.name != ''
		ORDER BY u.id LIMIT 1),
	'') AS peer_name`

func (s *Store) conversationRows(ctx context.Context, where sq.Sqlizer) ([]ConversationRow, error) {
	q := sq.Select(qualified("c", conversationColumns)...).
		Column(peerNameColumn).
		From("conversations c").
		OrderBy("c.id")
	if where != nil {
		q = q.Where(where)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build conversations query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationRow
	for rows.Next() {
		row, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ConversationRows reads persisted conversations without attaching them to a
// context. With no ids every conversation is returned.
func (s *Store) ConversationRows(ctx context.Context, ids ...model.ID) ([]ConversationRow, error) {
	if len(ids) == 0 {
		return s.conversationRows(ctx, nil)
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = string(id)
	}
	return s.conversationRows(ctx, sq.Eq{"c.id": keys})
}

func (s *Store) participantIDs(ctx context.Context, convID model.ID) ([]model.ID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM participants WHERE conversation_id = ? ORDER BY user_id`, string(convID))
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var out []model.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, model.ID(id))
	}
	return out, rows.Err()
}

func (s *Store) messageRows(ctx context.Context, convID model.ID) ([]messageRow, error) {
	query, args, err := sq.Select(messageColumns...).
		From("messages").
		Where(sq.Eq{"conversation_id": string(convID)}).
		OrderBy("server_at", "created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build messages query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []messageRow
	for rows.Next() {
		row, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) missingRecipients(ctx context.Context, messageIDs []model.ID) (map[model.ID][]model.ID, error) {
	out := make(map[model.ID][]model.ID)
	if len(messageIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(messageIDs))
	for i, id := range messageIDs {
		keys[i] = string(id)
	}
	query, args, err := sq.Select("message_id", "user_id").
		From("missing_recipients").
		Where(sq.Eq{"message_id": keys}).
		OrderBy("message_id", "user_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build missing recipients query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query missing recipients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg, user string
		if err := rows.Scan(&msg, &user); err != nil {
			return nil, fmt.Errorf("scan missing recipient: %w", err)
		}
		out[model.ID(msg)] = append(out[model.ID(msg)], model.ID(user))
	}
	return out, rows.Err()
}

func (s *Store) modifiedKeys(ctx context.Context, kind string, ids []model.ID) (map[model.ID][]model.Key, error) {
	out := make(map[model.ID][]model.Key)
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = string(id)
	}
	query, args, err := sq.Select("entity_id", "key").
		From("modified_keys").
		Where(sq.Eq{"entity_kind": kind, "entity_id": keys}).
		OrderBy("entity_id", "key").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build modified keys query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query modified keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, key string
		if err := rows.Scan(&id, &key); err != nil {
			return nil, fmt.Errorf("scan modified key: %w", err)
		}
		out[model.ID(id)] = append(out[model.ID(id)], model.Key(key))
	}
	return out, rows.Err()
}

func (s *Store) userRows(ctx context.Context, where sq.Sqlizer) ([]userRow, error) {
	q := sq.Select(userColumns...).From("users").OrderBy("id")
	if where != nil {
		q = q.Where(where)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build users query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []userRow
	for rows.Next() {
		row, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// PendingChange describes an entity that still has to be pushed upstream or
// refreshed from it.
type PendingChange struct {
	Kind        string
	ID          model.ID
	Keys        []model.Key
	NeedsUpdate bool
}

// PendingChanges lists every entity with modified keys or a stale flag,
// ordered by kind and identity.
func (s *Store) PendingChanges(ctx context.Context) ([]PendingChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, id, MAX(stale) FROM (
			SELECT entity_kind AS kind, entity_id AS id, 0 AS stale FROM modified_keys
			UNION ALL SELECT 'conversation', id, 1 FROM conversations WHERE needs_update = 1
			UNION ALL SELECT 'message', id, 1 FROM messages WHERE needs_update = 1
			UNION ALL SELECT 'user', id, 1 FROM users WHERE needs_update = 1
		) GROUP BY kind, id ORDER BY kind, id`)
	if err != nil {
		return nil, fmt.Errorf("query pending changes: %w", err)
	}
	defer rows.Close()

	var out []PendingChange
	byKind := make(map[string][]model.ID)
	for rows.Next() {
		var pc PendingChange
		var id string
		if err := rows.Scan(&pc.Kind, &id, &pc.NeedsUpdate); err != nil {
			return nil, fmt.Errorf("scan pending change: %w", err)
		}
		pc.ID = model.ID(id)
		byKind[pc.Kind] = append(byKind[pc.Kind], pc.ID)
		out = append(out, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for kind, ids := range byKind {
		keys, err := s.modifiedKeys(ctx, kind, ids)
		if err != nil {
			return nil, err
		}
		for i := range out {
			if out[i].Kind == kind {
				out[i].Keys = keys[out[i].ID]
			}
		}
	}
	return out, nil
}
