package api

import (
	"time"

	"github.com/goccy/go-json"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/convsync/internal/actions"
	"github.com/matheus3301/convsync/internal/directory"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/store"
)

func str(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func flag(req *structpb.Struct, key string) bool {
	return req.GetFields()[key].GetBoolValue()
}

func strs(req *structpb.Struct, key string) []string {
	var out []string
	for _, v := range req.GetFields()[key].GetListValue().GetValues() {
		if s := v.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// required returns InvalidArgument for the first missing string field.
func required(req *structpb.Struct, keys ...string) error {
	for _, k := range keys {
		if str(req, k) == "" {
			return grpcstatus.Errorf(codes.InvalidArgument, "%s is required", k)
		}
	}
	return nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func list[T any](in []T, fn func(T) any) []any {
	out := make([]any, 0, len(in))
	for _, v := range in {
		out = append(out, fn(v))
	}
	return out
}

func strList(in []string) []any {
	return list(in, func(s string) any { return s })
}

func keyList(in []model.Key) []any {
	return list(in, func(k model.Key) any { return string(k) })
}

func unreadMap(u model.UnreadState) map[string]any {
	return map[string]any{
		"count":               u.Count,
		"mentions":            u.Mentions,
		"replies":             u.Replies,
		"last_knock_at":       millis(u.LastKnockAt),
		"last_missed_call_at": millis(u.LastMissedCallAt),
	}
}

func stateMap(st model.ConversationState) map[string]any {
	return map[string]any{
		"remote_id":           st.RemoteID,
		"type":                st.EffectiveType().String(),
		"name":                st.Name,
		"archived":            st.Archived,
		"archived_changed_at": millis(st.ArchivedChangedAt),
		"muted":               st.Muted,
		"muted_changed_at":    millis(st.MutedChangedAt),
		"cleared_at":          millis(st.ClearedAt),
		"last_server_at":      millis(st.LastServerAt),
		"last_read_at":        millis(st.LastReadAt),
		"last_modified_at":    millis(st.LastModifiedAt),
		"has_unread_unsent":   st.HasUnreadUnsent,
		"call":                st.Call.String(),
		"connection":          st.Connection.Status.String(),
	}
}

func entryMap(e directory.Entry) map[string]any {
	return map[string]any{
		"id":           string(e.ID),
		"remote_id":    e.RemoteID,
		"display_name": e.DisplayName,
		"archived":     e.State.Archived,
		"muted":        e.State.Muted,
		"unread":       unreadMap(e.Unread),
		"indicator":    e.Indicator.String(),
		"needs_update": e.NeedsUpdate,
	}
}

// contentMap renders content in its storage encoding.
func contentMap(c model.Content) (map[string]any, error) {
	if c == nil {
		return nil, nil
	}
	kind, data, err := model.EncodeContent(c)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	fields["kind"] = string(kind)
	return fields, nil
}

func viewMap(v actions.ConversationView) (map[string]any, error) {
	msgs := make([]any, 0, len(v.Messages))
	for _, m := range v.Messages {
		content, err := contentMap(m.Content)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, map[string]any{
			"id":         string(m.ID),
			"nonce":      m.Nonce,
			"sender":     m.Sender,
			"server_at":  millis(m.ServerAt),
			"created_at": millis(m.CreatedAt),
			"delivered":  m.Delivered,
			"expired":    m.Expired,
			"missing":    m.Missing,
			"content":    content,
		})
	}
	return map[string]any{
		"id":                   string(v.ID),
		"display_name":         v.DisplayName,
		"state":                stateMap(v.State),
		"unread":               unreadMap(v.State.Unread()),
		"pending_last_read_at": millis(v.PendingLastReadAt),
		"indicator":            v.Indicator.String(),
		"participants":         strList(v.Participants),
		"modified_keys":        keyList(v.ModifiedKeys),
		"needs_update":         v.NeedsUpdate,
		"messages":             msgs,
	}, nil
}

func pendingMap(pc store.PendingChange) any {
	return map[string]any{
		"kind":         pc.Kind,
		"id":           string(pc.ID),
		"keys":         keyList(pc.Keys),
		"needs_update": pc.NeedsUpdate,
	}
}

func toStruct(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}
