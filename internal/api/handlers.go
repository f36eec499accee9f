package api

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/convsync/internal/directory"
	"github.com/matheus3301/convsync/internal/event"
)

var empty = map[string]any{}

func (s *Service) status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp := map[string]any{
		"session":   s.sessionName,
		"status":    "UNKNOWN",
		"uptime_ms": time.Since(s.startedAt).Milliseconds(),
	}
	if m := s.be.Machine; m != nil {
		resp["status"] = string(m.Current())
		resp["status_since"] = millis(m.Since())
		resp["online"] = m.Online()
	}
	if s.be.Account != nil {
		resp["logged_in"] = s.be.Account.IsLoggedIn()
		resp["account"] = s.be.Account.SelfRemoteID()
	}
	if s.be.Directory != nil {
		counts := map[string]any{}
		for name, n := range s.be.Directory.Counts() {
			counts[string(name)] = n
		}
		resp["lists"] = counts
	}
	if s.be.Store != nil {
		pending, err := s.be.Store.PendingChanges(ctx)
		if err != nil {
			return nil, err
		}
		resp["pending_changes"] = len(pending)
	}
	return toStruct(resp)
}

func (s *Service) listConversations(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := directory.ListName(str(req, "list"))
	if name == "" {
		name = directory.Unarchived
	}
	entries, err := s.be.Directory.List(name)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{
		"list":          string(name),
		"conversations": list(entries, func(e directory.Entry) any { return entryMap(e) }),
	})
}

func (s *Service) showConversation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := required(req, "conversation"); err != nil {
		return nil, err
	}
	v, err := s.be.Actions.View(ctx, str(req, "conversation"))
	if err != nil {
		return nil, err
	}
	fields, err := viewMap(v)
	if err != nil {
		return nil, err
	}
	return toStruct(fields)
}

func (s *Service) appendText(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := required(req, "conversation", "text"); err != nil {
		return nil, err
	}
	nonce, err := s.be.Actions.AppendText(ctx, str(req, "conversation"), str(req, "text"), strs(req, "mentions"), str(req, "quote"))
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"nonce": nonce})
}

func (s *Service) appendKnock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := required(req, "conversation"); err != nil {
		return nil, err
	}
	nonce, err := s.be.Actions.AppendKnock(ctx, str(req, "conversation"))
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"nonce": nonce})
}

func (s *Service) setVisibleWindow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := required(req, "conversation", "from", "to"); err != nil {
		return nil, err
	}
	if err := s.be.Actions.SetVisibleWindow(ctx, str(req, "conversation"), str(req, "from"), str(req, "to")); err != nil {
		return nil, err
	}
	return toStruct(empty)
}

func (s *Service) archive(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := required(req, "conversation"); err != nil {
		return nil, err
	}
	if err := s.be.Actions.Archive(ctx, str(req, "conversation"), flag(req, "archived")); err != nil {
		return nil, err
	}
	return toStruct(empty)
}

func (s *Service) mute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := required(req, "conversation"); err != nil {
		return nil, err
	}
	if err := s.be.Actions.Mute(ctx, str(req, "conversation"), flag(req, "muted")); err != nil {
		return nil, err
	}
	return toStruct(empty)
}

func (s *Service) clearHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := required(req, "conversation"); err != nil {
		return nil, err
	}
	if err := s.be.Actions.ClearHistory(ctx, str(req, "conversation")); err != nil {
		return nil, err
	}
	return toStruct(empty)
}

func (s *Service) addParticipant(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := required(req, "conversation", "user"); err != nil {
		return nil, err
	}
	if err := s.be.Actions.AddParticipant(ctx, str(req, "conversation"), str(req, "user")); err != nil {
		return nil, err
	}
	return toStruct(empty)
}

func (s *Service) removeParticipant(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := required(req, "conversation", "user"); err != nil {
		return nil, err
	}
	if err := s.be.Actions.RemoveParticipant(ctx, str(req, "conversation"), str(req, "user")); err != nil {
		return nil, err
	}
	return toStruct(empty)
}

func (s *Service) rename(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := required(req, "conversation", "name"); err != nil {
		return nil, err
	}
	if err := s.be.Actions.Rename(ctx, str(req, "conversation"), str(req, "name")); err != nil {
		return nil, err
	}
	return toStruct(empty)
}

func (s *Service) createGroup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := required(req, "name"); err != nil {
		return nil, err
	}
	id, err := s.be.Actions.CreateGroup(ctx, str(req, "name"), strs(req, "members"))
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"id": string(id)})
}

// applyEvents feeds a JSON batch in the transport encoding through the
// sync engine, as if the transport had delivered it.
func (s *Service) applyEvents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := required(req, "events"); err != nil {
		return nil, err
	}
	batch, err := event.Decode([]byte(str(req, "events")))
	if err != nil {
		return nil, err
	}
	res, err := s.be.Engine.ApplyBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	outcomes := map[string]any{}
	for _, o := range res.Outcomes {
		n, _ := outcomes[o.String()].(int)
		outcomes[o.String()] = n + 1
	}
	skipped := list(res.Skipped, func(err error) any { return err.Error() })
	return toStruct(map[string]any{
		"updates":  len(batch),
		"outcomes": outcomes,
		"skipped":  skipped,
		"touched":  len(res.Touched),
	})
}

func (s *Service) pendingChanges(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	pending, err := s.be.Store.PendingChanges(ctx)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"changes": list(pending, pendingMap)})
}

// refetch rebuilds the lists from the store and repairs drifted unread state.
func (s *Service) refetch(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	fixed, err := s.be.Engine.RecalculateUnread(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.be.Directory.RefetchAll(ctx); err != nil {
		return nil, err
	}
	counts := map[string]any{}
	for name, n := range s.be.Directory.Counts() {
		counts[string(name)] = n
	}
	return toStruct(map[string]any{"unread_fixed": fixed, "lists": counts})
}

func (s *Service) logout(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.be.Account == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "transport not enabled")
	}
	if err := s.be.Account.Logout(ctx); err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"message": "logged out"})
}
