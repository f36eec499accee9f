package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/event"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/store"
	"github.com/matheus3301/convsync/internal/unread"
)

// Outcome is what applying one update did.
type Outcome int

const (
	NoOp Outcome = iota
	MessageUpdated
	MessageCreated
	ConversationUpdated
	Skipped
)

var outcomeNames = [...]string{
	NoOp:                "noop",
	MessageUpdated:      "message_updated",
	MessageCreated:      "message_created",
	ConversationUpdated: "conversation_updated",
	Skipped:             "skipped",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return "unknown"
	}
	return outcomeNames[o]
}

// Result reports a batch: one outcome per update, the errors of skipped
// updates, and the conversations whose state changed.
type Result struct {
	Outcomes []Outcome
	Skipped  []error
	Touched  []model.ID
}

// Count returns how many updates had outcome o.
func (r Result) Count(o Outcome) int {
	n := 0
	for _, got := range r.Outcomes {
		if got == o {
			n++
		}
	}
	return n
}

// Prefetched holds the conversations and users a batch refers to, keyed by
// remote identifier.
type Prefetched struct {
	Conversations map[string]*model.Conversation
	Users         map[string]*model.User
}

// Prefetch resolves every conversation and user referenced by batch in bulk.
// Identifiers unknown to the store are simply absent from the result.
func Prefetch(ctx context.Context, sc *store.Context, batch []event.Update) (*Prefetched, error) {
	var convs, users []string
	for _, u := range batch {
		convs = append(convs, u.ConversationID)
		if u.SenderID != "" {
			users = append(users, u.SenderID)
		}
		switch p := u.Payload.(type) {
		case event.MissingRecipients:
			users = append(users, p.Missing...)
		case event.MemberJoin:
			users = append(users, p.UserIDs...)
		case event.MemberLeave:
			users = append(users, p.UserIDs...)
		case event.Create:
			users = append(users, p.Members...)
		case event.Connection:
			users = append(users, p.UserID)
		}
	}
	if err := sc.Prefetch(ctx, convs, users); err != nil {
		return nil, err
	}

	pre := &Prefetched{
		Conversations: make(map[string]*model.Conversation),
		Users:         make(map[string]*model.User),
	}
	for _, rid := range convs {
		conv, err := sc.ConversationByRemoteID(ctx, rid)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			pre.Conversations[rid] = conv
		}
	}
	for _, rid := range users {
		u, err := sc.UserByRemoteID(ctx, rid)
		if err != nil {
			return nil, err
		}
		if u != nil {
			pre.Users[rid] = u
		}
	}
	return pre, nil
}

// Reconciler merges server updates into the sync context.
type Reconciler struct {
	logger *zap.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{logger: logger}
}

type batch struct {
	ctx     context.Context
	sc      *store.Context
	pre     *Prefetched
	touched map[model.ID]*model.Conversation
}

func (b *batch) touch(conv *model.Conversation) {
	b.touched[conv.ID()] = conv
}

// Apply merges batch into sc, which must be the sync context. Updates that
// fail validation are skipped and the rest of the batch continues. Unread
// state is recomputed once per touched conversation. The caller saves.
func (r *Reconciler) Apply(ctx context.Context, sc *store.Context, updates []event.Update, pre *Prefetched) (Result, error) {
	var res Result
	if sc.Role() != model.RoleSync {
		return res, model.ErrNotSyncContext
	}
	if pre == nil {
		pre = &Prefetched{}
	}
	if pre.Conversations == nil {
		pre.Conversations = make(map[string]*model.Conversation)
	}
	if pre.Users == nil {
		pre.Users = make(map[string]*model.User)
	}
	b := &batch{ctx: ctx, sc: sc, pre: pre, touched: make(map[model.ID]*model.Conversation)}

	for _, u := range updates {
		outcome, err := r.applyOne(b, u)
		if err != nil {
			if !errors.Is(err, event.ErrMalformed) {
				return res, err
			}
			r.logger.Warn("skipping update",
				zap.String("type", string(u.Type)),
				zap.String("conversation", u.ConversationID),
				zap.String("nonce", u.Nonce),
				zap.Error(err),
			)
			res.Skipped = append(res.Skipped, err)
			outcome = Skipped
		}
		res.Outcomes = append(res.Outcomes, outcome)
	}

	for id, conv := range b.touched {
		if err := applyUnread(sc, conv); err != nil {
			return res, err
		}
		res.Touched = append(res.Touched, id)
	}
	sort.Slice(res.Touched, func(i, j int) bool { return res.Touched[i] < res.Touched[j] })
	return res, nil
}

// applyUnread writes the recomputed unread state. Only the sync context may.
func applyUnread(sc *store.Context, conv *model.Conversation) error {
	return conv.SetUnread(sc.Role(), unread.Recompute(conv, sc.Self()))
}

func malformed(u event.Update, err error) error {
	return fmt.Errorf("%w: %s %s: %w", event.ErrMalformed, u.Type, u.ConversationID, err)
}

func (r *Reconciler) applyOne(b *batch, u event.Update) (Outcome, error) {
	if err := u.Validate(); err != nil {
		return Skipped, err
	}
	if p, ok := u.Payload.(event.Create); ok {
		return r.applyCreate(b, u, p)
	}

	conv, created, err := r.conversation(b, u.ConversationID, u.ConversationType)
	if err != nil {
		return Skipped, err
	}
	var sender *model.User
	if u.SenderID != "" {
		if sender, err = r.user(b, u.SenderID); err != nil {
			return Skipped, err
		}
	}

	var outcome Outcome
	switch p := u.Payload.(type) {
	case event.MessageAdd:
		outcome, err = r.applyMessage(b, conv, sender, u, p)
	case event.Confirmation:
		outcome = r.applyConfirmation(conv, sender, p)
	case event.MissingRecipients:
		outcome, err = r.applyMissing(b, conv, u, p)
	case event.MessageHide:
		outcome = r.applyHide(b, conv, u)
	default:
		outcome, err = r.applyConversationEvent(b, conv, sender, u)
	}
	if created && outcome == NoOp {
		outcome = ConversationUpdated
	}
	return outcome, err
}

// conversation resolves a conversation by remote id, creating a stub flagged
// for a backend refresh when it is unknown.
func (r *Reconciler) conversation(b *batch, rid string, hint model.ConversationType) (*model.Conversation, bool, error) {
	if conv, ok := b.pre.Conversations[rid]; ok && b.sc.Owns(conv) {
		return conv, false, nil
	}
	conv, err := b.sc.ConversationByRemoteID(b.ctx, rid)
	if err != nil {
		return nil, false, err
	}
	if conv != nil {
		b.pre.Conversations[rid] = conv
		return conv, false, nil
	}
	conv = model.NewConversation(rid, hint)
	conv.SetNeedsUpdateFromBackend(true)
	if err := b.sc.Insert(conv); err != nil {
		return nil, false, err
	}
	b.pre.Conversations[rid] = conv
	b.touch(conv)
	return conv, true, nil
}

// user resolves a user by remote id, creating a placeholder when unknown.
func (r *Reconciler) user(b *batch, rid string) (*model.User, error) {
	if u, ok := b.pre.Users[rid]; ok {
		return u, nil
	}
	u, err := b.sc.UserByRemoteID(b.ctx, rid)
	if err != nil {
		return nil, err
	}
	if u == nil {
		u = model.NewPlaceholderUser(rid)
		if err := b.sc.InsertUser(u); err != nil {
			return nil, err
		}
	}
	b.pre.Users[rid] = u
	return u, nil
}

func (r *Reconciler) users(b *batch, rids []string) ([]*model.User, error) {
	out := make([]*model.User, 0, len(rids))
	for _, rid := range rids {
		u, err := r.user(b, rid)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (r *Reconciler) applyMessage(b *batch, conv *model.Conversation, sender *model.User, u event.Update, p event.MessageAdd) (Outcome, error) {
	if m := conv.MessageByNonce(u.Nonce); m != nil {
		if m.HasServerTimestamp() {
			if sender.IsSelf() && m.MarkDelivered() {
				return MessageUpdated, nil
			}
			return NoOp, nil
		}
		if err := conv.AdoptServerTimestamp(m, u.Timestamp); err != nil {
			return Skipped, malformed(u, err)
		}
		m.MarkDelivered()
		b.touch(conv)
		return MessageUpdated, nil
	}

	m := model.NewMessage(u.Nonce, sender, p.Content, u.Timestamp)
	if err := m.SetServerTimestamp(u.Timestamp); err != nil {
		return Skipped, malformed(u, err)
	}
	if sender.IsSelf() {
		m.MarkDelivered()
	}
	if err := conv.Insert(m); err != nil {
		return Skipped, malformed(u, err)
	}
	if !sender.IsSelf() {
		unarchiveIfNeeded(conv, m, b.sc.Self())
	}
	b.touch(conv)
	return MessageCreated, nil
}

// unarchiveIfNeeded brings an archived conversation back on a new incoming
// message after the cleared point, unless it is muted and the message does
// not mention the self user.
func unarchiveIfNeeded(conv *model.Conversation, m *model.Message, self *model.User) {
	if !conv.IsArchived() || !model.GeneratesUnread(m.Content()) {
		return
	}
	ts := m.ServerTimestamp()
	if !conv.ClearedAt().IsZero() && !ts.After(conv.ClearedAt()) {
		return
	}
	if conv.IsMuted() && !m.MentionsUser(self.RemoteID()) {
		return
	}
	conv.UpdateArchived(false, ts, false)
}

func (r *Reconciler) applyConfirmation(conv *model.Conversation, sender *model.User, p event.Confirmation) Outcome {
	outcome := NoOp
	for _, nonce := range p.Nonces {
		m := conv.MessageByNonce(nonce)
		if m == nil {
			continue
		}
		changed := m.RemoveMissingRecipients(sender.ID())
		if m.Sender() != nil && m.Sender().IsSelf() && m.HasServerTimestamp() && m.MarkDelivered() {
			changed = true
		}
		if changed {
			outcome = MessageUpdated
		}
	}
	return outcome
}

func (r *Reconciler) applyMissing(b *batch, conv *model.Conversation, u event.Update, p event.MissingRecipients) (Outcome, error) {
	m := conv.MessageByNonce(u.Nonce)
	if m == nil {
		return NoOp, nil
	}
	users, err := r.users(b, p.Missing)
	if err != nil {
		return Skipped, err
	}
	ids := make([]model.ID, len(users))
	for i, user := range users {
		ids[i] = user.ID()
	}
	if m.AddMissingRecipients(ids...) {
		return MessageUpdated, nil
	}
	return NoOp, nil
}

func (r *Reconciler) applyHide(b *batch, conv *model.Conversation, u event.Update) Outcome {
	m := conv.MessageByNonce(u.Nonce)
	if m == nil {
		return NoOp
	}
	m.ResetModified(model.KeyVisible)
	if !m.Hide(false) {
		return NoOp
	}
	b.touch(conv)
	return MessageUpdated
}

func (r *Reconciler) applyConversationEvent(b *batch, conv *model.Conversation, sender *model.User, u event.Update) (Outcome, error) {
	changed := false
	switch p := u.Payload.(type) {
	case event.Archive:
		if changed = conv.UpdateArchived(p.Archived, u.Timestamp, false); changed {
			conv.ResetModified(model.KeyArchived)
		}
	case event.Mute:
		if changed = conv.UpdateMuted(p.Muted, u.Timestamp); changed {
			conv.ResetModified(model.KeyMuted)
		}
	case event.Clear:
		if changed = conv.ApplyClear(u.Timestamp); changed {
			conv.ResetModified(model.KeyCleared)
		}
	case event.LastRead:
		if changed = conv.UpdateLastRead(u.Timestamp); changed {
			conv.ResetModified(model.KeyLastRead)
		}
	case event.Rename:
		if changed = conv.UpdateName(p.Name, u.Timestamp); changed {
			conv.ResetModified(model.KeyName)
			r.systemMessage(b, conv, sender, u, model.System{Type: model.SystemConversationRenamed, Text: p.Name})
		}
	case event.MemberJoin:
		users, err := r.users(b, p.UserIDs)
		if err != nil {
			return Skipped, err
		}
		if changed = conv.AddParticipants(false, users...); changed {
			r.systemMessage(b, conv, sender, u, model.System{Type: model.SystemParticipantsAdded, Users: p.UserIDs})
		}
	case event.MemberLeave:
		users, err := r.users(b, p.UserIDs)
		if err != nil {
			return Skipped, err
		}
		if changed = conv.RemoveParticipants(false, users...); changed {
			r.systemMessage(b, conv, sender, u, model.System{Type: model.SystemParticipantsRemoved, Users: p.UserIDs})
		}
	case event.Connection:
		other, err := r.user(b, p.UserID)
		if err != nil {
			return Skipped, err
		}
		changed = conv.UpdateConnection(model.Connection{
			Status:      p.Status,
			RequestedAt: p.RequestedAt,
			UserID:      other.ID(),
		})
	case event.Call:
		changed = r.applyCall(b, conv, sender, u, p)
	default:
		return Skipped, malformed(u, fmt.Errorf("unhandled payload %T", p))
	}
	if !changed {
		return NoOp, nil
	}
	b.touch(conv)
	return ConversationUpdated, nil
}

func (r *Reconciler) applyCall(b *batch, conv *model.Conversation, sender *model.User, u event.Update, p event.Call) bool {
	switch p.State {
	case event.CallActive:
		return conv.SetCallState(model.CallActive)
	case event.CallInactive:
		return conv.SetCallState(model.CallInactive)
	case event.CallMissed:
		changed := conv.SetCallState(model.CallNone)
		var users []string
		if sender != nil {
			users = []string{sender.RemoteID()}
		}
		if r.systemMessage(b, conv, sender, u, model.System{Type: model.SystemMissedCall, Users: users}) {
			changed = true
		}
		return changed
	default:
		return conv.SetCallState(model.CallNone)
	}
}

// systemMessage records a conversation event in the history. The nonce is
// derived from the event when it carries none, so replays stay idempotent.
func (r *Reconciler) systemMessage(b *batch, conv *model.Conversation, sender *model.User, u event.Update, content model.System) bool {
	nonce := u.Nonce
	if nonce == "" {
		nonce = fmt.Sprintf("%s@%d", u.Type, u.Timestamp.UnixMilli())
	}
	if conv.MessageByNonce(nonce) != nil {
		return false
	}
	m := model.NewMessage(nonce, sender, content, u.Timestamp)
	if err := m.SetServerTimestamp(u.Timestamp); err != nil {
		return false
	}
	if err := conv.Insert(m); err != nil {
		return false
	}
	if sender != nil && !sender.IsSelf() {
		unarchiveIfNeeded(conv, m, b.sc.Self())
	}
	return true
}

// applyCreate binds a locally created conversation to its remote identifier.
// A second entity already holding that identifier is folded into the local
// one and deleted.
func (r *Reconciler) applyCreate(b *batch, u event.Update, p event.Create) (Outcome, error) {
	local, err := b.sc.Conversation(b.ctx, p.LocalID)
	if err != nil {
		return Skipped, err
	}
	if local == nil {
		conv, _, err := r.conversation(b, u.ConversationID, p.ConvType)
		if err != nil {
			return Skipped, err
		}
		local = conv
	} else if local.RemoteID() != u.ConversationID {
		existing, _, err := r.lookup(b, u.ConversationID)
		if err != nil {
			return Skipped, err
		}
		if existing != nil && existing != local {
			r.logger.Warn("merging duplicate conversation",
				zap.String("remote_id", u.ConversationID),
				zap.String("local_id", string(local.ID())),
				zap.String("duplicate_id", string(existing.ID())),
			)
			local.Merge(existing)
			if err := b.sc.Delete(existing); err != nil {
				return Skipped, err
			}
			delete(b.touched, existing.ID())
		}
		if err := local.SetRemoteID(u.ConversationID); err != nil {
			return Skipped, malformed(u, err)
		}
	}
	b.pre.Conversations[u.ConversationID] = local

	if p.ConvType != model.ConversationInvalid {
		if err := local.SetType(p.ConvType); err != nil {
			return Skipped, malformed(u, err)
		}
	}
	if p.Name != "" && local.Name() == "" {
		local.UpdateName(p.Name, u.Timestamp)
	}
	members, err := r.users(b, p.Members)
	if err != nil {
		return Skipped, err
	}
	local.AddParticipants(false, members...)
	b.touch(local)
	return ConversationUpdated, nil
}

func (r *Reconciler) lookup(b *batch, rid string) (*model.Conversation, bool, error) {
	if conv, ok := b.pre.Conversations[rid]; ok && b.sc.Owns(conv) {
		return conv, true, nil
	}
	conv, err := b.sc.ConversationByRemoteID(b.ctx, rid)
	return conv, conv != nil, err
}
