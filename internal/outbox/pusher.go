package outbox

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/event"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/store"
)

// ConversationPush is the upstream copy of a conversation's modified keys.
type ConversationPush struct {
	RemoteID     string
	Keys         []model.Key
	State        model.ConversationState
	Participants []string
}

// ConversationPusher writes conversation changes upstream.
type ConversationPusher interface {
	PushConversation(ctx context.Context, push ConversationPush) error
	CreateConversation(ctx context.Context, name string, members []string) (string, error)
}

// Transport is everything the pusher needs from the server connection.
type Transport interface {
	MessageSender
	ConversationPusher
}

// Options tune the pusher.
type Options struct {
	Interval    time.Duration
	Concurrency int
	// Online gates each tick; while it reports false nothing is pushed, so
	// messages are not expired during a disconnect. Nil means always online.
	Online func() bool
}

// Stats summarizes one push pass.
type Stats struct {
	Sent        int
	Failed      int
	Pushed      int
	Created     int
	NeedsUpdate int
}

// Pusher periodically sends undelivered messages and pushes locally modified
// conversation keys, resetting each key once the push is confirmed.
type Pusher struct {
	sc        *store.Context
	transport Transport
	bus       *bus.Bus
	selfRID   string
	opts      Options
	logger    *zap.Logger
	cancel    context.CancelFunc

	mu       sync.Mutex
	inflight map[string]struct{}
	creating map[model.ID]struct{}
}

// NewPusher creates a pusher on sc, the sync store context.
func NewPusher(sc *store.Context, transport Transport, b *bus.Bus, opts Options, logger *zap.Logger) *Pusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Pusher{
		sc:        sc,
		transport: transport,
		bus:       b,
		selfRID:   sc.Self().RemoteID(),
		opts:      opts,
		logger:    logger,
		inflight:  make(map[string]struct{}),
		creating:  make(map[model.ID]struct{}),
	}
}

// Start begins pushing on every tick.
func (p *Pusher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)
}

// Stop stops the push loop.
func (p *Pusher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Pusher) loop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if p.opts.Online != nil && !p.opts.Online() {
				continue
			}
			if _, err := p.PushOnce(ctx); err != nil {
				p.logger.Error("push failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

type pending struct {
	messages []outgoing
	convs    []conversationWork
	stale    int
}

type conversationWork struct {
	id     model.ID
	push   ConversationPush
	values map[model.Key]string
}

// PushOnce runs one pass: it collects work under the sync context, talks to
// the transport outside of it and records the results.
func (p *Pusher) PushOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	work, err := p.collect(ctx)
	if err != nil {
		return stats, err
	}
	stats.NeedsUpdate = work.stale
	if work.stale > 0 {
		p.logger.Debug("entities waiting for a backend refresh", zap.Int("count", work.stale))
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, m := range work.messages {
		g.Go(func() error {
			ok := p.send(gctx, m)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				stats.Sent++
			} else {
				stats.Failed++
			}
			return nil
		})
	}
	for _, w := range work.convs {
		g.Go(func() error {
			created, err := p.pushConversation(gctx, w)
			if err != nil {
				p.logger.Error("failed to push conversation", zap.Error(err), zap.String("conversation", string(w.id)))
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if created {
				stats.Created++
			} else {
				stats.Pushed++
			}
			return nil
		})
	}
	err = g.Wait()
	return stats, err
}

func (p *Pusher) collect(ctx context.Context) (pending, error) {
	var work pending
	err := p.sc.Perform(func() error {
		msgs, err := p.sc.UndeliveredMessages(ctx)
		if err != nil {
			return fmt.Errorf("undelivered messages: %w", err)
		}
		live := make(map[string]struct{}, len(msgs))
		for _, m := range msgs {
			live[m.Nonce()] = struct{}{}
			conv := m.Conversation()
			if conv.RemoteID() == "" || !p.claim(m.Nonce()) {
				continue
			}
			work.messages = append(work.messages, outgoing{
				convID:  conv.ID(),
				convRID: conv.RemoteID(),
				nonce:   m.Nonce(),
				content: m.Content(),
			})
		}
		p.prune(live)

		convs, err := p.sc.ConversationsWithLocalModifications(ctx)
		if err != nil {
			return fmt.Errorf("modified conversations: %w", err)
		}
		for _, conv := range convs {
			if conv.RemoteID() == "" && !p.claimCreate(conv.ID()) {
				continue
			}
			work.convs = append(work.convs, snapshot(conv))
		}

		stale, err := p.sc.ConversationsNeedingUpdate(ctx)
		if err != nil {
			return fmt.Errorf("stale conversations: %w", err)
		}
		work.stale = len(stale)
		return nil
	})
	return work, err
}

// claim marks nonce as in flight. It reports false when it already was.
func (p *Pusher) claim(nonce string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[nonce]; ok {
		return false
	}
	p.inflight[nonce] = struct{}{}
	return true
}

// claimCreate marks a local conversation as being created upstream. The mark
// stays until the creation fails, so it is never created twice.
func (p *Pusher) claimCreate(id model.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.creating[id]; ok {
		return false
	}
	p.creating[id] = struct{}{}
	return true
}

func (p *Pusher) forget(nonce string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, nonce)
}

// prune drops in-flight nonces that are no longer undelivered.
func (p *Pusher) prune(live map[string]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for nonce := range p.inflight {
		if _, ok := live[nonce]; !ok {
			delete(p.inflight, nonce)
		}
	}
}

func snapshot(conv *model.Conversation) conversationWork {
	w := conversationWork{
		id: conv.ID(),
		push: ConversationPush{
			RemoteID: conv.RemoteID(),
			Keys:     conv.ModifiedKeys(),
			State:    conv.State(),
		},
		values: make(map[model.Key]string),
	}
	for _, u := range conv.Participants() {
		w.push.Participants = append(w.push.Participants, u.RemoteID())
	}
	for _, k := range w.push.Keys {
		w.values[k] = keyValue(conv, k)
	}
	return w
}

// keyValue renders the value a key stands for, to tell whether it changed
// while a push was in flight.
func keyValue(conv *model.Conversation, k model.Key) string {
	st := conv.State()
	switch k {
	case model.KeyArchived:
		return fmt.Sprint(st.Archived, st.ArchivedChangedAt.UnixMilli())
	case model.KeyMuted:
		return fmt.Sprint(st.Muted, st.MutedChangedAt.UnixMilli())
	case model.KeyCleared:
		return fmt.Sprint(st.ClearedAt.UnixMilli())
	case model.KeyLastRead:
		return fmt.Sprint(st.LastReadAt.UnixMilli())
	case model.KeyName:
		return st.Name
	case model.KeyParticipants:
		var rids []string
		for _, u := range conv.Participants() {
			rids = append(rids, u.RemoteID())
		}
		slices.Sort(rids)
		return fmt.Sprint(rids)
	default:
		return ""
	}
}

// pushConversation pushes one conversation. A conversation without a remote
// id is created first and the confirmation is published as a transport update.
func (p *Pusher) pushConversation(ctx context.Context, w conversationWork) (bool, error) {
	if w.push.RemoteID == "" {
		rid, err := p.transport.CreateConversation(ctx, w.push.State.Name, w.push.Participants)
		if err != nil {
			p.mu.Lock()
			delete(p.creating, w.id)
			p.mu.Unlock()
			return false, fmt.Errorf("create conversation: %w", err)
		}
		if err := p.confirm(ctx, w, model.KeyName, model.KeyParticipants); err != nil {
			return false, err
		}
		create := event.New(rid, p.selfRID, "", time.Now(), event.Create{
			LocalID:  w.id,
			ConvType: w.push.State.Type,
			Name:     w.push.State.Name,
			Members:  w.push.Participants,
		})
		p.bus.Publish(bus.NewEvent(bus.KindTransportUpdates, []event.Update{create}))
		return true, nil
	}

	if err := p.transport.PushConversation(ctx, w.push); err != nil {
		return false, fmt.Errorf("push conversation %s: %w", w.push.RemoteID, err)
	}
	return false, p.confirm(ctx, w, w.push.Keys...)
}

// confirm resets the pushed keys whose value did not change in the meantime.
func (p *Pusher) confirm(ctx context.Context, w conversationWork, keys ...model.Key) error {
	return p.sc.Perform(func() error {
		conv, err := p.sc.Conversation(ctx, w.id)
		if err != nil || conv == nil {
			return err
		}
		var reset []model.Key
		for _, k := range keys {
			v, ok := w.values[k]
			if !ok || !conv.HasModifications(k) || keyValue(conv, k) != v {
				continue
			}
			reset = append(reset, k)
		}
		if len(reset) == 0 {
			return nil
		}
		conv.ResetModified(reset...)
		return p.save(ctx)
	})
}

func (p *Pusher) save(ctx context.Context) error {
	if err := p.sc.Save(ctx); err != nil {
		p.sc.Rollback()
		return err
	}
	return nil
}
