// Package actions holds the local user's entry points. Every action runs on
// the UI store context and saves before returning, except read markers which
// are saved after a short delay.
package actions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/store"
)

// Options tune the service.
type Options struct {
	// ReadMarkerDelay is how long read markers wait before they are saved.
	ReadMarkerDelay time.Duration
	// Now is the clock used to stamp local changes.
	Now func() time.Time
}

// Service applies local user actions.
type Service struct {
	ui     *store.Context
	bus    *bus.Bus
	logger *zap.Logger
	delay  time.Duration
	now    func() time.Time

	mu      sync.Mutex
	timer   *time.Timer
	pending map[model.ID]struct{}

	cancel context.CancelFunc
}

// New creates a service working on ui, the UI store context.
func New(ui *store.Context, b *bus.Bus, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReadMarkerDelay <= 0 {
		opts.ReadMarkerDelay = time.Second
	}
	return &Service{
		ui:      ui,
		bus:     b,
		logger:  logger,
		delay:   opts.ReadMarkerDelay,
		now:     opts.Now,
		pending: make(map[model.ID]struct{}),
	}
}

// Start refreshes the UI context whenever the sync context saves.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	saves, unsub := s.bus.Subscribe(bus.KindStoreSaved, 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-saves:
				changes, ok := evt.Payload.(store.Changes)
				if !ok || changes.Role != model.RoleSync {
					continue
				}
				if err := s.refresh(ctx, changes); err != nil {
					s.logger.Error("failed to refresh ui context", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops following saves and writes any pending read marker.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.Flush(context.Background()); err != nil {
		s.logger.Error("failed to flush read markers", zap.Error(err))
	}
}

func (s *Service) refresh(ctx context.Context, changes store.Changes) error {
	return s.ui.Perform(func() error {
		if err := s.ui.RefreshUsers(ctx, changes.Users); err != nil {
			return err
		}
		return s.ui.Refresh(ctx, changes.ConversationIDs())
	})
}

// conversation resolves ref as a local id first, then as a remote id.
func (s *Service) conversation(ctx context.Context, ref string) (*model.Conversation, error) {
	conv, err := s.ui.Conversation(ctx, model.ID(ref))
	if err != nil {
		return nil, err
	}
	if conv == nil {
		if conv, err = s.ui.ConversationByRemoteID(ctx, ref); err != nil {
			return nil, err
		}
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation %s: %w", ref, store.ErrNotFound)
	}
	return conv, nil
}

// mutate runs fn on the conversation and saves. A failed save is rolled back.
func (s *Service) mutate(ctx context.Context, ref string, fn func(conv *model.Conversation) error) error {
	return s.ui.Perform(func() error {
		conv, err := s.conversation(ctx, ref)
		if err != nil {
			return err
		}
		if err := fn(conv); err != nil {
			return err
		}
		return s.save(ctx)
	})
}

func (s *Service) save(ctx context.Context) error {
	if err := s.ui.Save(ctx); err != nil {
		s.ui.Rollback()
		return err
	}
	return nil
}

// AppendText adds a local text message and returns its nonce.
func (s *Service) AppendText(ctx context.Context, ref, body string, mentions []string, quote string) (string, error) {
	return s.appendLocal(ctx, ref, model.Text{Body: body, Mentions: mentions, QuotedNonce: quote})
}

// AppendKnock adds a local knock and returns its nonce.
func (s *Service) AppendKnock(ctx context.Context, ref string) (string, error) {
	return s.appendLocal(ctx, ref, model.Knock{})
}

func (s *Service) appendLocal(ctx context.Context, ref string, content model.Content) (string, error) {
	nonce := model.NewNonce()
	err := s.mutate(ctx, ref, func(conv *model.Conversation) error {
		now := s.now()
		return conv.AppendLocal(model.NewMessage(nonce, s.ui.Self(), content, now), now)
	})
	if err != nil {
		return "", err
	}
	return nonce, nil
}

// Archive archives or unarchives a conversation.
func (s *Service) Archive(ctx context.Context, ref string, archived bool) error {
	return s.mutate(ctx, ref, func(conv *model.Conversation) error {
		conv.Archive(archived, s.now())
		return nil
	})
}

// Mute mutes or unmutes a conversation.
func (s *Service) Mute(ctx context.Context, ref string, muted bool) error {
	return s.mutate(ctx, ref, func(conv *model.Conversation) error {
		conv.Mute(muted, s.now())
		return nil
	})
}

// ClearHistory archives a conversation and hides everything up to its newest message.
func (s *Service) ClearHistory(ctx context.Context, ref string) error {
	return s.mutate(ctx, ref, func(conv *model.Conversation) error {
		conv.ClearHistory(s.now())
		s.mu.Lock()
		delete(s.pending, conv.ID())
		s.mu.Unlock()
		return nil
	})
}

// Rename renames a conversation.
func (s *Service) Rename(ctx context.Context, ref, name string) error {
	return s.mutate(ctx, ref, func(conv *model.Conversation) error {
		conv.Rename(name, s.now())
		return nil
	})
}

// AddParticipant adds a user by remote id. Unknown users are created as
// placeholders to be filled in from the backend.
func (s *Service) AddParticipant(ctx context.Context, ref, userRID string) error {
	return s.mutate(ctx, ref, func(conv *model.Conversation) error {
		u, err := s.ui.UserByRemoteID(ctx, userRID)
		if err != nil {
			return err
		}
		if u == nil {
			u = model.NewPlaceholderUser(userRID)
			if err := s.ui.InsertUser(u); err != nil {
				return err
			}
		}
		conv.AddParticipants(true, u)
		return nil
	})
}

// RemoveParticipant removes a user by remote id.
func (s *Service) RemoveParticipant(ctx context.Context, ref, userRID string) error {
	return s.mutate(ctx, ref, func(conv *model.Conversation) error {
		u, err := s.ui.UserByRemoteID(ctx, userRID)
		if err != nil {
			return err
		}
		if u == nil {
			return fmt.Errorf("user %s: %w", userRID, store.ErrNotFound)
		}
		conv.RemoveParticipants(true, u)
		return nil
	})
}

// CreateGroup creates a local group conversation with the self user and
// members. It is bound to a remote id once the server confirms it.
func (s *Service) CreateGroup(ctx context.Context, name string, members []string) (model.ID, error) {
	var id model.ID
	err := s.ui.Perform(func() error {
		users := []*model.User{s.ui.Self()}
		for _, rid := range members {
			u, err := s.ui.UserByRemoteID(ctx, rid)
			if err != nil {
				return err
			}
			if u == nil {
				u = model.NewPlaceholderUser(rid)
				if err := s.ui.InsertUser(u); err != nil {
					return err
				}
			}
			users = append(users, u)
		}
		conv := model.NewConversation("", model.ConversationGroup)
		if err := s.ui.Insert(conv); err != nil {
			return err
		}
		conv.Rename(name, s.now())
		conv.AddParticipants(true, users...)
		conv.UpdateLastModified(s.now())
		id = conv.ID()
		return s.save(ctx)
	})
	return id, err
}
