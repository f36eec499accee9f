package actions

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/store"
)

// SetVisibleWindow marks the messages between fromNonce and toNonce as seen.
// The pending read marker moves at once; the durable one is written by a
// single delayed save shared by every call made in the meantime.
func (s *Service) SetVisibleWindow(ctx context.Context, ref, fromNonce, toNonce string) error {
	return s.ui.Perform(func() error {
		conv, err := s.conversation(ctx, ref)
		if err != nil {
			return err
		}
		var newest time.Time
		for _, nonce := range []string{fromNonce, toNonce} {
			m := conv.MessageByNonce(nonce)
			if m == nil {
				return fmt.Errorf("message %s: %w", nonce, store.ErrNotFound)
			}
			if m.ServerTimestamp().After(newest) {
				newest = m.ServerTimestamp()
			}
		}
		changed := false
		if !newest.IsZero() && conv.SetPendingLastRead(newest) {
			changed = true
		}
		if conv.ClearUnreadUnsent() {
			changed = true
		}
		if changed {
			s.schedule(conv.ID())
		}
		return nil
	})
}

func (s *Service) schedule(id model.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id] = struct{}{}
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.delay, func() {
		if err := s.Flush(context.Background()); err != nil {
			s.logger.Error("failed to save read markers", zap.Error(err))
		}
	})
}

// Flush saves pending read markers now.
func (s *Service) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	ids := s.pending
	s.pending = make(map[model.ID]struct{})
	s.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	return s.ui.Perform(func() error {
		for id := range ids {
			conv, err := s.ui.Conversation(ctx, id)
			if err != nil {
				return err
			}
			if conv != nil {
				conv.SavePendingLastRead()
			}
		}
		if !s.ui.HasChanges() {
			return nil
		}
		if err := s.save(ctx); err != nil {
			return err
		}
		s.logger.Debug("read markers saved", zap.Int("conversations", len(ids)))
		return nil
	})
}
