package actions

import (
	"context"
	"time"

	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/unread"
)

// MessageView is a read-only copy of a message.
type MessageView struct {
	ID        model.ID
	Nonce     string
	Sender    string
	ServerAt  time.Time
	CreatedAt time.Time
	Content   model.Content
	Delivered bool
	Expired   bool
	Missing   int
}

// ConversationView is a read-only copy of a conversation and its visible history.
type ConversationView struct {
	ID                model.ID
	DisplayName       string
	State             model.ConversationState
	PendingLastReadAt time.Time
	Indicator         unread.Indicator
	Participants      []string
	ModifiedKeys      []model.Key
	NeedsUpdate       bool
	Messages          []MessageView
}

// View returns a snapshot of a conversation as the UI context sees it.
func (s *Service) View(ctx context.Context, ref string) (ConversationView, error) {
	var v ConversationView
	err := s.ui.Perform(func() error {
		conv, err := s.conversation(ctx, ref)
		if err != nil {
			return err
		}
		v = ConversationView{
			ID:                conv.ID(),
			DisplayName:       conv.DisplayName(),
			State:             conv.State(),
			PendingLastReadAt: conv.PendingLastReadAt(),
			Indicator:         unread.ListIndicator(conv),
			ModifiedKeys:      conv.ModifiedKeys(),
			NeedsUpdate:       conv.NeedsUpdateFromBackend(),
		}
		for _, u := range conv.Participants() {
			v.Participants = append(v.Participants, u.RemoteID())
		}
		for _, m := range conv.History() {
			mv := MessageView{
				ID:        m.ID(),
				Nonce:     m.Nonce(),
				ServerAt:  m.ServerTimestamp(),
				CreatedAt: m.CreatedAt(),
				Content:   m.Content(),
				Delivered: m.IsDelivered(),
				Expired:   m.IsExpired(),
				Missing:   len(m.MissingRecipients()),
			}
			if m.Sender() != nil {
				mv.Sender = m.Sender().RemoteID()
			}
			v.Messages = append(v.Messages, mv)
		}
		return nil
	})
	return v, err
}
