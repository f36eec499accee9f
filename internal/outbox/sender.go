// Package outbox pushes local changes upstream: undelivered messages and
// conversation keys modified on this client.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/event"
	"github.com/matheus3301/convsync/internal/model"
)

// MessageSender delivers a message and returns the server timestamp it got.
type MessageSender interface {
	SendMessage(ctx context.Context, conversationRID, nonce string, content model.Content) (time.Time, error)
}

// outgoing is a message picked up for sending.
type outgoing struct {
	convID  model.ID
	convRID string
	nonce   string
	content model.Content
}

// SendFailure is published on the bus when a message could not be sent.
type SendFailure struct {
	ConversationID model.ID
	Nonce          string
	Error          string
}

// send delivers one message. On success the server echo is published as a
// transport update so the sync engine stamps the message; on failure the
// message is marked expired.
func (p *Pusher) send(ctx context.Context, m outgoing) bool {
	ts, err := p.transport.SendMessage(ctx, m.convRID, m.nonce, m.content)
	if err != nil {
		p.logger.Error("failed to send message",
			zap.Error(err),
			zap.String("conversation", m.convRID),
			zap.String("nonce", m.nonce),
		)
		if err := p.expire(ctx, m); err != nil {
			p.logger.Error("failed to mark message expired", zap.Error(err), zap.String("nonce", m.nonce))
		}
		p.bus.Publish(bus.NewEvent(bus.KindMessageSendFailed, SendFailure{
			ConversationID: m.convID,
			Nonce:          m.nonce,
			Error:          err.Error(),
		}))
		return false
	}

	p.logger.Info("message sent", zap.String("conversation", m.convRID), zap.String("nonce", m.nonce))
	echo := event.New(m.convRID, p.selfRID, m.nonce, ts, event.MessageAdd{Content: m.content})
	p.bus.Publish(bus.NewEvent(bus.KindTransportUpdates, []event.Update{echo}))
	return true
}

func (p *Pusher) expire(ctx context.Context, m outgoing) error {
	p.forget(m.nonce)
	return p.sc.Perform(func() error {
		conv, err := p.sc.Conversation(ctx, m.convID)
		if err != nil || conv == nil {
			return err
		}
		msg := conv.MessageByNonce(m.nonce)
		if msg == nil || !msg.MarkExpired() {
			return nil
		}
		return p.save(ctx)
	})
}
