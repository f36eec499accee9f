// Package unread derives unread counters and the list indicator from
// conversation state.
package unread

import (
	"github.com/matheus3301/convsync/internal/model"
)

// Recompute folds the messages after the read marker into unread counters.
// It is a pure function of the messages, the read and cleared markers and the
// local user. Self-sent, hidden and unstamped messages never count.
func Recompute(c *model.Conversation, self *model.User) model.UnreadState {
	var s model.UnreadState
	lastRead := c.LastReadAt()
	cleared := c.ClearedAt()

	for _, m := range c.Messages() {
		if !m.HasServerTimestamp() || m.IsHidden() {
			continue
		}
		ts := m.ServerTimestamp()
		if !ts.After(lastRead) {
			continue
		}
		if !cleared.IsZero() && !ts.After(cleared) {
			continue
		}
		if self != nil && m.SenderID() == self.ID() {
			continue
		}
		if !model.GeneratesUnread(m.Content()) {
			continue
		}

		s.Count++
		switch content := m.Content().(type) {
		case model.Text:
			if self != nil && m.MentionsUser(self.RemoteID()) {
				s.Mentions++
			}
			if content.QuotedNonce != "" && self != nil {
				if q := c.MessageByNonce(content.QuotedNonce); q != nil && q.SenderID() == self.ID() {
					s.Replies++
				}
			}
		case model.Knock:
			if ts.After(s.LastKnockAt) {
				s.LastKnockAt = ts
			}
		case model.System:
			if content.Type == model.SystemMissedCall && ts.After(s.LastMissedCallAt) {
				s.LastMissedCallAt = ts
			}
		}
	}
	return s
}
