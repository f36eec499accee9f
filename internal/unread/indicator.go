package unread

import "github.com/matheus3301/convsync/internal/model"

// Indicator is the single notable state a conversation shows in the list.
type Indicator int

const (
	None Indicator = iota
	UnreadMessages
	Knock
	MissedCall
	ExpiredMessage
	ActiveCall
	InactiveCall
	Pending
)

var indicatorNames = [...]string{
	None:           "none",
	UnreadMessages: "unread_messages",
	Knock:          "knock",
	MissedCall:     "missed_call",
	ExpiredMessage: "expired_message",
	ActiveCall:     "active_call",
	InactiveCall:   "inactive_call",
	Pending:        "pending",
}

func (i Indicator) String() string {
	if i < 0 || int(i) >= len(indicatorNames) {
		return "none"
	}
	return indicatorNames[i]
}

// Signals are the conditions the indicator is chosen from.
type Signals struct {
	Pending      bool
	Expired      bool
	ActiveCall   bool
	InactiveCall bool
	MissedCall   bool
	Knock        bool
	Unread       bool
}

// Resolve picks the indicator by fixed priority; the first matching signal wins.
func Resolve(s Signals) Indicator {
	switch {
	case s.Pending:
		return Pending
	case s.Expired:
		return ExpiredMessage
	case s.ActiveCall:
		return ActiveCall
	case s.InactiveCall:
		return InactiveCall
	case s.MissedCall:
		return MissedCall
	case s.Knock:
		return Knock
	case s.Unread:
		return UnreadMessages
	default:
		return None
	}
}

// SignalsOf reads the indicator conditions from persisted conversation state.
func SignalsOf(st model.ConversationState) Signals {
	return Signals{
		Pending:      st.PendingConnection(),
		Expired:      st.HasUnreadUnsent,
		ActiveCall:   st.Call == model.CallActive,
		InactiveCall: st.Call == model.CallInactive,
		MissedCall:   !st.LastUnreadMissedCallAt.IsZero(),
		Knock:        !st.LastUnreadKnockAt.IsZero(),
		Unread:       st.UnreadCount > 0,
	}
}

// ForState resolves the indicator of a persisted conversation state.
func ForState(st model.ConversationState) Indicator {
	return Resolve(SignalsOf(st))
}

// ListIndicator resolves the indicator of a conversation.
func ListIndicator(c *model.Conversation) Indicator {
	return ForState(c.State())
}
