package directory

import (
	"github.com/matheus3301/convsync/internal/model"
)

// ListName names one of the fixed conversation lists.
type ListName string

const (
	Unarchived ListName = "unarchived"
	All        ListName = "all"
	Archived   ListName = "archived"
	Pending    ListName = "pending"
	Cleared    ListName = "cleared"
)

// Spec is a named list: a predicate over persisted state plus a sort order.
type Spec struct {
	Name  ListName
	Match func(st model.ConversationState) bool
	Less  func(a, b Entry) bool
}

// Specs are the lists the directory maintains.
var Specs = []Spec{
	{Name: Unarchived, Match: isUnarchived, Less: byLastModified},
	{Name: All, Match: includingArchived, Less: byArchivedThenLastModified},
	{Name: Archived, Match: isArchived, Less: byLastModified},
	{Name: Pending, Match: isPending, Less: byConnectionRequest},
	{Name: Cleared, Match: isCleared, Less: byLastModified},
}

// SpecFor returns the spec named n.
func SpecFor(n ListName) (Spec, bool) {
	for _, s := range Specs {
		if s.Name == n {
			return s, true
		}
	}
	return Spec{}, false
}

func isValid(st model.ConversationState) bool {
	switch st.EffectiveType() {
	case model.ConversationInvalid, model.ConversationSelf:
		return false
	}
	switch st.Connection.Status {
	case model.ConnectionPending, model.ConnectionIgnored, model.ConnectionCancelled, model.ConnectionBlocked:
		return false
	}
	return true
}

// includingArchived keeps conversations that still have something to show
// after their last clear. Outgoing connection requests stay listed.
func includingArchived(st model.ConversationState) bool {
	if !isValid(st) {
		return false
	}
	if st.ClearedAt.IsZero() || st.LastServerAt.After(st.ClearedAt) {
		return true
	}
	return st.LastServerAt.Equal(st.ClearedAt) && !st.Archived
}

func isUnarchived(st model.ConversationState) bool {
	return includingArchived(st) && !st.Archived
}

func isArchived(st model.ConversationState) bool {
	return includingArchived(st) && st.Archived
}

func isPending(st model.ConversationState) bool {
	return st.EffectiveType() == model.ConversationPendingConnection &&
		st.Connection.Status == model.ConnectionPending
}

func isCleared(st model.ConversationState) bool {
	return !st.ClearedAt.IsZero() && st.Archived && isValid(st)
}

func byLastModified(a, b Entry) bool {
	if !a.State.LastModifiedAt.Equal(b.State.LastModifiedAt) {
		return a.State.LastModifiedAt.After(b.State.LastModifiedAt)
	}
	return tieBreak(a, b)
}

func byArchivedThenLastModified(a, b Entry) bool {
	if a.State.Archived != b.State.Archived {
		return !a.State.Archived
	}
	return byLastModified(a, b)
}

func byConnectionRequest(a, b Entry) bool {
	ra, rb := a.State.Connection.RequestedAt, b.State.Connection.RequestedAt
	if !ra.Equal(rb) {
		return ra.After(rb)
	}
	return tieBreak(a, b)
}

func tieBreak(a, b Entry) bool {
	if a.RemoteID != b.RemoteID {
		return a.RemoteID < b.RemoteID
	}
	return a.ID < b.ID
}
