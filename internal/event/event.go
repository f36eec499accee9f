// Package event defines the update events the reconciler consumes and their
// wire encoding.
package event

import (
	"errors"
	"time"

	"github.com/matheus3301/convsync/internal/model"
)

// ErrMalformed is returned for events that cannot be decoded or validated.
var ErrMalformed = errors.New("malformed event")

// Type names an update event.
type Type string

const (
	TypeMessageAdd        Type = "conversation.message-add"
	TypeConfirmation      Type = "conversation.confirmation"
	TypeMissingRecipients Type = "conversation.missing-recipients"
	TypeMessageHide       Type = "conversation.message-hide"
	TypeArchive           Type = "conversation.archive"
	TypeMute              Type = "conversation.mute"
	TypeClear             Type = "conversation.clear"
	TypeLastRead          Type = "conversation.last-read"
	TypeRename            Type = "conversation.rename"
	TypeMemberJoin        Type = "conversation.member-join"
	TypeMemberLeave       Type = "conversation.member-leave"
	TypeCreate            Type = "conversation.create"
	TypeConnection        Type = "conversation.connection"
	TypeCall              Type = "conversation.call"
)

// IsMessage reports whether events of type t are keyed by a message nonce.
func (t Type) IsMessage() bool {
	switch t {
	case TypeMessageAdd, TypeMessageHide, TypeMissingRecipients:
		return true
	}
	return false
}

// Update is one server event. Conversation and sender are remote identifiers;
// the timestamp is the server's.
type Update struct {
	Type           Type      `validate:"required"`
	ConversationID string    `validate:"required"`
	Timestamp      time.Time `validate:"required"`
	Payload        Payload   `validate:"required"`

	SenderID string
	Nonce    string

	// ConversationType is a hint used when the event creates the conversation.
	ConversationType model.ConversationType

	decodeErr error
}

// Payload is the type-specific body of an update.
type Payload interface {
	Type() Type
}

// MessageAdd carries a new message.
type MessageAdd struct {
	Content model.Content `validate:"required"`
}

// Confirmation acknowledges delivery, or reading when Read is set, of the
// self user's messages by the event sender.
type Confirmation struct {
	Nonces []string `validate:"required,min=1,dive,required"`
	Read   bool
}

// MissingRecipients lists users a message could not be delivered to.
type MissingRecipients struct {
	Missing []string `validate:"required,min=1,dive,required"`
}

// MessageHide deletes the message named by the update nonce for everyone.
type MessageHide struct{}

// Archive changes the archived flag.
type Archive struct {
	Archived bool
}

// Mute changes the muted flag.
type Mute struct {
	Muted bool
}

// Clear clears the history up to the update timestamp.
type Clear struct{}

// LastRead moves the read marker to the update timestamp.
type LastRead struct{}

// Rename sets the conversation name.
type Rename struct {
	Name string `validate:"required"`
}

// MemberJoin adds users to the conversation.
type MemberJoin struct {
	UserIDs []string `validate:"required,min=1,dive,required"`
}

// MemberLeave removes users from the conversation.
type MemberLeave struct {
	UserIDs []string `validate:"required,min=1,dive,required"`
}

// Create confirms a conversation created on this client and binds it to its
// remote identifier.
type Create struct {
	LocalID  model.ID `validate:"required"`
	ConvType model.ConversationType
	Name     string
	Members  []string `validate:"dive,required"`
}

// Connection updates the connection request of a conversation.
type Connection struct {
	Status      model.ConnectionStatus
	RequestedAt time.Time
	UserID      string `validate:"required"`
}

// CallState is the state carried by a call event.
type CallState string

const (
	CallActive   CallState = "active"
	CallInactive CallState = "inactive"
	CallEnded    CallState = "ended"
	CallMissed   CallState = "missed"
)

// Call reports a voice channel transition.
type Call struct {
	State CallState `validate:"required,oneof=active inactive ended missed"`
}

func (MessageAdd) Type() Type        { return TypeMessageAdd }
func (Confirmation) Type() Type      { return TypeConfirmation }
func (MissingRecipients) Type() Type { return TypeMissingRecipients }
func (MessageHide) Type() Type       { return TypeMessageHide }
func (Archive) Type() Type           { return TypeArchive }
func (Mute) Type() Type              { return TypeMute }
func (Clear) Type() Type             { return TypeClear }
func (LastRead) Type() Type          { return TypeLastRead }
func (Rename) Type() Type            { return TypeRename }
func (MemberJoin) Type() Type        { return TypeMemberJoin }
func (MemberLeave) Type() Type       { return TypeMemberLeave }
func (Create) Type() Type            { return TypeCreate }
func (Connection) Type() Type        { return TypeConnection }
func (Call) Type() Type              { return TypeCall }

// New builds an update for payload, deriving the type from it.
func New(conversationID, senderID, nonce string, ts time.Time, payload Payload) Update {
	u := Update{
		ConversationID: conversationID,
		SenderID:       senderID,
		Nonce:          nonce,
		Timestamp:      model.Millis(ts),
		Payload:        payload,
	}
	if payload != nil {
		u.Type = payload.Type()
	}
	return u
}
