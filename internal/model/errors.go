package model

import "errors"

var (
	// ErrTypeImmutable is returned when changing a conversation type that is already set.
	ErrTypeImmutable = errors.New("conversation type already set")
	// ErrRemoteIDReassigned is returned when an entity already bound to a remote
	// identifier is given a different one.
	ErrRemoteIDReassigned = errors.New("remote identifier already assigned")
	// ErrServerTimestampAssigned is returned when a message already carries a server timestamp.
	ErrServerTimestampAssigned = errors.New("server timestamp already assigned")
	// ErrDuplicateNonce is returned when inserting a message whose nonce already exists in the conversation.
	ErrDuplicateNonce = errors.New("duplicate message nonce")
	// ErrNotSyncContext is returned when derived unread state is written outside the sync context.
	ErrNotSyncContext = errors.New("unread state may only be set from the sync context")
)
