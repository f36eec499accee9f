package model

import (
	"time"

	"github.com/google/uuid"
)

// ID is the stable local identity of an entity. It never changes once assigned.
type ID string

// NewID returns a fresh local identity.
func NewID() ID {
	return ID(uuid.NewString())
}

// NewNonce returns a fresh client-generated message nonce.
func NewNonce() string {
	return uuid.NewString()
}

// Role identifies which execution context is mutating the entity graph.
type Role int

const (
	RoleUI Role = iota
	RoleSync
)

func (r Role) String() string {
	switch r {
	case RoleUI:
		return "ui"
	case RoleSync:
		return "sync"
	default:
		return "unknown"
	}
}

// Millis truncates t to millisecond precision, which is what the store keeps.
// The zero time stays zero.
func Millis(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.UnixMilli(t.UnixMilli())
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
