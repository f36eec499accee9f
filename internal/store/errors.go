package store

import "errors"

var (
	// ErrSaveFailed wraps every failure to persist a context. The caller may retry.
	ErrSaveFailed = errors.New("save failed")
	// ErrForeignObject is returned when an entity fetched in one context is used in another.
	ErrForeignObject = errors.New("entity belongs to another context")
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNoSelfUser is returned when a context is created before the self user exists.
	ErrNoSelfUser = errors.New("self user not initialized")
	// ErrDirtySchema is returned when a previous migration stopped halfway.
	ErrDirtySchema = errors.New("mirror schema is dirty")
)
