// Package lock guards a session directory so only one daemon mirrors it.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the lock file inside a session directory.
const FileName = "LOCK"

// ErrHeld is matched by LockHeldError.
var ErrHeld = errors.New("session lock held")

// Holder describes the process owning a session lock.
type Holder struct {
	PID     int       `toml:"pid"`
	Session string    `toml:"session"`
	Since   time.Time `toml:"since"`
}

// LockHeldError is returned when another process holds the session lock.
type LockHeldError struct {
	Holder Holder
	Path   string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("session %q locked by PID %d since %s (%s)",
		e.Holder.Session, e.Holder.PID, e.Holder.Since.Format(time.RFC3339), e.Path)
}

func (e *LockHeldError) Unwrap() error { return ErrHeld }

// Lock represents an acquired session lock file.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive flock on the session directory and records the
// holder in the lock file. Returns LockHeldError if another process holds it.
func Acquire(sessionDir, session string) (*Lock, error) {
	lockPath := filepath.Join(sessionDir, FileName)

	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		held := &LockHeldError{Path: lockPath, Holder: Holder{Session: session}}
		if h, err := ReadHolder(sessionDir); err == nil && h != nil {
			held.Holder = *h
		}
		return nil, held
	}

	if err := writeHolder(f, Holder{PID: os.Getpid(), Session: session, Since: time.Now().UTC()}); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock holder: %w", err)
	}
	return &Lock{file: f, path: lockPath}, nil
}

func writeHolder(f *os.File, h Holder) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	return toml.NewEncoder(f).Encode(h)
}

// ReadHolder returns the holder recorded in a session's lock file, or nil
// when the session is not locked.
func ReadHolder(sessionDir string) (*Holder, error) {
	var h Holder
	_, err := toml.DecodeFile(filepath.Join(sessionDir, FileName), &h)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock holder: %w", err)
	}
	return &h, nil
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove lock file before closing to avoid stale files.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}
