package model

import (
	"slices"
	"sort"
)

// Key names an attribute that can carry unpushed local modifications.
type Key string

const (
	KeyArchived     Key = "archivedChangedTimestamp"
	KeyMuted        Key = "silencedChangedTimestamp"
	KeyCleared      Key = "clearedTimestamp"
	KeyLastRead     Key = "lastReadServerTimestamp"
	KeyParticipants Key = "participants"
	KeyName         Key = "userDefinedName"
	KeyVisible      Key = "visibleInConversation"
	KeyUserName     Key = "name"
)

// Tracker is the per-entity change bookkeeping: which tracked keys hold local
// values the server has not seen, and whether the whole entity is stale.
// All operations are idempotent set updates.
type Tracker struct {
	tracked     []Key
	modified    map[Key]struct{}
	needsUpdate bool
}

func newTracker(tracked ...Key) Tracker {
	return Tracker{tracked: tracked}
}

// KeysTrackedForLocalModifications returns the pushable surface of the entity kind.
func (t *Tracker) KeysTrackedForLocalModifications() []Key {
	return slices.Clone(t.tracked)
}

// MarkModified records keys as locally modified. Keys outside the tracked set are ignored.
func (t *Tracker) MarkModified(keys ...Key) {
	for _, k := range keys {
		if !slices.Contains(t.tracked, k) {
			continue
		}
		if t.modified == nil {
			t.modified = make(map[Key]struct{})
		}
		t.modified[k] = struct{}{}
	}
}

// ResetModified clears keys after a confirmed push or a server override.
func (t *Tracker) ResetModified(keys ...Key) {
	for _, k := range keys {
		delete(t.modified, k)
	}
}

// HasModifications reports whether key has an unpushed local value.
func (t *Tracker) HasModifications(key Key) bool {
	_, ok := t.modified[key]
	return ok
}

// HasLocalModifications reports whether any key is modified.
func (t *Tracker) HasLocalModifications() bool {
	return len(t.modified) > 0
}

// ModifiedKeys returns the locally modified keys in sorted order.
func (t *Tracker) ModifiedKeys() []Key {
	keys := make([]Key, 0, len(t.modified))
	for k := range t.modified {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// NeedsUpdateFromBackend reports whether the full remote representation must be re-fetched.
func (t *Tracker) NeedsUpdateFromBackend() bool {
	return t.needsUpdate
}

// SetNeedsUpdateFromBackend sets the stale flag.
func (t *Tracker) SetNeedsUpdateFromBackend(v bool) {
	t.needsUpdate = v
}

// LoadTracking replaces the tracker state with persisted values.
func (t *Tracker) LoadTracking(modified []Key, needsUpdate bool) {
	t.modified = nil
	t.MarkModified(modified...)
	t.needsUpdate = needsUpdate
}
