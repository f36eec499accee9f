package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerMarkIsIdempotent(t *testing.T) {
	c := NewConversation("c@s", ConversationGroup)

	c.MarkModified(KeyMuted)
	c.MarkModified(KeyMuted, KeyArchived)
	assert.Equal(t, []Key{KeyArchived, KeyMuted}, c.ModifiedKeys())

	c.ResetModified(KeyMuted)
	c.ResetModified(KeyMuted)
	assert.Equal(t, []Key{KeyArchived}, c.ModifiedKeys())
	assert.True(t, c.HasLocalModifications())
}

func TestTrackerIgnoresUntrackedKeys(t *testing.T) {
	m := NewMessage("n", nil, Knock{}, t0)
	m.MarkModified(KeyArchived)
	assert.False(t, m.HasLocalModifications())

	m.MarkModified(KeyVisible)
	assert.True(t, m.HasModifications(KeyVisible))
	assert.Equal(t, []Key{KeyVisible}, m.KeysTrackedForLocalModifications())
}

func TestTrackerLoad(t *testing.T) {
	u := NewUser("u@s", "U")
	u.MarkModified(KeyUserName)

	u.LoadTracking(nil, true)
	assert.False(t, u.HasLocalModifications())
	assert.True(t, u.NeedsUpdateFromBackend())

	u.LoadTracking([]Key{KeyUserName, KeyMuted}, false)
	assert.Equal(t, []Key{KeyUserName}, u.ModifiedKeys())
	assert.False(t, u.NeedsUpdateFromBackend())
}
