// Package directory keeps the named conversation lists current as the store
// changes.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/store"
	"github.com/matheus3301/convsync/internal/unread"
)

// ErrUnknownList is returned for a list name the directory does not maintain.
var ErrUnknownList = errors.New("unknown list")

// Entry is the read-only view of one conversation in a list.
type Entry struct {
	ID          model.ID
	RemoteID    string
	DisplayName string
	State       model.ConversationState
	Unread      model.UnreadState
	Indicator   unread.Indicator
	NeedsUpdate bool
}

func newEntry(row store.ConversationRow) Entry {
	st := row.State
	name := st.Name
	if name == "" && (st.EffectiveType() == model.ConversationOneToOne || st.EffectiveType() == model.ConversationPendingConnection) {
		name = row.PeerName
	}
	if name == "" {
		name = st.RemoteID
	}
	return Entry{
		ID:          row.ID,
		RemoteID:    st.RemoteID,
		DisplayName: name,
		State:       st,
		Unread:      st.Unread(),
		Indicator:   unread.ForState(st),
		NeedsUpdate: row.NeedsUpdate,
	}
}

// Directory maintains every list in Specs over the persisted conversations.
type Directory struct {
	store  *store.Store
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[model.ID]Entry
	members map[ListName]map[model.ID]struct{}

	cancel context.CancelFunc
}

// New creates an empty directory. Call RefetchAll or Start to populate it.
func New(st *store.Store, b *bus.Bus, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Directory{
		store:  st,
		bus:    b,
		logger: logger,
	}
	d.reset()
	return d
}

func (d *Directory) reset() {
	d.entries = make(map[model.ID]Entry)
	d.members = make(map[ListName]map[model.ID]struct{}, len(Specs))
	for _, s := range Specs {
		d.members[s.Name] = make(map[model.ID]struct{})
	}
}

// Start loads every list and follows store saves.
func (d *Directory) Start(ctx context.Context) error {
	if err := d.RefetchAll(ctx); err != nil {
		return err
	}
	ctx, d.cancel = context.WithCancel(ctx)
	saves, unsub := d.bus.Subscribe(bus.KindStoreSaved, 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-saves:
				changes, ok := evt.Payload.(store.Changes)
				if !ok {
					continue
				}
				if err := d.Update(ctx, changes.ConversationIDs()...); err != nil {
					d.logger.Error("failed to update lists", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop stops following store saves.
func (d *Directory) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// RefetchAll rebuilds every list from the store. It is needed when the store
// was written without a save notification.
func (d *Directory) RefetchAll(ctx context.Context) error {
	rows, err := d.store.ConversationRows(ctx)
	if err != nil {
		return fmt.Errorf("refetch lists: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset()
	for _, row := range rows {
		d.place(newEntry(row))
	}
	d.logger.Debug("lists refetched", zap.Int("conversations", len(rows)))
	return nil
}

// Update re-evaluates the given conversations. Ids no longer in the store
// leave every list.
func (d *Directory) Update(ctx context.Context, ids ...model.ID) error {
	if len(ids) == 0 {
		return nil
	}
	rows, err := d.store.ConversationRows(ctx, ids...)
	if err != nil {
		return fmt.Errorf("update lists: %w", err)
	}
	found := make(map[model.ID]struct{}, len(rows))
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, row := range rows {
		found[row.ID] = struct{}{}
		d.remove(row.ID)
		d.place(newEntry(row))
	}
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			d.remove(id)
		}
	}
	return nil
}

func (d *Directory) place(e Entry) {
	d.entries[e.ID] = e
	for _, s := range Specs {
		if s.Match(e.State) {
			d.members[s.Name][e.ID] = struct{}{}
		}
	}
}

func (d *Directory) remove(id model.ID) {
	delete(d.entries, id)
	for _, m := range d.members {
		delete(m, id)
	}
}

// List returns the entries of list n in its sort order.
func (d *Directory) List(n ListName) ([]Entry, error) {
	s, ok := SpecFor(n)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownList, n)
	}
	d.mu.RLock()
	out := make([]Entry, 0, len(d.members[n]))
	for id := range d.members[n] {
		out = append(out, d.entries[id])
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return s.Less(out[i], out[j]) })
	return out, nil
}

// Contains reports whether conversation id is in list n.
func (d *Directory) Contains(n ListName, id model.ID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.members[n][id]
	return ok
}

// Entry returns the directory entry of a conversation.
func (d *Directory) Entry(id model.ID) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[id]
	return e, ok
}

// Counts returns the size of every list.
func (d *Directory) Counts() map[ListName]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[ListName]int, len(d.members))
	for n, m := range d.members {
		out[n] = len(m)
	}
	return out
}
