package sync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/event"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/store"
	"github.com/matheus3301/convsync/internal/unread"
)

// Options tune the engine.
type Options struct {
	// EventBuffer is the bus subscription buffer.
	EventBuffer int
	// MaxRetries bounds how often a batch is retried after a failed save.
	MaxRetries int
}

// BatchSummary is published on the bus after each applied batch.
type BatchSummary struct {
	Updates  int
	Outcomes map[string]int
	Skipped  int
	Touched  []model.ID
}

// Engine applies transport updates on the sync context and keeps the derived
// unread state current when the UI context saves.
type Engine struct {
	store  *store.Store
	sc     *store.Context
	bus    *bus.Bus
	rec    *Reconciler
	opts   Options
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewEngine creates a sync engine working on sc, which must be the sync context.
func NewEngine(st *store.Store, sc *store.Context, b *bus.Bus, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	return &Engine{
		store:  st,
		sc:     sc,
		bus:    b,
		rec:    NewReconciler(logger),
		opts:   opts,
		logger: logger,
	}
}

// Start subscribes to transport updates and store saves on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	updates, unsubUpdates := e.bus.Subscribe("transport.", e.opts.EventBuffer)
	saves, unsubSaves := e.bus.Subscribe("store.", e.opts.EventBuffer)

	go func() {
		defer unsubUpdates()
		defer unsubSaves()
		for {
			select {
			case evt := <-updates:
				e.handleEvent(ctx, evt)
			case evt := <-saves:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindTransportUpdates:
		batch, ok := evt.Payload.([]event.Update)
		if !ok {
			return
		}
		if _, err := e.ApplyBatch(ctx, batch); err != nil {
			e.logger.Error("failed to apply batch", zap.Error(err), zap.Int("updates", len(batch)))
		}
	case bus.KindStoreSaved:
		changes, ok := evt.Payload.(store.Changes)
		if !ok || changes.Role == model.RoleSync {
			return
		}
		if err := e.MergeUISave(ctx, changes); err != nil {
			e.logger.Error("failed to merge ui save", zap.Error(err))
		}
	}
}

// ApplyBatch reconciles batch and saves the result atomically. When the save
// fails the context is rolled back and the whole batch is retried.
func (e *Engine) ApplyBatch(ctx context.Context, batch []event.Update) (Result, error) {
	for attempt := 0; ; attempt++ {
		var res Result
		err := e.sc.Perform(func() error {
			pre, err := Prefetch(ctx, e.sc, batch)
			if err != nil {
				return fmt.Errorf("prefetch: %w", err)
			}
			if res, err = e.rec.Apply(ctx, e.sc, batch, pre); err != nil {
				return fmt.Errorf("apply: %w", err)
			}
			return e.sc.Save(ctx)
		})
		if err == nil {
			e.publishSummary(len(batch), res)
			return res, nil
		}

		_ = e.sc.Perform(func() error {
			e.sc.Rollback()
			return nil
		})
		if !errors.Is(err, store.ErrSaveFailed) || attempt >= e.opts.MaxRetries {
			return res, err
		}
		e.logger.Warn("batch save failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}
}

func (e *Engine) publishSummary(n int, res Result) {
	summary := BatchSummary{
		Updates:  n,
		Outcomes: make(map[string]int),
		Skipped:  len(res.Skipped),
		Touched:  res.Touched,
	}
	for _, o := range res.Outcomes {
		summary.Outcomes[o.String()]++
	}
	e.logger.Debug("batch applied",
		zap.Int("updates", n),
		zap.Int("skipped", summary.Skipped),
		zap.Int("touched", len(res.Touched)),
	)
	e.bus.Publish(bus.NewEvent(bus.KindBatchApplied, summary))
}

// MergeUISave refreshes the sync context's handles after a UI save and
// recomputes the unread state of the conversations it wrote.
func (e *Engine) MergeUISave(ctx context.Context, changes store.Changes) error {
	return e.sc.Perform(func() error {
		if err := e.sc.RefreshUsers(ctx, changes.Users); err != nil {
			return err
		}
		ids := changes.ConversationIDs()
		if err := e.sc.Refresh(ctx, ids); err != nil {
			return err
		}
		for id := range changes.Conversations {
			conv, err := e.sc.Conversation(ctx, id)
			if err != nil {
				return err
			}
			if conv == nil {
				continue
			}
			if err := recomputeIfChanged(e.sc, conv); err != nil {
				return err
			}
		}
		if err := e.sc.Save(ctx); err != nil {
			e.sc.Rollback()
			return err
		}
		return nil
	})
}

// RecalculateUnread recomputes the unread state of every conversation and
// saves the ones that drifted. It returns how many were corrected.
func (e *Engine) RecalculateUnread(ctx context.Context) (int, error) {
	fixed := 0
	err := e.sc.Perform(func() error {
		convs, err := e.sc.Conversations(ctx)
		if err != nil {
			return err
		}
		for _, conv := range convs {
			before := conv.Unread()
			if err := recomputeIfChanged(e.sc, conv); err != nil {
				return err
			}
			if conv.Unread() != before {
				fixed++
			}
		}
		if err := e.sc.Save(ctx); err != nil {
			e.sc.Rollback()
			return err
		}
		return nil
	})
	return fixed, err
}

func recomputeIfChanged(sc *store.Context, conv *model.Conversation) error {
	if unread.Recompute(conv, sc.Self()) == conv.Unread() {
		return nil
	}
	return applyUnread(sc, conv)
}
