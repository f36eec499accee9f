// Package maintenance runs periodic repairs of the derived state: unread
// counters are recomputed and the conversation lists rebuilt from the store.
package maintenance

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Recalculator recomputes unread state for every conversation.
type Recalculator interface {
	RecalculateUnread(ctx context.Context) (int, error)
}

// Refetcher rebuilds the conversation lists.
type Refetcher interface {
	RefetchAll(ctx context.Context) error
}

// Manager schedules the maintenance job.
type Manager struct {
	engine   *cron.Cron
	schedule string
	unread   Recalculator
	lists    Refetcher
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a manager for schedule, a cron spec or descriptor such as
// "@every 10m". An empty schedule disables the job.
func New(schedule string, unread Recalculator, lists Refetcher, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger.Sugar()}
	return &Manager{
		engine: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		schedule: schedule,
		unread:   unread,
		lists:    lists,
		logger:   logger,
	}
}

// Start registers the job and starts the scheduler.
func (m *Manager) Start(ctx context.Context) error {
	if m.schedule == "" {
		m.logger.Info("maintenance disabled")
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	if _, err := m.engine.AddFunc(m.schedule, m.run); err != nil {
		m.cancel()
		return fmt.Errorf("schedule maintenance %q: %w", m.schedule, err)
	}
	m.engine.Start()
	m.logger.Info("maintenance scheduled", zap.String("schedule", m.schedule))
	return nil
}

// Stop stops the scheduler and waits for a running job.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.engine.Stop().Done()
}

func (m *Manager) run() {
	if err := m.RunOnce(m.ctx); err != nil {
		m.logger.Error("maintenance failed", zap.Error(err))
	}
}

// RunOnce repairs unread state, then rebuilds the lists.
func (m *Manager) RunOnce(ctx context.Context) error {
	fixed, err := m.unread.RecalculateUnread(ctx)
	if err != nil {
		return fmt.Errorf("recalculate unread: %w", err)
	}
	if err := m.lists.RefetchAll(ctx); err != nil {
		return err
	}
	if fixed > 0 {
		m.logger.Info("unread state repaired", zap.Int("conversations", fixed))
	}
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
