package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/model"
)

// Store owns the mirror database and hands out isolated contexts over it.
type Store struct {
	db     *DB
	bus    *bus.Bus
	logger *zap.Logger
}

// New creates a store. b may be nil, in which case saves are not announced.
func New(db *DB, b *bus.Bus, logger *zap.Logger) *Store {
	return &Store{db: db, bus: b, logger: logger}
}

// DB returns the underlying connection.
func (s *Store) DB() *DB {
	return s.db
}

// Contexts pairs the UI-facing context with the background sync context.
type Contexts struct {
	UI   *Context
	Sync *Context
}

// EnsureSelf creates the self user on first use and binds its remote identifier
// once it becomes known. It returns the self user's local identity.
func (s *Store) EnsureSelf(ctx context.Context, remoteID, name string) (model.ID, error) {
	var id, current string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, COALESCE(remote_id, '') FROM users WHERE is_self = 1`).Scan(&id, &current)
	if errors.Is(err, sql.ErrNoRows) {
		self := model.NewSelfUser(remoteID, name)
		values := withID(userValues(self), self.ID())
		if err := execSqlizer(ctx, s.db, sq.Insert("users").SetMap(values)); err != nil {
			return "", fmt.Errorf("insert self user: %w", err)
		}
		s.logger.Info("self user created", zap.String("id", string(self.ID())))
		return self.ID(), nil
	}
	if err != nil {
		return "", fmt.Errorf("query self user: %w", err)
	}
	switch {
	case remoteID == "" || remoteID == current:
	case current == "":
		upd := sq.Update("users").Set("remote_id", remoteID).Where(sq.Eq{"id": id})
		if err := execSqlizer(ctx, s.db, upd); err != nil {
			return "", fmt.Errorf("bind self remote id: %w", err)
		}
	default:
		return "", fmt.Errorf("self user is %s, got %s: %w", current, remoteID, model.ErrRemoteIDReassigned)
	}
	return model.ID(id), nil
}

// NewContext creates an isolated context for role. The self user must exist.
func (s *Store) NewContext(ctx context.Context, role model.Role) (*Context, error) {
	rows, err := s.userRows(ctx, sq.Eq{"is_self": true})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoSelfUser
	}
	c := newContext(s, role)
	self := c.adoptUser(rows[0])
	c.self = self
	return c, nil
}

// NewContexts creates the UI and sync contexts.
func (s *Store) NewContexts(ctx context.Context) (*Contexts, error) {
	ui, err := s.NewContext(ctx, model.RoleUI)
	if err != nil {
		return nil, fmt.Errorf("ui context: %w", err)
	}
	syn, err := s.NewContext(ctx, model.RoleSync)
	if err != nil {
		return nil, fmt.Errorf("sync context: %w", err)
	}
	return &Contexts{UI: ui, Sync: syn}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execSqlizer(ctx context.Context, db execer, s sq.Sqlizer) error {
	query, args, err := s.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	return nil
}

func (s *Store) publish(changes Changes) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.NewEvent(bus.KindStoreSaved, changes))
}
