package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/actions"
	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/directory"
	"github.com/matheus3301/convsync/internal/lock"
	"github.com/matheus3301/convsync/internal/logging"
	"github.com/matheus3301/convsync/internal/maintenance"
	"github.com/matheus3301/convsync/internal/outbox"
	"github.com/matheus3301/convsync/internal/session"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/store"
	intsync "github.com/matheus3301/convsync/internal/sync"
	"github.com/matheus3301/convsync/internal/wa"
)

const pairTimeout = 5 * time.Minute

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override; empty = ~/.convsync/config.toml
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideAdapter,
			provideSelf,
			provideStore,
			provideContexts,
			provideSyncEngine,
			provideDirectory,
			provideActions,
			providePusher,
			provideMaintenance,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

// Self is the local account the mirror belongs to.
type Self struct {
	RemoteID string
	Name     string
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.Resolve(path)
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), p.SessionName)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideAdapter opens the WhatsApp device store and routes its events to the
// bus. It returns nil when the transport is disabled.
func provideAdapter(p Params, cfg *config.Config, _ *lock.Lock, b *bus.Bus, machine *status.Machine, logger *zap.Logger) (*wa.Adapter, error) {
	if !cfg.Transport.Enabled {
		return nil, nil
	}
	adapter, err := wa.NewAdapter(context.Background(), session.SessionDBPath(p.SessionName), cfg.Transport.DeviceName, b, logger)
	if err != nil {
		return nil, err
	}
	handler := wa.NewEventHandler(b, machine, adapter.SelfRemoteID, logger)
	adapter.RegisterEventHandler(handler.Handle)
	return adapter, nil
}

// provideSelf resolves the local account. With the transport enabled and no
// credentials yet, it pairs first so the mirror is bound to the real account.
func provideSelf(cfg *config.Config, adapter *wa.Adapter, machine *status.Machine, logger *zap.Logger) (Self, error) {
	self := Self{RemoteID: cfg.SelfID, Name: cfg.SelfName}
	if adapter == nil {
		return self, nil
	}
	if !adapter.IsLoggedIn() {
		logger.Info("no credentials found, scan the QR code to pair")
		_ = machine.Transition(status.AuthRequired)
		ctx, cancel := context.WithTimeout(context.Background(), pairTimeout)
		defer cancel()
		if err := adapter.PairWithQR(ctx, os.Stderr); err != nil {
			_ = machine.Transition(status.Error)
			return Self{}, fmt.Errorf("pair device: %w", err)
		}
	}
	self.RemoteID = adapter.SelfRemoteID()
	logger.Info("account resolved", zap.String("self", self.RemoteID))
	return self, nil
}

func provideStore(p Params, self Self, b *bus.Bus, logger *zap.Logger) (*store.Store, error) {
	dbPath := session.MirrorDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}

	st := store.New(db, b, logger)
	if _, err := st.EnsureSelf(context.Background(), self.RemoteID, self.Name); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return st, nil
}

func provideContexts(st *store.Store) (*store.Contexts, error) {
	return st.NewContexts(context.Background())
}

func provideSyncEngine(cfg *config.Config, st *store.Store, contexts *store.Contexts, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(st, contexts.Sync, b, intsync.Options{
		EventBuffer: cfg.Sync.EventBuffer,
		MaxRetries:  cfg.Sync.MaxRetries,
	}, logger.Named("sync"))
}

func provideDirectory(st *store.Store, b *bus.Bus, logger *zap.Logger) *directory.Directory {
	return directory.New(st, b, logger.Named("directory"))
}

func provideActions(cfg *config.Config, contexts *store.Contexts, b *bus.Bus, logger *zap.Logger) *actions.Service {
	return actions.New(contexts.UI, b, actions.Options{ReadMarkerDelay: cfg.Sync.ReadMarkerDelay}, logger.Named("actions"))
}

// providePusher returns nil when the transport is disabled; local changes
// then stay pending until a daemon with a transport runs.
func providePusher(cfg *config.Config, contexts *store.Contexts, adapter *wa.Adapter, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *outbox.Pusher {
	if adapter == nil {
		return nil
	}
	return outbox.NewPusher(contexts.Sync, adapter, b, outbox.Options{
		Interval:    cfg.Sync.PushInterval,
		Concurrency: cfg.Sync.PushConcurrency,
		Online:      machine.Online,
	}, logger.Named("outbox"))
}

func provideMaintenance(cfg *config.Config, engine *intsync.Engine, dir *directory.Directory, logger *zap.Logger) *maintenance.Manager {
	return maintenance.New(cfg.Sync.MaintenanceSchedule, engine, dir, logger.Named("maintenance"))
}

func provideService(
	p Params,
	st *store.Store,
	acts *actions.Service,
	dir *directory.Directory,
	engine *intsync.Engine,
	machine *status.Machine,
	adapter *wa.Adapter,
	logger *zap.Logger,
) *api.Service {
	be := api.Backend{
		Store:     st,
		Actions:   acts,
		Directory: dir,
		Engine:    engine,
		Machine:   machine,
	}
	if adapter != nil {
		be.Account = adapter
	}
	return api.NewService(p.SessionName, be, logger.Named("api"))
}

type lifecycleParams struct {
	fx.In

	Server    *Server
	Lock      *lock.Lock
	Store     *store.Store
	Engine    *intsync.Engine
	Directory *directory.Directory
	Actions   *actions.Service
	Pusher    *outbox.Pusher
	Cron      *maintenance.Manager
	Adapter   *wa.Adapter
	Machine   *status.Machine
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, lp lifecycleParams) {
	logger := lp.Logger
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx := context.Background()

			// Engine first, so no transport update is published unheard.
			lp.Engine.Start(ctx)
			lp.Actions.Start(ctx)
			if err := lp.Directory.Start(ctx); err != nil {
				return err
			}
			if err := lp.Cron.Start(ctx); err != nil {
				return err
			}

			go func() {
				if err := lp.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if lp.Adapter == nil {
				logger.Info("transport disabled, serving local data only")
				_ = lp.Machine.Transition(status.Offline)
				return nil
			}

			lp.Pusher.Start(ctx)
			if lp.Adapter.IsConnected() {
				return nil
			}
			_ = lp.Machine.Transition(status.Connecting)
			go func() {
				if err := lp.Adapter.Connect(); err != nil {
					logger.Error("auto-connect failed", zap.Error(err))
					_ = lp.Machine.Transition(status.Error)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if lp.Pusher != nil {
				lp.Pusher.Stop()
			}
			lp.Cron.Stop()
			lp.Actions.Stop()
			lp.Directory.Stop()
			lp.Engine.Stop()
			if lp.Adapter != nil {
				lp.Adapter.Disconnect()
			}
			lp.Server.Stop(ctx)
			if err := lp.Store.DB().Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lp.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

func socketPath(p Params) string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	return session.SocketPath(p.SessionName)
}
