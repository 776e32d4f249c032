package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/tutorlane/chatd/internal/api"
	"github.com/tutorlane/chatd/internal/appointment"
	"github.com/tutorlane/chatd/internal/backend"
	"github.com/tutorlane/chatd/internal/bus"
	"github.com/tutorlane/chatd/internal/config"
	"github.com/tutorlane/chatd/internal/lock"
	"github.com/tutorlane/chatd/internal/logging"
	"github.com/tutorlane/chatd/internal/outbox"
	"github.com/tutorlane/chatd/internal/presence"
	"github.com/tutorlane/chatd/internal/session"
	"github.com/tutorlane/chatd/internal/status"
	"github.com/tutorlane/chatd/internal/store"
	intsync "github.com/tutorlane/chatd/internal/sync"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module composes all daemon providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideClient,
			provideStream,
			providePresenceTracker,
			provideAppointmentEngine,
			provideSyncEngine,
			provideCoordinator,
			provideSender,
			provideAPIHandler,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.Load(session.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
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
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideClient(p Params, cfg *config.Config, logger *zap.Logger) *backend.Client {
	apiCfg := cfg.API
	if apiCfg.TokenPath == "" {
		apiCfg.TokenPath = session.TokenPath(p.SessionName)
	}
	return backend.NewClient(apiCfg, logger)
}

func provideStream(cfg *config.Config, client *backend.Client, b *bus.Bus, logger *zap.Logger) *backend.Stream {
	return backend.NewStream(cfg.API.StreamURL, client, b, logger)
}

func providePresenceTracker() *presence.Tracker {
	return presence.NewTracker()
}

func provideAppointmentEngine(db *store.DB, client *backend.Client, b *bus.Bus, logger *zap.Logger) *appointment.Engine {
	return appointment.NewEngine(db, client, b, logger, client.SelfID)
}

func provideSyncEngine(db *store.DB, b *bus.Bus, apts *appointment.Engine, tracker *presence.Tracker, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, apts, tracker, logger)
}

func provideCoordinator(
	cfg *config.Config,
	client *backend.Client,
	stream *backend.Stream,
	engine *intsync.Engine,
	apts *appointment.Engine,
	db *store.DB,
	machine *status.Machine,
	b *bus.Bus,
	logger *zap.Logger,
) *intsync.Coordinator {
	return intsync.NewCoordinator(cfg.Sync, client, stream, engine, apts, db, machine, b, logger)
}

func provideSender(db *store.DB, client *backend.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client, b, logger, client.SelfID)
}

func provideAPIHandler(
	p Params,
	db *store.DB,
	b *bus.Bus,
	machine *status.Machine,
	sender *outbox.Sender,
	coordinator *intsync.Coordinator,
	apts *appointment.Engine,
	tracker *presence.Tracker,
	client *backend.Client,
	logger *zap.Logger,
) *api.Handler {
	return api.NewHandler(p.SessionName, db, b, machine, sender, coordinator, apts, tracker, client, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	lk *lock.Lock,
	db *store.DB,
	engine *intsync.Engine,
	coordinator *intsync.Coordinator,
	sender *outbox.Sender,
	handler *api.Handler,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Ingestion first so no remote event is dropped, then the
			// connection loop that produces them.
			engine.Start(context.Background())
			coordinator.Start(context.Background())
			sender.Start(context.Background())
			handler.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("api server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			sender.Stop()
			coordinator.Stop()
			engine.Stop()
			srv.Stop(ctx)
			handler.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache db", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
