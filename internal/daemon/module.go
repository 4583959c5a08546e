package daemon

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mvales/courier/internal/bus"
	"github.com/mvales/courier/internal/config"
	"github.com/mvales/courier/internal/conn"
	"github.com/mvales/courier/internal/creds"
	"github.com/mvales/courier/internal/gateway"
	"github.com/mvales/courier/internal/governor"
	"github.com/mvales/courier/internal/lock"
	"github.com/mvales/courier/internal/logging"
	"github.com/mvales/courier/internal/queue"
	"github.com/mvales/courier/internal/session"
	"github.com/mvales/courier/internal/store"
	"github.com/mvales/courier/internal/track"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	ConfigPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideCreds,
			provideGateway,
			provideGovernor,
			provideManager,
			provideTracker,
			provideQueue,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Info("no config file, using defaults", zap.String("path", path))
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded", zap.String("path", path))
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.Profile)
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

func provideCreds(p Params, cfg *config.Config, logger *zap.Logger) creds.Supplier {
	token := ""
	if raw, err := os.ReadFile(session.TokenPath(p.Profile)); err == nil {
		token = strings.TrimSpace(string(raw))
	} else {
		logger.Warn("no token file, expecting provisioning before connect",
			zap.String("path", session.TokenPath(p.Profile)))
	}
	refreshURL := strings.TrimRight(cfg.Server.BaseURL, "/") + "/api/auth/refresh"
	refresh := creds.HTTPRefresh(refreshURL, &http.Client{Timeout: 10 * time.Second})
	return creds.NewRefresher(token, refresh, logger)
}

func provideGateway(cfg *config.Config, supplier creds.Supplier, logger *zap.Logger) *gateway.Client {
	return gateway.NewClient(cfg.Server.BaseURL, supplier, cfg.Server.SendTimeout.Duration, logger, nil)
}

func provideGovernor(logger *zap.Logger) governor.Governor {
	return governor.NewThreshold(governor.ThresholdConfig{}, logger)
}

func provideManager(cfg *config.Config, b *bus.Bus, supplier creds.Supplier, gov governor.Governor, client *gateway.Client, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(cfg, b, supplier, gov, client, logger)
}

func provideTracker(db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *track.Tracker {
	return track.NewTracker(db, b, cfg.Tracker.FallbackWindow.Duration, logger)
}

func provideQueue(db *store.DB, tracker *track.Tracker, client *gateway.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *queue.Queue {
	return queue.NewQueue(db, tracker, client, b, cfg.Queue, cfg.Server.SendTimeout.Duration, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, manager *conn.Manager, tracker *track.Tracker, q *queue.Queue, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Tracker first: startup recovery must run before the
			// queue or the stream can touch records.
			if err := tracker.Start(); err != nil {
				return err
			}
			if err := q.Start(); err != nil {
				return err
			}
			if err := manager.Connect(); err != nil {
				logger.Error("initial connect failed", zap.Error(err))
				return err
			}
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			manager.Disconnect()
			q.Stop()
			tracker.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
