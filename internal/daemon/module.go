// Package daemon composes the sync engine into a runnable process: one
// profile, one gateway, a live directory and badge kept current until
// shutdown.
package daemon

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"chatsync/internal/appdir"
	"chatsync/internal/bus"
	"chatsync/internal/config"
	"chatsync/internal/contacts"
	"chatsync/internal/directory"
	"chatsync/internal/gateway"
	"chatsync/internal/gateway/local"
	"chatsync/internal/gateway/remote"
	"chatsync/internal/lock"
	"chatsync/internal/logging"
	"chatsync/internal/readstate"
	"chatsync/internal/social"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	// ConfigPath overrides the global config location, for tests.
	ConfigPath string
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideGateway,
			provideGraph,
			provideReconciler,
			provideBadge,
			provideDirectory,
			provideResolver,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = appdir.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("config %s: user_id is required", path)
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(appdir.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := appdir.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	l, err := lock.Acquire(appdir.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired", zap.String("profile", p.ProfileName))
	return l, nil
}

func provideGateway(p Params, cfg *config.Config, logger *zap.Logger) (gateway.Gateway, error) {
	switch cfg.Gateway.Mode {
	case "local":
		path := cfg.Gateway.Path
		if path == "" {
			path = appdir.GatewayDBPath(p.ProfileName)
		}
		gw, err := local.Open(path, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("local gateway ready", zap.String("path", path))
		return gw, nil
	case "remote":
		gw, err := remote.New(remote.Config{BaseURL: cfg.Gateway.URL, APIKey: cfg.Gateway.APIKey}, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("remote gateway ready", zap.String("url", cfg.Gateway.URL))
		return gw, nil
	default:
		return nil, fmt.Errorf("unknown gateway mode %q", cfg.Gateway.Mode)
	}
}

func provideGraph(gw gateway.Gateway) *social.Graph {
	return social.NewGraph(gw)
}

func provideReconciler(gw gateway.Gateway, b *bus.Bus, logger *zap.Logger) *readstate.Reconciler {
	return readstate.NewReconciler(gw, b, logger)
}

func provideBadge(gw gateway.Gateway, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *readstate.Badge {
	return readstate.NewBadge(gw, b, cfg.UserID, logger)
}

func provideDirectory(gw gateway.Gateway, graph *social.Graph, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *directory.Directory {
	return directory.New(gw, graph, b, cfg.UserID, logger)
}

func provideResolver(dir *directory.Directory, graph *social.Graph, cfg *config.Config) *contacts.Resolver {
	return contacts.NewResolver(dir, graph, cfg.UserID)
}

type closer interface{ Close() error }

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, gw gateway.Gateway,
	rec *readstate.Reconciler, badge *readstate.Badge, dir *directory.Directory, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := rec.Start(); err != nil {
				return err
			}
			if _, err := dir.Load(ctx); err != nil {
				// Degraded start: empty list now, realtime upkeep and the
				// next reload recover.
				logger.Warn("initial directory load failed", zap.Error(err))
			}
			if err := dir.Start(context.Background()); err != nil {
				return err
			}
			if err := badge.Start(context.Background()); err != nil {
				return err
			}
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			badge.Stop()
			dir.Stop()
			rec.Stop()
			if c, ok := gw.(closer); ok {
				if err := c.Close(); err != nil {
					logger.Warn("gateway close failed", zap.Error(err))
				}
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
