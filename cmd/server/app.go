package main

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/engine"
	"github.com/isdmx/execbox/httpserver"
	"github.com/isdmx/execbox/imagecache"
	"github.com/isdmx/execbox/language"
	"github.com/isdmx/execbox/logger"
	"github.com/isdmx/execbox/mcpserver"
	"github.com/isdmx/execbox/runner"
	"github.com/isdmx/execbox/sandbox"
	"github.com/isdmx/execbox/workspace"
)

// newApp wires the execution service. configPath may be empty.
func newApp(configPath string) *fx.App {
	return fx.New(
		appOptions(configPath),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
}

// appOptions is the dependency graph without the fx event logger.
func appOptions(configPath string) fx.Option {
	return fx.Options(
		fx.Provide(
			func() (*config.Config, error) {
				return config.Load(configPath)
			},
			logger.NewFromConfig,
			language.NewFromConfig,
			newWorkspaces,
			newEngine,
			imagecache.NewFromConfig,
			runner.NewFromConfig,
			fx.Annotate(
				sandbox.NewFromConfig,
				fx.As(new(sandbox.SandboxExecutor)),
			),
			mcpserver.New,
			func(eng *engine.Engine) httpserver.HealthChecker { return eng },
			httpserver.New,
		),

		fx.Invoke(
			startCacheSweeper,
			startTransport,
		),
	)
}

func newWorkspaces(cfg *config.Config, log *zap.Logger) *workspace.Manager {
	return workspace.NewManager(log, cfg.Sandbox.ScratchDir)
}

func newEngine(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*engine.Engine, error) {
	eng, err := engine.New(cfg, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := eng.Ping(ctx); err != nil {
				log.Warn("container engine not reachable yet", zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return eng.Close()
		},
	})
	return eng, nil
}

// startCacheSweeper reconciles the cache with the engine at startup and
// then sweeps it periodically until shutdown.
func startCacheSweeper(lc fx.Lifecycle, cache *imagecache.Cache, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			res, err := cache.Sweep(startCtx)
			if err != nil {
				log.Warn("initial cache sweep failed", zap.Error(err))
			} else {
				log.Info("initial cache sweep finished",
					zap.Int("dropped", res.Dropped),
					zap.Int("adopted", res.Adopted),
					zap.Int("evicted", res.Evicted),
				)
			}
			go func() {
				defer close(done)
				cache.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

func startTransport(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg *config.Config,
	log *zap.Logger,
	httpServer *httpserver.Server,
	mcpServer *mcpserver.MCPServer,
) error {
	switch cfg.Server.Transport {
	case "http":
		lc.Append(fx.Hook{
			OnStart: httpServer.Start,
			OnStop:  httpServer.Stop,
		})
	case "stdio":
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := mcpServer.ServeStdio(); err != nil {
						log.Error("stdio server stopped", zap.Error(err))
					}
					if err := shutdowner.Shutdown(); err != nil {
						log.Warn("shutdown request failed", zap.Error(err))
					}
				}()
				return nil
			},
		})
	default:
		return fmt.Errorf("unsupported transport: %s", cfg.Server.Transport)
	}
	return nil
}
