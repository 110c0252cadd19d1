// Package app wires the service together with fx.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/rewired-gh/noisegate/internal/api"
	"github.com/rewired-gh/noisegate/internal/config"
	"github.com/rewired-gh/noisegate/internal/engine"
	"github.com/rewired-gh/noisegate/internal/feed"
	"github.com/rewired-gh/noisegate/internal/logger"
	"github.com/rewired-gh/noisegate/internal/metrics"
	"github.com/rewired-gh/noisegate/internal/scheduler"
	"github.com/rewired-gh/noisegate/internal/storage"
	"github.com/rewired-gh/noisegate/internal/storage/memory"
	"github.com/rewired-gh/noisegate/internal/storage/postgres"
)

// Store is what the engine and the scheduler need from persistence.
type Store interface {
	engine.StateStore
	scheduler.Pruner
}

// Module returns the application graph for cfg.
func Module(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.L()}
		}),
		fx.Provide(
			provideStore,
			provideRegistry,
			provideMetrics,
			provideTelegram,
			provideNotifier,
			provideFeed,
			provideEngine,
			provideScheduler,
			provideServer,
		),
		fx.Invoke(runTelegram, runScheduler, runServer),
	)
}

func provideStore(lc fx.Lifecycle, cfg *config.Config) (Store, error) {
	sc := cfg.Storage
	switch sc.Driver {
	case "sqlite":
		s, err := storage.New(sc.DBPath)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.StopHook(s.Close))
		logger.Info("Using SQLite store at %s", sc.DBPath)
		return s, nil
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		db, err := postgres.Connect(ctx, postgres.Options{
			DSN:          sc.DSN,
			MaxOpenConns: sc.MaxOpenConns,
			MaxIdleConns: sc.MaxIdleConns,
			MaxIdleTime:  sc.ConnMaxIdle,
		})
		if err != nil {
			return nil, err
		}
		s := postgres.NewStore(db)
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		lc.Append(fx.StopHook(s.Close))
		logger.Info("Using PostgreSQL store")
		return s, nil
	case "memory":
		logger.Warn("Using in-memory store; state is lost on restart")
		return memory.New(sc.CounterTTL), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
}

func provideRegistry() (prometheus.Registerer, prometheus.Gatherer) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, reg
}

func provideMetrics(reg prometheus.Registerer) *metrics.Recorder {
	return metrics.New(reg)
}

func provideFeed(cfg *config.Config) *feed.Client {
	if cfg.Feed.BaseURL == "" {
		return nil
	}
	return feed.NewClient(cfg.Feed.BaseURL, feed.Options{
		Token:          cfg.Feed.Token,
		Timeout:        cfg.Feed.Timeout,
		MaxRetries:     cfg.Feed.MaxRetries,
		RetryDelayBase: cfg.Feed.RetryDelayBase,
	})
}

func provideEngine(cfg *config.Config, store Store, notifier engine.Notifier, rec *metrics.Recorder, fc *feed.Client) (*engine.Engine, error) {
	ec, err := cfg.Engine()
	if err != nil {
		return nil, err
	}
	opts := []engine.Option{engine.WithMetrics(rec)}
	if fc != nil {
		opts = append(opts, engine.WithMarketData(fc), engine.WithPortfolio(fc))
	}
	return engine.New(ec, store, notifier, opts...)
}

func provideScheduler(cfg *config.Config, eng *engine.Engine, store Store, alerter scheduler.Alerter) (*scheduler.Scheduler, error) {
	portfolios, err := cfg.PortfolioIDs()
	if err != nil {
		return nil, err
	}
	sc := cfg.Scheduler
	return scheduler.New(eng, sc.Instruments, portfolios, scheduler.Options{
		FastEvery:  sc.FastEvery,
		DayEvery:   sc.DayEvery,
		Workers:    sc.Workers,
		RetainDays: sc.RetainDays,
		Location:   eng.Config().Location,
		Pruner:     store,
		Alerter:    alerter,
	}), nil
}

func provideServer(cfg *config.Config, eng *engine.Engine, gatherer prometheus.Gatherer) *api.Server {
	return api.NewServer(eng, cfg.API.InternalToken, gatherer)
}

func runScheduler(lc fx.Lifecycle, cfg *config.Config, s *scheduler.Scheduler) {
	if !cfg.Scheduler.Enabled {
		logger.Info("Scheduler disabled")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := s.Run(ctx); err != nil {
					logger.Error("Scheduler stopped: %v", err)
				}
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

func runServer(lc fx.Lifecycle, cfg *config.Config, srv *api.Server) {
	if !cfg.API.Enabled {
		logger.Info("HTTP API disabled")
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := srv.Start(cfg.API.Addr); err != nil {
				return fmt.Errorf("failed to start HTTP server: %w", err)
			}
			srv.SetReady(true)
			return nil
		},
		OnStop: srv.Shutdown,
	})
}
