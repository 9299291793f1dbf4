// Package bootstrap composes the venue's object graph and owns its
// lifecycle: config, telemetry, storage, the market-data pipeline, the
// trading services, and the client-facing listeners.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gainium/paper-trading-sh/internal/alert"
	"github.com/Gainium/paper-trading-sh/internal/engine"
	"github.com/Gainium/paper-trading-sh/internal/engine/projection"
	"github.com/Gainium/paper-trading-sh/internal/infrastructure/health"
	"github.com/Gainium/paper-trading-sh/internal/infrastructure/ops"
	"github.com/Gainium/paper-trading-sh/internal/marketdata"
	"github.com/Gainium/paper-trading-sh/internal/push"
	"github.com/Gainium/paper-trading-sh/internal/risk"
	"github.com/Gainium/paper-trading-sh/internal/server"
	"github.com/Gainium/paper-trading-sh/internal/storage"
	"github.com/Gainium/paper-trading-sh/internal/symbols"
	"github.com/Gainium/paper-trading-sh/internal/trading/account"
	"github.com/Gainium/paper-trading-sh/internal/trading/order"
	"github.com/Gainium/paper-trading-sh/internal/trading/settlement"
	"github.com/Gainium/paper-trading-sh/pkg/locks"
	"github.com/Gainium/paper-trading-sh/pkg/logging"
	"github.com/Gainium/paper-trading-sh/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// Runner is a component that serves until its context is canceled.
type Runner interface {
	Run(ctx context.Context) error
}

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

// App holds the composed venue. Build it with NewApp, then call Run.
type App struct {
	Cfg       *Config
	Logger    *logging.ZapLogger
	Telemetry *telemetry.Telemetry

	Store      *storage.SQLiteStore
	Bus        *marketdata.RedisBus
	Board      *marketdata.PriceBoard
	Symbols    *symbols.Cache
	Hub        *push.Hub
	Engine     *engine.Engine
	Reconciler *risk.Reconciler

	watch   *projection.WatchSet
	locks   *locks.Manager
	rest    *server.Server
	pushSrv *push.Server
	opsSrv  *ops.Server
}

// NewApp creates a new App instance by bootstrapping all dependencies.
func NewApp(configPath string) (*App, error) {
	// 1. Configuration
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	// 2. Telemetry before the logger so the zap OTel bridge binds the
	// real provider.
	var tel *telemetry.Telemetry
	if cfg.System.Production {
		tel, err = telemetry.SetupProduction("paper-trading")
	} else {
		tel, err = telemetry.Setup("paper-trading")
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// 3. Logger
	logger, err := InitLogger(cfg)
	if err != nil {
		return nil, err
	}
	logger.Debug("configuration loaded", "config", cfg.String())

	// 4. Storage and seeded credentials
	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	seedCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := SeedUsers(seedCtx, store, cfg.SeedUsers, logger); err != nil {
		store.Close()
		return nil, fmt.Errorf("seed users: %w", err)
	}

	// 5. Market data transport and price resolution
	bus := marketdata.NewRedisBus(cfg.Redis.Addr, string(cfg.Redis.Password), cfg.Redis.DB, logger)

	symbolClient := symbols.NewServiceClient(cfg.SymbolService.BaseURL, cfg.SymbolService.Timeout(), logger)
	symbolCache := symbols.NewCache(symbolClient, store, logger)
	if ttl := cfg.SymbolService.CacheTTL(); ttl > 0 {
		symbolCache.SetTTL(ttl)
	}

	board := marketdata.NewPriceBoard()
	prices := marketdata.NewResolver(board, bus.Client(), symbolClient, logger)

	// 6. Trading core
	proj := projection.New()
	watch := projection.NewWatchSet()
	lockMgr := locks.NewManager()

	settler := settlement.NewSettler(store, proj, watch, bus, lockMgr, logger)
	hub := push.NewHub(logger)

	orders := order.NewService(order.Config{
		Store:      store,
		Symbols:    symbolCache,
		Prices:     prices,
		Settler:    settler,
		Projection: proj,
		Watch:      watch,
		Bus:        bus,
		Locks:      lockMgr,
		Events:     hub,
		Logger:     logger,
	})
	accounts := account.NewService(store, lockMgr, logger)

	// 7. Alerts
	alerts := alert.NewAlertManager(logger)
	if url := string(cfg.Alerts.SlackWebhookURL); url != "" {
		alerts.AddChannel(alert.NewSlackChannel(url))
	}
	if token := string(cfg.Alerts.TelegramBotToken); token != "" {
		alerts.AddChannel(alert.NewTelegramChannel(token, cfg.Alerts.TelegramChatID))
	}

	// 8. Tick pipeline and startup reconciliation
	eng := engine.New(engine.Config{
		Driver:     orders,
		Projection: proj,
		Watch:      watch,
		Board:      board,
		Bus:        bus,
		Alerts:     alerts,
		Logger:     logger,
	})
	recon := risk.NewReconciler(store, symbolCache, proj, watch, bus, alerts, logger)

	// 9. Listeners
	handlers := server.NewHandlers(accounts, orders, symbolCache, symbolClient, prices, logger)
	rest := server.NewServer(handlers, server.Config{
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
	}, logger)

	pushSrv := push.NewServer(hub, store, push.ServerConfig{
		AllowedOrigins: cfg.Push.AllowedOrigins,
		MaxConnections: cfg.Push.MaxConnections,
		RateLimit:      cfg.Push.RateLimit,
		RateBurst:      cfg.Push.RateBurst,
		Production:     cfg.System.Production,
	}, logger)

	var opsSrv *ops.Server
	if cfg.Telemetry.EnableMetrics {
		hm := health.NewManager(logger)
		hm.Register("storage", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return store.Ping(ctx)
		})
		hm.Register("redis", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return bus.Client().Ping(ctx).Err()
		})

		status := func() map[string]interface{} {
			return map[string]interface{}{
				"watch_topics":   watch.Len(),
				"push_clients":   hub.ClientCount(),
				"active_locks":   lockMgr.Len(),
				"reconciliation": recon.GetStatus(),
			}
		}
		opsSrv = ops.NewServer(hm, status, logger)
	}

	return &App{
		Cfg:        cfg,
		Logger:     logger,
		Telemetry:  tel,
		Store:      store,
		Bus:        bus,
		Board:      board,
		Symbols:    symbolCache,
		Hub:        hub,
		Engine:     eng,
		Reconciler: recon,
		watch:      watch,
		locks:      lockMgr,
		rest:       rest,
		pushSrv:    pushSrv,
		opsSrv:     opsSrv,
	}, nil
}

// Run starts the venue and blocks until a termination signal or a fatal
// component error. Reconciliation completes before the engine consumes a
// single tick, and the listeners only open after both.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Bus.Start()

	report, err := a.Reconciler.Run(ctx)
	if err != nil {
		a.shutdown()
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	a.Logger.Info("startup reconciliation complete",
		"orders", report.OrdersRestored,
		"positions", report.PositionsRestored,
		"topics", report.TopicsSubscribed,
		"balances_corrected", report.BalancesCorrected,
	)

	if err := a.Engine.Start(ctx); err != nil {
		a.shutdown()
		return fmt.Errorf("engine start: %w", err)
	}

	runners := []Runner{
		runnerFunc(func(ctx context.Context) error {
			a.Hub.Run(ctx)
			return nil
		}),
		runnerFunc(func(ctx context.Context) error {
			return a.rest.Start(ctx, a.Cfg.Server.ListenAddr)
		}),
		runnerFunc(func(ctx context.Context) error {
			return a.pushSrv.Start(ctx, a.Cfg.Push.ListenAddr)
		}),
	}
	if a.opsSrv != nil {
		runners = append(runners, runnerFunc(func(ctx context.Context) error {
			return a.opsSrv.Start(ctx, fmt.Sprintf(":%d", a.Cfg.Telemetry.MetricsPort))
		}))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error { return r.Run(gctx) })
	}

	a.Logger.Info("venue started",
		"rest_addr", a.Cfg.Server.ListenAddr,
		"push_addr", a.Cfg.Push.ListenAddr,
		"watched_topics", a.watch.Len(),
	)

	err = g.Wait()
	a.shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("venue stopped with error", "error", err.Error())
		return err
	}
	a.Logger.Info("venue shut down gracefully")
	return nil
}

// shutdown drains in dependency order: stop tick intake first so queued
// settlement batches finish, then tear down transports and storage.
func (a *App) shutdown() {
	if err := a.Engine.Stop(); err != nil {
		a.Logger.Warn("engine stop", "error", err.Error())
	}
	if err := a.Bus.Close(); err != nil {
		a.Logger.Warn("bus close", "error", err.Error())
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("store close", "error", err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Telemetry.Shutdown(ctx); err != nil {
		a.Logger.Warn("telemetry shutdown", "error", err.Error())
	}
	_ = a.Logger.Sync()
}
