package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yungbote/autoflow-backend/internal/data/db"
	"github.com/yungbote/autoflow-backend/internal/data/repos"
	"github.com/yungbote/autoflow-backend/internal/http"
	"github.com/yungbote/autoflow-backend/internal/observability"
	"github.com/yungbote/autoflow-backend/internal/platform/logger"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Router   *gin.Engine
	Cfg      Config
	Repos    repos.Set
	Clients  Clients
	Services Services
	Metrics  *observability.Metrics

	dbService    *db.Service
	otelShutdown func(context.Context) error
}

// New builds the whole control plane. The caller must Close it.
func New(ctx context.Context, cfg Config) (*App, error) {
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Env,
		Version:     cfg.Version,
	})
	metrics := observability.Init(log)

	dbs, err := db.NewService(log, cfg.DB)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init database: %w", err)
	}
	if cfg.AutoMigrate {
		if err := dbs.AutoMigrateAll(); err != nil {
			_ = dbs.Close()
			log.Sync()
			return nil, fmt.Errorf("automigrate: %w", err)
		}
	}
	theDB := dbs.DB()

	clients, err := wireClients(ctx, log, cfg)
	if err != nil {
		_ = dbs.Close()
		log.Sync()
		return nil, err
	}

	reposet := wireRepos(theDB, log)
	serviceset, err := wireServices(log, cfg, reposet, clients, metrics)
	if err != nil {
		clients.Close()
		_ = dbs.Close()
		log.Sync()
		return nil, err
	}

	handlerset := wireHandlers(log, theDB, clients.Redis, serviceset)
	middleware := wireMiddleware(log, cfg)
	router := wireRouter(log, cfg, metrics, handlerset, middleware)

	return &App{
		Log:          log,
		DB:           theDB,
		Router:       router,
		Cfg:          cfg,
		Repos:        reposet,
		Clients:      clients,
		Services:     serviceset,
		Metrics:      metrics,
		dbService:    dbs,
		otelShutdown: otelShutdown,
	}, nil
}

// Run serves HTTP and runs background jobs until ctx is done or one of them
// fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	g, gctx := errgroup.WithContext(ctx)

	a.Metrics.StartServer(gctx, a.Log, a.Cfg.MetricsAddr)
	a.Metrics.StartDBCollector(gctx, a.Log, a.DB)
	if a.Clients.Redis != nil {
		a.Metrics.StartRedisCollector(gctx, a.Log, a.Clients.Redis)
	}
	if on, err := a.Services.Gate.GlobalKillSwitch(gctx); err == nil {
		a.Metrics.SetGlobalKillSwitch(on)
	}

	if a.Cfg.RunSweeper && a.Services.Sweeper != nil {
		g.Go(func() error {
			a.Services.Sweeper.Start(gctx)
			<-gctx.Done()
			a.Services.Sweeper.Stop()
			return nil
		})
	}

	server := &http.Server{Engine: a.Router}
	g.Go(func() error {
		a.Log.Info("HTTP server listening", "addr", a.Cfg.HTTPAddr)
		return server.Run(gctx, a.Cfg.HTTPAddr)
	})

	return g.Wait()
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
	a.Clients.Close()
	if a.dbService != nil {
		_ = a.dbService.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
