// Package main runs the publishing API server and its propagation workers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang/glog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kubeflow/publishing-api/pkg/api"
	"github.com/kubeflow/publishing-api/pkg/commands"
	"github.com/kubeflow/publishing-api/pkg/config"
	"github.com/kubeflow/publishing-api/pkg/consistency"
	"github.com/kubeflow/publishing-api/pkg/content"
	"github.com/kubeflow/publishing-api/pkg/contentstore"
	"github.com/kubeflow/publishing-api/pkg/downstream"
	"github.com/kubeflow/publishing-api/pkg/links"
	"github.com/kubeflow/publishing-api/pkg/messagebus"
	"github.com/kubeflow/publishing-api/pkg/migrate"
	"github.com/kubeflow/publishing-api/pkg/queue"
	"github.com/kubeflow/publishing-api/pkg/router"
)

func main() {
	var (
		configPath  string
		envFile     string
		listenAddr  string
		dbType      string
		dbDSN       string
		migrateOnly bool
		noWorkers   bool
	)

	flag.StringVar(&configPath, "config", os.Getenv("PUBLISHING_CONFIG"), "Path to the YAML service config")
	flag.StringVar(&envFile, "env-file", ".env", "Path to a .env file (ignored when missing)")
	flag.StringVar(&listenAddr, "listen", "", "Address to listen on (overrides config)")
	flag.StringVar(&dbType, "db-type", "", "Database type: postgres, mysql or sqlite (overrides config)")
	flag.StringVar(&dbDSN, "db-dsn", "", "Database connection string (overrides config)")
	flag.BoolVar(&migrateOnly, "migrate-only", false, "Run database migrations and exit")
	flag.BoolVar(&noWorkers, "no-workers", false, "Serve the API without running propagation workers")
	flag.Parse()

	_ = flag.Set("logtostderr", "true")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := config.LoadDotEnv(envFile); err != nil {
		glog.Fatalf("Failed to load env file: %v", err)
	}
	if dbType != "" {
		_ = os.Setenv("DATABASE_TYPE", dbType)
	}
	if dbDSN != "" {
		_ = os.Setenv("DATABASE_DSN", dbDSN)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		glog.Fatalf("Failed to load config: %v", err)
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}
	if err := migrate.Run(ctx, db, migrate.ConfigFromEnv(), logger); err != nil {
		glog.Fatalf("Failed to migrate database: %v", err)
	}
	if migrateOnly {
		logger.Info("migrations complete")
		return
	}

	bus, closeBus := messageBus(ctx, cfg, logger)
	defer closeBus()

	stores := contentStores(cfg, logger)
	routes := routerClient(cfg, logger)
	rules := cfg.Rules()

	items := content.NewItemStore(db)
	linkStore := links.NewStore(db)
	tasks := queue.NewStore(db)
	expander := links.NewExpander(linkStore, items, rules, cfg.WebsiteRoot)

	propagator := downstream.NewPropagator(downstream.Deps{
		Items:     items,
		Links:     linkStore,
		Rules:     rules,
		Presenter: downstream.NewPresenter(expander, items),
		Stores:    stores,
		Bus:       bus,
		Queue:     tasks,
		Logger:    logger.With("component", "downstream"),
	})
	cmds := commands.New(commands.Deps{
		DB:          db,
		Queue:       tasks,
		Rules:       rules,
		WebsiteRoot: cfg.WebsiteRoot,
		Logger:      logger.With("component", "commands"),
	})
	checker := consistency.NewChecker(items, routes, stores, logger.With("component", "consistency"))

	server := api.NewServer(api.Deps{
		DB:         db,
		Commands:   cmds,
		Items:      items,
		Checker:    checker,
		Propagator: propagator,
		Tasks:      tasks,
		Logger:     logger,
	})

	workersDone := make(chan struct{})
	if noWorkers {
		close(workersDone)
	} else {
		pool := queue.NewWorkerPool(tasks, propagator.Handlers().Lookup, cfg.QueueSettings(), logger.With("component", "queue"))
		go func() {
			defer close(workersDone)
			pool.Run(ctx)
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()

	logger.Info("publishing api ready",
		"listen", cfg.Listen,
		"database", cfg.Database.Type,
		"workers", !noWorkers,
	)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		logger.Warn("workers did not stop before the shutdown deadline")
	}

	logger.Info("publishing api stopped")
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database type %q", cfg.Type)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Type, err)
	}
	if cfg.Type == "sqlite" {
		// SQLite allows one writer at a time.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func messageBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (messagebus.Publisher, func()) {
	if cfg.Redis.Addr == "" {
		logger.Info("message bus disabled, events will not be broadcast")
		return messagebus.NoopPublisher{}, func() {}
	}
	pub, err := messagebus.Dial(ctx, cfg.Redis, logger.With("component", "messagebus"))
	if err != nil {
		glog.Fatalf("Failed to connect to message bus: %v", err)
	}
	logger.Info("using redis message bus", "addr", cfg.Redis.Addr, "channel", cfg.Redis.Channel)
	return pub, func() { _ = pub.Close() }
}

func contentStores(cfg *config.Config, logger *slog.Logger) contentstore.Set {
	rc := cfg.RemoteClientConfig()
	set := contentstore.Set{}
	if cfg.ContentStores.Draft != "" {
		set.Draft = contentstore.NewHTTPClient(cfg.ContentStores.Draft, rc, nil)
	} else {
		logger.Warn("no draft content store configured, using an in-process store")
		set.Draft = contentstore.NewMemoryClient()
	}
	if cfg.ContentStores.Live != "" {
		set.Live = contentstore.NewHTTPClient(cfg.ContentStores.Live, rc, nil)
	} else {
		logger.Warn("no live content store configured, using an in-process store")
		set.Live = contentstore.NewMemoryClient()
	}
	return set
}

func routerClient(cfg *config.Config, logger *slog.Logger) router.Client {
	if cfg.RouterURL == "" {
		logger.Warn("no router configured, consistency checks will report every route as missing")
		return router.NewMemoryClient()
	}
	return router.NewHTTPClient(cfg.RouterURL, cfg.RemoteClientConfig(), nil)
}
