package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"

	"graphloom/config"
	"graphloom/events"
	"graphloom/graph"
	"graphloom/mapping"
	"graphloom/ontology"
	"graphloom/services"
	"graphloom/sources"
	"graphloom/staging"
	"graphloom/storage"
)

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zcfg.Build()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	logging, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Setup Database
	db, err := storage.Open(cfg)
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Successfully connected to database.")
	if err := storage.Migrate(db); err != nil {
		logging.Fatal("Database migration failed", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewMetrics(registry)

	// Setup Services
	emitter := events.NewGormEmitter(db, logging)
	resolver := ontology.NewGormResolver(db)
	directory := mapping.NewDirectory(mapping.NewGormStore(db), resolver, emitter, logging)
	writer := graph.NewPgWriter(db, logging, cfg.BulkBatchSize)
	stagingStore := staging.NewGormStore(db)
	lifecycle := staging.NewLifecycle(stagingStore, writer, emitter, logging, cfg.BulkBatchSize)
	processor := services.NewProcessor(cfg, lifecycle, directory, resolver, writer,
		graph.NewGormSnapshotGenerator(db), graph.NewGormAttacher(db), metrics, logging)
	locker := services.NewGormLocker(db)
	scheduler := services.NewScheduler(lifecycle, processor, locker, cfg.Workers(), cfg.MaxImportRetries, logging)

	// Setup Sources
	sourceRegistry := sources.NewRegistry(cfg.Sources(), logging)
	if len(sourceRegistry.Kinds()) == 0 {
		logging.Fatal("No valid sources enabled. Check ENABLED_SOURCES in .env")
	}
	logging.Info("Active sources loaded", zap.Strings("sources", sourceRegistry.Kinds()))
	ingester := sources.NewIngester(sourceRegistry, lifecycle, logging)
	var poller *sources.Poller
	if slices.Contains(sourceRegistry.Kinds(), sources.KindHTTP) {
		poller = sources.NewPoller(stagingStore, ingester, cfg.HTTPSourceRate, logging)
	}

	cycle := func(ctx context.Context) {
		if poller != nil {
			if n, err := poller.Poll(ctx); err != nil {
				logging.Error("Polling of http sources failed", zap.Error(err))
			} else if n > 0 {
				logging.Info("Imports created from http sources", zap.Int("imports", n))
			}
		}
		if _, err := scheduler.Run(ctx); err != nil {
			logging.Error("Processing cycle failed", zap.Error(err))
		}
	}

	if cfg.RunOnce {
		logging.Info("RUN_ONCE set, running a single processing cycle.")
		cycle(ctx)
		return
	}

	// Setup Router
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	router.GET("/healthz", healthHandler(db))

	ops := router.Group("/")
	ops.Use(apiKeyAuthMiddleware(cfg))
	a := &api{
		Imports:     lifecycle,
		Reprocessor: processor,
		Locker:      locker,
		Ingester:    ingester,
		DataSources: stagingStore,
		Mappings:    directory,
		Logger:      logging,
	}
	a.setupRoutes(ops)

	// Setup Cron
	cronScheduler := cron.New()
	if _, err := cronScheduler.AddFunc(cfg.CronSchedule, func() {
		logging.Debug("Running scheduled processing cycle...")
		cycle(ctx)
	}); err != nil {
		logging.Fatal("Invalid CRON_SCHEDULE", zap.String("schedule", cfg.CronSchedule), zap.Error(err))
	}
	cronScheduler.Start()

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("Failed to run server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logging.Info("Shutting down...")
	<-cronScheduler.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("Server shutdown failed", zap.Error(err))
	}
}

func healthHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
