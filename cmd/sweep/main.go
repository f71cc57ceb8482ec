package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"graphloom/config"
	"graphloom/events"
	"graphloom/services"
	"graphloom/staging"
	"graphloom/storage"
)

func main() {
	log.Println("Starte Aufbewahrungs-Prozess...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Fehler beim Laden der Konfiguration: %v", err)
	}
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg)
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}

	// Purger wird beim Aufräumen nicht benötigt, nur Zeilen werden gelöscht.
	lifecycle := staging.NewLifecycle(staging.NewGormStore(db), nil, events.Nop{}, logging, cfg.RetentionBatchSize)

	var archive *storage.Archive
	if cfg.ArchiveEnabled() {
		client, err := storage.NewS3Client(ctx, cfg)
		if err != nil {
			logging.Fatal("Fehler beim Erstellen des S3-Clients", zap.Error(err))
		}
		archive = storage.NewArchive(client, cfg.S3Bucket)
	} else {
		logging.Warn("Kein S3-Archiv konfiguriert, abgelaufene Zeilen werden ohne Archivierung gelöscht")
	}
	sweeper := services.NewSweeper(lifecycle, nil, cfg.RetentionBatchSize, cfg.ArchiveKeep, logging)
	if archive != nil {
		sweeper.Archive = archive
	}

	run := func() {
		n, err := sweeper.Sweep(ctx)
		if err != nil {
			logging.Error("Aufbewahrungslauf fehlgeschlagen", zap.Int("deleted", n), zap.Error(err))
			return
		}
		logging.Info("Aufbewahrungslauf abgeschlossen", zap.Int("deleted", n))
	}

	if cfg.RunOnce {
		run()
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.RetentionCronSchedule, run); err != nil {
		logging.Fatal("Invalid retention cron schedule", zap.String("schedule", cfg.RetentionCronSchedule), zap.Error(err))
	}
	c.Start()
	logging.Info("Aufbewahrung geplant", zap.String("schedule", cfg.RetentionCronSchedule))

	<-ctx.Done()
	<-c.Stop().Done()
	logging.Info("Aufbewahrungs-Prozess beendet")
}
