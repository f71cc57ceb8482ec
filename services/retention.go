package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"graphloom/models"
)

// ExpiredRows liefert und löscht Staging-Zeilen mit abgelaufener Aufbewahrungsfrist.
type ExpiredRows interface {
	Expired(ctx context.Context, limit int) ([]models.StagingRecord, error)
	DeleteRows(ctx context.Context, ids []uint) error
}

// RecordArchive nimmt abgelaufene Zeilen auf und rotiert alte Archive.
type RecordArchive interface {
	PutRecords(ctx context.Context, key string, records []models.StagingRecord) (int, error)
	Rotate(ctx context.Context, prefix string, keep int) (int, error)
}

// Sweeper räumt abgelaufene Staging-Zeilen ab. Ist Archive gesetzt, werden
// die Zeilen vor dem Löschen als Batch archiviert.
type Sweeper struct {
	Rows      ExpiredRows
	Archive   RecordArchive
	Logger    *zap.Logger
	Now       func() time.Time
	Prefix    string
	BatchSize int
	Keep      int
}

// NewSweeper erstellt einen Sweeper. archive darf nil sein.
func NewSweeper(rows ExpiredRows, archive RecordArchive, batchSize, keep int, logger *zap.Logger) *Sweeper {
	if batchSize <= 0 {
		batchSize = 5000
	}
	return &Sweeper{
		Rows:      rows,
		Archive:   archive,
		Logger:    logger,
		Now:       func() time.Time { return time.Now().UTC() },
		Prefix:    "staging/",
		BatchSize: batchSize,
		Keep:      keep,
	}
}

// Sweep verarbeitet Batches, bis keine abgelaufenen Zeilen mehr übrig sind,
// und liefert die Anzahl gelöschter Zeilen.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stamp := s.Now().Format("20060102T150405Z")
	deleted := 0

	for batch := 0; ; batch++ {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		rows, err := s.Rows.Expired(ctx, s.BatchSize)
		if err != nil {
			return deleted, fmt.Errorf("load expired rows: %w", err)
		}
		if len(rows) == 0 {
			break
		}

		if s.Archive != nil {
			key := fmt.Sprintf("%s%s-%05d.ndjson.gz", s.Prefix, stamp, batch)
			size, err := s.Archive.PutRecords(ctx, key, rows)
			if err != nil {
				return deleted, err
			}
			s.Logger.Info("Staging-Zeilen archiviert", zap.String("key", key), zap.Int("rows", len(rows)), zap.Int("bytes", size))
		}

		ids := make([]uint, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		if err := s.Rows.DeleteRows(ctx, ids); err != nil {
			return deleted, fmt.Errorf("delete expired rows: %w", err)
		}
		deleted += len(rows)

		if len(rows) < s.BatchSize {
			break
		}
	}

	if s.Archive != nil && deleted > 0 {
		removed, err := s.Archive.Rotate(ctx, s.Prefix, s.Keep)
		if err != nil {
			return deleted, err
		}
		if removed > 0 {
			s.Logger.Info("Alte Archive rotiert", zap.Int("removed", removed), zap.Int("keep", s.Keep))
		}
	}
	return deleted, nil
}
