// Package graph schreibt Knoten und Kanten gebündelt in den Property-Graphen
// und stellt den Snapshot-Index für die Kantenauflösung bereit.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"graphloom/models"
)

// Writer stellt Knoten und Kanten bereit und veröffentlicht sie pro Import.
type Writer interface {
	StageNodes(ctx context.Context, nodes []models.Node) error
	PublishNodes(ctx context.Context, importIDs []uint) (int64, error)
	StageEdges(ctx context.Context, edges []models.Edge) error
	PublishEdges(ctx context.Context, importIDs []uint) (int64, error)
	// DiscardStaged verwirft nicht veröffentlichte Zeilen der Imports.
	DiscardStaged(ctx context.Context, importIDs []uint) error
	// Purge löscht alle Knoten und Kanten eines Imports.
	Purge(ctx context.Context, importID uint) error
}

var (
	nodeStagingColumns = []string{
		"id", "created_at", "container_id", "metatype_id", "properties", "metadata",
		"original_data_id", "data_source_id", "import_data_id", "data_staging_id",
		"type_mapping_transformation_id", "merge",
	}
	edgeStagingColumns = []string{
		"id", "created_at", "container_id", "relationship_pair_id", "origin_id", "destination_id",
		"properties", "metadata", "data_source_id", "import_data_id", "data_staging_id",
		"type_mapping_transformation_id",
	}
)

// Verschieben aus dem Staging ist ein einzelnes Statement, damit nie ein Teil
// eines Imports veröffentlicht ist. Pro Original-ID gewinnt die jüngste Zeile.
const publishNodesSQL = `
WITH moved AS (
	DELETE FROM nodes_staging WHERE import_data_id IN ? RETURNING *
), latest AS (
	SELECT DISTINCT ON (container_id, data_source_id, metatype_id, COALESCE(original_data_id, id::text)) *
	FROM moved
	ORDER BY container_id, data_source_id, metatype_id, COALESCE(original_data_id, id::text), created_at DESC, data_staging_id DESC
)
INSERT INTO nodes (id, created_at, modified_at, container_id, metatype_id, properties, metadata,
	original_data_id, data_source_id, import_data_id, data_staging_id, type_mapping_transformation_id)
SELECT l.id, l.created_at, NOW(), l.container_id, l.metatype_id,
	CASE WHEN l.merge AND n.id IS NOT NULL THEN n.properties || l.properties ELSE l.properties END,
	l.metadata, l.original_data_id, l.data_source_id, l.import_data_id, l.data_staging_id,
	l.type_mapping_transformation_id
FROM latest l
LEFT JOIN nodes n ON n.container_id = l.container_id
	AND n.data_source_id = l.data_source_id
	AND n.metatype_id = l.metatype_id
	AND n.original_data_id = l.original_data_id
ON CONFLICT (container_id, data_source_id, metatype_id, original_data_id) DO UPDATE SET
	properties = EXCLUDED.properties,
	metadata = EXCLUDED.metadata,
	import_data_id = EXCLUDED.import_data_id,
	data_staging_id = EXCLUDED.data_staging_id,
	type_mapping_transformation_id = EXCLUDED.type_mapping_transformation_id,
	modified_at = NOW()`

const publishEdgesSQL = `
WITH moved AS (
	DELETE FROM edges_staging WHERE import_data_id IN ? RETURNING *
)
INSERT INTO edges (id, created_at, container_id, relationship_pair_id, origin_id, destination_id,
	properties, metadata, data_source_id, import_data_id, data_staging_id, type_mapping_transformation_id)
SELECT id, created_at, container_id, relationship_pair_id, origin_id, destination_id,
	properties, metadata, data_source_id, import_data_id, data_staging_id, type_mapping_transformation_id
FROM moved
ON CONFLICT (relationship_pair_id, origin_id, destination_id, data_staging_id, type_mapping_transformation_id) DO NOTHING`

// PgWriter schreibt per COPY in ungeloggte Staging-Tabellen.
type PgWriter struct {
	DB        *gorm.DB
	Logger    *zap.Logger
	BatchSize int
}

// NewPgWriter erstellt einen neuen PgWriter.
func NewPgWriter(db *gorm.DB, logger *zap.Logger, batchSize int) *PgWriter {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &PgWriter{DB: db, Logger: logger, BatchSize: batchSize}
}

func (w *PgWriter) StageNodes(ctx context.Context, nodes []models.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(nodes))
	for _, n := range nodes {
		meta, err := json.Marshal(n.Metadata)
		if err != nil {
			return fmt.Errorf("encode node metadata: %w", err)
		}
		rows = append(rows, []any{
			n.ID, createdAt(n.CreatedAt), n.ContainerID, int64(n.MetatypeID), jsonb(n.Properties), meta,
			n.OriginalDataID, int64(n.DataSourceID), int64(n.ImportDataID), int64(n.DataStagingID),
			int64(n.TypeMappingTransformationID), n.Merge,
		})
	}
	return w.copy(ctx, "nodes_staging", nodeStagingColumns, rows)
}

func (w *PgWriter) StageEdges(ctx context.Context, edges []models.Edge) error {
	if len(edges) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(edges))
	for _, e := range edges {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode edge metadata: %w", err)
		}
		rows = append(rows, []any{
			e.ID, createdAt(e.CreatedAt), e.ContainerID, int64(e.RelationshipPairID), e.OriginID, e.DestinationID,
			jsonb(e.Properties), meta, int64(e.DataSourceID), int64(e.ImportDataID), int64(e.DataStagingID),
			int64(e.TypeMappingTransformationID),
		})
	}
	return w.copy(ctx, "edges_staging", edgeStagingColumns, rows)
}

// copy schreibt die Zeilen in Blöcken von BatchSize über das pgx-COPY-Protokoll.
func (w *PgWriter) copy(ctx context.Context, table string, columns []string, rows [][]any) error {
	sqlDB, err := w.DB.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	return conn.Raw(func(driverConn any) error {
		sc, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}
		for start := 0; start < len(rows); start += w.BatchSize {
			end := min(start+w.BatchSize, len(rows))
			n, err := sc.Conn().CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows[start:end]))
			if err != nil {
				return fmt.Errorf("copy into %s: %w", table, err)
			}
			w.Logger.Debug("Zeilen bereitgestellt", zap.String("table", table), zap.Int64("rows", n))
		}
		return nil
	})
}

func (w *PgWriter) PublishNodes(ctx context.Context, importIDs []uint) (int64, error) {
	if len(importIDs) == 0 {
		return 0, nil
	}
	res := w.DB.WithContext(ctx).Exec(publishNodesSQL, importIDs)
	if res.Error != nil {
		return 0, fmt.Errorf("publish nodes: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (w *PgWriter) PublishEdges(ctx context.Context, importIDs []uint) (int64, error) {
	if len(importIDs) == 0 {
		return 0, nil
	}
	res := w.DB.WithContext(ctx).Exec(publishEdgesSQL, importIDs)
	if res.Error != nil {
		return 0, fmt.Errorf("publish edges: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (w *PgWriter) DiscardStaged(ctx context.Context, importIDs []uint) error {
	if len(importIDs) == 0 {
		return nil
	}
	return w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM nodes_staging WHERE import_data_id IN ?", importIDs).Error; err != nil {
			return fmt.Errorf("discard staged nodes: %w", err)
		}
		if err := tx.Exec("DELETE FROM edges_staging WHERE import_data_id IN ?", importIDs).Error; err != nil {
			return fmt.Errorf("discard staged edges: %w", err)
		}
		return nil
	})
}

func (w *PgWriter) Purge(ctx context.Context, importID uint) error {
	return w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, stmt := range []string{
			"DELETE FROM edges WHERE import_data_id = ?",
			"DELETE FROM nodes WHERE import_data_id = ?",
			"DELETE FROM edges_staging WHERE import_data_id = ?",
			"DELETE FROM nodes_staging WHERE import_data_id = ?",
		} {
			if err := tx.Exec(stmt, importID).Error; err != nil {
				return fmt.Errorf("purge import %d: %w", importID, err)
			}
		}
		return nil
	})
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func jsonb(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

var _ Writer = (*PgWriter)(nil)
