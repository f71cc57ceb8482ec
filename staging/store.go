package staging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"graphloom/models"
)

// Pass wählt die Zeilen eines Verarbeitungsdurchlaufs aus.
type Pass int

const (
	// NodePass liefert Zeilen ohne nodes_processed_at.
	NodePass Pass = iota
	// EdgePass liefert Zeilen mit Knoten, aber ohne edges_processed_at.
	EdgePass
)

// Row ist eine eingehende Zeile samt vorgemerkter Tags und Dateien.
type Row struct {
	Data    datatypes.JSON
	TagIDs  []uint
	FileIDs []uint
}

// Store ist die Persistenzschicht für Imports und Staging-Zeilen.
type Store interface {
	DataSource(ctx context.Context, id uint) (*models.DataSource, error)
	CreateImport(ctx context.Context, imp *models.Import, rows []Row, batchSize int) error
	GetImport(ctx context.Context, id uint) (*models.Import, error)
	SaveImport(ctx context.Context, imp *models.Import) error
	Eligible(ctx context.Context, maxRetries int, excludeContainers []string) ([]models.Import, error)
	Unsettled(ctx context.Context, importID uint) (int64, error)
	CountRows(ctx context.Context, importID uint) (int64, error)
	ResetRows(ctx context.Context, importID uint) error
	DeleteImport(ctx context.Context, importID uint) error
	Expired(ctx context.Context, now time.Time, limit int) ([]models.StagingRecord, error)
	DeleteRows(ctx context.Context, ids []uint) error

	StreamRows(ctx context.Context, importID uint, pass Pass, fn func(models.StagingRecord) error) error
	SaveShapeHashes(ctx context.Context, hashes map[uint]string) error
	MarkNodesProcessed(ctx context.Context, ids []uint, at time.Time) error
	MarkEdgesProcessed(ctx context.Context, ids []uint, at time.Time) error
	SetErrors(ctx context.Context, id uint, errs []string) error
	// AppendErrors hängt nur Fehler an, die die Zeile noch nicht trägt.
	AppendErrors(ctx context.Context, id uint, errs []string) error
}

// unsettledPredicate trifft Zeilen, bei denen ein Marker fehlt und die entweder
// noch keinen Shape-Hash haben oder von einem aktiven Mapping mit lebender
// Transformation aufgelöst werden (direkt oder über hash_groupings).
const unsettledPredicate = `
(s.inserted_at IS NULL OR s.nodes_processed_at IS NULL OR s.edges_processed_at IS NULL)
AND (s.shape_hash IS NULL OR EXISTS (
	SELECT 1 FROM type_mappings m
	JOIN type_transformations t ON t.type_mapping_id = m.id AND NOT t.archived
	WHERE m.active AND m.container_id = s.container_id AND m.data_source_id = s.data_source_id
	AND (m.shape_hash = s.shape_hash OR EXISTS (
		SELECT 1 FROM hash_groupings g WHERE g.canonical_mapping_id = m.id AND g.shape_hash = s.shape_hash))
))`

// GormStore implementiert Store auf PostgreSQL.
type GormStore struct {
	DB *gorm.DB
}

// NewGormStore erstellt einen neuen GormStore.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

func (s *GormStore) DataSource(ctx context.Context, id uint) (*models.DataSource, error) {
	var ds models.DataSource
	if err := s.DB.WithContext(ctx).First(&ds, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: data source %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("load data source %d: %w", id, err)
	}
	return &ds, nil
}

// CreateImport legt Import, Zeilen und vorgemerkte Tags/Dateien in einer Transaktion an.
func (s *GormStore) CreateImport(ctx context.Context, imp *models.Import, rows []Row, batchSize int) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(imp).Error; err != nil {
			return fmt.Errorf("create import: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		records := make([]models.StagingRecord, len(rows))
		for i, r := range rows {
			records[i] = models.StagingRecord{
				ImportID:     imp.ID,
				DataSourceID: imp.DataSourceID,
				ContainerID:  imp.ContainerID,
				Data:         r.Data,
				Errors:       pq.StringArray{},
			}
		}
		if err := tx.CreateInBatches(&records, batchSize).Error; err != nil {
			return fmt.Errorf("create staging records: %w", err)
		}

		var (
			tags  []models.StagingTag
			files []models.StagingFile
		)
		for i, r := range rows {
			for _, t := range r.TagIDs {
				tags = append(tags, models.StagingTag{StagingID: records[i].ID, TagID: t})
			}
			for _, f := range r.FileIDs {
				files = append(files, models.StagingFile{StagingID: records[i].ID, FileID: f})
			}
		}
		if len(tags) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&tags, batchSize).Error; err != nil {
				return fmt.Errorf("queue staging tags: %w", err)
			}
		}
		if len(files) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&files, batchSize).Error; err != nil {
				return fmt.Errorf("queue staging files: %w", err)
			}
		}
		return nil
	})
}

func (s *GormStore) GetImport(ctx context.Context, id uint) (*models.Import, error) {
	var imp models.Import
	if err := s.DB.WithContext(ctx).First(&imp, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: import %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("load import %d: %w", id, err)
	}
	return &imp, nil
}

// SaveImport schreibt Status, Meldung, Versuche und Zeitstempel zurück.
func (s *GormStore) SaveImport(ctx context.Context, imp *models.Import) error {
	err := s.DB.WithContext(ctx).Model(imp).
		Select("status", "status_message", "attempts", "process_start", "process_end", "modified_at").
		Updates(imp).Error
	if err != nil {
		return fmt.Errorf("save import %d: %w", imp.ID, err)
	}
	return nil
}

// Eligible liefert verarbeitbare Imports in FIFO-Reihenfolge.
func (s *GormStore) Eligible(ctx context.Context, maxRetries int, excludeContainers []string) ([]models.Import, error) {
	q := s.DB.WithContext(ctx).
		Table("imports AS i").
		Select("i.*").
		Where("i.status <> ? AND i.attempts < ?", models.ImportStopped, maxRetries).
		Where("EXISTS (SELECT 1 FROM data_staging s WHERE s.import_id = i.id AND " + unsettledPredicate + ")")
	if len(excludeContainers) > 0 {
		q = q.Where("i.container_id NOT IN ?", excludeContainers)
	}
	var out []models.Import
	if err := q.Order("i.created_at, i.id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list eligible imports: %w", err)
	}
	return out, nil
}

func (s *GormStore) Unsettled(ctx context.Context, importID uint) (int64, error) {
	var n int64
	err := s.DB.WithContext(ctx).
		Table("data_staging AS s").
		Where("s.import_id = ? AND "+unsettledPredicate, importID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count unsettled rows of import %d: %w", importID, err)
	}
	return n, nil
}

func (s *GormStore) CountRows(ctx context.Context, importID uint) (int64, error) {
	var n int64
	if err := s.DB.WithContext(ctx).Model(&models.StagingRecord{}).Where("import_id = ?", importID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count rows of import %d: %w", importID, err)
	}
	return n, nil
}

// ResetRows setzt alle Marker und Fehler der Zeilen eines Imports zurück.
func (s *GormStore) ResetRows(ctx context.Context, importID uint) error {
	err := s.DB.WithContext(ctx).Model(&models.StagingRecord{}).
		Where("import_id = ?", importID).
		Updates(map[string]any{
			"inserted_at":        nil,
			"nodes_processed_at": nil,
			"edges_processed_at": nil,
			"errors":             pq.StringArray{},
		}).Error
	if err != nil {
		return fmt.Errorf("reset rows of import %d: %w", importID, err)
	}
	return nil
}

// DeleteImport löscht den Import samt Zeilen; Tags und Dateien folgen per ON DELETE CASCADE.
func (s *GormStore) DeleteImport(ctx context.Context, importID uint) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("import_id = ?", importID).Delete(&models.StagingRecord{}).Error; err != nil {
			return fmt.Errorf("delete rows of import %d: %w", importID, err)
		}
		res := tx.Delete(&models.Import{}, importID)
		if res.Error != nil {
			return fmt.Errorf("delete import %d: %w", importID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: import %d", ErrNotFound, importID)
		}
		return nil
	})
}

// Expired liefert Zeilen, deren Alter die Aufbewahrungsfrist ihrer DataSource überschreitet.
func (s *GormStore) Expired(ctx context.Context, now time.Time, limit int) ([]models.StagingRecord, error) {
	var out []models.StagingRecord
	err := s.DB.WithContext(ctx).
		Table("data_staging AS s").
		Select("s.*").
		Joins("JOIN data_sources d ON d.id = s.data_source_id").
		Where("d.data_retention_days > 0 AND s.created_at < ?::timestamptz - d.data_retention_days * INTERVAL '1 day'", now).
		Order("s.id").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list expired staging rows: %w", err)
	}
	return out, nil
}

func (s *GormStore) DeleteRows(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.DB.WithContext(ctx).Delete(&models.StagingRecord{}, ids).Error; err != nil {
		return fmt.Errorf("delete staging rows: %w", err)
	}
	return nil
}

// StreamRows liest die Zeilen eines Durchlaufs über einen Cursor und ruft fn pro Zeile auf.
func (s *GormStore) StreamRows(ctx context.Context, importID uint, pass Pass, fn func(models.StagingRecord) error) error {
	db := s.DB.WithContext(ctx)
	q := db.Model(&models.StagingRecord{}).Where("import_id = ?", importID)
	switch pass {
	case NodePass:
		q = q.Where("nodes_processed_at IS NULL")
	case EdgePass:
		q = q.Where("nodes_processed_at IS NOT NULL AND edges_processed_at IS NULL")
	}
	rows, err := q.Order("id").Rows()
	if err != nil {
		return fmt.Errorf("stream rows of import %d: %w", importID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec models.StagingRecord
		if err := db.ScanRows(rows, &rec); err != nil {
			return fmt.Errorf("scan staging row: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// SaveShapeHashes speichert nachträglich berechnete Shape-Hashes.
func (s *GormStore) SaveShapeHashes(ctx context.Context, hashes map[uint]string) error {
	if len(hashes) == 0 {
		return nil
	}
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for id, h := range hashes {
			if err := tx.Model(&models.StagingRecord{}).Where("id = ?", id).Update("shape_hash", h).Error; err != nil {
				return fmt.Errorf("save shape hash of row %d: %w", id, err)
			}
		}
		return nil
	})
}

// MarkNodesProcessed setzt nodes_processed_at und leert frühere Fehler.
func (s *GormStore) MarkNodesProcessed(ctx context.Context, ids []uint, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.DB.WithContext(ctx).Model(&models.StagingRecord{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"nodes_processed_at": at, "errors": pq.StringArray{}}).Error
	if err != nil {
		return fmt.Errorf("mark nodes processed: %w", err)
	}
	return nil
}

// MarkEdgesProcessed setzt edges_processed_at und inserted_at.
func (s *GormStore) MarkEdgesProcessed(ctx context.Context, ids []uint, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.DB.WithContext(ctx).Model(&models.StagingRecord{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"edges_processed_at": at, "inserted_at": at}).Error
	if err != nil {
		return fmt.Errorf("mark edges processed: %w", err)
	}
	return nil
}

func (s *GormStore) SetErrors(ctx context.Context, id uint, errs []string) error {
	err := s.DB.WithContext(ctx).Model(&models.StagingRecord{}).
		Where("id = ?", id).
		Update("errors", pq.StringArray(errs)).Error
	if err != nil {
		return fmt.Errorf("set errors of row %d: %w", id, err)
	}
	return nil
}

func (s *GormStore) AppendErrors(ctx context.Context, id uint, errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	err := s.DB.WithContext(ctx).Model(&models.StagingRecord{}).
		Where("id = ?", id).
		Update("errors", gorm.Expr(
			"errors || ARRAY(SELECT e FROM unnest(?::text[]) AS e WHERE NOT (e = ANY(errors)))",
			pq.StringArray(uniqueStrings(errs)))).Error
	if err != nil {
		return fmt.Errorf("append errors of row %d: %w", id, err)
	}
	return nil
}

// ActiveDataSources liefert alle aktiven DataSources eines Adapter-Typs.
func (s *GormStore) ActiveDataSources(ctx context.Context, adapterType string) ([]models.DataSource, error) {
	var out []models.DataSource
	err := s.DB.WithContext(ctx).
		Where("active = ? AND adapter_type = ?", true, adapterType).
		Order("id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list %s data sources: %w", adapterType, err)
	}
	return out, nil
}

// LastImport liefert den jüngsten Import einer DataSource oder nil.
func (s *GormStore) LastImport(ctx context.Context, dataSourceID uint) (*models.Import, error) {
	var imp models.Import
	err := s.DB.WithContext(ctx).
		Where("data_source_id = ?", dataSourceID).
		Order("created_at DESC, id DESC").
		Take(&imp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load last import of data source %d: %w", dataSourceID, err)
	}
	return &imp, nil
}

var _ Store = (*GormStore)(nil)

// uniqueStrings entfernt Duplikate und behält die Reihenfolge.
func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
