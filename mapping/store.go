package mapping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"graphloom/models"
)

// Match ist ein über einen Shape-Hash gefundenes Mapping.
type Match struct {
	Hash    string
	Mapping models.TypeMapping
}

// Store ist die Persistenzschicht des Mapping-Verzeichnisses.
type Store interface {
	Upsert(ctx context.Context, m *models.TypeMapping) error
	FindByHashes(ctx context.Context, containerID string, dataSourceID uint, hashes []string) ([]Match, error)
	Get(ctx context.Context, id uint) (*models.TypeMapping, error)
	ListByContainer(ctx context.Context, containerID string) ([]models.TypeMapping, error)
	Group(ctx context.Context, canonical models.TypeMapping, members []models.TypeMapping) error
	Create(ctx context.Context, m *models.TypeMapping) error
	SaveTransformation(ctx context.Context, t *models.TypeTransformation) error
	SetActive(ctx context.Context, id uint, active bool) error
}

// GormStore implementiert Store auf PostgreSQL.
type GormStore struct {
	DB *gorm.DB
}

// NewGormStore erstellt einen neuen GormStore.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

// Upsert legt das Mapping an oder aktualisiert nur modified_at, falls
// (shape_hash, data_source_id, container_id) bereits existiert. m wird mit der
// gespeicherten Zeile befüllt.
func (s *GormStore) Upsert(ctx context.Context, m *models.TypeMapping) error {
	if m.ModifiedAt.IsZero() {
		m.ModifiedAt = time.Now()
	}
	err := s.DB.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "shape_hash"}, {Name: "data_source_id"}, {Name: "container_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"modified_at": gorm.Expr("NOW()"),
			}),
		}, clause.Returning{}).
		Create(m).Error
	if err != nil {
		return fmt.Errorf("upsert type mapping: %w", err)
	}
	return nil
}

// FindByHashes sucht direkte Treffer und Treffer über hash_groupings.
func (s *GormStore) FindByHashes(ctx context.Context, containerID string, dataSourceID uint, hashes []string) ([]Match, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	db := s.DB.WithContext(ctx)

	var direct []models.TypeMapping
	err := db.Preload("Transformations").
		Where("container_id = ? AND data_source_id = ? AND shape_hash IN ?", containerID, dataSourceID, hashes).
		Find(&direct).Error
	if err != nil {
		return nil, fmt.Errorf("find type mappings by shape hash: %w", err)
	}
	matches := make([]Match, 0, len(hashes))
	for _, m := range direct {
		matches = append(matches, Match{Hash: *m.ShapeHash, Mapping: m})
	}

	var grouped []struct {
		MappingID uint
		ShapeHash string
	}
	err = db.Table("hash_groupings AS hg").
		Select("hg.canonical_mapping_id AS mapping_id, hg.shape_hash").
		Joins("JOIN type_mappings tm ON tm.id = hg.canonical_mapping_id").
		Where("tm.container_id = ? AND tm.data_source_id = ? AND tm.shape_hash IS NULL AND hg.shape_hash IN ?", containerID, dataSourceID, hashes).
		Scan(&grouped).Error
	if err != nil {
		return nil, fmt.Errorf("find grouped type mappings: %w", err)
	}
	if len(grouped) == 0 {
		return matches, nil
	}

	ids := make([]uint, 0, len(grouped))
	for _, g := range grouped {
		ids = append(ids, g.MappingID)
	}
	var canonical []models.TypeMapping
	if err := db.Preload("Transformations").Where("id IN ?", ids).Find(&canonical).Error; err != nil {
		return nil, fmt.Errorf("load canonical type mappings: %w", err)
	}
	byID := make(map[uint]models.TypeMapping, len(canonical))
	for _, m := range canonical {
		byID[m.ID] = m
	}
	for _, g := range grouped {
		if m, ok := byID[g.MappingID]; ok {
			matches = append(matches, Match{Hash: g.ShapeHash, Mapping: m})
		}
	}
	return matches, nil
}

func (s *GormStore) Get(ctx context.Context, id uint) (*models.TypeMapping, error) {
	var m models.TypeMapping
	if err := s.DB.WithContext(ctx).Preload("Transformations").First(&m, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: type mapping %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("load type mapping %d: %w", id, err)
	}
	return &m, nil
}

func (s *GormStore) ListByContainer(ctx context.Context, containerID string) ([]models.TypeMapping, error) {
	var out []models.TypeMapping
	err := s.DB.WithContext(ctx).Preload("Transformations").
		Where("container_id = ?", containerID).
		Order("id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list type mappings: %w", err)
	}
	return out, nil
}

// Group führt die Mitglieder in einer Transaktion unter dem kanonischen Mapping zusammen.
func (s *GormStore) Group(ctx context.Context, canonical models.TypeMapping, members []models.TypeMapping) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		all := append([]models.TypeMapping{canonical}, members...)
		ids := make([]uint, 0, len(all))
		var groupings []models.HashGrouping
		for _, m := range all {
			ids = append(ids, m.ID)
			if m.ShapeHash != nil {
				groupings = append(groupings, models.HashGrouping{
					CanonicalMappingID:    canonical.ID,
					ContributingMappingID: m.ID,
					ShapeHash:             *m.ShapeHash,
				})
			}
		}

		memberIDs := ids[1:]
		if len(memberIDs) > 0 {
			// Gruppen, deren Kanon jetzt Mitglied wird, zeigen künftig auf den neuen Kanon.
			err := tx.Model(&models.HashGrouping{}).
				Where("canonical_mapping_id IN ?", memberIDs).
				Update("canonical_mapping_id", canonical.ID).Error
			if err != nil {
				return fmt.Errorf("repoint hash groupings: %w", err)
			}
			err = tx.Model(&models.TypeMapping{}).
				Where("id IN ?", memberIDs).
				Updates(map[string]any{"active": false}).Error
			if err != nil {
				return fmt.Errorf("deactivate grouped mappings: %w", err)
			}
		}

		if len(groupings) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&groupings).Error; err != nil {
				return fmt.Errorf("create hash groupings: %w", err)
			}
		}
		err := tx.Model(&models.TypeMapping{}).
			Where("id IN ?", ids).
			Updates(map[string]any{"shape_hash": gorm.Expr("NULL"), "modified_at": gorm.Expr("NOW()")}).Error
		if err != nil {
			return fmt.Errorf("null shape hashes: %w", err)
		}
		return nil
	})
}

// Create speichert ein neues Mapping samt Transformationen.
func (s *GormStore) Create(ctx context.Context, m *models.TypeMapping) error {
	if err := s.DB.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("create type mapping: %w", err)
	}
	return nil
}

func (s *GormStore) SaveTransformation(ctx context.Context, t *models.TypeTransformation) error {
	if err := s.DB.WithContext(ctx).Save(t).Error; err != nil {
		return fmt.Errorf("save type transformation %d: %w", t.ID, err)
	}
	return nil
}

func (s *GormStore) SetActive(ctx context.Context, id uint, active bool) error {
	res := s.DB.WithContext(ctx).Model(&models.TypeMapping{}).
		Where("id = ?", id).
		Updates(map[string]any{"active": active, "modified_at": gorm.Expr("NOW()")})
	if res.Error != nil {
		return fmt.Errorf("set type mapping %d active: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: type mapping %d", ErrNotFound, id)
	}
	return nil
}
