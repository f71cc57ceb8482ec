// Package mapping verwaltet Type Mappings: Anlage per Shape-Hash, Auflösung
// (auch über Hash-Gruppen), Gruppierung, Export/Import und Ontologie-Upgrades.
package mapping

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"graphloom/events"
	"graphloom/models"
	"graphloom/ontology"
)

var (
	ErrNotFound          = errors.New("mapping: not found")
	ErrGroupedMapping    = errors.New("mapping: grouped mappings cannot be upgraded")
	ErrNoTransformations = errors.New("mapping: mapping has no active transformations")
	ErrForeignMapping    = errors.New("mapping: mapping belongs to a different container or data source")
)

// ItemResult ist das Ergebnis einer Teiloperation. Err ist nil bei Erfolg.
type ItemResult struct {
	MappingID        uint
	TransformationID uint
	Err              error
}

// Directory ist das Mapping-Verzeichnis.
type Directory struct {
	Store    Store
	Ontology ontology.Resolver
	Events   events.Emitter
	Logger   *zap.Logger
}

// NewDirectory erstellt ein neues Directory.
func NewDirectory(store Store, resolver ontology.Resolver, emitter events.Emitter, logger *zap.Logger) *Directory {
	return &Directory{Store: store, Ontology: resolver, Events: emitter, Logger: logger}
}

// CreateOrTouch legt ein Mapping für den Shape-Hash an oder frischt nur modified_at auf.
func (d *Directory) CreateOrTouch(ctx context.Context, containerID string, dataSourceID uint, shapeHash string, sample datatypes.JSON) (*models.TypeMapping, error) {
	hash := shapeHash
	m := &models.TypeMapping{
		ContainerID:   containerID,
		DataSourceID:  dataSourceID,
		ShapeHash:     &hash,
		SamplePayload: sample,
	}
	if err := d.Store.Upsert(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Resolve liefert je Shape-Hash das zuständige Mapping. Direkte Treffer haben
// Vorrang vor Treffern über Hash-Gruppen; Hashes ohne Mapping fehlen in der Map.
func (d *Directory) Resolve(ctx context.Context, containerID string, dataSourceID uint, hashes []string) (map[string]*models.TypeMapping, error) {
	matches, err := d.Store.FindByHashes(ctx, containerID, dataSourceID, hashes)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*models.TypeMapping, len(matches))
	for i := range matches {
		m := &matches[i]
		if existing, ok := out[m.Hash]; ok && !existing.Grouped() {
			continue
		}
		out[m.Hash] = &m.Mapping
	}
	return out, nil
}

// Group führt die Mitglieder unter dem kanonischen Mapping zusammen. Mitglieder,
// die nicht gruppiert werden können, werden einzeln gemeldet.
func (d *Directory) Group(ctx context.Context, canonicalID uint, memberIDs []uint) ([]ItemResult, error) {
	canonical, err := d.Store.Get(ctx, canonicalID)
	if err != nil {
		return nil, err
	}

	var (
		members []models.TypeMapping
		results []ItemResult
	)
	for _, id := range memberIDs {
		if id == canonicalID {
			continue
		}
		m, err := d.Store.Get(ctx, id)
		if err != nil {
			results = append(results, ItemResult{MappingID: id, Err: err})
			continue
		}
		if m.ContainerID != canonical.ContainerID || m.DataSourceID != canonical.DataSourceID {
			results = append(results, ItemResult{MappingID: id, Err: ErrForeignMapping})
			continue
		}
		members = append(members, *m)
	}

	if err := d.Store.Group(ctx, *canonical, members); err != nil {
		return nil, fmt.Errorf("group type mappings into %d: %w", canonicalID, err)
	}
	for _, m := range members {
		results = append(results, ItemResult{MappingID: m.ID})
	}
	d.Logger.Info("Type Mappings gruppiert",
		zap.Uint("canonical_id", canonicalID),
		zap.Int("members", len(members)),
		zap.String("container_id", canonical.ContainerID))
	return results, nil
}

// SetActive aktiviert oder deaktiviert ein Mapping. Aktivieren setzt mindestens
// eine nicht archivierte Transformation voraus.
func (d *Directory) SetActive(ctx context.Context, id uint, active bool) error {
	if active {
		m, err := d.Store.Get(ctx, id)
		if err != nil {
			return err
		}
		if len(m.LiveTransformations()) == 0 {
			return fmt.Errorf("%w: type mapping %d", ErrNoTransformations, id)
		}
	}
	return d.Store.SetActive(ctx, id, active)
}
