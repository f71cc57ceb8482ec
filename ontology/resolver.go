// Package ontology löst Metatypes, Beziehungspaare und Keys lesend auf.
package ontology

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"graphloom/models"
	"graphloom/transform"
)

// ErrNotFound wird geliefert, wenn ein Ontologie-Element nicht existiert.
var ErrNotFound = errors.New("ontology: not found")

// Resolver ist die lesende Schnittstelle zur Ontologie.
type Resolver interface {
	MetatypeKeys(ctx context.Context, ids []uint) (map[uint]transform.KeyDefinition, error)
	RelationshipKeys(ctx context.Context, ids []uint) (map[uint]transform.KeyDefinition, error)

	Metatype(ctx context.Context, id uint) (*models.Metatype, error)
	MetatypeByName(ctx context.Context, containerID string, versionID *uint, name string) (*models.Metatype, error)
	KeysOfMetatype(ctx context.Context, metatypeID uint) ([]models.MetatypeKey, error)

	Pair(ctx context.Context, id uint) (*models.MetatypeRelationshipPair, error)
	PairName(ctx context.Context, id uint) (string, error)
	PairByName(ctx context.Context, containerID string, versionID *uint, name string) (*models.MetatypeRelationshipPair, error)
	KeysOfPair(ctx context.Context, pairID uint) ([]models.MetatypeRelationshipKey, error)
}

// PairNameSeparator trennt Ursprung, Beziehung und Ziel im Namen eines Paares.
const PairNameSeparator = " - "

// FormatPairName baut den Namen "Origin - Relationship - Destination".
func FormatPairName(origin, relationship, destination string) string {
	return strings.Join([]string{origin, relationship, destination}, PairNameSeparator)
}

// ParsePairName zerlegt einen Paar-Namen in seine drei Bestandteile.
func ParsePairName(name string) (origin, relationship, destination string, err error) {
	parts := strings.Split(name, PairNameSeparator)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("relationship pair name %q does not follow \"Origin - Relationship - Destination\"", name)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2]), nil
}

// GormResolver liest die Ontologie-Tabellen über gorm.
type GormResolver struct {
	DB *gorm.DB
}

// NewGormResolver erstellt einen neuen GormResolver.
func NewGormResolver(db *gorm.DB) *GormResolver {
	return &GormResolver{DB: db}
}

func (r *GormResolver) MetatypeKeys(ctx context.Context, ids []uint) (map[uint]transform.KeyDefinition, error) {
	out := make(map[uint]transform.KeyDefinition, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var keys []models.MetatypeKey
	if err := r.DB.WithContext(ctx).Where("id IN ?", ids).Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("load metatype keys: %w", err)
	}
	for _, k := range keys {
		out[k.ID] = transform.KeyDefinition{ID: k.ID, PropertyName: k.PropertyName, DataType: k.DataType, Required: k.Required}
	}
	return out, nil
}

func (r *GormResolver) RelationshipKeys(ctx context.Context, ids []uint) (map[uint]transform.KeyDefinition, error) {
	out := make(map[uint]transform.KeyDefinition, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var keys []models.MetatypeRelationshipKey
	if err := r.DB.WithContext(ctx).Where("id IN ?", ids).Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("load relationship keys: %w", err)
	}
	for _, k := range keys {
		out[k.ID] = transform.KeyDefinition{ID: k.ID, PropertyName: k.PropertyName, DataType: k.DataType, Required: k.Required}
	}
	return out, nil
}

func (r *GormResolver) Metatype(ctx context.Context, id uint) (*models.Metatype, error) {
	var m models.Metatype
	if err := r.DB.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, notFound(err, "metatype %d", id)
	}
	return &m, nil
}

func (r *GormResolver) MetatypeByName(ctx context.Context, containerID string, versionID *uint, name string) (*models.Metatype, error) {
	var m models.Metatype
	q := r.DB.WithContext(ctx).Where("container_id = ? AND name = ?", containerID, name)
	if versionID != nil {
		q = q.Where("ontology_version_id = ?", *versionID)
	}
	if err := q.Order("id DESC").First(&m).Error; err != nil {
		return nil, notFound(err, "metatype with name %s", name)
	}
	return &m, nil
}

func (r *GormResolver) KeysOfMetatype(ctx context.Context, metatypeID uint) ([]models.MetatypeKey, error) {
	var keys []models.MetatypeKey
	if err := r.DB.WithContext(ctx).Where("metatype_id = ?", metatypeID).Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("load keys of metatype %d: %w", metatypeID, err)
	}
	return keys, nil
}

func (r *GormResolver) Pair(ctx context.Context, id uint) (*models.MetatypeRelationshipPair, error) {
	var p models.MetatypeRelationshipPair
	if err := r.DB.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, notFound(err, "relationship pair %d", id)
	}
	return &p, nil
}

// PairName setzt den Namen aus den Namen der beteiligten Metatypes und der Beziehung zusammen.
func (r *GormResolver) PairName(ctx context.Context, id uint) (string, error) {
	var row struct {
		Origin       string
		Relationship string
		Destination  string
	}
	err := r.DB.WithContext(ctx).Raw(`
		SELECT o.name AS origin, rel.name AS relationship, d.name AS destination
		FROM metatype_relationship_pairs p
		JOIN metatypes o ON o.id = p.origin_metatype_id
		JOIN metatypes d ON d.id = p.destination_metatype_id
		JOIN metatype_relationships rel ON rel.id = p.relationship_id
		WHERE p.id = ?`, id).Scan(&row).Error
	if err != nil {
		return "", fmt.Errorf("load name of relationship pair %d: %w", id, err)
	}
	if row.Origin == "" {
		return "", fmt.Errorf("%w: relationship pair %d", ErrNotFound, id)
	}
	return FormatPairName(row.Origin, row.Relationship, row.Destination), nil
}

func (r *GormResolver) PairByName(ctx context.Context, containerID string, versionID *uint, name string) (*models.MetatypeRelationshipPair, error) {
	origin, relationship, destination, err := ParsePairName(name)
	if err != nil {
		return nil, err
	}
	q := r.DB.WithContext(ctx).
		Table("metatype_relationship_pairs AS p").
		Select("p.*").
		Joins("JOIN metatypes o ON o.id = p.origin_metatype_id").
		Joins("JOIN metatypes d ON d.id = p.destination_metatype_id").
		Joins("JOIN metatype_relationships rel ON rel.id = p.relationship_id").
		Where("p.container_id = ? AND o.name = ? AND rel.name = ? AND d.name = ?", containerID, origin, relationship, destination)
	if versionID != nil {
		q = q.Where("p.ontology_version_id = ?", *versionID)
	}
	var p models.MetatypeRelationshipPair
	if err := q.Order("p.id DESC").Take(&p).Error; err != nil {
		return nil, notFound(err, "relationship pair with name %s", name)
	}
	return &p, nil
}

func (r *GormResolver) KeysOfPair(ctx context.Context, pairID uint) ([]models.MetatypeRelationshipKey, error) {
	var keys []models.MetatypeRelationshipKey
	err := r.DB.WithContext(ctx).
		Joins("JOIN metatype_relationship_pairs p ON p.relationship_id = metatype_relationship_keys.metatype_relationship_id").
		Where("p.id = ?", pairID).
		Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("load keys of relationship pair %d: %w", pairID, err)
	}
	return keys, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
	}
	return fmt.Errorf("load %s: %w", fmt.Sprintf(format, args...), err)
}
