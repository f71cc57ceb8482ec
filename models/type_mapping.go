package models

import (
	"time"

	"gorm.io/datatypes"
)

// TypeMapping verknüpft eine Payload-Struktur (Shape-Hash) mit ihren Transformationen.
// Ein ShapeHash von nil bedeutet, dass das Mapping über HashGroupings erreicht wird.
type TypeMapping struct {
	ID            uint           `json:"id" gorm:"primaryKey"`
	CreatedAt     time.Time      `json:"created_at"`
	ModifiedAt    time.Time      `json:"modified_at"`
	ContainerID   string         `json:"container_id" gorm:"not null;uniqueIndex:idx_type_mappings_shape"`
	DataSourceID  uint           `json:"data_source_id" gorm:"not null;uniqueIndex:idx_type_mappings_shape"`
	ShapeHash     *string        `json:"shape_hash,omitempty" gorm:"uniqueIndex:idx_type_mappings_shape"`
	Active        bool           `json:"active" gorm:"not null;default:false"`
	SamplePayload datatypes.JSON `json:"sample_payload,omitempty" gorm:"type:jsonb"`

	Transformations []TypeTransformation `json:"transformations,omitempty" gorm:"foreignKey:TypeMappingID"`
}

// TableName gibt explizit den Tabellennamen an.
func (TypeMapping) TableName() string {
	return "type_mappings"
}

// Grouped meldet, ob das Mapping ein kanonisches Gruppen-Mapping ist.
func (m TypeMapping) Grouped() bool {
	return m.ShapeHash == nil
}

// LiveTransformations liefert alle nicht archivierten Transformationen.
func (m TypeMapping) LiveTransformations() []TypeTransformation {
	out := make([]TypeTransformation, 0, len(m.Transformations))
	for _, t := range m.Transformations {
		if !t.Archived {
			out = append(out, t)
		}
	}
	return out
}

// HashGrouping leitet einen ursprünglichen Shape-Hash auf ein kanonisches Mapping um.
type HashGrouping struct {
	CanonicalMappingID    uint      `json:"canonical_mapping_id" gorm:"primaryKey"`
	ContributingMappingID uint      `json:"contributing_mapping_id" gorm:"primaryKey"`
	ShapeHash             string    `json:"shape_hash" gorm:"primaryKey"`
	CreatedAt             time.Time `json:"created_at"`
}

func (HashGrouping) TableName() string {
	return "hash_groupings"
}
