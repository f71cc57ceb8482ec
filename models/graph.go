package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Conversion protokolliert eine Typumwandlung während der Transformation.
type Conversion struct {
	Key            string `json:"key"`
	OriginalValue  any    `json:"original_value"`
	ConvertedValue any    `json:"converted_value,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ConversionMetadata wird an erzeugten Knoten und Kanten gespeichert.
type ConversionMetadata struct {
	Conversions       []Conversion `json:"conversions,omitempty"`
	FailedConversions []Conversion `json:"failed_conversions,omitempty"`
}

// Node ist ein typisierter Knoten des Property-Graphen.
type Node struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt   time.Time `json:"created_at"`
	ModifiedAt  time.Time `json:"modified_at"`
	ContainerID string    `json:"container_id" gorm:"not null"`
	MetatypeID  uint      `json:"metatype_id" gorm:"not null"`

	Properties     datatypes.JSON                         `json:"properties" gorm:"type:jsonb"`
	Metadata       datatypes.JSONType[ConversionMetadata] `json:"metadata" gorm:"type:jsonb"`
	OriginalDataID *string                                `json:"original_data_id,omitempty"`

	DataSourceID                uint `json:"data_source_id"`
	ImportDataID                uint `json:"import_data_id" gorm:"index"`
	DataStagingID               uint `json:"data_staging_id" gorm:"index"`
	TypeMappingTransformationID uint `json:"type_mapping_transformation_id"`
	Merge                       bool `json:"-" gorm:"-"`
}

// TableName gibt explizit den Tabellennamen an.
func (Node) TableName() string {
	return "nodes"
}

// Edge ist eine typisierte Beziehung zwischen zwei Knoten.
type Edge struct {
	ID                 uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt          time.Time `json:"created_at"`
	ContainerID        string    `json:"container_id" gorm:"not null"`
	RelationshipPairID uint      `json:"relationship_pair_id" gorm:"not null"`
	OriginID           uuid.UUID `json:"origin_id" gorm:"type:uuid;not null"`
	DestinationID      uuid.UUID `json:"destination_id" gorm:"type:uuid;not null"`

	Properties datatypes.JSON                         `json:"properties" gorm:"type:jsonb"`
	Metadata   datatypes.JSONType[ConversionMetadata] `json:"metadata" gorm:"type:jsonb"`

	DataSourceID                uint `json:"data_source_id"`
	ImportDataID                uint `json:"import_data_id" gorm:"index"`
	DataStagingID               uint `json:"data_staging_id" gorm:"index"`
	TypeMappingTransformationID uint `json:"type_mapping_transformation_id"`
}

// TableName gibt explizit den Tabellennamen an.
func (Edge) TableName() string {
	return "edges"
}
