package models

import (
	"time"

	"gorm.io/datatypes"
)

// TransformationType unterscheidet Knoten- und Kanten-Transformationen.
type TransformationType string

const (
	TransformationNode TransformationType = "node"
	TransformationEdge TransformationType = "edge"
)

// Fehlerpolitik für Extraktion und Konvertierung.
const (
	OnErrorIgnore         = "ignore"
	OnErrorFailOnRequired = "fail on required"
	OnErrorFail           = "fail"
)

// Condition ist ein Blatt des Bedingungsbaums, optional mit verketteten Unterausdrücken.
// Expression ist nur bei Unterausdrücken gesetzt ("AND" oder "OR").
type Condition struct {
	Expression     string      `json:"expression,omitempty" yaml:"expression,omitempty"`
	Key            string      `json:"key" yaml:"key"`
	Operator       string      `json:"operator" yaml:"operator"`
	Value          any         `json:"value,omitempty" yaml:"value,omitempty"`
	Subexpressions []Condition `json:"subexpressions,omitempty" yaml:"subexpressions,omitempty"`
}

// KeyMapping bildet einen Quellpfad der Payload auf einen Ziel-Key der Ontologie ab.
type KeyMapping struct {
	SourcePath         string `json:"source_path,omitempty" yaml:"source_path,omitempty"`
	DestinationKeyID   *uint  `json:"destination_key_id,omitempty" yaml:"destination_key_id,omitempty"`
	DestinationKeyName string `json:"destination_key_name,omitempty" yaml:"destination_key_name,omitempty"`
	ConversionFormat   string `json:"conversion_format,omitempty" yaml:"conversion_format,omitempty"`
	// Konstante anstelle eines Quellpfads
	Value any `json:"value,omitempty" yaml:"value,omitempty"`
}

// EdgeParameter filtert Kandidaten-Knoten bei der Auflösung eines Kanten-Endpunkts.
// Ist Key gesetzt, wird der Wert aus der Payload gelesen, sonst gilt Value.
type EdgeParameter struct {
	Type     string `json:"type" yaml:"type"`
	Operator string `json:"operator,omitempty" yaml:"operator,omitempty"`
	Property string `json:"property,omitempty" yaml:"property,omitempty"`
	Key      string `json:"key,omitempty" yaml:"key,omitempty"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Parametertypen für EdgeParameter.
const (
	ParamDataSource = "data_source"
	ParamMetatypeID = "metatype_id"
	ParamOriginalID = "original_id"
	ParamProperty   = "property"
	ParamID         = "id"
)

// TransformationConfig steuert das Fehlerverhalten einer Transformation.
type TransformationConfig struct {
	OnConversionError    string       `json:"on_conversion_error,omitempty" yaml:"on_conversion_error,omitempty"`
	OnKeyExtractionError string       `json:"on_key_extraction_error,omitempty" yaml:"on_key_extraction_error,omitempty"`
	FailedUpgradedKeys   []KeyMapping `json:"failed_upgraded_keys,omitempty" yaml:"failed_upgraded_keys,omitempty"`
}

// TypeTransformation ist eine Regel, die eine Payload in Knoten oder Kanten überführt.
type TypeTransformation struct {
	ID            uint               `json:"id" gorm:"primaryKey"`
	CreatedAt     time.Time          `json:"created_at"`
	ModifiedAt    time.Time          `json:"modified_at" gorm:"autoUpdateTime"`
	TypeMappingID uint               `json:"type_mapping_id" gorm:"index;not null"`
	ContainerID   string             `json:"container_id" gorm:"not null"`
	Name          string             `json:"name,omitempty"`
	Type          TransformationType `json:"type" gorm:"not null"`

	MetatypeID         *uint `json:"metatype_id,omitempty"`
	RelationshipPairID *uint `json:"metatype_relationship_pair_id,omitempty"`

	RootArray           string                          `json:"root_array,omitempty"`
	Conditions          datatypes.JSONSlice[Condition]  `json:"conditions,omitempty" gorm:"type:jsonb"`
	Keys                datatypes.JSONSlice[KeyMapping] `json:"keys,omitempty" gorm:"type:jsonb"`
	UniqueIdentifierKey string                          `json:"unique_identifier_key,omitempty"`

	OriginIDKey             string                             `json:"origin_id_key,omitempty"`
	OriginMetatypeID        *uint                              `json:"origin_metatype_id,omitempty"`
	OriginDataSourceID      *uint                              `json:"origin_data_source_id,omitempty"`
	OriginParameters        datatypes.JSONSlice[EdgeParameter] `json:"origin_parameters,omitempty" gorm:"type:jsonb"`
	DestinationIDKey        string                             `json:"destination_id_key,omitempty"`
	DestinationMetatypeID   *uint                              `json:"destination_metatype_id,omitempty"`
	DestinationDataSourceID *uint                              `json:"destination_data_source_id,omitempty"`
	DestinationParameters   datatypes.JSONSlice[EdgeParameter] `json:"destination_parameters,omitempty" gorm:"type:jsonb"`

	Config   datatypes.JSONType[TransformationConfig] `json:"config" gorm:"type:jsonb"`
	Merge    bool                                     `json:"merge" gorm:"not null;default:false"`
	Archived bool                                     `json:"archived" gorm:"not null;default:false"`
}

// TableName gibt explizit den Tabellennamen an.
func (TypeTransformation) TableName() string {
	return "type_transformations"
}
