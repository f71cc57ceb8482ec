package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// StagingRecord ist eine rohe, noch nicht (vollständig) verarbeitete Zeile eines Imports.
type StagingRecord struct {
	ID           uint           `json:"id" gorm:"primaryKey"`
	CreatedAt    time.Time      `json:"created_at" gorm:"index"`
	ImportID     uint           `json:"import_id" gorm:"index;not null"`
	DataSourceID uint           `json:"data_source_id" gorm:"index;not null"`
	ContainerID  string         `json:"container_id" gorm:"not null"`
	Data         datatypes.JSON `json:"data" gorm:"type:jsonb;not null"`
	ShapeHash    *string        `json:"shape_hash,omitempty" gorm:"index"`
	Errors       pq.StringArray `json:"errors" gorm:"type:text[];not null;default:'{}'"`

	InsertedAt       *time.Time `json:"inserted_at,omitempty"`
	NodesProcessedAt *time.Time `json:"nodes_processed_at,omitempty"`
	EdgesProcessedAt *time.Time `json:"edges_processed_at,omitempty"`
}

// TableName gibt explizit den Tabellennamen an.
func (StagingRecord) TableName() string {
	return "data_staging"
}

// Settled meldet, ob alle drei Abschlussmarker gesetzt sind.
func (r StagingRecord) Settled() bool {
	return r.InsertedAt != nil && r.NodesProcessedAt != nil && r.EdgesProcessedAt != nil
}

// StagingTag merkt ein Tag vor, das nach der Verarbeitung an die erzeugten Knoten/Kanten gehängt wird.
type StagingTag struct {
	StagingID uint `json:"staging_id" gorm:"primaryKey"`
	TagID     uint `json:"tag_id" gorm:"primaryKey"`
}

func (StagingTag) TableName() string {
	return "data_staging_tags"
}

// StagingFile merkt eine Datei für die spätere Verknüpfung vor.
type StagingFile struct {
	StagingID uint `json:"staging_id" gorm:"primaryKey"`
	FileID    uint `json:"file_id" gorm:"primaryKey"`
}

func (StagingFile) TableName() string {
	return "data_staging_files"
}
