package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// DataSource beschreibt einen Ingest-Endpunkt eines Containers.
type DataSource struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	CreatedAt   time.Time `json:"created_at"`
	ModifiedAt  time.Time `json:"modified_at" gorm:"autoUpdateTime"`
	ContainerID string    `json:"container_id" gorm:"index;not null"`
	Name        string    `json:"name"`
	AdapterType string    `json:"adapter_type" gorm:"not null;default:'standard'"`
	Active      bool      `json:"active" gorm:"default:true"`

	// Pfade, die beim Shape-Hashing ignoriert bzw. mit ihrem Wert einbezogen werden.
	StopNodes  pq.StringArray `json:"stop_nodes" gorm:"type:text[]"`
	ValueNodes pq.StringArray `json:"value_nodes" gorm:"type:text[]"`

	// 0 oder negativ = unbegrenzte Aufbewahrung
	DataRetentionDays int `json:"data_retention_days" gorm:"default:30"`

	Config datatypes.JSON `json:"config,omitempty" gorm:"type:jsonb"`
}

// TableName gibt explizit den Tabellennamen an.
func (DataSource) TableName() string {
	return "data_sources"
}
