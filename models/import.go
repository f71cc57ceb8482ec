package models

import "time"

// ImportStatus ist der Verarbeitungsstatus eines Imports.
type ImportStatus string

const (
	ImportReady      ImportStatus = "ready"
	ImportProcessing ImportStatus = "processing"
	ImportError      ImportStatus = "error"
	ImportStopped    ImportStatus = "stopped"
	ImportCompleted  ImportStatus = "completed"
)

// Terminal meldet, ob der Status einen Abschluss des Imports bedeutet.
func (s ImportStatus) Terminal() bool {
	return s == ImportCompleted || s == ImportStopped
}

// Import ist ein zusammenhängender Ingest-Batch einer DataSource.
type Import struct {
	ID            uint         `json:"id" gorm:"primaryKey"`
	CreatedAt     time.Time    `json:"created_at" gorm:"index"`
	ModifiedAt    time.Time    `json:"modified_at" gorm:"autoUpdateTime"`
	DataSourceID  uint         `json:"data_source_id" gorm:"index;not null"`
	ContainerID   string       `json:"container_id" gorm:"index;not null"`
	Reference     string       `json:"reference,omitempty"`
	Status        ImportStatus `json:"status" gorm:"not null;default:'ready'"`
	StatusMessage string       `json:"status_message,omitempty" gorm:"type:text"`
	Attempts      int          `json:"attempts" gorm:"not null;default:0"`
	ProcessStart  *time.Time   `json:"process_start,omitempty"`
	ProcessEnd    *time.Time   `json:"process_end,omitempty"`
}

// TableName gibt explizit den Tabellennamen an.
func (Import) TableName() string {
	return "imports"
}
