package models

import (
	"time"

	"gorm.io/datatypes"
)

// Ereignistypen, die der Dienst auslöst.
const (
	EventDataImported = "data_imported"
	EventDataIngested = "data_ingested"
)

// Event ist ein Eintrag der Outbox-Tabelle für nachgelagerte Benachrichtigungen.
type Event struct {
	ID           uint           `json:"id" gorm:"primaryKey"`
	CreatedAt    time.Time      `json:"created_at"`
	ContainerID  string         `json:"container_id" gorm:"index"`
	DataSourceID *uint          `json:"data_source_id,omitempty"`
	Type         string         `json:"type" gorm:"not null"`
	Payload      datatypes.JSON `json:"payload,omitempty" gorm:"type:jsonb"`
}

func (Event) TableName() string {
	return "events"
}

// ContainerAlert ist ein Hinweis an die Betreiber eines Containers.
type ContainerAlert struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	CreatedAt    time.Time `json:"created_at"`
	ContainerID  string    `json:"container_id" gorm:"index"`
	Type         string    `json:"type"`
	Message      string    `json:"message" gorm:"type:text"`
	Acknowledged bool      `json:"acknowledged" gorm:"default:false"`
}

func (ContainerAlert) TableName() string {
	return "container_alerts"
}
