// Package events schreibt Benachrichtigungen in eine Outbox-Tabelle.
package events

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"graphloom/models"
)

// Emitter löst Benachrichtigungen aus. Fehler werden nur protokolliert.
type Emitter interface {
	Emit(ctx context.Context, containerID string, dataSourceID *uint, eventType string, payload any)
	Alert(ctx context.Context, containerID, alertType, message string)
}

// GormEmitter schreibt Events und Container-Hinweise über gorm.
type GormEmitter struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// NewGormEmitter erstellt einen neuen GormEmitter.
func NewGormEmitter(db *gorm.DB, logger *zap.Logger) *GormEmitter {
	return &GormEmitter{DB: db, Logger: logger}
}

func (e *GormEmitter) Emit(ctx context.Context, containerID string, dataSourceID *uint, eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		e.Logger.Warn("Event-Payload nicht serialisierbar", zap.String("type", eventType), zap.Error(err))
		raw = nil
	}
	ev := models.Event{ContainerID: containerID, DataSourceID: dataSourceID, Type: eventType, Payload: raw}
	if err := e.DB.WithContext(ctx).Create(&ev).Error; err != nil {
		e.Logger.Warn("Event konnte nicht gespeichert werden", zap.String("type", eventType), zap.String("container_id", containerID), zap.Error(err))
	}
}

func (e *GormEmitter) Alert(ctx context.Context, containerID, alertType, message string) {
	alert := models.ContainerAlert{ContainerID: containerID, Type: alertType, Message: message}
	if err := e.DB.WithContext(ctx).Create(&alert).Error; err != nil {
		e.Logger.Warn("Container-Hinweis konnte nicht gespeichert werden", zap.String("container_id", containerID), zap.Error(err))
	}
}

// Nop verwirft alle Benachrichtigungen.
type Nop struct{}

func (Nop) Emit(context.Context, string, *uint, string, any) {}
func (Nop) Alert(context.Context, string, string, string) {}
