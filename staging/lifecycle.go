// Package staging verwaltet Imports und ihre Staging-Zeilen über den
// gesamten Verarbeitungszyklus.
package staging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"graphloom/events"
	"graphloom/models"
)

var (
	ErrNotFound           = errors.New("staging: not found")
	ErrInvalidTransition  = errors.New("staging: invalid import status transition")
	ErrImportHasData      = errors.New("staging: import still has staging records")
	ErrDataSourceInactive = errors.New("staging: data source is inactive")
)

// Erlaubte Statuswechsel. processing -> processing ist die erneute Verarbeitung.
var transitions = map[models.ImportStatus][]models.ImportStatus{
	models.ImportReady:      {models.ImportProcessing, models.ImportStopped},
	models.ImportProcessing: {models.ImportProcessing, models.ImportCompleted, models.ImportError, models.ImportStopped},
	models.ImportError:      {models.ImportProcessing, models.ImportStopped},
	models.ImportCompleted:  {models.ImportProcessing},
	models.ImportStopped:    {models.ImportProcessing},
}

// CanTransition meldet, ob der Wechsel von from nach to erlaubt ist.
func CanTransition(from, to models.ImportStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Purger entfernt die Graph-Ausgabe eines Imports.
type Purger interface {
	Purge(ctx context.Context, importID uint) error
}

// Lifecycle steuert Anlage, Statuswechsel, Neuverarbeitung und Löschung von Imports.
type Lifecycle struct {
	Store     Store
	Purger    Purger
	Events    events.Emitter
	Logger    *zap.Logger
	BatchSize int
	Now       func() time.Time
}

// NewLifecycle erstellt einen neuen Lifecycle.
func NewLifecycle(store Store, purger Purger, emitter events.Emitter, logger *zap.Logger, batchSize int) *Lifecycle {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Lifecycle{
		Store:     store,
		Purger:    purger,
		Events:    emitter,
		Logger:    logger,
		BatchSize: batchSize,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// Ingest legt einen Import im Status ready mit den übergebenen Zeilen an.
func (l *Lifecycle) Ingest(ctx context.Context, dataSourceID uint, reference string, rows []Row) (*models.Import, error) {
	ds, err := l.Store.DataSource(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}
	if !ds.Active {
		return nil, fmt.Errorf("%w: %d", ErrDataSourceInactive, ds.ID)
	}

	imp := &models.Import{
		DataSourceID: ds.ID,
		ContainerID:  ds.ContainerID,
		Reference:    reference,
		Status:       models.ImportReady,
	}
	if err := l.Store.CreateImport(ctx, imp, rows, l.BatchSize); err != nil {
		return nil, err
	}

	l.Logger.Info("Import angelegt",
		zap.Uint("import_id", imp.ID),
		zap.Uint("data_source_id", ds.ID),
		zap.String("container_id", ds.ContainerID),
		zap.Int("rows", len(rows)))
	l.Events.Emit(ctx, ds.ContainerID, &ds.ID, models.EventDataImported, map[string]any{
		"import_id": imp.ID,
		"rows":      len(rows),
	})
	return imp, nil
}

// Get liefert einen Import.
func (l *Lifecycle) Get(ctx context.Context, id uint) (*models.Import, error) {
	return l.Store.GetImport(ctx, id)
}

// Eligible liefert alle Imports, die verarbeitet werden dürfen.
func (l *Lifecycle) Eligible(ctx context.Context, maxRetries int, excludeContainers []string) ([]models.Import, error) {
	return l.Store.Eligible(ctx, maxRetries, excludeContainers)
}

func (l *Lifecycle) transition(ctx context.Context, imp *models.Import, to models.ImportStatus, message string) error {
	if !CanTransition(imp.Status, to) {
		return fmt.Errorf("%w: %s -> %s (import %d)", ErrInvalidTransition, imp.Status, to, imp.ID)
	}
	imp.Status = to
	imp.StatusMessage = message
	if err := l.Store.SaveImport(ctx, imp); err != nil {
		return err
	}
	if to.Terminal() {
		l.Events.Emit(ctx, imp.ContainerID, &imp.DataSourceID, models.EventDataIngested, map[string]any{
			"import_id": imp.ID,
			"status":    to,
		})
	}
	return nil
}

// Start markiert den Beginn eines Durchlaufs.
func (l *Lifecycle) Start(ctx context.Context, imp *models.Import) error {
	now := l.Now()
	imp.ProcessStart = &now
	imp.ProcessEnd = nil
	return l.transition(ctx, imp, models.ImportProcessing, "")
}

// Finish schließt einen fehlerfreien Durchlauf ab. Bleiben Zeilen offen, gilt
// der Durchlauf als Fehlversuch und attempts wird erhöht.
func (l *Lifecycle) Finish(ctx context.Context, imp *models.Import, unsettled int64) error {
	now := l.Now()
	imp.ProcessEnd = &now
	if unsettled > 0 {
		imp.Attempts++
		return l.transition(ctx, imp, models.ImportError, fmt.Sprintf("%d records could not be processed", unsettled))
	}
	return l.transition(ctx, imp, models.ImportCompleted, "")
}

// Fail markiert einen durch einen Infrastrukturfehler abgebrochenen Durchlauf.
func (l *Lifecycle) Fail(ctx context.Context, imp *models.Import, cause error) error {
	now := l.Now()
	imp.ProcessEnd = &now
	imp.Attempts++
	return l.transition(ctx, imp, models.ImportError, cause.Error())
}

// Stop beendet einen Import endgültig; er wird nicht mehr eingeplant.
func (l *Lifecycle) Stop(ctx context.Context, importID uint) (*models.Import, error) {
	imp, err := l.Store.GetImport(ctx, importID)
	if err != nil {
		return nil, err
	}
	now := l.Now()
	imp.ProcessEnd = &now
	if err := l.transition(ctx, imp, models.ImportStopped, "stopped by operator"); err != nil {
		return nil, err
	}
	return imp, nil
}

// Reprocess setzt einen Import zur sofortigen Neuverarbeitung zurück: Graph-Ausgabe
// löschen, Marker und Fehler leeren, Status processing. Der Aufrufer startet den Durchlauf.
func (l *Lifecycle) Reprocess(ctx context.Context, importID uint) (*models.Import, error) {
	imp, err := l.Store.GetImport(ctx, importID)
	if err != nil {
		return nil, err
	}
	if err := l.Purger.Purge(ctx, importID); err != nil {
		return nil, err
	}
	if err := l.Store.ResetRows(ctx, importID); err != nil {
		return nil, err
	}
	now := l.Now()
	imp.ProcessStart = &now
	imp.ProcessEnd = nil
	if err := l.transition(ctx, imp, models.ImportProcessing, "reprocessing"); err != nil {
		return nil, err
	}
	l.Logger.Info("Import wird neu verarbeitet", zap.Uint("import_id", importID), zap.String("container_id", imp.ContainerID))
	return imp, nil
}

// Delete löscht einen Import. Solange Zeilen existieren, nur mit withData.
func (l *Lifecycle) Delete(ctx context.Context, importID uint, withData bool) error {
	if !withData {
		n, err := l.Store.CountRows(ctx, importID)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: import %d has %d rows", ErrImportHasData, importID, n)
		}
	}
	return l.Store.DeleteImport(ctx, importID)
}

// Expired liefert höchstens limit Zeilen, deren Aufbewahrungsfrist abgelaufen ist.
func (l *Lifecycle) Expired(ctx context.Context, limit int) ([]models.StagingRecord, error) {
	return l.Store.Expired(ctx, l.Now(), limit)
}

// DeleteRows löscht Staging-Zeilen, z.B. nach der Archivierung.
func (l *Lifecycle) DeleteRows(ctx context.Context, ids []uint) error {
	return l.Store.DeleteRows(ctx, ids)
}
