package staging

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"graphloom/models"
)

// MemoryStore hält Imports und Zeilen im Speicher. Resolvable entscheidet, ob
// ein Shape-Hash von einem aktiven Mapping aufgelöst wird; nil heißt immer.
type MemoryStore struct {
	mu          sync.Mutex
	nextID      uint
	clock       time.Time
	DataSources map[uint]models.DataSource
	Imports     map[uint]*models.Import
	Rows        map[uint]*models.StagingRecord
	Tags        []models.StagingTag
	Files       []models.StagingFile
	Resolvable  func(rec models.StagingRecord) bool
}

// NewMemoryStore erstellt einen leeren MemoryStore.
func NewMemoryStore(sources ...models.DataSource) *MemoryStore {
	s := &MemoryStore{
		clock:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DataSources: make(map[uint]models.DataSource),
		Imports:     make(map[uint]*models.Import),
		Rows:        make(map[uint]*models.StagingRecord),
	}
	for _, ds := range sources {
		s.DataSources[ds.ID] = ds
	}
	return s
}

func (s *MemoryStore) id() uint {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *MemoryStore) DataSource(_ context.Context, id uint) (*models.DataSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.DataSources[id]
	if !ok {
		return nil, fmt.Errorf("%w: data source %d", ErrNotFound, id)
	}
	return &ds, nil
}

func (s *MemoryStore) CreateImport(_ context.Context, imp *models.Import, rows []Row, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	imp.ID = s.id()
	imp.CreatedAt = s.tick()
	c := *imp
	s.Imports[imp.ID] = &c
	for _, r := range rows {
		rec := &models.StagingRecord{
			ID:           s.id(),
			CreatedAt:    s.clock,
			ImportID:     imp.ID,
			DataSourceID: imp.DataSourceID,
			ContainerID:  imp.ContainerID,
			Data:         r.Data,
		}
		s.Rows[rec.ID] = rec
		for _, t := range r.TagIDs {
			s.Tags = append(s.Tags, models.StagingTag{StagingID: rec.ID, TagID: t})
		}
		for _, f := range r.FileIDs {
			s.Files = append(s.Files, models.StagingFile{StagingID: rec.ID, FileID: f})
		}
	}
	return nil
}

func (s *MemoryStore) GetImport(_ context.Context, id uint) (*models.Import, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	imp, ok := s.Imports[id]
	if !ok {
		return nil, fmt.Errorf("%w: import %d", ErrNotFound, id)
	}
	c := *imp
	return &c, nil
}

func (s *MemoryStore) SaveImport(_ context.Context, imp *models.Import) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Imports[imp.ID]; !ok {
		return fmt.Errorf("%w: import %d", ErrNotFound, imp.ID)
	}
	c := *imp
	s.Imports[imp.ID] = &c
	return nil
}

func (s *MemoryStore) unsettled(rec *models.StagingRecord) bool {
	if rec.Settled() {
		return false
	}
	if rec.ShapeHash == nil || s.Resolvable == nil {
		return true
	}
	return s.Resolvable(*rec)
}

func (s *MemoryStore) Eligible(_ context.Context, maxRetries int, excludeContainers []string) ([]models.Import, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Import
	for _, imp := range s.Imports {
		if imp.Status == models.ImportStopped || imp.Attempts >= maxRetries || slices.Contains(excludeContainers, imp.ContainerID) {
			continue
		}
		for _, rec := range s.Rows {
			if rec.ImportID == imp.ID && s.unsettled(rec) {
				out = append(out, *imp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Unsettled(_ context.Context, importID uint) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.Rows {
		if rec.ImportID == importID && s.unsettled(rec) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountRows(_ context.Context, importID uint) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.Rows {
		if rec.ImportID == importID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ResetRows(_ context.Context, importID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.Rows {
		if rec.ImportID == importID {
			rec.InsertedAt, rec.NodesProcessedAt, rec.EdgesProcessedAt = nil, nil, nil
			rec.Errors = nil
		}
	}
	return nil
}

func (s *MemoryStore) DeleteImport(_ context.Context, importID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Imports[importID]; !ok {
		return fmt.Errorf("%w: import %d", ErrNotFound, importID)
	}
	for id, rec := range s.Rows {
		if rec.ImportID == importID {
			delete(s.Rows, id)
		}
	}
	delete(s.Imports, importID)
	return nil
}

func (s *MemoryStore) Expired(_ context.Context, now time.Time, limit int) ([]models.StagingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.StagingRecord
	for _, rec := range s.sortedRows() {
		ds, ok := s.DataSources[rec.DataSourceID]
		if !ok || ds.DataRetentionDays <= 0 {
			continue
		}
		if rec.CreatedAt.Before(now.AddDate(0, 0, -ds.DataRetentionDays)) {
			out = append(out, *rec)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteRows(_ context.Context, ids []uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.Rows, id)
	}
	return nil
}

func (s *MemoryStore) sortedRows() []*models.StagingRecord {
	out := make([]*models.StagingRecord, 0, len(s.Rows))
	for _, rec := range s.Rows {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) StreamRows(ctx context.Context, importID uint, pass Pass, fn func(models.StagingRecord) error) error {
	s.mu.Lock()
	var batch []models.StagingRecord
	for _, rec := range s.sortedRows() {
		if rec.ImportID != importID {
			continue
		}
		switch pass {
		case NodePass:
			if rec.NodesProcessedAt != nil {
				continue
			}
		case EdgePass:
			if rec.NodesProcessedAt == nil || rec.EdgesProcessedAt != nil {
				continue
			}
		}
		batch = append(batch, *rec)
	}
	s.mu.Unlock()

	for _, rec := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) SaveShapeHashes(_ context.Context, hashes map[uint]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, h := range hashes {
		if rec, ok := s.Rows[id]; ok {
			hash := h
			rec.ShapeHash = &hash
		}
	}
	return nil
}

func (s *MemoryStore) MarkNodesProcessed(_ context.Context, ids []uint, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if rec, ok := s.Rows[id]; ok {
			t := at
			rec.NodesProcessedAt = &t
			rec.Errors = nil
		}
	}
	return nil
}

func (s *MemoryStore) MarkEdgesProcessed(_ context.Context, ids []uint, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if rec, ok := s.Rows[id]; ok {
			t := at
			rec.EdgesProcessedAt = &t
			rec.InsertedAt = &t
		}
	}
	return nil
}

func (s *MemoryStore) SetErrors(_ context.Context, id uint, errs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.Rows[id]; ok {
		rec.Errors = append([]string(nil), errs...)
	}
	return nil
}

func (s *MemoryStore) AppendErrors(_ context.Context, id uint, errs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.Rows[id]; ok {
		for _, e := range uniqueStrings(errs) {
			if !slices.Contains(rec.Errors, e) {
				rec.Errors = append(rec.Errors, e)
			}
		}
	}
	return nil
}

func (s *MemoryStore) ActiveDataSources(_ context.Context, adapterType string) ([]models.DataSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DataSource
	for _, ds := range s.DataSources {
		if ds.Active && ds.AdapterType == adapterType {
			out = append(out, ds)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) LastImport(_ context.Context, dataSourceID uint) (*models.Import, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *models.Import
	for _, imp := range s.Imports {
		if imp.DataSourceID != dataSourceID {
			continue
		}
		if last == nil || imp.CreatedAt.After(last.CreatedAt) || (imp.CreatedAt.Equal(last.CreatedAt) && imp.ID > last.ID) {
			last = imp
		}
	}
	if last == nil {
		return nil, nil
	}
	c := *last
	return &c, nil
}

// Row liefert eine Kopie der Zeile id.
func (s *MemoryStore) Row(id uint) (models.StagingRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.Rows[id]
	if !ok {
		return models.StagingRecord{}, false
	}
	return *rec, true
}

// RowsOf liefert Kopien aller Zeilen eines Imports, sortiert nach ID.
func (s *MemoryStore) RowsOf(importID uint) []models.StagingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.StagingRecord
	for _, rec := range s.sortedRows() {
		if rec.ImportID == importID {
			out = append(out, *rec)
		}
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
