package mapping

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"graphloom/models"
)

// MemoryStore hält Mappings im Speicher und bildet die Semantik von GormStore nach.
type MemoryStore struct {
	mu        sync.Mutex
	nextID    uint
	clock     time.Time
	mappings  map[uint]*models.TypeMapping
	groupings []models.HashGrouping
}

// NewMemoryStore erstellt einen leeren MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clock:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		mappings: make(map[uint]*models.TypeMapping),
	}
}

func (s *MemoryStore) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *MemoryStore) id() uint {
	s.nextID++
	return s.nextID
}

func cloneMapping(m *models.TypeMapping) models.TypeMapping {
	c := *m
	if m.ShapeHash != nil {
		h := *m.ShapeHash
		c.ShapeHash = &h
	}
	c.Transformations = append([]models.TypeTransformation(nil), m.Transformations...)
	return c
}

func (s *MemoryStore) Upsert(_ context.Context, m *models.TypeMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.tick()
	for _, existing := range s.mappings {
		if existing.ShapeHash != nil && m.ShapeHash != nil && *existing.ShapeHash == *m.ShapeHash &&
			existing.ContainerID == m.ContainerID && existing.DataSourceID == m.DataSourceID {
			existing.ModifiedAt = now
			*m = cloneMapping(existing)
			return nil
		}
	}
	m.ID = s.id()
	m.CreatedAt, m.ModifiedAt = now, now
	c := cloneMapping(m)
	s.mappings[m.ID] = &c
	return nil
}

func (s *MemoryStore) FindByHashes(_ context.Context, containerID string, dataSourceID uint, hashes []string) ([]Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		want[h] = true
	}
	var out []Match
	for _, m := range s.mappings {
		if m.ContainerID == containerID && m.DataSourceID == dataSourceID && m.ShapeHash != nil && want[*m.ShapeHash] {
			out = append(out, Match{Hash: *m.ShapeHash, Mapping: cloneMapping(m)})
		}
	}
	for _, g := range s.groupings {
		m, ok := s.mappings[g.CanonicalMappingID]
		if !ok || !want[g.ShapeHash] || m.ShapeHash != nil || m.ContainerID != containerID || m.DataSourceID != dataSourceID {
			continue
		}
		out = append(out, Match{Hash: g.ShapeHash, Mapping: cloneMapping(m)})
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id uint) (*models.TypeMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[id]
	if !ok {
		return nil, fmt.Errorf("%w: type mapping %d", ErrNotFound, id)
	}
	c := cloneMapping(m)
	return &c, nil
}

func (s *MemoryStore) ListByContainer(_ context.Context, containerID string) ([]models.TypeMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TypeMapping
	for _, m := range s.mappings {
		if m.ContainerID == containerID {
			out = append(out, cloneMapping(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Group(_ context.Context, canonical models.TypeMapping, members []models.TypeMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := append([]models.TypeMapping{canonical}, members...)
	for _, m := range members {
		for i := range s.groupings {
			if s.groupings[i].CanonicalMappingID == m.ID {
				s.groupings[i].CanonicalMappingID = canonical.ID
			}
		}
		s.mappings[m.ID].Active = false
	}
	for _, m := range all {
		if m.ShapeHash != nil {
			s.groupings = append(s.groupings, models.HashGrouping{
				CanonicalMappingID:    canonical.ID,
				ContributingMappingID: m.ID,
				ShapeHash:             *m.ShapeHash,
			})
		}
		s.mappings[m.ID].ShapeHash = nil
	}
	return nil
}

func (s *MemoryStore) Create(_ context.Context, m *models.TypeMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.mappings {
		if existing.ShapeHash != nil && m.ShapeHash != nil && *existing.ShapeHash == *m.ShapeHash &&
			existing.ContainerID == m.ContainerID && existing.DataSourceID == m.DataSourceID {
			return fmt.Errorf("duplicate shape hash %s", *m.ShapeHash)
		}
	}
	now := s.tick()
	m.ID = s.id()
	m.CreatedAt, m.ModifiedAt = now, now
	for i := range m.Transformations {
		m.Transformations[i].ID = s.id()
		m.Transformations[i].TypeMappingID = m.ID
	}
	c := cloneMapping(m)
	s.mappings[m.ID] = &c
	return nil
}

func (s *MemoryStore) SaveTransformation(_ context.Context, t *models.TypeTransformation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[t.TypeMappingID]
	if !ok {
		return fmt.Errorf("%w: type mapping %d", ErrNotFound, t.TypeMappingID)
	}
	for i := range m.Transformations {
		if m.Transformations[i].ID == t.ID {
			m.Transformations[i] = *t
			return nil
		}
	}
	m.Transformations = append(m.Transformations, *t)
	return nil
}

func (s *MemoryStore) SetActive(_ context.Context, id uint, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[id]
	if !ok {
		return fmt.Errorf("%w: type mapping %d", ErrNotFound, id)
	}
	m.Active = active
	return nil
}

// Put legt ein Mapping direkt an und liefert seine ID.
func (s *MemoryStore) Put(m models.TypeMapping) uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.id()
	for i := range m.Transformations {
		if m.Transformations[i].ID == 0 {
			m.Transformations[i].ID = s.id()
		}
		m.Transformations[i].TypeMappingID = m.ID
	}
	c := cloneMapping(&m)
	s.mappings[m.ID] = &c
	return m.ID
}

var _ Store = (*MemoryStore)(nil)
