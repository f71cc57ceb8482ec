package ontology

import (
	"context"
	"fmt"
	"sort"

	"graphloom/models"
	"graphloom/transform"
)

// Memory ist ein Resolver über fest vorgegebene Ontologie-Daten, z.B. für Tests
// oder für Ontologie-Exporte, die ohne Datenbank geprüft werden sollen.
type Memory struct {
	Metatypes     []models.Metatype
	Keys          []models.MetatypeKey
	Relationships []models.MetatypeRelationship
	Pairs         []models.MetatypeRelationshipPair
	RelKeys       []models.MetatypeRelationshipKey
}

func (m *Memory) MetatypeKeys(_ context.Context, ids []uint) (map[uint]transform.KeyDefinition, error) {
	out := make(map[uint]transform.KeyDefinition)
	for _, id := range ids {
		for _, k := range m.Keys {
			if k.ID == id {
				out[id] = transform.KeyDefinition{ID: k.ID, PropertyName: k.PropertyName, DataType: k.DataType, Required: k.Required}
			}
		}
	}
	return out, nil
}

func (m *Memory) RelationshipKeys(_ context.Context, ids []uint) (map[uint]transform.KeyDefinition, error) {
	out := make(map[uint]transform.KeyDefinition)
	for _, id := range ids {
		for _, k := range m.RelKeys {
			if k.ID == id {
				out[id] = transform.KeyDefinition{ID: k.ID, PropertyName: k.PropertyName, DataType: k.DataType, Required: k.Required}
			}
		}
	}
	return out, nil
}

func (m *Memory) Metatype(_ context.Context, id uint) (*models.Metatype, error) {
	for i := range m.Metatypes {
		if m.Metatypes[i].ID == id {
			return &m.Metatypes[i], nil
		}
	}
	return nil, fmt.Errorf("%w: metatype %d", ErrNotFound, id)
}

func (m *Memory) MetatypeByName(_ context.Context, containerID string, versionID *uint, name string) (*models.Metatype, error) {
	var found *models.Metatype
	for i := range m.Metatypes {
		mt := &m.Metatypes[i]
		if mt.ContainerID == containerID && mt.Name == name && sameVersion(mt.OntologyVersionID, versionID) {
			if found == nil || mt.ID > found.ID {
				found = mt
			}
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: metatype with name %s", ErrNotFound, name)
	}
	return found, nil
}

func (m *Memory) KeysOfMetatype(_ context.Context, metatypeID uint) ([]models.MetatypeKey, error) {
	var out []models.MetatypeKey
	for _, k := range m.Keys {
		if k.MetatypeID == metatypeID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Pair(_ context.Context, id uint) (*models.MetatypeRelationshipPair, error) {
	for i := range m.Pairs {
		if m.Pairs[i].ID == id {
			return &m.Pairs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: relationship pair %d", ErrNotFound, id)
}

func (m *Memory) PairName(ctx context.Context, id uint) (string, error) {
	p, err := m.Pair(ctx, id)
	if err != nil {
		return "", err
	}
	o, err := m.Metatype(ctx, p.OriginMetatypeID)
	if err != nil {
		return "", err
	}
	d, err := m.Metatype(ctx, p.DestinationMetatypeID)
	if err != nil {
		return "", err
	}
	for _, r := range m.Relationships {
		if r.ID == p.RelationshipID {
			return FormatPairName(o.Name, r.Name, d.Name), nil
		}
	}
	return "", fmt.Errorf("%w: relationship %d", ErrNotFound, p.RelationshipID)
}

func (m *Memory) PairByName(ctx context.Context, containerID string, versionID *uint, name string) (*models.MetatypeRelationshipPair, error) {
	for i := range m.Pairs {
		p := &m.Pairs[i]
		if p.ContainerID != containerID || !sameVersion(p.OntologyVersionID, versionID) {
			continue
		}
		if n, err := m.PairName(ctx, p.ID); err == nil && n == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: relationship pair with name %s", ErrNotFound, name)
}

func (m *Memory) KeysOfPair(ctx context.Context, pairID uint) ([]models.MetatypeRelationshipKey, error) {
	p, err := m.Pair(ctx, pairID)
	if err != nil {
		return nil, err
	}
	var out []models.MetatypeRelationshipKey
	for _, k := range m.RelKeys {
		if k.RelationshipID == p.RelationshipID {
			out = append(out, k)
		}
	}
	return out, nil
}

func sameVersion(have, want *uint) bool {
	if want == nil {
		return true
	}
	return have != nil && *have == *want
}

var (
	_ Resolver = (*Memory)(nil)
	_ Resolver = (*GormResolver)(nil)
)
