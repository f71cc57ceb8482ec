package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"graphloom/models"
	"graphloom/transform"
)

type snapshotNode struct {
	id           uuid.UUID
	metatypeID   uint
	dataSourceID uint
	originalID   string
	properties   map[string]any
}

// Snapshot ist ein Index über die Knoten eines Containers, gültig für einen
// Kantendurchlauf. Er löst Original-IDs und Parameterlisten auf Knoten-IDs auf.
type Snapshot struct {
	nodes      []snapshotNode
	byOriginal map[string][]int
}

// NewSnapshot erstellt einen leeren Snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{byOriginal: make(map[string][]int)}
}

// Add nimmt einen Knoten in den Index auf.
func (s *Snapshot) Add(n models.Node) error {
	sn := snapshotNode{id: n.ID, metatypeID: n.MetatypeID, dataSourceID: n.DataSourceID}
	if n.OriginalDataID != nil {
		sn.originalID = *n.OriginalDataID
	}
	if len(n.Properties) > 0 {
		dec := json.NewDecoder(bytes.NewReader(n.Properties))
		dec.UseNumber()
		if err := dec.Decode(&sn.properties); err != nil {
			return fmt.Errorf("decode properties of node %s: %w", n.ID, err)
		}
	}
	s.nodes = append(s.nodes, sn)
	if sn.originalID != "" {
		s.byOriginal[sn.originalID] = append(s.byOriginal[sn.originalID], len(s.nodes)-1)
	}
	return nil
}

// Len liefert die Anzahl indizierter Knoten.
func (s *Snapshot) Len() int {
	return len(s.nodes)
}

// Resolve liefert alle Knoten, die zum Endpunkt passen. Ist eine Original-ID
// gesetzt, wird über sie gesucht, sonst über die Parameter.
func (s *Snapshot) Resolve(ep transform.Endpoint) []uuid.UUID {
	var candidates []int
	switch {
	case ep.OriginalID != nil:
		candidates = s.byOriginal[*ep.OriginalID]
	case len(ep.Parameters) > 0:
		candidates = s.candidatesFor(ep.Parameters)
	default:
		return nil
	}

	var out []uuid.UUID
	for _, i := range candidates {
		n := &s.nodes[i]
		if ep.MetatypeID != nil && n.metatypeID != *ep.MetatypeID {
			continue
		}
		if ep.DataSourceID != nil && n.dataSourceID != *ep.DataSourceID {
			continue
		}
		if !n.matches(ep.Parameters) {
			continue
		}
		out = append(out, n.id)
	}
	return out
}

// candidatesFor nutzt einen original_id-Parameter mit Gleichheit als Vorfilter.
func (s *Snapshot) candidatesFor(params []models.EdgeParameter) []int {
	for _, p := range params {
		if p.Type == models.ParamOriginalID && (p.Operator == "" || p.Operator == transform.OpEqual) && p.Value != nil {
			return s.byOriginal[transform.KeyString(p.Value)]
		}
	}
	all := make([]int, len(s.nodes))
	for i := range all {
		all[i] = i
	}
	return all
}

func (n *snapshotNode) matches(params []models.EdgeParameter) bool {
	for _, p := range params {
		var actual any
		switch p.Type {
		case models.ParamDataSource:
			actual = n.dataSourceID
		case models.ParamMetatypeID:
			actual = n.metatypeID
		case models.ParamOriginalID:
			if n.originalID == "" {
				return false
			}
			actual = n.originalID
		case models.ParamID:
			actual = n.id.String()
		case models.ParamProperty:
			actual = n.properties[p.Property]
		default:
			return false
		}
		if !transform.ParameterMatches(p, actual) {
			return false
		}
	}
	return true
}

// SnapshotGenerator baut den Snapshot eines Containers aus der Knotentabelle.
type SnapshotGenerator interface {
	Generate(ctx context.Context, containerID string) (*Snapshot, error)
}

// GormSnapshotGenerator liest die Knoten zeilenweise über einen Cursor.
type GormSnapshotGenerator struct {
	DB *gorm.DB
}

// NewGormSnapshotGenerator erstellt einen neuen GormSnapshotGenerator.
func NewGormSnapshotGenerator(db *gorm.DB) *GormSnapshotGenerator {
	return &GormSnapshotGenerator{DB: db}
}

func (g *GormSnapshotGenerator) Generate(ctx context.Context, containerID string) (*Snapshot, error) {
	rows, err := g.DB.WithContext(ctx).
		Model(&models.Node{}).
		Select("id, metatype_id, data_source_id, original_data_id, properties").
		Where("container_id = ?", containerID).
		Rows()
	if err != nil {
		return nil, fmt.Errorf("query nodes for snapshot: %w", err)
	}
	defer rows.Close()

	snap := NewSnapshot()
	for rows.Next() {
		var n models.Node
		if err := rows.Scan(&n.ID, &n.MetatypeID, &n.DataSourceID, &n.OriginalDataID, &n.Properties); err != nil {
			return nil, fmt.Errorf("scan node for snapshot: %w", err)
		}
		if err := snap.Add(n); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read nodes for snapshot: %w", err)
	}
	return snap, nil
}

var _ transform.NodeIndex = (*Snapshot)(nil)
