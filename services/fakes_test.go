package services

import (
	"context"
	"errors"
	"sync"

	"graphloom/graph"
	"graphloom/models"
)

// memWriter bildet Staging und Veröffentlichung des Graphen im Speicher nach.
type memWriter struct {
	mu          sync.Mutex
	stagedNodes []models.Node
	stagedEdges []models.Edge
	nodes       []models.Node
	edges       []models.Edge
	publishErr  error
}

func (w *memWriter) StageNodes(_ context.Context, nodes []models.Node) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stagedNodes = append(w.stagedNodes, nodes...)
	return nil
}

func (w *memWriter) StageEdges(_ context.Context, edges []models.Edge) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stagedEdges = append(w.stagedEdges, edges...)
	return nil
}

func inImports(id uint, ids []uint) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}

func (w *memWriter) PublishNodes(_ context.Context, importIDs []uint) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.publishErr != nil {
		return 0, w.publishErr
	}
	var n int64
	var rest []models.Node
	for _, staged := range w.stagedNodes {
		if !inImports(staged.ImportDataID, importIDs) {
			rest = append(rest, staged)
			continue
		}
		replaced := false
		for i, existing := range w.nodes {
			if staged.OriginalDataID != nil && existing.OriginalDataID != nil &&
				*staged.OriginalDataID == *existing.OriginalDataID &&
				staged.MetatypeID == existing.MetatypeID && staged.DataSourceID == existing.DataSourceID {
				staged.ID = existing.ID
				w.nodes[i] = staged
				replaced = true
			}
		}
		if !replaced {
			w.nodes = append(w.nodes, staged)
		}
		n++
	}
	w.stagedNodes = rest
	return n, nil
}

func (w *memWriter) PublishEdges(_ context.Context, importIDs []uint) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.publishErr != nil {
		return 0, w.publishErr
	}
	var n int64
	var rest []models.Edge
	for _, e := range w.stagedEdges {
		if inImports(e.ImportDataID, importIDs) {
			w.edges = append(w.edges, e)
			n++
		} else {
			rest = append(rest, e)
		}
	}
	w.stagedEdges = rest
	return n, nil
}

func (w *memWriter) DiscardStaged(_ context.Context, importIDs []uint) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var nodes []models.Node
	for _, n := range w.stagedNodes {
		if !inImports(n.ImportDataID, importIDs) {
			nodes = append(nodes, n)
		}
	}
	var edges []models.Edge
	for _, e := range w.stagedEdges {
		if !inImports(e.ImportDataID, importIDs) {
			edges = append(edges, e)
		}
	}
	w.stagedNodes, w.stagedEdges = nodes, edges
	return nil
}

func (w *memWriter) Purge(_ context.Context, importID uint) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var nodes []models.Node
	for _, n := range w.nodes {
		if n.ImportDataID != importID {
			nodes = append(nodes, n)
		}
	}
	var edges []models.Edge
	for _, e := range w.edges {
		if e.ImportDataID != importID {
			edges = append(edges, e)
		}
	}
	w.nodes, w.edges = nodes, edges
	return nil
}

func (w *memWriter) published() ([]models.Node, []models.Edge) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]models.Node(nil), w.nodes...), append([]models.Edge(nil), w.edges...)
}

// memSnapshots baut den Snapshot aus den veröffentlichten Knoten des memWriter.
type memSnapshots struct {
	writer *memWriter
}

func (s memSnapshots) Generate(_ context.Context, containerID string) (*graph.Snapshot, error) {
	nodes, _ := s.writer.published()
	snap := graph.NewSnapshot()
	for _, n := range nodes {
		if n.ContainerID != containerID {
			continue
		}
		if err := snap.Add(n); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

type countingAttacher struct {
	mu      sync.Mutex
	imports []uint
}

func (a *countingAttacher) Attach(_ context.Context, importID uint) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.imports = append(a.imports, importID)
	return errors.New("tags table unavailable")
}

var (
	_ graph.Writer            = (*memWriter)(nil)
	_ graph.SnapshotGenerator = memSnapshots{}
	_ graph.Attacher          = (*countingAttacher)(nil)
)
