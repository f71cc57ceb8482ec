package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"graphloom/config"
	"graphloom/events"
	"graphloom/mapping"
	"graphloom/models"
	"graphloom/ontology"
	"graphloom/shapehash"
	"graphloom/staging"
)

func uintPtr(v uint) *uint { return &v }

func strPtr(v string) *string { return &v }

type harness struct {
	processor *Processor
	lifecycle *staging.Lifecycle
	rows      *staging.MemoryStore
	mappings  *mapping.MemoryStore
	dir       *mapping.Directory
	writer    *memWriter
	attacher  *countingAttacher
	metrics   *Metrics
}

func sensorOntology() *ontology.Memory {
	return &ontology.Memory{
		Metatypes: []models.Metatype{
			{ID: 1, ContainerID: "c1", Name: "Sensor"},
			{ID: 2, ContainerID: "c1", Name: "Room"},
		},
		Keys: []models.MetatypeKey{
			{ID: 1, MetatypeID: 1, Name: "Name", PropertyName: "name", DataType: "string", Required: true},
			{ID: 2, MetatypeID: 1, Name: "Temperature", PropertyName: "temperature", DataType: "number"},
			{ID: 3, MetatypeID: 2, Name: "Name", PropertyName: "name", DataType: "string", Required: true},
		},
		Relationships: []models.MetatypeRelationship{{ID: 10, ContainerID: "c1", Name: "located in"}},
		Pairs: []models.MetatypeRelationshipPair{
			{ID: 20, ContainerID: "c1", OriginMetatypeID: 1, DestinationMetatypeID: 2, RelationshipID: 10},
		},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := &config.Config{
		MaxImportRetries: 3,
		TransformWorkers: 3,
		StreamBuffer:     2,
		BulkBatchSize:    2,
	}
	logger := zap.NewNop()
	resolver := sensorOntology()

	mappings := mapping.NewMemoryStore()
	dir := mapping.NewDirectory(mappings, resolver, events.Nop{}, logger)

	rows := staging.NewMemoryStore(models.DataSource{ID: 1, ContainerID: "c1", Active: true})
	rows.Resolvable = func(rec models.StagingRecord) bool {
		resolved, err := dir.Resolve(context.Background(), rec.ContainerID, rec.DataSourceID, []string{*rec.ShapeHash})
		if err != nil {
			return true
		}
		m := resolved[*rec.ShapeHash]
		return m != nil && m.Active && len(m.LiveTransformations()) > 0
	}

	writer := &memWriter{}
	lifecycle := staging.NewLifecycle(rows, writer, events.Nop{}, logger, 10)
	attacher := &countingAttacher{}
	metrics := NewMetrics(prometheus.NewRegistry())

	p := NewProcessor(cfg, lifecycle, dir, resolver, writer, memSnapshots{writer}, attacher, metrics, logger)
	return &harness{
		processor: p,
		lifecycle: lifecycle,
		rows:      rows,
		mappings:  mappings,
		dir:       dir,
		writer:    writer,
		attacher:  attacher,
		metrics:   metrics,
	}
}

func hashOf(t *testing.T, payload string) string {
	t.Helper()
	h, err := shapehash.HashJSON([]byte(payload), shapehash.Options{})
	require.NoError(t, err)
	return h
}

// sensorMapping legt ein aktives Mapping mit zwei Knoten- und einer Kanten-Transformation an.
func (h *harness) sensorMapping(t *testing.T, sample string) uint {
	return h.mappings.Put(models.TypeMapping{
		ContainerID:  "c1",
		DataSourceID: 1,
		ShapeHash:    strPtr(hashOf(t, sample)),
		Active:       true,
		Transformations: []models.TypeTransformation{
			{
				ContainerID:         "c1",
				Type:                models.TransformationNode,
				MetatypeID:          uintPtr(1),
				UniqueIdentifierKey: "id",
				Keys: []models.KeyMapping{
					{SourcePath: "name", DestinationKeyID: uintPtr(1)},
					{SourcePath: "temp", DestinationKeyID: uintPtr(2)},
				},
			},
			{
				ContainerID:         "c1",
				Type:                models.TransformationNode,
				MetatypeID:          uintPtr(2),
				UniqueIdentifierKey: "room",
				Keys:                []models.KeyMapping{{SourcePath: "room", DestinationKeyID: uintPtr(3)}},
			},
			{
				ContainerID:           "c1",
				Type:                  models.TransformationEdge,
				RelationshipPairID:    uintPtr(20),
				OriginIDKey:           "id",
				OriginMetatypeID:      uintPtr(1),
				DestinationIDKey:      "room",
				DestinationMetatypeID: uintPtr(2),
			},
		},
	})
}

func ingest(t *testing.T, h *harness, payloads ...string) *models.Import {
	t.Helper()
	rows := make([]staging.Row, 0, len(payloads))
	for _, p := range payloads {
		rows = append(rows, staging.Row{Data: datatypes.JSON(p)})
	}
	imp, err := h.lifecycle.Ingest(context.Background(), 1, "test", rows)
	require.NoError(t, err)
	return imp
}

func (h *harness) run(t *testing.T, imp *models.Import) *models.Import {
	t.Helper()
	require.NoError(t, h.processor.RunPass(context.Background(), TenantBatch{ContainerID: imp.ContainerID, ImportIDs: []uint{imp.ID}}))
	got, err := h.lifecycle.Get(context.Background(), imp.ID)
	require.NoError(t, err)
	return got
}

func TestProcessorBuildsNodesThenEdges(t *testing.T) {
	h := newHarness(t)
	h.sensorMapping(t, `{"id":"s1","name":"T1","temp":21.5,"room":"r1"}`)

	imp := ingest(t, h,
		`{"id":"s1","name":"T1","temp":21.5,"room":"r1"}`,
		`{"id":"s2","name":"T2","temp":19,"room":"r2"}`,
		`{"id":"s3","name":"T3","temp":20,"room":"r1"}`,
	)
	got := h.run(t, imp)

	assert.Equal(t, models.ImportCompleted, got.Status)
	assert.Equal(t, 0, got.Attempts)

	nodes, edges := h.writer.published()
	assert.Len(t, nodes, 5, "drei Sensoren, r1 wird zusammengeführt")
	require.Len(t, edges, 3)

	byID := make(map[string]models.Node)
	for _, n := range nodes {
		byID[n.ID.String()] = n
	}
	for _, e := range edges {
		origin, dest := byID[e.OriginID.String()], byID[e.DestinationID.String()]
		assert.Equal(t, uint(1), origin.MetatypeID)
		assert.Equal(t, uint(2), dest.MetatypeID)
		assert.Equal(t, uint(20), e.RelationshipPairID)
	}

	for _, r := range h.rows.RowsOf(imp.ID) {
		assert.True(t, r.Settled(), "row %d", r.ID)
		assert.Empty(t, r.Errors)
		require.NotNil(t, r.ShapeHash)
	}
	assert.Equal(t, []uint{imp.ID}, h.attacher.imports)
	assert.Equal(t, float64(3), testutil.ToFloat64(h.metrics.RowsProcessed.WithLabelValues("nodes")))
	assert.Equal(t, float64(3), testutil.ToFloat64(h.metrics.EdgesPublished))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.ImportsFinished.WithLabelValues("completed")))
}

func TestProcessorRecordsUnknownShape(t *testing.T) {
	h := newHarness(t)
	h.sensorMapping(t, `{"id":"s1","name":"T1","temp":21.5,"room":"r1"}`)

	unknown := []string{`{"unexpected":true}`, `{"serial":"x-1","rpm":1200}`}
	imp := ingest(t, h,
		`{"id":"s1","name":"T1","temp":21.5,"room":"r1"}`,
		unknown[0],
		unknown[1],
	)
	got := h.run(t, imp)
	assert.Equal(t, models.ImportCompleted, got.Status)

	rows := h.rows.RowsOf(imp.ID)
	require.Len(t, rows, 3)
	assert.True(t, rows[0].Settled())
	for _, r := range rows[1:] {
		assert.Nil(t, r.NodesProcessedAt)
		assert.Equal(t, []string{errNoActiveMapping}, []string(r.Errors))
	}

	for _, payload := range unknown {
		hash := hashOf(t, payload)
		resolved, err := h.dir.Resolve(context.Background(), "c1", 1, []string{hash})
		require.NoError(t, err)
		require.NotNil(t, resolved[hash], "für jede neue Struktur entsteht ein inaktives Mapping")
		assert.False(t, resolved[hash].Active)
		assert.JSONEq(t, payload, string(resolved[hash].SamplePayload))
	}
	all, err := h.mappings.ListByContainer(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.MappingsCreated))
}

func TestProcessorIsolatesRowErrors(t *testing.T) {
	h := newHarness(t)
	h.sensorMapping(t, `{"id":"s1","name":"T1","temp":21.5,"room":"r1"}`)

	imp := ingest(t, h,
		`{"id":"s1","name":"T1","temp":21.5,"room":"r1"}`,
		`{"id":"s2","name":"null","temp":1,"room":"r2"}`,
		`{"id":"s3","name":"T3","temp":3,"room":"r9"}`,
	)
	got := h.run(t, imp)

	assert.Equal(t, models.ImportError, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.StatusMessage, "1 records")

	rows := h.rows.RowsOf(imp.ID)
	assert.True(t, rows[0].Settled())
	assert.True(t, rows[2].Settled())
	assert.Nil(t, rows[1].NodesProcessedAt)
	require.NotEmpty(t, rows[1].Errors)
	assert.Contains(t, rows[1].Errors[0], "unable to apply transformation")
	assert.Contains(t, rows[1].Errors[0], "(required)")
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.RowErrors.WithLabelValues("nodes")))

	nodes, edges := h.writer.published()
	assert.Len(t, nodes, 4)
	assert.Len(t, edges, 2)
}

func TestProcessorMarksEdgeFailuresOnRow(t *testing.T) {
	h := newHarness(t)
	sample := `{"id":"s1","name":"T1","room":"r1"}`
	h.mappings.Put(models.TypeMapping{
		ContainerID:  "c1",
		DataSourceID: 1,
		ShapeHash:    strPtr(hashOf(t, sample)),
		Active:       true,
		Transformations: []models.TypeTransformation{
			{
				ContainerID:         "c1",
				Type:                models.TransformationNode,
				MetatypeID:          uintPtr(1),
				UniqueIdentifierKey: "id",
				Keys:                []models.KeyMapping{{SourcePath: "name", DestinationKeyID: uintPtr(1)}},
			},
			{
				ContainerID:           "c1",
				Type:                  models.TransformationEdge,
				RelationshipPairID:    uintPtr(20),
				OriginIDKey:           "id",
				DestinationIDKey:      "room",
				DestinationMetatypeID: uintPtr(2),
			},
		},
	})

	imp := ingest(t, h, sample)
	got := h.run(t, imp)
	assert.Equal(t, models.ImportError, got.Status)

	rows := h.rows.RowsOf(imp.ID)
	require.Len(t, rows, 1)
	assert.NotNil(t, rows[0].NodesProcessedAt)
	assert.Nil(t, rows[0].EdgesProcessedAt)
	require.Len(t, rows[0].Errors, 1)
	assert.Contains(t, rows[0].Errors[0], "unable to resolve destination node")

	nodes, edges := h.writer.published()
	assert.Len(t, nodes, 1)
	assert.Empty(t, edges)

	// ein weiterer Versuch wiederholt nur den Kantendurchlauf
	got = h.run(t, got)
	assert.Equal(t, 2, got.Attempts)
	rows = h.rows.RowsOf(imp.ID)
	assert.Len(t, rows[0].Errors, 1, "gleiche Kantenfehler werden nicht erneut angehängt")
}

func TestProcessorFailsImportOnInfrastructureError(t *testing.T) {
	h := newHarness(t)
	h.sensorMapping(t, `{"id":"s1","name":"T1","temp":21.5,"room":"r1"}`)
	h.writer.publishErr = errors.New("connection reset by peer")

	imp := ingest(t, h, `{"id":"s1","name":"T1","temp":21.5,"room":"r1"}`)
	got := h.run(t, imp)

	assert.Equal(t, models.ImportError, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.StatusMessage, "connection reset by peer")
	assert.Nil(t, h.rows.RowsOf(imp.ID)[0].NodesProcessedAt)
}

func TestRetryBoundExcludesImport(t *testing.T) {
	h := newHarness(t)
	h.sensorMapping(t, `{"id":"s1","name":"T1","temp":21.5,"room":"r1"}`)
	h.writer.publishErr = errors.New("database unavailable")
	imp := ingest(t, h, `{"id":"s1","name":"T1","temp":21.5,"room":"r1"}`)
	ctx := context.Background()

	for i := 1; i <= h.processor.Config.MaxImportRetries; i++ {
		eligible, err := h.lifecycle.Eligible(ctx, h.processor.Config.MaxImportRetries, nil)
		require.NoError(t, err)
		require.Len(t, eligible, 1, "Versuch %d", i)
		got := h.run(t, imp)
		assert.Equal(t, i, got.Attempts)
	}

	eligible, err := h.lifecycle.Eligible(ctx, h.processor.Config.MaxImportRetries, nil)
	require.NoError(t, err)
	assert.Empty(t, eligible)

	got := h.run(t, imp)
	assert.Equal(t, h.processor.Config.MaxImportRetries, got.Attempts, "ein ausgeschöpfter Import wird nicht mehr gestartet")
}

func TestReprocessRebuildsOutput(t *testing.T) {
	h := newHarness(t)
	h.sensorMapping(t, `{"id":"s1","name":"T1","temp":21.5,"room":"r1"}`)
	imp := ingest(t, h, `{"id":"s1","name":"T1","temp":21.5,"room":"r1"}`)
	h.run(t, imp)

	before, _ := h.writer.published()
	require.Len(t, before, 2)

	got, err := h.processor.Reprocess(context.Background(), imp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ImportCompleted, got.Status)

	after, edges := h.writer.published()
	require.Len(t, after, 2)
	assert.Len(t, edges, 1)
	for _, n := range after {
		for _, b := range before {
			assert.NotEqual(t, b.ID, n.ID, "Knoten werden neu erzeugt")
		}
	}
	for _, r := range h.rows.RowsOf(imp.ID) {
		assert.True(t, r.Settled())
	}
}

func TestProcessorConvertsProperties(t *testing.T) {
	h := newHarness(t)
	payload := `{"id":"s1","name":"T1","temp":"21.5 C","room":"r1"}`
	h.sensorMapping(t, payload)
	imp := ingest(t, h, payload)
	h.run(t, imp)

	nodes, _ := h.writer.published()
	var sensor models.Node
	for _, n := range nodes {
		if n.MetatypeID == 1 {
			sensor = n
		}
	}
	require.NotNil(t, sensor.OriginalDataID)
	assert.Equal(t, "s1", *sensor.OriginalDataID)

	var props map[string]any
	require.NoError(t, json.Unmarshal(sensor.Properties, &props))
	assert.Equal(t, "T1", props["name"])
	assert.Equal(t, float64(21), props["temperature"])

	conversions := sensor.Metadata.Data().Conversions
	require.Len(t, conversions, 1)
	assert.Equal(t, "temperature", conversions[0].Key)
	assert.Equal(t, "21.5 C", conversions[0].OriginalValue)
}
