package mapping

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"graphloom/models"
	"graphloom/ontology"
)

func uintPtr(v uint) *uint { return &v }

func strPtr(v string) *string { return &v }

func nodeRule(metatypeID uint, keys ...models.KeyMapping) models.TypeTransformation {
	return models.TypeTransformation{
		ContainerID: "c1",
		Type:        models.TransformationNode,
		MetatypeID:  uintPtr(metatypeID),
		Keys:        keys,
	}
}

// testOntology enthält zwei Versionen eines Containers und einen zweiten Container.
func testOntology() *ontology.Memory {
	return &ontology.Memory{
		Metatypes: []models.Metatype{
			{ID: 1, ContainerID: "c1", Name: "Asset"},
			{ID: 3, ContainerID: "c1", Name: "Gone"},
			{ID: 5, ContainerID: "c1", OntologyVersionID: uintPtr(2), Name: "Asset"},
			{ID: 20, ContainerID: "c2", Name: "Asset"},
		},
		Keys: []models.MetatypeKey{
			{ID: 10, MetatypeID: 1, Name: "Name", PropertyName: "name", DataType: "string"},
			{ID: 11, MetatypeID: 1, Name: "Serial", PropertyName: "serial", DataType: "string"},
			{ID: 30, MetatypeID: 3, Name: "Name", PropertyName: "name", DataType: "string"},
			{ID: 50, MetatypeID: 5, Name: "Name", PropertyName: "name", DataType: "string"},
			{ID: 60, MetatypeID: 20, Name: "Label", PropertyName: "name", DataType: "string"},
		},
		Relationships: []models.MetatypeRelationship{
			{ID: 100, ContainerID: "c1", Name: "contains"},
			{ID: 101, ContainerID: "c1", OntologyVersionID: uintPtr(2), Name: "contains"},
		},
		Pairs: []models.MetatypeRelationshipPair{
			{ID: 7, ContainerID: "c1", OriginMetatypeID: 1, DestinationMetatypeID: 1, RelationshipID: 100},
			{ID: 8, ContainerID: "c1", OntologyVersionID: uintPtr(2), OriginMetatypeID: 5, DestinationMetatypeID: 5, RelationshipID: 101},
		},
		RelKeys: []models.MetatypeRelationshipKey{
			{ID: 70, RelationshipID: 100, Name: "Weight", PropertyName: "weight", DataType: "number"},
			{ID: 71, RelationshipID: 101, Name: "Weight", PropertyName: "weight", DataType: "number"},
		},
	}
}

func newTestDirectory() (*Directory, *MemoryStore, *recordingEmitter) {
	store := NewMemoryStore()
	emitter := &recordingEmitter{}
	return NewDirectory(store, testOntology(), emitter, zap.NewNop()), store, emitter
}

func TestCreateOrTouchIsIdempotent(t *testing.T) {
	d, _, _ := newTestDirectory()
	ctx := context.Background()

	first, err := d.CreateOrTouch(ctx, "c1", 1, "hash-a", datatypes.JSON(`{"a":1}`))
	require.NoError(t, err)
	second, err := d.CreateOrTouch(ctx, "c1", 1, "hash-a", nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.ModifiedAt.After(first.ModifiedAt))
	assert.False(t, second.Active)

	other, err := d.CreateOrTouch(ctx, "c1", 2, "hash-a", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID, "eine andere DataSource bekommt ein eigenes Mapping")
}

func TestGroupedHashesResolveToCanonical(t *testing.T) {
	d, store, _ := newTestDirectory()
	ctx := context.Background()

	a := store.Put(models.TypeMapping{ContainerID: "c1", DataSourceID: 1, ShapeHash: strPtr("a"), Active: true})
	b := store.Put(models.TypeMapping{ContainerID: "c1", DataSourceID: 1, ShapeHash: strPtr("b"), Active: true})
	c := store.Put(models.TypeMapping{
		ContainerID: "c1", DataSourceID: 1, ShapeHash: strPtr("c"), Active: true,
		Transformations: []models.TypeTransformation{nodeRule(1)},
	})

	results, err := d.Group(ctx, c, []uint{a, b})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}

	resolved, err := d.Resolve(ctx, "c1", 1, []string{"a", "b", "c", "unknown"})
	require.NoError(t, err)
	require.Len(t, resolved, 3)
	for _, h := range []string{"a", "b", "c"} {
		assert.Equal(t, c, resolved[h].ID, h)
	}

	canonical, err := store.Get(ctx, c)
	require.NoError(t, err)
	assert.True(t, canonical.Grouped())
	for _, id := range []uint{a, b} {
		m, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, m.Active)
		assert.Nil(t, m.ShapeHash)
	}
}

func TestRegroupingRepointsExistingGroups(t *testing.T) {
	d, store, _ := newTestDirectory()
	ctx := context.Background()

	a := store.Put(models.TypeMapping{ContainerID: "c1", DataSourceID: 1, ShapeHash: strPtr("a")})
	b := store.Put(models.TypeMapping{ContainerID: "c1", DataSourceID: 1, ShapeHash: strPtr("b")})
	e := store.Put(models.TypeMapping{ContainerID: "c1", DataSourceID: 1, ShapeHash: strPtr("e")})

	_, err := d.Group(ctx, b, []uint{a})
	require.NoError(t, err)
	_, err = d.Group(ctx, e, []uint{b})
	require.NoError(t, err)

	resolved, err := d.Resolve(ctx, "c1", 1, []string{"a", "b", "e"})
	require.NoError(t, err)
	for _, h := range []string{"a", "b", "e"} {
		assert.Equal(t, e, resolved[h].ID, h)
	}
}

func TestDirectMatchWinsOverGroup(t *testing.T) {
	d, store, _ := newTestDirectory()
	ctx := context.Background()

	a := store.Put(models.TypeMapping{ContainerID: "c1", DataSourceID: 1, ShapeHash: strPtr("a")})
	c := store.Put(models.TypeMapping{ContainerID: "c1", DataSourceID: 1, ShapeHash: strPtr("c")})
	_, err := d.Group(ctx, c, []uint{a})
	require.NoError(t, err)

	direct := store.Put(models.TypeMapping{ContainerID: "c1", DataSourceID: 1, ShapeHash: strPtr("a")})

	resolved, err := d.Resolve(ctx, "c1", 1, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, direct, resolved["a"].ID)
}

func TestGroupRejectsForeignMembers(t *testing.T) {
	d, store, _ := newTestDirectory()
	ctx := context.Background()

	c := store.Put(models.TypeMapping{ContainerID: "c1", DataSourceID: 1, ShapeHash: strPtr("c")})
	foreign := store.Put(models.TypeMapping{ContainerID: "c1", DataSourceID: 2, ShapeHash: strPtr("x")})

	results, err := d.Group(ctx, c, []uint{foreign, 999})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.ErrorIs(t, results[0].Err, ErrForeignMapping)
	assert.ErrorIs(t, results[1].Err, ErrNotFound)

	m, err := store.Get(ctx, foreign)
	require.NoError(t, err)
	assert.Equal(t, "x", *m.ShapeHash)
}

func TestSetActiveRequiresLiveTransformation(t *testing.T) {
	d, store, _ := newTestDirectory()
	ctx := context.Background()

	archived := nodeRule(1)
	archived.Archived = true
	empty := store.Put(models.TypeMapping{ContainerID: "c1", DataSourceID: 1, ShapeHash: strPtr("a"),
		Transformations: []models.TypeTransformation{archived}})
	ready := store.Put(models.TypeMapping{ContainerID: "c1", DataSourceID: 1, ShapeHash: strPtr("b"),
		Transformations: []models.TypeTransformation{nodeRule(1)}})

	assert.ErrorIs(t, d.SetActive(ctx, empty, true), ErrNoTransformations)
	require.NoError(t, d.SetActive(ctx, ready, true))
	require.NoError(t, d.SetActive(ctx, empty, false))

	m, err := store.Get(ctx, ready)
	require.NoError(t, err)
	assert.True(t, m.Active)
}

func TestExportImportRebindsKeysByName(t *testing.T) {
	d, store, emitter := newTestDirectory()
	ctx := context.Background()

	src := store.Put(models.TypeMapping{
		ContainerID: "c1", DataSourceID: 1, ShapeHash: strPtr("shape"), Active: true,
		SamplePayload: datatypes.JSON(`{"n":"pump","s":"x1"}`),
		Transformations: []models.TypeTransformation{nodeRule(1,
			models.KeyMapping{SourcePath: "n", DestinationKeyID: uintPtr(10)},
			models.KeyMapping{SourcePath: "s", DestinationKeyID: uintPtr(11)},
		)},
	})

	art, results, err := d.Export(ctx, []uint{src})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Len(t, art.Mappings, 1)

	et := art.Mappings[0].Transformations[0]
	assert.Equal(t, "Asset", et.MetatypeName)
	for _, k := range et.Keys {
		assert.Nil(t, k.DestinationKeyID)
	}

	var buf bytes.Buffer
	require.NoError(t, art.Encode(&buf, FormatYAML))
	decoded, err := DecodeArtifact(&buf, FormatYAML)
	require.NoError(t, err)

	imported, err := d.Import(ctx, decoded, models.DataSource{ID: 9, ContainerID: "c2"}, nil)
	require.NoError(t, err)
	require.Len(t, imported, 1)
	require.NoError(t, imported[0].Err)

	m, err := store.Get(ctx, imported[0].MappingID)
	require.NoError(t, err)
	assert.False(t, m.Active)
	assert.Equal(t, uint(9), m.DataSourceID)
	assert.Equal(t, "shape", *m.ShapeHash)
	require.Len(t, m.Transformations, 1)

	tr := m.Transformations[0]
	assert.Equal(t, uint(20), *tr.MetatypeID)
	require.Len(t, tr.Keys, 1)
	assert.Equal(t, uint(60), *tr.Keys[0].DestinationKeyID)
	failed := tr.Config.Data().FailedUpgradedKeys
	require.Len(t, failed, 1)
	assert.Equal(t, "serial", failed[0].DestinationKeyName)

	require.Len(t, emitter.alerts, 1)
	assert.Equal(t, "c2", emitter.alerts[0].containerID)
	assert.Equal(t, ImportAlertMessage, emitter.alerts[0].message)
}

func TestImportReportsUnknownMetatype(t *testing.T) {
	d, store, _ := newTestDirectory()
	ctx := context.Background()

	art := &Artifact{Version: ArtifactVersion, Mappings: []ExportedMapping{{
		ShapeHash: "s",
		Transformations: []ExportedTransformation{
			{Name: "missing", Type: models.TransformationNode, MetatypeName: "Nope"},
			{Name: "ok", Type: models.TransformationNode, MetatypeName: "Asset"},
		},
	}}}

	results, err := d.Import(ctx, art, models.DataSource{ID: 9, ContainerID: "c2"}, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.NoError(t, results[1].Err)

	m, err := store.Get(ctx, results[1].MappingID)
	require.NoError(t, err)
	assert.Len(t, m.Transformations, 1)
}

func TestExportSkipsGroupedMapping(t *testing.T) {
	d, store, _ := newTestDirectory()
	grouped := store.Put(models.TypeMapping{ContainerID: "c1", DataSourceID: 1})

	art, results, err := d.Export(context.Background(), []uint{grouped})
	require.NoError(t, err)
	assert.Empty(t, art.Mappings)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrGroupedMapping)
}

func TestUpgradeRebindsAndContinuesAfterFailure(t *testing.T) {
	d, store, _ := newTestDirectory()
	ctx := context.Background()

	edge := models.TypeTransformation{
		ContainerID:           "c1",
		Type:                  models.TransformationEdge,
		RelationshipPairID:    uintPtr(7),
		OriginMetatypeID:      uintPtr(1),
		DestinationMetatypeID: uintPtr(1),
		OriginParameters:      []models.EdgeParameter{{Type: models.ParamMetatypeID, Operator: "==", Value: uint(1)}},
		Keys:                  []models.KeyMapping{{SourcePath: "w", DestinationKeyID: uintPtr(70)}},
	}
	id := store.Put(models.TypeMapping{
		ContainerID: "c1", DataSourceID: 1, ShapeHash: strPtr("s"),
		Transformations: []models.TypeTransformation{
			nodeRule(1,
				models.KeyMapping{SourcePath: "n", DestinationKeyID: uintPtr(10)},
				models.KeyMapping{SourcePath: "s", DestinationKeyID: uintPtr(11)},
			),
			nodeRule(3, models.KeyMapping{SourcePath: "n", DestinationKeyID: uintPtr(30)}),
			edge,
		},
	})
	grouped := store.Put(models.TypeMapping{ContainerID: "c1", DataSourceID: 1})

	results, err := d.Upgrade(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err, "Gone existiert in Version 2 nicht")
	assert.NoError(t, results[2].Err)
	assert.Equal(t, grouped, results[3].MappingID)
	assert.ErrorIs(t, results[3].Err, ErrGroupedMapping)

	m, err := store.Get(ctx, id)
	require.NoError(t, err)

	node := m.Transformations[0]
	assert.Equal(t, uint(5), *node.MetatypeID)
	require.Len(t, node.Keys, 1)
	assert.Equal(t, uint(50), *node.Keys[0].DestinationKeyID)
	require.Len(t, node.Config.Data().FailedUpgradedKeys, 1)
	assert.Equal(t, "serial", node.Config.Data().FailedUpgradedKeys[0].DestinationKeyName)

	assert.Equal(t, uint(3), *m.Transformations[1].MetatypeID)

	up := m.Transformations[2]
	assert.Equal(t, uint(8), *up.RelationshipPairID)
	assert.Equal(t, uint(5), *up.OriginMetatypeID)
	assert.Equal(t, uint(5), *up.DestinationMetatypeID)
	assert.Equal(t, uint(5), up.OriginParameters[0].Value)
	assert.Equal(t, uint(71), *up.Keys[0].DestinationKeyID)
}
