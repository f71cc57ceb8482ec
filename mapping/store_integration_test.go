//go:build integration
// +build integration

package mapping

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"graphloom/events"
	"graphloom/models"
	"graphloom/ontology"
	"graphloom/storage/storagetest"
)

func TestGormStoreUpsertTouchesExistingRow(t *testing.T) {
	db := storagetest.Open(t)
	ds := storagetest.DataSource(t, db, "c1")
	d := NewDirectory(NewGormStore(db), &ontology.Memory{}, events.Nop{}, zap.NewNop())
	ctx := context.Background()

	first, err := d.CreateOrTouch(ctx, "c1", ds.ID, "hash-a", datatypes.JSON(`{"a":1}`))
	require.NoError(t, err)
	require.NotZero(t, first.ID)

	time.Sleep(50 * time.Millisecond)
	second, err := d.CreateOrTouch(ctx, "c1", ds.ID, "hash-a", nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var rows []models.TypeMapping
	require.NoError(t, db.Where("container_id = ? AND data_source_id = ?", "c1", ds.ID).Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].ModifiedAt.After(first.ModifiedAt), "modified_at must advance")
	assert.JSONEq(t, `{"a":1}`, string(rows[0].SamplePayload))
}

func TestGormStoreGroupedHashesResolveToCanonical(t *testing.T) {
	db := storagetest.Open(t)
	ds := storagetest.DataSource(t, db, "c1")
	d := NewDirectory(NewGormStore(db), &ontology.Memory{}, events.Nop{}, zap.NewNop())
	ctx := context.Background()

	a, err := d.CreateOrTouch(ctx, "c1", ds.ID, "hash-a", nil)
	require.NoError(t, err)
	b, err := d.CreateOrTouch(ctx, "c1", ds.ID, "hash-b", nil)
	require.NoError(t, err)
	canonical, err := d.CreateOrTouch(ctx, "c1", ds.ID, "hash-c", nil)
	require.NoError(t, err)

	results, err := d.Group(ctx, canonical.ID, []uint{a.ID, b.ID})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}

	resolved, err := d.Resolve(ctx, "c1", ds.ID, []string{"hash-a", "hash-b", "hash-c", "unknown"})
	require.NoError(t, err)
	require.Len(t, resolved, 3)
	for _, h := range []string{"hash-a", "hash-b", "hash-c"} {
		require.Contains(t, resolved, h)
		assert.Equal(t, canonical.ID, resolved[h].ID, h)
	}

	var groupings int64
	require.NoError(t, db.Table("hash_groupings").Where("canonical_mapping_id = ?", canonical.ID).Count(&groupings).Error)
	assert.EqualValues(t, 3, groupings)
}
