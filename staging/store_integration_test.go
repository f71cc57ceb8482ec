//go:build integration
// +build integration

package staging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"graphloom/models"
	"graphloom/storage/storagetest"
)

func TestGormStoreEligibleSkipsExhaustedImports(t *testing.T) {
	db := storagetest.Open(t)
	ds := storagetest.DataSource(t, db, "c1")
	store := NewGormStore(db)
	ctx := context.Background()
	const maxRetries = 3

	newImport := func(reference string) *models.Import {
		imp := &models.Import{DataSourceID: ds.ID, ContainerID: ds.ContainerID, Reference: reference, Status: models.ImportReady}
		rows := []Row{{Data: datatypes.JSON(`{"serial":"p-1"}`), TagIDs: []uint{7}}}
		require.NoError(t, store.CreateImport(ctx, imp, rows, 10))
		return imp
	}
	fresh := newImport("fresh")
	retried := newImport("retried")
	exhausted := newImport("exhausted")

	require.NoError(t, db.Model(&models.Import{}).Where("id = ?", retried.ID).Update("attempts", maxRetries-1).Error)
	require.NoError(t, db.Model(&models.Import{}).Where("id = ?", exhausted.ID).Update("attempts", maxRetries).Error)

	eligible, err := store.Eligible(ctx, maxRetries, nil)
	require.NoError(t, err)
	ids := make([]uint, 0, len(eligible))
	for _, imp := range eligible {
		ids = append(ids, imp.ID)
	}
	assert.Equal(t, []uint{fresh.ID, retried.ID}, ids)

	excluded, err := store.Eligible(ctx, maxRetries, []string{"c1"})
	require.NoError(t, err)
	assert.Empty(t, excluded)
}

func TestGormStoreAppendErrorsSkipsDuplicates(t *testing.T) {
	db := storagetest.Open(t)
	ds := storagetest.DataSource(t, db, "c1")
	store := NewGormStore(db)
	ctx := context.Background()

	imp := &models.Import{DataSourceID: ds.ID, ContainerID: ds.ContainerID, Status: models.ImportReady}
	require.NoError(t, store.CreateImport(ctx, imp, []Row{{Data: datatypes.JSON(`{}`)}}, 10))

	var rec models.StagingRecord
	require.NoError(t, db.Where("import_id = ?", imp.ID).First(&rec).Error)

	require.NoError(t, store.AppendErrors(ctx, rec.ID, []string{"edge: origin missing", "edge: origin missing"}))
	require.NoError(t, store.AppendErrors(ctx, rec.ID, []string{"edge: origin missing", "edge: pair missing"}))

	require.NoError(t, db.First(&rec, rec.ID).Error)
	assert.Equal(t, []string{"edge: origin missing", "edge: pair missing"}, []string(rec.Errors))
}
