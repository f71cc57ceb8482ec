package staging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"graphloom/models"
)

type emitted struct {
	eventType string
	payload   any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recordingEmitter) Emit(_ context.Context, _ string, _ *uint, eventType string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{eventType, payload})
}

func (r *recordingEmitter) Alert(context.Context, string, string, string) {}

func (r *recordingEmitter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.eventType)
	}
	return out
}

type purgeRecorder struct {
	purged []uint
	err    error
}

func (p *purgeRecorder) Purge(_ context.Context, importID uint) error {
	p.purged = append(p.purged, importID)
	return p.err
}

func newTestLifecycle(sources ...models.DataSource) (*Lifecycle, *MemoryStore, *recordingEmitter, *purgeRecorder) {
	if len(sources) == 0 {
		sources = []models.DataSource{{ID: 1, ContainerID: "c1", Active: true, DataRetentionDays: 30}}
	}
	store := NewMemoryStore(sources...)
	emitter := &recordingEmitter{}
	purger := &purgeRecorder{}
	l := NewLifecycle(store, purger, emitter, zap.NewNop(), 10)
	l.Now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return l, store, emitter, purger
}

func rows(payloads ...string) []Row {
	out := make([]Row, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, Row{Data: datatypes.JSON(p)})
	}
	return out
}

func TestIngestCreatesReadyImport(t *testing.T) {
	l, store, emitter, _ := newTestLifecycle()
	ctx := context.Background()

	in := rows(`{"a":1}`, `{"a":2}`)
	in[0].TagIDs = []uint{7}
	imp, err := l.Ingest(ctx, 1, "upload.json", in)
	require.NoError(t, err)

	assert.Equal(t, models.ImportReady, imp.Status)
	assert.Equal(t, "c1", imp.ContainerID)
	assert.Len(t, store.RowsOf(imp.ID), 2)
	require.Len(t, store.Tags, 1)
	assert.Equal(t, uint(7), store.Tags[0].TagID)
	assert.Equal(t, []string{models.EventDataImported}, emitter.types())
}

func TestIngestRejectsInactiveSource(t *testing.T) {
	l, _, _, _ := newTestLifecycle(models.DataSource{ID: 1, ContainerID: "c1", Active: false})
	_, err := l.Ingest(context.Background(), 1, "", rows(`{}`))
	assert.ErrorIs(t, err, ErrDataSourceInactive)

	_, err = l.Ingest(context.Background(), 99, "", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitions(t *testing.T) {
	cases := []struct {
		from, to models.ImportStatus
		ok       bool
	}{
		{models.ImportReady, models.ImportProcessing, true},
		{models.ImportReady, models.ImportCompleted, false},
		{models.ImportProcessing, models.ImportCompleted, true},
		{models.ImportProcessing, models.ImportError, true},
		{models.ImportProcessing, models.ImportProcessing, true},
		{models.ImportError, models.ImportProcessing, true},
		{models.ImportError, models.ImportCompleted, false},
		{models.ImportCompleted, models.ImportError, false},
		{models.ImportStopped, models.ImportReady, false},
		{models.ImportStopped, models.ImportProcessing, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestFinishAndFail(t *testing.T) {
	l, store, emitter, _ := newTestLifecycle()
	ctx := context.Background()

	imp, err := l.Ingest(ctx, 1, "", rows(`{}`))
	require.NoError(t, err)

	require.NoError(t, l.Start(ctx, imp))
	require.NoError(t, l.Fail(ctx, imp, errors.New("connection reset")))
	saved, err := store.GetImport(ctx, imp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ImportError, saved.Status)
	assert.Equal(t, "connection reset", saved.StatusMessage)
	assert.Equal(t, 1, saved.Attempts)

	require.NoError(t, l.Start(ctx, imp))
	require.NoError(t, l.Finish(ctx, imp, 2))
	assert.Equal(t, models.ImportError, imp.Status)
	assert.Equal(t, 2, imp.Attempts)

	require.NoError(t, l.Start(ctx, imp))
	require.NoError(t, l.Finish(ctx, imp, 0))
	assert.Equal(t, models.ImportCompleted, imp.Status)
	assert.Equal(t, 2, imp.Attempts)
	assert.NotNil(t, imp.ProcessEnd)

	assert.Equal(t, []string{models.EventDataImported, models.EventDataIngested}, emitter.types())
	assert.ErrorIs(t, l.Finish(ctx, imp, 0), ErrInvalidTransition)
}

func TestEligibleRespectsRetriesAndSettlement(t *testing.T) {
	l, store, _, _ := newTestLifecycle(
		models.DataSource{ID: 1, ContainerID: "c1", Active: true},
		models.DataSource{ID: 2, ContainerID: "c2", Active: true},
	)
	ctx := context.Background()

	first, err := l.Ingest(ctx, 1, "", rows(`{}`))
	require.NoError(t, err)
	second, err := l.Ingest(ctx, 2, "", rows(`{}`))
	require.NoError(t, err)
	exhausted, err := l.Ingest(ctx, 1, "", rows(`{}`))
	require.NoError(t, err)
	stopped, err := l.Ingest(ctx, 1, "", rows(`{}`))
	require.NoError(t, err)
	done, err := l.Ingest(ctx, 1, "", rows(`{}`))
	require.NoError(t, err)

	exhausted.Attempts = 3
	require.NoError(t, store.SaveImport(ctx, exhausted))
	_, err = l.Stop(ctx, stopped.ID)
	require.NoError(t, err)
	ids := []uint{store.RowsOf(done.ID)[0].ID}
	at := time.Now()
	require.NoError(t, store.MarkNodesProcessed(ctx, ids, at))
	require.NoError(t, store.MarkEdgesProcessed(ctx, ids, at))

	got, err := l.Eligible(ctx, 3, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)

	got, err = l.Eligible(ctx, 3, []string{"c1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, second.ID, got[0].ID)

	got, err = l.Eligible(ctx, 4, nil)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestUnresolvableRowsDoNotKeepImportEligible(t *testing.T) {
	l, store, _, _ := newTestLifecycle()
	store.Resolvable = func(models.StagingRecord) bool { return false }
	ctx := context.Background()

	imp, err := l.Ingest(ctx, 1, "", rows(`{}`))
	require.NoError(t, err)
	got, err := l.Eligible(ctx, 10, nil)
	require.NoError(t, err)
	assert.Len(t, got, 1, "ohne Shape-Hash ist die Zeile offen")

	require.NoError(t, store.SaveShapeHashes(ctx, map[uint]string{store.RowsOf(imp.ID)[0].ID: "h"}))
	got, err = l.Eligible(ctx, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReprocessResetsRowsAndPurges(t *testing.T) {
	l, store, _, purger := newTestLifecycle()
	ctx := context.Background()

	imp, err := l.Ingest(ctx, 1, "", rows(`{}`, `{}`))
	require.NoError(t, err)
	require.NoError(t, l.Start(ctx, imp))
	require.NoError(t, l.Finish(ctx, imp, 0))

	var ids []uint
	for _, r := range store.RowsOf(imp.ID) {
		ids = append(ids, r.ID)
	}
	now := time.Now()
	require.NoError(t, store.MarkNodesProcessed(ctx, ids, now))
	require.NoError(t, store.MarkEdgesProcessed(ctx, ids, now))
	require.NoError(t, store.AppendErrors(ctx, ids[0], []string{"old"}))

	got, err := l.Reprocess(ctx, imp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ImportProcessing, got.Status)
	assert.Equal(t, []uint{imp.ID}, purger.purged)
	for _, r := range store.RowsOf(imp.ID) {
		assert.Nil(t, r.NodesProcessedAt)
		assert.Nil(t, r.EdgesProcessedAt)
		assert.Nil(t, r.InsertedAt)
		assert.Empty(t, r.Errors)
	}
}

func TestDeleteRefusesImportWithRows(t *testing.T) {
	l, store, _, _ := newTestLifecycle()
	ctx := context.Background()

	imp, err := l.Ingest(ctx, 1, "", rows(`{}`))
	require.NoError(t, err)

	assert.ErrorIs(t, l.Delete(ctx, imp.ID, false), ErrImportHasData)
	require.NoError(t, l.Delete(ctx, imp.ID, true))
	_, err = store.GetImport(ctx, imp.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	empty, err := l.Ingest(ctx, 1, "", nil)
	require.NoError(t, err)
	require.NoError(t, l.Delete(ctx, empty.ID, false))
}

func TestExpiredUsesRetentionWindow(t *testing.T) {
	l, store, _, _ := newTestLifecycle(
		models.DataSource{ID: 1, ContainerID: "c1", Active: true, DataRetentionDays: 30},
		models.DataSource{ID: 2, ContainerID: "c1", Active: true, DataRetentionDays: 0},
	)
	ctx := context.Background()

	old, err := l.Ingest(ctx, 1, "", rows(`{}`))
	require.NoError(t, err)
	_, err = l.Ingest(ctx, 2, "", rows(`{}`))
	require.NoError(t, err)

	// MemoryStore datiert Zeilen auf Januar 2024, Now() liegt im Juni.
	expired, err := l.Expired(ctx, 100)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].ImportID)

	require.NoError(t, l.DeleteRows(ctx, []uint{expired[0].ID}))
	assert.Empty(t, store.RowsOf(old.ID))
}
