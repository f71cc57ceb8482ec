package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"graphloom/config"
	"graphloom/events"
	"graphloom/mapping"
	"graphloom/models"
	"graphloom/ontology"
	"graphloom/sources"
	"graphloom/staging"
)

type nopPurger struct{}

func (nopPurger) Purge(context.Context, uint) error { return nil }

type openLocker struct{}

func (openLocker) WithLock(ctx context.Context, _ string, fn func(context.Context) error) (bool, error) {
	return true, fn(ctx)
}

type recordingReprocessor struct {
	done chan uint
}

func (r *recordingReprocessor) Reprocess(_ context.Context, id uint) (*models.Import, error) {
	r.done <- id
	return &models.Import{ID: id}, nil
}

type testServer struct {
	router      *gin.Engine
	store       *staging.MemoryStore
	mappings    *mapping.MemoryStore
	reprocessor *recordingReprocessor
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	store := staging.NewMemoryStore(
		models.DataSource{ID: 1, ContainerID: "c1", AdapterType: sources.KindStandard, Active: true},
		models.DataSource{ID: 2, ContainerID: "c1", AdapterType: sources.KindStandard, Active: false},
	)
	lifecycle := staging.NewLifecycle(store, nopPurger{}, events.Nop{}, logger, 10)
	mappings := mapping.NewMemoryStore()
	resolver := &ontology.Memory{
		Metatypes: []models.Metatype{{ID: 1, ContainerID: "c1", Name: "Asset"}},
		Keys:      []models.MetatypeKey{{ID: 1, MetatypeID: 1, Name: "Name", PropertyName: "name", DataType: "string"}},
	}
	reprocessor := &recordingReprocessor{done: make(chan uint, 1)}

	a := &api{
		Imports:     lifecycle,
		Reprocessor: reprocessor,
		Locker:      openLocker{},
		Ingester:    sources.NewIngester(sources.NewRegistry([]string{sources.KindStandard}, logger), lifecycle, logger),
		DataSources: store,
		Mappings:    mapping.NewDirectory(mappings, resolver, events.Nop{}, logger),
		Logger:      logger,
	}
	router := gin.New()
	ops := router.Group("/")
	ops.Use(apiKeyAuthMiddleware(cfg))
	a.setupRoutes(ops)
	return &testServer{router: router, store: store, mappings: mappings, reprocessor: reprocessor}
}

func (s *testServer) do(method, path, contentType, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestIngestAndStopImport(t *testing.T) {
	s := newTestServer(t, &config.Config{})

	w := s.do(http.MethodPost, "/data_sources/1/ingest?reference=upload-1", "application/json", `[{"name":"a"},{"name":"b"}]`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var imp models.Import
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &imp))
	assert.Equal(t, "upload-1", imp.Reference)
	assert.Len(t, s.store.RowsOf(imp.ID), 2)

	w = s.do(http.MethodPost, "/imports/"+itoa(imp.ID)+"/stop", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &imp))
	assert.Equal(t, models.ImportStopped, imp.Status)

	// ein zweites Stop ist kein gültiger Wechsel
	w = s.do(http.MethodPost, "/imports/"+itoa(imp.ID)+"/stop", "", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodDelete, "/imports/"+itoa(imp.ID), "", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	w = s.do(http.MethodDelete, "/imports/"+itoa(imp.ID)+"?with_data=true", "", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(http.MethodGet, "/imports/"+itoa(imp.ID), "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIngestQueuesAttachments(t *testing.T) {
	s := newTestServer(t, &config.Config{})

	w := s.do(http.MethodPost, "/data_sources/1/ingest?tag_ids=7,8&file_ids=3", "application/json", `[{"name":"a"},{"name":"b"}]`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Len(t, s.store.Tags, 4)
	assert.Len(t, s.store.Files, 2)
	for _, f := range s.store.Files {
		assert.Equal(t, uint(3), f.FileID)
	}

	w = s.do(http.MethodPost, "/data_sources/1/ingest?tag_ids=x", "application/json", `[]`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestErrors(t *testing.T) {
	s := newTestServer(t, &config.Config{})

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/data_sources/9/ingest", "application/json", `[]`).Code)
	assert.Equal(t, http.StatusConflict, s.do(http.MethodPost, "/data_sources/2/ingest", "application/json", `[]`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/data_sources/1/ingest", "application/json", `[{`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/data_sources/x/ingest", "application/json", `[]`).Code)
}

func TestReprocessRunsInBackground(t *testing.T) {
	s := newTestServer(t, &config.Config{})
	imp := &models.Import{DataSourceID: 1, ContainerID: "c1", Status: models.ImportCompleted}
	require.NoError(t, s.store.CreateImport(context.Background(), imp, nil, 10))

	w := s.do(http.MethodPost, "/imports/"+itoa(imp.ID)+"/reprocess", "", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, imp.ID, <-s.reprocessor.done)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/imports/99/reprocess", "", "").Code)
}

func TestMappingRoutes(t *testing.T) {
	s := newTestServer(t, &config.Config{})
	hash := "h1"
	id := s.mappings.Put(models.TypeMapping{
		ContainerID:   "c1",
		DataSourceID:  1,
		ShapeHash:     &hash,
		SamplePayload: datatypes.JSON(`{"name":"a"}`),
	})

	w := s.do(http.MethodPut, "/mappings/"+itoa(id)+"/active", "application/json", `{"active":true}`)
	assert.Equal(t, http.StatusConflict, w.Code, "ohne Transformation nicht aktivierbar")

	w = s.do(http.MethodPost, "/mappings/export?format=yaml", "application/json", `{"ids":[`+itoa(id)+`]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/yaml", w.Header().Get("Content-Type"))
	artifact, err := mapping.DecodeArtifact(strings.NewReader(w.Body.String()), mapping.FormatYAML)
	require.NoError(t, err)
	require.Len(t, artifact.Mappings, 1)

	w = s.do(http.MethodPost, "/data_sources/2/mappings/import?format=yaml", "application/yaml", w.Body.String())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Results []map[string]any `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.NotContains(t, resp.Results[0], "error")

	w = s.do(http.MethodPost, "/containers/c1/mappings/upgrade", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	s := newTestServer(t, &config.Config{APISecretKey: "s3cret"})

	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/imports/1", "", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/imports/1", "", "", "X-API-KEY", "s3cret").Code)
}

func itoa(id uint) string {
	b, _ := json.Marshal(id)
	return string(b)
}
