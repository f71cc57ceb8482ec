package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"graphloom/config"
	"graphloom/mapping"
	"graphloom/models"
	"graphloom/services"
	"graphloom/sources"
	"graphloom/staging"
)

// importOps sind die Betreiber-Operationen auf Imports.
type importOps interface {
	Get(ctx context.Context, id uint) (*models.Import, error)
	Stop(ctx context.Context, id uint) (*models.Import, error)
	Delete(ctx context.Context, id uint, withData bool) error
}

type reprocessor interface {
	Reprocess(ctx context.Context, importID uint) (*models.Import, error)
}

type ingestor interface {
	Ingest(ctx context.Context, dataSourceID uint, reference string, r io.Reader, contentType string, att sources.Attachments) (*models.Import, error)
}

type dataSources interface {
	DataSource(ctx context.Context, id uint) (*models.DataSource, error)
}

// api bündelt die Abhängigkeiten der HTTP-Routen.
type api struct {
	Imports     importOps
	Reprocessor reprocessor
	Locker      services.Locker
	Ingester    ingestor
	DataSources dataSources
	Mappings    *mapping.Directory
	Logger      *zap.Logger
}

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(id), true
}

func queryID(c *gin.Context, name string) (*uint, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return nil, false
	}
	v := uint(id)
	return &v, true
}

// queryIDs liest eine kommagetrennte oder wiederholte ID-Liste.
func queryIDs(c *gin.Context, name string) ([]uint, bool) {
	var out []uint
	for _, raw := range c.QueryArray(name) {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			id, err := strconv.ParseUint(part, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
				return nil, false
			}
			out = append(out, uint(id))
		}
	}
	return out, true
}

// respondError bildet bekannte Fehler auf Statuscodes ab.
func (a *api) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, staging.ErrNotFound), errors.Is(err, mapping.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, staging.ErrInvalidTransition), errors.Is(err, staging.ErrImportHasData),
		errors.Is(err, staging.ErrDataSourceInactive):
		status = http.StatusConflict
	case errors.Is(err, sources.ErrUnknownKind), errors.Is(err, sources.ErrInvalidPayload):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		a.Logger.Error("Anfrage fehlgeschlagen", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func itemResults(results []mapping.ItemResult) []gin.H {
	out := make([]gin.H, 0, len(results))
	for _, r := range results {
		item := gin.H{"mapping_id": r.MappingID}
		if r.TransformationID != 0 {
			item["transformation_id"] = r.TransformationID
		}
		if r.Err != nil {
			item["error"] = r.Err.Error()
		}
		out = append(out, item)
	}
	return out
}

func artifactFormat(c *gin.Context) mapping.Format {
	if strings.EqualFold(c.Query("format"), string(mapping.FormatYAML)) {
		return mapping.FormatYAML
	}
	return mapping.FormatJSON
}

func (a *api) setupRoutes(router gin.IRouter) {
	a.setupImportRoutes(router)
	a.setupDataSourceRoutes(router)
	a.setupMappingRoutes(router)
}

func (a *api) setupImportRoutes(router gin.IRouter) {
	rg := router.Group("/imports")

	rg.GET("/:id", func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		imp, err := a.Imports.Get(c.Request.Context(), id)
		if err != nil {
			a.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, imp)
	})

	// Neuverarbeitung läuft im Hintergrund unter der Container-Sperre.
	rg.POST("/:id/reprocess", func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		imp, err := a.Imports.Get(c.Request.Context(), id)
		if err != nil {
			a.respondError(c, err)
			return
		}
		log := a.Logger.With(zap.Uint("import_id", imp.ID), zap.String("container_id", imp.ContainerID))
		go func() {
			ctx := context.Background()
			acquired, err := a.Locker.WithLock(ctx, imp.ContainerID, func(ctx context.Context) error {
				_, err := a.Reprocessor.Reprocess(ctx, imp.ID)
				return err
			})
			switch {
			case err != nil:
				log.Error("Neuverarbeitung fehlgeschlagen", zap.Error(err))
			case !acquired:
				log.Warn("Container ist gesperrt, Neuverarbeitung nicht gestartet")
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"message": "Reprocessing started", "import_id": imp.ID})
	})

	rg.POST("/:id/stop", func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		imp, err := a.Imports.Stop(c.Request.Context(), id)
		if err != nil {
			a.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, imp)
	})

	rg.DELETE("/:id", func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		withData := c.Query("with_data") == "true"
		if err := a.Imports.Delete(c.Request.Context(), id, withData); err != nil {
			a.respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
}

func (a *api) setupDataSourceRoutes(router gin.IRouter) {
	rg := router.Group("/data_sources")

	rg.POST("/:id/ingest", func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		tagIDs, ok := queryIDs(c, "tag_ids")
		if !ok {
			return
		}
		fileIDs, ok := queryIDs(c, "file_ids")
		if !ok {
			return
		}
		att := sources.Attachments{TagIDs: tagIDs, FileIDs: fileIDs}
		imp, err := a.Ingester.Ingest(c.Request.Context(), id, c.Query("reference"), c.Request.Body, c.GetHeader("Content-Type"), att)
		if err != nil {
			a.respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, imp)
	})

	rg.POST("/:id/mappings/import", func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		versionID, ok := queryID(c, "ontology_version_id")
		if !ok {
			return
		}
		ds, err := a.DataSources.DataSource(c.Request.Context(), id)
		if err != nil {
			a.respondError(c, err)
			return
		}
		artifact, err := mapping.DecodeArtifact(c.Request.Body, artifactFormat(c))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		results, err := a.Mappings.Import(c.Request.Context(), artifact, *ds, versionID)
		if err != nil {
			a.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": itemResults(results)})
	})
}

func (a *api) setupMappingRoutes(router gin.IRouter) {
	rg := router.Group("/mappings")

	rg.POST("/export", func(c *gin.Context) {
		var req struct {
			IDs []uint `json:"ids" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		artifact, results, err := a.Mappings.Export(c.Request.Context(), req.IDs)
		if err != nil {
			a.respondError(c, err)
			return
		}
		var skipped []string
		for _, r := range results {
			if r.Err != nil {
				skipped = append(skipped, strconv.FormatUint(uint64(r.MappingID), 10))
			}
		}
		if len(skipped) > 0 {
			c.Header("X-Skipped-Mappings", strings.Join(skipped, ","))
		}

		f := artifactFormat(c)
		contentType := "application/json"
		if f == mapping.FormatYAML {
			contentType = "application/yaml"
		}
		c.Status(http.StatusOK)
		c.Header("Content-Type", contentType)
		if err := artifact.Encode(c.Writer, f); err != nil {
			a.Logger.Error("Export konnte nicht geschrieben werden", zap.Error(err))
		}
	})

	rg.POST("/:id/group", func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		var req struct {
			Members []uint `json:"members" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		results, err := a.Mappings.Group(c.Request.Context(), id, req.Members)
		if err != nil {
			a.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": itemResults(results)})
	})

	rg.PUT("/:id/active", func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		var req struct {
			Active *bool `json:"active" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := a.Mappings.SetActive(c.Request.Context(), id, *req.Active); err != nil {
			if errors.Is(err, mapping.ErrNoTransformations) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			a.respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	router.POST("/containers/:container/mappings/upgrade", func(c *gin.Context) {
		versionID, ok := queryID(c, "ontology_version_id")
		if !ok {
			return
		}
		if versionID == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ontology_version_id is required"})
			return
		}
		results, err := a.Mappings.Upgrade(c.Request.Context(), c.Param("container"), *versionID)
		if err != nil {
			a.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": itemResults(results)})
	})
}
