package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"graphloom/config"
	"graphloom/graph"
	"graphloom/mapping"
	"graphloom/models"
	"graphloom/ontology"
	"graphloom/shapehash"
	"graphloom/staging"
	"graphloom/transform"
)

const errNoActiveMapping = "no active type mapping for record"

// Processor führt die Verarbeitung der Imports eines Containers aus:
// Knotendurchlauf, Snapshot, Kantendurchlauf, Anhänge, Abschluss.
type Processor struct {
	Config    *config.Config
	Staging   *staging.Lifecycle
	Mappings  *mapping.Directory
	Ontology  ontology.Resolver
	Writer    graph.Writer
	Snapshots graph.SnapshotGenerator
	Attacher  graph.Attacher
	Metrics   *Metrics
	Logger    *zap.Logger
}

// NewProcessor erstellt einen neuen Processor.
func NewProcessor(cfg *config.Config, lifecycle *staging.Lifecycle, dir *mapping.Directory, resolver ontology.Resolver,
	writer graph.Writer, snapshots graph.SnapshotGenerator, attacher graph.Attacher, metrics *Metrics, logger *zap.Logger) *Processor {
	return &Processor{
		Config:    cfg,
		Staging:   lifecycle,
		Mappings:  dir,
		Ontology:  resolver,
		Writer:    writer,
		Snapshots: snapshots,
		Attacher:  attacher,
		Metrics:   metrics,
		Logger:    logger,
	}
}

// RunPass verarbeitet die Imports eines Containers nacheinander. Fehler eines
// Imports werden am Import vermerkt und halten die übrigen nicht auf.
func (p *Processor) RunPass(ctx context.Context, batch TenantBatch) error {
	log := p.Logger.With(zap.String("container_id", batch.ContainerID))
	for _, id := range batch.ImportIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		imp, err := p.Staging.Get(ctx, id)
		if err != nil {
			log.Error("Import konnte nicht geladen werden", zap.Uint("import_id", id), zap.Error(err))
			continue
		}
		// Die Liste kann veraltet sein, z.B. nach einem Stopp durch den Betreiber.
		if imp.Status == models.ImportStopped || imp.Attempts >= p.Config.MaxImportRetries {
			log.Debug("Import übersprungen", zap.Uint("import_id", id), zap.String("status", string(imp.Status)))
			continue
		}
		if err := p.Staging.Start(ctx, imp); err != nil {
			log.Error("Import konnte nicht gestartet werden", zap.Uint("import_id", id), zap.Error(err))
			continue
		}
		p.process(ctx, imp)
	}
	return nil
}

// Reprocess setzt den Import zurück und verarbeitet ihn sofort, unabhängig von attempts.
func (p *Processor) Reprocess(ctx context.Context, importID uint) (*models.Import, error) {
	imp, err := p.Staging.Reprocess(ctx, importID)
	if err != nil {
		return nil, err
	}
	p.process(ctx, imp)
	return imp, nil
}

// process führt beide Durchläufe für einen bereits gestarteten Import aus.
func (p *Processor) process(ctx context.Context, imp *models.Import) {
	log := p.Logger.With(zap.String("container_id", imp.ContainerID), zap.Uint("import_id", imp.ID))
	started := time.Now()
	defer func() { p.Metrics.PassDuration.Observe(time.Since(started).Seconds()) }()

	if err := p.run(ctx, imp, log); err != nil {
		log.Error("Verarbeitung des Imports fehlgeschlagen", zap.Error(err))
		p.Metrics.ImportsFinished.WithLabelValues(string(models.ImportError)).Inc()
		if ferr := p.Staging.Fail(context.WithoutCancel(ctx), imp, err); ferr != nil {
			log.Error("Importstatus konnte nicht gespeichert werden", zap.Error(ferr))
		}
		return
	}

	unsettled, err := p.Staging.Store.Unsettled(ctx, imp.ID)
	if err != nil {
		log.Error("Offene Zeilen konnten nicht gezählt werden", zap.Error(err))
		if ferr := p.Staging.Fail(context.WithoutCancel(ctx), imp, err); ferr != nil {
			log.Error("Importstatus konnte nicht gespeichert werden", zap.Error(ferr))
		}
		return
	}
	if err := p.Staging.Finish(ctx, imp, unsettled); err != nil {
		log.Error("Importstatus konnte nicht gespeichert werden", zap.Error(err))
		return
	}
	p.Metrics.ImportsFinished.WithLabelValues(string(imp.Status)).Inc()
	log.Info("Import verarbeitet",
		zap.String("status", string(imp.Status)),
		zap.Int64("unsettled", unsettled),
		zap.Duration("duration", time.Since(started)))
}

func (p *Processor) run(ctx context.Context, imp *models.Import, log *zap.Logger) error {
	ds, err := p.Staging.Store.DataSource(ctx, imp.DataSourceID)
	if err != nil {
		return err
	}
	if err := p.Writer.DiscardStaged(ctx, []uint{imp.ID}); err != nil {
		return err
	}

	pass := &importPass{
		p:     p,
		imp:   imp,
		opts:  shapehash.Options{StopNodes: ds.StopNodes, ValueNodes: ds.ValueNodes},
		rules: newRuleCache(p.Ontology),
		mappings: newMappingCache(p.Mappings, imp.ContainerID, imp.DataSourceID, func() {
			p.Metrics.MappingsCreated.Inc()
		}),
		log: log,
	}

	if err := pass.nodes(ctx); err != nil {
		return fmt.Errorf("node pass: %w", err)
	}
	snap, err := p.Snapshots.Generate(ctx, imp.ContainerID)
	if err != nil {
		return fmt.Errorf("build snapshot: %w", err)
	}
	log.Debug("Snapshot erstellt", zap.Int("nodes", snap.Len()))
	if err := pass.edges(ctx, snap); err != nil {
		return fmt.Errorf("edge pass: %w", err)
	}

	if err := p.Attacher.Attach(ctx, imp.ID); err != nil {
		log.Warn("Tags und Dateien konnten nicht verknüpft werden", zap.Error(err))
	}
	return nil
}

// rowOutcome ist das Ergebnis der Transformation einer Zeile. Eine Zeile ist
// entweder vollständig erfolgreich oder trägt Fehler und liefert keine Ausgabe.
type rowOutcome struct {
	id     uint
	hash   string
	nodes  []models.Node
	edges  []models.Edge
	errors []string
}

type importPass struct {
	p        *Processor
	imp      *models.Import
	opts     shapehash.Options
	rules    *ruleCache
	mappings *mappingCache
	log      *zap.Logger
}

// stream liest die Zeilen des Durchlaufs per Cursor, transformiert sie parallel
// mit begrenztem Puffer und übergibt die Ergebnisse an collect. Die Reihenfolge
// der Ergebnisse ist nicht garantiert.
func (ip *importPass) stream(ctx context.Context, pass staging.Pass, transformRow func(context.Context, models.StagingRecord) (rowOutcome, error), collect func(rowOutcome) error) error {
	cfg := ip.p.Config
	g, gctx := errgroup.WithContext(ctx)
	in := make(chan models.StagingRecord, max(cfg.StreamBuffer, 1))
	out := make(chan rowOutcome, max(cfg.StreamBuffer, 1))

	g.Go(func() error {
		defer close(in)
		return ip.p.Staging.Store.StreamRows(gctx, ip.imp.ID, pass, func(rec models.StagingRecord) error {
			select {
			case in <- rec:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})

	var wg sync.WaitGroup
	for range max(cfg.TransformWorkers, 1) {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			for rec := range in {
				o, err := transformRow(gctx, rec)
				if err != nil {
					return err
				}
				select {
				case out <- o:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		wg.Wait()
		close(out)
		return nil
	})

	g.Go(func() error {
		for o := range out {
			if err := collect(o); err != nil {
				return err
			}
		}
		return nil
	})
	return g.Wait()
}

// prepare dekodiert die Payload, ergänzt den Shape-Hash und löst das Mapping auf.
// Ein nil-Mapping bedeutet, dass o bereits den Zeilenfehler trägt.
func (ip *importPass) prepare(ctx context.Context, rec models.StagingRecord, o *rowOutcome) (any, *models.TypeMapping, error) {
	data, err := decodePayload(rec.Data)
	if err != nil {
		o.errors = append(o.errors, fmt.Sprintf("invalid payload: %v", err))
		return nil, nil, nil
	}

	hash := ""
	if rec.ShapeHash != nil {
		hash = *rec.ShapeHash
	} else {
		hash, err = shapehash.Hash(data, ip.opts)
		if err != nil {
			o.errors = append(o.errors, fmt.Sprintf("unable to compute shape hash: %v", err))
			return nil, nil, nil
		}
		o.hash = hash
	}

	m, err := ip.mappings.get(ctx, hash, rec.Data)
	if err != nil {
		return nil, nil, err
	}
	if m == nil || !m.Active || len(m.LiveTransformations()) == 0 {
		o.errors = append(o.errors, errNoActiveMapping)
		return nil, nil, nil
	}
	return data, m, nil
}

func (ip *importPass) apply(ctx context.Context, t models.TypeTransformation, rec transform.Record, o *rowOutcome) (transform.Result, bool, error) {
	rule, invalid, err := ip.rules.get(ctx, t)
	if err != nil {
		return transform.Result{}, false, err
	}
	if invalid != nil {
		o.errors = append(o.errors, fmt.Sprintf("unable to apply transformation %d to data: %v", t.ID, invalid))
		return transform.Result{}, false, nil
	}
	res, err := rule.Apply(rec)
	if err != nil {
		o.errors = append(o.errors, fmt.Sprintf("unable to apply transformation %d to data: %v", t.ID, err))
		return transform.Result{}, false, nil
	}
	for _, e := range res.Errors {
		o.errors = append(o.errors, fmt.Sprintf("unable to apply transformation %d to data: %s", t.ID, e))
	}
	return res, len(res.Errors) == 0, nil
}

func record(rec models.StagingRecord, data any) transform.Record {
	return transform.Record{
		ID:           rec.ID,
		ImportID:     rec.ImportID,
		DataSourceID: rec.DataSourceID,
		ContainerID:  rec.ContainerID,
		CreatedAt:    rec.CreatedAt,
		Data:         data,
	}
}

func (ip *importPass) nodeRow(ctx context.Context, rec models.StagingRecord) (rowOutcome, error) {
	o := rowOutcome{id: rec.ID}
	data, m, err := ip.prepare(ctx, rec, &o)
	if err != nil || m == nil {
		return o, err
	}
	tr := record(rec, data)
	var nodes []models.Node
	for _, t := range m.LiveTransformations() {
		if t.Type != models.TransformationNode {
			continue
		}
		res, ok, err := ip.apply(ctx, t, tr, &o)
		if err != nil {
			return o, err
		}
		if ok {
			nodes = append(nodes, res.Nodes...)
		}
	}
	if len(o.errors) == 0 {
		o.nodes = nodes
	}
	return o, nil
}

func (ip *importPass) edgeRow(ctx context.Context, rec models.StagingRecord, idx transform.NodeIndex) (rowOutcome, error) {
	o := rowOutcome{id: rec.ID}
	data, m, err := ip.prepare(ctx, rec, &o)
	if err != nil || m == nil {
		return o, err
	}
	tr := record(rec, data)
	var edges []models.Edge
	for _, t := range m.LiveTransformations() {
		if t.Type != models.TransformationEdge {
			continue
		}
		res, ok, err := ip.apply(ctx, t, tr, &o)
		if err != nil {
			return o, err
		}
		if !ok {
			continue
		}
		for _, c := range res.Edges {
			defaultDataSource(&c.Origin, rec.DataSourceID)
			defaultDataSource(&c.Destination, rec.DataSourceID)
			resolved, err := transform.ResolveEdges(c, idx)
			if err != nil {
				o.errors = append(o.errors, fmt.Sprintf("unable to apply transformation %d to data: %v", t.ID, err))
				continue
			}
			edges = append(edges, resolved...)
		}
	}
	if len(o.errors) == 0 {
		o.edges = edges
	}
	return o, nil
}

// defaultDataSource beschränkt die Suche per Original-ID auf die DataSource der Zeile,
// sofern die Transformation keine andere festlegt.
func defaultDataSource(ep *transform.Endpoint, dataSourceID uint) {
	if ep.OriginalID != nil && ep.DataSourceID == nil {
		id := dataSourceID
		ep.DataSourceID = &id
	}
}

// nodes führt den Knotendurchlauf aus und veröffentlicht alle Knoten in einem Schritt.
func (ip *importPass) nodes(ctx context.Context) error {
	batchSize := max(ip.p.Config.BulkBatchSize, 1)
	var (
		buffer    []models.Node
		succeeded []uint
		failed    = make(map[uint][]string)
		hashes    = make(map[uint]string)
	)
	flush := func() error {
		if err := ip.p.Writer.StageNodes(ctx, buffer); err != nil {
			return err
		}
		buffer = nil
		if err := ip.p.Staging.Store.SaveShapeHashes(ctx, hashes); err != nil {
			return err
		}
		clear(hashes)
		return nil
	}

	err := ip.stream(ctx, staging.NodePass, ip.nodeRow, func(o rowOutcome) error {
		if o.hash != "" {
			hashes[o.id] = o.hash
		}
		if len(o.errors) > 0 {
			failed[o.id] = o.errors
		} else {
			succeeded = append(succeeded, o.id)
			buffer = append(buffer, o.nodes...)
		}
		if len(buffer) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	published, err := ip.p.Writer.PublishNodes(ctx, []uint{ip.imp.ID})
	if err != nil {
		return err
	}
	if err := ip.p.Staging.Store.MarkNodesProcessed(ctx, succeeded, time.Now().UTC()); err != nil {
		return err
	}
	for id, errs := range failed {
		if err := ip.p.Staging.Store.SetErrors(ctx, id, errs); err != nil {
			return err
		}
	}

	m := ip.p.Metrics
	m.NodesPublished.Add(float64(published))
	m.RowsProcessed.WithLabelValues("nodes").Add(float64(len(succeeded)))
	m.RowErrors.WithLabelValues("nodes").Add(float64(len(failed)))
	ip.log.Info("Knotendurchlauf abgeschlossen",
		zap.Int64("published", published),
		zap.Int("rows", len(succeeded)),
		zap.Int("row_errors", len(failed)))
	return nil
}

// edges führt den Kantendurchlauf gegen den Snapshot aus.
func (ip *importPass) edges(ctx context.Context, idx transform.NodeIndex) error {
	batchSize := max(ip.p.Config.BulkBatchSize, 1)
	var (
		buffer    []models.Edge
		succeeded []uint
		failed    = make(map[uint][]string)
	)
	transformRow := func(ctx context.Context, rec models.StagingRecord) (rowOutcome, error) {
		return ip.edgeRow(ctx, rec, idx)
	}

	err := ip.stream(ctx, staging.EdgePass, transformRow, func(o rowOutcome) error {
		if len(o.errors) > 0 {
			failed[o.id] = o.errors
		} else {
			succeeded = append(succeeded, o.id)
			buffer = append(buffer, o.edges...)
		}
		if len(buffer) >= batchSize {
			if err := ip.p.Writer.StageEdges(ctx, buffer); err != nil {
				return err
			}
			buffer = nil
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := ip.p.Writer.StageEdges(ctx, buffer); err != nil {
		return err
	}

	published, err := ip.p.Writer.PublishEdges(ctx, []uint{ip.imp.ID})
	if err != nil {
		return err
	}
	if err := ip.p.Staging.Store.MarkEdgesProcessed(ctx, succeeded, time.Now().UTC()); err != nil {
		return err
	}
	for id, errs := range failed {
		if err := ip.p.Staging.Store.AppendErrors(ctx, id, errs); err != nil {
			return err
		}
	}

	m := ip.p.Metrics
	m.EdgesPublished.Add(float64(published))
	m.RowsProcessed.WithLabelValues("edges").Add(float64(len(succeeded)))
	m.RowErrors.WithLabelValues("edges").Add(float64(len(failed)))
	ip.log.Info("Kantendurchlauf abgeschlossen",
		zap.Int64("published", published),
		zap.Int("rows", len(succeeded)),
		zap.Int("row_errors", len(failed)))
	return nil
}

// decodePayload liest JSON mit erhaltener Zahlendarstellung.
func decodePayload(raw []byte) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
