// Package sources nimmt Rohdaten von DataSources entgegen und legt daraus Imports an.
package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"graphloom/models"
	"graphloom/staging"
)

// Adapter-Typen einer DataSource.
const (
	KindStandard = "standard"
	KindHTTP     = "http"
)

var (
	ErrUnknownKind    = errors.New("sources: unknown source kind")
	ErrInvalidPayload = errors.New("sources: invalid payload")
)

// Source ist das Interface, das jeder Quell-Adapter implementieren muss.
type Source interface {
	// Kind gibt den Adapter-Typ zurück, unter dem DataSources auf die Quelle verweisen.
	Kind() string

	// Receive zerlegt einen Datenstrom in einzelne JSON-Payloads.
	Receive(ctx context.Context, r io.Reader, contentType string) ([]json.RawMessage, error)
}

// Registry hält die aktivierten Quell-Adapter.
type Registry struct {
	sources map[string]Source
}

// NewRegistry erstellt eine Registry mit den angegebenen Adapter-Typen.
// Unbekannte Typen werden protokolliert und übersprungen.
func NewRegistry(kinds []string, logger *zap.Logger) *Registry {
	r := &Registry{sources: make(map[string]Source)}
	for _, kind := range kinds {
		switch kind {
		case KindStandard:
			r.Register(NewStandard())
		case KindHTTP:
			r.Register(NewHTTP())
		default:
			logger.Warn("Unbekannter Quell-Adapter in der Konfiguration", zap.String("kind", kind))
		}
	}
	return r
}

// Register fügt eine Quelle hinzu oder ersetzt eine vorhandene gleichen Typs.
func (r *Registry) Register(s Source) {
	r.sources[s.Kind()] = s
}

// For liefert die Quelle für einen Adapter-Typ.
func (r *Registry) For(kind string) (Source, error) {
	if kind == "" {
		kind = KindStandard
	}
	s, ok := r.sources[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return s, nil
}

// Kinds liefert die registrierten Adapter-Typen, sortiert.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.sources))
	for k := range r.sources {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Attachments sind Tags und Dateien, die allen Zeilen einer Lieferung
// vorgemerkt werden. Sie landen nach dem Durchlauf an Knoten und Kanten.
type Attachments struct {
	TagIDs  []uint
	FileIDs []uint
}

// Rows wandelt Payloads in Staging-Zeilen um.
func Rows(payloads []json.RawMessage, att Attachments) []staging.Row {
	rows := make([]staging.Row, 0, len(payloads))
	for _, p := range payloads {
		rows = append(rows, staging.Row{
			Data:    datatypes.JSON(p),
			TagIDs:  slices.Clone(att.TagIDs),
			FileIDs: slices.Clone(att.FileIDs),
		})
	}
	return rows
}

// Ingester legt aus eingehenden Daten einen Import an.
type Ingester struct {
	Registry *Registry
	Staging  *staging.Lifecycle
	Logger   *zap.Logger
}

// NewIngester erstellt einen neuen Ingester.
func NewIngester(registry *Registry, lifecycle *staging.Lifecycle, logger *zap.Logger) *Ingester {
	return &Ingester{Registry: registry, Staging: lifecycle, Logger: logger}
}

// Ingest zerlegt r mit dem Adapter der DataSource und legt einen Import an.
func (i *Ingester) Ingest(ctx context.Context, dataSourceID uint, reference string, r io.Reader, contentType string, att Attachments) (*models.Import, error) {
	ds, err := i.Staging.Store.DataSource(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}
	src, err := i.Registry.For(ds.AdapterType)
	if err != nil {
		return nil, err
	}
	payloads, err := src.Receive(ctx, r, contentType)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: data source %d: %v", ErrInvalidPayload, ds.ID, err)
	}
	i.Logger.Debug("Daten empfangen",
		zap.Uint("data_source_id", ds.ID),
		zap.String("kind", src.Kind()),
		zap.Int("payloads", len(payloads)))
	return i.Staging.Ingest(ctx, ds.ID, reference, Rows(payloads, att))
}
