package sources

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"graphloom/models"
)

// userAgentTransport fügt jeder Anfrage einen User-Agent-Header hinzu.
type userAgentTransport struct {
	Transport http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", "graphloom-poller/1.0")
	}
	return t.Transport.RoundTrip(req)
}

// httpClient wird für alle Abfragen der HTTP-Quellen verwendet.
var httpClient = &http.Client{
	Timeout:   60 * time.Second,
	Transport: &userAgentTransport{Transport: http.DefaultTransport},
}

// HTTP ist der Adapter für abgefragte HTTP-Endpunkte. Die Antwort muss ein JSON-Array sein.
type HTTP struct{}

// NewHTTP erstellt den HTTP-Adapter.
func NewHTTP() *HTTP {
	return &HTTP{}
}

// Kind gibt den Adapter-Typ zurück.
func (h *HTTP) Kind() string {
	return KindHTTP
}

func (h *HTTP) Receive(ctx context.Context, r io.Reader, _ string) ([]json.RawMessage, error) {
	br := bufio.NewReader(r)
	first, err := firstByte(br)
	if err != nil {
		return nil, err
	}
	if first == 0 {
		return nil, nil
	}
	if first != '[' {
		return nil, errors.New("response from http source must be an array of JSON objects")
	}
	return decodeJSON(ctx, br)
}

// HTTPConfig ist die Konfiguration einer HTTP-DataSource (DataSource.Config).
type HTTPConfig struct {
	Endpoint string `json:"endpoint"`
	// "basic", "token" oder leer
	AuthMethod string `json:"auth_method,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	Token      string `json:"token,omitempty"`
	// Sekunden zwischen zwei Abfragen
	PollInterval int `json:"poll_interval,omitempty"`
}

// ParseHTTPConfig liest die Konfiguration einer DataSource.
func ParseHTTPConfig(ds models.DataSource) (HTTPConfig, error) {
	var c HTTPConfig
	if len(ds.Config) == 0 {
		return c, fmt.Errorf("data source %d has no http configuration", ds.ID)
	}
	if err := json.Unmarshal(ds.Config, &c); err != nil {
		return c, fmt.Errorf("parse http configuration of data source %d: %w", ds.ID, err)
	}
	if c.Endpoint == "" {
		return c, fmt.Errorf("data source %d has no endpoint", ds.ID)
	}
	return c, nil
}

// PollStore liefert die abzufragenden DataSources und ihren letzten Import.
type PollStore interface {
	ActiveDataSources(ctx context.Context, adapterType string) ([]models.DataSource, error)
	LastImport(ctx context.Context, dataSourceID uint) (*models.Import, error)
}

// Poller fragt alle aktiven HTTP-DataSources ab und legt aus den Antworten Imports an.
type Poller struct {
	Store    PollStore
	Ingester *Ingester
	Client   *http.Client
	Limiter  *rate.Limiter
	Logger   *zap.Logger
	Now      func() time.Time
}

// NewPoller erstellt einen neuen Poller. perSecond begrenzt die Abfragen über alle Quellen.
func NewPoller(store PollStore, ingester *Ingester, perSecond float64, logger *zap.Logger) *Poller {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &Poller{
		Store:    store,
		Ingester: ingester,
		Client:   httpClient,
		Limiter:  rate.NewLimiter(limit, 1),
		Logger:   logger,
		Now:      time.Now,
	}
}

// Poll fragt jede fällige Quelle einmal ab und liefert die Zahl der angelegten Imports.
// Fehler einzelner Quellen werden protokolliert.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	sources, err := p.Store.ActiveDataSources(ctx, KindHTTP)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, ds := range sources {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		imp, err := p.pollOne(ctx, ds)
		if err != nil {
			p.Logger.Error("Abfrage der HTTP-Quelle fehlgeschlagen", zap.Uint("data_source_id", ds.ID), zap.Error(err))
			continue
		}
		if imp != nil {
			created++
		}
	}
	return created, nil
}

func (p *Poller) pollOne(ctx context.Context, ds models.DataSource) (*models.Import, error) {
	log := p.Logger.With(zap.Uint("data_source_id", ds.ID), zap.String("container_id", ds.ContainerID))
	cfg, err := ParseHTTPConfig(ds)
	if err != nil {
		return nil, err
	}

	last, err := p.Store.LastImport(ctx, ds.ID)
	if err != nil {
		return nil, err
	}
	// Erst abfragen, wenn der vorige Import fertig ist.
	if last != nil && last.Status != models.ImportCompleted {
		log.Debug("Letzter Import noch offen, Abfrage übersprungen", zap.Uint("import_id", last.ID))
		return nil, nil
	}
	if last != nil && cfg.PollInterval > 0 && p.Now().Sub(last.CreatedAt) < time.Duration(cfg.PollInterval)*time.Second {
		return nil, nil
	}

	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := endpoint.Query()
	lastImport := ""
	if last != nil {
		lastImport = last.ModifiedAt.UTC().Format(http.TimeFormat)
	}
	q.Set("lastImport", lastImport)
	endpoint.RawQuery = q.Encode()

	if err := p.Limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if last != nil && last.Reference != "" {
		req.Header.Set("Reference", last.Reference)
	}
	switch cfg.AuthMethod {
	case "basic":
		req.SetBasicAuth(cfg.Username, cfg.Password)
	case "token":
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}

	log.Debug("Frage HTTP-Quelle ab", zap.String("url", endpoint.Redacted()))
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("http source returned status %d", resp.StatusCode)
	}

	src, err := p.Ingester.Registry.For(KindHTTP)
	if err != nil {
		return nil, err
	}
	payloads, err := src.Receive(ctx, resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	if len(payloads) == 0 {
		log.Debug("HTTP-Quelle lieferte keine Daten")
		return nil, nil
	}

	imp, err := p.Ingester.Staging.Ingest(ctx, ds.ID, resp.Header.Get("Reference"), Rows(payloads, Attachments{}))
	if err != nil {
		return nil, err
	}
	log.Info("Daten von HTTP-Quelle übernommen", zap.Uint("import_id", imp.ID), zap.Int("rows", len(payloads)))
	return imp, nil
}
