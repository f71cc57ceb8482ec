// Package transform wendet Typ-Transformationen auf Staging-Payloads an und
// erzeugt daraus Knoten- und Kanten-Kandidaten.
package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"graphloom/models"
)

// ErrAborted kennzeichnet den Abbruch der gesamten Transformation für einen Datensatz.
var ErrAborted = errors.New("transformation aborted")

// KeyDefinition ist die aufgelöste Ontologie-Definition eines Ziel-Keys.
type KeyDefinition struct {
	ID           uint
	PropertyName string
	DataType     string
	Required     bool
}

// Record ist die Sicht der Regel-Engine auf einen Staging-Datensatz.
type Record struct {
	ID           uint
	ImportID     uint
	DataSourceID uint
	ContainerID  string
	CreatedAt    time.Time
	Data         any
}

// Result enthält die Kandidaten einer Anwendung sowie Fehler einzelner Kandidaten.
type Result struct {
	Nodes  []models.Node
	Edges  []EdgeCandidate
	Errors []string
}

type boundKey struct {
	mapping models.KeyMapping
	def     KeyDefinition
}

// Rule ist eine kompilierte, wiederverwendbare TypeTransformation.
type Rule struct {
	t            models.TypeTransformation
	keys         []boundKey
	levels       []string
	onExtraction string
	onConversion string
}

// Compile bindet die Keys der Transformation an ihre Ontologie-Definitionen.
func Compile(t models.TypeTransformation, defs map[uint]KeyDefinition) (*Rule, error) {
	switch t.Type {
	case models.TransformationNode:
		if t.MetatypeID == nil {
			return nil, fmt.Errorf("node transformation %d has no metatype", t.ID)
		}
	case models.TransformationEdge:
		if t.RelationshipPairID == nil {
			return nil, fmt.Errorf("edge transformation %d has no relationship pair", t.ID)
		}
	default:
		return nil, fmt.Errorf("transformation %d has unsupported type %q", t.ID, t.Type)
	}

	cfg := t.Config.Data()
	r := &Rule{
		t:            t,
		levels:       rootLevels(t.RootArray),
		onExtraction: normalizePolicy(cfg.OnKeyExtractionError),
		onConversion: normalizePolicy(cfg.OnConversionError),
	}
	for _, k := range t.Keys {
		if k.DestinationKeyID == nil {
			continue
		}
		def, ok := defs[*k.DestinationKeyID]
		if !ok {
			return nil, fmt.Errorf("key %d referenced by transformation %d does not exist", *k.DestinationKeyID, t.ID)
		}
		r.keys = append(r.keys, boundKey{mapping: k, def: def})
	}
	return r, nil
}

// Transformation liefert die zugrunde liegende TypeTransformation.
func (r *Rule) Transformation() models.TypeTransformation {
	return r.t
}

func normalizePolicy(p string) string {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(p, "_", " "))) {
	case models.OnErrorIgnore:
		return models.OnErrorIgnore
	case models.OnErrorFail:
		return models.OnErrorFail
	default:
		return models.OnErrorFailOnRequired
	}
}

// Apply führt die Transformation gegen die Payload des Datensatzes aus.
// Ein Fehler wird nur zurückgegeben, wenn die gesamte Anwendung abgebrochen wurde
// (Politik "fail" oder nicht auflösbares root_array); Fehler einzelner Kandidaten
// stehen in Result.Errors.
func (r *Rule) Apply(rec Record) (Result, error) {
	var res Result
	if err := r.iterate(rec, 0, nil, &res); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (r *Rule) iterate(rec Record, level int, index []int, res *Result) error {
	if level == len(r.levels) {
		if !Matches(r.t.Conditions, rec.Data, index) {
			return nil
		}
		return r.generate(rec, index, res)
	}

	v, ok := Lookup(rec.Data, r.levels[level], index)
	items, isArray := v.([]any)
	if !ok || !isArray {
		if level == 0 {
			return fmt.Errorf("%w: provided root array key does not extract array from payload", ErrAborted)
		}
		return fmt.Errorf("%w: provided nested array key does not extract array from payload", ErrAborted)
	}
	for i := range items {
		next := make([]int, len(index), len(index)+1)
		copy(next, index)
		if err := r.iterate(rec, level+1, append(next, i), res); err != nil {
			return err
		}
	}
	return nil
}

// candidateError bricht nur den aktuellen Kandidaten ab.
type candidateError struct{ msg string }

func (e candidateError) Error() string { return e.msg }

func (r *Rule) generate(rec Record, index []int, res *Result) error {
	props, meta, err := r.properties(rec.Data, index)
	if err != nil {
		var ce candidateError
		if errors.As(err, &ce) {
			res.Errors = append(res.Errors, ce.msg)
			return nil
		}
		return err
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("%w: unable to encode properties: %v", ErrAborted, err)
	}

	containerID := r.t.ContainerID
	if containerID == "" {
		containerID = rec.ContainerID
	}

	if r.t.Type == models.TransformationNode {
		node := models.Node{
			ID:                          uuid.New(),
			ContainerID:                 containerID,
			MetatypeID:                  *r.t.MetatypeID,
			Properties:                  datatypes.JSON(raw),
			Metadata:                    datatypes.NewJSONType(meta),
			DataSourceID:                rec.DataSourceID,
			ImportDataID:                rec.ImportID,
			DataStagingID:               rec.ID,
			TypeMappingTransformationID: r.t.ID,
			Merge:                       r.t.Merge,
		}
		if r.t.UniqueIdentifierKey != "" {
			if v, ok := Lookup(rec.Data, r.t.UniqueIdentifierKey, index); ok && v != nil {
				id := stringify(v)
				node.OriginalDataID = &id
			}
		}
		res.Nodes = append(res.Nodes, node)
		return nil
	}

	res.Edges = append(res.Edges, EdgeCandidate{
		Edge: models.Edge{
			ContainerID:                 containerID,
			RelationshipPairID:          *r.t.RelationshipPairID,
			Properties:                  datatypes.JSON(raw),
			Metadata:                    datatypes.NewJSONType(meta),
			DataSourceID:                rec.DataSourceID,
			ImportDataID:                rec.ImportID,
			DataStagingID:               rec.ID,
			TypeMappingTransformationID: r.t.ID,
		},
		Origin:      r.endpoint(rec.Data, index, r.t.OriginIDKey, r.t.OriginMetatypeID, r.t.OriginDataSourceID, r.t.OriginParameters),
		Destination: r.endpoint(rec.Data, index, r.t.DestinationIDKey, r.t.DestinationMetatypeID, r.t.DestinationDataSourceID, r.t.DestinationParameters),
	})
	return nil
}

// properties befüllt die Ziel-Keys gemäß der Fehlerpolitik der Transformation.
func (r *Rule) properties(payload any, index []int) (map[string]any, models.ConversionMetadata, error) {
	props := make(map[string]any, len(r.keys))
	var meta models.ConversionMetadata

	for _, k := range r.keys {
		name := k.def.PropertyName
		if k.mapping.Value != nil {
			props[name] = k.mapping.Value
		}
		if k.mapping.SourcePath == "" {
			continue
		}

		v, ok := Lookup(payload, k.mapping.SourcePath, index)
		if !ok {
			if err := r.policyError(r.onExtraction, k.def, fmt.Sprintf("unable to extract %q from payload for key %s", k.mapping.SourcePath, name)); err != nil {
				return nil, meta, err
			}
			continue
		}

		out, changed, err := convert(k.def.DataType, v, k.mapping.ConversionFormat)
		if err != nil {
			meta.FailedConversions = append(meta.FailedConversions, models.Conversion{Key: name, OriginalValue: v, Error: err.Error()})
			if perr := r.policyError(r.onConversion, k.def, fmt.Sprintf("unable to convert value for key %s: %v", name, err)); perr != nil {
				return nil, meta, perr
			}
			continue
		}
		if changed {
			meta.Conversions = append(meta.Conversions, models.Conversion{Key: name, OriginalValue: v, ConvertedValue: out})
			props[name] = out
		} else {
			props[name] = v
		}
	}
	return props, meta, nil
}

// policyError liefert nil, wenn der Key übersprungen werden darf.
func (r *Rule) policyError(policy string, def KeyDefinition, msg string) error {
	switch policy {
	case models.OnErrorIgnore:
		return nil
	case models.OnErrorFail:
		return fmt.Errorf("%w: %s", ErrAborted, msg)
	default:
		if def.Required {
			return candidateError{msg: msg + " (required)"}
		}
		return nil
	}
}
