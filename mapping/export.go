package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"

	"graphloom/models"
)

// ArtifactVersion ist die aktuelle Version des Exportformats.
const ArtifactVersion = 1

// ImportAlertMessage wird nach jedem Mapping-Import als Container-Hinweis abgelegt.
const ImportAlertMessage = "Type Mappings were just imported. It is highly recommended you review all mappings. " +
	"Relationship mappings must be reviewed so that the proper origin and destination data source can be selected."

// Format ist das Serialisierungsformat eines Artefakts.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Artifact ist ein exportiertes Mapping-Paket ohne numerische Ontologie-IDs.
type Artifact struct {
	Version  int               `json:"version" yaml:"version"`
	Mappings []ExportedMapping `json:"mappings" yaml:"mappings"`
}

// ExportedMapping ist ein Mapping mit seinen Transformationen.
type ExportedMapping struct {
	ShapeHash       string                   `json:"shape_hash" yaml:"shape_hash"`
	SamplePayload   any                      `json:"sample_payload,omitempty" yaml:"sample_payload,omitempty"`
	Transformations []ExportedTransformation `json:"transformations" yaml:"transformations"`
}

// ExportedTransformation referenziert Metatypes und Beziehungspaare über ihren Namen.
type ExportedTransformation struct {
	Name                  string                      `json:"name,omitempty" yaml:"name,omitempty"`
	Type                  models.TransformationType   `json:"type" yaml:"type"`
	MetatypeName          string                      `json:"metatype_name,omitempty" yaml:"metatype_name,omitempty"`
	RelationshipPairName  string                      `json:"metatype_relationship_pair_name,omitempty" yaml:"metatype_relationship_pair_name,omitempty"`
	RootArray             string                      `json:"root_array,omitempty" yaml:"root_array,omitempty"`
	Conditions            []models.Condition          `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Keys                  []models.KeyMapping         `json:"keys,omitempty" yaml:"keys,omitempty"`
	UniqueIdentifierKey   string                      `json:"unique_identifier_key,omitempty" yaml:"unique_identifier_key,omitempty"`
	OriginIDKey           string                      `json:"origin_id_key,omitempty" yaml:"origin_id_key,omitempty"`
	OriginParameters      []models.EdgeParameter      `json:"origin_parameters,omitempty" yaml:"origin_parameters,omitempty"`
	DestinationIDKey      string                      `json:"destination_id_key,omitempty" yaml:"destination_id_key,omitempty"`
	DestinationParameters []models.EdgeParameter      `json:"destination_parameters,omitempty" yaml:"destination_parameters,omitempty"`
	Config                models.TransformationConfig `json:"config" yaml:"config"`
	Merge                 bool                        `json:"merge,omitempty" yaml:"merge,omitempty"`
}

// Export serialisiert die angegebenen Mappings. Gruppierte Mappings und
// Transformationen mit nicht auflösbaren Zielen werden einzeln gemeldet.
func (d *Directory) Export(ctx context.Context, ids []uint) (*Artifact, []ItemResult, error) {
	art := &Artifact{Version: ArtifactVersion}
	var results []ItemResult

	for _, id := range ids {
		m, err := d.Store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				results = append(results, ItemResult{MappingID: id, Err: err})
				continue
			}
			return nil, nil, err
		}
		if m.Grouped() {
			results = append(results, ItemResult{MappingID: id, Err: ErrGroupedMapping})
			continue
		}

		em := ExportedMapping{ShapeHash: *m.ShapeHash}
		if len(m.SamplePayload) > 0 {
			var sample any
			if err := json.Unmarshal(m.SamplePayload, &sample); err == nil {
				em.SamplePayload = sample
			}
		}
		for _, t := range m.LiveTransformations() {
			et, err := d.exportTransformation(ctx, t)
			if err != nil {
				results = append(results, ItemResult{MappingID: id, TransformationID: t.ID, Err: err})
				continue
			}
			em.Transformations = append(em.Transformations, et)
		}
		art.Mappings = append(art.Mappings, em)
		results = append(results, ItemResult{MappingID: id})
	}
	return art, results, nil
}

func (d *Directory) exportTransformation(ctx context.Context, t models.TypeTransformation) (ExportedTransformation, error) {
	et := ExportedTransformation{
		Name:                  t.Name,
		Type:                  t.Type,
		RootArray:             t.RootArray,
		Conditions:            t.Conditions,
		UniqueIdentifierKey:   t.UniqueIdentifierKey,
		OriginIDKey:           t.OriginIDKey,
		OriginParameters:      t.OriginParameters,
		DestinationIDKey:      t.DestinationIDKey,
		DestinationParameters: t.DestinationParameters,
		Config:                t.Config.Data(),
		Merge:                 t.Merge,
	}

	var refs []keyRef
	switch t.Type {
	case models.TransformationNode:
		if t.MetatypeID == nil {
			return et, fmt.Errorf("transformation %d has no metatype", t.ID)
		}
		mt, err := d.Ontology.Metatype(ctx, *t.MetatypeID)
		if err != nil {
			return et, err
		}
		keys, err := d.Ontology.KeysOfMetatype(ctx, mt.ID)
		if err != nil {
			return et, err
		}
		et.MetatypeName = mt.Name
		refs = metatypeKeyRefs(keys)
	case models.TransformationEdge:
		if t.RelationshipPairID == nil {
			return et, fmt.Errorf("transformation %d has no relationship pair", t.ID)
		}
		name, err := d.Ontology.PairName(ctx, *t.RelationshipPairID)
		if err != nil {
			return et, err
		}
		keys, err := d.Ontology.KeysOfPair(ctx, *t.RelationshipPairID)
		if err != nil {
			return et, err
		}
		et.RelationshipPairName = name
		refs = relationshipKeyRefs(keys)
	}

	for _, k := range nameKeys(t.Keys, refs) {
		k.DestinationKeyID = nil
		et.Keys = append(et.Keys, k)
	}
	return et, nil
}

// Encode schreibt das Artefakt im gewünschten Format.
func (a *Artifact) Encode(w io.Writer, f Format) error {
	switch f {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(a); err != nil {
			return fmt.Errorf("encode mapping artifact: %w", err)
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(a); err != nil {
			return fmt.Errorf("encode mapping artifact: %w", err)
		}
		return nil
	}
}

// DecodeArtifact liest ein Artefakt im angegebenen Format.
func DecodeArtifact(r io.Reader, f Format) (*Artifact, error) {
	var a Artifact
	var err error
	if f == FormatYAML {
		err = yaml.NewDecoder(r).Decode(&a)
	} else {
		err = json.NewDecoder(r).Decode(&a)
	}
	if err != nil {
		return nil, fmt.Errorf("decode mapping artifact: %w", err)
	}
	if a.Version > ArtifactVersion {
		return nil, fmt.Errorf("mapping artifact version %d is not supported", a.Version)
	}
	return &a, nil
}

// Import legt die Mappings des Artefakts inaktiv für die Ziel-DataSource an und
// löst Metatypes, Paare und Keys per Namen gegen die Ontologie-Version auf.
func (d *Directory) Import(ctx context.Context, a *Artifact, target models.DataSource, versionID *uint) ([]ItemResult, error) {
	log := d.Logger.With(zap.String("container_id", target.ContainerID), zap.Uint("data_source_id", target.ID))
	var results []ItemResult
	imported := 0

	for _, em := range a.Mappings {
		hash := em.ShapeHash
		m := models.TypeMapping{
			ContainerID:  target.ContainerID,
			DataSourceID: target.ID,
			ShapeHash:    &hash,
			Active:       false,
		}
		if em.SamplePayload != nil {
			if raw, err := json.Marshal(em.SamplePayload); err == nil {
				m.SamplePayload = datatypes.JSON(raw)
			}
		}

		var failures []ItemResult
		for _, et := range em.Transformations {
			t, err := d.importTransformation(ctx, target, versionID, et)
			if err != nil {
				failures = append(failures, ItemResult{Err: err})
				continue
			}
			m.Transformations = append(m.Transformations, t)
		}

		if err := d.Store.Create(ctx, &m); err != nil {
			results = append(results, ItemResult{Err: fmt.Errorf("mapping for shape %s: %w", hash, err)})
			continue
		}
		imported++
		for _, f := range failures {
			f.MappingID = m.ID
			results = append(results, f)
		}
		results = append(results, ItemResult{MappingID: m.ID})
	}

	if imported > 0 {
		d.Events.Alert(ctx, target.ContainerID, "warning", ImportAlertMessage)
	}
	log.Info("Type Mappings importiert", zap.Int("imported", imported), zap.Int("total", len(a.Mappings)))
	return results, nil
}

func (d *Directory) importTransformation(ctx context.Context, target models.DataSource, versionID *uint, et ExportedTransformation) (models.TypeTransformation, error) {
	t := models.TypeTransformation{
		ContainerID:           target.ContainerID,
		Name:                  et.Name,
		Type:                  et.Type,
		RootArray:             et.RootArray,
		Conditions:            et.Conditions,
		UniqueIdentifierKey:   et.UniqueIdentifierKey,
		OriginIDKey:           et.OriginIDKey,
		OriginParameters:      et.OriginParameters,
		DestinationIDKey:      et.DestinationIDKey,
		DestinationParameters: et.DestinationParameters,
		Merge:                 et.Merge,
	}
	cfg := et.Config

	var refs []keyRef
	switch et.Type {
	case models.TransformationNode:
		mt, err := d.Ontology.MetatypeByName(ctx, target.ContainerID, versionID, et.MetatypeName)
		if err != nil {
			return t, fmt.Errorf("unable to find metatype with name %s for transformation %s: %w", et.MetatypeName, et.Name, err)
		}
		keys, err := d.Ontology.KeysOfMetatype(ctx, mt.ID)
		if err != nil {
			return t, err
		}
		id := mt.ID
		t.MetatypeID = &id
		refs = metatypeKeyRefs(keys)
	case models.TransformationEdge:
		pair, err := d.Ontology.PairByName(ctx, target.ContainerID, versionID, et.RelationshipPairName)
		if err != nil {
			return t, fmt.Errorf("unable to find relationship pair with name %s for transformation %s: %w", et.RelationshipPairName, et.Name, err)
		}
		keys, err := d.Ontology.KeysOfPair(ctx, pair.ID)
		if err != nil {
			return t, err
		}
		bindPair(&t, pair, &target.ID)
		refs = relationshipKeyRefs(keys)
	default:
		return t, fmt.Errorf("unsupported transformation type %q", et.Type)
	}

	bound, failed := bindKeys(et.Keys, refs)
	t.Keys = bound
	cfg.FailedUpgradedKeys = append(cfg.FailedUpgradedKeys, failed...)
	t.Config = datatypes.NewJSONType(cfg)
	return t, nil
}

// bindPair setzt Paar-ID, Endpunkt-Metatypes und Parameter auf das neue Paar.
func bindPair(t *models.TypeTransformation, pair *models.MetatypeRelationshipPair, dataSourceID *uint) {
	pairID, origin, destination := pair.ID, pair.OriginMetatypeID, pair.DestinationMetatypeID
	t.RelationshipPairID = &pairID
	t.OriginMetatypeID = &origin
	t.DestinationMetatypeID = &destination
	t.OriginParameters = rebaseParameters(t.OriginParameters, origin, dataSourceID)
	t.DestinationParameters = rebaseParameters(t.DestinationParameters, destination, dataSourceID)
}
