package mapping

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"graphloom/models"
)

// Upgrade bindet alle Transformationen eines Containers an die angegebene
// Ontologie-Version. Metatypes und Paare werden über ihren Namen gesucht, Keys
// über property_name bzw. name. Fehler einer Transformation brechen die übrigen
// nicht ab.
func (d *Directory) Upgrade(ctx context.Context, containerID string, versionID uint) ([]ItemResult, error) {
	mappings, err := d.Store.ListByContainer(ctx, containerID)
	if err != nil {
		return nil, err
	}
	log := d.Logger.With(zap.String("container_id", containerID), zap.Uint("ontology_version_id", versionID))

	var results []ItemResult
	failed := 0
	for _, m := range mappings {
		if m.Grouped() {
			results = append(results, ItemResult{MappingID: m.ID, Err: ErrGroupedMapping})
			failed++
			continue
		}
		for _, t := range m.LiveTransformations() {
			res := ItemResult{MappingID: m.ID, TransformationID: t.ID}
			if err := d.upgradeTransformation(ctx, containerID, versionID, &t); err != nil {
				res.Err = err
			} else if err := d.Store.SaveTransformation(ctx, &t); err != nil {
				res.Err = err
			}
			if res.Err != nil {
				failed++
				log.Warn("Upgrade der Transformation fehlgeschlagen",
					zap.Uint("transformation_id", t.ID), zap.Error(res.Err))
			}
			results = append(results, res)
		}
	}
	log.Info("Ontologie-Upgrade abgeschlossen", zap.Int("items", len(results)), zap.Int("failed", failed))
	return results, nil
}

func (d *Directory) upgradeTransformation(ctx context.Context, containerID string, versionID uint, t *models.TypeTransformation) error {
	version := versionID
	cfg := t.Config.Data()

	var (
		named []models.KeyMapping
		refs  []keyRef
	)
	switch t.Type {
	case models.TransformationNode:
		if t.MetatypeID == nil {
			return fmt.Errorf("transformation %d has no metatype", t.ID)
		}
		old, err := d.Ontology.Metatype(ctx, *t.MetatypeID)
		if err != nil {
			return err
		}
		oldKeys, err := d.Ontology.KeysOfMetatype(ctx, old.ID)
		if err != nil {
			return err
		}
		named = nameKeys(t.Keys, metatypeKeyRefs(oldKeys))

		mt, err := d.Ontology.MetatypeByName(ctx, containerID, &version, old.Name)
		if err != nil {
			return fmt.Errorf("unable to find metatype with name %s for transformation %d: %w", old.Name, t.ID, err)
		}
		keys, err := d.Ontology.KeysOfMetatype(ctx, mt.ID)
		if err != nil {
			return err
		}
		id := mt.ID
		t.MetatypeID = &id
		refs = metatypeKeyRefs(keys)
	case models.TransformationEdge:
		if t.RelationshipPairID == nil {
			return fmt.Errorf("transformation %d has no relationship pair", t.ID)
		}
		name, err := d.Ontology.PairName(ctx, *t.RelationshipPairID)
		if err != nil {
			return err
		}
		oldKeys, err := d.Ontology.KeysOfPair(ctx, *t.RelationshipPairID)
		if err != nil {
			return err
		}
		named = nameKeys(t.Keys, relationshipKeyRefs(oldKeys))

		pair, err := d.Ontology.PairByName(ctx, containerID, &version, name)
		if err != nil {
			return fmt.Errorf("unable to find relationship pair with name %s for transformation %d: %w", name, t.ID, err)
		}
		keys, err := d.Ontology.KeysOfPair(ctx, pair.ID)
		if err != nil {
			return err
		}
		bindPair(t, pair, nil)
		refs = relationshipKeyRefs(keys)
	default:
		return fmt.Errorf("unsupported transformation type %q", t.Type)
	}

	bound, failed := bindKeys(named, refs)
	t.Keys = bound
	cfg.FailedUpgradedKeys = append(cfg.FailedUpgradedKeys, failed...)
	t.Config = datatypes.NewJSONType(cfg)
	return nil
}
