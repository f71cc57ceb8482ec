package mapping

import "graphloom/models"

// keyRef ist die namensbasierte Sicht auf einen Ontologie-Key.
type keyRef struct {
	ID           uint
	Name         string
	PropertyName string
}

func metatypeKeyRefs(keys []models.MetatypeKey) []keyRef {
	out := make([]keyRef, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyRef{ID: k.ID, Name: k.Name, PropertyName: k.PropertyName})
	}
	return out
}

func relationshipKeyRefs(keys []models.MetatypeRelationshipKey) []keyRef {
	out := make([]keyRef, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyRef{ID: k.ID, Name: k.Name, PropertyName: k.PropertyName})
	}
	return out
}

// nameKeys setzt DestinationKeyName anhand der bisherigen Key-Definitionen.
func nameKeys(keys []models.KeyMapping, refs []keyRef) []models.KeyMapping {
	byID := make(map[uint]keyRef, len(refs))
	for _, r := range refs {
		byID[r.ID] = r
	}
	out := make([]models.KeyMapping, 0, len(keys))
	for _, k := range keys {
		if k.DestinationKeyID != nil {
			if r, ok := byID[*k.DestinationKeyID]; ok {
				k.DestinationKeyName = r.PropertyName
				if k.DestinationKeyName == "" {
					k.DestinationKeyName = r.Name
				}
			}
		}
		out = append(out, k)
	}
	return out
}

// bindKeys löst die Key-Namen gegen neue Definitionen auf, zuerst über
// property_name, dann über name. Nicht auflösbare Keys landen in failed.
func bindKeys(keys []models.KeyMapping, refs []keyRef) (bound, failed []models.KeyMapping) {
	for _, k := range keys {
		if k.DestinationKeyName == "" {
			k.DestinationKeyID = nil
			failed = append(failed, k)
			continue
		}
		ref, ok := findRef(refs, k.DestinationKeyName)
		if !ok {
			k.DestinationKeyID = nil
			failed = append(failed, k)
			continue
		}
		id := ref.ID
		k.DestinationKeyID = &id
		bound = append(bound, k)
	}
	return bound, failed
}

func findRef(refs []keyRef, name string) (keyRef, bool) {
	for _, r := range refs {
		if r.PropertyName == name {
			return r, true
		}
	}
	for _, r := range refs {
		if r.Name == name {
			return r, true
		}
	}
	return keyRef{}, false
}

// rebaseParameters setzt die Werte aller metatype_id-Parameter auf den neuen Metatype.
func rebaseParameters(params []models.EdgeParameter, metatypeID uint, dataSourceID *uint) []models.EdgeParameter {
	out := make([]models.EdgeParameter, 0, len(params))
	for _, p := range params {
		switch p.Type {
		case models.ParamMetatypeID:
			if p.Key == "" {
				p.Value = metatypeID
			}
		case models.ParamDataSource:
			if dataSourceID != nil && p.Key == "" {
				p.Value = *dataSourceID
			}
		}
		out = append(out, p)
	}
	return out
}
