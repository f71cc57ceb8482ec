package services

import (
	"context"
	"fmt"
	"sync"

	"gorm.io/datatypes"

	"graphloom/mapping"
	"graphloom/models"
	"graphloom/ontology"
	"graphloom/transform"
)

// mappingCache merkt sich die Auflösung von Shape-Hashes für die Dauer eines Durchlaufs.
type mappingCache struct {
	mu           sync.Mutex
	dir          *mapping.Directory
	containerID  string
	dataSourceID uint
	byHash       map[string]*models.TypeMapping
	onTouch      func()
}

func newMappingCache(dir *mapping.Directory, containerID string, dataSourceID uint, onTouch func()) *mappingCache {
	return &mappingCache{
		dir:          dir,
		containerID:  containerID,
		dataSourceID: dataSourceID,
		byHash:       make(map[string]*models.TypeMapping),
		onTouch:      onTouch,
	}
}

// get liefert das Mapping für hash. Unbekannte Hashes erhalten ein inaktives
// Mapping mit der Payload als Beispiel, das Ergebnis ist dann nil.
func (c *mappingCache) get(ctx context.Context, hash string, sample datatypes.JSON) (*models.TypeMapping, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.byHash[hash]; ok {
		return m, nil
	}
	resolved, err := c.dir.Resolve(ctx, c.containerID, c.dataSourceID, []string{hash})
	if err != nil {
		return nil, err
	}
	m := resolved[hash]
	if m == nil {
		if _, err := c.dir.CreateOrTouch(ctx, c.containerID, c.dataSourceID, hash, sample); err != nil {
			return nil, err
		}
		if c.onTouch != nil {
			c.onTouch()
		}
	}
	c.byHash[hash] = m
	return m, nil
}

// ruleCache kompiliert jede Transformation höchstens einmal pro Durchlauf.
type ruleCache struct {
	mu       sync.Mutex
	ontology ontology.Resolver
	rules    map[uint]*transform.Rule
	invalid  map[uint]error
}

func newRuleCache(resolver ontology.Resolver) *ruleCache {
	return &ruleCache{
		ontology: resolver,
		rules:    make(map[uint]*transform.Rule),
		invalid:  make(map[uint]error),
	}
}

// get liefert die kompilierte Regel. invalid ist ein Fehler der Transformation
// selbst und betrifft nur die Zeile, err ist ein Infrastrukturfehler.
func (c *ruleCache) get(ctx context.Context, t models.TypeTransformation) (rule *transform.Rule, invalid error, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rules[t.ID]; ok {
		return r, nil, nil
	}
	if e, ok := c.invalid[t.ID]; ok {
		return nil, e, nil
	}

	ids := make([]uint, 0, len(t.Keys))
	for _, k := range t.Keys {
		if k.DestinationKeyID != nil {
			ids = append(ids, *k.DestinationKeyID)
		}
	}
	var defs map[uint]transform.KeyDefinition
	if t.Type == models.TransformationEdge {
		defs, err = c.ontology.RelationshipKeys(ctx, ids)
	} else {
		defs, err = c.ontology.MetatypeKeys(ctx, ids)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load keys of transformation %d: %w", t.ID, err)
	}

	r, compileErr := transform.Compile(t, defs)
	if compileErr != nil {
		c.invalid[t.ID] = compileErr
		return nil, compileErr, nil
	}
	c.rules[t.ID] = r
	return r, nil, nil
}
