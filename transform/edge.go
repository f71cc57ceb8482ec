package transform

import (
	"fmt"

	"github.com/google/uuid"

	"graphloom/models"
)

// Endpoint beschreibt, wie Ursprung oder Ziel einer Kante gefunden wird:
// entweder über eine Original-ID (mit optional fixiertem Metatype/DataSource)
// oder über eine Liste bereits mit Payload-Werten befüllter Parameter.
type Endpoint struct {
	OriginalID   *string
	MetatypeID   *uint
	DataSourceID *uint
	Parameters   []models.EdgeParameter
}

func (e Endpoint) String() string {
	if len(e.Parameters) > 0 {
		return fmt.Sprintf("parameters %v", e.Parameters)
	}
	if e.OriginalID == nil {
		return "missing original id"
	}
	return "original id " + *e.OriginalID
}

// EdgeCandidate ist eine Kante, deren Endpunkte noch nicht aufgelöst sind.
type EdgeCandidate struct {
	Edge        models.Edge
	Origin      Endpoint
	Destination Endpoint
}

// NodeIndex löst Endpunkte gegen die Knoten eines Containers auf.
type NodeIndex interface {
	Resolve(ep Endpoint) []uuid.UUID
}

// ResolveEdges erzeugt für jede Kombination gefundener Ursprungs- und Zielknoten eine Kante.
// Ein nicht auflösbarer Endpunkt ist ein Fehler dieses Kandidaten.
func ResolveEdges(c EdgeCandidate, idx NodeIndex) ([]models.Edge, error) {
	origins := idx.Resolve(c.Origin)
	if len(origins) == 0 {
		return nil, fmt.Errorf("unable to resolve origin node (%s)", c.Origin)
	}
	destinations := idx.Resolve(c.Destination)
	if len(destinations) == 0 {
		return nil, fmt.Errorf("unable to resolve destination node (%s)", c.Destination)
	}

	edges := make([]models.Edge, 0, len(origins)*len(destinations))
	for _, o := range origins {
		for _, d := range destinations {
			e := c.Edge
			e.ID = uuid.New()
			e.OriginID = o
			e.DestinationID = d
			edges = append(edges, e)
		}
	}
	return edges, nil
}

func (r *Rule) endpoint(payload any, index []int, idKey string, metatypeID, dataSourceID *uint, params []models.EdgeParameter) Endpoint {
	ep := Endpoint{MetatypeID: metatypeID, DataSourceID: dataSourceID}
	if idKey != "" {
		if v, ok := Lookup(payload, idKey, index); ok && v != nil {
			id := stringify(v)
			ep.OriginalID = &id
		}
	}
	for _, p := range params {
		filled := p
		if p.Key != "" {
			v, _ := Lookup(payload, p.Key, index)
			filled.Value = v
		}
		ep.Parameters = append(ep.Parameters, filled)
	}
	return ep
}

// ParameterMatches prüft einen Endpunkt-Parameter gegen den Wert eines Knotens.
func ParameterMatches(p models.EdgeParameter, actual any) bool {
	if actual == nil {
		return false
	}
	op := p.Operator
	if op == "" {
		op = OpEqual
	}
	return compare(op, actual, p.Value)
}
