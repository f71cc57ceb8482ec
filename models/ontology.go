package models

// Die Ontologie wird außerhalb dieses Dienstes gepflegt; hier wird nur gelesen.

// Metatype ist ein Knotentyp einer Ontologie-Version.
type Metatype struct {
	ID                uint   `json:"id" gorm:"primaryKey"`
	ContainerID       string `json:"container_id"`
	OntologyVersionID *uint  `json:"ontology_version_id,omitempty"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
}

func (Metatype) TableName() string {
	return "metatypes"
}

// MetatypeKey ist eine Eigenschaftsdefinition eines Metatypes.
type MetatypeKey struct {
	ID           uint   `json:"id" gorm:"primaryKey"`
	MetatypeID   uint   `json:"metatype_id"`
	Name         string `json:"name"`
	PropertyName string `json:"property_name"`
	DataType     string `json:"data_type"`
	Required     bool   `json:"required"`
}

func (MetatypeKey) TableName() string {
	return "metatype_keys"
}

// MetatypeRelationship ist ein Beziehungstyp.
type MetatypeRelationship struct {
	ID                uint   `json:"id" gorm:"primaryKey"`
	ContainerID       string `json:"container_id"`
	OntologyVersionID *uint  `json:"ontology_version_id,omitempty"`
	Name              string `json:"name"`
}

func (MetatypeRelationship) TableName() string {
	return "metatype_relationships"
}

// MetatypeRelationshipPair verbindet Ursprungs- und Ziel-Metatype über einen Beziehungstyp.
type MetatypeRelationshipPair struct {
	ID                    uint   `json:"id" gorm:"primaryKey"`
	ContainerID           string `json:"container_id"`
	OntologyVersionID     *uint  `json:"ontology_version_id,omitempty"`
	Name                  string `json:"name"`
	OriginMetatypeID      uint   `json:"origin_metatype_id"`
	DestinationMetatypeID uint   `json:"destination_metatype_id"`
	RelationshipID        uint   `json:"relationship_id"`
}

func (MetatypeRelationshipPair) TableName() string {
	return "metatype_relationship_pairs"
}

// MetatypeRelationshipKey ist eine Eigenschaftsdefinition eines Beziehungstyps.
type MetatypeRelationshipKey struct {
	ID             uint   `json:"id" gorm:"primaryKey"`
	RelationshipID uint   `json:"metatype_relationship_id" gorm:"column:metatype_relationship_id"`
	Name           string `json:"name"`
	PropertyName   string `json:"property_name"`
	DataType       string `json:"data_type"`
	Required       bool   `json:"required"`
}

func (MetatypeRelationshipKey) TableName() string {
	return "metatype_relationship_keys"
}
