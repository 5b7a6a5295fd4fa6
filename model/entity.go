// Package model holds the domain types shared across the ingestion pipeline:
// entities and relationships extracted from equipment manuals, visual
// citations, process records and progress updates. Components depend on this
// package instead of on each other.
package model

// QSRType categorizes an extracted entity within the quick-service-restaurant
// domain.
type QSRType string

const (
	TypeEquipment      QSRType = "equipment"
	TypeProcedure      QSRType = "procedure"
	TypeComponent      QSRType = "component"
	TypeSafetyProtocol QSRType = "safety_protocol"
	TypeSpecification  QSRType = "specification"
	TypeBrand          QSRType = "brand"
	TypeModel          QSRType = "model"
	TypeIngredient     QSRType = "ingredient"
	TypeLocation       QSRType = "location"
)

// Entity is one extracted (and possibly merged) domain entity.
// CanonicalName is never empty; QSRType is assigned before deduplication.
type Entity struct {
	LocalID         string                 `json:"local_id"`
	CanonicalName   string                 `json:"canonical_name"`
	QSRType         QSRType                `json:"qsr_type"`
	SourceDocument  string                 `json:"source_document"`
	PageRefs        []int                  `json:"page_refs,omitempty"`
	Properties      map[string]interface{} `json:"properties,omitempty"`
	SourceEntityIDs []string               `json:"source_entity_ids,omitempty"`
}

// HasPageRef reports whether the entity was seen on the given page.
func (e *Entity) HasPageRef(page int) bool {
	for _, p := range e.PageRefs {
		if p == page {
			return true
		}
	}
	return false
}

// Relationship links two entities by their local ids. After deduplication
// both endpoints must resolve to surviving canonical ids; dangling edges are
// dropped and counted.
type Relationship struct {
	SourceID   string                 `json:"source_entity_local_id"`
	TargetID   string                 `json:"target_entity_local_id"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// ExtractionResult is what the entity extractor returns for one document.
type ExtractionResult struct {
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
}
