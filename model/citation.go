package model

// CitationKind is the visual artifact category.
type CitationKind string

const (
	CitationImage     CitationKind = "image"
	CitationDiagram   CitationKind = "diagram"
	CitationTable     CitationKind = "table"
	CitationChart     CitationKind = "chart"
	CitationSchematic CitationKind = "schematic"
	CitationPhoto     CitationKind = "photo"
)

// PreservationState tracks whether a citation's bytes are safely stored.
type PreservationState string

const (
	PreservationPending      PreservationState = "pending"
	PreservationPreserved    PreservationState = "preserved"
	PreservationHashMismatch PreservationState = "hash_mismatch"
	PreservationMissingBytes PreservationState = "missing_bytes"
	PreservationFailed       PreservationState = "failed"
)

// VisualCitation is a non-text artifact extracted from a manual,
// content-addressed by the SHA-256 of its bytes. Invariant: a citation in
// preserved state has its content file on disk and the file's SHA-256 equals
// ContentHash.
type VisualCitation struct {
	CitationID        string            `json:"citation_id"`
	Kind              CitationKind      `json:"kind"`
	Format            string            `json:"format"`
	SourceDocument    string            `json:"source_document"`
	Page              int               `json:"page"`
	BBox              []float64         `json:"bbox,omitempty"`
	ContentHash       string            `json:"content_hash"`
	PreservationState PreservationState `json:"preservation_state"`
	LinkedEntityIDs   []string          `json:"linked_entity_ids,omitempty"`
	GraphNodeID       string            `json:"graph_node_id,omitempty"`
	IntegrityVerified bool              `json:"integrity_verified"`
}

// LinkKind describes how a citation relates to an entity.
type LinkKind string

const (
	LinkIllustrates  LinkKind = "illustrates"
	LinkShows        LinkKind = "shows"
	LinkDemonstrates LinkKind = "demonstrates"
	LinkSpecifies    LinkKind = "specifies"
	LinkPresents     LinkKind = "presents"
	LinkDetails      LinkKind = "details"
	LinkDepicts      LinkKind = "depicts"
	LinkReferences   LinkKind = "references"
)

// VisualEntityLink connects a citation to a canonical entity. Links are only
// created when Confidence >= 0.3.
type VisualEntityLink struct {
	CitationID         string   `json:"citation_id"`
	EntityID           string   `json:"entity_id"`
	Kind               LinkKind `json:"link_kind"`
	Confidence         float64  `json:"confidence"`
	SpatialProximity   float64  `json:"spatial_proximity,omitempty"`
	SemanticSimilarity float64  `json:"semantic_similarity,omitempty"`
}
