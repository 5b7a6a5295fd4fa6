// Package extract defines the contracts for the external extraction
// collaborators (text extractor, LLM entity extractor, image extractor) and
// provides the built-in PDF implementations used for validation and as a
// fallback when the external services are unavailable.
package extract

import (
	"context"

	"bridge.linelead.io/model"
)

// PageText is the extracted text of one page.
type PageText struct {
	Page int    `json:"page"`
	Text string `json:"text"`
}

// TextExtractor produces per-page text for a stored document.
type TextExtractor interface {
	ExtractText(ctx context.Context, path string) ([]PageText, error)
}

// EntityExtractor turns document text into raw entities and relationships
// with local ids. Implementations call the external LLM extraction service.
type EntityExtractor interface {
	ExtractEntities(ctx context.Context, sourceDocument string, pages []PageText) (*model.ExtractionResult, error)
}

// RawImage is one visual artifact pulled from a document.
type RawImage struct {
	Kind   model.CitationKind `json:"kind"`
	Format string             `json:"format"`
	Page   int                `json:"page"`
	BBox   []float64          `json:"bbox,omitempty"`
	Bytes  []byte             `json:"-"`
}

// ImageExtractor produces visual artifacts for a stored document. Any error
// returned by an implementation triggers the text-reference fallback in the
// citation preserver.
type ImageExtractor interface {
	ExtractImages(ctx context.Context, path string) ([]RawImage, error)
}
