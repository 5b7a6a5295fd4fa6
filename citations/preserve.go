package citations

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bridge.linelead.io/extract"
	"bridge.linelead.io/model"
	"bridge.linelead.io/reliability"
)

// linkThreshold is the minimum confidence for creating a visual-entity link.
const linkThreshold = 0.3

// GraphWriter is the slice of the graph client the preserver needs.
type GraphWriter interface {
	CreateCitation(ctx context.Context, processID string, citation model.VisualCitation, links []model.VisualEntityLink) (string, error)
	CitationExists(ctx context.Context, processID, citationID string) (bool, error)
	DeleteProcessNodes(ctx context.Context, processID string, localIDs []string) error
}

// Preserver runs the visual-citation stage for one process.
type Preserver struct {
	store     *Store
	extractor extract.ImageExtractor // nil = text-reference fallback only
	graph     GraphWriter
	txns      *reliability.TransactionManager
	logger    *logrus.Entry
}

// PreserverConfig wires the preserver.
type PreserverConfig struct {
	Store     *Store
	Extractor extract.ImageExtractor
	Graph     GraphWriter
	Txns      *reliability.TransactionManager
	Logger    *logrus.Entry
}

// NewPreserver creates a preserver.
func NewPreserver(cfg PreserverConfig) *Preserver {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Preserver{
		store:     cfg.Store,
		extractor: cfg.Extractor,
		graph:     cfg.Graph,
		txns:      cfg.Txns,
		logger:    cfg.Logger.WithField("component", "citations"),
	}
}

// Result is the outcome of the visual-citation stage.
type Result struct {
	Citations []model.VisualCitation
	Links     []model.VisualEntityLink
}

// Collect extracts artifacts, stores and hashes their bytes, and scores
// candidate links against the canonical entities. No graph writes happen
// here; WriteGraph runs later under the process's saga, after the entity
// nodes exist.
func (p *Preserver) Collect(ctx context.Context, storedPath string, pages []extract.PageText, entities []model.Entity) *Result {
	artifacts := p.collectArtifacts(ctx, storedPath, pages)
	result := &Result{}

	for _, artifact := range artifacts {
		citationID := uuid.NewString()
		citation := model.VisualCitation{
			CitationID:        citationID,
			Kind:              artifact.Kind,
			Format:            artifact.Format,
			SourceDocument:    storedPath,
			Page:              artifact.Page,
			BBox:              artifact.BBox,
			PreservationState: model.PreservationPending,
		}

		if len(artifact.Bytes) == 0 {
			// Nothing to content-address; the citation is unusable.
			citation.PreservationState = model.PreservationFailed
			result.Citations = append(result.Citations, citation)
			continue
		}

		_, hash, err := p.store.Put(citationID, artifact.Format, artifact.Bytes)
		if err != nil {
			p.logger.WithError(err).Warn("failed to preserve citation bytes")
			citation.PreservationState = model.PreservationMissingBytes
			result.Citations = append(result.Citations, citation)
			continue
		}
		citation.ContentHash = hash
		citation.PreservationState = model.PreservationPreserved

		links := p.scoreLinks(citation, entities)
		for _, link := range links {
			citation.LinkedEntityIDs = append(citation.LinkedEntityIDs, link.EntityID)
		}

		result.Citations = append(result.Citations, citation)
		result.Links = append(result.Links, links...)
	}
	return result
}

// WriteGraph writes the preserved citations and their links under the saga,
// recording a compensation per citation that removes both the node and the
// stored bytes. Citations that failed preservation are skipped.
func (p *Preserver) WriteGraph(ctx context.Context, processID, txnID string, result *Result) error {
	linksByCitation := make(map[string][]model.VisualEntityLink, len(result.Citations))
	for _, link := range result.Links {
		linksByCitation[link.CitationID] = append(linksByCitation[link.CitationID], link)
	}

	for i := range result.Citations {
		citation := &result.Citations[i]
		if citation.PreservationState != model.PreservationPreserved {
			continue
		}

		nodeID, err := p.graph.CreateCitation(ctx, processID, *citation, linksByCitation[citation.CitationID])
		if err != nil {
			return fmt.Errorf("failed to write citation %s: %w", citation.CitationID, err)
		}
		citation.GraphNodeID = nodeID

		citationID, format := citation.CitationID, citation.Format
		if err := p.txns.Add(txnID,
			fmt.Sprintf("citation %s written", citationID),
			fmt.Sprintf("delete citation %s", citationID),
			func() error {
				if err := p.graph.DeleteProcessNodes(context.Background(), processID, []string{citationID}); err != nil {
					return err
				}
				return p.store.Remove(citationID, format)
			},
		); err != nil {
			return err
		}
	}
	return nil
}

// VerifyIntegrity sets integrity_verified on each preserved citation: the
// content file must exist, its SHA-256 must match, and the node must be
// queryable by citation id.
func (p *Preserver) VerifyIntegrity(ctx context.Context, processID string, citations []model.VisualCitation) []model.VisualCitation {
	out := make([]model.VisualCitation, len(citations))
	for i, citation := range citations {
		c := citation
		c.IntegrityVerified = false
		if c.PreservationState == model.PreservationPreserved {
			exists, match, err := p.store.Verify(c.CitationID, c.Format, c.ContentHash)
			switch {
			case err != nil:
				p.logger.WithError(err).Warn("citation verification failed")
			case !exists:
				c.PreservationState = model.PreservationMissingBytes
			case !match:
				c.PreservationState = model.PreservationHashMismatch
			default:
				queryable, err := p.graph.CitationExists(ctx, processID, c.CitationID)
				if err == nil && queryable {
					c.IntegrityVerified = true
				}
			}
		}
		out[i] = c
	}
	return out
}

// collectArtifacts asks the image extractor for artifacts, falling back to
// the text-reference heuristic when no extractor is available or it fails.
func (p *Preserver) collectArtifacts(ctx context.Context, storedPath string, pages []extract.PageText) []extract.RawImage {
	if p.extractor != nil {
		images, err := p.extractor.ExtractImages(ctx, storedPath)
		if err == nil {
			return images
		}
		p.logger.WithError(err).Warn("image extraction unavailable, using text-reference fallback")
	}
	return textReferenceFallback(pages)
}

// textRefPattern finds textual mentions of visual artifacts.
var textRefPattern = regexp.MustCompile(`(?i)\b(figure|diagram|table|chart|schematic|illustration|photo)\s*(\d+[-.]?\d*)?`)

// textReferenceFallback scans page text for artifact mentions and emits
// placeholder citations. The mention text itself becomes the stored blob so
// the citation is still content-addressed. Placeholder links are scored like
// those of extracted artifacts; their confidence is not lowered.
func textReferenceFallback(pages []extract.PageText) []extract.RawImage {
	var out []extract.RawImage
	for _, page := range pages {
		for _, match := range textRefPattern.FindAllString(page.Text, -1) {
			kind := model.CitationImage
			switch strings.ToLower(strings.Fields(match)[0]) {
			case "diagram":
				kind = model.CitationDiagram
			case "table":
				kind = model.CitationTable
			case "chart":
				kind = model.CitationChart
			case "schematic":
				kind = model.CitationSchematic
			case "photo":
				kind = model.CitationPhoto
			}
			out = append(out, extract.RawImage{
				Kind:   kind,
				Format: "txt",
				Page:   page.Page,
				Bytes:  []byte(match),
			})
		}
	}
	return out
}

// scoreLinks computes confidence-scored candidate links against the
// canonical entity list, keeping those at or above the threshold.
func (p *Preserver) scoreLinks(citation model.VisualCitation, entities []model.Entity) []model.VisualEntityLink {
	var links []model.VisualEntityLink
	for _, entity := range entities {
		confidence := kindBaseConfidence(citation.Kind)
		switch entity.QSRType {
		case model.TypeEquipment, model.TypeProcedure, model.TypeComponent:
			confidence += 0.2
		}
		if entity.HasPageRef(citation.Page) {
			confidence += 0.3
		}
		if confidence > 1 {
			confidence = 1
		}
		if confidence < linkThreshold {
			continue
		}
		links = append(links, model.VisualEntityLink{
			CitationID: citation.CitationID,
			EntityID:   entity.LocalID,
			Kind:       linkKind(citation.Kind, entity.QSRType),
			Confidence: confidence,
		})
	}
	return links
}

// kindBaseConfidence is the citation-kind base score.
func kindBaseConfidence(kind model.CitationKind) float64 {
	switch kind {
	case model.CitationImage:
		return 0.7
	case model.CitationDiagram:
		return 0.8
	case model.CitationTable:
		return 0.6
	case model.CitationChart:
		return 0.7
	case model.CitationSchematic:
		return 0.9
	case model.CitationPhoto:
		return 0.6
	}
	return 0.5
}

// linkKind selects the relationship verb from (citation kind, entity type).
func linkKind(kind model.CitationKind, entityType model.QSRType) model.LinkKind {
	type key struct {
		kind model.CitationKind
		t    model.QSRType
	}
	table := map[key]model.LinkKind{
		{model.CitationImage, model.TypeEquipment}:       model.LinkIllustrates,
		{model.CitationImage, model.TypeComponent}:       model.LinkShows,
		{model.CitationImage, model.TypeProcedure}:       model.LinkDemonstrates,
		{model.CitationDiagram, model.TypeEquipment}:     model.LinkDepicts,
		{model.CitationDiagram, model.TypeComponent}:     model.LinkDetails,
		{model.CitationDiagram, model.TypeProcedure}:     model.LinkIllustrates,
		{model.CitationTable, model.TypeSpecification}:   model.LinkSpecifies,
		{model.CitationTable, model.TypeProcedure}:       model.LinkPresents,
		{model.CitationSchematic, model.TypeEquipment}:   model.LinkDetails,
		{model.CitationSchematic, model.TypeComponent}:   model.LinkSpecifies,
		{model.CitationPhoto, model.TypeEquipment}:       model.LinkShows,
		{model.CitationChart, model.TypeSpecification}:   model.LinkPresents,
		{model.CitationChart, model.TypeProcedure}:       model.LinkPresents,
		{model.CitationPhoto, model.TypeSafetyProtocol}:  model.LinkDepicts,
		{model.CitationImage, model.TypeSafetyProtocol}:  model.LinkIllustrates,
		{model.CitationTable, model.TypeEquipment}:       model.LinkSpecifies,
	}
	if kind, ok := table[key{kind, entityType}]; ok {
		return kind
	}
	return model.LinkReferences
}
