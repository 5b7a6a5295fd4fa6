// Package bridge orchestrates the value-producing half of the pipeline:
// entity extraction, name normalization and type classification,
// deduplication, visual-citation collection, the saga-wrapped graph write,
// and the final integrity verdict. The pipeline calls one method per stage
// so cancellation and progress stay at stage boundaries.
package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"bridge.linelead.io/citations"
	"bridge.linelead.io/common"
	"bridge.linelead.io/config"
	"bridge.linelead.io/dedup"
	"bridge.linelead.io/extract"
	"bridge.linelead.io/graph"
	"bridge.linelead.io/integrity"
	"bridge.linelead.io/model"
	"bridge.linelead.io/progress"
	"bridge.linelead.io/reliability"
)

// GraphWriter is the slice of the graph client the bridge drives.
type GraphWriter interface {
	CreateEntitiesBatch(ctx context.Context, processID string, entities []model.Entity) (*graph.BatchResult, error)
	CreateRelationshipsBatch(ctx context.Context, processID string, rels []model.Relationship) (*graph.BatchResult, error)
	DeleteProcessNodes(ctx context.Context, processID string, localIDs []string) error
	DeleteRelationship(ctx context.Context, processID, sourceID, targetID, relType string) error
	CanonicalEntities(ctx context.Context) ([]model.Entity, error)
	BatchSize() int
}

// Service is the bridge orchestrator.
type Service struct {
	extractor extract.EntityExtractor
	deduper   *dedup.Engine
	preserver *citations.Preserver
	graph     GraphWriter
	verifier  *integrity.Verifier
	txns      *reliability.TransactionManager
	bus       *progress.Bus
	cfg       *config.Manager
	logger    *logrus.Entry
}

// ServiceConfig wires the bridge.
type ServiceConfig struct {
	Extractor extract.EntityExtractor
	Deduper   *dedup.Engine
	Preserver *citations.Preserver
	Graph     GraphWriter
	Verifier  *integrity.Verifier
	Txns      *reliability.TransactionManager
	Bus       *progress.Bus
	Config    *config.Manager
	Logger    *logrus.Entry
}

// NewService creates the bridge.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		extractor: cfg.Extractor,
		deduper:   cfg.Deduper,
		preserver: cfg.Preserver,
		graph:     cfg.Graph,
		verifier:  cfg.Verifier,
		txns:      cfg.Txns,
		bus:       cfg.Bus,
		cfg:       cfg.Config,
		logger:    cfg.Logger.WithField("component", "bridge"),
	}
}

// ExtractEntities invokes the external extractor, then normalizes names and
// assigns missing qsr_types. Returned entities always satisfy the invariant
// that canonical_name is non-empty and qsr_type is set.
func (s *Service) ExtractEntities(ctx context.Context, proc *model.Process, pages []extract.PageText) (*model.ExtractionResult, error) {
	result, err := s.extractor.ExtractEntities(ctx, proc.Filename, pages)
	if err != nil {
		return nil, err
	}

	cleaned := result.Entities[:0]
	for _, entity := range result.Entities {
		entity.CanonicalName = strings.TrimSpace(entity.CanonicalName)
		if entity.CanonicalName == "" {
			continue
		}
		if entity.QSRType == "" {
			entity.QSRType = ClassifyType(entity.CanonicalName)
		}
		if entity.SourceDocument == "" {
			entity.SourceDocument = proc.Filename
		}
		cleaned = append(cleaned, entity)
	}
	result.Entities = cleaned

	s.logger.WithFields(logrus.Fields{
		"process_id":    proc.ProcessID,
		"entities":      len(result.Entities),
		"relationships": len(result.Relationships),
	}).Info("entity extraction complete")
	return result, nil
}

// Deduplicate runs the dedup engine over the extraction result. With
// cross-document canonicalization enabled it first loads the canonical
// entities already in the graph and matches against them; a graph read
// failure here is transient and retried at the stage boundary.
func (s *Service) Deduplicate(ctx context.Context, raw *model.ExtractionResult) (*dedup.Result, error) {
	if s.crossDocument() {
		existing, err := s.graph.CanonicalEntities(ctx)
		if err != nil {
			return nil, err
		}
		return s.deduper.DeduplicateAgainst(raw.Entities, raw.Relationships, existing), nil
	}
	return s.deduper.Deduplicate(raw.Entities, raw.Relationships), nil
}

func (s *Service) crossDocument() bool {
	if s.cfg == nil {
		return false
	}
	return s.cfg.GetBool(config.KeyCrossDocumentDedup, false)
}

// CollectCitations runs the visual-citation collection against the
// canonical entity list.
func (s *Service) CollectCitations(ctx context.Context, proc *model.Process, pages []extract.PageText, canonical []model.Entity) *citations.Result {
	return s.preserver.Collect(ctx, proc.StoredPath, pages, canonical)
}

// GraphWrite writes entities, relationships and citations under one saga
// transaction. Each successful batch records its inverse as compensation.
// Counters climb on the progress bus as batches land. On failure the saga is
// rolled back and the error is returned.
func (s *Service) GraphWrite(ctx context.Context, proc *model.Process, deduped *dedup.Result, cites *citations.Result) (string, error) {
	txnID := s.txns.Begin()

	if err := s.writeEntities(ctx, proc, txnID, deduped.Entities); err != nil {
		s.rollback(txnID, proc, "entity batch failed")
		return "", err
	}
	if err := s.writeRelationships(ctx, proc, txnID, deduped.Relationships); err != nil {
		s.rollback(txnID, proc, "relationship batch failed")
		return "", err
	}
	if err := s.preserver.WriteGraph(ctx, proc.ProcessID, txnID, cites); err != nil {
		s.rollback(txnID, proc, "citation write failed")
		return "", common.WrapError(common.KindGraphWriteFailed, err, "citation graph write failed")
	}
	return txnID, nil
}

// FinalizeIntegrity runs the verifier, commits on success and rolls back on
// remaining criticals.
func (s *Service) FinalizeIntegrity(ctx context.Context, proc *model.Process, txnID string, deduped *dedup.Result, cites *citations.Result, pagesWithText []int) (*integrity.Report, error) {
	verifiedCitations := s.preserver.VerifyIntegrity(ctx, proc.ProcessID, cites.Citations)
	cites.Citations = verifiedCitations

	report, _ := s.verifier.Verify(ctx, &integrity.Input{
		ProcessID:     proc.ProcessID,
		TxnID:         txnID,
		Entities:      deduped.Entities,
		Relationships: deduped.Relationships,
		Citations:     verifiedCitations,
		Links:         cites.Links,
		Counters:      proc.Counters,
		PagesWithText: pagesWithText,
		CrossDocument: s.crossDocument(),
	})

	if !report.Passed() {
		s.rollback(txnID, proc, "integrity check failed")
		return report, common.NewError(common.KindIntegrityFailed,
			"%d critical integrity violations remain after repair", report.CriticalsLeft)
	}
	if err := s.txns.Commit(txnID); err != nil {
		return report, common.WrapError(common.KindInternal, err, "commit failed")
	}
	s.txns.Release(txnID)
	return report, nil
}

// Rollback aborts an open bridge transaction. The pipeline calls this when a
// later stage fails or the process is cancelled mid-write.
func (s *Service) Rollback(txnID string, proc *model.Process, reason string) {
	s.rollback(txnID, proc, reason)
}

func (s *Service) writeEntities(ctx context.Context, proc *model.Process, txnID string, entities []model.Entity) error {
	size := s.graph.BatchSize()
	for start := 0; start < len(entities); start += size {
		end := start + size
		if end > len(entities) {
			end = len(entities)
		}
		batch := entities[start:end]

		if _, err := s.graph.CreateEntitiesBatch(ctx, proc.ProcessID, batch); err != nil {
			return err
		}

		ids := make([]string, len(batch))
		for i, e := range batch {
			ids[i] = e.LocalID
		}
		if err := s.txns.Add(txnID,
			fmt.Sprintf("entity batch %d-%d written", start, end),
			fmt.Sprintf("delete entities %v", ids),
			func() error {
				return s.graph.DeleteProcessNodes(context.Background(), proc.ProcessID, ids)
			},
		); err != nil {
			return err
		}

		proc.Counters.EntitiesBridged += len(batch)
		s.publishCounters(proc, "writing entities")
	}
	return nil
}

func (s *Service) writeRelationships(ctx context.Context, proc *model.Process, txnID string, rels []model.Relationship) error {
	size := s.graph.BatchSize()
	for start := 0; start < len(rels); start += size {
		end := start + size
		if end > len(rels) {
			end = len(rels)
		}
		batch := rels[start:end]

		if _, err := s.graph.CreateRelationshipsBatch(ctx, proc.ProcessID, batch); err != nil {
			return err
		}

		captured := append([]model.Relationship(nil), batch...)
		if err := s.txns.Add(txnID,
			fmt.Sprintf("relationship batch %d-%d written", start, end),
			"delete relationship batch",
			func() error {
				for _, rel := range captured {
					if err := s.graph.DeleteRelationship(context.Background(), proc.ProcessID, rel.SourceID, rel.TargetID, rel.Type); err != nil {
						return err
					}
				}
				return nil
			},
		); err != nil {
			return err
		}

		proc.Counters.RelationshipsBridged += len(batch)
		s.publishCounters(proc, "writing relationships")
	}
	return nil
}

func (s *Service) rollback(txnID string, proc *model.Process, reason string) {
	if err := s.txns.Rollback(txnID, reason); err != nil {
		s.logger.WithError(err).WithField("txn_id", txnID).Error("rollback failed")
	}
	s.txns.Release(txnID)
	proc.Counters.EntitiesBridged = 0
	proc.Counters.RelationshipsBridged = 0
}

// publishCounters streams incremental bridge counters so subscribers watch
// entities and relationships climb during graph_write.
func (s *Service) publishCounters(proc *model.Process, message string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(model.ProgressUpdate{
		ProcessID:          proc.ProcessID,
		Stage:              model.StageGraphWrite,
		Percent:            stagePercent(model.StageGraphWrite, 0.5),
		Message:            message,
		EntitiesFound:      proc.Counters.EntitiesBridged,
		RelationshipsFound: proc.Counters.RelationshipsBridged,
	})
}

// stagePercent maps a stage plus intra-stage fraction onto the overall 0-100
// range.
func stagePercent(stage model.Stage, fraction float64) float64 {
	idx := model.StageIndex(stage)
	if idx < 0 {
		return 0
	}
	width := 100.0 / float64(len(model.Stages))
	return float64(idx)*width + fraction*width
}
