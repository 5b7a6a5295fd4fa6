// Package integrity runs the fixed post-bridge check suite for one process
// and attempts bounded auto-repair. Edge deletions are recorded in the
// process's saga transaction so a subsequent rollback restores them; removals
// of unresolvable visual links are not recorded, and a rollback does not
// restore them. Critical issues remaining after repair fail the integrity
// check.
package integrity

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"bridge.linelead.io/model"
	"bridge.linelead.io/reliability"
)

// Severity of one issue.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// orphanRatioLimit is the policy ceiling for entities with no edges.
const orphanRatioLimit = 0.5

// Issue is one finding from a check.
type Issue struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
	Repaired bool     `json:"repaired"`
}

// Report is the verifier's outcome for one process.
type Report struct {
	Issues        []Issue `json:"issues"`
	RepairsMade   int     `json:"repairs_made"`
	CriticalsLeft int     `json:"criticals_left"`
}

// Passed reports whether the process may commit.
func (r *Report) Passed() bool { return r.CriticalsLeft == 0 }

// add appends an issue and tracks the critical count.
func (r *Report) add(issue Issue) {
	if issue.Severity == SeverityCritical && !issue.Repaired {
		r.CriticalsLeft++
	}
	if issue.Repaired {
		r.RepairsMade++
	}
	r.Issues = append(r.Issues, issue)
}

// Input is everything the verifier inspects for one process.
type Input struct {
	ProcessID     string
	TxnID         string
	Entities      []model.Entity
	Relationships []model.Relationship
	Citations     []model.VisualCitation
	Links         []model.VisualEntityLink
	Counters      model.Counters
	PagesWithText []int
	CrossDocument bool
}

// Verifier runs the check suite.
type Verifier struct {
	graph  GraphReader
	txns   *reliability.TransactionManager
	logger *logrus.Entry
}

// GraphReader is the read/repair surface used by the verifier. It matches
// the graph client's method set.
type GraphReader interface {
	CountEntities(ctx context.Context, processID string) (int, error)
	CountRelationships(ctx context.Context, processID string) (int, error)
	EntityExists(ctx context.Context, processID, localID string) (bool, error)
	DeleteRelationship(ctx context.Context, processID, sourceID, targetID, relType string) error
	DeleteVisualLink(ctx context.Context, processID, citationID, entityID string) error
	RestoreRelationship(ctx context.Context, processID string, rel model.Relationship) error
}

// VerifierConfig wires the verifier.
type VerifierConfig struct {
	Graph  GraphReader
	Txns   *reliability.TransactionManager
	Logger *logrus.Entry
}

// NewVerifier creates a verifier.
func NewVerifier(cfg VerifierConfig) *Verifier {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Verifier{
		graph:  cfg.Graph,
		txns:   cfg.Txns,
		logger: cfg.Logger.WithField("component", "integrity"),
	}
}

// Verify runs every check, attempting auto-repair where allowed, and returns
// the report. The caller rolls the saga back when Passed() is false.
func (v *Verifier) Verify(ctx context.Context, in *Input) (*Report, *Input) {
	report := &Report{}

	in = v.checkDanglingEdges(ctx, in, report)
	in = v.checkDuplicateRelationships(ctx, in, report)
	in = v.checkVisualLinks(ctx, in, report)
	v.checkDedupSuccess(in, report)
	v.checkDocumentCompleteness(in, report)
	v.checkGraphCounts(ctx, in, report)
	v.checkOrphanEntities(in, report)
	v.checkCrossDocumentReferences(ctx, in, report)

	if report.CriticalsLeft > 0 {
		v.logger.WithFields(logrus.Fields{
			"process_id": in.ProcessID,
			"criticals":  report.CriticalsLeft,
		}).Error("integrity check failed")
	}
	return report, in
}

// checkDanglingEdges repairs relationships whose endpoints are not among the
// surviving entities by deleting them from the graph.
func (v *Verifier) checkDanglingEdges(ctx context.Context, in *Input, report *Report) *Input {
	known := make(map[string]struct{}, len(in.Entities))
	for _, e := range in.Entities {
		known[e.LocalID] = struct{}{}
	}

	kept := in.Relationships[:0]
	for _, rel := range in.Relationships {
		_, okS := known[rel.SourceID]
		_, okT := known[rel.TargetID]
		if okS && okT {
			kept = append(kept, rel)
			continue
		}
		repaired := v.repairDeleteRelationship(ctx, in, rel)
		report.add(Issue{
			Check:    "dangling_edges",
			Severity: SeverityCritical,
			Detail:   fmt.Sprintf("edge %s-[%s]->%s references a missing entity", rel.SourceID, rel.Type, rel.TargetID),
			Repaired: repaired,
		})
	}
	in.Relationships = kept
	return in
}

// checkDuplicateRelationships repairs exact (source, target, type)
// duplicates.
func (v *Verifier) checkDuplicateRelationships(ctx context.Context, in *Input, report *Report) *Input {
	seen := make(map[string]struct{}, len(in.Relationships))
	kept := in.Relationships[:0]
	for _, rel := range in.Relationships {
		key := rel.SourceID + "\x00" + rel.TargetID + "\x00" + rel.Type
		if _, dup := seen[key]; !dup {
			seen[key] = struct{}{}
			kept = append(kept, rel)
			continue
		}
		repaired := v.repairDeleteRelationship(ctx, in, rel)
		report.add(Issue{
			Check:    "duplicate_relationships",
			Severity: SeverityWarning,
			Detail:   fmt.Sprintf("duplicate edge %s-[%s]->%s", rel.SourceID, rel.Type, rel.TargetID),
			Repaired: repaired,
		})
	}
	in.Relationships = kept
	return in
}

// checkVisualLinks removes links whose citation or entity no longer exists.
func (v *Verifier) checkVisualLinks(ctx context.Context, in *Input, report *Report) *Input {
	entities := make(map[string]struct{}, len(in.Entities))
	for _, e := range in.Entities {
		entities[e.LocalID] = struct{}{}
	}
	citations := make(map[string]struct{}, len(in.Citations))
	for _, c := range in.Citations {
		citations[c.CitationID] = struct{}{}
	}

	kept := in.Links[:0]
	for _, link := range in.Links {
		_, okE := entities[link.EntityID]
		_, okC := citations[link.CitationID]
		if okE && okC {
			kept = append(kept, link)
			continue
		}
		repaired := false
		if err := v.graph.DeleteVisualLink(ctx, in.ProcessID, link.CitationID, link.EntityID); err == nil {
			repaired = true
		}
		report.add(Issue{
			Check:    "visual_link_resolvability",
			Severity: SeverityWarning,
			Detail:   fmt.Sprintf("link %s->%s has a missing referent", link.CitationID, link.EntityID),
			Repaired: repaired,
		})
	}
	in.Links = kept
	return in
}

// checkDedupSuccess flags surviving entities sharing a canonical name. Not
// repairable here; a failure means the dedup engine misbehaved.
func (v *Verifier) checkDedupSuccess(in *Input, report *Report) {
	byName := make(map[string]string, len(in.Entities))
	for _, e := range in.Entities {
		if prior, dup := byName[e.CanonicalName]; dup {
			report.add(Issue{
				Check:    "dedup_success",
				Severity: SeverityCritical,
				Detail:   fmt.Sprintf("entities %s and %s share canonical name %q", prior, e.LocalID, e.CanonicalName),
			})
			continue
		}
		byName[e.CanonicalName] = e.LocalID
	}
}

// checkDocumentCompleteness wants at least one entity per page that had
// text.
func (v *Verifier) checkDocumentCompleteness(in *Input, report *Report) {
	covered := make(map[int]bool)
	for _, e := range in.Entities {
		for _, p := range e.PageRefs {
			covered[p] = true
		}
	}
	for _, page := range in.PagesWithText {
		if !covered[page] {
			report.add(Issue{
				Check:    "document_completeness",
				Severity: SeverityWarning,
				Detail:   fmt.Sprintf("page %d produced text but no entities", page),
			})
		}
	}
}

// checkGraphCounts compares graph node/edge counts with the bridge counters.
func (v *Verifier) checkGraphCounts(ctx context.Context, in *Input, report *Report) {
	entities, err := v.graph.CountEntities(ctx, in.ProcessID)
	if err != nil {
		report.add(Issue{Check: "count_consistency", Severity: SeverityCritical, Detail: "entity count unavailable: " + err.Error()})
		return
	}
	if entities != in.Counters.EntitiesBridged {
		report.add(Issue{
			Check:    "count_consistency",
			Severity: SeverityCritical,
			Detail:   fmt.Sprintf("graph has %d entities, bridge reported %d", entities, in.Counters.EntitiesBridged),
		})
	}

	rels, err := v.graph.CountRelationships(ctx, in.ProcessID)
	if err != nil {
		report.add(Issue{Check: "count_consistency", Severity: SeverityCritical, Detail: "relationship count unavailable: " + err.Error()})
		return
	}
	// Auto-repair may legitimately have removed edges after the counters
	// were taken; more edges than reported is the anomaly.
	if rels > in.Counters.RelationshipsBridged {
		report.add(Issue{
			Check:    "count_consistency",
			Severity: SeverityCritical,
			Detail:   fmt.Sprintf("graph has %d relationships, bridge reported %d", rels, in.Counters.RelationshipsBridged),
		})
	}
}

// checkOrphanEntities flags a high ratio of entities with no edges.
func (v *Verifier) checkOrphanEntities(in *Input, report *Report) {
	if len(in.Entities) == 0 {
		return
	}
	connected := make(map[string]struct{}, len(in.Entities))
	for _, rel := range in.Relationships {
		connected[rel.SourceID] = struct{}{}
		connected[rel.TargetID] = struct{}{}
	}
	for _, link := range in.Links {
		connected[link.EntityID] = struct{}{}
	}
	orphans := 0
	for _, e := range in.Entities {
		if _, ok := connected[e.LocalID]; !ok {
			orphans++
		}
	}
	ratio := float64(orphans) / float64(len(in.Entities))
	if ratio > orphanRatioLimit {
		report.add(Issue{
			Check:    "orphan_entities",
			Severity: SeverityWarning,
			Detail:   fmt.Sprintf("%d of %d entities have no edges", orphans, len(in.Entities)),
		})
	}
}

// checkCrossDocumentReferences verifies that every canonical entity the
// bridge produced — including ones that collapsed onto entities from earlier
// documents — resolves to a node in the graph. Runs only when
// cross-document canonicalization is enabled; single-document runs are fully
// covered by the count check.
func (v *Verifier) checkCrossDocumentReferences(ctx context.Context, in *Input, report *Report) {
	if !in.CrossDocument {
		return
	}
	for _, entity := range in.Entities {
		exists, err := v.graph.EntityExists(ctx, in.ProcessID, entity.LocalID)
		if err != nil {
			report.add(Issue{
				Check:    "cross_document_references",
				Severity: SeverityCritical,
				Detail:   "canonical entity lookup unavailable: " + err.Error(),
			})
			return
		}
		if !exists {
			report.add(Issue{
				Check:    "cross_document_references",
				Severity: SeverityCritical,
				Detail:   fmt.Sprintf("canonical entity %s is not resolvable in the graph", entity.LocalID),
			})
		}
	}
}

// repairDeleteRelationship deletes an edge and records the inverse in the
// saga so a rollback restores it.
func (v *Verifier) repairDeleteRelationship(ctx context.Context, in *Input, rel model.Relationship) bool {
	if err := v.graph.DeleteRelationship(ctx, in.ProcessID, rel.SourceID, rel.TargetID, rel.Type); err != nil {
		v.logger.WithError(err).Warn("auto-repair delete failed")
		return false
	}
	if v.txns != nil && in.TxnID != "" {
		rel := rel
		_ = v.txns.Add(in.TxnID,
			fmt.Sprintf("repair: deleted edge %s-[%s]->%s", rel.SourceID, rel.Type, rel.TargetID),
			"restore deleted edge",
			func() error {
				return v.graph.RestoreRelationship(context.Background(), in.ProcessID, rel)
			},
		)
	}
	return true
}
