// Package dedup merges duplicate entities extracted from one document (and,
// when cross-document canonicalization is enabled, against entities already
// present in the graph). Matching strategies are tried in a fixed order; the
// first strategy to clear its threshold wins. Validated matches are folded
// into clusters with union-find and each cluster collapses onto a canonical
// survivor.
package dedup

import (
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sirupsen/logrus"

	"bridge.linelead.io/model"
)

// Strategy names, in application order.
const (
	StrategyExact    = "exact"
	StrategyPattern  = "pattern"
	StrategyAlias    = "alias"
	StrategyFuzzy    = "fuzzy"
	StrategySemantic = "semantic"
)

// Fuzzy similarity thresholds by entity type.
const (
	fuzzyThresholdEquipment = 0.80
	fuzzyThresholdProcedure = 0.75
	fuzzyThresholdDefault   = 0.85
)

// Match records one validated duplicate pair.
type Match struct {
	EntityA    string  `json:"entity_a"`
	EntityB    string  `json:"entity_b"`
	Strategy   string  `json:"strategy"`
	Confidence float64 `json:"confidence"`
}

// Stats summarizes one deduplication run.
type Stats struct {
	EntitiesIn             int            `json:"entities_in"`
	EntitiesOut            int            `json:"entities_out"`
	ClustersFormed         int            `json:"clusters_formed"`
	MatchesByStrategy      map[string]int `json:"matches_by_strategy"`
	OrphanedRelationships  int            `json:"orphaned_relationships"`
	DuplicateRelationships int            `json:"duplicate_relationships"`
}

// Result is the output of one run.
type Result struct {
	Entities      []model.Entity
	Relationships []model.Relationship
	Mapping       map[string]string // old local_id -> surviving local_id
	Matches       []Match
	Stats         Stats
}

// Engine performs QSR-tuned entity deduplication. It is stateless across
// runs and safe for concurrent use.
type Engine struct {
	logger *logrus.Entry
}

// EngineConfig configures the engine.
type EngineConfig struct {
	Logger *logrus.Entry
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{logger: cfg.Logger.WithField("component", "dedup")}
}

// Deduplicate merges duplicates among entities, remaps relationship
// endpoints onto the survivors, and drops edges that no longer resolve.
// Running it on its own output is a no-op.
func (e *Engine) Deduplicate(entities []model.Entity, relationships []model.Relationship) *Result {
	return e.run(entities, relationships, nil)
}

// DeduplicateAgainst canonicalizes across documents: extracted entities are
// matched against the canonical entities already in the graph. A cluster
// that reaches an existing entity collapses onto it — the existing id, name
// and type are authoritative — and new survivors receive a global canonical
// id so graph merges converge on one node per canonical entity. Clusters
// made solely of existing entities are not re-emitted.
func (e *Engine) DeduplicateAgainst(entities []model.Entity, relationships []model.Relationship, existing []model.Entity) *Result {
	existingIDs := make(map[string]struct{}, len(existing))
	for _, ent := range existing {
		existingIDs[ent.LocalID] = struct{}{}
	}
	all := make([]model.Entity, 0, len(entities)+len(existing))
	all = append(all, entities...)
	all = append(all, existing...)
	return e.run(all, relationships, existingIDs)
}

// CanonicalID derives the stable cross-document id for a canonical entity.
func CanonicalID(name string, t model.QSRType) string {
	return string(t) + ":" + strings.ReplaceAll(NormalizeName(name), " ", "-")
}

func (e *Engine) run(entities []model.Entity, relationships []model.Relationship, existingIDs map[string]struct{}) *Result {
	result := &Result{
		Mapping: make(map[string]string, len(entities)),
		Stats: Stats{
			EntitiesIn:        len(entities) - len(existingIDs),
			MatchesByStrategy: make(map[string]int),
		},
	}

	normalized := make(map[string]string, len(entities))
	byID := make(map[string]*model.Entity, len(entities))
	ids := make([]string, 0, len(entities))
	for i := range entities {
		ent := &entities[i]
		byID[ent.LocalID] = ent
		ids = append(ids, ent.LocalID)
		normalized[ent.LocalID] = NormalizeName(ent.CanonicalName)
	}
	// Deterministic pair ordering keeps the run order-independent.
	sort.Strings(ids)

	uf := newUnionFind(ids)
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := byID[ids[i]], byID[ids[j]]
			if !typesCompatible(a.QSRType, b.QSRType) {
				continue
			}
			strategy, confidence := matchPair(a, b, normalized[a.LocalID], normalized[b.LocalID])
			if strategy == "" {
				continue
			}
			uf.union(a.LocalID, b.LocalID)
			result.Matches = append(result.Matches, Match{
				EntityA:    a.LocalID,
				EntityB:    b.LocalID,
				Strategy:   strategy,
				Confidence: confidence,
			})
			result.Stats.MatchesByStrategy[strategy]++
		}
	}

	clusters := uf.clusters()
	for _, members := range clusters {
		existingMember := ""
		newMembers := 0
		for _, id := range members {
			if _, ok := existingIDs[id]; ok {
				if existingMember == "" {
					existingMember = id
				}
			} else {
				newMembers++
			}
		}
		if newMembers == 0 {
			continue // already in the graph, nothing to bridge
		}
		if len(members) > 1 {
			result.Stats.ClustersFormed++
		}

		survivor := e.merge(members, byID, normalized)
		switch {
		case existingMember != "":
			// The graph's canonical identity wins over anything the
			// current document contributed.
			prior := byID[existingMember]
			survivor.LocalID = prior.LocalID
			survivor.CanonicalName = prior.CanonicalName
			survivor.QSRType = prior.QSRType
		case existingIDs != nil:
			survivor.LocalID = CanonicalID(survivor.CanonicalName, survivor.QSRType)
		}

		for _, id := range members {
			result.Mapping[id] = survivor.LocalID
		}
		result.Entities = append(result.Entities, survivor)
	}
	sort.Slice(result.Entities, func(i, j int) bool {
		return result.Entities[i].LocalID < result.Entities[j].LocalID
	})
	result.Stats.EntitiesOut = len(result.Entities)

	result.Relationships = e.remapRelationships(relationships, result)
	return result
}

// remapRelationships rewrites endpoints onto survivors, dropping dangling
// edges, self-loops created by merging, and exact duplicates.
func (e *Engine) remapRelationships(relationships []model.Relationship, result *Result) []model.Relationship {
	seen := make(map[string]struct{}, len(relationships))
	var out []model.Relationship
	for _, rel := range relationships {
		source, okS := result.Mapping[rel.SourceID]
		target, okT := result.Mapping[rel.TargetID]
		if !okS || !okT {
			result.Stats.OrphanedRelationships++
			continue
		}
		if source == target {
			result.Stats.DuplicateRelationships++
			continue
		}
		key := source + "\x00" + target + "\x00" + rel.Type
		if _, dup := seen[key]; dup {
			result.Stats.DuplicateRelationships++
			continue
		}
		seen[key] = struct{}{}
		rel.SourceID = source
		rel.TargetID = target
		out = append(out, rel)
	}
	return out
}

// matchPair applies the strategies in order and returns the first hit.
func matchPair(a, b *model.Entity, normA, normB string) (string, float64) {
	if normA != "" && normA == normB {
		return StrategyExact, 1.0
	}

	if brandA, modelA, okA := modelTokens(a.CanonicalName); okA {
		if brandB, modelB, okB := modelTokens(b.CanonicalName); okB {
			if brandA == brandB && modelA == modelB {
				return StrategyPattern, 0.95
			}
		}
	}

	if sharedAliasCluster(normA, normB) {
		return StrategyAlias, 0.9
	}

	threshold := fuzzyThreshold(a.QSRType)
	if t := fuzzyThreshold(b.QSRType); t > threshold {
		threshold = t
	}
	if ratio := similarity(normA, normB); ratio >= threshold {
		return StrategyFuzzy, ratio
	}

	if sharedProcedureCluster(normA, normB) {
		return StrategySemantic, 0.85
	}
	return "", 0
}

// similarity is the Ratcliff/Obershelp ratio over the names' characters.
func similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	matcher := difflib.NewMatcher(strings.Split(a, ""), strings.Split(b, ""))
	return matcher.Ratio()
}

func fuzzyThreshold(t model.QSRType) float64 {
	switch t {
	case model.TypeEquipment:
		return fuzzyThresholdEquipment
	case model.TypeProcedure:
		return fuzzyThresholdProcedure
	}
	return fuzzyThresholdDefault
}

// typesCompatible allows same-type matches plus the related pairs
// equipment/component, procedure/safety_protocol and
// specification/component.
func typesCompatible(a, b model.QSRType) bool {
	if a == b {
		return true
	}
	pair := func(x, y model.QSRType) bool {
		return (a == x && b == y) || (a == y && b == x)
	}
	return pair(model.TypeEquipment, model.TypeComponent) ||
		pair(model.TypeProcedure, model.TypeSafetyProtocol) ||
		pair(model.TypeSpecification, model.TypeComponent)
}

// merge collapses a cluster onto its survivor. The survivor keeps the
// longest canonical name (curated names win outright; ties break on the
// smallest local_id), a per-key union of properties, and the union of page
// refs and source ids.
func (e *Engine) merge(members []string, byID map[string]*model.Entity, normalized map[string]string) model.Entity {
	sort.Strings(members)
	survivor := *byID[members[0]]
	for _, id := range members[1:] {
		candidate := byID[id]
		if len(candidate.CanonicalName) > len(survivor.CanonicalName) {
			keep := *candidate
			survivor = keep
		}
	}

	// A curated canonical name overrides the longest-name rule so well-known
	// equipment always lands on its catalogue name.
	for _, id := range members {
		if curated, ok := curatedCanonical(normalized[id]); ok {
			survivor.CanonicalName = curated
			break
		}
	}

	if len(members) == 1 {
		return survivor
	}

	merged := survivor
	merged.Properties = make(map[string]interface{})
	merged.PageRefs = nil
	merged.SourceEntityIDs = nil

	pageSet := make(map[int]struct{})
	sourceSet := make(map[string]struct{})
	for _, id := range members {
		member := byID[id]
		sourceSet[member.LocalID] = struct{}{}
		for _, prior := range member.SourceEntityIDs {
			sourceSet[prior] = struct{}{}
		}
		for _, p := range member.PageRefs {
			pageSet[p] = struct{}{}
		}
		for key, value := range member.Properties {
			mergeProperty(merged.Properties, key, value)
		}
	}
	for p := range pageSet {
		merged.PageRefs = append(merged.PageRefs, p)
	}
	sort.Ints(merged.PageRefs)
	for s := range sourceSet {
		merged.SourceEntityIDs = append(merged.SourceEntityIDs, s)
	}
	sort.Strings(merged.SourceEntityIDs)
	return merged
}

// mergeProperty unions one property key: list values concatenate with
// de-duplication, conflicting scalars collapse into a list.
func mergeProperty(into map[string]interface{}, key string, value interface{}) {
	existing, ok := into[key]
	if !ok {
		into[key] = value
		return
	}
	existingList, eIsList := existing.([]interface{})
	valueList, vIsList := value.([]interface{})

	switch {
	case eIsList && vIsList:
		into[key] = appendUnique(existingList, valueList...)
	case eIsList:
		into[key] = appendUnique(existingList, value)
	case vIsList:
		into[key] = appendUnique([]interface{}{existing}, valueList...)
	default:
		if existing == value {
			return
		}
		into[key] = []interface{}{existing, value}
	}
}

func appendUnique(list []interface{}, values ...interface{}) []interface{} {
	for _, v := range values {
		found := false
		for _, existing := range list {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			list = append(list, v)
		}
	}
	return list
}

// unionFind is a plain union-find over entity local ids.
type unionFind struct {
	parent map[string]string
}

func newUnionFind(ids []string) *unionFind {
	uf := &unionFind{parent: make(map[string]string, len(ids))}
	for _, id := range ids {
		uf.parent[id] = id
	}
	return uf
}

func (uf *unionFind) find(id string) string {
	root := id
	for uf.parent[root] != root {
		root = uf.parent[root]
	}
	for uf.parent[id] != root {
		uf.parent[id], id = root, uf.parent[id]
	}
	return root
}

func (uf *unionFind) union(a, b string) {
	ra, rb := uf.find(a), uf.find(b)
	if ra != rb {
		// Smaller root id wins so cluster identity is deterministic.
		if rb < ra {
			ra, rb = rb, ra
		}
		uf.parent[rb] = ra
	}
}

// clusters returns members grouped by root, each group sorted.
func (uf *unionFind) clusters() [][]string {
	groups := make(map[string][]string)
	for id := range uf.parent {
		root := uf.find(id)
		groups[root] = append(groups[root], id)
	}
	roots := make([]string, 0, len(groups))
	for root := range groups {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	out := make([][]string, 0, len(groups))
	for _, root := range roots {
		members := groups[root]
		sort.Strings(members)
		out = append(out, members)
	}
	return out
}
