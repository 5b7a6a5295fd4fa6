package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bridge.linelead.io/model"
)

func entity(id, name string, t model.QSRType) model.Entity {
	return model.Entity{LocalID: id, CanonicalName: name, QSRType: t}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Taylor C602", "taylor c602"},
		{"  Taylor   C602  ", "taylor c602"},
		{"1Grote Tool", "grote tool"},
		{"Taylor Model C602", "taylor c602"},
		{"The Cleaning System", "cleaning"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeName(tt.in))
		})
	}
}

func TestExactMatchAfterNormalization(t *testing.T) {
	e := NewEngine(EngineConfig{})
	result := e.Deduplicate([]model.Entity{
		entity("e1", "Grote Tool", model.TypeEquipment),
		entity("e2", "1Grote Tool", model.TypeEquipment),
	}, nil)

	require.Len(t, result.Entities, 1)
	assert.Equal(t, "Grote Tool", result.Entities[0].CanonicalName)
	assert.Equal(t, 1, result.Stats.MatchesByStrategy[StrategyExact])
}

func TestModelMentionsCollapseToCuratedName(t *testing.T) {
	e := NewEngine(EngineConfig{})
	result := e.Deduplicate([]model.Entity{
		entity("e1", "Taylor C602", model.TypeEquipment),
		entity("e2", "C602", model.TypeEquipment),
		entity("e3", "Taylor Model C602", model.TypeEquipment),
	}, nil)

	require.Len(t, result.Entities, 1)
	survivor := result.Entities[0]
	assert.Equal(t, "Taylor C602", survivor.CanonicalName)
	assert.ElementsMatch(t, []string{"e1", "e2", "e3"}, survivor.SourceEntityIDs)
	assert.Equal(t, 1, result.Stats.ClustersFormed)
}

func TestPatternMatchesBrandModel(t *testing.T) {
	e := NewEngine(EngineConfig{})
	result := e.Deduplicate([]model.Entity{
		entity("e1", "Electro Freeze SL500", model.TypeEquipment),
		entity("e2", "Electro-Freeze Model SL500", model.TypeEquipment),
	}, nil)

	require.Len(t, result.Entities, 1)
}

func TestSemanticProcedureSynonyms(t *testing.T) {
	e := NewEngine(EngineConfig{})
	result := e.Deduplicate([]model.Entity{
		entity("p1", "Daily Cleaning", model.TypeProcedure),
		entity("p2", "End of Day Cleaning", model.TypeProcedure),
	}, nil)

	require.Len(t, result.Entities, 1)
	assert.Equal(t, "Daily Cleaning Procedure", result.Entities[0].CanonicalName)
}

func TestCrossTypeMatchesRestricted(t *testing.T) {
	e := NewEngine(EngineConfig{})

	// equipment/component is an allowed pair.
	allowed := e.Deduplicate([]model.Entity{
		entity("e1", "Compressor Unit", model.TypeEquipment),
		entity("e2", "Compressor Unit", model.TypeComponent),
	}, nil)
	assert.Len(t, allowed.Entities, 1)

	// equipment/procedure is not.
	denied := e.Deduplicate([]model.Entity{
		entity("e1", "Sanitizer", model.TypeEquipment),
		entity("e2", "Sanitizer", model.TypeProcedure),
	}, nil)
	assert.Len(t, denied.Entities, 2)
}

func TestFuzzyThresholdByType(t *testing.T) {
	e := NewEngine(EngineConfig{})

	// Close-but-not-identical equipment names clear the 0.80 threshold.
	result := e.Deduplicate([]model.Entity{
		entity("e1", "Hoshizaki Ice Maker", model.TypeEquipment),
		entity("e2", "Hoshizaki IceMaker", model.TypeEquipment),
	}, nil)
	assert.Len(t, result.Entities, 1)
	assert.Equal(t, 1, result.Stats.MatchesByStrategy[StrategyFuzzy])

	// Dissimilar names stay separate.
	apart := e.Deduplicate([]model.Entity{
		entity("e1", "Walk-in Freezer", model.TypeEquipment),
		entity("e2", "Fry Station", model.TypeEquipment),
	}, nil)
	assert.Len(t, apart.Entities, 2)
}

func TestRelationshipRemapAndOrphans(t *testing.T) {
	e := NewEngine(EngineConfig{})
	rels := []model.Relationship{
		{SourceID: "e2", TargetID: "p1", Type: "requires"},
		{SourceID: "e1", TargetID: "p1", Type: "requires"}, // duplicate after remap
		{SourceID: "e1", TargetID: "ghost", Type: "requires"},
	}
	result := e.Deduplicate([]model.Entity{
		entity("e1", "Taylor C602", model.TypeEquipment),
		entity("e2", "C602", model.TypeEquipment),
		entity("p1", "Daily Cleaning", model.TypeProcedure),
	}, rels)

	require.Len(t, result.Relationships, 1)
	survivorID := result.Mapping["e1"]
	assert.Equal(t, survivorID, result.Relationships[0].SourceID)
	assert.Equal(t, "p1", result.Relationships[0].TargetID)
	assert.Equal(t, 1, result.Stats.OrphanedRelationships)
	assert.Equal(t, 1, result.Stats.DuplicateRelationships)
}

func TestPropertyMerge(t *testing.T) {
	e := NewEngine(EngineConfig{})
	a := entity("e1", "Taylor C602", model.TypeEquipment)
	a.Properties = map[string]interface{}{"capacity": "high", "tags": []interface{}{"soft-serve"}}
	a.PageRefs = []int{1, 3}
	b := entity("e2", "C602", model.TypeEquipment)
	b.Properties = map[string]interface{}{"capacity": "commercial", "tags": []interface{}{"soft-serve", "dessert"}}
	b.PageRefs = []int{3, 5}

	result := e.Deduplicate([]model.Entity{a, b}, nil)
	require.Len(t, result.Entities, 1)
	merged := result.Entities[0]

	assert.ElementsMatch(t, []interface{}{"high", "commercial"}, merged.Properties["capacity"])
	assert.ElementsMatch(t, []interface{}{"soft-serve", "dessert"}, merged.Properties["tags"])
	assert.Equal(t, []int{1, 3, 5}, merged.PageRefs)
}

func TestIdempotent(t *testing.T) {
	e := NewEngine(EngineConfig{})
	first := e.Deduplicate([]model.Entity{
		entity("e1", "Taylor C602", model.TypeEquipment),
		entity("e2", "Taylor Model C602", model.TypeEquipment),
		entity("p1", "Daily Cleaning", model.TypeProcedure),
	}, []model.Relationship{{SourceID: "e1", TargetID: "p1", Type: "requires"}})

	second := e.Deduplicate(first.Entities, first.Relationships)
	assert.Equal(t, first.Entities, second.Entities)
	assert.Equal(t, first.Relationships, second.Relationships)
	assert.Zero(t, second.Stats.ClustersFormed)
}

func TestOrderIndependence(t *testing.T) {
	e := NewEngine(EngineConfig{})
	entities := []model.Entity{
		entity("e1", "Taylor C602", model.TypeEquipment),
		entity("e2", "C602", model.TypeEquipment),
		entity("p1", "Daily Cleaning", model.TypeProcedure),
	}
	reversed := []model.Entity{entities[2], entities[1], entities[0]}

	a := e.Deduplicate(entities, nil)
	b := e.Deduplicate(reversed, nil)
	assert.Equal(t, a.Entities, b.Entities)
}

func TestCanonicalID(t *testing.T) {
	assert.Equal(t, "equipment:taylor-c602", CanonicalID("Taylor C602", model.TypeEquipment))
	assert.Equal(t, "equipment:taylor-c602", CanonicalID("Taylor Model C602", model.TypeEquipment))
	assert.Equal(t, "procedure:daily-cleaning", CanonicalID("Daily Cleaning", model.TypeProcedure))
}

func TestDeduplicateAgainstCollapsesOntoExisting(t *testing.T) {
	e := NewEngine(EngineConfig{})
	existing := []model.Entity{{
		LocalID:       "equipment:taylor-c602",
		CanonicalName: "Taylor C602",
		QSRType:       model.TypeEquipment,
	}}
	rels := []model.Relationship{{SourceID: "e1", TargetID: "p1", Type: "requires"}}

	result := e.DeduplicateAgainst([]model.Entity{
		entity("e1", "Taylor Model C602", model.TypeEquipment),
		entity("p1", "Daily Cleaning", model.TypeProcedure),
	}, rels, existing)

	// The existing canonical identity wins, even though the fresh mention
	// carries the longer name.
	assert.Equal(t, "equipment:taylor-c602", result.Mapping["e1"])
	require.Len(t, result.Entities, 2)
	for _, ent := range result.Entities {
		if ent.LocalID == "equipment:taylor-c602" {
			assert.Equal(t, "Taylor C602", ent.CanonicalName)
		}
	}

	// New survivors receive global canonical ids so graph merges converge.
	procedureID := result.Mapping["p1"]
	assert.Equal(t, CanonicalID("Daily Cleaning Procedure", model.TypeProcedure), procedureID)

	require.Len(t, result.Relationships, 1)
	assert.Equal(t, "equipment:taylor-c602", result.Relationships[0].SourceID)
	assert.Equal(t, procedureID, result.Relationships[0].TargetID)
	assert.Equal(t, 2, result.Stats.EntitiesIn, "existing entities do not count as input")
}

func TestDeduplicateAgainstSkipsUnmatchedExisting(t *testing.T) {
	e := NewEngine(EngineConfig{})
	existing := []model.Entity{{
		LocalID:       "equipment:hobart-mixer",
		CanonicalName: "Hobart Mixer",
		QSRType:       model.TypeEquipment,
	}}

	result := e.DeduplicateAgainst([]model.Entity{
		entity("e1", "Walk-in Freezer", model.TypeEquipment),
	}, nil, existing)

	require.Len(t, result.Entities, 1, "untouched existing entities are not re-emitted")
	assert.Equal(t, CanonicalID("Walk-in Freezer", model.TypeEquipment), result.Entities[0].LocalID)
}

func TestDeduplicateAgainstSecondUploadIsStable(t *testing.T) {
	e := NewEngine(EngineConfig{})
	first := e.DeduplicateAgainst([]model.Entity{
		entity("e1", "Taylor C602", model.TypeEquipment),
	}, nil, nil)
	require.Len(t, first.Entities, 1)

	// A later document mentioning the same machine resolves to the same
	// canonical id when matched against the bridged state.
	second := e.DeduplicateAgainst([]model.Entity{
		entity("x9", "Taylor Model C602", model.TypeEquipment),
	}, nil, first.Entities)

	require.Len(t, second.Entities, 1)
	assert.Equal(t, first.Entities[0].LocalID, second.Entities[0].LocalID)
	assert.Equal(t, first.Entities[0].CanonicalName, second.Entities[0].CanonicalName)
}

func TestSingletonPassesThrough(t *testing.T) {
	e := NewEngine(EngineConfig{})
	in := entity("e1", "Fryer Basket", model.TypeComponent)
	in.Properties = map[string]interface{}{"material": "steel"}

	result := e.Deduplicate([]model.Entity{in}, nil)
	require.Len(t, result.Entities, 1)
	assert.Equal(t, in, result.Entities[0])
	assert.Zero(t, result.Stats.ClustersFormed)
}
