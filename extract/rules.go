package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"bridge.linelead.io/model"
)

// RuleBasedEntityExtractor is the built-in fallback used when no external
// extraction service is configured. It finds branded equipment mentions and
// maintenance/safety phrases with regular expressions and links equipment to
// procedures mentioned in the same sentence when that sentence also carries a
// requirement cue ("requires", "needs", "must be/have/undergo"). Coverage is deliberately
// shallow; production deployments point the bridge at the LLM service.
type RuleBasedEntityExtractor struct{}

var (
	equipmentMention = regexp.MustCompile(`(?i)\b((?:taylor|grote|electro[\s-]*freeze|carpigiani|stoelting|hobart|manitowoc|hoshizaki)(?:\s+model)?\s+[a-z]*-?\d+[a-z]*|\d*[A-Z][a-z]+\s+(?:Tool|Machine|Mixer|Fryer|Grill|Freezer|Slicer))\b`)
	procedureMention = regexp.MustCompile(`(?i)\b((?:daily|weekly|monthly|annual)?\s*(?:cleaning|maintenance|sanitization|inspection|service)(?:\s+procedure)?)\b`)
	safetyMention    = regexp.MustCompile(`(?i)\b(safety\s+(?:protocol|procedure|warning|guideline)|caution|hazard\s+warning)\b`)
	requiresHint     = regexp.MustCompile(`(?i)\b(requires?|needs?|must\s+(?:be|have|undergo))\b`)
)

// ExtractEntities implements EntityExtractor.
func (RuleBasedEntityExtractor) ExtractEntities(ctx context.Context, sourceDocument string, pages []PageText) (*model.ExtractionResult, error) {
	result := &model.ExtractionResult{}
	seen := make(map[string]string) // normalized mention -> local id
	nextID := 0

	record := func(name string, qsrType model.QSRType, page int) string {
		key := strings.ToLower(strings.Join(strings.Fields(name), " "))
		if id, ok := seen[key]; ok {
			for i := range result.Entities {
				if result.Entities[i].LocalID == id && !result.Entities[i].HasPageRef(page) {
					result.Entities[i].PageRefs = append(result.Entities[i].PageRefs, page)
				}
			}
			return id
		}
		nextID++
		id := fmt.Sprintf("rule-%d", nextID)
		seen[key] = id
		result.Entities = append(result.Entities, model.Entity{
			LocalID:        id,
			CanonicalName:  strings.TrimSpace(name),
			QSRType:        qsrType,
			SourceDocument: sourceDocument,
			PageRefs:       []int{page},
		})
		return id
	}

	for _, page := range pages {
		for _, sentence := range strings.FieldsFunc(page.Text, func(r rune) bool { return r == '.' || r == '\n' }) {
			equipment := equipmentMention.FindAllString(sentence, -1)
			procedures := procedureMention.FindAllString(sentence, -1)
			safety := safetyMention.FindAllString(sentence, -1)

			var equipmentIDs, procedureIDs []string
			for _, mention := range equipment {
				equipmentIDs = append(equipmentIDs, record(mention, model.TypeEquipment, page.Page))
			}
			for _, mention := range procedures {
				procedureIDs = append(procedureIDs, record(mention, model.TypeProcedure, page.Page))
			}
			for _, mention := range safety {
				record(mention, model.TypeSafetyProtocol, page.Page)
			}

			// "X requires Y" inside one sentence links equipment to its
			// procedures.
			if requiresHint.MatchString(sentence) {
				for _, eid := range equipmentIDs {
					for _, pid := range procedureIDs {
						result.Relationships = append(result.Relationships, model.Relationship{
							SourceID: eid,
							TargetID: pid,
							Type:     "requires",
						})
					}
				}
			}
		}
	}
	return result, nil
}
