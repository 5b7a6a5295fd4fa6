package dedup

import (
	"regexp"
	"strings"
)

// Curated QSR knowledge: brand aliases, equipment model aliases and procedure
// synonym clusters. These tables drive the alias and semantic matching
// strategies and supply canonical names for well-known equipment.

// brandAliases maps a brand key to its observed name variations.
var brandAliases = map[string][]string{
	"taylor":         {"taylor", "taylor company", "taylor freezer", "taylor ice cream"},
	"grote":          {"grote", "grote company", "grote tool", "grote equipment"},
	"electro_freeze": {"electro freeze", "electro-freeze", "electrofreeze", "ef"},
	"carpigiani":     {"carpigiani", "carpigiani gelato", "carpigiani ice cream"},
	"stoelting":      {"stoelting", "stoelting frozen", "stoelting equipment"},
	"hobart":         {"hobart", "hobart corp", "hobart equipment", "hobart foodservice"},
	"manitowoc":      {"manitowoc", "manitowoc ice", "manitowoc foodservice"},
	"hoshizaki":      {"hoshizaki", "hoshizaki ice", "hoshizaki america"},
}

// modelEntry is one curated equipment model.
type modelEntry struct {
	canonicalName string
	aliases       []string
}

// equipmentModels maps a model key to its canonical name and aliases.
var equipmentModels = map[string]modelEntry{
	"taylor_c602": {
		canonicalName: "Taylor C602",
		aliases:       []string{"c602", "taylor c602", "model c602", "taylor model c602", "c-602"},
	},
	"grote_tool": {
		canonicalName: "Grote Tool",
		aliases:       []string{"grote tool", "1grote tool", "grote equipment", "grote slicer"},
	},
	"hobart_mixer": {
		canonicalName: "Hobart Mixer",
		aliases:       []string{"hobart mixer", "hobart dough mixer", "commercial mixer"},
	},
}

// procedureClusters maps a procedure key to its canonical name and synonyms.
// These back the semantic strategy: synonyms that plain string similarity
// would miss (daily cleaning vs end of day cleaning).
var procedureClusters = map[string]modelEntry{
	"daily_cleaning": {
		canonicalName: "Daily Cleaning Procedure",
		aliases:       []string{"daily cleaning", "daily clean", "daily sanitization", "end of day cleaning", "daily cleaning procedure"},
	},
	"weekly_maintenance": {
		canonicalName: "Weekly Maintenance Procedure",
		aliases:       []string{"weekly maintenance", "weekly service", "weekly inspection", "weekly maintenance procedure"},
	},
	"safety_protocol": {
		canonicalName: "Safety Protocol",
		aliases:       []string{"safety procedure", "safety guidelines", "safety warning", "safety protocol"},
	},
}

// equipmentModelPattern matches a known brand followed by an optional
// "Model" token and an alphanumeric model designation, e.g. "Taylor C602",
// "Taylor Model C602", "Electro Freeze SL500".
var equipmentModelPattern = regexp.MustCompile(
	`(?i)\b(taylor|electro[\s-]*freeze|carpigiani|stoelting|hobart|grote|manitowoc|hoshizaki)\s*(?:model\s*)?([a-z]*-?\d+[a-z]*)\b`)

// numericPrefixPattern matches OCR artifacts like "1Grote Tool" where a list
// number fused onto the name.
var numericPrefixPattern = regexp.MustCompile(`^\d+\s*`)

// fillerWords are dropped from names for comparison purposes only.
var fillerWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "model": {}, "type": {}, "series": {}, "unit": {}, "system": {},
}

// NormalizeName produces the comparison form of an entity name: lowercase,
// collapsed whitespace, numeric prefixes stripped and filler words removed.
// Display names are never rewritten; only matching uses this form.
func NormalizeName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = numericPrefixPattern.ReplaceAllString(n, "")
	fields := strings.Fields(n)
	kept := fields[:0]
	for _, f := range fields {
		if _, filler := fillerWords[f]; !filler {
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, " ")
}

// modelTokens extracts (brand, model) from a name via the equipment model
// pattern; ok is false when the name carries no model designation.
func modelTokens(name string) (brand, modelToken string, ok bool) {
	m := equipmentModelPattern.FindStringSubmatch(strings.ToLower(name))
	if m == nil {
		return "", "", false
	}
	brand = strings.Join(strings.Fields(strings.ReplaceAll(m[1], "-", " ")), " ")
	modelToken = strings.ReplaceAll(m[2], "-", "")
	return brand, modelToken, true
}

// curatedCanonical returns the curated canonical name for a normalized name,
// when one of the alias tables knows it.
func curatedCanonical(normalized string) (string, bool) {
	for _, entry := range equipmentModels {
		for _, alias := range entry.aliases {
			if normalized == NormalizeName(alias) {
				return entry.canonicalName, true
			}
		}
	}
	for _, entry := range procedureClusters {
		for _, alias := range entry.aliases {
			if normalized == NormalizeName(alias) {
				return entry.canonicalName, true
			}
		}
	}
	return "", false
}

// sharedAliasCluster reports whether two normalized names appear in the same
// curated alias set (equipment models or brands).
func sharedAliasCluster(a, b string) bool {
	for _, entry := range equipmentModels {
		inA, inB := false, false
		for _, alias := range entry.aliases {
			na := NormalizeName(alias)
			if na == a {
				inA = true
			}
			if na == b {
				inB = true
			}
		}
		if inA && inB {
			return true
		}
	}
	for _, aliases := range brandAliases {
		inA, inB := false, false
		for _, alias := range aliases {
			na := NormalizeName(alias)
			if na == a {
				inA = true
			}
			if na == b {
				inB = true
			}
		}
		if inA && inB {
			return true
		}
	}
	return false
}

// sharedProcedureCluster reports whether two normalized names are curated
// synonyms of the same procedure.
func sharedProcedureCluster(a, b string) bool {
	for _, entry := range procedureClusters {
		inA, inB := false, false
		for _, alias := range entry.aliases {
			na := NormalizeName(alias)
			if na == a {
				inA = true
			}
			if na == b {
				inB = true
			}
		}
		if inA && inB {
			return true
		}
	}
	return false
}
