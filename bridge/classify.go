package bridge

import (
	"strings"

	"bridge.linelead.io/model"
)

// QSR keyword sets used to assign a type when the extractor left one out.
// Safety wins over procedure so "Safety Protocol" does not land in the
// generic procedure bucket.
var classifierKeywords = []struct {
	qsrType  model.QSRType
	keywords []string
}{
	{model.TypeSafetyProtocol, []string{"safety", "warning", "caution", "hazard", "guideline"}},
	{model.TypeComponent, []string{"pump", "motor", "valve", "sensor", "control", "panel", "compressor"}},
	{model.TypeEquipment, []string{"machine", "equipment", "fryer", "grill", "freezer", "mixer", "slicer", "tool"}},
	{model.TypeProcedure, []string{"cleaning", "maintenance", "procedure", "process", "protocol", "inspection"}},
}

// knownBrands lets a brand-plus-model name like "Taylor C602", which carries
// no classifiable keyword, be classified as equipment.
var knownBrands = []string{
	"taylor", "grote", "electro freeze", "electro-freeze", "carpigiani",
	"stoelting", "hobart", "manitowoc", "hoshizaki",
}

// ClassifyType assigns a qsr_type from the entity name. Names that match no
// keyword set fall back to equipment when they look like a branded model,
// specification otherwise.
func ClassifyType(name string) model.QSRType {
	lower := strings.ToLower(name)
	for _, set := range classifierKeywords {
		for _, kw := range set.keywords {
			if strings.Contains(lower, kw) {
				return set.qsrType
			}
		}
	}
	for _, brand := range knownBrands {
		if strings.Contains(lower, brand) {
			return model.TypeEquipment
		}
	}
	return model.TypeSpecification
}
