package fusion

import "github.com/caretrace/provider-validator/internal/domain"

// Global source weights applied to field confidence when ranking
// contributions. Document OCR carries no weight (the table sums to 1.0
// without it), so OCR evidence wins only uncontested fields.
var sourceWeights = map[domain.TaskType]float64{
	domain.TaskIdentifierCheck: 0.40,
	domain.TaskGeocode:         0.25,
	domain.TaskEnrichment:      0.20,
	domain.TaskLicenseCheck:    0.15,
}

// SourceWeight returns the fusion weight for a source's evidence.
func SourceWeight(t domain.TaskType) float64 {
	return sourceWeights[t]
}

// sourceRank orders sources for tie-breaking: higher-weight source wins.
func sourceRank(t domain.TaskType) int {
	switch t {
	case domain.TaskIdentifierCheck:
		return 0
	case domain.TaskGeocode:
		return 1
	case domain.TaskEnrichment:
		return 2
	case domain.TaskLicenseCheck:
		return 3
	case domain.TaskOCR:
		return 4
	}
	return 5
}
