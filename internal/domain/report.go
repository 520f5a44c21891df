package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ReportStatus classifies the overall confidence of a report.
type ReportStatus string

const (
	ReportValid   ReportStatus = "valid"
	ReportWarning ReportStatus = "warning"
	ReportInvalid ReportStatus = "invalid"
)

// StatusForOverall derives the report status from overall confidence.
// valid at >= 0.8, warning at >= 0.6, invalid below.
func StatusForOverall(overall float64) ReportStatus {
	switch {
	case overall >= 0.8:
		return ReportValid
	case overall >= 0.6:
		return ReportWarning
	default:
		return ReportInvalid
	}
}

// FieldSummary is one fused field in a report. Confidence is the winning
// contribution's field confidence multiplied by its source weight;
// SourceConfidence is the contribution's own confidence.
type FieldSummary struct {
	Value            any      `json:"value"`
	Confidence       float64  `json:"confidence"`
	SourceConfidence float64  `json:"source_confidence"`
	Source           TaskType `json:"source"`
}

// ValidationReport is the fused outcome for one provider in one job.
// Written once and stable thereafter: re-fusing the same result set
// reproduces it byte for byte.
type ValidationReport struct {
	ReportID         string                  `json:"report_id"`
	JobID            string                  `json:"job_id"`
	ProviderID       string                  `json:"provider_id"`
	Overall          float64                 `json:"overall_confidence"`
	Status           ReportStatus            `json:"status"`
	Fields           map[string]FieldSummary `json:"fields"`
	AggregatedFields map[string]any          `json:"aggregated_fields"`
	Flags            []string                `json:"flags"`
	Recommendations  []string                `json:"recommendations"`
	Insights         []string                `json:"insights"`
	Results          []WorkerResult          `json:"worker_results"`
	ProcessingMS     int64                   `json:"processing_ms"`
	GeneratedAt      time.Time               `json:"generated_at"`
}

// ReportID derives the stable report identifier for (job, provider).
func ReportID(jobID, providerID string) string {
	sum := sha256.Sum256([]byte(jobID + ":" + providerID))
	return "rpt-" + hex.EncodeToString(sum[:8])
}

// Report flags. SCREAMING_SNAKE_CASE tokens from a fixed set; MISSING_,
// LOW_CONFIDENCE_ and FAILED_ families are derived per field or source.
const (
	FlagSuspendedLicense  = "SUSPENDED_LICENSE"
	FlagRevokedLicense    = "REVOKED_LICENSE"
	FlagExpiredLicense    = "EXPIRED_LICENSE"
	FlagInvalidPhone      = "INVALID_PHONE"
	FlagInvalidEmail      = "INVALID_EMAIL"
	FlagInvalidIdentifier = "INVALID_IDENTIFIER"
)
