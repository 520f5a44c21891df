package fusion

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/caretrace/provider-validator/internal/domain"
)

// deriveFlags computes the report's flag set. Every flag traces back to a
// concrete triggering condition in the result set; none are speculative.
func deriveFlags(results []domain.WorkerResult, winners map[string]contribution) []string {
	set := map[string]struct{}{}

	// (a) critical fields with no contribution
	for _, f := range domain.CriticalFields() {
		if _, ok := winners[f]; !ok {
			set["MISSING_"+strings.ToUpper(f)] = struct{}{}
		}
	}

	// (b) low raw confidence on the winning contribution
	for name, c := range winners {
		if c.raw < 0.5 {
			set["LOW_CONFIDENCE_"+strings.ToUpper(name)] = struct{}{}
		}
	}

	for _, r := range results {
		// (c) failed workers
		if !r.Success {
			set["FAILED_"+strings.ToUpper(string(r.Type))] = struct{}{}
		}

		// (d) adverse license status. Scans every result, failed ones
		// included, so a suspended license surfaces even when the scrape
		// confidence fell below the success cut.
		if status, ok := r.Fields[domain.FieldLicenseStatus].(string); ok {
			switch status {
			case domain.LicenseSuspended:
				set[domain.FlagSuspendedLicense] = struct{}{}
			case domain.LicenseRevoked:
				set[domain.FlagRevokedLicense] = struct{}{}
			case domain.LicenseExpired:
				set[domain.FlagExpiredLicense] = struct{}{}
			}
		}

		// (e) format-invalid evidence
		if r.ErrorCode == domain.CodeInvalidIdentifier {
			set[domain.FlagInvalidIdentifier] = struct{}{}
		}
		if !r.Success {
			continue
		}
		if v, ok := r.Fields[domain.FieldPhoneValid].(bool); ok && !v {
			set[domain.FlagInvalidPhone] = struct{}{}
		}
		if v, ok := r.Fields[domain.FieldEmailValid].(bool); ok && !v {
			set[domain.FlagInvalidEmail] = struct{}{}
		}
	}

	flags := lo.Keys(set)
	sort.Strings(flags)
	return flags
}

// deriveInsights produces the report's deterministic plain-text notes.
func deriveInsights(results []domain.WorkerResult, winners map[string]contribution) []string {
	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}

	insights := []string{
		fmt.Sprintf("%d of %d validation sources returned evidence", succeeded, len(results)),
	}
	if c, ok := winners[domain.FieldIdentifier]; ok && c.source == domain.TaskIdentifierCheck && c.raw >= 0.9 {
		insights = append(insights, "identifier verified against the national registry")
	}
	if c, ok := winners[domain.FieldGeoAccuracy]; ok {
		if acc, isString := c.value.(string); isString && acc != "" {
			insights = append(insights, "address geocoded at "+acc+" precision")
		}
	}
	if c, ok := winners[domain.FieldLicenseStatus]; ok {
		if status, isString := c.value.(string); isString && status == domain.LicenseActive {
			insights = append(insights, "license verified active with the state board")
		}
	}
	return insights
}
