package fusion

import (
	"strings"

	"github.com/caretrace/provider-validator/internal/domain"
)

var recommendationTexts = map[string]string{
	domain.FlagSuspendedLicense:  "Contact the issuing state board: the license is suspended.",
	domain.FlagRevokedLicense:    "Do not onboard: the license is revoked.",
	domain.FlagExpiredLicense:    "Request a current license: the one on file is expired.",
	domain.FlagInvalidPhone:      "Correct the phone number; it does not parse as a dialable number.",
	domain.FlagInvalidEmail:      "Correct the email address; its domain does not accept mail.",
	domain.FlagInvalidIdentifier: "Correct the identifier; the check digit does not validate.",
}

// Recommendations maps a sorted flag list to its fixed remediation texts.
// Output order follows flag order and duplicate texts collapse, so the same
// flag set always yields the same recommendation list.
func Recommendations(flags []string) []string {
	out := make([]string, 0, len(flags))
	seen := map[string]struct{}{}
	add := func(text string) {
		if _, dup := seen[text]; dup {
			return
		}
		seen[text] = struct{}{}
		out = append(out, text)
	}

	for _, f := range flags {
		switch {
		case strings.HasPrefix(f, "MISSING_"):
			add("Provide the missing critical fields and resubmit.")
		case f == "LOW_CONFIDENCE_EMAIL":
			add("Verify the email address with the provider; evidence confidence is low.")
		case f == "LOW_CONFIDENCE_PHONE":
			add("Verify the phone number with the provider; evidence confidence is low.")
		case strings.HasPrefix(f, "LOW_CONFIDENCE_"):
			field := strings.ToLower(strings.TrimPrefix(f, "LOW_CONFIDENCE_"))
			add("Manually review " + strings.ReplaceAll(field, "_", " ") + "; evidence confidence is low.")
		case strings.HasPrefix(f, "FAILED_"):
			source := strings.ToLower(strings.TrimPrefix(f, "FAILED_"))
			add("Re-run validation once the " + strings.ReplaceAll(source, "_", " ") + " source recovers.")
		default:
			if text, ok := recommendationTexts[f]; ok {
				add(text)
			}
		}
	}
	return out
}
