package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecommendations_CollapsesDuplicateTexts(t *testing.T) {
	got := Recommendations([]string{
		"MISSING_FAMILY_NAME",
		"MISSING_GIVEN_NAME",
		"MISSING_IDENTIFIER",
	})
	assert.Equal(t, []string{"Provide the missing critical fields and resubmit."}, got)
}

func TestRecommendations_FollowsFlagOrder(t *testing.T) {
	got := Recommendations([]string{
		"EXPIRED_LICENSE",
		"FAILED_OCR",
		"INVALID_PHONE",
		"LOW_CONFIDENCE_LICENSE_NUMBER",
		"LOW_CONFIDENCE_PHONE",
	})
	assert.Equal(t, []string{
		"Request a current license: the one on file is expired.",
		"Re-run validation once the ocr source recovers.",
		"Correct the phone number; it does not parse as a dialable number.",
		"Manually review license number; evidence confidence is low.",
		"Verify the phone number with the provider; evidence confidence is low.",
	}, got)
}

func TestRecommendations_IgnoresUnknownFlags(t *testing.T) {
	assert.Empty(t, Recommendations([]string{"SOMETHING_ELSE"}))
	assert.Empty(t, Recommendations(nil))
}
