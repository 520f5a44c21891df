package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFieldImportance(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 0.25, FieldImportance(FieldIdentifier), 1e-9)
	assert.InDelta(t, 0.20, FieldImportance(FieldGivenName), 1e-9)
	assert.InDelta(t, 0.20, FieldImportance(FieldFamilyName), 1e-9)
	assert.InDelta(t, 0.15, FieldImportance(FieldLicenseNumber), 1e-9)
	assert.InDelta(t, 0.10, FieldImportance(FieldPhone), 1e-9)
	assert.InDelta(t, 0.10, FieldImportance(FieldEmail), 1e-9)
	assert.InDelta(t, 0.05, FieldImportance(FieldCity), 1e-9)
	assert.InDelta(t, 0.05, FieldImportance("anything_else"), 1e-9)
}

func TestCriticalFields(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{FieldIdentifier, FieldGivenName, FieldFamilyName, FieldLicenseNumber}, CriticalFields())
	// Every critical field carries a named importance weight.
	for _, f := range CriticalFields() {
		assert.Greater(t, FieldImportance(f), 0.05)
	}
}

func TestGeoAccuracyConfidence(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 0.95, GeoAccuracyConfidence(GeoRooftop), 1e-9)
	assert.InDelta(t, 0.85, GeoAccuracyConfidence(GeoRangeInterpolated), 1e-9)
	assert.InDelta(t, 0.75, GeoAccuracyConfidence(GeoGeometricCenter), 1e-9)
	assert.InDelta(t, 0.60, GeoAccuracyConfidence(GeoApproximate), 1e-9)
	assert.Zero(t, GeoAccuracyConfidence("SOMETHING_ELSE"))
}
