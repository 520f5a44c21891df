// Central field-name registry. The normalized-fields payload is
// heterogeneous across sources; every adapter and the fusion engine key
// into this set so field names never drift.
package domain

// Normalized field names.
const (
	FieldIdentifier       = "identifier"
	FieldGivenName        = "given_name"
	FieldFamilyName       = "family_name"
	FieldSpecialty        = "specialty"
	FieldPracticeName     = "practice_name"
	FieldAddressLine1     = "address_line1"
	FieldAddressLine2     = "address_line2"
	FieldCity             = "city"
	FieldState            = "state"
	FieldPostalCode       = "postal_code"
	FieldPhone            = "phone"
	FieldEmail            = "email"
	FieldLicenseNumber    = "license_number"
	FieldLicenseState     = "license_state"
	FieldLicenseStatus    = "license_status"
	FieldLicenseIssued    = "license_issued"
	FieldLicenseExpires   = "license_expires"
	FieldBoardActions     = "board_actions"
	FieldFormattedAddress = "formatted_address"
	FieldPlaceID          = "place_id"
	FieldLatitude         = "latitude"
	FieldLongitude        = "longitude"
	FieldGeoAccuracy      = "geo_accuracy"
	FieldAffiliations     = "affiliations"
	FieldServices         = "services"
	FieldPhoneValid       = "phone_valid"
	FieldEmailValid       = "email_valid"
)

// Field importance weights for overall-confidence scoring. Fields not in
// the table weigh importanceOther each, renormalized over fields present.
const importanceOther = 0.05

var fieldImportance = map[string]float64{
	FieldIdentifier:    0.25,
	FieldGivenName:     0.20,
	FieldFamilyName:    0.20,
	FieldLicenseNumber: 0.15,
	FieldPhone:         0.10,
	FieldEmail:         0.10,
}

// FieldImportance returns the scoring weight for a field.
func FieldImportance(field string) float64 {
	if w, ok := fieldImportance[field]; ok {
		return w
	}
	return importanceOther
}

// CriticalFields are the fields whose absence raises a MISSING_<FIELD> flag.
func CriticalFields() []string {
	return []string{FieldIdentifier, FieldGivenName, FieldFamilyName, FieldLicenseNumber}
}

// License statuses normalized by the license-check adapter.
const (
	LicenseActive    = "active"
	LicenseExpired   = "expired"
	LicenseSuspended = "suspended"
	LicenseRevoked   = "revoked"
	LicenseInactive  = "inactive"
	LicensePending   = "pending"
	LicenseProbation = "probation"
)

// Geometry accuracy categories produced by the geocoder, best first.
const (
	GeoRooftop           = "ROOFTOP"
	GeoRangeInterpolated = "RANGE_INTERPOLATED"
	GeoGeometricCenter   = "GEOMETRIC_CENTER"
	GeoApproximate       = "APPROXIMATE"
)

// GeoAccuracyConfidence maps a geometry category to field confidence.
func GeoAccuracyConfidence(category string) float64 {
	switch category {
	case GeoRooftop:
		return 0.95
	case GeoRangeInterpolated:
		return 0.85
	case GeoGeometricCenter:
		return 0.75
	case GeoApproximate:
		return 0.60
	}
	return 0.0
}
