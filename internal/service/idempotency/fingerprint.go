// Package idempotency deduplicates batch submissions. A submission is
// identified either by the caller's explicit key or by a canonical
// fingerprint of its payload; records live in Redis under a TTL and are
// transitioned by the orchestrator as the job progresses.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/caretrace/provider-validator/internal/domain"
)

const keyNamespace = "batchval:"

// Fingerprint returns the 128-bit hex digest of the canonical submission
// payload. Provider strings are trimmed and emails lowercased before
// hashing, so cosmetic whitespace does not defeat deduplication. Field
// order is fixed by the struct layout, which makes the serialization
// stable across processes.
func Fingerprint(providers []domain.ProviderInput, options domain.ValidationOptions) string {
	canon := struct {
		Providers []domain.ProviderInput   `json:"providers"`
		Options   domain.ValidationOptions `json:"options"`
	}{
		Providers: canonicalProviders(providers),
		Options:   options,
	}
	raw, err := json.Marshal(canon)
	if err != nil {
		// Marshal of plain structs and strings cannot fail; keep the
		// fallback deterministic anyway.
		raw = []byte(err.Error())
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}

// KeyFor returns the storage key for a submission: the caller's explicit
// key when present, else the payload fingerprint, both namespaced.
func KeyFor(explicitKey, fingerprint string) string {
	if explicitKey != "" {
		return keyNamespace + explicitKey
	}
	return keyNamespace + fingerprint
}

func canonicalProviders(providers []domain.ProviderInput) []domain.ProviderInput {
	out := make([]domain.ProviderInput, len(providers))
	for i, p := range providers {
		out[i] = domain.ProviderInput{
			ProviderID:    strings.TrimSpace(p.ProviderID),
			Identifier:    strings.TrimSpace(p.Identifier),
			GivenName:     strings.TrimSpace(p.GivenName),
			FamilyName:    strings.TrimSpace(p.FamilyName),
			PracticeName:  strings.TrimSpace(p.PracticeName),
			Specialty:     strings.TrimSpace(p.Specialty),
			AddressLine1:  strings.TrimSpace(p.AddressLine1),
			AddressLine2:  strings.TrimSpace(p.AddressLine2),
			City:          strings.TrimSpace(p.City),
			State:         strings.TrimSpace(p.State),
			PostalCode:    strings.TrimSpace(p.PostalCode),
			PlaceID:       strings.TrimSpace(p.PlaceID),
			Phone:         strings.TrimSpace(p.Phone),
			Email:         strings.ToLower(strings.TrimSpace(p.Email)),
			LicenseNumber: strings.TrimSpace(p.LicenseNumber),
			LicenseState:  strings.TrimSpace(p.LicenseState),
			DocumentRef:   strings.TrimSpace(p.DocumentRef),
		}
	}
	return out
}
