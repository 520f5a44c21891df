package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/caretrace/provider-validator/internal/domain"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// submitPayload is the wire shape of a batch submission. Validation here is
// structural only: batch shape, priority vocabulary, key length. Malformed
// identifiers, phones or emails are evidence, not request errors; they flow
// through and surface as report flags.
type submitPayload struct {
	Providers      []domain.ProviderInput `json:"providers" validate:"required,min=1,max=500"`
	Options        *sourceToggles         `json:"options"`
	Priority       string                 `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	IdempotencyKey string                 `json:"idempotency_key" validate:"omitempty,max=200"`
}

// sourceToggles overlays the caller's per-source switches onto the
// defaults, so {"ocr": false} disables OCR without silencing the rest.
type sourceToggles struct {
	IdentifierCheck *bool `json:"identifier_check"`
	Geocode         *bool `json:"geocode"`
	OCR             *bool `json:"ocr"`
	LicenseCheck    *bool `json:"license_check"`
	Enrichment      *bool `json:"enrichment"`
}

func (t *sourceToggles) apply(base domain.ValidationOptions) domain.ValidationOptions {
	if t == nil {
		return base
	}
	if t.IdentifierCheck != nil {
		base.IdentifierCheck = *t.IdentifierCheck
	}
	if t.Geocode != nil {
		base.Geocode = *t.Geocode
	}
	if t.OCR != nil {
		base.OCR = *t.OCR
	}
	if t.LicenseCheck != nil {
		base.LicenseCheck = *t.LicenseCheck
	}
	if t.Enrichment != nil {
		base.Enrichment = *t.Enrichment
	}
	return base
}

// decodeSubmit parses and structurally validates a submission body.
func decodeSubmit(r *http.Request) (submitPayload, error) {
	var payload submitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return submitPayload{}, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument)
	}
	if err := getValidator().Struct(payload); err != nil {
		fields := map[string]string{}
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				fields[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		return submitPayload{}, fmt.Errorf("%w: validation failed on %v", domain.ErrInvalidArgument, fields)
	}
	return payload, nil
}

// acceptsJSON returns whether the client can take a JSON response, the
// only representation served.
func acceptsJSON(r *http.Request) bool {
	a := r.Header.Get("Accept")
	return a == "" || a == "*/*" || strings.Contains(a, "application/json")
}
