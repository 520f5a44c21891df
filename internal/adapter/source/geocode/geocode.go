// Package geocode implements the address-verification source: forward
// geocoding of the practice address, or a place-detail lookup when the
// record already carries a place identifier.
package geocode

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/caretrace/provider-validator/internal/adapter/source"
	"github.com/caretrace/provider-validator/internal/domain"
	"github.com/caretrace/provider-validator/pkg/normalize"
)

type Adapter struct {
	baseURL string
	headers map[string]string
	client  *http.Client
	runner  *source.Runner
	mock    bool
}

func New(baseURL, apiKey string, mock bool, client *http.Client, runner *source.Runner) *Adapter {
	return &Adapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		headers: source.BearerAuth(apiKey),
		client:  client,
		runner:  runner,
		mock:    mock || baseURL == "",
	}
}

func (a *Adapter) Type() domain.TaskType { return domain.TaskGeocode }

func (a *Adapter) Execute(ctx context.Context, task domain.WorkerTask) domain.WorkerResult {
	p := task.Provider
	address := p.AddressText()
	if p.PlaceID == "" && address == "" {
		return source.Reject(task, domain.CodeInvalidInput, "no address or place identifier to verify")
	}

	return a.runner.Execute(ctx, task, domain.ConnectorGeocoder, domain.TaskTimeout(task.Type), func(ctx context.Context) (source.Evidence, error) {
		if a.mock {
			return a.mockGeocode(p, address)
		}
		var (
			hit geoResult
			err error
		)
		if p.PlaceID != "" {
			hit, err = a.placeDetails(ctx, p.PlaceID)
		} else {
			hit, err = a.forward(ctx, address)
		}
		if err != nil {
			return source.Evidence{}, err
		}
		return evidenceFrom(hit)
	})
}

type geoResult struct {
	FormattedAddress string        `json:"formatted_address"`
	PlaceID          string        `json:"place_id"`
	Accuracy         string        `json:"accuracy"`
	Location         *latLng       `json:"location"`
	Components       geoComponents `json:"components"`
}

type latLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type geoComponents struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
}

func (a *Adapter) forward(ctx context.Context, address string) (geoResult, error) {
	q := url.Values{"address": []string{address}}
	var resp struct {
		Results []geoResult `json:"results"`
	}
	if err := source.GetJSON(ctx, a.client, domain.ConnectorGeocoder, a.baseURL+"/v1/geocode?"+q.Encode(), a.headers, &resp); err != nil {
		return geoResult{}, err
	}
	if len(resp.Results) == 0 {
		return geoResult{}, source.Failf(domain.CodeNotFound, "address did not geocode")
	}
	return resp.Results[0], nil
}

func (a *Adapter) placeDetails(ctx context.Context, placeID string) (geoResult, error) {
	var resp struct {
		Result *geoResult `json:"result"`
	}
	target := a.baseURL + "/v1/places/" + url.PathEscape(placeID)
	if err := source.GetJSON(ctx, a.client, domain.ConnectorGeocoder, target, a.headers, &resp); err != nil {
		return geoResult{}, err
	}
	if resp.Result == nil {
		return geoResult{}, source.Failf(domain.CodeNotFound, "place identifier unknown to the geocoder")
	}
	return *resp.Result, nil
}

// evidenceFrom maps one geocoder hit to normalized fields. The geometry
// category drives every confidence; a match below 0.5 is not usable evidence
// and fails the task.
func evidenceFrom(hit geoResult) (source.Evidence, error) {
	conf := domain.GeoAccuracyConfidence(hit.Accuracy)
	if conf < 0.5 {
		return source.Evidence{}, source.Failf(domain.CodeLowConfidence,
			fmt.Sprintf("geocode match confidence %.2f below usable threshold", conf))
	}

	fields := map[string]any{}
	fc := map[string]float64{}
	put := func(field string, value any, ok bool) {
		if !ok {
			return
		}
		fields[field] = value
		fc[field] = conf
	}
	put(domain.FieldFormattedAddress, normalize.Text(hit.FormattedAddress), hit.FormattedAddress != "")
	put(domain.FieldPlaceID, hit.PlaceID, hit.PlaceID != "")
	put(domain.FieldGeoAccuracy, hit.Accuracy, true)
	if hit.Location != nil {
		put(domain.FieldLatitude, hit.Location.Lat, true)
		put(domain.FieldLongitude, hit.Location.Lng, true)
	}
	put(domain.FieldAddressLine1, normalize.Text(hit.Components.Street), hit.Components.Street != "")
	put(domain.FieldCity, normalize.Text(hit.Components.City), hit.Components.City != "")
	put(domain.FieldState, normalize.StateCode(hit.Components.State), hit.Components.State != "")
	put(domain.FieldPostalCode, normalize.PostalCode(hit.Components.PostalCode), hit.Components.PostalCode != "")

	return source.Evidence{Fields: fields, FieldConfidence: fc, Confidence: conf}, nil
}

// mockGeocode synthesizes a stable geocode from the address text. Rooftop
// matches dominate, tailing off through the lower categories.
func (a *Adapter) mockGeocode(p domain.ProviderInput, address string) (source.Evidence, error) {
	seed := p.PlaceID
	if seed == "" {
		seed = strings.ToLower(address)
	}
	if source.HashFloat("geocode-miss:"+seed) < 0.02 {
		return source.Evidence{}, source.Failf(domain.CodeNotFound, "address did not geocode")
	}
	accuracy := source.HashPick("geocode-acc:"+seed,
		domain.GeoRooftop, domain.GeoRangeInterpolated, domain.GeoGeometricCenter, domain.GeoApproximate)
	hit := geoResult{
		FormattedAddress: normalize.Text(address),
		PlaceID:          p.PlaceID,
		Accuracy:         accuracy,
		Location: &latLng{
			Lat: 24 + source.HashFloat("lat:"+seed)*24,
			Lng: -125 + source.HashFloat("lng:"+seed)*60,
		},
		Components: geoComponents{
			Street:     p.AddressLine1,
			City:       p.City,
			State:      p.State,
			PostalCode: p.PostalCode,
		},
	}
	if hit.PlaceID == "" {
		hit.PlaceID = fmt.Sprintf("plc-%09d", int(source.HashFloat("place:"+seed)*1e9))
	}
	return evidenceFrom(hit)
}
