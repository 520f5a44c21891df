// Package enrichment implements the supplementary-directory source: a
// directory lookup for affiliations and services, local phone parsing, and
// an email MX probe. Its evidence corroborates contact fields; it is never
// authoritative for identity.
package enrichment

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/caretrace/provider-validator/internal/adapter/source"
	"github.com/caretrace/provider-validator/internal/domain"
	"github.com/caretrace/provider-validator/pkg/normalize"
)

// MXResolver is the slice of net.Resolver the email probe needs.
type MXResolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

type Adapter struct {
	baseURL  string
	headers  map[string]string
	client   *http.Client
	runner   *source.Runner
	resolver MXResolver
	region   string
	mock     bool
}

// New builds the enrichment adapter. region is the default phone-number
// region for national-format inputs; empty means US.
func New(baseURL, apiKey, region string, mock bool, client *http.Client, resolver MXResolver, runner *source.Runner) *Adapter {
	if region == "" {
		region = "US"
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Adapter{
		baseURL:  strings.TrimRight(baseURL, "/"),
		headers:  source.BearerAuth(apiKey),
		client:   client,
		runner:   runner,
		resolver: resolver,
		region:   region,
		mock:     mock || baseURL == "",
	}
}

func (a *Adapter) Type() domain.TaskType { return domain.TaskEnrichment }

func (a *Adapter) Execute(ctx context.Context, task domain.WorkerTask) domain.WorkerResult {
	p := task.Provider
	return a.runner.Execute(ctx, task, domain.ConnectorEnrichment, domain.TaskTimeout(task.Type), func(ctx context.Context) (source.Evidence, error) {
		var (
			hit directoryHit
			err error
		)
		if a.mock {
			hit = a.mockDirectory(p)
		} else {
			hit, err = a.directory(ctx, p)
			if err != nil {
				return source.Evidence{}, err
			}
		}
		return a.evidenceFrom(ctx, p, hit), nil
	})
}

type directoryHit struct {
	Phone        string   `json:"phone"`
	Email        string   `json:"email"`
	Affiliations []string `json:"affiliations"`
	Services     []string `json:"services"`
}

// directory queries the commercial directory. A 404 means the provider has
// no directory record, which is an empty hit rather than a failure: the
// local phone and email probes still run.
func (a *Adapter) directory(ctx context.Context, p domain.ProviderInput) (directoryHit, error) {
	q := url.Values{}
	if p.Identifier != "" {
		q.Set("identifier", p.Identifier)
	}
	if p.GivenName != "" {
		q.Set("given_name", p.GivenName)
	}
	if p.FamilyName != "" {
		q.Set("family_name", p.FamilyName)
	}
	if p.State != "" {
		q.Set("state", p.State)
	}

	var hit directoryHit
	err := source.GetJSON(ctx, a.client, domain.ConnectorEnrichment, a.baseURL+"/v1/enrich?"+q.Encode(), a.headers, &hit)
	var statusErr *domain.UpstreamStatusError
	if errors.As(err, &statusErr) && statusErr.Status == http.StatusNotFound {
		return directoryHit{}, nil
	}
	if err != nil {
		return directoryHit{}, err
	}
	return hit, nil
}

// evidenceFrom folds the directory hit and the local probes into evidence.
// The submitted contact details take precedence; the directory fills gaps.
func (a *Adapter) evidenceFrom(ctx context.Context, p domain.ProviderInput, hit directoryHit) source.Evidence {
	fields := map[string]any{}
	fc := map[string]float64{}
	sum, n := 0.0, 0

	phone := normalize.Phone(p.Phone)
	if phone == "" {
		phone = normalize.Phone(hit.Phone)
	}
	if phone != "" {
		num, err := phonenumbers.Parse(phone, a.region)
		if err == nil && phonenumbers.IsValidNumber(num) {
			fields[domain.FieldPhone] = phonenumbers.Format(num, phonenumbers.E164)
			fc[domain.FieldPhone] = 0.75
		} else {
			fields[domain.FieldPhone] = phone
			fc[domain.FieldPhone] = 0.0
		}
		valid := fc[domain.FieldPhone] > 0
		fields[domain.FieldPhoneValid] = valid
		fc[domain.FieldPhoneValid] = 0.9
		sum += fc[domain.FieldPhone]
		n++
	}

	email := normalize.Email(p.Email)
	if email == "" {
		email = normalize.Email(hit.Email)
	}
	if email != "" {
		deliverable := a.emailDeliverable(ctx, email)
		fields[domain.FieldEmail] = email
		if deliverable {
			fc[domain.FieldEmail] = 0.8
		} else {
			fc[domain.FieldEmail] = 0.3
		}
		fields[domain.FieldEmailValid] = deliverable
		fc[domain.FieldEmailValid] = 0.9
		sum += fc[domain.FieldEmail]
		n++
	}

	if len(hit.Affiliations) > 0 {
		fields[domain.FieldAffiliations] = hit.Affiliations
		fc[domain.FieldAffiliations] = 0.7
		sum += 0.7
		n++
	}
	if len(hit.Services) > 0 {
		fields[domain.FieldServices] = hit.Services
		fc[domain.FieldServices] = 0.7
		sum += 0.7
		n++
	}

	overall := 0.0
	if n > 0 {
		overall = math.Round(sum/float64(n)*1000) / 1000
	}
	return source.Evidence{Fields: fields, FieldConfidence: fc, Confidence: overall}
}

// emailDeliverable reports whether the address's domain accepts mail. The
// mock heuristic keys off the domain text so offline fixtures can exercise
// both outcomes.
func (a *Adapter) emailDeliverable(ctx context.Context, email string) bool {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false
	}
	host := email[at+1:]
	if !strings.Contains(host, ".") {
		return false
	}
	if a.mock {
		return !strings.Contains(host, "invalid")
	}
	mxs, err := a.resolver.LookupMX(ctx, host)
	return err == nil && len(mxs) > 0
}

// mockDirectory synthesizes a stable directory record for offline runs.
func (a *Adapter) mockDirectory(p domain.ProviderInput) directoryHit {
	seed := strings.ToLower(p.Identifier + "|" + p.GivenName + "|" + p.FamilyName)
	if source.HashFloat("enrich-miss:"+seed) < 0.05 {
		return directoryHit{}
	}
	affiliation := p.PracticeName
	if affiliation == "" {
		affiliation = source.HashPick("enrich-aff:"+seed,
			"Regional Medical Center", "Community Health Partners", "University Hospital System")
	}
	return directoryHit{
		Affiliations: []string{affiliation},
		Services: []string{source.HashPick("enrich-svc:"+seed,
			"primary_care", "telehealth", "diagnostics")},
	}
}
