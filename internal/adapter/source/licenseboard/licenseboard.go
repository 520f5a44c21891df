// Package licenseboard implements the scraped state-board source. One
// adapter body services every configured board: a per-state selector config
// drives the request shape and the result-page parsing, so adding a board
// is a configuration change, not code.
package licenseboard

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/caretrace/provider-validator/internal/adapter/source"
	"github.com/caretrace/provider-validator/internal/config"
	"github.com/caretrace/provider-validator/internal/domain"
	"github.com/caretrace/provider-validator/internal/observability"
	"github.com/caretrace/provider-validator/internal/service/politeness"
	"github.com/caretrace/provider-validator/pkg/normalize"
)

// RobotsChecker is the politeness gate consulted before any board fetch.
type RobotsChecker interface {
	Check(ctx context.Context, rawURL string) politeness.Decision
}

// CrawlDelayObserver receives robots crawl-delay directives so the rate
// limiter can stretch the board's pacing gap.
type CrawlDelayObserver interface {
	ObserveCrawlDelay(connector string, delay time.Duration)
}

type Adapter struct {
	boards map[string]config.BoardConfig
	robots RobotsChecker
	delays CrawlDelayObserver
	client *http.Client
	runner *source.Runner
	mock   bool
}

func New(boards map[string]config.BoardConfig, robots RobotsChecker, delays CrawlDelayObserver, mock bool, client *http.Client, runner *source.Runner) *Adapter {
	return &Adapter{
		boards: boards,
		robots: robots,
		delays: delays,
		client: client,
		runner: runner,
		mock:   mock,
	}
}

func (a *Adapter) Type() domain.TaskType { return domain.TaskLicenseCheck }

func (a *Adapter) Execute(ctx context.Context, task domain.WorkerTask) domain.WorkerResult {
	p := task.Provider
	state := normalize.StateCode(p.LicenseState)
	if state == "" {
		state = normalize.StateCode(p.State)
	}
	if state == "" {
		return source.Reject(task, domain.CodeInvalidInput, "license lookup needs a license state")
	}
	if p.LicenseNumber == "" && (p.GivenName == "" || p.FamilyName == "") {
		return source.Reject(task, domain.CodeInvalidInput, "license lookup needs a license number or a full name")
	}
	connector := domain.LicenseBoardConnector(state)

	if a.mock {
		return a.runner.Execute(ctx, task, connector, domain.TaskTimeout(task.Type), func(context.Context) (source.Evidence, error) {
			return a.mockVerify(p, state)
		})
	}

	board, ok := a.boards[state]
	if !ok {
		return source.Reject(task, domain.CodeInvalidInput, "no licensing board configured for state "+state)
	}

	// Politeness gate: consult the robots directive before any fetch. A
	// denial fails the task without the board ever seeing a request.
	form := searchForm(p)
	target := board.SearchURL
	if !strings.EqualFold(board.SearchMethod, http.MethodPost) {
		target = board.SearchURL + "?" + form.Encode()
	}
	decision := a.robots.Check(ctx, target)
	if !decision.Allowed {
		observability.RobotsBlocked(connector)
		return source.Reject(task, domain.CodeRobotsBlocked, "robots directive disallows the board search path")
	}
	if decision.CrawlDelay > 0 && a.delays != nil {
		a.delays.ObserveCrawlDelay(connector, decision.CrawlDelay)
	}

	res := a.runner.Execute(ctx, task, connector, domain.TaskTimeout(task.Type), func(ctx context.Context) (source.Evidence, error) {
		return a.verify(ctx, board, connector, form, p, state)
	})
	if res.ErrorCode == domain.CodeRobotsBlocked {
		observability.RobotsBlocked(connector)
	}
	return res
}

func searchForm(p domain.ProviderInput) url.Values {
	form := url.Values{}
	if p.LicenseNumber != "" {
		form.Set("license_number", p.LicenseNumber)
		return form
	}
	form.Set("first_name", p.GivenName)
	form.Set("last_name", p.FamilyName)
	return form
}

func (a *Adapter) verify(ctx context.Context, board config.BoardConfig, connector string, form url.Values, p domain.ProviderInput, state string) (source.Evidence, error) {
	if board.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, board.Timeout)
		defer cancel()
	}
	var headers map[string]string
	if board.UserAgent != "" {
		headers = map[string]string{"User-Agent": board.UserAgent}
	}

	body, err := source.FetchHTML(ctx, a.client, connector, board.SearchMethod, board.SearchURL, form, headers)
	if err != nil {
		return source.Evidence{}, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return source.Evidence{}, fmt.Errorf("op=licenseboard.parse: %w: %v", domain.ErrSchemaInvalid, err)
	}

	// The fetch succeeded but the board served an anti-bot interstitial.
	// Retrying would hit the same wall.
	for _, sel := range board.RobotsCheckSelectors {
		if doc.Find(sel).Length() > 0 {
			return source.Evidence{}, source.Failf(domain.CodeRobotsBlocked, "board served an anti-bot challenge page")
		}
	}
	return evidenceFrom(doc, board, p, state)
}

func evidenceFrom(doc *goquery.Document, board config.BoardConfig, p domain.ProviderInput, state string) (source.Evidence, error) {
	text := func(key string) string {
		sel := board.Selectors[key]
		if sel == "" {
			return ""
		}
		return normalize.Text(doc.Find(sel).First().Text())
	}
	name := text("provider_name")
	rawStatus := text("status")
	issued := text("issue_date")
	expires := text("expiry_date")
	specialty := text("specialty")
	var actions []string
	if sel := board.Selectors["board_actions"]; sel != "" {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if t := normalize.Text(s.Text()); t != "" {
				actions = append(actions, t)
			}
		})
	}

	if name == "" && rawStatus == "" && issued == "" && expires == "" && specialty == "" && len(actions) == 0 {
		return source.Evidence{}, source.Failf(domain.CodeParseError, "no recognizable fields on the board result page")
	}

	status, clear := normalizeStatus(rawStatus)
	conf := 0.80
	if clear {
		conf += 0.20
	}
	if name != "" {
		conf += 0.20
	}
	if rawStatus == "" {
		conf -= 0.10
	}
	conf = math.Max(0, math.Min(1, conf))
	if conf <= 0.5 {
		return source.Evidence{}, source.Failf(domain.CodeLowConfidence,
			fmt.Sprintf("board page confidence %.2f below usable threshold", conf))
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
	put(domain.FieldLicenseNumber, normalize.Text(p.LicenseNumber), p.LicenseNumber != "")
	put(domain.FieldLicenseState, state, true)
	put(domain.FieldLicenseStatus, status, clear)
	put(domain.FieldLicenseIssued, issued, issued != "")
	put(domain.FieldLicenseExpires, expires, expires != "")
	put(domain.FieldSpecialty, specialty, specialty != "")
	put(domain.FieldBoardActions, actions, len(actions) > 0)

	// The rendered name corroborates identity when it splits cleanly; the
	// split is heuristic so its confidence is fixed below the page's.
	if given, family, ok := splitName(name); ok {
		fields[domain.FieldGivenName] = given
		fc[domain.FieldGivenName] = 0.70
		fields[domain.FieldFamilyName] = family
		fc[domain.FieldFamilyName] = 0.70
	}

	return source.Evidence{Fields: fields, FieldConfidence: fc, Confidence: conf}, nil
}

// normalizeStatus folds board wording onto the shared status vocabulary.
// More specific words are checked first so "inactive" never reads as active.
func normalizeStatus(raw string) (string, bool) {
	s := strings.ToLower(raw)
	switch {
	case s == "":
		return "", false
	case strings.Contains(s, "revok"):
		return domain.LicenseRevoked, true
	case strings.Contains(s, "suspend"):
		return domain.LicenseSuspended, true
	case strings.Contains(s, "probation"):
		return domain.LicenseProbation, true
	case strings.Contains(s, "expire"), strings.Contains(s, "lapsed"), strings.Contains(s, "delinquent"):
		return domain.LicenseExpired, true
	case strings.Contains(s, "inactive"), strings.Contains(s, "retired"):
		return domain.LicenseInactive, true
	case strings.Contains(s, "pending"), strings.Contains(s, "applicant"):
		return domain.LicensePending, true
	case strings.Contains(s, "active"), strings.Contains(s, "current"),
		strings.Contains(s, "valid"), strings.Contains(s, "good standing"),
		strings.Contains(s, "clear"):
		return domain.LicenseActive, true
	default:
		return "", false
	}
}

func splitName(name string) (string, string, bool) {
	parts := strings.Fields(name)
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], parts[len(parts)-1], true
}

// mockVerify synthesizes a board page read for offline runs. License
// numbers prefixed SUS, REV or EXP force those statuses so fixtures can
// exercise the adverse paths; everything else verifies active.
func (a *Adapter) mockVerify(p domain.ProviderInput, state string) (source.Evidence, error) {
	num := strings.ToUpper(normalize.Text(p.LicenseNumber))
	status := domain.LicenseActive
	switch {
	case strings.HasPrefix(num, "SUS"):
		status = domain.LicenseSuspended
	case strings.HasPrefix(num, "REV"):
		status = domain.LicenseRevoked
	case strings.HasPrefix(num, "EXP"):
		status = domain.LicenseExpired
	}

	name := normalize.Text(p.GivenName + " " + p.FamilyName)
	conf := 0.80 + 0.20 // status is always clear in mock pages
	if name != "" {
		conf += 0.20
	}
	conf = math.Min(1, conf)

	seed := state + "|" + num + "|" + strings.ToLower(name)
	fields := map[string]any{
		domain.FieldLicenseState:  state,
		domain.FieldLicenseStatus: status,
		domain.FieldLicenseIssued: fmt.Sprintf("%d-%02d-01",
			2005+int(source.HashFloat("issued:"+seed)*15), 1+int(source.HashFloat("issued-m:"+seed)*12)),
		domain.FieldLicenseExpires: fmt.Sprintf("%d-%02d-28",
			2026+int(source.HashFloat("expires:"+seed)*4), 1+int(source.HashFloat("expires-m:"+seed)*12)),
	}
	fc := map[string]float64{
		domain.FieldLicenseState:   conf,
		domain.FieldLicenseStatus:  conf,
		domain.FieldLicenseIssued:  conf,
		domain.FieldLicenseExpires: conf,
	}
	if num != "" {
		fields[domain.FieldLicenseNumber] = num
		fc[domain.FieldLicenseNumber] = conf
	}
	if p.Specialty != "" {
		fields[domain.FieldSpecialty] = normalize.Text(p.Specialty)
		fc[domain.FieldSpecialty] = conf
	}
	if status == domain.LicenseSuspended || status == domain.LicenseRevoked {
		fields[domain.FieldBoardActions] = []string{"disciplinary action on file"}
		fc[domain.FieldBoardActions] = conf
	}
	if given, family, ok := splitName(name); ok {
		fields[domain.FieldGivenName] = given
		fc[domain.FieldGivenName] = 0.70
		fields[domain.FieldFamilyName] = family
		fc[domain.FieldFamilyName] = 0.70
	}
	return source.Evidence{Fields: fields, FieldConfidence: fc, Confidence: conf}, nil
}
