// Package politeness enforces outbound crawling etiquette for scraped
// sources: per-origin robots directives, crawl-delay discovery, and a
// consistent polite header set on every request.
package politeness

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/temoto/robotstxt"
)

const (
	defaultDirectiveTTL = 24 * time.Hour
	maxRobotsBody       = 512 << 10
)

// Directive is the cached robots outcome for one origin. A zero group means
// the origin is permissive: no matching rules, no crawl delay.
type Directive struct {
	group      *robotstxt.Group
	CrawlDelay time.Duration
	FetchedAt  time.Time
}

// Allows evaluates the directive's path rules. Permissive directives allow
// everything.
func (d Directive) Allows(path string) bool {
	if d.group == nil {
		return true
	}
	if path == "" {
		path = "/"
	}
	return d.group.Test(path)
}

// Decision is the politeness verdict for one target URL.
type Decision struct {
	Allowed    bool
	CrawlDelay time.Duration
}

// RobotsCache resolves and caches robots directives per origin. Directives
// live for the configured TTL (24 hours by default); an unreachable or
// unparseable robots.txt caches a permissive directive for the same window
// so a flaky origin is not re-probed on every task.
type RobotsCache struct {
	client *http.Client
	agent  string
	cache  *gocache.Cache
}

// NewRobotsCache builds the cache. agent is the product token matched
// against User-agent groups (see AgentToken). A non-positive ttl falls back
// to 24 hours.
func NewRobotsCache(client *http.Client, agent string, ttl time.Duration) *RobotsCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = defaultDirectiveTTL
	}
	return &RobotsCache{
		client: client,
		agent:  agent,
		cache:  gocache.New(ttl, time.Hour),
	}
}

// AgentToken extracts the product token from a full User-Agent value,
// "caretrace-validator/1.0 (+contact)" -> "caretrace-validator".
func AgentToken(userAgent string) string {
	token := userAgent
	if i := strings.IndexAny(token, "/ "); i > 0 {
		token = token[:i]
	}
	return token
}

// Check resolves the directive for rawURL's origin and evaluates its path.
// It never blocks a fetch for infrastructure reasons: an unparseable URL or
// an unreachable robots.txt admits with no crawl delay.
func (c *RobotsCache) Check(ctx context.Context, rawURL string) Decision {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		slog.Warn("robots: unparseable target, admitting", "url", rawURL, "error", err)
		return Decision{Allowed: true}
	}
	d := c.directive(ctx, u.Scheme+"://"+u.Host)
	return Decision{Allowed: d.Allows(u.EscapedPath()), CrawlDelay: d.CrawlDelay}
}

func (c *RobotsCache) directive(ctx context.Context, origin string) Directive {
	if v, ok := c.cache.Get(origin); ok {
		return v.(Directive)
	}
	d := c.fetch(ctx, origin)
	c.cache.Set(origin, d, gocache.DefaultExpiration)
	return d
}

func (c *RobotsCache) fetch(ctx context.Context, origin string) Directive {
	d := Directive{FetchedAt: time.Now().UTC()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return d
	}
	resp, err := c.client.Do(req)
	if err != nil {
		slog.Warn("robots: fetch failed, caching permissive directive", "origin", origin, "error", err)
		return d
	}
	defer resp.Body.Close()

	// Anything but a parseable 200 counts as "cannot be fetched" and
	// caches permissive.
	if resp.StatusCode != http.StatusOK {
		slog.Debug("robots: no usable robots.txt", "origin", origin, "status", resp.StatusCode)
		return d
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBody))
	if err != nil {
		slog.Warn("robots: body read failed, caching permissive directive", "origin", origin, "error", err)
		return d
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		slog.Warn("robots: parse failed, caching permissive directive", "origin", origin, "error", err)
		return d
	}

	if group := data.FindGroup(c.agent); group != nil {
		d.group = group
		d.CrawlDelay = group.CrawlDelay
	}
	slog.Debug("robots: cached directive", "origin", origin, "crawl_delay", d.CrawlDelay)
	return d
}
