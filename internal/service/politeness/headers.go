package politeness

import "net/http"

// Transport decorates outbound requests with the header set a well-behaved
// crawler presents: identifying User-Agent with contact details plus the
// conventional Accept / language / connection headers. Caller-set headers
// are never overridden.
type Transport struct {
	base      http.RoundTripper
	userAgent string
}

// NewTransport wraps base (http.DefaultTransport when nil).
func NewTransport(base http.RoundTripper, userAgent string) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{base: base, userAgent: userAgent}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	h := clone.Header
	setIfAbsent(h, "User-Agent", t.userAgent)
	setIfAbsent(h, "Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	setIfAbsent(h, "Accept-Language", "en-US,en;q=0.9")
	setIfAbsent(h, "Connection", "keep-alive")
	setIfAbsent(h, "DNT", "1")
	// Accept-Encoding stays with the base transport: it advertises gzip on
	// the wire and decompresses transparently, which an explicit value here
	// would disable.
	return t.base.RoundTrip(clone)
}

func setIfAbsent(h http.Header, key, value string) {
	if h.Get(key) == "" && value != "" {
		h.Set(key, value)
	}
}
