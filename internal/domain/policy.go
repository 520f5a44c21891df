// Connector policy entities: retry budgets, circuit-breaker thresholds
// and rate limits, keyed by connector name. Values here are the platform
// defaults; the config package may override any of them per connector.
package domain

import (
	"strings"
	"time"
)

// Connector names key rate-limit and breaker state in the shared store.
const (
	ConnectorIdentifierRegistry = "identifier_registry"
	ConnectorGeocoder           = "geocoder"
	ConnectorDocumentOCR        = "document_ocr"
	ConnectorLicenseBoard       = "license_board"
	ConnectorEnrichment         = "enrichment"
)

// LicenseBoardConnector returns the per-state connector name. Each state
// board is a distinct upstream with its own window and breaker.
func LicenseBoardConnector(state string) string {
	if state == "" {
		return ConnectorLicenseBoard
	}
	return ConnectorLicenseBoard + "_" + strings.ToLower(state)
}

// RetryPolicy bounds retries around one connector call.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration
	// Exponential selects min(base*2^n, max); otherwise base*(n+1).
	Exponential bool
}

// Delay returns the sleep before retry attempt n (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	var d time.Duration
	if p.Exponential {
		d = p.BaseDelay << uint(attempt)
		if d <= 0 { // shift overflow
			d = p.MaxDelay
		}
	} else {
		d = p.BaseDelay * time.Duration(attempt+1)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// BreakerPolicy configures the per-connector circuit breaker.
type BreakerPolicy struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls is the number of probes admitted while half-open.
	HalfOpenMaxCalls int
}

// RatePolicy configures the per-connector sliding-window limiter.
type RatePolicy struct {
	// PerSecond is the pacing rate; admissions are spaced >= 1/PerSecond apart.
	PerSecond float64
	// PerMinute is the sliding-window count limit.
	PerMinute int
	// Window is the sliding-window size.
	Window time.Duration
}

// MinGap returns the minimum spacing between admissions.
func (p RatePolicy) MinGap() time.Duration {
	if p.PerSecond <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / p.PerSecond)
}

// ConnectorPolicy bundles every policy for one connector.
type ConnectorPolicy struct {
	Name    string
	Scraped bool
	Rate    RatePolicy
	Retry   RetryPolicy
	Breaker BreakerPolicy
	Timeout time.Duration
}

// DefaultConnectorPolicy returns the platform defaults for a connector.
// Scraped sites get the slower, more patient profile.
func DefaultConnectorPolicy(name string) ConnectorPolicy {
	base := ConnectorPolicy{
		Name: name,
		Rate: RatePolicy{PerSecond: 10, PerMinute: 600, Window: time.Minute},
		Retry: RetryPolicy{
			MaxRetries:  3,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			Exponential: true,
		},
		Breaker: BreakerPolicy{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
			HalfOpenMaxCalls: 3,
		},
		Timeout: 5 * time.Minute,
	}
	switch {
	case name == ConnectorDocumentOCR:
		base.Timeout = 10 * time.Minute
	case name == ConnectorEnrichment:
		base.Rate = RatePolicy{PerSecond: 2, PerMinute: 120, Window: time.Minute}
	case name == ConnectorLicenseBoard || strings.HasPrefix(name, ConnectorLicenseBoard+"_"):
		base.Scraped = true
		base.Rate = RatePolicy{PerSecond: 0.5, PerMinute: 30, Window: time.Minute}
		base.Retry = RetryPolicy{
			MaxRetries:  5,
			BaseDelay:   2 * time.Second,
			MaxDelay:    60 * time.Second,
			Exponential: true,
		}
		base.Breaker = BreakerPolicy{
			FailureThreshold: 3,
			RecoveryTimeout:  120 * time.Second,
			HalfOpenMaxCalls: 3,
		}
	}
	return base
}

// ConnectorForTask maps a task type to its connector name.
func ConnectorForTask(t TaskType, licenseState string) string {
	switch t {
	case TaskIdentifierCheck:
		return ConnectorIdentifierRegistry
	case TaskGeocode:
		return ConnectorGeocoder
	case TaskOCR:
		return ConnectorDocumentOCR
	case TaskLicenseCheck:
		return LicenseBoardConnector(licenseState)
	case TaskEnrichment:
		return ConnectorEnrichment
	}
	return string(t)
}

// TaskTimeout returns the per-task-type deadline.
func TaskTimeout(t TaskType) time.Duration {
	if t == TaskOCR {
		return 10 * time.Minute
	}
	return 5 * time.Minute
}
