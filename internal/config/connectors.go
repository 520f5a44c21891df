package config

import (
	"strings"
	"time"

	"github.com/caretrace/provider-validator/internal/domain"
)

// ConnectorTuning overrides individual policy knobs for one connector.
// Zero values inherit the platform defaults from the domain package.
type ConnectorTuning struct {
	RPS              float64       `env:"RPS"`
	RPM              int           `env:"RPM"`
	MaxRetries       int           `env:"MAX_RETRIES"`
	BaseDelay        time.Duration `env:"BASE_DELAY"`
	MaxDelay         time.Duration `env:"MAX_DELAY"`
	LinearBackoff    bool          `env:"LINEAR_BACKOFF"`
	BreakerThreshold int           `env:"BREAKER_THRESHOLD"`
	BreakerRecovery  time.Duration `env:"BREAKER_RECOVERY"`
	BreakerHalfOpen  int           `env:"BREAKER_HALF_OPEN_MAX"`
	Timeout          time.Duration `env:"TIMEOUT"`
}

func (t ConnectorTuning) apply(p domain.ConnectorPolicy) domain.ConnectorPolicy {
	if t.RPS > 0 {
		p.Rate.PerSecond = t.RPS
	}
	if t.RPM > 0 {
		p.Rate.PerMinute = t.RPM
	}
	if t.MaxRetries > 0 {
		p.Retry.MaxRetries = t.MaxRetries
	}
	if t.BaseDelay > 0 {
		p.Retry.BaseDelay = t.BaseDelay
	}
	if t.MaxDelay > 0 {
		p.Retry.MaxDelay = t.MaxDelay
	}
	if t.LinearBackoff {
		p.Retry.Exponential = false
	}
	if t.BreakerThreshold > 0 {
		p.Breaker.FailureThreshold = t.BreakerThreshold
	}
	if t.BreakerRecovery > 0 {
		p.Breaker.RecoveryTimeout = t.BreakerRecovery
	}
	if t.BreakerHalfOpen > 0 {
		p.Breaker.HalfOpenMaxCalls = t.BreakerHalfOpen
	}
	if t.Timeout > 0 {
		p.Timeout = t.Timeout
	}
	return p
}

// Connector resolves the effective policy for a connector name: platform
// defaults overlaid with the matching tuning block. Per-state license
// board connectors share the LICENSE_BOARD_ tuning.
func (c Config) Connector(name string) domain.ConnectorPolicy {
	pol := domain.DefaultConnectorPolicy(name)
	switch {
	case name == domain.ConnectorIdentifierRegistry:
		pol = c.Registry.apply(pol)
	case name == domain.ConnectorGeocoder:
		pol = c.Geocoder.apply(pol)
	case name == domain.ConnectorDocumentOCR:
		pol = c.OCR.apply(pol)
	case name == domain.ConnectorEnrichment:
		pol = c.Enrichment.apply(pol)
	case name == domain.ConnectorLicenseBoard || strings.HasPrefix(name, domain.ConnectorLicenseBoard+"_"):
		pol = c.LicenseBoard.apply(pol)
	}
	return pol
}

// WorkerPoolSize returns the consumer pool size for a task type.
func (c Config) WorkerPoolSize(t domain.TaskType) int {
	switch t {
	case domain.TaskLicenseCheck:
		if c.ScrapedWorkers > 0 {
			return c.ScrapedWorkers
		}
		return 2
	case domain.TaskOCR:
		if c.OCRWorkers > 0 {
			return c.OCRWorkers
		}
		return 4
	default:
		if c.APIWorkers > 0 {
			return c.APIWorkers
		}
		return 8
	}
}
