// Package fusion collapses the worker results for one provider into a
// ValidationReport. Fuse is a pure function of the result set: given the
// same results it reproduces the same report byte for byte, so re-fusion
// after a crash or a replay is always safe.
package fusion

import (
	"math"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/caretrace/provider-validator/internal/domain"
)

// contribution is one source's evidence for one field.
type contribution struct {
	value    any
	raw      float64
	weighted float64
	source   domain.TaskType
}

// beats reports whether c outranks other for the same field: higher
// weighted score first, then the higher-weight source on an exact tie.
func (c contribution) beats(other contribution) bool {
	if c.weighted != other.weighted {
		return c.weighted > other.weighted
	}
	return sourceRank(c.source) < sourceRank(other.source)
}

// Fuse aggregates a provider's terminal worker results into its report.
// Only successful results contribute field evidence; failed results still
// shape flags and the stored snapshot.
func Fuse(jobID, providerID string, results []domain.WorkerResult) domain.ValidationReport {
	ordered := make([]domain.WorkerResult, len(results))
	copy(ordered, results)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Type != ordered[j].Type {
			return ordered[i].Type < ordered[j].Type
		}
		return ordered[i].TaskID < ordered[j].TaskID
	})

	winners := fuseFields(ordered)

	fields := make(map[string]domain.FieldSummary, len(winners))
	aggregated := make(map[string]any, len(winners))
	for name, c := range winners {
		fields[name] = domain.FieldSummary{
			Value:            c.value,
			Confidence:       round3(c.weighted),
			SourceConfidence: round3(c.raw),
			Source:           c.source,
		}
		aggregated[name] = c.value
	}

	overall := round3(overallConfidence(winners))
	flags := deriveFlags(ordered, winners)

	report := domain.ValidationReport{
		ReportID:         domain.ReportID(jobID, providerID),
		JobID:            jobID,
		ProviderID:       providerID,
		Overall:          overall,
		Status:           domain.StatusForOverall(overall),
		Fields:           fields,
		AggregatedFields: aggregated,
		Flags:            flags,
		Recommendations:  Recommendations(flags),
		Insights:         deriveInsights(ordered, winners),
		Results:          ordered,
		ProcessingMS:     sumProcessing(ordered),
		GeneratedAt:      latestCompletion(ordered),
	}
	return report
}

// fuseFields picks, per field, the winning contribution across all
// successful results.
func fuseFields(results []domain.WorkerResult) map[string]contribution {
	winners := map[string]contribution{}
	for _, r := range results {
		if !r.Success {
			continue
		}
		weight := SourceWeight(r.Type)
		for name, value := range r.Fields {
			raw, ok := r.FieldConfidence[name]
			if !ok {
				raw = r.Confidence
			}
			c := contribution{
				value:    value,
				raw:      raw,
				weighted: raw * weight,
				source:   r.Type,
			}
			incumbent, taken := winners[name]
			if !taken || c.beats(incumbent) {
				winners[name] = c
			}
		}
	}
	return winners
}

// overallConfidence averages the winning raw confidences under the field
// importance weights, renormalized over the fields actually present.
// Summation runs in sorted field order so the float result never depends
// on map iteration order.
func overallConfidence(winners map[string]contribution) float64 {
	names := lo.Keys(winners)
	sort.Strings(names)

	var num, denom float64
	for _, name := range names {
		importance := domain.FieldImportance(name)
		num += winners[name].raw * importance
		denom += importance
	}
	if denom == 0 {
		return 0
	}
	return num / denom
}

func sumProcessing(results []domain.WorkerResult) int64 {
	var total int64
	for _, r := range results {
		total += r.ProcessingMS
	}
	return total
}

func latestCompletion(results []domain.WorkerResult) time.Time {
	var latest time.Time
	for _, r := range results {
		if r.CompletedAt.After(latest) {
			latest = r.CompletedAt
		}
	}
	return latest
}

// round3 rounds half away from zero to three decimals, the precision every
// confidence is stored and serialized with.
func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
