package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/caretrace/provider-validator/internal/domain"
)

// ReportRepo caches fused validation reports keyed by job and provider.
type ReportRepo struct{ Pool PgxPool }

// NewReportRepo constructs a ReportRepo with the given pool.
func NewReportRepo(p PgxPool) *ReportRepo { return &ReportRepo{Pool: p} }

// Save upserts the report. Fusion is a deterministic function of the result
// log, so a replayed save writes identical content.
func (r *ReportRepo) Save(ctx domain.Context, rep domain.ValidationReport) error {
	tracer := otel.Tracer("repo.reports")
	ctx, span := tracer.Start(ctx, "reports.Save")
	defer span.End()

	doc, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("op=report.save: %w", err)
	}
	q := `INSERT INTO validation_reports (job_id, provider_id, report_id, status, overall_confidence, report, generated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (job_id, provider_id) DO UPDATE SET
		report_id = EXCLUDED.report_id,
		status = EXCLUDED.status,
		overall_confidence = EXCLUDED.overall_confidence,
		report = EXCLUDED.report,
		generated_at = EXCLUDED.generated_at`
	_, err = r.Pool.Exec(ctx, q, rep.JobID, rep.ProviderID, rep.ReportID, rep.Status, rep.Overall, string(doc), rep.GeneratedAt.UTC())
	if err != nil {
		return fmt.Errorf("op=report.save: %w", err)
	}
	return nil
}

// Get returns the cached report or domain.ErrNotFound.
func (r *ReportRepo) Get(ctx domain.Context, jobID, providerID string) (domain.ValidationReport, error) {
	tracer := otel.Tracer("repo.reports")
	ctx, span := tracer.Start(ctx, "reports.Get")
	defer span.End()

	var doc []byte
	err := r.Pool.QueryRow(ctx, `SELECT report FROM validation_reports WHERE job_id=$1 AND provider_id=$2`, jobID, providerID).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ValidationReport{}, fmt.Errorf("op=report.get: %w", domain.ErrNotFound)
		}
		return domain.ValidationReport{}, fmt.Errorf("op=report.get: %w", err)
	}
	var rep domain.ValidationReport
	if err := json.Unmarshal(doc, &rep); err != nil {
		return domain.ValidationReport{}, fmt.Errorf("op=report.get: %w", err)
	}
	return rep, nil
}
