package postgres

import (
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/caretrace/provider-validator/internal/domain"
)

// ResultRepo appends to and reads the append-only worker-result log.
type ResultRepo struct{ Pool PgxPool }

// NewResultRepo constructs a ResultRepo with the given pool.
func NewResultRepo(p PgxPool) *ResultRepo { return &ResultRepo{Pool: p} }

// Append stores one terminal result. The unique index on task_id makes the
// insert a no-op under queue redelivery; the bool reports whether this call
// inserted the row, so only the first delivery advances progress counters.
func (r *ResultRepo) Append(ctx domain.Context, res domain.WorkerResult) (bool, error) {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.Append")
	defer span.End()

	fields, err := json.Marshal(res.Fields)
	if err != nil {
		return false, fmt.Errorf("op=result.append: %w", err)
	}
	fieldConf, err := json.Marshal(res.FieldConfidence)
	if err != nil {
		return false, fmt.Errorf("op=result.append: %w", err)
	}

	q := `INSERT INTO worker_results (job_id, provider_id, task_id, task_type, success, confidence, fields, field_confidence, error_code, error_message, attempts, processing_ms, completed_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	ON CONFLICT (task_id) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q,
		res.JobID, res.ProviderID, res.TaskID, res.Type, res.Success, res.Confidence,
		string(fields), string(fieldConf), res.ErrorCode, res.ErrorMessage,
		res.Attempts, res.ProcessingMS, res.CompletedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("op=result.append: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListByProvider returns every stored result for one provider of a job.
func (r *ResultRepo) ListByProvider(ctx domain.Context, jobID, providerID string) ([]domain.WorkerResult, error) {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.ListByProvider")
	defer span.End()

	q := `SELECT task_id, task_type, success, confidence, fields, field_confidence, error_code, error_message, attempts, processing_ms, completed_at
	FROM worker_results WHERE job_id=$1 AND provider_id=$2 ORDER BY task_type ASC, task_id ASC`
	rows, err := r.Pool.Query(ctx, q, jobID, providerID)
	if err != nil {
		return nil, fmt.Errorf("op=result.list: %w", err)
	}
	defer rows.Close()

	var out []domain.WorkerResult
	for rows.Next() {
		res := domain.WorkerResult{JobID: jobID, ProviderID: providerID}
		var fields, fieldConf []byte
		err := rows.Scan(&res.TaskID, &res.Type, &res.Success, &res.Confidence, &fields, &fieldConf,
			&res.ErrorCode, &res.ErrorMessage, &res.Attempts, &res.ProcessingMS, &res.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("op=result.list: %w", err)
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &res.Fields); err != nil {
				return nil, fmt.Errorf("op=result.list: %w", err)
			}
		}
		if len(fieldConf) > 0 {
			if err := json.Unmarshal(fieldConf, &res.FieldConfidence); err != nil {
				return nil, fmt.Errorf("op=result.list: %w", err)
			}
		}
		res.CompletedAt = res.CompletedAt.UTC()
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=result.list: %w", err)
	}
	return out, nil
}
