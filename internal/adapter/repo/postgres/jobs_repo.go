package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/caretrace/provider-validator/internal/domain"
)

const jobColumns = `id, status, priority, options, provider_count, providers_fused, tasks_total, tasks_completed, tasks_failed, COALESCE(error,''), idempotency_key, created_at, updated_at`

const providerColumns = `job_id, provider_id, input, tasks_total, tasks_done, fused`

// JobRepo persists jobs and their per-provider progress rows. Counter
// mutations happen in single UPDATE statements so concurrent workers never
// need coordination beyond the database.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// Create inserts the job and all its provider rows in one transaction.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job, providers []domain.JobProvider) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()

	options, err := json.Marshal(j.Options)
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	now := time.Now().UTC()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	jq := `INSERT INTO jobs (id, status, priority, options, provider_count, tasks_total, error, idempotency_key, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,'',$7,$8,$8)`
	if _, err := tx.Exec(ctx, jq, j.ID, j.Status, j.Priority, string(options), j.ProviderCount, j.TasksTotal, j.IdemKey, now); err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}

	pq := `INSERT INTO job_providers (job_id, provider_id, input, tasks_total) VALUES ($1,$2,$3,$4)`
	for _, p := range providers {
		input, err := json.Marshal(p.Input)
		if err != nil {
			return fmt.Errorf("op=job.create: %w", err)
		}
		if _, err := tx.Exec(ctx, pq, j.ID, p.ProviderID, string(input), p.TasksTotal); err != nil {
			return fmt.Errorf("op=job.create: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// UpdateStatus sets a job's status and optional error message. Terminal
// rows never change again: a fusion completing just after a cancel must not
// resurrect the job. Racing a terminal row returns domain.ErrConflict.
func (r *JobRepo) UpdateStatus(ctx domain.Context, id string, status domain.JobStatus, errMsg *string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()

	errVal := ""
	if errMsg != nil {
		errVal = *errMsg
	}
	q := `UPDATE jobs SET status=$2, error=$3, updated_at=$4 WHERE id=$1 AND status NOT IN ('completed','failed','cancelled')`
	tag, err := r.Pool.Exec(ctx, q, id, status, errVal, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("op=job.update_status: %w", domain.ErrConflict)
	}
	return nil
}

// Cancel transitions any non-terminal job to cancelled and returns the
// updated row. A terminal job returns domain.ErrConflict.
func (r *JobRepo) Cancel(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Cancel")
	defer span.End()

	q := `UPDATE jobs SET status=$2, updated_at=$3 WHERE id=$1 AND status NOT IN ('completed','failed','cancelled') RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id, domain.JobCancelled, time.Now().UTC()))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("op=job.cancel: %w", err)
	}
	// No row matched: the job is unknown or already terminal.
	if _, getErr := r.Get(ctx, id); getErr != nil {
		return domain.Job{}, getErr
	}
	return domain.Job{}, fmt.Errorf("op=job.cancel: %w", domain.ErrConflict)
}

// IsCancelled reports whether the job is cancelled. Workers consult this
// before executing and before persisting a result.
func (r *JobRepo) IsCancelled(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.IsCancelled")
	defer span.End()

	var status domain.JobStatus
	if err := r.Pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id=$1`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("op=job.is_cancelled: %w", domain.ErrNotFound)
		}
		return false, fmt.Errorf("op=job.is_cancelled: %w", err)
	}
	return status == domain.JobCancelled, nil
}

// RecordTaskOutcome atomically bumps the job's task counters and returns
// the updated job.
func (r *JobRepo) RecordTaskOutcome(ctx domain.Context, id string, failed bool) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RecordTaskOutcome")
	defer span.End()

	q := `UPDATE jobs SET
		tasks_completed = tasks_completed + CASE WHEN $2 THEN 0 ELSE 1 END,
		tasks_failed = tasks_failed + CASE WHEN $2 THEN 1 ELSE 0 END,
		updated_at = $3
	WHERE id=$1 RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id, failed, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.record_task_outcome: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.record_task_outcome: %w", err)
	}
	return j, nil
}

// GetProvider loads one provider row.
func (r *JobRepo) GetProvider(ctx domain.Context, jobID, providerID string) (domain.JobProvider, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.GetProvider")
	defer span.End()

	q := `SELECT ` + providerColumns + ` FROM job_providers WHERE job_id=$1 AND provider_id=$2`
	p, err := scanProvider(r.Pool.QueryRow(ctx, q, jobID, providerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JobProvider{}, fmt.Errorf("op=job.get_provider: %w", domain.ErrNotFound)
		}
		return domain.JobProvider{}, fmt.Errorf("op=job.get_provider: %w", err)
	}
	return p, nil
}

// ListProviders returns all provider rows of a job in provider-id order.
func (r *JobRepo) ListProviders(ctx domain.Context, jobID string) ([]domain.JobProvider, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListProviders")
	defer span.End()

	q := `SELECT ` + providerColumns + ` FROM job_providers WHERE job_id=$1 ORDER BY provider_id ASC`
	rows, err := r.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_providers: %w", err)
	}
	defer rows.Close()

	var out []domain.JobProvider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_providers: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_providers: %w", err)
	}
	return out, nil
}

// CompleteProviderTask atomically bumps tasks_done and returns the updated
// provider row; the caller compares done to total to decide on fusion.
func (r *JobRepo) CompleteProviderTask(ctx domain.Context, jobID, providerID string) (domain.JobProvider, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CompleteProviderTask")
	defer span.End()

	q := `UPDATE job_providers SET tasks_done = tasks_done + 1 WHERE job_id=$1 AND provider_id=$2 RETURNING ` + providerColumns
	p, err := scanProvider(r.Pool.QueryRow(ctx, q, jobID, providerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JobProvider{}, fmt.Errorf("op=job.complete_provider_task: %w", domain.ErrNotFound)
		}
		return domain.JobProvider{}, fmt.Errorf("op=job.complete_provider_task: %w", err)
	}
	return p, nil
}

// MarkProviderFused flips the fused flag exactly once; false means another
// worker already claimed fusion for this provider.
func (r *JobRepo) MarkProviderFused(ctx domain.Context, jobID, providerID string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkProviderFused")
	defer span.End()

	q := `UPDATE job_providers SET fused=TRUE WHERE job_id=$1 AND provider_id=$2 AND fused=FALSE`
	tag, err := r.Pool.Exec(ctx, q, jobID, providerID)
	if err != nil {
		return false, fmt.Errorf("op=job.mark_provider_fused: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IncrementFusedCount bumps the job's fused-provider counter and returns
// the updated job.
func (r *JobRepo) IncrementFusedCount(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.IncrementFusedCount")
	defer span.End()

	q := `UPDATE jobs SET providers_fused = providers_fused + 1, updated_at=$2 WHERE id=$1 RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.increment_fused: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.increment_fused: %w", err)
	}
	return j, nil
}

// ListStale returns jobs in the given statuses whose last update is older
// than the horizon, oldest first.
func (r *JobRepo) ListStale(ctx domain.Context, statuses []domain.JobStatus, olderThan time.Duration, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListStale")
	defer span.End()

	vals := make([]string, len(statuses))
	for i, s := range statuses {
		vals[i] = string(s)
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ANY($1) AND updated_at < $2 ORDER BY updated_at ASC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, vals, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stale: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_stale: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_stale: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var options []byte
	var idem *string
	err := row.Scan(&j.ID, &j.Status, &j.Priority, &options, &j.ProviderCount, &j.ProvidersFused,
		&j.TasksTotal, &j.TasksCompleted, &j.TasksFailed, &j.Error, &idem, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &j.Options); err != nil {
			return domain.Job{}, err
		}
	}
	j.IdemKey = idem
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return j, nil
}

func scanProvider(row pgx.Row) (domain.JobProvider, error) {
	var p domain.JobProvider
	var input []byte
	if err := row.Scan(&p.JobID, &p.ProviderID, &input, &p.TasksTotal, &p.TasksDone, &p.Fused); err != nil {
		return domain.JobProvider{}, err
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &p.Input); err != nil {
			return domain.JobProvider{}, err
		}
	}
	return p, nil
}
