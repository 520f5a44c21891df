package postgres_test

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/caretrace/provider-validator/internal/domain"
)

// poolStub satisfies postgres.PgxPool with per-test closures. Unset hooks
// behave like an empty database.
type poolStub struct {
	execFn     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFn    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	beginTxFn  func(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

func (p *poolStub) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if p.execFn != nil {
		return p.execFn(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (p *poolStub) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if p.queryRowFn != nil {
		return p.queryRowFn(ctx, sql, args...)
	}
	return rowStub{}
}

func (p *poolStub) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if p.queryFn != nil {
		return p.queryFn(ctx, sql, args...)
	}
	return &rowsStub{}, nil
}

func (p *poolStub) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	if p.beginTxFn != nil {
		return p.beginTxFn(ctx, opts)
	}
	return &txStub{}, nil
}

// rowStub satisfies pgx.Row; without a scanFn it reports an empty result.
type rowStub struct {
	scanFn func(dest ...any) error
}

func (r rowStub) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return pgx.ErrNoRows
}

// rowsStub satisfies pgx.Rows over a fixed set of pre-built value rows.
type rowsStub struct {
	rows [][]any
	idx  int
	err  error
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Values() ([]any, error)                       { return nil, nil }
func (r *rowsStub) RawValues() [][]byte                          { return nil }
func (r *rowsStub) Conn() *pgx.Conn                              { return nil }

func (r *rowsStub) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *rowsStub) Scan(dest ...any) error {
	return setScanValues(dest, r.rows[r.idx-1]...)
}

// txStub satisfies pgx.Tx and records commit/rollback so tests can assert
// transaction handling.
type txStub struct {
	execFn     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	commitErr  error
	committed  bool
	rolledBack bool
}

func (t *txStub) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }

func (t *txStub) Commit(ctx context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *txStub) Rollback(ctx context.Context) error {
	t.rolledBack = true
	return nil
}

func (t *txStub) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.execFn != nil {
		return t.execFn(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (t *txStub) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return &rowsStub{}, nil
}

func (t *txStub) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return rowStub{} }

func (t *txStub) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}

func (t *txStub) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }

func (t *txStub) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }

func (t *txStub) Conn() *pgx.Conn { return nil }

func (t *txStub) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}

// setScanValues writes vals into the Scan destinations, converting named
// string and numeric types the way the wire scan would.
func setScanValues(dest []any, vals ...any) error {
	if len(dest) != len(vals) {
		return fmt.Errorf("scan arity mismatch: %d destinations, %d values", len(dest), len(vals))
	}
	for i, v := range vals {
		if v == nil {
			continue
		}
		d := reflect.ValueOf(dest[i]).Elem()
		sv := reflect.ValueOf(v)
		if !sv.Type().AssignableTo(d.Type()) {
			if !sv.Type().ConvertibleTo(d.Type()) {
				return fmt.Errorf("cannot scan %T into %s", v, d.Type())
			}
			sv = sv.Convert(d.Type())
		}
		d.Set(sv)
	}
	return nil
}

// jobScanValues lays out a job in the jobs column order used by the repo.
func jobScanValues(j domain.Job) []any {
	options, _ := json.Marshal(j.Options)
	return []any{
		j.ID, string(j.Status), string(j.Priority), options,
		j.ProviderCount, j.ProvidersFused, j.TasksTotal, j.TasksCompleted, j.TasksFailed,
		j.Error, j.IdemKey, j.CreatedAt, j.UpdatedAt,
	}
}

// providerScanValues lays out a provider row in the job_providers column
// order used by the repo.
func providerScanValues(p domain.JobProvider) []any {
	input, _ := json.Marshal(p.Input)
	return []any{p.JobID, p.ProviderID, input, p.TasksTotal, p.TasksDone, p.Fused}
}
