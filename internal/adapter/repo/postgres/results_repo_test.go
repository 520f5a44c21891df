package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/caretrace/provider-validator/internal/adapter/repo/postgres"
	"github.com/caretrace/provider-validator/internal/domain"
)

func TestResultRepo_AppendReportsInsertion(t *testing.T) {
	t.Parallel()

	var gotSQL string
	var gotArgs []any
	pool := &poolStub{execFn: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		gotSQL = sql
		gotArgs = args
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}}
	repo := postgres.NewResultRepo(pool)

	res := domain.WorkerResult{
		TaskID:          "job-1:prov-a:identifier_check",
		Type:            domain.TaskIdentifierCheck,
		JobID:           "job-1",
		ProviderID:      "prov-a",
		Success:         true,
		Fields:          map[string]any{"identifier": "1234567893"},
		FieldConfidence: map[string]float64{"identifier": 0.98},
		Confidence:      0.98,
		Attempts:        1,
		ProcessingMS:    120,
		CompletedAt:     time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC),
	}

	created, err := repo.Append(context.Background(), res)
	require.NoError(t, err)
	require.True(t, created)
	require.Contains(t, gotSQL, "ON CONFLICT (task_id) DO NOTHING")
	require.Equal(t, "job-1", gotArgs[0])
	require.Equal(t, "job-1:prov-a:identifier_check", gotArgs[2])
	require.JSONEq(t, `{"identifier":"1234567893"}`, gotArgs[6].(string))
	require.JSONEq(t, `{"identifier":0.98}`, gotArgs[7].(string))
}

func TestResultRepo_AppendIgnoresRedelivery(t *testing.T) {
	t.Parallel()

	pool := &poolStub{execFn: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}}
	repo := postgres.NewResultRepo(pool)

	created, err := repo.Append(context.Background(), domain.WorkerResult{TaskID: "job-1:prov-a:geocode"})
	require.NoError(t, err)
	require.False(t, created)
}

func TestResultRepo_ListByProviderScansResults(t *testing.T) {
	t.Parallel()

	completed := time.Date(2025, 11, 3, 10, 0, 30, 0, time.UTC)
	rows := &rowsStub{rows: [][]any{
		{
			"job-1:prov-a:geocode", "geocode", true, 0.95,
			[]byte(`{"formatted_address":"1 Main St","geo_accuracy":"ROOFTOP"}`),
			[]byte(`{"formatted_address":0.95}`),
			"", "", 1, int64(640), completed,
		},
		{
			"job-1:prov-a:identifier_check", "identifier_check", false, 0.0,
			[]byte(`null`), []byte(`null`),
			"TIMEOUT", "deadline exceeded", 3, int64(9000), completed.Add(time.Second),
		},
	}}
	pool := &poolStub{queryFn: func(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
		require.Contains(t, sql, "ORDER BY task_type ASC, task_id ASC")
		require.Equal(t, "job-1", args[0])
		require.Equal(t, "prov-a", args[1])
		return rows, nil
	}}
	repo := postgres.NewResultRepo(pool)

	got, err := repo.ListByProvider(context.Background(), "job-1", "prov-a")
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.Equal(t, domain.TaskGeocode, got[0].Type)
	require.Equal(t, "job-1", got[0].JobID)
	require.Equal(t, "prov-a", got[0].ProviderID)
	require.Equal(t, "1 Main St", got[0].Fields["formatted_address"])
	require.Equal(t, 0.95, got[0].FieldConfidence["formatted_address"])
	require.Equal(t, completed, got[0].CompletedAt)

	require.Equal(t, domain.TaskIdentifierCheck, got[1].Type)
	require.False(t, got[1].Success)
	require.Nil(t, got[1].Fields)
	require.Equal(t, "TIMEOUT", got[1].ErrorCode)
	require.Equal(t, int64(9000), got[1].ProcessingMS)
}
