package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/junlov/quotey/internal/ids"
)

func newTestLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	clock := ids.FixedClock{At: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	return New(sqlxDB, clock, time.Hour), mock
}

func TestReserveFreshWhenNoPriorRow(t *testing.T) {
	l, mock := newTestLedger(t)

	cols := []string{"operation_key", "state", "attempt_count", "first_seen_at", "last_seen_at",
		"result_snapshot", "error_snapshot", "correlation_id", "expires_at"}
	rows := sqlmock.NewRows(cols).AddRow(
		"op_abc", StateReserved, 1, time.Now(), time.Now(), nil, nil, "corr_1", time.Now())

	mock.ExpectQuery("INSERT INTO idempotency_ledger").WillReturnRows(rows)

	out, err := l.Reserve(context.Background(), "op_abc", "corr_1", "hash")
	require.NoError(t, err)
	require.Equal(t, Fresh, out.Status)
}

func TestReserveReturnsCompletedOnReplay(t *testing.T) {
	l, mock := newTestLedger(t)

	cols := []string{"operation_key", "state", "attempt_count", "first_seen_at", "last_seen_at",
		"result_snapshot", "error_snapshot", "correlation_id", "expires_at"}
	rows := sqlmock.NewRows(cols).AddRow(
		"op_abc", StateCompleted, 2, time.Now(), time.Now(), []byte(`{"quote_id":"q1"}`), nil, "corr_1", time.Now())

	mock.ExpectQuery("INSERT INTO idempotency_ledger").WillReturnRows(rows)

	out, err := l.Reserve(context.Background(), "op_abc", "corr_1", "hash")
	require.NoError(t, err)
	require.Equal(t, Completed, out.Status)
	require.JSONEq(t, `{"quote_id":"q1"}`, string(out.ResultSnapshot))
}

func TestCompleteRequiresExistingReservedRow(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectExec("UPDATE idempotency_ledger").WillReturnResult(sqlmock.NewResult(0, 0))

	err := l.Complete(context.Background(), "op_missing", []byte(`{}`))
	require.Error(t, err)
}
