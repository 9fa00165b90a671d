package queue

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/junlov/quotey/internal/audit"
	"github.com/junlov/quotey/internal/ids"
	"github.com/junlov/quotey/pkg/logger"
)

type fakeAuditWriter struct {
	events []audit.Event
}

func (f *fakeAuditWriter) Append(ctx context.Context, e audit.Event) (audit.Event, error) {
	f.events = append(f.events, e)
	return e, nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *Store, sqlmock.Sqlmock, *fakeAuditWriter) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	clock := ids.FixedClock{At: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	store := NewStore(sqlxDB, clock)
	aw := &fakeAuditWriter{}
	log := logger.New(logger.Config{Level: "error", Format: "json"})
	d := NewDispatcher(store, aw, log, 1, time.Millisecond, nil)
	return d, store, mock, aw
}

func baseTask() Task {
	return Task{
		TaskID:         "task_1",
		QuoteID:        "quote_1",
		QuoteVersion:   1,
		OperationKind:  OpSlackMessage,
		IdempotencyKey: "op_1",
		State:          StateRunning,
		RetryCount:     0,
		MaxRetries:     5,
		StateVersion:   2,
	}
}

func TestExecuteCompletesTaskOnAdapterSuccess(t *testing.T) {
	d, _, mock, _ := newTestDispatcher(t)
	task := baseTask()

	d.RegisterAdapter(OpSlackMessage, AdapterFunc(func(ctx context.Context, tsk Task) (Outcome, error) {
		return Outcome{ResultFingerprint: "fp_1"}, nil
	}))

	mock.ExpectExec("UPDATE execution_task SET state = \\$1, result_fingerprint").
		WithArgs(StateCompleted, "fp_1", task.TaskID, task.StateVersion).
		WillReturnResult(sqlmock.NewResult(0, 1))

	d.execute(context.Background(), task)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRetriesOnRetryableAdapterError(t *testing.T) {
	d, _, mock, _ := newTestDispatcher(t)
	task := baseTask()

	d.RegisterAdapter(OpSlackMessage, AdapterFunc(func(ctx context.Context, tsk Task) (Outcome, error) {
		return Outcome{}, &AdapterError{Class: ErrorClassRetryable, Message: "slack 503"}
	}))

	mock.ExpectExec("UPDATE execution_task").
		WillReturnResult(sqlmock.NewResult(0, 1))

	d.execute(context.Background(), task)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteDeadLettersAndAppendsAuditOnTerminalError(t *testing.T) {
	d, _, mock, aw := newTestDispatcher(t)
	task := baseTask()

	d.RegisterAdapter(OpSlackMessage, AdapterFunc(func(ctx context.Context, tsk Task) (Outcome, error) {
		return Outcome{}, &AdapterError{Class: ErrorClassTerminal, Message: "invalid channel"}
	}))

	mock.ExpectExec("UPDATE execution_task SET state = \\$1, last_error").
		WillReturnResult(sqlmock.NewResult(0, 1))

	d.execute(context.Background(), task)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, aw.events, 1)
	require.Equal(t, audit.EventDeadLetterQueued, aw.events[0].EventName)
}

func TestExecuteDeadLettersWhenRetriesExhaustedEvenIfClassifiedRetryable(t *testing.T) {
	d, _, mock, aw := newTestDispatcher(t)
	task := baseTask()
	task.RetryCount = task.MaxRetries // next attempt would exceed MaxRetries

	d.RegisterAdapter(OpSlackMessage, AdapterFunc(func(ctx context.Context, tsk Task) (Outcome, error) {
		return Outcome{}, &AdapterError{Class: ErrorClassRetryable, Message: "still failing"}
	}))

	mock.ExpectExec("UPDATE execution_task SET state = \\$1, last_error").
		WillReturnResult(sqlmock.NewResult(0, 1))

	d.execute(context.Background(), task)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, aw.events, 1, "dead-letter audit event fires on exhaustion even when error is classified retryable")
}

func TestExecuteFailsWithNoRegisteredAdapter(t *testing.T) {
	d, _, mock, aw := newTestDispatcher(t)
	task := baseTask()
	task.OperationKind = OpCRMWriteback

	mock.ExpectExec("UPDATE execution_task SET state = \\$1, last_error").
		WillReturnResult(sqlmock.NewResult(0, 1))

	d.execute(context.Background(), task)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, aw.events, 1)
}

func TestBackoffSpecFixedScheduleUsesLastEntryPastEnd(t *testing.T) {
	spec := BackoffSpec{Fixed: true, FixedDelays: []time.Duration{time.Second, 3 * time.Second}}
	require.Equal(t, time.Second, spec.NextDelay(1))
	require.Equal(t, 3*time.Second, spec.NextDelay(2))
	require.Equal(t, 3*time.Second, spec.NextDelay(3))
}
