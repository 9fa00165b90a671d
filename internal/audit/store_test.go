package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/junlov/quotey/internal/ids"
)

func newMockStore(t *testing.T, tamperEvidence bool) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	clock := ids.FixedClock{At: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewStore(sqlxDB, clock, tamperEvidence), mock
}

func TestAppendRejectsInvalidEvent(t *testing.T) {
	store, _ := newMockStore(t, false)
	_, err := store.Append(context.Background(), Event{EventName: EventPricingEvaluateCompleted})
	require.Error(t, err)
}

func TestAppendWithoutChainingLeavesHashesEmpty(t *testing.T) {
	store, mock := newMockStore(t, false)

	mock.ExpectExec("INSERT INTO audit_event").WillReturnResult(sqlmock.NewResult(1, 1))

	e := Event{
		EventName:     EventPricingEvaluateCompleted,
		OperationID:   "op_1",
		CorrelationID: "corr_1",
		Component:     "rules",
		ActorID:       "system",
		ActorType:     ActorTypeSystem,
		Payload:       json.RawMessage(`{}`),
	}
	got, err := store.Append(context.Background(), e)
	require.NoError(t, err)
	require.Empty(t, got.EventHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendWithChainingComputesHash(t *testing.T) {
	store, mock := newMockStore(t, true)

	mock.ExpectQuery("SELECT event_hash FROM audit_event").
		WillReturnRows(sqlmock.NewRows([]string{"event_hash"}))
	mock.ExpectExec("INSERT INTO audit_event").WillReturnResult(sqlmock.NewResult(1, 1))

	e := Event{
		EventName:     EventPricingEvaluateCompleted,
		OperationID:   "op_1",
		CorrelationID: "corr_1",
		Component:     "rules",
		ActorID:       "system",
		ActorType:     ActorTypeSystem,
		Payload:       json.RawMessage(`{}`),
	}
	got, err := store.Append(context.Background(), e)
	require.NoError(t, err)
	require.NotEmpty(t, got.EventHash)
	require.Empty(t, got.PrevEventHash)
}
