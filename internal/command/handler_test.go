package command

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/junlov/quotey/internal/approval"
	"github.com/junlov/quotey/internal/audit"
	"github.com/junlov/quotey/internal/catalog"
	"github.com/junlov/quotey/internal/ids"
	"github.com/junlov/quotey/internal/ledger"
	"github.com/junlov/quotey/internal/queue"
	"github.com/junlov/quotey/internal/quote"
	"github.com/junlov/quotey/internal/rules"
)

type fakeAuditWriter struct {
	events []audit.Event
}

func (f *fakeAuditWriter) Append(ctx context.Context, e audit.Event) (audit.Event, error) {
	f.events = append(f.events, e)
	return e, nil
}

type fakeLoader struct{}

func (fakeLoader) GetActiveCatalog(ctx context.Context) (catalog.CatalogSnapshot, error) {
	return catalog.CatalogSnapshot{ID: "cat_1", Status: catalog.StatusActive}, nil
}

func (fakeLoader) GetActiveRuleset(ctx context.Context) (catalog.RulesetSnapshot, error) {
	return catalog.RulesetSnapshot{ID: "rs_1", Status: catalog.StatusActive}, nil
}

var fixedNow = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func newTestHandler(t *testing.T) (*Handler, sqlmock.Sqlmock, *fakeAuditWriter) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	clock := ids.FixedClock{At: fixedNow}

	l := ledger.New(sqlxDB, clock, time.Hour)
	qStore := quote.NewStore(sqlxDB, clock)
	approvals := approval.NewStore(sqlxDB, clock)
	q := queue.NewStore(sqlxDB, clock)
	aw := &fakeAuditWriter{}
	svc := quote.NewService(qStore, fakeLoader{}, rules.NewEngine(), approvals, q, aw, clock)
	h := NewHandler(l, svc, aw, clock)
	return h, mock, aw
}

func ledgerReserveFreshRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"operation_key", "state", "attempt_count", "first_seen_at",
		"last_seen_at", "result_snapshot", "error_snapshot", "correlation_id", "expires_at"}).
		AddRow("", ledger.StateReserved, 1, fixedNow, fixedNow, nil, nil, "corr_1", fixedNow.Add(time.Hour))
}

func TestHandleFreshCreateDraftCompletesAndReturnsOK(t *testing.T) {
	h, mock, aw := newTestHandler(t)

	mock.ExpectQuery("INSERT INTO idempotency_ledger").WillReturnRows(ledgerReserveFreshRow())
	mock.ExpectExec("UPDATE idempotency_ledger SET state").WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO quote").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO flow_state").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectExec("UPDATE idempotency_ledger SET state").WillReturnResult(sqlmock.NewResult(0, 1))

	cmd := Command{
		Source: SourceHTTP, SourceRequestID: "req-1", ActionKind: ActionCreateDraft,
		Payload:       json.RawMessage(`{"account_ref":"acct_1","deal_ref":"deal_1","currency":"USD"}`),
		Actor:         Actor{ID: "u1", Type: string(audit.ActorTypeUser)},
		CorrelationID: "corr_1",
	}
	resp := h.Handle(context.Background(), cmd)
	require.Equal(t, StatusOK, resp.Status)
	require.Nil(t, resp.Error)
	require.NotEmpty(t, resp.ResultSnapshot)

	foundReserved := false
	for _, e := range aw.events {
		if e.EventName == audit.EventIdempotencyReserved {
			foundReserved = true
		}
	}
	require.True(t, foundReserved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleDuplicateSubmissionReturnsStoredResultAndHit(t *testing.T) {
	h, mock, aw := newTestHandler(t)

	stored := json.RawMessage(`{"quote_id":"q1","version":1}`)
	rows := sqlmock.NewRows([]string{"operation_key", "state", "attempt_count", "first_seen_at",
		"last_seen_at", "result_snapshot", "error_snapshot", "correlation_id", "expires_at"}).
		AddRow("", ledger.StateCompleted, 2, fixedNow, fixedNow, []byte(stored), nil, "corr_1", fixedNow.Add(time.Hour))
	mock.ExpectQuery("INSERT INTO idempotency_ledger").WillReturnRows(rows)

	cmd := Command{
		Source: SourceHTTP, SourceRequestID: "req-1", ActionKind: ActionCreateDraft,
		Payload:       json.RawMessage(`{"account_ref":"acct_1","deal_ref":"deal_1","currency":"USD"}`),
		Actor:         Actor{ID: "u1", Type: string(audit.ActorTypeUser)},
		CorrelationID: "corr_1",
	}
	resp := h.Handle(context.Background(), cmd)
	require.Equal(t, StatusOK, resp.Status)
	require.JSONEq(t, string(stored), string(resp.ResultSnapshot))

	foundHit := false
	for _, e := range aw.events {
		if e.EventName == audit.EventIdempotencyHit {
			foundHit = true
		}
	}
	require.True(t, foundHit)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleUnknownActionKindIsRejected(t *testing.T) {
	h, mock, _ := newTestHandler(t)

	mock.ExpectQuery("INSERT INTO idempotency_ledger").WillReturnRows(ledgerReserveFreshRow())
	mock.ExpectExec("UPDATE idempotency_ledger SET state").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE idempotency_ledger SET state").WillReturnResult(sqlmock.NewResult(0, 1))

	cmd := Command{
		Source: SourceHTTP, SourceRequestID: "req-1", ActionKind: "not_a_real_action",
		Actor: Actor{ID: "u1", Type: string(audit.ActorTypeUser)}, CorrelationID: "corr_1",
	}
	resp := h.Handle(context.Background(), cmd)
	require.Equal(t, StatusRejected, resp.Status)
	require.Equal(t, ErrorValidation, resp.Error.Class)
}
