package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/junlov/quotey/internal/approval"
	"github.com/junlov/quotey/internal/audit"
	"github.com/junlov/quotey/internal/catalog"
	"github.com/junlov/quotey/internal/command"
	"github.com/junlov/quotey/internal/ids"
	"github.com/junlov/quotey/internal/ledger"
	"github.com/junlov/quotey/internal/metrics"
	"github.com/junlov/quotey/internal/queue"
	"github.com/junlov/quotey/internal/quote"
	"github.com/junlov/quotey/internal/rules"
)

type noopAuditWriter struct{}

func (noopAuditWriter) Append(ctx context.Context, e audit.Event) (audit.Event, error) {
	return e, nil
}

type stubLoader struct{}

func (stubLoader) GetActiveCatalog(ctx context.Context) (catalog.CatalogSnapshot, error) {
	return catalog.CatalogSnapshot{ID: "cat_1", Status: catalog.StatusActive}, nil
}

func (stubLoader) GetActiveRuleset(ctx context.Context) (catalog.RulesetSnapshot, error) {
	return catalog.RulesetSnapshot{ID: "rs_1", Status: catalog.StatusActive}, nil
}

func testJWT(t *testing.T, secret []byte, actorID, actorType string) string {
	t.Helper()
	claims := actorClaims{
		ActorID: actorID, ActorType: actorType,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return tok
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	s := NewServer(nil, []byte("secret"), nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/commands", nil)
	rec := httptest.NewRecorder()
	s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach handler")
	})).ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	secret := []byte("secret")
	s := NewServer(nil, secret, nil)
	tok := testJWT(t, secret, "u1", "user")

	req := httptest.NewRequest(http.MethodPost, "/v1/commands", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()

	var gotActor requestActor
	s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, ok := actorFromContext(r.Context())
		require.True(t, ok)
		gotActor = a
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "u1", gotActor.ID)
	require.Equal(t, "user", gotActor.Type)
}

func TestHandleCommandCreateDraftReturnsOK(t *testing.T) {
	secret := []byte("secret")
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	clock := ids.FixedClock{At: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}

	l := ledger.New(sqlxDB, clock, time.Hour)
	qStore := quote.NewStore(sqlxDB, clock)
	approvals := approval.NewStore(sqlxDB, clock)
	q := queue.NewStore(sqlxDB, clock)
	svc := quote.NewService(qStore, stubLoader{}, rules.NewEngine(), approvals, q, noopAuditWriter{}, clock)
	h := command.NewHandler(l, svc, noopAuditWriter{}, clock)
	s := NewServer(h, secret, metrics.NewWithRegistry(prometheus.NewRegistry()))

	mock.ExpectQuery("INSERT INTO idempotency_ledger").WillReturnRows(
		sqlmock.NewRows([]string{"operation_key", "state", "attempt_count", "first_seen_at",
			"last_seen_at", "result_snapshot", "error_snapshot", "correlation_id", "expires_at"}).
			AddRow("", ledger.StateReserved, 1, clock.Now(), clock.Now(), nil, nil, "corr_1", clock.Now().Add(time.Hour)))
	mock.ExpectExec("UPDATE idempotency_ledger SET state").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO quote").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO flow_state").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE idempotency_ledger SET state").WillReturnResult(sqlmock.NewResult(0, 1))

	body, _ := json.Marshal(map[string]interface{}{
		"source_request_id": "req-1",
		"action_kind":        "create_draft",
		"payload":            map[string]string{"account_ref": "acct_1", "deal_ref": "deal_1", "currency": "USD"},
		"correlation_id":     "corr_1",
	})
	tok := testJWT(t, secret, "u1", "user")
	req := httptest.NewRequest(http.MethodPost, "/v1/commands", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp command.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, command.StatusOK, resp.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusForResponseMapsNotFoundTo404(t *testing.T) {
	resp := command.Response{Status: command.StatusError, Error: &command.ErrorDetail{Class: command.ErrorNotFound}}
	require.Equal(t, http.StatusNotFound, statusForResponse(resp))
}
