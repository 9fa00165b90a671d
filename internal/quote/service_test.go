package quote

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/junlov/quotey/internal/approval"
	"github.com/junlov/quotey/internal/audit"
	"github.com/junlov/quotey/internal/catalog"
	"github.com/junlov/quotey/internal/flow"
	"github.com/junlov/quotey/internal/ids"
	"github.com/junlov/quotey/internal/queue"
	"github.com/junlov/quotey/internal/rules"
)

type fakeAuditWriter struct {
	events []audit.Event
}

func (f *fakeAuditWriter) Append(ctx context.Context, e audit.Event) (audit.Event, error) {
	f.events = append(f.events, e)
	return e, nil
}

func (f *fakeAuditWriter) AppendTx(ctx context.Context, tx *sqlx.Tx, e audit.Event) (audit.Event, error) {
	f.events = append(f.events, e)
	return e, nil
}

type fakeLoader struct {
	cs catalog.CatalogSnapshot
	rs catalog.RulesetSnapshot
}

func (f fakeLoader) GetActiveCatalog(ctx context.Context) (catalog.CatalogSnapshot, error) {
	return f.cs, nil
}

func (f fakeLoader) GetActiveRuleset(ctx context.Context) (catalog.RulesetSnapshot, error) {
	return f.rs, nil
}

var fixedNow = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *Store, sqlmock.Sqlmock, *fakeAuditWriter) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	clock := ids.FixedClock{At: fixedNow}
	store := NewStore(sqlxDB, clock)
	approvals := approval.NewStore(sqlxDB, clock)
	q := queue.NewStore(sqlxDB, clock)
	aw := &fakeAuditWriter{}
	loader := fakeLoader{
		cs: catalog.CatalogSnapshot{ID: "cat_1", Status: catalog.StatusActive, Products: []catalog.Product{
			{SKU: "SKU-A", Currency: "USD", BasePrice: "100.00"},
		}},
		rs: catalog.RulesetSnapshot{ID: "rs_1", Status: catalog.StatusActive},
	}
	svc := NewService(store, loader, rules.NewEngine(), approvals, q, aw, clock)
	return svc, store, mock, aw
}

func quoteRow(id string, version int64, status flow.Status) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"quote_id", "version", "status", "currency", "account_ref", "deal_ref",
		"ruleset_snapshot_id", "catalog_snapshot_id", "revision_of", "created_at", "updated_at",
	}).AddRow(id, version, status, "USD", "acct_1", "deal_1", nil, nil, nil, fixedNow, fixedNow)
}

func TestCreateDraftInsertsAtVersionOneAndEmitsAudit(t *testing.T) {
	svc, _, mock, aw := newTestService(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO quote").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO flow_state").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	q, err := svc.CreateDraft(context.Background(), "acct_1", "deal_1", "USD",
		Actor{ID: "u1", Type: audit.ActorTypeUser}, "op_1", "corr_1")
	require.NoError(t, err)
	require.Equal(t, int64(1), q.Version)
	require.Equal(t, flow.StatusDraft, q.Status)
	require.Len(t, aw.events, 1)
	require.Equal(t, audit.EventLifecycleTransitionApplied, aw.events[0].EventName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEditLineOnDraftQuoteStaysInDraft(t *testing.T) {
	svc, _, mock, _ := newTestService(t)

	mock.ExpectQuery("SELECT \\* FROM quote").WillReturnRows(quoteRow("q1", 1, flow.StatusDraft))
	mock.ExpectQuery("SELECT \\* FROM quote_line").WillReturnRows(
		sqlmock.NewRows([]string{"line_id", "quote_id", "sku", "quantity", "unit_price_override",
			"requested_discount", "attributes", "billing_country", "term"}))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE quote SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE flow_state SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO quote_line").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT \\* FROM quote").WillReturnRows(quoteRow("q1", 2, flow.StatusDraft))

	updated, err := svc.EditLine(context.Background(), "q1", LineEdit{
		SKU: "SKU-A", Quantity: 2,
	}, Actor{ID: "u1", Type: audit.ActorTypeUser}, "op_1", "corr_1")
	require.NoError(t, err)
	require.Equal(t, flow.StatusDraft, updated.Status)
	require.Equal(t, int64(2), updated.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEditLineMaterialChangeReturnsPricedQuoteToDraft(t *testing.T) {
	svc, _, mock, _ := newTestService(t)

	mock.ExpectQuery("SELECT \\* FROM quote").WillReturnRows(quoteRow("q1", 3, flow.StatusPriced))
	mock.ExpectQuery("SELECT \\* FROM quote_line").WillReturnRows(
		sqlmock.NewRows([]string{"line_id", "quote_id", "sku", "quantity", "unit_price_override",
			"requested_discount", "attributes", "billing_country", "term"}).
			AddRow("l1", "q1", "SKU-A", 1, nil, nil, []byte(`{}`), "", ""))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE quote SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE flow_state SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO quote_line").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT \\* FROM quote").WillReturnRows(quoteRow("q1", 4, flow.StatusDraft))

	updated, err := svc.EditLine(context.Background(), "q1", LineEdit{
		LineID: "l1", SKU: "SKU-A", Quantity: 5,
	}, Actor{ID: "u1", Type: audit.ActorTypeUser}, "op_1", "corr_1")
	require.NoError(t, err)
	require.Equal(t, flow.StatusDraft, updated.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateRejectsWhenNoLines(t *testing.T) {
	svc, _, mock, _ := newTestService(t)
	mock.ExpectQuery("SELECT \\* FROM quote").WillReturnRows(quoteRow("q1", 1, flow.StatusDraft))
	mock.ExpectQuery("SELECT \\* FROM quote_line").WillReturnRows(
		sqlmock.NewRows([]string{"line_id", "quote_id", "sku", "quantity", "unit_price_override",
			"requested_discount", "attributes", "billing_country", "term"}))

	_, err := svc.Validate(context.Background(), "q1", Actor{ID: "u1", Type: audit.ActorTypeUser}, "op_1", "corr_1")
	require.Error(t, err)
}

func TestValidateSucceedsAndTransitionsToValidated(t *testing.T) {
	svc, _, mock, _ := newTestService(t)
	mock.ExpectQuery("SELECT \\* FROM quote").WillReturnRows(quoteRow("q1", 1, flow.StatusDraft))
	mock.ExpectQuery("SELECT \\* FROM quote_line").WillReturnRows(
		sqlmock.NewRows([]string{"line_id", "quote_id", "sku", "quantity", "unit_price_override",
			"requested_discount", "attributes", "billing_country", "term"}).
			AddRow("l1", "q1", "SKU-A", 1, nil, nil, []byte(`{}`), "US", "annual"))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE quote SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE flow_state SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT \\* FROM quote").WillReturnRows(quoteRow("q1", 2, flow.StatusValidated))

	updated, err := svc.Validate(context.Background(), "q1", Actor{ID: "u1", Type: audit.ActorTypeUser}, "op_1", "corr_1")
	require.NoError(t, err)
	require.Equal(t, flow.StatusValidated, updated.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPriceWithNoApprovalRequiredFinalizesSnapshot(t *testing.T) {
	svc, _, mock, _ := newTestService(t)
	mock.ExpectQuery("SELECT \\* FROM quote").WillReturnRows(quoteRow("q1", 1, flow.StatusValidated))
	mock.ExpectQuery("SELECT \\* FROM quote_line").WillReturnRows(
		sqlmock.NewRows([]string{"line_id", "quote_id", "sku", "quantity", "unit_price_override",
			"requested_discount", "attributes", "billing_country", "term"}).
			AddRow("l1", "q1", "SKU-A", 2, nil, nil, []byte(`{}`), "US", "annual"))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE quote SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE flow_state SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO quote_pricing_snapshot").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT \\* FROM quote").WillReturnRows(quoteRow("q1", 2, flow.StatusPriced))

	updated, ps, err := svc.Price(context.Background(), "q1", nil, Actor{ID: "u1", Type: audit.ActorTypeUser}, "op_1", "corr_1")
	require.NoError(t, err)
	require.Equal(t, flow.StatusPriced, updated.Status)
	require.Equal(t, "200.00", ps.TotalRaw)
	require.False(t, ps.RequiresApproval())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeRejectsWhenApprovalsOutstanding(t *testing.T) {
	svc, _, mock, _ := newTestService(t)
	mock.ExpectQuery("SELECT \\* FROM quote").WillReturnRows(quoteRow("q1", 2, flow.StatusPriced))
	mock.ExpectQuery("SELECT \\* FROM quote_pricing_snapshot").WillReturnRows(
		sqlmock.NewRows([]string{"quote_id", "quote_version", "subtotal", "discount_total", "tax_total", "total",
			"currency", "pricing_trace", "required_approval_roles", "approval_mode", "created_at"}).
			AddRow("q1", 2, "200", "50", "0", "150", "USD", []byte(`[]`), []byte(`["sales_manager"]`), "all_of", fixedNow))

	_, err := svc.Finalize(context.Background(), "q1", Actor{ID: "u1", Type: audit.ActorTypeUser}, "op_1", "corr_1")
	require.ErrorIs(t, err, ErrApprovalsOutstanding)
}

func approvalRequestRow(approvalID, quoteID string, quoteVersion int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"approval_id", "quote_id", "quote_version", "policy_snapshot_id",
		"mode", "sla_hours", "escalation_hours", "state", "created_at", "remind_at", "escalate_at",
	}).AddRow(approvalID, quoteID, quoteVersion, "rs_1", approval.ModeSequential, 4, 8, approval.StatePending, fixedNow, fixedNow, fixedNow)
}

func TestRecordApprovalDecisionRejectsDelegateWithoutEqualOrHigherAuthority(t *testing.T) {
	svc, _, mock, aw := newTestService(t)
	svc.snapshots = fakeLoader{rs: catalog.RulesetSnapshot{
		ID: "rs_1", Status: catalog.StatusActive,
		Rules: []catalog.Rule{
			{RuleID: "r1", Family: catalog.FamilyApprovalThresh, Payload: []byte(`{"role":"sales_manager","authority_rank":2}`)},
			{RuleID: "r2", Family: catalog.FamilyApprovalThresh, Payload: []byte(`{"role":"sales_rep","authority_rank":1}`)},
		},
	}}

	mock.ExpectQuery("SELECT \\* FROM quote").WillReturnRows(quoteRow("q1", 2, flow.StatusApproval))
	mock.ExpectQuery("SELECT \\* FROM approval_request").WillReturnRows(approvalRequestRow("appr_1", "q1", 2))

	_, err := svc.RecordApprovalDecision(context.Background(), "q1", "appr_1", approval.Decision{
		Role: "sales_manager", DelegatedTo: "sales_rep", DecisionType: approval.DecisionApprove,
	}, Actor{ID: "u1", Type: audit.ActorTypeUser}, "op_1", "corr_1")

	require.ErrorIs(t, err, ErrDelegationNotPermitted)
	require.Len(t, aw.events, 1)
	require.Equal(t, audit.EventApprovalStaleRejected, aw.events[0].EventName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelTransitionsAnyNonTerminalQuote(t *testing.T) {
	svc, _, mock, _ := newTestService(t)
	mock.ExpectQuery("SELECT \\* FROM quote").WillReturnRows(quoteRow("q1", 1, flow.StatusApproval))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE quote SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE flow_state SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT \\* FROM quote").WillReturnRows(quoteRow("q1", 2, flow.StatusCancelled))

	updated, err := svc.Cancel(context.Background(), "q1", "customer withdrew", Actor{ID: "u1", Type: audit.ActorTypeUser}, "op_1", "corr_1")
	require.NoError(t, err)
	require.Equal(t, flow.StatusCancelled, updated.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}
