package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/junlov/quotey/internal/audit"
	"github.com/junlov/quotey/internal/ids"
)

type fakeAppender struct {
	txEvents []audit.Event
}

func (f *fakeAppender) Append(ctx context.Context, e audit.Event) (audit.Event, error) {
	return e, nil
}

func (f *fakeAppender) AppendTx(ctx context.Context, tx *sqlx.Tx, e audit.Event) (audit.Event, error) {
	f.txEvents = append(f.txEvents, e)
	return e, nil
}

type fakeInvalidator struct {
	calls int
}

func (f *fakeInvalidator) Invalidate(ctx context.Context) error {
	f.calls++
	return nil
}

var fixedActivationNow = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func newTestCatalogStore(t *testing.T) (*Store, sqlmock.Sqlmock, *fakeAppender, *fakeInvalidator) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	aw := &fakeAppender{}
	inv := &fakeInvalidator{}
	store := NewStore(sqlxDB, ids.FixedClock{At: fixedActivationNow}, aw)
	store.SetCache(inv)
	return store, mock, aw, inv
}

func catalogSnapshotRow(id string, status Status) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "version", "status", "created_at", "activation_ts", "products"}).
		AddRow(id, 1, status, fixedActivationNow, nil, []byte(`[{"sku":"SKU-A","currency":"USD","base_price":"100.00"}]`))
}

func TestActivateCatalogWritesAuditInsideTxAndInvalidatesCache(t *testing.T) {
	store, mock, aw, inv := newTestCatalogStore(t)

	mock.ExpectQuery("SELECT \\* FROM catalog_snapshot").WillReturnRows(catalogSnapshotRow("cat_1", StatusDraft))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE catalog_snapshot SET status = \\$1 WHERE status = \\$2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE catalog_snapshot SET status = \\$1, activation_ts = \\$2 WHERE id = \\$3").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.ActivateCatalog(context.Background(), "cat_1", ActivationInput{
		ActorID: "op_1", ActorType: audit.ActorTypeUser, OperationID: "op_1", CorrelationID: "corr_1",
	})
	require.NoError(t, err)
	require.Len(t, aw.txEvents, 1)
	require.Equal(t, "catalog.snapshot.activated", aw.txEvents[0].EventName)
	require.Equal(t, 1, inv.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateCatalogRejectsNonDraft(t *testing.T) {
	store, mock, _, inv := newTestCatalogStore(t)
	mock.ExpectQuery("SELECT \\* FROM catalog_snapshot").WillReturnRows(catalogSnapshotRow("cat_1", StatusActive))

	err := store.ActivateCatalog(context.Background(), "cat_1", ActivationInput{})
	require.Error(t, err)
	require.Equal(t, 0, inv.calls)
}
