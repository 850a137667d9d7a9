package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/openparcels/parcel-ingest/internal/parcel"
)

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func newRecordStore(t *testing.T) (*RecordStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewRecordStore(mock, "")
	require.NoError(t, err)
	store.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	return store, mock
}

func TestNewRecordStoreRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRecordStore(mock, "parcels; DROP TABLE x")
	require.Error(t, err)
	_, err = NewRecordStore(nil, "parcels")
	require.Error(t, err)
}

func TestUpsertManySingleStatement(t *testing.T) {
	t.Parallel()

	store, mock := newRecordStore(t)
	mock.ExpectExec("INSERT INTO parcels").
		WithArgs(anyArgs(2 * len(recordColumns))...).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	err := store.UpsertMany(context.Background(), []parcel.Record{{ID: "1"}, {ID: "2"}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertManyDedupesIDs(t *testing.T) {
	t.Parallel()

	store, mock := newRecordStore(t)
	mock.ExpectExec("INSERT INTO parcels").
		WithArgs(anyArgs(2 * len(recordColumns))...).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	recs := []parcel.Record{{ID: "1"}, {ID: "2"}, {ID: "1", Active: true}}
	require.NoError(t, store.UpsertMany(context.Background(), recs))
	require.NoError(t, mock.ExpectationsWereMet())

	got := dedupe(recs)
	require.Len(t, got, 2)
	require.Equal(t, "2", got[0].ID)
	require.True(t, got[1].Active, "last write wins")
}

func TestUpsertManyChunksInTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newRecordStore(t)
	store.chunk = 2
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO parcels").
		WithArgs(anyArgs(2 * len(recordColumns))...).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec("INSERT INTO parcels").
		WithArgs(anyArgs(len(recordColumns))...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := store.UpsertMany(context.Background(), []parcel.Record{{ID: "1"}, {ID: "2"}, {ID: "3"}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertManyRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	store, mock := newRecordStore(t)
	store.chunk = 1
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO parcels").
		WithArgs(anyArgs(len(recordColumns))...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO parcels").
		WithArgs(anyArgs(len(recordColumns))...).
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	err := store.UpsertMany(context.Background(), []parcel.Record{{ID: "1"}, {ID: "2"}})
	require.ErrorContains(t, err, "deadlock detected")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSQLKeepsCreatedAt(t *testing.T) {
	t.Parallel()

	store, _ := newRecordStore(t)
	now := time.Unix(1700000000, 0).UTC()
	query, args := store.upsertSQL([]parcel.Record{{ID: "1"}}, now)

	require.Contains(t, query, "ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active")
	require.Contains(t, query, "updated_at = EXCLUDED.updated_at")
	require.NotContains(t, query, "created_at = EXCLUDED")
	require.True(t, strings.HasSuffix(strings.SplitN(query, " ON CONFLICT", 2)[0], "$29)"))
	require.Len(t, args, len(recordColumns))
	require.Equal(t, now, args[len(args)-1])
}

func TestUpsertEmptyIsNoop(t *testing.T) {
	t.Parallel()

	store, mock := newRecordStore(t)
	require.NoError(t, store.UpsertMany(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissingParcel(t *testing.T) {
	t.Parallel()

	store, mock := newRecordStore(t)
	mock.ExpectQuery("SELECT id, active").WithArgs("404").WillReturnError(pgx.ErrNoRows)

	_, err := store.Get(context.Background(), "404")
	require.ErrorIs(t, err, parcel.ErrRecordNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExistsByGPIN(t *testing.T) {
	t.Parallel()

	store, mock := newRecordStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("G-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.ExistsByGPIN(context.Background(), "G-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
