package sqlstore

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/coedit/internal/errors"
	"github.com/Iron-Ham/coedit/internal/record"
	"github.com/Iron-Ham/coedit/internal/store"
)

func newPostgresWithMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, Postgres), mock
}

func TestPostgres_InsertIfAbsent_Inserted(t *testing.T) {
	s, mock := newPostgresWithMock(t)
	now := time.UnixMilli(5000)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO field_locks (record_id, field_name, owner_id, acquired_at, renewed_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (record_id, field_name) DO NOTHING`)).
		WithArgs("task-123", "title", "A", int64(5000), int64(5000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	held, inserted, err := s.InsertIfAbsent(context.Background(), store.LockRow{RecordID: "task-123", Field: "title", OwnerID: "A", AcquiredAt: now, RenewedAt: now})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "A", held.OwnerID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertIfAbsent_Conflict(t *testing.T) {
	s, mock := newPostgresWithMock(t)
	now := time.UnixMilli(9000)

	mock.ExpectExec(`INSERT INTO field_locks .* ON CONFLICT \(record_id, field_name\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT record_id, field_name, owner_id, acquired_at, renewed_at FROM field_locks WHERE record_id = \$1 AND field_name = \$2`).
		WithArgs("task-123", "title").
		WillReturnRows(sqlmock.NewRows([]string{"record_id", "field_name", "owner_id", "acquired_at", "renewed_at"}).
			AddRow("task-123", "title", "A", int64(1000), int64(2000)))

	held, inserted, err := s.InsertIfAbsent(context.Background(), store.LockRow{RecordID: "task-123", Field: "title", OwnerID: "B", AcquiredAt: now, RenewedAt: now})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "A", held.OwnerID)
	assert.Equal(t, int64(2000), held.RenewedAt.UnixMilli())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertIfAbsent_VanishedHolder(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectExec(`INSERT INTO field_locks`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM field_locks`).WillReturnError(sql.ErrNoRows)

	_, inserted, err := s.InsertIfAbsent(context.Background(), store.LockRow{RecordID: "r", Field: "f", OwnerID: "B"})
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestPostgres_InsertIfAbsent_Error(t *testing.T) {
	s, mock := newPostgresWithMock(t)
	mock.ExpectExec(`INSERT INTO field_locks`).WillReturnError(errors.New("connection reset"))

	_, inserted, err := s.InsertIfAbsent(context.Background(), store.LockRow{RecordID: "r", Field: "f", OwnerID: "B"})
	require.Error(t, err)
	assert.False(t, inserted)
}

func TestPostgres_RenewOwned(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE field_locks SET renewed_at = $1 WHERE record_id = $2 AND field_name = $3 AND owner_id = $4`)).
		WithArgs(int64(7000), "task-123", "title", "A").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.RenewOwned(context.Background(), "task-123", "title", "A", time.UnixMilli(7000))
	require.NoError(t, err)
	assert.False(t, ok, "no row means the lock is gone")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateLocksRow(t *testing.T) {
	s, mock := newPostgresWithMock(t)
	s.now = func() time.Time { return time.UnixMilli(7000) }

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT fields FROM records WHERE table_name = \$1 AND id = \$2 FOR UPDATE`).
		WithArgs("tasks", "t-1").
		WillReturnRows(sqlmock.NewRows([]string{"fields"}).AddRow(`{"title":"a","serial":4}`))
	mock.ExpectExec(`UPDATE records SET fields = \$1, updated_at = \$2 WHERE table_name = \$3 AND id = \$4`).
		WithArgs(sqlmock.AnyArg(), int64(7000), "tasks", "t-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := s.Update(context.Background(), "tasks", "t-1", record.Patch{"title": "b"})
	require.NoError(t, err)
	assert.Equal(t, "b", got.Get("title"))
	assert.Equal(t, float64(4), got.Get("serial"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateRollsBackOnWriteError(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT fields FROM records`).
		WillReturnRows(sqlmock.NewRows([]string{"fields"}).AddRow(`{}`))
	mock.ExpectExec(`UPDATE records`).WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, err := s.Update(context.Background(), "tasks", "t-1", record.Patch{"title": "b"})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MigrateUsesPostgresDir(t *testing.T) {
	s, _ := newPostgresWithMock(t)

	var gotDir string
	orig := gooseUp
	gooseUp = func(_ context.Context, _ *sql.DB, dir string) error {
		gotDir = dir
		return nil
	}
	t.Cleanup(func() { gooseUp = orig })

	require.NoError(t, s.Migrate(context.Background()))
	assert.Equal(t, "postgres", gotDir)
}
