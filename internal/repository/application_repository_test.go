package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/space-intake-api/pkg/errors"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxdb := sqlx.NewDb(db, "sqlmock")
	return sqlxdb, mock, func() {
		db.Close()
	}
}

func appColumns() []string {
	return []string{"schema", "pubkey", "name", "description", "image", "metadata", "created_at", "approved_at", "approved_message", "rejected_at", "rejected_message"}
}

func TestCreateApplication(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewApplicationRepository(db)
	repo.now = func() time.Time { return time.Unix(1700000000, 0) }

	rows := sqlmock.NewRows(appColumns()).
		AddRow("gardeners", "ab12", "Gardeners", "desc", "", []byte(`{"city":"porto"}`), int64(1700000000), nil, nil, nil, nil)
	mock.ExpectQuery("INSERT INTO applications").
		WithArgs("gardeners", "ab12", "Gardeners", "desc", "", sqlmock.AnyArg(), int64(1700000000)).
		WillReturnRows(rows)

	app, err := repo.Create(context.Background(), CreateParams{
		Schema: "gardeners", Pubkey: "ab12", Name: "Gardeners", Description: "desc",
	})
	require.NoError(t, err)
	assert.Equal(t, "gardeners", app.Schema)
	assert.Equal(t, "porto", app.Metadata["city"])
	assert.Equal(t, "pending", app.Status())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateApplicationDuplicateSchema(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewApplicationRepository(db)

	mock.ExpectQuery("INSERT INTO applications").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := repo.Create(context.Background(), CreateParams{Schema: "gardeners"})
	assert.ErrorIs(t, err, appErrors.ErrDuplicateSchema)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetApplicationAbsent(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewApplicationRepository(db)

	mock.ExpectQuery("SELECT (.+) FROM applications WHERE schema").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(appColumns()))

	app, err := repo.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, app)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApproveClearsRejection(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewApplicationRepository(db)
	repo.now = func() time.Time { return time.Unix(1700000100, 0) }

	approvedAt := int64(1700000100)
	msg := "welcome"
	rows := sqlmock.NewRows(appColumns()).
		AddRow("gardeners", "ab12", "Gardeners", "desc", "", []byte(`{}`), int64(1700000000), approvedAt, msg, nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE applications")).
		WithArgs("gardeners", approvedAt, "welcome").
		WillReturnRows(rows)

	app, err := repo.Approve(context.Background(), "gardeners", "welcome")
	require.NoError(t, err)
	assert.Equal(t, "approved", app.Status())
	assert.Nil(t, app.RejectedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRejectUnknownSchema(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewApplicationRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE applications")).
		WillReturnRows(sqlmock.NewRows(appColumns()))

	_, err := repo.Reject(context.Background(), "nope", "sorry")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteReturnsLastRecord(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewApplicationRepository(db)

	rows := sqlmock.NewRows(appColumns()).
		AddRow("gardeners", "ab12", "Gardeners", "desc", "", []byte(`{}`), int64(1700000000), nil, nil, nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("DELETE FROM applications")).
		WithArgs("gardeners").
		WillReturnRows(rows)

	app, err := repo.Delete(context.Background(), "gardeners")
	require.NoError(t, err)
	require.NotNil(t, app)
	assert.Equal(t, "gardeners", app.Schema)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteAbsentSchema(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewApplicationRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("DELETE FROM applications")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(appColumns()))

	app, err := repo.Delete(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, app)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListNewestFirst(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewApplicationRepository(db)

	rows := sqlmock.NewRows(appColumns()).
		AddRow("newer", "ab12", "Newer", "d", "", []byte(`{}`), int64(200), nil, nil, nil, nil).
		AddRow("older", "cd34", "Older", "d", "", []byte(`{}`), int64(100), nil, nil, nil, nil)
	mock.ExpectQuery("SELECT (.+) FROM applications ORDER BY created_at DESC LIMIT").
		WithArgs(3).
		WillReturnRows(rows)

	apps, err := repo.List(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.Equal(t, "newer", apps[0].Schema)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDefaultLimit(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewApplicationRepository(db)

	mock.ExpectQuery("SELECT (.+) FROM applications ORDER BY created_at DESC LIMIT").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows(appColumns()))

	_, err := repo.List(context.Background(), 0)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
