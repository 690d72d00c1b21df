package subject

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otcattendance/internal/model"
	"otcattendance/internal/store"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRepository(db)

	created := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO subjects (id, name, code, description, teacher_id) VALUES ($1, $2, $3, $4, $5) RETURNING created_at")).
		WithArgs("s1", "Algorithms", "CS101", "", "t1").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	subject := &model.Subject{ID: "s1", Name: "Algorithms", Code: "CS101", TeacherID: "t1"}
	require.NoError(t, repo.Create(context.Background(), subject))
	assert.Equal(t, created, subject.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryCreateDuplicate(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRepository(db)

	mock.ExpectQuery("INSERT INTO subjects").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: store.ConstraintSubjectCode})

	err := repo.Create(context.Background(), &model.Subject{ID: "s1", Code: "CS101"})
	assert.True(t, store.Violates(err, store.ConstraintSubjectCode))
}

func TestRepositoryExistsByCode(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM subjects WHERE code = $1 LIMIT 1")).
		WithArgs("CS101").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM subjects WHERE code = $1 LIMIT 1")).
		WithArgs("NONE").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	exists, err := repo.ExistsByCode(context.Background(), "CS101")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.ExistsByCode(context.Background(), "NONE")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryListByTeacher(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "name", "code", "description", "teacher_id", "created_at"}).
		AddRow("s1", "Algorithms", "CS101", "", "t1", now).
		AddRow("s2", "Networks", "CS202", "", "t1", now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM subjects WHERE teacher_id = $1 ORDER BY created_at DESC, code")).
		WithArgs("t1").
		WillReturnRows(rows)

	subjects, err := repo.ListByTeacher(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, subjects, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryEnrollIsIdempotent(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (student_id, subject_id) DO NOTHING")).
		WithArgs("st1", "s1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Enroll(context.Background(), "st1", "s1", time.Now()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
