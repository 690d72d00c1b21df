package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"otcattendance/internal/model"
	"otcattendance/internal/store"
)

const viewSelect = `SELECT s.id, s.subject_id, to_char(s.session_date, 'YYYY-MM-DD') AS session_date,
to_char(s.session_time, 'HH24:MI') AS session_time, s.otc_code, s.is_active, s.expires_at, s.created_at,
sub.name AS subject_name, sub.code AS subject_code, sub.teacher_id
FROM class_sessions s JOIN subjects sub ON sub.id = s.subject_id`

// Repository persists class sessions in Postgres.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a repository instance.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// CodeInUse reports whether any session that has not expired at now holds code.
func (r *Repository) CodeInUse(ctx context.Context, code string, now time.Time) (bool, error) {
	var inUse bool
	const query = `SELECT EXISTS (SELECT 1 FROM class_sessions WHERE otc_code = $1 AND expires_at > $2)`
	if err := r.db.GetContext(ctx, &inUse, query, code, now); err != nil {
		return false, fmt.Errorf("check session code: %w", err)
	}
	return inUse, nil
}

// Create inserts sess. Uniqueness among unexpired codes depends on now, which no index can
// express, so the check and the insert run under a transaction-scoped advisory lock on the
// code. A held code surfaces as store.ConstraintError.
func (r *Repository) Create(ctx context.Context, sess *model.ClassSession, now time.Time) error {
	return store.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sess.OTCCode); err != nil {
			return fmt.Errorf("lock session code: %w", err)
		}
		var held bool
		const check = `SELECT EXISTS (SELECT 1 FROM class_sessions WHERE otc_code = $1 AND expires_at > $2)`
		if err := tx.GetContext(ctx, &held, check, sess.OTCCode, now); err != nil {
			return fmt.Errorf("check session code: %w", err)
		}
		if held {
			return &store.ConstraintError{Constraint: store.ConstraintActiveSessionCode}
		}
		const insert = `INSERT INTO class_sessions (id, subject_id, session_date, session_time, otc_code, is_active, expires_at)
VALUES ($1, $2, $3::date, $4::time, $5, $6, $7) RETURNING created_at`
		err := tx.GetContext(ctx, &sess.CreatedAt, insert,
			sess.ID, sess.SubjectID, sess.SessionDate, sess.SessionTime, sess.OTCCode, sess.IsActive, sess.ExpiresAt)
		if err != nil {
			return fmt.Errorf("insert session: %w", store.Normalize(err))
		}
		return nil
	})
}

// FindByID returns the joined session or sql.ErrNoRows.
func (r *Repository) FindByID(ctx context.Context, id string) (*model.SessionView, error) {
	var view model.SessionView
	if err := r.db.GetContext(ctx, &view, viewSelect+` WHERE s.id = $1`, id); err != nil {
		return nil, err
	}
	return &view, nil
}

// SetActive flips is_active. A missing session yields sql.ErrNoRows.
func (r *Repository) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE class_sessions SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListByTeacher returns every session of the teacher's subjects, latest first.
func (r *Repository) ListByTeacher(ctx context.Context, teacherID string) ([]model.SessionView, error) {
	var views []model.SessionView
	query := viewSelect + ` WHERE sub.teacher_id = $1 ORDER BY s.session_date DESC, s.session_time DESC, s.id`
	if err := r.db.SelectContext(ctx, &views, query, teacherID); err != nil {
		return nil, fmt.Errorf("list teacher sessions: %w", err)
	}
	return views, nil
}

// ListActiveForStudent returns code-accepting sessions of enrolled subjects, soonest first.
func (r *Repository) ListActiveForStudent(ctx context.Context, studentID string, now time.Time) ([]model.SessionView, error) {
	var views []model.SessionView
	query := viewSelect + ` JOIN enrollments e ON e.subject_id = s.subject_id
WHERE e.student_id = $1 AND s.is_active AND s.expires_at > $2
ORDER BY s.session_date, s.session_time, s.id`
	if err := r.db.SelectContext(ctx, &views, query, studentID, now); err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return views, nil
}

// ListActiveBySubject returns code-accepting sessions of one subject, soonest first.
func (r *Repository) ListActiveBySubject(ctx context.Context, subjectID string, now time.Time) ([]model.SessionView, error) {
	var views []model.SessionView
	query := viewSelect + ` WHERE s.subject_id = $1 AND s.is_active AND s.expires_at > $2
ORDER BY s.session_date, s.session_time, s.id`
	if err := r.db.SelectContext(ctx, &views, query, subjectID, now); err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return views, nil
}

// ListBySubjects returns every session of the given subjects, latest first.
func (r *Repository) ListBySubjects(ctx context.Context, subjectIDs []string) ([]model.SessionView, error) {
	if len(subjectIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(viewSelect+` WHERE s.subject_id IN (?) ORDER BY s.session_date DESC, s.session_time DESC, s.id`, subjectIDs)
	if err != nil {
		return nil, fmt.Errorf("build session snapshot: %w", err)
	}
	var views []model.SessionView
	if err := r.db.SelectContext(ctx, &views, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list sessions by subject: %w", err)
	}
	return views, nil
}

// FindUsableByCode returns sessions that accept code at now.
func (r *Repository) FindUsableByCode(ctx context.Context, code string, now time.Time) ([]model.ClassSession, error) {
	const query = `SELECT id, subject_id, to_char(session_date, 'YYYY-MM-DD') AS session_date,
to_char(session_time, 'HH24:MI') AS session_time, otc_code, is_active, expires_at, created_at
FROM class_sessions WHERE otc_code = $1 AND is_active AND expires_at > $2`
	var sessions []model.ClassSession
	if err := r.db.SelectContext(ctx, &sessions, query, code, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find session by code: %w", err)
	}
	return sessions, nil
}
