package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"otcattendance/internal/model"
	"otcattendance/internal/store"
)

const viewSelect = `SELECT a.id, a.student_id, a.session_id, a.status, a.marked_at,
u.full_name AS student_name, u.student_number, s.subject_id
FROM attendance a
JOIN users u ON u.id = a.student_id
JOIN class_sessions s ON s.id = a.session_id`

// Repository persists attendance records in Postgres.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a repo.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Exists reports whether the student already has a record for the session.
func (r *Repository) Exists(ctx context.Context, studentID, sessionID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM attendance WHERE student_id = $1 AND session_id = $2)
	`, studentID, sessionID)
	if err != nil {
		return false, fmt.Errorf("check attendance: %w", err)
	}
	return exists, nil
}

// Insert writes a record. Losing a race on (student_id, session_id) yields a
// store.ConstraintError for ConstraintAttendanceUnique.
func (r *Repository) Insert(ctx context.Context, rec *model.AttendanceRecord) error {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance (id, student_id, session_id, status, marked_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ON CONSTRAINT `+store.ConstraintAttendanceUnique+` DO NOTHING
		RETURNING id
	`, rec.ID, rec.StudentID, rec.SessionID, rec.Status, rec.MarkedAt)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &store.ConstraintError{Constraint: store.ConstraintAttendanceUnique, Err: err}
		}
		return fmt.Errorf("insert attendance: %w", store.Normalize(err))
	}
	return nil
}

// FindView returns a record joined with the student's display fields.
func (r *Repository) FindView(ctx context.Context, id string) (*model.AttendanceView, error) {
	var view model.AttendanceView
	if err := r.db.GetContext(ctx, &view, viewSelect+` WHERE a.id = $1`, id); err != nil {
		return nil, err
	}
	return &view, nil
}

// ListBySession returns a session's records, most recent first.
func (r *Repository) ListBySession(ctx context.Context, sessionID string) ([]model.AttendanceView, error) {
	var views []model.AttendanceView
	if err := r.db.SelectContext(ctx, &views, viewSelect+` WHERE a.session_id = $1 ORDER BY a.marked_at DESC, a.id`, sessionID); err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	return views, nil
}

// ListByStudent returns a student's history joined with session and subject fields.
func (r *Repository) ListByStudent(ctx context.Context, studentID string) ([]model.StudentAttendance, error) {
	var rows []model.StudentAttendance
	err := r.db.SelectContext(ctx, &rows, `
		SELECT a.id, a.student_id, a.session_id, a.status, a.marked_at,
		       to_char(s.session_date, 'YYYY-MM-DD') AS session_date,
		       to_char(s.session_time, 'HH24:MI') AS session_time,
		       sub.name AS subject_name, sub.code AS subject_code
		FROM attendance a
		JOIN class_sessions s ON s.id = a.session_id
		JOIN subjects sub ON sub.id = s.subject_id
		WHERE a.student_id = $1
		ORDER BY a.marked_at DESC
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("list student attendance: %w", err)
	}
	return rows, nil
}
