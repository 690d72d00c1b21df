package subject

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

const subjectColumns = "id, name, code, description, teacher_id, created_at"

// Repository persists subjects and enrollments in Postgres.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a repository instance.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a subject. A duplicate code surfaces as store.ConstraintError.
func (r *Repository) Create(ctx context.Context, subject *model.Subject) error {
	const query = `INSERT INTO subjects (id, name, code, description, teacher_id) VALUES ($1, $2, $3, $4, $5) RETURNING created_at`
	err := r.db.GetContext(ctx, &subject.CreatedAt, query,
		subject.ID, subject.Name, subject.Code, subject.Description, subject.TeacherID)
	if err != nil {
		return fmt.Errorf("insert subject: %w", store.Normalize(err))
	}
	return nil
}

// FindByID returns sql.ErrNoRows when missing.
func (r *Repository) FindByID(ctx context.Context, id string) (*model.Subject, error) {
	var subject model.Subject
	if err := r.db.GetContext(ctx, &subject, "SELECT "+subjectColumns+" FROM subjects WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &subject, nil
}

// FindByCode looks a subject up by its upper-cased code.
func (r *Repository) FindByCode(ctx context.Context, code string) (*model.Subject, error) {
	var subject model.Subject
	if err := r.db.GetContext(ctx, &subject, "SELECT "+subjectColumns+" FROM subjects WHERE code = $1", code); err != nil {
		return nil, err
	}
	return &subject, nil
}

// ExistsByCode checks uniqueness of a subject code.
func (r *Repository) ExistsByCode(ctx context.Context, code string) (bool, error) {
	var exists int
	if err := r.db.GetContext(ctx, &exists, "SELECT 1 FROM subjects WHERE code = $1 LIMIT 1", code); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check subject code: %w", err)
	}
	return true, nil
}

// ListByTeacher returns the teacher's subjects, newest first.
func (r *Repository) ListByTeacher(ctx context.Context, teacherID string) ([]model.Subject, error) {
	var subjects []model.Subject
	query := "SELECT " + subjectColumns + " FROM subjects WHERE teacher_id = $1 ORDER BY created_at DESC, code"
	if err := r.db.SelectContext(ctx, &subjects, query, teacherID); err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	return subjects, nil
}

// ListByStudent returns the subjects a student is enrolled in.
func (r *Repository) ListByStudent(ctx context.Context, studentID string) ([]model.Subject, error) {
	const query = `SELECT s.id, s.name, s.code, s.description, s.teacher_id, s.created_at
FROM subjects s JOIN enrollments e ON e.subject_id = s.id
WHERE e.student_id = $1 ORDER BY s.created_at DESC, s.code`
	var subjects []model.Subject
	if err := r.db.SelectContext(ctx, &subjects, query, studentID); err != nil {
		return nil, fmt.Errorf("list enrolled subjects: %w", err)
	}
	return subjects, nil
}

// Enroll links a student to a subject. Repeating it is a no-op.
func (r *Repository) Enroll(ctx context.Context, studentID, subjectID string, at time.Time) error {
	const query = `INSERT INTO enrollments (student_id, subject_id, joined_at) VALUES ($1, $2, $3) ON CONFLICT (student_id, subject_id) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, studentID, subjectID, at); err != nil {
		return fmt.Errorf("enroll: %w", err)
	}
	return nil
}
