package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"otcattendance/internal/apperr"
)

// Constraint names shared by the Postgres schema and the in-memory store.
const (
	ConstraintUserEmail         = "users_email_key"
	ConstraintSubjectCode       = "subjects_code_key"
	ConstraintAttendanceUnique  = "attendance_student_session_key"
	ConstraintActiveSessionCode = "class_sessions_active_code"
)

// ErrUniqueViolation matches any ConstraintError.
var ErrUniqueViolation = errors.New("unique constraint violation")

// ConstraintError reports which uniqueness constraint a write violated.
type ConstraintError struct {
	Constraint string
	Err        error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("unique constraint %q violated", e.Constraint)
}

func (e *ConstraintError) Unwrap() error { return e.Err }

func (e *ConstraintError) Is(target error) bool { return target == ErrUniqueViolation }

// Violates reports whether err is a unique violation of constraint.
func Violates(err error, constraint string) bool {
	var ce *ConstraintError
	return errors.As(err, &ce) && ce.Constraint == constraint
}

// Normalize converts driver unique violations into *ConstraintError and leaves the rest alone.
func Normalize(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &ConstraintError{Constraint: pgErr.ConstraintName, Err: err}
	}
	return err
}

// IsTransient reports errors worth retrying: connectivity loss, timeouts,
// serialization failures and deadlocks.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == "40001",
			pgErr.Code == "40P01",
			pgErr.Code == "57P01",
			pgErr.Code == "53300":
			return true
		}
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Classify wraps an unexpected storage error as a TransientStoreError or an internal error.
func Classify(err error, message string) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if IsTransient(err) {
		return apperr.Wrap(err, apperr.ErrTransientStore.Code, apperr.ErrTransientStore.Status, message+": storage temporarily unavailable")
	}
	return apperr.Wrap(err, apperr.ErrInternal.Code, apperr.ErrInternal.Status, message)
}
