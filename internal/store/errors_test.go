package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"otcattendance/internal/apperr"
)

func TestNormalizeUniqueViolation(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: ConstraintAttendanceUnique}
	err := Normalize(fmt.Errorf("insert: %w", pgErr))

	assert.True(t, errors.Is(err, ErrUniqueViolation))
	assert.True(t, Violates(err, ConstraintAttendanceUnique))
	assert.False(t, Violates(err, ConstraintSubjectCode))

	plain := errors.New("other")
	assert.Equal(t, plain, Normalize(plain))
}

func TestClassify(t *testing.T) {
	transient := Classify(&pgconn.PgError{Code: "08006"}, "list sessions")
	assert.True(t, errors.Is(transient, apperr.ErrTransientStore))

	deadline := Classify(fmt.Errorf("q: %w", context.DeadlineExceeded), "x")
	assert.True(t, errors.Is(deadline, apperr.ErrTransientStore))

	internal := Classify(&pgconn.PgError{Code: "42P01"}, "x")
	assert.True(t, errors.Is(internal, apperr.ErrInternal))

	domain := Classify(apperr.ErrAlreadyMarked, "x")
	assert.Equal(t, apperr.ErrAlreadyMarked, domain)
	assert.Nil(t, Classify(nil, "x"))
}
