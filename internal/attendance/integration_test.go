//go:build integration

package attendance_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otcattendance/internal/apperr"
	"otcattendance/internal/attendance"
	"otcattendance/internal/model"
	"otcattendance/internal/session"
	"otcattendance/internal/subject"
	"otcattendance/internal/testutil"
)

func TestConcurrentDoubleSubmitAgainstPostgres(t *testing.T) {
	db := testutil.Postgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	teacher := testutil.Seed(t, db, model.RoleTeacher, "Grace Hopper")
	student := testutil.Seed(t, db, model.RoleStudent, "Ada Lovelace")

	subjects := subject.NewRepository(db)
	subj := &model.Subject{ID: uuid.NewString(), Name: "Algorithms", Code: "CS101", TeacherID: teacher.ID}
	require.NoError(t, subjects.Create(ctx, subj))

	sessions := session.NewRepository(db)
	start := now.Add(-10 * time.Minute)
	sess := &model.ClassSession{ID: uuid.NewString(), SubjectID: subj.ID, SessionDate: start.Format(model.DateLayout),
		SessionTime: start.Format(model.TimeLayout), OTCCode: "7F3K9Q", IsActive: true, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, sessions.Create(ctx, sess, now.Add(-time.Hour)))

	records := attendance.NewRepository(db)
	recorder := attendance.NewRecorder(sessions, records, subjects, nil, nil)

	const submitters = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		already int
	)
	gate := make(chan struct{})
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			_, err := recorder.MarkPresent(ctx, student.ID, "7F3K9Q", now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrAlreadyMarked):
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, submitters-1, already)

	var rows int
	require.NoError(t, db.Get(&rows, `SELECT COUNT(*) FROM attendance WHERE student_id = $1 AND session_id = $2`, student.ID, sess.ID))
	assert.Equal(t, 1, rows)

	views, err := records.ListBySession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "Ada Lovelace", views[0].StudentName)

	joined, err := subjects.ListByStudent(ctx, student.ID)
	require.NoError(t, err)
	require.Len(t, joined, 1, "marking enrolls the student")
}

func TestExpiryBoundaryAgainstPostgres(t *testing.T) {
	db := testutil.Postgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	teacher := testutil.Seed(t, db, model.RoleTeacher, "Grace Hopper")
	student := testutil.Seed(t, db, model.RoleStudent, "Ada Lovelace")
	subjects := subject.NewRepository(db)
	subj := &model.Subject{ID: uuid.NewString(), Name: "Networks", Code: "CS202", TeacherID: teacher.ID}
	require.NoError(t, subjects.Create(ctx, subj))

	sessions := session.NewRepository(db)
	expires := now.Add(30 * time.Minute)
	sess := &model.ClassSession{ID: uuid.NewString(), SubjectID: subj.ID, SessionDate: now.Format(model.DateLayout),
		SessionTime: now.Format(model.TimeLayout), OTCCode: "BCDEFG", IsActive: true, ExpiresAt: expires}
	require.NoError(t, sessions.Create(ctx, sess, now))

	recorder := attendance.NewRecorder(sessions, attendance.NewRepository(db), subjects, nil, nil)
	_, err := recorder.MarkPresent(ctx, student.ID, "BCDEFG", expires)
	assert.True(t, errors.Is(err, apperr.ErrInvalidOrExpiredCode))

	_, err = recorder.MarkPresent(ctx, student.ID, "BCDEFG", expires.Add(-time.Second))
	assert.NoError(t, err)
}
