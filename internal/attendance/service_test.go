package attendance

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"otcattendance/internal/apperr"
	"otcattendance/internal/feed"
	"otcattendance/internal/memstore"
	"otcattendance/internal/model"
)

func at(hour, minute int) time.Time {
	return time.Date(2025, 1, 1, hour, minute, 0, 0, time.UTC)
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []feed.Change
}

func (r *recordingNotifier) Notify(_ context.Context, c feed.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

type fixture struct {
	mem      *memstore.Store
	recorder *Recorder
	service  *Service
	notifier *recordingNotifier
	session  model.ClassSession
}

// newFixture schedules a 60 minute session at 09:00 with code 7F3K9Q.
func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	mem := memstore.New()
	require.NoError(t, mem.Users().Create(ctx, &model.User{ID: "student-a", Email: "a@example.com", FullName: "Ada", StudentNumber: "S-001", Role: model.RoleStudent}))
	require.NoError(t, mem.Users().Create(ctx, &model.User{ID: "student-b", Email: "b@example.com", FullName: "Ben", StudentNumber: "S-002", Role: model.RoleStudent}))
	require.NoError(t, mem.Subjects().Create(ctx, &model.Subject{ID: "subject-1", Name: "Algorithms", Code: "CS101", TeacherID: "teacher-1"}))
	sess := model.ClassSession{ID: "session-1", SubjectID: "subject-1", SessionDate: "2025-01-01", SessionTime: "09:00",
		OTCCode: "7F3K9Q", IsActive: true, ExpiresAt: at(10, 0)}
	require.NoError(t, mem.Sessions().Create(ctx, &sess, at(8, 0)))

	notifier := &recordingNotifier{}
	return fixture{
		mem:      mem,
		recorder: NewRecorder(mem.Sessions(), mem.Attendance(), mem.Subjects(), notifier, nil),
		service:  NewService(mem.Attendance(), mem.Sessions(), nil),
		notifier: notifier,
		session:  sess,
	}
}

func TestMarkPresentLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.recorder.MarkPresent(ctx, "student-a", "7f3k9q", at(9, 30))
	require.NoError(t, err)
	assert.Equal(t, "session-1", rec.SessionID)
	assert.Equal(t, model.AttendanceStatusPresent, rec.Status)
	assert.Equal(t, at(9, 30), rec.MarkedAt)

	_, err = f.recorder.MarkPresent(ctx, "student-a", "7F3K9Q", at(9, 45))
	assert.True(t, errors.Is(err, apperr.ErrAlreadyMarked))

	_, err = f.recorder.MarkPresent(ctx, "student-b", "7F3K9Q", at(10, 1))
	assert.True(t, errors.Is(err, apperr.ErrInvalidOrExpiredCode))
}

func TestMarkPresentRejectsExpiryInstant(t *testing.T) {
	f := newFixture(t)
	_, err := f.recorder.MarkPresent(context.Background(), "student-b", "7F3K9Q", at(10, 0))
	assert.True(t, errors.Is(err, apperr.ErrInvalidOrExpiredCode))

	_, err = f.recorder.MarkPresent(context.Background(), "student-b", "7F3K9Q", at(10, 0).Add(-time.Nanosecond))
	assert.NoError(t, err)
}

func TestMarkPresentAfterDeactivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mem.Sessions().SetActive(ctx, "session-1", false))

	_, err := f.recorder.MarkPresent(ctx, "student-a", "7F3K9Q", at(9, 41))
	assert.True(t, errors.Is(err, apperr.ErrInvalidOrExpiredCode))

	// reactivation before expiry reopens the code
	require.NoError(t, f.mem.Sessions().SetActive(ctx, "session-1", true))
	_, err = f.recorder.MarkPresent(ctx, "student-a", "7F3K9Q", at(9, 50))
	assert.NoError(t, err)
}

func TestMarkPresentInputErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.recorder.MarkPresent(ctx, "student-a", "   ", at(9, 30))
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = f.recorder.MarkPresent(ctx, "", "7F3K9Q", at(9, 30))
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = f.recorder.MarkPresent(ctx, "student-a", "0OIL12", at(9, 30))
	assert.True(t, errors.Is(err, apperr.ErrInvalidOrExpiredCode))

	_, err = f.recorder.MarkPresent(ctx, "student-a", "BCDEFG", at(9, 30))
	assert.True(t, errors.Is(err, apperr.ErrInvalidOrExpiredCode))
}

func TestMarkPresentNotifiesAndEnrolls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.recorder.MarkPresent(ctx, "student-a", "7F3K9Q", at(9, 30))
	require.NoError(t, err)

	require.Len(t, f.notifier.changes, 2)
	assert.Equal(t, feed.Change{Table: feed.TableAttendance, Op: feed.OpInsert, ID: rec.ID,
		SubjectID: "subject-1", SessionID: "session-1"}, f.notifier.changes[0])
	assert.Equal(t, feed.Change{Table: feed.TableEnrollments, Op: feed.OpInsert, ID: "subject-1",
		SubjectID: "subject-1", UserID: "student-a"}, f.notifier.changes[1])

	subjects, err := f.mem.Subjects().ListByStudent(ctx, "student-a")
	require.NoError(t, err)
	require.Len(t, subjects, 1)
	assert.Equal(t, "subject-1", subjects[0].ID)
}

func TestMarkPresentConcurrentDoubleSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start := make(chan struct{})
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.recorder.MarkPresent(ctx, "student-a", "7F3K9Q", at(9, 30))
		}(i)
	}
	close(start)
	wg.Wait()

	assertOneWinner(t, errs)
	views, err := f.mem.Attendance().ListBySession(ctx, "session-1")
	require.NoError(t, err)
	assert.Len(t, views, 1)
}

// barrierStore lets both submissions pass the existence check before either inserts, so
// only the storage constraint separates them.
type barrierStore struct {
	recordStore
	wg *sync.WaitGroup
}

func (b barrierStore) Exists(ctx context.Context, studentID, sessionID string) (bool, error) {
	exists, err := b.recordStore.Exists(ctx, studentID, sessionID)
	b.wg.Done()
	b.wg.Wait()
	return exists, err
}

func TestMarkPresentInterleavedChecksResolveAtStorage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	barrier := &sync.WaitGroup{}
	barrier.Add(2)
	recorder := NewRecorder(f.mem.Sessions(), barrierStore{f.mem.Attendance(), barrier}, f.mem.Subjects(), nil, nil)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = recorder.MarkPresent(ctx, "student-a", "7F3K9Q", at(9, 30))
		}(i)
	}
	wg.Wait()

	assertOneWinner(t, errs)
}

func assertOneWinner(t *testing.T, errs []error) {
	t.Helper()
	var ok, already int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, apperr.ErrAlreadyMarked):
			already++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, already)
}

type failingFinder struct{ err error }

func (f failingFinder) FindUsableByCode(context.Context, string, time.Time) ([]model.ClassSession, error) {
	return nil, f.err
}

func TestMarkPresentTransientStore(t *testing.T) {
	f := newFixture(t)
	recorder := NewRecorder(failingFinder{context.DeadlineExceeded}, f.mem.Attendance(), f.mem.Subjects(), nil, nil)
	_, err := recorder.MarkPresent(context.Background(), "student-a", "7F3K9Q", at(9, 30))
	assert.True(t, errors.Is(err, apperr.ErrTransientStore))
}

func TestListBySessionRequiresOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.recorder.MarkPresent(ctx, "student-a", "7F3K9Q", at(9, 30))
	require.NoError(t, err)
	_, err = f.recorder.MarkPresent(ctx, "student-b", "7F3K9Q", at(9, 35))
	require.NoError(t, err)

	views, err := f.service.ListBySession(ctx, "teacher-1", "session-1")
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "Ben", views[0].StudentName)
	assert.Equal(t, "S-001", views[1].StudentNumber)

	_, err = f.service.ListBySession(ctx, "teacher-2", "session-1")
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
	_, err = f.service.ListBySession(ctx, "teacher-1", "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestListForStudent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.recorder.MarkPresent(ctx, "student-a", "7F3K9Q", at(9, 30))
	require.NoError(t, err)

	rows, err := f.service.ListForStudent(ctx, "student-a")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "CS101", rows[0].SubjectCode)
	assert.Equal(t, "09:00", rows[0].SessionTime)
}

func TestExportWorkbook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.recorder.MarkPresent(ctx, "student-a", "7F3K9Q", at(9, 30))
	require.NoError(t, err)

	export, err := f.service.Export(ctx, "teacher-1", "session-1", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "attendance_CS101_2025-01-01_7F3K9Q.xlsx", export.Filename)

	book, err := excelize.OpenReader(bytes.NewReader(export.Data))
	require.NoError(t, err)
	defer book.Close()
	rows, err := book.GetRows(exportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, exportHeader, rows[2])
	assert.Equal(t, []string{"Ada", "S-001", "present", "2025-01-01 09:30:00"}, rows[3])

	_, err = f.service.Export(ctx, "teacher-2", "session-1", time.UTC)
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
}
