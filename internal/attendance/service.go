// Package attendance records self check-ins against one-time codes and reports them.
package attendance

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otcattendance/internal/apperr"
	"otcattendance/internal/feed"
	"otcattendance/internal/metrics"
	"otcattendance/internal/model"
	"otcattendance/internal/otc"
	"otcattendance/internal/store"
)

type sessionFinder interface {
	FindUsableByCode(ctx context.Context, code string, now time.Time) ([]model.ClassSession, error)
}

type recordStore interface {
	Exists(ctx context.Context, studentID, sessionID string) (bool, error)
	Insert(ctx context.Context, rec *model.AttendanceRecord) error
}

type enroller interface {
	Enroll(ctx context.Context, studentID, subjectID string, at time.Time) error
}

// MarkRequest is a student's code submission.
type MarkRequest struct {
	Code string `json:"code"`
}

// Recorder marks students present. Concurrent submissions for the same student and
// session are settled by the storage uniqueness constraint, not by locking here.
type Recorder struct {
	sessions sessionFinder
	records  recordStore
	enroller enroller
	notifier feed.Notifier
	logger   *zap.Logger
}

// NewRecorder builds a recorder.
func NewRecorder(sessions sessionFinder, records recordStore, enroller enroller, notifier feed.Notifier, logger *zap.Logger) *Recorder {
	if notifier == nil {
		notifier = feed.NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{sessions: sessions, records: records, enroller: enroller, notifier: notifier, logger: logger}
}

// MarkPresent records studentID as present for the session currently holding code.
func (r *Recorder) MarkPresent(ctx context.Context, studentID, code string, now time.Time) (*model.AttendanceRecord, error) {
	rec, outcome, err := r.markPresent(ctx, studentID, code, now)
	metrics.AttendanceMarks.WithLabelValues(outcome).Inc()
	return rec, err
}

func (r *Recorder) markPresent(ctx context.Context, studentID, code string, now time.Time) (*model.AttendanceRecord, string, error) {
	if strings.TrimSpace(studentID) == "" {
		return nil, "invalid_request", apperr.Clone(apperr.ErrValidation, "student id is required")
	}
	code = otc.Normalize(code)
	if code == "" {
		return nil, "invalid_request", apperr.Clone(apperr.ErrValidation, "code is required")
	}
	if !otc.WellFormed(code) {
		return nil, "invalid_code", apperr.ErrInvalidOrExpiredCode
	}

	sessions, err := r.sessions.FindUsableByCode(ctx, code, now)
	if err != nil {
		return nil, "error", store.Classify(err, "failed to look up code")
	}
	if len(sessions) > 1 {
		r.logger.Error("code held by more than one usable session", zap.Int("sessions", len(sessions)))
	}
	if len(sessions) != 1 || !sessions[0].AcceptsCodes(now) {
		return nil, "invalid_code", apperr.ErrInvalidOrExpiredCode
	}
	sess := sessions[0]

	exists, err := r.records.Exists(ctx, studentID, sess.ID)
	if err != nil {
		return nil, "error", store.Classify(err, "failed to check attendance")
	}
	if exists {
		return nil, "already_marked", apperr.ErrAlreadyMarked
	}

	rec := &model.AttendanceRecord{
		ID:        uuid.NewString(),
		StudentID: studentID,
		SessionID: sess.ID,
		Status:    model.AttendanceStatusPresent,
		MarkedAt:  now.UTC(),
	}
	if err := r.records.Insert(ctx, rec); err != nil {
		if store.Violates(err, store.ConstraintAttendanceUnique) {
			return nil, "already_marked", apperr.ErrAlreadyMarked
		}
		return nil, "error", store.Classify(err, "failed to record attendance")
	}

	enrolled := true
	if err := r.enroller.Enroll(ctx, studentID, sess.SubjectID, now); err != nil {
		enrolled = false
		r.logger.Warn("enroll after check-in", zap.String("student_id", studentID), zap.Error(err))
	}
	r.logger.Info("attendance marked",
		zap.String("student_id", studentID),
		zap.String("session_id", sess.ID))
	r.notifier.Notify(ctx, feed.Change{
		Table:     feed.TableAttendance,
		Op:        feed.OpInsert,
		ID:        rec.ID,
		SubjectID: sess.SubjectID,
		SessionID: sess.ID,
	})
	if enrolled {
		r.notifier.Notify(ctx, feed.Change{Table: feed.TableEnrollments, Op: feed.OpInsert, ID: sess.SubjectID,
			SubjectID: sess.SubjectID, UserID: studentID})
	}
	return rec, "marked", nil
}

type recordReader interface {
	ListBySession(ctx context.Context, sessionID string) ([]model.AttendanceView, error)
	ListByStudent(ctx context.Context, studentID string) ([]model.StudentAttendance, error)
}

type sessionLookup interface {
	FindByID(ctx context.Context, id string) (*model.SessionView, error)
}

// Service answers attendance queries.
type Service struct {
	records  recordReader
	sessions sessionLookup
	logger   *zap.Logger
}

// NewService creates a service.
func NewService(records recordReader, sessions sessionLookup, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{records: records, sessions: sessions, logger: logger}
}

// ListBySession returns who attended a session the teacher owns.
func (s *Service) ListBySession(ctx context.Context, teacherID, sessionID string) ([]model.AttendanceView, error) {
	if _, err := s.ownedSession(ctx, teacherID, sessionID); err != nil {
		return nil, err
	}
	views, err := s.records.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, store.Classify(err, "failed to list attendance")
	}
	return views, nil
}

// ListForStudent returns the student's own history.
func (s *Service) ListForStudent(ctx context.Context, studentID string) ([]model.StudentAttendance, error) {
	rows, err := s.records.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, store.Classify(err, "failed to list attendance")
	}
	return rows, nil
}

func (s *Service) ownedSession(ctx context.Context, teacherID, sessionID string) (*model.SessionView, error) {
	view, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Clone(apperr.ErrNotFound, "session not found")
		}
		return nil, store.Classify(err, "failed to load session")
	}
	if view.TeacherID != teacherID {
		return nil, apperr.Clone(apperr.ErrForbidden, "session belongs to another teacher")
	}
	return view, nil
}
