// Package session schedules class sessions and controls whether their codes are accepted.
package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"otcattendance/internal/apperr"
	"otcattendance/internal/feed"
	"otcattendance/internal/model"
	"otcattendance/internal/otc"
	"otcattendance/internal/store"
)

type sessionRepository interface {
	Create(ctx context.Context, sess *model.ClassSession, now time.Time) error
	FindByID(ctx context.Context, id string) (*model.SessionView, error)
	SetActive(ctx context.Context, id string, active bool) error
	ListByTeacher(ctx context.Context, teacherID string) ([]model.SessionView, error)
	ListActiveForStudent(ctx context.Context, studentID string, now time.Time) ([]model.SessionView, error)
}

type subjectLookup interface {
	FindByID(ctx context.Context, id string) (*model.Subject, error)
}

type codeIssuer interface {
	Issue(ctx context.Context, draft otc.Draft, now time.Time) (string, error)
}

// CreateRequest schedules a session. Date is YYYY-MM-DD and Time is HH:MM in the
// service's time zone.
type CreateRequest struct {
	SubjectID       string `json:"subject_id" validate:"required"`
	SessionDate     string `json:"session_date" validate:"required,datetime=2006-01-02"`
	SessionTime     string `json:"session_time" validate:"required,datetime=15:04"`
	DurationMinutes int    `json:"duration_minutes" validate:"required,min=1"`
	StartActive     *bool  `json:"start_active,omitempty"`
}

// SetActiveRequest toggles code acceptance.
type SetActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// Config tunes the service.
type Config struct {
	Location    *time.Location
	MaxDuration time.Duration
	// CodeConflictRetries bounds re-issuance when another writer claims the same code
	// between the issuer's check and the insert.
	CodeConflictRetries int
}

// Service manages class sessions.
type Service struct {
	repo      sessionRepository
	subjects  subjectLookup
	issuer    codeIssuer
	notifier  feed.Notifier
	validator *validator.Validate
	logger    *zap.Logger
	cfg       Config
}

// NewService creates a session service.
func NewService(repo sessionRepository, subjects subjectLookup, issuer codeIssuer, notifier feed.Notifier,
	validate *validator.Validate, logger *zap.Logger, cfg Config) *Service {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = feed.NopNotifier{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 8 * time.Hour
	}
	if cfg.CodeConflictRetries <= 0 {
		cfg.CodeConflictRetries = 3
	}
	return &Service{repo: repo, subjects: subjects, issuer: issuer, notifier: notifier,
		validator: validate, logger: logger, cfg: cfg}
}

// Create schedules a session for a subject teacherID owns. The start must lie after now and
// the code expires duration minutes after the start.
func (s *Service) Create(ctx context.Context, teacherID string, req CreateRequest, now time.Time) (*model.SessionView, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrValidation.Code, apperr.ErrValidation.Status, "invalid session payload")
	}
	duration := time.Duration(req.DurationMinutes) * time.Minute
	if duration > s.cfg.MaxDuration {
		return nil, apperr.Clone(apperr.ErrValidation, "session duration exceeds the allowed maximum")
	}
	start, err := model.ParseStart(req.SessionDate, req.SessionTime, s.cfg.Location)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrValidation.Code, apperr.ErrValidation.Status, "invalid session date or time")
	}
	if !start.After(now) {
		return nil, apperr.Clone(apperr.ErrValidation, "session must start in the future")
	}

	subject, err := s.subjects.FindByID(ctx, req.SubjectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Clone(apperr.ErrNotFound, "subject not found")
		}
		return nil, store.Classify(err, "failed to load subject")
	}
	if subject.TeacherID != teacherID {
		return nil, apperr.Clone(apperr.ErrForbidden, "subject belongs to another teacher")
	}

	active := true
	if req.StartActive != nil {
		active = *req.StartActive
	}
	sess := &model.ClassSession{
		ID:          uuid.NewString(),
		SubjectID:   subject.ID,
		SessionDate: start.Format(model.DateLayout),
		SessionTime: start.Format(model.TimeLayout),
		IsActive:    active,
		ExpiresAt:   start.Add(duration).UTC(),
	}

	draft := otc.Draft{SubjectID: subject.ID, ExpiresAt: sess.ExpiresAt}
	for attempt := 1; ; attempt++ {
		code, err := s.issuer.Issue(ctx, draft, now)
		if err != nil {
			return nil, store.Classify(err, "failed to issue session code")
		}
		sess.OTCCode = code
		err = s.repo.Create(ctx, sess, now)
		if err == nil {
			break
		}
		if !store.Violates(err, store.ConstraintActiveSessionCode) {
			return nil, store.Classify(err, "failed to create session")
		}
		if attempt >= s.cfg.CodeConflictRetries {
			return nil, apperr.ErrIssuanceExhausted
		}
		s.logger.Debug("session code claimed concurrently, reissuing", zap.Int("attempt", attempt))
	}

	s.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("subject_id", sess.SubjectID),
		zap.Time("expires_at", sess.ExpiresAt))
	s.notifier.Notify(ctx, feed.Change{Table: feed.TableSessions, Op: feed.OpInsert, ID: sess.ID, SubjectID: sess.SubjectID})

	return &model.SessionView{
		ClassSession: *sess,
		SubjectName:  subject.Name,
		SubjectCode:  subject.Code,
		TeacherID:    subject.TeacherID,
	}, nil
}

// Get returns a session only if teacherID owns its subject.
func (s *Service) Get(ctx context.Context, teacherID, id string) (*model.SessionView, error) {
	view, err := s.repo.FindByID(ctx, id)
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

// SetActive switches code acceptance on or off. Reactivating cannot revive an expired
// session because acceptance also requires now < expires_at.
func (s *Service) SetActive(ctx context.Context, teacherID, id string, req SetActiveRequest) (*model.SessionView, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrValidation.Code, apperr.ErrValidation.Status, "invalid toggle payload")
	}
	view, err := s.Get(ctx, teacherID, id)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SetActive(ctx, id, *req.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Clone(apperr.ErrNotFound, "session not found")
		}
		return nil, store.Classify(err, "failed to update session")
	}
	view.IsActive = *req.Active

	s.logger.Info("session toggled", zap.String("session_id", id), zap.Bool("active", view.IsActive))
	s.notifier.Notify(ctx, feed.Change{Table: feed.TableSessions, Op: feed.OpUpdate, ID: id, SubjectID: view.SubjectID})
	return view, nil
}

// ListForTeacher returns the teacher's sessions, latest first.
func (s *Service) ListForTeacher(ctx context.Context, teacherID string) ([]model.SessionView, error) {
	views, err := s.repo.ListByTeacher(ctx, teacherID)
	if err != nil {
		return nil, store.Classify(err, "failed to list sessions")
	}
	return views, nil
}

// ListActiveForStudent returns sessions of enrolled subjects that accept codes at now. The
// codes themselves are withheld: a student learns them in class.
func (s *Service) ListActiveForStudent(ctx context.Context, studentID string, now time.Time) ([]model.SessionView, error) {
	views, err := s.repo.ListActiveForStudent(ctx, studentID, now)
	if err != nil {
		return nil, store.Classify(err, "failed to list active sessions")
	}
	return model.HideCodes(views), nil
}

// State evaluates the session's lifecycle at now in the service's time zone.
func (s *Service) State(view model.SessionView, now time.Time) model.SessionState {
	return view.State(now, s.cfg.Location)
}
