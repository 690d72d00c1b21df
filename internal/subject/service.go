// Package subject manages courses and student enrollment.
package subject

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"otcattendance/internal/apperr"
	"otcattendance/internal/feed"
	"otcattendance/internal/model"
	"otcattendance/internal/store"
)

type subjectRepository interface {
	Create(ctx context.Context, subject *model.Subject) error
	FindByID(ctx context.Context, id string) (*model.Subject, error)
	FindByCode(ctx context.Context, code string) (*model.Subject, error)
	ExistsByCode(ctx context.Context, code string) (bool, error)
	ListByTeacher(ctx context.Context, teacherID string) ([]model.Subject, error)
	ListByStudent(ctx context.Context, studentID string) ([]model.Subject, error)
	Enroll(ctx context.Context, studentID, subjectID string, at time.Time) error
}

type activeSessionLister interface {
	ListActiveBySubject(ctx context.Context, subjectID string, now time.Time) ([]model.SessionView, error)
}

// CreateRequest captures fields for creating a subject.
type CreateRequest struct {
	Name        string `json:"name" validate:"required,max=120"`
	Code        string `json:"code" validate:"required,min=2,max=20,printascii"`
	Description string `json:"description" validate:"max=1000"`
}

// JoinRequest is a student's request to follow a subject.
type JoinRequest struct {
	Code string `json:"code" validate:"required,max=20"`
}

// JoinResult is the joined subject and whatever sessions are open right now, without their
// codes.
type JoinResult struct {
	Subject        model.Subject       `json:"subject"`
	ActiveSessions []model.SessionView `json:"active_sessions"`
}

// Service handles subject workflows.
type Service struct {
	repo      subjectRepository
	sessions  activeSessionLister
	notifier  feed.Notifier
	validator *validator.Validate
	logger    *zap.Logger
}

// NewService creates a subject service.
func NewService(repo subjectRepository, sessions activeSessionLister, notifier feed.Notifier, validate *validator.Validate, logger *zap.Logger) *Service {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = feed.NopNotifier{}
	}
	return &Service{repo: repo, sessions: sessions, notifier: notifier, validator: validate, logger: logger}
}

// Create adds a subject owned by teacherID. Codes are stored upper-cased and are unique.
func (s *Service) Create(ctx context.Context, teacherID string, req CreateRequest) (*model.Subject, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	req.Description = strings.TrimSpace(req.Description)
	if err := s.validator.Struct(req); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrValidation.Code, apperr.ErrValidation.Status, "invalid subject payload")
	}
	if strings.ContainsAny(req.Code, " \t") {
		return nil, apperr.Clone(apperr.ErrValidation, "subject code must not contain spaces")
	}

	exists, err := s.repo.ExistsByCode(ctx, req.Code)
	if err != nil {
		return nil, store.Classify(err, "failed to check subject code")
	}
	if exists {
		return nil, apperr.ErrDuplicateSubjectCode
	}

	subject := &model.Subject{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Code:        req.Code,
		Description: req.Description,
		TeacherID:   teacherID,
	}
	if err := s.repo.Create(ctx, subject); err != nil {
		// A concurrent create with the same code loses here.
		if store.Violates(err, store.ConstraintSubjectCode) {
			return nil, apperr.ErrDuplicateSubjectCode
		}
		return nil, store.Classify(err, "failed to create subject")
	}
	s.logger.Info("subject created", zap.String("subject_id", subject.ID), zap.String("code", subject.Code))
	s.notifier.Notify(ctx, feed.Change{Table: feed.TableSubjects, Op: feed.OpInsert, ID: subject.ID, SubjectID: subject.ID, UserID: teacherID})
	return subject, nil
}

// Get returns a subject by id.
func (s *Service) Get(ctx context.Context, id string) (*model.Subject, error) {
	subject, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Clone(apperr.ErrNotFound, "subject not found")
		}
		return nil, store.Classify(err, "failed to load subject")
	}
	return subject, nil
}

// GetOwned returns a subject only if teacherID owns it.
func (s *Service) GetOwned(ctx context.Context, teacherID, id string) (*model.Subject, error) {
	subject, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if subject.TeacherID != teacherID {
		return nil, apperr.Clone(apperr.ErrForbidden, "subject belongs to another teacher")
	}
	return subject, nil
}

// ListForTeacher returns subjects owned by teacherID.
func (s *Service) ListForTeacher(ctx context.Context, teacherID string) ([]model.Subject, error) {
	subjects, err := s.repo.ListByTeacher(ctx, teacherID)
	if err != nil {
		return nil, store.Classify(err, "failed to list subjects")
	}
	return subjects, nil
}

// ListForStudent returns subjects studentID has joined.
func (s *Service) ListForStudent(ctx context.Context, studentID string) ([]model.Subject, error) {
	subjects, err := s.repo.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, store.Classify(err, "failed to list subjects")
	}
	return subjects, nil
}

// SubjectIDs returns the subjects whose sessions user may follow.
func (s *Service) SubjectIDs(ctx context.Context, userID string, role model.Role) ([]string, error) {
	var (
		subjects []model.Subject
		err      error
	)
	if role == model.RoleTeacher {
		subjects, err = s.ListForTeacher(ctx, userID)
	} else {
		subjects, err = s.ListForStudent(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(subjects))
	for i, subject := range subjects {
		ids[i] = subject.ID
	}
	return ids, nil
}

// Join enrolls studentID in the subject with the given code, case-insensitively.
// Joining twice is not an error.
func (s *Service) Join(ctx context.Context, studentID string, req JoinRequest, now time.Time) (*JoinResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrValidation.Code, apperr.ErrValidation.Status, "invalid join payload")
	}
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if code == "" {
		return nil, apperr.Clone(apperr.ErrValidation, "subject code is required")
	}

	subject, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Clone(apperr.ErrNotFound, "no subject with that code")
		}
		return nil, store.Classify(err, "failed to find subject")
	}
	if err := s.repo.Enroll(ctx, studentID, subject.ID, now); err != nil {
		return nil, store.Classify(err, "failed to join subject")
	}
	s.notifier.Notify(ctx, feed.Change{Table: feed.TableEnrollments, Op: feed.OpInsert, ID: subject.ID, SubjectID: subject.ID, UserID: studentID})

	active, err := s.sessions.ListActiveBySubject(ctx, subject.ID, now)
	if err != nil {
		return nil, store.Classify(err, "failed to list active sessions")
	}
	if active == nil {
		active = []model.SessionView{}
	}
	s.logger.Info("student joined subject", zap.String("student_id", studentID), zap.String("subject_id", subject.ID))
	return &JoinResult{Subject: *subject, ActiveSessions: model.HideCodes(active)}, nil
}
