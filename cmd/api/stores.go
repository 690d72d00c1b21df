package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"otcattendance/internal/attendance"
	"otcattendance/internal/auth"
	"otcattendance/internal/config"
	"otcattendance/internal/handler"
	"otcattendance/internal/memstore"
	"otcattendance/internal/model"
	"otcattendance/internal/session"
	"otcattendance/internal/store"
	"otcattendance/internal/subject"
)

type userStore interface {
	Create(ctx context.Context, user *model.User) error
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	FindByID(ctx context.Context, id string) (*model.User, error)
	CreateRefreshToken(ctx context.Context, token *model.RefreshToken) error
	FindRefreshToken(ctx context.Context, token string) (*model.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, token string) (bool, error)
}

type subjectStore interface {
	Create(ctx context.Context, subject *model.Subject) error
	FindByID(ctx context.Context, id string) (*model.Subject, error)
	FindByCode(ctx context.Context, code string) (*model.Subject, error)
	ExistsByCode(ctx context.Context, code string) (bool, error)
	ListByTeacher(ctx context.Context, teacherID string) ([]model.Subject, error)
	ListByStudent(ctx context.Context, studentID string) ([]model.Subject, error)
	Enroll(ctx context.Context, studentID, subjectID string, at time.Time) error
}

type sessionStore interface {
	CodeInUse(ctx context.Context, code string, now time.Time) (bool, error)
	Create(ctx context.Context, sess *model.ClassSession, now time.Time) error
	FindByID(ctx context.Context, id string) (*model.SessionView, error)
	SetActive(ctx context.Context, id string, active bool) error
	ListByTeacher(ctx context.Context, teacherID string) ([]model.SessionView, error)
	ListActiveForStudent(ctx context.Context, studentID string, now time.Time) ([]model.SessionView, error)
	ListActiveBySubject(ctx context.Context, subjectID string, now time.Time) ([]model.SessionView, error)
	ListBySubjects(ctx context.Context, subjectIDs []string) ([]model.SessionView, error)
	FindUsableByCode(ctx context.Context, code string, now time.Time) ([]model.ClassSession, error)
}

type attendanceStore interface {
	Exists(ctx context.Context, studentID, sessionID string) (bool, error)
	Insert(ctx context.Context, rec *model.AttendanceRecord) error
	FindView(ctx context.Context, id string) (*model.AttendanceView, error)
	ListBySession(ctx context.Context, sessionID string) ([]model.AttendanceView, error)
	ListByStudent(ctx context.Context, studentID string) ([]model.StudentAttendance, error)
}

// stores is the persistence backend selected by STORE_BACKEND.
type stores struct {
	users      userStore
	subjects   subjectStore
	sessions   sessionStore
	attendance attendanceStore
	health     handler.Checker
	close      func() error
}

func openStores(ctx context.Context, cfg config.App, logger *zap.Logger) (*stores, error) {
	switch cfg.StoreBackend {
	case "memory":
		logger.Warn("using in-memory store; data is lost on restart")
		mem := memstore.New()
		return &stores{
			users:      mem.Users(),
			subjects:   mem.Subjects(),
			sessions:   mem.Sessions(),
			attendance: mem.Attendance(),
			health:     mem,
			close:      func() error { return nil },
		}, nil
	case "postgres", "":
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := store.Migrate(ctx, db.Client.DB); err != nil {
			_ = db.Close()
			return nil, err
		}
		return &stores{
			users:      auth.NewRepository(db.Client),
			subjects:   subject.NewRepository(db.Client),
			sessions:   session.NewRepository(db.Client),
			attendance: attendance.NewRepository(db.Client),
			health:     db,
			close:      db.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
}
