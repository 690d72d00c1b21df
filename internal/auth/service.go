// Package auth is the identity boundary: accounts, passwords and tokens.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"otcattendance/internal/apperr"
	"otcattendance/internal/model"
	"otcattendance/internal/store"
)

type userRepository interface {
	Create(ctx context.Context, user *model.User) error
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	FindByID(ctx context.Context, id string) (*model.User, error)
	CreateRefreshToken(ctx context.Context, token *model.RefreshToken) error
	FindRefreshToken(ctx context.Context, token string) (*model.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, token string) (bool, error)
}

// Config defines token settings.
type Config struct {
	Issuer     string
	SigningKey string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// RegisterRequest creates an account.
type RegisterRequest struct {
	Email         string     `json:"email" validate:"required,email"`
	Password      string     `json:"password" validate:"required,min=8,max=72"`
	FullName      string     `json:"full_name" validate:"required,max=120"`
	Role          model.Role `json:"role" validate:"required,oneof=teacher student"`
	StudentNumber string     `json:"student_number" validate:"max=40"`
}

// LoginRequest exchanges credentials for tokens.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// RefreshRequest exchanges a refresh token for a new pair.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// LoginResponse is returned by Login and Refresh.
type LoginResponse struct {
	TokenPair
	User model.User `json:"user"`
}

// Service provides authentication use cases.
type Service struct {
	repo      userRepository
	validator *validator.Validate
	logger    *zap.Logger
	cfg       Config
}

// NewService constructs a Service.
func NewService(repo userRepository, validate *validator.Validate, logger *zap.Logger, cfg Config) *Service {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	return &Service{repo: repo, validator: validate, logger: logger, cfg: cfg}
}

// Register creates a teacher or student account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*model.User, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.FullName = strings.TrimSpace(req.FullName)
	req.StudentNumber = strings.TrimSpace(req.StudentNumber)
	if err := s.validator.Struct(req); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrValidation.Code, apperr.ErrValidation.Status, "invalid registration payload")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrInternal.Code, apperr.ErrInternal.Status, "failed to hash password")
	}
	user := &model.User{
		ID:            uuid.NewString(),
		Email:         req.Email,
		FullName:      req.FullName,
		StudentNumber: req.StudentNumber,
		Role:          req.Role,
		PasswordHash:  string(hash),
	}
	if err := s.repo.Create(ctx, user); err != nil {
		if store.Violates(err, store.ConstraintUserEmail) {
			return nil, apperr.Clone(apperr.ErrConflict, "email already registered")
		}
		return nil, store.Classify(err, "failed to create user")
	}
	s.logger.Info("user registered", zap.String("user_id", user.ID), zap.String("role", string(user.Role)))
	return user, nil
}

// Login authenticates a user and returns issued tokens.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrValidation.Code, apperr.ErrValidation.Status, "invalid login payload")
	}
	user, err := s.repo.FindByEmail(ctx, strings.TrimSpace(req.Email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrInvalidCredentials
		}
		return nil, store.Classify(err, "failed to fetch user")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, apperr.ErrInvalidCredentials
	}
	return s.issue(ctx, user)
}

// Refresh rotates a refresh token. Each refresh token works once.
func (s *Service) Refresh(ctx context.Context, req RefreshRequest) (*LoginResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrValidation.Code, apperr.ErrValidation.Status, "invalid refresh payload")
	}
	claims, err := Parse(req.RefreshToken, s.cfg.SigningKey, s.cfg.Issuer, TokenRefresh)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrUnauthorized.Code, apperr.ErrUnauthorized.Status, "invalid refresh token")
	}
	stored, err := s.repo.FindRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Clone(apperr.ErrUnauthorized, "refresh token not found")
		}
		return nil, store.Classify(err, "failed to fetch refresh token")
	}
	if stored.Revoked || !time.Now().Before(stored.ExpiresAt) || stored.UserID != claims.UserID() {
		return nil, apperr.Clone(apperr.ErrUnauthorized, "refresh token is expired or revoked")
	}
	revoked, err := s.repo.RevokeRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		return nil, store.Classify(err, "failed to revoke refresh token")
	}
	if !revoked {
		return nil, apperr.Clone(apperr.ErrUnauthorized, "refresh token already used")
	}
	user, err := s.repo.FindByID(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Clone(apperr.ErrUnauthorized, "associated user no longer exists")
		}
		return nil, store.Classify(err, "failed to load user")
	}
	return s.issue(ctx, user)
}

// Me returns the caller's account.
func (s *Service) Me(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Clone(apperr.ErrNotFound, "user not found")
		}
		return nil, store.Classify(err, "failed to load user")
	}
	return user, nil
}

// Verify parses an access token.
func (s *Service) Verify(token string) (Claims, error) {
	claims, err := Parse(token, s.cfg.SigningKey, s.cfg.Issuer, TokenAccess)
	if err != nil {
		return Claims{}, apperr.Wrap(err, apperr.ErrUnauthorized.Code, apperr.ErrUnauthorized.Status, "invalid token")
	}
	return claims, nil
}

func (s *Service) issue(ctx context.Context, user *model.User) (*LoginResponse, error) {
	pair, err := Issue(user.ID, user.Role, s.cfg.Issuer, s.cfg.SigningKey, s.cfg.AccessTTL, s.cfg.RefreshTTL)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrInternal.Code, apperr.ErrInternal.Status, "failed to issue tokens")
	}
	if err := s.repo.CreateRefreshToken(ctx, &model.RefreshToken{
		Token:     pair.RefreshToken,
		UserID:    user.ID,
		ExpiresAt: pair.RefreshExp,
	}); err != nil {
		return nil, store.Classify(err, "failed to persist refresh token")
	}
	return &LoginResponse{TokenPair: pair, User: *user}, nil
}
