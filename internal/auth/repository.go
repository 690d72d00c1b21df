package auth

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"otcattendance/internal/model"
	"otcattendance/internal/store"
)

const userColumns = "id, email, full_name, student_number, role, password_hash, created_at"

// Repository persists users and refresh tokens.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a repository instance.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a user. A taken email surfaces as store.ConstraintError.
func (r *Repository) Create(ctx context.Context, user *model.User) error {
	const query = `INSERT INTO users (id, email, full_name, student_number, role, password_hash) VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`
	err := r.db.GetContext(ctx, &user.CreatedAt, query,
		user.ID, user.Email, user.FullName, user.StudentNumber, user.Role, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", store.Normalize(err))
	}
	return nil
}

// FindByEmail returns sql.ErrNoRows when missing.
func (r *Repository) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	if err := r.db.GetContext(ctx, &user, "SELECT "+userColumns+" FROM users WHERE lower(email) = lower($1) LIMIT 1", email); err != nil {
		return nil, err
	}
	return &user, nil
}

// FindByID returns sql.ErrNoRows when missing.
func (r *Repository) FindByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	if err := r.db.GetContext(ctx, &user, "SELECT "+userColumns+" FROM users WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &user, nil
}

// CreateRefreshToken stores a refresh token for rotation checks.
func (r *Repository) CreateRefreshToken(ctx context.Context, token *model.RefreshToken) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO refresh_tokens (token, user_id, expires_at) VALUES ($1, $2, $3)`,
		token.Token, token.UserID, token.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// FindRefreshToken returns sql.ErrNoRows when missing.
func (r *Repository) FindRefreshToken(ctx context.Context, token string) (*model.RefreshToken, error) {
	var t model.RefreshToken
	err := r.db.GetContext(ctx, &t, `SELECT token, user_id, expires_at, revoked, created_at FROM refresh_tokens WHERE token = $1`, token)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// RevokeRefreshToken marks a token revoked and reports whether this call did it, so two
// concurrent refreshes cannot both rotate the same token.
func (r *Repository) RevokeRefreshToken(ctx context.Context, token string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1 AND NOT revoked`, token)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	return n == 1, nil
}
