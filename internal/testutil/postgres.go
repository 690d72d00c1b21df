//go:build integration

// Package testutil starts throwaway Postgres instances for integration tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"otcattendance/internal/model"
	"otcattendance/internal/store"
)

// Postgres starts a migrated database and returns a handle closed with the test.
func Postgres(t *testing.T) *sqlx.DB {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg, err := postgres.RunContainer(ctx,
		tc.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("attendance"),
		postgres.WithUsername("attendance"),
		postgres.WithPassword("attendance"),
		tc.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(time.Minute)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		_ = pg.Terminate(stopCtx)
	})

	uri, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := store.NewDB(ctx, uri)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(ctx, db.Client.DB))
	return db.Client
}

// Seed inserts a user row directly and returns it.
func Seed(t *testing.T, db *sqlx.DB, role model.Role, name string) model.User {
	t.Helper()
	u := model.User{ID: uuid.NewString(), Email: uuid.NewString() + "@example.edu", FullName: name, Role: role, PasswordHash: "x"}
	_, err := db.Exec(`INSERT INTO users (id, email, full_name, role, password_hash) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Email, u.FullName, u.Role, u.PasswordHash)
	require.NoError(t, err)
	return u
}
