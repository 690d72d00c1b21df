package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otcattendance/internal/apperr"
	"otcattendance/internal/memstore"
	"otcattendance/internal/model"
)

const testKey = "test-signing-key"

func newService() *Service {
	return NewService(memstore.New().Users(), nil, nil, Config{Issuer: "otc", SigningKey: testKey, AccessTTL: time.Minute, RefreshTTL: time.Hour})
}

func register(t *testing.T, svc *Service, email string, role model.Role) *model.User {
	t.Helper()
	user, err := svc.Register(context.Background(), RegisterRequest{Email: email, Password: "correct horse", FullName: "Ada Lovelace", Role: role})
	require.NoError(t, err)
	return user
}

func TestRegisterAndLogin(t *testing.T) {
	svc := newService()
	user := register(t, svc, "Ada@Example.com", model.RoleTeacher)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.NotEqual(t, "correct horse", user.PasswordHash)

	res, err := svc.Login(context.Background(), LoginRequest{Email: "ada@example.com", Password: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, user.ID, res.User.ID)

	claims, err := svc.Verify(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID())
	assert.Equal(t, model.RoleTeacher, claims.Role)

	_, err = svc.Verify(res.RefreshToken)
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized), "refresh token must not authenticate requests")
}

func TestRegisterRejectsDuplicatesAndBadInput(t *testing.T) {
	svc := newService()
	register(t, svc, "ada@example.com", model.RoleStudent)

	_, err := svc.Register(context.Background(), RegisterRequest{Email: "ADA@example.com", Password: "correct horse", FullName: "X", Role: model.RoleStudent})
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	_, err = svc.Register(context.Background(), RegisterRequest{Email: "b@example.com", Password: "short", FullName: "X", Role: model.RoleStudent})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = svc.Register(context.Background(), RegisterRequest{Email: "c@example.com", Password: "correct horse", FullName: "X", Role: "admin"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestLoginWrongPassword(t *testing.T) {
	svc := newService()
	register(t, svc, "ada@example.com", model.RoleStudent)

	_, err := svc.Login(context.Background(), LoginRequest{Email: "ada@example.com", Password: "wrong password"})
	assert.True(t, errors.Is(err, apperr.ErrInvalidCredentials))
	_, err = svc.Login(context.Background(), LoginRequest{Email: "nobody@example.com", Password: "x"})
	assert.True(t, errors.Is(err, apperr.ErrInvalidCredentials))
}

func TestRefreshRotatesOnce(t *testing.T) {
	svc := newService()
	register(t, svc, "ada@example.com", model.RoleStudent)
	res, err := svc.Login(context.Background(), LoginRequest{Email: "ada@example.com", Password: "correct horse"})
	require.NoError(t, err)

	rotated, err := svc.Refresh(context.Background(), RefreshRequest{RefreshToken: res.RefreshToken})
	require.NoError(t, err)
	assert.NotEqual(t, res.RefreshToken, rotated.RefreshToken)

	_, err = svc.Refresh(context.Background(), RefreshRequest{RefreshToken: res.RefreshToken})
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))

	_, err = svc.Refresh(context.Background(), RefreshRequest{RefreshToken: rotated.AccessToken})
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))
}

func TestParseRejectsForeignTokens(t *testing.T) {
	pair, err := Issue("user-1", model.RoleStudent, "otc", testKey, time.Minute, time.Hour)
	require.NoError(t, err)

	_, err = Parse(pair.AccessToken, "other-key", "otc", TokenAccess)
	assert.Error(t, err)
	_, err = Parse(pair.AccessToken, testKey, "someone-else", TokenAccess)
	assert.Error(t, err)

	expired, err := Issue("user-1", model.RoleStudent, "otc", testKey, -time.Minute, time.Hour)
	require.NoError(t, err)
	_, err = Parse(expired.AccessToken, testKey, "otc", TokenAccess)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	pair, err := Issue("student-1", model.RoleStudent, "otc", testKey, time.Minute, time.Hour)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/teacher", Authenticate(testKey, "otc"), RequireRole(model.RoleTeacher), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/student", Authenticate(testKey, "otc"), RequireRole(model.RoleStudent), func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		require.True(t, ok)
		c.String(http.StatusOK, claims.UserID())
	})

	do := func(path, header string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, do("/student", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do("/student", "Bearer garbage").Code)
	assert.Equal(t, http.StatusForbidden, do("/teacher", "Bearer "+pair.AccessToken).Code)

	ok := do("/student", "Bearer "+pair.AccessToken)
	assert.Equal(t, http.StatusOK, ok.Code)
	assert.Equal(t, "student-1", ok.Body.String())

	// query tokens only count on websocket upgrades
	assert.Equal(t, http.StatusUnauthorized, do("/student?access_token="+pair.AccessToken, "").Code)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/student?access_token="+pair.AccessToken, nil)
	req.Header.Set("Upgrade", "websocket")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
