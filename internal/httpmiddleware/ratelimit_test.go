package httpmiddleware

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
)

func TestSimpleTokenBucketRefills(t *testing.T) {
	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	l := NewSimpleTokenBucket(2, 60)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "k")
	assert.False(t, ok)

	other, _ := l.Allow(ctx, "other")
	assert.True(t, other)

	now = now.Add(time.Second)
	ok, _ = l.Allow(ctx, "k")
	assert.True(t, ok)
}

type stubLimiter struct {
	allow bool
	err   error
}

func (s stubLimiter) Allow(context.Context, string) (bool, error) { return s.allow, s.err }

func serve(t *testing.T, l Limiter) int {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware(), RateLimit(l, nil))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	return w.Code
}

func TestRateLimitMiddleware(t *testing.T) {
	assert.Equal(t, http.StatusOK, serve(t, stubLimiter{allow: true}))
	assert.Equal(t, http.StatusTooManyRequests, serve(t, stubLimiter{allow: false}))
	assert.Equal(t, http.StatusOK, serve(t, stubLimiter{err: errors.New("redis down")}))
}
