// Package handler exposes the HTTP API and the live feed over gin.
package handler

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"otcattendance/internal/apperr"
	"otcattendance/internal/auth"
	"otcattendance/internal/httpmiddleware"
	"otcattendance/internal/logging"
	"otcattendance/internal/metrics"
	"otcattendance/internal/model"
	"otcattendance/internal/observability"
	"otcattendance/internal/response"
)

// Handlers groups every endpoint handler the router mounts.
type Handlers struct {
	Auth       *AuthHandler
	Subjects   *SubjectHandler
	Sessions   *SessionHandler
	Attendance *AttendanceHandler
	Feed       *FeedHandler
	Health     *HealthHandler
}

// RouterConfig carries the cross-cutting settings of the router.
type RouterConfig struct {
	SigningKey     string
	Issuer         string
	AllowedOrigins []string
	Limiter        httpmiddleware.Limiter
	Logger         *zap.Logger
	Production     bool
}

// NewRouter assembles the gin engine.
func NewRouter(cfg RouterConfig, h Handlers) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestIDMiddleware())
	r.Use(logging.GinMiddleware(cfg.Logger, "/healthz", "/metrics"))
	r.Use(metrics.GinMiddleware())
	r.Use(corsMiddleware(cfg.AllowedOrigins))
	r.Use(securityHeaders(cfg.Production))
	r.Use(reportInternalErrors())

	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/healthz", h.Health.Healthz)
	r.NoRoute(func(c *gin.Context) {
		response.Error(c, apperr.Clone(apperr.ErrNotFound, "route not found"))
	})

	v1 := r.Group("/v1")

	public := v1.Group("/auth")
	if cfg.Limiter != nil {
		public.Use(httpmiddleware.RateLimit(cfg.Limiter, httpmiddleware.ClientIPKey))
	}
	public.POST("/register", h.Auth.Register)
	public.POST("/login", h.Auth.Login)
	public.POST("/refresh", h.Auth.Refresh)

	authed := v1.Group("", auth.Authenticate(cfg.SigningKey, cfg.Issuer))
	if cfg.Limiter != nil {
		authed.Use(httpmiddleware.RateLimit(cfg.Limiter, userOrIPKey))
	}
	authed.GET("/auth/me", h.Auth.Me)
	authed.GET("/subjects", h.Subjects.List)

	teacher := authed.Group("", auth.RequireRole(model.RoleTeacher))
	teacher.POST("/subjects", h.Subjects.Create)
	teacher.POST("/sessions", h.Sessions.Create)
	teacher.GET("/sessions", h.Sessions.List)
	teacher.PATCH("/sessions/:id/active", h.Sessions.SetActive)
	teacher.GET("/sessions/:id/qr.png", h.Sessions.QRCode)
	teacher.GET("/sessions/:id/attendance", h.Attendance.ListBySession)
	teacher.GET("/sessions/:id/attendance.xlsx", h.Attendance.Export)

	student := authed.Group("", auth.RequireRole(model.RoleStudent))
	student.POST("/subjects/join", h.Subjects.Join)
	student.GET("/sessions/active", h.Sessions.Active)
	student.POST("/attendance", h.Attendance.Mark)
	student.GET("/attendance/me", h.Attendance.Mine)

	authed.GET("/feed/sessions", h.Feed.Sessions)
	authed.GET("/feed/sessions/:id/attendance", h.Feed.Attendance)

	return r
}

// userOrIPKey buckets authenticated callers by user id so students behind one campus
// NAT do not share a budget.
func userOrIPKey(c *gin.Context) string {
	if claims, ok := auth.ClaimsFrom(c); ok {
		return "user:" + claims.UserID()
	}
	return httpmiddleware.ClientIPKey(c)
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", httpmiddleware.RequestIDHeader},
		ExposeHeaders: []string{"Content-Disposition", httpmiddleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

func securityHeaders(production bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if production {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

// reportInternalErrors forwards unexpected failures to Sentry. Domain errors and
// transient storage errors are expected and stay out of it.
func reportInternalErrors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) == 0 || c.Writer.Status() < http.StatusInternalServerError {
			return
		}
		err := c.Errors.Last().Err
		if !apperr.Internal(err) {
			return
		}
		observability.CaptureErr(err, map[string]string{
			"route":      c.FullPath(),
			"request_id": httpmiddleware.RequestID(c),
		})
	}
}
