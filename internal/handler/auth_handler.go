package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"otcattendance/internal/apperr"
	"otcattendance/internal/auth"
	"otcattendance/internal/model"
	"otcattendance/internal/response"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*model.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (*auth.LoginResponse, error)
	Refresh(ctx context.Context, req auth.RefreshRequest) (*auth.LoginResponse, error)
	Me(ctx context.Context, userID string) (*model.User, error)
}

// AuthHandler exposes account endpoints.
type AuthHandler struct {
	service authService
}

// NewAuthHandler constructs an auth handler.
func NewAuthHandler(svc authService) *AuthHandler {
	return &AuthHandler{service: svc}
}

// Register creates an account.
func (h *AuthHandler) Register(c *gin.Context) {
	var req auth.RegisterRequest
	if !bind(c, &req) {
		return
	}
	user, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, user)
}

// Login exchanges credentials for a token pair.
func (h *AuthHandler) Login(c *gin.Context) {
	var req auth.LoginRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.service.Login(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res)
}

// Refresh rotates a refresh token.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req auth.RefreshRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.service.Refresh(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res)
}

// Me returns the authenticated account.
func (h *AuthHandler) Me(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	user, err := h.service.Me(c.Request.Context(), claims.UserID())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, user)
}

// bind decodes a JSON body, writing a validation error on failure. Field rules are
// enforced by the services so handlers only reject malformed JSON here.
func bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		response.Error(c, apperr.Wrap(err, apperr.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return false
	}
	return true
}

// caller returns the verified identity, writing 401 when absent.
func caller(c *gin.Context) (auth.Claims, bool) {
	claims, ok := auth.ClaimsFrom(c)
	if !ok {
		response.Error(c, apperr.ErrUnauthorized)
		return auth.Claims{}, false
	}
	return claims, true
}
