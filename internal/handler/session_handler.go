package handler

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"

	"otcattendance/internal/apperr"
	"otcattendance/internal/model"
	"otcattendance/internal/response"
	"otcattendance/internal/session"
)

const qrSize = 256

type sessionService interface {
	Create(ctx context.Context, teacherID string, req session.CreateRequest, now time.Time) (*model.SessionView, error)
	Get(ctx context.Context, teacherID, id string) (*model.SessionView, error)
	SetActive(ctx context.Context, teacherID, id string, req session.SetActiveRequest) (*model.SessionView, error)
	ListForTeacher(ctx context.Context, teacherID string) ([]model.SessionView, error)
	ListActiveForStudent(ctx context.Context, studentID string, now time.Time) ([]model.SessionView, error)
	State(view model.SessionView, now time.Time) model.SessionState
}

// sessionResponse carries the lifecycle state evaluated at response time.
type sessionResponse struct {
	model.SessionView
	State model.SessionState `json:"state"`
}

// SessionHandler handles class session endpoints.
type SessionHandler struct {
	service   sessionService
	publicURL string
	now       func() time.Time
}

// NewSessionHandler constructs a session handler. publicURL is the check-in page encoded
// into QR codes; when empty the QR carries the bare code.
func NewSessionHandler(svc sessionService, publicURL string, now func() time.Time) *SessionHandler {
	if now == nil {
		now = time.Now
	}
	return &SessionHandler{service: svc, publicURL: strings.TrimRight(publicURL, "/"), now: now}
}

// Create schedules a session for one of the teacher's subjects.
func (h *SessionHandler) Create(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	var req session.CreateRequest
	if !bind(c, &req) {
		return
	}
	now := h.now()
	view, err := h.service.Create(c.Request.Context(), claims.UserID(), req, now)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, h.present(*view, now))
}

// List returns the teacher's sessions, latest first.
func (h *SessionHandler) List(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	views, err := h.service.ListForTeacher(c.Request.Context(), claims.UserID())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, h.presentAll(views, h.now()))
}

// Active returns sessions the calling student can check in to right now.
func (h *SessionHandler) Active(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	now := h.now()
	views, err := h.service.ListActiveForStudent(c.Request.Context(), claims.UserID(), now)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, h.presentAll(views, now))
}

// SetActive toggles code acceptance.
func (h *SessionHandler) SetActive(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	var req session.SetActiveRequest
	if !bind(c, &req) {
		return
	}
	view, err := h.service.SetActive(c.Request.Context(), claims.UserID(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, h.present(*view, h.now()))
}

// QRCode renders the session's code as a PNG for projection in class.
func (h *SessionHandler) QRCode(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	view, err := h.service.Get(c.Request.Context(), claims.UserID(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	png, err := qrcode.Encode(h.checkinURL(view.OTCCode), qrcode.Medium, qrSize)
	if err != nil {
		response.Error(c, apperr.Wrap(err, apperr.ErrInternal.Code, apperr.ErrInternal.Status, "failed to render qr code"))
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

func (h *SessionHandler) checkinURL(code string) string {
	if h.publicURL == "" {
		return code
	}
	return h.publicURL + "/checkin?code=" + url.QueryEscape(code)
}

func (h *SessionHandler) present(view model.SessionView, now time.Time) sessionResponse {
	return sessionResponse{SessionView: view, State: h.service.State(view, now)}
}

func (h *SessionHandler) presentAll(views []model.SessionView, now time.Time) []sessionResponse {
	out := make([]sessionResponse, len(views))
	for i, v := range views {
		out[i] = h.present(v, now)
	}
	return out
}
