package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"otcattendance/internal/model"
	"otcattendance/internal/response"
	"otcattendance/internal/subject"
)

type subjectService interface {
	Create(ctx context.Context, teacherID string, req subject.CreateRequest) (*model.Subject, error)
	ListForTeacher(ctx context.Context, teacherID string) ([]model.Subject, error)
	ListForStudent(ctx context.Context, studentID string) ([]model.Subject, error)
	Join(ctx context.Context, studentID string, req subject.JoinRequest, now time.Time) (*subject.JoinResult, error)
}

// SubjectHandler handles subject endpoints.
type SubjectHandler struct {
	service subjectService
	now     func() time.Time
}

// NewSubjectHandler constructs a subject handler.
func NewSubjectHandler(svc subjectService, now func() time.Time) *SubjectHandler {
	if now == nil {
		now = time.Now
	}
	return &SubjectHandler{service: svc, now: now}
}

// Create adds a subject owned by the calling teacher.
func (h *SubjectHandler) Create(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	var req subject.CreateRequest
	if !bind(c, &req) {
		return
	}
	created, err := h.service.Create(c.Request.Context(), claims.UserID(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, created)
}

// List returns owned subjects for teachers and joined subjects for students.
func (h *SubjectHandler) List(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	var (
		subjects []model.Subject
		err      error
	)
	if claims.Role == model.RoleTeacher {
		subjects, err = h.service.ListForTeacher(c.Request.Context(), claims.UserID())
	} else {
		subjects, err = h.service.ListForStudent(c.Request.Context(), claims.UserID())
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	if subjects == nil {
		subjects = []model.Subject{}
	}
	response.JSON(c, http.StatusOK, subjects)
}

// Join enrolls the calling student by subject code.
func (h *SubjectHandler) Join(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	var req subject.JoinRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.service.Join(c.Request.Context(), claims.UserID(), req, h.now())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res)
}
