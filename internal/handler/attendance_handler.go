package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"otcattendance/internal/attendance"
	"otcattendance/internal/model"
	"otcattendance/internal/response"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type attendanceRecorder interface {
	MarkPresent(ctx context.Context, studentID, code string, now time.Time) (*model.AttendanceRecord, error)
}

type attendanceService interface {
	ListBySession(ctx context.Context, teacherID, sessionID string) ([]model.AttendanceView, error)
	ListForStudent(ctx context.Context, studentID string) ([]model.StudentAttendance, error)
	Export(ctx context.Context, teacherID, sessionID string, loc *time.Location) (*attendance.Export, error)
}

// AttendanceHandler handles check-in and attendance queries.
type AttendanceHandler struct {
	recorder attendanceRecorder
	service  attendanceService
	loc      *time.Location
	now      func() time.Time
}

// NewAttendanceHandler constructs an attendance handler. loc formats exported timestamps.
func NewAttendanceHandler(recorder attendanceRecorder, svc attendanceService, loc *time.Location, now func() time.Time) *AttendanceHandler {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.UTC
	}
	return &AttendanceHandler{recorder: recorder, service: svc, loc: loc, now: now}
}

// Mark checks the calling student in with a session code.
func (h *AttendanceHandler) Mark(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	var req attendance.MarkRequest
	if !bind(c, &req) {
		return
	}
	rec, err := h.recorder.MarkPresent(c.Request.Context(), claims.UserID(), req.Code, h.now())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, rec)
}

// ListBySession returns the attendance of a session the teacher owns.
func (h *AttendanceHandler) ListBySession(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	views, err := h.service.ListBySession(c.Request.Context(), claims.UserID(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if views == nil {
		views = []model.AttendanceView{}
	}
	response.JSON(c, http.StatusOK, views, map[string]interface{}{"count": len(views)})
}

// Export downloads a session's attendance as a spreadsheet.
func (h *AttendanceHandler) Export(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	export, err := h.service.Export(c.Request.Context(), claims.UserID(), c.Param("id"), h.loc)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, xlsxContentType, export.Data)
}

// Mine returns the calling student's attendance history.
func (h *AttendanceHandler) Mine(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	rows, err := h.service.ListForStudent(c.Request.Context(), claims.UserID())
	if err != nil {
		response.Error(c, err)
		return
	}
	if rows == nil {
		rows = []model.StudentAttendance{}
	}
	response.JSON(c, http.StatusOK, rows)
}
