package attendance

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"otcattendance/internal/apperr"
	"otcattendance/internal/model"
	"otcattendance/internal/store"
)

const exportSheet = "Attendance"

var exportHeader = []string{"Student", "Student number", "Status", "Marked at"}

// Export is a rendered attendance sheet.
type Export struct {
	Filename string
	Data     []byte
}

// Export renders a session's attendance as an XLSX workbook.
func (s *Service) Export(ctx context.Context, teacherID, sessionID string, loc *time.Location) (*Export, error) {
	session, err := s.ownedSession(ctx, teacherID, sessionID)
	if err != nil {
		return nil, err
	}
	views, err := s.records.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, store.Classify(err, "failed to list attendance")
	}
	data, err := renderWorkbook(*session, views, loc)
	if err != nil {
		s.logger.Error("render attendance workbook", zap.String("session_id", sessionID), zap.Error(err))
		return nil, apperr.Wrap(err, apperr.ErrInternal.Code, apperr.ErrInternal.Status, "failed to render export")
	}
	return &Export{
		Filename: fmt.Sprintf("attendance_%s_%s_%s.xlsx", session.SubjectCode, session.SessionDate, session.OTCCode),
		Data:     data,
	}, nil
}

func renderWorkbook(session model.SessionView, views []model.AttendanceView, loc *time.Location) ([]byte, error) {
	if loc == nil {
		loc = time.UTC
	}
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	title := fmt.Sprintf("%s (%s) %s %s", session.SubjectName, session.SubjectCode, session.SessionDate, session.SessionTime)
	if err := f.SetCellStr(exportSheet, "A1", title); err != nil {
		return nil, fmt.Errorf("set title: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("new style: %w", err)
	}
	_ = f.SetCellStyle(exportSheet, "A1", "A1", bold)

	const headerRow = 3
	for col, h := range exportHeader {
		cell, _ := excelize.CoordinatesToCellName(col+1, headerRow)
		if err := f.SetCellStr(exportSheet, cell, h); err != nil {
			return nil, fmt.Errorf("set header %s: %w", cell, err)
		}
	}
	first, _ := excelize.CoordinatesToCellName(1, headerRow)
	last, _ := excelize.CoordinatesToCellName(len(exportHeader), headerRow)
	_ = f.SetCellStyle(exportSheet, first, last, bold)

	for i, v := range views {
		row := []string{v.StudentName, v.StudentNumber, v.Status, v.MarkedAt.In(loc).Format("2006-01-02 15:04:05")}
		for col, val := range row {
			cell, _ := excelize.CoordinatesToCellName(col+1, headerRow+1+i)
			if err := f.SetCellStr(exportSheet, cell, val); err != nil {
				return nil, fmt.Errorf("set cell %s: %w", cell, err)
			}
		}
	}
	_ = f.SetColWidth(exportSheet, "A", "A", 32)
	_ = f.SetColWidth(exportSheet, "B", "D", 20)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
