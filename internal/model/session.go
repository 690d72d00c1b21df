package model

import (
	"fmt"
	"time"
)

// Layouts for the date and time columns of a class session.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// ClassSession is a time-boxed teaching event identified by a one-time code.
type ClassSession struct {
	ID          string    `db:"id" json:"id"`
	SubjectID   string    `db:"subject_id" json:"subject_id"`
	SessionDate string    `db:"session_date" json:"session_date"`
	SessionTime string    `db:"session_time" json:"session_time"`
	OTCCode     string    `db:"otc_code" json:"otc_code,omitempty"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	ExpiresAt   time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// SessionView is a session joined with its subject's display fields.
type SessionView struct {
	ClassSession
	SubjectName string `db:"subject_name" json:"subject_name"`
	SubjectCode string `db:"subject_code" json:"subject_code"`
	TeacherID   string `db:"teacher_id" json:"teacher_id"`
}

// WithoutCode returns a copy of v that students may see. The code is only ever shown by the
// teacher in class.
func (v SessionView) WithoutCode() SessionView {
	v.OTCCode = ""
	return v
}

// HideCodes returns copies of views with their codes cleared. views is not modified.
func HideCodes(views []SessionView) []SessionView {
	if views == nil {
		return nil
	}
	out := make([]SessionView, len(views))
	for i, v := range views {
		out[i] = v.WithoutCode()
	}
	return out
}

// SessionState is the lazily evaluated lifecycle state of a session.
type SessionState string

const (
	// SessionScheduled: inactive and not yet started.
	SessionScheduled SessionState = "scheduled"
	// SessionActive: accepting codes.
	SessionActive SessionState = "active"
	// SessionDeactivated: switched off by the teacher after its start.
	SessionDeactivated SessionState = "deactivated"
	// SessionExpired: past expires_at; terminal for code acceptance.
	SessionExpired SessionState = "expired"
)

// StartsAt combines the session date and time in loc.
func (s ClassSession) StartsAt(loc *time.Location) (time.Time, error) {
	return ParseStart(s.SessionDate, s.SessionTime, loc)
}

// ParseStart parses a date and an HH:MM (or HH:MM:SS) time in loc.
func ParseStart(date, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	if len(clock) > len(TimeLayout) {
		clock = clock[:len(TimeLayout)]
	}
	t, err := time.ParseInLocation(DateLayout+" "+TimeLayout, date+" "+clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse session start %q %q: %w", date, clock, err)
	}
	return t, nil
}

// AcceptsCodes reports whether a code for this session may be used at now.
// The expiry instant itself is already expired.
func (s ClassSession) AcceptsCodes(now time.Time) bool {
	return s.IsActive && now.Before(s.ExpiresAt)
}

// State evaluates the lifecycle state at now.
func (s ClassSession) State(now time.Time, loc *time.Location) SessionState {
	if !now.Before(s.ExpiresAt) {
		return SessionExpired
	}
	if s.IsActive {
		return SessionActive
	}
	if start, err := s.StartsAt(loc); err == nil && now.Before(start) {
		return SessionScheduled
	}
	return SessionDeactivated
}
