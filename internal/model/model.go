package model

import "time"

// Role distinguishes the two kinds of users.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleTeacher || r == RoleStudent }

// User is an account known to the identity provider.
type User struct {
	ID            string    `db:"id" json:"id"`
	Email         string    `db:"email" json:"email"`
	FullName      string    `db:"full_name" json:"full_name"`
	StudentNumber string    `db:"student_number" json:"student_number,omitempty"`
	Role          Role      `db:"role" json:"role"`
	PasswordHash  string    `db:"password_hash" json:"-"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Subject is a course owned by one teacher.
type Subject struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Code        string    `db:"code" json:"code"`
	Description string    `db:"description" json:"description"`
	TeacherID   string    `db:"teacher_id" json:"teacher_id"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Enrollment links a student to a subject whose sessions they follow.
type Enrollment struct {
	StudentID string    `db:"student_id" json:"student_id"`
	SubjectID string    `db:"subject_id" json:"subject_id"`
	JoinedAt  time.Time `db:"joined_at" json:"joined_at"`
}

// AttendanceStatusPresent is the status written by self check-in.
const AttendanceStatusPresent = "present"

// AttendanceRecord is one student's attendance for one session.
type AttendanceRecord struct {
	ID        string    `db:"id" json:"id"`
	StudentID string    `db:"student_id" json:"student_id"`
	SessionID string    `db:"session_id" json:"session_id"`
	Status    string    `db:"status" json:"status"`
	MarkedAt  time.Time `db:"marked_at" json:"marked_at"`
}

// AttendanceView is an attendance record joined with the student's display fields.
type AttendanceView struct {
	AttendanceRecord
	StudentName   string `db:"student_name" json:"student_name"`
	StudentNumber string `db:"student_number" json:"student_number"`
	SubjectID     string `db:"subject_id" json:"subject_id"`
}

// StudentAttendance is a student's own history row joined with session and subject fields.
type StudentAttendance struct {
	AttendanceRecord
	SessionDate string `db:"session_date" json:"session_date"`
	SessionTime string `db:"session_time" json:"session_time"`
	SubjectName string `db:"subject_name" json:"subject_name"`
	SubjectCode string `db:"subject_code" json:"subject_code"`
}

// RefreshToken is a single-use token exchanged for a new access token.
type RefreshToken struct {
	Token     string    `db:"token" json:"-"`
	UserID    string    `db:"user_id" json:"user_id"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	Revoked   bool      `db:"revoked" json:"revoked"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
