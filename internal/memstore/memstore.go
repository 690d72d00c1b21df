// Package memstore keeps every table in process memory. It enforces the same uniqueness
// constraints as the Postgres schema and reports violations with the same errors, so it
// backs STORE_BACKEND=memory and stands in for Postgres in service tests.
package memstore

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"otcattendance/internal/model"
	"otcattendance/internal/store"
)

type enrollmentKey struct{ student, subject string }

type attendanceKey struct{ student, session string }

// Store is the shared state behind the table views.
type Store struct {
	mu sync.RWMutex

	users       map[string]model.User
	tokens      map[string]model.RefreshToken
	subjects    map[string]model.Subject
	sessions    map[string]model.ClassSession
	attendance  map[string]model.AttendanceRecord
	marked      map[attendanceKey]string
	enrollments map[enrollmentKey]model.Enrollment

	now func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:       make(map[string]model.User),
		tokens:      make(map[string]model.RefreshToken),
		subjects:    make(map[string]model.Subject),
		sessions:    make(map[string]model.ClassSession),
		attendance:  make(map[string]model.AttendanceRecord),
		marked:      make(map[attendanceKey]string),
		enrollments: make(map[enrollmentKey]model.Enrollment),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock used for created_at columns.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Healthy always succeeds.
func (s *Store) Healthy(context.Context) bool { return true }

// Users returns the users and refresh_tokens tables.
func (s *Store) Users() *Users { return &Users{s} }

// Subjects returns the subjects and enrollments tables.
func (s *Store) Subjects() *Subjects { return &Subjects{s} }

// Sessions returns the class_sessions table.
func (s *Store) Sessions() *Sessions { return &Sessions{s} }

// Attendance returns the attendance table.
func (s *Store) Attendance() *Attendance { return &Attendance{s} }

// Users implements the auth repository.
type Users struct{ s *Store }

func (u *Users) Create(_ context.Context, user *model.User) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	for _, existing := range u.s.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return &store.ConstraintError{Constraint: store.ConstraintUserEmail}
		}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = u.s.now()
	}
	u.s.users[user.ID] = *user
	return nil
}

func (u *Users) FindByEmail(_ context.Context, email string) (*model.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	for _, user := range u.s.users {
		if strings.EqualFold(user.Email, email) {
			user := user
			return &user, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (u *Users) FindByID(_ context.Context, id string) (*model.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	user, ok := u.s.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &user, nil
}

func (u *Users) CreateRefreshToken(_ context.Context, token *model.RefreshToken) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if token.CreatedAt.IsZero() {
		token.CreatedAt = u.s.now()
	}
	u.s.tokens[token.Token] = *token
	return nil
}

func (u *Users) FindRefreshToken(_ context.Context, token string) (*model.RefreshToken, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	t, ok := u.s.tokens[token]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &t, nil
}

// RevokeRefreshToken reports whether this call revoked it.
func (u *Users) RevokeRefreshToken(_ context.Context, token string) (bool, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	t, ok := u.s.tokens[token]
	if !ok || t.Revoked {
		return false, nil
	}
	t.Revoked = true
	u.s.tokens[token] = t
	return true, nil
}

// Subjects implements the subject repository.
type Subjects struct{ s *Store }

func (r *Subjects) Create(_ context.Context, subject *model.Subject) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.subjects {
		if existing.Code == subject.Code {
			return &store.ConstraintError{Constraint: store.ConstraintSubjectCode}
		}
	}
	if subject.CreatedAt.IsZero() {
		subject.CreatedAt = r.s.now()
	}
	r.s.subjects[subject.ID] = *subject
	return nil
}

func (r *Subjects) FindByID(_ context.Context, id string) (*model.Subject, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	subject, ok := r.s.subjects[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &subject, nil
}

func (r *Subjects) FindByCode(_ context.Context, code string) (*model.Subject, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, subject := range r.s.subjects {
		if subject.Code == code {
			subject := subject
			return &subject, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r *Subjects) ExistsByCode(ctx context.Context, code string) (bool, error) {
	_, err := r.FindByCode(ctx, code)
	return err == nil, nil
}

func (r *Subjects) ListByTeacher(_ context.Context, teacherID string) ([]model.Subject, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []model.Subject
	for _, subject := range r.s.subjects {
		if subject.TeacherID == teacherID {
			out = append(out, subject)
		}
	}
	sortSubjects(out)
	return out, nil
}

func (r *Subjects) ListByStudent(_ context.Context, studentID string) ([]model.Subject, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []model.Subject
	for key := range r.s.enrollments {
		if key.student != studentID {
			continue
		}
		if subject, ok := r.s.subjects[key.subject]; ok {
			out = append(out, subject)
		}
	}
	sortSubjects(out)
	return out, nil
}

// Enroll is idempotent.
func (r *Subjects) Enroll(_ context.Context, studentID, subjectID string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.subjects[subjectID]; !ok {
		return sql.ErrNoRows
	}
	key := enrollmentKey{studentID, subjectID}
	if _, ok := r.s.enrollments[key]; !ok {
		r.s.enrollments[key] = model.Enrollment{StudentID: studentID, SubjectID: subjectID, JoinedAt: at}
	}
	return nil
}

func sortSubjects(out []model.Subject) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Code < out[j].Code
	})
}

// Sessions implements the session repository.
type Sessions struct{ s *Store }

func (r *Sessions) CodeInUse(_ context.Context, code string, now time.Time) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.codeHeld(code, now), nil
}

func (r *Sessions) codeHeld(code string, now time.Time) bool {
	for _, sess := range r.s.sessions {
		if sess.OTCCode == code && now.Before(sess.ExpiresAt) {
			return true
		}
	}
	return false
}

// Create inserts sess unless its code is held by a session that has not expired at now.
func (r *Sessions) Create(_ context.Context, sess *model.ClassSession, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.subjects[sess.SubjectID]; !ok {
		return sql.ErrNoRows
	}
	if r.codeHeld(sess.OTCCode, now) {
		return &store.ConstraintError{Constraint: store.ConstraintActiveSessionCode}
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = r.s.now()
	}
	r.s.sessions[sess.ID] = *sess
	return nil
}

func (r *Sessions) FindByID(_ context.Context, id string) (*model.SessionView, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	view := r.view(sess)
	return &view, nil
}

func (r *Sessions) SetActive(_ context.Context, id string, active bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return sql.ErrNoRows
	}
	sess.IsActive = active
	r.s.sessions[id] = sess
	return nil
}

func (r *Sessions) ListByTeacher(_ context.Context, teacherID string) ([]model.SessionView, error) {
	return r.list(func(v model.SessionView) bool { return v.TeacherID == teacherID }, true), nil
}

func (r *Sessions) ListActiveForStudent(_ context.Context, studentID string, now time.Time) ([]model.SessionView, error) {
	return r.list(func(v model.SessionView) bool {
		_, enrolled := r.s.enrollments[enrollmentKey{studentID, v.SubjectID}]
		return enrolled && v.AcceptsCodes(now)
	}, false), nil
}

func (r *Sessions) ListActiveBySubject(_ context.Context, subjectID string, now time.Time) ([]model.SessionView, error) {
	return r.list(func(v model.SessionView) bool {
		return v.SubjectID == subjectID && v.AcceptsCodes(now)
	}, false), nil
}

func (r *Sessions) ListBySubjects(_ context.Context, subjectIDs []string) ([]model.SessionView, error) {
	set := make(map[string]bool, len(subjectIDs))
	for _, id := range subjectIDs {
		set[id] = true
	}
	return r.list(func(v model.SessionView) bool { return set[v.SubjectID] }, true), nil
}

func (r *Sessions) FindUsableByCode(_ context.Context, code string, now time.Time) ([]model.ClassSession, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []model.ClassSession
	for _, sess := range r.s.sessions {
		if sess.OTCCode == code && sess.AcceptsCodes(now) {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (r *Sessions) view(sess model.ClassSession) model.SessionView {
	subject := r.s.subjects[sess.SubjectID]
	return model.SessionView{
		ClassSession: sess,
		SubjectName:  subject.Name,
		SubjectCode:  subject.Code,
		TeacherID:    subject.TeacherID,
	}
}

func (r *Sessions) list(keep func(model.SessionView) bool, newestFirst bool) []model.SessionView {
	r.s.mu.RLock()
	var out []model.SessionView
	for _, sess := range r.s.sessions {
		if v := r.view(sess); keep(v) {
			out = append(out, v)
		}
	}
	r.s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if newestFirst {
			a, b = b, a
		}
		if a.SessionDate != b.SessionDate {
			return a.SessionDate < b.SessionDate
		}
		if a.SessionTime != b.SessionTime {
			return a.SessionTime < b.SessionTime
		}
		return a.ID < b.ID
	})
	return out
}

// Attendance implements the attendance repository.
type Attendance struct{ s *Store }

func (r *Attendance) Exists(_ context.Context, studentID, sessionID string) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	_, ok := r.s.marked[attendanceKey{studentID, sessionID}]
	return ok, nil
}

// Insert enforces the (student_id, session_id) uniqueness constraint.
func (r *Attendance) Insert(_ context.Context, rec *model.AttendanceRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := attendanceKey{rec.StudentID, rec.SessionID}
	if _, ok := r.s.marked[key]; ok {
		return &store.ConstraintError{Constraint: store.ConstraintAttendanceUnique}
	}
	if _, ok := r.s.sessions[rec.SessionID]; !ok {
		return sql.ErrNoRows
	}
	r.s.marked[key] = rec.ID
	r.s.attendance[rec.ID] = *rec
	return nil
}

func (r *Attendance) FindView(_ context.Context, id string) (*model.AttendanceView, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	rec, ok := r.s.attendance[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	view := r.view(rec)
	return &view, nil
}

func (r *Attendance) ListBySession(_ context.Context, sessionID string) ([]model.AttendanceView, error) {
	r.s.mu.RLock()
	var out []model.AttendanceView
	for _, rec := range r.s.attendance {
		if rec.SessionID == sessionID {
			out = append(out, r.view(rec))
		}
	}
	r.s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].MarkedAt.Equal(out[j].MarkedAt) {
			return out[i].MarkedAt.After(out[j].MarkedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *Attendance) ListByStudent(_ context.Context, studentID string) ([]model.StudentAttendance, error) {
	r.s.mu.RLock()
	var out []model.StudentAttendance
	for _, rec := range r.s.attendance {
		if rec.StudentID != studentID {
			continue
		}
		sess := r.s.sessions[rec.SessionID]
		subject := r.s.subjects[sess.SubjectID]
		out = append(out, model.StudentAttendance{
			AttendanceRecord: rec,
			SessionDate:      sess.SessionDate,
			SessionTime:      sess.SessionTime,
			SubjectName:      subject.Name,
			SubjectCode:      subject.Code,
		})
	}
	r.s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].MarkedAt.After(out[j].MarkedAt) })
	return out, nil
}

func (r *Attendance) view(rec model.AttendanceRecord) model.AttendanceView {
	user := r.s.users[rec.StudentID]
	return model.AttendanceView{
		AttendanceRecord: rec,
		StudentName:      user.FullName,
		StudentNumber:    user.StudentNumber,
		SubjectID:        r.s.sessions[rec.SessionID].SubjectID,
	}
}
