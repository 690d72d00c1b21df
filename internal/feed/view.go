package feed

import (
	"sort"
	"sync"

	"otcattendance/internal/model"
)

// View is a receiver-side index of feed rows keyed by id. Applying an event touches one
// row, so a dashboard never refetches whole lists.
type View struct {
	mu         sync.RWMutex
	sessions   map[string]model.SessionView
	attendance map[string]model.AttendanceView
}

// NewView returns an empty view.
func NewView() *View {
	return &View{
		sessions:   make(map[string]model.SessionView),
		attendance: make(map[string]model.AttendanceView),
	}
}

// Apply folds ev into the view. Inserts for a known id replace it, so an event repeated
// after a snapshot is harmless.
func (v *View) Apply(ev Event) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch ev.Kind {
	case KindSnapshot:
		switch ev.Topic {
		case TopicSessions:
			v.sessions = make(map[string]model.SessionView, len(ev.Sessions))
			for _, s := range ev.Sessions {
				v.sessions[s.ID] = s
			}
		case TopicAttendance:
			v.attendance = make(map[string]model.AttendanceView, len(ev.Records))
			for _, r := range ev.Records {
				v.attendance[r.ID] = r
			}
		}
	case KindInsert, KindUpdate:
		if ev.Session != nil {
			v.sessions[ev.Session.ID] = *ev.Session
		}
		if ev.Attendance != nil {
			v.attendance[ev.Attendance.ID] = *ev.Attendance
		}
	}
}

// Sessions returns sessions newest first by scheduled date and time.
func (v *View) Sessions() []model.SessionView {
	v.mu.RLock()
	out := make([]model.SessionView, 0, len(v.sessions))
	for _, s := range v.sessions {
		out = append(out, s)
	}
	v.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SessionDate != b.SessionDate {
			return a.SessionDate > b.SessionDate
		}
		if a.SessionTime != b.SessionTime {
			return a.SessionTime > b.SessionTime
		}
		return a.ID < b.ID
	})
	return out
}

// Attendance returns records most recently marked first.
func (v *View) Attendance() []model.AttendanceView {
	v.mu.RLock()
	out := make([]model.AttendanceView, 0, len(v.attendance))
	for _, r := range v.attendance {
		out = append(out, r)
	}
	v.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].MarkedAt.Equal(out[j].MarkedAt) {
			return out[i].MarkedAt.After(out[j].MarkedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Session returns one session by id.
func (v *View) Session(id string) (model.SessionView, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.sessions[id]
	return s, ok
}
