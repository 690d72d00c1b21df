// Package feed relays session and attendance changes to live subscribers.
//
// A subscription always starts with a snapshot of its topic. Changes that arrive while the
// snapshot is loading are held back and delivered after it, so a subscriber never misses a
// row between the snapshot and the first delta. Delivery never blocks the relay: a
// subscriber whose buffer is full is marked lagged and receives a fresh snapshot instead of
// the events it missed.
package feed

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"go.uber.org/zap"

	"otcattendance/internal/apperr"
	"otcattendance/internal/bus"
	"otcattendance/internal/metrics"
	"otcattendance/internal/model"
	"otcattendance/internal/store"
)

// TopicKind selects which rows a subscription follows.
type TopicKind string

const (
	TopicSessions   TopicKind = "sessions"
	TopicAttendance TopicKind = "attendance"
)

// Topic is what a subscriber listens to.
type Topic struct {
	Kind       TopicKind
	SubjectIDs []string
	SessionID  string
	// UserID, when set on a sessions topic, replaces SubjectIDs with the user's current
	// subjects, re-resolved on every snapshot.
	UserID string
	// Role of the subscriber. Session codes are only delivered to teachers.
	Role model.Role
}

// SessionsTopic follows inserts and updates of sessions belonging to the given subjects.
func SessionsTopic(subjectIDs ...string) Topic {
	return Topic{Kind: TopicSessions, SubjectIDs: subjectIDs}
}

// UserSessionsTopic follows sessions of the subjects userID owns (teacher) or has joined
// (student), including subjects gained after subscribing.
func UserSessionsTopic(userID string, role model.Role) Topic {
	return Topic{Kind: TopicSessions, UserID: userID, Role: role}
}

// AttendanceTopic follows attendance inserts for one session.
func AttendanceTopic(sessionID string) Topic {
	return Topic{Kind: TopicAttendance, SessionID: sessionID}
}

func (t Topic) validate() error {
	switch t.Kind {
	case TopicSessions:
		if t.UserID != "" && !t.Role.Valid() {
			return apperr.Clone(apperr.ErrValidation, "subscriber role is required")
		}
		return nil
	case TopicAttendance:
		if t.SessionID == "" {
			return apperr.Clone(apperr.ErrValidation, "session id is required")
		}
		return nil
	default:
		return apperr.Clone(apperr.ErrValidation, "unknown feed topic")
	}
}

func (t Topic) showsCodes() bool {
	return t.Role == model.RoleTeacher
}

// EventKind tells the receiver how to apply an event.
type EventKind string

const (
	// KindSnapshot replaces everything the receiver holds for the topic.
	KindSnapshot EventKind = "snapshot"
	// KindInsert adds a row.
	KindInsert EventKind = "insert"
	// KindUpdate replaces the row with the same id.
	KindUpdate EventKind = "update"
)

// Event is one message on a subscription.
type Event struct {
	Kind       EventKind              `json:"kind"`
	Topic      TopicKind              `json:"topic"`
	Session    *model.SessionView     `json:"session,omitempty"`
	Attendance *model.AttendanceView  `json:"attendance,omitempty"`
	Sessions   []model.SessionView    `json:"sessions,omitempty"`
	Records    []model.AttendanceView `json:"records,omitempty"`
}

// withoutCodes returns a copy of e whose sessions carry no codes.
func (e Event) withoutCodes() Event {
	if e.Session != nil {
		v := e.Session.WithoutCode()
		e.Session = &v
	}
	e.Sessions = model.HideCodes(e.Sessions)
	return e
}

// SessionSource loads joined session rows.
type SessionSource interface {
	FindByID(ctx context.Context, id string) (*model.SessionView, error)
	ListBySubjects(ctx context.Context, subjectIDs []string) ([]model.SessionView, error)
}

// AttendanceSource loads joined attendance rows.
type AttendanceSource interface {
	FindView(ctx context.Context, id string) (*model.AttendanceView, error)
	ListBySession(ctx context.Context, sessionID string) ([]model.AttendanceView, error)
}

// ScopeResolver lists the subjects whose sessions a user may follow.
type ScopeResolver interface {
	SubjectIDs(ctx context.Context, userID string, role model.Role) ([]string, error)
}

// Hub fans changes from the bus out to subscriptions.
type Hub struct {
	bus        bus.Bus
	sessions   SessionSource
	attendance AttendanceSource
	scope      ScopeResolver
	buffer     int
	logger     *zap.Logger

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	lagged chan *Subscription
}

// NewHub builds a hub. buffer is the per-subscription event buffer. scope may be nil when no
// subscriber uses UserSessionsTopic.
func NewHub(b bus.Bus, sessions SessionSource, attendance AttendanceSource, scope ScopeResolver, buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		bus:        b,
		sessions:   sessions,
		attendance: attendance,
		scope:      scope,
		buffer:     buffer,
		logger:     logger,
		subs:       make(map[*Subscription]struct{}),
		lagged:     make(chan *Subscription, 256),
	}
}

// Subscribe registers a subscription whose first event is a snapshot of topic. The
// subscription is closed when ctx is done or Close is called.
func (h *Hub) Subscribe(ctx context.Context, topic Topic) (*Subscription, error) {
	if err := topic.validate(); err != nil {
		return nil, err
	}
	if topic.UserID != "" && h.scope == nil {
		return nil, apperr.Clone(apperr.ErrInternal, "feed cannot resolve subscriber subjects")
	}
	s := &Subscription{
		hub:     h,
		topic:   topic,
		events:  make(chan Event, h.buffer),
		done:    make(chan struct{}),
		loading: true,
	}
	// Registered before the scope and snapshot are read: a scope change from here on
	// triggers a resync once the first snapshot is out.
	h.add(s)
	if err := h.rescope(ctx, s); err != nil {
		s.Close()
		return nil, err
	}

	snap, err := h.snapshot(ctx, s)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.start(snap)

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// Run relays bus messages until ctx is done or the bus closes. It is the only long-lived
// goroutine the feed needs.
func (h *Hub) Run(ctx context.Context) error {
	msgs, err := h.bus.Consume(ctx)
	if err != nil {
		return err
	}
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			h.handle(ctx, msg)
		case s := <-h.lagged:
			h.resync(ctx, s)
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) handle(ctx context.Context, msg bus.Message) {
	switch msg.Type {
	case bus.TypeResync:
		h.logger.Info("feed resync requested by bus")
		for _, s := range h.snapshotSubs(nil) {
			h.resync(ctx, s)
		}
	case bus.TypeChange:
		change, err := decodeChange(msg.Body)
		if err != nil {
			h.logger.Warn("drop malformed change", zap.Error(err))
			return
		}
		if change.rescopes() {
			h.rescopeUser(ctx, change.UserID)
			return
		}
		h.dispatch(ctx, change)
	default:
		h.logger.Debug("ignore bus message", zap.String("type", msg.Type))
	}
}

func (h *Hub) dispatch(ctx context.Context, change Change) {
	targets := h.snapshotSubs(func(s *Subscription) bool { return s.follows(change) })
	if len(targets) == 0 {
		return
	}
	ev, err := h.enrich(ctx, change)
	if errors.Is(err, sql.ErrNoRows) {
		h.logger.Debug("changed row vanished", zap.String("table", change.Table), zap.String("id", change.ID))
		return
	}
	if err != nil {
		h.logger.Warn("enrich change, resyncing subscribers",
			zap.String("table", change.Table),
			zap.String("id", change.ID),
			zap.Error(err))
		for _, s := range targets {
			h.resync(ctx, s)
		}
		return
	}
	hidden := ev.withoutCodes()
	for _, s := range targets {
		if s.topic.showsCodes() {
			s.offer(ev)
		} else {
			s.offer(hidden)
		}
	}
}

// rescopeUser resyncs the user's session subscriptions after their subject set changed.
func (h *Hub) rescopeUser(ctx context.Context, userID string) {
	targets := h.snapshotSubs(func(s *Subscription) bool {
		return s.topic.Kind == TopicSessions && s.topic.UserID == userID
	})
	for _, s := range targets {
		h.resync(ctx, s)
	}
}

// rescope refreshes the subjects a user sessions subscription follows.
func (h *Hub) rescope(ctx context.Context, s *Subscription) error {
	if s.topic.Kind != TopicSessions {
		return nil
	}
	ids := s.topic.SubjectIDs
	if s.topic.UserID != "" {
		var err error
		ids, err = h.scope.SubjectIDs(ctx, s.topic.UserID, s.topic.Role)
		if err != nil {
			return err
		}
	}
	s.setScope(ids)
	return nil
}

func (h *Hub) enrich(ctx context.Context, change Change) (Event, error) {
	kind := KindInsert
	if change.Op == OpUpdate {
		kind = KindUpdate
	}
	switch change.Table {
	case TableSessions:
		view, err := h.sessions.FindByID(ctx, change.ID)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: kind, Topic: TopicSessions, Session: view}, nil
	default:
		view, err := h.attendance.FindView(ctx, change.ID)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: kind, Topic: TopicAttendance, Attendance: view}, nil
	}
}

func (h *Hub) snapshot(ctx context.Context, s *Subscription) (Event, error) {
	ev := Event{Kind: KindSnapshot, Topic: s.topic.Kind}
	switch s.topic.Kind {
	case TopicSessions:
		rows, err := h.sessions.ListBySubjects(ctx, s.subjectIDs())
		if err != nil {
			return Event{}, store.Classify(err, "load session snapshot")
		}
		ev.Sessions = rows
		if !s.topic.showsCodes() {
			ev = ev.withoutCodes()
		}
	case TopicAttendance:
		rows, err := h.attendance.ListBySession(ctx, s.topic.SessionID)
		if err != nil {
			return Event{}, store.Classify(err, "load attendance snapshot")
		}
		ev.Records = rows
	}
	return ev, nil
}

// resync discards what s has buffered, refreshes its subject scope and sends it a fresh
// snapshot.
func (h *Hub) resync(ctx context.Context, s *Subscription) {
	if !s.reset() {
		return
	}
	metrics.FeedDeliveries.WithLabelValues("resync").Inc()
	if err := h.rescope(ctx, s); err != nil {
		h.logger.Warn("resync scope failed, closing subscription", zap.Error(err))
		s.fail(err)
		return
	}
	snap, err := h.snapshot(ctx, s)
	if err != nil {
		h.logger.Warn("resync snapshot failed, closing subscription", zap.Error(err))
		s.fail(err)
		return
	}
	s.start(snap)
}

func (h *Hub) queueResync(s *Subscription) {
	select {
	case h.lagged <- s:
	default:
		h.logger.Warn("resync queue full, closing lagged subscription")
		go s.fail(errLagged)
	}
}

func (h *Hub) add(s *Subscription) {
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	metrics.FeedSubscribers.WithLabelValues(string(s.topic.Kind)).Inc()
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	if ok {
		metrics.FeedSubscribers.WithLabelValues(string(s.topic.Kind)).Dec()
	}
}

func (h *Hub) snapshotSubs(filter func(*Subscription) bool) []*Subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		if filter == nil || filter(s) {
			out = append(out, s)
		}
	}
	return out
}

func (h *Hub) closeAll() {
	for _, s := range h.snapshotSubs(nil) {
		s.Close()
	}
}
