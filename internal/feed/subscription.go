package feed

import (
	"errors"
	"sync"

	"otcattendance/internal/metrics"
)

var errLagged = errors.New("feed: subscriber too slow")

// Subscription is one receiver's view of a topic.
type Subscription struct {
	hub   *Hub
	topic Topic

	mu      sync.Mutex
	scope   []string
	events  chan Event
	pending []Event
	ready   bool
	lagged  bool
	closed  bool
	err     error
	// loading is set until the first snapshot is sent. A resync asked for meanwhile is
	// recorded in stale and runs right after.
	loading bool
	stale   bool

	once sync.Once
	done chan struct{}
}

// Events delivers a snapshot followed by deltas. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event { return s.events }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Topic returns what the subscription follows.
func (s *Subscription) Topic() Topic { return s.topic }

// Err reports why the hub ended the subscription, if it did.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		s.mu.Lock()
		s.closed = true
		s.pending = nil
		close(s.events)
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.Close()
}

func (s *Subscription) setScope(subjectIDs []string) {
	s.mu.Lock()
	s.scope = append([]string(nil), subjectIDs...)
	s.mu.Unlock()
}

func (s *Subscription) subjectIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.scope...)
}

// follows reports whether c concerns a row s receives.
func (s *Subscription) follows(c Change) bool {
	switch s.topic.Kind {
	case TopicSessions:
		if c.Table != TableSessions {
			return false
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, id := range s.scope {
			if id == c.SubjectID {
				return true
			}
		}
		return false
	case TopicAttendance:
		return c.Table == TableAttendance && c.Op == OpInsert && c.SessionID == s.topic.SessionID
	}
	return false
}

// start sends the snapshot followed by anything that arrived while it was loading.
func (s *Subscription) start(snap Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	// The channel is empty here: nothing is sent before ready and reset drains it.
	s.events <- snap
	for _, ev := range s.pending {
		if !s.trySend(ev) {
			break
		}
	}
	s.pending = nil
	s.ready = true
	s.loading = false
	if s.stale {
		s.stale = false
		s.lagged = false
		s.markLagged()
	}
}

// offer delivers ev without blocking.
func (s *Subscription) offer(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.lagged {
		return
	}
	if !s.ready {
		if len(s.pending) >= cap(s.events) {
			s.markLagged()
			return
		}
		s.pending = append(s.pending, ev)
		return
	}
	s.trySend(ev)
}

func (s *Subscription) trySend(ev Event) bool {
	select {
	case s.events <- ev:
		metrics.FeedDeliveries.WithLabelValues("delivered").Inc()
		return true
	default:
		metrics.FeedDeliveries.WithLabelValues("dropped").Inc()
		s.markLagged()
		return false
	}
}

func (s *Subscription) markLagged() {
	if s.lagged {
		return
	}
	s.lagged = true
	s.hub.queueResync(s)
}

// reset drops buffered events ahead of a new snapshot. It reports false once closed, and
// while the first snapshot is still loading, in which case the resync is deferred.
func (s *Subscription) reset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.loading {
		s.stale = true
		return false
	}
	s.ready = false
	s.lagged = false
	s.pending = nil
	for {
		select {
		case <-s.events:
		default:
			return true
		}
	}
}
