package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"otcattendance/internal/bus"
)

// Tables whose changes are relayed.
const (
	TableSessions   = "class_sessions"
	TableAttendance = "attendance"
	// Subject and enrollment writes change which sessions a user follows. They are not
	// relayed as rows; they rescope that user's session subscriptions.
	TableSubjects    = "subjects"
	TableEnrollments = "enrollments"
)

// Row operations.
const (
	OpInsert = "insert"
	OpUpdate = "update"
)

// Change identifies one written row. Subscribers receive the joined row, not the change.
type Change struct {
	Table     string `json:"table"`
	Op        string `json:"op"`
	ID        string `json:"id"`
	SubjectID string `json:"subject_id"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

func (c Change) rescopes() bool {
	return c.Table == TableSubjects || c.Table == TableEnrollments
}

// Notifier is told about every committed write. Implementations must not block the writer
// on subscribers.
type Notifier interface {
	Notify(ctx context.Context, change Change)
}

// NopNotifier discards changes.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Change) {}

// BusNotifier publishes changes on a bus.
type BusNotifier struct {
	bus    bus.Bus
	logger *zap.Logger
}

// NewBusNotifier wraps b.
func NewBusNotifier(b bus.Bus, logger *zap.Logger) *BusNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BusNotifier{bus: b, logger: logger}
}

// Notify publishes the change. A failed publish is logged; the write has already committed.
func (n *BusNotifier) Notify(ctx context.Context, change Change) {
	body, err := json.Marshal(change)
	if err != nil {
		n.logger.Error("encode change", zap.Error(err))
		return
	}
	if err := n.bus.Publish(ctx, bus.Message{Type: bus.TypeChange, Body: body}); err != nil {
		n.logger.Warn("publish change",
			zap.String("table", change.Table),
			zap.String("id", change.ID),
			zap.Error(err))
	}
}

func decodeChange(body []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(body, &c); err != nil {
		return Change{}, fmt.Errorf("decode change: %w", err)
	}
	switch {
	case c.rescopes():
		if c.UserID == "" {
			return Change{}, fmt.Errorf("decode change: %s change without user", c.Table)
		}
	case c.ID == "" || (c.Table != TableSessions && c.Table != TableAttendance):
		return Change{}, fmt.Errorf("decode change: unsupported %q/%q", c.Table, c.ID)
	}
	return c, nil
}
