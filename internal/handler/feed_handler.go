package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"otcattendance/internal/apperr"
	"otcattendance/internal/feed"
	"otcattendance/internal/model"
	"otcattendance/internal/response"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type feedSubscriber interface {
	Subscribe(ctx context.Context, topic feed.Topic) (*feed.Subscription, error)
}

type sessionOwner interface {
	Get(ctx context.Context, teacherID, id string) (*model.SessionView, error)
}

// FeedHandler streams live feed events over WebSocket.
type FeedHandler struct {
	hub      feedSubscriber
	sessions sessionOwner
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewFeedHandler constructs a feed handler. An empty origins list or "*" accepts any origin.
func NewFeedHandler(hub feedSubscriber, sessions sessionOwner, origins []string, logger *zap.Logger) *FeedHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedHandler{
		hub:      hub,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(origins),
		},
		logger: logger,
	}
}

func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

// Sessions streams sessions of the caller's subjects: owned for teachers, joined for students.
// Subjects created or joined later are picked up without reconnecting. Students never
// receive session codes.
func (h *FeedHandler) Sessions(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	h.serve(c, feed.UserSessionsTopic(claims.UserID(), claims.Role))
}

// Attendance streams check-ins for one session the calling teacher owns.
func (h *FeedHandler) Attendance(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	if claims.Role != model.RoleTeacher {
		response.Error(c, apperr.Clone(apperr.ErrForbidden, "role not allowed"))
		return
	}
	if _, err := h.sessions.Get(c.Request.Context(), claims.UserID(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	h.serve(c, feed.AttendanceTopic(c.Param("id")))
}

// serve subscribes before upgrading so snapshot failures still get an HTTP error.
func (h *FeedHandler) serve(c *gin.Context, topic feed.Topic) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		response.Error(c, apperr.Clone(apperr.ErrValidation, "websocket upgrade required"))
		return
	}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub, err := h.hub.Subscribe(ctx, topic)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("feed upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	go h.readPump(conn, cancel)
	h.writePump(ctx, conn, sub)
}

// readPump discards client frames and cancels the subscription when the peer goes away.
func (h *FeedHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *FeedHandler) writePump(ctx context.Context, conn *websocket.Conn, sub *feed.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				h.closeWith(conn, sub.Err())
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("feed write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			h.closeWith(conn, nil)
			return
		}
	}
}

// closeWith tells the client why the stream ended. A hub-side failure asks the client to
// reconnect, which yields a fresh snapshot.
func (h *FeedHandler) closeWith(conn *websocket.Conn, reason error) {
	code, text := websocket.CloseNormalClosure, "bye"
	if reason != nil {
		code, text = websocket.CloseTryAgainLater, "resubscribe"
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}
