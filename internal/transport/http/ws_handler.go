package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"classroom-quiz-service/internal/app"
	"classroom-quiz-service/internal/logging"
	"classroom-quiz-service/internal/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

// PresenceTracker records connected clients per session.
type PresenceTracker interface {
	Join(ctx context.Context, sessionID, clientID, role string) error
	Leave(ctx context.Context, sessionID, clientID string) error
	Touch(ctx context.Context, sessionID string) error
}

type WSHandler struct {
	service  *app.ClassroomService
	presence PresenceTracker
	logger   *zap.Logger
	upgrader websocket.Upgrader

	msgRate  rate.Limit
	msgBurst int
}

type WSOption func(*WSHandler)

// WithPresence records connections in tracker. Nil disables presence.
func WithPresence(tracker PresenceTracker) WSOption {
	return func(h *WSHandler) { h.presence = tracker }
}

// WithMessageRate limits inbound messages per connection.
func WithMessageRate(perSecond float64, burst int) WSOption {
	return func(h *WSHandler) {
		if perSecond > 0 {
			h.msgRate = rate.Limit(perSecond)
		}
		if burst > 0 {
			h.msgBurst = burst
		}
	}
}

func NewWSHandler(service *app.ClassroomService, logger *zap.Logger, opts ...WSOption) *WSHandler {
	h := &WSHandler{
		service: service,
		logger:  logging.OrNop(logger).Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		msgRate:  10,
		msgBurst: 20,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type ackPayload struct {
	For    string `json:"for"`
	Result any    `json:"result,omitempty"`
}

// ServeWS upgrades a request to a websocket. The client first receives a
// snapshot of the session, then every committed change, and may send
// commands allowed for its role.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("sessionId")
	role := q.Get("role")
	studentID := q.Get("studentId")
	if sessionID == "" || (role != roleTeacher && role != roleStudent) {
		writeErr(w, http.StatusBadRequest, errorPayload{Code: codeInvalid, Message: "sessionId and role=teacher|student are required"})
		return
	}
	if role == roleStudent {
		if studentID == "" {
			writeErr(w, http.StatusBadRequest, errorPayload{Code: codeInvalid, Message: "studentId is required for students"})
			return
		}
		if _, err := h.service.GetStudent(r.Context(), sessionID, studentID); err != nil {
			writeServiceErr(w, err)
			return
		}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before the snapshot so nothing committed in between is lost.
	changes, unsubscribe, err := h.service.Subscribe(ctx, sessionID)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	defer unsubscribe()

	snapshot, err := h.service.Snapshot(ctx, sessionID)
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	log := h.logger.With(zap.String("session", sessionID), zap.String("role", role), zap.String("client", clientID))
	metrics.LiveConnections.WithLabelValues(role).Inc()
	defer metrics.LiveConnections.WithLabelValues(role).Dec()
	h.join(ctx, log, sessionID, clientID, role)
	defer h.leave(log, sessionID, clientID)
	log.Info("client connected")

	send := make(chan outboundMessage, sendBuffer)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	changesDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		h.writePump(ctx, conn, send, sessionID, log)
	}()

	go func() {
		defer close(changesDone)
		for {
			select {
			case change, ok := <-changes:
				if !ok {
					return
				}
				select {
				case send <- outboundMessage{Type: "change", Payload: change}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	send <- outboundMessage{Type: "snapshot", Payload: snapshot}

	limiter := rate.NewLimiter(h.msgRate, h.msgBurst)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				log.Debug("ws read ended", zap.Error(err))
			}
			break
		}
		var reply outboundMessage
		if !limiter.Allow() {
			reply = outboundMessage{Type: "error", Payload: errorPayload{For: inbound.Type, Code: codeRateLimited, Message: "too many messages"}}
		} else if result, err := dispatch(ctx, h.service, sessionID, role, studentID, inbound); err != nil {
			payload, _ := errorFor(inbound.Type, err)
			if payload.Code == codeInternal {
				log.Error("ws command failed", zap.String("type", inbound.Type), zap.Error(err))
			}
			reply = outboundMessage{Type: "error", Payload: payload}
		} else {
			reply = outboundMessage{Type: "ack", Payload: ackPayload{For: inbound.Type, Result: result}}
		}
		select {
		case send <- reply:
		case <-writerDone:
		}
	}

	close(closeSignals)
	<-changesDone
	close(send)
	<-writerDone
	log.Info("client disconnected")
}

// writePump owns every write on conn, interleaving pings with queued messages.
func (h *WSHandler) writePump(ctx context.Context, conn *websocket.Conn, send <-chan outboundMessage, sessionID string, log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug("ws write failed", zap.Error(err))
				// unblock the reader so the handler can unwind
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
			if h.presence != nil {
				if err := h.presence.Touch(ctx, sessionID); err != nil {
					log.Warn("presence touch failed", zap.Error(err))
				}
			}
		}
	}
}

func (h *WSHandler) join(ctx context.Context, log *zap.Logger, sessionID, clientID, role string) {
	if h.presence == nil {
		return
	}
	if err := h.presence.Join(ctx, sessionID, clientID, role); err != nil {
		log.Warn("presence join failed", zap.Error(err))
	}
}

func (h *WSHandler) leave(log *zap.Logger, sessionID, clientID string) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.presence.Leave(ctx, sessionID, clientID); err != nil {
		log.Warn("presence leave failed", zap.Error(err))
	}
}
