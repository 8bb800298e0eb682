package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MarcoPoloResearchLab/quorum/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/realtime"
)

const (
	defaultWriteWait         = 10 * time.Second
	defaultPongWait          = 60 * time.Second
	defaultMaxMessageSize    = 1 << 20
	defaultMessagesPerSecond = 50
	defaultBurst             = 100
)

// WebSocketConfig tunes the per-connection pumps.
type WebSocketConfig struct {
	MessagesPerSecond float64
	Burst             int
	WriteWait         time.Duration
	PongWait          time.Duration
	MaxMessageSize    int64
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = defaultMessagesPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	return c
}

func (c WebSocketConfig) pingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type inboundEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type connection struct {
	session    string
	conn       *websocket.Conn
	subscriber *realtime.Subscriber
	engine     CollaborationEngine
	limiter    *rate.Limiter
	config     WebSocketConfig
	logger     *zap.Logger
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	sessionID, err := uuid.NewV7()
	if err != nil {
		h.logger.Error("failed to allocate session id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_failed"})
		return
	}
	session := sessionID.String()

	subscriber, err := h.engine.Connect(session, principal.UserID)
	if err != nil {
		h.logger.Error("failed to register session", zap.String("session_id", session), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_failed"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.engine.Disconnect(session)
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connection := &connection{
		session:    session,
		conn:       conn,
		subscriber: subscriber,
		engine:     h.engine,
		limiter:    rate.NewLimiter(rate.Limit(h.websocket.MessagesPerSecond), h.websocket.Burst),
		config:     h.websocket,
		logger:     h.logger.With(zap.String("session_id", session), zap.String("user_id", principal.UserID)),
	}
	connection.logger.Info("websocket connected")

	go connection.writePump()
	connection.readPump(c.Request.Context())
}

// readPump dispatches inbound frames one at a time and disconnects the session when the socket
// closes.
func (c *connection) readPump(ctx context.Context) {
	defer func() {
		c.engine.Disconnect(c.session)
		_ = c.conn.Close()
		c.logger.Info("websocket disconnected")
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		if !c.limiter.Allow() {
			c.engine.RecordDrop(c.session, collab.DropReasonRateLimited)
			continue
		}
		var envelope inboundEnvelope
		if err := json.Unmarshal(message, &envelope); err != nil || envelope.Event == "" {
			c.engine.RecordDrop(c.session, collab.DropReasonMalformed)
			continue
		}
		c.engine.Dispatch(ctx, c.session, envelope.Event, envelope.Data)
	}
}

// writePump drains the subscriber queue onto the socket and keeps the connection alive with
// pings. A closed queue means the session was disconnected or evicted.
func (c *connection) writePump() {
	ticker := time.NewTicker(c.config.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.subscriber.Events():
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				c.logger.Debug("websocket write failed", zap.String("event", event.Name), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
