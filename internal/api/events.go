package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub004/internal/events"
	"github.com/ariana-dot-dev/ariana-sub004/internal/events/bus"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send pings and close frames.
	maxClientFrame = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The auth proxy in front terminates origins.
		return true
	},
}

// eventStream is one websocket subscriber to one agent's bus subject.
type eventStream struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *logger.Logger
}

// handleAgentEvents streams the agent's bus events over a websocket. The
// first frame is a full agent snapshot so clients need no separate GET.
func (s *Server) handleAgentEvents(c *gin.Context) {
	agent, err := s.svc.GetAgent(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			zap.String("agent_id", agent.ID), zap.Error(err))
		return
	}

	stream := &eventStream{
		conn:   conn,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		logger: s.logger.WithFields(zap.String("agent_id", agent.ID)),
	}

	hello := bus.NewEvent(events.AgentSnapshot, "api", map[string]any{"agent": agent})
	stream.enqueue(hello)

	sub, err := s.bus.Subscribe(events.BuildAgentSubject(agent.ID), func(_ context.Context, event *bus.Event) error {
		stream.enqueue(event)
		return nil
	})
	if err != nil {
		stream.logger.Error("failed to subscribe event stream", zap.Error(err))
		_ = conn.Close()
		return
	}

	go stream.writePump()
	go func() {
		stream.readPump()
		if err := sub.Unsubscribe(); err != nil {
			stream.logger.Warn("failed to unsubscribe event stream", zap.Error(err))
		}
		close(stream.done)
	}()
}

// enqueue marshals and buffers one event. A slow client loses events
// rather than stalling the bus dispatch.
func (e *eventStream) enqueue(event *bus.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("failed to marshal event", zap.Error(err))
		return
	}
	select {
	case e.send <- data:
	default:
		e.logger.Warn("event stream buffer full, dropping event",
			zap.String("type", event.Type))
	}
}

// readPump discards client frames; it exists to detect closes and answer
// pings. Returns when the peer goes away.
func (e *eventStream) readPump() {
	defer func() { _ = e.conn.Close() }()

	e.conn.SetReadLimit(maxClientFrame)
	_ = e.conn.SetReadDeadline(time.Now().Add(pongWait))
	e.conn.SetPongHandler(func(string) error {
		return e.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := e.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				e.logger.Debug("event stream read error", zap.Error(err))
			}
			return
		}
	}
}

func (e *eventStream) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = e.conn.Close()
	}()

	for {
		select {
		case <-e.done:
			_ = e.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case data := <-e.send:
			_ = e.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := e.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = e.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := e.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
