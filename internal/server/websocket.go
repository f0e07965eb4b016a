package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 512
	queueSize      = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const eventLog = "log"

// Event is one message pushed to websocket subscribers. Type is one of
// translation_progress, translation_complete, translation_error, log,
// llm_request or llm_response.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type logEvent struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
	Module  string    `json:"module,omitempty"`
}

type subscriber struct {
	conn   *websocket.Conn
	events chan Event
}

// Hub fans job and LLM events out to websocket subscribers. Slow subscribers
// are disconnected rather than allowed to stall a translation.
type Hub struct {
	logger *logrus.Logger
	queue  chan Event

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		logger:      logger,
		queue:       make(chan Event, queueSize),
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Run delivers queued events until ctx is done, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case event := <-h.queue:
			h.fanOut(event)
		}
	}
}

func (h *Hub) fanOut(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subscribers {
		select {
		case sub.events <- event:
		default:
			h.logger.Debug("Dropping slow WebSocket subscriber")
			h.removeLocked(sub)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for sub := range h.subscribers {
		h.removeLocked(sub)
	}
}

func (h *Hub) subscribe(conn *websocket.Conn) (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, false
	}
	sub := &subscriber{conn: conn, events: make(chan Event, queueSize)}
	h.subscribers[sub] = struct{}{}
	h.logger.Debugf("WebSocket client connected. Total clients: %d", len(h.subscribers))
	return sub, true
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *subscriber) {
	if _, ok := h.subscribers[sub]; !ok {
		return
	}
	delete(h.subscribers, sub)
	close(sub.events)
	h.logger.Debugf("WebSocket client disconnected. Total clients: %d", len(h.subscribers))
}

// BroadcastMessage queues an event. It never blocks; events are dropped
// when the queue is full.
func (h *Hub) BroadcastMessage(msgType string, data interface{}) {
	select {
	case h.queue <- Event{Type: msgType, Timestamp: time.Now(), Data: data}:
	default:
		h.logger.Warn("WebSocket event queue is full, dropping event")
	}
}

func (h *Hub) BroadcastLog(level, message, module string) {
	h.BroadcastMessage(eventLog, logEvent{
		Level:   level,
		Message: message,
		Time:    time.Now(),
		Module:  module,
	})
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// listen discards client frames so that pong and close control frames are
// handled, and unsubscribes once the connection goes away.
func (h *Hub) listen(sub *subscriber) {
	defer h.unsubscribe(sub)

	sub.conn.SetReadLimit(maxMessageSize)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := sub.conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debugf("WebSocket read error: %v", err)
			}
			return
		}
	}
}

// deliver writes events to the connection and keeps it alive with pings.
// It returns when the subscriber is removed or a write fails.
func (h *Hub) deliver(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sub.conn.Close()
	}()

	for {
		select {
		case event, ok := <-sub.events:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := sub.conn.WriteJSON(event); err != nil {
				h.logger.Debugf("WebSocket write failed: %v", err)
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Errorf("Failed to upgrade WebSocket connection: %v", err)
		return
	}

	sub, ok := s.wsHub.subscribe(conn)
	if !ok {
		_ = conn.Close()
		return
	}

	go s.wsHub.deliver(sub)
	go s.wsHub.listen(sub)
}
