package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/mes-console/backend/internal/clock"
	"github.com/mes-console/backend/internal/logging"
	"github.com/mes-console/backend/internal/models"
	"go.uber.org/zap"
)

// WebSocket message types for the console stream
const (
	// Client -> Server messages
	MsgTypePing = "ping"

	// Server -> Client messages
	MsgTypeConnected     = "connected"
	MsgTypeEvent         = "event"
	MsgTypeLogout        = "logout"
	MsgTypeRealtimeState = "realtime_state"
	MsgTypeError         = "error"
	MsgTypePong          = "pong"
)

// WebSocket message structure
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// WebSocket error response
type WSErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// streamClient is one connected console UI
type streamClient struct {
	id   string
	ws   *websocket.Conn
	send chan WSMessage
}

func (sc *streamClient) write(msg WSMessage) error {
	sc.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return sc.ws.WriteJSON(msg)
}

// ConsoleStream pushes timeline events, session logout and realtime
// channel state to connected console UIs.
type ConsoleStream struct {
	upgrader  websocket.Upgrader
	clock     clock.Clock
	log       *zap.Logger
	timeline  func(buffer int) (<-chan models.TimelineEvent, func())
	clients   map[string]*streamClient
	clientsMu sync.RWMutex
	maxSize   int64
}

// NewConsoleStream creates the stream handler. timeline subscribes to
// the console's event feed; maxMessageSize bounds inbound frames.
func NewConsoleStream(timeline func(buffer int) (<-chan models.TimelineEvent, func()), clk clock.Clock, log *zap.Logger, maxMessageSize int64) *ConsoleStream {
	if clk == nil {
		clk = clock.Real()
	}
	if maxMessageSize <= 0 {
		maxMessageSize = 64 * 1024
	}
	return &ConsoleStream{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// The console UI is served from a different origin in development
				return true
			},
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
		},
		clock:    clk,
		log:      logging.OrNop(log).With(zap.String("component", "stream")),
		timeline: timeline,
		clients:  make(map[string]*streamClient),
		maxSize:  maxMessageSize,
	}
}

// HandleWebSocket upgrades the HTTP connection and serves the stream
func (cs *ConsoleStream) HandleWebSocket(c echo.Context) error {
	ws, err := cs.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	ws.SetReadLimit(cs.maxSize)

	client := &streamClient{
		id:   uuid.New().String(),
		ws:   ws,
		send: make(chan WSMessage, 64),
	}
	cs.clientsMu.Lock()
	cs.clients[client.id] = client
	cs.clientsMu.Unlock()
	cs.log.Info("console connected", zap.String("client", logging.ShortID(client.id)))

	done := make(chan struct{})
	go cs.writePump(client, done)

	defer func() {
		cs.clientsMu.Lock()
		delete(cs.clients, client.id)
		cs.clientsMu.Unlock()
		close(done)
		cs.log.Info("console disconnected", zap.String("client", logging.ShortID(client.id)))
	}()

	// Send welcome message
	cs.enqueue(client, WSMessage{Type: MsgTypeConnected, ID: client.id})

	// Main message loop
	for {
		var msg WSMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cs.log.Warn("stream read failed", zap.Error(err))
			}
			return nil
		}

		switch msg.Type {
		case MsgTypePing:
			cs.enqueue(client, WSMessage{Type: MsgTypePong, ID: msg.ID})
		default:
			cs.enqueue(client, cs.errorMessage("Unknown message type: "+msg.Type, "INVALID_TYPE"))
		}
	}
}

// writePump is the connection's only writer. It forwards queued
// messages and timeline events until the client goes away.
func (cs *ConsoleStream) writePump(client *streamClient, done <-chan struct{}) {
	var events <-chan models.TimelineEvent
	if cs.timeline != nil {
		ch, cancel := cs.timeline(32)
		defer cancel()
		events = ch
	}

	for {
		select {
		case <-done:
			return
		case msg := <-client.send:
			if err := client.write(msg); err != nil {
				cs.log.Debug("stream write failed", zap.Error(err))
				client.ws.Close()
				return
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := client.write(cs.message(MsgTypeEvent, ev.ID, ev)); err != nil {
				cs.log.Debug("stream write failed", zap.Error(err))
				client.ws.Close()
				return
			}
		}
	}
}

// Broadcast queues a message for every connected client. Slow clients
// miss messages rather than block the caller.
func (cs *ConsoleStream) Broadcast(msgType string, payload interface{}) {
	msg := cs.message(msgType, "", payload)

	cs.clientsMu.RLock()
	defer cs.clientsMu.RUnlock()
	for _, client := range cs.clients {
		cs.enqueue(client, msg)
	}
}

// ClientCount returns the number of connected clients
func (cs *ConsoleStream) ClientCount() int {
	cs.clientsMu.RLock()
	defer cs.clientsMu.RUnlock()
	return len(cs.clients)
}

func (cs *ConsoleStream) enqueue(client *streamClient, msg WSMessage) {
	if msg.Timestamp == 0 {
		msg.Timestamp = cs.clock.Now().UnixMilli()
	}
	select {
	case client.send <- msg:
	default:
		cs.log.Warn("stream client queue full, message dropped",
			zap.String("client", logging.ShortID(client.id)),
			zap.String("type", msg.Type))
	}
}

func (cs *ConsoleStream) message(msgType, id string, payload interface{}) WSMessage {
	msg := WSMessage{Type: msgType, ID: id, Timestamp: cs.clock.Now().UnixMilli()}
	if payload != nil {
		msg.Payload = mustJSON(payload)
	}
	return msg
}

func (cs *ConsoleStream) errorMessage(message, code string) WSMessage {
	return cs.message(MsgTypeError, "", WSErrorResponse{
		Type:    MsgTypeError,
		Message: message,
		Code:    code,
	})
}

func mustJSON(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
