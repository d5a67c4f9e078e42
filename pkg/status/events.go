package status

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Snider/d4-ingest-server/pkg/logging"
)

// EventType identifies an ingestion lifecycle event broadcast over the
// status WebSocket feed.
type EventType string

const (
	EventSessionOpened   EventType = "session.opened"
	EventSessionAdmitted EventType = "session.admitted"
	EventSessionRejected EventType = "session.rejected"
	EventSessionClosed   EventType = "session.closed"
	EventHMACMismatch    EventType = "frame.hmac_mismatch"
	EventFrameAccepted   EventType = "frame.accepted"
	EventPong            EventType = "pong"
)

// Event is one ingestion lifecycle occurrence, broadcast to subscribed
// observers. Grounded on pkg/mining/events.go's Event/EventHub, adapted
// from mining-rig telemetry to session/frame lifecycle events.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	SessionID string      `json:"session_id,omitempty"`
	SensorID  string      `json:"sensor_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// NewEvent stamps an Event with the current time.
func NewEvent(t EventType, sessionID, sensorID string, data interface{}) Event {
	return Event{Type: t, Timestamp: time.Now(), SessionID: sessionID, SensorID: sensorID, Data: data}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *EventHub
}

// EventHub manages WebSocket observers and broadcasts ingestion events
// to them. It never receives mutating commands from clients: the status
// surface is read-only (SPEC_FULL.md §4.6).
type EventHub struct {
	log            *logging.Logger
	clients        map[*wsClient]bool
	broadcast      chan Event
	register       chan *wsClient
	unregister     chan *wsClient
	mu             sync.RWMutex
	stop           chan struct{}
	maxConnections int
}

// DefaultMaxConnections caps concurrent observers.
const DefaultMaxConnections = 100

// NewEventHub creates an EventHub with the default connection cap.
func NewEventHub(log *logging.Logger) *EventHub {
	return &EventHub{
		log:            log.WithComponent("status.events"),
		clients:        make(map[*wsClient]bool),
		broadcast:      make(chan Event, 256),
		register:       make(chan *wsClient),
		unregister:     make(chan *wsClient),
		stop:           make(chan struct{}),
		maxConnections: DefaultMaxConnections,
	}
}

// Run starts the EventHub's main loop; call it in its own goroutine.
func (h *EventHub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("observer connected", logging.Fields{"total": n})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("observer disconnected", logging.Fields{"total": n})

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.log.Error("marshal event failed", logging.Fields{"err": err})
				continue
			}
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					go func(c *wsClient) { h.unregister <- c }(client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Stop shuts down the hub and disconnects all observers.
func (h *EventHub) Stop() {
	close(h.stop)
}

// Broadcast enqueues event for delivery to all connected observers.
func (h *EventHub) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("broadcast channel full, dropping event", logging.Fields{"type": event.Type})
	}
}

// ClientCount returns the number of connected observers.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only drains the connection for pings/close frames: the
// feed is one-way (server to observer), mirroring the core protocol's
// own one-way ingestion contract.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ServeWs upgrades conn into a registered observer and starts its pumps.
// Returns false if the connection limit was reached.
func (h *EventHub) ServeWs(conn *websocket.Conn) bool {
	h.mu.RLock()
	current := len(h.clients)
	h.mu.RUnlock()

	if current >= h.maxConnections {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection limit reached"))
		conn.Close()
		return false
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 256), hub: h}
	h.register <- client
	go client.writePump()
	go client.readPump()
	return true
}
