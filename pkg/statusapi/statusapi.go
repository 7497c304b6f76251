// Package statusapi exposes a read-only WebSocket status surface over a
// running server.Server: every client that connects receives a periodic
// snapshot of the connection table plus a live feed of driver events, so an
// operator dashboard can watch a shadowmesh listener without touching the
// UDP wire protocol itself. The read/write/ping goroutine split and
// deadline handling is grounded on shared/networking/transport.go's
// Transport, adapted from one outbound client connection into a hub
// fanning a broadcast out to many inbound connections.
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shadowmesh/shadowmesh/pkg/event"
	"github.com/shadowmesh/shadowmesh/pkg/logging"
	"github.com/shadowmesh/shadowmesh/pkg/server"
)

// MessageType tags a status message's payload.
type MessageType string

const (
	MessageSnapshot MessageType = "snapshot"
	MessageEvent    MessageType = "event"
)

// Message is the JSON envelope written to every connected client.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Snapshot  *Snapshot   `json:"snapshot,omitempty"`
	Event     *EventView  `json:"event,omitempty"`
}

// Snapshot is a point-in-time view of the connection table.
type Snapshot struct {
	ConnectionCount int `json:"connection_count"`
}

// EventView is the JSON-friendly projection of an event.Event.
type EventView struct {
	Kind         string `json:"kind"`
	Reason       string `json:"reason,omitempty"`
	ConnectionID uint32 `json:"connection_id,omitempty"`
}

const (
	writeTimeout  = 10 * time.Second
	pongTimeout   = 60 * time.Second
	pingInterval  = (pongTimeout * 9) / 10
	broadcastSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub accepts WebSocket connections and fans out status messages to every
// client currently connected.
type Hub struct {
	table *server.Table
	log   *logging.Logger

	mu      sync.Mutex
	clients map[*client]struct{}

	broadcast chan Message
	cancel    context.CancelFunc
}

// NewHub constructs a hub reporting on table. Run's snapshotInterval controls
// how often a full Snapshot is pushed; individual events are forwarded as soon
// as the driver shell reports them, independent of that interval.
func NewHub(table *server.Table, log *logging.Logger) *Hub {
	if log == nil {
		log = logging.GetDefaultLogger()
	}
	return &Hub{
		table:     table,
		log:       log,
		clients:   make(map[*client]struct{}),
		broadcast: make(chan Message, broadcastSize),
	}
}

// ServeHTTP upgrades the request to a WebSocket and registers the resulting
// connection with the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("statusapi: upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan Message, 16)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

// Run starts the periodic snapshot loop and the broadcast fan-out. It
// blocks until ctx is canceled.
func (h *Hub) Run(ctx context.Context, snapshotInterval time.Duration) {
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			h.Publish(Message{Type: MessageSnapshot, Timestamp: timeNow(), Snapshot: &Snapshot{ConnectionCount: h.table.Len()}})
		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

// Stop halts the run loop; already-registered clients are closed lazily as
// their write pumps notice the closed send channel.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// Publish queues msg for delivery to every connected client. It never
// blocks: a full broadcast queue drops the message.
func (h *Hub) Publish(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warnf("statusapi: broadcast queue full, dropping %s message", msg.Type)
	}
}

// PublishEvent converts a driver event into a Message and publishes it.
func (h *Hub) PublishEvent(ev *event.Event) {
	if ev == nil {
		return
	}
	h.Publish(Message{
		Type:      MessageEvent,
		Timestamp: timeNow(),
		Event: &EventView{
			Kind:         ev.Kind.String(),
			ConnectionID: ev.ConnectionID,
		},
	})
}

func (h *Hub) fanOut(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warnf("statusapi: client send queue full, dropping connection")
			close(c.send)
			delete(h.clients, c)
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
	}
}

type client struct {
	conn *websocket.Conn
	send chan Message
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				h.log.Warnf("statusapi: marshal status message: %v", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains and discards inbound frames; this surface is read-only
// from the client's perspective, but the pump still has to consume pongs
// and the close frame to keep the connection alive and notice disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.drop(c)
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func timeNow() time.Time { return time.Now() }
