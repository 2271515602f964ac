// Package notify pushes connection status updates to owners over websockets.
package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/bulkwa-backend/internal/connection"
)

const (
	StatusEvent = "whatsapp-status"

	sendBuffer   = 16
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// Message is the envelope written to every socket.
type Message struct {
	Event string                  `json:"event"`
	Data  connection.StatusUpdate `json:"data"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans status updates out to every socket an owner has open. Slow
// sockets drop messages instead of blocking the sender.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*client]struct{}
	upgrader websocket.Upgrader
	snapshot func(ownerID string) connection.StatusUpdate
	log      *logrus.Entry
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logrus.WithField("component", "notify"),
	}
}

// SetSnapshot registers a source for the status sent when a socket joins.
func (h *Hub) SetSnapshot(fn func(ownerID string) connection.StatusUpdate) {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
}

// Notify implements connection.Notifier.
func (h *Hub) Notify(ownerID string, update connection.StatusUpdate) {
	payload, err := json.Marshal(Message{Event: StatusEvent, Data: update})
	if err != nil {
		h.log.WithError(err).Error("❌ failed to encode status update")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[ownerID] {
		select {
		case c.send <- payload:
		default:
			h.log.WithField("owner_id", ownerID).Warn("⚠️ dropping status update for slow socket")
		}
	}
}

// Subscribers returns how many sockets the owner has open.
func (h *Hub) Subscribers(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[ownerID])
}

// ServeWS upgrades the request and joins the socket to the owner's room.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, ownerID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("⚠️ websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.join(ownerID, c)
	h.log.WithField("owner_id", ownerID).Debug("socket joined")

	h.mu.RLock()
	snapshot := h.snapshot
	h.mu.RUnlock()
	if snapshot != nil {
		h.Notify(ownerID, snapshot(ownerID))
	}

	go h.writePump(c)
	h.readPump(ownerID, c)
}

func (h *Hub) join(ownerID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[ownerID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[ownerID] = room
	}
	room[c] = struct{}{}
}

func (h *Hub) leave(ownerID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[ownerID]
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	close(c.send)
	if len(room) == 0 {
		delete(h.rooms, ownerID)
	}
}

// readPump discards inbound frames and detects the socket closing.
func (h *Hub) readPump(ownerID string, c *client) {
	defer func() {
		h.leave(ownerID, c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
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
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

var _ connection.Notifier = (*Hub)(nil)
