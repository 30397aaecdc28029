package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	EventNotification  = "notification"
	EventBookingUpdate = "booking:update"
	EventMessageNew    = "message:new"
	EventPaymentUpdate = "payment:update"
	EventPong          = "pong"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Event is the envelope for everything pushed over the live channel.
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// Client is one live connection. A user may hold several at once, one per
// device or tab.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	UserID uint

	mu     sync.Mutex
	closed bool
}

// trySend queues the payload unless the client is already closed or its
// buffer is full. Holding the client mutex makes the send mutually
// exclusive with closeSend, so a disconnect racing a fan-out can never
// hit a closed channel.
func (c *Client) trySend(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// closeSend closes the send channel exactly once.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Hub maps a user id to its set of live connections. It is process-local
// state; fan-out across instances would need an external broker keyed the
// same way.
type Hub struct {
	mu          sync.RWMutex
	connections map[uint]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{
		connections: make(map[uint]map[*Client]bool),
	}
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connections[client.UserID] == nil {
		h.connections[client.UserID] = make(map[*Client]bool)
	}
	h.connections[client.UserID][client] = true
}

// unregister removes the client and drops the user's entry entirely once its
// connection set is empty, so the registry does not grow under churn.
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.connections[client.UserID]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	client.closeSend()
	if len(set) == 0 {
		delete(h.connections, client.UserID)
	}
}

// ConnectionCount returns how many live connections a user currently holds.
func (h *Hub) ConnectionCount(userID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[userID])
}

// SendToUser pushes an event to every live connection of the user. Delivery
// is best effort; a connection that cannot keep up is dropped.
func (h *Hub) SendToUser(userID uint, event string, data interface{}) {
	payload, err := json.Marshal(Event{Event: event, Data: data})
	if err != nil {
		log.Printf("error marshaling %s event: %v", event, err)
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.connections[userID]))
	for client := range h.connections[userID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if !client.trySend(payload) {
			h.unregister(client)
		}
	}
}

// readPump consumes client frames until the connection dies, answering ping
// events and keeping the read deadline fresh. Unregistering here guarantees
// the registry entry goes away on abnormal disconnects too.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("websocket error for user %d: %v", c.UserID, err)
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var event Event
		if err := json.Unmarshal(message, &event); err != nil {
			log.Printf("error unmarshaling client event: %v", err)
			continue
		}

		if event.Event == "ping" {
			response, _ := json.Marshal(Event{Event: EventPong})
			c.trySend(response)
		}
	}
}

// writePump serializes all writes to the connection and keeps it alive with
// protocol-level pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
