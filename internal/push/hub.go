package push

import (
	"context"
	"sync"

	"github.com/Gainium/paper-trading-sh/internal/core"
)

const clientBuffer = 256

// Client is one WebSocket connection bound to an authenticated user.
type Client struct {
	id     string
	userID string
	send   chan Message

	mu     sync.Mutex
	closed bool
}

// NewClient creates a client with a buffered send queue.
func NewClient(id, userID string) *Client {
	return &Client{
		id:     id,
		userID: userID,
		send:   make(chan Message, clientBuffer),
	}
}

// Send enqueues a message without blocking. Returns false when the client is
// closed or its queue is full.
func (c *Client) Send(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// SendChan is the delivery queue the write pump drains.
func (c *Client) SendChan() <-chan Message { return c.send }

// Close marks the client closed and closes its queue. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub routes venue events to the connections of the user they belong to. One
// user may hold several connections; each gets its own copy.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	byUser  map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	logger core.ILogger
}

var _ core.IEventSink = (*Hub)(nil)

func NewHub(logger core.ILogger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		byUser:     make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.WithField("component", "push_hub"),
	}
}

// Run owns client registration until the context ends, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
			}
			h.clients = make(map[*Client]bool)
			h.byUser = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			set, ok := h.byUser[client.userID]
			if !ok {
				set = make(map[*Client]bool)
				h.byUser[client.userID] = set
			}
			set[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Client registered", "client_id", client.id, "user", client.userID, "total_clients", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				if set, ok := h.byUser[client.userID]; ok {
					delete(set, client)
					if len(set) == 0 {
						delete(h.byUser, client.userID)
					}
				}
				client.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Client unregistered", "client_id", client.id, "user", client.userID, "total_clients", total)
		}
	}
}

// Register hands a connection to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister detaches a connection.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// SendToUser fans a message out to every connection the user holds. A full
// client queue drops the message for that connection only.
func (h *Hub) SendToUser(userID string, msg Message) {
	h.mu.RLock()
	set := h.byUser[userID]
	targets := make([]*Client, 0, len(set))
	for client := range set {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if !client.Send(msg) {
			h.logger.Warn("Dropping push message for slow client",
				"client_id", client.id, "user", userID, "topic", msg.Topic)
		}
	}
}

// OrderUpdate implements core.IEventSink.
func (h *Hub) OrderUpdate(userID string, order *core.Order) {
	h.SendToUser(userID, NewOrderUpdate(order))
}

// AccountInfo implements core.IEventSink.
func (h *Hub) AccountInfo(userID string, balances []*core.Balance) {
	h.SendToUser(userID, NewAccountInfo(balances))
}

// Error implements core.IEventSink.
func (h *Hub) Error(userID string, message string) {
	h.SendToUser(userID, NewErrorMessage(message))
}

// ClientCount reports connected clients across all users.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// UserClientCount reports connections held by one user.
func (h *Hub) UserClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}
