package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Hub tracks connected clients by user so dispatch progress can be pushed to
// the requester's open sockets.
type Hub struct {
	clients    map[*Client]bool
	users      map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
}

type Message struct {
	Type      string                 `json:"type"`
	UserID    string                 `json:"user_id,omitempty"`
	Timestamp int64                  `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		users:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.clients[client] = true
	userKey := client.UserID.Hex()
	if h.users[userKey] == nil {
		h.users[userKey] = make(map[*Client]bool)
	}
	h.users[userKey][client] = true
}

func (h *Hub) unregisterClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)

	userKey := client.UserID.Hex()
	if clients, ok := h.users[userKey]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.users, userKey)
		}
	}
	close(client.send)
}

// SendToUser delivers a typed event to every open socket of one user.
// Delivery is best-effort; a slow client is skipped, not waited on.
func (h *Hub) SendToUser(userID primitive.ObjectID, messageType string, data map[string]interface{}) {
	message := Message{
		Type:      messageType,
		UserID:    userID.Hex(),
		Timestamp: time.Now().Unix(),
		Data:      data,
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for client := range h.users[userID.Hex()] {
		select {
		case client.send <- payload:
		default:
		}
	}
}

func (h *Hub) ConnectedUsers() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.users)
}
