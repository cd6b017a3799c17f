package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/reelcraft/api/internal/model"
)

// Client is one socket subscribed to one job.
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// Hub fans job snapshots out to subscribed sockets.
type Hub struct {
	// Clients grouped by job ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	mu  sync.RWMutex
	log *slog.Logger
}

type BroadcastMessage struct {
	JobID   string
	Message []byte
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		log:        slog.With("component", "ws-hub"),
	}
}

// Run owns the subscription table until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.mu.Unlock()
			h.log.Debug("client subscribed", "jobId", client.JobID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.log.Debug("client unsubscribed", "jobId", client.JobID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
				default:
					// slow reader; drop it rather than block the hub
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove must be called with mu held.
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok {
		return
	}
	if _, ok := clients[client]; ok {
		delete(clients, client)
		close(client.Send)
		if len(clients) == 0 {
			delete(h.clients, client.JobID)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.clients {
		for client := range clients {
			h.remove(client)
		}
	}
}

// Register and Unregister are no-ops once Run has returned.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Subscribers counts the sockets watching jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

// BroadcastSnapshot sends the message matching s to the job's subscribers.
// It never blocks the caller.
func (h *Hub) BroadcastSnapshot(s *model.ProgressSnapshot) {
	if h == nil || s == nil {
		return
	}
	data, err := json.Marshal(model.MessageFor(s))
	if err != nil {
		h.log.Error("marshal snapshot message", "jobId", s.JobID, "error", err)
		return
	}
	select {
	case h.broadcast <- &BroadcastMessage{JobID: s.JobID, Message: data}:
	default:
		h.log.Warn("broadcast queue full, dropping update", "jobId", s.JobID)
	}
}

// HandleConnection serves one socket until it closes. initial, if set, is
// written before any broadcast.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string, initial []byte) {
	client := &Client{
		JobID: jobID,
		Conn:  c,
		Send:  make(chan []byte, 256),
	}
	if initial != nil {
		client.Send <- initial
	}

	h.Register(client)
	defer h.Unregister(client)

	// Send may be closed by the hub at any time, so pongs take their own path.
	pong := make(chan struct{}, 1)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					_ = c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-pong:
				data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
				if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read failed", "jobId", jobID, "error", err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			select {
			case pong <- struct{}{}:
			default:
			}
		}
	}
}
