package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"

	"github.com/makeasinger/songforge/internal/model"
)

// Client represents a WebSocket client
type Client struct {
	SongID string
	Conn   *websocket.Conn
	Send   chan []byte

	// done is closed by the hub when the client is dropped
	done chan struct{}
}

// Hub maintains active WebSocket connections
type Hub struct {
	// Clients grouped by song ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu  sync.RWMutex
	log zerolog.Logger
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	SongID  string
	Message []byte
}

// NewHub creates a new Hub
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		log:        log.With().Str("component", "ws_hub").Logger(),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.SongID] == nil {
				h.clients[client.SongID] = make(map[*Client]bool)
			}
			h.clients[client.SongID][client] = true
			h.mu.Unlock()
			h.log.Debug().Str("song_id", client.SongID).Msg("client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.log.Debug().Str("song_id", client.SongID).Msg("client unregistered")

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.SongID] {
				select {
				case client.Send <- msg.Message:
				default:
					// slow consumer
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove drops a client and signals its writer. Callers hold mu.
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.SongID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.done)
	if len(clients) == 0 {
		delete(h.clients, client.SongID)
	}
}

// Subscribers returns the number of clients listening on a song
func (h *Hub) Subscribers(songID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[songID])
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// NotifyStatus pushes a status change to the song's subscribers. It never
// blocks the caller; messages are dropped when the hub is backed up.
func (h *Hub) NotifyStatus(songID, _ string, status model.SongStatus) {
	data, err := StatusMessage(songID, status)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal status message")
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{SongID: songID, Message: data}:
	default:
		h.log.Warn().Str("song_id", songID).Msg("broadcast queue full, dropping status")
	}
}

// StatusMessage encodes a status update
func StatusMessage(songID string, status model.SongStatus) ([]byte, error) {
	return json.Marshal(model.WSStatusMessage{
		Type:   model.WSMessageTypeStatus,
		SongID: songID,
		Status: status,
	})
}

// HandleConnection serves a WebSocket connection. initial, when non-nil,
// is sent before any broadcast.
func (h *Hub) HandleConnection(c *websocket.Conn, songID string, initial []byte) {
	client := &Client{
		SongID: songID,
		Conn:   c,
		Send:   make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	if initial != nil {
		client.Send <- initial
	}

	h.Register(client)
	defer h.Unregister(client)

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-client.done:
				c.WriteMessage(websocket.CloseMessage, []byte{})
				return

			case message := <-client.Send:
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("song_id", songID).Msg("websocket error")
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case client.Send <- pong:
			case <-client.done:
			default:
			}
		}
	}
}
