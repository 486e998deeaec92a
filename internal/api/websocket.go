package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// How long a fresh socket has to present its auth frame.
	authWait = 5 * time.Second

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// Close code sent on a failed or missing auth frame.
	closeInvalidToken = 4003
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin filtering happens at the CORS layer for the REST API;
		// sockets are guarded by the auth frame instead.
		return true
	},
}

// wsMessage is the frame pushed to dashboard clients.
type wsMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// authFrame is the first frame a client must send when auth is enabled.
type authFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// WSClient represents one connected dashboard socket.
type WSClient struct {
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	closeChan chan struct{}
}

// Hub manages all dashboard push sockets.
type Hub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
	log        zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte, 4096),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		log:        logger.With().Str("component", "dashboard_ws").Logger(),
	}
}

// Run owns the client set until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client's send buffer is full, drop the client.
					go func(c *WSClient) {
						h.unregister <- c
					}(client)
				}
			}
			h.mu.Unlock()

		case <-stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast pushes a typed state delta to every connected client.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	message := wsMessage{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(message)
	if err != nil {
		h.log.Error().Err(err).Str("type", eventType).Msg("Failed to marshal push message")
		return
	}

	select {
	case h.broadcast <- raw:
	default:
		h.log.Warn().Str("type", eventType).Msg("Broadcast channel full, dropping message")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// writePump pumps messages from the hub to the websocket connection.
func (c *WSClient) writePump() {
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

		case <-c.closeChan:
			return
		}
	}
}

// readPump drains inbound frames so pings and closes are processed.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
		close(c.closeChan)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
		// Clients only talk during auth; anything later is a keepalive.
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// handleWebSocket upgrades the connection, authenticates via the first
// frame, then streams state deltas.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	if s.token != "" {
		if !s.authenticateSocket(conn) {
			return
		}
	}

	client := &WSClient{
		conn:      conn,
		send:      make(chan []byte, 256),
		hub:       s.hub,
		closeChan: make(chan struct{}),
	}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()

	// First frame after auth is the full state snapshot.
	initial := wsMessage{
		Type:      eventInitialState,
		Data:      s.bridge.Snapshot(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if raw, err := json.Marshal(initial); err == nil {
		select {
		case client.send <- raw:
		default:
		}
	}
}

// authenticateSocket enforces the auth-frame handshake. The caller's
// token must arrive within authWait or the socket is closed.
func (s *Server) authenticateSocket(conn *websocket.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(authWait))

	var frame authFrame
	if err := conn.ReadJSON(&frame); err != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(closeInvalidToken, "Auth timeout"),
			time.Now().Add(writeWait),
		)
		conn.Close()
		return false
	}

	if frame.Type != "auth" ||
		subtle.ConstantTimeCompare([]byte(frame.Token), []byte(s.token)) != 1 {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteJSON(map[string]string{"type": "error", "message": "Invalid token"})
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(closeInvalidToken, "Invalid token"),
			time.Now().Add(writeWait),
		)
		conn.Close()
		return false
	}

	conn.SetReadDeadline(time.Time{})
	return true
}
