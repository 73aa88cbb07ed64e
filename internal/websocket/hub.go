package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"keyserver/internal/config"
	"keyserver/internal/infrastructure"
	"keyserver/pkg/contracts/events"
)

const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultSendBuffer = 64
	broadcastBuffer   = 256
)

// Settings holds connection timing for clients of a hub
type Settings struct {
	ReadBufferSize  int
	WriteBufferSize int
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	SendBuffer      int
}

// SettingsFrom maps the websocket section of the application config and
// fills in defaults.
func SettingsFrom(cfg config.WebSocketConfig) Settings {
	s := Settings{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		PongWait:        cfg.PongWait,
		PingPeriod:      cfg.PingPeriod,
	}
	return s.withDefaults()
}

func (s Settings) withDefaults() Settings {
	if s.WriteWait <= 0 {
		s.WriteWait = defaultWriteWait
	}
	if s.PongWait <= 0 {
		s.PongWait = defaultPongWait
	}
	// Pings must go out before the peer's read deadline passes
	if s.PingPeriod <= 0 || s.PingPeriod >= s.PongWait {
		s.PingPeriod = (s.PongWait * 9) / 10
	}
	if s.SendBuffer <= 0 {
		s.SendBuffer = defaultSendBuffer
	}
	return s
}

// Hub maintains the set of active clients and broadcasts messages to the clients
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	running bool
	quit    chan struct{}
	done    chan struct{}

	settings Settings
	logger   *slog.Logger

	totalConnections atomic.Int64
	messagesSent     atomic.Int64
	droppedMessages  atomic.Int64
}

// NewHub creates a new Hub instance
func NewHub(logger *slog.Logger, settings Settings) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		settings:   settings.withDefaults(),
		logger:     logger.With(slog.String("component", "websocket.hub")),
	}
}

// Upgrader returns a gorilla upgrader sized from the hub settings. Any
// origin is accepted, matching the HTTP API's CORS policy.
func (h *Hub) Upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  h.settings.ReadBufferSize,
		WriteBufferSize: h.settings.WriteBufferSize,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// Start starts the hub's goroutine
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	go h.run()
}

// Stop gracefully stops the hub and disconnects every client
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.quit)
	h.mu.Unlock()

	<-h.done
}

func (h *Hub) run() {
	defer close(h.done)

	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info("Hub shutting down")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()
			h.totalConnections.Add(1)

			ctx := client.context()
			h.logger.InfoContext(ctx, "Client registered",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr))

			h.greet(ctx, client)

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client]
			if ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()

			if ok {
				h.logger.InfoContext(client.context(), "Client unregistered",
					slog.Int("total_clients", count),
					slog.String("client_id", client.id),
					slog.Duration("connection_duration", time.Since(client.connectedAt)))
			}

		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

// greet sends the connection message to a newly registered client
func (h *Hub) greet(ctx context.Context, client *Client) {
	data, err := json.Marshal(events.WebSocketMessage{
		Type:      events.MessageTypeConnect,
		Timestamp: time.Now().UTC(),
		TraceID:   client.traceID,
		Data: events.ConnectionData{
			Status:   "connected",
			ClientID: client.id,
			Message:  "Subscribed to key events",
		},
	})
	if err != nil {
		return
	}

	select {
	case client.send <- data:
	default:
		h.logger.WarnContext(ctx, "Failed to send connection message - client buffer full",
			slog.String("client_id", client.id))
	}
}

// fanOut delivers message to every client, dropping clients whose
// buffer is full.
func (h *Hub) fanOut(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		select {
		case client.send <- message:
			h.messagesSent.Add(1)
		default:
			close(client.send)
			delete(h.clients, client)
			h.logger.WarnContext(client.context(), "Client send buffer full, disconnecting",
				slog.String("client_id", client.id))
		}
	}
}

// Publish queues a key event for every connected client. It never blocks.
func (h *Hub) Publish(ctx context.Context, evt events.KeyEvent) {
	data, err := json.Marshal(events.WebSocketMessage{
		Type:      evt.Type,
		Data:      evt,
		Timestamp: evt.At,
		TraceID:   infrastructure.GetTraceID(ctx),
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to marshal key event",
			slog.String("type", string(evt.Type)),
			slog.String("error", err.Error()))
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.droppedMessages.Add(1)
		h.logger.WarnContext(ctx, "Broadcast queue full, dropping event",
			slog.String("type", string(evt.Type)))
	}
}

// Register adds a client to the hub. Once the hub is stopped the client
// is closed instead.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.quit:
		close(client.send)
	}
}

func (h *Hub) remove(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetHubMetrics returns current hub metrics
func (h *Hub) GetHubMetrics() map[string]interface{} {
	return map[string]interface{}{
		"active_clients":    h.ClientCount(),
		"total_connections": h.totalConnections.Load(),
		"messages_sent":     h.messagesSent.Load(),
		"dropped_messages":  h.droppedMessages.Load(),
	}
}
