package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"donor-insights/internal/metrics"
	"donor-insights/internal/ml"
)

const (
	broadcastBuffer = 100
	writeWait       = 10 * time.Second
)

// Hub streams training events to connected websocket clients. It implements
// ml.TrainingListener; events are queued without blocking the engine and
// dropped when the queue is full.
type Hub struct {
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
	broadcast chan ml.TrainingEvent
	stop      chan struct{}
	done      chan struct{}
	metrics   *metrics.MetricsWrapper

	mu        sync.Mutex
	isRunning bool
	stopped   bool
}

// NewHub creates a stopped hub. m may be nil.
func NewHub(m *metrics.MetricsWrapper) *Hub {
	return &Hub{
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan ml.TrainingEvent, broadcastBuffer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		metrics:   m,
	}
}

// Start launches the broadcaster. A hub can be started once.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.isRunning || h.stopped {
		return
	}
	h.isRunning = true
	go h.run()
}

// Stop halts the broadcaster and closes every client connection.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.isRunning {
		return
	}
	close(h.stop)
	<-h.done

	h.clientsMu.Lock()
	for client := range h.clients {
		h.removeLocked(client)
	}
	h.clientsMu.Unlock()
	h.isRunning = false
	h.stopped = true
}

// OnTrainingEvent queues ev for broadcast.
func (h *Hub) OnTrainingEvent(ev ml.TrainingEvent) {
	select {
	case h.broadcast <- ev:
	default:
		log.Warn().Str("type", ev.Type).Msg("Training event dropped, broadcast queue full")
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	return len(h.clients)
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case ev := <-h.broadcast:
			h.broadcastToClients(ev)
		case <-h.stop:
			return
		}
	}
}

func (h *Hub) broadcastToClients(ev ml.TrainingEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal training event")
		return
	}

	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for client := range h.clients {
		client.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debug().Err(err).Msg("Dropping websocket client")
			h.removeLocked(client)
		}
	}
}

func (h *Hub) removeLocked(conn *websocket.Conn) {
	if _, ok := h.clients[conn]; !ok {
		return
	}
	conn.Close()
	delete(h.clients, conn)
	if h.metrics != nil {
		h.metrics.WSClientsAdd(-1)
	}
}

// register adds conn unless the hub has been stopped. Holding mu keeps it
// ordered with Stop, which only disconnects clients it can see.
func (h *Hub) register(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	h.clientsMu.Unlock()
	if h.metrics != nil {
		h.metrics.WSClientsAdd(1)
	}
	return true
}

// ServeWS upgrades the request and keeps the client registered until it
// disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	if !h.register(conn) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub stopped"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	// Clients only listen; reading detects the disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.clientsMu.Lock()
	h.removeLocked(conn)
	h.clientsMu.Unlock()
}
