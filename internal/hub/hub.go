package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"fleet-server/internal/metrics"
	"fleet-server/internal/models"
)

const (
	historyLines = 100
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingPeriod   = 50 * time.Second
)

// LogReader returns the tail of a host log.
type LogReader interface {
	ReadLogs(hostID string, n int) ([]string, error)
}

// Forwarder delivers a console frame to the host agent.
type Forwarder interface {
	Send(hostID uuid.UUID, text string) bool
}

type client struct {
	hostID string
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
	done   chan struct{}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub fans agent frames out to operator consoles, keyed by host id.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*client]struct{}
	logs     LogReader
	forward  Forwarder
	upgrader websocket.Upgrader
}

func NewHub(logs LogReader, forward Forwarder) *Hub {
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		logs:    logs,
		forward: forward,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetForwarder wires the agent connection manager after construction.
func (h *Hub) SetForwarder(f Forwarder) { h.forward = f }

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.hostID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.hostID] = set
	}
	set[c] = struct{}{}
	metrics.ConsoleClients.Inc()
	log.Info().Str("host_id", c.hostID).Int("consoles", len(set)).Msg("Console attached")
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.hostID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.hostID)
	}
	metrics.ConsoleClients.Dec()
	log.Info().Str("host_id", c.hostID).Int("consoles", len(set)).Msg("Console detached")
}

// Count returns the number of consoles attached to hostID.
func (h *Hub) Count(hostID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[hostID])
}

// BroadcastLog sends text to every console of hostID. A console whose queue
// is full misses the frame.
func (h *Hub) BroadcastLog(hostID, text string) {
	data := []byte(text)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[hostID] {
		select {
		case c.send <- data:
		case <-c.done:
		default:
			log.Warn().Str("host_id", hostID).Msg("Console queue full, dropping frame")
		}
	}
}

// ServeConsole upgrades r and attaches it to hostID.
func (h *Hub) ServeConsole(w http.ResponseWriter, r *http.Request, hostID uuid.UUID) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("host_id", hostID.String()).Msg("Console upgrade failed")
		return
	}

	c := &client{
		hostID: hostID.String(),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	h.add(c)
	go h.writePump(c)
	h.readPump(c, hostID)
}

func (h *Hub) readPump(c *client, hostID uuid.UUID) {
	defer func() {
		h.remove(c)
		c.close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleConsoleFrame(c, hostID, string(data))
	}
}

func (h *Hub) handleConsoleFrame(c *client, hostID uuid.UUID, text string) {
	var msg models.AgentMessage
	if err := json.Unmarshal([]byte(text), &msg); err == nil && msg.Type == models.FrameFetchLogs {
		h.sendHistory(c)
		return
	}
	if h.forward == nil || !h.forward.Send(hostID, text) {
		log.Warn().Str("host_id", c.hostID).Msg("Console frame not delivered, host offline")
	}
}

func (h *Hub) sendHistory(c *client) {
	lines, err := h.logs.ReadLogs(c.hostID, historyLines)
	if err != nil {
		log.Warn().Err(err).Str("host_id", c.hostID).Msg("Read log history failed")
		lines = []string{}
	}
	data, err := json.Marshal(struct {
		Type    string   `json:"type"`
		Content []string `json:"content"`
	}{Type: models.FrameLogHistory, Content: lines})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
