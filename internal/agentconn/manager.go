package agentconn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"fleet-server/internal/cache"
	"fleet-server/internal/config"
	"fleet-server/internal/metrics"
	"fleet-server/internal/models"
	"fleet-server/internal/natsbus"
)

const (
	handshakeTimeout  = 10 * time.Second
	statusTimeout     = 5 * time.Second
	connectingBackoff = 2 * time.Second
)

// HostStore is the slice of the catalogue the manager needs.
type HostStore interface {
	ListHosts(ctx context.Context) ([]models.Host, error)
	UpdateHostStatus(ctx context.Context, id uuid.UUID, status models.HostStatus, osType string) error
}

type LogAppender interface {
	Append(hostID, content string)
}

type Broadcaster interface {
	BroadcastLog(hostID, text string)
}

type EventPublisher interface {
	PublishHostEvent(hostID, kind, status, detail string)
}

type session struct {
	ep     *Endpoint
	window time.Duration
}

// Manager supervises the outbound channel to every host. A host is either
// absent, connecting, or holds exactly one registered session.
type Manager struct {
	store  HostStore
	logs   LogAppender
	hub    Broadcaster
	events EventPublisher
	cache  cache.Client
	cfg    config.ConnectConfig
	dialer *websocket.Dialer

	mu         sync.Mutex
	sessions   map[uuid.UUID]*session
	connecting map[uuid.UUID]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(store HostStore, logs LogAppender, cfg config.ConnectConfig) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:      store,
		logs:       logs,
		cache:      cache.Nop{},
		cfg:        cfg,
		dialer:     &websocket.Dialer{HandshakeTimeout: handshakeTimeout, Proxy: websocket.DefaultDialer.Proxy},
		sessions:   make(map[uuid.UUID]*session),
		connecting: make(map[uuid.UUID]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetBroadcaster wires the console hub. The hub and the manager reference
// each other, so this is set after both exist.
func (m *Manager) SetBroadcaster(b Broadcaster) { m.hub = b }

func (m *Manager) SetEventPublisher(p EventPublisher) { m.events = p }

func (m *Manager) SetCache(c cache.Client) { m.cache = c }

// Start connects every host that is not UNCONNECTED or EXCEPTION.
func (m *Manager) Start() {
	log.Info().Msg("Starting agent connection check")
	m.goAsync(func() { m.connectAll(false) })
}

// Shutdown stops background attempts and closes every session.
func (m *Manager) Shutdown() {
	m.cancel()
	m.mu.Lock()
	eps := make([]*Endpoint, 0, len(m.sessions))
	for id, s := range m.sessions {
		eps = append(eps, s.ep)
		delete(m.sessions, id)
	}
	metrics.AgentSessions.Set(0)
	m.mu.Unlock()

	for _, ep := range eps {
		ep.Close()
	}
	m.wg.Wait()
}

// ReconnectAll disconnects and reconnects every connectable host.
func (m *Manager) ReconnectAll() {
	log.Info().Msg("Starting scheduled reconnection")
	m.connectAll(true)
}

func (m *Manager) connectAll(reconnect bool) {
	ctx, cancel := context.WithTimeout(m.ctx, statusTimeout)
	hosts, err := m.store.ListHosts(ctx)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("List hosts for connection check failed")
		return
	}
	for i := range hosts {
		host := hosts[i]
		if !host.Status.Connectable() {
			continue
		}
		if reconnect {
			m.Disconnect(host.ID)
		}
		m.Connect(&host)
	}
}

func (m *Manager) goAsync(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// beginConnect reserves the connecting slot. It reports whether the caller
// owns the attempt and whether a live session already exists.
func (m *Manager) beginConnect(hostID uuid.UUID) (owned bool, live bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return false, false
	}

	if s, ok := m.sessions[hostID]; ok {
		if s.ep.IsOpen() {
			return false, true
		}
		delete(m.sessions, hostID)
		metrics.AgentSessions.Set(float64(len(m.sessions)))
	}
	if _, busy := m.connecting[hostID]; busy {
		return false, false
	}
	m.connecting[hostID] = struct{}{}
	return true, false
}

func (m *Manager) endConnect(hostID uuid.UUID) {
	m.mu.Lock()
	delete(m.connecting, hostID)
	m.mu.Unlock()
}

// register leaves the connecting set and installs ep as the host session,
// superseding any prior one. It reports false once the manager is shut down.
func (m *Manager) register(host *models.Host, ep *Endpoint) bool {
	m.mu.Lock()
	if m.ctx.Err() != nil {
		delete(m.connecting, host.ID)
		m.mu.Unlock()
		ep.Close()
		return false
	}
	prev := m.sessions[host.ID]
	m.sessions[host.ID] = &session{ep: ep, window: host.HeartbeatWindow()}
	delete(m.connecting, host.ID)
	metrics.AgentSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	ep.Start()
	if prev != nil && prev.ep != ep {
		prev.ep.Close()
	}
	log.Info().Str("host_id", host.ID.String()).Uint64("session_id", ep.ID()).Msg("Connected to host")
	return true
}

func (m *Manager) isLive(hostID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[hostID]
	return ok && s.ep.IsOpen()
}

// IsConnected reports whether the host has an open session.
func (m *Manager) IsConnected(hostID uuid.UUID) bool { return m.isLive(hostID) }

// Connect schedules a retrying background connect. It returns immediately.
func (m *Manager) Connect(host *models.Host) {
	if strings.TrimSpace(host.GatewayURL) == "" {
		log.Warn().Str("host_id", host.ID.String()).Msg("Skip connect: empty gatewayUrl")
		return
	}
	owned, live := m.beginConnect(host.ID)
	if live {
		log.Info().Str("host_id", host.ID.String()).Msg("Host already connected, skipping connect request")
		return
	}
	if !owned {
		log.Info().Str("host_id", host.ID.String()).Msg("Host is currently connecting, skipping duplicate request")
		return
	}

	h := *host
	m.goAsync(func() { m.connectWithRetry(&h) })
}

func (m *Manager) connectWithRetry(host *models.Host) {
	wsURL := NormalizeURL(host.GatewayURL)
	maxRetries := m.cfg.RetryCount
	delay := m.cfg.RetryDelay()

	for i := 0; i <= maxRetries; i++ {
		log.Info().Str("host_id", host.ID.String()).Str("url", wsURL).
			Int("attempt", i+1).Int("max_attempts", maxRetries+1).Msg("Connecting to agent")

		ep, err := Dial(m.ctx, m.dialer, wsURL, host.SecretKey, m.listener(host.ID))
		if err == nil {
			if m.register(host, ep) {
				m.setStatus(host.ID, models.HostOnline, "")
			}
			return
		}
		log.Error().Err(err).Str("host_id", host.ID.String()).Msg("Failed to connect to host")

		if i < maxRetries {
			select {
			case <-m.ctx.Done():
				m.endConnect(host.ID)
				return
			case <-time.After(delay):
			}
		}
	}

	m.endConnect(host.ID)
	if m.ctx.Err() != nil {
		return
	}
	m.setStatus(host.ID, models.HostException, "")
	log.Info().Str("host_id", host.ID.String()).Msg("Marking host as EXCEPTION after failed connection attempts")
}

// ConnectAndWait makes a single attempt and blocks up to timeout for its result.
func (m *Manager) ConnectAndWait(host *models.Host, timeout time.Duration) bool {
	if strings.TrimSpace(host.GatewayURL) == "" {
		log.Warn().Str("host_id", host.ID.String()).Msg("Skip connect: empty gatewayUrl")
		return false
	}
	owned, live := m.beginConnect(host.ID)
	if live {
		log.Info().Str("host_id", host.ID.String()).Msg("Host is already connected")
		return true
	}
	if !owned {
		log.Info().Str("host_id", host.ID.String()).Msg("Host is currently connecting, waiting")
		wait := timeout
		if wait > connectingBackoff {
			wait = connectingBackoff
		}
		select {
		case <-time.After(wait):
		case <-m.ctx.Done():
		}
		return m.isLive(host.ID)
	}

	wsURL := NormalizeURL(host.GatewayURL)
	log.Info().Str("host_id", host.ID.String()).Str("url", wsURL).Dur("timeout", timeout).Msg("Connecting to agent")

	ctx, cancel := context.WithCancel(m.ctx)
	defer cancel()
	result := make(chan bool, 1)
	h := *host
	m.goAsync(func() {
		ep, err := Dial(ctx, m.dialer, wsURL, h.SecretKey, m.listener(h.ID))
		if err != nil {
			log.Error().Err(err).Str("host_id", h.ID.String()).Msg("Failed to connect to host")
			m.endConnect(h.ID)
			result <- false
			return
		}
		result <- m.register(&h, ep)
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ok := <-result:
		if ok {
			m.setStatus(host.ID, models.HostOnline, "")
			return true
		}
		if m.ctx.Err() != nil {
			return false
		}
		m.setStatus(host.ID, models.HostException, "")
		return false
	case <-timer.C:
		log.Error().Str("host_id", host.ID.String()).Dur("timeout", timeout).Msg("Connection to host timed out")
		m.setStatus(host.ID, models.HostException, "")
		return false
	}
}

// Disconnect removes and closes the host session. Status is left untouched.
func (m *Manager) Disconnect(hostID uuid.UUID) {
	m.mu.Lock()
	s, ok := m.sessions[hostID]
	if ok {
		delete(m.sessions, hostID)
		metrics.AgentSessions.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()

	if ok {
		s.ep.Close()
	}
}

// Send dispatches text on the host session.
func (m *Manager) Send(hostID uuid.UUID, text string) bool {
	m.mu.Lock()
	s, ok := m.sessions[hostID]
	m.mu.Unlock()

	if !ok || !s.ep.IsOpen() {
		log.Error().Str("host_id", hostID.String()).Msg("Cannot send message, no active session for host")
		return false
	}
	if !s.ep.SendText(text) {
		log.Warn().Str("host_id", hostID.String()).Msg("Dropped message, session queue unavailable")
		return false
	}

	var msg models.AgentMessage
	if err := json.Unmarshal([]byte(text), &msg); err == nil {
		typ := msg.Type
		if typ == "" {
			typ = "UNKNOWN"
		}
		log.Info().Str("host_id", hostID.String()).Str("type", typ).Str("request_id", msg.RequestID).Msg("Dispatched message to host")
	} else {
		log.Info().Str("host_id", hostID.String()).Msg("Dispatched raw message to host")
	}
	return true
}

func (m *Manager) listener(hostID uuid.UUID) Listener {
	return Listener{
		OnMessage: func(text string) { m.handleMessage(hostID, text) },
		OnClose:   func(sessionID uint64) { m.handleClose(hostID, sessionID) },
		OnConnectResult: func(sessionID uint64, ok bool) {
			metrics.AgentConnectAttemptsTotal.WithLabelValues(metrics.Result(ok)).Inc()
		},
	}
}

// handleClose evicts the session only if it is still the registered one.
func (m *Manager) handleClose(hostID uuid.UUID, sessionID uint64) {
	m.mu.Lock()
	cur, ok := m.sessions[hostID]
	evict := ok && cur.ep.ID() == sessionID
	if evict {
		delete(m.sessions, hostID)
		metrics.AgentSessions.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()

	if !evict {
		log.Info().Str("host_id", hostID.String()).Uint64("session_id", sessionID).Msg("Stale session closed, ignoring")
		return
	}
	log.Info().Str("host_id", hostID.String()).Uint64("session_id", sessionID).Msg("Session closed for host")
	m.setStatus(hostID, models.HostOffline, "")
}

func (m *Manager) setStatus(hostID uuid.UUID, status models.HostStatus, osType string) {
	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()

	if err := m.store.UpdateHostStatus(ctx, hostID, status, osType); err != nil {
		log.Warn().Err(err).Str("host_id", hostID.String()).Str("status", string(status)).Msg("Update host status failed")
	}
	if err := m.cache.SetStatus(hostID.String(), string(status)); err != nil {
		log.Debug().Err(err).Str("host_id", hostID.String()).Msg("Cache status update failed")
	}
	if m.events != nil {
		m.events.PublishHostEvent(hostID.String(), natsbus.KindStatus, string(status), "")
	}
}

// heartbeat refreshes liveness without publishing a status event.
func (m *Manager) heartbeat(hostID uuid.UUID, osType string) {
	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()

	if err := m.store.UpdateHostStatus(ctx, hostID, models.HostOnline, osType); err != nil {
		log.Warn().Err(err).Str("host_id", hostID.String()).Msg("Update host heartbeat failed")
	}

	window := time.Duration(3*models.DefaultHeartbeatInterval) * time.Second
	m.mu.Lock()
	if s, ok := m.sessions[hostID]; ok {
		window = s.window
	}
	m.mu.Unlock()
	if err := m.cache.SetLastSeen(hostID.String(), time.Now(), window); err != nil {
		log.Debug().Err(err).Str("host_id", hostID.String()).Msg("Cache last seen update failed")
	}
}

func (m *Manager) broadcast(hostID uuid.UUID, text string) {
	if m.hub != nil {
		m.hub.BroadcastLog(hostID.String(), text)
	}
}

func (m *Manager) handleMessage(hostID uuid.UUID, text string) {
	log.Debug().Str("host_id", hostID.String()).Str("frame", text).Msg("Received from agent")

	var msg models.AgentMessage
	if err := json.Unmarshal([]byte(text), &msg); err == nil {
		switch msg.Type {
		case models.FrameLog:
			metrics.AgentFramesTotal.WithLabelValues(models.FrameLog).Inc()
			m.logs.Append(hostID.String(), contentText(msg.Content))
			if msg.RequestID != "" {
				log.Debug().Str("host_id", hostID.String()).Str("request_id", msg.RequestID).Msg("Log message")
			}
			m.broadcast(hostID, text)
			return

		case models.FrameHeartbeat:
			metrics.AgentFramesTotal.WithLabelValues(models.FrameHeartbeat).Inc()
			var hb models.HeartbeatRequest
			if err := json.Unmarshal(msg.Content, &hb); err != nil {
				log.Error().Err(err).Str("host_id", hostID.String()).Msg("Failed to parse heartbeat")
			}
			m.heartbeat(hostID, hb.OsType)
			m.broadcast(hostID, text)
			return

		case models.FrameExecResult:
			metrics.AgentFramesTotal.WithLabelValues(models.FrameExecResult).Inc()
			summary := ExecSummary(msg.RequestID, msg.Content)
			m.logs.Append(hostID.String(), summary)
			log.Info().Str("host_id", hostID.String()).Str("request_id", msg.RequestID).Msg(summary)
			if m.events != nil {
				m.events.PublishHostEvent(hostID.String(), natsbus.KindExecResult, "", summary)
			}
			m.broadcast(hostID, text)
			return
		}
	}

	if text == models.FrameHeartbeat {
		metrics.AgentFramesTotal.WithLabelValues("LEGACY_HEARTBEAT").Inc()
		m.heartbeat(hostID, "")
		m.broadcast(hostID, legacyHeartbeat(time.Now()))
		return
	}
	metrics.AgentFramesTotal.WithLabelValues("OTHER").Inc()
	m.broadcast(hostID, text)
}

// ExecSummary renders the single-line log record for an EXEC_RESULT frame.
func ExecSummary(requestID string, content json.RawMessage) string {
	var r struct {
		Status     *string `json:"status"`
		ExitCode   *int    `json:"exitCode"`
		DurationMs *int64  `json:"durationMs"`
	}
	_ = json.Unmarshal(content, &r)

	status, exitCode, durationMs := "UNKNOWN", -1, int64(-1)
	if r.Status != nil {
		status = *r.Status
	}
	if r.ExitCode != nil {
		exitCode = *r.ExitCode
	}
	if r.DurationMs != nil {
		durationMs = *r.DurationMs
	}
	return fmt.Sprintf("EXEC_RESULT requestId=%s status=%s exitCode=%d durationMs=%d", requestID, status, exitCode, durationMs)
}

func contentText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func legacyHeartbeat(now time.Time) string {
	data, _ := json.Marshal(map[string]string{
		"type":    models.FrameHeartbeat,
		"content": now.Format("2006-01-02T15:04:05.000"),
	})
	return string(data)
}
