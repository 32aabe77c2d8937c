package agentconn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-server/internal/config"
	"fleet-server/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	hosts    []models.Host
	statuses map[uuid.UUID][]models.HostStatus
	osTypes  map[uuid.UUID]string
}

func newFakeStore(hosts ...models.Host) *fakeStore {
	return &fakeStore{
		hosts:    hosts,
		statuses: make(map[uuid.UUID][]models.HostStatus),
		osTypes:  make(map[uuid.UUID]string),
	}
}

func (s *fakeStore) ListHosts(context.Context) ([]models.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Host(nil), s.hosts...), nil
}

func (s *fakeStore) UpdateHostStatus(_ context.Context, id uuid.UUID, status models.HostStatus, osType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = append(s.statuses[id], status)
	if osType != "" {
		s.osTypes[id] = osType
	}
	return nil
}

func (s *fakeStore) last(id uuid.UUID) models.HostStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statuses[id]
	if len(st) == 0 {
		return ""
	}
	return st[len(st)-1]
}

func (s *fakeStore) count(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.statuses[id])
}

type fakeLogs struct {
	mu    sync.Mutex
	lines []string
}

func (l *fakeLogs) Append(_, content string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, content)
}

func (l *fakeLogs) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

type fakeHub struct {
	mu     sync.Mutex
	frames []string
}

func (h *fakeHub) BroadcastLog(_, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, text)
}

func (h *fakeHub) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.frames...)
}

// fakeAgent accepts upgrades on /ws when the secret header matches.
type fakeAgent struct {
	srv      *httptest.Server
	secret   string
	accepts  chan *websocket.Conn
	received chan string
	delay    time.Duration
}

func newFakeAgent(t *testing.T, secret string) *fakeAgent {
	t.Helper()
	a := &fakeAgent{
		secret:   secret,
		accepts:  make(chan *websocket.Conn, 8),
		received: make(chan string, 16),
	}
	upgrader := websocket.Upgrader{}
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" || r.Header.Get(SecretHeader) != a.secret {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if a.delay > 0 {
			time.Sleep(a.delay)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		a.accepts <- conn
		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				a.received <- string(data)
			}
		}()
	}))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *fakeAgent) url() string { return a.srv.URL }

func (a *fakeAgent) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-a.accepts:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not receive a connection")
		return nil
	}
}

func testConfig() config.ConnectConfig {
	return config.ConnectConfig{RetryCount: 1, RetryInterval: 20, ProbeTimeout: 2000}
}

func newTestManager(t *testing.T, store *fakeStore) (*Manager, *fakeLogs, *fakeHub) {
	t.Helper()
	logs := &fakeLogs{}
	hub := &fakeHub{}
	m := NewManager(store, logs, testConfig())
	m.SetBroadcaster(hub)
	t.Cleanup(m.Shutdown)
	return m, logs, hub
}

func testHost(url, secret string) models.Host {
	return models.Host{
		ID:                uuid.New(),
		Name:              "web-1",
		Status:            models.HostOffline,
		SecretKey:         secret,
		GatewayURL:        url,
		HeartbeatInterval: 30,
	}
}

func TestConnectAndWaitSendsSecretAndGoesOnline(t *testing.T) {
	agent := newFakeAgent(t, "s3cret")
	host := testHost(agent.url(), "s3cret")
	store := newFakeStore(host)
	m, _, _ := newTestManager(t, store)

	require.True(t, m.ConnectAndWait(&host, 2*time.Second))
	agent.accept(t)

	assert.True(t, m.IsConnected(host.ID))
	assert.Equal(t, models.HostOnline, store.last(host.ID))

	// already connected short-circuits
	assert.True(t, m.ConnectAndWait(&host, time.Second))
}

func TestConnectAndWaitWrongSecret(t *testing.T) {
	agent := newFakeAgent(t, "s3cret")
	host := testHost(agent.url(), "wrong")
	store := newFakeStore(host)
	m, _, _ := newTestManager(t, store)

	assert.False(t, m.ConnectAndWait(&host, 2*time.Second))
	assert.False(t, m.IsConnected(host.ID))
	assert.Equal(t, models.HostException, store.last(host.ID))
}

func TestConnectAndWaitTimeout(t *testing.T) {
	agent := newFakeAgent(t, "s3cret")
	agent.delay = 500 * time.Millisecond
	host := testHost(agent.url(), "s3cret")
	store := newFakeStore(host)
	m, _, _ := newTestManager(t, store)

	assert.False(t, m.ConnectAndWait(&host, 50*time.Millisecond))
	assert.Equal(t, models.HostException, store.last(host.ID))
}

func TestConnectAndWaitBlankURL(t *testing.T) {
	host := testHost("  ", "s3cret")
	store := newFakeStore(host)
	m, _, _ := newTestManager(t, store)

	assert.False(t, m.ConnectAndWait(&host, time.Second))
	assert.Zero(t, store.count(host.ID))
}

func TestSendDeliversToAgent(t *testing.T) {
	agent := newFakeAgent(t, "s3cret")
	host := testHost(agent.url(), "s3cret")
	m, _, _ := newTestManager(t, newFakeStore(host))

	require.True(t, m.ConnectAndWait(&host, 2*time.Second))
	agent.accept(t)

	frame := `{"type":"EXEC","requestId":"r1","content":{"command":"ls"}}`
	require.True(t, m.Send(host.ID, frame))

	select {
	case got := <-agent.received:
		assert.Equal(t, frame, got)
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not receive frame")
	}

	assert.False(t, m.Send(uuid.New(), frame))
}

func TestConnectRetriesThenException(t *testing.T) {
	agent := newFakeAgent(t, "s3cret")
	host := testHost(agent.url(), "wrong")
	store := newFakeStore(host)
	m, _, _ := newTestManager(t, store)

	m.Connect(&host)
	// a second request while the first is in flight is dropped
	m.Connect(&host)

	require.Eventually(t, func() bool {
		return store.last(host.ID) == models.HostException
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, store.count(host.ID))
	assert.False(t, m.IsConnected(host.ID))
}

func TestConnectAttemptCount(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	host := testHost(srv.URL, "s3cret")
	store := newFakeStore(host)
	cfg := testConfig()
	cfg.RetryCount = 3
	m := NewManager(store, &fakeLogs{}, cfg)
	t.Cleanup(m.Shutdown)

	// requests while an attempt is in flight schedule nothing new
	for i := 0; i < 5; i++ {
		m.Connect(&host)
	}

	require.Eventually(t, func() bool {
		return store.last(host.ID) == models.HostException
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(cfg.RetryCount+1), dials.Load())
	assert.Equal(t, 1, store.count(host.ID))
	assert.False(t, m.IsConnected(host.ID))
}

func TestConnectDeduplicates(t *testing.T) {
	agent := newFakeAgent(t, "s3cret")
	host := testHost(agent.url(), "s3cret")
	m, _, _ := newTestManager(t, newFakeStore(host))

	m.Connect(&host)
	m.Connect(&host)
	agent.accept(t)
	require.Eventually(t, func() bool { return m.IsConnected(host.ID) }, 3*time.Second, 10*time.Millisecond)

	m.Connect(&host)
	select {
	case <-agent.accepts:
		t.Fatal("duplicate connection opened")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRemoteCloseMarksOffline(t *testing.T) {
	agent := newFakeAgent(t, "s3cret")
	host := testHost(agent.url(), "s3cret")
	store := newFakeStore(host)
	m, _, _ := newTestManager(t, store)

	require.True(t, m.ConnectAndWait(&host, 2*time.Second))
	conn := agent.accept(t)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return store.last(host.ID) == models.HostOffline
	}, 3*time.Second, 10*time.Millisecond)
	assert.False(t, m.IsConnected(host.ID))
}

func TestStaleCloseDoesNotEvict(t *testing.T) {
	agent := newFakeAgent(t, "s3cret")
	host := testHost(agent.url(), "s3cret")
	store := newFakeStore(host)
	m, _, _ := newTestManager(t, store)

	require.True(t, m.ConnectAndWait(&host, 2*time.Second))
	agent.accept(t)

	m.mu.Lock()
	current := m.sessions[host.ID].ep.ID()
	m.mu.Unlock()

	before := store.count(host.ID)
	m.handleClose(host.ID, current+1000)
	assert.True(t, m.IsConnected(host.ID))
	assert.Equal(t, before, store.count(host.ID))
}

func TestDisconnectIsIdempotentAndKeepsStatus(t *testing.T) {
	agent := newFakeAgent(t, "s3cret")
	host := testHost(agent.url(), "s3cret")
	store := newFakeStore(host)
	m, _, _ := newTestManager(t, store)

	require.True(t, m.ConnectAndWait(&host, 2*time.Second))
	agent.accept(t)

	m.Disconnect(host.ID)
	m.Disconnect(host.ID)
	assert.False(t, m.IsConnected(host.ID))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, models.HostOnline, store.last(host.ID))
}

func TestReconnectAllSkipsUnconnectedAndException(t *testing.T) {
	agent := newFakeAgent(t, "s3cret")
	online := testHost(agent.url(), "s3cret")
	fresh := testHost(agent.url(), "s3cret")
	fresh.Status = models.HostUnconnected
	broken := testHost(agent.url(), "s3cret")
	broken.Status = models.HostException

	m, _, _ := newTestManager(t, newFakeStore(online, fresh, broken))
	m.ReconnectAll()

	require.Eventually(t, func() bool { return m.IsConnected(online.ID) }, 3*time.Second, 10*time.Millisecond)
	assert.False(t, m.IsConnected(fresh.ID))
	assert.False(t, m.IsConnected(broken.ID))
}

func TestFrameDispatch(t *testing.T) {
	agent := newFakeAgent(t, "s3cret")
	host := testHost(agent.url(), "s3cret")
	store := newFakeStore(host)
	m, logs, hub := newTestManager(t, store)

	require.True(t, m.ConnectAndWait(&host, 2*time.Second))
	conn := agent.accept(t)

	frames := []string{
		`{"type":"LOG","content":"line one"}`,
		`{"type":"LOG","content":{"raw":true}}`,
		`{"type":"EXEC_RESULT","requestId":"r9","content":{"status":"SUCCESS","exitCode":0,"durationMs":12}}`,
		`{"type":"EXEC_RESULT","requestId":"r10","content":{}}`,
		`{"type":"HEARTBEAT","content":{"agentId":"a1","osType":"LINUX"}}`,
		`HEARTBEAT`,
		`not json`,
	}
	for _, f := range frames {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(f)))
	}

	require.Eventually(t, func() bool { return len(hub.snapshot()) == len(frames) }, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{
		"line one",
		`{"raw":true}`,
		"EXEC_RESULT requestId=r9 status=SUCCESS exitCode=0 durationMs=12",
		"EXEC_RESULT requestId=r10 status=UNKNOWN exitCode=-1 durationMs=-1",
	}, logs.snapshot())

	got := hub.snapshot()
	assert.Equal(t, frames[0], got[0])
	assert.Equal(t, frames[2], got[2])
	assert.Equal(t, "not json", got[6])

	var legacy models.AgentMessage
	require.NoError(t, json.Unmarshal([]byte(got[5]), &legacy))
	assert.Equal(t, models.FrameHeartbeat, legacy.Type)
	assert.True(t, strings.HasPrefix(strings.Trim(string(legacy.Content), `"`), time.Now().Format("2006-01-02")))

	store.mu.Lock()
	assert.Equal(t, "LINUX", store.osTypes[host.ID])
	store.mu.Unlock()
	assert.Equal(t, models.HostOnline, store.last(host.ID))
}

func TestExecSummaryDefaults(t *testing.T) {
	assert.Equal(t, "EXEC_RESULT requestId=x status=UNKNOWN exitCode=-1 durationMs=-1", ExecSummary("x", nil))
	assert.Equal(t, "EXEC_RESULT requestId=x status=FAILED exitCode=2 durationMs=-1",
		ExecSummary("x", json.RawMessage(`{"status":"FAILED","exitCode":2}`)))
}
