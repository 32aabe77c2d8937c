// Command fake-agent is a stand-in host agent for local development. It
// accepts the server's outbound channel on /ws, checks X-Agent-Secret, emits
// heartbeats and answers EXEC frames with a LOG line and an EXEC_RESULT.
package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"fleet-server/internal/models"
)

const version = "0.0.0-fake"

type agent struct {
	hostID    string
	secret    string
	osType    string
	interval  time.Duration
	serverURL string
	upgrader  websocket.Upgrader
	client    *http.Client
}

func main() {
	listen := pflag.String("listen", ":9090", "address to accept the server channel on")
	hostID := pflag.String("host-id", "", "host id issued by the server")
	secret := pflag.String("secret", "", "host secret key")
	osType := pflag.String("os", strings.ToUpper(runtime.GOOS), "reported OS type")
	interval := pflag.Duration("heartbeat", 30*time.Second, "heartbeat interval")
	serverURL := pflag.String("server", "", "server base URL for REST heartbeats (optional)")
	pflag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if *secret == "" {
		log.Fatal().Msg("--secret is required")
	}

	a := &agent{
		hostID:    *hostID,
		secret:    *secret,
		osType:    *osType,
		interval:  *interval,
		serverURL: strings.TrimRight(*serverURL, "/"),
		client:    &http.Client{Timeout: 10 * time.Second},
	}
	if a.serverURL != "" {
		go a.restHeartbeats()
	}

	http.HandleFunc("/ws", a.serveWS)
	log.Info().Str("addr", *listen).Msg("Fake agent listening")
	if err := http.ListenAndServe(*listen, nil); err != nil {
		log.Fatal().Err(err).Msg("Listen failed")
	}
}

func (a *agent) serveWS(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Agent-Secret") != a.secret {
		log.Warn().Str("remote", r.RemoteAddr).Msg("Rejected channel with bad secret")
		http.Error(w, "invalid secret", http.StatusUnauthorized)
		return
	}
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Upgrade failed")
		return
	}
	defer conn.Close()
	log.Info().Str("remote", r.RemoteAddr).Msg("Server connected")

	var mu sync.Mutex
	write := func(msg any) error {
		mu.Lock()
		defer mu.Unlock()
		return conn.WriteJSON(msg)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			if err := write(a.heartbeatFrame()); err != nil {
				return
			}
			select {
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Info().Err(err).Msg("Server disconnected")
			return
		}
		var msg models.AgentMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Str("frame", string(data)).Msg("Ignoring non-JSON frame")
			continue
		}
		log.Info().Str("type", msg.Type).Str("request_id", msg.RequestID).Msg("Frame received")
		if msg.Type != "EXEC" {
			continue
		}

		start := time.Now()
		_ = write(map[string]any{
			"type":      models.FrameLog,
			"requestId": msg.RequestID,
			"content":   "fake-agent: accepted " + string(msg.Content),
		})
		_ = write(map[string]any{
			"type":      models.FrameExecResult,
			"requestId": msg.RequestID,
			"content": map[string]any{
				"status":     "SUCCESS",
				"exitCode":   0,
				"durationMs": time.Since(start).Milliseconds(),
			},
		})
	}
}

func (a *agent) heartbeat() models.HeartbeatRequest {
	return models.HeartbeatRequest{
		AgentID:   a.hostID,
		Status:    string(models.HostOnline),
		Timestamp: time.Now().Format(time.RFC3339),
		Version:   version,
		OsType:    a.osType,
	}
}

func (a *agent) heartbeatFrame() map[string]any {
	return map[string]any{"type": models.FrameHeartbeat, "content": a.heartbeat()}
}

func (a *agent) restHeartbeats() {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for ; ; <-ticker.C {
		body, _ := json.Marshal(a.heartbeat())
		req, err := http.NewRequest(http.MethodPost, a.serverURL+"/api/gateway/heartbeat", bytes.NewReader(body))
		if err != nil {
			log.Error().Err(err).Msg("Build heartbeat request failed")
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Agent-Secret", a.secret)
		resp, err := a.client.Do(req)
		if err != nil {
			log.Warn().Err(err).Msg("REST heartbeat failed")
			continue
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			log.Warn().Int("status", resp.StatusCode).Msg("REST heartbeat rejected")
		}
	}
}
