package agentconn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	SecretHeader = "X-Agent-Secret"

	sendBuffer   = 256
	writeTimeout = 10 * time.Second
)

var sessionSeq atomic.Uint64

// Listener receives endpoint events. Any field may be nil.
type Listener struct {
	OnMessage       func(text string)
	OnClose         func(sessionID uint64)
	OnConnectResult func(sessionID uint64, ok bool)
}

// Endpoint owns one outbound agent websocket.
type Endpoint struct {
	id       uint64
	conn     *websocket.Conn
	listener Listener

	send      chan string
	closed    chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
}

// Dial performs the upgrade handshake carrying the host secret. The returned
// endpoint does not deliver frames until Start is called.
func Dial(ctx context.Context, dialer *websocket.Dialer, wsURL, secret string, l Listener) (*Endpoint, error) {
	id := sessionSeq.Add(1)
	header := http.Header{}
	header.Set(SecretHeader, secret)

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if l.OnConnectResult != nil {
			l.OnConnectResult(id, false)
		}
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	e := &Endpoint{
		id:       id,
		conn:     conn,
		listener: l,
		send:     make(chan string, sendBuffer),
		closed:   make(chan struct{}),
	}
	if l.OnConnectResult != nil {
		l.OnConnectResult(id, true)
	}
	return e, nil
}

func (e *Endpoint) ID() uint64 { return e.id }

// Start launches the read and write pumps.
func (e *Endpoint) Start() {
	e.startOnce.Do(func() {
		go e.writePump()
		go e.readPump()
	})
}

func (e *Endpoint) IsOpen() bool {
	select {
	case <-e.closed:
		return false
	default:
		return true
	}
}

// SendText queues s for delivery. It never blocks; the frame is dropped
// when the endpoint is closed or its queue is full.
func (e *Endpoint) SendText(s string) bool {
	if !e.IsOpen() {
		return false
	}
	select {
	case e.send <- s:
		return true
	case <-e.closed:
		return false
	default:
		return false
	}
}

// Close shuts the connection down. OnClose fires once the read pump exits.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		_ = e.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = e.conn.Close()
	})
}

func (e *Endpoint) readPump() {
	defer func() {
		e.Close()
		if e.listener.OnClose != nil {
			e.listener.OnClose(e.id)
		}
	}()

	for {
		msgType, data, err := e.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if e.listener.OnMessage != nil {
			e.listener.OnMessage(string(data))
		}
	}
}

func (e *Endpoint) writePump() {
	for {
		select {
		case <-e.closed:
			return
		case msg := <-e.send:
			_ = e.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := e.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				e.Close()
				return
			}
		}
	}
}
