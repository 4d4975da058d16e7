package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// defaultReadIdle is how long the transport waits for any frame, ping
// included, before treating the connection as dead.
const defaultReadIdle = 75 * time.Second

// writeWait bounds a single frame write.
const writeWait = 10 * time.Second

// Transport is one established broker connection.
//
// Send may be called from many goroutines. Receive is called from a single
// reader goroutine.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens broker connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebSocketDialer dials the broker with gorilla/websocket.
type WebSocketDialer struct {
	// ReadIdle is the read deadline refreshed by every inbound frame and
	// ping. Zero means 75s.
	ReadIdle time.Duration

	// Header is sent with the upgrade request.
	Header http.Header
}

// Dial performs the WebSocket handshake. The handshake is bounded by ctx.
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, url, err)
	}

	idle := d.ReadIdle
	if idle <= 0 {
		idle = defaultReadIdle
	}
	t := &wsTransport{conn: conn, idle: idle}
	//nolint:errcheck // Best-effort deadline on connection setup
	conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPingHandler(func(appData string) error {
		//nolint:errcheck // Best-effort deadline reset
		conn.SetReadDeadline(time.Now().Add(idle))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	return t, nil
}

// wsTransport serialises writes; gorilla allows one concurrent writer.
type wsTransport struct {
	conn *websocket.Conn
	idle time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	//nolint:errcheck // Best-effort deadline; write error caught below
	t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func (t *wsTransport) Receive() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	//nolint:errcheck // Best-effort deadline reset
	t.conn.SetReadDeadline(time.Now().Add(t.idle))
	return data, nil
}

// Close sends a close frame when possible and closes the socket.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		//nolint:errcheck // Best-effort close handshake
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
