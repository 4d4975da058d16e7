package broker

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/netosc/internal/infrastructure/config"
)

// Hub accepts WebSocket connections and pumps their frames to and from the relay.
//
// Each connection gets a read pump that hands raw frames to the relay
// without decoding them, and a write pump fed by a bounded send buffer.
type Hub struct {
	cfg    config.WebSocketConfig
	relay  *Relay
	logger Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu    sync.RWMutex
	conns map[uint64]*wsConn
	wg    sync.WaitGroup
}

// wsConn is one accepted WebSocket connection.
type wsConn struct {
	id     uint64
	hub    *Hub
	ws     *websocket.Conn
	remote string

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// NewHub creates a hub that feeds relay.
func NewHub(cfg config.WebSocketConfig, relay *Relay, logger Logger) *Hub {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Hub{
		cfg:    cfg,
		relay:  relay,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Clients are bridges, not browsers.
				return true
			},
		},
		conns: make(map[uint64]*wsConn),
	}
}

// ServeHTTP upgrades the request and starts the connection's pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &wsConn{
		id:     h.nextID.Add(1),
		hub:    h,
		ws:     ws,
		remote: r.RemoteAddr,
		send:   make(chan []byte, h.cfg.SendBuffer),
		closed: make(chan struct{}),
	}
	h.register(c)

	h.wg.Add(2)
	go c.writePump()
	go c.readPump()
}

// ConnectionCount returns the number of open WebSocket connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll closes every connection and waits for their pumps to exit.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
	h.wg.Wait()
}

func (h *Hub) register(c *wsConn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.logger.Debug("websocket connected", "conn", c.id, "remote", c.remote)
}

func (h *Hub) unregister(c *wsConn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	h.logger.Debug("websocket disconnected", "conn", c.id, "remote", c.remote)
}

// ID implements Conn.
func (c *wsConn) ID() uint64 { return c.id }

// Send queues a frame for the write pump without blocking.
func (c *wsConn) Send(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close signals both pumps to stop. Safe to call more than once.
func (c *wsConn) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// readPump hands inbound frames to the relay until the socket fails.
func (c *wsConn) readPump() {
	defer func() {
		c.hub.relay.Closed(c)
		c.Close()
		c.ws.Close()
		c.hub.unregister(c)
		c.hub.wg.Done()
	}()

	cfg := c.hub.cfg
	c.ws.SetReadLimit(int64(cfg.MaxMessageSize))
	pongWait := cfg.PongWait()
	//nolint:errcheck // Best-effort deadline on connection setup
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "conn", c.id, "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "conn", c.id, "error", err)
			}
			return
		}
		// Any inbound frame counts as liveness.
		//nolint:errcheck // Best-effort deadline reset
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if err := c.hub.relay.Deliver(c, message); err != nil {
			c.hub.logger.Debug("relay stopped, closing connection", "conn", c.id)
			return
		}
	}
}

// writePump drains the send buffer onto the socket and keeps it alive with pings.
func (c *wsConn) writePump() {
	cfg := c.hub.cfg
	ticker := time.NewTicker(cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.hub.wg.Done()
	}()

	writeWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case <-c.closed:
			//nolint:errcheck // Best-effort close handshake
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case message := <-c.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write failed", "conn", c.id, "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
