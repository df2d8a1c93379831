package registry

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"swarmshare/pkg/metrics"
	"swarmshare/pkg/types"
)

const (
	signalSendBuffer = 16
	signalWriteWait  = 10 * time.Second
	signalPongWait   = 60 * time.Second
	signalPingPeriod = 25 * time.Second
)

// Hub tracks the live signaling connection of each device and pushes share
// updates to them. One connection per device key; a newer connection
// replaces the old one. Push is best-effort: a device whose send buffer is
// full gets dropped and will reconcile on reconnect.
type Hub struct {
	logger   *zap.Logger
	metrics  *metrics.RegistryMetrics
	upgrader websocket.Upgrader

	register   chan *signalConn
	unregister chan *signalConn
	push       chan pushRequest
	stop       chan struct{}
}

type signalConn struct {
	device types.DeviceKey
	conn   *websocket.Conn
	send   chan types.ShareUpdate
}

type pushRequest struct {
	device types.DeviceKey
	update types.ShareUpdate
	ok     chan bool
}

func NewHub(logger *zap.Logger, m *metrics.RegistryMetrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		register:   make(chan *signalConn),
		unregister: make(chan *signalConn),
		push:       make(chan pushRequest),
		stop:       make(chan struct{}),
	}
}

// Run owns the connection table; all access goes through channels so there
// is no lock to hold while a slow client blocks.
func (h *Hub) Run() {
	conns := make(map[types.DeviceKey]*signalConn)

	for {
		select {
		case c := <-h.register:
			if old, ok := conns[c.device]; ok {
				close(old.send)
			}
			conns[c.device] = c
			if h.metrics != nil {
				h.metrics.SignalConnections.Set(float64(len(conns)))
			}
			h.logger.Debug("Signaling client connected", zap.String("device", string(c.device)))

		case c := <-h.unregister:
			if cur, ok := conns[c.device]; ok && cur == c {
				delete(conns, c.device)
				close(c.send)
				if h.metrics != nil {
					h.metrics.SignalConnections.Set(float64(len(conns)))
				}
				h.logger.Debug("Signaling client disconnected", zap.String("device", string(c.device)))
			}

		case req := <-h.push:
			c, ok := conns[req.device]
			if !ok {
				req.ok <- false
				continue
			}
			select {
			case c.send <- req.update:
				req.ok <- true
			default:
				// Backed-up client: drop it rather than stall the registry.
				delete(conns, c.device)
				close(c.send)
				if h.metrics != nil {
					h.metrics.SignalDrops.Inc()
					h.metrics.SignalConnections.Set(float64(len(conns)))
				}
				h.logger.Warn("Dropped backed-up signaling client", zap.String("device", string(c.device)))
				req.ok <- false
			}

		case <-h.stop:
			for _, c := range conns {
				close(c.send)
			}
			return
		}
	}
}

func (h *Hub) Stop() {
	close(h.stop)
}

// Push implements the registry's Pusher. Returns false when the device is
// not connected or was dropped for backpressure.
func (h *Hub) Push(device types.DeviceKey, update types.ShareUpdate) bool {
	req := pushRequest{device: device, update: update, ok: make(chan bool, 1)}
	select {
	case h.push <- req:
		return <-req.ok
	case <-h.stop:
		return false
	}
}

// ServeHTTP upgrades a signaling request. The device key arrives as the
// "device" query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	device := types.DeviceKey(r.URL.Query().Get("device"))
	if _, _, err := device.Split(); err != nil {
		http.Error(w, "invalid device key", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Signaling upgrade failed", zap.Error(err))
		return
	}

	c := &signalConn{
		device: device,
		conn:   conn,
		send:   make(chan types.ShareUpdate, signalSendBuffer),
	}
	h.register <- c

	go c.writePump(h)
	go c.readPump(h)
}

func (c *signalConn) writePump(h *Hub) {
	ticker := time.NewTicker(signalPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case update, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(signalWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(update); err != nil {
				h.logger.Debug("Signaling write failed",
					zap.String("device", string(c.device)),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(signalWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; the signaling channel is push-only.
// Reading is still required to process pongs and notice the close.
func (c *signalConn) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(signalPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(signalPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
