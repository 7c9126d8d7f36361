// Package wsadapter is the alternate browser-oriented transport named in
// spec.md §1 ("the alternate browser-oriented event transport variant").
// It implements the same session.Handle port as tcpadapter, confirming
// spec §9's design note that only the adapter differs between the two
// historically divergent transport variants; the dispatcher contract is
// identical.
package wsadapter

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lattice-chat/server/internal/core/frame"
	"github.com/lattice-chat/server/internal/dispatcher"
	"github.com/lattice-chat/server/internal/logging"
	"github.com/lattice-chat/server/internal/session"
)

const sendBuffer = 256

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
	WriteBufferPool: &sync.Pool{
		New: func() any { return make([]byte, 4096) },
	},
}

// Conn adapts one upgraded *websocket.Conn to session.Handle.
type Conn struct {
	conn *websocket.Conn
	send chan frame.Frame
	done chan struct{}
}

var _ session.Handle = (*Conn)(nil)

// Send enqueues f for delivery; never blocks (same contract as tcpadapter).
func (c *Conn) Send(f frame.Frame) bool {
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// Handler upgrades HTTP requests to WebSocket and hands each connection to
// the dispatcher.
type Handler struct {
	d *dispatcher.Dispatcher
}

// New returns a Handler bound to d.
func New(d *dispatcher.Dispatcher) *Handler {
	return &Handler{d: d}
}

// ServeWs is a gin.HandlerFunc performing the WebSocket upgrade.
func (h *Handler) ServeWs(c *gin.Context) {
	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(context.Background(), "websocket upgrade failed", zap.Error(err))
		return
	}

	conn := &Conn{
		conn: wsConn,
		send: make(chan frame.Frame, sendBuffer),
		done: make(chan struct{}),
	}

	sid := h.d.Connect(conn)
	go conn.writePump()
	conn.readPump(h.d, sid)
}

func (c *Conn) writePump() {
	defer c.conn.Close()
	const writeWait = 10 * time.Second

	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				logging.Warn(context.Background(), "websocket write failed", zap.Error(err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readPump(d *dispatcher.Dispatcher, sid session.ID) {
	defer func() {
		close(c.done)
		c.conn.Close()
		d.Disconnect(sid)
	}()

	for {
		var f frame.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		d.HandleFrame(sid, c, f)
	}
}
