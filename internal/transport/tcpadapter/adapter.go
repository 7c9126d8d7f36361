// Package tcpadapter is the primary transport: newline-delimited JSON
// frames over a plain net.Conn. It implements session.Handle and is the
// sole owner of the socket; the core only ever sees the Handle.
//
// Connection architecture mirrors the teacher's Client: one goroutine reads
// and decodes inbound frames and pushes them into the dispatcher, a second
// drains a buffered outbound channel and writes to the socket, so a slow
// reader never blocks the dispatcher's broadcast loop.
package tcpadapter

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-chat/server/internal/core/frame"
	"github.com/lattice-chat/server/internal/dispatcher"
	"github.com/lattice-chat/server/internal/logging"
	"github.com/lattice-chat/server/internal/session"
)

const sendBuffer = 256

// Conn adapts one accepted net.Conn to the dispatcher's session.Handle
// port. The zero value is not usable; construct with Serve.
type Conn struct {
	conn net.Conn
	send chan frame.Frame
	done chan struct{}
}

var _ session.Handle = (*Conn)(nil)

// Send enqueues f for delivery. It never blocks: if the outbound buffer is
// full the send is dropped and false is returned, triggering the standard
// disconnect path (spec §5 "Send back-pressure").
func (c *Conn) Send(f frame.Frame) bool {
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// Listener accepts TCP connections and hands each one to the dispatcher.
type Listener struct {
	d *dispatcher.Dispatcher
}

// New returns a Listener bound to d.
func New(d *dispatcher.Dispatcher) *Listener {
	return &Listener{d: d}
}

// Serve accepts connections on ln until it errors or is closed. Each
// accepted connection is handled on its own goroutine, matching the
// parallel-workers scheduling model of spec §5.
func (l *Listener) Serve(ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		go l.handle(nc)
	}
}

func (l *Listener) handle(nc net.Conn) {
	c := &Conn{
		conn: nc,
		send: make(chan frame.Frame, sendBuffer),
		done: make(chan struct{}),
	}

	sid := l.d.Connect(c)
	go c.writePump()
	c.readPump(l.d, sid)
}

func (c *Conn) writePump() {
	defer c.conn.Close()
	const writeWait = 10 * time.Second

	enc := json.NewEncoder(c.conn)
	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := enc.Encode(f); err != nil {
				logging.Warn(context.Background(), "tcp write failed", zap.Error(err))
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

	dec := json.NewDecoder(bufio.NewReader(c.conn))
	for {
		var f frame.Frame
		if err := dec.Decode(&f); err != nil {
			return
		}
		d.HandleFrame(sid, c, f)
	}
}
