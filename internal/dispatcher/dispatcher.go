// Package dispatcher implements C5: the public façade of the core. It
// receives decoded inbound frames, mutates C1-C4 under the locking
// discipline of spec §5, and emits outbound frames via session.Handle.Send.
// It also hosts the idle-timeout sweeper.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-chat/server/internal/core/errs"
	"github.com/lattice-chat/server/internal/core/frame"
	"github.com/lattice-chat/server/internal/logging"
	"github.com/lattice-chat/server/internal/membership"
	"github.com/lattice-chat/server/internal/messagelog"
	"github.com/lattice-chat/server/internal/metrics"
	"github.com/lattice-chat/server/internal/room"
	"github.com/lattice-chat/server/internal/session"
)

// Dispatcher is C5.
//
// Locking: session.Registry, room.Store, membership.Membership and
// messagelog.Log each guard their own state. fanoutMu is an additional,
// coarser lock held across two of the three composite operations spec §5
// calls out as needing cross-component atomicity (join/move lives entirely
// inside Membership.Join's own lock and needs no help here; delete-room and
// append-and-fan-out span two components and take fanoutMu). This mirrors
// the teacher's Room.mu, which centralizes mutex acquisition across
// participant maps, chat history, and broadcast in one lock rather than
// fine-grained per-field locks.
type Dispatcher struct {
	Sessions *session.Registry
	Rooms    *room.Store
	Members  *membership.Membership
	Messages *messagelog.Log

	fanoutMu sync.Mutex

	idleTimeout time.Duration
	maxHistory  int

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// Config configures sweeper cadence and join-time replay length.
type Config struct {
	IdleTimeout time.Duration // 0 disables the sweeper
	MaxHistory  int
}

// New wires a Dispatcher over the caller's room store (C2) and fresh C1, C3
// and C4 stores.
func New(rooms *room.Store, cfg Config) *Dispatcher {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 50
	}
	return &Dispatcher{
		Sessions:    session.NewRegistry(),
		Rooms:       rooms,
		Members:     membership.New(),
		Messages:    messagelog.New(),
		idleTimeout: cfg.IdleTimeout,
		maxHistory:  cfg.MaxHistory,
		stopSweep:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}
}

// occupantCount adapts Members.OccupantCount to room.Store's list callback
// signature.
func (d *Dispatcher) occupantCount(roomID string) int {
	return d.Members.OccupantCount(roomID)
}

// Connect registers a new session and sends its welcome + rooms_list frames.
// It is invoked by a transport adapter immediately after accepting a
// connection; it is not itself an inbound Frame.
func (d *Dispatcher) Connect(handle session.Handle) session.ID {
	sess := d.Sessions.Register(handle)
	metrics.ActiveSessions.Inc()

	handle.Send(frame.System(frame.EvtWelcome))
	handle.Send(d.roomsListFrame())

	logging.Info(context.Background(), "session connected", zap.String("session_id", string(sess.SID)))
	return sess.SID
}

// HandleFrame routes one inbound (sid, Frame) to the appropriate handler.
// Every handler first touches the session's last-activity timestamp. handle
// is the transport's own Handle for sid, passed in on every call so a frame
// arriving after the registry record has already been dropped (e.g. by the
// sweeper, racing with a frame still in flight on the socket) can still be
// answered: the dispatcher no longer holds a Handle for a dropped session,
// but the transport adapter calling in still does.
func (d *Dispatcher) HandleFrame(sid session.ID, handle session.Handle, f frame.Frame) {
	d.Sessions.Touch(sid)

	sess, err := d.Sessions.Lookup(sid)
	if err != nil {
		// spec §5 "Cancellation" / §8 S4: the session is gone, but the
		// socket that sent this frame may still be open. Tell it so,
		// rather than dropping the frame with no outbound reply at all.
		handle.Send(frame.ErrorFrame(string(errs.Gone), "session no longer exists"))
		return
	}

	if !f.IsCommand() {
		d.handleSendMessage(sess, frame.SendMessageParams{Content: f.Message})
		return
	}

	switch f.Command {
	case frame.CmdAuthenticate:
		var p frame.AuthenticateParams
		if d.decodeOrReject(sess, f, &p) {
			d.handleAuthenticate(sess, p)
		}
	case frame.CmdCreateRoom:
		var p frame.CreateRoomParams
		if d.decodeOrReject(sess, f, &p) {
			d.handleCreateRoom(sess, p)
		}
	case frame.CmdJoinRoom:
		var p frame.JoinRoomParams
		if d.decodeOrReject(sess, f, &p) {
			d.handleJoinRoom(sess, p)
		}
	case frame.CmdLeaveRoom:
		var p frame.LeaveRoomParams
		if d.decodeOrReject(sess, f, &p) {
			d.handleLeaveRoom(sess, p)
		}
	case frame.CmdSendMessage:
		var p frame.SendMessageParams
		if d.decodeOrReject(sess, f, &p) {
			d.handleSendMessage(sess, p)
		}
	case frame.CmdUpdateMessage:
		var p frame.UpdateMessageParams
		if d.decodeOrReject(sess, f, &p) {
			d.handleUpdateMessage(sess, p)
		}
	case frame.CmdDeleteMessage:
		var p frame.DeleteMessageParams
		if d.decodeOrReject(sess, f, &p) {
			d.handleDeleteMessage(sess, p)
		}
	case frame.CmdGetRooms:
		d.handleGetRooms(sess)
	case frame.CmdGetRoomInfo:
		var p frame.GetRoomInfoParams
		if d.decodeOrReject(sess, f, &p) {
			d.handleGetRoomInfo(sess, p)
		}
	case frame.CmdGetStats:
		d.handleGetStats(sess)
	case frame.CmdDeleteRoom:
		var p frame.DeleteRoomParams
		if d.decodeOrReject(sess, f, &p) {
			d.handleDeleteRoom(sess, p)
		}
	case frame.CmdTyping:
		var p frame.TypingParams
		if d.decodeOrReject(sess, f, &p) {
			d.handleTyping(sess, p)
		}
	case frame.CmdBroadcast:
		var p frame.BroadcastParams
		if d.decodeOrReject(sess, f, &p) {
			d.handleBroadcast(sess, p)
		}
	case frame.CmdQuit:
		d.Disconnect(sess.SID)
	default:
		sess.Handle.Send(frame.ErrorFrame(string(errs.BadRequest), "unknown command"))
	}
}

// decodeOrReject decodes f.Params into dst, rejecting the frame with a
// BadRequest error if decoding fails. Returns whether the handler should
// proceed.
func (d *Dispatcher) decodeOrReject(sess session.Session, f frame.Frame, dst any) bool {
	if err := f.DecodeParams(dst); err != nil {
		sess.Handle.Send(frame.ErrorFrame(string(errs.BadRequest), "malformed params: "+err.Error()))
		return false
	}
	return true
}

// requireAuthenticated rejects frames whose precondition is "Authenticated"
// (spec §4.5) when sess still holds its placeholder Guest-<n> identity.
// Returns whether the handler should proceed.
func (d *Dispatcher) requireAuthenticated(sess session.Session) bool {
	if !sess.Authenticated {
		sess.Handle.Send(frame.ErrorFrame(string(errs.BadRequest), "authenticate first"))
		return false
	}
	return true
}

// Disconnect runs the standard cleanup path: leave the current room
// (posting a system message), archive a reconnect hint, and drop from C1.
// Invoked by transport close, an explicit quit frame, or the sweeper.
func (d *Dispatcher) Disconnect(sid session.ID) {
	sess, err := d.Sessions.Lookup(sid)
	if err != nil {
		return
	}

	if roomID, ok := d.Members.Leave(string(sid)); ok {
		metrics.RoomOccupants.WithLabelValues(roomID).Set(float64(d.Members.OccupantCount(roomID)))
		d.announceSystem(roomID, sess.Username+" disconnected", frame.EvtUserDisconnected, "")
		d.Sessions.RecordDisconnect(sess.Username, sess.DeviceID, roomID)
	} else {
		d.Sessions.RecordDisconnect(sess.Username, sess.DeviceID, "")
	}

	if _, err := d.Sessions.Drop(sid); err == nil {
		metrics.ActiveSessions.Dec()
	}

	logging.Info(context.Background(), "session disconnected", zap.String("session_id", string(sid)))
}
