package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-chat/server/internal/core/errs"
	"github.com/lattice-chat/server/internal/core/frame"
	"github.com/lattice-chat/server/internal/logging"
	"github.com/lattice-chat/server/internal/messagelog"
	"github.com/lattice-chat/server/internal/metrics"
	"github.com/lattice-chat/server/internal/room"
	"github.com/lattice-chat/server/internal/session"
)

func (d *Dispatcher) handleAuthenticate(sess session.Session, p frame.AuthenticateParams) {
	if p.Username == "" {
		sess.Handle.Send(frame.ErrorFrame(string(errs.BadRequest), "username is required"))
		return
	}

	assigned, hint, err := d.Sessions.Authenticate(sess.SID, p.Username, p.DeviceID)
	if err != nil {
		sess.Handle.Send(frame.ErrorFrame(string(errs.KindOf(err)), err.Error()))
		return
	}

	general, err := d.Rooms.GetByName(room.GeneralName)
	if err != nil {
		logging.Fatal(context.Background(), "General room missing", zap.Error(err))
	}
	if err := d.doJoin(sess.SID, general.RoomID); err != nil {
		logging.Fatal(context.Background(), "failed to auto-join General", zap.Error(err))
	}

	ack := frame.System(frame.EvtAuthAck)
	sess.Handle.Send(frame.WithParams(ack, frame.AuthAckParams{
		UsernameAssigned: assigned,
		ReconnectHint:    hint,
	}))

	d.announceSystem(general.RoomID, assigned+" joined", frame.EvtUserJoinedRoom, "")
}

func (d *Dispatcher) handleCreateRoom(sess session.Session, p frame.CreateRoomParams) {
	if !d.requireAuthenticated(sess) {
		return
	}
	if p.Name == "" {
		sess.Handle.Send(frame.WithParams(frame.System(frame.EvtCreateRoomResult), frame.CreateRoomResultParams{
			OK: false, Kind: string(errs.BadRequest), Message: "name is required",
		}))
		return
	}
	visibility := room.Visibility(p.Visibility)
	if visibility != room.Public && visibility != room.Private {
		visibility = room.Public
	}

	roomID, err := d.Rooms.Create(p.Name, visibility, p.Password, sess.Username)
	if err != nil {
		sess.Handle.Send(frame.WithParams(frame.System(frame.EvtCreateRoomResult), frame.CreateRoomResultParams{
			OK: false, Kind: string(errs.KindOf(err)), Message: err.Error(),
		}))
		return
	}

	sess.Handle.Send(frame.WithParams(frame.System(frame.EvtCreateRoomResult), frame.CreateRoomResultParams{
		OK: true, RoomID: roomID,
	}))
	d.broadcastRoomsList()
}

func (d *Dispatcher) handleJoinRoom(sess session.Session, p frame.JoinRoomParams) {
	if !d.requireAuthenticated(sess) {
		return
	}
	if err := d.Rooms.VerifyPassword(p.RoomID, p.Password); err != nil {
		sess.Handle.Send(frame.ErrorFrame(string(errs.KindOf(err)), err.Error()))
		return
	}

	if err := d.doJoin(sess.SID, p.RoomID); err != nil {
		sess.Handle.Send(frame.ErrorFrame(string(errs.KindOf(err)), err.Error()))
		return
	}

	d.announceSystem(p.RoomID, sess.Username+" joined the room", frame.EvtUserJoinedRoom, "")

	sess.Handle.Send(frame.WithParams(frame.System(frame.EvtJoinRoomResult), frame.JoinRoomResultParams{
		OK: true, RoomID: p.RoomID,
	}))
	sess.Handle.Send(d.roomInfoFrame(p.RoomID))
}

func (d *Dispatcher) handleLeaveRoom(sess session.Session, p frame.LeaveRoomParams) {
	current, inRoom := d.Members.RoomOf(string(sess.SID))
	if !inRoom {
		sess.Handle.Send(frame.ErrorFrame(string(errs.BadRequest), "not in a room"))
		return
	}
	if p.RoomID != "" && p.RoomID != current {
		sess.Handle.Send(frame.ErrorFrame(string(errs.BadRequest), "not in the requested room"))
		return
	}

	left, ok := d.Members.Leave(string(sess.SID))
	if !ok {
		return
	}
	metrics.RoomOccupants.WithLabelValues(left).Set(float64(d.Members.OccupantCount(left)))

	d.announceSystem(left, sess.Username+" left the room", frame.EvtUserLeftRoom, "")

	if general, err := d.Rooms.GetByName(room.GeneralName); err == nil && left != general.RoomID {
		_ = d.doJoin(sess.SID, general.RoomID)
	}
}

func (d *Dispatcher) handleSendMessage(sess session.Session, p frame.SendMessageParams) {
	roomID, ok := d.Members.RoomOf(string(sess.SID))
	if !ok {
		sess.Handle.Send(frame.ErrorFrame(string(errs.BadRequest), "not in a room"))
		return
	}
	if p.Content == "" {
		sess.Handle.Send(frame.ErrorFrame(string(errs.BadRequest), "content is required"))
		return
	}

	rec := messagelog.NewRecord(roomID, sess.Username, string(sess.SID), p.Content, false)
	d.appendAndFanOut(roomID, rec)
}

func (d *Dispatcher) handleUpdateMessage(sess session.Session, p frame.UpdateMessageParams) {
	if !d.requireAuthenticated(sess) {
		return
	}
	rec, err := d.Messages.Edit(p.MessageID, string(sess.SID), p.Content)
	if err != nil {
		sess.Handle.Send(frame.ErrorFrame(string(errs.KindOf(err)), err.Error()))
		return
	}
	d.broadcastRoom(rec.RoomID, frame.System(frame.EvtMessageUpdated), frame.MessageUpdatedParams{
		MessageID: rec.MessageID,
		Content:   rec.Content,
		EditedAt:  frame.FormatTimestamp(rec.EditedAt),
	}, "")
}

func (d *Dispatcher) handleDeleteMessage(sess session.Session, p frame.DeleteMessageParams) {
	if !d.requireAuthenticated(sess) {
		return
	}
	notice, err := d.Messages.Delete(p.MessageID, string(sess.SID), sess.Username)
	if err != nil {
		sess.Handle.Send(frame.ErrorFrame(string(errs.KindOf(err)), err.Error()))
		return
	}
	d.broadcastRoom(notice.RoomID, frame.System(frame.EvtMessageDeleted), frame.MessageDeletedParams{
		MessageID:       notice.MessageID,
		RoomID:          notice.RoomID,
		OriginalTS:      frame.FormatTimestamp(notice.OriginalTS),
		DeletedContent:  notice.DeletedContent,
		DeleterUsername: notice.DeleterUsername,
		DeletedAt:       frame.FormatTimestamp(notice.DeletedAt),
	}, "")
}

// handleDeleteRoom is the composite operation spec §5 calls "delete room":
// the room record and its occupant set must vanish under one critical
// section so no append-and-fan-out started after authorization succeeds can
// still find an occupant to deliver into. Occupants are moved back to
// General rather than simply dropped.
func (d *Dispatcher) handleDeleteRoom(sess session.Session, p frame.DeleteRoomParams) {
	if !d.requireAuthenticated(sess) {
		return
	}
	d.fanoutMu.Lock()
	r, err := d.Rooms.Get(p.RoomID)
	if err != nil {
		d.fanoutMu.Unlock()
		sess.Handle.Send(frame.WithParams(frame.System(frame.EvtDeleteRoomResult), frame.DeleteRoomResultParams{
			OK: false, Kind: string(errs.KindOf(err)), Message: err.Error(),
		}))
		return
	}
	if err := d.Rooms.Delete(p.RoomID, sess.Username); err != nil {
		d.fanoutMu.Unlock()
		sess.Handle.Send(frame.WithParams(frame.System(frame.EvtDeleteRoomResult), frame.DeleteRoomResultParams{
			OK: false, Kind: string(errs.KindOf(err)), Message: err.Error(),
		}))
		return
	}
	evicted := d.Members.ForgetRoom(p.RoomID)
	notice := frame.WithParams(frame.System(frame.EvtRoomDeleted), frame.RoomDeletedParams{
		RoomID: r.RoomID, Name: r.Name,
	})
	for _, sid := range evicted {
		if target, err := d.Sessions.Lookup(session.ID(sid)); err == nil {
			if !target.Handle.Send(notice) {
				d.scheduleDisconnect(target.SID)
			}
		}
	}
	d.fanoutMu.Unlock()

	if general, err := d.Rooms.GetByName(room.GeneralName); err == nil {
		for _, sid := range evicted {
			_ = d.doJoin(session.ID(sid), general.RoomID)
		}
	}

	sess.Handle.Send(frame.WithParams(frame.System(frame.EvtDeleteRoomResult), frame.DeleteRoomResultParams{
		OK: true, RoomID: p.RoomID,
	}))
	d.broadcastRoomsList()
}

func (d *Dispatcher) handleGetRooms(sess session.Session) {
	sess.Handle.Send(d.roomsListFrame())
}

func (d *Dispatcher) handleGetRoomInfo(sess session.Session, p frame.GetRoomInfoParams) {
	if !d.requireAuthenticated(sess) {
		return
	}
	r, err := d.Rooms.Get(p.RoomID)
	if err != nil {
		sess.Handle.Send(frame.ErrorFrame(string(errs.KindOf(err)), err.Error()))
		return
	}
	sess.Handle.Send(frame.WithParams(frame.System(frame.EvtRoomInfoResult), frame.RoomDetailParams{
		RoomSummaryParams: roomSummaryParams(room.Summary{
			RoomID: r.RoomID, Name: r.Name, Visibility: r.Visibility,
			PasswordProtected: r.PasswordHash != "", CreatedBy: r.CreatedBy, CreatedAt: r.CreatedAt,
			OccupantCount: d.Members.OccupantCount(r.RoomID),
		}),
		Occupants: d.occupantUsernames(r.RoomID),
	}))
}

func (d *Dispatcher) handleGetStats(sess session.Session) {
	if !d.requireAuthenticated(sess) {
		return
	}
	total, public, private := d.Rooms.Stats()
	roomStats := make(map[string]int)
	for _, s := range d.Rooms.ListAll(d.occupantCount) {
		roomStats[s.Name] = s.OccupantCount
	}
	sess.Handle.Send(frame.WithParams(frame.System(frame.EvtStatsResult), frame.StatsParams{
		TotalRooms:   total,
		PublicRooms:  public,
		PrivateRooms: private,
		TotalClients: d.Sessions.Count(),
		RoomStats:    roomStats,
	}))
}

func (d *Dispatcher) handleTyping(sess session.Session, p frame.TypingParams) {
	roomID, ok := d.Members.RoomOf(string(sess.SID))
	if !ok {
		return
	}
	d.broadcastRoom(roomID, frame.System(frame.EvtTypingStatus), struct {
		Username string `json:"username"`
		IsTyping bool   `json:"is_typing"`
	}{sess.Username, p.IsTyping}, string(sess.SID))
}

func (d *Dispatcher) handleBroadcast(sess session.Session, p frame.BroadcastParams) {
	if !d.requireAuthenticated(sess) {
		return
	}
	out := frame.WithParams(frame.Frame{
		Username: sess.Username,
		Source:   frame.SourceClient,
		Command:  frame.EvtBroadcastMessage,
	}, p)

	for _, sid := range d.Sessions.All() {
		target, err := d.Sessions.Lookup(sid)
		if err != nil {
			continue
		}
		if !target.Handle.Send(out) {
			d.scheduleDisconnect(target.SID)
		}
	}
}

// doJoin performs the atomic move into roomID, keeping the occupant-count
// gauge current.
func (d *Dispatcher) doJoin(sid session.ID, roomID string) error {
	if err := d.Members.Join(string(sid), roomID, d.Rooms.Exists); err != nil {
		return err
	}
	metrics.RoomOccupants.WithLabelValues(roomID).Set(float64(d.Members.OccupantCount(roomID)))
	return nil
}

// appendAndFanOut is the composite operation spec §5 calls "append and
// fan-out": the message's log position and its recipient snapshot are
// computed under fanoutMu so two concurrent appends to the same room are
// delivered to every recipient in the same relative order (spec §5,
// composite operation 3; §8 broadcast-ordering property).
func (d *Dispatcher) appendAndFanOut(roomID string, rec messagelog.Record) {
	start := time.Now()
	d.fanoutMu.Lock()
	defer d.fanoutMu.Unlock()

	stored := d.Messages.Append(roomID, rec)
	out := frame.WithParams(frame.Frame{
		Username: stored.AuthorUsername,
		Source:   frame.SourceClient,
		Command:  frame.EvtMessage,
		RoomID:   roomID,
	}, messageParams(stored))

	for _, sid := range d.Members.Occupants(roomID) {
		target, err := d.Sessions.Lookup(session.ID(sid))
		if err != nil {
			continue
		}
		if !target.Handle.Send(out) {
			d.scheduleDisconnect(target.SID)
		}
	}
	metrics.BroadcastDuration.WithLabelValues(roomID).Observe(time.Since(start).Seconds())
}

// announceSystem appends a system message to roomID's log and fans the
// matching announcement frame out to its occupants in the same critical
// section as appendAndFanOut, so the logged record and the broadcast frame
// always share one timestamp.
func (d *Dispatcher) announceSystem(roomID, text string, cmd frame.Command, excludeSID string) {
	rec := messagelog.NewRecord(roomID, frame.SystemUsername, frame.SystemUsername, text, true)

	d.fanoutMu.Lock()
	defer d.fanoutMu.Unlock()

	stored := d.Messages.Append(roomID, rec)
	out := frame.WithParams(frame.System(cmd), messageParams(stored))

	for _, sid := range d.Members.Occupants(roomID) {
		if sid == excludeSID {
			continue
		}
		target, err := d.Sessions.Lookup(session.ID(sid))
		if err != nil {
			continue
		}
		if !target.Handle.Send(out) {
			d.scheduleDisconnect(target.SID)
		}
	}
}

// broadcastRoom sends base (with params attached) to every occupant of
// roomID except excludeSID, under the same composite-operation discipline
// as appendAndFanOut.
func (d *Dispatcher) broadcastRoom(roomID string, base frame.Frame, params any, excludeSID string) {
	out := frame.WithParams(base, params)

	d.fanoutMu.Lock()
	defer d.fanoutMu.Unlock()

	for _, sid := range d.Members.Occupants(roomID) {
		if sid == excludeSID {
			continue
		}
		target, err := d.Sessions.Lookup(session.ID(sid))
		if err != nil {
			continue
		}
		if !target.Handle.Send(out) {
			d.scheduleDisconnect(target.SID)
		}
	}
}

// scheduleDisconnect runs the standard disconnect path for sid on its own
// goroutine. Send failure is handled this way, never by retrying the frame
// (spec §5 "Send back-pressure"); running it off the fanout goroutine keeps
// the composite send loop from blocking on cleanup of one bad recipient.
func (d *Dispatcher) scheduleDisconnect(sid session.ID) {
	go d.Disconnect(sid)
}

func (d *Dispatcher) occupantUsernames(roomID string) []string {
	sids := d.Members.Occupants(roomID)
	out := make([]string, 0, len(sids))
	for _, sid := range sids {
		if s, err := d.Sessions.Lookup(session.ID(sid)); err == nil {
			out = append(out, s.Username)
		}
	}
	return out
}

func (d *Dispatcher) roomsListFrame() frame.Frame {
	summaries := d.Rooms.ListAll(d.occupantCount)
	out := make([]frame.RoomSummaryParams, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, roomSummaryParams(s))
	}
	return frame.WithParams(frame.System(frame.EvtRoomsList), frame.RoomsListParams{Rooms: out})
}

func (d *Dispatcher) broadcastRoomsList() {
	out := d.roomsListFrame()
	for _, sid := range d.Sessions.All() {
		if s, err := d.Sessions.Lookup(sid); err == nil {
			s.Handle.Send(out)
		}
	}
}

func (d *Dispatcher) roomInfoFrame(roomID string) frame.Frame {
	r, err := d.Rooms.Get(roomID)
	if err != nil {
		return frame.ErrorFrame(string(errs.NotFound), err.Error())
	}
	tail := d.Messages.Tail(roomID, d.maxHistory)
	tp := make([]frame.MessageParams, 0, len(tail))
	for _, rec := range tail {
		tp = append(tp, messageParams(rec))
	}
	return frame.WithParams(frame.System(frame.EvtRoomInfo), frame.RoomInfoParams{
		Room: roomSummaryParams(room.Summary{
			RoomID: r.RoomID, Name: r.Name, Visibility: r.Visibility,
			PasswordProtected: r.PasswordHash != "", CreatedBy: r.CreatedBy, CreatedAt: r.CreatedAt,
			OccupantCount: d.Members.OccupantCount(roomID),
		}),
		Occupants: d.occupantUsernames(roomID),
		Tail:      tp,
	})
}

func roomSummaryParams(s room.Summary) frame.RoomSummaryParams {
	return frame.RoomSummaryParams{
		RoomID:            s.RoomID,
		Name:              s.Name,
		Visibility:        string(s.Visibility),
		PasswordProtected: s.PasswordProtected,
		CreatedBy:         s.CreatedBy,
		CreatedAt:         frame.FormatTimestamp(s.CreatedAt),
		OccupantCount:     s.OccupantCount,
	}
}

func messageParams(rec messagelog.Record) frame.MessageParams {
	p := frame.MessageParams{
		MessageID:      rec.MessageID,
		RoomID:         rec.RoomID,
		AuthorUsername: rec.AuthorUsername,
		Content:        rec.Content,
		Timestamp:      frame.FormatTimestamp(rec.Timestamp),
		IsSystem:       rec.IsSystem,
		Edited:         rec.Edited,
	}
	if rec.Edited {
		p.EditedAt = frame.FormatTimestamp(rec.EditedAt)
	}
	return p
}
