package dispatcher

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lattice-chat/server/internal/core/errs"
	"github.com/lattice-chat/server/internal/core/frame"
	"github.com/lattice-chat/server/internal/room"
	"github.com/lattice-chat/server/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeHandle is an in-memory session.Handle recording every frame sent to
// it, standing in for a transport adapter in dispatcher tests.
type fakeHandle struct {
	mu   sync.Mutex
	sent []frame.Frame
	fail bool
}

func (h *fakeHandle) Send(f frame.Frame) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return false
	}
	h.sent = append(h.sent, f)
	return true
}

func (h *fakeHandle) frames() []frame.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]frame.Frame, len(h.sent))
	copy(out, h.sent)
	return out
}

func (h *fakeHandle) last() frame.Frame {
	fs := h.frames()
	if len(fs) == 0 {
		panic("fakeHandle: no frames sent")
	}
	return fs[len(fs)-1]
}

func newTestDispatcher() *Dispatcher {
	return New(room.NewStore(false, nil), Config{MaxHistory: 50})
}

func connectAndAuth(t *testing.T, d *Dispatcher, username string) (session.ID, *fakeHandle) {
	t.Helper()
	h := &fakeHandle{}
	sid := d.Connect(h)
	d.HandleFrame(sid, h, frame.WithParams(frame.Frame{Command: frame.CmdAuthenticate}, frame.AuthenticateParams{
		Username: username,
	}))
	return sid, h
}

func TestConnectSendsWelcomeAndRoomsList(t *testing.T) {
	d := newTestDispatcher()
	h := &fakeHandle{}
	d.Connect(h)

	frames := h.frames()
	require.Len(t, frames, 2)
	assert.Equal(t, frame.EvtWelcome, frames[0].Command)
	assert.Equal(t, frame.EvtRoomsList, frames[1].Command)
}

func TestAuthenticateAutoJoinsGeneral(t *testing.T) {
	d := newTestDispatcher()
	sid, h := connectAndAuth(t, d, "alice")

	roomID, ok := d.Members.RoomOf(string(sid))
	require.True(t, ok)
	general, err := d.Rooms.GetByName(room.GeneralName)
	require.NoError(t, err)
	assert.Equal(t, general.RoomID, roomID)

	var ack frame.Frame
	for _, f := range h.frames() {
		if f.Command == frame.EvtAuthAck {
			ack = f
		}
	}
	var p frame.AuthAckParams
	require.NoError(t, ack.DecodeParams(&p))
	assert.Equal(t, "alice", p.UsernameAssigned)
}

func TestAuthenticateUsernameCollisionGetsSuffix(t *testing.T) {
	d := newTestDispatcher()
	_, _ = connectAndAuth(t, d, "alice")
	_, h2 := connectAndAuth(t, d, "alice")

	var ack frame.Frame
	for _, f := range h2.frames() {
		if f.Command == frame.EvtAuthAck {
			ack = f
		}
	}
	var p frame.AuthAckParams
	require.NoError(t, ack.DecodeParams(&p))
	assert.NotEqual(t, "alice", p.UsernameAssigned)
}

func TestJoinPrivateRoomRequiresPassword(t *testing.T) {
	d := newTestDispatcher()
	sid, h := connectAndAuth(t, d, "alice")

	roomID, err := d.Rooms.Create("vault", room.Private, "hunter2", "alice")
	require.NoError(t, err)

	d.HandleFrame(sid, h, frame.WithParams(frame.Frame{Command: frame.CmdJoinRoom}, frame.JoinRoomParams{
		RoomID: roomID, Password: "wrong",
	}))
	assert.Equal(t, frame.EvtError, h.last().Command)

	d.HandleFrame(sid, h, frame.WithParams(frame.Frame{Command: frame.CmdJoinRoom}, frame.JoinRoomParams{
		RoomID: roomID, Password: "hunter2",
	}))
	current, ok := d.Members.RoomOf(string(sid))
	require.True(t, ok)
	assert.Equal(t, roomID, current)
}

func TestSendMessageFansOutToRoomOccupants(t *testing.T) {
	d := newTestDispatcher()
	_, h1 := connectAndAuth(t, d, "alice")
	sid2, h2 := connectAndAuth(t, d, "bob")

	d.HandleFrame(sid2, h2, frame.WithParams(frame.Frame{Command: frame.CmdSendMessage}, frame.SendMessageParams{
		Content: "hello room",
	}))

	found := false
	for _, f := range h1.frames() {
		if f.Command == frame.EvtMessage {
			var p frame.MessageParams
			require.NoError(t, f.DecodeParams(&p))
			if p.Content == "hello room" {
				found = true
			}
		}
	}
	assert.True(t, found, "other occupant should have received the broadcast message")
}

func TestUpdateMessageRequiresAuthor(t *testing.T) {
	d := newTestDispatcher()
	sid, h := connectAndAuth(t, d, "alice")
	sid2, h2 := connectAndAuth(t, d, "bob")

	d.HandleFrame(sid, h, frame.WithParams(frame.Frame{Command: frame.CmdSendMessage}, frame.SendMessageParams{
		Content: "original",
	}))
	msgID := lastMessageID(t, h)

	d.HandleFrame(sid2, h2, frame.WithParams(frame.Frame{Command: frame.CmdUpdateMessage}, frame.UpdateMessageParams{
		MessageID: msgID, Content: "hijacked",
	}))
	rec, err := d.Messages.Get(msgID)
	require.NoError(t, err)
	assert.Equal(t, "original", rec.Content)
}

func TestDeleteMessageIsSoftAndReplayFilters(t *testing.T) {
	d := newTestDispatcher()
	sid, h := connectAndAuth(t, d, "alice")
	d.HandleFrame(sid, h, frame.WithParams(frame.Frame{Command: frame.CmdSendMessage}, frame.SendMessageParams{
		Content: "oops",
	}))
	msgID := lastMessageID(t, h)

	d.HandleFrame(sid, h, frame.WithParams(frame.Frame{Command: frame.CmdDeleteMessage}, frame.DeleteMessageParams{
		MessageID: msgID,
	}))

	roomID, ok := d.Members.RoomOf(string(sid))
	require.True(t, ok)
	for _, rec := range d.Messages.Tail(roomID, 50) {
		assert.NotEqual(t, msgID, rec.MessageID, "deleted message must not appear in replay")
	}
}

func TestLeaveRoomReturnsToGeneral(t *testing.T) {
	d := newTestDispatcher()
	sid, h := connectAndAuth(t, d, "alice")
	roomID, err := d.Rooms.Create("team", room.Public, "", "alice")
	require.NoError(t, err)
	require.NoError(t, d.doJoin(sid, roomID))

	d.HandleFrame(sid, h, frame.WithParams(frame.Frame{Command: frame.CmdLeaveRoom}, frame.LeaveRoomParams{}))

	current, ok := d.Members.RoomOf(string(sid))
	require.True(t, ok)
	general, err := d.Rooms.GetByName(room.GeneralName)
	require.NoError(t, err)
	assert.Equal(t, general.RoomID, current)
}

func TestDeleteRoomEvictsOccupantsToGeneral(t *testing.T) {
	d := newTestDispatcher()
	sid, h := connectAndAuth(t, d, "alice")
	roomID, err := d.Rooms.Create("temp", room.Public, "", "alice")
	require.NoError(t, err)
	require.NoError(t, d.doJoin(sid, roomID))

	d.HandleFrame(sid, h, frame.WithParams(frame.Frame{Command: frame.CmdDeleteRoom}, frame.DeleteRoomParams{
		RoomID: roomID,
	}))

	assert.False(t, d.Rooms.Exists(roomID))
	current, ok := d.Members.RoomOf(string(sid))
	require.True(t, ok)
	general, err := d.Rooms.GetByName(room.GeneralName)
	require.NoError(t, err)
	assert.Equal(t, general.RoomID, current)
}

func TestDeleteRoomForbidsNonCreator(t *testing.T) {
	d := newTestDispatcher()
	_, _ = connectAndAuth(t, d, "alice")
	sid2, h2 := connectAndAuth(t, d, "mallory")
	roomID, err := d.Rooms.Create("temp", room.Public, "", "alice")
	require.NoError(t, err)

	d.HandleFrame(sid2, h2, frame.WithParams(frame.Frame{Command: frame.CmdDeleteRoom}, frame.DeleteRoomParams{
		RoomID: roomID,
	}))

	assert.True(t, d.Rooms.Exists(roomID))
	var result frame.DeleteRoomResultParams
	require.NoError(t, h2.last().DecodeParams(&result))
	assert.False(t, result.OK)
}

func TestSweepDisconnectsIdleSessions(t *testing.T) {
	d := New(room.NewStore(false, nil), Config{IdleTimeout: 50 * time.Millisecond})
	d.StartSweeper()
	defer d.StopSweeper()

	sid, _ := connectAndAuth(t, d, "alice")

	require.Eventually(t, func() bool {
		_, err := d.Sessions.Lookup(sid)
		return err != nil
	}, time.Second, 10*time.Millisecond, "idle session should be swept and disconnected")
}

// TestFrameAfterSweepGetsGone covers boundary scenario S4: a frame that
// arrives on a socket whose dispatcher-level session record the sweeper has
// already dropped must be answered with Gone, not dropped silently.
func TestFrameAfterSweepGetsGone(t *testing.T) {
	d := New(room.NewStore(false, nil), Config{IdleTimeout: 50 * time.Millisecond})
	d.StartSweeper()
	defer d.StopSweeper()

	sid, h := connectAndAuth(t, d, "alice")

	require.Eventually(t, func() bool {
		_, err := d.Sessions.Lookup(sid)
		return err != nil
	}, time.Second, 10*time.Millisecond, "idle session should be swept and disconnected")

	d.HandleFrame(sid, h, frame.WithParams(frame.Frame{Command: frame.CmdSendMessage}, frame.SendMessageParams{
		Content: "still typing",
	}))

	last := h.last()
	assert.Equal(t, frame.EvtError, last.Command)
	var p frame.ErrorParams
	require.NoError(t, last.DecodeParams(&p))
	assert.Equal(t, string(errs.Gone), p.Kind)
}

func TestUnauthenticatedSessionCannotCreateRoom(t *testing.T) {
	d := newTestDispatcher()
	h := &fakeHandle{}
	sid := d.Connect(h)

	d.HandleFrame(sid, h, frame.WithParams(frame.Frame{Command: frame.CmdCreateRoom}, frame.CreateRoomParams{
		Name: "sneaky",
	}))

	last := h.last()
	assert.Equal(t, frame.EvtError, last.Command)
	var p frame.ErrorParams
	require.NoError(t, last.DecodeParams(&p))
	assert.Equal(t, string(errs.BadRequest), p.Kind)
	_, err := d.Rooms.GetByName("sneaky")
	assert.Error(t, err, "room must not have been created by an unauthenticated session")
}

func TestDisconnectDropsSessionAndLeavesRoom(t *testing.T) {
	d := newTestDispatcher()
	sid, _ := connectAndAuth(t, d, "alice")
	roomID, ok := d.Members.RoomOf(string(sid))
	require.True(t, ok)

	d.Disconnect(sid)

	_, err := d.Sessions.Lookup(sid)
	assert.Error(t, err)
	assert.Equal(t, 0, d.Members.OccupantCount(roomID))
}

func lastMessageID(t *testing.T, h *fakeHandle) string {
	t.Helper()
	for i := len(h.frames()) - 1; i >= 0; i-- {
		f := h.frames()[i]
		if f.Command == frame.EvtMessage {
			var p frame.MessageParams
			require.NoError(t, f.DecodeParams(&p))
			return p.MessageID
		}
	}
	t.Fatal("no message frame found")
	return ""
}
