package wsadapter

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-chat/server/internal/core/frame"
	"github.com/lattice-chat/server/internal/dispatcher"
	"github.com/lattice-chat/server/internal/room"
)

func newTestServer(t *testing.T) (*httptest.Server, *dispatcher.Dispatcher) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	d := dispatcher.New(room.NewStore(false, nil), dispatcher.Config{MaxHistory: 50})
	router := gin.New()
	router.GET("/ws", New(d).ServeWs)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, d
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestServeWsDeliversWelcomeAndRoomsList(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)
	defer conn.Close()

	var f frame.Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, frame.EvtWelcome, f.Command)

	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, frame.EvtRoomsList, f.Command)
}

func TestServeWsRoutesAuthenticateToDispatcher(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)
	defer conn.Close()

	var f frame.Frame
	require.NoError(t, conn.ReadJSON(&f)) // welcome
	require.NoError(t, conn.ReadJSON(&f)) // rooms_list

	require.NoError(t, conn.WriteJSON(frame.WithParams(frame.Frame{Command: frame.CmdAuthenticate}, frame.AuthenticateParams{
		Username: "alice",
	})))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack frame.Frame
	for ack.Command != frame.EvtAuthAck {
		require.NoError(t, conn.ReadJSON(&ack))
	}

	var p frame.AuthAckParams
	require.NoError(t, ack.DecodeParams(&p))
	assert.Equal(t, "alice", p.UsernameAssigned)
}

func TestSendDropsWhenBufferFull(t *testing.T) {
	c := &Conn{send: make(chan frame.Frame, 1), done: make(chan struct{})}
	assert.True(t, c.Send(frame.System(frame.EvtWelcome)))
	assert.False(t, c.Send(frame.System(frame.EvtWelcome)))
}
