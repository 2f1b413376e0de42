package signal

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/callcore/internal/app"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hub struct {
	ctl *SignalWSController
	srv *httptest.Server
}

func newHub(t *testing.T) *hub {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir, err := app.NewStaticDirectory([]domain.Chat{
		{ID: "ab", Members: []domain.Member{{ID: "a"}, {ID: "b"}}},
		{ID: "abc", Members: []domain.Member{{ID: "a"}, {ID: "b"}, {ID: "c"}}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ctl := NewSignalWSController(Config{}, dir, app.NewChatRoomManager(), app.NewConns(), app.SimplePolicy{})
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set(MemberKey, c.Query("m"))
		ctl.HandleSignal(ctx, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		ctl.Shutdown()
		cancel()
		srv.Close()
	})
	return &hub{ctl: ctl, srv: srv}
}

func (h *hub) dial(t *testing.T, member string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?m=" + member
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	assert.Eventually(t, func() bool {
		return h.ctl.Conns.Online(domain.MemberID(member))
	}, time.Second, 5*time.Millisecond)
	return ws
}

func read(t *testing.T, ws *websocket.Conn) domain.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env domain.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func silent(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err, "expected no frame")
}

func TestHub_StampsSender(t *testing.T) {
	h := newHub(t)
	a := h.dial(t, "a")
	b := h.dial(t, "b")

	env, err := domain.NewEnvelope(domain.MsgOffer, "s1", "ab", "mallory", "", domain.SDPPayload{SDP: "v=0"})
	require.NoError(t, err)
	require.NoError(t, a.WriteJSON(env))

	got := read(t, b)
	assert.Equal(t, domain.MsgOffer, got.Type)
	assert.Equal(t, domain.MemberID("a"), got.SenderID)
	assert.Equal(t, domain.SessionID("s1"), got.SessionID)
	var p domain.SDPPayload
	require.NoError(t, got.Decode(&p))
	assert.Equal(t, "v=0", p.SDP)
}

func TestHub_TargetNarrowsDelivery(t *testing.T) {
	h := newHub(t)
	a := h.dial(t, "a")
	b := h.dial(t, "b")
	c := h.dial(t, "c")

	env, err := domain.NewEnvelope(domain.MsgCallAction, "s1", "abc", "", "b", domain.ActionPayload{Action: domain.ActionDecline})
	require.NoError(t, err)
	require.NoError(t, a.WriteJSON(env))

	assert.Equal(t, domain.MsgCallAction, read(t, b).Type)
	silent(t, c)
}

func TestHub_RejectsForeignChat(t *testing.T) {
	h := newHub(t)
	c := h.dial(t, "c")
	h.dial(t, "a")

	env, err := domain.NewEnvelope(domain.MsgOffer, "s1", "ab", "", "", domain.SDPPayload{SDP: "x"})
	require.NoError(t, err)
	require.NoError(t, c.WriteJSON(env))

	got := read(t, c)
	assert.Equal(t, domain.MsgError, got.Type)
	var p domain.ErrorPayload
	require.NoError(t, got.Decode(&p))
	assert.Equal(t, "not-member", p.Code)
}

func TestHub_PingPong(t *testing.T) {
	h := newHub(t)
	a := h.dial(t, "a")
	require.NoError(t, a.WriteJSON(domain.Envelope{Type: domain.MsgPing}))
	assert.Equal(t, domain.MsgPong, read(t, a).Type)
}

func TestHub_UnknownMemberForbidden(t *testing.T) {
	h := newHub(t)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?m=zed"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 403, resp.StatusCode)
}

func TestHub_DisconnectUnbinds(t *testing.T) {
	h := newHub(t)
	a := h.dial(t, "a")
	require.NoError(t, a.Close())
	assert.Eventually(t, func() bool {
		return !h.ctl.Conns.Online("a")
	}, time.Second, 5*time.Millisecond)
	room, ok := h.ctl.Rooms.Get("ab")
	require.True(t, ok)
	assert.Equal(t, 0, room.MemberCount())
}

func TestFrameLimiter(t *testing.T) {
	l := newFrameLimiter(1, 2)
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}
