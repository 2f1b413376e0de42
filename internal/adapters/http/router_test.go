package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/callcore/internal/adapters/signal"
	"github.com/dkeye/callcore/internal/adapters/store"
	"github.com/dkeye/callcore/internal/app"
	"github.com/dkeye/callcore/internal/config"
	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/core/mock"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fixture struct {
	srv    *httptest.Server
	tokens *mock.MockTokenIssuer
	hub    *signal.SignalWSController
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctrl := gomock.NewController(t)

	dir, err := app.NewStaticDirectory([]domain.Chat{
		{ID: "ab", Members: []domain.Member{{ID: "a", Name: "Ann"}, {ID: "b", Name: "Bob"}}},
		{ID: "bc", Members: []domain.Member{{ID: "b"}, {ID: "c"}}},
	})
	require.NoError(t, err)
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	repo := store.NewHistoryRepo(db)

	ctx, cancel := context.WithCancel(context.Background())
	hub := signal.NewSignalWSController(signal.Config{}, dir, app.NewChatRoomManager(), app.NewConns(), app.SimplePolicy{})
	tokens := mock.NewMockTokenIssuer(ctrl)
	cfg := config.ServerConfig{Mode: "test", Secret: "cookie-secret", AllowedOrigins: []string{"https://app.example"}}
	r := SetupRouter(ctx, cfg, Deps{
		Signal:    hub,
		Auth:      NewAuthenticator("jwt-secret", time.Hour),
		Directory: dir,
		Tokens:    tokens,
		History:   repo,
		Sink:      repo,
	})
	srv := httptest.NewServer(NewHandler(cfg, r))
	t.Cleanup(func() {
		hub.Shutdown()
		cancel()
		srv.Close()
		_ = db.Close()
	})
	return &fixture{srv: srv, tokens: tokens, hub: hub}
}

func (f *fixture) login(t *testing.T, member domain.MemberID) *Client {
	t.Helper()
	c := NewClient(f.srv.URL)
	_, err := c.Login(context.Background(), member)
	require.NoError(t, err)
	return c
}

func TestLogin_UnknownMember(t *testing.T) {
	f := newFixture(t)
	_, err := NewClient(f.srv.URL).Login(context.Background(), "zed")
	assert.ErrorIs(t, err, domain.ErrNotMember)
}

func TestChats_RequireAuth(t *testing.T) {
	f := newFixture(t)
	_, err := NewClient(f.srv.URL).Chat(context.Background(), "ab")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestChats_Directory(t *testing.T) {
	f := newFixture(t)
	a := f.login(t, "a")
	ctx := context.Background()

	ids, err := a.ChatsOf(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []domain.ChatID{"ab"}, ids)

	chat, err := a.Chat(ctx, "ab")
	require.NoError(t, err)
	assert.True(t, chat.Has("b"))

	_, err = a.Chat(ctx, "bc")
	assert.ErrorIs(t, err, domain.ErrNotMember)
	_, err = a.Chat(ctx, "nope")
	assert.ErrorIs(t, err, app.ErrChatNotFound)
}

func TestToken_ParticipantIsCaller(t *testing.T) {
	f := newFixture(t)
	a := f.login(t, "a")

	f.tokens.EXPECT().
		IssueToken(gomock.Any(), core.TokenRequest{ChatID: "ab", SessionID: "s1", ParticipantID: "a"}).
		Return(core.RelayToken{URL: "wss://relay", Token: "tok"}, nil)

	tok, err := a.IssueToken(context.Background(), core.TokenRequest{ChatID: "ab", SessionID: "s1", ParticipantID: "b"})
	require.NoError(t, err)
	assert.Equal(t, core.RelayToken{URL: "wss://relay", Token: "tok"}, tok)
}

func TestHistory_SaveAndList(t *testing.T) {
	f := newFixture(t)
	a := f.login(t, "a")
	ctx := context.Background()

	rec := domain.CallRecord{
		SessionID: "s1", ChatID: "ab", Mode: domain.ModeDirect, InitiatorID: "a",
		Participants: []domain.MemberID{"a", "b"}, State: domain.StateMissed,
		Outcome: domain.OutcomeMissed, Reason: "timeout", CreatedAt: time.UnixMilli(1_700_000_000_000).UTC(),
	}
	require.NoError(t, a.Save(ctx, rec))
	require.NoError(t, a.Save(ctx, rec), "saving twice is harmless")

	live := rec
	live.SessionID, live.State = "s2", domain.StateConnected
	assert.Error(t, a.Save(ctx, live))

	got, err := a.List(ctx, "ab", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec, got[0])

	c := f.login(t, "c")
	_, err = c.List(ctx, "ab", 10)
	assert.ErrorIs(t, err, domain.ErrNotMember)
}

func TestSignal_TokenInQuery(t *testing.T) {
	f := newFixture(t)
	a := f.login(t, "a")

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/ws/signal?token=" + a.Token()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Eventually(t, func() bool { return f.hub.Conns.Online("a") }, time.Second, 5*time.Millisecond)

	bad := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/ws/signal?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(bad, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCORS_Preflight(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/api/calls/token", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestAuthenticator_RejectsForeignSignature(t *testing.T) {
	tok, err := NewAuthenticator("one", time.Hour).Issue("a")
	require.NoError(t, err)
	_, err = NewAuthenticator("two", time.Hour).Verify(tok)
	assert.ErrorIs(t, err, ErrUnauthorized)

	mid, err := NewAuthenticator("one", time.Hour).Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, domain.MemberID("a"), mid)
}
