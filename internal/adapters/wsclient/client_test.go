package wsclient

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/callcore/internal/adapters/signal"
	"github.com/dkeye/callcore/internal/app"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type server struct {
	hub *signal.SignalWSController
	srv *httptest.Server
	url string
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir, err := app.NewStaticDirectory([]domain.Chat{
		{ID: "ab", Members: []domain.Member{{ID: "a"}, {ID: "b"}}},
	})
	require.NoError(t, err)
	hub := signal.NewSignalWSController(signal.Config{}, dir, app.NewChatRoomManager(), app.NewConns(), app.SimplePolicy{})
	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set(signal.MemberKey, strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		hub.HandleSignal(ctx, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Shutdown()
		cancel()
		srv.Close()
	})
	return &server{hub: hub, srv: srv, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

func (s *server) client(t *testing.T, member string) *Client {
	t.Helper()
	c := New(Config{URL: s.url, Token: member, Backoff: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-c.Connected():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not connect")
	}
	require.Eventually(t, func() bool {
		return s.hub.Conns.Online(domain.MemberID(member))
	}, time.Second, 5*time.Millisecond)
	return c
}

func TestClient_SendAndSubscribe(t *testing.T) {
	s := newServer(t)
	a := s.client(t, "a")
	b := s.client(t, "b")

	var mu sync.Mutex
	var got []domain.Envelope
	unsub := b.Subscribe(domain.MsgCallUpdate, func(env domain.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, env)
	})

	env, err := domain.NewEnvelope(domain.MsgCallUpdate, "s1", "ab", "a", "", domain.UpdatePayload{Kind: domain.UpdateInvite, Mode: domain.ModeDirect})
	require.NoError(t, err)
	require.NoError(t, a.Send(context.Background(), env))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, domain.MemberID("a"), got[0].SenderID)
	mu.Unlock()

	unsub()
	require.NoError(t, a.Send(context.Background(), env))
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()
}

func TestClient_SendWhileDisconnected(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1/ws"})
	err := c.Send(context.Background(), domain.Envelope{Type: domain.MsgOffer})
	assert.ErrorIs(t, err, domain.ErrSignalingUnavailable)
}

func TestClient_ReconnectsAfterKick(t *testing.T) {
	s := newServer(t)
	a := s.client(t, "a")

	old := s.hub.Conns.All()
	require.Len(t, old, 1)
	s.hub.Conns.Cancel(old[0])

	assert.Eventually(t, func() bool {
		ids := s.hub.Conns.All()
		return len(ids) == 1 && ids[0] != old[0] && a.Online()
	}, 3*time.Second, 10*time.Millisecond)
}

func TestClient_GivesUpAfterBudget(t *testing.T) {
	s := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
	s.Close()

	c := New(Config{URL: url, ReconnectAttempts: 2, Backoff: time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Run(ctx)
	assert.ErrorIs(t, err, domain.ErrSignalingUnavailable)
	assert.False(t, c.Online())
}
