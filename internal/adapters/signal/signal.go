// Package signal is the server side of the signaling channel: it
// authenticates WebSocket connections, joins them to their chats and relays
// call envelopes between chat members.
package signal

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/callcore/internal/app"
	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// MemberKey is the gin context key under which auth middleware stores the
// authenticated member id.
const MemberKey = "member_id"

var ErrConnClosed = errors.New("connection closed")

type Config struct {
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	RateBurst      int           `mapstructure:"rate_burst"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = 30 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 50
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 100
	}
	return c
}

type SignalWSController struct {
	cfg      Config
	upgrader websocket.Upgrader

	Directory core.Directory
	Rooms     core.ChatRoomManager
	Conns     *app.Conns
	Policy    app.Policy
}

func NewSignalWSController(cfg Config, dir core.Directory, rooms core.ChatRoomManager, conns *app.Conns, policy app.Policy) *SignalWSController {
	cfg = cfg.withDefaults()
	ctl := &SignalWSController{
		cfg:       cfg,
		Directory: dir,
		Rooms:     rooms,
		Conns:     conns,
		Policy:    policy,
	}
	ctl.upgrader = websocket.Upgrader{CheckOrigin: ctl.checkOrigin}
	return ctl
}

func (ctl *SignalWSController) checkOrigin(r *http.Request) bool {
	if len(ctl.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(ctl.cfg.AllowedOrigins, origin)
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return domain.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// connState is what the pumps know about one authenticated connection.
type connState struct {
	id      core.ConnID
	member  domain.Member
	chats   []domain.ChatID
	conn    *WsSignalConn
	limiter *frameLimiter
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	mid := domain.MemberID(c.GetString(MemberKey))
	member, chats, err := ctl.resolveMember(c.Request.Context(), mid)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("member", string(mid)).Msg("ws rejected")
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.cfg.ReadLimit)

	cs := &connState{
		id:     core.ConnID(uuid.NewString()),
		member: member,
		chats:  chats,
		conn: &WsSignalConn{
			conn: ws,
			send: make(chan core.Frame, ctl.cfg.SendBuffer),
		},
		limiter: newFrameLimiter(ctl.cfg.RatePerSecond, ctl.cfg.RateBurst),
	}
	log.Info().Str("module", "signal").Str("conn", string(cs.id)).Str("member", string(mid)).Int("chats", len(chats)).Msg("new WS connection")

	sess := core.NewMemberSession(cs.id, member, cs.conn)
	for _, chat := range chats {
		ctl.Rooms.GetOrCreate(chat).AddMember(sess)
	}
	ctx, cancel := context.WithCancel(ctx)
	ctl.Conns.Bind(sess, chats, cancel)

	go ctl.writePump(ctx, cs.conn)
	go ctl.readPump(ctx, cs)
}

// release detaches a connection from every chat room it joined.
func (ctl *SignalWSController) release(cs *connState) {
	for _, chat := range cs.chats {
		if room, ok := ctl.Rooms.Get(chat); ok {
			room.RemoveMember(cs.id)
		}
	}
	ctl.Conns.Unbind(cs.id)
	cs.conn.Close()
}

// Shutdown cancels every live connection and drops the chat rooms.
func (ctl *SignalWSController) Shutdown() {
	for _, id := range ctl.Conns.All() {
		ctl.Conns.Cancel(id)
	}
	for _, info := range ctl.Rooms.List() {
		ctl.Rooms.StopRoom(info.ChatID)
	}
	log.Info().Str("module", "signal").Msg("hub shut down")
}
