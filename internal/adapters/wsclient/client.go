// Package wsclient implements core.SignalingTransport over one WebSocket to
// the signaling server, reconnecting a bounded number of times.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Config struct {
	URL               string        `mapstructure:"url"`
	Token             string        `mapstructure:"token"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	Backoff           time.Duration `mapstructure:"backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
}

func (c Config) withDefaults() Config {
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	if c.Backoff <= 0 {
		c.Backoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	return c
}

const writeWait = 5 * time.Second

type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	mu   sync.RWMutex
	conn *websocket.Conn
	// writes on a gorilla conn must be serialised
	writeMu sync.Mutex

	hmu      sync.RWMutex
	handlers map[domain.MessageType]map[int]core.EnvelopeHandler
	nextID   int

	connected chan struct{}
}

func New(cfg Config) *Client {
	return &Client{
		cfg:       cfg.withDefaults(),
		dialer:    websocket.DefaultDialer,
		handlers:  make(map[domain.MessageType]map[int]core.EnvelopeHandler),
		connected: make(chan struct{}),
	}
}

// Connected is closed after the first successful dial.
func (c *Client) Connected() <-chan struct{} { return c.connected }

func (c *Client) Online() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Run dials and reads until ctx ends or the reconnect budget is spent. A
// successful dial restores the full budget.
func (c *Client) Run(ctx context.Context) error {
	logger := log.With().Str("module", "adapters.wsclient").Str("url", c.cfg.URL).Logger()
	var once sync.Once
	failures := 0
	for {
		ws, err := c.dial(ctx)
		if err == nil {
			failures = 0
			once.Do(func() { close(c.connected) })
			logger.Info().Msg("signaling connected")
			c.setConn(ws)
			err = c.readLoop(ctx, ws)
			c.setConn(nil)
			_ = ws.Close()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		failures++
		if failures > c.cfg.ReconnectAttempts {
			logger.Error().Err(err).Int("attempts", failures-1).Msg("reconnect budget spent")
			return fmt.Errorf("%w: %v", domain.ErrSignalingUnavailable, err)
		}
		wait := c.cfg.Backoff << (failures - 1)
		if wait > c.cfg.MaxBackoff || wait <= 0 {
			wait = c.cfg.MaxBackoff
		}
		logger.Warn().Err(err).Int("attempt", failures).Dur("backoff", wait).Msg("signaling lost, reconnecting")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	h := http.Header{}
	if c.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, h)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return ws, err
}

func (c *Client) setConn(ws *websocket.Conn) {
	c.mu.Lock()
	c.conn = ws
	c.mu.Unlock()
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Str("module", "adapters.wsclient").Msg("bad frame")
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env domain.Envelope) {
	if env.Type == domain.MsgError {
		var p domain.ErrorPayload
		_ = env.Decode(&p)
		log.Warn().Str("module", "adapters.wsclient").Str("code", p.Code).Str("message", p.Message).Msg("server error frame")
	}
	c.hmu.RLock()
	hs := make([]core.EnvelopeHandler, 0, len(c.handlers[env.Type]))
	for _, h := range c.handlers[env.Type] {
		hs = append(hs, h)
	}
	c.hmu.RUnlock()
	for _, h := range hs {
		h(env)
	}
}

// Send writes one envelope. It never retries; a missing connection is
// reported as domain.ErrSignalingUnavailable.
func (c *Client) Send(ctx context.Context, env domain.Envelope) error {
	c.mu.RLock()
	ws := c.conn
	c.mu.RUnlock()
	if ws == nil {
		return domain.ErrSignalingUnavailable
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSignalingUnavailable, err)
	}
	if err := ws.WriteJSON(env); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return domain.ErrSignalingUnavailable
		}
		return fmt.Errorf("%w: %v", domain.ErrSignalingUnavailable, err)
	}
	return nil
}

func (c *Client) Subscribe(t domain.MessageType, h core.EnvelopeHandler) func() {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	id := c.nextID
	c.nextID++
	set, ok := c.handlers[t]
	if !ok {
		set = make(map[int]core.EnvelopeHandler)
		c.handlers[t] = set
	}
	set[id] = h
	return func() {
		c.hmu.Lock()
		defer c.hmu.Unlock()
		delete(c.handlers[t], id)
	}
}
