package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/callcore/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer ticker.Stop()
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cs *connState) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(cs.id)).Msg("readPump closing")
		ctl.release(cs)
	}()

	ws := cs.conn.conn
	deadline := func() error { return ws.SetReadDeadline(time.Now().Add(2 * ctl.cfg.PingPeriod)) }
	_ = deadline()
	ws.SetPongHandler(func(string) error { return deadline() })

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("module", "signal").Str("conn", string(cs.id)).Msg("readPump read error")
			}
			return
		}
		_ = deadline()
		if !cs.limiter.Allow() {
			ctl.sendError(cs.conn, "rate-limited", "too many frames")
			continue
		}
		ctl.handleFrame(cs, data)
	}
}

func (ctl *SignalWSController) handleFrame(cs *connState, data []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(cs.id)).Msg("bad json")
		ctl.sendError(cs.conn, "bad-payload", "malformed envelope")
		return
	}

	switch {
	case env.Type == domain.MsgPing:
		ctl.handlePing(cs.conn)
	case env.Type.IsCall():
		ctl.route(cs, env)
	default:
		log.Warn().Str("module", "signal").Str("type", string(env.Type)).Msg("unknown signal")
		ctl.sendError(cs.conn, "unknown-type", string(env.Type))
	}
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
