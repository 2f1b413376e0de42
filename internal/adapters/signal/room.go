package signal

import (
	"encoding/json"
	"slices"

	"github.com/dkeye/callcore/internal/app"
	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/rs/zerolog/log"
)

// route relays a call envelope to the other connections of its chat. The
// sender id is always taken from the authenticated connection.
func (ctl *SignalWSController) route(cs *connState, env domain.Envelope) {
	logger := log.With().
		Str("module", "signal").
		Str("conn", string(cs.id)).
		Str("chat", string(env.ChatID)).
		Str("type", string(env.Type)).
		Logger()

	if !slices.Contains(cs.chats, env.ChatID) {
		logger.Warn().Msg("not a member of chat")
		ctl.sendError(cs.conn, "not-member", string(env.ChatID))
		return
	}
	room, ok := ctl.Rooms.Get(env.ChatID)
	if !ok {
		logger.Warn().Msg("chat room gone")
		return
	}
	env.SenderID = cs.member.ID

	data, err := json.Marshal(env)
	if err != nil {
		logger.Error().Err(err).Msg("marshal envelope")
		return
	}
	res := room.Broadcast(cs.id, env.TargetID, data)
	if res.SendTo == 0 {
		logger.Debug().Str("target", string(env.TargetID)).Msg("no recipient online")
	}
	for _, ms := range res.Dropped {
		ctl.onBackpressure(room, ms)
	}
}

func (ctl *SignalWSController) onBackpressure(room core.ChatRoom, ms core.MemberSession) {
	action := ctl.Policy.OnBackPressure(room, ms)
	logger := log.With().
		Str("module", "signal").
		Str("chat", string(room.ChatID())).
		Str("conn", string(ms.ConnID())).
		Logger()
	switch action {
	case app.KickMember:
		logger.Warn().Msg("slow consumer kicked")
		ctl.Conns.Cancel(ms.ConnID())
	case app.MarkSlow:
		logger.Warn().Msg("slow consumer")
	case app.DropFrame, app.NoAction:
		logger.Debug().Msg("frame dropped")
	}
}
