package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callcore/internal/app/orch"
	"github.com/dkeye/callcore/internal/config"
	"github.com/dkeye/callcore/internal/domain"
)

type agent struct {
	engine *orch.Orchestrator
	cfg    config.AgentConfig
	log    zerolog.Logger

	last map[domain.SessionID]domain.State
}

func newAgent(engine *orch.Orchestrator, cfg config.AgentConfig) *agent {
	return &agent{
		engine: engine,
		cfg:    cfg,
		log:    log.With().Str("module", "callagent").Str("member", cfg.Member).Logger(),
		last:   make(map[domain.SessionID]domain.State),
	}
}

func (a *agent) run(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	views := make(chan orch.View, 64)
	unsub := a.engine.Subscribe(func(v orch.View) {
		select {
		case views <- v:
		default:
		}
	})
	defer unsub()

	if a.cfg.Dial != "" {
		sid, err := a.engine.Initiate(ctx, domain.ChatID(a.cfg.Dial), a.cfg.Video)
		if err != nil {
			a.log.Error().Err(err).Str("chat", a.cfg.Dial).Msg("dial failed")
		} else {
			a.log.Info().Str("sid", string(sid)).Str("chat", a.cfg.Dial).Msg("dialing")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-views:
			a.onView(ctx, v)
		}
	}
}

func (a *agent) onView(ctx context.Context, v orch.View) {
	s := v.Session
	if a.last[s.ID] == s.State {
		return
	}
	a.last[s.ID] = s.State
	logger := a.log.With().Str("sid", string(s.ID)).Str("chat", string(s.ChatID)).Str("mode", string(s.Mode)).Logger()
	logger.Info().Str("state", string(s.State)).Int("remote", len(v.RemoteTracks)).Int("local", len(v.LocalTracks)).Msg("call state")

	switch {
	case s.State == domain.StateRinging && a.cfg.AutoAnswer:
		go func() {
			if err := a.engine.Accept(ctx, s.ID, a.cfg.Video); err != nil {
				logger.Error().Err(err).Msg("auto answer")
			}
		}()
	case s.State == domain.StateConnected && a.cfg.HangupAfter > 0:
		time.AfterFunc(a.cfg.HangupAfter, func() {
			if err := a.engine.Hangup(context.Background(), s.ID); err != nil {
				logger.Debug().Err(err).Msg("scheduled hangup")
			}
		})
	case s.State.IsTerminal():
		delete(a.last, s.ID)
		logger.Info().Str("reason", s.FailureReason).Msg("call over")
	}
}
