// Package sfu implements the relayed-mode adapter: one RelayRoom per session
// on top of an external selective forwarding relay.
package sfu

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

type JoinRequest struct {
	SessionID domain.SessionID
	ChatID    domain.ChatID
	Self      domain.Member
	Members   []domain.Member
}

type Adapter struct {
	connector core.RelayConnector
	tokens    core.TokenIssuer

	mu    sync.RWMutex
	rooms map[domain.SessionID]*RelayRoom
}

func NewAdapter(connector core.RelayConnector, tokens core.TokenIssuer) *Adapter {
	return &Adapter{
		connector: connector,
		tokens:    tokens,
		rooms:     make(map[domain.SessionID]*RelayRoom),
	}
}

// Join fetches a per-session credential, connects and publishes tracks.
// Token failures wrap domain.ErrRelayAuthFailure.
func (a *Adapter) Join(ctx context.Context, req JoinRequest, tracks []core.TrackRef, ev Events) (*RelayRoom, error) {
	logger := log.With().
		Str("module", "app.sfu").
		Str("sid", string(req.SessionID)).
		Str("member", string(req.Self.ID)).
		Logger()

	tok, err := a.tokens.IssueToken(ctx, core.TokenRequest{
		ChatID:        req.ChatID,
		SessionID:     req.SessionID,
		ParticipantID: req.Self.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRelayAuthFailure, err)
	}

	room := newRelayRoom(req.SessionID, req.Self, req.Members, ev, logger)
	conn, err := a.connector.Connect(ctx, tok.URL, tok.Token, room.relayEvents())
	if err != nil {
		return nil, fmt.Errorf("connect relay: %w: %v", domain.ErrPeerUnreachable, err)
	}
	room.conn = conn
	for _, identity := range conn.RemoteIdentities() {
		room.addParticipant(room.member(identity))
	}
	if ctx.Err() != nil {
		room.Close()
		return nil, ctx.Err()
	}

	for _, ref := range tracks {
		if err := room.Publish(ref); err != nil {
			logger.Error().Err(err).Msg("initial publish")
		}
	}

	a.mu.Lock()
	old, ok := a.rooms[req.SessionID]
	a.rooms[req.SessionID] = room
	a.mu.Unlock()
	if ok {
		logger.Info().Msg("replacing existing relay room for session")
		old.Close()
	}
	logger.Info().Int("remote", len(room.Participants())).Msg("joined relay room")
	return room, nil
}

func (a *Adapter) Room(sid domain.SessionID) (*RelayRoom, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.rooms[sid]
	return r, ok
}

// Leave closes the session's room and forgets it.
func (a *Adapter) Leave(sid domain.SessionID) {
	a.mu.Lock()
	room, ok := a.rooms[sid]
	delete(a.rooms, sid)
	a.mu.Unlock()
	if ok {
		room.Close()
	}
}

// Close leaves every room.
func (a *Adapter) Close() {
	a.mu.Lock()
	rooms := a.rooms
	a.rooms = make(map[domain.SessionID]*RelayRoom)
	a.mu.Unlock()

	var wg conc.WaitGroup
	for _, r := range rooms {
		wg.Go(r.Close)
	}
	wg.Wait()
}
