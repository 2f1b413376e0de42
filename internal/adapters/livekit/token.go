// Package livekit connects relayed sessions to a LiveKit server and issues
// per-session access tokens for it.
package livekit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/livekit/protocol/auth"
)

var ErrNotConfigured = errors.New("livekit not configured")

type Config struct {
	URL       string        `mapstructure:"url"`
	APIKey    string        `mapstructure:"api_key"`
	APISecret string        `mapstructure:"api_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// RoomName scopes one relay room to one call session of one chat.
func RoomName(chat domain.ChatID, sid domain.SessionID) string {
	return string(chat) + "/" + string(sid)
}

// TokenIssuer signs room-join grants for members of the session's chat.
type TokenIssuer struct {
	cfg Config
	dir core.Directory
}

func NewTokenIssuer(cfg Config, dir core.Directory) *TokenIssuer {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	return &TokenIssuer{cfg: cfg, dir: dir}
}

func (t *TokenIssuer) IssueToken(ctx context.Context, req core.TokenRequest) (core.RelayToken, error) {
	if t.cfg.APIKey == "" || t.cfg.APISecret == "" {
		return core.RelayToken{}, ErrNotConfigured
	}
	chat, err := t.dir.Chat(ctx, req.ChatID)
	if err != nil {
		return core.RelayToken{}, err
	}
	var member domain.Member
	found := false
	for _, m := range chat.Members {
		if m.ID == req.ParticipantID {
			member, found = m, true
			break
		}
	}
	if !found {
		return core.RelayToken{}, fmt.Errorf("%w: %s in %s", domain.ErrNotMember, req.ParticipantID, req.ChatID)
	}

	canPublish := true
	canSubscribe := true
	at := auth.NewAccessToken(t.cfg.APIKey, t.cfg.APISecret)
	grant := &auth.VideoGrant{
		RoomJoin:     true,
		Room:         RoomName(req.ChatID, req.SessionID),
		CanPublish:   &canPublish,
		CanSubscribe: &canSubscribe,
	}
	at.AddGrant(grant).
		SetIdentity(member.Identity()).
		SetName(member.Name).
		SetValidFor(t.cfg.TokenTTL)

	token, err := at.ToJWT()
	if err != nil {
		return core.RelayToken{}, fmt.Errorf("failed to generate livekit token: %w", err)
	}
	return core.RelayToken{URL: t.cfg.URL, Token: token}, nil
}
