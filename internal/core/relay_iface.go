package core

//go:generate mockgen -source=relay_iface.go -destination=mock/relay_mock.go -package=mock

import (
	"context"

	"github.com/dkeye/callcore/internal/domain"
)

// RelayEvents are emitted by the relay connection. Identities are relay
// identities; the adapter above maps them back to members.
type RelayEvents struct {
	OnParticipantJoined func(identity string)
	OnParticipantLeft   func(identity string)
	OnTrackPublished    func(identity string, t RemoteSource)
	OnTrackUnpublished  func(identity string, t RemoteSource)
	OnDisconnected      func(reason string)
}

// RemoteSource is a track announced by the relay.
type RemoteSource struct {
	SID  string
	Kind domain.TrackKind
	Name string
}

// RelayConnector opens one connection to the external forwarding relay.
type RelayConnector interface {
	Connect(ctx context.Context, url, token string, ev RelayEvents) (RelayConn, error)
}

type RelayConn interface {
	// Publish announces a local track as a named source and returns its publication id.
	Publish(t TrackRef, name string) (string, error)
	Unpublish(pubID string) error
	SetMuted(pubID string, muted bool) error
	// RemoteIdentities lists participants already present at connect time.
	RemoteIdentities() []string
	Disconnect()
}

type TokenRequest struct {
	ChatID        domain.ChatID    `json:"chatId" binding:"required"`
	SessionID     domain.SessionID `json:"sessionId" binding:"required"`
	ParticipantID domain.MemberID  `json:"participantId"`
}

// RelayToken is a short-lived credential for one participant in one session room.
type RelayToken struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

type TokenIssuer interface {
	IssueToken(ctx context.Context, req TokenRequest) (RelayToken, error)
}
