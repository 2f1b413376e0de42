package core

import (
	"context"
	"errors"

	"github.com/dkeye/callcore/internal/domain"
	"github.com/pion/webrtc/v4"
)

// ErrNoLocalOffer is returned by Rollback outside have-local-offer.
var ErrNoLocalOffer = errors.New("no local offer to roll back")

// LocalTrack is a captured device track. Only the device manager holds one.
type LocalTrack interface {
	ID() string
	Kind() domain.TrackKind
	TrackLocal() webrtc.TrackLocal
	// SetEnabled pauses or resumes sample delivery without releasing the device.
	SetEnabled(bool)
	Enabled() bool
	// Stop releases the underlying device. Must be idempotent.
	Stop() error
}

// TrackRef is a non-owning reference handed to peer links and relay rooms.
// It has no Stop; Live turns false once the owner revokes it.
type TrackRef interface {
	ID() string
	Kind() domain.TrackKind
	TrackLocal() webrtc.TrackLocal
	Live() bool
}

// DeviceSource opens capture tracks. Open must honour ctx cancellation and
// return *domain.DeviceError for permission and hardware failures.
type DeviceSource interface {
	Open(ctx context.Context, kind domain.TrackKind, c domain.Constraints) (LocalTrack, error)
}

type PeerState int

const (
	PeerNew PeerState = iota
	PeerConnecting
	PeerConnected
	// PeerDisconnected is transient; ICE may still recover.
	PeerDisconnected
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerNew:
		return "new"
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	}
	return "unknown"
}

// Dead reports whether the link cannot carry media anymore.
func (s PeerState) Dead() bool { return s == PeerFailed || s == PeerClosed }

// TrackSender is one outgoing track binding on a peer connection.
type TrackSender interface {
	TrackID() string
	Kind() domain.TrackKind
}

// PeerConnection is the narrow surface of one direct media connection.
// Callbacks fire on the connection's own goroutines and must not block.
type PeerConnection interface {
	AddTrack(t TrackRef) (TrackSender, error)
	RemoveTrack(s TrackSender) error

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// Rollback discards a local offer that has not been answered and fails
	// with ErrNoLocalOffer when there is none.
	Rollback() error
	AddICECandidate(webrtc.ICECandidateInit) error

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(domain.RemoteTrack))
	OnTrackEnded(func(trackID string))
	OnStateChange(func(PeerState))

	Close() error
}

// PeerFactory creates one connection per remote participant.
type PeerFactory interface {
	NewPeer(self, remote domain.MemberID) (PeerConnection, error)
}
