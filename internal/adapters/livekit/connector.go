package livekit

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Connector implements core.RelayConnector with the LiveKit Go SDK.
type Connector struct{}

func NewConnector() *Connector { return &Connector{} }

func (c *Connector) Connect(ctx context.Context, url, token string, ev core.RelayEvents) (core.RelayConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn := &roomConn{
		pubs: make(map[string]*lksdk.LocalTrackPublication),
		log:  log.With().Str("module", "adapters.livekit").Logger(),
	}
	cb := lksdk.NewRoomCallback()
	cb.OnParticipantConnected = func(rp *lksdk.RemoteParticipant) {
		if ev.OnParticipantJoined != nil {
			ev.OnParticipantJoined(rp.Identity())
		}
	}
	cb.OnParticipantDisconnected = func(rp *lksdk.RemoteParticipant) {
		if ev.OnParticipantLeft != nil {
			ev.OnParticipantLeft(rp.Identity())
		}
	}
	cb.OnDisconnectedWithReason = func(reason lksdk.DisconnectionReason) {
		if ev.OnDisconnected != nil {
			ev.OnDisconnected(string(reason))
		}
	}
	cb.ParticipantCallback.OnTrackPublished = func(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
		if ev.OnTrackPublished != nil {
			ev.OnTrackPublished(rp.Identity(), remoteSource(pub))
		}
	}
	cb.ParticipantCallback.OnTrackUnpublished = func(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
		if ev.OnTrackUnpublished != nil {
			ev.OnTrackUnpublished(rp.Identity(), remoteSource(pub))
		}
	}

	room, err := lksdk.ConnectToRoomWithToken(url, token, cb, lksdk.WithAutoSubscribe(true))
	if err != nil {
		return nil, fmt.Errorf("livekit connect: %w", err)
	}
	conn.room = room
	conn.log = conn.log.With().Str("room", room.Name()).Logger()
	conn.log.Info().Msg("connected")
	return conn, nil
}

func remoteSource(pub *lksdk.RemoteTrackPublication) core.RemoteSource {
	return core.RemoteSource{SID: pub.SID(), Kind: kindOf(pub.Source()), Name: pub.Name()}
}

func kindOf(src livekit.TrackSource) domain.TrackKind {
	switch src {
	case livekit.TrackSource_MICROPHONE:
		return domain.TrackAudio
	case livekit.TrackSource_SCREEN_SHARE:
		return domain.TrackScreen
	}
	return domain.TrackVideo
}

func sourceOf(k domain.TrackKind) livekit.TrackSource {
	switch k {
	case domain.TrackAudio:
		return livekit.TrackSource_MICROPHONE
	case domain.TrackScreen:
		return livekit.TrackSource_SCREEN_SHARE
	}
	return livekit.TrackSource_CAMERA
}

type roomConn struct {
	room *lksdk.Room
	log  zerolog.Logger

	mu   sync.Mutex
	pubs map[string]*lksdk.LocalTrackPublication
}

func (c *roomConn) Publish(t core.TrackRef, name string) (string, error) {
	local := t.TrackLocal()
	if local == nil {
		return "", fmt.Errorf("publish %s: track revoked", t.Kind())
	}
	pub, err := c.room.LocalParticipant.PublishTrack(local, &lksdk.TrackPublicationOptions{
		Name:   name,
		Source: sourceOf(t.Kind()),
	})
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.pubs[pub.SID()] = pub
	c.mu.Unlock()
	c.log.Info().Str("kind", string(t.Kind())).Str("pub", pub.SID()).Msg("published")
	return pub.SID(), nil
}

func (c *roomConn) Unpublish(pubID string) error {
	c.mu.Lock()
	delete(c.pubs, pubID)
	c.mu.Unlock()
	return c.room.LocalParticipant.UnpublishTrack(pubID)
}

func (c *roomConn) SetMuted(pubID string, muted bool) error {
	c.mu.Lock()
	pub, ok := c.pubs[pubID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown publication %s", pubID)
	}
	pub.SetMuted(muted)
	return nil
}

func (c *roomConn) RemoteIdentities() []string {
	rps := c.room.GetRemoteParticipants()
	out := make([]string, 0, len(rps))
	for _, rp := range rps {
		out = append(out, rp.Identity())
	}
	return out
}

func (c *roomConn) Disconnect() {
	c.room.Disconnect()
	c.log.Info().Msg("disconnected")
}
