package rtc

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var ErrRevokedTrack = errors.New("track reference revoked")

// Connection adapts a pion PeerConnection to core.PeerConnection.
type Connection struct {
	pc     *webrtc.PeerConnection
	remote domain.MemberID
	sink   PacketSink
	log    zerolog.Logger

	mu      sync.RWMutex
	onICE   func(webrtc.ICECandidateInit)
	onTrack func(domain.RemoteTrack)
	onEnded func(string)
	onState func(core.PeerState)
	offered bool
}

type sender struct {
	s    *webrtc.RTPSender
	id   string
	kind domain.TrackKind
}

func (s sender) TrackID() string        { return s.id }
func (s sender) Kind() domain.TrackKind { return s.kind }

func peerState(s webrtc.PeerConnectionState) core.PeerState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return core.PeerConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.PeerFailed
	case webrtc.PeerConnectionStateClosed:
		return core.PeerClosed
	}
	return core.PeerNew
}

func (c *Connection) start() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.RLock()
		fn := c.onState
		c.mu.RUnlock()
		if fn != nil {
			fn(peerState(s))
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.RLock()
		fn := c.onICE
		c.mu.RUnlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind, ok := domain.KindFromTrackID(track.ID())
		if !ok {
			kind = domain.TrackVideo
			if track.Kind() == webrtc.RTPCodecTypeAudio {
				kind = domain.TrackAudio
			}
		}
		c.log.Info().
			Str("kind", string(kind)).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.RLock()
		fn := c.onTrack
		c.mu.RUnlock()
		if fn != nil {
			fn(domain.RemoteTrack{ID: track.ID(), Kind: kind, Owner: c.remote, StreamID: track.StreamID()})
		}
		go c.readLoop(track)
	})
}

// readLoop drains one inbound track until the remote stops sending it.
func (c *Connection) readLoop(track *webrtc.TrackRemote) {
	logger := c.log.With().Str("track_id", track.ID()).Logger()
	packets := 0
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn().Err(err).Msg("read RTP error, stopping")
			}
			break
		}
		packets++
		if c.sink != nil {
			c.sink(c.remote, track.ID(), pkt)
		}
	}
	logger.Info().Int("packets", packets).Msg("remote track ended")
	c.mu.RLock()
	fn := c.onEnded
	c.mu.RUnlock()
	if fn != nil {
		fn(track.ID())
	}
}

func (c *Connection) AddTrack(t core.TrackRef) (core.TrackSender, error) {
	local := t.TrackLocal()
	if local == nil || !t.Live() {
		return nil, fmt.Errorf("%s: %w", t.Kind(), ErrRevokedTrack)
	}
	s, err := c.pc.AddTrack(local)
	if err != nil {
		return nil, err
	}
	// RTCP must be read for interceptors such as NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := s.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender{s: s, id: t.ID(), kind: t.Kind()}, nil
}

func (c *Connection) RemoveTrack(ts core.TrackSender) error {
	s, ok := ts.(sender)
	if !ok {
		return fmt.Errorf("foreign track sender %T", ts)
	}
	return c.pc.RemoveTrack(s.s)
}

// CreateOffer adds a receive-only video transceiver to the first offer so the
// answerer can attach a camera without another round trip.
func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	first := !c.offered
	c.offered = true
	c.mu.Unlock()
	if first && !c.hasTransceiver(webrtc.RTPCodecTypeVideo) {
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("add video transceiver: %w", err)
		}
	}
	return c.pc.CreateOffer(nil)
}

func (c *Connection) hasTransceiver(kind webrtc.RTPCodecType) bool {
	for _, t := range c.pc.GetTransceivers() {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(d webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(d)
}

func (c *Connection) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

// Rollback returns to stable. pion refuses a rollback without SDP, so the
// pending offer is handed back.
func (c *Connection) Rollback() error {
	d := c.pc.PendingLocalDescription()
	if d == nil || d.Type != webrtc.SDPTypeOffer || c.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return core.ErrNoLocalOffer
	}
	return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: d.SDP})
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *Connection) OnTrack(fn func(domain.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *Connection) OnTrackEnded(fn func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEnded = fn
}

func (c *Connection) OnStateChange(fn func(core.PeerState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *Connection) Close() error {
	if err := c.pc.Close(); err != nil {
		c.log.Error().Err(err).Msg("close error")
		return err
	}
	c.log.Info().Msg("closed")
	return nil
}
