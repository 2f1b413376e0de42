package rtc

import (
	"fmt"

	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

func DefaultWebRTCConfig(iceURLs ...string) webrtc.Configuration {
	if len(iceURLs) == 0 {
		iceURLs = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: iceURLs,
			},
		},
	}
}

// PacketSink receives every inbound RTP packet. It runs on the track's read
// goroutine.
type PacketSink func(remote domain.MemberID, trackID string, pkt *rtp.Packet)

// Factory builds pion peer connections sharing one media engine.
type Factory struct {
	api  *webrtc.API
	cfg  webrtc.Configuration
	sink PacketSink
}

func NewFactory(cfg webrtc.Configuration, sink PacketSink) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return &Factory{
		api:  webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir)),
		cfg:  cfg,
		sink: sink,
	}, nil
}

func (f *Factory) NewPeer(self, remote domain.MemberID) (core.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	c := &Connection{
		pc:     pc,
		remote: remote,
		sink:   f.sink,
		log: log.With().
			Str("module", "adapters.rtc").
			Str("self", string(self)).
			Str("remote", string(remote)).
			Logger(),
	}
	c.start()
	return c, nil
}
