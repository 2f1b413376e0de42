package device

import (
	"context"
	"time"

	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

var (
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	// not decodable; keeps the RTP stream and its timestamps moving
	vp8Filler = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}
)

// Synthetic opens generated tracks instead of hardware. Denied kinds fail
// with the given code, which lets agents rehearse permission errors.
type Synthetic struct {
	Deny map[domain.TrackKind]domain.DeviceErrorCode
}

func NewSynthetic() *Synthetic {
	return &Synthetic{Deny: map[domain.TrackKind]domain.DeviceErrorCode{}}
}

func (s *Synthetic) Open(ctx context.Context, kind domain.TrackKind, c domain.Constraints) (core.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if code, ok := s.Deny[kind]; ok {
		return nil, domain.NewDeviceError(kind, code, nil)
	}
	id := domain.NewTrackID(kind)
	local, err := webrtc.NewTrackLocalStaticSample(codecFor(kind), id, streamID)
	if err != nil {
		return nil, domain.NewDeviceError(kind, domain.DeviceConstraintFailed, err)
	}

	frame, payload := 20*time.Millisecond, opusSilence
	if kind != domain.TrackAudio {
		fps := c.FrameRate
		if fps <= 0 {
			fps = 15
		}
		frame, payload = time.Duration(float64(time.Second)/fps), vp8Filler
	}

	done := make(chan struct{})
	t := newLabeledTrack(kind, local, id, func() error {
		close(done)
		return nil
	})
	go func() {
		ticker := time.NewTicker(frame)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if !t.Enabled() {
					continue
				}
				if err := local.WriteSample(media.Sample{Data: payload, Duration: frame}); err != nil {
					log.Debug().Err(err).Str("module", "adapters.device").Str("track", id).Msg("write sample")
				}
			}
		}
	}()
	log.Info().Str("module", "adapters.device").Str("kind", string(kind)).Str("track", id).Msg("synthetic track opened")
	return t, nil
}
