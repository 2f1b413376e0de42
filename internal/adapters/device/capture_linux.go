//go:build linux && cgo

package device

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"

	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const rtpMTU = 1200

// Capture opens camera, microphone and screen through pion/mediadevices
// (V4L2, malgo and X11 drivers).
type Capture struct {
	selector *mediadevices.CodecSelector
}

func NewCapture() (*Capture, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return &Capture{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (c *Capture) Open(ctx context.Context, kind domain.TrackKind, cons domain.Constraints) (core.LocalTrack, error) {
	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := c.open(kind, cons)
		ch <- result{s, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		// the driver call cannot be interrupted; close whatever it returns
		go func() {
			if r := <-ch; r.err == nil {
				closeStream(r.stream)
			}
		}()
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, classify(kind, res.err)
	}

	tracks := res.stream.GetTracks()
	if len(tracks) == 0 {
		return nil, domain.NewDeviceError(kind, domain.DeviceNotFound, nil)
	}
	return c.wrap(kind, tracks[0])
}

func (c *Capture) open(kind domain.TrackKind, cons domain.Constraints) (mediadevices.MediaStream, error) {
	video := func(t *mediadevices.MediaTrackConstraints) {
		if cons.Width > 0 {
			t.Width = prop.Int(cons.Width)
		}
		if cons.Height > 0 {
			t.Height = prop.Int(cons.Height)
		}
		if cons.FrameRate > 0 {
			t.FrameRate = prop.Float(cons.FrameRate)
		}
		if cons.DeviceID != "" {
			t.DeviceID = prop.String(cons.DeviceID)
		}
	}
	switch kind {
	case domain.TrackAudio:
		return mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Audio: func(t *mediadevices.MediaTrackConstraints) {
				if cons.DeviceID != "" {
					t.DeviceID = prop.String(cons.DeviceID)
				}
			},
			Codec: c.selector,
		})
	case domain.TrackVideo:
		return mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{Video: video, Codec: c.selector})
	case domain.TrackScreen:
		return mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{Video: video, Codec: c.selector})
	}
	return nil, fmt.Errorf("unknown track kind %q", kind)
}

// wrap re-labels the captured track: its RTP is copied into a local track
// whose id carries the kind.
func (c *Capture) wrap(kind domain.TrackKind, src mediadevices.Track) (core.LocalTrack, error) {
	codec := codecFor(kind)
	reader, err := src.NewRTPReader(codec.MimeType, rand.Uint32(), rtpMTU)
	if err != nil {
		_ = src.Close()
		return nil, domain.NewDeviceError(kind, domain.DeviceConstraintFailed, err)
	}
	id := domain.NewTrackID(kind)
	local, err := webrtc.NewTrackLocalStaticRTP(codec, id, streamID)
	if err != nil {
		_ = reader.Close()
		_ = src.Close()
		return nil, domain.NewDeviceError(kind, domain.DeviceConstraintFailed, err)
	}

	t := newLabeledTrack(kind, local, id, func() error {
		_ = reader.Close()
		return src.Close()
	})
	logger := log.With().Str("module", "adapters.device").Str("kind", string(kind)).Str("track", id).Logger()
	src.OnEnded(func(err error) {
		if err != nil {
			logger.Warn().Err(err).Msg("capture ended")
		}
	})
	go func() {
		for {
			pkts, release, err := reader.Read()
			if err != nil {
				logger.Debug().Err(err).Msg("capture reader stopped")
				return
			}
			if t.Enabled() {
				for _, p := range pkts {
					if err := local.WriteRTP(p); err != nil {
						logger.Debug().Err(err).Msg("write RTP")
					}
				}
			}
			release()
		}
	}()
	logger.Info().Str("device", src.ID()).Msg("capture opened")
	return t, nil
}

func closeStream(s mediadevices.MediaStream) {
	for _, t := range s.GetTracks() {
		_ = t.Close()
	}
}

func classify(kind domain.TrackKind, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return domain.NewDeviceError(kind, domain.DevicePermissionDenied, err)
	}
	// mediadevices reports both a missing device and unmet constraints as
	// "no driver fits"; treat it as missing.
	return domain.NewDeviceError(kind, domain.DeviceNotFound, err)
}
