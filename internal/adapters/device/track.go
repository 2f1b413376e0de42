// Package device provides capture sources for the media manager: real
// devices through pion/mediadevices, and synthetic tracks for headless agents.
package device

import (
	"sync"
	"sync/atomic"

	"github.com/dkeye/callcore/internal/domain"
	"github.com/pion/webrtc/v4"
)

const streamID = "callcore"

// labeledTrack carries a kind-prefixed id so the receiver can tell camera
// from screen. Samples are dropped while disabled.
type labeledTrack struct {
	id      string
	kind    domain.TrackKind
	local   webrtc.TrackLocal
	enabled atomic.Bool
	once    sync.Once
	stop    func() error
	err     error
}

func newLabeledTrack(kind domain.TrackKind, local webrtc.TrackLocal, id string, stop func() error) *labeledTrack {
	t := &labeledTrack{id: id, kind: kind, local: local, stop: stop}
	t.enabled.Store(true)
	return t
}

func (t *labeledTrack) ID() string                    { return t.id }
func (t *labeledTrack) Kind() domain.TrackKind        { return t.kind }
func (t *labeledTrack) TrackLocal() webrtc.TrackLocal { return t.local }
func (t *labeledTrack) SetEnabled(on bool)            { t.enabled.Store(on) }
func (t *labeledTrack) Enabled() bool                 { return t.enabled.Load() }

func (t *labeledTrack) Stop() error {
	t.once.Do(func() {
		if t.stop != nil {
			t.err = t.stop()
		}
	})
	return t.err
}

func codecFor(kind domain.TrackKind) webrtc.RTPCodecCapability {
	if kind == domain.TrackAudio {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
}
