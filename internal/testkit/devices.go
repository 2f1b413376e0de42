// Package testkit holds in-memory fakes for the call engine collaborators:
// capture devices, peer connections, a forwarding relay and a signaling bus.
package testkit

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/pion/webrtc/v4"
)

type FakeTrack struct {
	id      string
	kind    domain.TrackKind
	local   webrtc.TrackLocal
	enabled atomic.Bool
	stopped atomic.Bool
	once    sync.Once
	onStop  func()
}

func (t *FakeTrack) ID() string                    { return t.id }
func (t *FakeTrack) Kind() domain.TrackKind        { return t.kind }
func (t *FakeTrack) TrackLocal() webrtc.TrackLocal { return t.local }
func (t *FakeTrack) SetEnabled(on bool)            { t.enabled.Store(on) }
func (t *FakeTrack) Enabled() bool                 { return t.enabled.Load() }
func (t *FakeTrack) Stopped() bool                 { return t.stopped.Load() }

func (t *FakeTrack) Stop() error {
	t.once.Do(func() {
		t.stopped.Store(true)
		if t.onStop != nil {
			t.onStop()
		}
	})
	return nil
}

// FakeDevices is a core.DeviceSource with scriptable failures and delays.
type FakeDevices struct {
	mu       sync.Mutex
	deny     map[domain.TrackKind]domain.DeviceErrorCode
	gates    map[domain.TrackKind]chan struct{}
	stubborn bool
	tracks   []*FakeTrack

	opened atomic.Int32
	live   atomic.Int32
}

func NewFakeDevices() *FakeDevices {
	return &FakeDevices{
		deny:  make(map[domain.TrackKind]domain.DeviceErrorCode),
		gates: make(map[domain.TrackKind]chan struct{}),
	}
}

// Deny makes every Open of kind fail with code.
func (d *FakeDevices) Deny(kind domain.TrackKind, code domain.DeviceErrorCode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deny[kind] = code
}

// Hold blocks Open of kind until the returned func is called.
// With stubborn set, Open ignores ctx and always returns a track once released.
func (d *FakeDevices) Hold(kind domain.TrackKind, stubborn bool) (release func()) {
	gate := make(chan struct{})
	d.mu.Lock()
	d.gates[kind] = gate
	d.stubborn = stubborn
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.gates, kind)
			d.mu.Unlock()
			close(gate)
		})
	}
}

func (d *FakeDevices) Open(ctx context.Context, kind domain.TrackKind, _ domain.Constraints) (core.LocalTrack, error) {
	d.mu.Lock()
	code, denied := d.deny[kind]
	gate := d.gates[kind]
	stubborn := d.stubborn
	d.mu.Unlock()

	if denied {
		return nil, domain.NewDeviceError(kind, code, nil)
	}
	if gate != nil {
		if stubborn {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	id := domain.NewTrackID(kind)
	mime := webrtc.MimeTypeVP8
	if kind == domain.TrackAudio {
		mime = webrtc.MimeTypeOpus
	}
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "testkit")
	if err != nil {
		return nil, err
	}
	t := &FakeTrack{id: id, kind: kind, local: local, onStop: func() { d.live.Add(-1) }}
	t.enabled.Store(true)
	d.opened.Add(1)
	d.live.Add(1)
	d.mu.Lock()
	d.tracks = append(d.tracks, t)
	d.mu.Unlock()
	return t, nil
}

// Opened counts successful opens.
func (d *FakeDevices) Opened() int { return int(d.opened.Load()) }

// Live counts opened tracks that were never stopped.
func (d *FakeDevices) Live() int { return int(d.live.Load()) }

func (d *FakeDevices) Tracks() []*FakeTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeTrack(nil), d.tracks...)
}
