package sfu

import (
	"sync/atomic"

	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
)

type PubState int32

const (
	PubStateOk PubState = iota
	PubStateMuted
	PubStateDelete
)

// Publication is one local track published to the relay. It borrows the
// track; unpublishing never stops the device.
type Publication struct {
	SID   string
	Kind  domain.TrackKind
	Ref   core.TrackRef
	state atomic.Int32 // Zero by default (PubStateOk)
}

func NewPublication(sid string, ref core.TrackRef) *Publication {
	return &Publication{SID: sid, Kind: ref.Kind(), Ref: ref}
}

func (p *Publication) GetState() PubState {
	return PubState(p.state.Load())
}

func (p *Publication) MarkOk() {
	p.state.Store(int32(PubStateOk))
}

func (p *Publication) MarkMuted() {
	p.state.Store(int32(PubStateMuted))
}

func (p *Publication) MarkDelete() {
	p.state.Store(int32(PubStateDelete))
}

// SourceName is the relay source a kind is published as.
func SourceName(k domain.TrackKind) string {
	switch k {
	case domain.TrackAudio:
		return "microphone"
	case domain.TrackVideo:
		return "camera"
	case domain.TrackScreen:
		return "screen"
	}
	return string(k)
}

// KindOfSource is the inverse of SourceName.
func KindOfSource(name string) (domain.TrackKind, bool) {
	switch name {
	case "microphone":
		return domain.TrackAudio, true
	case "camera":
		return domain.TrackVideo, true
	case "screen":
		return domain.TrackScreen, true
	}
	return "", false
}
