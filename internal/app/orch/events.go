package orch

import (
	"context"

	"github.com/dkeye/callcore/internal/app/p2p"
	"github.com/dkeye/callcore/internal/app/sfu"
	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
)

// event is the inbound union consumed by a session actor.
type event interface{ isEvent() }

type evStart struct{}

type evSignal struct{ env domain.Envelope }

type commandOp int

const (
	cmdAccept commandOp = iota
	cmdDecline
	cmdHangup
)

type evCommand struct {
	op     commandOp
	video  bool
	reason string
	reply  chan error
}

type toggleResult struct {
	on  bool
	err error
}

// evToggle flips kind, or sets it when want is non-nil.
type evToggle struct {
	ctx   context.Context
	kind  domain.TrackKind
	want  *bool
	reply chan toggleResult
}

// evToggled carries the result of the device work started for an evToggle.
type evToggled struct {
	req evToggle
	ref core.TrackRef
	on  bool
	err error
}

type timerKind int

const (
	ringTimer timerKind = iota
	connectTimer
	aloneTimer
	timerCount
)

func (k timerKind) String() string {
	switch k {
	case ringTimer:
		return "ring"
	case connectTimer:
		return "connect"
	case aloneTimer:
		return "alone"
	}
	return "unknown"
}

type evTimeout struct {
	which timerKind
	gen   uint64
}

type evMediaReady struct{ err error }

type evRelayReady struct {
	room *sfu.RelayRoom
	err  error
}

type evPool struct{ ev p2p.Event }

type relayEventKind int

const (
	relayJoined relayEventKind = iota
	relayLeft
	relayTrackPublished
	relayTrackUnpublished
	relayDisconnected
)

type evRelay struct {
	kind   relayEventKind
	member domain.MemberID
	track  domain.RemoteTrack
	reason string
}

type evShutdown struct{ reply chan error }

func (evStart) isEvent()      {}
func (evSignal) isEvent()     {}
func (evCommand) isEvent()    {}
func (evToggle) isEvent()     {}
func (evToggled) isEvent()    {}
func (evTimeout) isEvent()    {}
func (evMediaReady) isEvent() {}
func (evRelayReady) isEvent() {}
func (evPool) isEvent()       {}
func (evRelay) isEvent()      {}
func (evShutdown) isEvent()   {}
