package p2p

import (
	"sync/atomic"
	"time"

	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/pion/webrtc/v4"
)

// PeerLink is the direct connection to one remote participant. Its
// negotiation fields are guarded by the owning Pool's mutex.
type PeerLink struct {
	remote  domain.MemberID
	pc      core.PeerConnection
	senders map[domain.TrackKind]core.TrackSender

	// pending is set while a local offer waits for its answer. A second
	// local change while pending only sets queued.
	pending bool
	queued  bool

	remoteSet  bool
	candidates []webrtc.ICECandidateInit

	negTimer *time.Timer
	negGen   uint64
	offers   int

	state atomic.Int32
}

func newPeerLink(remote domain.MemberID, pc core.PeerConnection) *PeerLink {
	l := &PeerLink{
		remote:  remote,
		pc:      pc,
		senders: make(map[domain.TrackKind]core.TrackSender),
	}
	l.state.Store(int32(core.PeerNew))
	return l
}

func (l *PeerLink) Remote() domain.MemberID { return l.remote }

func (l *PeerLink) State() core.PeerState { return core.PeerState(l.state.Load()) }

func (l *PeerLink) Dead() bool { return l.State().Dead() }

func (l *PeerLink) stopTimer() {
	l.negGen++
	if l.negTimer != nil {
		l.negTimer.Stop()
		l.negTimer = nil
	}
}
