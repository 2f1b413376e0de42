// Package p2p implements the direct-mode peer connection pool: one PeerLink
// per remote participant, offer/answer exchange with glare handling, trickle
// ICE with buffering, and renegotiation on local track changes.
package p2p

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var ErrPoolClosed = errors.New("peer pool closed")

// Sender delivers one signaling payload to a remote participant.
type Sender func(t domain.MessageType, to domain.MemberID, payload any)

type EventKind int

const (
	EventTrackAdded EventKind = iota
	EventTrackRemoved
	EventLinkState
	EventNegotiationTimeout
)

// Event is what the pool reports upward. emit must not block.
type Event struct {
	Kind   EventKind
	Remote domain.MemberID
	Track  domain.RemoteTrack
	State  core.PeerState
}

type Config struct {
	Self domain.MemberID
	// Polite is true on the callee: it yields on offer collisions.
	Polite             bool
	NegotiationTimeout time.Duration
}

type Pool struct {
	cfg     Config
	factory core.PeerFactory
	send    Sender
	emit    func(Event)
	tracks  func() []core.TrackRef
	log     zerolog.Logger

	mu     sync.Mutex
	links  map[domain.MemberID]*PeerLink
	early  map[domain.MemberID][]webrtc.ICECandidateInit
	closed bool

	rmu    sync.RWMutex
	remote map[domain.MemberID]domain.RemoteTrackSet
}

// NewPool builds an empty pool. tracks returns the local references to bind
// to each new link.
func NewPool(cfg Config, factory core.PeerFactory, send Sender, emit func(Event), tracks func() []core.TrackRef) *Pool {
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = 10 * time.Second
	}
	return &Pool{
		cfg:     cfg,
		factory: factory,
		send:    send,
		emit:    emit,
		tracks:  tracks,
		log:     log.With().Str("module", "app.p2p").Str("self", string(cfg.Self)).Logger(),
		links:   make(map[domain.MemberID]*PeerLink),
		early:   make(map[domain.MemberID][]webrtc.ICECandidateInit),
		remote:  make(map[domain.MemberID]domain.RemoteTrackSet),
	}
}

// Open creates the link to remote; with initiate set it sends the first offer.
func (p *Pool) Open(remote domain.MemberID, initiate bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	l, ok := p.links[remote]
	if !ok {
		var err error
		if l, err = p.createLink(remote); err != nil {
			return err
		}
		if err := p.bindLocal(l); err != nil {
			return err
		}
	}
	if initiate {
		return p.negotiate(l)
	}
	return nil
}

// createLink must be called with p.mu held.
func (p *Pool) createLink(remote domain.MemberID) (*PeerLink, error) {
	pc, err := p.factory.NewPeer(p.cfg.Self, remote)
	if err != nil {
		return nil, fmt.Errorf("new peer %s: %w", remote, err)
	}
	l := newPeerLink(remote, pc)

	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		p.send(domain.MsgICECandidate, remote, domain.ICEPayload{
			Candidate:     c.Candidate,
			SDPMid:        c.SDPMid,
			SDPMLineIndex: c.SDPMLineIndex,
		})
	})
	pc.OnTrack(func(t domain.RemoteTrack) { p.onRemoteTrack(remote, t) })
	pc.OnTrackEnded(func(id string) { p.onRemoteTrackEnded(remote, id) })
	pc.OnStateChange(func(s core.PeerState) {
		l.state.Store(int32(s))
		p.log.Info().Str("remote", string(remote)).Str("state", s.String()).Msg("peer state")
		p.emit(Event{Kind: EventLinkState, Remote: remote, State: s})
	})

	l.candidates = append(l.candidates, p.early[remote]...)
	delete(p.early, remote)
	p.links[remote] = l
	p.log.Info().Str("remote", string(remote)).Int("early_candidates", len(l.candidates)).Msg("peer link created")
	return l, nil
}

func (p *Pool) bindLocal(l *PeerLink) error {
	for _, ref := range p.tracks() {
		if !ref.Live() {
			continue
		}
		if _, ok := l.senders[ref.Kind()]; ok {
			continue
		}
		s, err := l.pc.AddTrack(ref)
		if err != nil {
			return fmt.Errorf("add %s track: %w", ref.Kind(), err)
		}
		l.senders[ref.Kind()] = s
	}
	return nil
}

// negotiate starts a local offer unless one is already in flight, in which
// case the change is queued behind it. Caller holds p.mu.
func (p *Pool) negotiate(l *PeerLink) error {
	if l.pending {
		l.queued = true
		p.log.Debug().Str("remote", string(l.remote)).Msg("renegotiation queued")
		return nil
	}
	offer, err := l.pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	l.pending = true
	l.offers++
	l.stopTimer()
	gen := l.negGen
	remote := l.remote
	l.negTimer = time.AfterFunc(p.cfg.NegotiationTimeout, func() { p.onNegotiationTimeout(remote, gen) })
	p.send(domain.MsgOffer, remote, domain.SDPPayload{SDP: offer.SDP})
	p.log.Info().Str("remote", string(remote)).Int("offer", l.offers).Msg("offer sent")
	return nil
}

func (p *Pool) onNegotiationTimeout(remote domain.MemberID, gen uint64) {
	p.mu.Lock()
	l, ok := p.links[remote]
	if !ok || p.closed || l.negGen != gen || !l.pending {
		p.mu.Unlock()
		return
	}
	if err := l.pc.Rollback(); err != nil {
		p.log.Error().Err(err).Str("remote", string(remote)).Msg("rollback after timeout")
	}
	l.pending, l.queued = false, false
	l.negTimer = nil
	p.mu.Unlock()

	p.log.Warn().Str("remote", string(remote)).Msg("renegotiation timed out, rolled back")
	p.emit(Event{Kind: EventNegotiationTimeout, Remote: remote})
}

// HandleOffer applies a remote offer, creating the link on first contact.
// On collision the polite side rolls back its own offer and re-runs it after
// answering; the impolite side drops the remote offer.
func (p *Pool) HandleOffer(from domain.MemberID, sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	l, ok := p.links[from]
	fresh := !ok
	if fresh {
		var err error
		if l, err = p.createLink(from); err != nil {
			return err
		}
	}

	if l.pending {
		if !p.cfg.Polite {
			p.log.Info().Str("remote", string(from)).Msg("offer collision, ignoring remote offer")
			return nil
		}
		err := l.pc.Rollback()
		l.pending = false
		l.stopTimer()
		if err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
		l.queued = true
		p.log.Info().Str("remote", string(from)).Msg("offer collision, rolled back local offer")
	}

	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	l.remoteSet = true
	if fresh {
		if err := p.bindLocal(l); err != nil {
			return err
		}
	}
	p.flushCandidates(l)

	answer, err := l.pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	p.send(domain.MsgAnswer, from, domain.SDPPayload{SDP: answer.SDP})
	p.log.Info().Str("remote", string(from)).Msg("answer sent")

	if l.queued {
		l.queued = false
		return p.negotiate(l)
	}
	return nil
}

// HandleAnswer completes the in-flight negotiation. Answers with no pending
// offer are stale and dropped.
func (p *Pool) HandleAnswer(from domain.MemberID, sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	l, ok := p.links[from]
	if !ok || !l.pending {
		p.log.Debug().Str("remote", string(from)).Msg("stale answer dropped")
		return nil
	}
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	l.pending = false
	l.remoteSet = true
	l.stopTimer()
	p.flushCandidates(l)

	if l.queued {
		l.queued = false
		return p.negotiate(l)
	}
	return nil
}

// HandleCandidate applies a remote candidate or buffers it until the link and
// its remote description exist.
func (p *Pool) HandleCandidate(from domain.MemberID, c webrtc.ICECandidateInit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	l, ok := p.links[from]
	if !ok {
		p.early[from] = append(p.early[from], c)
		return
	}
	if !l.remoteSet {
		l.candidates = append(l.candidates, c)
		return
	}
	if err := l.pc.AddICECandidate(c); err != nil {
		p.log.Warn().Err(err).Str("remote", string(from)).Msg("add ice candidate")
	}
}

func (p *Pool) flushCandidates(l *PeerLink) {
	for _, c := range l.candidates {
		if err := l.pc.AddICECandidate(c); err != nil {
			p.log.Warn().Err(err).Str("remote", string(l.remote)).Msg("add buffered ice candidate")
		}
	}
	if n := len(l.candidates); n > 0 {
		p.log.Debug().Str("remote", string(l.remote)).Int("count", n).Msg("flushed buffered candidates")
	}
	l.candidates = nil
}

// AddTrack binds a new local track to every link and renegotiates each.
func (p *Pool) AddTrack(ref core.TrackRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	var errs []error
	for _, l := range p.links {
		if l.Dead() {
			continue
		}
		if _, ok := l.senders[ref.Kind()]; ok {
			continue
		}
		s, err := l.pc.AddTrack(ref)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.remote, err))
			continue
		}
		l.senders[ref.Kind()] = s
		if err := p.negotiate(l); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.remote, err))
		}
	}
	return errors.Join(errs...)
}

// RemoveTrack unbinds kind from every link and renegotiates each.
func (p *Pool) RemoveTrack(kind domain.TrackKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	var errs []error
	for _, l := range p.links {
		s, ok := l.senders[kind]
		if !ok {
			continue
		}
		delete(l.senders, kind)
		if l.Dead() {
			continue
		}
		if err := l.pc.RemoveTrack(s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.remote, err))
			continue
		}
		if err := p.negotiate(l); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.remote, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) onRemoteTrack(remote domain.MemberID, t domain.RemoteTrack) {
	t.Owner = remote
	p.rmu.Lock()
	set, ok := p.remote[remote]
	if !ok {
		set = make(domain.RemoteTrackSet)
		p.remote[remote] = set
	}
	set[t.Kind] = t
	p.rmu.Unlock()
	p.log.Info().Str("remote", string(remote)).Str("kind", string(t.Kind)).Str("track", t.ID).Msg("remote track added")
	p.emit(Event{Kind: EventTrackAdded, Remote: remote, Track: t})
}

func (p *Pool) onRemoteTrackEnded(remote domain.MemberID, id string) {
	p.rmu.Lock()
	var gone domain.RemoteTrack
	found := false
	for k, t := range p.remote[remote] {
		if t.ID == id {
			gone, found = t, true
			delete(p.remote[remote], k)
			break
		}
	}
	p.rmu.Unlock()
	if !found {
		return
	}
	p.log.Info().Str("remote", string(remote)).Str("kind", string(gone.Kind)).Msg("remote track ended")
	p.emit(Event{Kind: EventTrackRemoved, Remote: remote, Track: gone})
}

// RemoteTracks returns a copy of the inbound track sets.
func (p *Pool) RemoteTracks() map[domain.MemberID]domain.RemoteTrackSet {
	p.rmu.RLock()
	defer p.rmu.RUnlock()
	out := make(map[domain.MemberID]domain.RemoteTrackSet, len(p.remote))
	for id, set := range p.remote {
		out[id] = maps.Clone(set)
	}
	return out
}

// AllDead reports whether links exist and none can carry media.
func (p *Pool) AllDead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.links) == 0 {
		return false
	}
	for _, l := range p.links {
		if !l.Dead() {
			return false
		}
	}
	return true
}

// Negotiating reports whether a local offer to remote awaits its answer.
func (p *Pool) Negotiating(remote domain.MemberID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.links[remote]
	return ok && l.pending
}

// OffersSent counts local offers made on the link to remote.
func (p *Pool) OffersSent(remote domain.MemberID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.links[remote]; ok {
		return l.offers
	}
	return 0
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.links)
}

// Remove tears down the link to one participant.
func (p *Pool) Remove(remote domain.MemberID) {
	p.mu.Lock()
	l, ok := p.links[remote]
	if ok {
		l.stopTimer()
		delete(p.links, remote)
	}
	delete(p.early, remote)
	p.mu.Unlock()

	p.rmu.Lock()
	delete(p.remote, remote)
	p.rmu.Unlock()

	if ok {
		if err := l.pc.Close(); err != nil {
			p.log.Error().Err(err).Str("remote", string(remote)).Msg("close peer")
		}
		p.log.Info().Str("remote", string(remote)).Msg("peer link removed")
	}
}

// Close tears down every link in parallel. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	links := p.links
	p.links = make(map[domain.MemberID]*PeerLink)
	p.early = make(map[domain.MemberID][]webrtc.ICECandidateInit)
	for _, l := range links {
		l.stopTimer()
	}
	p.mu.Unlock()

	p.rmu.Lock()
	p.remote = make(map[domain.MemberID]domain.RemoteTrackSet)
	p.rmu.Unlock()

	var wg conc.WaitGroup
	for remote, l := range links {
		wg.Go(func() {
			if err := l.pc.Close(); err != nil {
				p.log.Error().Err(err).Str("remote", string(remote)).Msg("close peer")
			}
		})
	}
	wg.Wait()
	p.log.Info().Int("links", len(links)).Msg("pool closed")
}
