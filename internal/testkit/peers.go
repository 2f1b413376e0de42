package testkit

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/pion/webrtc/v4"
)

// FakePeerNet hands out fake peer connections whose SDP is the JSON list of
// the sender's local tracks. Applying a remote description diffs that list
// and fires OnTrack / OnTrackEnded.
type FakePeerNet struct {
	mu    sync.Mutex
	peers map[string]*FakePeer
	fail  map[domain.MemberID]bool
}

func NewFakePeerNet() *FakePeerNet {
	return &FakePeerNet{peers: make(map[string]*FakePeer), fail: make(map[domain.MemberID]bool)}
}

// Factory returns a core.PeerFactory creating peers in this net.
func (n *FakePeerNet) Factory() core.PeerFactory { return fakeFactory{n} }

// FailNewPeers makes NewPeer fail for self.
func (n *FakePeerNet) FailNewPeers(self domain.MemberID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fail[self] = true
}

// Peer returns the latest connection self opened towards remote.
func (n *FakePeerNet) Peer(self, remote domain.MemberID) (*FakePeer, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.peers[peerKey(self, remote)]
	return p, ok
}

// Count returns how many connections self ever opened.
func (n *FakePeerNet) Count(self domain.MemberID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, p := range n.peers {
		if p.self == self {
			c++
		}
	}
	return c
}

func peerKey(self, remote domain.MemberID) string { return string(self) + "->" + string(remote) }

type fakeFactory struct{ n *FakePeerNet }

func (f fakeFactory) NewPeer(self, remote domain.MemberID) (core.PeerConnection, error) {
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	if f.n.fail[self] {
		return nil, errors.New("fake: peer creation failed")
	}
	p := &FakePeer{
		self:   self,
		remote: remote,
		local:  make(map[string]domain.TrackKind),
		seen:   make(map[string]domain.TrackKind),
	}
	f.n.peers[peerKey(self, remote)] = p
	return p, nil
}

type sdpBody struct {
	Tracks []domain.TrackInfo `json:"tracks"`
}

type signalingState int

const (
	stable signalingState = iota
	haveLocalOffer
	haveRemoteOffer
)

// FakePeer is a scripted core.PeerConnection. It follows pion's signaling
// rules: descriptions must fit the signaling state and a rollback needs the
// pending offer's SDP.
type FakePeer struct {
	self, remote domain.MemberID

	mu           sync.Mutex
	state        signalingState
	lastOffer    string
	lastAnswer   string
	pendingLocal string
	local        map[string]domain.TrackKind
	seen         map[string]domain.TrackKind
	remoteSet    bool
	connected    bool
	closed       bool
	candidates   []string
	iceSeq       int

	offers    atomic.Int32
	answers   atomic.Int32
	rollbacks atomic.Int32

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(domain.RemoteTrack)
	onEnded func(string)
	onState func(core.PeerState)
}

type fakeSender struct {
	id   string
	kind domain.TrackKind
}

func (s fakeSender) TrackID() string        { return s.id }
func (s fakeSender) Kind() domain.TrackKind { return s.kind }

func (p *FakePeer) AddTrack(t core.TrackRef) (core.TrackSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("fake: closed")
	}
	p.local[t.ID()] = t.Kind()
	return fakeSender{id: t.ID(), kind: t.Kind()}, nil
}

func (p *FakePeer) RemoveTrack(s core.TrackSender) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.local, s.TrackID())
	return nil
}

func (p *FakePeer) body() string {
	b := sdpBody{}
	for id, k := range p.local {
		b.Tracks = append(b.Tracks, domain.TrackInfo{ID: id, Kind: k, Enabled: true})
	}
	raw, _ := json.Marshal(b)
	return string(raw)
}

func (p *FakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stable {
		return webrtc.SessionDescription{}, errors.New("fake: create offer in non-stable state")
	}
	p.offers.Add(1)
	p.lastOffer = p.body()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.lastOffer}, nil
}

func (p *FakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != haveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("fake: create answer without remote offer")
	}
	p.answers.Add(1)
	p.lastAnswer = p.body()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.lastAnswer}, nil
}

func (p *FakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	if err := p.applyLocal(d); err != nil {
		p.mu.Unlock()
		return err
	}
	if d.Type == webrtc.SDPTypeRollback {
		p.mu.Unlock()
		return nil
	}
	p.iceSeq++
	cand := fmt.Sprintf("candidate:%s-%d 1 udp 1 127.0.0.1 9 typ host", p.self, p.iceSeq)
	onICE := p.onICE
	p.mu.Unlock()
	if onICE != nil {
		onICE(webrtc.ICECandidateInit{Candidate: cand})
	}
	p.maybeConnected()
	return nil
}

// applyLocal moves the signaling state for a local description. Caller
// holds p.mu.
func (p *FakePeer) applyLocal(d webrtc.SessionDescription) error {
	if p.closed {
		return errors.New("fake: closed")
	}
	if d.SDP == "" {
		switch d.Type {
		case webrtc.SDPTypeOffer:
			d.SDP = p.lastOffer
		case webrtc.SDPTypeAnswer:
			d.SDP = p.lastAnswer
		default:
			return fmt.Errorf("fake: invalid SDP type supplied to SetLocalDescription(): %s", d.Type)
		}
	}
	switch d.Type {
	case webrtc.SDPTypeOffer:
		if p.state == haveRemoteOffer {
			return errors.New("fake: local offer while remote offer pending")
		}
		p.state = haveLocalOffer
		p.pendingLocal = d.SDP
	case webrtc.SDPTypeAnswer:
		if p.state != haveRemoteOffer {
			return errors.New("fake: local answer without remote offer")
		}
		p.state = stable
		p.pendingLocal = ""
	case webrtc.SDPTypeRollback:
		if p.state == stable {
			return errors.New("fake: cannot rollback from stable")
		}
		p.state = stable
		p.pendingLocal = ""
	default:
		return fmt.Errorf("fake: unsupported local description %s", d.Type)
	}
	return nil
}

func (p *FakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	switch d.Type {
	case webrtc.SDPTypeOffer:
		if p.state == haveLocalOffer {
			p.mu.Unlock()
			return errors.New("fake: remote offer while local offer pending")
		}
		p.state = haveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if p.state != haveLocalOffer {
			p.mu.Unlock()
			return errors.New("fake: answer without local offer")
		}
		p.state = stable
		p.pendingLocal = ""
	}
	var body sdpBody
	if err := json.Unmarshal([]byte(d.SDP), &body); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("fake: bad sdp: %w", err)
	}
	p.remoteSet = true

	now := make(map[string]domain.TrackKind, len(body.Tracks))
	var added []domain.RemoteTrack
	var ended []string
	for _, t := range body.Tracks {
		now[t.ID] = t.Kind
		if _, ok := p.seen[t.ID]; !ok {
			added = append(added, domain.RemoteTrack{ID: t.ID, Kind: t.Kind, Owner: p.remote})
		}
	}
	for id := range p.seen {
		if _, ok := now[id]; !ok {
			ended = append(ended, id)
		}
	}
	p.seen = now
	onTrack, onEnded := p.onTrack, p.onEnded
	p.mu.Unlock()

	for _, t := range added {
		if onTrack != nil {
			onTrack(t)
		}
	}
	for _, id := range ended {
		if onEnded != nil {
			onEnded(id)
		}
	}
	p.maybeConnected()
	return nil
}

func (p *FakePeer) maybeConnected() {
	p.mu.Lock()
	fire := !p.connected && p.remoteSet && p.state == stable && !p.closed
	if fire {
		p.connected = true
	}
	onState := p.onState
	p.mu.Unlock()
	if fire && onState != nil {
		onState(core.PeerConnected)
	}
}

// Rollback hands the pending offer back, like the pion adapter does.
func (p *FakePeer) Rollback() error {
	p.mu.Lock()
	sdp := p.pendingLocal
	ok := p.state == haveLocalOffer && sdp != ""
	p.mu.Unlock()
	if !ok {
		return core.ErrNoLocalOffer
	}
	if err := p.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: sdp}); err != nil {
		return err
	}
	p.rollbacks.Add(1)
	return nil
}

func (p *FakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.remoteSet {
		return errors.New("fake: remote description not set")
	}
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

func (p *FakePeer) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = f
}

func (p *FakePeer) OnTrack(f func(domain.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = f
}

func (p *FakePeer) OnTrackEnded(f func(string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEnded = f
}

func (p *FakePeer) OnStateChange(f func(core.PeerState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = f
}

func (p *FakePeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	onState := p.onState
	p.mu.Unlock()
	if onState != nil {
		onState(core.PeerClosed)
	}
	return nil
}

// Fail simulates an ICE failure.
func (p *FakePeer) Fail() {
	p.mu.Lock()
	onState := p.onState
	p.mu.Unlock()
	if onState != nil {
		onState(core.PeerFailed)
	}
}

func (p *FakePeer) Candidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.candidates...)
}

func (p *FakePeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *FakePeer) Offers() int    { return int(p.offers.Load()) }
func (p *FakePeer) Answers() int   { return int(p.answers.Load()) }
func (p *FakePeer) Rollbacks() int { return int(p.rollbacks.Load()) }

// LocalKinds lists kinds currently bound for sending.
func (p *FakePeer) LocalKinds() []domain.TrackKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.TrackKind, 0, len(p.local))
	for _, k := range p.local {
		out = append(out, k)
	}
	return out
}
