package testkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/google/uuid"
)

var ErrRelayDown = errors.New("fake relay unreachable")

// FakeRelay is an in-memory forwarding relay shared by several engines.
// It issues tokens of the form "<room>|<identity>" and delivers events
// synchronously on the calling goroutine.
type FakeRelay struct {
	URL string

	mu         sync.Mutex
	rooms      map[string]map[string]*FakeRelayConn
	names      map[domain.MemberID]string
	denyTokens bool
	down       bool
	issued     int
}

func NewFakeRelay() *FakeRelay {
	return &FakeRelay{
		URL:   "ws://relay.test",
		rooms: make(map[string]map[string]*FakeRelayConn),
		names: make(map[domain.MemberID]string),
	}
}

// Name maps a member to the identity its tokens carry.
func (r *FakeRelay) Name(id domain.MemberID, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[id] = identity
}

// DenyTokens makes IssueToken fail.
func (r *FakeRelay) DenyTokens(deny bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.denyTokens = deny
}

// Down makes Connect fail.
func (r *FakeRelay) Down(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = down
}

func (r *FakeRelay) Issued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.issued
}

func (r *FakeRelay) IssueToken(_ context.Context, req core.TokenRequest) (core.RelayToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.denyTokens {
		return core.RelayToken{}, errors.New("401 unauthorized")
	}
	identity, ok := r.names[req.ParticipantID]
	if !ok {
		identity = string(req.ParticipantID)
	}
	r.issued++
	room := string(req.ChatID) + "/" + string(req.SessionID)
	return core.RelayToken{URL: r.URL, Token: room + "|" + identity}, nil
}

func (r *FakeRelay) Connect(ctx context.Context, url, token string, ev core.RelayEvents) (core.RelayConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	room, identity, ok := strings.Cut(token, "|")
	if !ok || url != r.URL {
		return nil, fmt.Errorf("bad token %q", token)
	}

	r.mu.Lock()
	if r.down {
		r.mu.Unlock()
		return nil, ErrRelayDown
	}
	peers := r.rooms[room]
	if peers == nil {
		peers = make(map[string]*FakeRelayConn)
		r.rooms[room] = peers
	}
	if _, dup := peers[identity]; dup {
		r.mu.Unlock()
		return nil, fmt.Errorf("identity %q already in room", identity)
	}
	c := &FakeRelayConn{relay: r, room: room, identity: identity, ev: ev, pubs: make(map[string]core.RemoteSource)}
	others := make([]*FakeRelayConn, 0, len(peers))
	for _, o := range peers {
		others = append(others, o)
	}
	peers[identity] = c
	r.mu.Unlock()

	for _, o := range others {
		o.fireJoined(identity)
	}
	// existing publications reach the newcomer after Connect returns
	go func() {
		for _, o := range others {
			for _, src := range o.sources() {
				c.firePublished(o.identity, src)
			}
		}
	}()
	return c, nil
}

func (r *FakeRelay) peers(room, except string) []*FakeRelayConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*FakeRelayConn, 0, len(r.rooms[room]))
	for id, c := range r.rooms[room] {
		if id != except {
			out = append(out, c)
		}
	}
	return out
}

// Participants lists the identities connected to room.
func (r *FakeRelay) Participants(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		out = append(out, id)
	}
	return out
}

// Kick drops identity from room as if the server closed its connection.
func (r *FakeRelay) Kick(room, identity string) {
	r.mu.Lock()
	c := r.rooms[room][identity]
	r.mu.Unlock()
	if c == nil {
		return
	}
	c.leave()
	c.fireDisconnected("kicked")
}

type FakeRelayConn struct {
	relay    *FakeRelay
	room     string
	identity string
	ev       core.RelayEvents

	mu     sync.Mutex
	pubs   map[string]core.RemoteSource
	muted  map[string]bool
	closed bool
}

func (c *FakeRelayConn) sources() []core.RemoteSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.RemoteSource, 0, len(c.pubs))
	for _, s := range c.pubs {
		out = append(out, s)
	}
	return out
}

func (c *FakeRelayConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FakeRelayConn) fireJoined(identity string) {
	if !c.isClosed() && c.ev.OnParticipantJoined != nil {
		c.ev.OnParticipantJoined(identity)
	}
}

func (c *FakeRelayConn) fireLeft(identity string) {
	if !c.isClosed() && c.ev.OnParticipantLeft != nil {
		c.ev.OnParticipantLeft(identity)
	}
}

func (c *FakeRelayConn) firePublished(identity string, src core.RemoteSource) {
	if !c.isClosed() && c.ev.OnTrackPublished != nil {
		c.ev.OnTrackPublished(identity, src)
	}
}

func (c *FakeRelayConn) fireUnpublished(identity string, src core.RemoteSource) {
	if !c.isClosed() && c.ev.OnTrackUnpublished != nil {
		c.ev.OnTrackUnpublished(identity, src)
	}
}

func (c *FakeRelayConn) fireDisconnected(reason string) {
	if c.ev.OnDisconnected != nil {
		c.ev.OnDisconnected(reason)
	}
}

func (c *FakeRelayConn) Publish(t core.TrackRef, name string) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", errors.New("connection closed")
	}
	src := core.RemoteSource{SID: "TR_" + uuid.NewString()[:8], Kind: t.Kind(), Name: name}
	c.pubs[src.SID] = src
	c.mu.Unlock()

	for _, o := range c.relay.peers(c.room, c.identity) {
		o.firePublished(c.identity, src)
	}
	return src.SID, nil
}

func (c *FakeRelayConn) Unpublish(pubID string) error {
	c.mu.Lock()
	src, ok := c.pubs[pubID]
	delete(c.pubs, pubID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown publication %q", pubID)
	}
	for _, o := range c.relay.peers(c.room, c.identity) {
		o.fireUnpublished(c.identity, src)
	}
	return nil
}

func (c *FakeRelayConn) SetMuted(pubID string, muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pubs[pubID]; !ok {
		return fmt.Errorf("unknown publication %q", pubID)
	}
	if c.muted == nil {
		c.muted = make(map[string]bool)
	}
	c.muted[pubID] = muted
	return nil
}

// Muted reports the last mute state set for kind.
func (c *FakeRelayConn) Muted(kind domain.TrackKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sid, src := range c.pubs {
		if src.Kind == kind {
			return c.muted[sid]
		}
	}
	return false
}

func (c *FakeRelayConn) RemoteIdentities() []string {
	var out []string
	for _, o := range c.relay.peers(c.room, c.identity) {
		out = append(out, o.identity)
	}
	return out
}

func (c *FakeRelayConn) leave() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	srcs := make([]core.RemoteSource, 0, len(c.pubs))
	for _, s := range c.pubs {
		srcs = append(srcs, s)
	}
	c.pubs = make(map[string]core.RemoteSource)
	c.mu.Unlock()

	c.relay.mu.Lock()
	delete(c.relay.rooms[c.room], c.identity)
	c.relay.mu.Unlock()

	for _, o := range c.relay.peers(c.room, c.identity) {
		for _, s := range srcs {
			o.fireUnpublished(c.identity, s)
		}
		o.fireLeft(c.identity)
	}
}

func (c *FakeRelayConn) Disconnect() { c.leave() }
