package sfu

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/rs/zerolog"
)

var ErrRoomClosed = errors.New("relay room closed")

// Events are emitted after the room has updated its own subscription state.
// Handlers run on relay goroutines and must not block.
type Events struct {
	OnParticipantJoined func(domain.MemberID)
	OnParticipantLeft   func(domain.MemberID)
	OnTrackPublished    func(domain.RemoteTrack)
	OnTrackUnpublished  func(domain.RemoteTrack)
	OnDisconnected      func(reason string)
}

// RelayRoom is the single relay connection of one session.
type RelayRoom struct {
	sid        domain.SessionID
	self       domain.MemberID
	byIdentity map[string]domain.MemberID
	ev         Events
	logger     zerolog.Logger

	conn   core.RelayConn
	closed atomic.Bool

	mu           sync.RWMutex
	pubs         map[domain.TrackKind]*Publication
	participants map[domain.MemberID]struct{}
	remote       map[domain.MemberID]domain.RemoteTrackSet
}

func newRelayRoom(sid domain.SessionID, self domain.Member, members []domain.Member, ev Events, logger zerolog.Logger) *RelayRoom {
	r := &RelayRoom{
		sid:          sid,
		self:         self.ID,
		byIdentity:   make(map[string]domain.MemberID, len(members)),
		ev:           ev,
		logger:       logger,
		pubs:         make(map[domain.TrackKind]*Publication),
		participants: make(map[domain.MemberID]struct{}),
		remote:       make(map[domain.MemberID]domain.RemoteTrackSet),
	}
	for _, m := range members {
		r.byIdentity[m.Identity()] = m.ID
	}
	return r
}

func (r *RelayRoom) member(identity string) domain.MemberID {
	if id, ok := r.byIdentity[identity]; ok {
		return id
	}
	return domain.MemberID(identity)
}

func (r *RelayRoom) relayEvents() core.RelayEvents {
	return core.RelayEvents{
		OnParticipantJoined: r.onJoined,
		OnParticipantLeft:   r.onLeft,
		OnTrackPublished:    r.onPublished,
		OnTrackUnpublished:  r.onUnpublished,
		OnDisconnected:      r.onDisconnected,
	}
}

// addParticipant reports whether id was new.
func (r *RelayRoom) addParticipant(id domain.MemberID) bool {
	if id == r.self {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.participants[id]; ok {
		return false
	}
	r.participants[id] = struct{}{}
	return true
}

func (r *RelayRoom) onJoined(identity string) {
	if r.closed.Load() {
		return
	}
	id := r.member(identity)
	if !r.addParticipant(id) {
		return
	}
	r.logger.Info().Str("member", string(id)).Msg("participant joined")
	if r.ev.OnParticipantJoined != nil {
		r.ev.OnParticipantJoined(id)
	}
}

func (r *RelayRoom) onLeft(identity string) {
	if r.closed.Load() {
		return
	}
	id := r.member(identity)
	r.mu.Lock()
	_, ok := r.participants[id]
	delete(r.participants, id)
	gone := r.remote[id]
	delete(r.remote, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, t := range gone {
		if r.ev.OnTrackUnpublished != nil {
			r.ev.OnTrackUnpublished(t)
		}
	}
	r.logger.Info().Str("member", string(id)).Int("tracks_dropped", len(gone)).Msg("participant left")
	if r.ev.OnParticipantLeft != nil {
		r.ev.OnParticipantLeft(id)
	}
}

func (r *RelayRoom) onPublished(identity string, src core.RemoteSource) {
	if r.closed.Load() {
		return
	}
	id := r.member(identity)
	if id == r.self {
		return
	}
	if r.addParticipant(id) && r.ev.OnParticipantJoined != nil {
		r.ev.OnParticipantJoined(id)
	}
	t := domain.RemoteTrack{ID: src.SID, Kind: src.Kind, Owner: id}
	r.mu.Lock()
	set, ok := r.remote[id]
	if !ok {
		set = make(domain.RemoteTrackSet)
		r.remote[id] = set
	}
	set[src.Kind] = t
	r.mu.Unlock()
	r.logger.Debug().Str("member", string(id)).Str("kind", string(src.Kind)).Msg("remote track published")
	if r.ev.OnTrackPublished != nil {
		r.ev.OnTrackPublished(t)
	}
}

func (r *RelayRoom) onUnpublished(identity string, src core.RemoteSource) {
	if r.closed.Load() {
		return
	}
	id := r.member(identity)
	r.mu.Lock()
	t, ok := r.remote[id][src.Kind]
	if ok && t.ID == src.SID {
		delete(r.remote[id], src.Kind)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.logger.Debug().Str("member", string(id)).Str("kind", string(src.Kind)).Msg("remote track unpublished")
	if r.ev.OnTrackUnpublished != nil {
		r.ev.OnTrackUnpublished(t)
	}
}

func (r *RelayRoom) onDisconnected(reason string) {
	if r.closed.Load() {
		return
	}
	r.logger.Warn().Str("reason", reason).Msg("relay disconnected")
	if r.ev.OnDisconnected != nil {
		r.ev.OnDisconnected(reason)
	}
}

// Publish announces ref under its named source. Publishing a kind twice is a no-op.
func (r *RelayRoom) Publish(ref core.TrackRef) error {
	if r.closed.Load() {
		return ErrRoomClosed
	}
	if !ref.Live() {
		return fmt.Errorf("publish %s: track revoked", ref.Kind())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pubs[ref.Kind()]; ok {
		return nil
	}
	sid, err := r.conn.Publish(ref, SourceName(ref.Kind()))
	if err != nil {
		return fmt.Errorf("publish %s: %w", ref.Kind(), err)
	}
	r.pubs[ref.Kind()] = NewPublication(sid, ref)
	r.logger.Info().Str("kind", string(ref.Kind())).Str("pub", sid).Msg("track published")
	return nil
}

// Unpublish withdraws kind; the relay fans the change out.
func (r *RelayRoom) Unpublish(kind domain.TrackKind) error {
	r.mu.Lock()
	pub, ok := r.pubs[kind]
	delete(r.pubs, kind)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	pub.MarkDelete()
	if r.closed.Load() {
		return nil
	}
	if err := r.conn.Unpublish(pub.SID); err != nil {
		return fmt.Errorf("unpublish %s: %w", kind, err)
	}
	r.logger.Info().Str("kind", string(kind)).Str("pub", pub.SID).Msg("track unpublished")
	return nil
}

func (r *RelayRoom) SetMuted(kind domain.TrackKind, muted bool) error {
	r.mu.RLock()
	pub, ok := r.pubs[kind]
	r.mu.RUnlock()
	if !ok || pub.GetState() == PubStateDelete {
		return nil
	}
	if err := r.conn.SetMuted(pub.SID, muted); err != nil {
		return fmt.Errorf("mute %s: %w", kind, err)
	}
	if muted {
		pub.MarkMuted()
	} else {
		pub.MarkOk()
	}
	return nil
}

// Published lists the kinds currently published.
func (r *RelayRoom) Published() []domain.TrackKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.TrackKind, 0, len(r.pubs))
	for _, k := range domain.TrackKinds {
		if _, ok := r.pubs[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

func (r *RelayRoom) Participants() []domain.MemberID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.MemberID, 0, len(r.participants))
	for id := range r.participants {
		out = append(out, id)
	}
	return out
}

// RemoteTracks returns a copy of the subscription set.
func (r *RelayRoom) RemoteTracks() map[domain.MemberID]domain.RemoteTrackSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.MemberID]domain.RemoteTrackSet, len(r.remote))
	for id, set := range r.remote {
		out[id] = maps.Clone(set)
	}
	return out
}

// Close disconnects from the relay. Idempotent.
func (r *RelayRoom) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.mu.Lock()
	for _, pub := range r.pubs {
		pub.MarkDelete()
	}
	r.pubs = make(map[domain.TrackKind]*Publication)
	r.remote = make(map[domain.MemberID]domain.RemoteTrackSet)
	r.participants = make(map[domain.MemberID]struct{})
	r.mu.Unlock()
	if r.conn != nil {
		r.conn.Disconnect()
	}
	r.logger.Info().Msg("relay room closed")
}
