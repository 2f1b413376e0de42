package orch

import (
	"fmt"

	"github.com/dkeye/callcore/internal/app/p2p"
	"github.com/dkeye/callcore/internal/app/sfu"
	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/pion/webrtc/v4"
)

func candidateInit(p domain.ICEPayload) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     p.Candidate,
		SDPMid:        p.SDPMid,
		SDPMLineIndex: p.SDPMLineIndex,
	}
}

// acquire opens the devices the call starts with. The result comes back as
// evMediaReady; teardown cancels it through s.ctx.
func (s *session) acquire() {
	kinds := []domain.TrackKind{domain.TrackAudio}
	if s.call.IsVideoEnabled {
		kinds = append(kinds, domain.TrackVideo)
	}
	if s.call.IsScreenShareEnabled {
		kinds = append(kinds, domain.TrackScreen)
	}
	ctx, m := s.ctx, s.o.Media
	go func() {
		var err error
		for _, k := range kinds {
			if _, err = m.Acquire(ctx, k, nil); err != nil {
				break
			}
		}
		s.post(evMediaReady{err: err})
	}()
}

func (s *session) onMediaReady(err error) {
	if s.stopped || s.call.State != domain.StateConnecting {
		return
	}
	if err != nil {
		if s.call.Outgoing {
			s.announceLeave(domain.Reason(err))
		} else {
			s.sendAction(s.call.InitiatorID, domain.ActionDecline, domain.Reason(err))
		}
		s.fail(err)
		return
	}
	s.mediaReady = true
	if !s.call.Outgoing {
		s.sendAction(s.call.InitiatorID, domain.ActionAccept, "")
	}
	switch s.call.Mode {
	case domain.ModeDirect:
		s.openPool()
	case domain.ModeRelayed:
		s.joinRelay()
	}
	if s.stopped {
		return
	}
	s.flushEarly()
	s.publish()
	s.drainDeferred()
}

func (s *session) openPool() {
	sid, chat, self := s.call.ID, s.call.ChatID, s.call.SelfID
	send := func(t domain.MessageType, to domain.MemberID, payload any) {
		env, err := domain.NewEnvelope(t, sid, chat, self, to, payload)
		if err != nil {
			s.log.Error().Err(err).Msg("build envelope")
			return
		}
		s.o.send(env)
	}
	s.pool = p2p.NewPool(
		p2p.Config{Self: self, Polite: !s.call.Outgoing, NegotiationTimeout: s.o.Config.NegotiationTimeout},
		s.o.Peers,
		send,
		func(ev p2p.Event) { s.post(evPool{ev: ev}) },
		s.o.Media.Refs,
	)
	if !s.call.Outgoing {
		return
	}
	for _, id := range s.call.ParticipantIDs {
		if id == self {
			continue
		}
		if err := s.pool.Open(id, true); err != nil {
			s.announceLeave(domain.Reason(domain.ErrPeerUnreachable))
			s.fail(fmt.Errorf("%w: %v", domain.ErrPeerUnreachable, err))
			return
		}
	}
}

func (s *session) joinRelay() {
	req := sfu.JoinRequest{
		SessionID: s.call.ID,
		ChatID:    s.call.ChatID,
		Self:      s.o.Config.Self,
		Members:   s.chat.Members,
	}
	refs := s.o.Media.Refs()
	ctx, relays := s.ctx, s.o.Relays
	ev := sfu.Events{
		OnParticipantJoined: func(id domain.MemberID) { s.post(evRelay{kind: relayJoined, member: id}) },
		OnParticipantLeft:   func(id domain.MemberID) { s.post(evRelay{kind: relayLeft, member: id}) },
		OnTrackPublished: func(t domain.RemoteTrack) {
			s.post(evRelay{kind: relayTrackPublished, member: t.Owner, track: t})
		},
		OnTrackUnpublished: func(t domain.RemoteTrack) {
			s.post(evRelay{kind: relayTrackUnpublished, member: t.Owner, track: t})
		},
		OnDisconnected: func(reason string) { s.post(evRelay{kind: relayDisconnected, reason: reason}) },
	}
	go func() {
		room, err := relays.Join(ctx, req, refs, ev)
		if !s.post(evRelayReady{room: room, err: err}) && room != nil {
			relays.Leave(req.SessionID)
		}
	}()
}

func (s *session) onRelayReady(ev evRelayReady) {
	if ev.err != nil {
		if s.call.State == domain.StateConnecting {
			s.announceLeave(domain.Reason(ev.err))
			s.fail(ev.err)
		}
		return
	}
	if s.stopped || s.call.State != domain.StateConnecting {
		s.o.Relays.Leave(s.call.ID)
		return
	}
	s.room = ev.room
	// tracks toggled on while the join was in flight
	for _, ref := range s.o.Media.Refs() {
		if err := s.room.Publish(ref); err != nil {
			s.log.Error().Err(err).Msg("publish after join")
		}
	}
	s.enterConnected()
}

// syncRelayParticipants adopts everyone already in the relay room.
func (s *session) syncRelayParticipants() {
	ids := s.room.Participants()
	for _, id := range ids {
		s.call.AddParticipant(id)
	}
	if len(ids) > 0 {
		s.everJoined = true
		s.stopTimer(aloneTimer)
		return
	}
	if !s.everJoined {
		s.armTimer(aloneTimer, s.o.Config.AloneTimeout)
	}
}

func (s *session) onRelayEvent(ev evRelay) {
	if s.stopped || s.room == nil || s.call.State != domain.StateConnected {
		return
	}
	switch ev.kind {
	case relayJoined:
		if s.call.AddParticipant(ev.member) {
			s.log.Info().Str("member", string(ev.member)).Msg("participant joined")
		}
		s.everJoined = true
		s.stopTimer(aloneTimer)
		s.publish()
	case relayLeft:
		delete(s.call.RemoteMedia, ev.member)
		if len(s.room.Participants()) == 0 {
			s.log.Info().Msg("last participant left")
			s.finish(domain.StateEnded, "all-left")
			return
		}
		s.publish()
	case relayTrackPublished, relayTrackUnpublished:
		s.publish()
	case relayDisconnected:
		s.fail(fmt.Errorf("%w: relay disconnected: %s", domain.ErrPeerUnreachable, ev.reason))
	}
}

func (s *session) flag(kind domain.TrackKind) bool {
	switch kind {
	case domain.TrackVideo:
		return s.call.IsVideoEnabled
	case domain.TrackScreen:
		return s.call.IsScreenShareEnabled
	}
	return false
}

func (s *session) setFlag(kind domain.TrackKind, on bool) {
	switch kind {
	case domain.TrackVideo:
		s.call.IsVideoEnabled = on
	case domain.TrackScreen:
		s.call.IsScreenShareEnabled = on
	}
}

func (s *session) onToggle(ev evToggle) {
	st := s.call.State
	if st.IsTerminal() || st == domain.StateEnding {
		ev.reply <- toggleResult{err: domain.ErrSessionEnded}
		return
	}
	if _, err := domain.ParseTrackKind(string(ev.kind)); err != nil {
		ev.reply <- toggleResult{err: err}
		return
	}
	if s.busy[ev.kind] || (st == domain.StateConnecting && !s.mediaReady) {
		s.deferred = append(s.deferred, ev)
		return
	}

	if ev.kind == domain.TrackAudio {
		if !s.mediaReady {
			ev.reply <- toggleResult{err: fmt.Errorf("audio: call not connected: %w", domain.ErrInvalidTransition)}
			return
		}
		s.busy[domain.TrackAudio] = true
		ctx, m := ev.ctx, s.o.Media
		go func() {
			var res evToggled
			res.req = ev
			if ev.want == nil {
				res.on, res.err = m.Toggle(ctx, domain.TrackAudio)
			} else {
				res.on, res.err = *ev.want, m.SetEnabled(ctx, domain.TrackAudio, *ev.want)
			}
			if !s.post(res) {
				ev.reply <- toggleResult{err: domain.ErrSessionEnded}
			}
		}()
		return
	}

	cur := s.flag(ev.kind)
	next := !cur
	if ev.want != nil {
		next = *ev.want
	}
	switch {
	case next == cur:
		ev.reply <- toggleResult{on: cur}
	case st.IsPending():
		// devices are opened when the call connects
		s.setFlag(ev.kind, next)
		s.publish()
		ev.reply <- toggleResult{on: next}
	case !next:
		if err := s.detach(ev.kind); err != nil {
			s.log.Warn().Err(err).Str("kind", string(ev.kind)).Msg("detach track")
		}
		s.o.Media.Release(ev.kind)
		s.setFlag(ev.kind, false)
		s.sendMediaUpdate()
		s.publish()
		ev.reply <- toggleResult{on: false}
	default:
		s.busy[ev.kind] = true
		ctx, m := s.ctx, s.o.Media
		go func() {
			ref, err := m.Acquire(ctx, ev.kind, nil)
			if !s.post(evToggled{req: ev, ref: ref, on: err == nil, err: err}) {
				ev.reply <- toggleResult{err: domain.ErrSessionEnded}
			}
		}()
	}
}

func (s *session) onToggled(ev evToggled) {
	kind := ev.req.kind
	s.busy[kind] = false
	defer s.drainDeferred()

	if kind == domain.TrackAudio {
		if ev.err == nil && s.room != nil {
			if err := s.room.SetMuted(domain.TrackAudio, !ev.on); err != nil {
				s.log.Warn().Err(err).Msg("relay mute")
			}
		}
		s.publish()
		ev.req.reply <- toggleResult{on: ev.on, err: ev.err}
		return
	}
	if ev.err != nil {
		s.log.Warn().Err(ev.err).Str("kind", string(kind)).Msg("track acquisition failed")
		ev.req.reply <- toggleResult{err: ev.err}
		return
	}
	if err := s.attach(ev.ref); err != nil {
		s.o.Media.Release(kind)
		s.log.Error().Err(err).Str("kind", string(kind)).Msg("attach track")
		ev.req.reply <- toggleResult{err: err}
		return
	}
	s.setFlag(kind, true)
	s.sendMediaUpdate()
	s.publish()
	ev.req.reply <- toggleResult{on: true}
}

// attach hands a borrowed track to the active transport. While a relay join
// is still in flight the ref is published once the room is ready.
func (s *session) attach(ref core.TrackRef) error {
	switch {
	case s.pool != nil:
		return s.pool.AddTrack(ref)
	case s.room != nil:
		return s.room.Publish(ref)
	}
	return nil
}

func (s *session) detach(kind domain.TrackKind) error {
	switch {
	case s.pool != nil:
		return s.pool.RemoveTrack(kind)
	case s.room != nil:
		return s.room.Unpublish(kind)
	}
	return nil
}

// drainDeferred re-runs toggles parked behind busy kinds or pending media.
func (s *session) drainDeferred() {
	if s.stopped || len(s.deferred) == 0 {
		return
	}
	parked := s.deferred
	s.deferred = nil
	for _, ev := range parked {
		if err := ev.ctx.Err(); err != nil {
			ev.reply <- toggleResult{err: err}
			continue
		}
		s.onToggle(ev)
	}
}
