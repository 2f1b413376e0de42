package orch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dkeye/callcore/internal/app/p2p"
	"github.com/dkeye/callcore/internal/app/sfu"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/rs/zerolog"
)

// session is the actor owning one CallSession. Every field below box is
// touched only by the run goroutine.
type session struct {
	o    *Orchestrator
	log  zerolog.Logger
	box  *mailbox
	done chan struct{}
	view atomic.Pointer[View]

	call *domain.CallSession
	chat domain.Chat

	// ctx aborts device acquisition and relay join on teardown.
	ctx    context.Context
	cancel context.CancelFunc

	timers   [timerCount]*time.Timer
	timerGen [timerCount]uint64

	pool       *p2p.Pool
	room       *sfu.RelayRoom
	mediaReady bool
	// signaling that arrived before the local media was ready
	early      []domain.Envelope
	declined   map[domain.MemberID]struct{}
	everJoined bool
	busy       map[domain.TrackKind]bool
	deferred   []evToggle
	stopped    bool
}

func newSession(o *Orchestrator, call *domain.CallSession, chat domain.Chat) *session {
	ctx, cancel := context.WithCancel(context.WithoutCancel(o.ctx))
	s := &session{
		o:    o,
		box:  newMailbox(),
		done: make(chan struct{}),
		call: call,
		chat: chat,
		log: o.log.With().
			Str("sid", string(call.ID)).
			Str("chat", string(call.ChatID)).
			Str("mode", string(call.Mode)).
			Logger(),
		ctx:      ctx,
		cancel:   cancel,
		declined: make(map[domain.MemberID]struct{}),
		busy:     make(map[domain.TrackKind]bool),
	}
	s.storeView()
	return s
}

func (s *session) post(ev event) bool {
	return s.box.put(ev)
}

func (s *session) run() {
	defer close(s.done)
	for range s.box.notify {
		batch := s.box.take()
		for i, ev := range batch {
			s.handle(ev)
			if s.stopped {
				rest := append(batch[i+1:], s.box.close()...)
				for _, r := range rest {
					s.reject(r)
				}
				return
			}
		}
	}
}

// reject answers requests that arrived after the session ended.
func (s *session) reject(ev event) {
	switch ev := ev.(type) {
	case evCommand:
		ev.reply <- domain.ErrSessionEnded
	case evToggle:
		ev.reply <- toggleResult{err: domain.ErrSessionEnded}
	case evToggled:
		ev.req.reply <- toggleResult{err: domain.ErrSessionEnded}
	case evShutdown:
		ev.reply <- nil
	case evRelayReady:
		if ev.room != nil {
			s.o.Relays.Leave(s.call.ID)
		}
	}
}

func (s *session) handle(ev event) {
	switch ev := ev.(type) {
	case evStart:
		s.onStart()
	case evSignal:
		s.onSignal(ev.env)
	case evCommand:
		ev.reply <- s.onCommand(ev)
	case evToggle:
		s.onToggle(ev)
	case evToggled:
		s.onToggled(ev)
	case evTimeout:
		s.onTimeout(ev)
	case evMediaReady:
		s.onMediaReady(ev.err)
	case evRelayReady:
		s.onRelayReady(ev)
	case evPool:
		s.onPoolEvent(ev.ev)
	case evRelay:
		s.onRelayEvent(ev)
	case evShutdown:
		s.hangup("shutdown")
		if !s.stopped {
			s.finish(domain.StateFailed, "shutdown")
		}
		ev.reply <- nil
	}
}

func (s *session) storeView() View {
	v := View{Session: s.call.Clone(), LocalTracks: []domain.TrackInfo{}}
	if s.mediaReady || s.call.State == domain.StateConnecting || s.call.State == domain.StateConnected {
		v.LocalTracks = s.o.Media.Snapshot()
	}
	switch {
	case s.pool != nil:
		v.RemoteTracks = s.pool.RemoteTracks()
	case s.room != nil:
		v.RemoteTracks = s.room.RemoteTracks()
	default:
		v.RemoteTracks = map[domain.MemberID]domain.RemoteTrackSet{}
	}
	s.view.Store(&v)
	return v
}

// publish refreshes the snapshot and tells listeners.
func (s *session) publish() {
	s.o.notify(s.storeView())
}

func (s *session) setState(next domain.State) bool {
	prev := s.call.State
	if !prev.CanTransition(next) {
		s.log.Error().Str("from", string(prev)).Str("to", string(next)).Err(domain.ErrInvalidTransition).Msg("transition refused")
		return false
	}
	s.call.State = next
	s.log.Info().Str("from", string(prev)).Str("to", string(next)).Msg("transition")
	return true
}

func (s *session) armTimer(k timerKind, d time.Duration) {
	s.stopTimer(k)
	gen := s.timerGen[k]
	s.timers[k] = time.AfterFunc(d, func() { s.post(evTimeout{which: k, gen: gen}) })
}

// stopTimer invalidates a timer even if its callback already posted.
func (s *session) stopTimer(k timerKind) {
	if s.timers[k] != nil {
		s.timers[k].Stop()
		s.timers[k] = nil
	}
	s.timerGen[k]++
}

func (s *session) send(t domain.MessageType, to domain.MemberID, payload any) {
	env, err := domain.NewEnvelope(t, s.call.ID, s.call.ChatID, s.call.SelfID, to, payload)
	if err != nil {
		s.log.Error().Err(err).Msg("build envelope")
		return
	}
	s.o.send(env)
}

func (s *session) sendAction(to domain.MemberID, a domain.Action, reason string) {
	s.send(domain.MsgCallAction, to, domain.ActionPayload{Action: a, Reason: reason})
}

func (s *session) sendMediaUpdate() {
	s.send(domain.MsgCallUpdate, "", domain.UpdatePayload{
		Kind:   domain.UpdateMedia,
		Mode:   s.call.Mode,
		Video:  s.call.IsVideoEnabled,
		Screen: s.call.IsScreenShareEnabled,
	})
}

func (s *session) onStart() {
	s.armTimer(ringTimer, s.o.Config.RingTimeout)
	if s.call.Outgoing {
		s.send(domain.MsgCallUpdate, "", domain.UpdatePayload{
			Kind:         domain.UpdateInvite,
			Mode:         s.call.Mode,
			Participants: s.call.ParticipantIDs,
			Video:        s.call.IsVideoEnabled,
		})
		s.log.Info().Int("invitees", len(s.call.Invitees)).Msg("invite sent")
	}
	s.publish()
}

func (s *session) onCommand(ev evCommand) error {
	st := s.call.State
	switch ev.op {
	case cmdAccept:
		if s.call.Outgoing || st != domain.StateRinging {
			return fmt.Errorf("accept in %s: %w", st, domain.ErrInvalidTransition)
		}
		s.call.IsVideoEnabled = ev.video
		s.enterConnecting()
		return nil
	case cmdDecline:
		if !st.IsPending() {
			return fmt.Errorf("decline in %s: %w", st, domain.ErrInvalidTransition)
		}
		s.hangup(ev.reason)
		return nil
	case cmdHangup:
		if st.IsTerminal() || st == domain.StateEnding {
			return domain.ErrSessionEnded
		}
		s.hangup(ev.reason)
		return nil
	}
	return fmt.Errorf("unknown command %d", ev.op)
}

// hangup is the local side leaving, whatever the state.
func (s *session) hangup(reason string) {
	switch s.call.State {
	case domain.StateDialing:
		s.send(domain.MsgCallAction, "", domain.ActionPayload{Action: domain.ActionCancel, Reason: reason})
		s.finish(domain.StateDeclined, reason)
	case domain.StateRinging:
		s.sendAction(s.call.InitiatorID, domain.ActionDecline, reason)
		s.finish(domain.StateDeclined, reason)
	case domain.StateConnecting, domain.StateConnected:
		s.announceLeave(reason)
		s.finish(domain.StateEnded, "")
	}
}

// announceLeave tells the others this participant is gone.
func (s *session) announceLeave(reason string) {
	if s.call.Mode == domain.ModeRelayed {
		s.send(domain.MsgCallUpdate, "", domain.UpdatePayload{Kind: domain.UpdateLeft, Mode: s.call.Mode})
		return
	}
	for _, id := range s.call.ParticipantIDs {
		if id != s.call.SelfID {
			s.sendAction(id, domain.ActionHangup, reason)
		}
	}
}

func (s *session) enterConnecting() {
	s.stopTimer(ringTimer)
	if !s.setState(domain.StateConnecting) {
		return
	}
	s.armTimer(connectTimer, s.o.Config.ConnectTimeout)
	s.publish()
	s.acquire()
}

func (s *session) enterConnected() {
	s.stopTimer(connectTimer)
	if !s.setState(domain.StateConnected) {
		return
	}
	s.call.MarkStarted(s.o.Now())
	if s.room != nil {
		s.syncRelayParticipants()
	}
	s.publish()
}

// fail ends the session on an error. A connected call ends normally with the
// error as its reason.
func (s *session) fail(err error) {
	s.log.Warn().Err(err).Str("state", string(s.call.State)).Msg("call failed")
	if s.call.State == domain.StateConnected {
		s.announceLeave(domain.Reason(err))
		s.finish(domain.StateEnded, domain.Reason(err))
		return
	}
	s.finish(domain.StateFailed, domain.Reason(err))
}

// finish moves the session into final, tears down media and records it.
// Only the first call has any effect.
func (s *session) finish(final domain.State, reason string) {
	if s.stopped {
		return
	}
	if final == domain.StateEnded {
		if s.setState(domain.StateEnding) {
			s.publish()
		}
	}
	s.teardown()
	if !s.setState(final) {
		s.call.State = final
	}
	s.call.FailureReason = reason
	s.call.MarkEnded(s.o.Now())
	s.stopped = true

	v := s.storeView()
	s.o.release(s.call.ID, v)
	s.o.notify(v)
	s.log.Info().Str("state", string(final)).Str("reason", reason).Msg("session finished")
}

func (s *session) teardown() {
	s.cancel()
	for k := range timerKind(timerCount) {
		s.stopTimer(k)
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.room != nil {
		s.o.Relays.Leave(s.call.ID)
	}
	s.o.Media.ReleaseAll()
	for _, d := range s.deferred {
		d.reply <- toggleResult{err: domain.ErrSessionEnded}
	}
	s.deferred = nil
	s.early = nil
}

func (s *session) onTimeout(ev evTimeout) {
	if ev.gen != s.timerGen[ev.which] {
		return
	}
	s.timers[ev.which] = nil
	s.log.Info().Str("timer", ev.which.String()).Str("state", string(s.call.State)).Msg("timeout")
	switch ev.which {
	case ringTimer:
		if !s.call.State.IsPending() {
			return
		}
		if s.call.Outgoing {
			s.send(domain.MsgCallAction, "", domain.ActionPayload{Action: domain.ActionCancel, Reason: "timeout"})
		} else {
			s.sendAction(s.call.InitiatorID, domain.ActionDecline, "timeout")
		}
		s.finish(domain.StateMissed, "timeout")
	case connectTimer:
		if s.call.State != domain.StateConnecting {
			return
		}
		s.announceLeave(domain.Reason(domain.ErrNegotiationTimeout))
		s.fail(domain.ErrNegotiationTimeout)
	case aloneTimer:
		if s.call.State != domain.StateConnected || s.room == nil || len(s.room.Participants()) > 0 {
			return
		}
		s.finish(domain.StateEnded, "alone")
	}
}

func (s *session) onSignal(env domain.Envelope) {
	if s.stopped {
		return
	}
	switch env.Type {
	case domain.MsgCallAction:
		var p domain.ActionPayload
		if err := env.Decode(&p); err != nil {
			s.log.Warn().Err(err).Msg("bad call action")
			return
		}
		s.onAction(env.SenderID, p)
	case domain.MsgCallUpdate:
		var p domain.UpdatePayload
		if err := env.Decode(&p); err != nil {
			s.log.Warn().Err(err).Msg("bad call update")
			return
		}
		s.onUpdate(env.SenderID, p)
	case domain.MsgOffer, domain.MsgAnswer, domain.MsgICECandidate:
		if s.call.Mode != domain.ModeDirect {
			return
		}
		if s.pool == nil {
			if s.call.State.IsTerminal() || s.call.State == domain.StateEnding {
				return
			}
			s.early = append(s.early, env)
			return
		}
		s.applyNegotiation(env)
	}
}

func (s *session) onAction(from domain.MemberID, p domain.ActionPayload) {
	st := s.call.State
	logger := s.log.With().Str("from", string(from)).Str("action", string(p.Action)).Str("reason", p.Reason).Logger()
	switch p.Action {
	case domain.ActionAccept:
		if !s.call.Outgoing || st != domain.StateDialing {
			return
		}
		if s.call.Mode == domain.ModeDirect && !s.call.HasParticipant(from) {
			return
		}
		logger.Info().Msg("call accepted")
		s.enterConnecting()

	case domain.ActionDecline:
		if !s.call.Outgoing || st != domain.StateDialing {
			return
		}
		s.declined[from] = struct{}{}
		if s.call.Mode == domain.ModeRelayed && len(s.declined) < len(s.call.Invitees) {
			logger.Info().Int("declined", len(s.declined)).Msg("invitee declined")
			return
		}
		logger.Info().Msg("call declined")
		if p.Reason == "timeout" {
			s.finish(domain.StateMissed, p.Reason)
			return
		}
		s.finish(domain.StateDeclined, p.Reason)

	case domain.ActionCancel:
		if s.call.Outgoing || st != domain.StateRinging || from != s.call.InitiatorID {
			return
		}
		logger.Info().Msg("call cancelled by caller")
		if p.Reason == "timeout" {
			s.finish(domain.StateMissed, p.Reason)
			return
		}
		s.finish(domain.StateDeclined, p.Reason)

	case domain.ActionHangup:
		if st != domain.StateConnecting && st != domain.StateConnected {
			return
		}
		if !s.call.HasParticipant(from) {
			return
		}
		if s.call.Mode == domain.ModeRelayed {
			s.onParticipantGone(from)
			return
		}
		logger.Info().Msg("remote hung up")
		s.finish(domain.StateEnded, "remote-hangup")
	}
}

func (s *session) onUpdate(from domain.MemberID, p domain.UpdatePayload) {
	switch p.Kind {
	case domain.UpdateMedia:
		s.call.RemoteMedia[from] = domain.MediaFlags{Video: p.Video, Screen: p.Screen}
		s.publish()
	case domain.UpdateLeft:
		if s.call.State != domain.StateConnecting && s.call.State != domain.StateConnected {
			return
		}
		s.onParticipantGone(from)
	}
}

// onParticipantGone handles a relayed participant leaving by signaling. The
// relay events that follow take care of its tracks.
func (s *session) onParticipantGone(id domain.MemberID) {
	delete(s.call.RemoteMedia, id)
	s.log.Info().Str("member", string(id)).Msg("participant left")
	s.publish()
}

// applyNegotiation feeds one offer, answer or candidate to the pool.
func (s *session) applyNegotiation(env domain.Envelope) {
	if s.stopped {
		return
	}
	from := env.SenderID
	switch env.Type {
	case domain.MsgOffer, domain.MsgAnswer:
		var p domain.SDPPayload
		if err := env.Decode(&p); err != nil {
			s.log.Warn().Err(err).Msg("bad sdp")
			return
		}
		var err error
		if env.Type == domain.MsgOffer {
			err = s.pool.HandleOffer(from, p.SDP)
		} else {
			err = s.pool.HandleAnswer(from, p.SDP)
		}
		if err != nil && !errors.Is(err, p2p.ErrPoolClosed) {
			s.log.Error().Err(err).Str("from", string(from)).Str("type", string(env.Type)).Msg("negotiation")
			if s.call.State == domain.StateConnecting {
				s.fail(fmt.Errorf("%w: %v", domain.ErrPeerUnreachable, err))
			}
		}
	case domain.MsgICECandidate:
		var p domain.ICEPayload
		if err := env.Decode(&p); err != nil {
			s.log.Warn().Err(err).Msg("bad candidate")
			return
		}
		s.pool.HandleCandidate(from, candidateInit(p))
	}
}

func (s *session) flushEarly() {
	early := s.early
	s.early = nil
	if len(early) > 0 {
		s.log.Debug().Int("count", len(early)).Msg("applying early signaling")
	}
	for _, env := range early {
		s.applyNegotiation(env)
	}
}

func (s *session) onPoolEvent(ev p2p.Event) {
	if s.stopped || s.pool == nil {
		return
	}
	switch ev.Kind {
	case p2p.EventTrackAdded:
		if s.call.State == domain.StateConnecting {
			s.enterConnected()
			return
		}
		s.publish()
	case p2p.EventTrackRemoved:
		s.publish()
	case p2p.EventLinkState:
		if !ev.State.Dead() || !s.pool.AllDead() {
			return
		}
		switch s.call.State {
		case domain.StateConnecting, domain.StateConnected:
			s.fail(domain.ErrPeerUnreachable)
		}
	case p2p.EventNegotiationTimeout:
		if s.call.State == domain.StateConnecting {
			s.announceLeave(domain.Reason(domain.ErrNegotiationTimeout))
			s.fail(domain.ErrNegotiationTimeout)
		}
	}
}
