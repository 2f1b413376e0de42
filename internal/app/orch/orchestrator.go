// Package orch runs call sessions. Every session is an actor: one goroutine
// consumes a single event queue, so transitions of one session never
// interleave. Reads go through snapshots that may lag by one event.
package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/callcore/internal/app"
	"github.com/dkeye/callcore/internal/app/media"
	"github.com/dkeye/callcore/internal/app/sfu"
	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/dkeye/callcore/internal/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var ErrNotStarted = errors.New("orchestrator not started")

type Config struct {
	Self               domain.Member
	RingTimeout        time.Duration
	ConnectTimeout     time.Duration
	NegotiationTimeout time.Duration
	AloneTimeout       time.Duration
	// EndedViewTTL is how long Snapshot keeps answering for ended sessions.
	EndedViewTTL time.Duration
	SendTimeout  time.Duration
}

func (c *Config) withDefaults() {
	if c.RingTimeout <= 0 {
		c.RingTimeout = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 20 * time.Second
	}
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = 10 * time.Second
	}
	if c.AloneTimeout <= 0 {
		c.AloneTimeout = 60 * time.Second
	}
	if c.EndedViewTTL <= 0 {
		c.EndedViewTTL = 5 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
}

// Projector receives the record of every session that reached a terminal state.
type Projector interface {
	Project(rec domain.CallRecord)
}

// View is a read-only snapshot of one session and its media.
type View struct {
	Session      *domain.CallSession
	LocalTracks  []domain.TrackInfo
	RemoteTracks map[domain.MemberID]domain.RemoteTrackSet
}

// Listener observes every published View. It runs on the session goroutine
// and must not block or call back into the orchestrator synchronously.
type Listener func(View)

// Orchestrator is the call engine of one client process.
type Orchestrator struct {
	Config    Config
	Registry  *app.Registry
	Directory core.Directory
	Signal    core.SignalingTransport
	Policy    app.CallPolicy
	Media     *media.Manager
	Peers     core.PeerFactory
	Relays    *sfu.Adapter
	History   Projector
	// Now is swapped in tests.
	Now func() time.Time

	ctx context.Context
	log zerolog.Logger

	mu        sync.RWMutex
	sessions  map[domain.SessionID]*session
	ended     *cache.Expiring[domain.SessionID, View]
	resolving map[domain.SessionID][]domain.Envelope
	listeners map[int]Listener
	nextID    int
	unsub     []func()
	started   bool
}

// Start validates the collaborators and subscribes to call signaling.
func (o *Orchestrator) Start(ctx context.Context) error {
	switch {
	case o.Registry == nil:
		return errors.New("orch: registry is required")
	case o.Directory == nil:
		return errors.New("orch: directory is required")
	case o.Signal == nil:
		return errors.New("orch: signaling transport is required")
	case o.Media == nil:
		return errors.New("orch: media manager is required")
	}
	if err := domain.ValidateMemberID(o.Config.Self.ID); err != nil {
		return fmt.Errorf("orch: self: %w", err)
	}
	o.Config.withDefaults()
	if o.Policy.RelayThreshold < 2 {
		o.Policy = app.NewCallPolicy(o.Policy.RelayThreshold)
	}
	if o.Now == nil {
		o.Now = time.Now
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return errors.New("orch: already started")
	}
	o.ctx = ctx
	o.log = log.With().Str("module", "app.orch").Str("self", string(o.Config.Self.ID)).Logger()
	o.sessions = make(map[domain.SessionID]*session)
	o.ended = cache.New[domain.SessionID, View](o.Config.EndedViewTTL)
	o.resolving = make(map[domain.SessionID][]domain.Envelope)
	if o.listeners == nil {
		o.listeners = make(map[int]Listener)
	}
	for _, t := range domain.CallMessageTypes {
		o.unsub = append(o.unsub, o.Signal.Subscribe(t, o.onEnvelope))
	}
	o.started = true
	o.log.Info().Msg("call engine started")
	return nil
}

// Close hangs up every live session and waits for their actors to stop.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	unsub := o.unsub
	o.unsub = nil
	live := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		live = append(live, s)
	}
	o.mu.Unlock()

	for _, u := range unsub {
		u()
	}
	var wg conc.WaitGroup
	for _, s := range live {
		wg.Go(func() {
			if s.post(evShutdown{reply: make(chan error, 1)}) {
				<-s.done
			}
		})
	}
	wg.Wait()
	o.log.Info().Int("sessions", len(live)).Msg("call engine stopped")
}

func (o *Orchestrator) ready() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.started {
		return ErrNotStarted
	}
	return nil
}

// Initiate starts an outgoing call to every other member of chat. It fails
// with domain.ErrAlreadyInCall before touching any device when another
// session is live.
func (o *Orchestrator) Initiate(ctx context.Context, chatID domain.ChatID, video bool) (domain.SessionID, error) {
	if err := o.ready(); err != nil {
		return "", err
	}
	chat, err := o.Directory.Chat(ctx, chatID)
	if err != nil {
		return "", fmt.Errorf("resolve chat %s: %w", chatID, err)
	}
	self := o.Config.Self.ID
	if !chat.Has(self) {
		return "", fmt.Errorf("chat %s: %w", chatID, domain.ErrNotMember)
	}
	others := chat.Others(self)
	if len(others) == 0 {
		return "", fmt.Errorf("chat %s has no one to call", chatID)
	}
	mode := o.Policy.ModeFor(chat)
	if err := o.canServe(mode); err != nil {
		return "", err
	}

	sid := domain.NewSessionID()
	if err := o.Registry.Reserve(sid, chat.ID, true); err != nil {
		return "", err
	}
	participants := []domain.MemberID{self}
	if mode == domain.ModeDirect {
		participants = append(participants, others[0])
	}
	call := domain.NewCallSession(sid, chat.ID, mode, self, self, participants, others, video, o.Now())
	if err := o.spawn(call, chat); err != nil {
		o.Registry.Release(sid, domain.StateFailed)
		return "", err
	}
	return sid, nil
}

func (o *Orchestrator) canServe(mode domain.Mode) error {
	switch {
	case mode == domain.ModeDirect && o.Peers == nil:
		return errors.New("direct calls need a peer factory")
	case mode == domain.ModeRelayed && o.Relays == nil:
		return fmt.Errorf("relayed calls need a relay: %w", domain.ErrRelayAuthFailure)
	}
	return nil
}

// spawn registers the session and starts its actor. Envelopes buffered while
// the invite was resolving follow evStart in arrival order.
func (o *Orchestrator) spawn(call *domain.CallSession, chat domain.Chat) error {
	s := newSession(o, call, chat)
	o.mu.Lock()
	defer o.mu.Unlock()
	buffered := o.resolving[call.ID]
	delete(o.resolving, call.ID)
	if !o.started {
		return ErrNotStarted
	}
	o.sessions[call.ID] = s
	go s.run()
	s.post(evStart{})
	for _, env := range buffered {
		s.post(evSignal{env: env})
	}
	return nil
}

// onEnvelope runs on the transport receive loop. Invites are resolved on
// their own goroutine; anything else for that session waits until the
// session exists or the invite is dropped.
func (o *Orchestrator) onEnvelope(env domain.Envelope) {
	self := o.Config.Self.ID
	if env.SenderID == self || env.SessionID == "" {
		return
	}
	if env.TargetID != "" && env.TargetID != self {
		return
	}
	o.mu.Lock()
	if s, ok := o.sessions[env.SessionID]; ok {
		o.mu.Unlock()
		s.post(evSignal{env: env})
		return
	}
	if buf, ok := o.resolving[env.SessionID]; ok {
		o.resolving[env.SessionID] = append(buf, env)
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	if env.Type == domain.MsgCallUpdate {
		var p domain.UpdatePayload
		if err := env.Decode(&p); err != nil {
			o.log.Warn().Err(err).Str("sid", string(env.SessionID)).Msg("bad call update")
			return
		}
		if p.Kind == domain.UpdateInvite && o.markResolving(env.SessionID) {
			go o.onInvite(env, p)
			return
		}
	}
	if st, ok := o.Registry.Ended(env.SessionID); ok {
		o.log.Debug().Str("sid", string(env.SessionID)).Str("state", string(st)).Str("type", string(env.Type)).Msg("message for ended session dropped")
		return
	}
	o.log.Debug().Str("sid", string(env.SessionID)).Str("type", string(env.Type)).Msg("message for unknown session dropped")
}

// markResolving claims sid for one invite lookup. It fails once the engine
// is stopped or when sid is already live or resolving.
func (o *Orchestrator) markResolving(sid domain.SessionID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return false
	}
	if _, ok := o.sessions[sid]; ok {
		return false
	}
	if _, ok := o.resolving[sid]; ok {
		return false
	}
	o.resolving[sid] = nil
	return true
}

// dropResolving forgets an invite that will not become a session, along
// with whatever arrived for it meanwhile.
func (o *Orchestrator) dropResolving(sid domain.SessionID) {
	o.mu.Lock()
	n := len(o.resolving[sid])
	delete(o.resolving, sid)
	o.mu.Unlock()
	if n > 0 {
		o.log.Debug().Str("sid", string(sid)).Int("dropped", n).Msg("messages for refused invite dropped")
	}
}

func (o *Orchestrator) onInvite(env domain.Envelope, p domain.UpdatePayload) {
	logger := o.log.With().Str("sid", string(env.SessionID)).Str("chat", string(env.ChatID)).Str("from", string(env.SenderID)).Logger()
	self := o.Config.Self.ID
	spawned := false
	defer func() {
		if !spawned {
			o.dropResolving(env.SessionID)
		}
	}()

	ctx, cancel := context.WithTimeout(o.ctx, o.Config.SendTimeout)
	chat, err := o.Directory.Chat(ctx, env.ChatID)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("invite for unresolvable chat")
		return
	}
	if !chat.Has(self) || !chat.Has(env.SenderID) {
		logger.Warn().Msg("invite from outside the chat dropped")
		return
	}
	mode := p.Mode
	if mode == "" {
		mode = o.Policy.ModeFor(chat)
	}

	err = o.Registry.Reserve(env.SessionID, chat.ID, false)
	switch {
	case errors.Is(err, domain.ErrAlreadyInCall):
		action, reason := o.Policy.OnBusy()
		reply, err := domain.NewEnvelope(domain.MsgCallAction, env.SessionID, chat.ID, self, env.SenderID,
			domain.ActionPayload{Action: action, Reason: reason})
		if err == nil {
			o.send(reply)
		}
		logger.Info().Str("reason", reason).Msg("incoming call auto-declined")
		return
	case err != nil:
		logger.Debug().Err(err).Msg("invite dropped")
		return
	}
	if err := o.canServe(mode); err != nil {
		o.Registry.Release(env.SessionID, domain.StateFailed)
		logger.Error().Err(err).Msg("cannot serve incoming call")
		return
	}

	participants := []domain.MemberID{env.SenderID, self}
	call := domain.NewCallSession(env.SessionID, chat.ID, mode, self, env.SenderID, participants, chat.Others(env.SenderID), false, o.Now())
	call.RemoteMedia[env.SenderID] = domain.MediaFlags{Video: p.Video, Screen: p.Screen}
	if err := o.spawn(call, chat); err != nil {
		o.Registry.Release(env.SessionID, domain.StateFailed)
		logger.Warn().Err(err).Msg("incoming call after shutdown")
		return
	}
	spawned = true
	logger.Info().Str("mode", string(mode)).Bool("video", p.Video).Msg("incoming call")
}

// send delivers one envelope at most once. Failures are message loss.
func (o *Orchestrator) send(env domain.Envelope) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), o.Config.SendTimeout)
	defer cancel()
	if err := o.Signal.Send(ctx, env); err != nil {
		o.log.Warn().Err(err).Str("sid", string(env.SessionID)).Str("type", string(env.Type)).Msg("signal lost")
	}
}

func (o *Orchestrator) lookup(sid domain.SessionID) (*session, error) {
	o.mu.RLock()
	s, ok := o.sessions[sid]
	o.mu.RUnlock()
	if ok {
		return s, nil
	}
	if _, ended := o.Registry.Ended(sid); ended {
		return nil, domain.ErrSessionEnded
	}
	return nil, domain.ErrSessionNotFound
}

func (o *Orchestrator) command(ctx context.Context, sid domain.SessionID, ev evCommand) error {
	s, err := o.lookup(sid)
	if err != nil {
		return err
	}
	ev.reply = make(chan error, 1)
	if !s.post(ev) {
		return domain.ErrSessionEnded
	}
	select {
	case err := <-ev.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Accept answers a ringing call. Devices are acquired after the call moves
// to CONNECTING; a device failure ends it as FAILED.
func (o *Orchestrator) Accept(ctx context.Context, sid domain.SessionID, video bool) error {
	return o.command(ctx, sid, evCommand{op: cmdAccept, video: video})
}

func (o *Orchestrator) Decline(ctx context.Context, sid domain.SessionID) error {
	return o.command(ctx, sid, evCommand{op: cmdDecline, reason: "declined"})
}

// Hangup leaves the call from any non-terminal state.
func (o *Orchestrator) Hangup(ctx context.Context, sid domain.SessionID) error {
	return o.command(ctx, sid, evCommand{op: cmdHangup, reason: "hangup"})
}

func (o *Orchestrator) toggle(ctx context.Context, sid domain.SessionID, kind domain.TrackKind, want *bool) (bool, error) {
	s, err := o.lookup(sid)
	if err != nil {
		return false, err
	}
	ev := evToggle{ctx: ctx, kind: kind, want: want, reply: make(chan toggleResult, 1)}
	if !s.post(ev) {
		return false, domain.ErrSessionEnded
	}
	select {
	case res := <-ev.reply:
		return res.on, res.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ToggleTrack flips kind. Audio is muted in place; video and screen are
// added or removed, which renegotiates direct links or republishes to the relay.
func (o *Orchestrator) ToggleTrack(ctx context.Context, sid domain.SessionID, kind domain.TrackKind) (bool, error) {
	return o.toggle(ctx, sid, kind, nil)
}

func (o *Orchestrator) SetTrackEnabled(ctx context.Context, sid domain.SessionID, kind domain.TrackKind, enabled bool) error {
	_, err := o.toggle(ctx, sid, kind, &enabled)
	return err
}

// Snapshot returns the latest view of sid, including recently ended sessions.
func (o *Orchestrator) Snapshot(sid domain.SessionID) (View, bool) {
	o.mu.RLock()
	s, ok := o.sessions[sid]
	o.mu.RUnlock()
	if ok {
		if v := s.view.Load(); v != nil {
			return *v, true
		}
	}
	if o.ended == nil {
		return View{}, false
	}
	return o.ended.Get(sid)
}

// Active returns the view of the live session, if any.
func (o *Orchestrator) Active() (View, bool) {
	sid, _, ok := o.Registry.Active()
	if !ok {
		return View{}, false
	}
	return o.Snapshot(sid)
}

// Subscribe registers l and returns its unsubscribe func.
func (o *Orchestrator) Subscribe(l Listener) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.listeners == nil {
		o.listeners = make(map[int]Listener)
	}
	id := o.nextID
	o.nextID++
	o.listeners[id] = l
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.listeners, id)
	}
}

func (o *Orchestrator) notify(v View) {
	o.mu.RLock()
	ls := make([]Listener, 0, len(o.listeners))
	for _, l := range o.listeners {
		ls = append(ls, l)
	}
	o.mu.RUnlock()
	for _, l := range ls {
		l(v)
	}
}

// release frees the single-session slot and hands the record to history.
func (o *Orchestrator) release(sid domain.SessionID, final View) {
	o.Registry.Release(sid, final.Session.State)
	o.mu.Lock()
	delete(o.sessions, sid)
	o.mu.Unlock()
	o.ended.Put(sid, final)
	if o.History != nil {
		o.History.Project(final.Session.Record())
	}
}
