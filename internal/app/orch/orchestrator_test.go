package orch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/callcore/internal/app"
	"github.com/dkeye/callcore/internal/app/media"
	"github.com/dkeye/callcore/internal/app/sfu"
	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/dkeye/callcore/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	wait = 3 * time.Second
	tick = 5 * time.Millisecond
)

var (
	duo  = domain.Chat{ID: "ab", Members: []domain.Member{{ID: "alice"}, {ID: "bob"}}}
	pair = domain.Chat{ID: "ac", Members: []domain.Member{{ID: "alice"}, {ID: "carol"}}}
	trio = domain.Chat{ID: "abc", Members: []domain.Member{{ID: "alice"}, {ID: "bob"}, {ID: "carol"}}}
)

type recordSink struct {
	mu   sync.Mutex
	recs []domain.CallRecord
}

func (r *recordSink) Project(rec domain.CallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recordSink) records() []domain.CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.CallRecord(nil), r.recs...)
}

type viewLog struct {
	mu    sync.Mutex
	views []View
}

func (l *viewLog) add(v View) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.views = append(l.views, v)
}

func (l *viewLog) all() []View {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]View(nil), l.views...)
}

type world struct {
	t     *testing.T
	bus   *testkit.Bus
	net   *testkit.FakePeerNet
	relay *testkit.FakeRelay
	dir   *app.StaticDirectory
	dirs  map[domain.MemberID]core.Directory
}

func newWorld(t *testing.T, chats ...domain.Chat) *world {
	t.Helper()
	dir, err := app.NewStaticDirectory(chats)
	require.NoError(t, err)
	w := &world{t: t, bus: testkit.NewBus(), net: testkit.NewFakePeerNet(), relay: testkit.NewFakeRelay(), dir: dir}
	t.Cleanup(w.bus.Close)
	return w
}

type agent struct {
	id    domain.MemberID
	o     *Orchestrator
	dev   *testkit.FakeDevices
	sig   *testkit.BusTransport
	hist  *recordSink
	views *viewLog
}

func (w *world) agent(id domain.MemberID, tune func(*Config)) *agent {
	w.t.Helper()
	cfg := Config{
		Self:               domain.Member{ID: id, Name: string(id)},
		RingTimeout:        2 * time.Second,
		ConnectTimeout:     2 * time.Second,
		NegotiationTimeout: time.Second,
		AloneTimeout:       5 * time.Second,
	}
	if tune != nil {
		tune(&cfg)
	}
	a := &agent{id: id, dev: testkit.NewFakeDevices(), sig: w.bus.Attach(id), hist: &recordSink{}, views: &viewLog{}}
	reg := app.NewRegistry(time.Minute)
	var dir core.Directory = w.dir
	if d, ok := w.dirs[id]; ok {
		dir = d
	}
	a.o = &Orchestrator{
		Config:    cfg,
		Registry:  reg,
		Directory: dir,
		Signal:    a.sig,
		Media:     media.NewManager(a.dev, nil),
		Peers:     w.net.Factory(),
		Relays:    sfu.NewAdapter(w.relay, w.relay),
		History:   a.hist,
	}
	a.o.Subscribe(a.views.add)
	require.NoError(w.t, a.o.Start(context.Background()))
	w.t.Cleanup(func() {
		a.o.Close()
		a.o.Relays.Close()
	})
	return a
}

func (a *agent) view(t *testing.T, sid domain.SessionID) View {
	t.Helper()
	v, ok := a.o.Snapshot(sid)
	require.True(t, ok, "no view for %s on %s", sid, a.id)
	return v
}

func (a *agent) state(sid domain.SessionID) domain.State {
	v, ok := a.o.Snapshot(sid)
	if !ok {
		return ""
	}
	return v.Session.State
}

func (a *agent) waitState(t *testing.T, sid domain.SessionID, want domain.State) {
	t.Helper()
	require.Eventually(t, func() bool { return a.state(sid) == want },
		wait, tick, "%s: want %s, have %s", a.id, want, a.state(sid))
}

// ringing waits for an incoming call and returns its id.
func (a *agent) ringing(t *testing.T) domain.SessionID {
	t.Helper()
	var sid domain.SessionID
	require.Eventually(t, func() bool {
		v, ok := a.o.Active()
		if ok && v.Session.State == domain.StateRinging {
			sid = v.Session.ID
			return true
		}
		return false
	}, wait, tick, "%s never rang", a.id)
	return sid
}

func connectDirect(t *testing.T, alice, bob *agent, video bool) domain.SessionID {
	t.Helper()
	ctx := context.Background()
	sid, err := alice.o.Initiate(ctx, duo.ID, video)
	require.NoError(t, err)
	require.Equal(t, sid, bob.ringing(t))
	require.NoError(t, bob.o.Accept(ctx, sid, false))
	alice.waitState(t, sid, domain.StateConnected)
	bob.waitState(t, sid, domain.StateConnected)
	return sid
}

func TestDirectCall_ConnectAndHangup(t *testing.T) {
	w := newWorld(t, duo)
	alice, bob := w.agent("alice", nil), w.agent("bob", nil)
	ctx := context.Background()

	sid := connectDirect(t, alice, bob, false)

	va := alice.view(t, sid)
	assert.Equal(t, domain.ModeDirect, va.Session.Mode)
	assert.NotNil(t, va.Session.StartedAt)
	assert.Nil(t, va.Session.EndedAt)
	assert.ElementsMatch(t, []domain.MemberID{"alice", "bob"}, va.Session.ParticipantIDs)
	assert.Eventually(t, func() bool {
		return alice.view(t, sid).RemoteTracks["bob"].Has(domain.TrackAudio) &&
			bob.view(t, sid).RemoteTracks["alice"].Has(domain.TrackAudio)
	}, wait, tick)
	assert.Equal(t, 1, alice.dev.Live())

	require.NoError(t, alice.o.Hangup(ctx, sid))
	alice.waitState(t, sid, domain.StateEnded)
	bob.waitState(t, sid, domain.StateEnded)

	assert.Equal(t, "remote-hangup", bob.view(t, sid).Session.FailureReason)
	for _, a := range []*agent{alice, bob} {
		assert.Equal(t, 0, a.dev.Live(), "%s leaked a device", a.id)
		assert.Equal(t, 0, a.o.Media.Live())
		_, active := a.o.Active()
		assert.False(t, active)
	}
	p, ok := w.net.Peer("alice", "bob")
	require.True(t, ok)
	assert.True(t, p.Closed())

	assert.Eventually(t, func() bool { return len(alice.hist.records()) == 1 && len(bob.hist.records()) == 1 }, wait, tick)
	rec := alice.hist.records()[0]
	assert.Equal(t, domain.OutcomeEnded, rec.Outcome)
	assert.Equal(t, sid, rec.SessionID)
	assert.Greater(t, rec.Duration(), time.Duration(0))

	assert.ErrorIs(t, alice.o.Hangup(ctx, sid), domain.ErrSessionEnded)
	assert.ErrorIs(t, alice.o.Hangup(ctx, "nope"), domain.ErrSessionNotFound)
}

func TestDirectCall_EndedAtSetOnce(t *testing.T) {
	w := newWorld(t, duo)
	alice, bob := w.agent("alice", nil), w.agent("bob", nil)

	sid := connectDirect(t, alice, bob, false)
	require.NoError(t, bob.o.Hangup(context.Background(), sid))
	alice.waitState(t, sid, domain.StateEnded)
	bob.waitState(t, sid, domain.StateEnded)

	for _, a := range []*agent{alice, bob} {
		terminal := 0
		var sawEnding bool
		for _, v := range a.views.all() {
			if v.Session.ID != sid {
				continue
			}
			st := v.Session.State
			assert.Equal(t, st.IsTerminal(), v.Session.EndedAt != nil, "%s: endedAt in %s", a.id, st)
			if st.IsTerminal() {
				terminal++
			}
			if st == domain.StateEnding {
				sawEnding = true
			}
		}
		assert.Equal(t, 1, terminal, a.id)
		assert.True(t, sawEnding, "%s skipped ENDING", a.id)
	}
}

func TestDirectCall_MissedWhenCalleeSilent(t *testing.T) {
	w := newWorld(t, duo)
	fast := func(c *Config) { c.RingTimeout = 100 * time.Millisecond }
	alice, bob := w.agent("alice", fast), w.agent("bob", func(c *Config) { c.RingTimeout = time.Second })

	sid, err := alice.o.Initiate(context.Background(), duo.ID, true)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDialing, alice.view(t, sid).Session.State)
	bob.ringing(t)

	alice.waitState(t, sid, domain.StateMissed)
	bob.waitState(t, sid, domain.StateMissed)

	assert.Equal(t, 0, alice.dev.Opened(), "caller opened devices for an unanswered call")
	assert.Equal(t, 0, w.net.Count("alice"), "caller created a peer link")
	assert.Equal(t, 0, w.net.Count("bob"))
	v := alice.view(t, sid)
	assert.Nil(t, v.Session.StartedAt)
	assert.NotNil(t, v.Session.EndedAt)
	assert.Equal(t, "timeout", v.Session.FailureReason)
}

func TestSecondInitiate_AlreadyInCall(t *testing.T) {
	w := newWorld(t, duo, pair)
	alice := w.agent("alice", nil)
	w.agent("bob", nil)

	ctx := context.Background()
	sid, err := alice.o.Initiate(ctx, duo.ID, false)
	require.NoError(t, err)
	before := alice.view(t, sid)

	_, err = alice.o.Initiate(ctx, pair.ID, false)
	assert.ErrorIs(t, err, domain.ErrAlreadyInCall)

	after := alice.view(t, sid)
	assert.Equal(t, before.Session.State, after.Session.State)
	assert.Equal(t, before.Session.ParticipantIDs, after.Session.ParticipantIDs)
	active, ok := alice.o.Active()
	require.True(t, ok)
	assert.Equal(t, sid, active.Session.ID)
	assert.Equal(t, 0, alice.dev.Opened())
}

func TestIncomingWhileBusy_AutoDeclined(t *testing.T) {
	w := newWorld(t, duo, pair)
	alice := w.agent("alice", nil)
	bob := w.agent("bob", nil)
	carol := w.agent("carol", nil)
	ctx := context.Background()

	first, err := alice.o.Initiate(ctx, duo.ID, false)
	require.NoError(t, err)
	bob.ringing(t)

	second, err := carol.o.Initiate(ctx, pair.ID, false)
	require.NoError(t, err)
	carol.waitState(t, second, domain.StateDeclined)
	assert.Equal(t, app.BusyReason, carol.view(t, second).Session.FailureReason)

	active, ok := alice.o.Active()
	require.True(t, ok)
	assert.Equal(t, first, active.Session.ID)
	assert.Equal(t, domain.StateDialing, active.Session.State)
	_, ok = alice.o.Snapshot(second)
	assert.False(t, ok, "busy callee must not create a session")
}

func TestDirectCall_CallerCancels(t *testing.T) {
	w := newWorld(t, duo)
	alice, bob := w.agent("alice", nil), w.agent("bob", nil)
	ctx := context.Background()

	sid, err := alice.o.Initiate(ctx, duo.ID, false)
	require.NoError(t, err)
	bob.ringing(t)

	require.NoError(t, alice.o.Hangup(ctx, sid))
	alice.waitState(t, sid, domain.StateDeclined)
	bob.waitState(t, sid, domain.StateDeclined)
	assert.Equal(t, domain.OutcomeDeclined, bob.view(t, sid).Session.State.Outcome())
}

func TestDirectCall_CalleeDeclines(t *testing.T) {
	w := newWorld(t, duo)
	alice, bob := w.agent("alice", nil), w.agent("bob", nil)
	ctx := context.Background()

	sid, err := alice.o.Initiate(ctx, duo.ID, false)
	require.NoError(t, err)
	bob.ringing(t)
	assert.ErrorIs(t, alice.o.Accept(ctx, sid, false), domain.ErrInvalidTransition)

	require.NoError(t, bob.o.Decline(ctx, sid))
	bob.waitState(t, sid, domain.StateDeclined)
	alice.waitState(t, sid, domain.StateDeclined)
	assert.Equal(t, "declined", alice.view(t, sid).Session.FailureReason)
}

func TestDirectCall_DeviceDenied(t *testing.T) {
	w := newWorld(t, duo)
	alice, bob := w.agent("alice", nil), w.agent("bob", nil)
	bob.dev.Deny(domain.TrackAudio, domain.DevicePermissionDenied)
	ctx := context.Background()

	sid, err := alice.o.Initiate(ctx, duo.ID, false)
	require.NoError(t, err)
	bob.ringing(t)
	require.NoError(t, bob.o.Accept(ctx, sid, false))

	bob.waitState(t, sid, domain.StateFailed)
	assert.Equal(t, "permission-denied", bob.view(t, sid).Session.FailureReason)
	alice.waitState(t, sid, domain.StateDeclined)
	assert.Equal(t, "permission-denied", alice.view(t, sid).Session.FailureReason)
	assert.Equal(t, 0, alice.dev.Opened())
}

func TestDirectCall_VideoToggleRenegotiatesOnce(t *testing.T) {
	w := newWorld(t, duo)
	alice, bob := w.agent("alice", nil), w.agent("bob", nil)
	ctx := context.Background()
	sid := connectDirect(t, alice, bob, false)

	ab, ok := w.net.Peer("alice", "bob")
	require.True(t, ok)
	ba, ok := w.net.Peer("bob", "alice")
	require.True(t, ok)
	require.Eventually(t, func() bool { return ba.Answers() == 1 }, wait, tick)
	offers, answers := ab.Offers(), ba.Answers()

	on, err := alice.o.ToggleTrack(ctx, sid, domain.TrackVideo)
	require.NoError(t, err)
	assert.True(t, on)

	require.Eventually(t, func() bool {
		return bob.view(t, sid).RemoteTracks["alice"].Has(domain.TrackVideo)
	}, wait, tick)
	assert.Eventually(t, func() bool { return bob.view(t, sid).Session.RemoteMedia["alice"].Video }, wait, tick)
	assert.Equal(t, offers+1, ab.Offers())
	assert.Eventually(t, func() bool { return ba.Answers() == answers+1 }, wait, tick)
	assert.Equal(t, 0, ba.Offers(), "callee never offered")
	assert.True(t, alice.view(t, sid).Session.IsVideoEnabled)
	assert.Equal(t, domain.StateConnected, bob.state(sid))

	on, err = alice.o.ToggleTrack(ctx, sid, domain.TrackVideo)
	require.NoError(t, err)
	assert.False(t, on)
	require.Eventually(t, func() bool {
		return !bob.view(t, sid).RemoteTracks["alice"].Has(domain.TrackVideo)
	}, wait, tick)
	assert.Equal(t, 1, alice.dev.Live())
}

func TestDirectCall_AudioMuteKeepsTrack(t *testing.T) {
	w := newWorld(t, duo)
	alice, bob := w.agent("alice", nil), w.agent("bob", nil)
	ctx := context.Background()
	sid := connectDirect(t, alice, bob, false)
	ab, _ := w.net.Peer("alice", "bob")
	offers := ab.Offers()

	on, err := alice.o.ToggleTrack(ctx, sid, domain.TrackAudio)
	require.NoError(t, err)
	assert.False(t, on)
	require.NoError(t, alice.o.SetTrackEnabled(ctx, sid, domain.TrackAudio, true))

	local := alice.view(t, sid).LocalTracks
	require.Len(t, local, 1)
	assert.True(t, local[0].Enabled)
	assert.Equal(t, offers, ab.Offers(), "mute must not renegotiate")
}

func TestDirectCall_SignalingLostWhileConnecting(t *testing.T) {
	w := newWorld(t, duo)
	short := func(c *Config) { c.ConnectTimeout = 200 * time.Millisecond }
	alice, bob := w.agent("alice", short), w.agent("bob", short)
	release := alice.dev.Hold(domain.TrackAudio, false)
	t.Cleanup(release)
	ctx := context.Background()

	sid, err := alice.o.Initiate(ctx, duo.ID, false)
	require.NoError(t, err)
	bob.ringing(t)
	require.NoError(t, bob.o.Accept(ctx, sid, false))
	alice.waitState(t, sid, domain.StateConnecting)

	alice.sig.SetOnline(false)
	release()

	alice.waitState(t, sid, domain.StateFailed)
	bob.waitState(t, sid, domain.StateFailed)
	assert.Equal(t, "negotiation-timeout", alice.view(t, sid).Session.FailureReason)
	assert.Equal(t, "negotiation-timeout", bob.view(t, sid).Session.FailureReason)
	assert.Eventually(t, func() bool { return alice.dev.Live() == 0 && bob.dev.Live() == 0 }, wait, tick)
}

func TestDirectCall_EarlyCandidatesBuffered(t *testing.T) {
	w := newWorld(t, duo)
	alice, bob := w.agent("alice", nil), w.agent("bob", nil)
	release := bob.dev.Hold(domain.TrackAudio, false)
	ctx := context.Background()

	sid, err := alice.o.Initiate(ctx, duo.ID, false)
	require.NoError(t, err)
	bob.ringing(t)
	require.NoError(t, bob.o.Accept(ctx, sid, false))
	bob.waitState(t, sid, domain.StateConnecting)
	release()

	alice.waitState(t, sid, domain.StateConnected)
	bob.waitState(t, sid, domain.StateConnected)
	ba, ok := w.net.Peer("bob", "alice")
	require.True(t, ok)
	assert.Eventually(t, func() bool { return len(ba.Candidates()) > 0 }, wait, tick)
	assert.Contains(t, ba.Candidates()[0], "alice-1")
}

func TestRelayedCall_ParticipantLeaves(t *testing.T) {
	w := newWorld(t, trio)
	alice, bob, carol := w.agent("alice", nil), w.agent("bob", nil), w.agent("carol", nil)
	ctx := context.Background()

	sid, err := alice.o.Initiate(ctx, trio.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeRelayed, alice.view(t, sid).Session.Mode)
	require.Equal(t, sid, bob.ringing(t))
	require.Equal(t, sid, carol.ringing(t))

	require.NoError(t, bob.o.Accept(ctx, sid, false))
	require.NoError(t, carol.o.Accept(ctx, sid, true))
	for _, a := range []*agent{alice, bob, carol} {
		a.waitState(t, sid, domain.StateConnected)
	}
	require.Eventually(t, func() bool {
		ra, rc := alice.view(t, sid).RemoteTracks, carol.view(t, sid).RemoteTracks
		return ra["bob"].Has(domain.TrackAudio) && ra["carol"].Has(domain.TrackVideo) &&
			rc["bob"].Has(domain.TrackAudio) && rc["alice"].Has(domain.TrackAudio)
	}, wait, tick)
	assert.Equal(t, 0, w.net.Count("alice"), "relayed calls use no direct links")
	assert.ElementsMatch(t, []domain.MemberID{"alice", "bob", "carol"}, alice.view(t, sid).Session.ParticipantIDs)

	require.NoError(t, bob.o.Hangup(ctx, sid))
	bob.waitState(t, sid, domain.StateEnded)

	require.Eventually(t, func() bool {
		_, a := alice.view(t, sid).RemoteTracks["bob"]
		_, c := carol.view(t, sid).RemoteTracks["bob"]
		return !a && !c
	}, wait, tick)
	assert.Equal(t, domain.StateConnected, alice.state(sid))
	assert.Equal(t, domain.StateConnected, carol.state(sid))
	assert.True(t, alice.view(t, sid).RemoteTracks["carol"].Has(domain.TrackAudio))

	require.NoError(t, carol.o.Hangup(ctx, sid))
	alice.waitState(t, sid, domain.StateEnded)
	assert.Equal(t, "all-left", alice.view(t, sid).Session.FailureReason)
	for _, a := range []*agent{alice, bob, carol} {
		assert.Equal(t, 0, a.dev.Live(), "%s leaked a device", a.id)
	}
}

func TestRelayedCall_ScreenShareRepublishes(t *testing.T) {
	w := newWorld(t, trio)
	alice, bob, _ := w.agent("alice", nil), w.agent("bob", nil), w.agent("carol", nil)
	ctx := context.Background()

	sid, err := alice.o.Initiate(ctx, trio.ID, false)
	require.NoError(t, err)
	bob.ringing(t)
	require.NoError(t, bob.o.Accept(ctx, sid, false))
	alice.waitState(t, sid, domain.StateConnected)
	bob.waitState(t, sid, domain.StateConnected)

	on, err := alice.o.ToggleTrack(ctx, sid, domain.TrackScreen)
	require.NoError(t, err)
	require.True(t, on)
	require.Eventually(t, func() bool { return bob.view(t, sid).RemoteTracks["alice"].Has(domain.TrackScreen) }, wait, tick)

	require.NoError(t, alice.o.SetTrackEnabled(ctx, sid, domain.TrackScreen, false))
	require.Eventually(t, func() bool { return !bob.view(t, sid).RemoteTracks["alice"].Has(domain.TrackScreen) }, wait, tick)
	assert.False(t, alice.view(t, sid).Session.IsScreenShareEnabled)
}

func TestRelayedCall_TokenFailure(t *testing.T) {
	w := newWorld(t, trio)
	alice, bob := w.agent("alice", nil), w.agent("bob", nil)
	w.agent("carol", nil)
	w.relay.DenyTokens(true)
	ctx := context.Background()

	sid, err := alice.o.Initiate(ctx, trio.ID, false)
	require.NoError(t, err)
	bob.ringing(t)
	require.NoError(t, bob.o.Accept(ctx, sid, false))

	alice.waitState(t, sid, domain.StateFailed)
	assert.Equal(t, "relay-auth-failure", alice.view(t, sid).Session.FailureReason)
	bob.waitState(t, sid, domain.StateFailed)
	assert.Eventually(t, func() bool { return alice.dev.Live() == 0 }, wait, tick)
}

func TestRelayedCall_AllInviteesDecline(t *testing.T) {
	w := newWorld(t, trio)
	alice, bob, carol := w.agent("alice", nil), w.agent("bob", nil), w.agent("carol", nil)
	ctx := context.Background()

	sid, err := alice.o.Initiate(ctx, trio.ID, false)
	require.NoError(t, err)
	bob.ringing(t)
	carol.ringing(t)

	require.NoError(t, bob.o.Decline(ctx, sid))
	bob.waitState(t, sid, domain.StateDeclined)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, domain.StateDialing, alice.state(sid), "one decline of two keeps ringing")

	require.NoError(t, carol.o.Decline(ctx, sid))
	alice.waitState(t, sid, domain.StateDeclined)
}

func TestClose_HangsUpLiveSession(t *testing.T) {
	w := newWorld(t, duo)
	alice, bob := w.agent("alice", nil), w.agent("bob", nil)
	sid := connectDirect(t, alice, bob, false)

	alice.o.Close()
	assert.Equal(t, domain.StateEnded, alice.state(sid))
	bob.waitState(t, sid, domain.StateEnded)
	assert.Equal(t, 0, alice.dev.Live())
}

func TestRelayedCall_AloneTimeoutEnds(t *testing.T) {
	w := newWorld(t, trio)
	bob := w.agent("bob", func(c *Config) { c.AloneTimeout = 200 * time.Millisecond })
	ghost := w.bus.Attach("alice")
	ctx := context.Background()

	sid := domain.NewSessionID()
	invite, err := domain.NewEnvelope(domain.MsgCallUpdate, sid, trio.ID, "alice", "",
		domain.UpdatePayload{Kind: domain.UpdateInvite, Mode: domain.ModeRelayed})
	require.NoError(t, err)
	require.NoError(t, ghost.Send(ctx, invite))
	require.Equal(t, sid, bob.ringing(t))

	require.NoError(t, bob.o.Accept(ctx, sid, false))
	bob.waitState(t, sid, domain.StateConnected)
	bob.waitState(t, sid, domain.StateEnded)
	assert.Equal(t, "alone", bob.view(t, sid).Session.FailureReason)
	assert.Equal(t, 0, bob.dev.Live())
}

func TestSubscribeBeforeStart_SeesEveryView(t *testing.T) {
	w := newWorld(t, duo)
	alice := w.agent("alice", func(c *Config) { c.RingTimeout = 100 * time.Millisecond })
	w.agent("bob", nil)

	sid, err := alice.o.Initiate(context.Background(), duo.ID, false)
	require.NoError(t, err)
	alice.waitState(t, sid, domain.StateMissed)

	var states []domain.State
	require.Eventually(t, func() bool {
		states = states[:0]
		for _, v := range alice.views.all() {
			if v.Session.ID == sid {
				states = append(states, v.Session.State)
			}
		}
		return len(states) > 0 && states[len(states)-1] == domain.StateMissed
	}, wait, tick)
	assert.Equal(t, domain.StateDialing, states[0])
}

// gatedDirectory holds lookups of one chat until open is closed.
type gatedDirectory struct {
	*app.StaticDirectory
	chat    domain.ChatID
	open    chan struct{}
	waiting chan struct{}
}

func (w *world) gate(member domain.MemberID, chat domain.ChatID) *gatedDirectory {
	d := &gatedDirectory{StaticDirectory: w.dir, chat: chat, open: make(chan struct{}), waiting: make(chan struct{}, 1)}
	if w.dirs == nil {
		w.dirs = make(map[domain.MemberID]core.Directory)
	}
	w.dirs[member] = d
	w.t.Cleanup(d.release)
	return d
}

func (d *gatedDirectory) Chat(ctx context.Context, id domain.ChatID) (domain.Chat, error) {
	if id == d.chat {
		select {
		case d.waiting <- struct{}{}:
		default:
		}
		select {
		case <-d.open:
		case <-ctx.Done():
			return domain.Chat{}, ctx.Err()
		}
	}
	return d.StaticDirectory.Chat(ctx, id)
}

func (d *gatedDirectory) held(t *testing.T) {
	t.Helper()
	select {
	case <-d.waiting:
	case <-time.After(wait):
		t.Fatal("chat lookup never started")
	}
}

func (d *gatedDirectory) release() {
	select {
	case <-d.open:
	default:
		close(d.open)
	}
}

func (o *Orchestrator) buffered(sid domain.SessionID) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.resolving[sid])
}

func TestIncomingInvite_SlowLookupKeepsSignalingFlowing(t *testing.T) {
	w := newWorld(t, duo, trio)
	gate := w.gate("bob", trio.ID)
	bob := w.agent("bob", nil)
	alice := w.agent("alice", nil)
	carol := w.bus.Attach("carol")
	ctx := context.Background()

	replies := make(chan domain.Envelope, 4)
	carol.Subscribe(domain.MsgCallAction, func(env domain.Envelope) { replies <- env })

	slow := domain.NewSessionID()
	invite, err := domain.NewEnvelope(domain.MsgCallUpdate, slow, trio.ID, "carol", "bob",
		domain.UpdatePayload{Kind: domain.UpdateInvite, Mode: domain.ModeRelayed})
	require.NoError(t, err)
	require.NoError(t, carol.Send(ctx, invite))
	gate.held(t)

	sid, err := alice.o.Initiate(ctx, duo.ID, false)
	require.NoError(t, err)
	require.Equal(t, sid, bob.ringing(t), "a pending lookup stalled other calls")

	gate.release()
	select {
	case env := <-replies:
		assert.Equal(t, slow, env.SessionID)
		var p domain.ActionPayload
		require.NoError(t, env.Decode(&p))
		assert.Equal(t, domain.ActionDecline, p.Action)
		assert.Equal(t, app.BusyReason, p.Reason)
	case <-time.After(wait):
		t.Fatal("slow invite was never declined")
	}
	_, ok := bob.o.Snapshot(slow)
	assert.False(t, ok)
	assert.Equal(t, domain.StateRinging, bob.state(sid))
}

func TestIncomingInvite_CancelDuringLookupApplied(t *testing.T) {
	w := newWorld(t, duo)
	gate := w.gate("bob", duo.ID)
	bob := w.agent("bob", nil)
	alice := w.bus.Attach("alice")
	ctx := context.Background()

	sid := domain.NewSessionID()
	invite, err := domain.NewEnvelope(domain.MsgCallUpdate, sid, duo.ID, "alice", "bob",
		domain.UpdatePayload{Kind: domain.UpdateInvite, Mode: domain.ModeDirect})
	require.NoError(t, err)
	require.NoError(t, alice.Send(ctx, invite))
	gate.held(t)

	cancel, err := domain.NewEnvelope(domain.MsgCallAction, sid, duo.ID, "alice", "bob",
		domain.ActionPayload{Action: domain.ActionCancel, Reason: "cancelled"})
	require.NoError(t, err)
	require.NoError(t, alice.Send(ctx, cancel))
	require.Eventually(t, func() bool { return bob.o.buffered(sid) == 1 }, wait, tick)

	gate.release()
	bob.waitState(t, sid, domain.StateDeclined)
	var sawRinging bool
	for _, v := range bob.views.all() {
		if v.Session.ID == sid && v.Session.State == domain.StateRinging {
			sawRinging = true
		}
	}
	assert.True(t, sawRinging)
	_, active := bob.o.Active()
	assert.False(t, active)
}

func TestIncomingInvite_ResolvedAfterClose(t *testing.T) {
	w := newWorld(t, duo)
	gate := w.gate("bob", duo.ID)
	bob := w.agent("bob", nil)
	alice := w.bus.Attach("alice")
	ctx := context.Background()

	sid := domain.NewSessionID()
	invite, err := domain.NewEnvelope(domain.MsgCallUpdate, sid, duo.ID, "alice", "bob",
		domain.UpdatePayload{Kind: domain.UpdateInvite, Mode: domain.ModeDirect})
	require.NoError(t, err)
	require.NoError(t, alice.Send(ctx, invite))
	gate.held(t)

	bob.o.Close()
	gate.release()

	require.Eventually(t, func() bool {
		st, ok := bob.o.Registry.Ended(sid)
		return ok && st == domain.StateFailed
	}, wait, tick)
	_, ok := bob.o.Snapshot(sid)
	assert.False(t, ok)
	assert.Equal(t, 0, bob.o.buffered(sid))
}
