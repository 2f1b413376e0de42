package sfu

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/core/mock"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/dkeye/callcore/internal/testkit"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type ref struct {
	id   string
	kind domain.TrackKind
}

func (r ref) ID() string                    { return r.id }
func (r ref) Kind() domain.TrackKind        { return r.kind }
func (r ref) TrackLocal() webrtc.TrackLocal { return nil }
func (r ref) Live() bool                    { return true }

func newRef(k domain.TrackKind) core.TrackRef { return ref{id: domain.NewTrackID(k), kind: k} }

type seen struct {
	mu     sync.Mutex
	joined []domain.MemberID
	left   []domain.MemberID
	pub    []domain.RemoteTrack
	unpub  []domain.RemoteTrack
	disc   []string
}

func (s *seen) events() Events {
	return Events{
		OnParticipantJoined: func(id domain.MemberID) { s.mu.Lock(); s.joined = append(s.joined, id); s.mu.Unlock() },
		OnParticipantLeft:   func(id domain.MemberID) { s.mu.Lock(); s.left = append(s.left, id); s.mu.Unlock() },
		OnTrackPublished:    func(t domain.RemoteTrack) { s.mu.Lock(); s.pub = append(s.pub, t); s.mu.Unlock() },
		OnTrackUnpublished:  func(t domain.RemoteTrack) { s.mu.Lock(); s.unpub = append(s.unpub, t); s.mu.Unlock() },
		OnDisconnected:      func(r string) { s.mu.Lock(); s.disc = append(s.disc, r); s.mu.Unlock() },
	}
}

func (s *seen) leftCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.left)
}

const (
	chat = domain.ChatID("team")
	sid  = domain.SessionID("s-1")
)

var members = []domain.Member{
	{ID: "a", Name: "Ann", CredentialName: "ann-cred"},
	{ID: "b", Name: "Bob"},
	{ID: "c", Name: "Cid"},
}

func join(t *testing.T, relay *testkit.FakeRelay, self int, s *seen, kinds ...domain.TrackKind) (*Adapter, *RelayRoom) {
	t.Helper()
	a := NewAdapter(relay, relay)
	var refs []core.TrackRef
	for _, k := range kinds {
		refs = append(refs, newRef(k))
	}
	room, err := a.Join(context.Background(), JoinRequest{
		SessionID: sid,
		ChatID:    chat,
		Self:      members[self],
		Members:   members,
	}, refs, s.events())
	require.NoError(t, err)
	return a, room
}

func TestAdapter_ThreePartyLeave(t *testing.T) {
	relay := testkit.NewFakeRelay()
	relay.Name("a", "ann-cred")

	var sa, sb, sc seen
	adA, roomA := join(t, relay, 0, &sa, domain.TrackAudio)
	adB, roomB := join(t, relay, 1, &sb, domain.TrackAudio, domain.TrackVideo)
	_, roomC := join(t, relay, 2, &sc, domain.TrackAudio)

	assert.Eventually(t, func() bool {
		return roomA.RemoteTracks()["b"].Has(domain.TrackVideo) &&
			roomC.RemoteTracks()["b"].Has(domain.TrackVideo) &&
			roomB.RemoteTracks()["a"].Has(domain.TrackAudio)
	}, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []domain.MemberID{"b", "c"}, roomA.Participants())

	adB.Leave(sid)

	assert.Eventually(t, func() bool { return sa.leftCount() == 1 && sc.leftCount() == 1 }, time.Second, 5*time.Millisecond)
	_, ok := roomA.RemoteTracks()["b"]
	assert.False(t, ok)
	_, ok = roomC.RemoteTracks()["b"]
	assert.False(t, ok)
	assert.True(t, roomC.RemoteTracks()["a"].Has(domain.TrackAudio), "identity mapped back to member id")
	assert.ElementsMatch(t, []domain.MemberID{"c"}, roomA.Participants())

	_, ok = adB.Room(sid)
	assert.False(t, ok)
	_, ok = adA.Room(sid)
	assert.True(t, ok)
}

func TestAdapter_UnpublishAndMute(t *testing.T) {
	relay := testkit.NewFakeRelay()
	var sa, sb seen
	_, roomA := join(t, relay, 0, &sa, domain.TrackAudio)
	_, roomB := join(t, relay, 1, &sb, domain.TrackAudio)

	require.NoError(t, roomA.Publish(newRef(domain.TrackScreen)))
	require.NoError(t, roomA.Publish(newRef(domain.TrackScreen)), "second publish of a kind is a no-op")
	assert.Equal(t, []domain.TrackKind{domain.TrackAudio, domain.TrackScreen}, roomA.Published())
	assert.Eventually(t, func() bool { return roomB.RemoteTracks()["a"].Has(domain.TrackScreen) }, time.Second, 5*time.Millisecond)

	require.NoError(t, roomA.Unpublish(domain.TrackScreen))
	assert.Eventually(t, func() bool { return !roomB.RemoteTracks()["a"].Has(domain.TrackScreen) }, time.Second, 5*time.Millisecond)
	assert.NoError(t, roomA.Unpublish(domain.TrackScreen))

	require.NoError(t, roomA.SetMuted(domain.TrackAudio, true))
	assert.Equal(t, PubStateMuted, roomA.pubs[domain.TrackAudio].GetState())
	require.NoError(t, roomA.SetMuted(domain.TrackAudio, false))
	assert.Equal(t, PubStateOk, roomA.pubs[domain.TrackAudio].GetState())
}

func TestAdapter_TokenFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	tokens := mock.NewMockTokenIssuer(ctrl)
	connector := mock.NewMockRelayConnector(ctrl)

	tokens.EXPECT().
		IssueToken(gomock.Any(), core.TokenRequest{ChatID: chat, SessionID: sid, ParticipantID: "a"}).
		Return(core.RelayToken{}, errors.New("403"))

	a := NewAdapter(connector, tokens)
	_, err := a.Join(context.Background(), JoinRequest{SessionID: sid, ChatID: chat, Self: members[0], Members: members}, nil, Events{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRelayAuthFailure)
	assert.Equal(t, "relay-auth-failure", domain.Reason(err))
}

func TestAdapter_ConnectFailure(t *testing.T) {
	relay := testkit.NewFakeRelay()
	relay.Down(true)
	a := NewAdapter(relay, relay)
	_, err := a.Join(context.Background(), JoinRequest{SessionID: sid, ChatID: chat, Self: members[1], Members: members}, nil, Events{})
	assert.ErrorIs(t, err, domain.ErrPeerUnreachable)
}

func TestAdapter_PublishesThroughMockConn(t *testing.T) {
	ctrl := gomock.NewController(t)
	tokens := mock.NewMockTokenIssuer(ctrl)
	connector := mock.NewMockRelayConnector(ctrl)
	conn := mock.NewMockRelayConn(ctrl)

	tokens.EXPECT().IssueToken(gomock.Any(), gomock.Any()).Return(core.RelayToken{URL: "wss://r", Token: "tok"}, nil)
	connector.EXPECT().Connect(gomock.Any(), "wss://r", "tok", gomock.Any()).Return(conn, nil)
	conn.EXPECT().RemoteIdentities().Return([]string{"ann-cred"})
	conn.EXPECT().Publish(gomock.Any(), "microphone").Return("PUB_1", nil)
	conn.EXPECT().Unpublish("PUB_1").Return(nil)
	conn.EXPECT().Disconnect()

	a := NewAdapter(connector, tokens)
	room, err := a.Join(context.Background(), JoinRequest{SessionID: sid, ChatID: chat, Self: members[1], Members: members},
		[]core.TrackRef{newRef(domain.TrackAudio)}, Events{})
	require.NoError(t, err)
	assert.Equal(t, []domain.MemberID{"a"}, room.Participants())

	require.NoError(t, room.Unpublish(domain.TrackAudio))
	a.Close()
	room.Close()
}

func TestAdapter_DisconnectEvent(t *testing.T) {
	relay := testkit.NewFakeRelay()
	var sb seen
	_, _ = join(t, relay, 1, &sb, domain.TrackAudio)

	relay.Kick(string(chat)+"/"+string(sid), "b")
	sb.mu.Lock()
	defer sb.mu.Unlock()
	assert.Equal(t, []string{"kicked"}, sb.disc)
}

func TestSourceNames(t *testing.T) {
	for _, k := range domain.TrackKinds {
		got, ok := KindOfSource(SourceName(k))
		assert.True(t, ok)
		assert.Equal(t, k, got)
	}
	_, ok := KindOfSource("unknown")
	assert.False(t, ok)
}
