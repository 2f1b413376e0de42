package p2p

import (
	"testing"
	"time"

	"github.com/dkeye/callcore/internal/adapters/rtc"
	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleRef struct {
	id    string
	kind  domain.TrackKind
	local webrtc.TrackLocal
}

func (r sampleRef) ID() string                    { return r.id }
func (r sampleRef) Kind() domain.TrackKind        { return r.kind }
func (r sampleRef) TrackLocal() webrtc.TrackLocal { return r.local }
func (r sampleRef) Live() bool                    { return true }

func newSampleRef(t *testing.T, kind domain.TrackKind) core.TrackRef {
	t.Helper()
	id := domain.NewTrackID(kind)
	mime := webrtc.MimeTypeVP8
	if kind == domain.TrackAudio {
		mime = webrtc.MimeTypeOpus
	}
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "p2p-test")
	require.NoError(t, err)
	return sampleRef{id: id, kind: kind, local: local}
}

// Both sides offer at once over real pion connections: the callee rolls its
// offer back, answers, then offers again.
func TestPool_GlareOnPionConnections(t *testing.T) {
	factory, err := rtc.NewFactory(webrtc.Configuration{}, nil)
	require.NoError(t, err)

	w := &wire{pools: make(map[domain.MemberID]*Pool)}
	aTracks := []core.TrackRef{newSampleRef(t, domain.TrackAudio)}
	bTracks := []core.TrackRef{newSampleRef(t, domain.TrackAudio)}
	alice := NewPool(Config{Self: "alice", NegotiationTimeout: 5 * time.Second}, factory, w.sender("alice"),
		(&recorder{}).emit, func() []core.TrackRef { return aTracks })
	bob := NewPool(Config{Self: "bob", Polite: true, NegotiationTimeout: 5 * time.Second}, factory, w.sender("bob"),
		(&recorder{}).emit, func() []core.TrackRef { return bTracks })
	w.pools["alice"], w.pools["bob"] = alice, bob
	t.Cleanup(alice.Close)
	t.Cleanup(bob.Close)

	require.NoError(t, alice.Open("bob", true))
	require.NoError(t, bob.Open("alice", true))
	require.True(t, alice.Negotiating("bob"))
	require.True(t, bob.Negotiating("alice"))

	w.drain(t)

	assert.False(t, alice.Negotiating("bob"))
	assert.False(t, bob.Negotiating("alice"))
	assert.Equal(t, 1, alice.OffersSent("bob"))
	assert.Equal(t, 2, bob.OffersSent("alice"))
}

func TestPool_NegotiationTimeoutOnPionConnection(t *testing.T) {
	factory, err := rtc.NewFactory(webrtc.Configuration{}, nil)
	require.NoError(t, err)

	w := &wire{pools: make(map[domain.MemberID]*Pool)}
	rec := &recorder{}
	tracks := []core.TrackRef{newSampleRef(t, domain.TrackAudio)}
	alice := NewPool(Config{Self: "alice", NegotiationTimeout: 50 * time.Millisecond}, factory, w.sender("alice"),
		rec.emit, func() []core.TrackRef { return tracks })
	t.Cleanup(alice.Close)

	require.NoError(t, alice.Open("bob", true))
	require.Eventually(t, func() bool { return rec.count(EventNegotiationTimeout) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, alice.Negotiating("bob"))

	// back in stable, so a fresh offer goes out
	require.NoError(t, alice.AddTrack(newSampleRef(t, domain.TrackVideo)))
	assert.True(t, alice.Negotiating("bob"))
	assert.Equal(t, 2, alice.OffersSent("bob"))
}
