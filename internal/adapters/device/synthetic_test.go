package device

import (
	"context"
	"testing"

	"github.com/dkeye/callcore/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthetic_OpenLabelsTrack(t *testing.T) {
	src := NewSynthetic()
	for _, kind := range domain.TrackKinds {
		tr, err := src.Open(context.Background(), kind, domain.Constraints{FrameRate: 30})
		require.NoError(t, err)

		got, ok := domain.KindFromTrackID(tr.ID())
		assert.True(t, ok)
		assert.Equal(t, kind, got)
		assert.Equal(t, tr.ID(), tr.TrackLocal().ID())
		assert.True(t, tr.Enabled())

		tr.SetEnabled(false)
		assert.False(t, tr.Enabled())
		assert.NoError(t, tr.Stop())
		assert.NoError(t, tr.Stop(), "stop is idempotent")
	}
}

func TestSynthetic_Deny(t *testing.T) {
	src := NewSynthetic()
	src.Deny[domain.TrackVideo] = domain.DevicePermissionDenied

	_, err := src.Open(context.Background(), domain.TrackVideo, domain.Constraints{})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = src.Open(context.Background(), domain.TrackAudio, domain.Constraints{})
	assert.NoError(t, err)
}

func TestSynthetic_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSynthetic().Open(ctx, domain.TrackAudio, domain.Constraints{})
	assert.ErrorIs(t, err, context.Canceled)
}
