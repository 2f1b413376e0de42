package media

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/callcore/internal/domain"
	"github.com/dkeye/callcore/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_AcquireRelease(t *testing.T) {
	dev := testkit.NewFakeDevices()
	m := NewManager(dev, nil)
	ctx := context.Background()

	ref, err := m.Acquire(ctx, domain.TrackAudio, nil)
	require.NoError(t, err)
	assert.True(t, ref.Live())
	assert.Equal(t, domain.TrackAudio, ref.Kind())

	again, err := m.Acquire(ctx, domain.TrackAudio, nil)
	require.NoError(t, err)
	assert.Same(t, ref, again, "second acquire reuses the held track")
	assert.Equal(t, 1, dev.Opened())

	m.Release(domain.TrackAudio)
	assert.False(t, ref.Live())
	assert.Nil(t, ref.TrackLocal())
	assert.Equal(t, 0, dev.Live())
	assert.Equal(t, 0, m.Live())

	assert.NotPanics(t, func() { m.Release(domain.TrackAudio) })
}

func TestManager_DeviceErrors(t *testing.T) {
	tests := []struct {
		code     domain.DeviceErrorCode
		sentinel error
	}{
		{domain.DevicePermissionDenied, domain.ErrPermissionDenied},
		{domain.DeviceNotFound, domain.ErrDeviceUnavailable},
		{domain.DeviceConstraintFailed, domain.ErrConstraintFailed},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			dev := testkit.NewFakeDevices()
			dev.Deny(domain.TrackVideo, tt.code)
			m := NewManager(dev, nil)

			_, err := m.Acquire(context.Background(), domain.TrackVideo, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			var de *domain.DeviceError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.code, de.Code)
			assert.False(t, m.Has(domain.TrackVideo))
		})
	}
}

func TestManager_ReleaseAbortsInflightAcquire(t *testing.T) {
	dev := testkit.NewFakeDevices()
	release := dev.Hold(domain.TrackVideo, false)
	defer release()
	m := NewManager(dev, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), domain.TrackVideo, nil)
		errCh <- err
	}()

	// let the acquire register its cancel func
	assert.Eventually(t, func() bool {
		s := m.slots[domain.TrackVideo]
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.cancel != nil
	}, time.Second, time.Millisecond)

	m.Release(domain.TrackVideo)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("acquire not interrupted")
	}
	assert.Equal(t, 0, dev.Live())
}

func TestManager_LateTrackAfterCancelIsStopped(t *testing.T) {
	dev := testkit.NewFakeDevices()
	release := dev.Hold(domain.TrackAudio, true)
	m := NewManager(dev, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, domain.TrackAudio, nil)
		errCh <- err
	}()
	assert.Eventually(t, func() bool {
		s := m.slots[domain.TrackAudio]
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.cancel != nil
	}, time.Second, time.Millisecond)

	cancel()
	release()

	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, dev.Tracks(), 1)
	assert.True(t, dev.Tracks()[0].Stopped())
	assert.Equal(t, 0, dev.Live())
	assert.False(t, m.Has(domain.TrackAudio))
}

func TestManager_ToggleSerializesWithAcquire(t *testing.T) {
	dev := testkit.NewFakeDevices()
	release := dev.Hold(domain.TrackAudio, false)
	m := NewManager(dev, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := m.Acquire(ctx, domain.TrackAudio, nil)
		assert.NoError(t, err)
	}()
	assert.Eventually(t, func() bool { return len(m.slots[domain.TrackAudio].sem) == 1 }, time.Second, time.Millisecond)

	toggled := make(chan bool, 1)
	go func() {
		on, err := m.Toggle(ctx, domain.TrackAudio)
		assert.NoError(t, err)
		toggled <- on
	}()

	select {
	case <-toggled:
		t.Fatal("toggle ran before acquire completed")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	wg.Wait()
	assert.False(t, <-toggled, "toggle applied to the freshly acquired track")
	info := m.Snapshot()
	require.Len(t, info, 1)
	assert.False(t, info[0].Enabled)
}

func TestManager_ToggleWithoutTrack(t *testing.T) {
	m := NewManager(testkit.NewFakeDevices(), nil)
	_, err := m.Toggle(context.Background(), domain.TrackVideo)
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestManager_ReleaseAll(t *testing.T) {
	dev := testkit.NewFakeDevices()
	m := NewManager(dev, nil)
	ctx := context.Background()
	for _, k := range domain.TrackKinds {
		_, err := m.Acquire(ctx, k, nil)
		require.NoError(t, err)
	}
	assert.Len(t, m.Refs(), 3)
	m.ReleaseAll()
	assert.Equal(t, 0, m.Live())
	assert.Equal(t, 0, dev.Live())
}
