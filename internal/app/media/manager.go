// Package media owns the local capture tracks of a client process.
//
// Manager is the only component that opens or stops devices. Peer links and
// relay rooms receive core.TrackRef values, which carry no Stop and go dead
// once the manager releases the track.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrNotAcquired = errors.New("track not acquired")

type trackRef struct {
	t       core.LocalTrack
	revoked atomic.Bool
}

func (r *trackRef) ID() string             { return r.t.ID() }
func (r *trackRef) Kind() domain.TrackKind { return r.t.Kind() }
func (r *trackRef) Live() bool             { return !r.revoked.Load() }

func (r *trackRef) TrackLocal() webrtc.TrackLocal {
	if r.revoked.Load() {
		return nil
	}
	return r.t.TrackLocal()
}

// slot holds zero or one track of a single kind.
type slot struct {
	kind domain.TrackKind
	// sem admits one acquire or toggle at a time; release bypasses it.
	sem chan struct{}

	mu     sync.Mutex
	track  core.LocalTrack
	ref    *trackRef
	cancel context.CancelFunc
	gen    uint64
}

// Manager is the MediaTrackSet owner for local tracks.
type Manager struct {
	src      core.DeviceSource
	defaults map[domain.TrackKind]domain.Constraints
	slots    map[domain.TrackKind]*slot
}

func NewManager(src core.DeviceSource, defaults map[domain.TrackKind]domain.Constraints) *Manager {
	m := &Manager{
		src:      src,
		defaults: defaults,
		slots:    make(map[domain.TrackKind]*slot, len(domain.TrackKinds)),
	}
	for _, k := range domain.TrackKinds {
		m.slots[k] = &slot{kind: k, sem: make(chan struct{}, 1)}
	}
	return m
}

func (m *Manager) slot(kind domain.TrackKind) (*slot, error) {
	s, ok := m.slots[kind]
	if !ok {
		return nil, fmt.Errorf("unknown track kind %q", kind)
	}
	return s, nil
}

// Acquire opens the device for kind, or returns the already held track.
// Cancelling ctx, or a Release for the same kind, aborts the open; a track
// that still arrives afterwards is stopped immediately.
func (m *Manager) Acquire(ctx context.Context, kind domain.TrackKind, c *domain.Constraints) (core.TrackRef, error) {
	s, err := m.slot(kind)
	if err != nil {
		return nil, err
	}
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.sem }()

	s.mu.Lock()
	if s.ref != nil {
		ref := s.ref
		s.mu.Unlock()
		return ref, nil
	}
	actx, cancel := context.WithCancel(ctx)
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.mu.Unlock()

	cons := m.defaults[kind]
	if c != nil {
		cons = *c
	}
	logger := log.With().Str("module", "app.media").Str("kind", string(kind)).Logger()
	logger.Debug().Msg("acquire started")
	t, openErr := m.src.Open(actx, kind, cons)
	aborted := actx.Err() != nil

	s.mu.Lock()
	defer s.mu.Unlock()
	cancel()
	stale := s.gen != gen
	if !stale {
		s.cancel = nil
	}
	if openErr != nil {
		if aborted || stale {
			return nil, context.Canceled
		}
		logger.Warn().Err(openErr).Msg("acquire failed")
		return nil, asDeviceError(kind, openErr)
	}
	if aborted || stale {
		if err := t.Stop(); err != nil {
			logger.Error().Err(err).Msg("stop after cancel")
		}
		logger.Info().Msg("acquire canceled, late track stopped")
		return nil, context.Canceled
	}
	s.track = t
	s.ref = &trackRef{t: t}
	logger.Info().Str("track", t.ID()).Msg("acquired")
	return s.ref, nil
}

func asDeviceError(kind domain.TrackKind, err error) error {
	var de *domain.DeviceError
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.NewDeviceError(kind, domain.DeviceNotFound, err)
}

// Release stops and discards the track of kind and aborts an in-flight
// acquire. Idempotent.
func (m *Manager) Release(kind domain.TrackKind) {
	s, err := m.slot(kind)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	t := s.track
	if s.ref != nil {
		s.ref.revoked.Store(true)
	}
	s.track, s.ref = nil, nil
	s.mu.Unlock()

	if t == nil {
		return
	}
	if err := t.Stop(); err != nil {
		log.Error().Err(err).Str("module", "app.media").Str("kind", string(kind)).Msg("stop track")
	}
	log.Info().Str("module", "app.media").Str("kind", string(kind)).Str("track", t.ID()).Msg("released")
}

// ReleaseAll releases every kind.
func (m *Manager) ReleaseAll() {
	for _, k := range domain.TrackKinds {
		m.Release(k)
	}
}

// Toggle flips the enabled flag of an acquired track without renegotiation.
// It waits for an in-flight acquire of the same kind.
func (m *Manager) Toggle(ctx context.Context, kind domain.TrackKind) (bool, error) {
	return m.update(ctx, kind, func(cur bool) bool { return !cur })
}

func (m *Manager) SetEnabled(ctx context.Context, kind domain.TrackKind, enabled bool) error {
	_, err := m.update(ctx, kind, func(bool) bool { return enabled })
	return err
}

func (m *Manager) update(ctx context.Context, kind domain.TrackKind, next func(bool) bool) (bool, error) {
	s, err := m.slot(kind)
	if err != nil {
		return false, err
	}
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	defer func() { <-s.sem }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == nil {
		return false, fmt.Errorf("%s: %w", kind, ErrNotAcquired)
	}
	on := next(s.track.Enabled())
	s.track.SetEnabled(on)
	log.Debug().Str("module", "app.media").Str("kind", string(kind)).Bool("enabled", on).Msg("track toggled")
	return on, nil
}

func (m *Manager) Has(kind domain.TrackKind) bool {
	s, err := m.slot(kind)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track != nil
}

// Ref returns the live reference for kind, if held.
func (m *Manager) Ref(kind domain.TrackKind) (core.TrackRef, bool) {
	s, err := m.slot(kind)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ref == nil {
		return nil, false
	}
	return s.ref, true
}

// Refs lists held references in kind order.
func (m *Manager) Refs() []core.TrackRef {
	out := make([]core.TrackRef, 0, len(m.slots))
	for _, k := range domain.TrackKinds {
		if r, ok := m.Ref(k); ok {
			out = append(out, r)
		}
	}
	return out
}

// Snapshot is a read-only view of the local track set.
func (m *Manager) Snapshot() []domain.TrackInfo {
	out := make([]domain.TrackInfo, 0, len(m.slots))
	for _, k := range domain.TrackKinds {
		s := m.slots[k]
		s.mu.Lock()
		if s.track != nil {
			out = append(out, domain.TrackInfo{ID: s.track.ID(), Kind: k, Enabled: s.track.Enabled()})
		}
		s.mu.Unlock()
	}
	return out
}

// Live counts acquired, unreleased tracks.
func (m *Manager) Live() int {
	n := 0
	for _, k := range domain.TrackKinds {
		if m.Has(k) {
			n++
		}
	}
	return n
}
