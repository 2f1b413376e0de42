package testkit

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
)

// Bus is an in-memory signaling relay. Envelopes go through a JSON round
// trip, get their sender stamped, and reach every other attached member
// (or only TargetID) on that member's own receive goroutine, in send order.
type Bus struct {
	mu   sync.RWMutex
	ends map[domain.MemberID]*BusTransport
	drop map[domain.MessageType]bool
}

func NewBus() *Bus {
	return &Bus{
		ends: make(map[domain.MemberID]*BusTransport),
		drop: make(map[domain.MessageType]bool),
	}
}

// Attach connects member and starts its receive loop.
func (b *Bus) Attach(member domain.MemberID) *BusTransport {
	t := &BusTransport{
		bus:    b,
		member: member,
		subs:   make(map[domain.MessageType]map[int]core.EnvelopeHandler),
		in:     make(chan domain.Envelope, 1024),
		done:   make(chan struct{}),
		sent:   make(map[domain.MessageType]int),
	}
	t.online.Store(true)
	b.mu.Lock()
	b.ends[member] = t
	b.mu.Unlock()
	go t.loop()
	return t
}

// Drop silently loses every envelope of type t while set.
func (b *Bus) Drop(t domain.MessageType, drop bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drop[t] = drop
}

func (b *Bus) deliver(env domain.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.drop[env.Type] {
		return
	}
	for id, end := range b.ends {
		if id == env.SenderID || !end.online.Load() {
			continue
		}
		if env.TargetID != "" && env.TargetID != id {
			continue
		}
		select {
		case end.in <- env:
		default:
		}
	}
}

// Close stops every receive loop.
func (b *Bus) Close() {
	b.mu.Lock()
	ends := b.ends
	b.ends = make(map[domain.MemberID]*BusTransport)
	b.mu.Unlock()
	for _, t := range ends {
		t.stop()
	}
}

// BusTransport is one member's core.SignalingTransport on a Bus.
type BusTransport struct {
	bus    *Bus
	member domain.MemberID
	online atomic.Bool
	in     chan domain.Envelope
	done   chan struct{}
	once   sync.Once

	mu   sync.RWMutex
	subs map[domain.MessageType]map[int]core.EnvelopeHandler
	next int
	sent map[domain.MessageType]int
}

// SetOnline simulates losing and regaining the signaling channel.
func (t *BusTransport) SetOnline(on bool) { t.online.Store(on) }

func (t *BusTransport) Send(ctx context.Context, env domain.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.online.Load() {
		return domain.ErrSignalingUnavailable
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	var wire domain.Envelope
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	wire.SenderID = t.member
	t.mu.Lock()
	t.sent[wire.Type]++
	t.mu.Unlock()
	t.bus.deliver(wire)
	return nil
}

func (t *BusTransport) Subscribe(mt domain.MessageType, h core.EnvelopeHandler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subs[mt] == nil {
		t.subs[mt] = make(map[int]core.EnvelopeHandler)
	}
	id := t.next
	t.next++
	t.subs[mt][id] = h
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs[mt], id)
	}
}

// Sent counts envelopes of type mt this member sent successfully.
func (t *BusTransport) Sent(mt domain.MessageType) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sent[mt]
}

func (t *BusTransport) loop() {
	for {
		select {
		case env := <-t.in:
			if !t.online.Load() {
				continue
			}
			t.mu.RLock()
			hs := make([]core.EnvelopeHandler, 0, len(t.subs[env.Type]))
			for _, h := range t.subs[env.Type] {
				hs = append(hs, h)
			}
			t.mu.RUnlock()
			for _, h := range hs {
				h(env)
			}
		case <-t.done:
			return
		}
	}
}

func (t *BusTransport) stop() {
	t.once.Do(func() { close(t.done) })
}
