package core

import (
	"context"

	"github.com/dkeye/callcore/internal/domain"
)

// Frame is a raw encoded envelope.
type Frame []byte

// SignalConnection abstracts one server-side client socket.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// EnvelopeHandler is invoked on the transport's single receive loop.
type EnvelopeHandler func(domain.Envelope)

// SignalingTransport carries call envelopes between clients of the same chat.
// Send is at-most-once without retry; a disconnected transport returns
// domain.ErrSignalingUnavailable and callers treat that as message loss.
type SignalingTransport interface {
	Send(ctx context.Context, env domain.Envelope) error
	// Subscribe registers h for one message type and returns the unsubscribe func.
	Subscribe(t domain.MessageType, h EnvelopeHandler) func()
}
