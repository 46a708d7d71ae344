package pubsub

import (
	"context"
	"errors"

	"github.com/openfga/twinguard/pkg/signals"
)

var (
	ErrConsistencyNotReached = errors.New("subscription update not acknowledged by enough replicas")
	ErrPeerUnreachable       = errors.New("peer unreachable")
	ErrSubscriberNotFound    = errors.New("subscriber not found")
	ErrRegistryClosed        = errors.New("registry closed")
)

// Delivery is a published envelope addressed to one subscriber of another replica.
type Delivery struct {
	Topic      string           `cbor:"1,keyasint"`
	Subscriber string           `cbor:"2,keyasint"`
	Envelope   signals.Envelope `cbor:"3,keyasint"`
}

// Transport carries registry traffic to the other replicas.
type Transport interface {
	// Replicate sends a subscription delta. A nil error means the peer applied it.
	Replicate(ctx context.Context, peer string, entries []Entry) error

	// Exchange pushes the full local state and returns the peer's full state.
	Exchange(ctx context.Context, peer string, entries []Entry) ([]Entry, error)

	// Forward hands a published envelope to the replica owning the subscriber.
	Forward(ctx context.Context, peer string, d Delivery) error
}

// Node is the receiving side of a Transport.
type Node interface {
	HandleReplicate(ctx context.Context, entries []Entry) error
	HandleExchange(ctx context.Context, entries []Entry) ([]Entry, error)
	HandleForward(ctx context.Context, d Delivery) error
}

// Subscriber receives the envelopes published on the topics it subscribed to.
type Subscriber interface {
	ID() string
	Deliver(ctx context.Context, topic string, env signals.Envelope) error
}

type subscriberFunc struct {
	id string
	fn func(ctx context.Context, topic string, env signals.Envelope) error
}

func (s subscriberFunc) ID() string { return s.id }

func (s subscriberFunc) Deliver(ctx context.Context, topic string, env signals.Envelope) error {
	return s.fn(ctx, topic, env)
}

// NewSubscriberFunc adapts a function to a Subscriber.
func NewSubscriberFunc(id string, fn func(ctx context.Context, topic string, env signals.Envelope) error) Subscriber {
	return subscriberFunc{id: id, fn: fn}
}
