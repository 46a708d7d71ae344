package smartchannel

import (
	"github.com/openfga/twinguard/pkg/signals"
	"github.com/openfga/twinguard/pkg/storage"
)

// State is the position of a pending live query in its resolution.
type State int

const (
	StateIdle State = iota
	// StateAwaitingTwin waits for the twin needed to evaluate the live channel condition.
	StateAwaitingTwin
	// StateAwaitingLive waits for the first live response.
	StateAwaitingLive
	// StateTimedOutFallback waits for the twin result that replaces the live answer.
	StateTimedOutFallback
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingTwin:
		return "awaiting-twin"
	case StateAwaitingLive:
		return "awaiting-live"
	case StateTimedOutFallback:
		return "timed-out-fallback"
	case StateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// outcome labels how a query was resolved.
type outcome string

const (
	outcomeLive      outcome = "live"
	outcomeLiveError outcome = "live-error"
	outcomeTwin      outcome = "twin"
	outcomeFallback  outcome = "fallback"
	outcomeTimeout   outcome = "timeout"
	outcomeCanceled  outcome = "canceled"
	outcomeRejected  outcome = "rejected"
)

type eventKind int

const (
	eventTwin eventKind = iota
	eventPublished
	eventLive
)

// event is everything a pending query reacts to besides its deadline.
type event struct {
	kind eventKind

	// eventTwin
	twin    *storage.TwinState
	twinErr error

	// eventPublished
	delivered  int
	publishErr error

	// eventLive
	response signals.Response
}
