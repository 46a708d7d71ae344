package backpressure

import (
	"sync"

	"github.com/emirpasic/gods/queues/circularbuffer"

	"github.com/openfga/twinguard/pkg/signals"
)

// outbound is a drop-oldest buffer of envelopes waiting to be sent to the client.
type outbound struct {
	mu  sync.Mutex
	buf *circularbuffer.Queue

	// ready holds a token while the buffer may be non-empty.
	ready chan struct{}
}

func newOutbound(size int) *outbound {
	return &outbound{
		buf:   circularbuffer.New(size),
		ready: make(chan struct{}, 1),
	}
}

// push appends env, evicting the oldest envelope when the buffer is full.
// It reports whether something was evicted.
func (o *outbound) push(env signals.Envelope) bool {
	o.mu.Lock()
	evicted := o.buf.Full()
	o.buf.Enqueue(env)
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return evicted
}

func (o *outbound) pop() (signals.Envelope, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.buf.Dequeue()
	if !ok {
		return signals.Envelope{}, false
	}
	if !o.buf.Empty() {
		select {
		case o.ready <- struct{}{}:
		default:
		}
	}
	return v.(signals.Envelope), true
}

func (o *outbound) size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.Size()
}
