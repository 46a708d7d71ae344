package backpressure

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/openfga/twinguard/pkg/pubsub"
	serverErrors "github.com/openfga/twinguard/pkg/server/errors"
	"github.com/openfga/twinguard/pkg/signals"
)

// Connection is one client session. Commands go through a bounded inbound
// queue to a single dispatcher; responses and subscribed events come back
// through a drop-oldest outbound buffer. The inbound bound covers every
// command accepted and not answered yet, queued or dispatched.
type Connection struct {
	id   string
	auth signals.AuthorizationContext
	gate *Gate

	inbound chan signals.Command
	// slots holds one token per command accepted and not answered yet.
	slots chan struct{}
	// space gets a token whenever an answered command frees a slot.
	space chan struct{}
	out   *outbound

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards closed and topics; holding it for reading keeps Close from
	// starting while a command is being queued.
	mu     sync.RWMutex
	closed bool
	topics []string
}

var _ pubsub.Subscriber = (*Connection)(nil)

func newConnection(g *Gate, id string, auth signals.AuthorizationContext) *Connection {
	c := &Connection{
		id:      id,
		auth:    auth,
		gate:    g,
		inbound: make(chan signals.Command, g.cfg.InboundQueueSize),
		slots:   make(chan struct{}, g.cfg.InboundQueueSize),
		space:   make(chan struct{}, 1),
		out:     newOutbound(g.cfg.OutboundBufferSize),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatch()
	}()
	return c
}

// ID returns the connection id. It is also the subscriber id in the registry.
func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) AuthContext() signals.AuthorizationContext {
	return c.auth
}

func (c *Connection) offer(cmd signals.Command) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false, serverErrors.Transient(errConnectionClosed, "the connection")
	}
	select {
	case c.slots <- struct{}{}:
	default:
		return false, nil
	}
	// inbound has room for every slot
	c.inbound <- cmd
	return true, nil
}

// release frees the slot of an answered command.
func (c *Connection) release() {
	<-c.slots
	select {
	case c.space <- struct{}{}:
	default:
	}
}

// TrySubmit queues cmd without waiting. A connection with as many commands
// unanswered as its inbound queue size rejects the command with a QueueFull error.
func (c *Connection) TrySubmit(ctx context.Context, cmd signals.Command) error {
	cmd.AuthContext = c.auth
	ok, err := c.offer(cmd)
	if err != nil {
		return err
	}
	if !ok {
		inboundRejectedCounter.Inc()
		c.gate.logger.DebugWithContext(ctx, "inbound queue full",
			zap.String("connection_id", c.id),
			zap.String("correlation_id", cmd.CorrelationID()))
		return serverErrors.QueueFull(cap(c.inbound))
	}
	c.gate.sniffer.Sniff(ctx, c.id, cmd)
	return nil
}

// Submit queues cmd, waiting until ctx ends for an unanswered command to be answered.
func (c *Connection) Submit(ctx context.Context, cmd signals.Command) error {
	cmd.AuthContext = c.auth
	for {
		ok, err := c.offer(cmd)
		if err != nil {
			return err
		}
		if ok {
			c.gate.sniffer.Sniff(ctx, c.id, cmd)
			return nil
		}
		select {
		case <-c.space:
		case <-ctx.Done():
			return serverErrors.Transient(ctx.Err(), "the inbound queue")
		case <-c.ctx.Done():
			return serverErrors.Transient(errConnectionClosed, "the connection")
		}
	}
}

// dispatch hands the queued commands to the dispatcher one at a time. A
// dispatcher that blocks leaves the commands in the inbound queue. Every
// command taken from the queue gets exactly one response in the outbound
// buffer, and its slot is freed only then.
func (c *Connection) dispatch() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case cmd := <-c.inbound:
			if c.ctx.Err() != nil {
				c.push(closedResponse(cmd))
				c.release()
				return
			}

			reply := c.gate.dispatcher.Submit(c.ctx, cmd)
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.await(cmd, reply)
			}()
		}
	}
}

func (c *Connection) await(cmd signals.Command, reply <-chan signals.Response) {
	defer c.release()
	select {
	case resp := <-reply:
		c.push(signals.ResponseEnvelope(resp))
	case <-c.ctx.Done():
		select {
		case resp := <-reply:
			c.push(signals.ResponseEnvelope(resp))
		default:
			c.push(closedResponse(cmd))
		}
	}
}

func closedResponse(cmd signals.Command) signals.Envelope {
	return signals.ResponseEnvelope(signals.NewErrorResponse(cmd, serverErrors.Transient(errConnectionClosed, "the connection")))
}

func (c *Connection) push(env signals.Envelope) {
	if c.out.push(env) {
		outboundDroppedCounter.Inc()
		c.gate.logger.Debug("outbound buffer full, dropped oldest envelope", zap.String("connection_id", c.id))
	}
}

// Receive returns the oldest envelope waiting for the client, waiting until
// one arrives or ctx ends. What is still buffered stays readable after Close.
func (c *Connection) Receive(ctx context.Context) (signals.Envelope, error) {
	for {
		if env, ok := c.out.pop(); ok {
			return env, nil
		}
		select {
		case <-c.out.ready:
		case <-ctx.Done():
			return signals.Envelope{}, ctx.Err()
		case <-c.ctx.Done():
			if env, ok := c.out.pop(); ok {
				return env, nil
			}
			return signals.Envelope{}, serverErrors.Transient(errConnectionClosed, "the connection")
		}
	}
}

// Buffered returns how many envelopes wait in the outbound buffer.
func (c *Connection) Buffered() int {
	return c.out.size()
}

// Subscribe registers the connection for topics.
func (c *Connection) Subscribe(ctx context.Context, consistency pubsub.Consistency, topics ...string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return serverErrors.Transient(errConnectionClosed, "the connection")
	}
	for _, t := range topics {
		if !slices.Contains(c.topics, t) {
			c.topics = append(c.topics, t)
		}
	}
	c.mu.Unlock()

	return c.gate.registry.Subscribe(ctx, topics, c, consistency, true)
}

// Deliver implements pubsub.Subscriber. Only signals readable by one of the
// connection subjects, as stated by their read-subjects header, are buffered.
func (c *Connection) Deliver(ctx context.Context, topic string, env signals.Envelope) error {
	if !c.auth.HasAny(env.Headers().ReadSubjects()) {
		c.gate.logger.DebugWithContext(ctx, "signal filtered by read subjects",
			zap.String("connection_id", c.id),
			zap.String("topic", topic))
		return nil
	}
	c.push(env)
	return nil
}

// Respond hands the answer of the client to a live command back to the smart channel.
func (c *Connection) Respond(ctx context.Context, resp signals.Response) bool {
	return c.gate.responses.HandleLiveResponse(ctx, resp)
}

// Close stops the dispatcher, answers the commands still queued with a
// Transient error and removes the subscriptions of the connection.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	topics := c.topics
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	for drained := false; !drained; {
		select {
		case cmd := <-c.inbound:
			c.push(closedResponse(cmd))
			c.release()
		default:
			drained = true
		}
	}

	c.gate.forget(c.id)
	if len(topics) == 0 {
		return nil
	}
	return c.gate.registry.Unsubscribe(ctx, topics, c.id, pubsub.ConsistencyLocal, false)
}
