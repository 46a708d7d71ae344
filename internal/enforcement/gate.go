// Package enforcement runs one serialized process per entity. Each process
// authorizes the commands of its entity in arrival order and routes the
// granted ones to the twin store, the smart channel or the live events topic.
package enforcement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/openfga/twinguard/internal/build"
	"github.com/openfga/twinguard/pkg/logger"
	"github.com/openfga/twinguard/pkg/policy"
	serverErrors "github.com/openfga/twinguard/pkg/server/errors"
	"github.com/openfga/twinguard/pkg/signals"
	"github.com/openfga/twinguard/pkg/storage"
)

const (
	DefaultShards               = 64
	DefaultMailboxSize          = 128
	DefaultIdleTimeout          = time.Minute
	DefaultPolicyLookupRetries  = 3
	DefaultPolicyLookupDeadline = 5 * time.Second

	// drainInterval is how often a process of a closing gate checks whether
	// it may retire.
	drainInterval = 5 * time.Millisecond
)

var tracer = otel.Tracer("twinguard/internal/enforcement")

var (
	entityProcessesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "enforcement_entity_processes",
		Help:      "The number of entity processes currently alive.",
	})

	commandCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "enforcement_command_count",
		Help:      "The total number of commands handled by the enforcement gate, by kind and result.",
	}, []string{"kind", "result"})

	mailboxWaitHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace:                       build.ProjectName,
		Name:                            "enforcement_mailbox_wait_ms",
		Help:                            "The time (in ms) a command waited in the mailbox of its entity process.",
		Buckets:                         []float64{1, 5, 10, 25, 50, 100, 500, 1000},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	})
)

var errGateClosed = errors.New("enforcement gate closed")

// Router answers live queries, evaluating live channel conditions on what
// visible leaves of the twin. *smartchannel.Selector implements it.
type Router interface {
	Route(ctx context.Context, cmd signals.Command, visible policy.Visibility) <-chan signals.Response
}

// PolicyInvalidator is implemented by policy lookups that cache, like
// *storagewrappers.CachedPolicyLookup.
type PolicyInvalidator interface {
	Invalidate(entityID string)
}

// Publisher publishes envelopes on a topic. *pubsub.Registry implements it.
type Publisher interface {
	Publish(ctx context.Context, topic string, env signals.Envelope) (int, error)
}

type GateOption func(*Gate)

func WithLogger(l logger.Logger) GateOption {
	return func(g *Gate) {
		g.logger = l
	}
}

// WithShards sets how many independently locked maps hold the entity processes.
func WithShards(n int) GateOption {
	return func(g *Gate) {
		if n > 0 {
			g.shardCount = n
		}
	}
}

// WithMailboxSize bounds the commands waiting for one entity process.
func WithMailboxSize(n int) GateOption {
	return func(g *Gate) {
		if n > 0 {
			g.mailboxSize = n
		}
	}
}

// WithIdleTimeout sets after how long without messages an entity process retires.
func WithIdleTimeout(d time.Duration) GateOption {
	return func(g *Gate) {
		g.idleTimeout = d
	}
}

// WithTransformers sets the signal transformers every command goes through first.
func WithTransformers(chain signals.TransformerChain) GateOption {
	return func(g *Gate) {
		g.transformers = chain
	}
}

// WithPolicyLookupRetries bounds the retries of a policy lookup that failed
// with storage.ErrUnavailable.
func WithPolicyLookupRetries(maxRetries uint64, maxElapsed time.Duration) GateOption {
	return func(g *Gate) {
		g.policyRetries = maxRetries
		g.policyDeadline = maxElapsed
	}
}

// Gate is the entry point of the enforcement layer.
type Gate struct {
	policies  storage.PolicyLookup
	twins     storage.TwinStore
	router    Router
	publisher Publisher

	transformers   signals.TransformerChain
	shardCount     int
	mailboxSize    int
	idleTimeout    time.Duration
	policyRetries  uint64
	policyDeadline time.Duration
	logger         logger.Logger

	shards []*shard

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards closed; holding it for reading keeps Close from starting.
	mu     sync.RWMutex
	closed bool
}

type shard struct {
	mu        sync.Mutex
	processes map[string]*process
}

// NewGate returns a gate enforcing the policies of policies on commands for
// twins, routing live queries through router and publishing events through publisher.
func NewGate(policies storage.PolicyLookup, twins storage.TwinStore, router Router, publisher Publisher, opts ...GateOption) *Gate {
	g := &Gate{
		policies:       policies,
		twins:          twins,
		router:         router,
		publisher:      publisher,
		shardCount:     DefaultShards,
		mailboxSize:    DefaultMailboxSize,
		idleTimeout:    DefaultIdleTimeout,
		policyRetries:  DefaultPolicyLookupRetries,
		policyDeadline: DefaultPolicyLookupDeadline,
		logger:         logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(g)
	}

	g.shards = make([]*shard, g.shardCount)
	for i := range g.shards {
		g.shards[i] = &shard{processes: map[string]*process{}}
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	return g
}

func (g *Gate) shardFor(entityID string) *shard {
	return g.shards[xxhash.Sum64String(entityID)%uint64(len(g.shards))]
}

// acquire returns the process of entityID, starting it if needed, and counts
// one message in flight towards it.
func (g *Gate) acquire(entityID string) (*shard, *process, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return nil, nil, errGateClosed
	}

	s := g.shardFor(entityID)
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.processes[entityID]
	if !ok {
		p = newProcess(entityID, g.mailboxSize)
		s.processes[entityID] = p
		entityProcessesGauge.Inc()
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.loop(s, p)
		}()
	}
	p.inflight++
	return s, p, nil
}

// abandon undoes acquire for a message that never reached the mailbox.
func (s *shard) abandon(p *process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.inflight--
}

// received is called by the process after taking a message out of its mailbox.
func (s *shard) received(p *process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.inflight--
}

// retire removes p when nothing is on its way to it.
func (s *shard) retire(p *process) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.inflight > 0 || len(p.mailbox) > 0 {
		return false
	}
	delete(s.processes, p.entityID)
	entityProcessesGauge.Dec()
	return true
}

func (g *Gate) enqueue(ctx context.Context, entityID string, msg message) error {
	s, p, err := g.acquire(entityID)
	if err != nil {
		return err
	}
	select {
	case p.mailbox <- msg:
		return nil
	case <-ctx.Done():
		s.abandon(p)
		return ctx.Err()
	}
}

// Submit enqueues cmd with the process of its entity and returns a channel
// yielding exactly one response. Commands for one entity are handled in the
// order Submit enqueued them.
func (g *Gate) Submit(ctx context.Context, cmd signals.Command) <-chan signals.Response {
	reply := make(chan signals.Response, 1)
	if cmd.EntityID == "" {
		reply <- signals.NewErrorResponse(cmd, serverErrors.MalformedCommand(signals.ErrMissingEntityID))
		return reply
	}

	err := g.enqueue(ctx, cmd.EntityID, message{ctx: ctx, cmd: cmd, reply: reply, enqueued: time.Now()})
	if err != nil {
		reply <- signals.NewErrorResponse(cmd, serverErrors.Transient(err, "the enforcement gate"))
	}
	return reply
}

// Dispatch is Submit followed by waiting for the response.
func (g *Gate) Dispatch(ctx context.Context, cmd signals.Command) signals.Response {
	select {
	case resp := <-g.Submit(ctx, cmd):
		return resp
	case <-ctx.Done():
		return signals.NewErrorResponse(cmd, serverErrors.Transient(ctx.Err(), "the enforcement gate"))
	}
}

// InvalidatePolicy drops what the policy lookup cached for entityID. The
// notification is ordered with the commands of the entity: commands enqueued
// after it see the new policy.
func (g *Gate) InvalidatePolicy(ctx context.Context, entityID string) error {
	s := g.shardFor(entityID)
	s.mu.Lock()
	_, alive := s.processes[entityID]
	s.mu.Unlock()
	if !alive {
		g.invalidate(entityID)
		return nil
	}

	done := make(chan signals.Response, 1)
	if err := g.enqueue(ctx, entityID, message{ctx: ctx, invalidate: true, reply: done, enqueued: time.Now()}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gate) invalidate(entityID string) {
	if inv, ok := g.policies.(PolicyInvalidator); ok {
		inv.Invalidate(entityID)
	}
}

// Processes returns the number of entity processes alive.
func (g *Gate) Processes() int {
	n := 0
	for _, s := range g.shards {
		s.mu.Lock()
		n += len(s.processes)
		s.mu.Unlock()
	}
	return n
}

// Close rejects new commands, fails the ones still queued and waits for every
// process to retire.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	g.cancel()
	g.wg.Wait()
}

// redactResponse removes what the caller cannot read from a successful response.
func redactResponse(p *policy.Policy, cmd signals.Command, resource signals.ResourcePath, resp signals.Response) signals.Response {
	if resp.Failed() || len(resp.Payload) == 0 {
		return resp
	}
	redacted, ok := policy.Redact(p, cmd.AuthContext, resource, resp.Payload)
	if ok {
		resp.Payload = redacted
		return resp
	}
	if cmd.Kind.IsQuery() {
		return signals.NewErrorResponse(cmd, serverErrors.Unauthorized(cmd.EntityID, resource.String(), string(policy.PermissionRead)))
	}
	resp.Payload = nil
	return resp
}
