// Package smartchannel answers live queries. A query declaring a live channel
// condition is answered by the twin unless the condition holds for it; a query
// sent to the live channel is published to the live representatives of the
// entity and the first answer wins, with the twin as an optional fallback.
package smartchannel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openfga/twinguard/internal/build"
	"github.com/openfga/twinguard/internal/concurrency"
	"github.com/openfga/twinguard/internal/condition"
	"github.com/openfga/twinguard/pkg/logger"
	"github.com/openfga/twinguard/pkg/policy"
	"github.com/openfga/twinguard/pkg/pubsub"
	serverErrors "github.com/openfga/twinguard/pkg/server/errors"
	"github.com/openfga/twinguard/pkg/signals"
	"github.com/openfga/twinguard/pkg/storage"
	"github.com/openfga/twinguard/pkg/telemetry"
)

const (
	DefaultLiveChannelTimeout    = 10 * time.Second
	DefaultMaxLiveChannelTimeout = 60 * time.Second

	eventBufferSize = 8
)

var tracer = otel.Tracer("twinguard/internal/smartchannel")

var (
	liveQueryCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "live_query_count",
		Help:      "The total number of live queries by how they were resolved.",
	}, []string{"outcome"})

	liveQueryDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                       build.ProjectName,
		Name:                            "live_query_duration_ms",
		Help:                            "The time (in ms) from the start of a live query until it was resolved.",
		Buckets:                         []float64{1, 5, 10, 25, 50, 100, 500, 1000, 5000, 10000, 60000},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	}, []string{"outcome"})

	discardedLiveResponseCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "live_response_discarded_count",
		Help:      "The total number of live responses that found no pending query.",
	})

	protocolViolationCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "live_protocol_violation_count",
		Help:      "The total number of live publishes dropped because a query with the same correlation id was pending.",
	})

	conditionErrorCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "live_condition_evaluation_error_count",
		Help:      "The total number of live channel conditions that could not be evaluated against a twin.",
	})
)

var errMissingCorrelationID = errors.New("live query has no correlation id")

// Publisher publishes envelopes on a topic. *pubsub.Registry implements it.
type Publisher interface {
	Publish(ctx context.Context, topic string, env signals.Envelope) (int, error)
}

type SelectorOption func(*Selector)

func WithLogger(l logger.Logger) SelectorOption {
	return func(s *Selector) {
		s.logger = l
	}
}

// WithReplicaID sets the id live responders address their answers to.
func WithReplicaID(id string) SelectorOption {
	return func(s *Selector) {
		s.replicaID = id
	}
}

// WithLiveChannelTimeout sets the deadline of queries that do not carry a timeout header.
func WithLiveChannelTimeout(d time.Duration) SelectorOption {
	return func(s *Selector) {
		s.liveTimeout = d
	}
}

// WithMaxLiveChannelTimeout caps the deadline a caller may ask for.
func WithMaxLiveChannelTimeout(d time.Duration) SelectorOption {
	return func(s *Selector) {
		s.maxLiveTimeout = d
	}
}

// WithDefaultTimeoutStrategy sets the strategy of queries without a
// live-channel-timeout-strategy header.
func WithDefaultTimeoutStrategy(strategy signals.TimeoutStrategy) SelectorOption {
	return func(s *Selector) {
		s.defaultStrategy = strategy
	}
}

// WithConditionCache shares a compiled condition cache. The caller keeps
// ownership of it.
func WithConditionCache(c *condition.Cache) SelectorOption {
	return func(s *Selector) {
		s.conditions = c
	}
}

// Selector owns the pending live queries of one replica.
type Selector struct {
	twins     storage.TwinReader
	publisher Publisher

	conditions     *condition.Cache
	ownsConditions bool

	replicaID       string
	liveTimeout     time.Duration
	maxLiveTimeout  time.Duration
	defaultStrategy signals.TimeoutStrategy
	logger          logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*pendingQuery
	closed  bool
}

// NewSelector returns a selector reading twins from twins and publishing live
// commands through publisher.
func NewSelector(twins storage.TwinReader, publisher Publisher, opts ...SelectorOption) (*Selector, error) {
	s := &Selector{
		twins:           twins,
		publisher:       publisher,
		replicaID:       "local",
		liveTimeout:     DefaultLiveChannelTimeout,
		maxLiveTimeout:  DefaultMaxLiveChannelTimeout,
		defaultStrategy: signals.TimeoutStrategyFail,
		logger:          logger.NewNoopLogger(),
		pending:         map[string]*pendingQuery{},
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.conditions == nil {
		cache, err := condition.NewCache(0)
		if err != nil {
			return nil, err
		}
		s.conditions = cache
		s.ownsConditions = true
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

type pendingQuery struct {
	cmd      signals.Command
	resource signals.ResourcePath
	cond     *condition.Condition
	visible  policy.Visibility
	timeout  time.Duration
	strategy signals.TimeoutStrategy

	events chan event

	// owned by the query loop
	state State
}

func (s *Selector) newQuery(cmd signals.Command) (*pendingQuery, *serverErrors.Error) {
	if cmd.CorrelationID() == "" {
		return nil, serverErrors.MalformedCommand(errMissingCorrelationID)
	}

	resource, err := cmd.Resource()
	if err != nil {
		return nil, serverErrors.MalformedCommand(err)
	}

	timeout, _, err := cmd.Headers.Timeout()
	if err != nil {
		return nil, serverErrors.MalformedCommand(err)
	}
	if timeout == 0 {
		timeout = s.liveTimeout
	}
	timeout = min(timeout, s.maxLiveTimeout)

	strategy, ok, err := cmd.Headers.TimeoutStrategy()
	if err != nil {
		return nil, serverErrors.MalformedCommand(err)
	}
	if !ok {
		strategy = s.defaultStrategy
	}

	q := &pendingQuery{
		cmd:      cmd,
		resource: resource,
		timeout:  timeout,
		strategy: strategy,
		events:   make(chan event, eventBufferSize),
		state:    StateIdle,
	}

	if expr, ok := cmd.Headers.LiveChannelCondition(); ok {
		q.cond, err = s.conditions.Compile(expr)
		if err != nil {
			return nil, serverErrors.MalformedCommand(err)
		}
	}
	return q, nil
}

// Route starts resolving the live query cmd and returns a channel yielding its
// one response. A live channel condition only sees what visible leaves of the
// twin; a nil visible leaves the whole twin. A second query for a correlation
// id that is still pending is answered with a protocol violation and never
// published.
func (s *Selector) Route(ctx context.Context, cmd signals.Command, visible policy.Visibility) <-chan signals.Response {
	out := make(chan signals.Response, 1)
	cid := cmd.CorrelationID()

	q, qerr := s.newQuery(cmd)
	if qerr != nil {
		liveQueryCounter.WithLabelValues(string(outcomeRejected)).Inc()
		out <- signals.NewErrorResponse(cmd, qerr)
		return out
	}
	q.visible = visible

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		out <- signals.NewErrorResponse(cmd, serverErrors.Transient(context.Canceled, "the live channel"))
		return out
	}
	if _, dup := s.pending[cid]; dup {
		s.mu.Unlock()
		protocolViolationCounter.Inc()
		s.logger.ErrorWithContext(ctx, "duplicate live publish dropped",
			zap.String("entity_id", cmd.EntityID),
			zap.String("correlation_id", cid))
		out <- signals.NewErrorResponse(cmd, serverErrors.ProtocolViolation(cid))
		return out
	}
	s.pending[cid] = q
	s.wg.Add(1)
	s.mu.Unlock()

	qctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer stop()
		out <- s.run(qctx, q)
	}()
	return out
}

// run drives q until it resolves. It is the only goroutine touching q.state.
func (s *Selector) run(ctx context.Context, q *pendingQuery) signals.Response {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctx, span := tracer.Start(ctx, "smartchannel.Resolve", trace.WithAttributes(
		telemetry.SignalAttributes(q.cmd.EntityID, q.cmd.CorrelationID())...,
	))
	defer span.End()

	start := time.Now()
	var (
		twin      *event
		twinAsked bool
		matched   bool
		timer     *time.Timer
		deadline  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	resolve := func(o outcome, resp signals.Response) signals.Response {
		s.release(q)
		q.state = StateResolved
		liveQueryCounter.WithLabelValues(string(o)).Inc()
		liveQueryDurationHistogram.WithLabelValues(string(o)).Observe(float64(time.Since(start).Milliseconds()))
		span.SetAttributes(attribute.String("outcome", string(o)), attribute.Bool("condition_matched", matched))
		if resp.Err != nil {
			telemetry.TraceError(span, resp.Err)
		}
		s.logger.DebugWithContext(ctx, "live query resolved",
			zap.String("entity_id", q.cmd.EntityID),
			zap.String("correlation_id", q.cmd.CorrelationID()),
			zap.String("outcome", string(o)))
		return resp
	}

	readTwin := func() {
		twinAsked = true
		go func() {
			state, err := s.twins.Read(ctx, q.cmd.EntityID)
			concurrency.TrySendThroughChannel(ctx, event{kind: eventTwin, twin: state, twinErr: err}, q.events)
		}()
	}

	goLive := func() {
		q.state = StateAwaitingLive
		live := q.cmd.WithHeaders(signals.Headers{
			signals.HeaderChannel:          string(signals.ChannelLive),
			signals.HeaderResponseReceiver: s.replicaID,
		})
		go func() {
			n, err := s.publisher.Publish(ctx, signals.TopicLiveCommands, signals.CommandEnvelope(live))
			concurrency.TrySendThroughChannel(ctx, event{kind: eventPublished, delivered: n, publishErr: err}, q.events)
		}()
		timer = time.NewTimer(q.timeout)
		deadline = timer.C
	}

	if q.cond != nil {
		q.state = StateAwaitingTwin
		readTwin()
	} else {
		goLive()
		if q.strategy == signals.TimeoutStrategyUseTwin {
			readTwin()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return resolve(outcomeCanceled, signals.NewErrorResponse(q.cmd, serverErrors.Transient(ctx.Err(), "the live channel")))

		case <-deadline:
			deadline = nil
			if q.strategy != signals.TimeoutStrategyUseTwin {
				return resolve(outcomeTimeout, signals.NewErrorResponse(q.cmd, serverErrors.LiveTimeout(q.timeout)))
			}
			q.state = StateTimedOutFallback
			if twin != nil {
				return resolve(outcomeFallback, s.twinResponse(q, twin))
			}
			if !twinAsked {
				readTwin()
			}

		case ev := <-q.events:
			switch ev.kind {
			case eventTwin:
				twin = &ev
				switch q.state {
				case StateAwaitingTwin:
					if ev.twinErr != nil {
						return resolve(outcomeTwin, s.twinResponse(q, twin))
					}
					if !s.conditionMet(ctx, q, ev.twin) {
						return resolve(outcomeTwin, s.twinResponse(q, twin))
					}
					matched = true
					goLive()
				case StateTimedOutFallback:
					return resolve(outcomeFallback, s.twinResponse(q, twin))
				}

			case eventPublished:
				if ev.publishErr != nil {
					s.logger.WarnWithContext(ctx, "live command not delivered to every subscriber",
						zap.String("correlation_id", q.cmd.CorrelationID()),
						zap.Int("subscribers", ev.delivered),
						zap.Error(ev.publishErr))
				} else if ev.delivered == 0 {
					s.logger.DebugWithContext(ctx, "no live subscriber for live command",
						zap.String("correlation_id", q.cmd.CorrelationID()))
				}

			case eventLive:
				if q.state != StateAwaitingLive {
					discardedLiveResponseCounter.Inc()
					continue
				}
				if !ev.response.Failed() {
					return resolve(outcomeLive, s.liveResponse(q, ev.response, matched))
				}
				if q.strategy != signals.TimeoutStrategyUseTwin {
					return resolve(outcomeLiveError, s.liveResponse(q, ev.response, false))
				}
				// a live error falls back like a timeout
				deadline = nil
				q.state = StateTimedOutFallback
				if twin != nil {
					return resolve(outcomeFallback, s.twinResponse(q, twin))
				}
				if !twinAsked {
					readTwin()
				}
			}
		}
	}
}

// conditionMet evaluates the condition of q on the part of twin the caller can
// read. A condition that cannot be evaluated is reported and counts as not met.
func (s *Selector) conditionMet(ctx context.Context, q *pendingQuery, twin *storage.TwinState) bool {
	if twin == nil || twin.Deleted {
		return false
	}
	document := twin.Payload
	if q.visible != nil {
		var ok bool
		if document, ok = q.visible(document); !ok {
			return false
		}
	}
	met, err := q.cond.Evaluate(document)
	if err != nil {
		conditionErrorCounter.Inc()
		s.logger.WarnWithContext(ctx, "live channel condition could not be evaluated",
			zap.String("entity_id", q.cmd.EntityID),
			zap.String("condition", q.cond.Expression),
			zap.Error(err))
		return false
	}
	return met
}

func (s *Selector) twinResponse(q *pendingQuery, ev *event) signals.Response {
	if ev.twinErr != nil {
		return signals.NewErrorResponse(q.cmd, storage.TwinError(q.cmd.EntityID, ev.twinErr))
	}
	view, err := ev.twin.View(q.resource)
	if err != nil {
		return signals.NewErrorResponse(q.cmd, storage.TwinError(q.cmd.EntityID, err))
	}
	return signals.NewResponse(q.cmd, view)
}

// liveResponse binds a live answer to the query it resolves.
func (s *Selector) liveResponse(q *pendingQuery, resp signals.Response, matched bool) signals.Response {
	resp.EntityID = q.cmd.EntityID
	resp.ResourcePath = q.cmd.ResourcePath
	resp.Headers = resp.Headers.Without(signals.HeaderResponseReceiver).
		With(signals.HeaderCorrelationID, q.cmd.CorrelationID())
	if rs, ok := q.cmd.Headers[signals.HeaderReadSubjects]; ok {
		resp.Headers[signals.HeaderReadSubjects] = rs
	}
	if matched {
		resp.Headers[signals.HeaderLiveChannelConditionMatched] = "true"
	}
	if resp.Err != nil {
		resp.Err = resp.Err.WithCorrelation(q.cmd.EntityID, q.cmd.CorrelationID())
	}
	return resp
}

func (s *Selector) release(q *pendingQuery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[q.cmd.CorrelationID()] == q {
		delete(s.pending, q.cmd.CorrelationID())
	}
}

// HandleLiveResponse hands resp to the query waiting for it and reports whether
// one was. Responses addressed to another replica are published on that
// replica's live responses topic. A response without a pending query is discarded.
func (s *Selector) HandleLiveResponse(ctx context.Context, resp signals.Response) bool {
	cid := resp.CorrelationID()

	if receiver := resp.Headers.ResponseReceiver(); receiver != "" && receiver != s.replicaID {
		n, err := s.publisher.Publish(ctx, signals.LiveResponsesTopic(receiver), signals.ResponseEnvelope(resp))
		if err != nil || n == 0 {
			discardedLiveResponseCounter.Inc()
			s.logger.WarnWithContext(ctx, "live response could not be routed to its receiver",
				zap.String("correlation_id", cid),
				zap.String("receiver", receiver),
				zap.Error(err))
			return false
		}
		return true
	}

	s.mu.Lock()
	q, ok := s.pending[cid]
	accepted := ok && concurrency.TrySendWithoutBlocking(event{kind: eventLive, response: resp}, q.events)
	s.mu.Unlock()

	if !accepted {
		discardedLiveResponseCounter.Inc()
		s.logger.DebugWithContext(ctx, "discarding live response without pending query",
			zap.String("entity_id", resp.EntityID),
			zap.String("correlation_id", cid))
	}
	return accepted
}

// Subscriber receives the live responses other replicas route to this one.
// It must be subscribed to signals.LiveResponsesTopic of the replica id.
func (s *Selector) Subscriber() pubsub.Subscriber {
	return pubsub.NewSubscriberFunc(signals.LiveResponsesTopic(s.replicaID), func(ctx context.Context, _ string, env signals.Envelope) error {
		if env.Response != nil {
			s.HandleLiveResponse(ctx, *env.Response)
		}
		return nil
	})
}

// Pending returns the number of unresolved queries.
func (s *Selector) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close resolves every pending query with a transient error and waits for them.
func (s *Selector) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	if s.ownsConditions {
		s.conditions.Close()
	}
}
