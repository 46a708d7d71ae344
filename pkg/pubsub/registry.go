// Package pubsub holds the cluster replicated topic subscription registry. Each
// replica keeps the full (topic, subscriber) map, merged last-writer-wins, and
// delivers publishes to the subscribers it currently knows of.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openfga/twinguard/internal/build"
	"github.com/openfga/twinguard/internal/concurrency"
	"github.com/openfga/twinguard/pkg/logger"
	"github.com/openfga/twinguard/pkg/signals"
	"github.com/openfga/twinguard/pkg/telemetry"
)

var tracer = otel.Tracer("twinguard/pkg/pubsub")

var (
	subscriptionUpdateCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "subscription_updates_total",
		Help:      "The total number of local subscription updates by consistency level and outcome.",
	}, []string{"consistency", "outcome"})

	publishedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "published_deliveries_total",
		Help:      "The total number of envelopes handed to subscribers.",
	})

	deliveryFailureCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "published_delivery_failures_total",
		Help:      "The total number of deliveries that failed after retries.",
	})
)

const (
	defaultFanOut         = 16
	defaultGossipInterval = 5 * time.Second
	defaultRetryTimeout   = 5 * time.Second
)

type RegistryOption func(*Registry)

// WithPeers sets the ids of the other replicas of the cluster.
func WithPeers(peers ...string) RegistryOption {
	return func(r *Registry) {
		r.peers = append([]string(nil), peers...)
	}
}

func WithLogger(l logger.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithFanOut bounds the number of concurrent deliveries of one publish.
func WithFanOut(n int) RegistryOption {
	return func(r *Registry) {
		r.fanOut = n
	}
}

func WithGossipInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.gossipInterval = d
	}
}

// WithRetryTimeout bounds how long a replication or a forward to one peer is retried.
func WithRetryTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.retryTimeout = d
	}
}

// Registry is one replica of the topic subscription map.
type Registry struct {
	id        string
	peers     []string
	transport Transport

	fanOut         int
	gossipInterval time.Duration
	retryTimeout   time.Duration
	logger         logger.Logger

	mu      sync.RWMutex
	entries map[entryKey]Entry
	clock   uint64
	local   map[string]Subscriber
	closed  bool

	// background replication outlives the call that started it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Node = (*Registry)(nil)

// NewRegistry creates the replica id reaching its peers through transport.
func NewRegistry(id string, transport Transport, opts ...RegistryOption) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		id:             id,
		transport:      transport,
		fanOut:         defaultFanOut,
		gossipInterval: defaultGossipInterval,
		retryTimeout:   defaultRetryTimeout,
		logger:         logger.NewNoopLogger(),
		entries:        map[entryKey]Entry{},
		local:          map[string]Subscriber{},
		ctx:            ctx,
		cancel:         cancel,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// ID returns the replica id.
func (r *Registry) ID() string {
	return r.id
}

// ClusterSize is the number of replicas, self included.
func (r *Registry) ClusterSize() int {
	return len(r.peers) + 1
}

// Subscribe adds sub to topics. With acknowledge the call returns once the
// replicas required by consistency applied the update.
func (r *Registry) Subscribe(ctx context.Context, topics []string, sub Subscriber, consistency Consistency, acknowledge bool) error {
	ctx, span := tracer.Start(ctx, "pubsub.Subscribe", trace.WithAttributes(
		attribute.String("subscriber", sub.ID()),
		attribute.StringSlice("topics", topics),
		attribute.String("consistency", string(consistency)),
	))
	defer span.End()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	r.local[sub.ID()] = sub
	delta := r.updateLocked(topics, sub.ID(), true)
	r.wg.Add(len(r.peers))
	r.mu.Unlock()

	err := r.replicate(ctx, delta, consistency, acknowledge)
	if err != nil {
		telemetry.TraceError(span, err)
	}
	return err
}

// Unsubscribe removes the subscriber from topics.
func (r *Registry) Unsubscribe(ctx context.Context, topics []string, subscriberID string, consistency Consistency, acknowledge bool) error {
	ctx, span := tracer.Start(ctx, "pubsub.Unsubscribe", trace.WithAttributes(
		attribute.String("subscriber", subscriberID),
		attribute.StringSlice("topics", topics),
		attribute.String("consistency", string(consistency)),
	))
	defer span.End()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	delta := r.updateLocked(topics, subscriberID, false)
	if !r.ownsSubscriptionLocked(subscriberID) {
		delete(r.local, subscriberID)
	}
	r.wg.Add(len(r.peers))
	r.mu.Unlock()

	err := r.replicate(ctx, delta, consistency, acknowledge)
	if err != nil {
		telemetry.TraceError(span, err)
	}
	return err
}

func (r *Registry) updateLocked(topics []string, subscriberID string, subscribed bool) []Entry {
	delta := make([]Entry, 0, len(topics))
	for _, topic := range topics {
		r.clock++
		e := Entry{
			Topic:      topic,
			Subscriber: subscriberID,
			Owner:      r.id,
			Subscribed: subscribed,
			Clock:      r.clock,
			Writer:     r.id,
		}
		r.entries[e.key()] = e
		delta = append(delta, e)
	}
	return delta
}

func (r *Registry) ownsSubscriptionLocked(subscriberID string) bool {
	for _, e := range r.entries {
		if e.Subscriber == subscriberID && e.Owner == r.id && e.Subscribed {
			return true
		}
	}
	return false
}

// replicate sends delta to every peer. The caller has added the peers to wg
// while holding the lock, so Close cannot miss them.
func (r *Registry) replicate(ctx context.Context, delta []Entry, consistency Consistency, acknowledge bool) error {
	required := consistency.Required(r.ClusterSize())

	results := make(chan error, len(r.peers))
	for _, peer := range r.peers {
		go func() {
			defer r.wg.Done()
			results <- r.retry(r.ctx, func(ctx context.Context) error {
				return r.transport.Replicate(ctx, peer, delta)
			})
		}()
	}

	if !acknowledge {
		subscriptionUpdateCounter.WithLabelValues(string(consistency), "unacknowledged").Inc()
		return nil
	}

	applied := 1
	var errs []error
wait:
	for i := 0; i < len(r.peers) && applied < required; i++ {
		select {
		case err := <-results:
			if err != nil {
				errs = append(errs, err)
				continue
			}
			applied++
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
			break wait
		}
	}

	if applied >= required {
		subscriptionUpdateCounter.WithLabelValues(string(consistency), "acknowledged").Inc()
		return nil
	}

	subscriptionUpdateCounter.WithLabelValues(string(consistency), "not_reached").Inc()
	return fmt.Errorf("%w: %d of %d required replicas: %w", ErrConsistencyNotReached, applied, required, errors.Join(errs...))
}

func (r *Registry) retry(ctx context.Context, op func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(10*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
		backoff.WithMaxElapsedTime(r.retryTimeout),
	)
	return backoff.Retry(func() error {
		err := op(ctx)
		if errors.Is(err, ErrSubscriberNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

// Publish hands env to every subscriber of topic known to this replica and
// returns how many subscribers there were. Deliveries to other replicas are
// retried, a failure after retries is part of the returned error.
func (r *Registry) Publish(ctx context.Context, topic string, env signals.Envelope) (int, error) {
	ctx, span := tracer.Start(ctx, "pubsub.Publish", trace.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("correlation_id", env.CorrelationID()),
	))
	defer span.End()

	targets := r.subscriptions(topic)
	span.SetAttributes(attribute.Int("subscribers", len(targets)))

	p := concurrency.NewFanOutPool(ctx, r.fanOut)
	for _, e := range targets {
		p.Go(func(ctx context.Context) error {
			err := r.deliver(ctx, e, env)
			if err != nil {
				deliveryFailureCounter.Inc()
				r.logger.WarnWithContext(ctx, "publish delivery failed",
					zap.String("topic", topic),
					zap.String("subscriber", e.Subscriber),
					zap.String("owner", e.Owner),
					zap.Error(err))
				return fmt.Errorf("deliver to '%s': %w", e.Subscriber, err)
			}
			publishedCounter.Inc()
			return nil
		})
	}

	err := p.Wait()
	if err != nil {
		telemetry.TraceError(span, err)
	}
	return len(targets), err
}

func (r *Registry) deliver(ctx context.Context, e Entry, env signals.Envelope) error {
	if e.Owner == r.id {
		return r.deliverLocal(ctx, e.Topic, e.Subscriber, env)
	}
	return r.retry(ctx, func(ctx context.Context) error {
		return r.transport.Forward(ctx, e.Owner, Delivery{Topic: e.Topic, Subscriber: e.Subscriber, Envelope: env})
	})
}

func (r *Registry) deliverLocal(ctx context.Context, topic, subscriberID string, env signals.Envelope) error {
	r.mu.RLock()
	sub, ok := r.local[subscriberID]
	r.mu.RUnlock()
	if !ok {
		return ErrSubscriberNotFound
	}
	return sub.Deliver(ctx, topic, env)
}

func (r *Registry) subscriptions(topic string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	for _, e := range r.entries {
		if e.Topic == topic && e.Subscribed {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

// Subscribers returns the ids subscribed to topic as seen by this replica.
func (r *Registry) Subscribers(topic string) []string {
	entries := r.subscriptions(topic)
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.Subscriber
	}
	return ids
}

// Snapshot returns every entry, removals included, in a stable order.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

func (r *Registry) merge(entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range entries {
		if e.Clock > r.clock {
			r.clock = e.Clock
		}
		cur, ok := r.entries[e.key()]
		if !ok || e.newerThan(cur) {
			r.entries[e.key()] = e
		}
	}
}

// HandleReplicate see [Node].HandleReplicate.
func (r *Registry) HandleReplicate(_ context.Context, entries []Entry) error {
	r.merge(entries)
	return nil
}

// HandleExchange see [Node].HandleExchange.
func (r *Registry) HandleExchange(_ context.Context, entries []Entry) ([]Entry, error) {
	r.merge(entries)
	return r.Snapshot(), nil
}

// HandleForward see [Node].HandleForward.
func (r *Registry) HandleForward(ctx context.Context, d Delivery) error {
	return r.deliverLocal(ctx, d.Topic, d.Subscriber, d.Envelope)
}

// Gossip runs one push-pull anti-entropy round with every peer.
func (r *Registry) Gossip(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "pubsub.Gossip")
	defer span.End()

	snapshot := r.Snapshot()
	p := concurrency.NewFanOutPool(ctx, r.fanOut)
	for _, peer := range r.peers {
		p.Go(func(ctx context.Context) error {
			remote, err := r.transport.Exchange(ctx, peer, snapshot)
			if err != nil {
				return fmt.Errorf("gossip with '%s': %w", peer, err)
			}
			r.merge(remote)
			return nil
		})
	}
	return p.Wait()
}

// Run gossips every gossip interval until ctx is done or the registry is closed.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.gossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.Gossip(ctx); err != nil {
				r.logger.Debug("gossip round incomplete", zap.String("replica", r.id), zap.Error(err))
			}
		}
	}
}

// Close stops background replication and waits for it to end.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

// Peers returns the ids of the other replicas in a stable order.
func (r *Registry) Peers() []string {
	peers := append([]string(nil), r.peers...)
	sort.Strings(peers)
	return peers
}
