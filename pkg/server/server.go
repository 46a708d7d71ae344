// Package server wires the enforcement layer of twinguard: policy lookup and
// twin persistence, the topic registry, the smart channel, the per-entity
// enforcement gate and the client-facing backpressure gate.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/openfga/twinguard/internal/backpressure"
	"github.com/openfga/twinguard/internal/condition"
	"github.com/openfga/twinguard/internal/enforcement"
	"github.com/openfga/twinguard/internal/smartchannel"
	"github.com/openfga/twinguard/pkg/logger"
	"github.com/openfga/twinguard/pkg/policy"
	"github.com/openfga/twinguard/pkg/pubsub"
	"github.com/openfga/twinguard/pkg/server/config"
	serverErrors "github.com/openfga/twinguard/pkg/server/errors"
	"github.com/openfga/twinguard/pkg/signals"
	"github.com/openfga/twinguard/pkg/storage"
	"github.com/openfga/twinguard/pkg/storage/storagewrappers"
	"github.com/openfga/twinguard/pkg/telemetry"
)

var tracer = otel.Tracer("twinguard/pkg/server")

// Server is the composition root of one twinguard replica.
type Server struct {
	datastore storage.Datastore
	transport pubsub.Transport
	peers     []string
	cfg       *config.Config
	logger    logger.Logger

	policies   *storagewrappers.CachedPolicyLookup
	conditions *condition.Cache
	registry   *pubsub.Registry
	selector   *smartchannel.Selector
	gate       *enforcement.Gate
	admission  *backpressure.Gate

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type TwinguardServiceOption func(s *Server)

// WithDatastore sets the datastore of policies and twins. The server closes it.
func WithDatastore(ds storage.Datastore) TwinguardServiceOption {
	return func(s *Server) {
		s.datastore = ds
	}
}

func WithLogger(l logger.Logger) TwinguardServiceOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithConfig sets the configuration. It is verified by NewServerWithOpts.
func WithConfig(cfg *config.Config) TwinguardServiceOption {
	return func(s *Server) {
		s.cfg = cfg
	}
}

// WithTransport sets how the registry reaches the replicas named by peers.
// Without it the registry is local to this replica.
func WithTransport(t pubsub.Transport, peers ...string) TwinguardServiceOption {
	return func(s *Server) {
		s.transport = t
		s.peers = peers
	}
}

// NewServerWithOpts returns a new server. You must call Close on it after you are done using it.
func NewServerWithOpts(opts ...TwinguardServiceOption) (*Server, error) {
	s := &Server{
		cfg:    config.DefaultConfig(),
		logger: logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.datastore == nil {
		return nil, errors.New("a datastore option must be provided")
	}
	if err := s.cfg.Verify(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := s.build(); err != nil {
		s.closeComponents()
		return nil, err
	}
	return s, nil
}

func (s *Server) build() error {
	cfg := s.cfg
	replicaID := cfg.Cluster.ReplicaID

	policyCache, err := storage.NewInMemoryLRUCache[*policy.Policy](
		storage.WithMaxCacheSize[*policy.Policy](cfg.Enforcement.PolicyCacheSize),
	)
	if err != nil {
		return fmt.Errorf("policy cache: %w", err)
	}
	s.policies = storagewrappers.NewCachedPolicyLookup(s.datastore, policyCache,
		storagewrappers.WithCachedPolicyLookupLogger(s.logger),
		storagewrappers.WithCachedPolicyLookupTTL(cfg.Enforcement.PolicyCacheTTL),
	)

	var twins storage.TwinStore = storagewrappers.NewBoundedConcurrencyTwinStore(s.datastore, cfg.Enforcement.MaxConcurrentTwinStoreOps)
	twins = storagewrappers.NewRetryingTwinStore(twins, cfg.Enforcement.TwinStoreMaxRetries, cfg.Enforcement.TwinStoreRetryDeadline)

	if s.transport == nil {
		s.transport = pubsub.NewMemoryNetwork().Transport(replicaID)
		s.peers = nil
	}
	s.registry = pubsub.NewRegistry(replicaID, s.transport,
		pubsub.WithPeers(s.peers...),
		pubsub.WithLogger(s.logger),
		pubsub.WithGossipInterval(cfg.Cluster.GossipPeriod),
		pubsub.WithRetryTimeout(cfg.Cluster.RetryTimeout),
	)

	s.conditions, err = condition.NewCache(cfg.SmartChannel.ConditionCacheSize)
	if err != nil {
		return fmt.Errorf("condition cache: %w", err)
	}
	strategy, err := signals.ParseTimeoutStrategy(cfg.SmartChannel.DefaultTimeoutStrategy)
	if err != nil {
		return err
	}
	s.selector, err = smartchannel.NewSelector(twins, s.registry,
		smartchannel.WithLogger(s.logger),
		smartchannel.WithReplicaID(replicaID),
		smartchannel.WithLiveChannelTimeout(cfg.SmartChannel.LiveChannelTimeout),
		smartchannel.WithMaxLiveChannelTimeout(cfg.SmartChannel.MaxLiveChannelTimeout),
		smartchannel.WithDefaultTimeoutStrategy(strategy),
		smartchannel.WithConditionCache(s.conditions),
	)
	if err != nil {
		return fmt.Errorf("smart channel: %w", err)
	}

	consistency, err := pubsub.ParseConsistency(cfg.Cluster.SubscriptionConsistency)
	if err != nil {
		return err
	}
	// other replicas learn the subscription through gossip when they are not reachable now
	err = s.registry.Subscribe(context.Background(), []string{signals.LiveResponsesTopic(replicaID)}, s.selector.Subscriber(), consistency, false)
	if err != nil {
		return fmt.Errorf("subscribing to live responses: %w", err)
	}

	transformers, err := signals.NewTransformerChain(cfg.Enforcement.Transformers...)
	if err != nil {
		return err
	}
	s.gate = enforcement.NewGate(s.policies, twins, s.selector, s.registry,
		enforcement.WithLogger(s.logger),
		enforcement.WithShards(cfg.Enforcement.Shards),
		enforcement.WithMailboxSize(cfg.Enforcement.MailboxSize),
		enforcement.WithIdleTimeout(cfg.Enforcement.IdleTimeout),
		enforcement.WithTransformers(transformers),
		enforcement.WithPolicyLookupRetries(cfg.Enforcement.PolicyLookupMaxRetries, cfg.Enforcement.PolicyLookupDeadline),
	)

	err = s.registry.Subscribe(context.Background(), []string{signals.TopicPolicyChanged}, s.policyWatcher(), consistency, false)
	if err != nil {
		return fmt.Errorf("subscribing to policy changes: %w", err)
	}

	sniffer, err := backpressure.NewSniffer(cfg.Websocket.Sniffer, s.logger)
	if err != nil {
		return err
	}
	s.admission = backpressure.NewGate(s.gate, s.registry, s.selector, backpressure.Config{
		InboundQueueSize:          cfg.Websocket.SubscriberBackpressureQueueSize,
		OutboundBufferSize:        cfg.Websocket.PublisherBackpressureBufferSize,
		ThrottlingEnabled:         cfg.Websocket.Throttling.Enabled,
		ThrottlingInterval:        cfg.Websocket.Throttling.Interval,
		ThrottlingLimit:           cfg.Websocket.Throttling.Limit,
		ThrottlingRejectionFactor: cfg.Websocket.ThrottlingRejectionFactor,
	}, backpressure.WithLogger(s.logger), backpressure.WithSniffer(sniffer))

	if len(s.peers) > 0 {
		var ctx context.Context
		ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.registry.Run(ctx)
		}()
	}

	s.logger.Info("server components ready",
		zap.String("replica_id", replicaID),
		zap.Strings("peers", s.peers),
		zap.String("default_timeout_strategy", string(strategy)))
	return nil
}

// Connect admits a client connection for auth.
func (s *Server) Connect(ctx context.Context, auth signals.AuthorizationContext) (*backpressure.Connection, error) {
	return s.admission.Connect(ctx, auth)
}

// Dispatch enforces cmd and waits for its single response, bypassing the
// client connection queues.
func (s *Server) Dispatch(ctx context.Context, cmd signals.Command) signals.Response {
	ctx, span := tracer.Start(ctx, "Dispatch")
	defer span.End()

	resp := s.gate.Dispatch(ctx, cmd)
	if resp.Err != nil {
		telemetry.TraceError(span, resp.Err)
	}
	return resp
}

// HandleLiveResponse hands an answer given on the live channel to the query
// waiting for it, on whichever replica that is.
func (s *Server) HandleLiveResponse(ctx context.Context, resp signals.Response) bool {
	return s.selector.HandleLiveResponse(ctx, resp)
}

// InvalidatePolicy makes the next command of entityID see the stored policy,
// on this replica and on every replica the policy-changed topic reaches. A
// replica that cannot be told sees the change once its cached policy expires.
func (s *Server) InvalidatePolicy(ctx context.Context, entityID string) error {
	if err := s.gate.InvalidatePolicy(ctx, entityID); err != nil {
		return serverErrors.Transient(err, "the policy invalidation")
	}

	event := signals.Event{EntityID: entityID, Name: signals.EventPolicyChanged}
	if _, err := s.registry.Publish(ctx, signals.TopicPolicyChanged, signals.EventEnvelope(event)); err != nil {
		s.logger.WarnWithContext(ctx, "policy change not announced to every replica",
			zap.String("entity_id", entityID),
			zap.Error(err))
	}
	return nil
}

// policyWatcher turns policy-changed events into local invalidations.
func (s *Server) policyWatcher() pubsub.Subscriber {
	return pubsub.NewSubscriberFunc(signals.PolicyWatcherID(s.cfg.Cluster.ReplicaID), func(ctx context.Context, _ string, env signals.Envelope) error {
		if env.Event == nil || env.Event.Name != signals.EventPolicyChanged {
			return nil
		}
		return s.gate.InvalidatePolicy(ctx, env.Event.EntityID)
	})
}

// WritePolicy stores p for entityID and invalidates what was cached of the previous one.
func (s *Server) WritePolicy(ctx context.Context, entityID string, p *policy.Policy) error {
	if err := s.datastore.WritePolicy(ctx, entityID, p); err != nil {
		return serverErrors.HandleError("", err)
	}
	return s.InvalidatePolicy(ctx, entityID)
}

// Registry returns the topic registry, to be served to the other replicas.
func (s *Server) Registry() *pubsub.Registry {
	return s.registry
}

// IsReady reports whether the server is ready to accept traffic.
func (s *Server) IsReady(ctx context.Context) (bool, error) {
	status, err := s.datastore.IsReady(ctx)
	if err != nil {
		return false, err
	}
	if !status.IsReady {
		s.logger.WarnWithContext(ctx, "datastore is not ready", zap.String("status", status.Message))
	}
	return status.IsReady, nil
}

// Close rejects new connections and commands, resolves what is pending and
// releases every component, the datastore included.
func (s *Server) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if s.admission != nil {
			err = s.admission.Close(ctx)
		}
		s.closeComponents()
	})
	return err
}

func (s *Server) closeComponents() {
	if s.gate != nil {
		s.gate.Close()
	}
	if s.selector != nil {
		s.selector.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.registry != nil {
		s.registry.Close()
	}
	if s.conditions != nil {
		s.conditions.Close()
	}
	if s.policies != nil {
		s.policies.Close()
	}
	s.datastore.Close()
}
