package storagewrappers

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/openfga/twinguard/internal/build"
	"github.com/openfga/twinguard/pkg/logger"
	"github.com/openfga/twinguard/pkg/policy"
	"github.com/openfga/twinguard/pkg/storage"
)

var (
	tracer = otel.Tracer("twinguard/pkg/storage/storagewrappers")

	_ storage.PolicyLookup = (*CachedPolicyLookup)(nil)

	policyCacheTotalCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "policy_cache_total_count",
		Help:      "The total number of policy lookups through the cache.",
	})

	policyCacheHitCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "policy_cache_hit_count",
		Help:      "The total number of policy lookups served from the cache.",
	})

	policyCacheInvalidationCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "policy_cache_invalidation_count",
		Help:      "The total number of policy cache invalidations.",
	})
)

type CachedPolicyLookupOpt func(*CachedPolicyLookup)

// WithCachedPolicyLookupLogger sets the logger for the CachedPolicyLookup.
func WithCachedPolicyLookupLogger(logger logger.Logger) CachedPolicyLookupOpt {
	return func(c *CachedPolicyLookup) {
		c.logger = logger
	}
}

// WithCachedPolicyLookupTTL sets how long a looked up policy is served from memory.
func WithCachedPolicyLookupTTL(ttl time.Duration) CachedPolicyLookupOpt {
	return func(c *CachedPolicyLookup) {
		c.ttl = ttl
	}
}

// CachedPolicyLookup is a wrapper over a policy lookup that keeps policies in memory
// until they expire or are invalidated.
type CachedPolicyLookup struct {
	storage.PolicyLookup

	cache storage.InMemoryCache[*policy.Policy]
	ttl   time.Duration

	// sf collapses concurrent lookups of the same entity into one call.
	sf *singleflight.Group

	// generation is bumped on Invalidate so that a lookup started before
	// the invalidation does not repopulate the cache.
	generation atomic.Uint64

	logger logger.Logger
}

// NewCachedPolicyLookup returns a wrapper over inner that caches policies in cache.
func NewCachedPolicyLookup(inner storage.PolicyLookup, cache storage.InMemoryCache[*policy.Policy], opts ...CachedPolicyLookupOpt) *CachedPolicyLookup {
	c := &CachedPolicyLookup{
		PolicyLookup: inner,
		cache:        cache,
		ttl:          time.Minute,
		sf:           &singleflight.Group{},
		logger:       logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Get see [storage.PolicyLookup].Get. Errors are never cached.
func (c *CachedPolicyLookup) Get(ctx context.Context, entityID string) (*policy.Policy, error) {
	ctx, span := tracer.Start(
		ctx,
		"cache.GetPolicy",
		trace.WithAttributes(attribute.String("entity_id", entityID)),
	)
	defer span.End()

	policyCacheTotalCounter.Inc()
	if p, ok := c.cache.Get(entityID); ok && p != nil {
		policyCacheHitCounter.Inc()
		span.SetAttributes(attribute.Bool("cached", true))
		return p, nil
	}
	span.SetAttributes(attribute.Bool("cached", false))

	gen := c.generation.Load()
	v, err, shared := c.sf.Do(entityID, func() (interface{}, error) {
		p, err := c.PolicyLookup.Get(ctx, entityID)
		if err != nil {
			return nil, err
		}
		if c.generation.Load() == gen {
			c.cache.Set(entityID, p, c.ttl)
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("shared policy lookup", zap.String("entity_id", entityID))
	}

	return v.(*policy.Policy), nil
}

// Invalidate drops the cached policy of entityID. The next Get reaches the wrapped lookup.
func (c *CachedPolicyLookup) Invalidate(entityID string) {
	c.generation.Add(1)
	c.sf.Forget(entityID)
	c.cache.Delete(entityID)
	policyCacheInvalidationCounter.Inc()
}

// Close releases the cache.
func (c *CachedPolicyLookup) Close() {
	c.cache.Stop()
}
