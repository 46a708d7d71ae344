package condition

import (
	"github.com/Yiling-J/theine-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openfga/twinguard/internal/build"
)

const defaultCacheSize = 1000

var compiledConditionCacheHitCounter = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "live_condition_cache_hit_count",
	Help:      "The total number of live channel conditions served already compiled.",
})

// Cache compiles live channel conditions once per expression.
type Cache struct {
	compiled *theine.Cache[string, *Condition]
}

// NewCache returns a Cache holding at most size compiled conditions.
func NewCache(size int64) (*Cache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	compiled, err := theine.NewBuilder[string, *Condition](size).Build()
	if err != nil {
		return nil, err
	}
	return &Cache{compiled: compiled}, nil
}

// Compile returns the compiled form of expression. Compilation errors are not cached.
func (c *Cache) Compile(expression string) (*Condition, error) {
	if cond, ok := c.compiled.Get(expression); ok {
		compiledConditionCacheHitCounter.Inc()
		return cond, nil
	}

	cond, err := Compile(expression)
	if err != nil {
		return nil, err
	}
	c.compiled.Set(expression, cond, 1)
	return cond, nil
}

// Close releases the cache.
func (c *Cache) Close() {
	c.compiled.Close()
}
