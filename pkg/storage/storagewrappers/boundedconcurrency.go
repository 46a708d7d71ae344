package storagewrappers

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfga/twinguard/internal/build"
	"github.com/openfga/twinguard/pkg/signals"
	"github.com/openfga/twinguard/pkg/storage"
)

var _ storage.TwinStore = (*BoundedConcurrencyTwinStore)(nil)

var timeWaitingHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: build.ProjectName,
	Name:      "twin_store_time_waiting_ms",
	Help:      "Time (in ms) spent waiting for a free slot before calling the twin store",
	Buckets:   []float64{1, 10, 25, 50, 100, 1000, 5000}, // milliseconds
}, []string{"operation"})

// BoundedConcurrencyTwinStore makes sure there are, at most, N concurrent
// calls to the wrapped twin store.
type BoundedConcurrencyTwinStore struct {
	storage.TwinStore
	limiter chan struct{}
}

// NewBoundedConcurrencyTwinStore returns a wrapper over a twin store that makes sure that there are, at most,
// N concurrent calls to Read and Apply.
// Consumers can then rest assured that a burst of entities will not hoard all the database connections available.
func NewBoundedConcurrencyTwinStore(wrapped storage.TwinStore, n uint32) *BoundedConcurrencyTwinStore {
	return &BoundedConcurrencyTwinStore{
		TwinStore: wrapped,
		limiter:   make(chan struct{}, n),
	}
}

func (b *BoundedConcurrencyTwinStore) acquire(ctx context.Context, op string) error {
	start := time.Now()

	select {
	case b.limiter <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	timeWaiting := time.Since(start).Milliseconds()
	timeWaitingHistogram.WithLabelValues(op).Observe(float64(timeWaiting))
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Int64("time_waiting", timeWaiting))
	return nil
}

func (b *BoundedConcurrencyTwinStore) release() {
	<-b.limiter
}

// Read see [storage.TwinReader].Read.
func (b *BoundedConcurrencyTwinStore) Read(ctx context.Context, entityID string) (*storage.TwinState, error) {
	if err := b.acquire(ctx, "read"); err != nil {
		return nil, err
	}
	defer b.release()

	return b.TwinStore.Read(ctx, entityID)
}

// Apply see [storage.TwinStore].Apply.
func (b *BoundedConcurrencyTwinStore) Apply(ctx context.Context, cmd signals.Command) (*storage.TwinState, error) {
	if err := b.acquire(ctx, "apply"); err != nil {
		return nil, err
	}
	defer b.release()

	return b.TwinStore.Apply(ctx, cmd)
}
