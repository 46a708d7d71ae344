package storagewrappers

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openfga/twinguard/internal/build"
	"github.com/openfga/twinguard/pkg/storage"
)

var _ storage.TwinStore = (*RetryingTwinStore)(nil)

var twinStoreRetryCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "twin_store_retry_count",
	Help:      "The total number of twin store calls retried after the store was unavailable.",
}, []string{"operation"})

// RetryingTwinStore retries reads failing with storage.ErrUnavailable with an
// exponential backoff. Any other error is returned right away. Apply is never
// retried: an unavailable store may have persisted the change before failing.
type RetryingTwinStore struct {
	storage.TwinStore
	maxElapsed time.Duration
	maxRetries uint64
}

// NewRetryingTwinStore retries each read at most maxRetries times and for no
// longer than maxElapsed.
func NewRetryingTwinStore(wrapped storage.TwinStore, maxRetries uint64, maxElapsed time.Duration) *RetryingTwinStore {
	return &RetryingTwinStore{
		TwinStore:  wrapped,
		maxElapsed: maxElapsed,
		maxRetries: maxRetries,
	}
}

func (r *RetryingTwinStore) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxElapsedTime = r.maxElapsed
	return backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx)
}

func retry[T any](ctx context.Context, r *RetryingTwinStore, op string, fn func() (T, error)) (T, error) {
	attempt := 0
	return backoff.RetryWithData(func() (T, error) {
		if attempt > 0 {
			twinStoreRetryCounter.WithLabelValues(op).Inc()
		}
		attempt++
		v, err := fn()
		if err != nil && !errors.Is(err, storage.ErrUnavailable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, r.policy(ctx))
}

func (r *RetryingTwinStore) Read(ctx context.Context, entityID string) (*storage.TwinState, error) {
	return retry(ctx, r, "read", func() (*storage.TwinState, error) {
		return r.TwinStore.Read(ctx, entityID)
	})
}
