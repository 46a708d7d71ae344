package storagewrappers

import (
	"context"
	"sync/atomic"

	"github.com/openfga/twinguard/pkg/signals"
	"github.com/openfga/twinguard/pkg/storage"
)

var _ storage.TwinStore = (*InstrumentedTwinStore)(nil)

// InstrumentedTwinStore counts the calls made to the wrapped twin store.
// It is thread-safe. The wrapped store must not answer from a cache for the counts to be meaningful.
type InstrumentedTwinStore struct {
	storage.TwinStore
	countReads   atomic.Uint32
	countApplies atomic.Uint32
}

// NewInstrumentedTwinStore creates a new instance of InstrumentedTwinStore that wraps the specified twin store.
func NewInstrumentedTwinStore(wrapped storage.TwinStore) *InstrumentedTwinStore {
	return &InstrumentedTwinStore{
		TwinStore: wrapped,
	}
}

type Metrics struct {
	ReadCount  uint32
	ApplyCount uint32
}

func (m *InstrumentedTwinStore) GetMetrics() Metrics {
	return Metrics{
		ReadCount:  m.countReads.Load(),
		ApplyCount: m.countApplies.Load(),
	}
}

// Read see [storage.TwinReader].Read.
func (m *InstrumentedTwinStore) Read(ctx context.Context, entityID string) (*storage.TwinState, error) {
	m.countReads.Add(1)

	return m.TwinStore.Read(ctx, entityID)
}

// Apply see [storage.TwinStore].Apply.
func (m *InstrumentedTwinStore) Apply(ctx context.Context, cmd signals.Command) (*storage.TwinState, error) {
	m.countApplies.Add(1)

	return m.TwinStore.Apply(ctx, cmd)
}
