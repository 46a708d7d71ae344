package mocks

import (
	"context"
	"time"

	"github.com/openfga/twinguard/pkg/signals"
	"github.com/openfga/twinguard/pkg/storage"
)

// slowTwinStore is a proxy to the actual store except that reads and applies are delayed by delay.
// This allows simulating a live query whose twin fallback is still in flight when the deadline fires.
type slowTwinStore struct {
	delay time.Duration
	storage.TwinStore
}

// NewMockSlowTwinStore returns a wrapper of a twin store that adds artificial delays into reads and applies.
func NewMockSlowTwinStore(ts storage.TwinStore, delay time.Duration) storage.TwinStore {
	return &slowTwinStore{
		delay:     delay,
		TwinStore: ts,
	}
}

func (m *slowTwinStore) wait(ctx context.Context) error {
	timer := time.NewTimer(m.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *slowTwinStore) Read(ctx context.Context, entityID string) (*storage.TwinState, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	return m.TwinStore.Read(ctx, entityID)
}

func (m *slowTwinStore) Apply(ctx context.Context, cmd signals.Command) (*storage.TwinState, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	return m.TwinStore.Apply(ctx, cmd)
}
