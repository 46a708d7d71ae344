package storagewrappers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfga/twinguard/pkg/signals"
	"github.com/openfga/twinguard/pkg/storage"
	"github.com/openfga/twinguard/pkg/storage/memory"
)

func TestInstrumentedTwinStore(t *testing.T) {
	ctx := context.Background()
	ts := NewInstrumentedTwinStore(memory.New())
	require.Equal(t, Metrics{}, ts.GetMetrics())

	_, err := ts.Read(ctx, "org.acme:lamp")
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = ts.Apply(ctx, signals.Command{
		EntityID:     "org.acme:lamp",
		Kind:         signals.KindModify,
		ResourcePath: "thing:/",
		Payload:      json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	_, err = ts.Read(ctx, "org.acme:lamp")
	require.NoError(t, err)

	require.Equal(t, Metrics{ReadCount: 2, ApplyCount: 1}, ts.GetMetrics())
}
