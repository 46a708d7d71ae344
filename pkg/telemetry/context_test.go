package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnsetSignalInfo(t *testing.T) {
	_, ok := SignalInfoFromContext(context.Background())
	require.False(t, ok)
}

func TestKnownSignalInfo(t *testing.T) {
	ctx := ContextWithSignalInfo(context.Background(), SignalInfo{
		EntityID:      "org.acme:sensor-1",
		CorrelationID: "abc",
	})

	info, ok := SignalInfoFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, SignalInfo{EntityID: "org.acme:sensor-1", CorrelationID: "abc"}, info)
}
