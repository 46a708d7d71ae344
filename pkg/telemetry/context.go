package telemetry

import (
	"context"
)

type signalContextKey struct{}

// SignalInfo identifies the signal (command, response or event) handled on the context.
type SignalInfo struct {
	EntityID      string
	CorrelationID string
}

// ContextWithSignalInfo will save the signal information in context.
func ContextWithSignalInfo(ctx context.Context, info SignalInfo) context.Context {
	return context.WithValue(ctx, signalContextKey{}, info)
}

// SignalInfoFromContext returns the signal information stored in context.
func SignalInfoFromContext(ctx context.Context) (SignalInfo, bool) {
	info, ok := ctx.Value(signalContextKey{}).(SignalInfo)
	return info, ok
}
