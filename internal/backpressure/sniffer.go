package backpressure

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/openfga/twinguard/pkg/logger"
	"github.com/openfga/twinguard/pkg/signals"
)

const (
	SnifferNoop    = "noop"
	SnifferLogging = "logging"
)

// Sniffer observes every command a connection accepted.
type Sniffer interface {
	Sniff(ctx context.Context, connectionID string, cmd signals.Command)
}

type noopSniffer struct{}

func (noopSniffer) Sniff(context.Context, string, signals.Command) {}

type loggingSniffer struct {
	logger logger.Logger
}

func (s loggingSniffer) Sniff(ctx context.Context, connectionID string, cmd signals.Command) {
	s.logger.InfoWithContext(ctx, "incoming command",
		zap.String("connection_id", connectionID),
		zap.String("entity_id", cmd.EntityID),
		zap.String("kind", string(cmd.Kind)),
		zap.String("resource_path", cmd.ResourcePath),
		zap.String("correlation_id", cmd.CorrelationID()))
}

var sniffers = map[string]func(logger.Logger) Sniffer{
	SnifferNoop:    func(logger.Logger) Sniffer { return noopSniffer{} },
	SnifferLogging: func(l logger.Logger) Sniffer { return loggingSniffer{logger: l} },
}

// SnifferNames lists the registered sniffers.
func SnifferNames() []string {
	names := make([]string, 0, len(sniffers))
	for name := range sniffers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewSniffer returns the sniffer registered as name.
func NewSniffer(name string, l logger.Logger) (Sniffer, error) {
	ctor, ok := sniffers[name]
	if !ok {
		return nil, fmt.Errorf("unknown incoming command sniffer '%s', expected one of %v", name, SnifferNames())
	}
	return ctor(l), nil
}
