// Package backpressure bounds what a client connection may put into the
// system and what the system buffers on its way back to the client.
package backpressure

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openfga/twinguard/internal/build"
	"github.com/openfga/twinguard/pkg/logger"
	"github.com/openfga/twinguard/pkg/pubsub"
	serverErrors "github.com/openfga/twinguard/pkg/server/errors"
	"github.com/openfga/twinguard/pkg/signals"
)

const (
	DefaultInboundQueueSize          = 100
	DefaultOutboundBufferSize        = 200
	DefaultThrottlingInterval        = time.Second
	DefaultThrottlingLimit           = 100
	DefaultThrottlingRejectionFactor = 1.25
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "backpressure_connections",
		Help:      "The number of client connections currently open.",
	})

	admissionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "backpressure_admission_count",
		Help:      "The total number of connection attempts, by result (admitted, throttled, rejected).",
	}, []string{"result"})

	inboundRejectedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "backpressure_inbound_rejected_count",
		Help:      "The total number of commands rejected because the inbound queue of their connection was full.",
	})

	outboundDroppedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "backpressure_outbound_dropped_count",
		Help:      "The total number of envelopes evicted from a full outbound buffer.",
	})

	throttleWaitHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace:                       build.ProjectName,
		Name:                            "backpressure_throttle_wait_ms",
		Help:                            "The time (in ms) a connection attempt waited for the nominal throttling limit.",
		Buckets:                         []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	})
)

var errConnectionClosed = errors.New("connection closed")

// Dispatcher forwards a command into the enforcement layer. *enforcement.Gate implements it.
type Dispatcher interface {
	Submit(ctx context.Context, cmd signals.Command) <-chan signals.Response
}

// Registry is the part of *pubsub.Registry a connection needs to receive events.
type Registry interface {
	Subscribe(ctx context.Context, topics []string, sub pubsub.Subscriber, consistency pubsub.Consistency, acknowledge bool) error
	Unsubscribe(ctx context.Context, topics []string, subscriberID string, consistency pubsub.Consistency, acknowledge bool) error
}

// ResponseHandler takes the answers clients give to live commands.
// *smartchannel.Selector implements it.
type ResponseHandler interface {
	HandleLiveResponse(ctx context.Context, resp signals.Response) bool
}

type Config struct {
	InboundQueueSize   int
	OutboundBufferSize int

	ThrottlingEnabled         bool
	ThrottlingInterval        time.Duration
	ThrottlingLimit           int
	ThrottlingRejectionFactor float64
}

func DefaultConfig() Config {
	return Config{
		InboundQueueSize:          DefaultInboundQueueSize,
		OutboundBufferSize:        DefaultOutboundBufferSize,
		ThrottlingInterval:        DefaultThrottlingInterval,
		ThrottlingLimit:           DefaultThrottlingLimit,
		ThrottlingRejectionFactor: DefaultThrottlingRejectionFactor,
	}
}

func (c Config) Verify() error {
	if c.InboundQueueSize <= 0 {
		return fmt.Errorf("inbound queue size must be greater than zero, got %d", c.InboundQueueSize)
	}
	if c.OutboundBufferSize <= 0 {
		return fmt.Errorf("outbound buffer size must be greater than zero, got %d", c.OutboundBufferSize)
	}
	if !c.ThrottlingEnabled {
		return nil
	}
	if c.ThrottlingInterval <= 0 || c.ThrottlingLimit <= 0 {
		return fmt.Errorf("throttling needs a positive interval and limit, got %s and %d", c.ThrottlingInterval, c.ThrottlingLimit)
	}
	if c.ThrottlingRejectionFactor < 1 {
		return fmt.Errorf("throttling rejection factor must be at least 1, got %v", c.ThrottlingRejectionFactor)
	}
	return nil
}

type GateOption func(*Gate)

func WithLogger(l logger.Logger) GateOption {
	return func(g *Gate) {
		g.logger = l
	}
}

// WithSniffer sets what observes every accepted command.
func WithSniffer(s Sniffer) GateOption {
	return func(g *Gate) {
		g.sniffer = s
	}
}

// Gate admits client connections.
type Gate struct {
	dispatcher Dispatcher
	registry   Registry
	responses  ResponseHandler

	cfg     Config
	logger  logger.Logger
	sniffer Sniffer

	// nominal is waited on; past ceiling connections are rejected.
	nominal *rate.Limiter
	ceiling *rate.Limiter

	mu          sync.Mutex
	connections map[string]*Connection
	closed      bool
}

// NewGate returns a gate handing the commands of its connections to dispatcher.
func NewGate(dispatcher Dispatcher, registry Registry, responses ResponseHandler, cfg Config, opts ...GateOption) *Gate {
	g := &Gate{
		dispatcher:  dispatcher,
		registry:    registry,
		responses:   responses,
		cfg:         cfg,
		logger:      logger.NewNoopLogger(),
		sniffer:     noopSniffer{},
		connections: map[string]*Connection{},
	}
	for _, opt := range opts {
		opt(g)
	}

	if cfg.ThrottlingEnabled {
		perSecond := float64(cfg.ThrottlingLimit) / cfg.ThrottlingInterval.Seconds()
		ceiling := math.Ceil(float64(cfg.ThrottlingLimit) * cfg.ThrottlingRejectionFactor)
		g.nominal = rate.NewLimiter(rate.Limit(perSecond), cfg.ThrottlingLimit)
		g.ceiling = rate.NewLimiter(rate.Limit(perSecond*cfg.ThrottlingRejectionFactor), int(ceiling))
	}
	return g
}

// Connect admits a connection for auth. Past the nominal throttling limit the
// call waits; past the rejection ceiling it fails with a RateLimited error.
func (g *Gate) Connect(ctx context.Context, auth signals.AuthorizationContext) (*Connection, error) {
	if err := g.admit(ctx); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, serverErrors.Transient(errConnectionClosed, "the backpressure gate")
	}

	c := newConnection(g, uuid.NewString(), auth)
	g.connections[c.id] = c
	connectionsGauge.Inc()
	g.logger.DebugWithContext(ctx, "connection admitted",
		zap.String("connection_id", c.id),
		zap.Strings("subjects", auth.Subjects))
	return c, nil
}

func (g *Gate) admit(ctx context.Context) error {
	if g.ceiling == nil {
		admissionCounter.WithLabelValues("admitted").Inc()
		return nil
	}
	if !g.ceiling.Allow() {
		admissionCounter.WithLabelValues("rejected").Inc()
		g.logger.WarnWithContext(ctx, "connection rejected by throttling")
		return serverErrors.RateLimited("too many connection attempts")
	}

	if g.nominal.Allow() {
		admissionCounter.WithLabelValues("admitted").Inc()
		return nil
	}
	start := time.Now()
	err := g.nominal.Wait(ctx)
	throttleWaitHistogram.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		admissionCounter.WithLabelValues("rejected").Inc()
		return serverErrors.RateLimited(err.Error())
	}
	admissionCounter.WithLabelValues("throttled").Inc()
	return nil
}

func (g *Gate) forget(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.connections[id]; ok {
		delete(g.connections, id)
		connectionsGauge.Dec()
	}
}

// Connections returns the number of open connections.
func (g *Gate) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.connections)
}

// Close closes every open connection and rejects new ones.
func (g *Gate) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	open := make([]*Connection, 0, len(g.connections))
	for _, c := range g.connections {
		open = append(open, c)
	}
	g.mu.Unlock()

	var errs []error
	for _, c := range open {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
