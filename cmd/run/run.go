// Package run contains the command to run a twinguard server.
package run

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/openfga/twinguard/pkg/logger"
	"github.com/openfga/twinguard/pkg/pubsub"
	"github.com/openfga/twinguard/pkg/server"
	serverconfig "github.com/openfga/twinguard/pkg/server/config"
	"github.com/openfga/twinguard/pkg/server/health"
	"github.com/openfga/twinguard/pkg/storage"
	"github.com/openfga/twinguard/pkg/storage/memory"
	"github.com/openfga/twinguard/pkg/storage/mysql"
	"github.com/openfga/twinguard/pkg/storage/postgres"
	"github.com/openfga/twinguard/pkg/storage/sqlcommon"
	"github.com/openfga/twinguard/pkg/storage/sqlite"
	"github.com/openfga/twinguard/pkg/telemetry"
)

const (
	datastoreEngineFlag = "datastore-engine"
	datastoreURIFlag    = "datastore-uri"

	healthCheckTimeout = 3 * time.Second
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the twinguard server",
		Long:  "Run the twinguard server.",
		Run:   run,
		Args:  cobra.NoArgs,
	}

	defaultConfig := serverconfig.DefaultConfig()
	flags := cmd.Flags()

	flags.String("datastore-engine", defaultConfig.Datastore.Engine, fmt.Sprintf("the datastore engine that will be used for persistence, one of %v", serverconfig.Engines))

	flags.String("datastore-uri", defaultConfig.Datastore.URI, "the connection uri to use to connect to the datastore (for any engine other than 'memory')")

	flags.String("datastore-username", "", "the connection username to use to connect to the datastore (overwrites any username provided in the connection uri)")

	flags.String("datastore-password", "", "the connection password to use to connect to the datastore (overwrites any password provided in the connection uri)")

	flags.String("datastore-seed-file", defaultConfig.Datastore.SeedFile, "a YAML or JSON file of policies and twins to load into the 'memory' datastore on startup")

	flags.Int("datastore-max-open-conns", defaultConfig.Datastore.MaxOpenConns, "the maximum number of open connections to the datastore")

	flags.Int("datastore-max-idle-conns", defaultConfig.Datastore.MaxIdleConns, "the maximum number of connections to the datastore in the idle connection pool")

	flags.Duration("datastore-conn-max-idle-time", defaultConfig.Datastore.ConnMaxIdleTime, "the maximum amount of time a connection to the datastore may be idle")

	flags.Duration("datastore-conn-max-lifetime", defaultConfig.Datastore.ConnMaxLifetime, "the maximum amount of time a connection to the datastore may be reused")

	flags.Bool("datastore-metrics-enabled", defaultConfig.Datastore.Metrics.Enabled, "enable/disable sql metrics")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")

	flags.String("log-timestamp-format", defaultConfig.Log.TimestampFormat, "the timestamp format to use for log messages")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")

	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")

	flags.Bool("trace-otlp-tls-enabled", defaultConfig.Trace.OTLP.TLS.Enabled, "use TLS connection for trace collector")

	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none.")

	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces.")

	flags.Bool("profiler-enabled", defaultConfig.Profiler.Enabled, "enable/disable pprof profiling")

	flags.String("profiler-addr", defaultConfig.Profiler.Addr, "the host:port address to serve the pprof profiler server on")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics on the '/metrics' endpoint")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")

	flags.Int("websocket-subscriber-backpressure-queue-size", defaultConfig.Websocket.SubscriberBackpressureQueueSize, "how many commands a client connection may have queued before new ones are rejected")

	flags.Int("websocket-publisher-backpressure-buffer-size", defaultConfig.Websocket.PublisherBackpressureBufferSize, "how many outbound envelopes a client connection buffers before the oldest are dropped")

	flags.Float64("websocket-throttling-rejection-factor", defaultConfig.Websocket.ThrottlingRejectionFactor, "the multiple of the throttling limit above which new connections are rejected instead of delayed")

	flags.Bool("websocket-throttling-enabled", defaultConfig.Websocket.Throttling.Enabled, "enable/disable throttling of new client connections")

	flags.Duration("websocket-throttling-interval", defaultConfig.Websocket.Throttling.Interval, "the interval over which the throttling limit applies")

	flags.Int("websocket-throttling-limit", defaultConfig.Websocket.Throttling.Limit, "how many client connections are admitted per throttling interval")

	flags.String("websocket-sniffer", defaultConfig.Websocket.Sniffer, "what observes incoming commands, one of 'noop' or 'logging'")

	flags.Duration("smart-channel-live-channel-timeout", defaultConfig.SmartChannel.LiveChannelTimeout, "how long a live query waits for the device when the command sets no timeout")

	flags.Duration("smart-channel-max-live-channel-timeout", defaultConfig.SmartChannel.MaxLiveChannelTimeout, "the upper bound of the timeout a live query may ask for")

	flags.String("smart-channel-default-timeout-strategy", defaultConfig.SmartChannel.DefaultTimeoutStrategy, "what a live query does when the device does not answer in time, 'fail' or 'use-twin'")

	flags.Int64("smart-channel-condition-cache-size", defaultConfig.SmartChannel.ConditionCacheSize, "how many compiled live channel conditions are cached")

	flags.Int("enforcement-shards", defaultConfig.Enforcement.Shards, "the number of shards entity workers are spread over")

	flags.Int("enforcement-mailbox-size", defaultConfig.Enforcement.MailboxSize, "how many signals an entity worker can hold before senders block")

	flags.Duration("enforcement-idle-timeout", defaultConfig.Enforcement.IdleTimeout, "how long an entity worker stays alive without signals")

	flags.StringSlice("enforcement-transformers", defaultConfig.Enforcement.Transformers, "the transformers applied to every command, in order")

	flags.Uint64("enforcement-policy-lookup-max-retries", defaultConfig.Enforcement.PolicyLookupMaxRetries, "how many times a failed policy lookup is retried")

	flags.Duration("enforcement-policy-lookup-deadline", defaultConfig.Enforcement.PolicyLookupDeadline, "the overall deadline of a policy lookup and its retries")

	flags.Int64("enforcement-policy-cache-size", defaultConfig.Enforcement.PolicyCacheSize, "how many policies are cached")

	flags.Duration("enforcement-policy-cache-ttl", defaultConfig.Enforcement.PolicyCacheTTL, "how long a cached policy is used")

	flags.Uint64("enforcement-twin-store-max-retries", defaultConfig.Enforcement.TwinStoreMaxRetries, "how many times an unavailable twin store is retried")

	flags.Duration("enforcement-twin-store-retry-deadline", defaultConfig.Enforcement.TwinStoreRetryDeadline, "the overall deadline of a twin store operation and its retries")

	flags.Uint32("enforcement-max-concurrent-twin-store-ops", defaultConfig.Enforcement.MaxConcurrentTwinStoreOps, "how many twin store operations may run at once")

	flags.String("cluster-replica-id", defaultConfig.Cluster.ReplicaID, "the unique id of this replica")

	flags.String("cluster-addr", defaultConfig.Cluster.Addr, "the host:port address to serve the replication endpoint on")

	flags.StringSlice("cluster-peers", defaultConfig.Cluster.Peers, "the other replicas, as 'id=url' pairs")

	flags.Duration("cluster-gossip-period", defaultConfig.Cluster.GossipPeriod, "how often subscriptions are exchanged with the other replicas")

	flags.Duration("cluster-retry-timeout", defaultConfig.Cluster.RetryTimeout, "how long a replication to the other replicas is retried")

	flags.String("cluster-subscription-consistency", defaultConfig.Cluster.SubscriptionConsistency, "how many replicas must acknowledge a subscription, one of 'local', 'majority' or 'all'")

	// NOTE: if you add a new flag here, update the function below, too

	cmd.PreRun = bindRunFlagsFunc(flags)

	return cmd
}

// ReadConfig returns the twinguard server configuration based on the values provided in the server's 'config.yaml' file.
// The 'config.yaml' file is loaded from '/etc/twinguard', '$HOME/.twinguard', or the current working directory. If no configuration
// file is present, the default values are returned.
func ReadConfig() (*serverconfig.Config, error) {
	config := serverconfig.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load server config: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server config: %w", err)
	}

	return config, nil
}

func run(_ *cobra.Command, _ []string) {
	config, err := ReadConfig()
	if err != nil {
		panic(err)
	}

	if err := config.Verify(); err != nil {
		panic(err)
	}

	logger := logger.MustNewLogger(config.Log.Format, config.Log.Level, config.Log.TimestampFormat)
	serverCtx := &ServerContext{Logger: logger}
	if err := serverCtx.Run(context.Background(), config); err != nil {
		panic(err)
	}
}

type ServerContext struct {
	Logger logger.Logger
}

// telemetryConfig returns the function that must be called to shut down tracing.
// The context provided to this function should be error-free, or shut down will be incomplete.
func (s *ServerContext) telemetryConfig(config *serverconfig.Config) func() error {
	if config.Trace.Enabled {
		s.Logger.Info(fmt.Sprintf("🕵 tracing enabled: sampling ratio is %v and sending traces to '%s', tls: %t", config.Trace.SampleRatio, config.Trace.OTLP.Endpoint, config.Trace.OTLP.TLS.Enabled))

		options := []telemetry.TracerOption{
			telemetry.WithOTLPEndpoint(config.Trace.OTLP.Endpoint),
			telemetry.WithServiceName(config.Trace.ServiceName),
			telemetry.WithSamplingRatio(config.Trace.SampleRatio),
		}

		if !config.Trace.OTLP.TLS.Enabled {
			options = append(options, telemetry.WithOTLPInsecure())
		}

		tp := telemetry.MustNewTracerProvider(options...)
		return func() error {
			// the batch span processor can take up to 5 seconds to export
			ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
			defer cancel()
			return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
		}
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
	return func() error {
		return nil
	}
}

func (s *ServerContext) datastoreConfig(config *serverconfig.Config) (storage.Datastore, error) {
	datastoreOptions := []sqlcommon.DatastoreOption{
		sqlcommon.WithUsername(config.Datastore.Username),
		sqlcommon.WithPassword(config.Datastore.Password),
		sqlcommon.WithLogger(s.Logger),
		sqlcommon.WithMaxOpenConns(config.Datastore.MaxOpenConns),
		sqlcommon.WithMaxIdleConns(config.Datastore.MaxIdleConns),
		sqlcommon.WithConnMaxIdleTime(config.Datastore.ConnMaxIdleTime),
		sqlcommon.WithConnMaxLifetime(config.Datastore.ConnMaxLifetime),
	}

	if config.Datastore.Metrics.Enabled {
		datastoreOptions = append(datastoreOptions, sqlcommon.WithMetrics())
	}

	dsCfg := sqlcommon.NewConfig(datastoreOptions...)

	var datastore storage.Datastore
	var err error
	switch config.Datastore.Engine {
	case "memory":
		ds := memory.New()
		if config.Datastore.SeedFile != "" {
			if err := ds.SeedFile(config.Datastore.SeedFile); err != nil {
				return nil, fmt.Errorf("seed memory datastore: %w", err)
			}
			s.Logger.Info(fmt.Sprintf("🌱 seeded memory datastore from '%s'", config.Datastore.SeedFile))
		}
		datastore = ds
	case "mysql":
		datastore, err = mysql.New(config.Datastore.URI, dsCfg)
		if err != nil {
			return nil, fmt.Errorf("initialize mysql datastore: %w", err)
		}
	case "postgres":
		datastore, err = postgres.New(config.Datastore.URI, dsCfg)
		if err != nil {
			return nil, fmt.Errorf("initialize postgres datastore: %w", err)
		}
	case "sqlite":
		datastore, err = sqlite.New(config.Datastore.URI, dsCfg)
		if err != nil {
			return nil, fmt.Errorf("initialize sqlite datastore: %w", err)
		}
	default:
		return nil, fmt.Errorf("storage engine '%s' is unsupported", config.Datastore.Engine)
	}

	s.Logger.Info(fmt.Sprintf("using '%v' storage engine", config.Datastore.Engine))

	return datastore, nil
}

// transportConfig returns the transport to the configured peers, or nil when
// this replica runs alone.
func (s *ServerContext) transportConfig(config *serverconfig.Config) (*pubsub.HTTPTransport, []string, error) {
	peerURLs, err := config.PeerURLs()
	if err != nil {
		return nil, nil, err
	}
	if len(peerURLs) == 0 {
		return nil, nil, nil
	}

	peers := make([]string, 0, len(peerURLs))
	for id := range peerURLs {
		peers = append(peers, id)
	}
	s.Logger.Info(fmt.Sprintf("🔗 replicating subscriptions with peers %s", strings.Join(config.Cluster.Peers, ", ")))

	return pubsub.NewHTTPTransport(peerURLs, pubsub.WithHTTPTimeout(config.Cluster.RetryTimeout)), peers, nil
}

func (s *ServerContext) Run(ctx context.Context, config *serverconfig.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, os.Kill, syscall.SIGTERM)
	defer stop()

	tracerProviderCloser := s.telemetryConfig(config)

	datastore, err := s.datastoreConfig(config)
	if err != nil {
		return err
	}

	transport, peers, err := s.transportConfig(config)
	if err != nil {
		datastore.Close()
		return err
	}

	serverOpts := []server.TwinguardServiceOption{
		server.WithDatastore(datastore),
		server.WithLogger(s.Logger),
		server.WithConfig(config),
	}
	if transport != nil {
		serverOpts = append(serverOpts, server.WithTransport(transport, peers...))
	}

	svr, err := server.NewServerWithOpts(serverOpts...)
	if err != nil {
		if transport != nil {
			transport.Close()
		}
		return err
	}

	healthCheck := &health.Checker{TargetService: svr, Timeout: healthCheckTimeout}

	var profilerServer *http.Server
	if config.Profiler.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		profilerServer = &http.Server{Addr: config.Profiler.Addr, Handler: mux}

		go func() {
			s.Logger.Info(fmt.Sprintf("🔬 starting pprof profiler on '%s'", config.Profiler.Addr))

			if err := profilerServer.ListenAndServe(); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					s.Logger.Fatal("failed to start pprof profiler", zap.Error(err))
				}
			}
			s.Logger.Info("profiler shut down.")
		}()
	}

	var metricsServer *http.Server
	if config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/healthz", healthCheck)

		metricsServer = &http.Server{Addr: config.Metrics.Addr, Handler: mux}

		go func() {
			s.Logger.Info(fmt.Sprintf("📈 starting prometheus metrics server on '%s'", config.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					s.Logger.Fatal("failed to start prometheus metrics server", zap.Error(err))
				}
			}
			s.Logger.Info("metrics server shut down.")
		}()
	}

	var clusterServer *http.Server
	if config.Cluster.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/v1/cluster/", pubsub.NewHTTPHandler(svr.Registry(), s.Logger))
		mux.Handle("/healthz", otelhttp.NewHandler(healthCheck, "healthz"))

		clusterServer = &http.Server{Addr: config.Cluster.Addr, Handler: mux}

		go func() {
			s.Logger.Info(fmt.Sprintf("🛰 starting replication endpoint of '%s' on '%s'", config.Cluster.ReplicaID, config.Cluster.Addr))
			if err := clusterServer.ListenAndServe(); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					s.Logger.Fatal("failed to start replication endpoint", zap.Error(err))
				}
			}
			s.Logger.Info("replication endpoint shut down.")
		}()
	}

	s.Logger.Info("🚀 twinguard server started", zap.String("replica_id", config.Cluster.ReplicaID))

	// wait for cancellation signal
	<-ctx.Done()
	s.Logger.Info("attempting to shutdown gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if clusterServer != nil {
		if err := clusterServer.Shutdown(ctx); err != nil {
			s.Logger.Info("failed to shutdown the replication endpoint", zap.Error(err))
		}
	}

	if profilerServer != nil {
		if err := profilerServer.Shutdown(ctx); err != nil {
			s.Logger.Info("failed to shutdown the profiler", zap.Error(err))
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			s.Logger.Info("failed to shutdown the prometheus metrics server", zap.Error(err))
		}
	}

	if err := svr.Close(ctx); err != nil {
		s.Logger.Warn("failed to close every client connection", zap.Error(err))
	}

	if transport != nil {
		transport.Close()
	}

	if err := tracerProviderCloser(); err != nil {
		s.Logger.Error("failed to shutdown tracing", zap.Error(err))
	}

	s.Logger.Info("server exited. goodbye 👋")

	return nil
}
