// Package config contains all knobs and defaults used to configure features of
// twinguard when running as a standalone server.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/openfga/twinguard/pkg/pubsub"
	"github.com/openfga/twinguard/pkg/signals"
)

const (
	DefaultSubscriberBackpressureQueueSize = 100
	DefaultPublisherBackpressureBufferSize = 200
	DefaultThrottlingRejectionFactor       = 1.25
	DefaultThrottlingInterval              = time.Second
	DefaultThrottlingLimit                 = 100

	DefaultLiveChannelTimeout     = 10 * time.Second
	DefaultMaxLiveChannelTimeout  = 60 * time.Second
	DefaultConditionCacheSize     = 1000
	DefaultDefaultTimeoutStrategy = string(signals.TimeoutStrategyFail)

	DefaultEnforcementShards         = 64
	DefaultEnforcementMailboxSize    = 128
	DefaultEnforcementIdleTimeout    = time.Minute
	DefaultPolicyLookupMaxRetries    = 3
	DefaultPolicyLookupDeadline      = 5 * time.Second
	DefaultPolicyCacheSize           = 10000
	DefaultPolicyCacheTTL            = time.Minute
	DefaultTwinStoreMaxRetries       = 3
	DefaultTwinStoreRetryDeadline    = 5 * time.Second
	DefaultMaxConcurrentTwinStoreOps = 100

	DefaultReplicaID           = "replica-0"
	DefaultClusterGossipPeriod = 5 * time.Second
	DefaultClusterRetryTimeout = 2 * time.Second
)

// Engines lists the datastore engines the server can run on.
var Engines = []string{"memory", "mysql", "postgres", "sqlite"}

type DatastoreMetricsConfig struct {
	// Enabled enables export of the Datastore metrics.
	Enabled bool
}

// DatastoreConfig defines server configurations specific to the twin and policy datastore.
type DatastoreConfig struct {
	// Engine is the datastore engine to use (e.g. 'memory', 'postgres', 'mysql', 'sqlite')
	Engine   string
	URI      string
	Username string
	Password string

	// SeedFile is a YAML/JSON fixture of policies and twins loaded into the memory engine.
	SeedFile string

	// MaxOpenConns is the maximum number of open connections to the database.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of connections to the datastore in the idle connection
	// pool.
	MaxIdleConns int

	// ConnMaxIdleTime is the maximum amount of time a connection to the datastore may be idle.
	ConnMaxIdleTime time.Duration

	// ConnMaxLifetime is the maximum amount of time a connection to the datastore may be reused.
	ConnMaxLifetime time.Duration

	Metrics DatastoreMetricsConfig
}

// LogConfig defines server configuration specific to logging.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string

	// Format of the timestamp in the log output (e.g. 'Unix'(default) or 'ISO8601')
	TimestampFormat string
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string
}

type OTLPTraceConfig struct {
	Endpoint string
	TLS      OTLPTraceTLSConfig
}

type OTLPTraceTLSConfig struct {
	Enabled bool
}

// ProfilerConfig defines server configurations specific to pprof profiling.
type ProfilerConfig struct {
	Enabled bool
	Addr    string
}

// MetricConfig defines configurations for serving custom metrics.
type MetricConfig struct {
	Enabled bool
	Addr    string
}

type ThrottlingConfig struct {
	Enabled  bool
	Interval time.Duration
	Limit    int
}

// WebsocketConfig bounds what client connections may queue.
type WebsocketConfig struct {
	SubscriberBackpressureQueueSize int
	PublisherBackpressureBufferSize int
	ThrottlingRejectionFactor       float64
	Throttling                      ThrottlingConfig

	// Sniffer names what observes incoming commands ('noop' or 'logging').
	Sniffer string
}

type SmartChannelConfig struct {
	LiveChannelTimeout     time.Duration
	MaxLiveChannelTimeout  time.Duration
	DefaultTimeoutStrategy string
	ConditionCacheSize     int64
}

type EnforcementConfig struct {
	Shards      int
	MailboxSize int
	IdleTimeout time.Duration

	// Transformers run on every command, in order.
	Transformers []string

	PolicyLookupMaxRetries uint64
	PolicyLookupDeadline   time.Duration
	PolicyCacheSize        int64
	PolicyCacheTTL         time.Duration

	TwinStoreMaxRetries       uint64
	TwinStoreRetryDeadline    time.Duration
	MaxConcurrentTwinStoreOps uint32
}

// ClusterConfig describes this replica and how to reach the others.
type ClusterConfig struct {
	ReplicaID string

	// Addr is where the replication endpoint listens. Empty keeps the registry local.
	Addr string

	// Peers maps replica ids to the base URL of their replication endpoint,
	// as 'id=url' pairs.
	Peers []string

	GossipPeriod            time.Duration
	RetryTimeout            time.Duration
	SubscriptionConsistency string
}

type Config struct {
	Datastore    DatastoreConfig
	Log          LogConfig
	Trace        TraceConfig
	Profiler     ProfilerConfig
	Metrics      MetricConfig
	Websocket    WebsocketConfig
	SmartChannel SmartChannelConfig
	Enforcement  EnforcementConfig
	Cluster      ClusterConfig
}

// PeerURLs parses Cluster.Peers.
func (cfg *Config) PeerURLs() (map[string]string, error) {
	peers := make(map[string]string, len(cfg.Cluster.Peers))
	for _, pair := range cfg.Cluster.Peers {
		id, url, ok := strings.Cut(pair, "=")
		if !ok || id == "" || url == "" {
			return nil, fmt.Errorf("config 'cluster.peers' entry '%s' must have the form 'id=url'", pair)
		}
		if id == cfg.Cluster.ReplicaID {
			return nil, fmt.Errorf("config 'cluster.peers' cannot contain this replica ('%s')", id)
		}
		peers[id] = url
	}
	return peers, nil
}

func (cfg *Config) Verify() error {
	if !slices.Contains(Engines, cfg.Datastore.Engine) {
		return fmt.Errorf("config 'datastore.engine' must be one of %v", Engines)
	}
	if cfg.Datastore.Engine != "memory" && cfg.Datastore.URI == "" {
		return fmt.Errorf("config 'datastore.uri' is required for engine '%s'", cfg.Datastore.Engine)
	}
	if cfg.Datastore.SeedFile != "" && cfg.Datastore.Engine != "memory" {
		return errors.New("config 'datastore.seedFile' is only supported by the memory engine")
	}

	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("config 'log.format' must be one of ['text', 'json']")
	}

	if cfg.Log.Level != "none" &&
		cfg.Log.Level != "debug" &&
		cfg.Log.Level != "info" &&
		cfg.Log.Level != "warn" &&
		cfg.Log.Level != "error" &&
		cfg.Log.Level != "panic" &&
		cfg.Log.Level != "fatal" {
		return fmt.Errorf(
			"config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal']",
		)
	}

	if cfg.Log.TimestampFormat != "Unix" && cfg.Log.TimestampFormat != "ISO8601" {
		return fmt.Errorf("config 'log.TimestampFormat' must be one of ['Unix', 'ISO8601']")
	}

	if cfg.Websocket.SubscriberBackpressureQueueSize <= 0 {
		return errors.New("config 'websocket.subscriberBackpressureQueueSize' must be greater than 0")
	}
	if cfg.Websocket.PublisherBackpressureBufferSize <= 0 {
		return errors.New("config 'websocket.publisherBackpressureBufferSize' must be greater than 0")
	}
	if cfg.Websocket.ThrottlingRejectionFactor < 1 {
		return fmt.Errorf("config 'websocket.throttlingRejectionFactor' (%v) cannot be lower than 1", cfg.Websocket.ThrottlingRejectionFactor)
	}
	if cfg.Websocket.Throttling.Enabled {
		if cfg.Websocket.Throttling.Interval <= 0 {
			return errors.New("websocket throttling interval must be a positive time duration")
		}
		if cfg.Websocket.Throttling.Limit <= 0 {
			return errors.New("websocket throttling limit must be a positive integer")
		}
	}

	if cfg.SmartChannel.LiveChannelTimeout <= 0 {
		return errors.New("config 'smartChannel.liveChannelTimeout' must be a positive time duration")
	}
	if cfg.SmartChannel.MaxLiveChannelTimeout < cfg.SmartChannel.LiveChannelTimeout {
		return fmt.Errorf(
			"config 'smartChannel.maxLiveChannelTimeout' (%s) cannot be lower than 'smartChannel.liveChannelTimeout' config (%s)",
			cfg.SmartChannel.MaxLiveChannelTimeout,
			cfg.SmartChannel.LiveChannelTimeout,
		)
	}
	if _, err := signals.ParseTimeoutStrategy(cfg.SmartChannel.DefaultTimeoutStrategy); err != nil {
		return fmt.Errorf("config 'smartChannel.defaultTimeoutStrategy': %w", err)
	}

	if cfg.Enforcement.Shards <= 0 || cfg.Enforcement.MailboxSize <= 0 {
		return errors.New("config 'enforcement.shards' and 'enforcement.mailboxSize' must be greater than 0")
	}
	if cfg.Enforcement.IdleTimeout <= 0 {
		return errors.New("config 'enforcement.idleTimeout' must be a positive time duration")
	}
	if cfg.Enforcement.MaxConcurrentTwinStoreOps == 0 {
		return errors.New("config 'enforcement.maxConcurrentTwinStoreOps' cannot be 0")
	}

	if cfg.Cluster.ReplicaID == "" {
		return errors.New("config 'cluster.replicaID' cannot be empty")
	}
	if _, err := pubsub.ParseConsistency(cfg.Cluster.SubscriptionConsistency); err != nil {
		return fmt.Errorf("config 'cluster.subscriptionConsistency': %w", err)
	}
	peers, err := cfg.PeerURLs()
	if err != nil {
		return err
	}
	if len(peers) > 0 && cfg.Cluster.Addr == "" {
		return errors.New("config 'cluster.addr' must be set when 'cluster.peers' is not empty")
	}

	return nil
}

// DefaultConfig returns the server's default configuration.
func DefaultConfig() *Config {
	return &Config{
		Datastore: DatastoreConfig{
			Engine:       "memory",
			MaxIdleConns: 10,
			MaxOpenConns: 30,
		},
		Log: LogConfig{
			Format:          "text",
			Level:           "info",
			TimestampFormat: "Unix",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
				TLS: OTLPTraceTLSConfig{
					Enabled: false,
				},
			},
			SampleRatio: 0.2,
			ServiceName: "twinguard",
		},
		Profiler: ProfilerConfig{
			Enabled: false,
			Addr:    ":3001",
		},
		Metrics: MetricConfig{
			Enabled: true,
			Addr:    "0.0.0.0:2112",
		},
		Websocket: WebsocketConfig{
			SubscriberBackpressureQueueSize: DefaultSubscriberBackpressureQueueSize,
			PublisherBackpressureBufferSize: DefaultPublisherBackpressureBufferSize,
			ThrottlingRejectionFactor:       DefaultThrottlingRejectionFactor,
			Throttling: ThrottlingConfig{
				Enabled:  false,
				Interval: DefaultThrottlingInterval,
				Limit:    DefaultThrottlingLimit,
			},
			Sniffer: "noop",
		},
		SmartChannel: SmartChannelConfig{
			LiveChannelTimeout:     DefaultLiveChannelTimeout,
			MaxLiveChannelTimeout:  DefaultMaxLiveChannelTimeout,
			DefaultTimeoutStrategy: DefaultDefaultTimeoutStrategy,
			ConditionCacheSize:     DefaultConditionCacheSize,
		},
		Enforcement: EnforcementConfig{
			Shards:                    DefaultEnforcementShards,
			MailboxSize:               DefaultEnforcementMailboxSize,
			IdleTimeout:               DefaultEnforcementIdleTimeout,
			Transformers:              []string{signals.TransformerCorrelationID, signals.TransformerOriginator},
			PolicyLookupMaxRetries:    DefaultPolicyLookupMaxRetries,
			PolicyLookupDeadline:      DefaultPolicyLookupDeadline,
			PolicyCacheSize:           DefaultPolicyCacheSize,
			PolicyCacheTTL:            DefaultPolicyCacheTTL,
			TwinStoreMaxRetries:       DefaultTwinStoreMaxRetries,
			TwinStoreRetryDeadline:    DefaultTwinStoreRetryDeadline,
			MaxConcurrentTwinStoreOps: DefaultMaxConcurrentTwinStoreOps,
		},
		Cluster: ClusterConfig{
			ReplicaID:               DefaultReplicaID,
			GossipPeriod:            DefaultClusterGossipPeriod,
			RetryTimeout:            DefaultClusterRetryTimeout,
			SubscriptionConsistency: string(pubsub.ConsistencyMajority),
		},
	}
}

// MustDefaultConfig returns default server config with the playground, tracing and metrics turned off.
func MustDefaultConfig() *Config {
	config := DefaultConfig()

	config.Metrics.Enabled = false
	config.Trace.Enabled = false

	return config
}
