package run

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/openfga/twinguard/cmd/util"
)

// bindRunFlagsFunc binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(command *cobra.Command, _ []string) {
		util.MustBindPFlag("datastore.engine", flags.Lookup("datastore-engine"))
		util.MustBindEnv("datastore.engine", "TWINGUARD_DATASTORE_ENGINE")

		util.MustBindPFlag("datastore.uri", flags.Lookup("datastore-uri"))
		util.MustBindEnv("datastore.uri", "TWINGUARD_DATASTORE_URI")

		util.MustBindPFlag("datastore.username", flags.Lookup("datastore-username"))
		util.MustBindEnv("datastore.username", "TWINGUARD_DATASTORE_USERNAME")

		util.MustBindPFlag("datastore.password", flags.Lookup("datastore-password"))
		util.MustBindEnv("datastore.password", "TWINGUARD_DATASTORE_PASSWORD")

		util.MustBindPFlag("datastore.seedFile", flags.Lookup("datastore-seed-file"))
		util.MustBindEnv("datastore.seedFile", "TWINGUARD_DATASTORE_SEED_FILE", "TWINGUARD_DATASTORE_SEEDFILE")

		util.MustBindPFlag("datastore.maxOpenConns", flags.Lookup("datastore-max-open-conns"))
		util.MustBindEnv("datastore.maxOpenConns", "TWINGUARD_DATASTORE_MAX_OPEN_CONNS", "TWINGUARD_DATASTORE_MAXOPENCONNS")

		util.MustBindPFlag("datastore.maxIdleConns", flags.Lookup("datastore-max-idle-conns"))
		util.MustBindEnv("datastore.maxIdleConns", "TWINGUARD_DATASTORE_MAX_IDLE_CONNS", "TWINGUARD_DATASTORE_MAXIDLECONNS")

		util.MustBindPFlag("datastore.connMaxIdleTime", flags.Lookup("datastore-conn-max-idle-time"))
		util.MustBindEnv("datastore.connMaxIdleTime", "TWINGUARD_DATASTORE_CONN_MAX_IDLE_TIME", "TWINGUARD_DATASTORE_CONNMAXIDLETIME")

		util.MustBindPFlag("datastore.connMaxLifetime", flags.Lookup("datastore-conn-max-lifetime"))
		util.MustBindEnv("datastore.connMaxLifetime", "TWINGUARD_DATASTORE_CONN_MAX_LIFETIME", "TWINGUARD_DATASTORE_CONNMAXLIFETIME")

		util.MustBindPFlag("datastore.metrics.enabled", flags.Lookup("datastore-metrics-enabled"))
		util.MustBindEnv("datastore.metrics.enabled", "TWINGUARD_DATASTORE_METRICS_ENABLED")

		util.MustBindPFlag("log.format", flags.Lookup("log-format"))
		util.MustBindEnv("log.format", "TWINGUARD_LOG_FORMAT")

		util.MustBindPFlag("log.level", flags.Lookup("log-level"))
		util.MustBindEnv("log.level", "TWINGUARD_LOG_LEVEL")

		util.MustBindPFlag("log.timestampFormat", flags.Lookup("log-timestamp-format"))
		util.MustBindEnv("log.timestampFormat", "TWINGUARD_LOG_TIMESTAMP_FORMAT")

		util.MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
		util.MustBindEnv("trace.enabled", "TWINGUARD_TRACE_ENABLED")

		util.MustBindPFlag("trace.otlp.endpoint", flags.Lookup("trace-otlp-endpoint"))
		util.MustBindEnv("trace.otlp.endpoint", "TWINGUARD_TRACE_OTLP_ENDPOINT")

		util.MustBindPFlag("trace.otlp.tls.enabled", flags.Lookup("trace-otlp-tls-enabled"))
		util.MustBindEnv("trace.otlp.tls.enabled", "TWINGUARD_TRACE_OTLP_TLS_ENABLED")

		util.MustBindPFlag("trace.sampleRatio", flags.Lookup("trace-sample-ratio"))
		util.MustBindEnv("trace.sampleRatio", "TWINGUARD_TRACE_SAMPLE_RATIO")

		util.MustBindPFlag("trace.serviceName", flags.Lookup("trace-service-name"))
		util.MustBindEnv("trace.serviceName", "TWINGUARD_TRACE_SERVICE_NAME")

		util.MustBindPFlag("profiler.enabled", flags.Lookup("profiler-enabled"))
		util.MustBindEnv("profiler.enabled", "TWINGUARD_PROFILER_ENABLED")

		util.MustBindPFlag("profiler.addr", flags.Lookup("profiler-addr"))
		util.MustBindEnv("profiler.addr", "TWINGUARD_PROFILER_ADDRESS")

		util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
		util.MustBindEnv("metrics.enabled", "TWINGUARD_METRICS_ENABLED")

		util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
		util.MustBindEnv("metrics.addr", "TWINGUARD_METRICS_ADDR")

		util.MustBindPFlag("websocket.subscriberBackpressureQueueSize", flags.Lookup("websocket-subscriber-backpressure-queue-size"))
		util.MustBindEnv("websocket.subscriberBackpressureQueueSize", "TWINGUARD_WEBSOCKET_SUBSCRIBER_BACKPRESSURE_QUEUE_SIZE")

		util.MustBindPFlag("websocket.publisherBackpressureBufferSize", flags.Lookup("websocket-publisher-backpressure-buffer-size"))
		util.MustBindEnv("websocket.publisherBackpressureBufferSize", "TWINGUARD_WEBSOCKET_PUBLISHER_BACKPRESSURE_BUFFER_SIZE")

		util.MustBindPFlag("websocket.throttlingRejectionFactor", flags.Lookup("websocket-throttling-rejection-factor"))
		util.MustBindEnv("websocket.throttlingRejectionFactor", "TWINGUARD_WEBSOCKET_THROTTLING_REJECTION_FACTOR")

		util.MustBindPFlag("websocket.throttling.enabled", flags.Lookup("websocket-throttling-enabled"))
		util.MustBindEnv("websocket.throttling.enabled", "TWINGUARD_WEBSOCKET_THROTTLING_ENABLED")

		util.MustBindPFlag("websocket.throttling.interval", flags.Lookup("websocket-throttling-interval"))
		util.MustBindEnv("websocket.throttling.interval", "TWINGUARD_WEBSOCKET_THROTTLING_INTERVAL")

		util.MustBindPFlag("websocket.throttling.limit", flags.Lookup("websocket-throttling-limit"))
		util.MustBindEnv("websocket.throttling.limit", "TWINGUARD_WEBSOCKET_THROTTLING_LIMIT")

		util.MustBindPFlag("websocket.sniffer", flags.Lookup("websocket-sniffer"))
		util.MustBindEnv("websocket.sniffer", "TWINGUARD_WEBSOCKET_SNIFFER")

		util.MustBindPFlag("smartChannel.liveChannelTimeout", flags.Lookup("smart-channel-live-channel-timeout"))
		util.MustBindEnv("smartChannel.liveChannelTimeout", "TWINGUARD_SMART_CHANNEL_LIVE_CHANNEL_TIMEOUT")

		util.MustBindPFlag("smartChannel.maxLiveChannelTimeout", flags.Lookup("smart-channel-max-live-channel-timeout"))
		util.MustBindEnv("smartChannel.maxLiveChannelTimeout", "TWINGUARD_SMART_CHANNEL_MAX_LIVE_CHANNEL_TIMEOUT")

		util.MustBindPFlag("smartChannel.defaultTimeoutStrategy", flags.Lookup("smart-channel-default-timeout-strategy"))
		util.MustBindEnv("smartChannel.defaultTimeoutStrategy", "TWINGUARD_SMART_CHANNEL_DEFAULT_TIMEOUT_STRATEGY")

		util.MustBindPFlag("smartChannel.conditionCacheSize", flags.Lookup("smart-channel-condition-cache-size"))
		util.MustBindEnv("smartChannel.conditionCacheSize", "TWINGUARD_SMART_CHANNEL_CONDITION_CACHE_SIZE")

		util.MustBindPFlag("enforcement.shards", flags.Lookup("enforcement-shards"))
		util.MustBindEnv("enforcement.shards", "TWINGUARD_ENFORCEMENT_SHARDS")

		util.MustBindPFlag("enforcement.mailboxSize", flags.Lookup("enforcement-mailbox-size"))
		util.MustBindEnv("enforcement.mailboxSize", "TWINGUARD_ENFORCEMENT_MAILBOX_SIZE")

		util.MustBindPFlag("enforcement.idleTimeout", flags.Lookup("enforcement-idle-timeout"))
		util.MustBindEnv("enforcement.idleTimeout", "TWINGUARD_ENFORCEMENT_IDLE_TIMEOUT")

		util.MustBindPFlag("enforcement.transformers", flags.Lookup("enforcement-transformers"))
		util.MustBindEnv("enforcement.transformers", "TWINGUARD_ENFORCEMENT_TRANSFORMERS")

		util.MustBindPFlag("enforcement.policyLookupMaxRetries", flags.Lookup("enforcement-policy-lookup-max-retries"))
		util.MustBindEnv("enforcement.policyLookupMaxRetries", "TWINGUARD_ENFORCEMENT_POLICY_LOOKUP_MAX_RETRIES")

		util.MustBindPFlag("enforcement.policyLookupDeadline", flags.Lookup("enforcement-policy-lookup-deadline"))
		util.MustBindEnv("enforcement.policyLookupDeadline", "TWINGUARD_ENFORCEMENT_POLICY_LOOKUP_DEADLINE")

		util.MustBindPFlag("enforcement.policyCacheSize", flags.Lookup("enforcement-policy-cache-size"))
		util.MustBindEnv("enforcement.policyCacheSize", "TWINGUARD_ENFORCEMENT_POLICY_CACHE_SIZE")

		util.MustBindPFlag("enforcement.policyCacheTTL", flags.Lookup("enforcement-policy-cache-ttl"))
		util.MustBindEnv("enforcement.policyCacheTTL", "TWINGUARD_ENFORCEMENT_POLICY_CACHE_TTL")

		util.MustBindPFlag("enforcement.twinStoreMaxRetries", flags.Lookup("enforcement-twin-store-max-retries"))
		util.MustBindEnv("enforcement.twinStoreMaxRetries", "TWINGUARD_ENFORCEMENT_TWIN_STORE_MAX_RETRIES")

		util.MustBindPFlag("enforcement.twinStoreRetryDeadline", flags.Lookup("enforcement-twin-store-retry-deadline"))
		util.MustBindEnv("enforcement.twinStoreRetryDeadline", "TWINGUARD_ENFORCEMENT_TWIN_STORE_RETRY_DEADLINE")

		util.MustBindPFlag("enforcement.maxConcurrentTwinStoreOps", flags.Lookup("enforcement-max-concurrent-twin-store-ops"))
		util.MustBindEnv("enforcement.maxConcurrentTwinStoreOps", "TWINGUARD_ENFORCEMENT_MAX_CONCURRENT_TWIN_STORE_OPS")

		util.MustBindPFlag("cluster.replicaID", flags.Lookup("cluster-replica-id"))
		util.MustBindEnv("cluster.replicaID", "TWINGUARD_CLUSTER_REPLICA_ID")

		util.MustBindPFlag("cluster.addr", flags.Lookup("cluster-addr"))
		util.MustBindEnv("cluster.addr", "TWINGUARD_CLUSTER_ADDR")

		util.MustBindPFlag("cluster.peers", flags.Lookup("cluster-peers"))
		util.MustBindEnv("cluster.peers", "TWINGUARD_CLUSTER_PEERS")

		util.MustBindPFlag("cluster.gossipPeriod", flags.Lookup("cluster-gossip-period"))
		util.MustBindEnv("cluster.gossipPeriod", "TWINGUARD_CLUSTER_GOSSIP_PERIOD")

		util.MustBindPFlag("cluster.retryTimeout", flags.Lookup("cluster-retry-timeout"))
		util.MustBindEnv("cluster.retryTimeout", "TWINGUARD_CLUSTER_RETRY_TIMEOUT")

		util.MustBindPFlag("cluster.subscriptionConsistency", flags.Lookup("cluster-subscription-consistency"))
		util.MustBindEnv("cluster.subscriptionConsistency", "TWINGUARD_CLUSTER_SUBSCRIPTION_CONSISTENCY")
	}
}
