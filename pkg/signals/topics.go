package signals

const (
	TopicLiveCommands = "live-commands"
	TopicLiveEvents   = "live-events"
	TopicTwinEvents   = "twin-events"

	// TopicPolicyChanged tells every replica to drop what it cached of a policy.
	TopicPolicyChanged = "policy-changed"

	liveResponsesPrefix = "live-responses/"
	policyWatcherPrefix = "policy-watcher/"
)

// LiveResponsesTopic is the topic a replica subscribes to for live responses
// that arrive at a different replica than the one waiting for them.
func LiveResponsesTopic(replicaID string) string {
	return liveResponsesPrefix + replicaID
}

// PolicyWatcherID is the subscriber id of the policy-changed listener of a replica.
func PolicyWatcherID(replicaID string) string {
	return policyWatcherPrefix + replicaID
}
