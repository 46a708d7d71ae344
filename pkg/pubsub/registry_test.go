package pubsub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/openfga/twinguard/pkg/signals"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	id string

	mu       sync.Mutex
	received []signals.Envelope
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(_ context.Context, _ string, env signals.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, env)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func newCluster(t *testing.T, size int) (*MemoryNetwork, []*Registry) {
	t.Helper()
	network := NewMemoryNetwork()
	ids := make([]string, size)
	for i := range ids {
		ids[i] = fmt.Sprintf("replica-%d", i)
	}

	replicas := make([]*Registry, size)
	for i, id := range ids {
		var peers []string
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		replicas[i] = NewRegistry(id, network.Transport(id),
			WithPeers(peers...),
			WithRetryTimeout(50*time.Millisecond),
		)
		network.Join(id, replicas[i])
	}

	t.Cleanup(func() {
		for _, r := range replicas {
			r.Close()
		}
	})
	return network, replicas
}

func liveCommand(correlationID string) signals.Envelope {
	return signals.CommandEnvelope(signals.Command{
		EntityID:     "org.acme:lamp",
		Kind:         signals.KindRetrieve,
		ResourcePath: "thing:/",
		Headers:      signals.Headers{signals.HeaderCorrelationID: correlationID},
	})
}

func TestConsistencyRequired(t *testing.T) {
	var tests = []struct {
		consistency Consistency
		size        int
		required    int
	}{
		{ConsistencyLocal, 5, 1},
		{ConsistencyMajority, 1, 1},
		{ConsistencyMajority, 3, 2},
		{ConsistencyMajority, 4, 3},
		{ConsistencyMajority, 5, 3},
		{ConsistencyAll, 5, 5},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%s_%d", test.consistency, test.size), func(t *testing.T) {
			require.Equal(t, test.required, test.consistency.Required(test.size))
		})
	}

	c, err := ParseConsistency("quorum")
	require.NoError(t, err)
	require.Equal(t, ConsistencyMajority, c)

	_, err = ParseConsistency("some")
	require.Error(t, err)
}

func TestQuorumSubscribeIsObservedByMajority(t *testing.T) {
	ctx := context.Background()
	network, replicas := newCluster(t, 5)
	owner := replicas[0]

	// replicas 3 and 4 cannot hear the owner
	network.Partition(owner.ID(), replicas[3].ID())
	network.Partition(owner.ID(), replicas[4].ID())

	sub := &recorder{id: "connection-1"}
	err := owner.Subscribe(ctx, []string{signals.TopicLiveCommands}, sub, ConsistencyMajority, true)
	require.NoError(t, err)

	var informed int
	for _, r := range replicas {
		if len(r.Subscribers(signals.TopicLiveCommands)) == 1 {
			informed++
		}
	}
	require.GreaterOrEqual(t, informed, 3)

	// a publish from a replica holding the membership reaches the subscriber
	for _, r := range replicas[:3] {
		if len(r.Subscribers(signals.TopicLiveCommands)) == 0 {
			continue
		}
		n, err := r.Publish(ctx, signals.TopicLiveCommands, liveCommand("c-"+r.ID()))
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
	require.Positive(t, sub.count())

	// the partitioned replicas know nothing yet
	n, err := replicas[3].Publish(ctx, signals.TopicLiveCommands, liveCommand("c-3"))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestAllConsistencyNotReachedUnderPartition(t *testing.T) {
	ctx := context.Background()
	network, replicas := newCluster(t, 3)
	network.Partition(replicas[0].ID(), replicas[2].ID())

	err := replicas[0].Subscribe(ctx, []string{signals.TopicLiveCommands}, &recorder{id: "connection-1"}, ConsistencyAll, true)
	require.ErrorIs(t, err, ErrConsistencyNotReached)
	require.ErrorIs(t, err, ErrPeerUnreachable)

	// the local apply happened regardless
	require.Equal(t, []string{"connection-1"}, replicas[0].Subscribers(signals.TopicLiveCommands))
}

func TestUnacknowledgedSubscribeReturnsAfterLocalApply(t *testing.T) {
	ctx := context.Background()
	network, replicas := newCluster(t, 3)
	network.Partition(replicas[0].ID(), replicas[1].ID())
	network.Partition(replicas[0].ID(), replicas[2].ID())

	err := replicas[0].Subscribe(ctx, []string{signals.TopicLiveEvents}, &recorder{id: "connection-1"}, ConsistencyAll, false)
	require.NoError(t, err)
	require.Equal(t, []string{"connection-1"}, replicas[0].Subscribers(signals.TopicLiveEvents))
}

func TestReplicasConvergeAfterGossip(t *testing.T) {
	ctx := context.Background()
	network, replicas := newCluster(t, 3)
	network.Partition(replicas[0].ID(), replicas[1].ID())
	network.Partition(replicas[0].ID(), replicas[2].ID())

	a, b := &recorder{id: "connection-a"}, &recorder{id: "connection-b"}
	require.NoError(t, replicas[0].Subscribe(ctx, []string{signals.TopicLiveCommands, signals.TopicTwinEvents}, a, ConsistencyLocal, true))
	require.NoError(t, replicas[1].Subscribe(ctx, []string{signals.TopicLiveCommands}, b, ConsistencyLocal, true))
	require.NoError(t, replicas[0].Unsubscribe(ctx, []string{signals.TopicTwinEvents}, a.ID(), ConsistencyLocal, true))

	network.Heal()
	for _, r := range replicas {
		require.NoError(t, r.Gossip(ctx))
	}

	want := replicas[0].Snapshot()
	for _, r := range replicas[1:] {
		if diff := cmp.Diff(want, r.Snapshot()); diff != "" {
			t.Fatalf("replica %s diverged (-want +got):\n%s", r.ID(), diff)
		}
	}
	require.Equal(t, []string{"connection-a", "connection-b"}, replicas[2].Subscribers(signals.TopicLiveCommands))
	require.Empty(t, replicas[2].Subscribers(signals.TopicTwinEvents))

	// every replica now reaches both subscribers
	n, err := replicas[2].Publish(ctx, signals.TopicLiveCommands, liveCommand("c-1"))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 1, a.count())
	require.Equal(t, 1, b.count())
}

func TestMergeIsLastWriterWins(t *testing.T) {
	r := NewRegistry("replica-0", NewMemoryNetwork().Transport("replica-0"))
	defer r.Close()

	older := Entry{Topic: "t", Subscriber: "s", Owner: "replica-1", Subscribed: true, Clock: 3, Writer: "replica-1"}
	newer := Entry{Topic: "t", Subscriber: "s", Owner: "replica-1", Subscribed: false, Clock: 4, Writer: "replica-2"}
	tie := Entry{Topic: "t", Subscriber: "s", Owner: "replica-1", Subscribed: true, Clock: 4, Writer: "replica-1"}

	// order of arrival does not matter
	r.merge([]Entry{newer})
	r.merge([]Entry{older, tie})
	require.Equal(t, []Entry{newer}, r.Snapshot())

	// the local clock moved past what it merged
	require.NoError(t, r.Subscribe(context.Background(), []string{"t"}, &recorder{id: "s"}, ConsistencyLocal, true))
	got := r.Snapshot()
	require.Len(t, got, 1)
	require.EqualValues(t, 5, got[0].Clock)
	require.True(t, got[0].Subscribed)
}

func TestPublishToStaleSubscriberFails(t *testing.T) {
	ctx := context.Background()
	_, replicas := newCluster(t, 2)

	require.NoError(t, replicas[0].Subscribe(ctx, []string{signals.TopicLiveCommands}, &recorder{id: "connection-1"}, ConsistencyAll, true))

	// the owner forgets the handler without telling anyone
	replicas[0].mu.Lock()
	delete(replicas[0].local, "connection-1")
	replicas[0].mu.Unlock()

	n, err := replicas[1].Publish(ctx, signals.TopicLiveCommands, liveCommand("c-1"))
	require.Equal(t, 1, n)
	require.ErrorIs(t, err, ErrSubscriberNotFound)
}

func TestClosedRegistryRejectsUpdates(t *testing.T) {
	r := NewRegistry("replica-0", NewMemoryNetwork().Transport("replica-0"))
	r.Close()

	err := r.Subscribe(context.Background(), []string{"t"}, &recorder{id: "s"}, ConsistencyLocal, true)
	require.ErrorIs(t, err, ErrRegistryClosed)
}
