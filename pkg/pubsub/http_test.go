package pubsub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/openfga/twinguard/pkg/logger"
	"github.com/openfga/twinguard/pkg/signals"
)

// handlerFor lets a test server exist before the registry it serves.
type handlerFor struct {
	h http.Handler
}

func (h *handlerFor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.h.ServeHTTP(w, r)
}

func TestHTTPTransport(t *testing.T) {
	ctx := context.Background()

	handlerA, handlerB := &handlerFor{}, &handlerFor{}
	serverA := httptest.NewServer(handlerA)
	defer serverA.Close()
	serverB := httptest.NewServer(handlerB)
	defer serverB.Close()

	transportA := NewHTTPTransport(map[string]string{"b": serverB.URL + "/"}, WithHTTPRetryMax(0), WithHTTPTimeout(time.Second))
	defer transportA.Close()
	transportB := NewHTTPTransport(map[string]string{"a": serverA.URL}, WithHTTPRetryMax(0))
	defer transportB.Close()

	a := NewRegistry("a", transportA, WithPeers("b"), WithRetryTimeout(50*time.Millisecond))
	defer a.Close()
	b := NewRegistry("b", transportB, WithPeers("a"), WithRetryTimeout(50*time.Millisecond))
	defer b.Close()

	handlerA.h = NewHTTPHandler(a, logger.NewNoopLogger())
	handlerB.h = NewHTTPHandler(b, logger.NewNoopLogger())

	sub := &recorder{id: "connection-1"}
	require.NoError(t, a.Subscribe(ctx, []string{signals.LiveResponsesTopic("a")}, sub, ConsistencyAll, true))
	require.Equal(t, []string{"connection-1"}, b.Subscribers(signals.LiveResponsesTopic("a")))

	t.Run("forward_round_trips_the_envelope", func(t *testing.T) {
		env := signals.ResponseEnvelope(signals.Response{
			EntityID:     "org.acme:lamp",
			ResourcePath: "thing:/",
			Payload:      []byte(`{"on":true}`),
			Headers:      signals.Headers{signals.HeaderCorrelationID: "c-1"},
		})
		n, err := b.Publish(ctx, signals.LiveResponsesTopic("a"), env)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		require.Equal(t, 1, sub.count())
		if diff := cmp.Diff(env, sub.received[0]); diff != "" {
			t.Fatalf("envelope mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("exchange_converges", func(t *testing.T) {
		require.NoError(t, b.Subscribe(ctx, []string{signals.TopicLiveEvents}, &recorder{id: "connection-2"}, ConsistencyLocal, false))
		require.NoError(t, a.Gossip(ctx))
		if diff := cmp.Diff(a.Snapshot(), b.Snapshot()); diff != "" {
			t.Fatalf("replicas diverged (-a +b):\n%s", diff)
		}
	})

	t.Run("unknown_subscriber_is_not_found", func(t *testing.T) {
		err := transportB.Forward(ctx, "a", Delivery{Topic: "t", Subscriber: "nobody", Envelope: liveCommand("c-2")})
		require.ErrorIs(t, err, ErrSubscriberNotFound)
	})

	t.Run("unknown_peer", func(t *testing.T) {
		err := transportA.Replicate(ctx, "c", nil)
		require.ErrorIs(t, err, ErrPeerUnreachable)
	})

	t.Run("bad_body", func(t *testing.T) {
		resp, err := http.Post(serverA.URL+replicatePath, contentTypeCBOR, http.NoBody)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		http.DefaultClient.CloseIdleConnections()
	})
}
