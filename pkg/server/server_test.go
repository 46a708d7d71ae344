package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/openfga/twinguard/internal/backpressure"
	"github.com/openfga/twinguard/pkg/policy"
	"github.com/openfga/twinguard/pkg/pubsub"
	"github.com/openfga/twinguard/pkg/server/config"
	serverErrors "github.com/openfga/twinguard/pkg/server/errors"
	"github.com/openfga/twinguard/pkg/signals"
	"github.com/openfga/twinguard/pkg/storage/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const seed = `
policies:
  org.acme:lamp:
    id: org.acme:lamp-policy
    revision: 1
    resources:
      "thing:/":
        - {subject: "google:alice", permission: READ, effect: GRANT}
        - {subject: "google:alice", permission: WRITE, effect: GRANT}
        - {subject: "device:lamp", permission: READ, effect: GRANT}
        - {subject: "device:lamp", permission: WRITE, effect: GRANT}
twins:
  org.acme:lamp:
    revision: 1
    document:
      thingId: org.acme:lamp
      attributes:
        location: kitchen
`

var (
	alice  = signals.NewAuthorizationContext("jwt", "google:alice")
	device = signals.NewAuthorizationContext("x509", "device:lamp")
)

func newServer(t *testing.T, opts ...TwinguardServiceOption) *Server {
	t.Helper()
	ds := memory.New()
	require.NoError(t, ds.Seed([]byte(seed)))

	cfg := config.MustDefaultConfig()
	cfg.SmartChannel.LiveChannelTimeout = 2 * time.Second

	s, err := NewServerWithOpts(append([]TwinguardServiceOption{WithDatastore(ds), WithConfig(cfg)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close(context.Background()))
	})
	return s
}

func command(auth signals.AuthorizationContext, kind signals.CommandKind, path, payload string) signals.Command {
	cmd := signals.Command{EntityID: "org.acme:lamp", Kind: kind, ResourcePath: path, AuthContext: auth}
	if payload != "" {
		cmd.Payload = json.RawMessage(payload)
	}
	return cmd
}

func receive(t *testing.T, c *backpressure.Connection) signals.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env, err := c.Receive(ctx)
	require.NoError(t, err)
	return env
}

func TestNewServerWithOpts(t *testing.T) {
	t.Run("requires_a_datastore", func(t *testing.T) {
		_, err := NewServerWithOpts()
		require.ErrorContains(t, err, "a datastore option must be provided")
	})

	t.Run("rejects_an_invalid_config", func(t *testing.T) {
		cfg := config.MustDefaultConfig()
		cfg.Websocket.SubscriberBackpressureQueueSize = 0
		_, err := NewServerWithOpts(WithDatastore(memory.New()), WithConfig(cfg))
		require.ErrorContains(t, err, "invalid configuration")
	})

	t.Run("rejects_an_unknown_transformer", func(t *testing.T) {
		cfg := config.MustDefaultConfig()
		cfg.Enforcement.Transformers = []string{"uppercase"}
		_, err := NewServerWithOpts(WithDatastore(memory.New()), WithConfig(cfg))
		require.Error(t, err)
	})

	t.Run("ready_with_memory_datastore", func(t *testing.T) {
		s := newServer(t)
		ready, err := s.IsReady(context.Background())
		require.NoError(t, err)
		require.True(t, ready)
	})
}

func TestDispatch(t *testing.T) {
	s := newServer(t)

	resp := s.Dispatch(context.Background(), command(alice, signals.KindModify, "thing:/attributes/location", `"hall"`))
	require.False(t, resp.Failed(), resp.Err)
	require.NotEmpty(t, resp.CorrelationID())

	resp = s.Dispatch(context.Background(), command(alice, signals.KindRetrieve, "thing:/attributes", ""))
	require.False(t, resp.Failed(), resp.Err)
	require.JSONEq(t, `{"location":"hall"}`, string(resp.Payload))

	resp = s.Dispatch(context.Background(), command(signals.NewAuthorizationContext("jwt", "google:mallory"), signals.KindRetrieve, "thing:/", ""))
	require.ErrorIs(t, resp.Err, serverErrors.ErrUnauthorized)
}

func TestConnectionReceivesResponsesAndEvents(t *testing.T) {
	s := newServer(t)

	conn, err := s.Connect(context.Background(), alice)
	require.NoError(t, err)
	require.NoError(t, conn.Subscribe(context.Background(), pubsub.ConsistencyLocal, signals.TopicTwinEvents))

	cmd := command(signals.AuthorizationContext{}, signals.KindModify, "thing:/attributes/location", `"hall"`).
		WithHeader(signals.HeaderCorrelationID, "modify-1")
	require.NoError(t, conn.TrySubmit(context.Background(), cmd))

	// the event is published before the response is handed back
	var gotEvent, gotResponse bool
	for !gotEvent || !gotResponse {
		env := receive(t, conn)
		switch {
		case env.Event != nil:
			require.Equal(t, signals.EventTwinMerged, env.Event.Name)
			require.Equal(t, int64(2), env.Event.Revision)
			gotEvent = true
		case env.Response != nil:
			require.False(t, env.Response.Failed(), env.Response.Err)
			require.Equal(t, "modify-1", env.Response.CorrelationID())
			gotResponse = true
		}
	}
}

func TestLiveQueryAnsweredByDevice(t *testing.T) {
	s := newServer(t)

	deviceConn, err := s.Connect(context.Background(), device)
	require.NoError(t, err)
	require.NoError(t, deviceConn.Subscribe(context.Background(), pubsub.ConsistencyLocal, signals.TopicLiveCommands))

	answered := make(chan struct{})
	go func() {
		defer close(answered)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		env, err := deviceConn.Receive(ctx)
		if err != nil || env.Command == nil {
			return
		}
		deviceConn.Respond(ctx, signals.NewResponse(*env.Command, json.RawMessage(`{"thingId":"org.acme:lamp","attributes":{"location":"garden"}}`)))
	}()

	client, err := s.Connect(context.Background(), alice)
	require.NoError(t, err)

	query := command(signals.AuthorizationContext{}, signals.KindRetrieve, "thing:/", "").
		WithHeader(signals.HeaderCorrelationID, "live-1").
		WithHeader(signals.HeaderLiveChannelCondition, `eq(attributes/location,"kitchen")`)
	require.NoError(t, client.TrySubmit(context.Background(), query))

	resp := receive(t, client).Response
	<-answered
	require.NotNil(t, resp)
	require.False(t, resp.Failed(), resp.Err)
	require.Equal(t, "live-1", resp.CorrelationID())
	require.True(t, resp.Headers.ConditionMatched())
	require.JSONEq(t, `{"thingId":"org.acme:lamp","attributes":{"location":"garden"}}`, string(resp.Payload))
}

func TestWritePolicyTakesEffect(t *testing.T) {
	s := newServer(t)

	resp := s.Dispatch(context.Background(), command(alice, signals.KindRetrieve, "thing:/", ""))
	require.False(t, resp.Failed(), resp.Err)

	p, err := policy.New("org.acme:lamp-policy", 2, map[string][]policy.Grant{
		"thing:/": {{Subject: "device:lamp", Permission: policy.PermissionRead, Effect: policy.EffectGrant}},
	})
	require.NoError(t, err)
	require.NoError(t, s.WritePolicy(context.Background(), "org.acme:lamp", p))

	resp = s.Dispatch(context.Background(), command(alice, signals.KindRetrieve, "thing:/", ""))
	require.ErrorIs(t, resp.Err, serverErrors.ErrUnauthorized)

	resp = s.Dispatch(context.Background(), command(device, signals.KindRetrieve, "thing:/", ""))
	require.False(t, resp.Failed(), resp.Err)
}

func TestCloseRejectsConnections(t *testing.T) {
	ds := memory.New()
	s, err := NewServerWithOpts(WithDatastore(ds), WithConfig(config.MustDefaultConfig()))
	require.NoError(t, err)

	conn, err := s.Connect(context.Background(), alice)
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	_, err = s.Connect(context.Background(), alice)
	require.ErrorIs(t, err, serverErrors.ErrTransient)
	require.ErrorIs(t, conn.TrySubmit(context.Background(), command(alice, signals.KindRetrieve, "thing:/", "")), serverErrors.ErrTransient)
}

func TestPolicyChangesReachEveryReplica(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	require.NoError(t, ds.Seed([]byte(seed)))
	network := pubsub.NewMemoryNetwork()

	replica := func(id, peer string) *Server {
		cfg := config.MustDefaultConfig()
		cfg.Cluster.ReplicaID = id
		cfg.Cluster.GossipPeriod = 20 * time.Millisecond
		cfg.Enforcement.PolicyCacheTTL = time.Hour

		s, err := NewServerWithOpts(WithDatastore(ds), WithConfig(cfg), WithTransport(network.Transport(id), peer))
		require.NoError(t, err)
		network.Join(id, s.Registry())
		t.Cleanup(func() {
			require.NoError(t, s.Close(context.Background()))
		})
		return s
	}
	a := replica("a", "b")
	b := replica("b", "a")

	require.Eventually(t, func() bool {
		return len(a.Registry().Subscribers(signals.TopicPolicyChanged)) == 2
	}, 5*time.Second, 10*time.Millisecond)

	read := command(alice, signals.KindRetrieve, "thing:/", "")
	resp := b.Dispatch(ctx, read)
	require.False(t, resp.Failed(), resp.Err)

	revoked, err := policy.New("org.acme:lamp-policy", 2, map[string][]policy.Grant{
		"thing:/": {
			{Subject: "google:alice", Permission: policy.PermissionRead, Effect: policy.EffectDeny},
			{Subject: "device:lamp", Permission: policy.PermissionRead, Effect: policy.EffectGrant},
		},
	})
	require.NoError(t, err)
	require.NoError(t, a.WritePolicy(ctx, "org.acme:lamp", revoked))

	// b cached the old policy for an hour, the announcement dropped it
	resp = b.Dispatch(ctx, read)
	require.ErrorIs(t, resp.Err, serverErrors.ErrUnauthorized)
	resp = a.Dispatch(ctx, read)
	require.ErrorIs(t, resp.Err, serverErrors.ErrUnauthorized)
}

func TestLiveConditionIgnoresHiddenFields(t *testing.T) {
	ds := memory.New()
	require.NoError(t, ds.Seed([]byte(`
policies:
  org.acme:lamp:
    id: org.acme:lamp-policy
    revision: 1
    resources:
      "thing:/":
        - {subject: "google:alice", permission: READ, effect: GRANT}
      "thing:/attributes/secret":
        - {subject: "google:alice", permission: READ, effect: DENY}
twins:
  org.acme:lamp:
    document:
      thingId: org.acme:lamp
      attributes:
        location: kitchen
        secret: s3cr3t
`)))
	s, err := NewServerWithOpts(WithDatastore(ds))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close(context.Background()))
	})

	for _, guess := range []string{"nope", "s3cr3t"} {
		t.Run(guess, func(t *testing.T) {
			cmd := command(alice, signals.KindRetrieve, "thing:/", "").
				WithHeader(signals.HeaderCorrelationID, "guess-"+guess).
				WithHeader(signals.HeaderLiveChannelCondition, `eq(attributes/secret,"`+guess+`")`).
				WithHeader(signals.HeaderTimeout, "50ms")

			resp := s.Dispatch(context.Background(), cmd)
			require.False(t, resp.Failed(), resp.Err)
			require.False(t, resp.Headers.ConditionMatched())
			require.JSONEq(t, `{"thingId":"org.acme:lamp","attributes":{"location":"kitchen"}}`, string(resp.Payload))
		})
	}
}
