package signals

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	serverErrors "github.com/openfga/twinguard/pkg/server/errors"
)

func TestCommandWithHeaderDoesNotMutate(t *testing.T) {
	cmd := Command{EntityID: "org.acme:lamp", Headers: Headers{HeaderCorrelationID: "c-1"}}
	derived := cmd.WithHeader(HeaderChannel, "live")

	require.False(t, cmd.Headers.Has(HeaderChannel))
	require.Equal(t, "c-1", derived.CorrelationID())
	require.Equal(t, ChannelLive, derived.Headers.Channel())
}

func TestCommandValidate(t *testing.T) {
	valid := Command{EntityID: "org.acme:lamp", Kind: KindRetrieve, ResourcePath: "thing:/"}
	require.NoError(t, valid.Validate())

	tests := map[string]struct {
		mutate  func(Command) Command
		wantErr error
	}{
		`no_entity`: {
			mutate:  func(c Command) Command { c.EntityID = ""; return c },
			wantErr: ErrMissingEntityID,
		},
		`unknown_kind`: {
			mutate:  func(c Command) Command { c.Kind = "reboot"; return c },
			wantErr: ErrUnknownKind,
		},
		`bad_path`: {
			mutate:  func(c Command) Command { c.ResourcePath = "//"; return c },
			wantErr: ErrMalformedResourcePath,
		},
		`bad_payload`: {
			mutate: func(c Command) Command { c.Payload = json.RawMessage(`{"a":`); return c },
		},
		`bad_timeout`: {
			mutate: func(c Command) Command { return c.WithHeader(HeaderTimeout, "never") },
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := test.mutate(valid).Validate()
			require.Error(t, err)
			if test.wantErr != nil {
				require.ErrorIs(t, err, test.wantErr)
			}
		})
	}
}

func TestCommandIsLiveQuery(t *testing.T) {
	base := Command{EntityID: "e", Kind: KindRetrieve, ResourcePath: "/"}
	require.False(t, base.IsLiveQuery())
	require.True(t, base.WithHeader(HeaderChannel, "live").IsLiveQuery())
	require.True(t, base.WithHeader(HeaderLiveChannelCondition, "exists(thingId)").IsLiveQuery())

	modify := base
	modify.Kind = KindModify
	require.False(t, modify.WithHeader(HeaderChannel, "live").IsLiveQuery())
}

func TestNewErrorResponse(t *testing.T) {
	cmd := Command{EntityID: "org.acme:lamp", ResourcePath: "/", Headers: Headers{HeaderCorrelationID: "c-9"}}

	resp := NewErrorResponse(cmd, serverErrors.LiveTimeout(0))
	require.True(t, resp.Failed())
	require.Equal(t, "c-9", resp.CorrelationID())
	require.Equal(t, "c-9", resp.Err.CorrelationID)
	require.Equal(t, "org.acme:lamp", resp.Err.EntityID)
	require.ErrorIs(t, resp.Err, serverErrors.ErrLiveTimeout)

	resp = NewErrorResponse(cmd, errors.New("boom"))
	require.ErrorIs(t, resp.Err, serverErrors.ErrInternal)
}

func TestNewResponseKeepsRoutingHeaders(t *testing.T) {
	cmd := Command{EntityID: "org.acme:lamp", ResourcePath: "/", Headers: Headers{
		HeaderCorrelationID:    "c-1",
		HeaderResponseReceiver: "replica-2",
		HeaderChannel:          "live",
	}}

	resp := NewResponse(cmd, []byte(`{}`))
	require.Equal(t, Headers{HeaderCorrelationID: "c-1", HeaderResponseReceiver: "replica-2"}, resp.Headers)
}
