package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedact(t *testing.T) {
	p := mustPolicy(t, map[string][]Grant{
		"thing:/": {
			{Subject: "google:alice", Permission: PermissionRead, Effect: EffectGrant},
		},
		"thing:/attributes/secret": {
			{Subject: "google:alice", Permission: PermissionRead, Effect: EffectDeny},
		},
		"thing:/features/lamp/properties/on": {
			{Subject: "google:bob", Permission: PermissionRead, Effect: EffectGrant},
		},
	})

	payload := json.RawMessage(`{"thingId":"org.acme:lamp","attributes":{"location":"kitchen","secret":{"pin":1234}},"features":{"lamp":{"properties":{"on":true,"watts":9}}}}`)

	t.Run("deny_below_grant", func(t *testing.T) {
		out, ok := Redact(p, alice, path("thing:/"), payload)
		require.True(t, ok)
		require.JSONEq(t, `{"thingId":"org.acme:lamp","attributes":{"location":"kitchen"},"features":{"lamp":{"properties":{"on":true,"watts":9}}}}`, string(out))
	})

	t.Run("readable_only_through_child", func(t *testing.T) {
		out, ok := Redact(p, bob, path("thing:/"), payload)
		require.True(t, ok)
		require.Equal(t, `{"features":{"lamp":{"properties":{"on":true}}}}`, string(out))
	})

	t.Run("sub_resource", func(t *testing.T) {
		out, ok := Redact(p, alice, path("thing:/attributes"), json.RawMessage(`{"secret":{"pin":1},"location":"hall"}`))
		require.True(t, ok)
		require.Equal(t, `{"location":"hall"}`, string(out))
	})

	t.Run("nothing_readable", func(t *testing.T) {
		_, ok := Redact(p, alice, path("thing:/attributes/secret"), json.RawMessage(`{"pin":1}`))
		require.False(t, ok)
	})

	t.Run("scalar_leaf", func(t *testing.T) {
		out, ok := Redact(p, bob, path("thing:/features/lamp/properties/on"), json.RawMessage(`true`))
		require.True(t, ok)
		require.Equal(t, `true`, string(out))
	})

	t.Run("nil_policy", func(t *testing.T) {
		_, ok := Redact(nil, alice, path("thing:/"), payload)
		require.False(t, ok)
	})

	t.Run("preserves_order_and_raw_values", func(t *testing.T) {
		in := json.RawMessage(`{"z":1.50,"a":"x","m":[3,2,1]}`)
		out, ok := Redact(p, both, path("thing:/attributes/other"), in)
		require.True(t, ok)
		require.Equal(t, string(in), string(out))
	})
}
