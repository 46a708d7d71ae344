package storage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openfga/twinguard/pkg/signals"
)

func command(kind signals.CommandKind, path, payload string) signals.Command {
	cmd := signals.Command{EntityID: "org.acme:lamp", Kind: kind, ResourcePath: path}
	if payload != "" {
		cmd.Payload = json.RawMessage(payload)
	}
	return cmd
}

func TestApplyCommand(t *testing.T) {
	now := time.Now()
	current := &TwinState{
		EntityID: "org.acme:lamp",
		Revision: 3,
		Payload:  json.RawMessage(`{"thingId":"org.acme:lamp","attributes":{"location":"kitchen"}}`),
	}

	t.Run("create", func(t *testing.T) {
		got, err := ApplyCommand(nil, command(signals.KindModify, "thing:/", `{"attributes":{}}`), now)
		require.NoError(t, err)
		require.EqualValues(t, 1, got.Revision)
		require.JSONEq(t, `{"attributes":{}}`, string(got.Payload))
	})

	t.Run("create_needs_object", func(t *testing.T) {
		_, err := ApplyCommand(nil, command(signals.KindModify, "thing:/", `[1]`), now)
		require.ErrorIs(t, err, ErrInvalidDocument)
	})

	t.Run("modify_sub_path", func(t *testing.T) {
		got, err := ApplyCommand(current, command(signals.KindModify, "thing:/attributes/on", `true`), now)
		require.NoError(t, err)
		require.EqualValues(t, 4, got.Revision)
		require.JSONEq(t, `{"thingId":"org.acme:lamp","attributes":{"location":"kitchen","on":true}}`, string(got.Payload))
		require.JSONEq(t, `{"thingId":"org.acme:lamp","attributes":{"location":"kitchen"}}`, string(current.Payload))
	})

	t.Run("modify_missing_twin", func(t *testing.T) {
		_, err := ApplyCommand(nil, command(signals.KindModify, "thing:/attributes/on", `true`), now)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete_field", func(t *testing.T) {
		got, err := ApplyCommand(current, command(signals.KindDelete, "thing:/attributes/location", ""), now)
		require.NoError(t, err)
		require.JSONEq(t, `{"thingId":"org.acme:lamp","attributes":{}}`, string(got.Payload))
	})

	t.Run("delete_missing_field", func(t *testing.T) {
		_, err := ApplyCommand(current, command(signals.KindDelete, "thing:/attributes/colour", ""), now)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete_twin", func(t *testing.T) {
		got, err := ApplyCommand(current, command(signals.KindDelete, "thing:/", ""), now)
		require.NoError(t, err)
		require.True(t, got.Deleted)

		_, err = ApplyCommand(got, command(signals.KindRetrieve, "thing:/", ""), now)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("emit_event_not_persisted", func(t *testing.T) {
		_, err := ApplyCommand(current, command(signals.KindEmitEvent, "thing:/", `{}`), now)
		require.ErrorIs(t, err, ErrInvalidDocument)
	})
}

func TestTwinStateView(t *testing.T) {
	twin := &TwinState{Payload: json.RawMessage(`{"attributes":{"a.b":1,"location":"hall"}}`)}

	v, err := twin.View(signals.MustParseResourcePath("thing:/attributes/location"))
	require.NoError(t, err)
	require.Equal(t, `"hall"`, string(v))

	v, err = twin.View(signals.MustParseResourcePath("thing:/attributes/a.b"))
	require.NoError(t, err)
	require.Equal(t, `1`, string(v))

	_, err = twin.View(signals.MustParseResourcePath("thing:/features"))
	require.ErrorIs(t, err, ErrNotFound)

	var missing *TwinState
	_, err = missing.View(signals.MustParseResourcePath("thing:/"))
	require.ErrorIs(t, err, ErrNotFound)
}
