package signals

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseResourcePath(t *testing.T) {
	tests := []struct {
		in       string
		wantType string
		wantSegs []string
		wantErr  bool
	}{
		{in: "thing:/", wantType: "thing"},
		{in: "/", wantType: "thing"},
		{in: "/attributes/location", wantType: "thing", wantSegs: []string{"attributes", "location"}},
		{in: "thing:/features/lamp/", wantType: "thing", wantSegs: []string{"features", "lamp"}},
		{in: "policy:/entries", wantType: "policy", wantSegs: []string{"entries"}},
		{in: "message:/inbox/messages/blink", wantType: "message", wantSegs: []string{"inbox", "messages", "blink"}},
		{in: "/attributes/a:b", wantType: "thing", wantSegs: []string{"attributes", "a:b"}},
		{in: "", wantErr: true},
		{in: "attributes", wantErr: true},
		{in: "thing:attributes", wantErr: true},
		{in: "/attributes//location", wantErr: true},
		{in: "device:/attributes", wantErr: true},
		{in: "/attri\x00butes", wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.in, func(t *testing.T) {
			p, err := ParseResourcePath(test.in)
			if test.wantErr {
				require.ErrorIs(t, err, ErrMalformedResourcePath)
				return
			}
			require.NoError(t, err)
			require.Equal(t, test.wantType, p.Type)
			require.Equal(t, test.wantSegs, p.Segments)
		})
	}
}

func TestResourcePathRelations(t *testing.T) {
	root := MustParseResourcePath("thing:/")
	attrs := MustParseResourcePath("thing:/attributes")
	loc := MustParseResourcePath("thing:/attributes/location")
	pol := MustParseResourcePath("policy:/")

	require.True(t, root.IsAncestorOf(loc))
	require.True(t, attrs.IsAncestorOf(loc))
	require.True(t, loc.IsAncestorOf(loc))
	require.False(t, loc.IsAncestorOf(attrs))
	require.False(t, pol.IsAncestorOf(attrs))

	require.True(t, attrs.Child("location").Equal(loc))
	require.True(t, loc.Parent().Equal(attrs))
	require.True(t, root.Parent().Equal(root))
	require.Equal(t, "thing:/attributes/location", loc.String())

	rel, ok := loc.RelativeTo(root)
	require.True(t, ok)
	require.Equal(t, []string{"attributes", "location"}, rel)
}

func TestJSONPath(t *testing.T) {
	require.Equal(t, "attributes.location", JSONPath([]string{"attributes", "location"}))
	require.Equal(t, `a\.b.c\*`, JSONPath([]string{"a.b", "c*"}))
	require.Empty(t, JSONPath(nil))
}
