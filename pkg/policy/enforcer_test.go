package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfga/twinguard/pkg/signals"
)

var (
	alice = signals.NewAuthorizationContext("jwt", "google:alice")
	bob   = signals.NewAuthorizationContext("jwt", "google:bob")
	both  = signals.NewAuthorizationContext("jwt", "google:alice", "google:bob")
)

func mustPolicy(t *testing.T, resources map[string][]Grant) *Policy {
	t.Helper()
	p, err := New("org.acme:policy", 1, resources)
	require.NoError(t, err)
	return p
}

func path(s string) signals.ResourcePath {
	return signals.MustParseResourcePath(s)
}

func TestAuthorize(t *testing.T) {
	p := mustPolicy(t, map[string][]Grant{
		"thing:/": {
			{Subject: "google:alice", Permission: PermissionRead, Effect: EffectGrant},
			{Subject: "google:alice", Permission: PermissionWrite, Effect: EffectGrant},
			{Subject: "google:bob", Permission: PermissionRead, Effect: EffectGrant},
		},
		"thing:/attributes/secret": {
			{Subject: "google:alice", Permission: PermissionRead, Effect: EffectDeny},
		},
		"thing:/features": {
			{Subject: "google:bob", Permission: PermissionRead, Effect: EffectDeny},
		},
		"thing:/features/lamp": {
			{Subject: "google:bob", Permission: PermissionRead, Effect: EffectGrant},
		},
	})

	tests := []struct {
		name       string
		auth       signals.AuthorizationContext
		resource   string
		permission Permission
		allowed    bool
		reason     Reason
	}{
		{"root_read", alice, "thing:/", PermissionRead, true, ReasonGranted},
		{"inherited_read", alice, "thing:/attributes/location", PermissionRead, true, ReasonGranted},
		{"specific_deny_wins", alice, "thing:/attributes/secret/pin", PermissionRead, false, ReasonDenied},
		{"write_not_granted", bob, "thing:/attributes", PermissionWrite, false, ReasonNoGrant},
		{"parent_deny_child_grant", bob, "thing:/features/lamp/properties", PermissionRead, true, ReasonGranted},
		{"parent_deny", bob, "thing:/features/fan", PermissionRead, false, ReasonDenied},
		{"deny_wins_across_subjects", both, "thing:/features/fan", PermissionRead, false, ReasonDenied},
		{"other_type", alice, "policy:/", PermissionRead, false, ReasonNoGrant},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			d := Authorize(p, test.auth, path(test.resource), test.permission)
			require.Equal(t, test.allowed, d.Allowed)
			require.Equal(t, test.reason, d.Reason)
		})
	}
}

func TestAuthorizeDenyWinsOnSameLevel(t *testing.T) {
	p := mustPolicy(t, map[string][]Grant{
		"thing:/": {
			{Subject: "google:alice", Permission: PermissionRead, Effect: EffectGrant},
			{Subject: "google:alice", Permission: PermissionRead, Effect: EffectDeny},
		},
	})
	d := Authorize(p, alice, path("thing:/"), PermissionRead)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonDenied, d.Reason)
}

func TestAuthorizeNilPolicy(t *testing.T) {
	d := Authorize(nil, alice, path("thing:/"), PermissionRead)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonPolicyNotFound, d.Reason)
}

func TestAuthorizeNoSubjects(t *testing.T) {
	p := mustPolicy(t, map[string][]Grant{
		"thing:/": {{Subject: "google:alice", Permission: PermissionRead, Effect: EffectGrant}},
	})
	d := Authorize(p, signals.AuthorizationContext{}, path("thing:/"), PermissionRead)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonNoGrant, d.Reason)
}

func TestAuthorizePartial(t *testing.T) {
	p := mustPolicy(t, map[string][]Grant{
		"thing:/attributes/location": {{Subject: "google:alice", Permission: PermissionRead, Effect: EffectGrant}},
		"thing:/features":            {{Subject: "google:alice", Permission: PermissionRead, Effect: EffectDeny}},
		"thing:/features/lamp":       {{Subject: "google:bob", Permission: PermissionRead, Effect: EffectGrant}},
	})

	require.False(t, Authorize(p, alice, path("thing:/"), PermissionRead).Allowed)
	require.True(t, AuthorizePartial(p, alice, path("thing:/"), PermissionRead).Allowed)
	require.False(t, AuthorizePartial(p, alice, path("thing:/features"), PermissionRead).Allowed)
	require.True(t, AuthorizePartial(p, bob, path("thing:/features"), PermissionRead).Allowed)
	require.Equal(t, ReasonPolicyNotFound, AuthorizePartial(nil, bob, path("thing:/"), PermissionRead).Reason)
}

func TestGrantedSubjects(t *testing.T) {
	p := mustPolicy(t, map[string][]Grant{
		"thing:/": {
			{Subject: "google:carol", Permission: PermissionRead, Effect: EffectGrant},
			{Subject: "google:alice", Permission: PermissionRead, Effect: EffectGrant},
			{Subject: "google:bob", Permission: PermissionWrite, Effect: EffectGrant},
		},
		"thing:/attributes": {
			{Subject: "google:carol", Permission: PermissionRead, Effect: EffectDeny},
		},
	})

	require.Equal(t, []string{"google:alice", "google:carol"}, GrantedSubjects(p, path("thing:/"), PermissionRead))
	require.Equal(t, []string{"google:alice"}, GrantedSubjects(p, path("thing:/attributes"), PermissionRead))
	require.Equal(t, []string{"google:bob"}, GrantedSubjects(p, path("thing:/attributes"), PermissionWrite))
	require.Nil(t, GrantedSubjects(nil, path("thing:/"), PermissionRead))
}

func TestNewRejectsInvalid(t *testing.T) {
	tests := map[string]map[string][]Grant{
		`bad_path`:       {"thing:attributes": nil},
		`bad_permission`: {"thing:/": {{Subject: "s", Permission: "EXECUTE", Effect: EffectGrant}}},
		`bad_effect`:     {"thing:/": {{Subject: "s", Permission: PermissionRead, Effect: "MAYBE"}}},
		`no_subject`:     {"thing:/": {{Permission: PermissionRead, Effect: EffectGrant}}},
	}
	for name, resources := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New("p", 1, resources)
			require.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestRequiredPermission(t *testing.T) {
	require.Equal(t, PermissionRead, RequiredPermission(signals.KindRetrieve))
	require.Equal(t, PermissionWrite, RequiredPermission(signals.KindModify))
	require.Equal(t, PermissionWrite, RequiredPermission(signals.KindDelete))
	require.Equal(t, PermissionWrite, RequiredPermission(signals.KindEmitEvent))
}
