package policy

import (
	"github.com/openfga/twinguard/pkg/signals"
)

type Reason string

const (
	ReasonGranted        Reason = "granted"
	ReasonDenied         Reason = "denied"
	ReasonNoGrant        Reason = "no-grant"
	ReasonPolicyNotFound Reason = "policy-not-found"
	ReasonInvalidPolicy  Reason = "invalid-policy"
)

// Decision is the outcome of an authorization.
type Decision struct {
	Allowed bool
	Reason  Reason
	// Level is the resource level that decided, if any.
	Level string
}

func denied(reason Reason) Decision {
	return Decision{Reason: reason}
}

// Authorize resolves permission for the subjects of auth on resource. The most
// specific level that grants or denies for any of the subjects decides; a deny
// on that level wins over a grant.
func Authorize(p *Policy, auth signals.AuthorizationContext, resource signals.ResourcePath, permission Permission) Decision {
	if p == nil {
		return denied(ReasonPolicyNotFound)
	}
	idx, err := p.index()
	if err != nil {
		return denied(ReasonInvalidPolicy)
	}
	return authorize(idx, auth.Subjects, resource, permission)
}

func authorize(idx *index, subjects []string, resource signals.ResourcePath, permission Permission) Decision {
	for path := resource; ; path = path.Parent() {
		if lvl, ok := idx.levels[path.String()]; ok {
			if effect, ok := lvl.decide(subjects, permission); ok {
				if effect == EffectDeny {
					return Decision{Reason: ReasonDenied, Level: path.String()}
				}
				return Decision{Allowed: true, Reason: ReasonGranted, Level: path.String()}
			}
		}
		if path.IsRoot() {
			return denied(ReasonNoGrant)
		}
	}
}

// AuthorizePartial allows a read when permission is granted on resource or on
// any level below it. Responses to such reads must go through Redact.
func AuthorizePartial(p *Policy, auth signals.AuthorizationContext, resource signals.ResourcePath, permission Permission) Decision {
	d := Authorize(p, auth, resource, permission)
	if d.Allowed || d.Reason == ReasonPolicyNotFound || d.Reason == ReasonInvalidPolicy {
		return d
	}
	idx, _ := p.index()
	for key, lvl := range idx.levels {
		if lvl.path.Depth() <= resource.Depth() || !resource.IsAncestorOf(lvl.path) {
			continue
		}
		if sub := authorize(idx, auth.Subjects, lvl.path, permission); sub.Allowed {
			return Decision{Allowed: true, Reason: ReasonGranted, Level: key}
		}
	}
	return d
}

// GrantedSubjects returns, in sorted order, every subject of the policy that
// holds permission on resource on its own.
func GrantedSubjects(p *Policy, resource signals.ResourcePath, permission Permission) []string {
	if p == nil {
		return nil
	}
	idx, err := p.index()
	if err != nil {
		return nil
	}
	granted := make([]string, 0, len(idx.subjects))
	for _, s := range idx.subjects {
		if authorize(idx, []string{s}, resource, permission).Allowed {
			granted = append(granted, s)
		}
	}
	return granted
}
