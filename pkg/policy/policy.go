// Package policy evaluates entity policies. Everything in this package is pure:
// a Policy is an immutable snapshot that may be shared between goroutines.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/openfga/twinguard/pkg/signals"
)

type Permission string

const (
	PermissionRead  Permission = "READ"
	PermissionWrite Permission = "WRITE"
)

type Effect string

const (
	EffectGrant Effect = "GRANT"
	EffectDeny  Effect = "DENY"
)

// Grant gives or takes a permission from a subject on one resource level.
type Grant struct {
	Subject    string     `json:"subject"`
	Permission Permission `json:"permission"`
	Effect     Effect     `json:"effect"`
}

// Policy maps resource paths such as thing:/attributes to grants.
type Policy struct {
	ID        string             `json:"id"`
	Revision  int64              `json:"revision"`
	Resources map[string][]Grant `json:"resources"`

	once  sync.Once
	idx   *index
	ixErr error
}

var ErrInvalidPolicy = errors.New("invalid policy")

// New validates resources and returns a ready-to-use snapshot.
func New(id string, revision int64, resources map[string][]Grant) (*Policy, error) {
	p := &Policy{ID: id, Revision: revision, Resources: resources}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks resource paths, permissions and effects.
func (p *Policy) Validate() error {
	_, err := p.index()
	return err
}

type levelKey struct {
	subject    string
	permission Permission
}

type level struct {
	path    signals.ResourcePath
	effects map[levelKey]Effect
}

type index struct {
	levels   map[string]*level
	subjects []string
}

func (p *Policy) index() (*index, error) {
	p.once.Do(func() {
		p.idx, p.ixErr = buildIndex(p.Resources)
	})
	return p.idx, p.ixErr
}

func buildIndex(resources map[string][]Grant) (*index, error) {
	idx := &index{levels: make(map[string]*level, len(resources))}
	subjects := map[string]struct{}{}

	for raw, grants := range resources {
		path, err := signals.ParseResourcePath(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: resource '%s': %v", ErrInvalidPolicy, raw, err)
		}
		lvl, ok := idx.levels[path.String()]
		if !ok {
			lvl = &level{path: path, effects: map[levelKey]Effect{}}
			idx.levels[path.String()] = lvl
		}
		for _, g := range grants {
			perm := Permission(strings.ToUpper(string(g.Permission)))
			if perm != PermissionRead && perm != PermissionWrite {
				return nil, fmt.Errorf("%w: unknown permission '%s' on '%s'", ErrInvalidPolicy, g.Permission, raw)
			}
			effect := Effect(strings.ToUpper(string(g.Effect)))
			if effect != EffectGrant && effect != EffectDeny {
				return nil, fmt.Errorf("%w: unknown effect '%s' on '%s'", ErrInvalidPolicy, g.Effect, raw)
			}
			if g.Subject == "" {
				return nil, fmt.Errorf("%w: grant without subject on '%s'", ErrInvalidPolicy, raw)
			}
			key := levelKey{subject: g.Subject, permission: perm}
			// deny wins within one level
			if lvl.effects[key] != EffectDeny {
				lvl.effects[key] = effect
			}
			subjects[g.Subject] = struct{}{}
		}
	}

	for s := range subjects {
		idx.subjects = append(idx.subjects, s)
	}
	sort.Strings(idx.subjects)
	return idx, nil
}

// decide evaluates one level for a set of subjects. ok is false when the level
// says nothing about any of them.
func (l *level) decide(subjects []string, perm Permission) (effect Effect, ok bool) {
	for _, s := range subjects {
		e, found := l.effects[levelKey{subject: s, permission: perm}]
		if !found {
			continue
		}
		if e == EffectDeny {
			return EffectDeny, true
		}
		effect, ok = EffectGrant, true
	}
	return effect, ok
}

// hasDescendant reports whether a level strictly below path carries the given
// effect for any of the subjects.
func (idx *index) hasDescendant(path signals.ResourcePath, subjects []string, perm Permission, effect Effect) bool {
	for _, lvl := range idx.levels {
		if lvl.path.Depth() <= path.Depth() || !path.IsAncestorOf(lvl.path) {
			continue
		}
		for _, s := range subjects {
			if lvl.effects[levelKey{subject: s, permission: perm}] == effect {
				return true
			}
		}
	}
	return false
}

// RequiredPermission maps a command kind onto the permission it needs.
func RequiredPermission(kind signals.CommandKind) Permission {
	if kind.IsQuery() {
		return PermissionRead
	}
	return PermissionWrite
}
