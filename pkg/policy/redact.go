package policy

import (
	"bytes"
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/openfga/twinguard/pkg/signals"
)

// Redact removes every field of payload, addressed at resource, that the
// subjects of auth cannot read. Objects readable only through some children are
// reduced to those children. ok is false when nothing is readable.
func Redact(p *Policy, auth signals.AuthorizationContext, resource signals.ResourcePath, payload json.RawMessage) (redacted json.RawMessage, ok bool) {
	if p == nil {
		return nil, false
	}
	idx, err := p.index()
	if err != nil {
		return nil, false
	}
	if len(payload) == 0 {
		return payload, authorize(idx, auth.Subjects, resource, PermissionRead).Allowed
	}
	out, ok := redact(idx, auth.Subjects, resource, gjson.ParseBytes(payload))
	if !ok {
		return nil, false
	}
	return json.RawMessage(out), true
}

func redact(idx *index, subjects []string, path signals.ResourcePath, value gjson.Result) (string, bool) {
	readable := authorize(idx, subjects, path, PermissionRead).Allowed
	if readable && !idx.hasDescendant(path, subjects, PermissionRead, EffectDeny) {
		return value.Raw, true
	}
	if !readable && !idx.hasDescendant(path, subjects, PermissionRead, EffectGrant) {
		return "", false
	}
	if !value.IsObject() {
		return value.Raw, readable
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	kept := 0
	value.ForEach(func(key, child gjson.Result) bool {
		raw, ok := redact(idx, subjects, path.Child(key.String()), child)
		if !ok {
			return true
		}
		if kept > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(key.Raw)
		buf.WriteByte(':')
		buf.WriteString(raw)
		kept++
		return true
	})
	buf.WriteByte('}')

	if kept == 0 && !readable {
		return "", false
	}
	return buf.String(), true
}

var thingRoot = signals.ResourcePath{Type: signals.ResourceTypeThing}

// Visibility reduces a whole twin document to what one caller may read. ok is
// false when nothing is readable.
type Visibility func(document json.RawMessage) (json.RawMessage, bool)

// VisibleTo returns the Visibility of the subjects of auth under p.
func VisibleTo(p *Policy, auth signals.AuthorizationContext) Visibility {
	return func(document json.RawMessage) (json.RawMessage, bool) {
		return Redact(p, auth, thingRoot, document)
	}
}
