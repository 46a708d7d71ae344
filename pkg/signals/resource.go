package signals

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode"
)

const (
	ResourceTypeThing   = "thing"
	ResourceTypePolicy  = "policy"
	ResourceTypeMessage = "message"
)

var knownResourceTypes = []string{ResourceTypeThing, ResourceTypePolicy, ResourceTypeMessage}

var ErrMalformedResourcePath = errors.New("malformed resource path")

// ResourcePath addresses a part of an entity, e.g. thing:/attributes/location.
type ResourcePath struct {
	Type     string
	Segments []string
}

// ParseResourcePath parses type:/seg1/seg2. The type defaults to thing when
// the prefix is omitted. A single trailing slash is ignored.
func ParseResourcePath(s string) (ResourcePath, error) {
	if s == "" {
		return ResourcePath{}, fmt.Errorf("%w: empty", ErrMalformedResourcePath)
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return ResourcePath{}, fmt.Errorf("%w: control character in '%q'", ErrMalformedResourcePath, s)
		}
	}

	resourceType := ResourceTypeThing
	path := s
	if idx := strings.Index(s, ":"); idx >= 0 && (strings.Index(s, "/") < 0 || idx < strings.Index(s, "/")) {
		resourceType = s[:idx]
		path = s[idx+1:]
		if !slices.Contains(knownResourceTypes, resourceType) {
			return ResourcePath{}, fmt.Errorf("%w: unknown resource type '%s'", ErrMalformedResourcePath, resourceType)
		}
	}

	if !strings.HasPrefix(path, "/") {
		return ResourcePath{}, fmt.Errorf("%w: '%s' must start with '/'", ErrMalformedResourcePath, s)
	}
	path = strings.TrimPrefix(path, "/")
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return ResourcePath{Type: resourceType}, nil
	}

	segments := strings.Split(path, "/")
	for _, seg := range segments {
		if seg == "" {
			return ResourcePath{}, fmt.Errorf("%w: empty segment in '%s'", ErrMalformedResourcePath, s)
		}
	}
	return ResourcePath{Type: resourceType, Segments: segments}, nil
}

// MustParseResourcePath is ParseResourcePath for literals known to be valid.
func MustParseResourcePath(s string) ResourcePath {
	p, err := ParseResourcePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p ResourcePath) String() string {
	return p.Type + ":/" + strings.Join(p.Segments, "/")
}

func (p ResourcePath) IsRoot() bool {
	return len(p.Segments) == 0
}

func (p ResourcePath) Equal(other ResourcePath) bool {
	return p.Type == other.Type && slices.Equal(p.Segments, other.Segments)
}

// IsAncestorOf reports whether p equals other or is one of its parents.
func (p ResourcePath) IsAncestorOf(other ResourcePath) bool {
	if p.Type != other.Type || len(p.Segments) > len(other.Segments) {
		return false
	}
	return slices.Equal(p.Segments, other.Segments[:len(p.Segments)])
}

// Child returns the path of a direct child.
func (p ResourcePath) Child(segment string) ResourcePath {
	segs := make([]string, 0, len(p.Segments)+1)
	segs = append(segs, p.Segments...)
	segs = append(segs, segment)
	return ResourcePath{Type: p.Type, Segments: segs}
}

// Parent returns the parent path; the root is its own parent.
func (p ResourcePath) Parent() ResourcePath {
	if p.IsRoot() {
		return p
	}
	return ResourcePath{Type: p.Type, Segments: slices.Clone(p.Segments[:len(p.Segments)-1])}
}

// Depth is the number of segments.
func (p ResourcePath) Depth() int {
	return len(p.Segments)
}

// RelativeTo returns the segments of p below base.
func (p ResourcePath) RelativeTo(base ResourcePath) ([]string, bool) {
	if !base.IsAncestorOf(p) {
		return nil, false
	}
	return p.Segments[len(base.Segments):], true
}
