package signals

// AuthorizationContext carries the authenticated subjects of a caller. Subject
// ids have the form issuer:id. Build it with NewAuthorizationContext and treat
// it as read-only afterwards.
type AuthorizationContext struct {
	Type     string   `cbor:"type" json:"type"`
	Subjects []string `cbor:"subjects" json:"subjects"`
}

// NewAuthorizationContext de-duplicates subjects, keeping their first position.
func NewAuthorizationContext(authType string, subjects ...string) AuthorizationContext {
	seen := make(map[string]struct{}, len(subjects))
	ordered := make([]string, 0, len(subjects))
	for _, s := range subjects {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		ordered = append(ordered, s)
	}
	return AuthorizationContext{Type: authType, Subjects: ordered}
}

// FirstSubject is the subject that represents the caller as originator.
func (a AuthorizationContext) FirstSubject() string {
	if len(a.Subjects) == 0 {
		return ""
	}
	return a.Subjects[0]
}

// HasAny reports whether any of the given subjects belongs to the context.
func (a AuthorizationContext) HasAny(subjects []string) bool {
	for _, want := range subjects {
		for _, have := range a.Subjects {
			if want == have {
				return true
			}
		}
	}
	return false
}

func (a AuthorizationContext) IsEmpty() bool {
	return len(a.Subjects) == 0
}
