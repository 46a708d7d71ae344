package signals

import "strings"

// JSONPath converts path segments into a gjson/sjson path.
func JSONPath(segments []string) string {
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		escaped[i] = EscapeJSONPathSegment(seg)
	}
	return strings.Join(escaped, ".")
}

// EscapeJSONPathSegment escapes the characters gjson treats as path syntax.
func EscapeJSONPathSegment(seg string) string {
	var b strings.Builder
	b.Grow(len(seg))
	for _, r := range seg {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%', ':', '(', ')', ',':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
