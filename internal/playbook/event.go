package playbook

import (
	"strings"
)

// Event is a triggering event payload as received from a detection source.
// Well-known keys are event_type, severity and confidence; any other field
// may be referenced by conditions.
type Event map[string]interface{}

// Type returns the event_type field, if present.
func (e Event) Type() string {
	s, _ := e["event_type"].(string)
	return s
}

// Lookup resolves a field by name. A literal key wins over a dotted path, so
// both {"alert.category": x} and {"alert": {"category": x}} resolve
// "alert.category".
func (e Event) Lookup(path string) (interface{}, bool) {
	return lookupPath(e, path)
}

func lookupPath(m map[string]interface{}, path string) (interface{}, bool) {
	if m == nil || path == "" {
		return nil, false
	}
	if v, ok := m[path]; ok {
		return v, true
	}

	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil, false
	}
	next, ok := m[head]
	if !ok {
		return nil, false
	}
	switch child := next.(type) {
	case map[string]interface{}:
		return lookupPath(child, rest)
	case Event:
		return lookupPath(child, rest)
	default:
		return nil, false
	}
}

// LookupPath resolves a dotted path in an arbitrary nested map.
func LookupPath(m map[string]interface{}, path string) (interface{}, bool) {
	return lookupPath(m, path)
}
