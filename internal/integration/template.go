package integration

import (
	"fmt"
	"regexp"
	"strings"

	"boundary-soar/internal/playbook"
)

var templatePattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// RenderParameters resolves {{path}} templates in action parameters.
// "event.x" reads the triggering event, "<action>.<key>" reads the payload
// an earlier action stored in the execution variables, and any other path
// falls back to the event. A value that is exactly one template keeps the
// resolved value's type. Unresolvable templates are left in place.
func RenderParameters(params map[string]interface{}, event playbook.Event, vars map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = renderValue(v, event, vars)
	}
	return out
}

func renderValue(v interface{}, event playbook.Event, vars map[string]interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return renderString(val, event, vars)
	case map[string]interface{}:
		return RenderParameters(val, event, vars)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = renderValue(item, event, vars)
		}
		return out
	case []string:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = renderString(item, event, vars)
		}
		return out
	default:
		return v
	}
}

func renderString(s string, event playbook.Event, vars map[string]interface{}) interface{} {
	if !strings.Contains(s, "{{") {
		return s
	}

	if m := templatePattern.FindStringSubmatch(s); m != nil && m[0] == strings.TrimSpace(s) {
		if v, ok := resolve(m[1], event, vars); ok {
			return v
		}
		return s
	}

	return templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		path := templatePattern.FindStringSubmatch(match)[1]
		if v, ok := resolve(path, event, vars); ok {
			return fmt.Sprint(v)
		}
		return match
	})
}

func resolve(path string, event playbook.Event, vars map[string]interface{}) (interface{}, bool) {
	if rest, ok := strings.CutPrefix(path, "event."); ok {
		if v, found := event.Lookup(rest); found {
			return v, true
		}
	}
	if v, ok := playbook.LookupPath(vars, path); ok {
		return v, true
	}
	return event.Lookup(path)
}
