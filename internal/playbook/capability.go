package playbook

import (
	"fmt"
	"sort"
)

// ParamKind is the expected type of an action parameter.
type ParamKind string

const (
	KindString ParamKind = "string"
	KindNumber ParamKind = "number"
	KindBool   ParamKind = "bool"
	KindList   ParamKind = "list"
)

// ParamSchema describes the parameters a capability accepts.
type ParamSchema struct {
	Required map[string]ParamKind
	Optional map[string]ParamKind
}

var capabilitySchemas = map[Capability]ParamSchema{
	CapabilityInvestigate: {},
	CapabilityAnalyze:     {},
	CapabilityContain: {
		Required: map[string]ParamKind{"target": KindString},
		Optional: map[string]ParamKind{"mode": KindString},
	},
	CapabilityQuarantine: {
		Required: map[string]ParamKind{"target": KindString},
	},
	CapabilityEradicate: {
		Required: map[string]ParamKind{"target": KindString},
	},
	CapabilityRecover: {
		Required: map[string]ParamKind{"target": KindString},
	},
	CapabilityBlock: {
		Required: map[string]ParamKind{"indicator": KindString},
		Optional: map[string]ParamKind{"duration": KindString},
	},
	CapabilityNotify: {
		Required: map[string]ParamKind{"channel": KindString},
		Optional: map[string]ParamKind{"recipients": KindList, "message": KindString},
	},
}

// SchemaFor returns the parameter schema of a capability.
func SchemaFor(c Capability) (ParamSchema, bool) {
	s, ok := capabilitySchemas[c]
	return s, ok
}

// Check validates params against the schema. Parameters not named by the
// schema are passed through to the integration untouched.
func (s ParamSchema) Check(params map[string]interface{}) error {
	names := make([]string, 0, len(s.Required))
	for name := range s.Required {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v, ok := params[name]
		if !ok || v == nil {
			return fmt.Errorf("missing required parameter %q", name)
		}
		if !kindMatches(s.Required[name], v) {
			return fmt.Errorf("parameter %q must be a %s", name, s.Required[name])
		}
		if str, isStr := v.(string); isStr && str == "" {
			return fmt.Errorf("parameter %q must not be empty", name)
		}
	}
	for name, kind := range s.Optional {
		v, ok := params[name]
		if !ok || v == nil {
			continue
		}
		if !kindMatches(kind, v) {
			return fmt.Errorf("parameter %q must be a %s", name, kind)
		}
	}
	return nil
}

func kindMatches(kind ParamKind, v interface{}) bool {
	switch kind {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindNumber:
		_, ok := toFloat64(v)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindList:
		switch v.(type) {
		case []interface{}, []string:
			return true
		}
		return false
	}
	return false
}
