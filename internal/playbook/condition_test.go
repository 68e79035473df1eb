package playbook

import (
	"encoding/json"
	"testing"
)

func TestParsePredicate(t *testing.T) {
	tests := []struct {
		name      string
		expected  interface{}
		op        Operator
		malformed bool
	}{
		{"string literal", "malware", OpEquals, false},
		{"number literal", 5, OpEquals, false},
		{"greater", ">0.8", OpGreater, false},
		{"less", "<10", OpLess, false},
		{"greater equal", ">= 3", OpGreaterEqual, false},
		{"less equal", "<=3", OpLessEqual, false},
		{"malformed threshold", ">abc", OpGreater, true},
		{"empty threshold", "<", OpLess, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ParsePredicate("field", tt.expected)
			if p.Operator != tt.op {
				t.Errorf("Operator = %s, want %s", p.Operator, tt.op)
			}
			if p.Malformed() != tt.malformed {
				t.Errorf("Malformed() = %v, want %v", p.Malformed(), tt.malformed)
			}
		})
	}
}

func TestMatches(t *testing.T) {
	event := Event{
		"event_type": "malware_detected",
		"severity":   "high",
		"confidence": 0.92,
		"count":      json.Number("12"),
		"contained":  false,
		"host": map[string]interface{}{
			"name": "ws-042",
			"risk": 7,
		},
	}

	tests := []struct {
		name string
		set  ConditionSet
		want bool
	}{
		{"exact string", ConditionSet{"event_type": "malware_detected"}, true},
		{"exact mismatch", ConditionSet{"event_type": "phishing_reported"}, false},
		{"threshold above", ConditionSet{"confidence": ">0.8"}, true},
		{"threshold not above", ConditionSet{"confidence": ">0.95"}, false},
		{"threshold below", ConditionSet{"confidence": "<1"}, true},
		{"threshold inclusive", ConditionSet{"host.risk": ">=7"}, true},
		{"json number threshold", ConditionSet{"count": ">10"}, true},
		{"numeric literal", ConditionSet{"host.risk": 7.0}, true},
		{"bool literal", ConditionSet{"contained": false}, true},
		{"nested path", ConditionSet{"host.name": "ws-042"}, true},
		{"and semantics", ConditionSet{"event_type": "malware_detected", "severity": "low"}, false},
		{"missing field", ConditionSet{"user": "alice"}, false},
		{"non numeric under threshold", ConditionSet{"severity": ">1"}, false},
		{"malformed threshold", ConditionSet{"confidence": ">high"}, false},
		{"string does not equal number", ConditionSet{"host.risk": "7"}, false},
		{"empty set", ConditionSet{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(event, tt.set); got != tt.want {
				t.Errorf("Matches(%v) = %v, want %v", tt.set, got, tt.want)
			}
		})
	}
}

func TestMatchesNilEvent(t *testing.T) {
	if Matches(nil, ConditionSet{"event_type": "x"}) {
		t.Error("nil event should not match")
	}
}

func TestMatchesAny(t *testing.T) {
	sets := []ConditionSet{
		{"event_type": "phishing_reported"},
		{"event_type": "email_threat", "severity": "high"},
	}

	if !MatchesAny(Event{"event_type": "email_threat", "severity": "high"}, sets) {
		t.Error("second set should match")
	}
	if MatchesAny(Event{"event_type": "email_threat", "severity": "low"}, sets) {
		t.Error("no set should match")
	}
	if MatchesAny(Event{"event_type": "phishing_reported"}, nil) {
		t.Error("no conditions should never match")
	}
}

func TestEventLookup(t *testing.T) {
	e := Event{
		"alert.category": "literal",
		"alert":          map[string]interface{}{"category": "nested", "src": map[string]interface{}{"ip": "10.0.0.1"}},
	}

	if v, _ := e.Lookup("alert.category"); v != "literal" {
		t.Errorf("literal key should win, got %v", v)
	}
	if v, ok := e.Lookup("alert.src.ip"); !ok || v != "10.0.0.1" {
		t.Errorf("Lookup(alert.src.ip) = %v, %v", v, ok)
	}
	if _, ok := e.Lookup("alert.src.port"); ok {
		t.Error("missing nested field should not resolve")
	}
}

func TestValueEqual(t *testing.T) {
	if !ValueEqual(1, 1.0) {
		t.Error("1 should equal 1.0")
	}
	if ValueEqual("1", 1) {
		t.Error("string should not equal number")
	}
	if !ValueEqual(true, true) {
		t.Error("true should equal true")
	}
	if ValueEqual(nil, false) {
		t.Error("nil should not equal false")
	}
}
