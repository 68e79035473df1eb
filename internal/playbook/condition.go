package playbook

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Operator is a comparison used by a single predicate.
type Operator string

const (
	OpEquals       Operator = "eq"
	OpGreater      Operator = "gt"
	OpGreaterEqual Operator = "gte"
	OpLess         Operator = "lt"
	OpLessEqual    Operator = "lte"
)

// Predicate is one compiled field test of a condition set.
type Predicate struct {
	Field    string
	Operator Operator
	Value    interface{}

	threshold float64
	malformed bool
}

// ParsePredicate compiles an expected value. Strings of the form ">N", "<N",
// ">=N" and "<=N" become numeric thresholds; everything else is an exact-match
// literal. A threshold whose operand is not a number yields a predicate that
// never matches.
func ParsePredicate(field string, expected interface{}) Predicate {
	p := Predicate{Field: field, Operator: OpEquals, Value: expected}

	s, ok := expected.(string)
	if !ok {
		return p
	}
	s = strings.TrimSpace(s)

	var op Operator
	var operand string
	switch {
	case strings.HasPrefix(s, ">="):
		op, operand = OpGreaterEqual, s[2:]
	case strings.HasPrefix(s, "<="):
		op, operand = OpLessEqual, s[2:]
	case strings.HasPrefix(s, ">"):
		op, operand = OpGreater, s[1:]
	case strings.HasPrefix(s, "<"):
		op, operand = OpLess, s[1:]
	default:
		return p
	}

	p.Operator = op
	n, err := strconv.ParseFloat(strings.TrimSpace(operand), 64)
	if err != nil || math.IsNaN(n) {
		p.malformed = true
		return p
	}
	p.threshold = n
	return p
}

// Malformed reports whether the predicate can never match because its
// expected value could not be parsed.
func (p Predicate) Malformed() bool {
	return p.malformed
}

// Match evaluates the predicate against an event. Missing fields,
// non-numeric values under a threshold and malformed predicates are false.
func (p Predicate) Match(event Event) bool {
	if p.malformed {
		return false
	}
	actual, ok := event.Lookup(p.Field)
	if !ok || actual == nil {
		return false
	}

	if p.Operator == OpEquals {
		return literalEqual(actual, p.Value)
	}

	n, ok := toFloat64(actual)
	if !ok {
		return false
	}
	switch p.Operator {
	case OpGreater:
		return n > p.threshold
	case OpGreaterEqual:
		return n >= p.threshold
	case OpLess:
		return n < p.threshold
	case OpLessEqual:
		return n <= p.threshold
	}
	return false
}

// String renders the predicate for logs and CLI output.
func (p Predicate) String() string {
	switch p.Operator {
	case OpGreater:
		return fmt.Sprintf("%s > %v", p.Field, p.threshold)
	case OpGreaterEqual:
		return fmt.Sprintf("%s >= %v", p.Field, p.threshold)
	case OpLess:
		return fmt.Sprintf("%s < %v", p.Field, p.threshold)
	case OpLessEqual:
		return fmt.Sprintf("%s <= %v", p.Field, p.threshold)
	}
	return fmt.Sprintf("%s == %v", p.Field, p.Value)
}

// Compile turns a condition set into predicates.
func (cs ConditionSet) Compile() []Predicate {
	preds := make([]Predicate, 0, len(cs))
	for field, expected := range cs {
		preds = append(preds, ParsePredicate(field, expected))
	}
	return preds
}

// Matches reports whether every predicate of the set holds for event.
// An empty set matches nothing.
func Matches(event Event, set ConditionSet) bool {
	if len(set) == 0 || event == nil {
		return false
	}
	for field, expected := range set {
		if !ParsePredicate(field, expected).Match(event) {
			return false
		}
	}
	return true
}

// MatchesAny reports whether at least one of the condition sets matches.
func MatchesAny(event Event, sets []ConditionSet) bool {
	for _, set := range sets {
		if Matches(event, set) {
			return true
		}
	}
	return false
}

func literalEqual(actual, expected interface{}) bool {
	if a, ok := toFloat64(actual); ok {
		if b, ok := toFloat64(expected); ok {
			return a == b
		}
		return false
	}

	switch e := expected.(type) {
	case string:
		a, ok := actual.(string)
		return ok && a == e
	case bool:
		a, ok := actual.(bool)
		return ok && a == e
	case nil:
		return false
	}
	return fmt.Sprint(actual) == fmt.Sprint(expected)
}

// toFloat64 converts numeric values, including numeric JSON types. Strings
// are not coerced: "5" does not equal 5.
func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ToFloat64 exposes numeric conversion for result and criteria checks.
func ToFloat64(v interface{}) (float64, bool) {
	return toFloat64(v)
}

// ValueEqual compares two values the way exact-match predicates do.
func ValueEqual(actual, expected interface{}) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	return literalEqual(actual, expected)
}
