package integration

import (
	"sort"

	"boundary-soar/internal/playbook"
)

// VerifyCriteria checks every success criterion against a result payload.
// Criteria use the same literal and threshold syntax as trigger conditions.
func VerifyCriteria(actionID string, criteria, payload map[string]interface{}) error {
	if len(criteria) == 0 {
		return nil
	}

	keys := make([]string, 0, len(criteria))
	for k := range criteria {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := playbook.Event(payload)
	for _, key := range keys {
		expected := criteria[key]
		actual, ok := result.Lookup(key)
		if !ok {
			return &CriteriaNotMetError{ActionID: actionID, Criterion: key, Expected: expected, Missing: true}
		}
		if !playbook.ParsePredicate(key, expected).Match(result) {
			return &CriteriaNotMetError{ActionID: actionID, Criterion: key, Expected: expected, Actual: actual}
		}
	}
	return nil
}
