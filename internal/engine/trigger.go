package engine

import "github.com/rendis/jobflow/pkg/schema"

// EvaluateTrigger decides whether a job runs given the terminal statuses of
// its needs. A job without needs always runs. The empty rule is all_success.
func EvaluateTrigger(rule schema.TriggerRule, statuses []schema.Status) (bool, error) {
	if len(statuses) == 0 {
		return true, nil
	}

	var success, failed, skipped int
	for _, s := range statuses {
		switch s {
		case schema.StatusSuccess:
			success++
		case schema.StatusFailed:
			failed++
		case schema.StatusSkip:
			skipped++
		}
	}
	n := len(statuses)

	switch rule {
	case "", schema.TriggerAllSuccess:
		return success == n, nil
	case schema.TriggerAllFailed:
		return failed == n, nil
	case schema.TriggerAllDone:
		return true, nil
	case schema.TriggerOneSuccess:
		return success > 0, nil
	case schema.TriggerOneFailed, schema.TriggerAnyFailed:
		return failed > 0, nil
	case schema.TriggerNoneFailed:
		return failed == 0, nil
	case schema.TriggerNoneSkipped:
		return skipped == 0, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown trigger rule %q", rule)
	}
}

// ValidTriggerRule reports whether rule is empty or a known trigger rule.
func ValidTriggerRule(rule schema.TriggerRule) bool {
	switch rule {
	case "", schema.TriggerAllSuccess, schema.TriggerAllFailed, schema.TriggerAllDone,
		schema.TriggerOneSuccess, schema.TriggerOneFailed, schema.TriggerAnyFailed,
		schema.TriggerNoneFailed, schema.TriggerNoneSkipped:
		return true
	}
	return false
}
