// internal/quality/match.go
package quality

import (
	"strings"

	"github.com/fieldlog/voice-pipeline/internal/collab"
)

// IntentMatches reports whether a parsed intent agrees with its reference:
// same action and every reference entity present with an equal value.
// Numeric entities compare exactly; string entities compare after
// normalization. Extra parsed entities beyond the reference do not fail the
// match but do count against precision.
func IntentMatches(parsed, reference collab.Intent) bool {
	if parsed.Action != reference.Action {
		return false
	}
	for name, want := range reference.Entities {
		got, ok := parsed.Entities[name]
		if !ok {
			return false
		}
		if !entityEqual(got, want) {
			return false
		}
	}
	return true
}

func entityEqual(got, want collab.EntityValue) bool {
	if got.Kind != want.Kind {
		return false
	}
	switch got.Kind {
	case collab.EntityInt:
		return got.Int == want.Int
	case collab.EntityDecimal:
		return got.Decimal == want.Decimal
	case collab.EntityToken:
		return got.Str == want.Str
	default:
		return normalizeString(got.Str) == normalizeString(want.Str)
	}
}

func normalizeString(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// PrecisionRecall scores the entity slots of one parsed intent against its
// reference. Precision counts correct slots over parsed slots, recall counts
// correct slots over reference slots.
func PrecisionRecall(parsed, reference collab.Intent) (precision, recall float64) {
	if len(parsed.Entities) == 0 && len(reference.Entities) == 0 {
		if parsed.Action == reference.Action {
			return 1, 1
		}
		return 0, 0
	}

	correct := 0
	for name, want := range reference.Entities {
		if got, ok := parsed.Entities[name]; ok && entityEqual(got, want) && parsed.Action == reference.Action {
			correct++
		}
	}

	if len(parsed.Entities) > 0 {
		precision = float64(correct) / float64(len(parsed.Entities))
	}
	if len(reference.Entities) > 0 {
		recall = float64(correct) / float64(len(reference.Entities))
	}
	return precision, recall
}

// F1 is the harmonic mean of precision and recall.
func F1(precision, recall float64) float64 {
	if precision+recall == 0 {
		return 0
	}
	return 2 * precision * recall / (precision + recall)
}
