// internal/providers/intent/local.go
package intent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/fieldlog/voice-pipeline/internal/collab"
)

// LocalConfidence is the fixed score reported for rule-based parsing. It is
// deliberately below the default execution gate: offline parses always go
// through a spoken confirmation before anything is written.
const LocalConfidence = 0.75

// EntityExtractor converts one named capture group into a typed entity.
type EntityExtractor func(raw string) (collab.EntityValue, error)

// Rule maps a transcript pattern onto an action with typed entity slots.
type Rule struct {
	Action     string
	Pattern    *regexp.Regexp
	Extractors map[string]EntityExtractor
}

// Local is the deterministic pattern-matching fallback parser.
type Local struct {
	rules []Rule
}

// NewLocal creates a fallback parser over the given rule set.
// Rules are tried in order; the first match wins.
func NewLocal(rules []Rule) *Local {
	return &Local{rules: rules}
}

func (l *Local) Name() string { return "local" }

func (l *Local) Parse(ctx context.Context, transcript, language string, hints map[string]string) (collab.Intent, error) {
	normalized := strings.ToLower(strings.TrimSpace(transcript))

	for _, rule := range l.rules {
		m := rule.Pattern.FindStringSubmatch(normalized)
		if m == nil {
			continue
		}

		entities := make(map[string]collab.EntityValue)
		ok := true
		for i, name := range rule.Pattern.SubexpNames() {
			if name == "" || i >= len(m) {
				continue
			}
			extractor, exists := rule.Extractors[name]
			if !exists {
				entities[name] = collab.StringValue(strings.TrimSpace(m[i]))
				continue
			}
			ev, err := extractor(m[i])
			if err != nil {
				ok = false
				break
			}
			entities[name] = ev
		}
		if !ok {
			continue
		}

		return collab.Intent{
			Action:     rule.Action,
			Entities:   entities,
			Confidence: LocalConfidence,
			Clarification: fmt.Sprintf("I understood %s. Please confirm or repeat the command.",
				strings.ReplaceAll(rule.Action, "_", " ")),
		}, nil
	}

	return collab.Intent{
		Action:        "unknown",
		Entities:      map[string]collab.EntityValue{},
		Confidence:    0,
		Clarification: "I didn't catch that. Could you rephrase the command?",
	}, nil
}

// AmountExtractor parses a spoken or numeric amount ("1500",
// "one thousand five hundred") into an integer entity.
func AmountExtractor(raw string) (collab.EntityValue, error) {
	n, err := ParseSpokenNumber(raw)
	if err != nil {
		return collab.EntityValue{}, err
	}
	return collab.IntValue(n), nil
}

// DefaultRules is the built-in rule set for field-log commands. The grammar
// itself belongs to the calling domain; these cover the common write
// commands so offline capture stays possible.
func DefaultRules() []Rule {
	return []Rule{
		{
			Action:  "create_cost",
			Pattern: regexp.MustCompile(`^(?:add|log|record) (?:a )?cost (?:of )?(?P<amount>[\w ,.-]+?) for (?P<description>.+)$`),
			Extractors: map[string]EntityExtractor{
				"amount": AmountExtractor,
			},
		},
		{
			Action:  "create_note",
			Pattern: regexp.MustCompile(`^(?:add|make|take) (?:a )?note[:,]? (?P<text>.+)$`),
		},
		{
			Action:  "log_hours",
			Pattern: regexp.MustCompile(`^(?:log|add|record) (?P<hours>[\w .-]+?) hours?(?: (?:on|for) (?P<task>.+))?$`),
			Extractors: map[string]EntityExtractor{
				"hours": AmountExtractor,
			},
		},
	}
}

var numberWords = map[string]int64{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4,
	"five": 5, "six": 6, "seven": 7, "eight": 8, "nine": 9,
	"ten": 10, "eleven": 11, "twelve": 12, "thirteen": 13, "fourteen": 14,
	"fifteen": 15, "sixteen": 16, "seventeen": 17, "eighteen": 18, "nineteen": 19,
	"twenty": 20, "thirty": 30, "forty": 40, "fifty": 50,
	"sixty": 60, "seventy": 70, "eighty": 80, "ninety": 90,
}

var numberScales = map[string]int64{
	"hundred": 100, "thousand": 1000, "million": 1000000,
}

// ParseSpokenNumber converts a digit string or an English number phrase to
// an integer. "one thousand five hundred" == 1500.
func ParseSpokenNumber(raw string) (int64, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " and ", " ")
	s = strings.ReplaceAll(s, "-", " ")

	// Plain digits first.
	if n, err := parseDigits(s); err == nil {
		return n, nil
	}

	var total, current int64
	seen := false
	for _, word := range strings.Fields(s) {
		if v, ok := numberWords[word]; ok {
			current += v
			seen = true
			continue
		}
		if scale, ok := numberScales[word]; ok {
			if current == 0 {
				current = 1
			}
			if scale == 100 {
				current *= scale
			} else {
				total += current * scale
				current = 0
			}
			seen = true
			continue
		}
		if n, err := parseDigits(word); err == nil {
			current += n
			seen = true
			continue
		}
		return 0, fmt.Errorf("unrecognized number word %q", word)
	}
	if !seen {
		return 0, fmt.Errorf("no number in %q", raw)
	}
	return total + current, nil
}

func parseDigits(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("not a digit string: %q", s)
		}
		n = n*10 + int64(r-'0')
	}
	return n, nil
}
