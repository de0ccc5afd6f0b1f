// internal/quality/testset.go
package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fieldlog/voice-pipeline/internal/collab"
)

// TestCase is one synthetic utterance with its expected parse.
type TestCase struct {
	Utterance string            `json:"utterance"`
	Language  string            `json:"language"`
	Hints     map[string]string `json:"hints,omitempty"`
	Reference collab.Intent     `json:"reference"`
}

// IntentParser is the slice of the parsing adapter the evaluator needs.
type IntentParser interface {
	Call(ctx context.Context, transcript, language, tenant string, hints map[string]string) (collab.Intent, error)
}

// TestSetResult summarizes an evaluation pass over a test set.
type TestSetResult struct {
	Cases     int     `json:"cases"`
	Matched   int     `json:"matched"`
	Errors    int     `json:"errors"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// LoadTestSet reads a JSON array of test cases from disk.
func LoadTestSet(path string) ([]TestCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read test set: %w", err)
	}
	var cases []TestCase
	if err := json.Unmarshal(data, &cases); err != nil {
		return nil, fmt.Errorf("parse test set: %w", err)
	}
	return cases, nil
}

// EvaluateTestSet runs every case through the parser and scores the results.
// Parser errors count as full misses, not evaluation failures.
func EvaluateTestSet(ctx context.Context, parser IntentParser, tenant string, cases []TestCase) TestSetResult {
	result := TestSetResult{Cases: len(cases)}

	var precisions, recalls []float64
	for _, tc := range cases {
		language := tc.Language
		if language == "" {
			language = "en"
		}
		parsed, err := parser.Call(ctx, tc.Utterance, language, tenant, tc.Hints)
		if err != nil {
			result.Errors++
			precisions = append(precisions, 0)
			recalls = append(recalls, 0)
			continue
		}
		if IntentMatches(parsed, tc.Reference) {
			result.Matched++
		}
		p, r := PrecisionRecall(parsed, tc.Reference)
		precisions = append(precisions, p)
		recalls = append(recalls, r)
	}

	result.Precision = meanFloat(precisions)
	result.Recall = meanFloat(recalls)
	result.F1 = F1(result.Precision, result.Recall)
	return result
}
