// internal/pipeline/types_test.go
package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlog/voice-pipeline/internal/collab"
)

func TestCommandRun_StageTimestampsMonotonic(t *testing.T) {
	run := NewCommandRun(collab.RunContext{TenantID: "t", PrincipalID: "p"}, ModalityAudio)

	stages := []Stage{StageListening, StageTranscribing, StageIntentParsing, StageExecuting, StageSynthesizing, StageConfirmed}
	for _, s := range stages {
		run.advance(s)
	}

	var prev time.Time
	for _, s := range append([]Stage{StageIdle}, stages...) {
		ts, ok := run.StageTimestamps[s]
		require.True(t, ok, "missing timestamp for %s", s)
		assert.False(t, ts.Before(prev), "timestamp for %s went backwards", s)
		prev = ts
	}
}

func TestCommandRun_TerminalOutcomeIsFinal(t *testing.T) {
	run := NewCommandRun(collab.RunContext{TenantID: "t"}, ModalityText)
	run.advance(StageListening)

	run.setTerminal(OutcomeSuccess)
	require.True(t, run.IsTerminal())
	finished := run.FinishedAt

	// A second terminal write must not take effect.
	run.setTerminal(OutcomeFailed)
	assert.Equal(t, OutcomeSuccess, run.Outcome)
	assert.Equal(t, finished, run.FinishedAt)

	// Nor must a stage transition after the terminal state.
	run.advance(StageExecuting)
	assert.Equal(t, StageTerminal, run.Stage)
}

func TestCommandRun_ConfidenceWriteOnce(t *testing.T) {
	run := NewCommandRun(collab.RunContext{}, ModalityAudio)
	run.recordConfidence(StageTranscribing, 0.8)
	run.recordConfidence(StageTranscribing, 0.3)
	assert.InDelta(t, 0.8, run.StageConfidence[StageTranscribing], 1e-9)
}

func TestInput_Modality(t *testing.T) {
	assert.Equal(t, ModalityText, Input{Text: "hello"}.Modality())
	assert.Equal(t, ModalityAudio, Input{Audio: []byte{1}}.Modality())
}

func TestCommandRun_IdempotencyKey(t *testing.T) {
	run := NewCommandRun(collab.RunContext{}, ModalityAudio)
	assert.Equal(t, "run-"+run.ID, run.IdempotencyKey())
}
