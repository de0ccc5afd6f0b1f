// internal/pipeline/types.go
package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/fieldlog/voice-pipeline/internal/collab"
)

// Stage enumerates the orchestrator state machine states.
type Stage string

const (
	StageIdle                     Stage = "idle"
	StageListening                Stage = "listening"
	StageTranscribing             Stage = "transcribing"
	StageTranscriptLowConfidence  Stage = "transcript_low_confidence"
	StageIntentParsing            Stage = "intent_parsing"
	StageClarificationNeeded      Stage = "clarification_needed"
	StageExecuting                Stage = "executing"
	StageSynthesizing             Stage = "synthesizing"
	StageConfirmed                Stage = "confirmed"
	StageAwaitingUserConfirmation Stage = "awaiting_user_confirmation"
	StageTerminal                 Stage = "terminal"
)

// Outcome enumerates the terminal outcomes of a run.
type Outcome string

const (
	OutcomeSuccess             Outcome = "success"
	OutcomeLowConfidence       Outcome = "low_confidence"
	OutcomeClarificationNeeded Outcome = "clarification_needed"
	OutcomeRateLimited         Outcome = "rate_limited"
	OutcomeTimedOut            Outcome = "timed_out"
	OutcomeFailed              Outcome = "failed"
	OutcomeCancelled           Outcome = "cancelled"
	OutcomeQueuedOffline       Outcome = "queued_offline"
)

// Modality is the input form of the utterance.
type Modality string

const (
	ModalityAudio Modality = "audio"
	ModalityText  Modality = "text"
)

// Input is one utterance handed to the pipeline: raw audio bytes or
// pre-transcribed text, never both.
type Input struct {
	Audio []byte
	Text  string
}

func (i Input) Modality() Modality {
	if i.Text != "" {
		return ModalityText
	}
	return ModalityAudio
}

// CommandRun is one execution of the pipeline for a single utterance.
// A retry creates a new run; a run never mutates after its terminal outcome.
// Mutation happens only on the orchestrator goroutine for that run.
type CommandRun struct {
	ID          string
	PrincipalID string
	TenantID    string
	Language    string
	Modality    Modality

	Stage           Stage
	StageTimestamps map[Stage]time.Time
	StageLatencyMs  map[Stage]int64
	StageConfidence map[Stage]float64

	Outcome    Outcome
	Transcript string
	Intent     *collab.Intent
	RetryAfter time.Duration
	Message    string // user-visible text for non-success outcomes

	StartedAt  time.Time
	FinishedAt time.Time

	terminal bool
}

// NewCommandRun creates a run in the Idle state.
func NewCommandRun(rc collab.RunContext, modality Modality) *CommandRun {
	now := time.Now().UTC()
	return &CommandRun{
		ID:              uuid.NewString(),
		PrincipalID:     rc.PrincipalID,
		TenantID:        rc.TenantID,
		Language:        rc.Language,
		Modality:        modality,
		Stage:           StageIdle,
		StageTimestamps: map[Stage]time.Time{StageIdle: now},
		StageLatencyMs:  make(map[Stage]int64),
		StageConfidence: make(map[Stage]float64),
		StartedAt:       now,
	}
}

// advance moves the run to the next stage, keeping timestamps monotonic and
// closing the latency of the stage being left.
func (r *CommandRun) advance(next Stage) {
	if r.terminal {
		return
	}
	now := time.Now().UTC()
	if prev, ok := r.StageTimestamps[r.Stage]; ok {
		r.StageLatencyMs[r.Stage] = now.Sub(prev).Milliseconds()
	}
	if last, ok := r.StageTimestamps[next]; ok && now.Before(last) {
		now = last
	}
	r.Stage = next
	r.StageTimestamps[next] = now
}

// recordConfidence records a stage confidence once; later writes are ignored.
func (r *CommandRun) recordConfidence(stage Stage, confidence float64) {
	if _, ok := r.StageConfidence[stage]; ok {
		return
	}
	r.StageConfidence[stage] = confidence
}

// setTerminal transitions to the terminal state with the given outcome.
// At most one terminal outcome is ever recorded.
func (r *CommandRun) setTerminal(outcome Outcome) {
	if r.terminal {
		return
	}
	r.advance(StageTerminal)
	r.Outcome = outcome
	r.FinishedAt = time.Now().UTC()
	r.terminal = true
}

// IsTerminal reports whether the run has reached a terminal outcome.
func (r *CommandRun) IsTerminal() bool {
	return r.terminal
}

// TotalLatencyMs is the end-to-end run latency.
func (r *CommandRun) TotalLatencyMs() int64 {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt).Milliseconds()
}

// IdempotencyKey derives the storage replay key from the run identifier.
func (r *CommandRun) IdempotencyKey() string {
	return "run-" + r.ID
}

// EventType enumerates the progress events emitted on a run's stream.
type EventType string

const (
	EventTranscriptAvailable    EventType = "transcript_available"
	EventClarificationRequested EventType = "clarification_requested"
	EventCompleted              EventType = "completed"
)

// Event is one entry on the per-run event stream. The Completed event is
// always last and doubles as the completion signal.
type Event struct {
	Type EventType

	// TranscriptAvailable
	Transcript string
	Confidence float64
	Final      bool

	// ClarificationRequested
	Clarification string

	// ClarificationRequested / Completed
	AudioRef string

	// Completed
	Outcome Outcome
	Run     *CommandRun
}
