// internal/pipeline/orchestrator_test.go
package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlog/voice-pipeline/internal/collab"
	"github.com/fieldlog/voice-pipeline/internal/common/config"
	pipeerrors "github.com/fieldlog/voice-pipeline/internal/common/errors"
	"github.com/fieldlog/voice-pipeline/internal/common/logger"
	"github.com/fieldlog/voice-pipeline/internal/offline"
	"github.com/fieldlog/voice-pipeline/internal/providers/synthesis"
	"github.com/fieldlog/voice-pipeline/internal/providers/transcription"
)

// ==========================
// Test Fakes
// ==========================

type fakeTranscriber struct {
	mu      sync.Mutex
	calls   int
	results []transcription.Result
	errs    []error
}

func (f *fakeTranscriber) Call(ctx context.Context, audio []byte, language, tenant string) (transcription.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return transcription.Result{}, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	if len(f.results) > 0 {
		return f.results[len(f.results)-1], nil
	}
	return transcription.Result{}, nil
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeParser struct {
	mu     sync.Mutex
	calls  int
	intent collab.Intent
	err    error
	// blockOnCtx makes Parse wait for ctx expiry, simulating a slow provider.
	blockOnCtx bool
}

func (f *fakeParser) Call(ctx context.Context, transcript, language, tenant string, hints map[string]string) (collab.Intent, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.blockOnCtx {
		<-ctx.Done()
		return collab.Intent{}, ctx.Err()
	}
	if f.err != nil {
		return collab.Intent{}, f.err
	}
	return f.intent, nil
}

func (f *fakeParser) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSynthesizer struct {
	mu    sync.Mutex
	calls int
	texts []string
	err   error
}

func (f *fakeSynthesizer) Call(ctx context.Context, text, language, tenant string) (synthesis.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.texts = append(f.texts, text)
	if f.err != nil {
		return synthesis.Result{}, f.err
	}
	return synthesis.Result{AudioRef: "audio-ref", Audio: []byte{1}, Confidence: 1.0}, nil
}

func (f *fakeSynthesizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStorage struct {
	mu    sync.Mutex
	calls int
	keys  []string
	err   error
}

func (f *fakeStorage) Execute(ctx context.Context, intent collab.Intent, rc collab.RunContext, idempotencyKey string) (collab.ExecuteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.keys = append(f.keys, idempotencyKey)
	if f.err != nil {
		return collab.ExecuteResult{}, f.err
	}
	return collab.ExecuteResult{RecordID: "42", Summary: "Recorded a cost of 1500 for cement."}, nil
}

func (f *fakeStorage) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type staticConnectivity bool

func (s staticConnectivity) IsNetworkAvailable() bool { return bool(s) }

// ==========================
// Test Helpers
// ==========================

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		Thresholds:           config.Thresholds{Transcription: 0.70, Intent: 0.85},
		TranscriptionTimeout: 5000,
		RunTimeout:           12000,
		MaxRetries:           2,
		RetryDelays:          []int{1000, 2000},
	}
}

type testEnv struct {
	orchestrator *Orchestrator
	transcriber  *fakeTranscriber
	parser       *fakeParser
	synthesizer  *fakeSynthesizer
	storage      *fakeStorage
	queue        *offline.MemoryStore
	sleeps       []time.Duration
}

func newTestEnv(cfg config.PipelineConfig, online bool) *testEnv {
	env := &testEnv{
		transcriber: &fakeTranscriber{},
		parser:      &fakeParser{},
		synthesizer: &fakeSynthesizer{},
		storage:     &fakeStorage{},
		queue:       offline.NewMemoryStore(),
	}
	env.orchestrator = NewOrchestrator(
		cfg,
		env.transcriber, env.parser, env.synthesizer,
		env.storage, staticConnectivity(online), env.queue,
		nil, nil, logger.Nop(),
	)
	env.orchestrator.sleep = func(ctx context.Context, d time.Duration) error {
		env.sleeps = append(env.sleeps, d)
		return ctx.Err()
	}
	return env
}

func testRunContext() collab.RunContext {
	return collab.RunContext{
		PrincipalID: "user-1",
		TenantID:    "tenant-1",
		Language:    "en",
		Hints:       map[string]string{"job": "site-7"},
	}
}

func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, e)
		case <-deadline:
			t.Fatal("timed out waiting for events")
		}
	}
}

func terminalRun(t *testing.T, events []Event) *CommandRun {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, EventCompleted, last.Type, "last event must be Completed")
	require.NotNil(t, last.Run)
	return last.Run
}

// ==========================
// Core Flow Tests
// ==========================

func TestRun_SuccessEndToEnd(t *testing.T) {
	env := newTestEnv(testPipelineConfig(), true)
	env.transcriber.results = []transcription.Result{
		{Text: "add a cost of one thousand five hundred for cement", Confidence: 0.93},
	}
	env.parser.intent = collab.Intent{
		Action: "create_cost",
		Entities: map[string]collab.EntityValue{
			"amount":      collab.IntValue(1500),
			"description": collab.StringValue("cement"),
		},
		Confidence: 0.95,
	}

	events := collectEvents(t, env.orchestrator.Run(context.Background(), Input{Audio: []byte{1, 2, 3}}, testRunContext()))
	run := terminalRun(t, events)

	assert.Equal(t, OutcomeSuccess, run.Outcome)
	assert.Equal(t, "add a cost of one thousand five hundred for cement", run.Transcript)
	assert.Equal(t, 1, env.storage.callCount(), "storage must execute exactly once")
	assert.Equal(t, []string{"run-" + run.ID}, env.storage.keys)
	assert.Equal(t, 1, env.synthesizer.callCount())

	// Transcript event precedes completion.
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, EventTranscriptAvailable, events[0].Type)
	assert.True(t, events[0].Final)
	assert.InDelta(t, 0.93, events[0].Confidence, 1e-9)

	assert.InDelta(t, 0.93, run.StageConfidence[StageTranscribing], 1e-9)
	assert.InDelta(t, 0.95, run.StageConfidence[StageIntentParsing], 1e-9)
	assert.Contains(t, run.StageTimestamps, StageConfirmed)
	assert.True(t, run.IsTerminal())
	assert.NotEmpty(t, run.Message)
}

func TestRun_DegradedConfirmationAwaitsUserAck(t *testing.T) {
	env := newTestEnv(testPipelineConfig(), true)
	env.transcriber.results = []transcription.Result{{Text: "add a cost of 200 for fuel", Confidence: 0.9}}
	env.parser.intent = collab.Intent{Action: "create_cost", Entities: map[string]collab.EntityValue{
		"amount": collab.IntValue(200),
	}, Confidence: 0.95}
	env.synthesizer.err = pipeerrors.NewTransientNetworkError("tts-api", assert.AnError)

	events := collectEvents(t, env.orchestrator.Run(context.Background(), Input{Audio: []byte{1}}, testRunContext()))
	run := terminalRun(t, events)

	// A failed confirmation synthesis degrades to text: the run still
	// succeeds but acknowledgment is left to the caller.
	assert.Equal(t, OutcomeSuccess, run.Outcome)
	assert.Contains(t, run.StageTimestamps, StageAwaitingUserConfirmation)
	assert.NotContains(t, run.StageTimestamps, StageConfirmed)
	assert.NotEmpty(t, run.Message)
	assert.Equal(t, 1, env.storage.callCount())
}

func TestRun_TextInputBypassesTranscription(t *testing.T) {
	env := newTestEnv(testPipelineConfig(), true)
	env.parser.intent = collab.Intent{Action: "create_note", Entities: map[string]collab.EntityValue{
		"text": collab.StringValue("rebar delivered"),
	}, Confidence: 0.9}

	events := collectEvents(t, env.orchestrator.Run(context.Background(), Input{Text: "add a note rebar delivered"}, testRunContext()))
	run := terminalRun(t, events)

	assert.Equal(t, OutcomeSuccess, run.Outcome)
	assert.Equal(t, 0, env.transcriber.callCount(), "text input must not hit the transcriber")
	assert.InDelta(t, 1.0, run.StageConfidence[StageTranscribing], 1e-9)
}

// ==========================
// Confidence Gate Tests
// ==========================

func TestRun_LowTranscriptConfidenceStopsPipeline(t *testing.T) {
	env := newTestEnv(testPipelineConfig(), true)
	env.transcriber.results = []transcription.Result{{Text: "mumble", Confidence: 0.42}}

	events := collectEvents(t, env.orchestrator.Run(context.Background(), Input{Audio: []byte{1}}, testRunContext()))
	run := terminalRun(t, events)

	assert.Equal(t, OutcomeLowConfidence, run.Outcome)
	assert.Equal(t, 0, env.parser.callCount(), "gate must suppress intent parsing")
	assert.Equal(t, 0, env.storage.callCount(), "gate must suppress execution")
	assert.Contains(t, run.Message, "didn't catch")
}

func TestRun_IntentBelowGateRequestsClarification(t *testing.T) {
	env := newTestEnv(testPipelineConfig(), true)
	env.transcriber.results = []transcription.Result{{Text: "do the thing", Confidence: 0.9}}
	env.parser.intent = collab.Intent{
		Action:        "create_cost",
		Entities:      map[string]collab.EntityValue{},
		Confidence:    0.6,
		Clarification: "Did you want to record a cost? Please repeat the amount.",
	}

	events := collectEvents(t, env.orchestrator.Run(context.Background(), Input{Audio: []byte{1}}, testRunContext()))
	run := terminalRun(t, events)

	assert.Equal(t, OutcomeClarificationNeeded, run.Outcome)
	assert.Equal(t, 0, env.storage.callCount())

	var clarification *Event
	for i := range events {
		if events[i].Type == EventClarificationRequested {
			clarification = &events[i]
		}
	}
	require.NotNil(t, clarification, "clarification event must be emitted")
	assert.Equal(t, "Did you want to record a cost? Please repeat the amount.", clarification.Clarification)
	assert.Equal(t, "audio-ref", clarification.AudioRef)
	// The prompt is synthesized exactly once.
	assert.Equal(t, 1, env.synthesizer.callCount())
	assert.Equal(t, clarification.Clarification, run.Message)
}

func TestRun_TenantThresholdOverride(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.TenantOverrides = map[string]config.Thresholds{
		"tenant-1": {Transcription: 0.50},
	}
	env := newTestEnv(cfg, true)
	env.transcriber.results = []transcription.Result{{Text: "noisy site command", Confidence: 0.6}}
	env.parser.intent = collab.Intent{Action: "create_note", Entities: map[string]collab.EntityValue{}, Confidence: 0.9}

	events := collectEvents(t, env.orchestrator.Run(context.Background(), Input{Audio: []byte{1}}, testRunContext()))
	run := terminalRun(t, events)

	// 0.6 fails the default 0.70 gate but passes the tenant's 0.50 override.
	assert.Equal(t, OutcomeSuccess, run.Outcome)
}

// ==========================
// Retry Tests
// ==========================

func TestRun_RetriesTransientErrors(t *testing.T) {
	env := newTestEnv(testPipelineConfig(), true)
	env.transcriber.errs = []error{
		pipeerrors.NewProviderTimeoutError("speech-api", "transcription"),
		pipeerrors.NewTransientNetworkError("speech-api", context.DeadlineExceeded),
		nil,
	}
	env.transcriber.results = []transcription.Result{
		{}, {}, {Text: "log four hours", Confidence: 0.9},
	}
	env.parser.intent = collab.Intent{Action: "log_hours", Entities: map[string]collab.EntityValue{
		"hours": collab.IntValue(4),
	}, Confidence: 0.9}

	events := collectEvents(t, env.orchestrator.Run(context.Background(), Input{Audio: []byte{1}}, testRunContext()))
	run := terminalRun(t, events)

	assert.Equal(t, OutcomeSuccess, run.Outcome)
	assert.Equal(t, 3, env.transcriber.callCount(), "two retries then success")
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, env.sleeps)
}

func TestRun_RetryBudgetExhausted(t *testing.T) {
	env := newTestEnv(testPipelineConfig(), true)
	env.transcriber.errs = []error{
		pipeerrors.NewProviderTimeoutError("speech-api", "transcription"),
		pipeerrors.NewProviderTimeoutError("speech-api", "transcription"),
		pipeerrors.NewProviderTimeoutError("speech-api", "transcription"),
	}

	events := collectEvents(t, env.orchestrator.Run(context.Background(), Input{Audio: []byte{1}}, testRunContext()))
	run := terminalRun(t, events)

	assert.Equal(t, OutcomeFailed, run.Outcome)
	assert.Equal(t, 3, env.transcriber.callCount(), "initial attempt plus two retries")
	assert.Equal(t, 0, env.storage.callCount())
}

func TestRun_NonRetryableErrorFailsImmediately(t *testing.T) {
	env := newTestEnv(testPipelineConfig(), true)
	env.transcriber.errs = []error{
		pipeerrors.NewProviderAuthFailedError("speech-api"),
	}

	events := collectEvents(t, env.orchestrator.Run(context.Background(), Input{Audio: []byte{1}}, testRunContext()))
	run := terminalRun(t, events)

	assert.Equal(t, OutcomeFailed, run.Outcome)
	assert.Equal(t, 1, env.transcriber.callCount(), "auth failures are not retried")
}

// ==========================
// Rate Limit / Offline / Lifecycle Tests
// ==========================

func TestRun_TenantRateLimited(t *testing.T) {
	env := newTestEnv(testPipelineConfig(), true)
	env.transcriber.errs = []error{pipeerrors.NewRateLimitedError(90 * time.Second)}

	events := collectEvents(t, env.orchestrator.Run(context.Background(), Input{Audio: []byte{1}}, testRunContext()))
	run := terminalRun(t, events)

	assert.Equal(t, OutcomeRateLimited, run.Outcome)
	assert.Equal(t, 90*time.Second, run.RetryAfter)
	assert.Equal(t, 0, env.storage.callCount())
	assert.Contains(t, run.Message, "limit")
}

func TestRun_OfflineQueuesConfirmedIntent(t *testing.T) {
	env := newTestEnv(testPipelineConfig(), false)
	env.transcriber.results = []transcription.Result{{Text: "add a cost of 200 for fuel", Confidence: 0.9}}
	env.parser.intent = collab.Intent{Action: "create_cost", Entities: map[string]collab.EntityValue{
		"amount": collab.IntValue(200),
	}, Confidence: 0.95}

	events := collectEvents(t, env.orchestrator.Run(context.Background(), Input{Audio: []byte{1}}, testRunContext()))
	run := terminalRun(t, events)

	assert.Equal(t, OutcomeQueuedOffline, run.Outcome)
	assert.Equal(t, 0, env.storage.callCount(), "offline runs never call storage directly")

	pending, err := env.queue.OldestPending(context.Background(), "tenant-1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, run.ID, pending[0].RunID)
	assert.Equal(t, "create_cost", pending[0].Operation)
	assert.Contains(t, run.Message, "offline")
}

func TestRun_CancellationStopsBeforeExecution(t *testing.T) {
	env := newTestEnv(testPipelineConfig(), true)
	env.transcriber.results = []transcription.Result{{Text: "add a note test", Confidence: 0.9}}
	env.parser.blockOnCtx = true

	ctx, cancel := context.WithCancel(context.Background())
	ch := env.orchestrator.Run(ctx, Input{Audio: []byte{1}}, testRunContext())

	// First event is the transcript; cancel while the parser is in flight.
	first := <-ch
	require.Equal(t, EventTranscriptAvailable, first.Type)
	cancel()

	events := collectEvents(t, ch)
	run := terminalRun(t, events)

	assert.Equal(t, OutcomeCancelled, run.Outcome)
	assert.Equal(t, 0, env.storage.callCount(), "cancelled runs must not execute")
	// The run still closes with a textual message; synthesis is skipped.
	assert.Equal(t, "Command cancelled.", run.Message)
	assert.Equal(t, 0, env.synthesizer.callCount())
}

func TestRun_DeadlineProducesTimedOut(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.RunTimeout = 50
	env := newTestEnv(cfg, true)
	env.transcriber.results = []transcription.Result{{Text: "add a note test", Confidence: 0.9}}
	env.parser.blockOnCtx = true

	events := collectEvents(t, env.orchestrator.Run(context.Background(), Input{Audio: []byte{1}}, testRunContext()))
	run := terminalRun(t, events)

	assert.Equal(t, OutcomeTimedOut, run.Outcome)
	assert.Equal(t, 0, env.storage.callCount())
	assert.NotEmpty(t, run.Message)
}

func TestRun_StorageRejectionFailsWithoutRetry(t *testing.T) {
	env := newTestEnv(testPipelineConfig(), true)
	env.transcriber.results = []transcription.Result{{Text: "add a cost of 50 for nails", Confidence: 0.9}}
	env.parser.intent = collab.Intent{Action: "create_cost", Entities: map[string]collab.EntityValue{
		"amount": collab.IntValue(50),
	}, Confidence: 0.95}
	env.storage.err = assert.AnError

	events := collectEvents(t, env.orchestrator.Run(context.Background(), Input{Audio: []byte{1}}, testRunContext()))
	run := terminalRun(t, events)

	assert.Equal(t, OutcomeFailed, run.Outcome)
	assert.Equal(t, 1, env.storage.callCount(), "business rejections are never retried")
}
