// Package pipeline runs the voice command state machine: transcribe, gate,
// parse, gate, execute, confirm. One orchestrator serves many concurrent
// runs; each run gets its own goroutine and event stream.
package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/fieldlog/voice-pipeline/internal/collab"
	"github.com/fieldlog/voice-pipeline/internal/common/config"
	pipeerrors "github.com/fieldlog/voice-pipeline/internal/common/errors"
	"github.com/fieldlog/voice-pipeline/internal/common/logger"
	"github.com/fieldlog/voice-pipeline/internal/common/metrics"
	"github.com/fieldlog/voice-pipeline/internal/common/observability"
	"github.com/fieldlog/voice-pipeline/internal/offline"
	"github.com/fieldlog/voice-pipeline/internal/providers/synthesis"
	"github.com/fieldlog/voice-pipeline/internal/providers/transcription"
	"github.com/fieldlog/voice-pipeline/internal/quality"
)

// Transcriber is the transcription adapter surface the orchestrator uses.
type Transcriber interface {
	Call(ctx context.Context, audio []byte, language, tenant string) (transcription.Result, error)
}

// IntentParser is the intent adapter surface the orchestrator uses.
type IntentParser interface {
	Call(ctx context.Context, transcript, language, tenant string, hints map[string]string) (collab.Intent, error)
}

// Synthesizer is the synthesis adapter surface the orchestrator uses.
type Synthesizer interface {
	Call(ctx context.Context, text, language, tenant string) (synthesis.Result, error)
}

// QualityRecorder receives a sample per completed run. Must never block.
type QualityRecorder interface {
	RecordSample(s quality.Sample)
}

// Orchestrator wires the stages together. Safe for concurrent use.
type Orchestrator struct {
	cfg config.PipelineConfig

	transcriber  Transcriber
	parser       IntentParser
	synthesizer  Synthesizer
	storage      collab.Storage
	connectivity collab.Connectivity
	queue        offline.Store
	monitor      QualityRecorder
	obs          *observability.Observability
	logger       logger.Logger

	// sleep is the retry backoff; tests replace it to avoid real waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(
	cfg config.PipelineConfig,
	transcriber Transcriber,
	parser IntentParser,
	synthesizer Synthesizer,
	storage collab.Storage,
	conn collab.Connectivity,
	queue offline.Store,
	monitor QualityRecorder,
	obs *observability.Observability,
	log logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		transcriber:  transcriber,
		parser:       parser,
		synthesizer:  synthesizer,
		storage:      storage,
		connectivity: conn,
		queue:        queue,
		monitor:      monitor,
		obs:          obs,
		logger:       log.With(map[string]interface{}{"component": "orchestrator"}),
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run accepts one utterance and returns its event stream. The stream always
// ends with a Completed event carrying the terminal run; cancelling ctx
// cancels the run. The channel is buffered so a slow consumer never wedges
// the state machine.
func (o *Orchestrator) Run(ctx context.Context, input Input, rc collab.RunContext) <-chan Event {
	events := make(chan Event, 8)
	run := NewCommandRun(rc, input.Modality())

	go func() {
		defer close(events)

		runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunDeadline())
		defer cancel()

		o.execute(runCtx, run, input, rc, events)
		o.reportTerminal(run)

		events <- Event{
			Type:    EventCompleted,
			Outcome: run.Outcome,
			Run:     run,
		}
	}()

	return events
}

func (o *Orchestrator) execute(ctx context.Context, run *CommandRun, input Input, rc collab.RunContext, events chan<- Event) {
	log := o.logger.With(map[string]interface{}{
		"runId":  run.ID,
		"tenant": run.TenantID,
	})
	thresholds := o.cfg.ThresholdsFor(run.TenantID)

	run.advance(StageListening)
	run.advance(StageTranscribing)

	// --- Transcription ---
	transcript, confidence, err := o.transcribe(ctx, run, input)
	if err != nil {
		o.finish(ctx, run, rc, err, log)
		return
	}
	run.Transcript = transcript
	run.recordConfidence(StageTranscribing, confidence)

	events <- Event{
		Type:       EventTranscriptAvailable,
		Transcript: transcript,
		Confidence: confidence,
		Final:      true,
	}

	// --- Transcript confidence gate ---
	if confidence < thresholds.Transcription {
		run.advance(StageTranscriptLowConfidence)
		log.Info("transcript below confidence gate", map[string]interface{}{
			"confidence": confidence,
			"threshold":  thresholds.Transcription,
		})
		o.finish(ctx, run, rc, pipeerrors.NewLowConfidenceError(confidence, thresholds.Transcription), log)
		return
	}

	// --- Intent parsing ---
	run.advance(StageIntentParsing)
	parsed, err := o.parse(ctx, run, rc)
	if err != nil {
		o.finish(ctx, run, rc, err, log)
		return
	}
	run.Intent = &parsed
	run.recordConfidence(StageIntentParsing, parsed.Confidence)

	// --- Intent confidence gate ---
	if parsed.Confidence < thresholds.Intent {
		run.advance(StageClarificationNeeded)
		prompt := parsed.Clarification
		if prompt == "" {
			prompt = "I'm not sure what you meant. Could you rephrase that?"
		}
		audioRef := o.synthesize(ctx, run, prompt, log)
		events <- Event{
			Type:          EventClarificationRequested,
			Clarification: prompt,
			AudioRef:      audioRef,
		}
		o.finish(ctx, run, rc, pipeerrors.NewClarificationNeededError(parsed.Confidence, thresholds.Intent, prompt), log)
		return
	}

	// --- Execution ---
	run.advance(StageExecuting)
	if !o.connectivity.IsNetworkAvailable() {
		o.enqueueOffline(ctx, run, parsed, rc, log)
		return
	}

	result, err := o.storage.Execute(ctx, parsed, rc, run.IdempotencyKey())
	if err != nil {
		if pipeerrors.CodeOf(err) == "" {
			err = pipeerrors.NewStorageExecutionError(err)
		}
		o.finish(ctx, run, rc, err, log)
		return
	}

	// --- Confirmation ---
	run.advance(StageSynthesizing)
	confirmation := result.Summary
	if confirmation == "" {
		confirmation = "Done."
	}
	audioRef := o.synthesize(ctx, run, confirmation, log)
	run.Message = confirmation

	// A text-only confirmation leaves acknowledgment to the caller.
	if audioRef == "" {
		run.advance(StageAwaitingUserConfirmation)
	} else {
		run.advance(StageConfirmed)
	}
	run.setTerminal(OutcomeSuccess)
	log.Info("run completed", map[string]interface{}{
		"action":   parsed.Action,
		"recordId": result.RecordID,
	})
}

// transcribe resolves the transcript: text input passes through with full
// confidence, audio goes through the transcription adapter under its own
// stage deadline.
func (o *Orchestrator) transcribe(ctx context.Context, run *CommandRun, input Input) (string, float64, error) {
	if input.Modality() == ModalityText {
		return input.Text, 1.0, nil
	}

	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.TranscriptionDeadline())
	defer cancel()

	var result transcription.Result
	err := o.callWithRetry(stageCtx, run, string(StageTranscribing), func(ctx context.Context) error {
		var callErr error
		result, callErr = o.transcriber.Call(ctx, input.Audio, run.Language, run.TenantID)
		return callErr
	})
	if err != nil {
		// A stage deadline that fires before the run deadline is still a
		// timed-out run.
		if stderrors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", 0, pipeerrors.NewTimedOutError(string(StageTranscribing))
		}
		return "", 0, err
	}
	return result.Text, result.Confidence, nil
}

func (o *Orchestrator) parse(ctx context.Context, run *CommandRun, rc collab.RunContext) (collab.Intent, error) {
	var parsed collab.Intent
	err := o.callWithRetry(ctx, run, string(StageIntentParsing), func(ctx context.Context) error {
		var callErr error
		parsed, callErr = o.parser.Call(ctx, run.Transcript, run.Language, run.TenantID, rc.Hints)
		return callErr
	})
	return parsed, err
}

// synthesize is best-effort: a failed synthesis degrades to text-only and
// never changes the run outcome.
func (o *Orchestrator) synthesize(ctx context.Context, run *CommandRun, text string, log logger.Logger) string {
	if o.synthesizer == nil {
		return ""
	}
	result, err := o.synthesizer.Call(ctx, text, run.Language, run.TenantID)
	if err != nil {
		log.WithError(err).Warn("synthesis failed, degrading to text", nil)
		return ""
	}
	return result.AudioRef
}

// callWithRetry invokes fn up to MaxRetries extra times on retryable errors,
// backing off between attempts. Context expiry wins over the retry budget.
func (o *Orchestrator) callWithRetry(ctx context.Context, run *CommandRun, stage string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := o.sleep(ctx, o.cfg.RetryDelay(attempt)); err != nil {
				return lastErr
			}
			o.logger.Info("retrying stage", map[string]interface{}{
				"runId":   run.ID,
				"stage":   stage,
				"attempt": attempt,
			})
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !pipeerrors.IsRetryable(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (o *Orchestrator) enqueueOffline(ctx context.Context, run *CommandRun, parsed collab.Intent, rc collab.RunContext, log logger.Logger) {
	// The queue write uses a fresh context: the run deadline must not lose
	// an already-confirmed command.
	enqueueCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := o.queue.Enqueue(enqueueCtx, offline.Entry{
		TenantID:  run.TenantID,
		RunID:     run.ID,
		Operation: parsed.Action,
		Intent:    parsed,
		Context:   rc,
	})
	if err != nil {
		log.WithError(err).Error("offline enqueue failed", nil)
		o.finish(ctx, run, rc, pipeerrors.NewStorageExecutionError(err), log)
		return
	}

	if n, countErr := o.queue.PendingCount(enqueueCtx, run.TenantID); countErr == nil {
		metrics.OfflineQueueDepth.WithLabelValues(run.TenantID).Set(float64(n))
	}

	run.advance(StageSynthesizing)
	message := "You're offline. I saved that locally and will sync it once you're back online."
	o.synthesize(ctx, run, message, log)
	run.Message = message
	run.setTerminal(OutcomeQueuedOffline)
	log.Info("command queued offline", map[string]interface{}{"action": parsed.Action})
}

// finish maps a stage failure to the terminal outcome and a user-facing
// message, synthesizing the message when the synthesizer is still usable.
func (o *Orchestrator) finish(ctx context.Context, run *CommandRun, rc collab.RunContext, err error, log logger.Logger) {
	outcome, message := o.classify(ctx, err)
	// The clarification branch already synthesized its prompt.
	alreadySpoken := run.Stage == StageClarificationNeeded
	if run.Stage != StageSynthesizing && !alreadySpoken {
		run.advance(StageSynthesizing)
	}
	// Synthesis under a dead context is pointless; use a short grace window.
	synthCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		synthCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if outcome != OutcomeCancelled && !alreadySpoken {
		o.synthesize(synthCtx, run, message, log)
	}
	run.Message = message
	if retryAfter := pipeerrors.RetryAfterOf(err); retryAfter > 0 {
		run.RetryAfter = retryAfter
	}
	run.setTerminal(outcome)
	log.WithError(err).Info("run finished without success", map[string]interface{}{
		"outcome": string(outcome),
	})
}

// classify maps an error to the terminal outcome and its spoken message.
// Context state disambiguates cancellation from the run deadline.
func (o *Orchestrator) classify(ctx context.Context, err error) (Outcome, string) {
	if stderrors.Is(ctx.Err(), context.Canceled) || stderrors.Is(err, context.Canceled) {
		return OutcomeCancelled, "Command cancelled."
	}
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) || stderrors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimedOut, "That took too long. Please try again."
	}

	switch pipeerrors.CodeOf(err) {
	case pipeerrors.ErrCodeLowConfidence:
		return OutcomeLowConfidence, "I didn't catch that. Could you say it again?"
	case pipeerrors.ErrCodeClarificationNeeded:
		msg := pipeerrors.ClarificationOf(err)
		if msg == "" {
			msg = "I'm not sure what you meant. Could you rephrase that?"
		}
		return OutcomeClarificationNeeded, msg
	case pipeerrors.ErrCodeRateLimited:
		wait := pipeerrors.RetryAfterOf(err)
		return OutcomeRateLimited, fmt.Sprintf("You've hit the voice command limit. Try again in %s.", humanDuration(wait))
	case pipeerrors.ErrCodeTimedOut:
		return OutcomeTimedOut, "That took too long. Please try again."
	case pipeerrors.ErrCodeCancelled:
		return OutcomeCancelled, "Command cancelled."
	default:
		return OutcomeFailed, "Something went wrong handling that command. Please try again."
	}
}

func humanDuration(d time.Duration) string {
	if d <= 0 {
		return "a moment"
	}
	if d < time.Minute {
		return fmt.Sprintf("%d seconds", int(d.Round(time.Second).Seconds()))
	}
	return fmt.Sprintf("%d minutes", int(d.Round(time.Minute).Minutes()))
}

// reportTerminal pushes the finished run into metrics and the quality monitor.
func (o *Orchestrator) reportTerminal(run *CommandRun) {
	metrics.RunsCompleted.WithLabelValues(string(run.Outcome)).Inc()
	for stage, ms := range run.StageLatencyMs {
		metrics.StageDuration.WithLabelValues(string(stage)).Observe(float64(ms) / 1000)
	}
	if o.obs != nil {
		ctx := context.Background()
		o.obs.RecordRunProcessed(ctx, string(run.Outcome))
		for stage, ms := range run.StageLatencyMs {
			o.obs.RecordStageDuration(ctx, string(stage), time.Duration(ms)*time.Millisecond)
		}
	}
	if o.monitor == nil {
		return
	}

	stageLatency := make(map[string]int64, len(run.StageLatencyMs))
	for stage, ms := range run.StageLatencyMs {
		stageLatency[string(stage)] = ms
	}
	sample := quality.Sample{
		RunID:          run.ID,
		TenantID:       run.TenantID,
		Outcome:        string(run.Outcome),
		Transcript:     run.Transcript,
		StageLatencyMs: stageLatency,
		TotalLatencyMs: run.TotalLatencyMs(),
		Timestamp:      run.FinishedAt,
	}
	if run.Intent != nil {
		sample.Intent = *run.Intent
	}
	o.monitor.RecordSample(sample)
}
