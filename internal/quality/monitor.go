// Package quality observes completed runs without ever blocking them.
// Samples arrive on a buffered channel; when the buffer is full they are
// dropped and counted, never queued against the hot path.
package quality

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fieldlog/voice-pipeline/internal/collab"
	"github.com/fieldlog/voice-pipeline/internal/common/config"
	"github.com/fieldlog/voice-pipeline/internal/common/logger"
	"github.com/fieldlog/voice-pipeline/internal/common/metrics"
)

// Sample is the quality record of one completed run.
type Sample struct {
	RunID    string `json:"run_id"`
	TenantID string `json:"tenant_id"`
	Outcome  string `json:"outcome"`

	Transcript string `json:"transcript,omitempty"`
	// ReferenceTranscript is the ground-truth text when one exists: a user
	// correction or a synthetic test-set utterance. Empty for ordinary runs.
	ReferenceTranscript string `json:"reference_transcript,omitempty"`

	Intent          collab.Intent  `json:"intent"`
	ReferenceIntent *collab.Intent `json:"reference_intent,omitempty"`

	StageLatencyMs map[string]int64 `json:"stage_latency_ms,omitempty"`
	TotalLatencyMs int64            `json:"total_latency_ms"`
	Timestamp      time.Time        `json:"timestamp"`
}

// Archiver persists samples outside the in-memory retention window.
type Archiver interface {
	Archive(ctx context.Context, s Sample) error
}

// Monitor aggregates samples over a sliding retention window and raises
// alerts when quality thresholds are breached.
type Monitor struct {
	cfg      config.QualityConfig
	logger   logger.Logger
	alerter  collab.Alerter
	archiver Archiver

	samples chan Sample
	done    chan struct{}

	mu     sync.RWMutex
	window []Sample

	// providerCalls accumulates per provider/service call outcomes, fed
	// inline from the adapters.
	providerCalls map[string]*providerCallAccum

	// alerted suppresses repeat alerts for the same metric until it recovers.
	alerted map[string]bool
}

type providerCallAccum struct {
	calls   int
	errors  int
	totalMs int64
}

func NewMonitor(cfg config.QualityConfig, alerter collab.Alerter, archiver Archiver, log logger.Logger) *Monitor {
	buffer := cfg.SampleBuffer
	if buffer <= 0 {
		buffer = 1024
	}
	return &Monitor{
		cfg:      cfg,
		logger:   log.With(map[string]interface{}{"component": "quality-monitor"}),
		alerter:  alerter,
		archiver: archiver,
		samples:  make(chan Sample, buffer),
		done:     make(chan struct{}),
		alerted:  make(map[string]bool),

		providerCalls: make(map[string]*providerCallAccum),
	}
}

// ObserveProviderCall records the latency and outcome of one adapter call,
// successful or not. It runs inline on the calling adapter, so it only takes
// the lock briefly and never touches I/O.
func (m *Monitor) ObserveProviderCall(provider, service string, latency time.Duration, callErr error) {
	key := provider + "/" + service
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.providerCalls[key]
	if acc == nil {
		acc = &providerCallAccum{}
		m.providerCalls[key] = acc
	}
	acc.calls++
	if callErr != nil {
		acc.errors++
	}
	acc.totalMs += latency.Milliseconds()
}

// RecordSample hands a sample to the monitor. It never blocks: when the
// buffer is full the sample is dropped and the drop counter incremented.
func (m *Monitor) RecordSample(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	select {
	case m.samples <- s:
	default:
		metrics.QualitySamplesDropped.Inc()
		m.logger.Warn("quality sample dropped, buffer full", map[string]interface{}{
			"runId": s.RunID,
		})
	}
}

// Run consumes samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)
	evalTicker := time.NewTicker(5 * time.Minute)
	defer evalTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-m.samples:
			m.ingest(ctx, s)
		case <-evalTicker.C:
			m.checkThresholds(ctx)
		}
	}
}

// Wait blocks until Run has returned.
func (m *Monitor) Wait() { <-m.done }

func (m *Monitor) ingest(ctx context.Context, s Sample) {
	m.mu.Lock()
	m.window = append(m.window, s)
	m.prune(time.Now().UTC())
	m.mu.Unlock()

	if m.archiver != nil {
		if err := m.archiver.Archive(ctx, s); err != nil {
			m.logger.WithError(err).Warn("sample archive failed", map[string]interface{}{
				"runId": s.RunID,
			})
		}
	}
}

// prune drops samples older than the retention window. Caller holds the lock.
func (m *Monitor) prune(now time.Time) {
	retention := time.Duration(m.cfg.RetentionHours) * time.Hour
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	cutoff := now.Add(-retention)
	i := 0
	for i < len(m.window) && m.window[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.window = append(m.window[:0:0], m.window[i:]...)
	}
}

// AggregateReport summarizes the retained window.
type AggregateReport struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	SampleCount int       `json:"sample_count"`

	// Transcription quality, over samples carrying a reference transcript.
	ScoredTranscripts int     `json:"scored_transcripts"`
	MedianWER         float64 `json:"median_wer"`

	// Intent quality, over samples carrying a reference intent.
	ScoredIntents   int     `json:"scored_intents"`
	IntentPrecision float64 `json:"intent_precision"`
	IntentRecall    float64 `json:"intent_recall"`
	IntentF1        float64 `json:"intent_f1"`
	NumericAccuracy float64 `json:"numeric_accuracy"`

	P50LatencyMs int64 `json:"p50_latency_ms"`
	P95LatencyMs int64 `json:"p95_latency_ms"`

	Outcomes map[string]int `json:"outcomes"`

	// ProviderCalls aggregates adapter call outcomes per provider/service
	// pair since startup.
	ProviderCalls map[string]ProviderCallStats `json:"provider_calls,omitempty"`
}

// ProviderCallStats summarizes the calls one provider/service pair received.
type ProviderCallStats struct {
	Calls         int   `json:"calls"`
	Errors        int   `json:"errors"`
	MeanLatencyMs int64 `json:"mean_latency_ms"`
}

// Evaluate computes the aggregate over samples newer than the given window.
// A zero window evaluates the full retention span.
func (m *Monitor) Evaluate(window time.Duration) AggregateReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UTC()
	cutoff := time.Time{}
	if window > 0 {
		cutoff = now.Add(-window)
	}

	report := AggregateReport{
		WindowStart: cutoff,
		WindowEnd:   now,
		Outcomes:    make(map[string]int),
	}

	var (
		wers       []float64
		latencies  []int64
		precisions []float64
		recalls    []float64
		numericOK  int
		numericAll int
	)

	for _, s := range m.window {
		if s.Timestamp.Before(cutoff) {
			continue
		}
		report.SampleCount++
		report.Outcomes[s.Outcome]++
		latencies = append(latencies, s.TotalLatencyMs)

		if s.ReferenceTranscript != "" {
			wers = append(wers, WordErrorRate(s.Transcript, s.ReferenceTranscript))
		}
		if s.ReferenceIntent != nil {
			p, r := PrecisionRecall(s.Intent, *s.ReferenceIntent)
			precisions = append(precisions, p)
			recalls = append(recalls, r)
			ok, total := numericAgreement(s.Intent, *s.ReferenceIntent)
			numericOK += ok
			numericAll += total
		}
	}

	report.ScoredTranscripts = len(wers)
	report.MedianWER = medianFloat(wers)
	report.ScoredIntents = len(precisions)
	report.IntentPrecision = meanFloat(precisions)
	report.IntentRecall = meanFloat(recalls)
	report.IntentF1 = F1(report.IntentPrecision, report.IntentRecall)
	if numericAll > 0 {
		report.NumericAccuracy = float64(numericOK) / float64(numericAll)
	}
	report.P50LatencyMs = percentileInt(latencies, 50)
	report.P95LatencyMs = percentileInt(latencies, 95)

	if len(m.providerCalls) > 0 {
		report.ProviderCalls = make(map[string]ProviderCallStats, len(m.providerCalls))
		for key, acc := range m.providerCalls {
			st := ProviderCallStats{Calls: acc.calls, Errors: acc.errors}
			if acc.calls > 0 {
				st.MeanLatencyMs = acc.totalMs / int64(acc.calls)
			}
			report.ProviderCalls[key] = st
		}
	}

	return report
}

// numericAgreement counts exact matches among the reference's numeric slots.
func numericAgreement(parsed, reference collab.Intent) (ok, total int) {
	for name, want := range reference.Entities {
		if want.Kind != collab.EntityInt && want.Kind != collab.EntityDecimal {
			continue
		}
		total++
		if got, found := parsed.Entities[name]; found && entityEqual(got, want) {
			ok++
		}
	}
	return ok, total
}

func (m *Monitor) checkThresholds(ctx context.Context) {
	report := m.Evaluate(0)
	if report.SampleCount == 0 {
		return
	}

	m.check(ctx, "median_wer",
		report.ScoredTranscripts > 0 && report.MedianWER > m.cfg.MaxMedianWER,
		fmt.Sprintf("median WER %.3f exceeds %.3f over %d scored transcripts",
			report.MedianWER, m.cfg.MaxMedianWER, report.ScoredTranscripts))

	m.check(ctx, "p95_latency",
		report.P95LatencyMs > m.cfg.MaxP95LatencyMs,
		fmt.Sprintf("p95 run latency %dms exceeds %dms over %d runs",
			report.P95LatencyMs, m.cfg.MaxP95LatencyMs, report.SampleCount))

	m.check(ctx, "intent_f1",
		report.ScoredIntents > 0 && report.IntentF1 < m.cfg.MinIntentF1,
		fmt.Sprintf("intent F1 %.3f below %.3f over %d scored intents",
			report.IntentF1, m.cfg.MinIntentF1, report.ScoredIntents))
}

func (m *Monitor) check(ctx context.Context, metric string, breached bool, detail string) {
	m.mu.Lock()
	wasAlerted := m.alerted[metric]
	m.alerted[metric] = breached
	m.mu.Unlock()

	if !breached || wasAlerted {
		return
	}
	if m.alerter == nil {
		m.logger.Warn("quality threshold breached", map[string]interface{}{
			"metric": metric,
			"detail": detail,
		})
		return
	}
	if err := m.alerter.Alert(ctx, "voice pipeline quality: "+metric, detail); err != nil {
		m.logger.WithError(err).Error("quality alert failed", map[string]interface{}{
			"metric": metric,
		})
	}
}

func medianFloat(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func meanFloat(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func percentileInt(values []int64, pct int) int64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (pct*len(sorted) + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}
