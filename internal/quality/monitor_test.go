// internal/quality/monitor_test.go
package quality

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlog/voice-pipeline/internal/collab"
	"github.com/fieldlog/voice-pipeline/internal/common/config"
	"github.com/fieldlog/voice-pipeline/internal/common/logger"
)

type recordingAlerter struct {
	mu       sync.Mutex
	subjects []string
}

func (a *recordingAlerter) Alert(ctx context.Context, subject, body string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subjects = append(a.subjects, subject)
	return nil
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subjects)
}

func testQualityConfig() config.QualityConfig {
	return config.QualityConfig{
		RetentionHours:  24,
		SampleBuffer:    16,
		MaxMedianWER:    0.15,
		MaxP95LatencyMs: 12000,
		MinIntentF1:     0.85,
	}
}

func newTestMonitor(alerter collab.Alerter) *Monitor {
	return NewMonitor(testQualityConfig(), alerter, nil, logger.Nop())
}

func TestMonitor_EvaluateAggregates(t *testing.T) {
	m := newTestMonitor(nil)
	ctx := context.Background()

	ref := costIntent(1500, "cement", 1.0)
	m.ingest(ctx, Sample{
		RunID:               "r1",
		TenantID:            "t1",
		Outcome:             "success",
		Transcript:          "add a cost of 1500 for cement",
		ReferenceTranscript: "add a cost of 1500 for cement",
		Intent:              costIntent(1500, "cement", 0.95),
		ReferenceIntent:     &ref,
		TotalLatencyMs:      900,
		Timestamp:           time.Now().UTC(),
	})
	m.ingest(ctx, Sample{
		RunID:               "r2",
		TenantID:            "t1",
		Outcome:             "low_confidence",
		Transcript:          "log five hours",
		ReferenceTranscript: "log four hours",
		TotalLatencyMs:      3000,
		Timestamp:           time.Now().UTC(),
	})

	report := m.Evaluate(0)
	assert.Equal(t, 2, report.SampleCount)
	assert.Equal(t, 2, report.ScoredTranscripts)
	// WERs are 0 and 1/3; the median is their mean.
	assert.InDelta(t, 1.0/6.0, report.MedianWER, 1e-9)
	assert.Equal(t, 1, report.ScoredIntents)
	assert.InDelta(t, 1.0, report.IntentF1, 1e-9)
	assert.InDelta(t, 1.0, report.NumericAccuracy, 1e-9)
	assert.Equal(t, int64(3000), report.P95LatencyMs)
	assert.Equal(t, map[string]int{"success": 1, "low_confidence": 1}, report.Outcomes)
}

func TestMonitor_RetentionPrunesOldSamples(t *testing.T) {
	m := newTestMonitor(nil)
	ctx := context.Background()

	m.ingest(ctx, Sample{RunID: "old", Outcome: "success", Timestamp: time.Now().UTC().Add(-30 * time.Hour)})
	m.ingest(ctx, Sample{RunID: "fresh", Outcome: "success", Timestamp: time.Now().UTC()})

	report := m.Evaluate(0)
	assert.Equal(t, 1, report.SampleCount, "samples past retention must be dropped")
}

func TestMonitor_ThresholdBreachAlertsOnce(t *testing.T) {
	alerter := &recordingAlerter{}
	m := newTestMonitor(alerter)
	ctx := context.Background()

	// Every transcript badly wrong: median WER 1.0 breaches 0.15.
	for i := 0; i < 3; i++ {
		m.ingest(ctx, Sample{
			RunID:               "r",
			Outcome:             "success",
			Transcript:          "completely wrong words here",
			ReferenceTranscript: "add a cost",
			TotalLatencyMs:      500,
			Timestamp:           time.Now().UTC(),
		})
	}

	m.checkThresholds(ctx)
	require.Equal(t, 1, alerter.count())
	assert.Contains(t, alerter.subjects[0], "median_wer")

	// Still breached: no repeat alert until the metric recovers.
	m.checkThresholds(ctx)
	assert.Equal(t, 1, alerter.count())
}

func TestMonitor_ObserveProviderCallFeedsReport(t *testing.T) {
	m := newTestMonitor(nil)

	m.ObserveProviderCall("speech-api", "transcription", 120*time.Millisecond, nil)
	m.ObserveProviderCall("speech-api", "transcription", 80*time.Millisecond, assert.AnError)
	m.ObserveProviderCall("nlu-api", "intent", 40*time.Millisecond, nil)

	report := m.Evaluate(0)
	stt := report.ProviderCalls["speech-api/transcription"]
	assert.Equal(t, 2, stt.Calls)
	assert.Equal(t, 1, stt.Errors)
	assert.Equal(t, int64(100), stt.MeanLatencyMs)

	nlu := report.ProviderCalls["nlu-api/intent"]
	assert.Equal(t, 1, nlu.Calls)
	assert.Zero(t, nlu.Errors)
}

func TestMonitor_RecordSampleDropsWhenFull(t *testing.T) {
	cfg := testQualityConfig()
	cfg.SampleBuffer = 1
	m := NewMonitor(cfg, nil, nil, logger.Nop())

	// Without a running consumer the second sample must be dropped, not block.
	done := make(chan struct{})
	go func() {
		m.RecordSample(Sample{RunID: "a"})
		m.RecordSample(Sample{RunID: "b"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RecordSample blocked on a full buffer")
	}
}

func TestMonitor_RunConsumesAndStops(t *testing.T) {
	m := newTestMonitor(nil)
	ctx, cancel := context.WithCancel(context.Background())

	go m.Run(ctx)
	m.RecordSample(Sample{RunID: "r1", Outcome: "success"})

	require.Eventually(t, func() bool {
		return m.Evaluate(0).SampleCount == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	m.Wait()
}
