// internal/quality/reporter.go
package quality

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"github.com/fieldlog/voice-pipeline/internal/common/aws"
	"github.com/fieldlog/voice-pipeline/internal/common/config"
	"github.com/fieldlog/voice-pipeline/internal/common/logger"
)

// Reporter emails a daily quality summary via SES.
type Reporter struct {
	monitor *Monitor
	client  *aws.SESClient
	cfg     config.QualityConfig
	logger  logger.Logger
}

func NewReporter(monitor *Monitor, client *aws.SESClient, cfg config.QualityConfig, log logger.Logger) *Reporter {
	return &Reporter{
		monitor: monitor,
		client:  client,
		cfg:     cfg,
		logger:  log.With(map[string]interface{}{"component": "quality-reporter"}),
	}
}

// Run sends one report per day until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Send(ctx); err != nil {
				r.logger.WithError(err).Error("daily quality report failed", nil)
			}
		}
	}
}

// Send builds and emails the 24h report.
func (r *Reporter) Send(ctx context.Context) error {
	if len(r.cfg.ReportRecipients) == 0 {
		return nil
	}
	report := r.monitor.Evaluate(24 * time.Hour)
	body := formatReport(report)
	subject := fmt.Sprintf("Voice pipeline daily quality report — %s", report.WindowEnd.Format("2006-01-02"))

	_, err := r.client.SendEmail(ctx, &ses.SendEmailInput{
		Source: awssdk.String(r.cfg.ReportSender),
		Destination: &types.Destination{
			ToAddresses: r.cfg.ReportRecipients,
		},
		Message: &types.Message{
			Subject: &types.Content{Data: awssdk.String(subject)},
			Body: &types.Body{
				Text: &types.Content{Data: awssdk.String(body)},
			},
		},
	})
	return err
}

func formatReport(report AggregateReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Runs: %d\n", report.SampleCount)
	fmt.Fprintf(&b, "Latency: p50 %dms, p95 %dms\n", report.P50LatencyMs, report.P95LatencyMs)
	if report.ScoredTranscripts > 0 {
		fmt.Fprintf(&b, "Median WER: %.3f (%d scored transcripts)\n", report.MedianWER, report.ScoredTranscripts)
	}
	if report.ScoredIntents > 0 {
		fmt.Fprintf(&b, "Intent: precision %.3f, recall %.3f, F1 %.3f (%d scored)\n",
			report.IntentPrecision, report.IntentRecall, report.IntentF1, report.ScoredIntents)
		fmt.Fprintf(&b, "Numeric entity accuracy: %.3f\n", report.NumericAccuracy)
	}

	outcomes := make([]string, 0, len(report.Outcomes))
	for o := range report.Outcomes {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	b.WriteString("Outcomes:\n")
	for _, o := range outcomes {
		fmt.Fprintf(&b, "  %s: %d\n", o, report.Outcomes[o])
	}
	return b.String()
}
