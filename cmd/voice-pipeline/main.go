// cmd/voice-pipeline/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fieldlog/voice-pipeline/internal/collab"
	"github.com/fieldlog/voice-pipeline/internal/common/aws"
	"github.com/fieldlog/voice-pipeline/internal/common/config"
	"github.com/fieldlog/voice-pipeline/internal/common/database"
	"github.com/fieldlog/voice-pipeline/internal/common/logger"
	"github.com/fieldlog/voice-pipeline/internal/common/observability"
	"github.com/fieldlog/voice-pipeline/internal/connectivity"
	"github.com/fieldlog/voice-pipeline/internal/identity"
	"github.com/fieldlog/voice-pipeline/internal/offline"
	"github.com/fieldlog/voice-pipeline/internal/pipeline"
	"github.com/fieldlog/voice-pipeline/internal/providers/intent"
	"github.com/fieldlog/voice-pipeline/internal/providers/synthesis"
	"github.com/fieldlog/voice-pipeline/internal/providers/transcription"
	"github.com/fieldlog/voice-pipeline/internal/quality"
	"github.com/fieldlog/voice-pipeline/internal/ratelimit"
	"github.com/fieldlog/voice-pipeline/internal/storage"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting voice pipeline service...")

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Rate limiter: redis when configured, in-process otherwise ---
	var limiter ratelimit.Limiter
	caps := ratelimit.Caps{
		MinuteCap:          cfg.RateLimits.MinuteCap,
		DayCap:             cfg.RateLimits.DayCap,
		TenantDailyCeiling: cfg.RateLimits.TenantDailyCeiling,
	}
	if cfg.RateLimits.Store == "redis" {
		var redisClient *database.RedisClient
		err = retryWithBackoff(func() error {
			var err error
			redisClient, err = database.NewRedis(cfg.Database.Redis)
			if err != nil {
				return err
			}
			return redisClient.Ping(ctx)
		}, 10, 2*time.Second, zapLog, "Redis connection")
		if err != nil {
			zapLog.Fatal("redis failed after retries", zap.Error(err))
		}
		defer redisClient.Close()
		zapLog.Info("Redis connected successfully")
		limiter = ratelimit.NewRedisLimiter(redisClient.Client, caps)
	} else {
		limiter = ratelimit.NewMemoryLimiter(caps)
	}

	// --- Quality monitor backends (optional) ---
	var alerter collab.Alerter
	if cfg.AWS.AlertTopicARN != "" {
		snsClient, err := aws.NewSNSClient(ctx, cfg.AWS.Region)
		if err != nil {
			zapLog.Fatal("sns client failed", zap.Error(err))
		}
		alerter = quality.NewSNSAlerter(snsClient, cfg.AWS.AlertTopicARN)
		zapLog.Info("SNS alerter initialized")
	}

	var archiver quality.Archiver
	if len(cfg.Database.Elasticsearch.Addresses) > 0 {
		var esClient *database.ElasticsearchClient
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			return err
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		archiver = quality.NewESArchiver(esClient, cfg.Quality.ArchiveIndex)
		zapLog.Info("Elasticsearch connected successfully")
	}

	monitor := quality.NewMonitor(cfg.Quality, alerter, archiver, log)
	go monitor.Run(ctx)

	if cfg.Quality.ReportSender != "" && len(cfg.Quality.ReportRecipients) > 0 {
		sesClient, err := aws.NewSESClient(ctx, cfg.AWS.Region)
		if err != nil {
			zapLog.Fatal("ses client failed", zap.Error(err))
		}
		reporter := quality.NewReporter(monitor, sesClient, cfg.Quality, log)
		go reporter.Run(ctx)
		zapLog.Info("SES daily reporter initialized")
	}

	// --- Collaborators ---
	conn := connectivity.NewProbe("")
	executor := storage.NewPostgresExecutor(pg.DB, log)
	queue := offline.NewPostgresStore(pg.DB)

	var id collab.Identity
	if resolver := identity.NewTokenResolver(cfg.Auth); resolver.Enabled() {
		id = resolver
		zapLog.Info("Token authentication enabled")
	} else {
		zapLog.Warn("No auth tokens configured, trusting caller-supplied identity")
	}

	// --- Provider adapters ---
	// The monitor doubles as the call observer: every provider call,
	// successful or not, feeds the quality trend state.
	transcriber := transcription.NewAdapter(
		transcription.NewRemote(cfg.Providers.Transcription),
		transcription.NewLocal(nil),
		limiter, conn, monitor, log,
	)
	parser := intent.NewAdapter(
		intent.NewRemote(cfg.Providers.Intent),
		intent.NewLocal(intent.DefaultRules()),
		limiter, conn, monitor, log,
	)
	synthesizer := synthesis.NewAdapter(
		synthesis.NewRemote(cfg.Providers.Synthesis),
		synthesis.NewLocal(),
		limiter, conn, monitor, log,
	)

	orchestrator := pipeline.NewOrchestrator(
		cfg.Pipeline,
		transcriber, parser, synthesizer,
		executor, conn, queue, monitor, obs, log,
	)

	// --- Offline queue flusher ---
	flusher := offline.NewFlusher(queue, executor, conn, log)
	go flusher.Run(ctx, 30*time.Second)
	zapLog.Info("Offline queue flusher started")

	// --- Command & Metrics Server ---
	mux := http.DefaultServeMux
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/commands", commandHandler(orchestrator, id, zapLog))

	server := &http.Server{Addr: fmt.Sprintf(":%d", cfg.App.MetricsPort)}
	go func() {
		zapLog.Info("HTTP server listening", zap.Int("port", cfg.App.MetricsPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLog.Error("HTTP server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	<-ctx.Done()
	zapLog.Info("Shutdown signal received, stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("HTTP server shutdown failed", zap.Error(err))
	}
	monitor.Wait()

	zapLog.Info("Voice pipeline stopped gracefully")
}

type commandRequest struct {
	TenantID    string            `json:"tenant_id"`
	PrincipalID string            `json:"principal_id"`
	Language    string            `json:"language"`
	Text        string            `json:"text,omitempty"`
	Audio       []byte            `json:"audio,omitempty"`
	Hints       map[string]string `json:"hints,omitempty"`
}

type commandResponse struct {
	RunID      string  `json:"run_id"`
	Outcome    string  `json:"outcome"`
	Transcript string  `json:"transcript,omitempty"`
	Message    string  `json:"message,omitempty"`
	RetryAfter string  `json:"retry_after,omitempty"`
	LatencyMs  int64   `json:"latency_ms"`
	Action     string  `json:"action,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// commandRunner is the orchestrator surface the HTTP handler consumes.
type commandRunner interface {
	Run(ctx context.Context, input pipeline.Input, rc collab.RunContext) <-chan pipeline.Event
}

// commandHandler accepts one utterance and blocks until the run reaches a
// terminal outcome. Client disconnect cancels the run. With an Identity
// configured, the principal and tenant come from the resolved credential,
// never from the request body.
func commandHandler(runner commandRunner, id collab.Identity, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req commandRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if id != nil {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			principalID, tenantID, err := id.CurrentPrincipal(identity.WithToken(r.Context(), token))
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if (req.PrincipalID != "" && req.PrincipalID != principalID) ||
				(req.TenantID != "" && req.TenantID != tenantID) {
				http.Error(w, "identity mismatch", http.StatusForbidden)
				return
			}
			req.PrincipalID, req.TenantID = principalID, tenantID
		}
		if req.TenantID == "" || req.PrincipalID == "" {
			http.Error(w, "tenant_id and principal_id are required", http.StatusBadRequest)
			return
		}
		if req.Text == "" && len(req.Audio) == 0 {
			http.Error(w, "text or audio is required", http.StatusBadRequest)
			return
		}
		if req.Language == "" {
			req.Language = "en"
		}

		rc := collab.RunContext{
			PrincipalID: req.PrincipalID,
			TenantID:    req.TenantID,
			Language:    req.Language,
			Hints:       req.Hints,
		}
		input := pipeline.Input{Audio: req.Audio, Text: req.Text}

		var resp commandResponse
		for event := range runner.Run(r.Context(), input, rc) {
			switch event.Type {
			case pipeline.EventTranscriptAvailable:
				resp.Transcript = event.Transcript
			case pipeline.EventCompleted:
				run := event.Run
				resp.RunID = run.ID
				resp.Outcome = string(event.Outcome)
				resp.Message = run.Message
				resp.LatencyMs = run.TotalLatencyMs()
				if run.RetryAfter > 0 {
					resp.RetryAfter = run.RetryAfter.String()
				}
				if run.Intent != nil {
					resp.Action = run.Intent.Action
					resp.Confidence = run.Intent.Confidence
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Error("response encode failed", zap.Error(err))
		}
	}
}
