// internal/common/config/config.go
package config

import (
	"fmt"
	"time"
)

// Config is the main application configuration struct.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	RateLimits RateLimitConfig  `mapstructure:"rate_limits"`
	Quality    QualityConfig    `mapstructure:"quality"`
	Database   DatabaseConfig   `mapstructure:"database"`
	AWS        AWSConfig        `mapstructure:"aws"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// --- Auth Config ---

// AuthPrincipal is the identity a static API token resolves to.
type AuthPrincipal struct {
	PrincipalID string `mapstructure:"principal_id"`
	TenantID    string `mapstructure:"tenant_id"`
}

// AuthConfig maps bearer tokens to principals. An empty map disables
// authentication; the command endpoint then trusts the caller-supplied
// identity (development only).
type AuthConfig struct {
	Tokens map[string]AuthPrincipal `mapstructure:"tokens"`
}

// --- Core App Config ---

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// --- Pipeline Config ---

// Thresholds are the confidence gates for one tenant.
type Thresholds struct {
	Transcription float64 `mapstructure:"transcription"`
	Intent        float64 `mapstructure:"intent"`
}

// PipelineConfig drives the orchestrator's state machine.
// Thresholds are configuration, not constants: noisy or accessibility-focused
// tenants can override them via tenant_overrides.
type PipelineConfig struct {
	Thresholds      Thresholds            `mapstructure:"thresholds"`
	TenantOverrides map[string]Thresholds `mapstructure:"tenant_overrides"`

	TranscriptionTimeout int   `mapstructure:"transcription_timeout"` // milliseconds
	RunTimeout           int   `mapstructure:"run_timeout"`           // milliseconds
	MaxRetries           int   `mapstructure:"max_retries"`
	RetryDelays          []int `mapstructure:"retry_delays"` // milliseconds, one per retry
}

// ThresholdsFor resolves the confidence gates for a tenant, falling back to
// the global defaults when no override exists.
func (p PipelineConfig) ThresholdsFor(tenant string) Thresholds {
	if o, ok := p.TenantOverrides[tenant]; ok {
		t := p.Thresholds
		if o.Transcription > 0 {
			t.Transcription = o.Transcription
		}
		if o.Intent > 0 {
			t.Intent = o.Intent
		}
		return t
	}
	return p.Thresholds
}

// TranscriptionDeadline returns the per-stage abandon threshold.
func (p PipelineConfig) TranscriptionDeadline() time.Duration {
	return time.Duration(p.TranscriptionTimeout) * time.Millisecond
}

// RunDeadline returns the end-to-end abandon threshold.
func (p PipelineConfig) RunDeadline() time.Duration {
	return time.Duration(p.RunTimeout) * time.Millisecond
}

// RetryDelay returns the backoff before retry attempt n (1-based).
func (p PipelineConfig) RetryDelay(attempt int) time.Duration {
	if attempt < 1 || len(p.RetryDelays) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(p.RetryDelays) {
		idx = len(p.RetryDelays) - 1
	}
	return time.Duration(p.RetryDelays[idx]) * time.Millisecond
}

// --- Provider Config ---

type ProviderConfig struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Timeout int    `mapstructure:"timeout"` // milliseconds
}

func (p ProviderConfig) TimeoutDuration() time.Duration {
	return time.Duration(p.Timeout) * time.Millisecond
}

type ProvidersConfig struct {
	Transcription ProviderConfig `mapstructure:"transcription"`
	Intent        ProviderConfig `mapstructure:"intent"`
	Synthesis     ProviderConfig `mapstructure:"synthesis"`
}

// --- Rate Limit Config ---

type RateLimitConfig struct {
	MinuteCap          int    `mapstructure:"minute_cap"`
	DayCap             int    `mapstructure:"day_cap"`
	TenantDailyCeiling int    `mapstructure:"tenant_daily_ceiling"`
	Store              string `mapstructure:"store"` // "memory" or "redis"
}

// --- Quality Monitor Config ---

type QualityConfig struct {
	RetentionHours    int     `mapstructure:"retention_hours"`
	SampleBuffer      int     `mapstructure:"sample_buffer"`
	MaxMedianWER      float64 `mapstructure:"max_median_wer"`       // e.g. 0.15
	MaxP95LatencyMs   int64   `mapstructure:"max_p95_latency_ms"`   // e.g. 12000
	MinIntentF1       float64 `mapstructure:"min_intent_f1"`        // e.g. 0.85
	ArchiveIndex      string  `mapstructure:"archive_index"`
	ReportSender      string  `mapstructure:"report_sender"`
	ReportRecipients  []string `mapstructure:"report_recipients"`
}

// --- Infrastructure Config ---

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
}

type AWSConfig struct {
	Region        string `mapstructure:"region"`
	AlertTopicARN string `mapstructure:"alert_topic_arn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
