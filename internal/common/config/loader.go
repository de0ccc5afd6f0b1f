// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	loadEnvFile()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("../../configs")
	viper.AddConfigPath(".")

	// Enable ENV override like TRANSCRIPTION_API_KEY
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	// Environment-specific overlay, e.g. config.production.yaml
	viper.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = viper.MergeInConfig() // ignore error if not found

	expandEnvVars(viper.GetViper())

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expandEnvVars(viper.GetViper())

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// expandEnvVars resolves ${VAR} placeholders in string config values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		val := v.Get(key)
		if strVal, ok := val.(string); ok {
			if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
				expanded := os.ExpandEnv(strVal)
				if expanded != strVal && expanded != "" {
					v.Set(key, expanded)
				}
			}
		}
	}
}

// overrideEmptyConfig fills secrets from the environment when the YAML left
// them empty (the usual case for API keys).
func overrideEmptyConfig(cfg *Config) {
	if cfg.Providers.Transcription.APIKey == "" {
		cfg.Providers.Transcription.APIKey = os.Getenv("TRANSCRIPTION_API_KEY")
	}
	if cfg.Providers.Intent.APIKey == "" {
		cfg.Providers.Intent.APIKey = os.Getenv("INTENT_API_KEY")
	}
	if cfg.Providers.Synthesis.APIKey == "" {
		cfg.Providers.Synthesis.APIKey = os.Getenv("SYNTHESIS_API_KEY")
	}
	if cfg.Database.Postgres.User == "" {
		cfg.Database.Postgres.User = os.Getenv("DB_USER")
	}
	if cfg.Database.Postgres.Password == "" {
		cfg.Database.Postgres.Password = os.Getenv("DB_PASSWORD")
	}
	if cfg.Database.Redis.Password == "" {
		cfg.Database.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}
}

// applyDefaults sets default values for optional configuration fields.
// The threshold and timeout defaults are the product targets: 0.70/0.85
// confidence gates, 5s transcription deadline, 12s end-to-end deadline,
// two retries at 1s and 2s.
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "voice-pipeline"
	}
	if cfg.App.MetricsPort == 0 {
		cfg.App.MetricsPort = 9090
	}

	if cfg.Pipeline.Thresholds.Transcription == 0 {
		cfg.Pipeline.Thresholds.Transcription = 0.70
	}
	if cfg.Pipeline.Thresholds.Intent == 0 {
		cfg.Pipeline.Thresholds.Intent = 0.85
	}
	if cfg.Pipeline.TranscriptionTimeout == 0 {
		cfg.Pipeline.TranscriptionTimeout = 5000
	}
	if cfg.Pipeline.RunTimeout == 0 {
		cfg.Pipeline.RunTimeout = 12000
	}
	if cfg.Pipeline.MaxRetries == 0 {
		cfg.Pipeline.MaxRetries = 2
	}
	if len(cfg.Pipeline.RetryDelays) == 0 {
		cfg.Pipeline.RetryDelays = []int{1000, 2000}
	}

	if cfg.Providers.Transcription.Timeout == 0 {
		cfg.Providers.Transcription.Timeout = 5000
	}
	if cfg.Providers.Intent.Timeout == 0 {
		cfg.Providers.Intent.Timeout = 3000
	}
	if cfg.Providers.Synthesis.Timeout == 0 {
		cfg.Providers.Synthesis.Timeout = 3000
	}

	if cfg.RateLimits.MinuteCap == 0 {
		cfg.RateLimits.MinuteCap = 30
	}
	if cfg.RateLimits.DayCap == 0 {
		cfg.RateLimits.DayCap = 2000
	}
	if cfg.RateLimits.TenantDailyCeiling == 0 {
		cfg.RateLimits.TenantDailyCeiling = 5000
	}
	if cfg.RateLimits.Store == "" {
		cfg.RateLimits.Store = "memory"
	}

	if cfg.Quality.RetentionHours == 0 {
		cfg.Quality.RetentionHours = 24
	}
	if cfg.Quality.SampleBuffer == 0 {
		cfg.Quality.SampleBuffer = 1024
	}
	if cfg.Quality.MaxMedianWER == 0 {
		cfg.Quality.MaxMedianWER = 0.15
	}
	if cfg.Quality.MaxP95LatencyMs == 0 {
		cfg.Quality.MaxP95LatencyMs = 12000
	}
	if cfg.Quality.MinIntentF1 == 0 {
		cfg.Quality.MinIntentF1 = 0.85
	}
	if cfg.Quality.ArchiveIndex == "" {
		cfg.Quality.ArchiveIndex = "voice-quality-samples"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Pipeline.Thresholds.Transcription <= 0 || cfg.Pipeline.Thresholds.Transcription > 1 {
		return fmt.Errorf("transcription threshold out of range: %f", cfg.Pipeline.Thresholds.Transcription)
	}
	if cfg.Pipeline.Thresholds.Intent <= 0 || cfg.Pipeline.Thresholds.Intent > 1 {
		return fmt.Errorf("intent threshold out of range: %f", cfg.Pipeline.Thresholds.Intent)
	}
	for tenant, t := range cfg.Pipeline.TenantOverrides {
		if t.Transcription < 0 || t.Transcription > 1 || t.Intent < 0 || t.Intent > 1 {
			return fmt.Errorf("tenant %s threshold override out of range", tenant)
		}
	}
	if cfg.Pipeline.TranscriptionTimeout > cfg.Pipeline.RunTimeout {
		return fmt.Errorf("transcription timeout %dms exceeds run timeout %dms",
			cfg.Pipeline.TranscriptionTimeout, cfg.Pipeline.RunTimeout)
	}
	if cfg.RateLimits.Store != "memory" && cfg.RateLimits.Store != "redis" {
		return fmt.Errorf("unknown rate limit store: %s", cfg.RateLimits.Store)
	}
	return nil
}
