// Package config loads Curt-IA runtime configuration from environment
// variables and optional YAML profiles.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// maxKeySlots bounds the GEMINI_API_KEY_<n> scan.
const maxKeySlots = 32

// Config holds the complete runtime configuration.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	OutputDir string `yaml:"output_dir"`

	Quality    QualityConfig             `yaml:"quality"`
	Dispatch   DispatchConfig            `yaml:"dispatch"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
	Checkpoint CheckpointConfig          `yaml:"checkpoint"`
	Artifacts  ArtifactsConfig           `yaml:"artifacts"`
	Telemetry  TelemetryConfig           `yaml:"telemetry"`
	Workflow   WorkflowConfig            `yaml:"workflow"`
}

// QualityConfig controls the tribunal gate and the deadlock breaker.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type QualityConfig struct {
	Threshold          float64 `yaml:"threshold"`
	EmergencyThreshold float64 `yaml:"emergency_threshold"`
	MaxIterations      int     `yaml:"max_iterations"`
	NearMissTolerance  float64 `yaml:"near_miss_tolerance"`
	ThresholdStep      float64 `yaml:"threshold_step"`
	MaxRelaxations     int     `yaml:"max_relaxations"`
	ExtraIterations    int     `yaml:"extra_iterations"`
	AcceptExpr         string  `yaml:"accept_expr"`
}

// DispatchConfig controls credential rotation, rate limiting and retries.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type DispatchConfig struct {
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Burst             int           `yaml:"burst"`
	MaxRotations      int           `yaml:"max_rotations"`
	MaxRetries        int           `yaml:"max_retries"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	MaxJitter         time.Duration `yaml:"max_jitter"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	CredentialWait    time.Duration `yaml:"credential_wait"`
	QuotaReset        time.Duration `yaml:"quota_reset"`
	RedisAddr         string        `yaml:"redis_addr"`
}

// ProviderConfig describes one provider kind and its ordered key pool.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ProviderConfig struct {
	Keys        []string      `yaml:"keys"`
	Model       string        `yaml:"model"`
	Endpoint    string        `yaml:"endpoint"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// CheckpointConfig selects the checkpoint backend.
type CheckpointConfig struct {
	Backend string `yaml:"backend"` // file | sqlite | postgres | badger | memory
	DSN     string `yaml:"dsn"`
}

// ArtifactsConfig selects the content-addressed artifact store.
type ArtifactsConfig struct {
	Type     string `yaml:"type"` // fs | s3 | gcs
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// TelemetryConfig configures OpenTelemetry export.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
	Environment string  `yaml:"environment"`
}

// WorkflowConfig holds defaults for new sessions.
type WorkflowConfig struct {
	TargetDurationSeconds int `yaml:"target_duration_seconds"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		LogLevel:  "INFO",
		LogFormat: "text",
		OutputDir: "output",
		Quality: QualityConfig{
			Threshold:          9.0,
			EmergencyThreshold: 8.0,
			MaxIterations:      5,
			NearMissTolerance:  0.5,
			ThresholdStep:      0.5,
			MaxRelaxations:     1,
			ExtraIterations:    1,
		},
		Dispatch: DispatchConfig{
			RequestsPerMinute: 5,
			Burst:             1,
			MaxRetries:        3,
			BackoffBase:       500 * time.Millisecond,
			BackoffMax:        30 * time.Second,
			MaxJitter:         250 * time.Millisecond,
			CallTimeout:       120 * time.Second,
			CredentialWait:    2 * time.Minute,
			QuotaReset:        24 * time.Hour,
		},
		Providers: map[string]ProviderConfig{},
		Checkpoint: CheckpointConfig{
			Backend: "file",
		},
		Artifacts: ArtifactsConfig{
			Type: "fs",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			SampleRate:  1.0,
			Environment: "development",
		},
		Workflow: WorkflowConfig{
			TargetDurationSeconds: 60,
		},
	}
}

// Load loads configuration from environment variables over the defaults.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, key, v))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s=%q is not a number", ErrInvalidConfig, key, v))
				return
			}
			*dst = f
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s=%q is not a duration", ErrInvalidConfig, key, v))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("CURTIA_OUTPUT_DIR", &c.OutputDir)

	float("CURTIA_THRESHOLD", &c.Quality.Threshold)
	float("CURTIA_EMERGENCY_THRESHOLD", &c.Quality.EmergencyThreshold)
	num("CURTIA_MAX_ITERATIONS", &c.Quality.MaxIterations)
	float("CURTIA_NEAR_MISS_TOLERANCE", &c.Quality.NearMissTolerance)
	float("CURTIA_THRESHOLD_STEP", &c.Quality.ThresholdStep)
	num("CURTIA_MAX_RELAXATIONS", &c.Quality.MaxRelaxations)
	str("CURTIA_ACCEPT_EXPR", &c.Quality.AcceptExpr)

	num("CURTIA_REQUESTS_PER_MINUTE", &c.Dispatch.RequestsPerMinute)
	num("CURTIA_BURST", &c.Dispatch.Burst)
	num("CURTIA_MAX_ROTATIONS", &c.Dispatch.MaxRotations)
	num("CURTIA_MAX_RETRIES", &c.Dispatch.MaxRetries)
	dur("CURTIA_CALL_TIMEOUT", &c.Dispatch.CallTimeout)
	dur("CURTIA_CREDENTIAL_WAIT", &c.Dispatch.CredentialWait)
	dur("CURTIA_QUOTA_RESET", &c.Dispatch.QuotaReset)
	str("REDIS_ADDR", &c.Dispatch.RedisAddr)

	str("CHECKPOINT_BACKEND", &c.Checkpoint.Backend)
	str("CHECKPOINT_DSN", &c.Checkpoint.DSN)

	str("ARTIFACT_STORAGE_TYPE", &c.Artifacts.Type)
	str("ARTIFACT_DIR", &c.Artifacts.Dir)
	str("ARTIFACT_S3_BUCKET", &c.Artifacts.Bucket)
	str("ARTIFACT_GCS_BUCKET", &c.Artifacts.Bucket)
	str("AWS_REGION", &c.Artifacts.Region)
	str("ARTIFACT_S3_REGION", &c.Artifacts.Region)
	str("ARTIFACT_S3_ENDPOINT", &c.Artifacts.Endpoint)
	str("ARTIFACT_PREFIX", &c.Artifacts.Prefix)

	flag("OTEL_ENABLED", &c.Telemetry.Enabled)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	flag("OTEL_EXPORTER_OTLP_INSECURE", &c.Telemetry.Insecure)
	str("CURTIA_ENV", &c.Telemetry.Environment)

	num("CURTIA_TARGET_DURATION", &c.Workflow.TargetDurationSeconds)

	if keys := geminiKeysFromEnv(); len(keys) > 0 {
		p := c.Providers["gemini"]
		p.Keys = keys
		c.setProvider("gemini", p)
	}
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		p := c.Providers["gemini"]
		p.Model = v
		c.setProvider("gemini", p)
	}
	if v := os.Getenv("GEMINI_ENDPOINT"); v != "" {
		p := c.Providers["gemini"]
		p.Endpoint = v
		c.setProvider("gemini", p)
	}

	return errors.Join(errs...)
}

func (c *Config) setProvider(kind string, p ProviderConfig) {
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	c.Providers[kind] = p
}

// geminiKeysFromEnv collects GEMINI_API_KEY, GEMINI_API_KEY_2, ... in order.
func geminiKeysFromEnv() []string {
	var keys []string
	if v := strings.TrimSpace(os.Getenv("GEMINI_API_KEY")); v != "" {
		keys = append(keys, v)
	}
	for i := 2; i <= maxKeySlots; i++ {
		if v := strings.TrimSpace(os.Getenv(fmt.Sprintf("GEMINI_API_KEY_%d", i))); v != "" {
			keys = append(keys, v)
		}
	}
	return keys
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	q := c.Quality
	if q.Threshold < 0 || q.Threshold > 10 {
		bad("threshold %.2f outside [0, 10]", q.Threshold)
	}
	if q.EmergencyThreshold < 0 || q.EmergencyThreshold > q.Threshold {
		bad("emergency threshold %.2f must be within [0, threshold]", q.EmergencyThreshold)
	}
	if q.MaxIterations < 1 {
		bad("max iterations must be at least 1, got %d", q.MaxIterations)
	}
	if q.NearMissTolerance < 0 || q.ThresholdStep < 0 || q.MaxRelaxations < 0 || q.ExtraIterations < 0 {
		bad("deadlock tolerances must be non-negative")
	}

	d := c.Dispatch
	if d.RequestsPerMinute < 1 {
		bad("requests per minute must be at least 1, got %d", d.RequestsPerMinute)
	}
	if d.MaxRetries < 0 || d.MaxRotations < 0 {
		bad("retry and rotation ceilings must be non-negative")
	}
	if d.CallTimeout <= 0 || d.CredentialWait <= 0 {
		bad("call timeout and credential wait must be positive")
	}

	switch c.Checkpoint.Backend {
	case "file", "sqlite", "badger", "memory":
	case "postgres":
		if c.Checkpoint.DSN == "" {
			bad("postgres checkpoint backend requires CHECKPOINT_DSN")
		}
	default:
		bad("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}

	switch c.Artifacts.Type {
	case "fs", "":
	case "s3", "gcs":
		if c.Artifacts.Bucket == "" {
			bad("%s artifact storage requires a bucket", c.Artifacts.Type)
		}
	default:
		bad("unknown artifact storage type %q", c.Artifacts.Type)
	}

	if c.Workflow.TargetDurationSeconds <= 0 {
		bad("target duration must be positive")
	}

	return errors.Join(errs...)
}

// CallTimeoutFor returns the per-call timeout for a provider kind.
func (c *Config) CallTimeoutFor(kind string) time.Duration {
	if p, ok := c.Providers[kind]; ok && p.CallTimeout > 0 {
		return p.CallTimeout
	}
	return c.Dispatch.CallTimeout
}
