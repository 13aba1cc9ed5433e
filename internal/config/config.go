package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	ServiceName    string   `mapstructure:"SERVICE_NAME"`
	ServiceVersion string   `mapstructure:"SERVICE_VERSION"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	DatabaseURL       string `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32  `mapstructure:"DB_MIN_CONNS"`
	DBSlowQueryMillis int    `mapstructure:"DB_SLOW_QUERY_MILLIS"`
	RedisURL          string `mapstructure:"REDIS_URL"`

	GateBackend      string `mapstructure:"GATE_BACKEND"`
	GateLeaseSeconds int    `mapstructure:"GATE_LEASE_SECONDS"`
	GatePollMillis   int    `mapstructure:"GATE_POLL_MILLIS"`

	EventBackend       string `mapstructure:"EVENT_BACKEND"`
	EventStreamPrefix  string `mapstructure:"EVENT_STREAM_PREFIX"`
	EventConsumerGroup string `mapstructure:"EVENT_CONSUMER_GROUP"`
	EventWebhookURL    string `mapstructure:"EVENT_WEBHOOK_URL"`
	EventWebhookSecret string `mapstructure:"EVENT_WEBHOOK_SECRET"`

	JobSchedule            string `mapstructure:"JOB_SCHEDULE"`
	JobBatchSize           int    `mapstructure:"JOB_BATCH_SIZE"`
	JobFacilityParallelism int    `mapstructure:"JOB_MAX_FACILITY_PARALLELISM"`
	JobMaxRetryAttempts    int    `mapstructure:"JOB_MAX_RETRY_ATTEMPTS"`

	FHIRTimeoutSeconds    int     `mapstructure:"FHIR_HTTP_TIMEOUT_SECONDS"`
	FHIRRequestsPerSecond float64 `mapstructure:"FHIR_REQUESTS_PER_SECOND"`
	FHIRBurst             int     `mapstructure:"FHIR_BURST"`

	OTelEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelInsecure bool   `mapstructure:"OTEL_INSECURE"`

	RunExecutor bool `mapstructure:"RUN_EXECUTOR"`
}

var defaults = map[string]any{
	"PORT":                         "8000",
	"ENV":                          "development",
	"SERVICE_NAME":                 "acquisition-server",
	"SERVICE_VERSION":              "dev",
	"CORS_ORIGINS":                 "http://localhost:3000",
	"RATE_LIMIT_RPS":               50,
	"RATE_LIMIT_BURST":             100,
	"DB_MAX_CONNS":                 20,
	"DB_MIN_CONNS":                 2,
	"DB_SLOW_QUERY_MILLIS":         500,
	"GATE_BACKEND":                 "redis",
	"GATE_LEASE_SECONDS":           120,
	"GATE_POLL_MILLIS":             100,
	"EVENT_BACKEND":                "redis",
	"EVENT_STREAM_PREFIX":          "acq:",
	"EVENT_CONSUMER_GROUP":         "acquisition",
	"JOB_SCHEDULE":                 "@every 30s",
	"JOB_BATCH_SIZE":               25,
	"JOB_MAX_FACILITY_PARALLELISM": 8,
	"JOB_MAX_RETRY_ATTEMPTS":       10,
	"FHIR_HTTP_TIMEOUT_SECONDS":    60,
	"FHIR_BURST":                   1,
	"RUN_EXECUTOR":                 true,
}

var envKeys = []string{
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"DATABASE_URL", "REDIS_URL", "EVENT_WEBHOOK_URL", "EVENT_WEBHOOK_SECRET",
	"FHIR_REQUESTS_PER_SECOND", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_INSECURE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
		_ = v.BindEnv(k)
	}
	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) DBSlowQuery() time.Duration {
	return time.Duration(c.DBSlowQueryMillis) * time.Millisecond
}

func (c *Config) GateLease() time.Duration {
	return time.Duration(c.GateLeaseSeconds) * time.Second
}

func (c *Config) GatePoll() time.Duration {
	return time.Duration(c.GatePollMillis) * time.Millisecond
}

func (c *Config) FHIRTimeout() time.Duration {
	return time.Duration(c.FHIRTimeoutSeconds) * time.Second
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.GateBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("GATE_BACKEND must be \"redis\" or \"memory\", got %q", c.GateBackend)
	}
	switch c.EventBackend {
	case "redis", "memory":
	case "webhook":
		if c.EventWebhookURL == "" {
			return fmt.Errorf("EVENT_WEBHOOK_URL is required when EVENT_BACKEND is \"webhook\"")
		}
	default:
		return fmt.Errorf("EVENT_BACKEND must be \"redis\", \"webhook\" or \"memory\", got %q", c.EventBackend)
	}
	if (c.GateBackend == "redis" || c.EventBackend == "redis") && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required for the redis gate or event backend")
	}
	if c.EventBackend == "webhook" && c.RunExecutor {
		return fmt.Errorf("RUN_EXECUTOR needs a consumable event backend; the webhook backend only publishes")
	}
	if c.GateBackend == "memory" && !c.IsDev() {
		return fmt.Errorf("GATE_BACKEND=memory only limits one process and is allowed only in development")
	}
	if !c.IsDev() && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set outside development")
	}
	if c.JobBatchSize <= 0 {
		return fmt.Errorf("JOB_BATCH_SIZE must be positive, got %d", c.JobBatchSize)
	}
	if c.JobFacilityParallelism <= 0 {
		return fmt.Errorf("JOB_MAX_FACILITY_PARALLELISM must be positive, got %d", c.JobFacilityParallelism)
	}
	if c.JobMaxRetryAttempts <= 0 {
		return fmt.Errorf("JOB_MAX_RETRY_ATTEMPTS must be positive, got %d", c.JobMaxRetryAttempts)
	}
	if c.GateLeaseSeconds <= 0 {
		return fmt.Errorf("GATE_LEASE_SECONDS must be positive, got %d", c.GateLeaseSeconds)
	}
	return nil
}
