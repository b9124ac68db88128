// Package config loads orchestrator configuration with three-layer
// precedence: built-in defaults, overridden by environment variables,
// overridden by functional options applied at construction time. The
// `env:` and `default:` struct tags document the variable name and default
// that Load applies; Load itself does not read the tags.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the orchestrator's top-level configuration.
type Config struct {
	HTTP      HTTPConfig
	Redis     RedisConfig
	Graph     GraphConfig
	Bus       BusConfig
	Provider  ProviderConfig
	SSE       SSEConfig
	Cache     CacheConfig
	Coalesce  CoalesceConfig
	Telemetry TelemetryConfig
	Logging   LoggingConfig
}

// HTTPConfig controls the HTTP server hosting the SSE and plan APIs.
type HTTPConfig struct {
	Addr            string        `env:"ORCH_HTTP_ADDR" default:":8080"`
	ReadTimeout     time.Duration `env:"ORCH_HTTP_READ_TIMEOUT" default:"5s"`
	WriteTimeout    time.Duration `env:"ORCH_HTTP_WRITE_TIMEOUT" default:"0s"`
	ShutdownTimeout time.Duration `env:"ORCH_HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
}

// RedisConfig is shared by the distributed bus, rate limiter backend, and
// policy cache L2/invalidation channel. Addr/Password/DB/PoolSize feed
// internal/redisconn's client constructor; Namespace prefixes every key
// and channel name each consumer derives from the shared client.
type RedisConfig struct {
	Addr      string `env:"ORCH_REDIS_ADDR" default:"localhost:6379"`
	Password  string `env:"ORCH_REDIS_PASSWORD" default:""`
	DB        int    `env:"ORCH_REDIS_DB" default:"0"`
	PoolSize  int    `env:"ORCH_REDIS_POOL_SIZE" default:"20"`
	Namespace string `env:"ORCH_REDIS_NAMESPACE" default:"msgbus"`
}

// GraphConfig holds the ExecutionGraph concurrency setting. Load reads it
// from ORCH_GRAPH_CONCURRENCY, but cmd/orchestratord does not pass it to
// the plan factory, so graphs it builds run without a concurrency bound.
type GraphConfig struct {
	DefaultConcurrencyLimit int `env:"ORCH_GRAPH_CONCURRENCY" default:"0"` // 0 = unbounded
}

// BusConfig controls MessageBus behavior.
type BusConfig struct {
	Distributed    bool          `env:"ORCH_BUS_DISTRIBUTED" default:"false"`
	RequestTimeout time.Duration `env:"ORCH_BUS_REQUEST_TIMEOUT" default:"30s"`
	InstanceID     string        `env:"ORCH_BUS_INSTANCE_ID" default:""`
}

// ProviderConfig controls the provider router and its resilience layer.
type ProviderConfig struct {
	Enabled                 []string      `env:"ORCH_PROVIDERS_ENABLED" default:""`
	RateLimitMax            int           `env:"ORCH_RATE_LIMIT_MAX" default:"60"`
	RateLimitWindow         time.Duration `env:"ORCH_RATE_LIMIT_WINDOW" default:"1m"`
	CircuitFailureThreshold int           `env:"ORCH_CB_FAILURE_THRESHOLD" default:"5"`
	CircuitResetTimeout     time.Duration `env:"ORCH_CB_RESET_TIMEOUT" default:"30s"`
}

// SSEConfig controls the per-plan event fan-out.
type SSEConfig struct {
	HistorySize     int           `env:"ORCH_SSE_HISTORY_SIZE" default:"200"`
	PerIPQuota      int           `env:"ORCH_SSE_PER_IP_QUOTA" default:"10"`
	PerSubjectQuota int           `env:"ORCH_SSE_PER_SUBJECT_QUOTA" default:"20"`
	KeepAlive       time.Duration `env:"ORCH_SSE_KEEPALIVE" default:"15s"`
}

// CacheConfig controls the policy decision cache.
type CacheConfig struct {
	L1Capacity int           `env:"ORCH_CACHE_L1_CAPACITY" default:"10000"`
	DefaultTTL time.Duration `env:"ORCH_CACHE_DEFAULT_TTL" default:"5m"`
	L2Enabled  bool          `env:"ORCH_CACHE_L2_ENABLED" default:"false"`
}

// CoalesceConfig controls the in-flight request coalescer and prompt
// optimizer.
type CoalesceConfig struct {
	WindowMs          int     `env:"ORCH_COALESCE_WINDOW_MS" default:"2000"`
	MaxCoalesced      int     `env:"ORCH_COALESCE_MAX" default:"50"`
	MaxCompressionPct float64 `env:"ORCH_COALESCE_MAX_COMPRESSION" default:"0.5"`
}

// TelemetryConfig controls OpenTelemetry wiring.
type TelemetryConfig struct {
	Enabled     bool    `env:"ORCH_TELEMETRY_ENABLED" default:"false"`
	ServiceName string  `env:"ORCH_TELEMETRY_SERVICE_NAME" default:"orchestrator"`
	Endpoint    string  `env:"ORCH_TELEMETRY_ENDPOINT" default:""`
	SampleRatio float64 `env:"ORCH_TELEMETRY_SAMPLE_RATIO" default:"1.0"`
}

// LoggingConfig controls the ambient logger.
type LoggingConfig struct {
	Level string `env:"ORCH_LOG_LEVEL" default:"info"`
}

// Option customizes a Config after defaults and environment variables have
// been applied, the highest-precedence layer.
type Option func(*Config)

// WithHTTPAddr overrides the HTTP listen address.
func WithHTTPAddr(addr string) Option {
	return func(c *Config) { c.HTTP.Addr = addr }
}

// WithRedisAddr overrides the shared Redis connection address.
func WithRedisAddr(addr string) Option {
	return func(c *Config) { c.Redis.Addr = addr }
}

// WithDistributedBus forces distributed (Redis pub/sub) bus mode.
func WithDistributedBus(enabled bool) Option {
	return func(c *Config) { c.Bus.Distributed = enabled }
}

// WithEnabledProviders overrides the ordered list of enabled provider names.
func WithEnabledProviders(names ...string) Option {
	return func(c *Config) { c.Provider.Enabled = names }
}

// Load builds a Config from field defaults, then environment variables,
// then the supplied options, in that precedence order.
func Load(opts ...Option) *Config {
	c := &Config{
		HTTP: HTTPConfig{
			Addr:            envOrDefault("ORCH_HTTP_ADDR", ":8080"),
			ReadTimeout:     envDuration("ORCH_HTTP_READ_TIMEOUT", 5*time.Second),
			WriteTimeout:    envDuration("ORCH_HTTP_WRITE_TIMEOUT", 0),
			ShutdownTimeout: envDuration("ORCH_HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			Addr:      envOrDefault("ORCH_REDIS_ADDR", "localhost:6379"),
			Password:  envOrDefault("ORCH_REDIS_PASSWORD", ""),
			DB:        envInt("ORCH_REDIS_DB", 0),
			PoolSize:  envInt("ORCH_REDIS_POOL_SIZE", 20),
			Namespace: envOrDefault("ORCH_REDIS_NAMESPACE", "msgbus"),
		},
		Graph: GraphConfig{
			DefaultConcurrencyLimit: envInt("ORCH_GRAPH_CONCURRENCY", 0),
		},
		Bus: BusConfig{
			Distributed:    envBool("ORCH_BUS_DISTRIBUTED", false),
			RequestTimeout: envDuration("ORCH_BUS_REQUEST_TIMEOUT", 30*time.Second),
			InstanceID:     envOrDefault("ORCH_BUS_INSTANCE_ID", ""),
		},
		Provider: ProviderConfig{
			Enabled:                 envList("ORCH_PROVIDERS_ENABLED"),
			RateLimitMax:            envInt("ORCH_RATE_LIMIT_MAX", 60),
			RateLimitWindow:         envDuration("ORCH_RATE_LIMIT_WINDOW", time.Minute),
			CircuitFailureThreshold: envInt("ORCH_CB_FAILURE_THRESHOLD", 5),
			CircuitResetTimeout:     envDuration("ORCH_CB_RESET_TIMEOUT", 30*time.Second),
		},
		SSE: SSEConfig{
			HistorySize:     envInt("ORCH_SSE_HISTORY_SIZE", 200),
			PerIPQuota:      envInt("ORCH_SSE_PER_IP_QUOTA", 10),
			PerSubjectQuota: envInt("ORCH_SSE_PER_SUBJECT_QUOTA", 20),
			KeepAlive:       envDuration("ORCH_SSE_KEEPALIVE", 15*time.Second),
		},
		Cache: CacheConfig{
			L1Capacity: envInt("ORCH_CACHE_L1_CAPACITY", 10000),
			DefaultTTL: envDuration("ORCH_CACHE_DEFAULT_TTL", 5*time.Minute),
			L2Enabled:  envBool("ORCH_CACHE_L2_ENABLED", false),
		},
		Coalesce: CoalesceConfig{
			WindowMs:          envInt("ORCH_COALESCE_WINDOW_MS", 2000),
			MaxCoalesced:      envInt("ORCH_COALESCE_MAX", 50),
			MaxCompressionPct: envFloat("ORCH_COALESCE_MAX_COMPRESSION", 0.5),
		},
		Telemetry: TelemetryConfig{
			Enabled:     envBool("ORCH_TELEMETRY_ENABLED", false),
			ServiceName: envOrDefault("ORCH_TELEMETRY_SERVICE_NAME", "orchestrator"),
			Endpoint:    envOrDefault("ORCH_TELEMETRY_ENDPOINT", ""),
			SampleRatio: envFloat("ORCH_TELEMETRY_SAMPLE_RATIO", 1.0),
		},
		Logging: LoggingConfig{
			Level: envOrDefault("ORCH_LOG_LEVEL", "info"),
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envList parses a comma-separated environment variable into a slice,
// trimming whitespace and dropping empty entries. Unset yields nil.
func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
