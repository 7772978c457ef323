package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the environment-derived configuration snapshot for the
// coordination core. It is loaded once at startup and treated as read-only
// afterwards; the scope rule file it points at has its own audited update
// path.
type Config struct {
	HTTPAddr         string
	NATSURL          string
	EngagementSecret string
	ScopeRulesPath   string
	HistoryPath      string

	ShardCount         int
	BufferSeconds      int
	ExpectedMsgsPerSec int
	AuditQueueSize     int

	ThrottleHighWater float64
	ThrottleLowWater  float64
	ThrottleInterval  time.Duration

	KillLatencyBudget time.Duration
	SandboxGrace      time.Duration

	AgentCount     int
	AgentHeartbeat time.Duration

	LogLevel string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		HTTPAddr:         getEnv("SWARM_HTTP_ADDR", ":8080"),
		NATSURL:          getEnv("SWARM_NATS_URL", "nats://localhost:4222"),
		EngagementSecret: getEnv("SWARM_ENGAGEMENT_SECRET", ""),
		ScopeRulesPath:   getEnv("SWARM_SCOPE_RULES", "scope.yaml"),
		HistoryPath:      getEnv("SWARM_HISTORY_PATH", ""),

		ShardCount:         getEnvInt("SWARM_SHARD_COUNT", 16),
		BufferSeconds:      getEnvInt("SWARM_BUFFER_SECONDS", 10),
		ExpectedMsgsPerSec: getEnvInt("SWARM_EXPECTED_MSGS_PER_SEC", 500),
		AuditQueueSize:     getEnvInt("SWARM_AUDIT_QUEUE_SIZE", 8192),

		ThrottleHighWater: getEnvFloat("SWARM_THROTTLE_HIGH_WATER", 0.80),
		ThrottleLowWater:  getEnvFloat("SWARM_THROTTLE_LOW_WATER", 0.50),
		ThrottleInterval:  getEnvDuration("SWARM_THROTTLE_INTERVAL", 250*time.Millisecond),

		KillLatencyBudget: getEnvDuration("SWARM_KILL_LATENCY_BUDGET", time.Second),
		SandboxGrace:      getEnvDuration("SWARM_SANDBOX_GRACE", 200*time.Millisecond),

		AgentCount:     getEnvInt("SWARM_AGENT_COUNT", 8),
		AgentHeartbeat: getEnvDuration("SWARM_AGENT_HEARTBEAT", 5*time.Second),

		LogLevel: getEnv("SWARM_LOG_LEVEL", "info"),
	}
}

// Validate checks the snapshot for values the core cannot run with.
func (c *Config) Validate() error {
	if c.EngagementSecret == "" {
		return fmt.Errorf("SWARM_ENGAGEMENT_SECRET must be set: message integrity requires a per-engagement secret")
	}
	if c.ShardCount < 1 {
		return fmt.Errorf("SWARM_SHARD_COUNT must be at least 1, got %d", c.ShardCount)
	}
	if c.BufferSeconds < 1 {
		return fmt.Errorf("SWARM_BUFFER_SECONDS must be at least 1, got %d", c.BufferSeconds)
	}
	if c.ThrottleHighWater <= 0 || c.ThrottleHighWater > 1 {
		return fmt.Errorf("SWARM_THROTTLE_HIGH_WATER must be in (0, 1], got %f", c.ThrottleHighWater)
	}
	if c.ThrottleLowWater < 0 || c.ThrottleLowWater >= c.ThrottleHighWater {
		return fmt.Errorf("SWARM_THROTTLE_LOW_WATER must be below the high water mark")
	}
	if c.KillLatencyBudget <= 0 {
		return fmt.Errorf("SWARM_KILL_LATENCY_BUDGET must be positive")
	}
	return nil
}

// BufferCapacity returns the bounded publish buffer size: the configured
// window in seconds times expected throughput.
func (c *Config) BufferCapacity() int {
	return c.BufferSeconds * c.ExpectedMsgsPerSec
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// ParseLogLevel maps the configured level string to a slog level name used
// in main. Unknown values fall back to info.
func ParseLogLevel(level string) string {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return strings.ToLower(level)
	}
	return "info"
}
