// Package config loads runtime configuration for the orchestration core
// from the environment.
package config

import "os"

const (
	defaultNATSURL      = "nats://localhost:4222"
	defaultRedisURL     = "redis://localhost:6379"
	defaultDAGConfigDir = "config/dags"
	defaultPlannerModel = "claude-sonnet-4-5"
	envNATSURL          = "NATS_URL"
	envRedisURL         = "REDIS_URL"
	envDAGConfigDir     = "DAG_CONFIG_DIR"
	envAnthropicAPIKey  = "ANTHROPIC_API_KEY"
	envPlannerModel     = "PLANNER_MODEL"
	envMetricsAddr      = "METRICS_ADDR"
)

// Config holds runtime configuration for the engine binary.
type Config struct {
	NatsURL         string
	RedisURL        string
	DAGConfigDir    string
	AnthropicAPIKey string
	PlannerModel    string
	MetricsAddr     string
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	natsURL := os.Getenv(envNATSURL)
	if natsURL == "" {
		natsURL = defaultNATSURL
	}

	redisURL := os.Getenv(envRedisURL)
	if redisURL == "" {
		redisURL = defaultRedisURL
	}

	dagDir := os.Getenv(envDAGConfigDir)
	if dagDir == "" {
		dagDir = defaultDAGConfigDir
	}

	model := os.Getenv(envPlannerModel)
	if model == "" {
		model = defaultPlannerModel
	}

	return &Config{
		NatsURL:         natsURL,
		RedisURL:        redisURL,
		DAGConfigDir:    dagDir,
		AnthropicAPIKey: os.Getenv(envAnthropicAPIKey),
		PlannerModel:    model,
		MetricsAddr:     os.Getenv(envMetricsAddr),
	}
}
