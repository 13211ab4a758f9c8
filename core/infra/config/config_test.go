package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv(envNATSURL, "")
	t.Setenv(envRedisURL, "")
	t.Setenv(envDAGConfigDir, "")
	t.Setenv(envPlannerModel, "")

	cfg := Load()
	if cfg.NatsURL != defaultNATSURL {
		t.Fatalf("unexpected nats url: %s", cfg.NatsURL)
	}
	if cfg.RedisURL != defaultRedisURL {
		t.Fatalf("unexpected redis url: %s", cfg.RedisURL)
	}
	if cfg.DAGConfigDir != defaultDAGConfigDir {
		t.Fatalf("unexpected dag dir: %s", cfg.DAGConfigDir)
	}
	if cfg.PlannerModel != defaultPlannerModel {
		t.Fatalf("unexpected model: %s", cfg.PlannerModel)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv(envNATSURL, "nats://bus:4222")
	t.Setenv(envRedisURL, "redis://store:6379")
	t.Setenv(envAnthropicAPIKey, "key-123")

	cfg := Load()
	if cfg.NatsURL != "nats://bus:4222" {
		t.Fatalf("override lost: %s", cfg.NatsURL)
	}
	if cfg.RedisURL != "redis://store:6379" {
		t.Fatalf("override lost: %s", cfg.RedisURL)
	}
	if cfg.AnthropicAPIKey != "key-123" {
		t.Fatalf("override lost: %s", cfg.AnthropicAPIKey)
	}
}
