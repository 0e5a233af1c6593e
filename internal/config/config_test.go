package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.API.Port != "8080" {
		t.Fatalf("unexpected API port: %s", cfg.API.Port)
	}
	if cfg.Builder.Mode != "local" {
		t.Fatalf("unexpected builder mode: %s", cfg.Builder.Mode)
	}
	if cfg.Docker.PullAttempts != 3 {
		t.Fatalf("unexpected pull attempts: %d", cfg.Docker.PullAttempts)
	}
	if cfg.Registry.PushEnabled {
		t.Fatal("registry push should be disabled by default")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("API_PORT", "9090")
	t.Setenv("DOCKER_BUILD_TIMEOUT", "2m")
	t.Setenv("WORKER_COUNT", "2")
	t.Setenv("REGISTRY_PUSH_ENABLED", "true")
	t.Setenv("AWS_ECS_SUBNETS", "subnet-a, subnet-b,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.API.Port != "9090" {
		t.Fatalf("unexpected API port: %s", cfg.API.Port)
	}
	if cfg.Docker.BuildTimeout != 2*time.Minute {
		t.Fatalf("unexpected build timeout: %s", cfg.Docker.BuildTimeout)
	}
	if cfg.Worker.NumWorkers != 2 {
		t.Fatalf("unexpected worker count: %d", cfg.Worker.NumWorkers)
	}
	if !cfg.Registry.PushEnabled {
		t.Fatal("registry push should be enabled")
	}
	if len(cfg.Runtime.ECS.Subnets) != 2 || cfg.Runtime.ECS.Subnets[1] != "subnet-b" {
		t.Fatalf("unexpected subnets: %#v", cfg.Runtime.ECS.Subnets)
	}
}

func TestInvalidEnvFallsBack(t *testing.T) {
	t.Setenv("WORKER_COUNT", "not-a-number")
	t.Setenv("DOCKER_PULL_BACKOFF", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Worker.NumWorkers != 5 {
		t.Fatalf("expected default worker count, got %d", cfg.Worker.NumWorkers)
	}
	if cfg.Docker.PullBackoff != 2*time.Second {
		t.Fatalf("expected default pull backoff, got %s", cfg.Docker.PullBackoff)
	}
}
