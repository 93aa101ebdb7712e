package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	root := t.TempDir()
	t.Setenv("PROJECT_ROOT", root)
	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want, _ := filepath.EvalSymlinks(root)
	if cfg.ProjectRoot != want {
		t.Errorf("expected project root %q, got %q", want, cfg.ProjectRoot)
	}
	if cfg.RateLimit.RequestsPerWindow != 20 || cfg.RateLimit.WindowDuration != time.Minute {
		t.Errorf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Agent.MaxTurns != 3 {
		t.Errorf("expected max turns 3, got %d", cfg.Agent.MaxTurns)
	}
	if cfg.Sandbox.IdleTimeout <= cfg.Sandbox.EnvTimeout {
		t.Errorf("idle timeout %s should exceed env timeout %s", cfg.Sandbox.IdleTimeout, cfg.Sandbox.EnvTimeout)
	}
}

func TestLoadRejectsMissingProjectRoot(t *testing.T) {
	t.Setenv("PROJECT_ROOT", filepath.Join(t.TempDir(), "missing"))
	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing project root")
	}
}

func TestValidateIdleTimeoutMustExceedEnvTimeout(t *testing.T) {
	t.Setenv("PROJECT_ROOT", t.TempDir())
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("SANDBOX_ENV_TIMEOUT", "10m")
	t.Setenv("SANDBOX_IDLE_TIMEOUT", "10m")

	_, err := Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "SANDBOX_IDLE_TIMEOUT") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateUnknownRuntime(t *testing.T) {
	t.Setenv("PROJECT_ROOT", t.TempDir())
	t.Setenv("AGENT_RUNTIME", "carrier-pigeon")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown runtime")
	}
}

func TestGRPCRuntimeDoesNotNeedAPIKey(t *testing.T) {
	t.Setenv("PROJECT_ROOT", t.TempDir())
	t.Setenv("AGENT_RUNTIME", "grpc")
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Agent.Runtime != RuntimeGRPC {
		t.Errorf("expected grpc runtime, got %q", cfg.Agent.Runtime)
	}
}

func TestGetEnvDurationFallsBackOnGarbage(t *testing.T) {
	t.Setenv("SOME_WINDOW", "soon")
	if got := getEnvDuration("SOME_WINDOW", time.Second); got != time.Second {
		t.Errorf("expected fallback, got %s", got)
	}
}
