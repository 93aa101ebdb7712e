// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Runtime backends for the agent session driver.
const (
	RuntimeAnthropic = "anthropic"
	RuntimeGRPC      = "grpc"
	RuntimeSandbox   = "sandbox"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	// ProjectRoot is canonicalised once at load and never re-read from the
	// working directory.
	ProjectRoot    string
	ContentDir     string
	SiteDistDir    string
	AuditRetention time.Duration

	Agent           AgentConfig
	RateLimit       RateLimitConfig
	SSE             SSEConfig
	Sandbox         SandboxConfig
	Timeout         TimeoutConfig
	Retry           RetryConfig
	ConversationLog ConversationLogConfig
}

// AgentConfig selects and configures the agent runtime.
type AgentConfig struct {
	Runtime          string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	ChatModel        string
	ViewModel        string
	MaxTurns         int
	MaxTokens        int
	Addr             string // agent sidecar address for the grpc runtime
	SystemPromptFile string
}

// RateLimitConfig controls the console request limiter.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
	SweepThreshold    int
	PathPrefix        string
}

// SSEConfig controls event stream responses.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	MaxRequestBodySize int64
}

// SandboxConfig controls per-session remote environments.
type SandboxConfig struct {
	Image         string
	SourceRepo    string
	EnvTimeout    time.Duration // environment self-terminates after this much inactivity
	IdleTimeout   time.Duration // registry eviction window; must exceed EnvTimeout
	SweepInterval time.Duration
	Runtime       string // Docker runtime: "" = default (runc), "runsc" = gVisor
}

// TimeoutConfig groups request-scoped timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
	Provision   time.Duration
	AgentRun    time.Duration
}

// RetryConfig controls retries of SQLite writes.
type RetryConfig struct {
	DatabaseMaxRetries     int
	DatabaseRetryBaseDelay time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	envTimeout := getEnvDuration("SANDBOX_ENV_TIMEOUT", 10*time.Minute)

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/site.db"),
		ProjectRoot:    getEnv("PROJECT_ROOT", "."),
		ContentDir:     getEnv("CONTENT_DIR", "./content/posts"),
		SiteDistDir:    getEnv("SITE_DIST_DIR", ""),
		AuditRetention: getEnvDuration("AUDIT_RETENTION", 30*24*time.Hour),
		Agent: AgentConfig{
			Runtime:          strings.ToLower(getEnv("AGENT_RUNTIME", RuntimeAnthropic)),
			AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
			AnthropicBaseURL: getEnv("ANTHROPIC_BASE_URL", ""),
			ChatModel:        getEnv("CHAT_MODEL", "claude-sonnet-4-5"),
			ViewModel:        getEnv("VIEW_MODEL", "claude-haiku-4-5"),
			MaxTurns:         getEnvInt("AGENT_MAX_TURNS", 3),
			MaxTokens:        getEnvInt("AGENT_MAX_TOKENS", 2048),
			Addr:             getEnv("AGENT_ADDR", "localhost:50051"),
			SystemPromptFile: getEnv("SYSTEM_PROMPT_FILE", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			SweepThreshold:    getEnvInt("RATE_LIMIT_SWEEP_THRESHOLD", 1000),
			PathPrefix:        "/api/chat",
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 15*time.Second),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 256<<10)),
		},
		Sandbox: SandboxConfig{
			Image:         getEnv("SANDBOX_IMAGE", "node:22-bookworm"),
			SourceRepo:    getEnv("SANDBOX_SOURCE_REPO", "https://github.com/ryanwaits/site.git"),
			EnvTimeout:    envTimeout,
			IdleTimeout:   getEnvDuration("SANDBOX_IDLE_TIMEOUT", envTimeout+2*time.Minute),
			SweepInterval: getEnvDuration("SANDBOX_SWEEP_INTERVAL", time.Minute),
			Runtime:       getEnv("CONTAINER_RUNTIME", ""),
		},
		Timeout: TimeoutConfig{
			HealthCheck: 5 * time.Second,
			Provision:   getEnvDuration("SANDBOX_PROVISION_TIMEOUT", 3*time.Minute),
			AgentRun:    getEnvDuration("AGENT_RUN_TIMEOUT", 2*time.Minute),
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     3,
			DatabaseRetryBaseDelay: 50 * time.Millisecond,
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
	}

	root, err := CanonicalRoot(cfg.ProjectRoot)
	if err != nil {
		return nil, err
	}
	cfg.ProjectRoot = root

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// CanonicalRoot makes root absolute, resolves symlinks and checks that it is
// an existing directory.
func CanonicalRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve project root %q: %w", root, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve project root %q: %w", abs, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat project root %q: %w", resolved, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project root %q is not a directory", resolved)
	}
	return resolved, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if !filepath.IsAbs(c.ProjectRoot) {
		return fmt.Errorf("PROJECT_ROOT must resolve to an absolute path")
	}
	switch c.Agent.Runtime {
	case RuntimeAnthropic:
		if c.Agent.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required for the %s runtime", RuntimeAnthropic)
		}
	case RuntimeGRPC:
		if c.Agent.Addr == "" {
			return fmt.Errorf("AGENT_ADDR is required for the %s runtime", RuntimeGRPC)
		}
	case RuntimeSandbox:
		if c.Sandbox.Image == "" || c.Sandbox.SourceRepo == "" {
			return fmt.Errorf("SANDBOX_IMAGE and SANDBOX_SOURCE_REPO are required for the %s runtime", RuntimeSandbox)
		}
	default:
		return fmt.Errorf("AGENT_RUNTIME %q is not one of %s, %s, %s", c.Agent.Runtime, RuntimeAnthropic, RuntimeGRPC, RuntimeSandbox)
	}
	if c.Agent.MaxTurns <= 0 {
		return fmt.Errorf("AGENT_MAX_TURNS must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.Sandbox.EnvTimeout <= 0 {
		return fmt.Errorf("SANDBOX_ENV_TIMEOUT must be > 0")
	}
	// A registry entry must never outlive the environment it points at.
	if c.Sandbox.IdleTimeout <= c.Sandbox.EnvTimeout {
		return fmt.Errorf("SANDBOX_IDLE_TIMEOUT (%s) must exceed SANDBOX_ENV_TIMEOUT (%s)", c.Sandbox.IdleTimeout, c.Sandbox.EnvTimeout)
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
