// Package config provides configuration loading for the erasure executor.
// Config is a single YAML document; any string value of the form "env:NAME"
// is resolved against the environment during loading. Missing or empty env
// refs for required values are startup errors.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RetryConfig controls the retry controller's backoff policy.
type RetryConfig struct {
	Attempts   int     `yaml:"attempts"`
	MinDelayMs int     `yaml:"min_delay_ms"`
	MaxDelayMs int     `yaml:"max_delay_ms"`
	Jitter     float64 `yaml:"jitter"`
}

// PolicyConfig holds execution policy switches.
type PolicyConfig struct {
	RequireIdempotencyKey      bool    `yaml:"require_idempotency_key"`
	SideEffectsRequireApproval bool    `yaml:"side_effects_require_approval"`
	ConfidenceThreshold        float64 `yaml:"confidence_threshold"`
}

// LLMConfig configures the llm.json task provider.
type LLMConfig struct {
	Provider string `yaml:"provider"` // "mock" or "openai_compatible"
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

// PIIConfig controls encryption and artifact retention.
type PIIConfig struct {
	EncryptionKey             string `yaml:"encryption_key"` // 64-char hex (AES-256)
	LogRedaction              bool   `yaml:"log_redaction"`
	HTMLRetentionDays         int    `yaml:"html_retention_days"`
	ScreenshotRetentionDays   int    `yaml:"screenshot_retention_days"`
	ConfirmationRetentionDays int    `yaml:"confirmation_retention_days"` // negative = keep forever
}

// EmailConfig configures the agent mailbox used by email.send / email.check.
type EmailConfig struct {
	Address  string `yaml:"address"`
	IMAPHost string `yaml:"imap_host"`
	IMAPPort int    `yaml:"imap_port"`
	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"`
	Password string `yaml:"password"`
}

// BrowserConfig configures the headless browser connector.
type BrowserConfig struct {
	Headless                  bool   `yaml:"headless"`
	Stealth                   bool   `yaml:"stealth"`
	DefaultTimeoutMs          int    `yaml:"default_timeout_ms"`
	ProxyURL                  string `yaml:"proxy_url"`
	CheckRobotsTxt            bool   `yaml:"check_robots_txt"`
	RateLimitPerBrokerPerHour int    `yaml:"rate_limit_per_broker_per_hour"`
}

// SchedulerConfig controls the periodic scan scheduler.
type SchedulerConfig struct {
	Enabled             bool `yaml:"enabled"`
	PollIntervalSeconds int  `yaml:"poll_interval_seconds"`
}

// SweeperConfig controls the artifact retention sweeper.
type SweeperConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// Config is the full executor configuration.
type Config struct {
	BindHost          string `yaml:"bind_host"`
	BindPort          int    `yaml:"bind_port"`
	AuthToken         string `yaml:"auth_token"`
	DatabasePath      string `yaml:"database_path"`
	PlansRoot         string `yaml:"plans_root"`
	ArtifactsRoot     string `yaml:"artifacts_root"`
	CatalogPath       string `yaml:"catalog_path"`
	MaxConcurrentRuns int    `yaml:"max_concurrent_runs"`
	DefaultTimeoutMs  int    `yaml:"default_timeout_ms"`
	RunTimeoutMs      int    `yaml:"run_timeout_ms"`
	RunClaimTTLSecs   int    `yaml:"run_claim_ttl_seconds"`
	MaxArtifactBytes  int64  `yaml:"max_artifact_bytes"`

	Retry     RetryConfig     `yaml:"retry"`
	Policy    PolicyConfig    `yaml:"policy"`
	LLM       LLMConfig       `yaml:"llm"`
	PII       PIIConfig       `yaml:"pii"`
	Email     EmailConfig     `yaml:"agent_email"`
	Browser   BrowserConfig   `yaml:"browser"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
}

// Default returns a Config with the documented defaults. Loading merges the
// YAML document on top of these.
func Default() *Config {
	return &Config{
		BindHost:          "127.0.0.1",
		BindPort:          8080,
		MaxConcurrentRuns: 2,
		DefaultTimeoutMs:  120_000,
		RunTimeoutMs:      3_600_000,
		RunClaimTTLSecs:   600,
		MaxArtifactBytes:  1_000_000,
		Retry: RetryConfig{
			Attempts:   3,
			MinDelayMs: 500,
			MaxDelayMs: 60_000,
			Jitter:     0.15,
		},
		Policy: PolicyConfig{
			RequireIdempotencyKey:      true,
			SideEffectsRequireApproval: true,
			ConfidenceThreshold:        0.8,
		},
		LLM: LLMConfig{Provider: "mock"},
		PII: PIIConfig{
			LogRedaction:              true,
			HTMLRetentionDays:         7,
			ScreenshotRetentionDays:   30,
			ConfirmationRetentionDays: -1,
		},
		Email: EmailConfig{
			IMAPPort: 993,
			SMTPPort: 587,
		},
		Browser: BrowserConfig{
			Headless:                  true,
			Stealth:                   true,
			DefaultTimeoutMs:          15_000,
			CheckRobotsTxt:            true,
			RateLimitPerBrokerPerHour: 30,
		},
		Scheduler: SchedulerConfig{Enabled: true, PollIntervalSeconds: 300},
		Sweeper:   SweeperConfig{PollIntervalSeconds: 86_400},
	}
}

// Load reads, env-resolves, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML config document and resolves env refs.
func Parse(data []byte) (*Config, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := resolveEnvRefs(&doc); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := doc.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveEnvRefs walks the YAML tree and replaces "env:NAME" scalars with the
// environment variable's value. A missing or empty variable is an error so
// misconfiguration surfaces at startup, not at first use.
func resolveEnvRefs(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode && strings.HasPrefix(n.Value, "env:") {
		key := strings.TrimSpace(strings.TrimPrefix(n.Value, "env:"))
		if key == "" {
			return fmt.Errorf("config: empty env ref")
		}
		val := strings.TrimSpace(os.Getenv(key))
		if val == "" {
			return fmt.Errorf("config: environment variable %q referenced in config is missing or empty", key)
		}
		n.Value = val
		// Let the decoder re-infer the scalar type: the ref may resolve
		// to a number or bool, not just a string.
		n.Tag = "!!str"
		if _, err := strconv.Atoi(val); err == nil || val == "true" || val == "false" {
			n.Tag = ""
		}
		return nil
	}
	for _, child := range n.Content {
		if err := resolveEnvRefs(child); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.AuthToken == "" {
		return fmt.Errorf("config: auth_token is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("config: database_path is required")
	}
	if c.PlansRoot == "" {
		return fmt.Errorf("config: plans_root is required")
	}
	if c.ArtifactsRoot == "" {
		return fmt.Errorf("config: artifacts_root is required")
	}
	if c.MaxConcurrentRuns < 1 {
		return fmt.Errorf("config: max_concurrent_runs must be >= 1")
	}
	if c.RunTimeoutMs < 1000 {
		return fmt.Errorf("config: run_timeout_ms must be >= 1000")
	}
	if c.RunClaimTTLSecs < 30 {
		return fmt.Errorf("config: run_claim_ttl_seconds must be >= 30")
	}
	switch c.LLM.Provider {
	case "mock":
	case "openai_compatible":
		if c.LLM.Endpoint == "" || c.LLM.APIKey == "" || c.LLM.Model == "" {
			return fmt.Errorf("config: llm.provider=openai_compatible requires endpoint, api_key, and model")
		}
	default:
		return fmt.Errorf("config: llm.provider must be 'mock' or 'openai_compatible'")
	}
	if c.PII.EncryptionKey != "" && len(c.PII.EncryptionKey) != 64 {
		return fmt.Errorf("config: pii.encryption_key must be 64 hex characters (256-bit)")
	}
	return nil
}

// ArtifactPath resolves a relative artifact URI beneath the artifacts root.
// Paths escaping the root are refused.
func (c *Config) ArtifactPath(uri string) (string, error) {
	root, err := filepath.Abs(c.ArtifactsRoot)
	if err != nil {
		return "", err
	}
	resolved := filepath.Join(root, filepath.FromSlash(uri))
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %q escapes artifacts root", uri)
	}
	return resolved, nil
}
