package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-provider settings for multi-provider LLM support.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint for openai-compatible providers
}

// LLMConfig selects the model used for agent steps.
type LLMConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai".
	Provider string `yaml:"provider"`

	// Model is the provider-specific model name (e.g. gemini-2.5-flash).
	Model string `yaml:"model"`

	// Temperature for generation. Zero leaves the provider default in place.
	Temperature float64 `yaml:"temperature"`
}

// SandboxConfig bounds script evaluation inside agent steps.
type SandboxConfig struct {
	// TimeoutSeconds is the wall-clock limit for one script evaluation.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// ExecSteps caps interpreter steps per evaluation. 0 uses the default.
	ExecSteps uint64 `yaml:"exec_steps"`
}

// TelegramConfig configures the outbound notification forwarder.
// Send-only: minder never reads messages from Telegram.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// MaintenanceConfig controls automatic repair of broken workflows.
type MaintenanceConfig struct {
	// Disabled turns off maintainer admission entirely; logic failures
	// then park the workflow in needs_attention directly.
	Disabled bool `yaml:"disabled"`

	// MaxFixAttempts is the repair ceiling before escalation. Default 3.
	MaxFixAttempts int `yaml:"max_fix_attempts"`
}

// TelemetryConfig configures OpenTelemetry export. Disabled by default.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	// MetricsEnabled enables metrics export alongside traces.
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty"`
}

// WorkflowSeed declares a recurring unit in config.yaml. Seeds are
// upserted into the store by name at startup; removing a seed does not
// delete the stored unit.
type WorkflowSeed struct {
	Name     string   `yaml:"name"`
	Schedule string   `yaml:"schedule"` // standard 5-field cron expression
	Prompt   string   `yaml:"prompt"`
	Tools    []string `yaml:"tools"`  // allowed tool names, empty = all registered
	Paused   bool     `yaml:"paused"` // seed in paused status
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// CheckIntervalSeconds is the scheduler admission tick.
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`

	// RunTimeoutSeconds bounds a single run's wall clock.
	RunTimeoutSeconds int `yaml:"run_timeout_seconds"`

	// MaxSteps is the agent step ceiling per run. Default 100.
	MaxSteps int `yaml:"max_steps"`

	LLM LLMConfig `yaml:"llm"`

	// Providers holds per-provider configuration (API keys, custom endpoints).
	Providers map[string]ProviderConfig `yaml:"providers"`

	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`

	Workflows []WorkflowSeed `yaml:"workflows"`

	// Instructions is the operator-authored INSTRUCTIONS.md, prepended to
	// every unit's system prompt.
	Instructions string `yaml:"-"`

	NeedsGenesis bool `yaml:"-"`
}

// ProviderAPIKey returns the API key for the given provider, checking env
// overrides first. For google both GEMINI_API_KEY and GOOGLE_API_KEY work.
func (c Config) ProviderAPIKey(provider string) string {
	envVars := map[string][]string{
		"google":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"anthropic": {"ANTHROPIC_API_KEY"},
		"openai":    {"OPENAI_API_KEY"},
	}
	for _, envVar := range envVars[provider] {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok {
			return p.APIKey
		}
	}
	return ""
}

// ResolveLLM returns the effective provider, model, and API key.
func (c Config) ResolveLLM() (provider, model, apiKey string) {
	provider = c.LLM.Provider
	if provider == "" {
		provider = "google"
	}
	model = c.LLM.Model
	apiKey = c.ProviderAPIKey(provider)
	return provider, model, apiKey
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DBPath returns the path to the SQLite database within the given home directory.
func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "minder.db")
}

// Fingerprint returns a stable hash of the active config, logged on load
// and reload so operators can tell which snapshot a daemon is running.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|tick=%d|timeout=%d|steps=%d|llm=%s/%s|fix=%d",
		c.LogLevel, c.CheckIntervalSeconds, c.RunTimeoutSeconds, c.MaxSteps,
		c.LLM.Provider, c.LLM.Model, c.Maintenance.MaxFixAttempts)
	for _, w := range c.Workflows {
		fmt.Fprintf(h, "|wf=%s@%s", w.Name, w.Schedule)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:             "info",
		CheckIntervalSeconds: 5,
		RunTimeoutSeconds:    int((10 * time.Minute).Seconds()),
		MaxSteps:             100,
		LLM: LLMConfig{
			Provider: "google",
			Model:    "gemini-2.5-flash",
		},
		Sandbox: SandboxConfig{
			TimeoutSeconds: 30,
		},
		Maintenance: MaintenanceConfig{
			MaxFixAttempts: 3,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("MINDER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".minder")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create minder home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadTextFiles(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.CheckIntervalSeconds <= 0 {
		cfg.CheckIntervalSeconds = 5
	}
	if cfg.RunTimeoutSeconds <= 0 {
		cfg.RunTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 100
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	// Normalize legacy provider name.
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Model == "" && cfg.LLM.Provider == "google" {
		cfg.LLM.Model = "gemini-2.5-flash"
	}
	if cfg.LLM.Temperature < 0 {
		cfg.LLM.Temperature = 0
	}
	if cfg.LLM.Temperature > 2 {
		cfg.LLM.Temperature = 2
	}
	if cfg.Sandbox.TimeoutSeconds <= 0 {
		cfg.Sandbox.TimeoutSeconds = 30
	}
	if cfg.Maintenance.MaxFixAttempts <= 0 {
		cfg.Maintenance.MaxFixAttempts = 3
	}
}

// validate rejects configs the daemon could not run: unknown providers
// and malformed workflow seeds fail startup rather than surfacing later
// as run failures.
func validate(cfg *Config) error {
	switch cfg.LLM.Provider {
	case "google", "anthropic", "openai":
	default:
		return fmt.Errorf("llm.provider %q is not supported (google, anthropic, openai)", cfg.LLM.Provider)
	}

	seen := make(map[string]bool, len(cfg.Workflows))
	for i, w := range cfg.Workflows {
		name := strings.TrimSpace(w.Name)
		if name == "" {
			return fmt.Errorf("workflows[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("workflows[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if strings.TrimSpace(w.Prompt) == "" {
			return fmt.Errorf("workflow %q: prompt is required", name)
		}
		if _, err := cron.ParseStandard(w.Schedule); err != nil {
			return fmt.Errorf("workflow %q: schedule %q: %w", name, w.Schedule, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("MINDER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("MINDER_CHECK_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.CheckIntervalSeconds = v
		}
	}
	if raw := os.Getenv("MINDER_RUN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RunTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("MINDER_MAX_STEPS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxSteps = v
		}
	}
	if raw := os.Getenv("MINDER_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("MINDER_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("MINDER_TELEGRAM_CHAT_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Channels.Telegram.ChatID = v
		}
	}
}

func loadTextFiles(cfg *Config) {
	instructionsPath := filepath.Join(cfg.HomeDir, "INSTRUCTIONS.md")
	if b, err := os.ReadFile(instructionsPath); err == nil {
		cfg.Instructions = string(b)
	}
}
