package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/minder/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromMinderHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".minder")
	writeConfig(t, home, "check_interval_seconds: 2\nmax_steps: 50\n")
	if err := os.WriteFile(filepath.Join(home, "INSTRUCTIONS.md"), []byte("be terse"), 0o644); err != nil {
		t.Fatalf("write instructions: %v", err)
	}
	t.Setenv("MINDER_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.CheckIntervalSeconds != 2 {
		t.Fatalf("expected check_interval_seconds=2 got %d", cfg.CheckIntervalSeconds)
	}
	if cfg.MaxSteps != 50 {
		t.Fatalf("expected max_steps=50 got %d", cfg.MaxSteps)
	}
	if cfg.Instructions != "be terse" {
		t.Fatalf("unexpected instructions contents: %q", cfg.Instructions)
	}
}

func TestLoad_NeedsGenesisWhenNoConfig(t *testing.T) {
	t.Setenv("MINDER_HOME", filepath.Join(t.TempDir(), ".minder"))

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatalf("expected NeedsGenesis=true when config.yaml missing")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".minder")
	writeConfig(t, home, "{}\n")
	t.Setenv("MINDER_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LLM.Provider != "google" {
		t.Fatalf("expected default provider=google, got %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Model != "gemini-2.5-flash" {
		t.Fatalf("expected default model=gemini-2.5-flash, got %q", cfg.LLM.Model)
	}
	if cfg.MaxSteps != 100 {
		t.Fatalf("expected default max_steps=100, got %d", cfg.MaxSteps)
	}
	if cfg.RunTimeoutSeconds != 600 {
		t.Fatalf("expected default run_timeout_seconds=600, got %d", cfg.RunTimeoutSeconds)
	}
	if cfg.Maintenance.MaxFixAttempts != 3 {
		t.Fatalf("expected default max_fix_attempts=3, got %d", cfg.Maintenance.MaxFixAttempts)
	}
	if cfg.Sandbox.TimeoutSeconds != 30 {
		t.Fatalf("expected default sandbox timeout=30, got %d", cfg.Sandbox.TimeoutSeconds)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".minder")
	writeConfig(t, home, "max_steps: 20\nllm:\n  model: gemini-2.5-pro\n")
	t.Setenv("MINDER_HOME", home)
	t.Setenv("MINDER_MAX_STEPS", "75")
	t.Setenv("MINDER_MODEL", "gemini-2.5-flash")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.MaxSteps != 75 {
		t.Fatalf("expected env override max_steps=75 got %d", cfg.MaxSteps)
	}
	if cfg.LLM.Model != "gemini-2.5-flash" {
		t.Fatalf("expected env override model, got %q", cfg.LLM.Model)
	}
}

func TestLoad_LegacyProviderNameNormalized(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".minder")
	writeConfig(t, home, "llm:\n  provider: gemini\n")
	t.Setenv("MINDER_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LLM.Provider != "google" {
		t.Fatalf("expected provider gemini normalized to google, got %q", cfg.LLM.Provider)
	}
}

func TestLoad_RejectsUnknownProvider(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".minder")
	writeConfig(t, home, "llm:\n  provider: alienai\n")
	t.Setenv("MINDER_HOME", home)

	_, err := config.Load()
	if err == nil || !strings.Contains(err.Error(), "alienai") {
		t.Fatalf("expected unknown provider error, got %v", err)
	}
}

func TestLoad_RejectsBadCronSchedule(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".minder")
	writeConfig(t, home, `workflows:
  - name: broken
    schedule: "every tuesday-ish"
    prompt: do things
`)
	t.Setenv("MINDER_HOME", home)

	_, err := config.Load()
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("expected schedule validation error, got %v", err)
	}
}

func TestLoad_RejectsDuplicateWorkflowNames(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".minder")
	writeConfig(t, home, `workflows:
  - name: digest
    schedule: "0 9 * * *"
    prompt: one
  - name: digest
    schedule: "0 10 * * *"
    prompt: two
`)
	t.Setenv("MINDER_HOME", home)

	_, err := config.Load()
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate name error, got %v", err)
	}
}

func TestLoad_RejectsEmptyWorkflowPrompt(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".minder")
	writeConfig(t, home, `workflows:
  - name: silent
    schedule: "0 9 * * *"
    prompt: "  "
`)
	t.Setenv("MINDER_HOME", home)

	_, err := config.Load()
	if err == nil || !strings.Contains(err.Error(), "prompt") {
		t.Fatalf("expected prompt validation error, got %v", err)
	}
}

func TestProviderAPIKey_EnvOverridesYAML(t *testing.T) {
	cfg := config.Config{
		Providers: map[string]config.ProviderConfig{
			"anthropic": {APIKey: "yaml-key"},
		},
	}
	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	if got := cfg.ProviderAPIKey("anthropic"); got != "env-key" {
		t.Fatalf("expected env-key, got %q", got)
	}
}

func TestProviderAPIKey_FallsBackToYAML(t *testing.T) {
	cfg := config.Config{
		Providers: map[string]config.ProviderConfig{
			"openai": {APIKey: "yaml-key"},
		},
	}
	t.Setenv("OPENAI_API_KEY", "")
	if got := cfg.ProviderAPIKey("openai"); got != "yaml-key" {
		t.Fatalf("expected yaml-key, got %q", got)
	}
}

func TestProviderAPIKey_GoogleAcceptsEitherEnvVar(t *testing.T) {
	cfg := config.Config{}
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "g-key")
	if got := cfg.ProviderAPIKey("google"); got != "g-key" {
		t.Fatalf("expected g-key via GOOGLE_API_KEY, got %q", got)
	}
}

func TestResolveLLM(t *testing.T) {
	cfg := config.Config{
		LLM: config.LLMConfig{Provider: "anthropic", Model: "claude-sonnet-4-5"},
	}
	t.Setenv("ANTHROPIC_API_KEY", "k")

	provider, model, key := cfg.ResolveLLM()
	if provider != "anthropic" || model != "claude-sonnet-4-5" || key != "k" {
		t.Fatalf("ResolveLLM = %q/%q/%q", provider, model, key)
	}
}

func TestFingerprint_SensitiveToKnobs(t *testing.T) {
	a := config.Config{LogLevel: "info", MaxSteps: 100}
	b := config.Config{LogLevel: "info", MaxSteps: 100}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs should share a fingerprint")
	}
	b.MaxSteps = 50
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change when max_steps changes")
	}
	b = a
	b.Workflows = []config.WorkflowSeed{{Name: "w", Schedule: "0 9 * * *"}}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change when workflows change")
	}
}

func TestHolder_ReloadSwapsSnapshot(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".minder")
	writeConfig(t, home, "max_steps: 10\n")
	t.Setenv("MINDER_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	h := config.NewHolder(cfg)
	if h.Current().MaxSteps != 10 {
		t.Fatalf("initial snapshot max_steps = %d, want 10", h.Current().MaxSteps)
	}

	writeConfig(t, home, "max_steps: 25\n")
	next, err := h.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if next.MaxSteps != 25 || h.Current().MaxSteps != 25 {
		t.Fatalf("reload did not swap snapshot, got %d", h.Current().MaxSteps)
	}
}

func TestHolder_ReloadKeepsOldSnapshotOnError(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".minder")
	writeConfig(t, home, "max_steps: 10\n")
	t.Setenv("MINDER_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	h := config.NewHolder(cfg)

	// Break the file; the active snapshot must survive.
	writeConfig(t, home, "llm:\n  provider: alienai\n")
	got, err := h.Reload()
	if err == nil {
		t.Fatal("expected reload error for invalid config")
	}
	if got.MaxSteps != 10 || h.Current().MaxSteps != 10 {
		t.Fatalf("failed reload must keep previous snapshot, got %d", h.Current().MaxSteps)
	}
}

func TestWriteStarterConfig_RoundTrips(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".minder")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := config.WriteStarterConfig(home); err != nil {
		t.Fatalf("write starter: %v", err)
	}
	t.Setenv("MINDER_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("starter config must load cleanly: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("NeedsGenesis should be false after starter write")
	}
	if len(cfg.Workflows) != 2 {
		t.Fatalf("expected 2 starter workflows, got %d", len(cfg.Workflows))
	}
	for _, w := range cfg.Workflows {
		if !w.Paused {
			t.Fatalf("starter workflow %q must be paused", w.Name)
		}
	}

	// Refuses to clobber an existing file.
	if err := config.WriteStarterConfig(home); err == nil {
		t.Fatal("expected error when config.yaml already exists")
	}
}

func TestStarterWorkflows_ValidSeeds(t *testing.T) {
	seen := make(map[string]bool)
	for _, w := range config.StarterWorkflows() {
		if w.Name == "" || w.Prompt == "" || w.Schedule == "" {
			t.Fatalf("starter workflow has empty fields: %+v", w)
		}
		if seen[w.Name] {
			t.Fatalf("duplicate starter workflow name %q", w.Name)
		}
		seen[w.Name] = true
	}
}
