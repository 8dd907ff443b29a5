package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-fleet/internal/config"
	"github.com/basket/go-fleet/internal/hub"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromGofleetHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeConfig(t, filepath.Join(home, ".gofleet"), "bind_addr: 0.0.0.0:9000\nscheduler:\n  max_queue_depth: 50\n")
	t.Setenv("HOME", home)
	t.Setenv("GOFLEET_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Fatalf("expected bind_addr from file, got %q", cfg.BindAddr)
	}
	if cfg.Scheduler.MaxQueueDepth != 50 {
		t.Fatalf("expected max_queue_depth=50 got %d", cfg.Scheduler.MaxQueueDepth)
	}
	if cfg.FromDefaults {
		t.Fatal("FromDefaults set although config.yaml exists")
	}
}

func TestLoad_FromDefaultsWhenNoConfig(t *testing.T) {
	t.Setenv("GOFLEET_HOME", filepath.Join(t.TempDir(), "fresh"))

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.FromDefaults {
		t.Fatalf("expected FromDefaults=true when config.yaml missing")
	}
	if _, err := os.Stat(cfg.HomeDir); err != nil {
		t.Fatalf("home dir not created: %v", err)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "{}\n")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:18790" {
		t.Fatalf("expected default bind_addr, got %q", cfg.BindAddr)
	}
	if cfg.Connections.Policy != hub.DefaultPolicy() {
		t.Fatalf("expected default policy, got %+v", cfg.Connections.Policy)
	}
	if cfg.Connections.StaleAfter() != 90*time.Second {
		t.Fatalf("stale after = %v, want 90s", cfg.Connections.StaleAfter())
	}
	if cfg.Consensus.Threshold != 0.7 || cfg.Scheduler.MaxQueueDepth != 1000 {
		t.Fatalf("consensus/scheduler defaults = %+v %+v", cfg.Consensus, cfg.Scheduler)
	}
	if !cfg.Scheduler.EnforceDependencies {
		t.Fatal("dependencies should be enforced by default")
	}
	if cfg.Agents.Mode != config.AgentsModeStatic {
		t.Fatalf("agents.mode = %q", cfg.Agents.Mode)
	}
	if cfg.HistoryPath() != filepath.Join(home, "history.db") {
		t.Fatalf("history path = %q", cfg.HistoryPath())
	}
}

func TestLoad_HardCapOnlyDerivesThresholds(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "connections:\n  policy:\n    hard_cap: 40\n")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	want := hub.SheddingPolicy{WarnAt: 13, HighWaterMark: 34, Target: 27, HardCap: 40}
	if cfg.Connections.Policy != want {
		t.Fatalf("policy = %+v, want %+v", cfg.Connections.Policy, want)
	}
}

func TestLoad_EnvHardCapBelowDefaultHighWater(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GOFLEET_HARD_CAP", "20")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	p := cfg.Connections.Policy
	if p.HardCap != 20 || p.HighWaterMark > 20 || p.Target > p.HighWaterMark {
		t.Fatalf("policy = %+v", p)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("derived policy invalid: %v", err)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "log_level: info\nconsensus:\n  threshold: 0.6\n")
	t.Setenv("GOFLEET_LOG_LEVEL", "DEBUG")
	t.Setenv("GOFLEET_CONSENSUS_THRESHOLD", "0.9")
	t.Setenv("GOFLEET_ALLOW_ORIGINS", "http://a.example, http://b.example")
	t.Setenv("GOFLEET_REDIS_ADDR", "127.0.0.1:6379")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected normalized env log level, got %q", cfg.LogLevel)
	}
	if cfg.Consensus.Threshold != 0.9 {
		t.Fatalf("expected env threshold 0.9, got %v", cfg.Consensus.Threshold)
	}
	if len(cfg.AllowOrigins) != 2 || cfg.AllowOrigins[1] != "http://b.example" {
		t.Fatalf("origins = %v", cfg.AllowOrigins)
	}
	if cfg.Relay.Addr != "127.0.0.1:6379" {
		t.Fatalf("relay addr = %q", cfg.Relay.Addr)
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"target above high water mark", "connections:\n  policy:\n    warn_at: 5\n    high_water_mark: 10\n    target: 12\n    hard_cap: 20\n"},
		{"threshold out of range", "consensus:\n  threshold: 1.5\n"},
		{"unknown agents mode", "agents:\n  mode: grpc\n"},
		{"endpoint without url", "agents:\n  mode: http\n  endpoints:\n    - name: research\n"},
		{"duplicate endpoint", "agents:\n  endpoints:\n    - {name: a, url: http://x}\n    - {name: a, url: http://y}\n"},
		{"unknown trace exporter", "telemetry:\n  exporter: zipkin\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			writeConfig(t, home, tt.body)
			_, err := config.LoadFrom(home)
			if !errors.Is(err, config.ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "bind_addr: [unterminated\n")
	if _, err := config.LoadFrom(home); err == nil || !strings.Contains(err.Error(), "parse config.yaml") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestSetConsensusThreshold_PreservesOtherKeys(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "bind_addr: 127.0.0.1:7000\nconsensus:\n  vote_timeout_seconds: 4\n")

	if err := config.SetConsensusThreshold(home, 0.85); err != nil {
		t.Fatalf("SetConsensusThreshold: %v", err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Consensus.Threshold != 0.85 || cfg.Consensus.VoteTimeoutSeconds != 4 || cfg.BindAddr != "127.0.0.1:7000" {
		t.Fatalf("config after set = %+v", cfg)
	}
	if err := config.SetConsensusThreshold(home, 0); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for 0, got %v", err)
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	home := t.TempDir()
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := config.LoadFrom(home)
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint not stable")
	}
	b.Connections.Policy.HardCap++
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint ignores policy change")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("fingerprint = %q", a.Fingerprint())
	}
}
