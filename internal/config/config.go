package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-fleet/internal/hub"
	fleetotel "github.com/basket/go-fleet/internal/otel"
)

// ErrInvalidConfig is returned by Load when a value is out of range.
var ErrInvalidConfig = errors.New("invalid config")

const (
	AgentsModeStatic = "static"
	AgentsModeHTTP   = "http"
)

// ConnectionsConfig tunes admission, heartbeats and shedding.
type ConnectionsConfig struct {
	Policy                   hub.SheddingPolicy `yaml:"policy"`
	HeartbeatIntervalSeconds int                `yaml:"heartbeat_interval_seconds"`
	SweepIntervalSeconds     int                `yaml:"sweep_interval_seconds"`
	// StaleMultiplier times the heartbeat interval is the idle limit.
	StaleMultiplier    int `yaml:"stale_multiplier"`
	SendTimeoutSeconds int `yaml:"send_timeout_seconds"`
}

// HeartbeatInterval returns the probe interval.
func (c ConnectionsConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// SweepInterval returns the stale sweep interval.
func (c ConnectionsConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// StaleAfter returns the idle duration after which a connection is stale.
func (c ConnectionsConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleMultiplier) * c.HeartbeatInterval()
}

// SendTimeout bounds a single delivery to one subscriber.
func (c ConnectionsConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

type SchedulerConfig struct {
	MaxQueueDepth       int  `yaml:"max_queue_depth"`
	EnforceDependencies bool `yaml:"enforce_dependencies"`
	// TaskRetentionHours prunes terminal tasks older than this. 0 keeps them.
	TaskRetentionHours int `yaml:"task_retention_hours"`
	MaxLoad            int `yaml:"max_load"`
}

type ConsensusConfig struct {
	Threshold             float64 `yaml:"threshold"`
	VoteTimeoutSeconds    int     `yaml:"vote_timeout_seconds"`
	ExecuteTimeoutSeconds int     `yaml:"execute_timeout_seconds"`
	MaxParallel           int     `yaml:"max_parallel"`
}

// AgentEndpoint is one agent service reachable over HTTP.
type AgentEndpoint struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type AgentsConfig struct {
	// Mode is "static" (in-process deterministic agents) or "http".
	Mode              string          `yaml:"mode"`
	Names             []string        `yaml:"names"`
	Endpoints         []AgentEndpoint `yaml:"endpoints"`
	TimeoutSeconds    int             `yaml:"timeout_seconds"`
	RequestsPerSecond float64         `yaml:"requests_per_second"`
	Burst             int             `yaml:"burst"`
	Token             string          `yaml:"token"`
}

type HistoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// RelayConfig enables the Redis topic relay when Addr is set.
type RelayConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// ReportsConfig holds cron expressions for periodic jobs. Empty disables a job.
type ReportsConfig struct {
	SystemMetrics string `yaml:"system_metrics"`
	Retention     string `yaml:"retention"`
	Conflicts     string `yaml:"conflicts"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr            string   `yaml:"bind_addr"`
	LogLevel            string   `yaml:"log_level"`
	AuthToken           string   `yaml:"auth_token"`
	AllowOrigins        []string `yaml:"allow_origins"`
	DrainTimeoutSeconds int      `yaml:"drain_timeout_seconds"`

	Connections ConnectionsConfig `yaml:"connections"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Consensus   ConsensusConfig   `yaml:"consensus"`
	Agents      AgentsConfig      `yaml:"agents"`
	History     HistoryConfig     `yaml:"history"`
	Relay       RelayConfig       `yaml:"relay"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Telemetry   fleetotel.Config  `yaml:"telemetry"`
	Reports     ReportsConfig     `yaml:"reports"`

	// FromDefaults is set when no config.yaml was found.
	FromDefaults bool `yaml:"-"`
}

// DrainTimeout bounds graceful shutdown.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// HistoryPath returns the sqlite path, relative paths resolved under the home dir.
func (c Config) HistoryPath() string {
	p := c.History.Path
	if p == "" {
		return filepath.Join(c.HomeDir, "history.db")
	}
	if !filepath.IsAbs(p) {
		return filepath.Join(c.HomeDir, p)
	}
	return p
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetConsensusThreshold updates consensus.threshold in config.yaml,
// preserving other settings. A running daemon picks it up on reload.
func SetConsensusThreshold(homeDir string, v float64) error {
	if v <= 0 || v > 1 {
		return fmt.Errorf("%w: consensus threshold %v not in (0, 1]", ErrInvalidConfig, v)
	}
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	section, _ := raw["consensus"].(map[string]interface{})
	if section == nil {
		section = make(map[string]interface{})
	}
	section["threshold"] = v
	raw["consensus"] = section
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|origins=%v|policy=%+v|hb=%d|sweep=%d|queue=%d|threshold=%.3f|mode=%s|agents=%v|relay=%s",
		c.BindAddr, c.LogLevel, c.AllowOrigins, c.Connections.Policy,
		c.Connections.HeartbeatIntervalSeconds, c.Connections.SweepIntervalSeconds,
		c.Scheduler.MaxQueueDepth, c.Consensus.Threshold, c.Agents.Mode, c.Agents.Endpoints, c.Relay.Addr)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		Connections: ConnectionsConfig{
			Policy:                   hub.DefaultPolicy(),
			HeartbeatIntervalSeconds: 30,
			SweepIntervalSeconds:     60,
			StaleMultiplier:          3,
			SendTimeoutSeconds:       5,
		},
		Scheduler: SchedulerConfig{
			MaxQueueDepth:       1000,
			EnforceDependencies: true,
			MaxLoad:             10,
		},
		Consensus: ConsensusConfig{
			Threshold:             0.7,
			VoteTimeoutSeconds:    10,
			ExecuteTimeoutSeconds: 30,
		},
		Agents: AgentsConfig{
			Mode:              AgentsModeStatic,
			TimeoutSeconds:    10,
			RequestsPerSecond: 20,
			Burst:             5,
		},
		History: HistoryConfig{
			Enabled:       true,
			RetentionDays: 90,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Telemetry: fleetotel.Config{
			Exporter:    "none",
			ServiceName: "gofleet",
			SampleRate:  1,
		},
		Reports: ReportsConfig{
			SystemMetrics: "@every 30s",
			Retention:     "@hourly",
			Conflicts:     "@every 15m",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("GOFLEET_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gofleet")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml under homeDir, creating the directory if needed.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create gofleet home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.FromDefaults = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}

	c := &cfg.Connections
	c.Policy = c.Policy.Complete()
	if c.HeartbeatIntervalSeconds <= 0 {
		c.HeartbeatIntervalSeconds = 30
	}
	if c.SweepIntervalSeconds <= 0 {
		c.SweepIntervalSeconds = 60
	}
	if c.StaleMultiplier <= 0 {
		c.StaleMultiplier = 3
	}
	if c.SendTimeoutSeconds <= 0 {
		c.SendTimeoutSeconds = 5
	}

	if cfg.Scheduler.MaxQueueDepth <= 0 {
		cfg.Scheduler.MaxQueueDepth = 1000
	}
	if cfg.Scheduler.MaxLoad <= 0 {
		cfg.Scheduler.MaxLoad = 10
	}
	if cfg.Consensus.Threshold == 0 {
		cfg.Consensus.Threshold = 0.7
	}
	if cfg.Consensus.VoteTimeoutSeconds <= 0 {
		cfg.Consensus.VoteTimeoutSeconds = 10
	}
	if cfg.Consensus.ExecuteTimeoutSeconds <= 0 {
		cfg.Consensus.ExecuteTimeoutSeconds = 30
	}

	cfg.Agents.Mode = strings.ToLower(strings.TrimSpace(cfg.Agents.Mode))
	if cfg.Agents.Mode == "" {
		cfg.Agents.Mode = AgentsModeStatic
	}
	if cfg.Agents.Mode == AgentsModeHTTP && len(cfg.Agents.Endpoints) == 0 {
		cfg.Agents.Endpoints = StarterEndpoints()
	}
	if cfg.Agents.TimeoutSeconds <= 0 {
		cfg.Agents.TimeoutSeconds = 10
	}
	if cfg.Agents.Burst <= 0 {
		cfg.Agents.Burst = 5
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "gofleet"
	}
}

func validate(cfg *Config) error {
	if err := cfg.Connections.Policy.Validate(); err != nil {
		return fmt.Errorf("%w: connections.policy: %v", ErrInvalidConfig, err)
	}
	if t := cfg.Consensus.Threshold; t <= 0 || t > 1 {
		return fmt.Errorf("%w: consensus.threshold %v not in (0, 1]", ErrInvalidConfig, t)
	}
	switch cfg.Agents.Mode {
	case AgentsModeStatic, AgentsModeHTTP:
	default:
		return fmt.Errorf("%w: agents.mode %q (want static or http)", ErrInvalidConfig, cfg.Agents.Mode)
	}
	seen := make(map[string]struct{}, len(cfg.Agents.Endpoints))
	for _, ep := range cfg.Agents.Endpoints {
		if ep.Name == "" || ep.URL == "" {
			return fmt.Errorf("%w: agent endpoint needs name and url", ErrInvalidConfig)
		}
		if _, dup := seen[ep.Name]; dup {
			return fmt.Errorf("%w: duplicate agent endpoint %q", ErrInvalidConfig, ep.Name)
		}
		seen[ep.Name] = struct{}{}
	}
	if cfg.Scheduler.TaskRetentionHours < 0 || cfg.History.RetentionDays < 0 {
		return fmt.Errorf("%w: retention must not be negative", ErrInvalidConfig)
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		return fmt.Errorf("%w: telemetry: %v", ErrInvalidConfig, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	envInt := func(key string, dst *int) {
		if raw := os.Getenv(key); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				*dst = v
			}
		}
	}
	if raw := os.Getenv("GOFLEET_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("GOFLEET_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOFLEET_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("GOFLEET_ALLOW_ORIGINS"); raw != "" {
		cfg.AllowOrigins = nil
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowOrigins = append(cfg.AllowOrigins, o)
			}
		}
	}
	envInt("GOFLEET_DRAIN_TIMEOUT_SECONDS", &cfg.DrainTimeoutSeconds)
	envInt("GOFLEET_HEARTBEAT_INTERVAL_SECONDS", &cfg.Connections.HeartbeatIntervalSeconds)
	envInt("GOFLEET_SWEEP_INTERVAL_SECONDS", &cfg.Connections.SweepIntervalSeconds)
	envInt("GOFLEET_HARD_CAP", &cfg.Connections.Policy.HardCap)
	envInt("GOFLEET_MAX_QUEUE_DEPTH", &cfg.Scheduler.MaxQueueDepth)
	if raw := os.Getenv("GOFLEET_CONSENSUS_THRESHOLD"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Consensus.Threshold = v
		}
	}
	if raw := os.Getenv("GOFLEET_AGENTS_MODE"); raw != "" {
		cfg.Agents.Mode = raw
	}
	if raw := os.Getenv("GOFLEET_AGENT_TOKEN"); raw != "" {
		cfg.Agents.Token = raw
	}
	if raw := os.Getenv("GOFLEET_REDIS_ADDR"); raw != "" {
		cfg.Relay.Addr = raw
	}
	if raw := os.Getenv("GOFLEET_REDIS_PASSWORD"); raw != "" {
		cfg.Relay.Password = raw
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Exporter = "otlp-http"
		cfg.Telemetry.Endpoint = raw
	}
}
