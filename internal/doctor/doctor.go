// Package doctor runs local diagnostics for a gofleet installation.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/basket/go-fleet/internal/agents"
	"github.com/basket/go-fleet/internal/config"
	"github.com/basket/go-fleet/internal/history"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks. client may be nil when the agent
// collaborators could not be built.
func Run(ctx context.Context, cfg *config.Config, client agents.Client, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	d.Results = append(d.Results,
		checkConfig(cfg),
		checkPermissions(cfg),
		checkHistory(ctx, cfg),
		checkAgents(ctx, cfg, client),
		checkRelay(ctx, cfg),
		checkListener(cfg),
	)
	return d
}

func checkConfig(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.FromDefaults {
		return CheckResult{Name: "Config", Status: StatusWarn,
			Message: "No config.yaml found; running on defaults",
			Detail:  "Create " + config.ConfigPath(cfg.HomeDir) + " to persist settings"}
	}
	return CheckResult{Name: "Config", Status: StatusPass,
		Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail:  cfg.Fingerprint()}
}

func checkPermissions(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkHistory(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "History", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.History.Enabled {
		return CheckResult{Name: "History", Status: StatusSkip, Message: "history.enabled is false"}
	}
	store, err := history.Open(cfg.HistoryPath())
	if err != nil {
		return CheckResult{Name: "History", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.Counts(ctx)
	if err != nil {
		return CheckResult{Name: "History", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "History", Status: StatusPass,
		Message: "Database and schema valid",
		Detail:  fmt.Sprintf("tasks=%d consensus=%d conflicts=%d", counts.Tasks, counts.ConsensusRecords, counts.Conflicts)}
}

// checkAgents asks every configured agent for its health in parallel.
func checkAgents(ctx context.Context, cfg *config.Config, client agents.Client) CheckResult {
	if cfg == nil || client == nil {
		return CheckResult{Name: "Agents", Status: StatusSkip, Message: "Agents not configured"}
	}
	names := client.Agents()
	if cfg.Agents.Mode != config.AgentsModeHTTP {
		return CheckResult{Name: "Agents", Status: StatusPass,
			Message: fmt.Sprintf("%d static agents", len(names)), Detail: strings.Join(names, ", ")}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var (
		mu   sync.Mutex
		down []string
	)
	g, gctx := errgroup.WithContext(checkCtx)
	for _, name := range names {
		g.Go(func() error {
			if _, err := client.Health(gctx, name); err != nil {
				mu.Lock()
				down = append(down, name)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(down)

	switch {
	case len(names) == 0:
		return CheckResult{Name: "Agents", Status: StatusFail, Message: "No agent endpoints configured"}
	case len(down) == len(names):
		return CheckResult{Name: "Agents", Status: StatusFail,
			Message: "No agent endpoint reachable",
			Detail:  fmt.Sprintf("start cmd/fake-agent or fix agents.endpoints (%s)", strings.Join(down, ", "))}
	case len(down) > 0:
		return CheckResult{Name: "Agents", Status: StatusWarn,
			Message: fmt.Sprintf("%d of %d agents unreachable", len(down), len(names)),
			Detail:  strings.Join(down, ", ")}
	}
	return CheckResult{Name: "Agents", Status: StatusPass, Message: fmt.Sprintf("%d agents healthy", len(names))}
}

func checkRelay(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Relay.Addr == "" {
		return CheckResult{Name: "Relay", Status: StatusSkip, Message: "relay.addr not set"}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Relay.Addr, Password: cfg.Relay.Password, DB: cfg.Relay.DB})
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	start := time.Now()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return CheckResult{Name: "Relay", Status: StatusFail, Message: fmt.Sprintf("Redis ping failed: %v", err)}
	}
	return CheckResult{Name: "Relay", Status: StatusPass,
		Message: fmt.Sprintf("Redis reachable at %s (%dms)", cfg.Relay.Addr, time.Since(start).Milliseconds())}
}

// checkListener reports whether bind_addr is free. A busy port usually means
// a server is already running.
func checkListener(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Listener", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && strings.Contains(err.Error(), "address already in use") {
			return CheckResult{Name: "Listener", Status: StatusWarn,
				Message: fmt.Sprintf("%s is in use (server already running?)", cfg.BindAddr)}
		}
		return CheckResult{Name: "Listener", Status: StatusFail, Message: fmt.Sprintf("Cannot bind %s: %v", cfg.BindAddr, err)}
	}
	_ = ln.Close()
	return CheckResult{Name: "Listener", Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
}
