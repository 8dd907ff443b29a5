package hub

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// MonitorConfig tunes the heartbeat and sweep loops.
type MonitorConfig struct {
	Interval      time.Duration
	SweepInterval time.Duration
	// ProbeTimeout bounds each ping. Zero means half the interval.
	ProbeTimeout time.Duration
}

// Monitor probes every open connection on Interval and, on SweepInterval,
// closes stale connections then applies the shedding policy.
type Monitor struct {
	reg    *Registry
	cfg    MonitorConfig
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(reg *Registry, cfg MonitorConfig, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = cfg.Interval / 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{reg: reg, cfg: cfg, logger: logger}
}

// ProbeOnce pings every open connection concurrently. A failed ping evicts
// that connection only; a successful one counts as activity. It returns the
// evicted ids.
func (m *Monitor) ProbeOnce(ctx context.Context) []string {
	conns := m.reg.Connections()
	var (
		mu      sync.Mutex
		evicted []string
		wg      sync.WaitGroup
	)
	for _, c := range conns {
		if c.State() != StateOpen {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
			defer cancel()
			if err := c.transport.Ping(pctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Warn("heartbeat probe failed", "conn_id", c.ID, "agent", c.Agent(), "error", err)
				if m.reg.Close(c.ID, ReasonProbeFailed) {
					mu.Lock()
					evicted = append(evicted, c.ID)
					mu.Unlock()
				}
				return
			}
			m.reg.RecordActivity(c.ID)
		}()
	}
	wg.Wait()
	return evicted
}

// SweepOnce closes stale connections, then enforces the shedding policy.
func (m *Monitor) SweepOnce(now time.Time) (stale []string, tier Tier, shed []string) {
	stale = m.reg.SweepStale(now)
	if len(stale) > 0 {
		m.logger.Info("stale connections swept", "count", len(stale))
	}
	tier, shed = m.reg.Enforce()
	return stale, tier, shed
}

// Start launches both loops. They stop when ctx ends or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.logger.Info("starting connection monitor",
		"interval", m.cfg.Interval, "sweep_interval", m.cfg.SweepInterval, "stale_after", m.reg.StaleAfter())
	m.wg.Add(2)
	go m.loop(ctx, "heartbeat", m.cfg.Interval, func() { m.ProbeOnce(ctx) })
	go m.loop(ctx, "sweep", m.cfg.SweepInterval, func() { m.SweepOnce(time.Now()) })
}

// Stop cancels the loops and waits for the current iteration to return.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, name string, every time.Duration, fn func()) {
	defer m.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.safeRun(fn); err != nil {
				m.logger.Error("monitor iteration panicked", "loop", name, "error", err)
			}
		}
	}
}

func (m *Monitor) safeRun(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	fn()
	return nil
}
