// Package ledger tracks per-agent load and running performance figures that
// feed the scheduler's scoring function.
package ledger

import (
	"sort"
	"sync"
	"time"
)

// Defaults reported for agents with no recorded history.
const (
	DefaultSuccessRate  = 0.5
	DefaultResponseTime = 5 * time.Second
)

// Load counts tasks currently InProgress per agent.
type Load struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewLoad() *Load {
	return &Load{counts: make(map[string]int)}
}

// Inc increments the active task count for each agent.
func (l *Load) Inc(agents ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range agents {
		l.counts[a]++
	}
}

// Dec decrements the active task count for each agent, never below zero.
func (l *Load) Dec(agents ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range agents {
		if l.counts[a] <= 1 {
			delete(l.counts, a)
			continue
		}
		l.counts[a]--
	}
}

func (l *Load) Get(agent string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[agent]
}

// Snapshot returns a copy of all non-zero load entries.
func (l *Load) Snapshot() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}

// Entry is one agent's performance history.
type Entry struct {
	Agent              string  `json:"agent"`
	TotalTasks         int     `json:"total_tasks"`
	SuccessfulTasks    int     `json:"successful_tasks"`
	AvgResponseSeconds float64 `json:"avg_response_time_seconds"`
}

// SuccessRate returns successful/total, or DefaultSuccessRate with no history.
func (e Entry) SuccessRate() float64 {
	if e.TotalTasks == 0 {
		return DefaultSuccessRate
	}
	return float64(e.SuccessfulTasks) / float64(e.TotalTasks)
}

// AvgResponse returns the running mean response time, or DefaultResponseTime
// with no history.
func (e Entry) AvgResponse() time.Duration {
	if e.TotalTasks == 0 {
		return DefaultResponseTime
	}
	return time.Duration(e.AvgResponseSeconds * float64(time.Second))
}

// Performance keeps running success and response-time figures per agent.
type Performance struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewPerformance() *Performance {
	return &Performance{entries: make(map[string]*Entry)}
}

// Record folds one finished task into the agent's history using the
// incremental mean newAvg = (oldAvg*(n-1) + sample) / n.
func (p *Performance) Record(agent string, success bool, sample time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[agent]
	if !ok {
		e = &Entry{Agent: agent}
		p.entries[agent] = e
	}
	e.TotalTasks++
	if success {
		e.SuccessfulTasks++
	}
	n := float64(e.TotalTasks)
	e.AvgResponseSeconds = (e.AvgResponseSeconds*(n-1) + sample.Seconds()) / n
}

// Get returns the entry for agent. Unknown agents get a zero-history entry
// whose accessors report the defaults.
func (p *Performance) Get(agent string) Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[agent]; ok {
		return *e
	}
	return Entry{Agent: agent}
}

// Snapshot returns all entries ordered by agent name.
func (p *Performance) Snapshot() []Entry {
	p.mu.Lock()
	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, *e)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}
