package scheduler

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-fleet/internal/agents"
	"github.com/basket/go-fleet/internal/ledger"
)

// Scoring weights and bounds.
const (
	CapabilityWeight  = 0.5
	LoadWeight        = 0.3
	PerformanceWeight = 0.2

	SuccessRateWeight   = 0.7
	ResponseTimeWeight  = 0.3
	ResponseTimeCeiling = 10 * time.Second
)

type keywordBucket struct {
	keyword  string
	words    []string
	defaults []string
}

// keywordBuckets is checked in order; matched keywords keep this order.
var keywordBuckets = []keywordBucket{
	{keyword: "research", words: []string{"research", "analysis", "analyze", "analyse"}, defaults: []string{"research"}},
	{keyword: "signal", words: []string{"signal", "indicator"}, defaults: []string{"signal", "research"}},
	{keyword: "execution", words: []string{"trade", "trading", "execution", "execute"}, defaults: []string{"execution", "risk"}},
	{keyword: "strategy", words: []string{"strategy", "backtest"}, defaults: []string{"strategy", "research"}},
	{keyword: "risk", words: []string{"risk", "compliance"}, defaults: []string{"risk", "compliance"}},
}

// ExtractKeywords returns the category keywords found in description.
func ExtractKeywords(description string) []string {
	lower := strings.ToLower(description)
	var out []string
	for _, b := range keywordBuckets {
		for _, w := range b.words {
			if strings.Contains(lower, w) {
				out = append(out, b.keyword)
				break
			}
		}
	}
	return out
}

// Roster lists agents and reports their capabilities.
type Roster interface {
	agents.CapabilitySource
	Agents() []string
}

// Candidate is one agent's score for a task.
type Candidate struct {
	Agent       string  `json:"agent"`
	Score       float64 `json:"score"`
	Capability  float64 `json:"capability_match"`
	Load        float64 `json:"load_score"`
	Performance float64 `json:"performance_score"`
}

// MatcherConfig bounds agent selection.
type MatcherConfig struct {
	MaxLoad     int
	MaxAssigned int
	MinScore    float64
	CapsTTL     time.Duration
}

// Matcher picks agents for a task by capability, load and performance.
type Matcher struct {
	roster Roster
	load   *ledger.Load
	perf   *ledger.Performance
	cfg    MatcherConfig

	mu   sync.Mutex
	caps map[string]cachedCaps
}

type cachedCaps struct {
	tags    []string
	fetched time.Time
}

func NewMatcher(roster Roster, load *ledger.Load, perf *ledger.Performance, cfg MatcherConfig) *Matcher {
	if cfg.MaxLoad <= 0 {
		cfg.MaxLoad = 10
	}
	if cfg.MaxAssigned <= 0 {
		cfg.MaxAssigned = 3
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = 0.5
	}
	if cfg.CapsTTL <= 0 {
		cfg.CapsTTL = 5 * time.Minute
	}
	return &Matcher{roster: roster, load: load, perf: perf, cfg: cfg, caps: make(map[string]cachedCaps)}
}

func (m *Matcher) capabilities(ctx context.Context, agent string) []string {
	m.mu.Lock()
	c, ok := m.caps[agent]
	m.mu.Unlock()
	if ok && time.Since(c.fetched) < m.cfg.CapsTTL {
		return c.tags
	}
	tags := agents.CapabilitiesOrDefault(ctx, m.roster, agent)
	m.mu.Lock()
	m.caps[agent] = cachedCaps{tags: tags, fetched: time.Now()}
	m.mu.Unlock()
	return tags
}

// Score computes the weighted score of agent for the given keywords.
func (m *Matcher) Score(ctx context.Context, agent string, keywords []string) Candidate {
	c := Candidate{Agent: agent}
	if len(keywords) > 0 {
		tags := make(map[string]struct{})
		for _, tag := range m.capabilities(ctx, agent) {
			tags[strings.ToLower(tag)] = struct{}{}
		}
		matched := 0
		for _, kw := range keywords {
			if _, ok := tags[kw]; ok {
				matched++
			}
		}
		c.Capability = float64(matched) / float64(len(keywords))
	}
	c.Load = max(0, 1-float64(m.load.Get(agent))/float64(m.cfg.MaxLoad))

	entry := m.perf.Get(agent)
	rt := max(0, 1-entry.AvgResponse().Seconds()/ResponseTimeCeiling.Seconds())
	c.Performance = SuccessRateWeight*entry.SuccessRate() + ResponseTimeWeight*rt

	c.Score = CapabilityWeight*c.Capability + LoadWeight*c.Load + PerformanceWeight*c.Performance
	return c
}

// Rank scores every known agent, best first. Ties keep roster order.
func (m *Matcher) Rank(ctx context.Context, description string) []Candidate {
	keywords := ExtractKeywords(description)
	names := m.roster.Agents()
	out := make([]Candidate, 0, len(names))
	for _, name := range names {
		out = append(out, m.Score(ctx, name, keywords))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Assign returns up to MaxAssigned agents scoring above MinScore, falling
// back to a keyword-derived default set. The result is never empty.
func (m *Matcher) Assign(ctx context.Context, description string) []string {
	var picked []string
	for _, c := range m.Rank(ctx, description) {
		if len(picked) == m.cfg.MaxAssigned {
			break
		}
		if c.Score > m.cfg.MinScore {
			picked = append(picked, c.Agent)
		}
	}
	if len(picked) > 0 {
		return picked
	}
	return m.Fallback(description)
}

// Fallback returns the default agents for the description's keyword buckets,
// restricted to known agents when any of them are known.
func (m *Matcher) Fallback(description string) []string {
	keywords := ExtractKeywords(description)
	seen := make(map[string]struct{})
	var defaults []string
	for _, b := range keywordBuckets {
		if !slices.Contains(keywords, b.keyword) {
			continue
		}
		for _, a := range b.defaults {
			if _, dup := seen[a]; !dup {
				seen[a] = struct{}{}
				defaults = append(defaults, a)
			}
		}
	}
	if len(defaults) == 0 {
		defaults = []string{"research"}
	}

	known := m.roster.Agents()
	if len(known) == 0 {
		return truncate(defaults, m.cfg.MaxAssigned)
	}
	var filtered []string
	for _, a := range defaults {
		if slices.Contains(known, a) {
			filtered = append(filtered, a)
		}
	}
	if len(filtered) == 0 {
		filtered = known[:1]
	}
	return truncate(filtered, m.cfg.MaxAssigned)
}

func truncate(list []string, n int) []string {
	if len(list) > n {
		list = list[:n]
	}
	return append([]string(nil), list...)
}
