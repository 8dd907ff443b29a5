package scheduler

import (
	"context"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/basket/go-fleet/internal/agents"
	"github.com/basket/go-fleet/internal/ledger"
)

func TestExtractKeywords(t *testing.T) {
	cases := map[string][]string{
		"Run a BACKTEST of the momentum strategy":   {"strategy"},
		"market research and risk analysis":         {"research", "risk"},
		"execute the trade once the signal fires":   {"signal", "execution"},
		"compliance review of indicator thresholds": {"signal", "risk"},
		"say hello":                                 nil,
	}
	for desc, want := range cases {
		if got := ExtractKeywords(desc); !reflect.DeepEqual(got, want) {
			t.Errorf("ExtractKeywords(%q) = %v, want %v", desc, got, want)
		}
	}
}

func TestMatcher_ScoreFormula(t *testing.T) {
	roster := agents.NewStatic("execution")
	load := ledger.NewLoad()
	perf := ledger.NewPerformance()
	m := NewMatcher(roster, load, perf, MatcherConfig{})

	// Full capability match, idle, default history:
	// 0.5*1 + 0.3*1 + 0.2*(0.7*0.5 + 0.3*0.5) = 0.9
	c := m.Score(context.Background(), "execution", []string{"execution"})
	if math.Abs(c.Score-0.9) > 1e-9 {
		t.Fatalf("score = %v, want 0.9", c.Score)
	}

	load.Inc("execution", "execution", "execution", "execution", "execution")
	perf.Record("execution", true, 2*time.Second)
	// load 5/10 -> 0.5; perf 0.7*1 + 0.3*0.8 = 0.94
	c = m.Score(context.Background(), "execution", []string{"execution", "risk"})
	want := 0.5*0.5 + 0.3*0.5 + 0.2*0.94
	if math.Abs(c.Score-want) > 1e-9 {
		t.Fatalf("score = %v, want %v", c.Score, want)
	}

	for i := 0; i < 20; i++ {
		load.Inc("execution")
	}
	if c := m.Score(context.Background(), "execution", nil); c.Load != 0 || c.Capability != 0 {
		t.Fatalf("overloaded agent should have zero load score and no capability: %+v", c)
	}
}

func TestMatcher_AssignTopScorers(t *testing.T) {
	m := NewMatcher(agents.NewStatic(), ledger.NewLoad(), ledger.NewPerformance(), MatcherConfig{})
	got := m.Assign(context.Background(), "execute a trade after risk review")
	// execution and risk match both keywords halfway or fully; compliance carries "risk".
	want := []string{"execution", "risk", "compliance"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Assign = %v, want %v", got, want)
	}
}

func TestMatcher_FallbackWhenNothingScores(t *testing.T) {
	m := NewMatcher(agents.NewStatic(), ledger.NewLoad(), ledger.NewPerformance(), MatcherConfig{})
	if got := m.Assign(context.Background(), "water the plants"); !reflect.DeepEqual(got, []string{"research"}) {
		t.Fatalf("Assign = %v, want [research]", got)
	}

	// Every agent saturated: nobody clears 0.5, keyword defaults apply.
	load := ledger.NewLoad()
	for _, a := range agents.DefaultAgentNames {
		for i := 0; i < 10; i++ {
			load.Inc(a)
		}
	}
	m = NewMatcher(agents.NewStatic(), load, ledger.NewPerformance(), MatcherConfig{})
	if got := m.Assign(context.Background(), "place trade"); !reflect.DeepEqual(got, []string{"execution", "risk"}) {
		t.Fatalf("Assign = %v, want [execution risk]", got)
	}
}

func TestMatcher_FallbackRestrictedToRoster(t *testing.T) {
	m := NewMatcher(agents.NewStatic("alpha", "beta"), ledger.NewLoad(), ledger.NewPerformance(), MatcherConfig{})
	if got := m.Assign(context.Background(), "execute trade"); !reflect.DeepEqual(got, []string{"alpha"}) {
		t.Fatalf("Assign = %v, want [alpha]", got)
	}
}
