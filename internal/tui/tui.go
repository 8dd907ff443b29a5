// Package tui renders the gofleet watch dashboard.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-fleet/internal/metrics"
)

// Snapshot is what one dashboard refresh shows.
type Snapshot struct {
	Healthy bool
	Version string
	Uptime  time.Duration
	Fleet   metrics.Snapshot
	Err     error
}

type StatusProvider func() Snapshot

type model struct {
	provider StatusProvider
	feed     *ActivityFeed
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "a":
			if m.feed != nil {
				m.feed.Toggle()
			}
		}
	case tickMsg:
		m.snap = m.provider()
		if m.feed != nil {
			m.feed.CleanupOld(2 * time.Minute)
		}
		return m, tickCmd()
	}
	return m, nil
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

func (m model) View() string {
	s := m.snap
	f := s.Fleet
	var b strings.Builder

	b.WriteString(titleStyle.Render("gofleet "+s.Version) + "\n\n")
	if s.Err != nil {
		b.WriteString(badStyle.Render("Unreachable: "+humanError(s.Err)) + "\n\n")
	} else if s.Healthy {
		b.WriteString(okStyle.Render("Healthy") + "\n\n")
	} else {
		b.WriteString(badStyle.Render("Unhealthy") + "\n\n")
	}

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label+": ") + value + "\n")
	}
	row("Connections", fmt.Sprintf("%d (%s)", f.Connections, orNone(f.ConnectionTier)))
	row("Queue Depth", fmt.Sprintf("%d", f.QueueDepth))
	row("Tasks", joinCounts(f.TasksByStatus))
	row("Consensus Threshold", fmt.Sprintf("%.2f", f.ConsensusThreshold))
	row("Conflicts", fmt.Sprintf("%d (%.0f%% resolved)", f.ConflictsTotal, f.ConflictSuccess*100))
	row("Uptime", s.Uptime.Truncate(time.Second).String())

	if len(f.AgentSuccessRate) > 0 || len(f.AgentLoad) > 0 || len(f.ConnectionsByAgent) > 0 {
		b.WriteString("\n" + labelStyle.Render("Agents") + "\n")
		for _, name := range agentNames(f) {
			fmt.Fprintf(&b, "  %-12s load %-3d conns %-3d success %5.1f%% avg %.2fs\n",
				name, f.AgentLoad[name], f.ConnectionsByAgent[name],
				f.AgentSuccessRate[name]*100, f.AgentAvgResponse[name])
		}
	}

	if m.feed != nil {
		if v := m.feed.View(); v != "" {
			b.WriteString("\n" + v)
		}
	}
	b.WriteString("\nPress q to quit.\n")
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func joinCounts(m map[string]int) string {
	if len(m) == 0 {
		return "(none)"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return strings.Join(parts, " ")
}

func agentNames(f metrics.Snapshot) []string {
	seen := make(map[string]struct{})
	for k := range f.AgentSuccessRate {
		seen[k] = struct{}{}
	}
	for k := range f.AgentLoad {
		seen[k] = struct{}{}
	}
	for k := range f.ConnectionsByAgent {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Run shows the dashboard until the user quits or ctx ends. feed may be nil.
func Run(ctx context.Context, provider StatusProvider, feed *ActivityFeed) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, feed: feed, snap: provider()}
	p := tea.NewProgram(m, tea.WithContext(ctx))

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
