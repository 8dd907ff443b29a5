package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-fleet/internal/protocol"
)

// ActivityItem is one task as seen through task_progress events.
type ActivityItem struct {
	TaskID     string
	Name       string
	Status     string
	Agents     []string
	Decision   string
	Confidence float64
	Error      string
	StartedAt  time.Time
	DoneAt     *time.Time
}

// ActivityFeed keeps the most recent tasks, newest last.
type ActivityFeed struct {
	mu        sync.Mutex
	items     []ActivityItem
	collapsed bool
	maxItems  int
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: 10, collapsed: true}
}

// Observe folds one progress event into the feed.
func (f *ActivityFeed) Observe(p protocol.TaskProgressData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at := p.At
	if at.IsZero() {
		at = time.Now()
	}
	for i := range f.items {
		it := &f.items[i]
		if it.TaskID != p.TaskID {
			continue
		}
		if p.Status == "consensus" {
			it.Decision = p.Decision
			it.Confidence = p.Confidence
			return
		}
		it.Status = p.Status
		if p.Name != "" {
			it.Name = p.Name
		}
		if len(p.Agents) > 0 {
			it.Agents = p.Agents
		}
		it.Error = p.Error
		if terminal(p.Status) {
			it.DoneAt = &at
		}
		return
	}
	if p.Status == "consensus" {
		return
	}
	item := ActivityItem{
		TaskID:    p.TaskID,
		Name:      p.Name,
		Status:    p.Status,
		Agents:    p.Agents,
		Error:     p.Error,
		StartedAt: at,
	}
	if terminal(p.Status) {
		item.DoneAt = &at
	}
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
	f.collapsed = false // auto-expand
}

func terminal(status string) bool {
	return status == "completed" || status == "failed" || status == "cancelled"
}

func statusIcon(status string) string {
	switch status {
	case "pending":
		return "⏳"
	case "in_progress":
		return "⚙"
	case "completed":
		return "✅"
	case "failed":
		return "❌"
	case "cancelled":
		return "⊘"
	}
	return "·"
}

func (f *ActivityFeed) Toggle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collapsed = !f.collapsed
}

func (f *ActivityFeed) HasActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items {
		if it.DoneAt == nil {
			return true
		}
	}
	return false
}

func (f *ActivityFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// CleanupOld drops finished items older than maxAge.
func (f *ActivityFeed) CleanupOld(maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	kept := f.items[:0]
	removed := 0
	for _, it := range f.items {
		if it.DoneAt != nil && now.Sub(*it.DoneAt) >= maxAge {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	f.items = kept
	return removed
}

func (f *ActivityFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	if f.collapsed {
		active := 0
		for _, it := range f.items {
			if it.DoneAt == nil {
				active++
			}
		}
		if active == 0 {
			return ""
		}
		return dim.Render(fmt.Sprintf("── %d active tasks (a to expand) ──", active)) + "\n"
	}

	itemS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	errS := lipgloss.NewStyle().Foreground(lipgloss.Color("203"))

	var out strings.Builder
	out.WriteString(dim.Render("── Tasks (a to collapse) ──") + "\n")
	for _, it := range f.items {
		name := it.Name
		if name == "" {
			name = shortID(it.TaskID)
		}
		line := fmt.Sprintf("%s %s [%s]", statusIcon(it.Status), name, it.Status)
		if len(it.Agents) > 0 {
			line += " " + strings.Join(it.Agents, ",")
		}
		if it.Decision != "" {
			line += fmt.Sprintf(" %s@%.2f", it.Decision, it.Confidence)
		}
		if it.DoneAt != nil {
			line += fmt.Sprintf(" (%s)", it.DoneAt.Sub(it.StartedAt).Truncate(100*time.Millisecond))
		} else {
			line += fmt.Sprintf(" (%s)", time.Since(it.StartedAt).Truncate(time.Second))
		}
		out.WriteString(itemS.Render(line))
		if it.Error != "" {
			out.WriteString(" " + errS.Render(it.Error))
		}
		out.WriteString("\n")
	}
	return out.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
