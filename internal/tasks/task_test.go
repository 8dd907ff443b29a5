package tasks

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInProgress, StatusCancelled, true},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusPending, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestPriority_JSON(t *testing.T) {
	var req struct {
		P Priority `json:"priority"`
	}
	if err := json.Unmarshal([]byte(`{"priority":"critical"}`), &req); err != nil || req.P != PriorityCritical {
		t.Fatalf("name form: p=%v err=%v", req.P, err)
	}
	if err := json.Unmarshal([]byte(`{"priority":4}`), &req); err != nil || req.P != PriorityLow {
		t.Fatalf("number form: p=%v err=%v", req.P, err)
	}
	if err := json.Unmarshal([]byte(`{"priority":9}`), &req); err == nil {
		t.Fatal("expected error for out-of-range priority")
	}
	out, _ := json.Marshal(PriorityHigh)
	if string(out) != `"high"` {
		t.Fatalf("marshal = %s", out)
	}
}

func TestTask_ModifiedAndDuration(t *testing.T) {
	start := time.Unix(100, 0)
	end := start.Add(3 * time.Second)
	task := &Task{ID: "t1", Name: "rebalance", AssignedAgents: []string{"risk"}, StartedAt: &start, CompletedAt: &end}
	if task.Duration() != 3*time.Second {
		t.Fatalf("duration = %v", task.Duration())
	}
	m := task.Modified()
	if m.Name != "rebalance (Modified)" || m.ID == task.ID {
		t.Fatalf("derived task = %+v", m)
	}
	m.AssignedAgents[0] = "signal"
	if task.AssignedAgents[0] != "risk" {
		t.Fatal("Modified must not alias the original's agent list")
	}
}
