package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/basket/go-fleet/internal/agents"
	"github.com/basket/go-fleet/internal/bus"
	"github.com/basket/go-fleet/internal/consensus"
	"github.com/basket/go-fleet/internal/ledger"
	"github.com/basket/go-fleet/internal/tasks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	s      *Scheduler
	agents *agents.Static
	load   *ledger.Load
	perf   *ledger.Performance
	bus    *bus.Bus
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st := agents.NewStatic()
	load := ledger.NewLoad()
	perf := ledger.NewPerformance()
	b := bus.New()
	engine := consensus.New(st, st, consensus.Config{VoteTimeout: time.Second})
	s := New(cfg, Deps{Engine: engine, Roster: st, Load: load, Perf: perf, Bus: b})
	return &fixture{s: s, agents: st, load: load, perf: perf, bus: b}
}

func (f *fixture) submit(t *testing.T, req Request) string {
	t.Helper()
	id, err := f.s.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit(%s): %v", req.Name, err)
	}
	return id
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestScheduler_DequeueOrder(t *testing.T) {
	f := newFixture(t, Config{})
	for _, r := range []Request{
		{Name: "medium", Priority: tasks.PriorityMedium, Agents: []string{"research"}},
		{Name: "critical-1", Priority: tasks.PriorityCritical, Agents: []string{"research"}},
		{Name: "high", Priority: tasks.PriorityHigh, Agents: []string{"research"}},
		{Name: "critical-2", Priority: tasks.PriorityCritical, Agents: []string{"research"}},
	} {
		f.submit(t, r)
	}
	var got []string
	for task := f.s.Dequeue(); task != nil; task = f.s.Dequeue() {
		if task.Status != tasks.StatusInProgress || task.StartedAt == nil {
			t.Fatalf("dequeued task not in progress: %+v", task)
		}
		got = append(got, task.Name)
	}
	want := []string{"critical-1", "critical-2", "high", "medium"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestScheduler_KeywordsComeFromDescription(t *testing.T) {
	f := newFixture(t, Config{})
	for _, name := range agents.DefaultAgentNames {
		f.agents.SetCapabilities(name, "general")
	}
	f.agents.SetCapabilities("strategy", "strategy")
	f.agents.SetCapabilities("risk", "risk")

	id := f.submit(t, Request{Name: "risk desk", Description: "backtest the momentum strategy"})
	task, err := f.s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if strings.Join(task.AssignedAgents, ",") != "strategy" {
		t.Fatalf("assigned = %v, want [strategy]", task.AssignedAgents)
	}
}

func TestScheduler_SubmitAssignsAgents(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.submit(t, Request{Name: "momentum", Description: "backtest the momentum strategy"})
	task, err := f.s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(task.AssignedAgents) == 0 || task.AssignedAgents[0] != "strategy" {
		t.Fatalf("assigned = %v", task.AssignedAgents)
	}
	if task.Priority != tasks.PriorityMedium {
		t.Fatalf("default priority = %s", task.Priority)
	}
}

func TestScheduler_SubmitValidation(t *testing.T) {
	f := newFixture(t, Config{MaxQueueDepth: 1})
	if _, err := f.s.Submit(context.Background(), Request{Name: "  "}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("empty name err = %v", err)
	}
	if _, err := f.s.Submit(context.Background(), Request{Name: "x", Priority: 7}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("bad priority err = %v", err)
	}
	if _, err := f.s.Submit(context.Background(), Request{Name: "x", Dependencies: []string{"nope"}}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("unknown dependency err = %v", err)
	}
	f.submit(t, Request{Name: "first"})
	if _, err := f.s.Submit(context.Background(), Request{Name: "second"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("full queue err = %v", err)
	}
}

func TestScheduler_RunCompletesAndUpdatesLedgers(t *testing.T) {
	f := newFixture(t, Config{})
	sub := f.bus.Subscribe("task.")
	defer f.bus.Unsubscribe(sub)

	id := f.submit(t, Request{Name: "buy", Agents: []string{"execution", "risk"}})
	if !f.s.RunOnce(context.Background()) {
		t.Fatal("RunOnce processed nothing")
	}
	task, _ := f.s.Get(id)
	if task.Status != tasks.StatusCompleted {
		t.Fatalf("status = %s (%s)", task.Status, task.Error)
	}
	if task.CompletedAt == nil || len(task.Result) == 0 {
		t.Fatalf("missing completion data: %+v", task)
	}
	if f.load.Get("execution") != 0 || f.load.Get("risk") != 0 {
		t.Fatalf("load not released: %v", f.load.Snapshot())
	}
	if e := f.perf.Get("execution"); e.TotalTasks != 1 || e.SuccessfulTasks != 1 {
		t.Fatalf("performance = %+v", e)
	}

	var topics []string
	for len(topics) < 3 {
		select {
		case ev := <-sub.Ch():
			topics = append(topics, ev.Topic)
		case <-time.After(time.Second):
			t.Fatalf("events so far: %v", topics)
		}
	}
	if strings.Join(topics, ",") != "task.submitted,task.started,task.completed" {
		t.Fatalf("topics = %v", topics)
	}
}

func TestScheduler_LowConfidenceFails(t *testing.T) {
	f := newFixture(t, Config{})
	f.agents.SetBallot("risk", agents.VoteModify, "halve the size")
	id := f.submit(t, Request{Name: "hedge", Agents: []string{"research", "signal", "risk"}})
	f.s.RunOnce(context.Background())

	task, _ := f.s.Get(id)
	if task.Status != tasks.StatusFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}
	if !strings.Contains(task.Error, "low consensus confidence") {
		t.Fatalf("error = %q", task.Error)
	}
	if e := f.perf.Get("risk"); e.TotalTasks != 1 || e.SuccessfulTasks != 0 {
		t.Fatalf("failure not tallied: %+v", e)
	}
}

func TestScheduler_DependenciesGateDequeue(t *testing.T) {
	f := newFixture(t, Config{EnforceDependencies: true})
	parent := f.submit(t, Request{Name: "parent", Priority: tasks.PriorityLow, Agents: []string{"research"}})
	child := f.submit(t, Request{Name: "child", Priority: tasks.PriorityCritical, Agents: []string{"research"}, Dependencies: []string{parent}})

	first := f.s.Dequeue()
	if first == nil || first.ID != parent {
		t.Fatalf("first = %v, want parent", first)
	}
	if f.s.Dequeue() != nil {
		t.Fatal("child must wait for parent")
	}
	f.s.finish(context.Background(), parent, consensus.Outcome{Status: tasks.StatusCompleted})
	next := f.s.Dequeue()
	if next == nil || next.ID != child {
		t.Fatalf("next = %v, want child", next)
	}
}

func TestScheduler_FailedDependencyCancelsDependent(t *testing.T) {
	f := newFixture(t, Config{EnforceDependencies: true})
	f.agents.SetBallot("risk", agents.VoteReject, "no")
	parent := f.submit(t, Request{Name: "parent", Agents: []string{"risk"}})
	child := f.submit(t, Request{Name: "child", Agents: []string{"research"}, Dependencies: []string{parent}})
	grandchild := f.submit(t, Request{Name: "grandchild", Agents: []string{"research"}, Dependencies: []string{child}})

	f.s.RunOnce(context.Background())
	if f.s.RunOnce(context.Background()) {
		t.Fatal("nothing should be runnable")
	}
	for _, id := range []string{child, grandchild} {
		task, _ := f.s.Get(id)
		if task.Status != tasks.StatusCancelled || !strings.Contains(task.Error, "dependency") {
			t.Fatalf("%s: status=%s error=%q", task.Name, task.Status, task.Error)
		}
	}
	if f.s.QueueDepth() != 0 {
		t.Fatalf("queue depth = %d", f.s.QueueDepth())
	}
}

func TestScheduler_CancelPendingAndFinished(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.submit(t, Request{Name: "idle", Agents: []string{"research"}})
	task, err := f.s.Cancel(id)
	if err != nil || task.Status != tasks.StatusCancelled {
		t.Fatalf("Cancel = %+v, %v", task, err)
	}
	if f.s.QueueDepth() != 0 {
		t.Fatal("cancelled task still queued")
	}
	if _, err := f.s.Cancel(id); !errors.Is(err, ErrTaskFinished) {
		t.Fatalf("second cancel err = %v", err)
	}
	if _, err := f.s.Cancel("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("missing cancel err = %v", err)
	}
}

func TestScheduler_CancelInFlightAfterVotes(t *testing.T) {
	f := newFixture(t, Config{})
	f.agents.SetDelay("research", 150*time.Millisecond)
	id := f.submit(t, Request{Name: "slow", Agents: []string{"research"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.s.Start(ctx)
	defer f.s.Stop(context.Background())

	waitFor(t, time.Second, func() bool {
		task, _ := f.s.Get(id)
		return task.Status == tasks.StatusInProgress
	})
	if _, err := f.s.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		task, _ := f.s.Get(id)
		return task.Status.Terminal()
	})
	task, _ := f.s.Get(id)
	if task.Status != tasks.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", task.Status)
	}
	if len(f.agents.Executed()) != 0 {
		t.Fatal("cancelled task must not execute")
	}
	if f.load.Get("research") != 0 {
		t.Fatal("load not released after cancel")
	}
}

func TestScheduler_StopLetsInFlightTaskFinish(t *testing.T) {
	f := newFixture(t, Config{})
	f.agents.SetDelay("signal", 100*time.Millisecond)
	id := f.submit(t, Request{Name: "scan", Agents: []string{"signal"}})

	ctx, cancel := context.WithCancel(context.Background())
	f.s.Start(ctx)
	waitFor(t, time.Second, func() bool {
		task, _ := f.s.Get(id)
		return task.Status == tasks.StatusInProgress
	})
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	if err := f.s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	task, _ := f.s.Get(id)
	if task.Status != tasks.StatusCompleted {
		t.Fatalf("status = %s, want completed after drain", task.Status)
	}
}

func TestScheduler_Prune(t *testing.T) {
	f := newFixture(t, Config{EnforceDependencies: true})
	done := f.submit(t, Request{Name: "done", Agents: []string{"research"}})
	f.s.RunOnce(context.Background())
	needed := f.submit(t, Request{Name: "needed", Agents: []string{"research"}})
	f.s.RunOnce(context.Background())
	f.submit(t, Request{Name: "waiting", Agents: []string{"research"}, Dependencies: []string{needed}})

	removed := f.s.Prune(time.Now().Add(time.Minute))
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := f.s.Get(done); !errors.Is(err, ErrTaskNotFound) {
		t.Fatal("completed task should be pruned")
	}
	if _, err := f.s.Get(needed); err != nil {
		t.Fatal("dependency of a pending task must be kept")
	}
	if counts := f.s.Counts(); counts[tasks.StatusPending] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}
