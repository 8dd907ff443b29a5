// Package scheduler holds pending tasks in priority order, assigns agents by
// capability, load and performance, and drives each task through consensus on
// a single worker.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-fleet/internal/bus"
	"github.com/basket/go-fleet/internal/consensus"
	"github.com/basket/go-fleet/internal/ledger"
	fleetotel "github.com/basket/go-fleet/internal/otel"
	"github.com/basket/go-fleet/internal/shared"
	"github.com/basket/go-fleet/internal/tasks"
	"github.com/basket/go-fleet/internal/telemetry"
)

var (
	ErrInvalidTask  = errors.New("invalid task")
	ErrQueueFull    = errors.New("task queue full")
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskFinished = errors.New("task already finished")
)

// Consensus is the part of the consensus engine the scheduler drives.
type Consensus interface {
	BuildConsensus(ctx context.Context, task *tasks.Task) (consensus.Record, error)
	Decide(rec consensus.Record) consensus.Decision
	Dispatch(ctx context.Context, task *tasks.Task, d consensus.Decision) consensus.Outcome
}

// Request is a task submission.
type Request struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Priority     tasks.Priority `json:"priority"`
	Agents       []string       `json:"agents,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
}

// Config tunes the scheduler.
type Config struct {
	MaxQueueDepth int
	// EnforceDependencies holds a task until every dependency is Completed.
	EnforceDependencies bool
	Matcher             MatcherConfig
}

// Scheduler owns the task table and the pending queue.
type Scheduler struct {
	cfg     Config
	engine  Consensus
	matcher *Matcher
	load    *ledger.Load
	perf    *ledger.Performance
	bus     *bus.Bus
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *fleetotel.Metrics

	mu              sync.Mutex
	queue           Queue
	tasks           map[string]*tasks.Task
	cancelRequested map[string]struct{}

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps bundles the scheduler's collaborators.
type Deps struct {
	Engine  Consensus
	Roster  Roster
	Load    *ledger.Load
	Perf    *ledger.Performance
	Bus     *bus.Bus
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *fleetotel.Metrics
}

func New(cfg Config, deps Deps) *Scheduler {
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = 1000
	}
	if deps.Load == nil {
		deps.Load = ledger.NewLoad()
	}
	if deps.Perf == nil {
		deps.Perf = ledger.NewPerformance()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Scheduler{
		cfg:             cfg,
		engine:          deps.Engine,
		matcher:         NewMatcher(deps.Roster, deps.Load, deps.Perf, cfg.Matcher),
		load:            deps.Load,
		perf:            deps.Perf,
		bus:             deps.Bus,
		logger:          deps.Logger,
		tracer:          deps.Tracer,
		metrics:         deps.Metrics,
		tasks:           make(map[string]*tasks.Task),
		cancelRequested: make(map[string]struct{}),
		wake:            make(chan struct{}, 1),
	}
}

// Matcher exposes the agent matcher for scoring reports.
func (s *Scheduler) Matcher() *Matcher { return s.matcher }

// Submit validates req, assigns agents when none were given and enqueues the
// task. It returns the new task id.
func (s *Scheduler) Submit(ctx context.Context, req Request) (string, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if req.Priority == 0 {
		req.Priority = tasks.PriorityMedium
	}
	if !req.Priority.Valid() {
		return "", fmt.Errorf("%w: unknown priority %d", ErrInvalidTask, int(req.Priority))
	}

	assigned := dedupe(req.Agents)
	if len(assigned) == 0 {
		// Capability lookups may hit the network; done before taking the lock.
		assigned = s.matcher.Assign(ctx, req.Description)
	}

	task := &tasks.Task{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Description:    req.Description,
		Priority:       req.Priority,
		AssignedAgents: assigned,
		Dependencies:   dedupe(req.Dependencies),
		Status:         tasks.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}

	s.mu.Lock()
	for _, dep := range task.Dependencies {
		if _, ok := s.tasks[dep]; !ok {
			s.mu.Unlock()
			return "", fmt.Errorf("%w: unknown dependency %s", ErrInvalidTask, dep)
		}
	}
	if s.queue.Len() >= s.cfg.MaxQueueDepth {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %d pending", ErrQueueFull, s.cfg.MaxQueueDepth)
	}
	s.tasks[task.ID] = task
	s.queue.Push(task)
	snap := task.Clone()
	s.mu.Unlock()

	telemetry.WithContext(ctx, s.logger).Info("task submitted",
		"task_id", task.ID, "name", task.Name,
		"priority", task.Priority.String(), "agents", assigned)
	s.publish(bus.TopicTaskSubmitted, snap, "")
	s.signal()
	return task.ID, nil
}

// Get returns a snapshot of the task.
func (s *Scheduler) Get(id string) (*tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

// List returns snapshots of all tasks, newest first, optionally filtered by status.
func (s *Scheduler) List(status tasks.Status) []*tasks.Task {
	s.mu.Lock()
	out := make([]*tasks.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t.Clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// QueueDepth returns the number of pending tasks.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Counts returns the number of tasks per status.
func (s *Scheduler) Counts() map[tasks.Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[tasks.Status]int)
	for _, t := range s.tasks {
		out[t.Status]++
	}
	return out
}

// Cancel stops a task. Pending tasks are cancelled at once. An InProgress task
// finishes its current vote collection and then ends Cancelled instead of
// executing.
func (s *Scheduler) Cancel(id string) (*tasks.Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	switch t.Status {
	case tasks.StatusPending:
		s.queue.Remove(id)
		now := time.Now().UTC()
		t.Status = tasks.StatusCancelled
		t.CompletedAt = &now
		t.Error = "cancelled before start"
		snap := t.Clone()
		s.mu.Unlock()
		s.publish(bus.TopicTaskCancelled, snap, string(tasks.StatusPending))
		s.signal()
		return snap, nil
	case tasks.StatusInProgress:
		s.cancelRequested[id] = struct{}{}
		snap := t.Clone()
		s.mu.Unlock()
		s.logger.Info("cancel requested for running task", "task_id", id)
		return snap, nil
	default:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskFinished, id, t.Status)
	}
}

// Prune drops terminal tasks that completed before cutoff and are not a
// dependency of an unfinished task. It returns how many were removed.
func (s *Scheduler) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	needed := make(map[string]struct{})
	for _, t := range s.tasks {
		if t.Status.Terminal() {
			continue
		}
		for _, dep := range t.Dependencies {
			needed[dep] = struct{}{}
		}
	}
	removed := 0
	for id, t := range s.tasks {
		if !t.Status.Terminal() || t.CompletedAt == nil || !t.CompletedAt.Before(cutoff) {
			continue
		}
		if _, keep := needed[id]; keep {
			continue
		}
		delete(s.tasks, id)
		delete(s.cancelRequested, id)
		removed++
	}
	return removed
}

// Dequeue moves the next runnable task to InProgress and returns a snapshot,
// or nil when nothing is runnable. Tasks whose dependencies failed or were
// cancelled are cancelled on the way.
func (s *Scheduler) Dequeue() *tasks.Task {
	s.mu.Lock()
	var dropped []*tasks.Task
	t := s.queue.PopFirst(func(t *tasks.Task) bool {
		if !s.cfg.EnforceDependencies {
			return true
		}
		ready, blockedBy := s.dependencyState(t)
		if blockedBy != "" {
			now := time.Now().UTC()
			t.Status = tasks.StatusCancelled
			t.CompletedAt = &now
			t.Error = blockedBy
			dropped = append(dropped, t.Clone())
		}
		return ready
	})
	for _, d := range dropped {
		s.queue.Remove(d.ID)
	}
	var snap *tasks.Task
	if t != nil {
		now := time.Now().UTC()
		t.Status = tasks.StatusInProgress
		t.StartedAt = &now
		snap = t.Clone()
	}
	s.mu.Unlock()

	for _, d := range dropped {
		s.logger.Warn("task cancelled by dependency", "task_id", d.ID, "reason", d.Error)
		s.publish(bus.TopicTaskCancelled, d, string(tasks.StatusPending))
	}
	if snap != nil {
		s.load.Inc(snap.AssignedAgents...)
		s.publish(bus.TopicTaskStarted, snap, string(tasks.StatusPending))
	}
	return snap
}

// dependencyState reports whether t can run. A non-empty blockedBy means a
// dependency ended without completing. Caller holds s.mu.
func (s *Scheduler) dependencyState(t *tasks.Task) (ready bool, blockedBy string) {
	for _, dep := range t.Dependencies {
		d, ok := s.tasks[dep]
		if !ok {
			// Pruned dependencies were terminal and, since Prune keeps anything
			// an unfinished task needs, completed.
			continue
		}
		switch d.Status {
		case tasks.StatusCompleted:
		case tasks.StatusFailed, tasks.StatusCancelled:
			return false, fmt.Sprintf("dependency %s %s", dep, d.Status)
		default:
			return false, ""
		}
	}
	return true, ""
}

// RunOnce processes at most one task synchronously. It reports whether a task
// was processed.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	t := s.Dequeue()
	if t == nil {
		return false
	}
	s.process(ctx, t)
	return true
}

func (s *Scheduler) process(ctx context.Context, t *tasks.Task) {
	ctx = shared.WithTaskID(ctx, t.ID)
	ctx, span := fleetotel.StartSpan(ctx, s.tracer, "scheduler.process",
		fleetotel.AttrTaskID.String(t.ID),
		fleetotel.AttrTaskPriority.String(t.Priority.String()),
	)
	defer span.End()

	var out consensus.Outcome
	func() {
		defer func() {
			if r := recover(); r != nil {
				out = consensus.Outcome{Status: tasks.StatusFailed, Err: fmt.Errorf("consensus panic: %v", r)}
			}
		}()
		rec, err := s.engine.BuildConsensus(ctx, t)
		if err != nil {
			out = consensus.Outcome{Status: tasks.StatusFailed, Err: err}
			return
		}
		if s.takeCancel(t.ID) {
			out = consensus.Outcome{Status: tasks.StatusCancelled, Err: errors.New("cancelled during consensus")}
			return
		}
		out = s.engine.Dispatch(ctx, t, s.engine.Decide(rec))
	}()

	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, string(out.Status))
	}
	s.finish(ctx, t.ID, out)
}

func (s *Scheduler) takeCancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancelRequested[id]
	delete(s.cancelRequested, id)
	return ok
}

func (s *Scheduler) finish(ctx context.Context, id string, out consensus.Outcome) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || !tasks.CanTransition(t.Status, out.Status) {
		s.mu.Unlock()
		s.logger.Error("illegal task transition", "task_id", id, "to", out.Status)
		return
	}
	now := time.Now().UTC()
	t.Status = out.Status
	t.CompletedAt = &now
	t.Result = out.Result
	if out.Err != nil {
		t.Error = out.Err.Error()
	}
	delete(s.cancelRequested, id)
	snap := t.Clone()
	s.mu.Unlock()

	s.load.Dec(snap.AssignedAgents...)
	elapsed := snap.Duration()
	if out.Status != tasks.StatusCancelled {
		success := out.Status == tasks.StatusCompleted
		for _, a := range snap.AssignedAgents {
			s.perf.Record(a, success, elapsed)
		}
	}
	s.metrics.RecordTask(ctx, string(out.Status), elapsed)

	topic := bus.TopicTaskCompleted
	switch out.Status {
	case tasks.StatusFailed:
		topic = bus.TopicTaskFailed
	case tasks.StatusCancelled:
		topic = bus.TopicTaskCancelled
	}
	level := slog.LevelInfo
	if out.Status == tasks.StatusFailed {
		level = slog.LevelWarn
	}
	telemetry.WithContext(ctx, s.logger).Log(ctx, level, "task finished",
		"status", out.Status,
		"duration_ms", elapsed.Milliseconds(), "error", snap.Error)
	s.publish(topic, snap, string(tasks.StatusInProgress))
}

func (s *Scheduler) publish(topic string, t *tasks.Task, old string) {
	s.bus.Publish(topic, bus.TaskEvent{
		TaskID:    t.ID,
		Name:      t.Name,
		OldStatus: old,
		NewStatus: string(t.Status),
		Agents:    t.AssignedAgents,
		Error:     t.Error,
		Task:      t,
		At:        time.Now().UTC(),
	})
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start launches the single processing worker. The task in flight when ctx is
// cancelled runs to completion on a detached context.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	work := context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Periodic re-check covers dependency changes that arrive without a
		// submit or cancel signal.
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			if ctx.Err() != nil {
				return
			}
			if s.RunOnce(work) {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			case <-ticker.C:
			}
		}
	}()
}

// Stop halts the worker and waits for the in-flight task, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler drain: %w", ctx.Err())
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
