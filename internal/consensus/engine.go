// Package consensus collects one vote per assigned agent, tallies a majority
// with a confidence ratio and gates task execution on that confidence.
//
// This is a majority vote among a small trusted set of agents. Missing votes
// are tolerated; there is no fault-tolerant agreement protocol here.
package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/basket/go-fleet/internal/agents"
	"github.com/basket/go-fleet/internal/bus"
	fleetotel "github.com/basket/go-fleet/internal/otel"
	"github.com/basket/go-fleet/internal/tasks"
)

var (
	ErrVoteUnavailable        = errors.New("vote unavailable")
	ErrLowConsensusConfidence = errors.New("low consensus confidence")
	ErrRejected               = errors.New("rejected by consensus")
	ErrConsensusInProgress    = errors.New("consensus already in progress for task")
	ErrNoAgents               = errors.New("task has no assigned agents")
	ErrExecutionFailed        = errors.New("execution failed on every agent")
)

// LowConfidenceError reports the confidence that failed the gate.
type LowConfidenceError struct {
	Decision   agents.Vote
	Confidence float64
	Threshold  float64
}

func (e *LowConfidenceError) Error() string {
	return fmt.Sprintf("low consensus confidence: %s at %.3f (needs > %.2f)", e.Decision, e.Confidence, e.Threshold)
}

func (e *LowConfidenceError) Is(target error) bool {
	return target == ErrLowConsensusConfidence
}

// AgentVote is one collected vote.
type AgentVote struct {
	Agent     string      `json:"agent"`
	Vote      agents.Vote `json:"vote"`
	Reasoning string      `json:"reasoning"`
}

// Record is the immutable outcome of one consensus attempt.
type Record struct {
	ID         string      `json:"id"`
	TaskID     string      `json:"task_id"`
	Attempt    int         `json:"attempt"`
	Agents     []string    `json:"agents"`
	Votes      []AgentVote `json:"votes"`
	Absent     []string    `json:"absent,omitempty"`
	Decision   agents.Vote `json:"decision"`
	Confidence float64     `json:"confidence"`
	Reasoning  string      `json:"reasoning"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Action is what the gate decided to do with a record.
type Action string

const (
	ActionExecute       Action = "execute"
	ActionReject        Action = "reject"
	ActionLowConfidence Action = "low_confidence"
)

// Decision is the gate's verdict on a record.
type Decision struct {
	Action     Action      `json:"action"`
	Vote       agents.Vote `json:"vote"`
	Confidence float64     `json:"confidence"`
	Reason     string      `json:"reason,omitempty"`
}

// Outcome is the terminal result of dispatching a decision.
type Outcome struct {
	Status tasks.Status
	Result json.RawMessage
	Err    error
}

// Config tunes the engine.
type Config struct {
	ConfidenceThreshold float64
	VoteTimeout         time.Duration
	ExecuteTimeout      time.Duration
	// MaxParallel bounds concurrent agent calls per attempt. 0 means unbounded.
	MaxParallel int
}

// Engine runs consensus attempts. Safe for concurrent use.
type Engine struct {
	voter    agents.Voter
	executor agents.Executor
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *fleetotel.Metrics
	bus      *bus.Bus

	mu       sync.Mutex
	cfg      Config
	inflight map[string]struct{}
	records  map[string][]Record
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option        { return func(e *Engine) { e.logger = l } }
func WithTracer(t trace.Tracer) Option        { return func(e *Engine) { e.tracer = t } }
func WithMetrics(m *fleetotel.Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithBus(b *bus.Bus) Option               { return func(e *Engine) { e.bus = b } }

func New(voter agents.Voter, executor agents.Executor, cfg Config, opts ...Option) *Engine {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.7
	}
	if cfg.VoteTimeout <= 0 {
		cfg.VoteTimeout = 10 * time.Second
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = 30 * time.Second
	}
	e := &Engine{
		voter:    voter,
		executor: executor,
		cfg:      cfg,
		inflight: make(map[string]struct{}),
		records:  make(map[string][]Record),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// SetThreshold replaces the confidence threshold used by later decisions.
func (e *Engine) SetThreshold(v float64) {
	if v <= 0 || v > 1 {
		return
	}
	e.mu.Lock()
	e.cfg.ConfidenceThreshold = v
	e.mu.Unlock()
}

func (e *Engine) Threshold() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.ConfidenceThreshold
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Records returns every attempt recorded for a task, oldest first.
func (e *Engine) Records(taskID string) []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Record(nil), e.records[taskID]...)
}

// BuildConsensus asks every assigned agent for a vote and tallies the result.
// Vote calls run concurrently, each bounded by VoteTimeout; a failed call is
// an absent vote. The record is written only once every call has returned.
func (e *Engine) BuildConsensus(ctx context.Context, task *tasks.Task) (Record, error) {
	if len(task.AssignedAgents) == 0 {
		return Record{}, ErrNoAgents
	}
	e.mu.Lock()
	if _, busy := e.inflight[task.ID]; busy {
		e.mu.Unlock()
		return Record{}, fmt.Errorf("%w %s", ErrConsensusInProgress, task.ID)
	}
	e.inflight[task.ID] = struct{}{}
	cfg := e.cfg
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, task.ID)
		e.mu.Unlock()
	}()

	ctx, span := fleetotel.StartSpan(ctx, e.tracer, "consensus.build",
		fleetotel.AttrTaskID.String(task.ID),
	)
	defer span.End()

	type slot struct {
		ballot agents.Ballot
		err    error
	}
	slots := make([]slot, len(task.AssignedAgents))

	var g errgroup.Group
	if cfg.MaxParallel > 0 {
		g.SetLimit(cfg.MaxParallel)
	}
	for i, agent := range task.AssignedAgents {
		g.Go(func() error {
			vctx, cancel := context.WithTimeout(ctx, cfg.VoteTimeout)
			defer cancel()
			vctx, vspan := fleetotel.StartClientSpan(vctx, e.tracer, "agent.vote", fleetotel.AttrAgent.String(agent))
			defer vspan.End()
			b, err := e.voter.Vote(vctx, agent, task)
			if err != nil {
				vspan.RecordError(err)
				vspan.SetStatus(codes.Error, "vote unavailable")
			}
			slots[i] = slot{ballot: b, err: err}
			return nil
		})
	}
	_ = g.Wait()

	rec := Record{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		Agents:    append([]string(nil), task.AssignedAgents...),
		Timestamp: time.Now().UTC(),
	}
	var reasons []string
	for i, s := range slots {
		agent := task.AssignedAgents[i]
		if s.err != nil {
			rec.Absent = append(rec.Absent, agent)
			e.logger.Warn("vote unavailable",
				"task_id", task.ID, "agent", agent,
				"error", fmt.Errorf("%w: %v", ErrVoteUnavailable, s.err))
			continue
		}
		rec.Votes = append(rec.Votes, AgentVote{Agent: agent, Vote: s.ballot.Vote, Reasoning: s.ballot.Reasoning})
		reasons = append(reasons, fmt.Sprintf("%s: %s", agent, s.ballot.Reasoning))
	}
	rec.Decision, rec.Confidence = Tally(rec.Votes)
	rec.Reasoning = strings.Join(reasons, "; ")

	e.mu.Lock()
	rec.Attempt = len(e.records[task.ID]) + 1
	e.records[task.ID] = append(e.records[task.ID], rec)
	e.mu.Unlock()

	span.SetAttributes(
		fleetotel.AttrDecision.String(string(rec.Decision)),
		fleetotel.AttrConfidence.Float64(rec.Confidence),
	)
	counts := make(map[string]int)
	for _, v := range rec.Votes {
		counts[string(v.Vote)]++
	}
	e.metrics.RecordConsensus(ctx, string(rec.Decision), rec.Confidence, counts, len(rec.Absent))
	e.bus.Publish(bus.TopicConsensusRecorded, rec)
	e.logger.Info("consensus recorded",
		"task_id", task.ID, "attempt", rec.Attempt,
		"decision", rec.Decision, "confidence", rec.Confidence,
		"votes", len(rec.Votes), "absent", len(rec.Absent))
	return rec, nil
}

// Tally returns the majority vote and its confidence. Ties go to the value
// that reached the winning count first in vote order. No votes yields
// approve at 0.5.
func Tally(votes []AgentVote) (agents.Vote, float64) {
	if len(votes) == 0 {
		return agents.VoteApprove, 0.5
	}
	counts := make(map[agents.Vote]int, 3)
	var best agents.Vote
	bestCount := 0
	for _, v := range votes {
		counts[v.Vote]++
		if counts[v.Vote] > bestCount {
			best, bestCount = v.Vote, counts[v.Vote]
		}
	}
	return best, float64(bestCount) / float64(len(votes))
}

// Decide applies the confidence gate: strictly above the threshold dispatches
// the majority vote, anything else fails the task.
func (e *Engine) Decide(rec Record) Decision {
	threshold := e.Threshold()
	d := Decision{Vote: rec.Decision, Confidence: rec.Confidence}
	if rec.Confidence <= threshold {
		d.Action = ActionLowConfidence
		d.Reason = (&LowConfidenceError{Decision: rec.Decision, Confidence: rec.Confidence, Threshold: threshold}).Error()
		return d
	}
	switch rec.Decision {
	case agents.VoteReject:
		d.Action = ActionReject
		d.Reason = rec.Reasoning
		if d.Reason == "" {
			d.Reason = "agents rejected the task"
		}
	default:
		d.Action = ActionExecute
	}
	return d
}

// Dispatch carries out a decision and returns the task's terminal outcome.
func (e *Engine) Dispatch(ctx context.Context, task *tasks.Task, d Decision) Outcome {
	switch d.Action {
	case ActionLowConfidence:
		return Outcome{Status: tasks.StatusFailed, Err: &LowConfidenceError{
			Decision: d.Vote, Confidence: d.Confidence, Threshold: e.Threshold(),
		}}
	case ActionReject:
		return Outcome{Status: tasks.StatusFailed, Err: fmt.Errorf("%w: %s", ErrRejected, d.Reason)}
	}

	target := task
	if d.Vote == agents.VoteModify {
		target = task.Modified()
	}
	return e.execute(ctx, target, d)
}

type aggregate struct {
	Decision   agents.Vote                `json:"decision"`
	Confidence float64                    `json:"confidence"`
	Task       string                     `json:"task"`
	Results    map[string]json.RawMessage `json:"results"`
	Errors     map[string]string          `json:"errors,omitempty"`
}

func (e *Engine) execute(ctx context.Context, task *tasks.Task, d Decision) Outcome {
	cfg := e.config()
	ctx, span := fleetotel.StartSpan(ctx, e.tracer, "consensus.execute",
		fleetotel.AttrTaskID.String(task.ID),
		fleetotel.AttrDecision.String(string(d.Vote)),
	)
	defer span.End()

	type slot struct {
		result json.RawMessage
		err    error
	}
	slots := make([]slot, len(task.AssignedAgents))
	var g errgroup.Group
	if cfg.MaxParallel > 0 {
		g.SetLimit(cfg.MaxParallel)
	}
	for i, agent := range task.AssignedAgents {
		g.Go(func() error {
			xctx, cancel := context.WithTimeout(ctx, cfg.ExecuteTimeout)
			defer cancel()
			res, err := e.executor.Execute(xctx, agent, task)
			slots[i] = slot{result: res, err: err}
			return nil
		})
	}
	_ = g.Wait()

	agg := aggregate{
		Decision:   d.Vote,
		Confidence: round3(d.Confidence),
		Task:       task.Name,
		Results:    make(map[string]json.RawMessage),
	}
	for i, s := range slots {
		agent := task.AssignedAgents[i]
		if s.err != nil {
			if agg.Errors == nil {
				agg.Errors = make(map[string]string)
			}
			agg.Errors[agent] = s.err.Error()
			e.logger.Warn("agent execution failed", "task_id", task.ID, "agent", agent, "error", s.err)
			continue
		}
		agg.Results[agent] = s.result
	}
	payload, err := json.Marshal(agg)
	if err != nil {
		return Outcome{Status: tasks.StatusFailed, Err: fmt.Errorf("encode results: %w", err)}
	}
	if len(agg.Results) == 0 {
		span.SetStatus(codes.Error, "all agents failed")
		return Outcome{Status: tasks.StatusFailed, Result: payload, Err: ErrExecutionFailed}
	}
	return Outcome{Status: tasks.StatusCompleted, Result: payload}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
