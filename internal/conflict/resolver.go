// Package conflict classifies free-text conflict reports between agents and
// returns a resolution plan from a fixed set of templates.
package conflict

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

	"github.com/basket/go-fleet/internal/bus"
	fleetotel "github.com/basket/go-fleet/internal/otel"
)

// Type is the classified kind of conflict.
type Type string

const (
	TypeResource Type = "resource"
	TypeDecision Type = "decision"
	TypePriority Type = "priority"
	TypeGeneric  Type = "generic"
)

// Strategy names how a conflict is resolved.
type Strategy string

const (
	StrategyLoadBalancing        Strategy = "load_balancing"
	StrategyConsensusBuilding    Strategy = "consensus_building"
	StrategyPriorityReassessment Strategy = "priority_reassessment"
	StrategyMediation            Strategy = "mediation"
	StrategyError                Strategy = "error"
)

// ActionManualIntervention is the fallback action of an error outcome.
const ActionManualIntervention = "manual_intervention"

var ErrEmptyReport = errors.New("empty conflict description")

// Report is a conflict submitted for resolution.
type Report struct {
	Description string         `json:"description"`
	Agents      []string       `json:"agents,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// Plan is the resolution returned to the caller.
type Plan struct {
	Strategy            Strategy       `json:"strategy"`
	Action              string         `json:"action"`
	Parameters          map[string]any `json:"parameters,omitempty"`
	EstimatedResolution string         `json:"estimated_resolution_time"`
}

// Record is one immutable history entry.
type Record struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Report    Report    `json:"report"`
	Type      Type      `json:"type"`
	Plan      Plan      `json:"plan"`
	Error     string    `json:"error,omitempty"`
}

// Succeeded reports whether the record is not an error outcome.
func (r Record) Succeeded() bool { return r.Plan.Strategy != StrategyError }

// Summary aggregates the history.
type Summary struct {
	Total       int              `json:"total"`
	Successful  int              `json:"successful"`
	SuccessRate float64          `json:"success_rate"`
	ByType      map[Type]int     `json:"by_type"`
	ByStrategy  map[Strategy]int `json:"by_strategy"`
}

// LoadSource reports current per-agent load for load-balancing plans.
type LoadSource interface {
	Snapshot() map[string]int
}

// Classify maps a description to a conflict type by keyword, checking
// resource, decision and priority in that order.
func Classify(description string) Type {
	lower := strings.ToLower(description)
	switch {
	case strings.Contains(lower, "resource"):
		return TypeResource
	case strings.Contains(lower, "decision"):
		return TypeDecision
	case strings.Contains(lower, "priority"):
		return TypePriority
	default:
		return TypeGeneric
	}
}

// Resolver resolves reports and keeps an append-only history.
type Resolver struct {
	load      LoadSource
	threshold float64
	logger    *slog.Logger
	metrics   *fleetotel.Metrics
	bus       *bus.Bus

	mu      sync.RWMutex
	history []Record // guarded by mu, as is threshold
}

// Options configures optional Resolver collaborators.
type Options struct {
	Load LoadSource
	// VotingThreshold is suggested in consensus-building plans.
	VotingThreshold float64
	Logger          *slog.Logger
	Metrics         *fleetotel.Metrics
	Bus             *bus.Bus
}

func NewResolver(opts Options) *Resolver {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.VotingThreshold <= 0 {
		opts.VotingThreshold = 0.7
	}
	return &Resolver{
		load:      opts.Load,
		threshold: opts.VotingThreshold,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		bus:       opts.Bus,
	}
}

// SetThreshold changes the voting threshold suggested by consensus-building
// plans. Values outside (0, 1] are ignored.
func (r *Resolver) SetThreshold(v float64) {
	if v <= 0 || v > 1 {
		return
	}
	r.mu.Lock()
	r.threshold = v
	r.mu.Unlock()
}

func (r *Resolver) Threshold() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.threshold
}

// Resolve classifies the report, builds a plan and appends it to history.
// It always returns a recorded outcome; internal failures become an "error"
// plan asking for manual intervention.
func (r *Resolver) Resolve(ctx context.Context, rep Report) Record {
	rec := Record{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Report:    rep,
		Type:      Classify(rep.Description),
	}
	plan, err := r.plan(rec.Type, rep)
	if err != nil {
		rec.Plan = Plan{
			Strategy:            StrategyError,
			Action:              ActionManualIntervention,
			Parameters:          map[string]any{"error": err.Error()},
			EstimatedResolution: "unknown",
		}
		rec.Error = err.Error()
		r.logger.Error("conflict resolution failed", "conflict_id", rec.ID, "type", rec.Type, "error", err)
	} else {
		rec.Plan = plan
		r.logger.Info("conflict resolved", "conflict_id", rec.ID, "type", rec.Type, "strategy", plan.Strategy)
	}

	r.mu.Lock()
	r.history = append(r.history, rec)
	r.mu.Unlock()

	r.metrics.RecordConflict(ctx, string(rec.Type), string(rec.Plan.Strategy))
	r.bus.Publish(bus.TopicConflictResolved, rec)
	return rec
}

func (r *Resolver) plan(t Type, rep Report) (p Plan, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("resolution template panicked: %v", rec)
		}
	}()
	if strings.TrimSpace(rep.Description) == "" {
		return Plan{}, ErrEmptyReport
	}
	switch t {
	case TypeResource:
		return r.loadBalancing(rep), nil
	case TypeDecision:
		return Plan{
			Strategy: StrategyConsensusBuilding,
			Action:   "weighted_voting",
			Parameters: map[string]any{
				"participants": rep.Agents,
				"threshold":    r.Threshold(),
				"weights":      "performance",
			},
			EstimatedResolution: "10m",
		}, nil
	case TypePriority:
		return Plan{
			Strategy: StrategyPriorityReassessment,
			Action:   "reorder_queue",
			Parameters: map[string]any{
				"criteria":      []string{"urgency", "impact", "dependencies"},
				"affected_task": rep.TaskID,
			},
			EstimatedResolution: "2m",
		}, nil
	default:
		return Plan{
			Strategy: StrategyMediation,
			Action:   "facilitate_discussion",
			Parameters: map[string]any{
				"mediator":     "coordinator",
				"participants": rep.Agents,
			},
			EstimatedResolution: "15m",
		}, nil
	}
}

func (r *Resolver) loadBalancing(rep Report) Plan {
	params := map[string]any{
		"target_utilization": 0.8,
		"agents":             rep.Agents,
	}
	if r.load != nil {
		snap := r.load.Snapshot()
		candidates := rep.Agents
		if len(candidates) == 0 {
			for a := range snap {
				candidates = append(candidates, a)
			}
		}
		if len(candidates) > 0 {
			sorted := append([]string(nil), candidates...)
			sort.SliceStable(sorted, func(i, j int) bool {
				if snap[sorted[i]] != snap[sorted[j]] {
					return snap[sorted[i]] > snap[sorted[j]]
				}
				return sorted[i] < sorted[j]
			})
			params["rebalance_from"] = sorted[0]
			params["rebalance_to"] = sorted[len(sorted)-1]
			params["current_load"] = snap
		}
	}
	return Plan{
		Strategy:            StrategyLoadBalancing,
		Action:              "redistribute_tasks",
		Parameters:          params,
		EstimatedResolution: "5m",
	}
}

// History returns a copy of all records, oldest first.
func (r *Resolver) History() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Record(nil), r.history...)
}

// Summary reports totals and the success rate over the history.
func (r *Resolver) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Summary{
		Total:      len(r.history),
		ByType:     make(map[Type]int),
		ByStrategy: make(map[Strategy]int),
	}
	for _, rec := range r.history {
		if rec.Succeeded() {
			s.Successful++
		}
		s.ByType[rec.Type]++
		s.ByStrategy[rec.Plan.Strategy]++
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.Total)
	}
	return s
}
