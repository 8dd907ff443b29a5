// Package agents defines the narrow calls the coordination core makes to the
// external trading agents, with an HTTP implementation and a deterministic
// static implementation.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/go-fleet/internal/tasks"
)

// Vote is one agent's opinion on whether a task should run.
type Vote string

const (
	VoteApprove Vote = "approve"
	VoteReject  Vote = "reject"
	VoteModify  Vote = "modify"
)

// ParseVote normalizes an agent's vote string.
func ParseVote(s string) (Vote, error) {
	switch v := Vote(strings.ToLower(strings.TrimSpace(s))); v {
	case VoteApprove, VoteReject, VoteModify:
		return v, nil
	}
	return "", fmt.Errorf("unknown vote %q", s)
}

// Ballot is a vote plus the agent's reasoning.
type Ballot struct {
	Vote      Vote   `json:"vote"`
	Reasoning string `json:"reasoning"`
}

// Health is an agent's self-reported status.
type Health struct {
	Agent   string             `json:"agent"`
	Status  string             `json:"status"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Error   string             `json:"error,omitempty"`
}

var (
	ErrUnknownAgent = errors.New("unknown agent")
	ErrUnavailable  = errors.New("agent unavailable")
)

// Voter asks one agent for its vote on a task.
type Voter interface {
	Vote(ctx context.Context, agent string, task *tasks.Task) (Ballot, error)
}

// Executor runs a task on one agent and returns its result payload.
type Executor interface {
	Execute(ctx context.Context, agent string, task *tasks.Task) (json.RawMessage, error)
}

// CapabilitySource reports an agent's capability tags.
type CapabilitySource interface {
	Capabilities(ctx context.Context, agent string) ([]string, error)
}

// HealthChecker reports an agent's health. Used for reporting only.
type HealthChecker interface {
	Health(ctx context.Context, agent string) (Health, error)
}

// Client is the full collaborator surface.
type Client interface {
	Voter
	Executor
	CapabilitySource
	HealthChecker
	// Agents lists the known agent names in configuration order.
	Agents() []string
}

// DefaultCapabilities is the static fallback table used when an agent cannot
// report its own capabilities.
var DefaultCapabilities = map[string][]string{
	"research":   {"research", "analysis", "market_data", "news"},
	"signal":     {"signal", "indicator", "technical_analysis"},
	"execution":  {"execution", "trade", "order_management"},
	"risk":       {"risk", "position_sizing", "portfolio"},
	"strategy":   {"strategy", "backtest", "optimization"},
	"compliance": {"compliance", "audit", "risk"},
}

// DefaultAgentNames lists the agents in DefaultCapabilities in a stable order.
var DefaultAgentNames = []string{"research", "signal", "execution", "risk", "strategy", "compliance"}

// FallbackCapabilities returns the static capability tags for agent, or the
// agent's own name as its single tag when it is not in the table.
func FallbackCapabilities(agent string) []string {
	if caps, ok := DefaultCapabilities[agent]; ok {
		return append([]string(nil), caps...)
	}
	return []string{agent}
}

// CapabilitiesOrDefault queries src and falls back to the static table on error
// or an empty answer.
func CapabilitiesOrDefault(ctx context.Context, src CapabilitySource, agent string) []string {
	if src != nil {
		if caps, err := src.Capabilities(ctx, agent); err == nil && len(caps) > 0 {
			return caps
		}
	}
	return FallbackCapabilities(agent)
}
