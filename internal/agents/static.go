package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/basket/go-fleet/internal/tasks"
)

// Static answers every call from fixed tables. Agents without an explicit
// ballot approve. It is used in tests and when no agent services are
// configured.
type Static struct {
	mu       sync.RWMutex
	names    []string
	ballots  map[string]Ballot
	voteErrs map[string]error
	execErrs map[string]error
	results  map[string]json.RawMessage
	delay    map[string]time.Duration
	caps     map[string][]string
	votes    int
	executed []string
}

func NewStatic(names ...string) *Static {
	if len(names) == 0 {
		names = DefaultAgentNames
	}
	return &Static{
		names:    append([]string(nil), names...),
		ballots:  make(map[string]Ballot),
		voteErrs: make(map[string]error),
		execErrs: make(map[string]error),
		results:  make(map[string]json.RawMessage),
		delay:    make(map[string]time.Duration),
		caps:     make(map[string][]string),
	}
}

// SetBallot fixes the vote agent returns.
func (s *Static) SetBallot(agent string, v Vote, reasoning string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ballots[agent] = Ballot{Vote: v, Reasoning: reasoning}
	delete(s.voteErrs, agent)
	return s
}

// FailVote makes agent's vote call return err.
func (s *Static) FailVote(agent string, err error) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voteErrs[agent] = err
	return s
}

// FailExecute makes agent's execute call return err.
func (s *Static) FailExecute(agent string, err error) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execErrs[agent] = err
	return s
}

// SetResult fixes agent's execution result.
func (s *Static) SetResult(agent string, result json.RawMessage) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[agent] = result
	return s
}

// SetDelay makes every call to agent wait d (or until ctx is done).
func (s *Static) SetDelay(agent string, d time.Duration) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay[agent] = d
	return s
}

// SetCapabilities overrides agent's reported capability tags.
func (s *Static) SetCapabilities(agent string, caps ...string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps[agent] = caps
	return s
}

// VoteCalls returns how many vote calls were made.
func (s *Static) VoteCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.votes
}

// Executed returns the "agent:task" pairs executed so far.
func (s *Static) Executed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.executed...)
}

func (s *Static) Agents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.names...)
}

func (s *Static) known(agent string) bool {
	for _, n := range s.names {
		if n == agent {
			return true
		}
	}
	return false
}

func (s *Static) wait(ctx context.Context, agent string) error {
	s.mu.RLock()
	d := s.delay[agent]
	s.mu.RUnlock()
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Static) Capabilities(ctx context.Context, agent string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.known(agent) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agent)
	}
	if caps, ok := s.caps[agent]; ok {
		return append([]string(nil), caps...), nil
	}
	return FallbackCapabilities(agent), nil
}

func (s *Static) Vote(ctx context.Context, agent string, task *tasks.Task) (Ballot, error) {
	s.mu.Lock()
	s.votes++
	s.mu.Unlock()
	if err := s.wait(ctx, agent); err != nil {
		return Ballot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err, ok := s.voteErrs[agent]; ok {
		return Ballot{}, err
	}
	if b, ok := s.ballots[agent]; ok {
		return b, nil
	}
	return Ballot{Vote: VoteApprove, Reasoning: fmt.Sprintf("%s agent approves %q", agent, task.Name)}, nil
}

func (s *Static) Execute(ctx context.Context, agent string, task *tasks.Task) (json.RawMessage, error) {
	if err := s.wait(ctx, agent); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.execErrs[agent]; ok {
		return nil, err
	}
	s.executed = append(s.executed, agent+":"+task.Name)
	if r, ok := s.results[agent]; ok {
		return r, nil
	}
	return json.Marshal(map[string]string{"agent": agent, "task_id": task.ID, "status": "done"})
}

func (s *Static) Health(ctx context.Context, agent string) (Health, error) {
	if !s.known(agent) {
		return Health{Agent: agent, Status: "unknown"}, fmt.Errorf("%w: %s", ErrUnknownAgent, agent)
	}
	return Health{Agent: agent, Status: "healthy", Metrics: map[string]float64{"uptime_seconds": 0}}, nil
}
