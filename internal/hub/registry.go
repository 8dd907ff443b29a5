// Package hub tracks live websocket connections, keeps them health-checked
// and fans messages out to topic subscribers.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-fleet/internal/bus"
	fleetotel "github.com/basket/go-fleet/internal/otel"
	"github.com/basket/go-fleet/internal/protocol"
)

var (
	ErrCapacityExceeded   = errors.New("connection limit exceeded")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionClosed   = errors.New("connection closed")
)

// Reason explains why a connection left the registry.
type Reason string

const (
	ReasonCapacity       Reason = "capacity"
	ReasonStale          Reason = "stale"
	ReasonProbeFailed    Reason = "probe_failed"
	ReasonDeliveryFailed Reason = "delivery_failed"
	ReasonShed           Reason = "shed"
	ReasonShutdown       Reason = "shutdown"
	ReasonClient         Reason = "client"
)

// Transport is the wire side of a connection.
type Transport interface {
	Send(ctx context.Context, env protocol.Envelope) error
	Ping(ctx context.Context) error
	// Close sends a close frame describing reason and releases the socket.
	Close(reason Reason) error
}

// State is the connection lifecycle: Open → Closing → Closed.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Connection is one admitted client.
type Connection struct {
	ID          string
	Remote      string
	ConnectedAt time.Time

	transport Transport

	mu           sync.Mutex
	state        State
	agent        string
	lastActivity time.Time
	topics       map[string]struct{}
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Agent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agent
}

func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Topics returns the subscribed topics in name order.
func (c *Connection) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Send writes env unless the connection has started closing. It does not
// count as activity.
func (c *Connection) Send(ctx context.Context, env protocol.Envelope) error {
	if c.State() != StateOpen {
		return ErrConnectionClosed
	}
	return c.transport.Send(ctx, env)
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Info is a point-in-time view of a connection.
type Info struct {
	ID           string    `json:"id"`
	Agent        string    `json:"agent,omitempty"`
	Remote       string    `json:"remote,omitempty"`
	State        string    `json:"state"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	Topics       []string  `json:"topics"`
}

func (c *Connection) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return Info{
		ID:           c.ID,
		Agent:        c.agent,
		Remote:       c.Remote,
		State:        c.state.String(),
		ConnectedAt:  c.ConnectedAt,
		LastActivity: c.lastActivity,
		Topics:       topics,
	}
}

// CloseHook runs after a connection leaves the registry and before it is
// marked Closed.
type CloseHook func(c *Connection, reason Reason)

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Policy SheddingPolicy
	// StaleAfter is how long a connection may go without inbound traffic or
	// a successful probe.
	StaleAfter time.Duration
	Logger     *slog.Logger
	Metrics    *fleetotel.Metrics
	Bus        *bus.Bus
	Now        func() time.Time
}

// Registry is the set of live connections.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Connection
	byAgent map[string]map[string]struct{}
	hooks   []CloseHook

	policy     atomic.Pointer[SheddingPolicy]
	staleAfter time.Duration
	logger     *slog.Logger
	metrics    *fleetotel.Metrics
	bus        *bus.Bus
	now        func() time.Time

	closers sync.WaitGroup
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	policy := opts.Policy.Complete()
	if err := policy.Validate(); err != nil {
		fallback := PolicyForCap(policy.HardCap)
		opts.Logger.Warn("shedding policy rejected, using derived thresholds",
			"error", err, "hard_cap", fallback.HardCap)
		policy = fallback
	}
	opts.Policy = policy
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 90 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Registry{
		conns:      make(map[string]*Connection),
		byAgent:    make(map[string]map[string]struct{}),
		staleAfter: opts.StaleAfter,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		bus:        opts.Bus,
		now:        opts.Now,
	}
	p := opts.Policy
	r.policy.Store(&p)
	return r
}

// Policy returns the active shedding policy.
func (r *Registry) Policy() SheddingPolicy { return *r.policy.Load() }

// SetPolicy swaps the shedding policy at runtime.
func (r *Registry) SetPolicy(p SheddingPolicy) error {
	p = p.Complete()
	if err := p.Validate(); err != nil {
		return err
	}
	r.policy.Store(&p)
	r.logger.Info("shedding policy updated",
		"warn_at", p.WarnAt, "high_water_mark", p.HighWaterMark, "target", p.Target, "hard_cap", p.HardCap)
	return nil
}

// StaleAfter returns the inactivity threshold used by SweepStale.
func (r *Registry) StaleAfter() time.Duration { return r.staleAfter }

// OnClose registers a hook run for every removed connection.
func (r *Registry) OnClose(h CloseHook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

// Accept admits t, or closes it with a capacity close frame and returns
// ErrCapacityExceeded when the registry is full.
func (r *Registry) Accept(t Transport, remote string) (*Connection, error) {
	now := r.now()
	hardCap := r.Policy().HardCap

	r.mu.Lock()
	if len(r.conns) >= hardCap {
		size := len(r.conns)
		r.mu.Unlock()
		r.metrics.RecordRejected(context.Background())
		r.logger.Warn("connection rejected", "remote", remote, "size", size, "hard_cap", hardCap)
		_ = t.Close(ReasonCapacity)
		return nil, fmt.Errorf("%w: %d/%d", ErrCapacityExceeded, size, hardCap)
	}
	c := &Connection{
		ID:           uuid.NewString(),
		Remote:       remote,
		ConnectedAt:  now,
		transport:    t,
		state:        StateOpen,
		lastActivity: now,
		topics:       make(map[string]struct{}),
	}
	r.conns[c.ID] = c
	size := len(r.conns)
	r.mu.Unlock()

	r.logger.Info("connection accepted", "conn_id", c.ID, "remote", remote, "size", size)
	r.bus.Publish(bus.TopicConnectionOpened, bus.ConnectionEvent{ConnectionID: c.ID, At: now})
	return c, nil
}

// RecordActivity refreshes the inactivity clock of id.
func (r *Registry) RecordActivity(id string) bool {
	c, ok := r.Get(id)
	if !ok {
		return false
	}
	now := r.now()
	c.mu.Lock()
	if c.state == StateOpen {
		c.lastActivity = now
	}
	c.mu.Unlock()
	return true
}

// Bind sets the agent that owns id, replacing any earlier binding.
func (r *Registry) Bind(id, agent string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	c.mu.Lock()
	prev := c.agent
	c.agent = agent
	c.mu.Unlock()
	if prev != "" {
		r.unindexLocked(prev, id)
	}
	if agent != "" {
		set, ok := r.byAgent[agent]
		if !ok {
			set = make(map[string]struct{})
			r.byAgent[agent] = set
		}
		set[id] = struct{}{}
	}
	return nil
}

func (r *Registry) unindexLocked(agent, id string) {
	set := r.byAgent[agent]
	delete(set, id)
	if len(set) == 0 {
		delete(r.byAgent, agent)
	}
}

// Close removes id and closes its transport in the background. It reports
// whether id was present.
func (r *Registry) Close(id string, reason Reason) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	agent := c.Agent()
	if agent != "" {
		r.unindexLocked(agent, id)
	}
	hooks := append([]CloseHook(nil), r.hooks...)
	r.mu.Unlock()

	c.setState(StateClosing)
	for _, h := range hooks {
		h(c, reason)
	}
	c.mu.Lock()
	c.state = StateClosed
	c.agent = ""
	c.mu.Unlock()

	r.closers.Add(1)
	go func() {
		defer r.closers.Done()
		if err := c.transport.Close(reason); err != nil {
			r.logger.Debug("transport close", "conn_id", id, "error", err)
		}
	}()

	level := slog.LevelInfo
	if reason != ReasonClient && reason != ReasonShutdown {
		level = slog.LevelWarn
		r.metrics.RecordEvicted(context.Background(), string(reason))
	}
	r.logger.Log(context.Background(), level, "connection closed", "conn_id", id, "agent", agent, "reason", string(reason))
	r.bus.Publish(bus.TopicConnectionEvicted, bus.ConnectionEvent{
		ConnectionID: id, Agent: agent, Reason: string(reason), At: r.now(),
	})
	return true
}

// Wait blocks until every background transport close has returned.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.closers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepStale closes every connection idle since before now-StaleAfter and
// returns their ids.
func (r *Registry) SweepStale(now time.Time) []string {
	cutoff := now.Add(-r.staleAfter)
	var stale []string
	r.mu.RLock()
	for id, c := range r.conns {
		if c.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()
	sort.Strings(stale)
	closed := stale[:0]
	for _, id := range stale {
		if r.Close(id, ReasonStale) {
			closed = append(closed, id)
		}
	}
	return closed
}

// Enforce applies the shedding policy to the current size and returns the
// tier and the ids evicted.
func (r *Registry) Enforce() (Tier, []string) {
	p := r.Policy()
	size := r.Len()
	tier, excess := p.Evaluate(size)
	switch tier {
	case TierElevated:
		r.logger.Warn("connection count elevated", "size", size, "warn_at", p.WarnAt)
	case TierShed:
		r.logger.Warn("shedding connections", "size", size, "high_water_mark", p.HighWaterMark, "target", p.Target, "excess", excess)
		var evicted []string
		for _, c := range r.Oldest(excess) {
			if r.Close(c.ID, ReasonShed) {
				evicted = append(evicted, c.ID)
			}
		}
		return tier, evicted
	}
	return tier, nil
}

func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Connections returns the live connections, oldest first.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Oldest returns up to n connections by admission time.
func (r *Registry) Oldest(n int) []*Connection {
	all := r.Connections()
	if n < len(all) {
		all = all[:n]
	}
	return all
}

func (r *Registry) Snapshot() []Info {
	conns := r.Connections()
	out := make([]Info, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	return out
}

// ConnectionsForAgent returns the ids bound to agent in id order.
func (r *Registry) ConnectionsForAgent(agent string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byAgent[agent]))
	for id := range r.byAgent[agent] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Agents returns the bound agent names with their connection counts.
func (r *Registry) Agents() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.byAgent))
	for a, set := range r.byAgent {
		out[a] = len(set)
	}
	return out
}

// CloseAll removes every connection with reason and returns the count.
func (r *Registry) CloseAll(reason Reason) int {
	n := 0
	for _, c := range r.Connections() {
		if r.Close(c.ID, reason) {
			n++
		}
	}
	return n
}

// Stats summarises the registry for status endpoints.
type Stats struct {
	Total      int            `json:"total"`
	Agents     map[string]int `json:"agents"`
	Tier       string         `json:"tier"`
	Policy     SheddingPolicy `json:"policy"`
	StaleAfter string         `json:"stale_after"`
	Oldest     *time.Time     `json:"oldest_connected_at,omitempty"`
}

func (r *Registry) Stats() Stats {
	p := r.Policy()
	conns := r.Connections()
	tier, _ := p.Evaluate(len(conns))
	st := Stats{
		Total:      len(conns),
		Agents:     r.Agents(),
		Tier:       tier.String(),
		Policy:     p,
		StaleAfter: r.staleAfter.String(),
	}
	if len(conns) > 0 {
		t := conns[0].ConnectedAt
		st.Oldest = &t
	}
	return st
}
