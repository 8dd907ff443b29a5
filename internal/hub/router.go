package hub

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	fleetotel "github.com/basket/go-fleet/internal/otel"
	"github.com/basket/go-fleet/internal/protocol"
)

const (
	defaultSendTimeout = 5 * time.Second
	publishParallelism = 8
)

// Relay carries publishes between gofleet instances.
type Relay interface {
	Publish(ctx context.Context, topic string, env protocol.Envelope) error
	// Run delivers messages from other instances until ctx ends.
	Run(ctx context.Context, deliver func(ctx context.Context, topic string, env protocol.Envelope)) error
	Close() error
}

// RouterOptions configures a Router.
type RouterOptions struct {
	SendTimeout time.Duration
	Relay       Relay
	Logger      *slog.Logger
	Metrics     *fleetotel.Metrics
}

// Router maps topics to subscribed connections.
type Router struct {
	reg         *Registry
	sendTimeout time.Duration
	relay       Relay
	logger      *slog.Logger
	metrics     *fleetotel.Metrics

	// mu is taken before any Connection.mu.
	mu     sync.RWMutex
	topics map[string]map[string]struct{}
}

// NewRouter builds a router over reg and drops closed connections from every
// topic before they reach StateClosed.
func NewRouter(reg *Registry, opts RouterOptions) *Router {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Router{
		reg:         reg,
		sendTimeout: opts.SendTimeout,
		relay:       opts.Relay,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		topics:      make(map[string]map[string]struct{}),
	}
	reg.OnClose(func(c *Connection, _ Reason) { r.drop(c) })
	return r
}

// Subscribe adds connID to topic. It reports false when the connection is
// not open; repeated calls are no-ops.
func (r *Router) Subscribe(connID, topic string) bool {
	c, ok := r.reg.Get(connID)
	if !ok || topic == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return false
	}
	c.topics[topic] = struct{}{}
	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[string]struct{})
		r.topics[topic] = subs
	}
	subs[connID] = struct{}{}
	return true
}

// Unsubscribe removes connID from topic and prunes the topic when it empties.
// It reports whether a subscription was removed.
func (r *Router) Unsubscribe(connID, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.topics[topic]
	if !ok {
		return false
	}
	if _, ok := subs[connID]; !ok {
		return false
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(r.topics, topic)
	}
	if c, ok := r.reg.Get(connID); ok {
		c.mu.Lock()
		delete(c.topics, topic)
		c.mu.Unlock()
	}
	return true
}

func (r *Router) drop(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic := range c.topics {
		if subs, ok := r.topics[topic]; ok {
			delete(subs, c.ID)
			if len(subs) == 0 {
				delete(r.topics, topic)
			}
		}
	}
	c.topics = make(map[string]struct{})
}

// Subscribers returns the ids subscribed to topic.
func (r *Router) Subscribers(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.topics[topic]))
	for id := range r.topics[topic] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Topics returns every topic with its subscriber count.
func (r *Router) Topics() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.topics))
	for t, subs := range r.topics {
		out[t] = len(subs)
	}
	return out
}

// Publish delivers env to the local subscribers of topic and forwards it to
// the relay when one is attached. It returns the local delivered count.
func (r *Router) Publish(ctx context.Context, topic string, env protocol.Envelope) int {
	n := r.deliver(ctx, topic, env)
	if r.relay != nil {
		if err := r.relay.Publish(ctx, topic, env); err != nil {
			r.logger.Warn("relay publish failed", "topic", topic, "error", err)
		}
	}
	return n
}

// deliver sends to a snapshot of the subscribers. A subscriber that cannot
// take the message within the send timeout is closed.
func (r *Router) deliver(ctx context.Context, topic string, env protocol.Envelope) int {
	ids := r.Subscribers(topic)
	delivered, failed := r.fanOut(ctx, ids, env)
	r.metrics.RecordPublish(ctx, topic, delivered, failed)
	if failed > 0 {
		r.logger.Warn("publish delivery failures", "topic", topic, "delivered", delivered, "failed", failed)
	}
	return delivered
}

// PublishAll sends env to every open connection.
func (r *Router) PublishAll(ctx context.Context, env protocol.Envelope) int {
	conns := r.reg.Connections()
	ids := make([]string, 0, len(conns))
	for _, c := range conns {
		ids = append(ids, c.ID)
	}
	delivered, failed := r.fanOut(ctx, ids, env)
	r.metrics.RecordPublish(ctx, "*", delivered, failed)
	return delivered
}

// SendTo writes env to one connection. A failed write closes it.
func (r *Router) SendTo(ctx context.Context, connID string, env protocol.Envelope) error {
	c, ok := r.reg.Get(connID)
	if !ok {
		return ErrConnectionNotFound
	}
	sctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()
	if err := c.Send(sctx, env); err != nil {
		r.reg.Close(connID, ReasonDeliveryFailed)
		return err
	}
	return nil
}

func (r *Router) fanOut(ctx context.Context, ids []string, env protocol.Envelope) (int, int) {
	var delivered, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(publishParallelism)
	for _, id := range ids {
		c, ok := r.reg.Get(id)
		if !ok {
			continue
		}
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
			defer cancel()
			if err := c.Send(sctx, env); err != nil {
				failed.Add(1)
				r.reg.Close(c.ID, ReasonDeliveryFailed)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(delivered.Load()), int(failed.Load())
}

// RunRelay pumps messages from other instances into local delivery until ctx
// ends. It returns nil immediately when no relay is attached.
func (r *Router) RunRelay(ctx context.Context) error {
	if r.relay == nil {
		return nil
	}
	return r.relay.Run(ctx, func(ctx context.Context, topic string, env protocol.Envelope) {
		r.deliver(ctx, topic, env)
	})
}
