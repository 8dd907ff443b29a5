package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/basket/go-fleet/internal/tasks"
)

// Endpoint is one agent service reachable over HTTP.
type Endpoint struct {
	Name string
	URL  string
}

// HTTPOptions tunes the HTTP client.
type HTTPOptions struct {
	// Timeout bounds every single call when the caller's context has no deadline.
	Timeout time.Duration
	// RequestsPerSecond limits calls per agent. 0 disables limiting.
	RequestsPerSecond float64
	Burst             int
	Token             string
	HTTPClient        *http.Client
}

// HTTPClient calls agent services at their configured base URLs:
//
//	GET  {url}/capabilities -> {"capabilities": [...]}
//	POST {url}/vote         -> {"vote": "approve", "reasoning": "..."}
//	POST {url}/execute      -> {"result": ...}
//	GET  {url}/health       -> {"status": "...", "metrics": {...}}
type HTTPClient struct {
	order     []string
	endpoints map[string]string
	opts      HTTPOptions
	http      *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewHTTPClient(endpoints []Endpoint, opts HTTPOptions) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	c := &HTTPClient{
		endpoints: make(map[string]string, len(endpoints)),
		opts:      opts,
		http:      hc,
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, ep := range endpoints {
		if _, dup := c.endpoints[ep.Name]; dup {
			continue
		}
		c.order = append(c.order, ep.Name)
		c.endpoints[ep.Name] = strings.TrimRight(ep.URL, "/")
	}
	return c
}

func (c *HTTPClient) Agents() []string {
	return append([]string(nil), c.order...)
}

func (c *HTTPClient) Capabilities(ctx context.Context, agent string) ([]string, error) {
	var out struct {
		Capabilities []string `json:"capabilities"`
	}
	if err := c.do(ctx, agent, http.MethodGet, "/capabilities", nil, &out); err != nil {
		return nil, err
	}
	return out.Capabilities, nil
}

func (c *HTTPClient) Vote(ctx context.Context, agent string, task *tasks.Task) (Ballot, error) {
	var out struct {
		Vote      string `json:"vote"`
		Reasoning string `json:"reasoning"`
	}
	if err := c.do(ctx, agent, http.MethodPost, "/vote", map[string]any{"task": task}, &out); err != nil {
		return Ballot{}, err
	}
	v, err := ParseVote(out.Vote)
	if err != nil {
		return Ballot{}, fmt.Errorf("agent %s: %w", agent, err)
	}
	return Ballot{Vote: v, Reasoning: out.Reasoning}, nil
}

func (c *HTTPClient) Execute(ctx context.Context, agent string, task *tasks.Task) (json.RawMessage, error) {
	var out struct {
		Result json.RawMessage `json:"result"`
	}
	if err := c.do(ctx, agent, http.MethodPost, "/execute", map[string]any{"task": task}, &out); err != nil {
		return nil, err
	}
	if len(out.Result) == 0 {
		return json.RawMessage("null"), nil
	}
	return out.Result, nil
}

func (c *HTTPClient) Health(ctx context.Context, agent string) (Health, error) {
	h := Health{Agent: agent}
	if err := c.do(ctx, agent, http.MethodGet, "/health", nil, &h); err != nil {
		return Health{Agent: agent, Status: "unreachable", Error: err.Error()}, err
	}
	h.Agent = agent
	return h, nil
}

func (c *HTTPClient) limiter(agent string) *rate.Limiter {
	if c.opts.RequestsPerSecond <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[agent]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.opts.RequestsPerSecond), c.opts.Burst)
		c.limiters[agent] = l
	}
	return l
}

func (c *HTTPClient) do(ctx context.Context, agent, method, path string, body any, out any) error {
	base, ok := c.endpoints[agent]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agent)
	}
	if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	if l := c.limiter(agent); l != nil {
		if err := l.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %s rate limit: %v", ErrUnavailable, agent, err)
		}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, agent, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrUnavailable, agent, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response from %s: %w", path, agent, err)
	}
	return nil
}
