package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-fleet/internal/agents"
	"github.com/basket/go-fleet/internal/audit"
	"github.com/basket/go-fleet/internal/bus"
	"github.com/basket/go-fleet/internal/conflict"
	"github.com/basket/go-fleet/internal/consensus"
	"github.com/basket/go-fleet/internal/history"
	"github.com/basket/go-fleet/internal/hub"
	"github.com/basket/go-fleet/internal/ledger"
	"github.com/basket/go-fleet/internal/metrics"
	fleetotel "github.com/basket/go-fleet/internal/otel"
	"github.com/basket/go-fleet/internal/protocol"
	"github.com/basket/go-fleet/internal/scheduler"
	"github.com/basket/go-fleet/internal/shared"
	"github.com/basket/go-fleet/internal/tasks"
)

const defaultMaxBodyBytes = 1 << 20

// traceHeader carries the request trace id in and out.
const traceHeader = "X-Trace-ID"

type Config struct {
	Registry  *hub.Registry
	Router    *hub.Router
	Scheduler *scheduler.Scheduler
	Engine    *consensus.Engine
	Resolver  *conflict.Resolver
	Load      *ledger.Load
	Perf      *ledger.Performance
	Agents    agents.Client
	Bus       *bus.Bus

	// Audit is optional; mutating commands and auth failures are appended.
	Audit *audit.Log

	// History is optional; when set, lookups fall back to persisted rows.
	History *history.Store

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *fleetotel.Metrics

	// AuthToken guards /api/* and /ws when non-empty. /healthz and /metrics
	// stay open.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS connections
	// and CORS responses. Empty means same-origin only.
	AllowOrigins []string

	RateLimit RateLimitConfig

	// MessagesPerSecond limits inbound frames per websocket connection.
	MessagesPerSecond float64
	MessageBurst      int

	MaxBodyBytes int64

	// StreamRecheck is how often an SSE task stream re-reads the task after
	// its subscription dropped events. Defaults to one second.
	StreamRecheck time.Duration

	// ConfigFingerprint is exposed in system status.
	ConfigFingerprint string
	Version           string
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	validator *protocol.Validator
	prom      *metrics.Registry
	auth      *AuthMiddleware
	limiter   *RateLimitMiddleware
	started   time.Time
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 20
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 40
	}
	if cfg.Version == "" {
		cfg.Version = fleetotel.Version
	}
	s := &Server{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "gateway"),
		validator: protocol.MustValidator(),
		auth:      NewAuthMiddleware(cfg.AuthToken).WithAudit(cfg.Audit),
		limiter:   NewRateLimitMiddleware(cfg.RateLimit, cfg.Metrics),
		started:   time.Now(),
	}
	s.prom = metrics.NewRegistry(s.Snapshot)
	return s
}

// Limiter exposes the HTTP rate limiter so the caller can run its eviction loop.
func (s *Server) Limiter() *RateLimitMiddleware { return s.limiter }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.instrument(pattern, h))
	}
	handle("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.prom.Handler())
	// Not instrumented: the handler lives as long as the connection.
	mux.HandleFunc("GET /ws", s.handleWS)

	handle("POST /api/tasks", s.handleSubmitTask)
	handle("GET /api/tasks", s.handleListTasks)
	handle("GET /api/tasks/{id}", s.handleGetTask)
	handle("POST /api/tasks/{id}/cancel", s.handleCancelTask)
	handle("GET /api/tasks/{id}/consensus", s.handleTaskConsensus)
	handle("GET /api/tasks/{id}/events", s.handleTaskStream)
	handle("GET /api/status", s.handleStatus)
	handle("GET /api/agents", s.handleAgents)
	handle("POST /api/subscriptions", s.handleSubscriptions)
	handle("GET /api/connections/stats", s.handleConnectionStats)
	handle("POST /api/conflicts", s.handleResolveConflict)
	handle("GET /api/conflicts/report", s.handleConflictReport)
	handle("POST /api/broadcast", s.handleBroadcast)

	var h http.Handler = mux
	h = s.limiter.Wrap(h)
	h = s.auth.Wrap(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return h
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) instrument(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := fleetotel.StartServerSpan(r.Context(), s.cfg.Tracer, route)
		defer span.End()
		candidate := r.Header.Get(traceHeader)
		if sc := span.SpanContext(); candidate == "" && sc.HasTraceID() {
			candidate = sc.TraceID().String()
		}
		ctx, traceID := shared.EnsureTraceID(ctx, candidate)
		w.Header().Set(traceHeader, traceID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r.WithContext(ctx))
		s.prom.ObserveRequest(r.Method, route, rec.status, time.Since(start))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	healthy := true
	historyOK := true
	if s.cfg.History != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.History.Ping(ctx); err != nil {
			historyOK = false
			healthy = false
		}
	}
	payload := map[string]any{
		"healthy":     healthy,
		"history_ok":  historyOK,
		"connections": s.cfg.Registry.Len(),
		"queue_depth": s.cfg.Scheduler.QueueDepth(),
		"version":     s.cfg.Version,
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// Snapshot gathers the fleet state shown by /api/status, the system_metrics
// broadcast and the Prometheus collector.
func (s *Server) Snapshot() metrics.Snapshot {
	stats := s.cfg.Registry.Stats()
	snap := metrics.Snapshot{
		Timestamp:          time.Now().UTC(),
		Connections:        stats.Total,
		ConnectionTier:     stats.Tier,
		ConnectionsByAgent: stats.Agents,
		Topics:             s.cfg.Router.Topics(),
		QueueDepth:         s.cfg.Scheduler.QueueDepth(),
		TasksByStatus:      make(map[string]int),
		AgentSuccessRate:   make(map[string]float64),
		AgentAvgResponse:   make(map[string]float64),
		BusDropped:         s.cfg.Bus.Dropped(),
	}
	for st, n := range s.cfg.Scheduler.Counts() {
		snap.TasksByStatus[string(st)] = n
	}
	if s.cfg.Load != nil {
		snap.AgentLoad = s.cfg.Load.Snapshot()
	}
	if s.cfg.Perf != nil {
		for _, e := range s.cfg.Perf.Snapshot() {
			snap.AgentSuccessRate[e.Agent] = e.SuccessRate()
			snap.AgentAvgResponse[e.Agent] = e.AvgResponse().Seconds()
		}
	}
	if s.cfg.Resolver != nil {
		sum := s.cfg.Resolver.Summary()
		snap.ConflictsTotal = sum.Total
		snap.ConflictSuccess = sum.SuccessRate
	}
	if s.cfg.Engine != nil {
		snap.ConsensusThreshold = s.cfg.Engine.Threshold()
	}
	return snap
}

// StatusReport is the body of GET /api/status and the system_status command.
type StatusReport struct {
	metrics.Snapshot
	UptimeSeconds     float64 `json:"uptime_seconds"`
	Version           string  `json:"version"`
	ConfigFingerprint string  `json:"config_fingerprint,omitempty"`
}

func (s *Server) status() StatusReport {
	return StatusReport{
		Snapshot:          s.Snapshot(),
		UptimeSeconds:     time.Since(s.started).Seconds(),
		Version:           s.cfg.Version,
		ConfigFingerprint: s.cfg.ConfigFingerprint,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

// taskStatus parses an optional status filter.
func taskStatus(raw string) (tasks.Status, bool) {
	switch st := tasks.Status(raw); st {
	case "", tasks.StatusPending, tasks.StatusInProgress, tasks.StatusCompleted,
		tasks.StatusFailed, tasks.StatusCancelled:
		return st, true
	}
	return "", false
}
