package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/go-fleet/internal/agents"
	"github.com/basket/go-fleet/internal/conflict"
	"github.com/basket/go-fleet/internal/hub"
	"github.com/basket/go-fleet/internal/protocol"
)

const agentProbeTimeout = 3 * time.Second

func readBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, protocol.CodeInvalidArgs, "request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidArgs, "failed to read body")
		return nil, false
	}
	return body, true
}

// respond runs a command and writes its result or its classified error.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, command string, args json.RawMessage, okStatus int) {
	res, err := s.runCommand(r.Context(), command, args)
	if err != nil {
		code, status := classify(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, okStatus, res)
}

func taskIDArgs(id string) json.RawMessage {
	raw, _ := json.Marshal(protocol.TaskIDArgs{TaskID: id})
	return raw
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	s.respond(w, r, protocol.CommandSubmitTask, body, http.StatusAccepted)
}

// handleListTasks lists in-memory tasks. ?source=history reads the persisted
// table instead, which keeps tasks the retention job pruned from memory.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, ok := taskStatus(q.Get("status"))
	if !ok {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidArgs, "unknown status filter")
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, protocol.CodeInvalidArgs, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	if q.Get("source") == "history" {
		if s.cfg.History == nil {
			writeError(w, http.StatusServiceUnavailable, protocol.CodeCommandFailed, "history store disabled")
			return
		}
		rows, err := s.cfg.History.ListTasks(r.Context(), string(status), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, protocol.CodeCommandFailed, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": rows, "count": len(rows)})
		return
	}

	list := s.cfg.Scheduler.List(status)
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": list, "count": len(list)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, protocol.CommandTaskStatus, taskIDArgs(r.PathValue("id")), http.StatusOK)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, protocol.CommandCancelTask, taskIDArgs(r.PathValue("id")), http.StatusOK)
}

func (s *Server) handleTaskConsensus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	recs := s.consensusRecords(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":   id,
		"records":   recs,
		"threshold": s.cfg.Engine.Threshold(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

// AgentReport is one row of GET /api/agents.
type AgentReport struct {
	Name               string         `json:"name"`
	Capabilities       []string       `json:"capabilities"`
	Health             *agents.Health `json:"health,omitempty"`
	Load               int            `json:"load"`
	Connections        int            `json:"connections"`
	TotalTasks         int            `json:"total_tasks"`
	SuccessRate        float64        `json:"success_rate"`
	AvgResponseSeconds float64        `json:"avg_response_seconds"`
}

// handleAgents probes every configured agent concurrently. Probe failures
// are reported in the row, never as a request error.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	names := s.cfg.Agents.Agents()
	out := make([]AgentReport, len(names))
	conns := s.cfg.Registry.Agents()

	ctx, cancel := context.WithTimeout(r.Context(), agentProbeTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, name := range names {
		g.Go(func() error {
			caps := agents.CapabilitiesOrDefault(gctx, s.cfg.Agents, name)
			h, _ := s.cfg.Agents.Health(gctx, name)
			row := AgentReport{
				Name:         name,
				Capabilities: caps,
				Health:       &h,
				Connections:  conns[name],
			}
			if s.cfg.Load != nil {
				row.Load = s.cfg.Load.Get(name)
			}
			if s.cfg.Perf != nil {
				e := s.cfg.Perf.Get(name)
				row.TotalTasks = e.TotalTasks
				row.SuccessRate = e.SuccessRate()
				row.AvgResponseSeconds = e.AvgResponse().Seconds()
			}
			mu.Lock()
			out[i] = row
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	writeJSON(w, http.StatusOK, map[string]any{"agents": out, "count": len(out)})
}

type subscriptionRequest struct {
	ConnectionID string `json:"connection_id"`
	Topic        string `json:"topic"`
	Action       string `json:"action"`
}

// handleSubscriptions lets an operator manage a live connection's topics.
func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidArgs, "invalid JSON body")
		return
	}
	if req.ConnectionID == "" || req.Topic == "" {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidArgs, "connection_id and topic are required")
		return
	}
	if _, ok := s.cfg.Registry.Get(req.ConnectionID); !ok {
		writeError(w, http.StatusNotFound, protocol.CodeNotFound, "connection not found")
		return
	}
	var changed bool
	switch req.Action {
	case "", "subscribe":
		changed = s.cfg.Router.Subscribe(req.ConnectionID, req.Topic)
	case "unsubscribe":
		changed = s.cfg.Router.Unsubscribe(req.ConnectionID, req.Topic)
	default:
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidArgs, "action must be subscribe or unsubscribe")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connection_id": req.ConnectionID,
		"topic":         req.Topic,
		"action":        actionOrDefault(req.Action),
		"changed":       changed,
	})
}

func actionOrDefault(a string) string {
	if a == "" {
		return "subscribe"
	}
	return a
}

func (s *Server) handleConnectionStats(w http.ResponseWriter, _ *http.Request) {
	conns := s.cfg.Registry.Snapshot()
	sort.Slice(conns, func(i, j int) bool { return conns[i].ConnectedAt.Before(conns[j].ConnectedAt) })
	writeJSON(w, http.StatusOK, struct {
		hub.Stats
		Topics      map[string]int `json:"topics"`
		Connections []hub.Info     `json:"connections"`
	}{s.cfg.Registry.Stats(), s.cfg.Router.Topics(), conns})
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	s.respond(w, r, protocol.CommandResolveConflict, body, http.StatusOK)
}

const recentConflicts = 20

func (s *Server) handleConflictReport(w http.ResponseWriter, _ *http.Request) {
	hist := s.cfg.Resolver.History()
	if len(hist) > recentConflicts {
		hist = hist[len(hist)-recentConflicts:]
	}
	if hist == nil {
		hist = []conflict.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary": s.cfg.Resolver.Summary(),
		"recent":  hist,
	})
}

type broadcastRequest struct {
	Topic string          `json:"topic,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// handleBroadcast sends an operator notification to one topic, or to every
// connection when no topic is given.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidArgs, "invalid JSON body")
		return
	}
	if err := s.validator.ValidatePayload(protocol.TypeNotification, req.Data); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidArgs, err.Error())
		return
	}
	env := protocol.MustNew(protocol.TypeNotification, nil)
	env.Data = req.Data

	var delivered int
	if req.Topic != "" {
		delivered = s.cfg.Router.Publish(r.Context(), req.Topic, env)
	} else {
		delivered = s.cfg.Router.PublishAll(r.Context(), env)
	}
	target := req.Topic
	if target == "" {
		target = "*"
	}
	s.audit(r.Context(), "broadcast", target, nil)
	writeJSON(w, http.StatusOK, map[string]any{"id": env.ID, "topic": req.Topic, "delivered": delivered})
}
