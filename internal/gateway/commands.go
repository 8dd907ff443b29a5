package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/basket/go-fleet/internal/audit"
	"github.com/basket/go-fleet/internal/conflict"
	"github.com/basket/go-fleet/internal/consensus"
	"github.com/basket/go-fleet/internal/history"
	"github.com/basket/go-fleet/internal/protocol"
	"github.com/basket/go-fleet/internal/scheduler"
	"github.com/basket/go-fleet/internal/shared"
	"github.com/basket/go-fleet/internal/tasks"
)

var ErrUnknownCommand = errors.New("unknown command")

// SubmitResult is returned for an accepted task.
type SubmitResult struct {
	TaskID string       `json:"task_id"`
	Status tasks.Status `json:"status"`
	Agents []string     `json:"assigned_agents"`
}

// TaskDetail is a task with its consensus history.
type TaskDetail struct {
	Task      any                `json:"task"`
	Consensus []consensus.Record `json:"consensus"`
}

// runCommand executes one named command. Both the websocket command envelope
// and the REST handlers go through here.
func (s *Server) runCommand(ctx context.Context, name string, args json.RawMessage) (any, error) {
	if err := s.validator.ValidateArgs(name, args); err != nil {
		return nil, err
	}
	switch name {
	case protocol.CommandSubmitTask:
		var req scheduler.Request
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", scheduler.ErrInvalidTask, err)
		}
		id, err := s.cfg.Scheduler.Submit(ctx, req)
		if err != nil {
			return nil, err
		}
		t, err := s.cfg.Scheduler.Get(id)
		if err != nil {
			return nil, err
		}
		return SubmitResult{TaskID: id, Status: t.Status, Agents: t.AssignedAgents}, nil
	case protocol.CommandTaskStatus:
		var a protocol.TaskIDArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		return s.taskDetail(ctx, a.TaskID)
	case protocol.CommandCancelTask:
		var a protocol.TaskIDArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		res, err := s.cfg.Scheduler.Cancel(a.TaskID)
		s.audit(ctx, "task.cancel", a.TaskID, err)
		return res, err
	case protocol.CommandSystemStatus:
		return s.status(), nil
	case protocol.CommandResolveConflict:
		var a protocol.ConflictArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		rec := s.cfg.Resolver.Resolve(ctx, conflict.Report{
			Description: a.Description,
			Agents:      a.Agents,
			TaskID:      a.TaskID,
			Context:     a.Context,
		})
		s.audit(ctx, "conflict.resolve", rec.ID, nil)
		return rec, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
}

// audit records a mutating operator action. The subject is the API key id
// for REST calls and the connection id for websocket commands.
func (s *Server) audit(ctx context.Context, action, target string, err error) {
	subject := KeyIDFromContext(ctx)
	if subject == "" {
		subject = shared.ConnID(ctx)
	}
	decision, reason := audit.DecisionAllow, ""
	if err != nil {
		decision, reason = audit.DecisionDeny, err.Error()
	}
	s.cfg.Audit.Record(ctx, action, decision, subject, target, reason)
}

// taskDetail looks the task up in the scheduler, then in history.
func (s *Server) taskDetail(ctx context.Context, id string) (TaskDetail, error) {
	t, err := s.cfg.Scheduler.Get(id)
	if err == nil {
		return TaskDetail{Task: t, Consensus: s.consensusRecords(ctx, id)}, nil
	}
	if s.cfg.History == nil || !errors.Is(err, scheduler.ErrTaskNotFound) {
		return TaskDetail{}, err
	}
	row, herr := s.cfg.History.GetTask(ctx, id)
	if herr != nil {
		if errors.Is(herr, history.ErrNotFound) {
			return TaskDetail{}, err
		}
		return TaskDetail{}, herr
	}
	return TaskDetail{Task: row, Consensus: s.consensusRecords(ctx, id)}, nil
}

func (s *Server) consensusRecords(ctx context.Context, taskID string) []consensus.Record {
	recs := s.cfg.Engine.Records(taskID)
	if len(recs) > 0 || s.cfg.History == nil {
		if recs == nil {
			recs = []consensus.Record{}
		}
		return recs
	}
	stored, err := s.cfg.History.ListConsensus(ctx, taskID)
	if err != nil {
		s.logger.Warn("history consensus lookup failed", "task_id", taskID, "error", err)
		return []consensus.Record{}
	}
	return stored
}

// classify maps a command error to a wire code and HTTP status.
func classify(err error) (string, int) {
	switch {
	case errors.Is(err, protocol.ErrInvalidMessage), errors.Is(err, scheduler.ErrInvalidTask),
		errors.Is(err, conflict.ErrEmptyReport):
		return protocol.CodeInvalidArgs, http.StatusBadRequest
	case errors.Is(err, scheduler.ErrTaskNotFound):
		return protocol.CodeNotFound, http.StatusNotFound
	case errors.Is(err, scheduler.ErrTaskFinished):
		return protocol.CodeCommandFailed, http.StatusConflict
	case errors.Is(err, scheduler.ErrQueueFull):
		return protocol.CodeCommandFailed, http.StatusServiceUnavailable
	case errors.Is(err, ErrUnknownCommand):
		return protocol.CodeUnknownCommand, http.StatusBadRequest
	default:
		return protocol.CodeCommandFailed, http.StatusInternalServerError
	}
}
