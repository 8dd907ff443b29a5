package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/basket/go-fleet/internal/bus"
	"github.com/basket/go-fleet/internal/tasks"
)

const defaultStreamRecheck = time.Second

// handleTaskStream implements GET /api/tasks/{id}/events. It subscribes to
// task and consensus bus events for one task and writes them as server-sent
// events until the task reaches a terminal state or the client goes away.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	// Subscribe before the initial snapshot so no transition is missed.
	sub := s.cfg.Bus.Subscribe("task.", "consensus.")
	defer s.cfg.Bus.Unsubscribe(sub)

	lookup := func() (*tasks.Task, error) { return s.cfg.Scheduler.Get(taskID) }
	t, err := lookup()
	if err != nil {
		code, status := classify(err)
		writeError(w, status, code, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	write := func(event string, v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			s.logger.Error("sse: marshal event", "error", err)
			return true
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			s.logger.Debug("sse: write failed", "task_id", taskID, "error", err)
			return false
		}
		flusher.Flush()
		return true
	}

	if !write("snapshot", t) || t.Status.Terminal() {
		return
	}

	s.followTask(r.Context(), sub, taskID, lookup, write)
}

// followTask writes progress events for taskID until it reaches a terminal
// state. When the subscription has dropped events the task is re-read on the
// next recheck tick, so a lost terminal transition still ends the stream.
func (s *Server) followTask(ctx context.Context, sub *bus.Subscription, taskID string,
	lookup func() (*tasks.Task, error), write func(event string, v any) bool) {
	interval := s.cfg.StreamRecheck
	if interval <= 0 {
		interval = defaultStreamRecheck
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seenDrops int64
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected", "task_id", taskID)
			return
		case <-ticker.C:
			dropped := sub.Dropped()
			if dropped == seenDrops {
				continue
			}
			seenDrops = dropped
			t, err := lookup()
			if err != nil {
				s.logger.Warn("sse: task vanished", "task_id", taskID, "error", err)
				return
			}
			if t.Status.Terminal() {
				write("snapshot", t)
				return
			}
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			data, ok := progressFromEvent(ev)
			if !ok || data.TaskID != taskID {
				continue
			}
			if !write("progress", data) {
				return
			}
			if tasks.Status(data.Status).Terminal() {
				return
			}
		}
	}
}
