package agents

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/basket/go-fleet/internal/tasks"
)

// Handler serves the agent side of the HTTPClient protocol for every agent
// the client knows, under /{agent}/capabilities, /vote, /execute and /health.
func Handler(c Client) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{agent}/capabilities", func(w http.ResponseWriter, r *http.Request) {
		caps, err := c.Capabilities(r.Context(), r.PathValue("agent"))
		if err != nil {
			agentError(w, err)
			return
		}
		writeAgentJSON(w, map[string]any{"capabilities": caps})
	})
	mux.HandleFunc("POST /{agent}/vote", func(w http.ResponseWriter, r *http.Request) {
		task, ok := decodeTask(w, r)
		if !ok {
			return
		}
		b, err := c.Vote(r.Context(), r.PathValue("agent"), task)
		if err != nil {
			agentError(w, err)
			return
		}
		writeAgentJSON(w, b)
	})
	mux.HandleFunc("POST /{agent}/execute", func(w http.ResponseWriter, r *http.Request) {
		task, ok := decodeTask(w, r)
		if !ok {
			return
		}
		res, err := c.Execute(r.Context(), r.PathValue("agent"), task)
		if err != nil {
			agentError(w, err)
			return
		}
		writeAgentJSON(w, map[string]json.RawMessage{"result": res})
	})
	mux.HandleFunc("GET /{agent}/health", func(w http.ResponseWriter, r *http.Request) {
		h, err := c.Health(r.Context(), r.PathValue("agent"))
		if err != nil {
			agentError(w, err)
			return
		}
		writeAgentJSON(w, h)
	})
	return mux
}

func decodeTask(w http.ResponseWriter, r *http.Request) (*tasks.Task, bool) {
	var body struct {
		Task *tasks.Task `json:"task"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil || body.Task == nil {
		http.Error(w, "body must be {\"task\": {...}}", http.StatusBadRequest)
		return nil, false
	}
	return body.Task, true
}

func agentError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, ErrUnknownAgent) {
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}

func writeAgentJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
