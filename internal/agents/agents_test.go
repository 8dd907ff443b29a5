package agents

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-fleet/internal/tasks"
)

func newAgentServer(t *testing.T, vote string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/capabilities", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"capabilities": []string{"execution", "trade"}})
	})
	mux.HandleFunc("/vote", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Task tasks.Task `json:"task"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"vote": vote, "reasoning": "checked " + body.Task.Name})
	})
	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]string{"order": "filled"}})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "healthy", "metrics": map[string]float64{"cpu": 0.2}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClient_Calls(t *testing.T) {
	srv := newAgentServer(t, "APPROVE")
	c := NewHTTPClient([]Endpoint{{Name: "execution", URL: srv.URL + "/"}}, HTTPOptions{RequestsPerSecond: 100})
	ctx := context.Background()
	task := &tasks.Task{ID: "t1", Name: "buy spy"}

	caps, err := c.Capabilities(ctx, "execution")
	if err != nil || len(caps) != 2 || caps[0] != "execution" {
		t.Fatalf("capabilities = %v, err = %v", caps, err)
	}
	b, err := c.Vote(ctx, "execution", task)
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if b.Vote != VoteApprove || !strings.Contains(b.Reasoning, "buy spy") {
		t.Fatalf("ballot = %+v", b)
	}
	res, err := c.Execute(ctx, "execution", task)
	if err != nil || !strings.Contains(string(res), "filled") {
		t.Fatalf("execute = %s, err = %v", res, err)
	}
	h, err := c.Health(ctx, "execution")
	if err != nil || h.Status != "healthy" || h.Agent != "execution" {
		t.Fatalf("health = %+v, err = %v", h, err)
	}
	if got := c.Agents(); len(got) != 1 || got[0] != "execution" {
		t.Fatalf("agents = %v", got)
	}
}

func TestHTTPClient_InvalidVote(t *testing.T) {
	srv := newAgentServer(t, "maybe")
	c := NewHTTPClient([]Endpoint{{Name: "risk", URL: srv.URL}}, HTTPOptions{})
	if _, err := c.Vote(context.Background(), "risk", &tasks.Task{Name: "x"}); err == nil {
		t.Fatal("expected error for unknown vote value")
	}
}

func TestHTTPClient_UnknownAgent(t *testing.T) {
	c := NewHTTPClient(nil, HTTPOptions{})
	_, err := c.Vote(context.Background(), "ghost", &tasks.Task{})
	if !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("err = %v, want ErrUnknownAgent", err)
	}
}

func TestHTTPClient_ServerErrorAndTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/vote" {
			time.Sleep(200 * time.Millisecond)
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := NewHTTPClient([]Endpoint{{Name: "signal", URL: srv.URL}}, HTTPOptions{})

	if _, err := c.Execute(context.Background(), "signal", &tasks.Task{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("execute err = %v, want ErrUnavailable", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Vote(ctx, "signal", &tasks.Task{}); err == nil {
		t.Fatal("expected timeout error")
	}

	caps := CapabilitiesOrDefault(context.Background(), c, "signal")
	if len(caps) == 0 || caps[0] != "signal" {
		t.Fatalf("fallback capabilities = %v", caps)
	}
}

func TestStatic_Deterministic(t *testing.T) {
	s := NewStatic("research", "risk").
		SetBallot("risk", VoteReject, "exposure too high").
		FailExecute("research", errors.New("offline"))
	ctx := context.Background()
	task := &tasks.Task{ID: "t", Name: "hedge"}

	b, _ := s.Vote(ctx, "research", task)
	if b.Vote != VoteApprove {
		t.Fatalf("default ballot = %+v", b)
	}
	b, _ = s.Vote(ctx, "risk", task)
	if b.Vote != VoteReject || b.Reasoning != "exposure too high" {
		t.Fatalf("fixed ballot = %+v", b)
	}
	if _, err := s.Execute(ctx, "research", task); err == nil {
		t.Fatal("expected execute failure")
	}
	if _, err := s.Execute(ctx, "risk", task); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := s.Executed(); len(got) != 1 || got[0] != "risk:hedge" {
		t.Fatalf("executed = %v", got)
	}
	if s.VoteCalls() != 2 {
		t.Fatalf("vote calls = %d", s.VoteCalls())
	}
}

func TestStatic_DelayRespectsContext(t *testing.T) {
	s := NewStatic("signal").SetDelay("signal", time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Vote(ctx, "signal", &tasks.Task{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestParseVote(t *testing.T) {
	for _, in := range []string{"approve", " Reject ", "MODIFY"} {
		if _, err := ParseVote(in); err != nil {
			t.Errorf("ParseVote(%q): %v", in, err)
		}
	}
	if _, err := ParseVote("abstain"); err == nil {
		t.Error("expected error for abstain")
	}
}
