package gateway_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-fleet/internal/agents"
	"github.com/basket/go-fleet/internal/audit"
	"github.com/basket/go-fleet/internal/bus"
	"github.com/basket/go-fleet/internal/conflict"
	"github.com/basket/go-fleet/internal/consensus"
	"github.com/basket/go-fleet/internal/gateway"
	"github.com/basket/go-fleet/internal/hub"
	"github.com/basket/go-fleet/internal/ledger"
	"github.com/basket/go-fleet/internal/protocol"
	"github.com/basket/go-fleet/internal/scheduler"
)

type fixture struct {
	srv   *httptest.Server
	gw    *gateway.Server
	reg   *hub.Registry
	rt    *hub.Router
	sched *scheduler.Scheduler
	bus   *bus.Bus
}

type fixtureOptions struct {
	token  string
	policy hub.SheddingPolicy
	audit  *audit.Log
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New()
	st := agents.NewStatic()
	load := ledger.NewLoad()
	perf := ledger.NewPerformance()
	engine := consensus.New(st, st, consensus.Config{ConfidenceThreshold: 0.7, VoteTimeout: time.Second})
	sched := scheduler.New(scheduler.Config{}, scheduler.Deps{
		Engine: engine, Roster: st, Load: load, Perf: perf, Bus: b, Logger: logger,
	})
	reg := hub.NewRegistry(hub.RegistryOptions{Policy: opts.policy, Logger: logger, Bus: b})
	rt := hub.NewRouter(reg, hub.RouterOptions{SendTimeout: time.Second, Logger: logger})
	gw := gateway.New(gateway.Config{
		Registry:  reg,
		Router:    rt,
		Scheduler: sched,
		Engine:    engine,
		Resolver:  conflict.NewResolver(conflict.Options{Load: load, Logger: logger, Bus: b}),
		Load:      load,
		Perf:      perf,
		Agents:    st,
		Bus:       b,
		Logger:    logger,
		AuthToken: opts.token,
		Audit:     opts.audit,
	})
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		reg.CloseAll(hub.ReasonShutdown)
		srv.Close()
	})
	return &fixture{srv: srv, gw: gw, reg: reg, rt: rt, sched: sched, bus: b}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp, out
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEnv(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var env protocol.Envelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func writeEnv(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, env); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// connect dials and consumes the greeting, returning the connection id.
func (f *fixture) connect(t *testing.T) (*websocket.Conn, string) {
	t.Helper()
	conn := f.dial(t)
	greet := readEnv(t, conn)
	var data map[string]string
	if err := greet.Decode(&data); err != nil || greet.Type != protocol.TypeNotification || data["connection_id"] == "" {
		t.Fatalf("unexpected greeting: %+v %v", greet, err)
	}
	return conn, data["connection_id"]
}

func subscribe(t *testing.T, conn *websocket.Conn, topic string) {
	t.Helper()
	writeEnv(t, conn, protocol.MustNew(protocol.TypeSubscribe, protocol.SubscribeData{Topic: topic}))
	ack := readEnv(t, conn)
	var data map[string]string
	if err := ack.Decode(&data); err != nil || data["title"] != "subscribed" || data["message"] != topic {
		t.Fatalf("unexpected subscribe ack: %+v", ack)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	resp, body := f.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["healthy"] != true {
		t.Fatalf("payload = %v", payload)
	}
	if resp.Header.Get("X-Trace-ID") == "" {
		t.Fatal("missing X-Trace-ID response header")
	}

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/healthz", nil)
	req.Header.Set("X-Trace-ID", "trace-abc")
	echoed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	echoed.Body.Close()
	if got := echoed.Header.Get("X-Trace-ID"); got != "trace-abc" {
		t.Fatalf("X-Trace-ID = %q, want trace-abc", got)
	}
}

func TestSubmitGetAndCancelTask(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp, body := f.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"name": "scan", "description": "research the market", "priority": "high", "agents": []string{"research"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d body=%s", resp.StatusCode, body)
	}
	var sub gateway.SubmitResult
	if err := json.Unmarshal(body, &sub); err != nil || sub.TaskID == "" || sub.Status != "pending" {
		t.Fatalf("submit result = %+v %v", sub, err)
	}

	resp, body = f.do(t, http.MethodGet, "/api/tasks/"+sub.TaskID, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"consensus":[]`) {
		t.Fatalf("get status = %d body=%s", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodGet, "/api/tasks?status=pending", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"count":1`) {
		t.Fatalf("list status = %d body=%s", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodPost, "/api/tasks/"+sub.TaskID+"/cancel", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status":"cancelled"`) {
		t.Fatalf("cancel status = %d body=%s", resp.StatusCode, body)
	}
	resp, _ = f.do(t, http.MethodPost, "/api/tasks/"+sub.TaskID+"/cancel", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", resp.StatusCode)
	}
}

func TestTaskErrors(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
		code   string
	}{
		{"missing name", http.MethodPost, "/api/tasks", map[string]any{"description": "x"}, http.StatusBadRequest, protocol.CodeInvalidArgs},
		{"bad priority", http.MethodPost, "/api/tasks", map[string]any{"name": "x", "priority": 9}, http.StatusBadRequest, protocol.CodeInvalidArgs},
		{"unknown task", http.MethodGet, "/api/tasks/nope", nil, http.StatusNotFound, protocol.CodeNotFound},
		{"cancel unknown", http.MethodPost, "/api/tasks/nope/cancel", nil, http.StatusNotFound, protocol.CodeNotFound},
		{"bad filter", http.MethodGet, "/api/tasks?status=bogus", nil, http.StatusBadRequest, protocol.CodeInvalidArgs},
		{"history disabled", http.MethodGet, "/api/tasks?source=history", nil, http.StatusServiceUnavailable, protocol.CodeCommandFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d (body=%s)", resp.StatusCode, tt.want, body)
			}
			var e map[string]string
			if err := json.Unmarshal(body, &e); err != nil || e["code"] != tt.code {
				t.Fatalf("error body = %s", body)
			}
		})
	}
}

func TestAuthGuardsAPI(t *testing.T) {
	f := newFixture(t, fixtureOptions{token: "secret"})
	if resp, _ := f.do(t, http.MethodGet, "/api/status", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no key status = %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, "/healthz", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, "/api/status?token=secret", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("authorized status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/ws", nil)
	if err == nil {
		t.Fatal("expected unauthenticated websocket dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("ws dial response = %+v", resp)
	}
}

func TestAuditTrail(t *testing.T) {
	home := t.TempDir()
	trail, err := audit.Open(home)
	if err != nil {
		t.Fatal(err)
	}
	defer trail.Close()
	f := newFixture(t, fixtureOptions{token: "secret", audit: trail})

	if resp, _ := f.do(t, http.MethodGet, "/api/status?token=wrong", nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong key status = %d", resp.StatusCode)
	}
	resp, body := f.do(t, http.MethodPost, "/api/tasks?token=secret", map[string]any{"name": "a", "agents": []string{"risk"}})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d: %s", resp.StatusCode, body)
	}
	var sub gateway.SubmitResult
	if err := json.Unmarshal(body, &sub); err != nil {
		t.Fatal(err)
	}
	if resp, body := f.do(t, http.MethodPost, "/api/tasks/"+sub.TaskID+"/cancel?token=secret", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", resp.StatusCode, body)
	}

	raw, err := os.ReadFile(audit.Path(home))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("audit lines = %q", lines)
	}
	var deny, cancel audit.Entry
	_ = json.Unmarshal([]byte(lines[0]), &deny)
	_ = json.Unmarshal([]byte(lines[1]), &cancel)
	if deny.Action != "auth" || deny.Decision != audit.DecisionDeny || deny.Target != "/api/status" {
		t.Fatalf("deny entry = %+v", deny)
	}
	if cancel.Action != "task.cancel" || cancel.Decision != audit.DecisionAllow || cancel.Target != sub.TaskID ||
		!strings.HasPrefix(cancel.Subject, "key-") {
		t.Fatalf("cancel entry = %+v", cancel)
	}
	if trail.DenyCount() != 1 {
		t.Fatalf("DenyCount = %d", trail.DenyCount())
	}
}

func TestStatusAndMetrics(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.do(t, http.MethodPost, "/api/tasks", map[string]any{"name": "a", "agents": []string{"risk"}})

	resp, body := f.do(t, http.MethodGet, "/api/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var report gateway.StatusReport
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatal(err)
	}
	if report.QueueDepth != 1 || report.TasksByStatus["pending"] != 1 || report.ConsensusThreshold != 0.7 {
		t.Fatalf("report = %+v", report)
	}

	resp, body = f.do(t, http.MethodGet, "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	for _, want := range []string{"gofleet_queue_depth 1", `gofleet_http_requests_total{method="GET",route="GET /api/status",status="200"} 1`} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestAgentsReport(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	resp, body := f.do(t, http.MethodGet, "/api/agents", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Agents []gateway.AgentReport `json:"agents"`
		Count  int                   `json:"count"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Count != len(agents.DefaultAgentNames) {
		t.Fatalf("count = %d", out.Count)
	}
	for i, a := range out.Agents {
		if a.Name != agents.DefaultAgentNames[i] || len(a.Capabilities) == 0 || a.Health == nil {
			t.Fatalf("agent row %d = %+v", i, a)
		}
	}
}

func TestConflictEndpoints(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	resp, body := f.do(t, http.MethodPost, "/api/conflicts", map[string]any{
		"description": "resource contention on research", "agents": []string{"research", "risk"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d body=%s", resp.StatusCode, body)
	}
	var rec conflict.Record
	if err := json.Unmarshal(body, &rec); err != nil || rec.Type != conflict.TypeResource {
		t.Fatalf("record = %+v %v", rec, err)
	}
	if resp, _ := f.do(t, http.MethodPost, "/api/conflicts", map[string]any{}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty report status = %d", resp.StatusCode)
	}

	_, body = f.do(t, http.MethodGet, "/api/conflicts/report", nil)
	var report struct {
		Summary conflict.Summary  `json:"summary"`
		Recent  []conflict.Record `json:"recent"`
	}
	if err := json.Unmarshal(body, &report); err != nil || report.Summary.Total != 1 || len(report.Recent) != 1 {
		t.Fatalf("report = %s", body)
	}
}

func TestWS_PingPong(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	conn, _ := f.connect(t)

	ping := protocol.MustNew(protocol.TypePing, nil)
	writeEnv(t, conn, ping)
	pong := readEnv(t, conn)
	if pong.Type != protocol.TypePong || pong.ID != ping.ID {
		t.Fatalf("pong = %+v", pong)
	}
}

func TestWS_InvalidMessage(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	conn, _ := f.connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatal(err)
	}
	env := readEnv(t, conn)
	var data protocol.ErrorData
	if err := env.Decode(&data); err != nil || env.Type != protocol.TypeError || data.Code != protocol.CodeInvalidMessage {
		t.Fatalf("error envelope = %+v", env)
	}

	// Server-only types are refused.
	writeEnv(t, conn, protocol.MustNew(protocol.TypeSystemMetrics, map[string]int{"connections": 1}))
	env = readEnv(t, conn)
	if env.Type != protocol.TypeError {
		t.Fatalf("expected error for server-only type, got %+v", env)
	}
}

func TestWS_CommandSubmitAndStatus(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	conn, _ := f.connect(t)

	cmd := protocol.MustNew(protocol.TypeCommand, protocol.CommandData{
		Command: protocol.CommandSubmitTask,
		Args:    json.RawMessage(`{"name":"ws task","priority":1,"agents":["signal"]}`),
	})
	writeEnv(t, conn, cmd)
	env := readEnv(t, conn)
	var res struct {
		Command   string               `json:"command"`
		RequestID string               `json:"request_id"`
		Result    gateway.SubmitResult `json:"result"`
	}
	if err := env.Decode(&res); err != nil || res.RequestID != cmd.ID || res.Result.TaskID == "" {
		t.Fatalf("command result = %+v %v", env, err)
	}

	writeEnv(t, conn, protocol.MustNew(protocol.TypeCommand, protocol.CommandData{Command: "reboot"}))
	env = readEnv(t, conn)
	var e protocol.ErrorData
	if err := env.Decode(&e); err != nil || e.Code != protocol.CodeUnknownCommand {
		t.Fatalf("unknown command reply = %+v", env)
	}

	writeEnv(t, conn, protocol.MustNew(protocol.TypeCommand, protocol.CommandData{
		Command: protocol.CommandCancelTask,
		Args:    json.RawMessage(`{"task_id":"missing"}`),
	}))
	env = readEnv(t, conn)
	if err := env.Decode(&e); err != nil || e.Code != protocol.CodeNotFound {
		t.Fatalf("cancel missing reply = %+v", env)
	}
}

func TestWS_AgentBindingAndSubscriptions(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	conn, id := f.connect(t)

	writeEnv(t, conn, protocol.MustNew(protocol.TypeAgentStatus, protocol.AgentStatusData{Agent: "risk"}))
	readEnv(t, conn)
	if got := f.reg.ConnectionsForAgent("risk"); len(got) != 1 || got[0] != id {
		t.Fatalf("agent binding = %v", got)
	}

	resp, body := f.do(t, http.MethodPost, "/api/subscriptions", map[string]string{
		"connection_id": id, "topic": protocol.TopicNotifications,
	})
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"changed":true`) {
		t.Fatalf("subscription status = %d body=%s", resp.StatusCode, body)
	}
	if resp, _ := f.do(t, http.MethodPost, "/api/subscriptions", map[string]string{
		"connection_id": "nope", "topic": "x",
	}); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown connection status = %d", resp.StatusCode)
	}

	resp, body = f.do(t, http.MethodPost, "/api/broadcast", map[string]any{
		"topic": protocol.TopicNotifications,
		"data":  map[string]string{"message": "market closed", "level": "info"},
	})
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"delivered":1`) {
		t.Fatalf("broadcast status = %d body=%s", resp.StatusCode, body)
	}
	env := readEnv(t, conn)
	var n protocol.NotificationData
	if err := env.Decode(&n); err != nil || n.Message != "market closed" {
		t.Fatalf("broadcast envelope = %+v", env)
	}

	if resp, _ := f.do(t, http.MethodPost, "/api/broadcast", map[string]any{
		"data": map[string]string{"level": "info"},
	}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid broadcast status = %d", resp.StatusCode)
	}

	_, body = f.do(t, http.MethodGet, "/api/connections/stats", nil)
	if !strings.Contains(string(body), `"total":1`) || !strings.Contains(string(body), `"risk":1`) {
		t.Fatalf("stats = %s", body)
	}
}

func TestWS_PeerUpdatesRelayedToTopic(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	listener, _ := f.connect(t)
	subscribe(t, listener, protocol.TopicTradeUpdates)
	sender, _ := f.connect(t)

	update := protocol.MustNew(protocol.TypeTradeUpdate, map[string]any{"symbol": "BTC", "side": "buy"})
	writeEnv(t, sender, update)
	got := readEnv(t, listener)
	if got.Type != protocol.TypeTradeUpdate || got.ID != update.ID {
		t.Fatalf("relayed envelope = %+v", got)
	}
}

func TestWS_CapacityRejectsWithCloseFrame(t *testing.T) {
	f := newFixture(t, fixtureOptions{policy: hub.SheddingPolicy{WarnAt: 1, HighWaterMark: 1, Target: 1, HardCap: 1}})
	f.connect(t)

	conn := f.dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusTryAgainLater {
		t.Fatalf("close status = %v (err=%v)", status, err)
	}
}

func TestForwarderPublishesTaskProgress(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	fwd := f.gw.NewForwarder()
	fwd.Start(context.Background())
	defer fwd.Stop()

	conn, _ := f.connect(t)
	subscribe(t, conn, protocol.TopicTaskProgress)

	id, err := f.sched.Submit(context.Background(), scheduler.Request{Name: "watched", Agents: []string{"research"}})
	if err != nil {
		t.Fatal(err)
	}
	env := readEnv(t, conn)
	var p protocol.TaskProgressData
	if err := env.Decode(&p); err != nil || env.Type != protocol.TypeTaskProgress || p.TaskID != id || p.Status != "pending" {
		t.Fatalf("progress = %+v %+v", env, p)
	}

	f.bus.Publish(bus.TopicConflictResolved, conflict.Record{
		Type:   conflict.TypeResource,
		Report: conflict.Report{Description: "contention"},
		Plan:   conflict.Plan{Strategy: conflict.StrategyLoadBalancing, Action: "redistribute_tasks"},
	})
	// Not subscribed to conflicts, so only the cancel shows up next.
	if _, err := f.sched.Cancel(id); err != nil {
		t.Fatal(err)
	}
	env = readEnv(t, conn)
	if err := env.Decode(&p); err != nil || p.Status != "cancelled" || p.PreviousStatus != "pending" {
		t.Fatalf("cancel progress = %+v", p)
	}
}

func TestTaskEventStream(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	id, err := f.sched.Submit(context.Background(), scheduler.Request{Name: "streamed", Agents: []string{"risk"}})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/tasks/"+id+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	var events []string
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "event: ") {
			continue
		}
		events = append(events, strings.TrimPrefix(line, "event: "))
		if len(events) == 1 {
			if _, err := f.sched.Cancel(id); err != nil {
				t.Fatal(err)
			}
		}
	}
	if len(events) != 2 || events[0] != "snapshot" || events[1] != "progress" {
		t.Fatalf("events = %v", events)
	}

	// A task that finished before the stream opened yields only its
	// terminal snapshot.
	done, err := f.sched.Submit(context.Background(), scheduler.Request{Name: "already done", Agents: []string{"risk"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.sched.Cancel(done); err != nil {
		t.Fatal(err)
	}
	req, _ = http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/tasks/"+done+"/events", nil)
	finished, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer finished.Body.Close()
	var tail []string
	fsc := bufio.NewScanner(finished.Body)
	for fsc.Scan() {
		if line := fsc.Text(); strings.HasPrefix(line, "event: ") {
			tail = append(tail, strings.TrimPrefix(line, "event: "))
		}
	}
	if len(tail) != 1 || tail[0] != "snapshot" {
		t.Fatalf("finished task events = %v", tail)
	}
	if ctx.Err() != nil {
		t.Fatal("finished task stream did not close on its own")
	}

	resp2, body := f.do(t, http.MethodGet, "/api/tasks/nope/events", nil)
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("missing task stream status = %d body=%s", resp2.StatusCode, body)
	}
}
