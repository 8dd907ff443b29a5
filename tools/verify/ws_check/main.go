// Command ws_check exercises a running gofleet /ws endpoint: auth rejection,
// ping, subscription, a system_status command and, optionally, a task
// submitted end to end.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-fleet/internal/protocol"
)

type options struct {
	url    string
	token  string
	submit bool
	agents []string
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:18790/ws", "websocket endpoint")
	timeout := flag.Duration("timeout", 15*time.Second, "overall timeout")
	token := flag.String("token", "", "bearer token expected by the gateway")
	submit := flag.Bool("submit", false, "submit a task and wait for it to finish")
	agentList := flag.String("agents", "research,risk", "agents for the submitted task")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	opts := options{url: *url, token: strings.TrimSpace(*token), submit: *submit, agents: strings.Split(*agentList, ",")}
	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "VERDICT FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func run(ctx context.Context, o options, out io.Writer) error {
	if o.token != "" {
		_, resp, err := websocket.Dial(ctx, o.url, nil)
		if err == nil {
			return errors.New("expected missing-auth dial to fail but it succeeded")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			return fmt.Errorf("expected 401 for missing auth, got response=%v err=%v", resp, err)
		}
		fmt.Fprintf(out, "AUTH_CHECK missing token rejected status=%d\n", resp.StatusCode)
	}

	dialOpts := &websocket.DialOptions{}
	if o.token != "" {
		dialOpts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + o.token}}
	}
	conn, _, err := websocket.Dial(ctx, o.url, dialOpts)
	if err != nil {
		return fmt.Errorf("authorized dial failed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	sess := &session{conn: conn}

	greeting, err := sess.readUntil(ctx, func(e protocol.Envelope) bool { return e.Type == protocol.TypeNotification })
	if err != nil {
		return fmt.Errorf("greeting: %w", err)
	}
	fmt.Fprintf(out, "GREETING %s\n", greeting.Data)

	ping := protocol.MustNew(protocol.TypePing, nil)
	if err := wsjson.Write(ctx, conn, ping); err != nil {
		return err
	}
	if _, err := sess.readUntil(ctx, func(e protocol.Envelope) bool { return e.Type == protocol.TypePong && e.ID == ping.ID }); err != nil {
		return fmt.Errorf("pong: %w", err)
	}
	fmt.Fprintln(out, "PING_CHECK ok")

	sub := protocol.MustNew(protocol.TypeSubscribe, protocol.SubscribeData{Topic: protocol.TopicTaskProgress})
	if err := wsjson.Write(ctx, conn, sub); err != nil {
		return err
	}
	if _, err := sess.readUntil(ctx, func(e protocol.Envelope) bool { return e.Type == protocol.TypeNotification }); err != nil {
		return fmt.Errorf("subscribe ack: %w", err)
	}
	fmt.Fprintln(out, "SUBSCRIBE_CHECK task_progress")

	status, err := sess.command(ctx, protocol.CommandSystemStatus, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "STATUS %s\n", status)

	if !o.submit {
		return nil
	}
	raw, err := sess.command(ctx, protocol.CommandSubmitTask, map[string]any{
		"name":   "ws-check",
		"agents": o.agents,
	})
	if err != nil {
		return err
	}
	var submitted struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(raw, &submitted); err != nil || submitted.TaskID == "" {
		return fmt.Errorf("submit result %s: %v", raw, err)
	}
	fmt.Fprintf(out, "SUBMITTED %s\n", submitted.TaskID)

	for {
		env, err := sess.readUntil(ctx, func(e protocol.Envelope) bool { return e.Type == protocol.TypeTaskProgress })
		if err != nil {
			return fmt.Errorf("task progress: %w", err)
		}
		var p protocol.TaskProgressData
		if err := env.Decode(&p); err != nil || p.TaskID != submitted.TaskID {
			continue
		}
		fmt.Fprintf(out, "PROGRESS %s %s\n", p.Status, p.Decision)
		switch p.Status {
		case "completed":
			return nil
		case "failed", "cancelled":
			return fmt.Errorf("task ended %s: %s", p.Status, p.Error)
		}
	}
}

// command sends a command envelope and returns the raw result of its reply.
func (s *session) command(ctx context.Context, name string, args any) (json.RawMessage, error) {
	data := protocol.CommandData{Command: name}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		data.Args = raw
	}
	req := protocol.MustNew(protocol.TypeCommand, data)
	if err := wsjson.Write(ctx, s.conn, req); err != nil {
		return nil, err
	}
	for {
		env, err := s.readUntil(ctx, func(e protocol.Envelope) bool {
			return e.Type == protocol.TypeNotification || e.Type == protocol.TypeError
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if env.Type == protocol.TypeError {
			return nil, fmt.Errorf("%s: server error %s", name, env.Data)
		}
		var res struct {
			RequestID string          `json:"request_id"`
			Result    json.RawMessage `json:"result"`
		}
		if err := env.Decode(&res); err == nil && res.RequestID == req.ID {
			return res.Result, nil
		}
	}
}

// session keeps task_progress envelopes that arrive while waiting for
// something else, so a fast task's transitions are not lost behind its
// submit reply.
type session struct {
	conn    *websocket.Conn
	backlog []protocol.Envelope
}

// readUntil returns the first backlogged or incoming envelope match accepts.
// Other envelopes are dropped, except task_progress which is backlogged.
func (s *session) readUntil(ctx context.Context, match func(protocol.Envelope) bool) (protocol.Envelope, error) {
	for i, env := range s.backlog {
		if match(env) {
			s.backlog = append(s.backlog[:i], s.backlog[i+1:]...)
			return env, nil
		}
	}
	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, s.conn, &env); err != nil {
			return protocol.Envelope{}, err
		}
		if match(env) {
			return env, nil
		}
		if env.Type == protocol.TypeTaskProgress {
			s.backlog = append(s.backlog, env)
		}
	}
}
