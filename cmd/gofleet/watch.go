package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/mattn/go-isatty"

	"github.com/basket/go-fleet/internal/config"
	"github.com/basket/go-fleet/internal/gateway"
	"github.com/basket/go-fleet/internal/protocol"
	"github.com/basket/go-fleet/internal/tui"
)

func runWatchCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: gofleet watch")
		return 2
	}
	// Without a terminal there is nothing to redraw; print one snapshot.
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return runStatusCommand(ctx, nil, os.Stdout)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	client := newAPIClient(cfg)

	feed := tui.NewActivityFeed()
	go followProgress(ctx, client, feed)

	if err := tui.Run(ctx, statusProvider(ctx, client), feed); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}

// statusProvider polls /healthz and /api/status for each dashboard refresh.
func statusProvider(ctx context.Context, client apiClient) tui.StatusProvider {
	return func() tui.Snapshot {
		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		var snap tui.Snapshot
		code, _, err := client.get(reqCtx, "/healthz")
		if err != nil {
			snap.Err = fmt.Errorf("healthz: %w", err)
			return snap
		}
		snap.Healthy = code == http.StatusOK

		code, body, err := client.get(reqCtx, "/api/status")
		if err != nil {
			snap.Err = fmt.Errorf("status: %w", err)
			return snap
		}
		if code != http.StatusOK {
			snap.Err = fmt.Errorf("status: HTTP %d", code)
			return snap
		}
		var report gateway.StatusReport
		if err := json.Unmarshal(body, &report); err != nil {
			snap.Err = fmt.Errorf("status: decode: %w", err)
			return snap
		}
		snap.Fleet = report.Snapshot
		snap.Version = report.Version
		snap.Uptime = time.Duration(report.UptimeSeconds * float64(time.Second))
		return snap
	}
}

// followProgress subscribes to task_progress over the websocket and feeds
// the activity list, reconnecting until ctx ends.
func followProgress(ctx context.Context, client apiClient, feed *tui.ActivityFeed) {
	wsURL := "ws" + strings.TrimPrefix(client.base, "http") + "/ws"
	for ctx.Err() == nil {
		_ = streamProgress(ctx, wsURL, client.token, feed)
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func streamProgress(ctx context.Context, wsURL, token string, feed *tui.ActivityFeed) error {
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	conn, _, err := websocket.Dial(dialCtx, wsURL, opts)
	cancel()
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	sub := protocol.MustNew(protocol.TypeSubscribe, protocol.SubscribeData{Topic: protocol.TopicTaskProgress})
	if err := wsjson.Write(ctx, conn, sub); err != nil {
		return err
	}
	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}
		switch env.Type {
		case protocol.TypeTaskProgress:
			var p protocol.TaskProgressData
			if err := env.Decode(&p); err == nil {
				feed.Observe(p)
			}
		case protocol.TypePing:
			_ = wsjson.Write(ctx, conn, protocol.Pong(env.ID))
		}
	}
}
