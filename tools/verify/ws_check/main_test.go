package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-fleet/internal/agents"
	"github.com/basket/go-fleet/internal/bus"
	"github.com/basket/go-fleet/internal/conflict"
	"github.com/basket/go-fleet/internal/consensus"
	"github.com/basket/go-fleet/internal/gateway"
	"github.com/basket/go-fleet/internal/hub"
	"github.com/basket/go-fleet/internal/ledger"
	"github.com/basket/go-fleet/internal/scheduler"
)

func startGateway(t *testing.T, token string) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New()
	st := agents.NewStatic()
	load, perf := ledger.NewLoad(), ledger.NewPerformance()
	engine := consensus.New(st, st, consensus.Config{VoteTimeout: time.Second})
	sched := scheduler.New(scheduler.Config{}, scheduler.Deps{
		Engine: engine, Roster: st, Load: load, Perf: perf, Bus: b, Logger: logger,
	})
	reg := hub.NewRegistry(hub.RegistryOptions{Logger: logger, Bus: b})
	rt := hub.NewRouter(reg, hub.RouterOptions{SendTimeout: time.Second, Logger: logger})
	gw := gateway.New(gateway.Config{
		Registry: reg, Router: rt, Scheduler: sched, Engine: engine,
		Resolver: conflict.NewResolver(conflict.Options{Load: load, Logger: logger, Bus: b}),
		Load:     load, Perf: perf, Agents: st, Bus: b, Logger: logger, AuthToken: token,
	})
	ctx, cancel := context.WithCancel(context.Background())
	fwd := gw.NewForwarder()
	fwd.Start(ctx)
	sched.Start(ctx)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		reg.CloseAll(hub.ReasonShutdown)
		srv.Close()
		fwd.Stop()
		cancel()
		stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		_ = sched.Stop(stopCtx)
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestRunAgainstGateway(t *testing.T) {
	url := startGateway(t, "secret")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	err := run(ctx, options{url: url, token: "secret", submit: true, agents: []string{"research", "risk"}}, &out)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out.String())
	}
	for _, want := range []string{"AUTH_CHECK", "PING_CHECK ok", "SUBSCRIBE_CHECK", "STATUS ", "SUBMITTED ", "PROGRESS completed"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunFailsWhenUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := run(ctx, options{url: "ws://127.0.0.1:1/ws"}, io.Discard); err == nil {
		t.Fatal("expected dial error")
	}
}
