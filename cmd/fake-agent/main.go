// Command fake-agent serves deterministic agent endpoints for local runs of
// gofleet with agents.mode set to http.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-fleet/internal/agents"
	"github.com/basket/go-fleet/internal/config"
)

type options struct {
	addr   string
	names  []string
	reject []string
	modify []string
	delay  time.Duration
}

func parseOptions(args []string) (options, error) {
	fs := flag.NewFlagSet("fake-agent", flag.ContinueOnError)
	addr := fs.String("addr", strings.TrimPrefix(config.StarterAgentURL, "http://"), "listen address")
	names := fs.String("agents", strings.Join(agents.DefaultAgentNames, ","), "comma-separated agent names")
	reject := fs.String("reject", "", "agents that vote reject")
	modify := fs.String("modify", "", "agents that vote modify")
	delay := fs.Duration("delay", 0, "latency added to every vote and execute")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() != 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	o := options{addr: *addr, names: splitList(*names), reject: splitList(*reject), modify: splitList(*modify), delay: *delay}
	if len(o.names) == 0 {
		return options{}, errors.New("at least one agent name is required")
	}
	return o, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func buildStatic(o options) *agents.Static {
	s := agents.NewStatic(o.names...)
	for _, name := range o.reject {
		s.SetBallot(name, agents.VoteReject, name+" agent rejects")
	}
	for _, name := range o.modify {
		s.SetBallot(name, agents.VoteModify, name+" agent asks for changes")
	}
	if o.delay > 0 {
		for _, name := range o.names {
			s.SetDelay(name, o.delay)
		}
	}
	return s
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "fake-agent")

	o, err := parseOptions(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              o.addr,
		Handler:           agents.Handler(buildStatic(o)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("fake agents listening", "addr", o.addr, "agents", o.names)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("serve failed", "error", err)
		os.Exit(1)
	}
}
