package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-fleet/internal/audit"
	"github.com/basket/go-fleet/internal/config"
)

// apiClient talks to a running server using the local config's bind address
// and auth token.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(cfg config.Config) apiClient {
	addr := strings.TrimSpace(cfg.BindAddr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	base := ""
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		base = strings.TrimRight(addr, "/")
	} else {
		if host, port, err := net.SplitHostPort(addr); err == nil {
			if host == "" || host == "0.0.0.0" || host == "::" {
				host = "127.0.0.1"
			}
			addr = net.JoinHostPort(host, port)
		}
		base = "http://" + addr
	}
	return apiClient{base: base, token: cfg.AuthToken, http: &http.Client{Timeout: 5 * time.Second}}
}

func (c apiClient) get(ctx context.Context, path string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return 0, nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}

func runStatusCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: gofleet status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	client := newAPIClient(cfg)

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	code, health, err := client.get(reqCtx, "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	writeLine(out, health)
	if code != http.StatusOK {
		return 1
	}

	code, status, err := client.get(reqCtx, "/api/status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	if code != http.StatusOK {
		fmt.Fprintf(os.Stderr, "status: /api/status returned %d: %s\n", code, strings.TrimSpace(string(status)))
		return 1
	}
	var pretty map[string]any
	if err := json.Unmarshal(status, &pretty); err == nil {
		if formatted, err := json.MarshalIndent(pretty, "", "  "); err == nil {
			status = formatted
		}
	}
	writeLine(out, status)
	return 0
}

func writeLine(w io.Writer, b []byte) {
	_, _ = w.Write(b)
	if len(b) == 0 || b[len(b)-1] != '\n' {
		_, _ = w.Write([]byte("\n"))
	}
}

func runSetThresholdCommand(args []string, out io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: gofleet set-threshold <value in (0,1]>")
		return 2
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(args[0]), 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid threshold %q\n", args[0])
		return 2
	}
	home := config.HomeDir()
	if err := config.SetConsensusThreshold(home, v); err != nil {
		fmt.Fprintf(os.Stderr, "set-threshold: %v\n", err)
		return 1
	}
	if trail, err := audit.Open(home); err == nil {
		trail.Record(context.Background(), "config.set_threshold", audit.DecisionAllow, "cli", "consensus.threshold", strconv.FormatFloat(v, 'g', -1, 64))
		_ = trail.Close()
	}
	fmt.Fprintf(out, "consensus.threshold = %g in %s\n", v, config.ConfigPath(home))
	return 0
}
