package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/basket/go-fleet/internal/config"
	"github.com/basket/go-fleet/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	asJSON := fs.Bool("json", false, "print the diagnosis as JSON")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: gofleet doctor [-json]")
		return 2
	}

	var (
		cfgPtr *config.Config
		d      doctor.Diagnosis
	)
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		d = doctor.Run(ctx, nil, nil, Version)
	} else {
		cfgPtr = &cfg
		d = doctor.Run(ctx, cfgPtr, buildAgents(cfg.Agents), Version)
	}

	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(d)
	} else {
		fmt.Fprintf(out, "gofleet %s (%s/%s, %s)\n\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
		for _, r := range d.Results {
			fmt.Fprintf(out, "[%s] %-12s %s\n", r.Status, r.Name, r.Message)
			if r.Detail != "" {
				fmt.Fprintf(out, "       %-12s %s\n", "", r.Detail)
			}
		}
	}
	if d.Failed() {
		return 1
	}
	return 0
}
