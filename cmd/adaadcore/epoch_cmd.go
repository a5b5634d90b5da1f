package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/adaad/core/pkg/observability"
)

// runEpochCmd implements `adaadcore epoch replay --epoch <id>`.
func runEpochCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "replay" {
		_, _ = fmt.Fprintln(stderr, "Usage: adaadcore epoch replay --epoch <id>")
		return 2
	}

	cmd := flag.NewFlagSet("epoch replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var epochID string
	cmd.StringVar(&epochID, "epoch", "", "Epoch ID to replay (REQUIRED)")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if epochID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --epoch is required")
		return 2
	}

	c, err := buildCore()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	ctx := context.Background()
	defer func() { _ = c.telemetry.Shutdown(ctx) }()

	ctx, end := c.telemetry.TrackOperation(ctx, "epoch.replay", observability.EpochReplayOperation(epochID, "")...)
	result, err := c.epochs.ReplayEpoch(epochID)
	end(err)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: replay failed: %v\n", err)
		return 1
	}

	data, _ := json.MarshalIndent(result, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}
