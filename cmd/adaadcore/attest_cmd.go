package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/adaad/core/pkg/observability"
	"github.com/adaad/core/pkg/replay"
)

// runAttestCmd implements `adaadcore attest build ...` and
// `adaadcore attest verify ...`.
func runAttestCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: adaadcore attest <build|verify> [flags]")
		return 2
	}

	switch args[0] {
	case "build":
		return runAttestBuild(args[1:], stdout, stderr)
	case "verify":
		return runAttestVerify(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "adaadcore attest: unknown subcommand %q\n", args[0])
		return 2
	}
}

func runAttestBuild(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("attest build", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var epochID, out string
	cmd.StringVar(&epochID, "epoch", "", "Epoch ID to attest (REQUIRED)")
	cmd.StringVar(&out, "out", "", "Optional path to also write the proof bundle to")
	if err := cmd.Parse(args); err != nil {
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

	_, endOp := c.telemetry.TrackOperation(ctx, "attest.build", observability.EpochReplayOperation(epochID, "")...)
	bundle, err := c.attestor.BuildBundle(epochID)
	endOp(err)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: attestation build failed: %v\n", err)
		return 1
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if out != "" {
		if err := os.WriteFile(out, data, 0o644); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: writing %s: %v\n", out, err)
			return 2
		}
	}
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}

func runAttestVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("attest verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var file string
	cmd.StringVar(&file, "file", "", "Path to a proof bundle JSON file (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}

	data, err := os.ReadFile(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: reading %s: %v\n", file, err)
		return 2
	}
	var bundle replay.ProofBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %s is not a valid proof bundle: %v\n", file, err)
		return 2
	}

	c, err := buildCore()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	ctx := context.Background()
	defer func() { _ = c.telemetry.Shutdown(ctx) }()

	result := replay.VerifyReplayProofBundle(bundle, replay.VerifyOptions{})
	_, endOp := c.telemetry.TrackOperation(ctx, "attest.verify", observability.ReplayProofVerificationOperation(result.ProofDigest, result.OK)...)
	endOp(nil)

	out, _ := json.MarshalIndent(result, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(out))
	if !result.OK {
		return 1
	}
	return 0
}
