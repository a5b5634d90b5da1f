package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/adaad/core/pkg/observability"
)

// runCapabilityCmd implements `adaadcore capability register ...` and
// `adaadcore capability list`.
func runCapabilityCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: adaadcore capability <register|list> [flags]")
		return 2
	}

	switch args[0] {
	case "register":
		return runCapabilityRegister(args[1:], stdout, stderr)
	case "list":
		return runCapabilityList(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "adaadcore capability: unknown subcommand %q\n", args[0])
		return 2
	}
}

func runCapabilityRegister(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("capability register", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		name, version, owner, requires string
		score                          float64
	)
	cmd.StringVar(&name, "name", "", "Capability name (REQUIRED)")
	cmd.StringVar(&version, "version", "", "Capability version (REQUIRED)")
	cmd.Float64Var(&score, "score", 0, "Capability score")
	cmd.StringVar(&owner, "owner", "", "Owner element ID (REQUIRED)")
	cmd.StringVar(&requires, "requires", "", "Comma-separated list of required capability names")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if name == "" || version == "" || owner == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --name, --version, and --owner are required")
		return 2
	}

	var requiresList []string
	if requires != "" {
		requiresList = strings.Split(requires, ",")
	}

	c, err := buildCore()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	ctx := context.Background()
	defer func() { _ = c.telemetry.Shutdown(ctx) }()

	_, end := c.telemetry.TrackOperation(ctx, "capability.register", observability.CapabilityRegistrationOperation(name, owner, score)...)
	err = c.registry.Register(name, version, score, owner, requiresList, nil)
	end(err)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: registration rejected: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "registered %s@%s (score=%s)\n", name, version, strconv.FormatFloat(score, 'f', -1, 64))
	return 0
}

func runCapabilityList(args []string, stdout, stderr io.Writer) int {
	c, err := buildCore()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	caps, err := c.registry.Capabilities()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	data, _ := json.MarshalIndent(caps, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}
