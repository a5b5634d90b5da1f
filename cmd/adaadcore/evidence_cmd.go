package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/adaad/core/pkg/evidence"
	"github.com/adaad/core/pkg/observability"
)

// runEvidenceCmd implements `adaadcore evidence build ...`.
func runEvidenceCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "build" {
		_, _ = fmt.Fprintln(stderr, "Usage: adaadcore evidence build --start <epoch> --end <epoch> --out <path>")
		return 2
	}

	cmd := flag.NewFlagSet("evidence build", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		start, end, out         string
		policyFingerprint       string
		modelName, modelVersion string
	)
	cmd.StringVar(&start, "start", "", "First epoch ID in range (REQUIRED)")
	cmd.StringVar(&end, "end", "", "Last epoch ID in range (REQUIRED)")
	cmd.StringVar(&out, "out", "", "Path to write the bundle to (REQUIRED)")
	cmd.StringVar(&policyFingerprint, "policy-fingerprint", "unknown", "Governance policy artifact fingerprint")
	cmd.StringVar(&modelName, "model-name", "adaad-governor", "Governance model name")
	cmd.StringVar(&modelVersion, "model-version", "dev", "Governance model version")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if start == "" || end == "" || out == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --start, --end, and --out are required")
		return 2
	}

	c, err := buildCore()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	policy := evidence.PolicyArtifact{
		SchemaVersion:   "governance-policy/v1",
		Fingerprint:     policyFingerprint,
		ModelName:       modelName,
		ModelVersion:    modelVersion,
		DeterminismPass: 0.98,
		DeterminismWarn: 0.9,
	}

	ctx := context.Background()
	defer func() { _ = c.telemetry.Shutdown(ctx) }()

	_, endOp := c.telemetry.TrackOperation(ctx, "evidence.build", observability.EvidenceBundleOperation("", []string{start, end})...)
	bundle, err := c.bundles.BuildBundle(start, end, policy, out)
	endOp(err)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: evidence bundle build failed: %v\n", err)
		return 1
	}

	data, _ := json.MarshalIndent(bundle, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}
