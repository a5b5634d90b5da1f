package main

import (
	"context"
	"fmt"
	"os"

	"github.com/adaad/core/pkg/canonical"
	"github.com/adaad/core/pkg/capabilities"
	"github.com/adaad/core/pkg/config"
	"github.com/adaad/core/pkg/evidence"
	"github.com/adaad/core/pkg/lineage"
	"github.com/adaad/core/pkg/observability"
	"github.com/adaad/core/pkg/replay"
)

// core bundles every governance-core component the composition root wires
// together, built once per CLI invocation from the resolved environment.
type core struct {
	cfg       *config.GovernanceConfig
	ledger    *lineage.Ledger
	epochs    *replay.EpochEngine
	registry  *capabilities.CapabilityRegistry
	bundles   *evidence.BundleBuilder
	attestor  *replay.ReplayProofBuilder
	telemetry *observability.Provider
}

// buildCore opens the ledger and constructs every component that depends
// on it. It is the one place GoalGraphFingerprintFunc gets a real
// implementation: a SHA-256 digest over the raw bytes of the goal graph
// document at cfg.GoalGraphPath, matching how the original resolves
// mutation_graph_fingerprint from a fixed file on disk.
func buildCore() (*core, error) {
	cfg := config.LoadGovernanceConfig()

	ledger, err := lineage.Open(cfg.LineagePath)
	if err != nil {
		return nil, fmt.Errorf("opening lineage ledger: %w", err)
	}

	epochs := replay.NewEpochEngine(ledger)
	registry := capabilities.NewCapabilityRegistry(cfg.CapabilityRegistryPath)
	bundles := evidence.NewBundleBuilder(ledger, epochs, cfg.SandboxEvidencePath)
	attestor := replay.NewReplayProofBuilder(ledger, epochs, func() (string, error) {
		return goalGraphFingerprint(cfg.GoalGraphPath)
	})

	telemetry, err := observability.New(context.Background(), telemetryConfig())
	if err != nil {
		return nil, fmt.Errorf("starting telemetry provider: %w", err)
	}

	return &core{
		cfg:       cfg,
		ledger:    ledger,
		epochs:    epochs,
		registry:  registry,
		bundles:   bundles,
		attestor:  attestor,
		telemetry: telemetry,
	}, nil
}

// telemetryConfig builds the OTel provider configuration for this CLI
// invocation. Telemetry stays off by default — a one-shot CLI command has
// no business dialing a collector unless an operator asks for it — and is
// enabled only when ADAAD_OTEL_ENABLED=true.
func telemetryConfig() *observability.Config {
	cfg := observability.DefaultConfig()
	cfg.ServiceName = "adaadcore"
	cfg.Enabled = os.Getenv("ADAAD_OTEL_ENABLED") == "true"
	if endpoint := os.Getenv("ADAAD_OTEL_ENDPOINT"); endpoint != "" {
		cfg.OTLPEndpoint = endpoint
	}
	return cfg
}

// goalGraphFingerprint hashes the raw bytes of the goal graph document at
// path. A missing file is a hard failure: replay attestation must fail
// closed rather than attest against an absent goal graph.
func goalGraphFingerprint(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("replay_proof_goal_graph_missing: %w", err)
	}
	return canonical.SHA256Prefixed(data), nil
}
