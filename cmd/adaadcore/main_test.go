package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/adaad/core/pkg/lineage"
	"github.com/stretchr/testify/require"
)

// seedEnv points every governance-core path at a fresh temp directory and
// seeds the lineage ledger with one complete epoch, so each subcommand has
// something real to operate against.
func seedEnv(t *testing.T) {
	t.Helper()
	dataDir := t.TempDir()
	t.Setenv("ADAAD_DATA_DIR", dataDir)
	t.Setenv("ADAAD_LINEAGE_PATH", filepath.Join(dataDir, "lineage.jsonl"))
	t.Setenv("ADAAD_CAPABILITY_REGISTRY_PATH", filepath.Join(dataDir, "capabilities.json"))
	t.Setenv("ADAAD_GOAL_GRAPH_PATH", filepath.Join(dataDir, "goal_graph.json"))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "goal_graph.json"), []byte(`{"nodes":[]}`), 0o644))

	ledger, err := lineage.Open(filepath.Join(dataDir, "lineage.jsonl"))
	require.NoError(t, err)
	_, err = ledger.AppendEvent(lineage.EventEpochStart, map[string]interface{}{"epoch_id": "epoch-1"})
	require.NoError(t, err)
	_, _, err = ledger.AppendBundleWithDigest("epoch-1", map[string]interface{}{
		"epoch_id":  "epoch-1",
		"bundle_id": "bundle-1",
		"risk_tier": "low",
	}, lineage.BundleDigestMaterial{EpochID: "epoch-1", BundleID: "bundle-1"})
	require.NoError(t, err)
	_, err = ledger.AppendEvent(lineage.EventEpochCheckpoint, map[string]interface{}{
		"epoch_id":             "epoch-1",
		"checkpoint_id":        "cp-1",
		"checkpoint_hash":      "sha256:cp1",
		"prev_checkpoint_hash": "sha256:cp0",
		"created_at":           "2026-01-01T00:00:00Z",
		"sandbox_policy_hash":  "sha256:sandboxpolicy",
	})
	require.NoError(t, err)
	_, err = ledger.AppendEvent(lineage.EventEpochEnd, map[string]interface{}{"epoch_id": "epoch-1"})
	require.NoError(t, err)
}

func runCLI(args ...string) (stdout, stderr string, code int) {
	var outBuf, errBuf bytes.Buffer
	code = Run(append([]string{"adaadcore"}, args...), &outBuf, &errBuf)
	return outBuf.String(), errBuf.String(), code
}

func TestEpochReplay_ReturnsDeterministicDigest(t *testing.T) {
	seedEnv(t)

	out1, _, code1 := runCLI("epoch", "replay", "--epoch", "epoch-1")
	require.Equal(t, 0, code1)
	out2, _, code2 := runCLI("epoch", "replay", "--epoch", "epoch-1")
	require.Equal(t, 0, code2)
	require.Equal(t, out1, out2)
	require.Contains(t, out1, "epoch-1")
}

func TestCapabilityRegisterAndList_RoundTrip(t *testing.T) {
	seedEnv(t)

	_, stderr, code := runCLI("capability", "register", "--name", "email-sender", "--version", "1.0.0", "--score", "0.9", "--owner", "organ-comms")
	require.Equal(t, 0, code, stderr)

	out, _, code := runCLI("capability", "list")
	require.Equal(t, 0, code)
	var caps map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &caps))
	require.Contains(t, caps, "email-sender")
}

func TestEvidenceBuild_ProducesSignedBundle(t *testing.T) {
	seedEnv(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "bundle.json")

	_, stderr, code := runCLI("evidence", "build", "--start", "epoch-1", "--end", "epoch-1", "--out", out)
	require.Equal(t, 0, code, stderr)

	_, err := os.Stat(out)
	require.NoError(t, err)
}

func TestAttestBuildAndVerify_RoundTrip(t *testing.T) {
	seedEnv(t)
	dir := t.TempDir()
	proofPath := filepath.Join(dir, "proof.json")

	_, stderr, code := runCLI("attest", "build", "--epoch", "epoch-1", "--out", proofPath)
	require.Equal(t, 0, code, stderr)

	stdout, _, code := runCLI("attest", "verify", "--file", proofPath)
	require.Equal(t, 0, code, stdout)
	require.Contains(t, stdout, `"ok": true`)
}

func TestMissingRequiredFlag_FailsWithUsageError(t *testing.T) {
	seedEnv(t)

	_, stderr, code := runCLI("epoch", "replay")
	require.Equal(t, 2, code)
	require.Contains(t, stderr, "--epoch")
}
