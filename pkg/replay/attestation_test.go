package replay

import (
	"path/filepath"
	"testing"

	"github.com/adaad/core/pkg/canonical"
	"github.com/adaad/core/pkg/lineage"
	"github.com/stretchr/testify/require"
)

func fixedGoalGraphFingerprint() (string, error) {
	return "sha256:goalgraph", nil
}

func seedAttestationLedger(t *testing.T) *lineage.Ledger {
	t.Helper()
	ledger, err := lineage.Open(filepath.Join(t.TempDir(), "lineage.jsonl"))
	require.NoError(t, err)

	_, err = ledger.AppendEvent(lineage.EventEpochStart, map[string]interface{}{"epoch_id": "epoch-1"})
	require.NoError(t, err)
	_, _, err = ledger.AppendBundleWithDigest("epoch-1", map[string]interface{}{
		"epoch_id":  "epoch-1",
		"bundle_id": "bundle-1",
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
	return ledger
}

func TestReplayProofBuilder_BuildBundleProducesValidSignedBundle(t *testing.T) {
	ledger := seedAttestationLedger(t)
	engine := NewEpochEngine(ledger)
	builder := NewReplayProofBuilder(ledger, engine, fixedGoalGraphFingerprint)

	bundle, err := builder.BuildBundle("epoch-1")
	require.NoError(t, err)
	require.Equal(t, "epoch-1", bundle.EpochID)
	require.Len(t, bundle.CheckpointChain, 1)
	require.Equal(t, "sha256:sandboxpolicy", bundle.SandboxPolicyHash)
	require.NotEmpty(t, bundle.ProofDigest)
	require.Len(t, bundle.Signatures, 1)
	require.Equal(t, bundle.SignatureBundle, bundle.Signatures[0])
}

func TestReplayProofBuilder_FailsClosedWithoutGoalGraphFingerprint(t *testing.T) {
	ledger := seedAttestationLedger(t)
	engine := NewEpochEngine(ledger)
	builder := NewReplayProofBuilder(ledger, engine, nil)

	_, err := builder.BuildBundle("epoch-1")
	require.Error(t, err)
}

func TestVerifyReplayProofBundle_AcceptsSelfConsistentBundle(t *testing.T) {
	ledger := seedAttestationLedger(t)
	engine := NewEpochEngine(ledger)
	builder := NewReplayProofBuilder(ledger, engine, fixedGoalGraphFingerprint)
	bundle, err := builder.BuildBundle("epoch-1")
	require.NoError(t, err)

	result := VerifyReplayProofBundle(bundle, VerifyOptions{})
	require.True(t, result.OK)
	require.Equal(t, bundle.ProofDigest, result.ProofDigest)
}

func TestVerifyReplayProofBundle_DetectsTamperedProofDigest(t *testing.T) {
	ledger := seedAttestationLedger(t)
	engine := NewEpochEngine(ledger)
	builder := NewReplayProofBuilder(ledger, engine, fixedGoalGraphFingerprint)
	bundle, err := builder.BuildBundle("epoch-1")
	require.NoError(t, err)

	bundle.BaselineDigest = "sha256:tampered"

	result := VerifyReplayProofBundle(bundle, VerifyOptions{})
	require.False(t, result.OK)
	require.Equal(t, "proof_digest_mismatch", result.Error)
}

func TestVerifyReplayProofBundle_RequiresTrustMetadataWhenPolicyEnforced(t *testing.T) {
	ledger := seedAttestationLedger(t)
	engine := NewEpochEngine(ledger)
	builder := NewReplayProofBuilder(ledger, engine, fixedGoalGraphFingerprint)
	bundle, err := builder.BuildBundle("epoch-1")
	require.NoError(t, err)

	result := VerifyReplayProofBundle(bundle, VerifyOptions{TrustPolicyVersion: "trust-v1"})
	require.False(t, result.OK)
	require.Equal(t, "trust_root_metadata_required", result.Error)
}

func TestVerifyReplayProofBundle_EnforcesKeyValidityWindow(t *testing.T) {
	ledger := seedAttestationLedger(t)
	engine := NewEpochEngine(ledger)
	builder := NewReplayProofBuilder(ledger, engine, fixedGoalGraphFingerprint)
	bundle, err := builder.BuildBundle("epoch-1")
	require.NoError(t, err)

	bundle.TrustRootMetadata = &TrustRootMetadata{
		IssuerChain:        []string{"issuer-a"},
		TrustPolicyVersion: "trust-v1",
		KeyEpoch: map[string]interface{}{
			"id":          "key-epoch-1",
			"valid_from":  "2026-01-01T00:00:00Z",
			"valid_until": "2026-06-01T00:00:00Z",
		},
	}
	unsignedBytes, err := canonical.Marshal(unsignedProofBundle(bundle))
	require.NoError(t, err)
	digest := canonical.SHA256Prefixed(unsignedBytes)
	bundle.ProofDigest = digest
	bundle.SignatureBundle.SignedDigest = digest
	bundle.Signatures[0].SignedDigest = digest

	result := VerifyReplayProofBundle(bundle, VerifyOptions{
		KeyValidityWindows: map[string]KeyValidityWindow{
			"key-epoch-1": {ValidFrom: "2026-02-01T00:00:00Z", ValidUntil: "2026-06-01T00:00:00Z"},
		},
	})
	require.False(t, result.OK)
	require.Len(t, result.SignatureResults, 1)
	require.Equal(t, "key_validity_window_violation", result.SignatureResults[0].Error)
}
