package evidence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/adaad/core/pkg/lineage"
	"github.com/adaad/core/pkg/replay"
	"github.com/stretchr/testify/require"
)

func seedLedger(t *testing.T) *lineage.Ledger {
	t.Helper()
	ledger, err := lineage.Open(filepath.Join(t.TempDir(), "lineage.jsonl"))
	require.NoError(t, err)

	for _, epochID := range []string{"epoch-1", "epoch-2"} {
		_, err := ledger.AppendEvent(lineage.EventEpochStart, map[string]interface{}{"epoch_id": epochID})
		require.NoError(t, err)
		_, _, err = ledger.AppendBundleWithDigest(epochID, map[string]interface{}{
			"epoch_id":  epochID,
			"bundle_id": epochID + "-bundle-1",
			"risk_tier": "high",
		}, lineage.BundleDigestMaterial{EpochID: epochID, BundleID: epochID + "-bundle-1"})
		require.NoError(t, err)
		_, err = ledger.AppendEvent(lineage.EventEpochEnd, map[string]interface{}{"epoch_id": epochID})
		require.NoError(t, err)
	}
	return ledger
}

func testPolicy() PolicyArtifact {
	return PolicyArtifact{
		SchemaVersion:   "governance-policy/v1",
		Fingerprint:     "sha256:abcd",
		ModelName:       "adaad-governor",
		ModelVersion:    "2026.1",
		DeterminismPass: 0.98,
		DeterminismWarn: 0.9,
	}
}

func TestBuildCore_CollectsAcrossEpochRangeInclusive(t *testing.T) {
	ledger := seedLedger(t)
	engine := replay.NewEpochEngine(ledger)
	builder := NewBundleBuilder(ledger, engine, filepath.Join(t.TempDir(), "sandbox.jsonl"))

	core, err := builder.BuildCore("epoch-1", "epoch-2", testPolicy())
	require.NoError(t, err)
	require.Equal(t, []string{"epoch-1", "epoch-2"}, core.ExportScope.EpochIDs)
	require.Len(t, core.BundleIndex, 2)
	require.Len(t, core.ReplayProofs, 2)
	require.Equal(t, 2, core.RiskSummaries.HighRiskBundleCount)
	require.Equal(t, "adaad-governor", core.PolicyArtifactMetadata["model"].(map[string]interface{})["name"])
}

func TestResolveEpochIDs_RejectsUnknownEpoch(t *testing.T) {
	ledger := seedLedger(t)
	engine := replay.NewEpochEngine(ledger)
	builder := NewBundleBuilder(ledger, engine, "")

	_, err := builder.BuildCore("epoch-1", "epoch-missing", testPolicy())
	require.Error(t, err)
}

func TestBuildBundle_PersistsAndIsDeterministic(t *testing.T) {
	ledger := seedLedger(t)
	engine := replay.NewEpochEngine(ledger)
	path := filepath.Join(t.TempDir(), "export.json")
	builder := NewBundleBuilder(ledger, engine, "")

	bundle, err := builder.BuildBundle("epoch-1", "epoch-2", testPolicy(), path)
	require.NoError(t, err)
	require.NotEmpty(t, bundle.Digest)
	require.Contains(t, bundle.BundleID, "evidence-")

	_, err = os.Stat(path)
	require.NoError(t, err)

	again, err := builder.BuildBundle("epoch-1", "epoch-2", testPolicy(), path)
	require.NoError(t, err)
	require.Equal(t, bundle.Digest, again.Digest)
}

func TestBuildBundle_FailsClosedOnImmutableMismatch(t *testing.T) {
	ledger := seedLedger(t)
	engine := replay.NewEpochEngine(ledger)
	path := filepath.Join(t.TempDir(), "export.json")
	builder := NewBundleBuilder(ledger, engine, "")

	_, err := builder.BuildBundle("epoch-1", "epoch-2", testPolicy(), path)
	require.NoError(t, err)

	mutatedPolicy := testPolicy()
	mutatedPolicy.Fingerprint = "sha256:different"
	_, err = builder.BuildBundle("epoch-1", "epoch-2", mutatedPolicy, path)
	require.Error(t, err)
}

func TestValidateBundle_AcceptsBuiltBundle(t *testing.T) {
	ledger := seedLedger(t)
	engine := replay.NewEpochEngine(ledger)
	builder := NewBundleBuilder(ledger, engine, "")

	bundle, err := builder.BuildCore("epoch-1", "epoch-2", testPolicy())
	require.NoError(t, err)
	bundle.Digest = "sha256:placeholder"
	bundle.BundleID = "evidence-placeholder"

	errs := ValidateBundle(bundle)
	require.Empty(t, errs)
}
