package replay

import (
	"path/filepath"
	"testing"

	"github.com/adaad/core/pkg/lineage"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *lineage.Ledger {
	t.Helper()
	ledger, err := lineage.Open(filepath.Join(t.TempDir(), "lineage.jsonl"))
	require.NoError(t, err)
	return ledger
}

func TestReplayEpoch_IsDeterministicAcrossCalls(t *testing.T) {
	ledger := newTestLedger(t)
	_, err := ledger.AppendEvent(lineage.EventEpochStart, map[string]interface{}{"epoch_id": "epoch-1"})
	require.NoError(t, err)
	_, _, err = ledger.AppendBundleWithDigest("epoch-1", map[string]interface{}{"epoch_id": "epoch-1", "bundle_id": "b1"}, lineage.BundleDigestMaterial{EpochID: "epoch-1", BundleID: "b1"})
	require.NoError(t, err)
	_, err = ledger.AppendEvent(lineage.EventEpochEnd, map[string]interface{}{"epoch_id": "epoch-1"})
	require.NoError(t, err)

	engine := NewEpochEngine(ledger)
	first, err := engine.ReplayEpoch("epoch-1")
	require.NoError(t, err)
	second, err := engine.ReplayEpoch("epoch-1")
	require.NoError(t, err)

	require.Equal(t, first.Digest, second.Digest)
	require.Equal(t, first.CanonicalDigest, second.CanonicalDigest)
	require.Equal(t, 1, first.EventCount)
}

func TestReplayEpoch_TracksInitialAndFinalState(t *testing.T) {
	ledger := newTestLedger(t)
	_, err := ledger.AppendEvent(lineage.EventEpochStart, map[string]interface{}{"epoch_id": "epoch-1", "founders_law_hash": "sha256:bbbb"})
	require.NoError(t, err)
	_, err = ledger.AppendEvent(lineage.EventEpochEnd, map[string]interface{}{"epoch_id": "epoch-1", "reason": "complete"})
	require.NoError(t, err)

	engine := NewEpochEngine(ledger)
	reconstructed, err := engine.ReconstructEpoch("epoch-1")
	require.NoError(t, err)
	require.Equal(t, "sha256:bbbb", reconstructed.InitialState["founders_law_hash"])
	require.Equal(t, "complete", reconstructed.FinalState["reason"])
}

func TestAssertReachable_DetectsMatchAndMismatch(t *testing.T) {
	ledger := newTestLedger(t)
	_, _, err := ledger.AppendBundleWithDigest("epoch-1", map[string]interface{}{"epoch_id": "epoch-1", "bundle_id": "b1"}, lineage.BundleDigestMaterial{EpochID: "epoch-1", BundleID: "b1"})
	require.NoError(t, err)

	engine := NewEpochEngine(ledger)
	replay, err := engine.ReplayEpoch("epoch-1")
	require.NoError(t, err)

	ok, err := engine.AssertReachable("epoch-1", replay.Digest)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = engine.AssertReachable("epoch-1", "sha256:wrong")
	require.NoError(t, err)
	require.False(t, ok)
}
