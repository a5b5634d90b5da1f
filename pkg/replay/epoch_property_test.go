//go:build property
// +build property

package replay

import (
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/adaad/core/pkg/lineage"
)

// TestReplayIdempotency verifies C11's core guarantee: replaying the same
// epoch any number of times from the same ledger state always reproduces
// the identical digest and canonical digest. This is what lets the
// Checkpoint Registry and evidence bundles treat a replay as a trustworthy,
// repeatable proof rather than a one-shot observation.
func TestReplayIdempotency(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("replaying an epoch twice yields identical digests", prop.ForAll(
		func(bundleIDs []string, replayCount int) bool {
			if replayCount < 1 {
				replayCount = 1
			}
			if replayCount > 6 {
				replayCount = 6
			}

			ledger, err := lineage.Open(filepath.Join(t.TempDir(), "lineage_v2.jsonl"))
			if err != nil {
				return false
			}

			const epochID = "epoch-under-test"
			if _, err := ledger.AppendEvent(lineage.EventEpochStart, map[string]interface{}{"epoch_id": epochID}); err != nil {
				return false
			}
			for _, id := range bundleIDs {
				_, _, err := ledger.AppendBundleWithDigest(epochID, map[string]interface{}{
					"epoch_id":  epochID,
					"bundle_id": id,
				}, lineage.BundleDigestMaterial{EpochID: epochID, BundleID: id})
				if err != nil {
					return false
				}
			}
			if _, err := ledger.AppendEvent(lineage.EventEpochEnd, map[string]interface{}{"epoch_id": epochID}); err != nil {
				return false
			}

			engine := NewEpochEngine(ledger)
			first, err := engine.ReplayEpoch(epochID)
			if err != nil {
				return false
			}
			for i := 1; i < replayCount; i++ {
				again, err := engine.ReplayEpoch(epochID)
				if err != nil {
					return false
				}
				if again.Digest != first.Digest || again.CanonicalDigest != first.CanonicalDigest {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(6, gen.AlphaString()),
		gen.IntRange(1, 6),
	))

	properties.TestingRun(t)
}
