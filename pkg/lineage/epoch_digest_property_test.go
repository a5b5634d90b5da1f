//go:build property
// +build property

package lineage

import (
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestEpochDigestFoldIdentity verifies the fold identity the Replay Engine
// depends on: the epoch digest AppendBundleWithDigest maintains
// incrementally (cached in GetExpectedEpochDigest) must always equal the
// digest obtained by refolding every recorded bundle_digest from scratch
// (ComputeIncrementalEpochDigest), for any sequence of appended bundles.
func TestEpochDigestFoldIdentity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("incremental epoch digest equals refolded epoch digest", prop.ForAll(
		func(bundleIDs []string, impacts []float64) bool {
			l, err := Open(filepath.Join(t.TempDir(), "lineage_v2.jsonl"))
			if err != nil {
				return false
			}

			const epochID = "epoch-under-test"
			var lastCached string
			for i := range bundleIDs {
				material := BundleDigestMaterial{
					EpochID:  epochID,
					BundleID: bundleIDs[i],
					Impact:   impacts[i],
				}
				_, epochDigest, err := l.AppendBundleWithDigest(epochID, map[string]interface{}{
					"epoch_id":  epochID,
					"bundle_id": bundleIDs[i],
				}, material)
				if err != nil {
					return false
				}
				lastCached = epochDigest
			}

			if len(bundleIDs) == 0 {
				return true
			}

			refolded, err := l.ComputeIncrementalEpochDigest(epochID)
			if err != nil {
				return false
			}
			return refolded == lastCached && refolded == l.GetExpectedEpochDigest(epochID)
		},
		gen.SliceOfN(8, gen.AlphaString()),
		gen.SliceOfN(8, gen.Float64Range(0, 1)),
	))

	properties.TestingRun(t)
}
