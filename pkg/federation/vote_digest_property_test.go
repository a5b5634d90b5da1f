//go:build property
// +build property

package federation

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestVoteDigestOrderInvariance verifies VoteDigest depends only on the set
// of votes exchanged, never on the order a peer happened to receive them
// in — the property federation.EvaluateDecision relies on to let any two
// peers that saw the same votes agree on a decision regardless of network
// arrival order.
func TestVoteDigestOrderInvariance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	decisionValues := []string{"accept", "reject"}

	properties.Property("vote digest is invariant under reordering", prop.ForAll(
		func(peerIDs, policyVersions, manifestDigests []string, decisionIdx []int) bool {
			n := len(peerIDs)
			votes := make([]Vote, n)
			for i := 0; i < n; i++ {
				votes[i] = Vote{
					PeerID:         peerIDs[i],
					PolicyVersion:  policyVersions[i%len(policyVersions)],
					ManifestDigest: manifestDigests[i%len(manifestDigests)],
					Decision:       decisionValues[decisionIdx[i%len(decisionIdx)]%len(decisionValues)],
				}
			}

			reversed := make([]Vote, n)
			for i, v := range votes {
				reversed[n-1-i] = v
			}

			shuffled := make([]Vote, n)
			for i, v := range votes {
				// Rotation is a bijection for any n, so every vote still
				// appears exactly once — just reordered.
				shuffled[(i+3)%n] = v
			}

			forward, err := VoteDigest(votes)
			if err != nil {
				return false
			}
			backward, err := VoteDigest(reversed)
			if err != nil {
				return false
			}
			interleaved, err := VoteDigest(shuffled)
			if err != nil {
				return false
			}
			return forward == backward && forward == interleaved
		},
		gen.SliceOfN(6, gen.AlphaString()),
		gen.SliceOfN(3, gen.AlphaString()),
		gen.SliceOfN(3, gen.AlphaString()),
		gen.SliceOfN(3, gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}
