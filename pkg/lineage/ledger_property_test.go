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

// TestHashChainValidity verifies that any sequence of appended events
// produces a ledger whose chain passes VerifyIntegrity, and that every
// entry's hash is exactly hashEntry(prevHash, type, payload) — the
// hash-chain invariant the replay engine and checkpoint registry both rely
// on to detect tampering.
func TestHashChainValidity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	eventTypes := []EventType{
		EventEpochStart, EventEpochEnd, EventMutationBundle,
		EventGovernanceDecision, EventSandboxEvidence,
	}

	properties.Property("appended events always form a valid hash chain", prop.ForAll(
		func(labels []string, kinds []int) bool {
			l, err := Open(filepath.Join(t.TempDir(), "lineage_v2.jsonl"))
			if err != nil {
				return false
			}

			prevHash := l.Head()
			for i := 0; i < len(labels); i++ {
				kind := eventTypes[kinds[i%len(kinds)]%len(eventTypes)]
				payload := map[string]interface{}{"label": labels[i]}

				entry, err := l.AppendEvent(kind, payload)
				if err != nil {
					return false
				}
				if entry.PrevHash != prevHash {
					return false
				}
				expected, err := hashEntry(prevHash, kind, payload)
				if err != nil || entry.Hash != expected {
					return false
				}
				prevHash = entry.Hash
			}

			return l.VerifyIntegrity() == nil
		},
		gen.SliceOfN(12, gen.AlphaString()),
		gen.SliceOfN(12, gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}
