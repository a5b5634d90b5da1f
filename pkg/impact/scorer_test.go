package impact

import (
	"testing"

	"github.com/adaad/core/pkg/adaadtypes"
	"github.com/stretchr/testify/require"
)

func mkTarget(t *testing.T, path string, targetType adaadtypes.TargetType, opsCount int) adaadtypes.MutationTarget {
	t.Helper()
	ops := make([]adaadtypes.Operation, opsCount)
	for i := range ops {
		ops[i] = adaadtypes.Operation{Op: "set", Path: "/x"}
	}
	target, err := adaadtypes.NewMutationTarget("agent-1", path, targetType, ops, "")
	require.NoError(t, err)
	return target
}

func TestScore_DocsOnlyTargetIsLowImpact(t *testing.T) {
	req, err := adaadtypes.NewMutationRequest(
		"agent-1", "", "bump docs", nil, "sig", "nonce",
		[]adaadtypes.MutationTarget{mkTarget(t, "README.md", adaadtypes.TargetDocs, 1)},
		"epoch-1", "", "", nil, adaadtypes.AuthorityLowImpact,
	)
	require.NoError(t, err)

	score := Scorer{}.Score(req)
	require.Less(t, score.Total(), 0.3)
}

func TestScore_SecurityLedgerTargetIsHighImpact(t *testing.T) {
	req, err := adaadtypes.NewMutationRequest(
		"agent-1", "", "touch security ledger", nil, "sig", "nonce",
		[]adaadtypes.MutationTarget{mkTarget(t, "security/ledger/certificate.json", adaadtypes.TargetSecurity, 10)},
		"epoch-1", "", "", nil, adaadtypes.AuthorityHighImpact,
	)
	require.NoError(t, err)

	score := Scorer{}.Score(req)
	require.Equal(t, 1.0, score.GovernanceProximity)
	require.Equal(t, 1.0, score.StructuralRisk)
	require.Greater(t, score.Total(), 0.8)
}

func TestTotal_ClampedToUnitInterval(t *testing.T) {
	score := Score{SemanticDepth: 1, StructuralRisk: 1, GovernanceProximity: 1, LineageDivergence: 1}
	require.Equal(t, 1.0, score.Total())

	score = Score{}
	require.Equal(t, 0.0, score.Total())
}

func TestScore_NoTargetsFallsBackToRequestOps(t *testing.T) {
	ops := []adaadtypes.Operation{{Op: "set", Path: "/a"}, {Op: "set", Path: "/b"}}
	req, err := adaadtypes.NewMutationRequest(
		"agent-1", "", "inline ops", ops, "sig", "nonce",
		nil, "epoch-1", "", "", nil, adaadtypes.AuthorityLowImpact,
	)
	require.NoError(t, err)

	score := Scorer{}.Score(req)
	require.InDelta(t, 2.0/12.0, score.SemanticDepth, 0.001)
}
