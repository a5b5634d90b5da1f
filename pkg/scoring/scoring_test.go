package scoring

import (
	"path/filepath"
	"testing"

	"github.com/adaad/core/pkg/adaaderr"
	"github.com/adaad/core/pkg/canonical"
	"github.com/adaad/core/pkg/determinism"
	"github.com/stretchr/testify/require"
)

func TestComputeScore_CleanMutationScoresBaseline(t *testing.T) {
	input := Input{MutationID: "mut-1", EpochID: "epoch-1", TestResults: TestResults{Total: 10, Failed: 0}}
	result, err := ComputeScore(input, determinism.NewSeededProvider("score-seed"), "off", "")
	require.NoError(t, err)
	require.Equal(t, 1000, result.Score)
	require.Equal(t, AlgorithmVersion, result.AlgorithmVersion)
}

func TestComputeScore_FailedTestsZeroOutTestScore(t *testing.T) {
	input := Input{TestResults: TestResults{Total: 10, Failed: 1}}
	result, err := ComputeScore(input, determinism.NewSeededProvider("score-seed"), "off", "")
	require.NoError(t, err)
	require.Equal(t, 0, result.Score)
	require.Equal(t, 0, result.Components.TestScore)
}

func TestComputeScore_PenaltiesSubtractFromTestScore(t *testing.T) {
	input := Input{
		TestResults: TestResults{Total: 10, Failed: 0},
		CodeDiff:    CodeDiff{LOCAdded: 100, LOCDeleted: 50, FilesTouched: 2, RiskTags: []string{"security"}},
		StaticAnalysis: StaticAnalysis{Issues: []Issue{
			{RuleID: "r1", Severity: "HIGH"},
			{RuleID: "r2", Severity: "LOW"},
		}},
	}
	result, err := ComputeScore(input, determinism.NewSeededProvider("score-seed"), "off", "")
	require.NoError(t, err)
	require.Equal(t, 60, result.Components.StaticPenalty)
	require.Equal(t, 160, result.Components.DiffPenalty)
	require.Equal(t, 50, result.Components.RiskPenalty)
	require.Equal(t, 730, result.Score)
}

func TestComputeScore_RejectsExcessiveLOC(t *testing.T) {
	input := Input{CodeDiff: CodeDiff{LOCAdded: MaxLOC + 1}}
	_, err := ComputeScore(input, determinism.NewSeededProvider("score-seed"), "off", "")
	require.Error(t, err)
	require.Equal(t, "scoring_validation_error", adaaderr.Code(err))
}

func TestComputeScore_InputHashIgnoresRiskTagOrder(t *testing.T) {
	base := Input{CodeDiff: CodeDiff{RiskTags: []string{"perf", "api"}}}
	reordered := Input{CodeDiff: CodeDiff{RiskTags: []string{"api", "perf"}}}

	resultA, err := ComputeScore(base, determinism.NewSeededProvider("score-seed"), "off", "")
	require.NoError(t, err)
	resultB, err := ComputeScore(reordered, determinism.NewSeededProvider("score-seed"), "off", "")
	require.NoError(t, err)
	require.Equal(t, resultA.InputHash, resultB.InputHash)
}

func TestLedger_FirstAppendChainsFromZeroHash(t *testing.T) {
	ledger, err := OpenLedger(filepath.Join(t.TempDir(), "scoring.jsonl"))
	require.NoError(t, err)

	record, err := ledger.Append(Result{MutationID: "mut-1", Score: 900})
	require.NoError(t, err)
	require.Equal(t, canonical.ZeroHash, record.PrevHash)
	require.Contains(t, record.RecordHash, "sha256:")
}

func TestLedger_SecondAppendChainsFromFirst(t *testing.T) {
	ledger, err := OpenLedger(filepath.Join(t.TempDir(), "scoring.jsonl"))
	require.NoError(t, err)

	first, err := ledger.Append(Result{MutationID: "mut-1", Score: 900})
	require.NoError(t, err)
	second, err := ledger.Append(Result{MutationID: "mut-2", Score: 800})
	require.NoError(t, err)

	require.Equal(t, first.RecordHash, second.PrevHash)
	require.NotEqual(t, first.RecordHash, second.RecordHash)
}
