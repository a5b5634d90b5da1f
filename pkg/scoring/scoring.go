// Package scoring implements the deterministic mutation scoring algorithm
// and its hash-chained append-only ledger. Grounded on
// runtime/evolution/scoring_algorithm.py and runtime/evolution/scoring_ledger.py.
package scoring

import (
	"sort"
	"strings"

	"github.com/adaad/core/pkg/adaaderr"
	"github.com/adaad/core/pkg/canonical"
	"github.com/adaad/core/pkg/determinism"
)

// AlgorithmVersion is stamped onto every computed score.
const AlgorithmVersion = "v1.0.0"

// Hard limits enforced before any scoring work happens, to bound the cost
// of a single scoring call.
const (
	MaxLOC    = 100_000
	MaxFiles  = 1_000
	MaxIssues = 10_000
)

var severityWeights = map[string]int{"LOW": 1, "MEDIUM": 3, "HIGH": 5, "CRITICAL": 10}

var riskWeights = map[string]int{"API": 30, "PERF": 20, "SECURITY": 50}

const defaultRiskWeight = 10

// Issue is one static-analysis finding.
type Issue struct {
	RuleID   string `json:"rule_id"`
	Severity string `json:"severity"`
}

// CodeDiff summarizes the size and risk surface of a mutation's diff.
type CodeDiff struct {
	LOCAdded     int      `json:"loc_added"`
	LOCDeleted   int      `json:"loc_deleted"`
	FilesTouched int      `json:"files_touched"`
	RiskTags     []string `json:"risk_tags"`
}

// TestResults summarizes a mutation's test run.
type TestResults struct {
	Total  int `json:"total"`
	Failed int `json:"failed"`
}

// StaticAnalysis summarizes a mutation's static analysis pass.
type StaticAnalysis struct {
	Issues []Issue `json:"issues"`
}

// Input is everything compute_score needs to derive a mutation's score.
type Input struct {
	MutationID       string         `json:"mutation_id"`
	EpochID          string         `json:"epoch_id"`
	ConstitutionHash string         `json:"constitution_hash"`
	CodeDiff         CodeDiff       `json:"code_diff"`
	TestResults      TestResults    `json:"test_results"`
	StaticAnalysis   StaticAnalysis `json:"static_analysis"`
}

// Components breaks a final score down into its constituent terms.
type Components struct {
	TestScore     int `json:"test_score"`
	StaticPenalty int `json:"static_penalty"`
	DiffPenalty   int `json:"diff_penalty"`
	RiskPenalty   int `json:"risk_penalty"`
}

// Result is a computed, reproducible score.
type Result struct {
	MutationID       string     `json:"mutation_id"`
	EpochID          string     `json:"epoch_id"`
	Score            int        `json:"score"`
	InputHash        string     `json:"input_hash"`
	AlgorithmVersion string     `json:"algorithm_version"`
	ConstitutionHash string     `json:"constitution_hash"`
	Timestamp        string     `json:"timestamp"`
	Components       Components `json:"components"`
}

func validateInput(input Input) error {
	if input.CodeDiff.LOCAdded+input.CodeDiff.LOCDeleted > MaxLOC {
		return adaaderr.Withf(adaaderr.ErrScoringValidation, "loc exceeds maximum: %d > %d",
			input.CodeDiff.LOCAdded+input.CodeDiff.LOCDeleted, MaxLOC)
	}
	if input.CodeDiff.FilesTouched > MaxFiles {
		return adaaderr.Withf(adaaderr.ErrScoringValidation, "files touched exceeds maximum: %d > %d",
			input.CodeDiff.FilesTouched, MaxFiles)
	}
	if len(input.StaticAnalysis.Issues) > MaxIssues {
		return adaaderr.Withf(adaaderr.ErrScoringValidation, "static analysis issues exceed maximum: %d > %d",
			len(input.StaticAnalysis.Issues), MaxIssues)
	}
	return nil
}

// canonicalizeInput deep-copies and sorts the ordering-sensitive fields of
// input without mutating the caller's value, then returns its canonical
// JSON form.
func canonicalizeInput(input Input) ([]byte, error) {
	normalized := input
	normalized.CodeDiff.RiskTags = append([]string(nil), input.CodeDiff.RiskTags...)
	sort.Strings(normalized.CodeDiff.RiskTags)

	normalized.StaticAnalysis.Issues = append([]Issue(nil), input.StaticAnalysis.Issues...)
	sort.Slice(normalized.StaticAnalysis.Issues, func(i, j int) bool {
		return normalized.StaticAnalysis.Issues[i].RuleID < normalized.StaticAnalysis.Issues[j].RuleID
	})

	return canonical.Marshal(normalized)
}

func scoreTests(results TestResults) int {
	if results.Failed > 0 {
		return 0
	}
	if results.Total > 0 {
		return 1000
	}
	return 500
}

func computeStaticPenalty(analysis StaticAnalysis) int {
	penalty := 0
	for _, issue := range analysis.Issues {
		penalty += 10 * severityWeights[strings.ToUpper(issue.Severity)]
	}
	return penalty
}

func computeDiffPenalty(diff CodeDiff) int {
	return diff.LOCAdded + diff.LOCDeleted + 5*diff.FilesTouched
}

func computeRiskPenalty(diff CodeDiff) int {
	penalty := 0
	for _, tag := range diff.RiskTags {
		weight, ok := riskWeights[strings.ToUpper(tag)]
		if !ok {
			weight = defaultRiskWeight
		}
		penalty += weight
	}
	return penalty
}

// ComputeScore validates input against the hard bounds, canonicalizes it,
// and derives a deterministic, reproducible score.
func ComputeScore(input Input, provider determinism.Provider, replayMode, recoveryTier string) (Result, error) {
	if err := determinism.RequireReplaySafe(provider, replayMode, recoveryTier); err != nil {
		return Result{}, err
	}
	if err := validateInput(input); err != nil {
		return Result{}, err
	}

	canonicalBytes, err := canonicalizeInput(input)
	if err != nil {
		return Result{}, err
	}
	inputHash := canonical.SHA256Prefixed(canonicalBytes)

	testScore := scoreTests(input.TestResults)
	staticPenalty := computeStaticPenalty(input.StaticAnalysis)
	diffPenalty := computeDiffPenalty(input.CodeDiff)
	riskPenalty := computeRiskPenalty(input.CodeDiff)

	final := testScore - staticPenalty - diffPenalty - riskPenalty
	if final < 0 {
		final = 0
	}

	return Result{
		MutationID:       input.MutationID,
		EpochID:          input.EpochID,
		Score:            final,
		InputHash:        inputHash,
		AlgorithmVersion: AlgorithmVersion,
		ConstitutionHash: input.ConstitutionHash,
		Timestamp:        provider.ISONow(),
		Components: Components{
			TestScore:     testScore,
			StaticPenalty: staticPenalty,
			DiffPenalty:   diffPenalty,
			RiskPenalty:   riskPenalty,
		},
	}, nil
}
