// Package impact computes the normalized impact score a mutation request
// carries into the Evolution Governor's authority-matrix check. Grounded on
// runtime/evolution/impact.py's weighted-component scorer.
package impact

import (
	"math"
	"strings"

	"github.com/adaad/core/pkg/adaadtypes"
)

// Score is the four weighted components behind a mutation's Total impact.
type Score struct {
	SemanticDepth       float64 `json:"semantic_depth"`
	StructuralRisk      float64 `json:"structural_risk"`
	GovernanceProximity float64 `json:"governance_proximity"`
	LineageDivergence   float64 `json:"lineage_divergence"`
}

// Total combines the four components with the fixed weights
// 0.35/0.30/0.20/0.15, clamped to [0, 1] and rounded to three decimals.
func (s Score) Total() float64 {
	total := s.SemanticDepth*0.35 + s.StructuralRisk*0.30 + s.GovernanceProximity*0.20 + s.LineageDivergence*0.15
	if total > 1.0 {
		total = 1.0
	}
	if total < 0.0 {
		total = 0.0
	}
	return round3(total)
}

var highRiskKeywords = []string{"security", "governance", "constitution", "runtime", "core"}

var targetTypeWeights = map[string]float64{
	"runtime":    1.0,
	"security":   1.0,
	"governance": 1.0,
	"code":       0.8,
	"dna":        0.3,
	"docs":       0.1,
}

// Scorer computes a Score for a mutation request.
type Scorer struct{}

// Score implements the scorer's four-component formula against req's targets.
func (Scorer) Score(req adaadtypes.MutationRequest) Score {
	targets := req.Targets

	targetPaths := make([]string, 0, len(targets))
	targetTypes := make([]string, 0, len(targets))
	for _, t := range targets {
		targetPaths = append(targetPaths, strings.ToLower(t.Path))
		if t.TargetType != "" {
			targetTypes = append(targetTypes, strings.ToLower(string(t.TargetType)))
		}
	}

	opsCount := 0
	if len(targets) > 0 {
		for _, t := range targets {
			opsCount += len(t.Ops)
		}
	} else {
		opsCount = len(req.Ops)
	}
	semanticDepth := math.Min(1.0, float64(opsCount)/12.0)

	var pathRisk float64
	if len(targetPaths) > 0 {
		hits := keywordHits(targetPaths, highRiskKeywords)
		pathRisk = math.Min(1.0, float64(hits)/float64(maxInt(1, len(targetPaths))))
	} else {
		pathRisk = 0.2
	}

	typeRisk := 0.2
	if len(targetTypes) > 0 {
		typeRisk = 0.0
		for _, t := range targetTypes {
			w, ok := targetTypeWeights[t]
			if !ok {
				w = 0.5
			}
			if w > typeRisk {
				typeRisk = w
			}
		}
	}
	structuralRisk := math.Min(1.0, math.Max(pathRisk, typeRisk))

	governanceProximity := 0.25
	for _, p := range targetPaths {
		if strings.Contains(p, "certificate") || strings.Contains(p, "ledger") {
			governanceProximity = 1.0
			break
		}
	}

	lineageDivergence := 0.1
	if len(targets) > 0 {
		distinct := make(map[adaadtypes.TargetType]struct{})
		for _, t := range targets {
			distinct[t.TargetType] = struct{}{}
		}
		lineageDivergence = math.Min(1.0, float64(len(distinct))/4.0)
	}

	return Score{
		SemanticDepth:       round3(semanticDepth),
		StructuralRisk:      round3(structuralRisk),
		GovernanceProximity: round3(governanceProximity),
		LineageDivergence:   round3(lineageDivergence),
	}
}

func keywordHits(values []string, keywords []string) int {
	hits := 0
	for _, v := range values {
		for _, k := range keywords {
			if strings.Contains(v, k) {
				hits++
				break
			}
		}
	}
	return hits
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
