// Package governor implements the Evolution Governor: the fail-closed
// authorization gate that validates mutation bundles against the authority
// matrix, issues certificates, and records every decision to the lineage
// ledger. Grounded on runtime/evolution/governor.py's EvolutionGovernor.
package governor

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/adaad/core/pkg/adaaderr"
	"github.com/adaad/core/pkg/adaadtypes"
	"github.com/adaad/core/pkg/canonical"
	"github.com/adaad/core/pkg/determinism"
	"github.com/adaad/core/pkg/impact"
	"github.com/adaad/core/pkg/lineage"
)

// RecoveryTier names how much operator trust is required to clear a
// fail-closed governor.
type RecoveryTier string

const (
	RecoverySoft                 RecoveryTier = "soft"
	RecoveryAudit                RecoveryTier = "audit"
	RecoveryConstitutionalReset  RecoveryTier = "constitutional_reset"
)

// RecoverySignaturePrefix is the required prefix on any recovery signature
// accepted by ApplyRecoveryEvent.
const RecoverySignaturePrefix = "human-recovery-"

// Decision is the outcome of validating one mutation bundle.
type Decision struct {
	Accepted      bool
	Reason        string
	Certificate   map[string]interface{}
	ReplayStatus  string
}

// Governor validates mutation requests and issues certificates, failing
// closed once any integrity or recovery condition demands it.
type Governor struct {
	ledger   *lineage.Ledger
	scorer   impact.Scorer
	verifier adaadtypes.SignatureVerifier
	provider determinism.Provider
	maxImpact float64

	failClosed       bool
	failClosedReason string
	recoveryTier     RecoveryTier
}

// New constructs a Governor bound to ledger, scoring mutation requests via
// scorer and verifying signatures via verifier. maxImpact caps the total
// impact score any bundle may carry regardless of its declared authority
// level (the source's default is 0.85).
func New(ledger *lineage.Ledger, verifier adaadtypes.SignatureVerifier, provider determinism.Provider, maxImpact float64) *Governor {
	return &Governor{
		ledger:       ledger,
		scorer:       impact.Scorer{},
		verifier:     verifier,
		provider:     provider,
		maxImpact:    maxImpact,
		recoveryTier: RecoverySoft,
	}
}

// ValidateBundle is the Governor's single entry point: it runs every
// rejection gate in order and, if all pass, issues a certificate and records
// the accepting decision.
func (g *Governor) ValidateBundle(req adaadtypes.MutationRequest, epochID string) Decision {
	if g.failClosed {
		decision := Decision{Accepted: false, Reason: "governor_fail_closed", ReplayStatus: "failed"}
		g.recordDecision(req, epochID, decision, 0.0)
		return decision
	}

	if len(req.Targets) == 0 && len(req.Ops) == 0 {
		return Decision{Accepted: false, Reason: "empty_bundle"}
	}

	if epochID == "" {
		decision := Decision{Accepted: false, Reason: "missing_epoch"}
		g.recordDecision(req, epochID, decision, 0.0)
		return decision
	}
	if !g.EpochStarted(epochID) {
		decision := Decision{Accepted: false, Reason: "epoch_not_started"}
		g.recordDecision(req, epochID, decision, 0.0)
		return decision
	}

	if !g.verifier.Verify(req) {
		decision := Decision{Accepted: false, Reason: "invalid_signature"}
		g.recordDecision(req, epochID, decision, 0.0)
		return decision
	}

	if req.Nonce == "" || req.GenerationTS == "" {
		decision := Decision{Accepted: false, Reason: "lineage_continuity_failed"}
		g.recordDecision(req, epochID, decision, 0.0)
		return decision
	}

	score := g.scorer.Score(req)
	impactTotal := clamp01(score.Total())
	if impactTotal > g.maxImpact {
		decision := Decision{Accepted: false, Reason: "impact_threshold_exceeded"}
		g.recordDecision(req, epochID, decision, impactTotal)
		return decision
	}

	threshold, ok := adaadtypes.AuthorityMatrix[req.AuthorityLevel]
	if !ok {
		threshold = 0.0
	}
	if impactTotal > threshold {
		decision := Decision{Accepted: false, Reason: "authority_level_exceeded"}
		g.recordDecision(req, epochID, decision, impactTotal)
		return decision
	}

	certificate := g.issueCertificate(req, epochID, impactTotal)
	decision := Decision{Accepted: true, Reason: "accepted", Certificate: certificate, ReplayStatus: "ok"}
	g.recordDecision(req, epochID, decision, impactTotal)
	return decision
}

// ActivateCertificate records whether a previously issued certificate was
// activated (promoted) or rejected.
func (g *Governor) ActivateCertificate(epochID, bundleID string, activated bool, reason string) error {
	_, err := g.ledger.AppendEvent(lineage.EventType("CertificateActivationEvent"), map[string]interface{}{
		"epoch_id":              epochID,
		"bundle_id":             bundleID,
		"certificate_activated": activated,
		"reason":                reason,
	})
	return err
}

// MarkEpochStart satisfies pkg/epoch.Governor.
func (g *Governor) MarkEpochStart(epochID string, metadata map[string]interface{}) error {
	_, err := g.ledger.AppendEvent(lineage.EventEpochStart, map[string]interface{}{
		"epoch_id": epochID,
		"ts":       g.provider.ISONow(),
		"metadata": metadata,
	})
	return err
}

// MarkEpochEnd satisfies pkg/epoch.Governor.
func (g *Governor) MarkEpochEnd(epochID string, metadata map[string]interface{}) error {
	_, err := g.ledger.AppendEvent(lineage.EventEpochEnd, map[string]interface{}{
		"epoch_id": epochID,
		"ts":       g.provider.ISONow(),
		"metadata": metadata,
	})
	return err
}

// RecoveryTier satisfies pkg/epoch.Governor.
func (g *Governor) RecoveryTier() string { return string(g.recoveryTier) }

// EnterFailClosed forces the governor to reject every bundle until a
// recovery event with sufficient trust clears it.
func (g *Governor) EnterFailClosed(reason, epochID string, tier RecoveryTier) error {
	g.failClosed = true
	g.failClosedReason = reason
	g.recoveryTier = tier
	_, err := g.ledger.AppendEvent(lineage.EventGovernanceDecision, map[string]interface{}{
		"epoch_id":      epochID,
		"reason":        reason,
		"fail_closed":   true,
		"recovery_tier": string(tier),
	})
	return err
}

// ApplyRecoveryEvent validates a human-issued recovery signature and, only
// for RecoveryConstitutionalReset, clears the fail-closed state. Every other
// tier records the attempt but leaves the governor closed.
func (g *Governor) ApplyRecoveryEvent(epochID, recoverySignature string, tier RecoveryTier) (bool, error) {
	if !strings.HasPrefix(recoverySignature, RecoverySignaturePrefix) {
		return false, nil
	}
	failClosed := true
	if tier == RecoveryConstitutionalReset {
		g.failClosed = false
		g.failClosedReason = ""
		failClosed = false
	}
	g.recoveryTier = tier
	_, err := g.ledger.AppendEvent(lineage.EventGovernanceDecision, map[string]interface{}{
		"epoch_id":            epochID,
		"recovery_signature":  recoverySignature,
		"requested_tier":      string(tier),
		"fail_closed":         failClosed,
	})
	if err != nil {
		return false, err
	}
	return tier == RecoveryConstitutionalReset, nil
}

// FailClosed reports whether the governor is currently refusing bundles.
func (g *Governor) FailClosed() bool { return g.failClosed }

// FailClosedReason returns the reason the governor last entered fail-closed
// state, empty if it is not currently closed.
func (g *Governor) FailClosedReason() string { return g.failClosedReason }

func (g *Governor) issueCertificate(req adaadtypes.MutationRequest, epochID string, impactScore float64) map[string]interface{} {
	bundleID := strings.TrimSpace(req.BundleID)
	bundleIDSource := "governor"
	if bundleID != "" {
		bundleIDSource = "request"
	} else {
		bundleID = g.provider.NextID("bundle-id:"+epochID+":"+req.AgentID, 32)
	}

	intent := req.Intent
	if intent == "" {
		intent = "default"
	}
	strategySet := []string{intent}
	strategyVersionSet := []string{intent + ":current"}
	strategySnapshot := map[string]interface{}{
		intent: map[string]interface{}{
			"version":       "current",
			"hash":          sha256Hex(intent),
			"skill_weights": map[string]interface{}{},
		},
	}
	snapshotBytes, err := canonical.Marshal(strategySnapshot)
	if err != nil {
		snapshotBytes = []byte(intent)
	}
	strategySnapshotHash := canonical.SHA256Hex(snapshotBytes)

	checkpointDigest := g.ledger.GetExpectedEpochDigest(epochID)
	if checkpointDigest == "" {
		checkpointDigest = canonical.InitialEpochDigest
	}

	return map[string]interface{}{
		"epoch_id":               epochID,
		"bundle_id":              bundleID,
		"bundle_id_source":       bundleIDSource,
		"strategy_set":           strategySet,
		"strategy_version_set":   strategyVersionSet,
		"strategy_snapshot":      strategySnapshot,
		"strategy_snapshot_hash": strategySnapshotHash,
		"strategy_hash":          strategySnapshotHash,
		"impact_score":           impactScore,
		"checkpoint_digest":      checkpointDigest,
		"authority_signatures":   []string{req.Signature},
		"certificate_activated":  false,
	}
}

func (g *Governor) recordDecision(req adaadtypes.MutationRequest, epochID string, decision Decision, impactScore float64) {
	payload := map[string]interface{}{
		"epoch_id":      epochID,
		"agent_id":      req.AgentID,
		"intent":        req.Intent,
		"accepted":      decision.Accepted,
		"reason":        decision.Reason,
		"impact_score":  impactScore,
		"replay_status": decision.ReplayStatus,
	}
	if decision.Certificate != nil {
		payload["certificate"] = decision.Certificate
		payload["bundle_id"] = decision.Certificate["bundle_id"]
		payload["impact"] = impactScore
		payload["strategy_set"] = decision.Certificate["strategy_set"]

		strategySet, _ := decision.Certificate["strategy_set"].([]string)
		material := lineage.BundleDigestMaterial{
			EpochID:              epochID,
			BundleID:             toString(decision.Certificate["bundle_id"]),
			Impact:               impactScore,
			StrategySet:          strategySet,
			StrategySnapshotHash: toString(decision.Certificate["strategy_snapshot_hash"]),
			Certificate:          decision.Certificate,
		}
		_, _, _ = g.ledger.AppendBundleWithDigest(epochID, payload, material)
		return
	}
	_, _ = g.ledger.AppendEvent(lineage.EventGovernanceDecision, payload)
}

// EpochStarted reports whether epochID has an EpochStartEvent without a
// matching EpochEndEvent.
func (g *Governor) EpochStarted(epochID string) bool {
	entries, err := g.ledger.ReadEpoch(epochID)
	if err != nil {
		return false
	}
	hasStart, hasEnd := false, false
	for _, e := range entries {
		switch e.Type {
		case lineage.EventEpochStart:
			hasStart = true
		case lineage.EventEpochEnd:
			hasEnd = true
		}
	}
	return hasStart && !hasEnd
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}
