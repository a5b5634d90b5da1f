// Package checkpoint implements the Checkpoint Registry: periodic,
// deterministic EpochCheckpointEvent snapshots that fold an epoch's mutation,
// promotion, and scoring history plus sandbox evidence into one chained
// checkpoint hash. Grounded on
// runtime/evolution/checkpoint_registry.py's CheckpointRegistry.
package checkpoint

import (
	"fmt"
	"sort"

	"github.com/adaad/core/pkg/canonical"
	"github.com/adaad/core/pkg/determinism"
	"github.com/adaad/core/pkg/lineage"
)

// Registry creates chained epoch checkpoints.
type Registry struct {
	ledger   *lineage.Ledger
	provider determinism.Provider

	replayMode   string
	recoveryTier string

	PromotionPolicyHash string
	EntropyPolicyHash   string
	SandboxPolicyHash   string
}

// Option configures policy hashes and replay context beyond their
// ZeroHash/"off" defaults.
type Option func(*Registry)

func WithReplayMode(mode string) Option     { return func(r *Registry) { r.replayMode = mode } }
func WithRecoveryTier(tier string) Option   { return func(r *Registry) { r.recoveryTier = tier } }
func WithPromotionPolicyHash(h string) Option { return func(r *Registry) { r.PromotionPolicyHash = h } }
func WithEntropyPolicyHash(h string) Option   { return func(r *Registry) { r.EntropyPolicyHash = h } }
func WithSandboxPolicyHash(h string) Option   { return func(r *Registry) { r.SandboxPolicyHash = h } }

// New constructs a Registry bound to ledger and provider.
func New(ledger *lineage.Ledger, provider determinism.Provider, opts ...Option) *Registry {
	r := &Registry{
		ledger:              ledger,
		provider:            provider,
		replayMode:          "off",
		PromotionPolicyHash: canonical.ZeroHash,
		EntropyPolicyHash:   canonical.ZeroHash,
		SandboxPolicyHash:   canonical.ZeroHash,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) latestCheckpointHash(epochID string) (string, error) {
	entries, err := r.ledger.ReadEpoch(epochID)
	if err != nil {
		return "", err
	}
	latest := canonical.ZeroHash
	for _, e := range entries {
		if e.Type != lineage.EventEpochCheckpoint {
			continue
		}
		if candidate, ok := e.Payload["checkpoint_hash"].(string); ok && candidate != "" {
			latest = candidate
		}
	}
	return latest, nil
}

// CreateCheckpoint computes and appends a new EpochCheckpointEvent for
// epochID, returning its payload.
func (r *Registry) CreateCheckpoint(epochID string) (map[string]interface{}, error) {
	if err := determinism.RequireReplaySafe(r.provider, r.replayMode, r.recoveryTier); err != nil {
		return nil, err
	}

	entries, err := r.ledger.ReadEpoch(epochID)
	if err != nil {
		return nil, err
	}

	var mutationCount, promotionCount, scoringCount int
	var sandboxEvidence []string
	for _, e := range entries {
		switch e.Type {
		case lineage.EventMutationBundle:
			mutationCount++
		case lineage.EventPromotion:
			promotionCount++
		case lineage.EventType("ScoringEvent"):
			scoringCount++
		case lineage.EventSandboxEvidence:
			if h, ok := e.Payload["evidence_hash"].(string); ok && h != "" {
				sandboxEvidence = append(sandboxEvidence, h)
			}
		}
	}
	sort.Strings(sandboxEvidence)
	evidenceMaterial := make([]interface{}, len(sandboxEvidence))
	for i, h := range sandboxEvidence {
		evidenceMaterial[i] = h
	}
	evidenceBytes, err := canonical.Marshal(evidenceMaterial)
	if err != nil {
		return nil, err
	}
	evidenceHash := canonical.SHA256Prefixed(evidenceBytes)

	epochDigest := r.ledger.GetExpectedEpochDigest(epochID)
	if epochDigest == "" {
		epochDigest = canonical.InitialEpochDigest
	}
	baselineDigest, err := r.ledger.ComputeIncrementalEpochDigest(epochID)
	if err != nil {
		return nil, err
	}
	prevCheckpointHash, err := r.latestCheckpointHash(epochID)
	if err != nil {
		return nil, err
	}

	material := map[string]interface{}{
		"epoch_id":              epochID,
		"epoch_digest":          epochDigest,
		"baseline_digest":       baselineDigest,
		"mutation_count":        mutationCount,
		"promotion_event_count": promotionCount,
		"scoring_event_count":   scoringCount,
		"promotion_policy_hash": r.PromotionPolicyHash,
		"entropy_policy_hash":   r.EntropyPolicyHash,
		"evidence_hash":         evidenceHash,
		"sandbox_policy_hash":   r.SandboxPolicyHash,
		"prev_checkpoint_hash":  prevCheckpointHash,
	}
	materialBytes, err := canonical.Marshal(material)
	if err != nil {
		return nil, err
	}
	checkpointHash := canonical.SHA256Prefixed(materialBytes)
	checkpointID := fmt.Sprintf("chk_%s", checkpointHash[len("sha256:"):][:16])

	payload := map[string]interface{}{
		"epoch_id":              epochID,
		"checkpoint_id":         checkpointID,
		"checkpoint_hash":       checkpointHash,
		"prev_checkpoint_hash":  prevCheckpointHash,
		"epoch_digest":          epochDigest,
		"baseline_digest":       baselineDigest,
		"mutation_count":        mutationCount,
		"promotion_event_count": promotionCount,
		"scoring_event_count":   scoringCount,
		"entropy_policy_hash":   r.EntropyPolicyHash,
		"promotion_policy_hash": r.PromotionPolicyHash,
		"evidence_hash":         evidenceHash,
		"sandbox_policy_hash":   r.SandboxPolicyHash,
		"created_at":            r.provider.ISONow(),
	}
	if _, err := r.ledger.AppendEvent(lineage.EventEpochCheckpoint, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
