package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"sort"
	"time"

	"github.com/adaad/core/pkg/canonical"
	"github.com/adaad/core/pkg/cryovant"
	"github.com/adaad/core/pkg/lineage"
	"github.com/adaad/core/pkg/schemasubset"
)

const (
	replayProofSchemaVersion      = "1.0"
	defaultProofSigningAlgorithm  = "hmac-sha256"
	proofKeySpecificEnvPrefix     = "ADAAD_REPLAY_PROOF_KEY_"
	proofKeyGenericEnvVar         = "ADAAD_REPLAY_PROOF_SIGNING_KEY"
	proofKeyFallbackNamespace     = "adaad-replay-proof-dev-secret"
	defaultProofKeyID             = "replay-proof-dev"
	attestationConstitutionVersion = "adaad-constitution/v1"
)

// attestationSchema mirrors schemas/replay_attestation.v1.json: the shape a
// proof bundle must have before it is signed, persisted, or trusted.
var attestationSchema = schemasubset.Schema{
	"type": "object",
	"required": []string{
		"schema_version", "epoch_id", "baseline_digest", "ledger_state_hash",
		"mutation_graph_fingerprint", "constitution_version", "sandbox_policy_hash",
		"checkpoint_chain", "checkpoint_chain_digest", "replay_digest",
		"canonical_digest", "policy_hashes", "proof_digest", "signature_bundle",
		"signatures",
	},
	"additionalProperties": true,
	"properties": map[string]interface{}{
		"schema_version":     map[string]interface{}{"type": "string", "minLength": 1},
		"epoch_id":           map[string]interface{}{"type": "string", "minLength": 1},
		"checkpoint_chain":   map[string]interface{}{"type": "array"},
		"signatures":         map[string]interface{}{"type": "array", "minItems": 1},
		"proof_digest":       map[string]interface{}{"type": "string", "minLength": 1},
	},
}

// CheckpointEvent is one EpochCheckpointEvent entry normalized into the
// attestation's checkpoint chain, with zero-hash defaults for any field a
// recorded entry left unset.
type CheckpointEvent struct {
	CheckpointID       string `json:"checkpoint_id"`
	CheckpointHash     string `json:"checkpoint_hash"`
	PrevCheckpointHash string `json:"prev_checkpoint_hash"`
	EpochDigest        string `json:"epoch_digest"`
	BaselineDigest     string `json:"baseline_digest"`
	CreatedAt          string `json:"created_at"`
}

// PolicyHashes records which governing-policy document revisions were in
// force during an epoch, for an auditor comparing proofs across epochs.
type PolicyHashes struct {
	PromotionPolicyHash string `json:"promotion_policy_hash"`
	EntropyPolicyHash   string `json:"entropy_policy_hash"`
	SandboxPolicyHash   string `json:"sandbox_policy_hash"`
}

// SignatureEntry is one signer's attestation over a proof bundle's digest.
type SignatureEntry struct {
	KeyID        string `json:"key_id"`
	Algorithm    string `json:"algorithm"`
	SignedDigest string `json:"signed_digest"`
	Signature    string `json:"signature"`
}

// TrustRootMetadata carries the optional trust-chain context a proof bundle
// may be issued with: who issued it, under what trust policy, and which key
// epoch signed it. Verification only enforces any of this when the caller
// actually asks for it (AcceptedIssuers, KeyValidityWindows,
// RevocationSource, or TrustPolicyVersion).
type TrustRootMetadata struct {
	IssuerChain         []string               `json:"issuer_chain,omitempty"`
	TrustPolicyVersion  string                 `json:"trust_policy_version,omitempty"`
	KeyEpoch            map[string]interface{} `json:"key_epoch,omitempty"`
	RevocationReference interface{}            `json:"revocation_reference,omitempty"`
}

// ProofBundle is a signed, offline-verifiable attestation that replaying an
// epoch reproduces a specific deterministic state.
type ProofBundle struct {
	SchemaVersion            string             `json:"schema_version"`
	EpochID                  string             `json:"epoch_id"`
	BaselineDigest           string             `json:"baseline_digest"`
	LedgerStateHash          string             `json:"ledger_state_hash"`
	MutationGraphFingerprint string             `json:"mutation_graph_fingerprint"`
	ConstitutionVersion      string             `json:"constitution_version"`
	SandboxPolicyHash        string             `json:"sandbox_policy_hash"`
	CheckpointChain          []CheckpointEvent  `json:"checkpoint_chain"`
	CheckpointChainDigest    string             `json:"checkpoint_chain_digest"`
	ReplayDigest             string             `json:"replay_digest"`
	CanonicalDigest          string             `json:"canonical_digest"`
	PolicyHashes             PolicyHashes       `json:"policy_hashes"`
	TrustRootMetadata        *TrustRootMetadata `json:"trust_root_metadata,omitempty"`
	ProofDigest              string             `json:"proof_digest"`
	SignatureBundle          SignatureEntry     `json:"signature_bundle"`
	Signatures               []SignatureEntry   `json:"signatures"`
}

// epochReplayer is the subset of *EpochEngine a proof builder needs.
type epochReplayer interface {
	ReplayEpoch(epochID string) (EpochReplay, error)
}

// GoalGraphFingerprintFunc resolves the current mutation/goal graph's
// canonical fingerprint. The graph document itself lives outside this
// module's tree (its layout is deployment-specific), so builders take this
// as an injected dependency instead of reading a fixed path; a nil or
// erroring func fails bundle construction closed, matching the upstream
// behavior of refusing to attest without a resolvable graph fingerprint.
type GoalGraphFingerprintFunc func() (string, error)

// ReplayProofBuilder collects deterministic replay evidence for an epoch
// and emits a signed proof bundle an offline verifier can check without any
// access to this module's runtime state.
type ReplayProofBuilder struct {
	ledger               *lineage.Ledger
	replayEngine         epochReplayer
	goalGraphFingerprint GoalGraphFingerprintFunc
	keyID                string
	algorithm            string
}

// NewReplayProofBuilder binds a builder to its ledger, epoch replay engine,
// and goal-graph fingerprint resolver. Signing key ID and algorithm are
// resolved from ADAAD_REPLAY_PROOF_KEY_ID / ADAAD_REPLAY_PROOF_ALGO, with
// dev-safe defaults.
func NewReplayProofBuilder(ledger *lineage.Ledger, engine epochReplayer, goalGraphFingerprint GoalGraphFingerprintFunc) *ReplayProofBuilder {
	keyID := os.Getenv("ADAAD_REPLAY_PROOF_KEY_ID")
	if keyID == "" {
		keyID = defaultProofKeyID
	}
	algorithm := os.Getenv("ADAAD_REPLAY_PROOF_ALGO")
	if algorithm == "" {
		algorithm = defaultProofSigningAlgorithm
	}
	return &ReplayProofBuilder{
		ledger:               ledger,
		replayEngine:         engine,
		goalGraphFingerprint: goalGraphFingerprint,
		keyID:                keyID,
		algorithm:            algorithm,
	}
}

func normalizeCheckpointEvent(payload map[string]interface{}) CheckpointEvent {
	return CheckpointEvent{
		CheckpointID:       stringFieldOr(payload, "checkpoint_id", ""),
		CheckpointHash:     stringFieldOr(payload, "checkpoint_hash", canonical.ZeroHash),
		PrevCheckpointHash: stringFieldOr(payload, "prev_checkpoint_hash", canonical.ZeroHash),
		EpochDigest:        stringFieldOr(payload, "epoch_digest", canonical.InitialEpochDigest),
		BaselineDigest:     stringFieldOr(payload, "baseline_digest", canonical.InitialEpochDigest),
		CreatedAt:          stringFieldOr(payload, "created_at", ""),
	}
}

func stringFieldOr(payload map[string]interface{}, key, fallback string) string {
	if payload == nil {
		return fallback
	}
	if v, ok := payload[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func (b *ReplayProofBuilder) collectCheckpointChain(epochID string) ([]CheckpointEvent, error) {
	entries, err := b.ledger.ReadEpoch(epochID)
	if err != nil {
		return nil, err
	}
	chain := []CheckpointEvent{}
	for _, entry := range entries {
		if entry.Type != lineage.EventEpochCheckpoint {
			continue
		}
		chain = append(chain, normalizeCheckpointEvent(entry.Payload))
	}
	sort.SliceStable(chain, func(i, j int) bool {
		if chain[i].CreatedAt != chain[j].CreatedAt {
			return chain[i].CreatedAt < chain[j].CreatedAt
		}
		if chain[i].CheckpointID != chain[j].CheckpointID {
			return chain[i].CheckpointID < chain[j].CheckpointID
		}
		return chain[i].CheckpointHash < chain[j].CheckpointHash
	})
	return chain, nil
}

func (b *ReplayProofBuilder) policyHashes(epochID string) (PolicyHashes, error) {
	hashes := PolicyHashes{
		PromotionPolicyHash: canonical.ZeroHash,
		EntropyPolicyHash:   canonical.ZeroHash,
		SandboxPolicyHash:   canonical.ZeroHash,
	}
	entries, err := b.ledger.ReadEpoch(epochID)
	if err != nil {
		return PolicyHashes{}, err
	}
	for _, entry := range entries {
		if entry.Type != lineage.EventEpochCheckpoint {
			continue
		}
		if v, ok := entry.Payload["promotion_policy_hash"].(string); ok && v != "" {
			hashes.PromotionPolicyHash = v
		}
		if v, ok := entry.Payload["entropy_policy_hash"].(string); ok && v != "" {
			hashes.EntropyPolicyHash = v
		}
		if v, ok := entry.Payload["sandbox_policy_hash"].(string); ok && v != "" {
			hashes.SandboxPolicyHash = v
		}
	}
	return hashes, nil
}

func checkpointHashes(chain []CheckpointEvent) []string {
	hashes := make([]string, len(chain))
	for i, c := range chain {
		hashes[i] = c.CheckpointHash
	}
	return hashes
}

func unsignedProofBundle(bundle ProofBundle) map[string]interface{} {
	unsigned := map[string]interface{}{
		"schema_version":             bundle.SchemaVersion,
		"epoch_id":                   bundle.EpochID,
		"baseline_digest":            bundle.BaselineDigest,
		"ledger_state_hash":          bundle.LedgerStateHash,
		"mutation_graph_fingerprint": bundle.MutationGraphFingerprint,
		"constitution_version":       bundle.ConstitutionVersion,
		"sandbox_policy_hash":        bundle.SandboxPolicyHash,
		"checkpoint_chain":           bundle.CheckpointChain,
		"checkpoint_chain_digest":    bundle.CheckpointChainDigest,
		"replay_digest":              bundle.ReplayDigest,
		"canonical_digest":           bundle.CanonicalDigest,
		"policy_hashes":              bundle.PolicyHashes,
	}
	if bundle.TrustRootMetadata != nil {
		unsigned["trust_root_metadata"] = bundle.TrustRootMetadata
	}
	return unsigned
}

// BuildBundle assembles and signs a replay proof bundle for epochID.
func (b *ReplayProofBuilder) BuildBundle(epochID string) (ProofBundle, error) {
	replayState, err := b.replayEngine.ReplayEpoch(epochID)
	if err != nil {
		return ProofBundle{}, err
	}

	ledgerStateHash := b.ledger.GetExpectedEpochDigest(epochID)
	if ledgerStateHash == "" {
		ledgerStateHash = replayState.Digest
	}
	if ledgerStateHash == "" {
		ledgerStateHash = canonical.InitialEpochDigest
	}

	chain, err := b.collectCheckpointChain(epochID)
	if err != nil {
		return ProofBundle{}, err
	}

	baselineDigest := ""
	if len(chain) > 0 {
		baselineDigest = chain[len(chain)-1].BaselineDigest
	}
	if baselineDigest == "" {
		baselineDigest = replayState.Digest
	}
	if baselineDigest == "" {
		baselineDigest = canonical.InitialEpochDigest
	}

	if b.goalGraphFingerprint == nil {
		return ProofBundle{}, fmt.Errorf("replay_proof_goal_graph_missing")
	}
	mutationGraphFingerprint, err := b.goalGraphFingerprint()
	if err != nil {
		return ProofBundle{}, fmt.Errorf("replay_proof_goal_graph_missing: %w", err)
	}

	hashes, err := b.policyHashes(epochID)
	if err != nil {
		return ProofBundle{}, err
	}

	chainHashBytes, err := canonical.Marshal(checkpointHashes(chain))
	if err != nil {
		return ProofBundle{}, err
	}

	bundle := ProofBundle{
		SchemaVersion:            replayProofSchemaVersion,
		EpochID:                  epochID,
		BaselineDigest:           baselineDigest,
		LedgerStateHash:          ledgerStateHash,
		MutationGraphFingerprint: mutationGraphFingerprint,
		ConstitutionVersion:      attestationConstitutionVersion,
		SandboxPolicyHash:        hashes.SandboxPolicyHash,
		CheckpointChain:          chain,
		CheckpointChainDigest:    canonical.SHA256Prefixed(chainHashBytes),
		ReplayDigest:             replayState.Digest,
		CanonicalDigest:          replayState.CanonicalDigest,
		PolicyHashes:             hashes,
	}

	unsignedBytes, err := canonical.Marshal(unsignedProofBundle(bundle))
	if err != nil {
		return ProofBundle{}, err
	}
	proofDigest := canonical.SHA256Prefixed(unsignedBytes)

	signature := cryovant.SignHMACDigest(b.keyID, proofDigest, proofKeySpecificEnvPrefix, proofKeyGenericEnvVar, proofKeyFallbackNamespace)
	signatureEntry := SignatureEntry{
		KeyID:        b.keyID,
		Algorithm:    b.algorithm,
		SignedDigest: proofDigest,
		Signature:    signature.Signature,
	}

	bundle.ProofDigest = proofDigest
	bundle.SignatureBundle = signatureEntry
	bundle.Signatures = []SignatureEntry{signatureEntry}

	if errs := ValidateReplayProofSchema(bundle); len(errs) > 0 {
		return ProofBundle{}, fmt.Errorf("replay_proof_schema_validation_failed: %v", errs)
	}
	return bundle, nil
}

// ValidateReplayProofSchema checks bundle's shape against the replay
// attestation schema.
func ValidateReplayProofSchema(bundle ProofBundle) []string {
	return schemasubset.Validate(attestationSchema, bundleToPayload(bundle))
}

func bundleToPayload(bundle ProofBundle) map[string]interface{} {
	bytes, err := json.Marshal(bundle)
	if err != nil {
		return map[string]interface{}{}
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(bytes, &payload); err != nil {
		return map[string]interface{}{}
	}
	return payload
}

// KeyValidityWindow is the trust policy's declared validity range for a
// given key epoch, keyed by key-epoch ID in VerifyOptions.KeyValidityWindows.
type KeyValidityWindow struct {
	ValidFrom  string
	ValidUntil string
}

// RevocationCheckFunc reports whether keyID has been revoked, given the
// bundle's trust metadata and its declared revocation reference.
type RevocationCheckFunc func(keyID string, trustMetadata *TrustRootMetadata, revocationReference interface{}) bool

// VerifyOptions controls how strictly VerifyReplayProofBundle checks trust.
// Every field is optional; leaving all of them unset verifies only that the
// bundle is internally consistent (schema-valid, digest matches its
// contents, signatures match their signed digest) without enforcing any
// trust policy. Setting any of the trust-policy fields (AcceptedIssuers,
// KeyValidityWindows, RevocationSource, TrustPolicyVersion) requires the
// bundle to carry TrustRootMetadata; Keyring alone does not.
type VerifyOptions struct {
	// Keyring maps key_id to a shared secret; when set, signatures are
	// checked against "sha256:"+sha256(secret+":"+signed_digest) instead of
	// the default env-cascade HMAC verification.
	Keyring             map[string]string
	AcceptedIssuers     []string
	KeyValidityWindows  map[string]KeyValidityWindow
	RevocationSource    RevocationCheckFunc
	TrustPolicyVersion  string
}

func (o VerifyOptions) enforcesTrustPolicy() bool {
	return len(o.AcceptedIssuers) > 0 || o.KeyValidityWindows != nil || o.RevocationSource != nil || o.TrustPolicyVersion != ""
}

// SignatureVerification is the per-signer outcome of verifying one entry in
// a proof bundle's signatures list.
type SignatureVerification struct {
	OK        bool   `json:"ok"`
	KeyID     string `json:"key_id"`
	Algorithm string `json:"algorithm"`
	Error     string `json:"error,omitempty"`
}

// VerificationResult is the outcome of VerifyReplayProofBundle.
type VerificationResult struct {
	OK               bool                     `json:"ok"`
	Error            string                   `json:"error,omitempty"`
	SchemaErrors     []string                 `json:"schema_errors,omitempty"`
	ProofDigest      string                   `json:"proof_digest,omitempty"`
	SignatureResults []SignatureVerification `json:"signature_results,omitempty"`
}

func parseISO8601(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, time.RFC3339Nano} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func plainKeyringSignature(secret, signedDigest string) string {
	return canonical.SHA256Prefixed([]byte(secret + ":" + signedDigest))
}

// VerifyReplayProofBundle offline-verifies bundle: that it is schema-valid,
// that its proof_digest matches a fresh canonicalization of its own
// contents, and that every entry in its signatures list actually signs that
// digest. Trust-policy checks (issuer acceptance, key validity windows,
// revocation, trust policy version) are enforced only when opts asks for
// them, and require bundle.TrustRootMetadata to be present once any of them
// is set.
func VerifyReplayProofBundle(bundle ProofBundle, opts VerifyOptions) VerificationResult {
	if errs := ValidateReplayProofSchema(bundle); len(errs) > 0 {
		return VerificationResult{Error: "schema_validation_failed", SchemaErrors: errs}
	}

	if len(bundle.Signatures) == 0 {
		return VerificationResult{Error: "missing_signatures"}
	}
	if !reflect.DeepEqual(bundle.SignatureBundle, bundle.Signatures[0]) {
		return VerificationResult{Error: "signature_bundle_mismatch"}
	}

	trustMetadata := bundle.TrustRootMetadata
	if opts.enforcesTrustPolicy() && trustMetadata == nil {
		return VerificationResult{Error: "trust_root_metadata_required"}
	}

	if trustMetadata != nil && len(opts.AcceptedIssuers) > 0 {
		if len(trustMetadata.IssuerChain) == 0 {
			return VerificationResult{Error: "invalid_issuer_chain"}
		}
		accepted := make(map[string]bool, len(opts.AcceptedIssuers))
		for _, issuer := range opts.AcceptedIssuers {
			accepted[issuer] = true
		}
		matched := false
		for _, issuer := range trustMetadata.IssuerChain {
			if accepted[issuer] {
				matched = true
				break
			}
		}
		if !matched {
			return VerificationResult{Error: "issuer_not_accepted"}
		}
	}

	if trustMetadata != nil && opts.TrustPolicyVersion != "" {
		if trustMetadata.TrustPolicyVersion != opts.TrustPolicyVersion {
			return VerificationResult{Error: "trust_policy_version_mismatch"}
		}
	}

	expectedProofDigest, err := func() (string, error) {
		bytes, err := canonical.Marshal(unsignedProofBundle(bundle))
		if err != nil {
			return "", err
		}
		return canonical.SHA256Prefixed(bytes), nil
	}()
	if err != nil {
		return VerificationResult{Error: "canonicalization_failed"}
	}
	if bundle.ProofDigest != expectedProofDigest {
		return VerificationResult{Error: "proof_digest_mismatch", ProofDigest: expectedProofDigest}
	}

	results := make([]SignatureVerification, 0, len(bundle.Signatures))
	for _, sig := range bundle.Signatures {
		if sig.SignedDigest != expectedProofDigest {
			results = append(results, SignatureVerification{KeyID: sig.KeyID, Algorithm: sig.Algorithm, Error: "signed_digest_mismatch"})
			continue
		}

		if trustMetadata != nil && opts.KeyValidityWindows != nil {
			keyEpochID, _ := trustMetadata.KeyEpoch["id"].(string)
			window, ok := opts.KeyValidityWindows[keyEpochID]
			if !ok {
				results = append(results, SignatureVerification{KeyID: sig.KeyID, Algorithm: sig.Algorithm, Error: "unknown_key_epoch"})
				continue
			}
			actualFrom, okFrom := parseISO8601(stringFieldOr(trustMetadata.KeyEpoch, "valid_from", ""))
			actualUntil, okUntil := parseISO8601(stringFieldOr(trustMetadata.KeyEpoch, "valid_until", ""))
			expectedFrom, okExpFrom := parseISO8601(window.ValidFrom)
			expectedUntil, okExpUntil := parseISO8601(window.ValidUntil)
			if !okFrom || !okUntil || !okExpFrom || !okExpUntil {
				results = append(results, SignatureVerification{KeyID: sig.KeyID, Algorithm: sig.Algorithm, Error: "invalid_key_validity_window"})
				continue
			}
			if actualFrom.Before(expectedFrom) || actualUntil.After(expectedUntil) {
				results = append(results, SignatureVerification{KeyID: sig.KeyID, Algorithm: sig.Algorithm, Error: "key_validity_window_violation"})
				continue
			}
		}

		if trustMetadata != nil && opts.RevocationSource != nil {
			if opts.RevocationSource(sig.KeyID, trustMetadata, trustMetadata.RevocationReference) {
				results = append(results, SignatureVerification{KeyID: sig.KeyID, Algorithm: sig.Algorithm, Error: "key_revoked"})
				continue
			}
		}

		var expectedSignature string
		if opts.Keyring != nil {
			secret, ok := opts.Keyring[sig.KeyID]
			if !ok || secret == "" {
				results = append(results, SignatureVerification{KeyID: sig.KeyID, Algorithm: sig.Algorithm, Error: "unknown_key_id"})
				continue
			}
			expectedSignature = plainKeyringSignature(secret, sig.SignedDigest)
		} else {
			expectedSignature = cryovant.SignHMACDigest(sig.KeyID, sig.SignedDigest, proofKeySpecificEnvPrefix, proofKeyGenericEnvVar, proofKeyFallbackNamespace).Signature
		}

		if sig.Signature != expectedSignature {
			results = append(results, SignatureVerification{KeyID: sig.KeyID, Algorithm: sig.Algorithm, Error: "signature_mismatch"})
			continue
		}
		results = append(results, SignatureVerification{OK: true, KeyID: sig.KeyID, Algorithm: sig.Algorithm})
	}

	allValid := len(results) > 0
	for _, r := range results {
		if !r.OK {
			allValid = false
			break
		}
	}

	return VerificationResult{OK: allValid, ProofDigest: expectedProofDigest, SignatureResults: results}
}
