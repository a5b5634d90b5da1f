package evidence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/adaad/core/pkg/adaaderr"
	"github.com/adaad/core/pkg/canonical"
	"github.com/adaad/core/pkg/cryovant"
	"github.com/adaad/core/pkg/lineage"
	"github.com/adaad/core/pkg/replay"
	"github.com/adaad/core/pkg/schemasubset"
)

// BundleSchemaVersion is stamped onto every forensic export this builder
// produces.
const BundleSchemaVersion = "evidence-bundle/v1"

const (
	bundleSigningKeyID      = "evidence-bundle-signer"
	bundleSpecificEnvPrefix = "ADAAD_EVIDENCE_BUNDLE_KEY_"
	bundleGenericEnvVar     = "ADAAD_EVIDENCE_BUNDLE_SIGNING_KEY"
	bundleFallbackNamespace = "adaad-evidence-bundle-dev-secret"
	defaultRetentionDays    = 365
	defaultAccessScope      = "governance_audit"
	defaultSignerKeyID      = "forensics-dev"
)

// bundleSchema mirrors schemas/evidence_bundle.v1.json: the shape
// build_bundle and validate_bundle check a finished export against.
var bundleSchema = schemasubset.Schema{
	"type": "object",
	"required": []string{
		"schema_version", "export_scope", "replay_proofs", "sandbox_evidence",
		"policy_artifact_metadata", "risk_summaries", "lineage_anchors",
		"bundle_index", "bundle_id", "digest",
	},
	"additionalProperties": true,
	"properties": map[string]interface{}{
		"schema_version": map[string]interface{}{"type": "string", "minLength": 1},
		"export_scope": map[string]interface{}{
			"type":     "object",
			"required": []string{"epoch_start", "epoch_end", "epoch_ids"},
		},
		"replay_proofs":    map[string]interface{}{"type": "array"},
		"sandbox_evidence": map[string]interface{}{"type": "array"},
		"risk_summaries": map[string]interface{}{
			"type":     "object",
			"required": []string{"bundle_count", "sandbox_evidence_count", "replay_proof_count", "high_risk_bundle_count"},
		},
		"lineage_anchors": map[string]interface{}{"type": "array"},
		"bundle_index":    map[string]interface{}{"type": "array"},
		"bundle_id":       map[string]interface{}{"type": "string", "minLength": 1},
		"digest":          map[string]interface{}{"type": "string", "minLength": 1},
	},
}

// PolicyArtifact is the minimal, read-only shape of a loaded governance
// policy that a bundle export attaches as descriptive metadata. The loader
// that produces one lives elsewhere in the governance stack; this package
// only consumes the handful of fields an export actually reads off it.
type PolicyArtifact struct {
	SchemaVersion     string
	Fingerprint       string
	ModelName         string
	ModelVersion      string
	DeterminismPass   float64
	DeterminismWarn   float64
}

func (p PolicyArtifact) metadata() map[string]interface{} {
	return map[string]interface{}{
		"schema_version": p.SchemaVersion,
		"fingerprint":    p.Fingerprint,
		"model": map[string]interface{}{
			"name":    p.ModelName,
			"version": p.ModelVersion,
		},
		"thresholds": map[string]interface{}{
			"determinism_pass": p.DeterminismPass,
			"determinism_warn": p.DeterminismWarn,
		},
	}
}

// BundleEvent is one MutationBundleEvent folded into a bundle's index.
type BundleEvent struct {
	EpochID      string      `json:"epoch_id"`
	BundleID     string      `json:"bundle_id"`
	BundleDigest string      `json:"bundle_digest"`
	EpochDigest  string      `json:"epoch_digest"`
	RiskTier     string      `json:"risk_tier"`
	Certificate  interface{} `json:"certificate"`
}

// SandboxEvidenceRecord is one line of the sandbox-evidence JSONL source,
// filtered to the epochs an export covers.
type SandboxEvidenceRecord struct {
	EpochID      string `json:"epoch_id"`
	BundleID     string `json:"bundle_id"`
	EvidenceHash string `json:"evidence_hash"`
	ManifestHash string `json:"manifest_hash"`
	PolicyHash   string `json:"policy_hash"`
	EntryHash    string `json:"entry_hash"`
	PrevHash     string `json:"prev_hash"`
}

// LineageAnchor pins one epoch's cached and recomputed digests alongside the
// bundle IDs an export saw for it, so a reader can independently confirm the
// ledger's digest cache agrees with a fresh replay.
type LineageAnchor struct {
	EpochID                string   `json:"epoch_id"`
	ExpectedEpochDigest    string   `json:"expected_epoch_digest"`
	IncrementalEpochDigest string   `json:"incremental_epoch_digest"`
	BundleIDs              []string `json:"bundle_ids"`
}

// ExportScope names the inclusive epoch range an export covers.
type ExportScope struct {
	EpochStart string   `json:"epoch_start"`
	EpochEnd   string   `json:"epoch_end"`
	EpochIDs   []string `json:"epoch_ids"`
}

// RiskSummary rolls up counts an auditor can sanity-check at a glance
// without reading the full bundle index.
type RiskSummary struct {
	BundleCount          int `json:"bundle_count"`
	SandboxEvidenceCount int `json:"sandbox_evidence_count"`
	ReplayProofCount     int `json:"replay_proof_count"`
	HighRiskBundleCount  int `json:"high_risk_bundle_count"`
}

// SignerMetadata records who signed an export's digest and under what
// scheme, so a verifier can re-derive the key and check it independently.
type SignerMetadata struct {
	KeyID        string `json:"key_id"`
	Algorithm    string `json:"algorithm"`
	SignedDigest string `json:"signed_digest"`
	Signature    string `json:"signature"`
}

// ExportMetadata is the non-evidentiary wrapper around a bundle's core: how
// long to keep it, who may read it, and the signature binding it to a
// specific signer.
type ExportMetadata struct {
	Digest            string         `json:"digest"`
	CanonicalOrdering string         `json:"canonical_ordering"`
	Immutable         bool           `json:"immutable"`
	Path              string         `json:"path"`
	RetentionDays     int            `json:"retention_days"`
	AccessScope       string         `json:"access_scope"`
	Signer            SignerMetadata `json:"signer"`
}

// Bundle is a complete forensic evidence export: every replay proof,
// sandbox evidence record, and lineage anchor covering one inclusive epoch
// range, bound together under a single signed digest.
type Bundle struct {
	SchemaVersion          string                 `json:"schema_version"`
	ExportScope            ExportScope            `json:"export_scope"`
	ReplayProofs           []replay.EpochReplay   `json:"replay_proofs"`
	SandboxEvidence        []SandboxEvidenceRecord `json:"sandbox_evidence"`
	PolicyArtifactMetadata map[string]interface{} `json:"policy_artifact_metadata"`
	RiskSummaries          RiskSummary            `json:"risk_summaries"`
	LineageAnchors         []LineageAnchor        `json:"lineage_anchors"`
	BundleIndex            []BundleEvent          `json:"bundle_index"`
	BundleID               string                 `json:"bundle_id"`
	Digest                 string                 `json:"digest"`
	ExportMetadata         ExportMetadata         `json:"export_metadata"`
}

// replayEngine is the subset of *replay.EpochEngine a bundle builder needs.
type replayEngine interface {
	ReplayEpoch(epochID string) (replay.EpochReplay, error)
}

// BundleBuilder assembles evidence bundles from a lineage ledger, an epoch
// replay engine, and a JSONL source of sandbox execution evidence.
type BundleBuilder struct {
	ledger              *lineage.Ledger
	replayEngine        replayEngine
	sandboxEvidencePath string
	clock               func() time.Time
}

// NewBundleBuilder binds a builder to its ledger, replay engine, and the
// path of the sandbox-evidence JSONL file (which may not exist yet; an
// absent file contributes zero sandbox evidence records rather than
// erroring).
func NewBundleBuilder(ledger *lineage.Ledger, engine replayEngine, sandboxEvidencePath string) *BundleBuilder {
	return &BundleBuilder{
		ledger:              ledger,
		replayEngine:        engine,
		sandboxEvidencePath: sandboxEvidencePath,
		clock:               time.Now,
	}
}

// WithClock overrides the builder's clock, for deterministic tests of
// anything timestamped off it.
func (b *BundleBuilder) WithClock(clock func() time.Time) *BundleBuilder {
	b.clock = clock
	return b
}

func (b *BundleBuilder) resolveEpochIDs(epochStart, epochEnd string) ([]string, error) {
	if epochStart == "" || epochEnd == "" {
		return nil, fmt.Errorf("%w: epoch_start and epoch_end are both required", adaaderr.ErrMissingEpoch)
	}
	all, err := b.ledger.ListEpochIDs()
	if err != nil {
		return nil, err
	}
	startIdx, endIdx := -1, -1
	for i, id := range all {
		if id == epochStart {
			startIdx = i
		}
		if id == epochEnd {
			endIdx = i
		}
	}
	if startIdx == -1 {
		return nil, fmt.Errorf("%w: epoch_start %q not found", adaaderr.ErrMissingEpoch, epochStart)
	}
	if endIdx == -1 {
		return nil, fmt.Errorf("%w: epoch_end %q not found", adaaderr.ErrMissingEpoch, epochEnd)
	}
	if endIdx < startIdx {
		return nil, fmt.Errorf("%w: epoch_end %q precedes epoch_start %q", adaaderr.ErrMissingEpoch, epochEnd, epochStart)
	}
	return all[startIdx : endIdx+1], nil
}

func (b *BundleBuilder) collectBundleEvents(epochIDs []string) ([]BundleEvent, error) {
	events := []BundleEvent{}
	for _, epochID := range epochIDs {
		entries, err := b.ledger.ReadEpoch(epochID)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.Type != lineage.EventMutationBundle {
				continue
			}
			events = append(events, BundleEvent{
				EpochID:      epochID,
				BundleID:     stringField(entry.Payload, "bundle_id"),
				BundleDigest: stringField(entry.Payload, "bundle_digest"),
				EpochDigest:  stringField(entry.Payload, "epoch_digest"),
				RiskTier:     stringField(entry.Payload, "risk_tier"),
				Certificate:  entry.Payload["certificate"],
			})
		}
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].EpochID != events[j].EpochID {
			return events[i].EpochID < events[j].EpochID
		}
		if events[i].BundleID != events[j].BundleID {
			return events[i].BundleID < events[j].BundleID
		}
		return events[i].BundleDigest < events[j].BundleDigest
	})
	return events, nil
}

func (b *BundleBuilder) collectSandboxEvidence(epochIDs []string) ([]SandboxEvidenceRecord, error) {
	inScope := make(map[string]bool, len(epochIDs))
	for _, id := range epochIDs {
		inScope[id] = true
	}

	if b.sandboxEvidencePath == "" {
		return []SandboxEvidenceRecord{}, nil
	}
	f, err := os.Open(b.sandboxEvidencePath)
	if os.IsNotExist(err) {
		return []SandboxEvidenceRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records := []SandboxEvidenceRecord{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", adaaderr.ErrInvalidJSONL, err)
		}
		if raw == nil {
			return nil, fmt.Errorf("%w: line did not decode to an object", adaaderr.ErrInvalidJSONL)
		}
		epochID := stringField(raw, "epoch_id")
		if !inScope[epochID] {
			continue
		}
		records = append(records, SandboxEvidenceRecord{
			EpochID:      epochID,
			BundleID:     stringField(raw, "bundle_id"),
			EvidenceHash: stringField(raw, "evidence_hash"),
			ManifestHash: stringField(raw, "manifest_hash"),
			PolicyHash:   stringField(raw, "policy_hash"),
			EntryHash:    stringField(raw, "entry_hash"),
			PrevHash:     stringField(raw, "prev_hash"),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].EpochID != records[j].EpochID {
			return records[i].EpochID < records[j].EpochID
		}
		if records[i].BundleID != records[j].BundleID {
			return records[i].BundleID < records[j].BundleID
		}
		return records[i].EntryHash < records[j].EntryHash
	})
	return records, nil
}

func (b *BundleBuilder) collectReplayProofs(epochIDs []string) ([]replay.EpochReplay, error) {
	proofs := make([]replay.EpochReplay, 0, len(epochIDs))
	for _, epochID := range epochIDs {
		proof, err := b.replayEngine.ReplayEpoch(epochID)
		if err != nil {
			return nil, err
		}
		proofs = append(proofs, proof)
	}
	sort.Slice(proofs, func(i, j int) bool { return proofs[i].EpochID < proofs[j].EpochID })
	return proofs, nil
}

func (b *BundleBuilder) collectLineageAnchors(epochIDs []string, bundleEvents []BundleEvent) ([]LineageAnchor, error) {
	bundleIDsByEpoch := make(map[string]map[string]bool)
	for _, ev := range bundleEvents {
		if bundleIDsByEpoch[ev.EpochID] == nil {
			bundleIDsByEpoch[ev.EpochID] = map[string]bool{}
		}
		bundleIDsByEpoch[ev.EpochID][ev.BundleID] = true
	}

	anchors := make([]LineageAnchor, 0, len(epochIDs))
	for _, epochID := range epochIDs {
		incremental, err := b.ledger.ComputeIncrementalEpochDigest(epochID)
		if err != nil {
			return nil, err
		}
		ids := []string{}
		for id := range bundleIDsByEpoch[epochID] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		anchors = append(anchors, LineageAnchor{
			EpochID:                epochID,
			ExpectedEpochDigest:    b.ledger.GetExpectedEpochDigest(epochID),
			IncrementalEpochDigest: incremental,
			BundleIDs:              ids,
		})
	}
	return anchors, nil
}

func isHighRisk(tier string) bool {
	return tier == "high" || tier == "critical"
}

// BuildCore assembles every evidentiary section of a bundle for the
// inclusive range [epochStart, epochEnd], without signing or persisting it.
func (b *BundleBuilder) BuildCore(epochStart, epochEnd string, policy PolicyArtifact) (Bundle, error) {
	epochIDs, err := b.resolveEpochIDs(epochStart, epochEnd)
	if err != nil {
		return Bundle{}, err
	}

	bundleEvents, err := b.collectBundleEvents(epochIDs)
	if err != nil {
		return Bundle{}, err
	}
	sandboxEvidence, err := b.collectSandboxEvidence(epochIDs)
	if err != nil {
		return Bundle{}, err
	}
	replayProofs, err := b.collectReplayProofs(epochIDs)
	if err != nil {
		return Bundle{}, err
	}
	lineageAnchors, err := b.collectLineageAnchors(epochIDs, bundleEvents)
	if err != nil {
		return Bundle{}, err
	}

	highRisk := 0
	for _, ev := range bundleEvents {
		if isHighRisk(ev.RiskTier) {
			highRisk++
		}
	}

	return Bundle{
		SchemaVersion: BundleSchemaVersion,
		ExportScope: ExportScope{
			EpochStart: epochStart,
			EpochEnd:   epochEnd,
			EpochIDs:   epochIDs,
		},
		ReplayProofs:           replayProofs,
		SandboxEvidence:        sandboxEvidence,
		PolicyArtifactMetadata: policy.metadata(),
		RiskSummaries: RiskSummary{
			BundleCount:          len(bundleEvents),
			SandboxEvidenceCount: len(sandboxEvidence),
			ReplayProofCount:     len(replayProofs),
			HighRiskBundleCount:  highRisk,
		},
		LineageAnchors: lineageAnchors,
		BundleIndex:    bundleEvents,
	}, nil
}

func (b *BundleBuilder) exportMetadata(digest, path string) ExportMetadata {
	retentionDays := defaultRetentionDays
	if v := os.Getenv("ADAAD_FORENSIC_RETENTION_DAYS"); v != "" {
		var parsed int
		if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil {
			retentionDays = parsed
		}
	}
	accessScope := os.Getenv("ADAAD_FORENSIC_EXPORT_SCOPE")
	if accessScope == "" {
		accessScope = defaultAccessScope
	}
	signerKeyID := os.Getenv("ADAAD_EVIDENCE_BUNDLE_KEY_ID")
	if signerKeyID == "" {
		signerKeyID = defaultSignerKeyID
	}
	algorithm := os.Getenv("ADAAD_EVIDENCE_BUNDLE_SIGNING_ALGO")
	if algorithm == "" {
		algorithm = cryovant.SignatureAlgorithm
	}

	signature := cryovant.SignHMACDigest(bundleSigningKeyID, digest, bundleSpecificEnvPrefix, bundleGenericEnvVar, bundleFallbackNamespace)

	return ExportMetadata{
		Digest:            digest,
		CanonicalOrdering: "json_sort_keys",
		Immutable:         true,
		Path:              path,
		RetentionDays:     retentionDays,
		AccessScope:        accessScope,
		Signer: SignerMetadata{
			KeyID:        signerKeyID,
			Algorithm:    algorithm,
			SignedDigest: signature.SignedDigest,
			Signature:    signature.Signature,
		},
	}
}

// BuildBundle builds a bundle's core, computes its digest, derives its
// bundle ID, signs it, and persists it to path. If path already holds a
// bundle whose canonical content differs from the one just built, it fails
// closed with ErrImmutableExportMismatch rather than overwrite forensic
// evidence.
func (b *BundleBuilder) BuildBundle(epochStart, epochEnd string, policy PolicyArtifact, path string) (Bundle, error) {
	core, err := b.BuildCore(epochStart, epochEnd, policy)
	if err != nil {
		return Bundle{}, err
	}

	coreBytes, err := canonical.Marshal(core)
	if err != nil {
		return Bundle{}, err
	}
	digest := canonical.SHA256Prefixed(coreBytes)
	core.Digest = digest
	core.BundleID = "evidence-" + digest[len("sha256:"):len("sha256:")+16]
	core.ExportMetadata = b.exportMetadata(digest, path)

	if errs := schemasubset.Validate(bundleSchema, bundleAsPayload(core)); len(errs) > 0 {
		return Bundle{}, fmt.Errorf("%w: %v", adaaderr.ErrMissingSchema, errs)
	}

	finalBytes, err := canonical.Marshal(core)
	if err != nil {
		return Bundle{}, err
	}
	if existing, err := os.ReadFile(path); err == nil {
		var existingGeneric, finalGeneric interface{}
		if err := json.Unmarshal(existing, &existingGeneric); err == nil {
			if err := json.Unmarshal(finalBytes, &finalGeneric); err == nil {
				existingCanonical, _ := canonical.Marshal(existingGeneric)
				finalCanonical, _ := canonical.Marshal(finalGeneric)
				if string(existingCanonical) != string(finalCanonical) {
					return Bundle{}, adaaderr.ErrImmutableExportMismatch
				}
				return core, nil
			}
		}
	}

	if err := os.WriteFile(path, finalBytes, 0o644); err != nil {
		return Bundle{}, err
	}
	return core, nil
}

// ValidateBundle runs a previously-built bundle back through the bundle
// schema, for callers that load an export off disk and want to re-confirm
// its shape before trusting it.
func ValidateBundle(bundle Bundle) []string {
	return schemasubset.Validate(bundleSchema, bundleAsPayload(bundle))
}

func bundleAsPayload(bundle Bundle) map[string]interface{} {
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

func stringField(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	v, _ := payload[key].(string)
	return v
}
