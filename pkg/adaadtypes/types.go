// Package adaadtypes holds the shared record types passed between the
// governance, ledger, and lifecycle packages: MutationTarget,
// MutationRequest, lineage event payloads, and the authority matrix. Each
// constructor validates its invariants up front rather than leaving the
// caller to assemble a struct literal that might violate them.
package adaadtypes

import (
	"fmt"
	"path/filepath"
	"strings"
)

// TargetType enumerates the kinds of files a mutation may touch.
type TargetType string

const (
	TargetDNA        TargetType = "dna"
	TargetConfig     TargetType = "config"
	TargetSkills     TargetType = "skills"
	TargetRuntime    TargetType = "runtime"
	TargetSecurity   TargetType = "security"
	TargetGovernance TargetType = "governance"
	TargetCode       TargetType = "code"
	TargetDocs       TargetType = "docs"
)

func (t TargetType) valid() bool {
	switch t {
	case TargetDNA, TargetConfig, TargetSkills, TargetRuntime, TargetSecurity, TargetGovernance, TargetCode, TargetDocs:
		return true
	}
	return false
}

// AuthorityLevel is the declared impact ceiling a request claims.
type AuthorityLevel string

const (
	AuthorityLowImpact      AuthorityLevel = "low-impact"
	AuthorityGovernorReview AuthorityLevel = "governor-review"
	AuthorityHighImpact     AuthorityLevel = "high-impact"
)

// AuthorityMatrix maps a declared authority level to its maximum accepted
// impact score. Values are fixed by the constitution, not configuration.
var AuthorityMatrix = map[AuthorityLevel]float64{
	AuthorityLowImpact:      0.20,
	AuthorityGovernorReview: 0.50,
	AuthorityHighImpact:     1.00,
}

// Operation is a single ordered mutation operation applied to a target file.
// Op is interpreted by the mutation-transaction applier (pkg/mutationtx);
// this package only carries it opaquely.
type Operation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
}

// MutationTarget names a single file a mutation touches and the operations
// to apply to it.
type MutationTarget struct {
	AgentID       string      `json:"agent_id"`
	Path          string      `json:"path"`
	TargetType    TargetType  `json:"target_type"`
	Ops           []Operation `json:"ops"`
	HashPreimage  string      `json:"hash_preimage,omitempty"`
}

// NewMutationTarget validates path containment and the dna-target naming
// rule before constructing the target.
func NewMutationTarget(agentID, path string, targetType TargetType, ops []Operation, hashPreimage string) (MutationTarget, error) {
	if !targetType.valid() {
		return MutationTarget{}, fmt.Errorf("adaadtypes: unknown target_type %q", targetType)
	}
	if filepath.IsAbs(path) {
		return MutationTarget{}, fmt.Errorf("adaadtypes: target path %q must not be absolute", path)
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(clean, "/../") {
		return MutationTarget{}, fmt.Errorf("adaadtypes: target path %q escapes agent root", path)
	}
	if targetType == TargetDNA && clean != "dna.json" {
		return MutationTarget{}, fmt.Errorf("adaadtypes: target_type=dna must resolve to dna.json, got %q", clean)
	}
	return MutationTarget{
		AgentID:      agentID,
		Path:         clean,
		TargetType:   targetType,
		Ops:          ops,
		HashPreimage: hashPreimage,
	}, nil
}

// MutationRequest is the inbound request evaluated by the Evolution
// Governor.
type MutationRequest struct {
	AgentID          string           `json:"agent_id"`
	GenerationTS     string           `json:"generation_ts"`
	Intent           string           `json:"intent"`
	Ops              []Operation      `json:"ops"`
	Signature        string           `json:"signature"`
	Nonce            string           `json:"nonce"`
	Targets          []MutationTarget `json:"targets"`
	EpochID          string           `json:"epoch_id"`
	BundleID         string           `json:"bundle_id,omitempty"`
	RandomSeed       string           `json:"random_seed,omitempty"`
	CapabilityScopes []string         `json:"capability_scopes,omitempty"`
	AuthorityLevel   AuthorityLevel   `json:"authority_level"`
}

// NewMutationRequest validates that the declared authority level is known
// and that at least the structural shape required downstream is present.
// It does not evaluate governance policy; that is the Governor's job.
func NewMutationRequest(
	agentID, generationTS, intent string,
	ops []Operation,
	signature, nonce string,
	targets []MutationTarget,
	epochID, bundleID, randomSeed string,
	capabilityScopes []string,
	authorityLevel AuthorityLevel,
) (MutationRequest, error) {
	if _, ok := AuthorityMatrix[authorityLevel]; !ok {
		return MutationRequest{}, fmt.Errorf("adaadtypes: unknown authority_level %q", authorityLevel)
	}
	if agentID == "" {
		return MutationRequest{}, fmt.Errorf("adaadtypes: agent_id must not be empty")
	}
	return MutationRequest{
		AgentID:          agentID,
		GenerationTS:     generationTS,
		Intent:           intent,
		Ops:              ops,
		Signature:        signature,
		Nonce:            nonce,
		Targets:          targets,
		EpochID:          epochID,
		BundleID:         bundleID,
		RandomSeed:       randomSeed,
		CapabilityScopes: capabilityScopes,
		AuthorityLevel:   authorityLevel,
	}, nil
}

// SignatureVerifier decides whether a MutationRequest's signature is
// acceptable. The module ships only DevSignatureVerifier, a placeholder for
// what the source leaves as an explicitly opaque predicate; production
// deployments supply their own implementation.
type SignatureVerifier interface {
	Verify(req MutationRequest) bool
}

// DevSignatureVerifierPrefix is the accepted prefix for development-mode
// signatures. This is the Open Question the distilled spec calls out
// verbatim: the production signing scheme is not described and must be
// supplied before shipping.
const DevSignatureVerifierPrefix = "cryovant-dev-"

// DevSignatureVerifier accepts any signature beginning with
// DevSignatureVerifierPrefix. It must never be wired in a production
// deployment.
type DevSignatureVerifier struct{}

func (DevSignatureVerifier) Verify(req MutationRequest) bool {
	return strings.HasPrefix(req.Signature, DevSignatureVerifierPrefix)
}
