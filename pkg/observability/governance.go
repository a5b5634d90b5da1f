// Package observability provides governance-core-specific instrumentation
// helpers, alongside the HELM-specific ones in helm.go. These follow the
// same attribute/operation-naming convention, scoped to the lineage
// ledger, epoch replay, capability registry, and evidence/attestation
// surfaces rather than HELM's OrgVM/PDP/compliance surfaces.
package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Governance semantic convention attributes.
var (
	AttrEpochID      = attribute.Key("adaad.epoch.id")
	AttrBundleID     = attribute.Key("adaad.bundle.id")
	AttrLedgerDigest = attribute.Key("adaad.ledger.digest")

	AttrCapabilityName  = attribute.Key("adaad.capability.name")
	AttrCapabilityScore = attribute.Key("adaad.capability.score")
	AttrCapabilityOwner = attribute.Key("adaad.capability.owner")

	AttrEvidenceBundleID = attribute.Key("adaad.evidence.bundle_id")
	AttrProofDigest      = attribute.Key("adaad.replay.proof_digest")
	AttrVerificationOK   = attribute.Key("adaad.verification.ok")
)

// EpochReplayOperation creates attributes for an epoch reconstruction or
// replay call.
func EpochReplayOperation(epochID, digest string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEpochID.String(epochID),
		AttrLedgerDigest.String(digest),
	}
}

// CapabilityRegistrationOperation creates attributes for a capability
// registry write.
func CapabilityRegistrationOperation(name, owner string, score float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCapabilityName.String(name),
		AttrCapabilityOwner.String(owner),
		AttrCapabilityScore.Float64(score),
	}
}

// EvidenceBundleOperation creates attributes for an evidence bundle build.
func EvidenceBundleOperation(bundleID string, epochIDs []string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEvidenceBundleID.String(bundleID),
		attribute.StringSlice("adaad.evidence.epoch_ids", epochIDs),
	}
}

// ReplayProofVerificationOperation creates attributes for a proof-bundle
// verification call.
func ReplayProofVerificationOperation(proofDigest string, ok bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrProofDigest.String(proofDigest),
		AttrVerificationOK.Bool(ok),
	}
}
