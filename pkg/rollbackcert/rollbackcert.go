// Package rollbackcert implements rollback certificate issuance and offline
// verification: the signed, hash-chained-journal-recorded proof that a
// mutation rollback restored a specific prior state. Grounded on
// runtime/tools/rollback_certificate.py.
package rollbackcert

import (
	"fmt"

	"github.com/adaad/core/pkg/canonical"
	"github.com/adaad/core/pkg/cryovant"
)

// Version is the certificate schema version stamped onto every issued
// certificate.
const Version = "rollback-certificate/v1"

// KeyID is the signing key identity passed through the HMAC cascade.
const KeyID = "rollback-cert-v1"

const (
	specificEnvPrefix = "CRYOVANT_ROLLBACK_SIGNING_KEY_"
	genericEnvVar     = "CRYOVANT_ROLLBACK_SIGNING_KEY"
	fallbackNamespace = "cryovant-rollback-certificate"
)

// Certificate is the issued, signed rollback proof.
type Certificate struct {
	Version                string                 `json:"version"`
	MutationID             string                 `json:"mutation_id"`
	EpochID                string                 `json:"epoch_id"`
	PriorStateDigest       string                 `json:"prior_state_digest"`
	RestoredStateDigest    string                 `json:"restored_state_digest"`
	TriggerReason          string                 `json:"trigger_reason"`
	ActorClass             string                 `json:"actor_class"`
	CompletenessChecks     map[string]interface{} `json:"completeness_checks"`
	AgentID                string                 `json:"agent_id"`
	ForwardCertificateDigest string               `json:"forward_certificate_digest,omitempty"`
	IssuedAt               string                 `json:"issued_at"`
	Digest                 string                 `json:"digest"`
	Signature              cryovant.SignatureBundle `json:"signature"`
}

// Envelope pairs an issued certificate with the digest it was signed over.
type Envelope struct {
	Certificate Certificate
	Digest      string
}

// Journal is the subset of *cryovant.Journal the issuer writes to.
type Journal interface {
	WriteEntry(agentID, action string, payload map[string]interface{}) error
	AppendTx(txType string, payload map[string]interface{}, txID string) (cryovant.Entry, error)
}

func canonicalBody(mutationID, epochID, priorStateDigest, restoredStateDigest, triggerReason, actorClass string, completenessChecks map[string]interface{}, agentID, forwardCertificateDigest, issuedAt string) map[string]interface{} {
	return map[string]interface{}{
		"mutation_id":                mutationID,
		"epoch_id":                   epochID,
		"prior_state_digest":         priorStateDigest,
		"restored_state_digest":      restoredStateDigest,
		"trigger_reason":             triggerReason,
		"actor_class":                actorClass,
		"completeness_checks":        completenessChecks,
		"agent_id":                   agentID,
		"forward_certificate_digest": forwardCertificateDigest,
		"issued_at":                  issuedAt,
	}
}

// Issue computes the certificate's canonical digest, signs it, records it to
// both journal logs, and returns the resulting Envelope.
func Issue(
	journal Journal,
	mutationID, epochID, priorStateDigest, restoredStateDigest, triggerReason, actorClass string,
	completenessChecks map[string]interface{},
	agentID, forwardCertificateDigest, issuedAt string,
) (Envelope, error) {
	body := canonicalBody(mutationID, epochID, priorStateDigest, restoredStateDigest, triggerReason, actorClass, completenessChecks, agentID, forwardCertificateDigest, issuedAt)
	bodyBytes, err := canonical.Marshal(body)
	if err != nil {
		return Envelope{}, err
	}
	digest := canonical.SHA256Prefixed(bodyBytes)
	signature := cryovant.SignHMACDigest(KeyID, digest, specificEnvPrefix, genericEnvVar, fallbackNamespace)

	cert := Certificate{
		Version:                  Version,
		MutationID:               mutationID,
		EpochID:                  epochID,
		PriorStateDigest:         priorStateDigest,
		RestoredStateDigest:      restoredStateDigest,
		TriggerReason:            triggerReason,
		ActorClass:               actorClass,
		CompletenessChecks:       completenessChecks,
		AgentID:                  agentID,
		ForwardCertificateDigest: forwardCertificateDigest,
		IssuedAt:                 issuedAt,
		Digest:                   digest,
		Signature:                signature,
	}

	certPayload := map[string]interface{}{
		"version":                    cert.Version,
		"mutation_id":                cert.MutationID,
		"epoch_id":                   cert.EpochID,
		"prior_state_digest":         cert.PriorStateDigest,
		"restored_state_digest":      cert.RestoredStateDigest,
		"trigger_reason":             cert.TriggerReason,
		"actor_class":                cert.ActorClass,
		"completeness_checks":        cert.CompletenessChecks,
		"agent_id":                   cert.AgentID,
		"forward_certificate_digest": cert.ForwardCertificateDigest,
		"issued_at":                  cert.IssuedAt,
		"digest":                     cert.Digest,
		"signature":                  cert.Signature,
	}

	if err := journal.WriteEntry(agentID, "rollback_certificate_issued", certPayload); err != nil {
		return Envelope{}, err
	}
	if _, err := journal.AppendTx("RollbackCertificateEvent", certPayload, ""); err != nil {
		return Envelope{}, err
	}
	if forwardCertificateDigest != "" {
		linkPayload := map[string]interface{}{
			"mutation_id":                mutationID,
			"forward_certificate_digest": forwardCertificateDigest,
			"rollback_certificate_digest": digest,
		}
		if _, err := journal.AppendTx("MutationCertificateLinkEvent", linkPayload, ""); err != nil {
			return Envelope{}, err
		}
	}

	return Envelope{Certificate: cert, Digest: digest}, nil
}

// Verify re-derives the certificate's canonical digest from its own
// issued_at, checks it matches the stored digest, and verifies the HMAC
// signature — including that the signature was taken over this exact
// digest, not a substituted one.
func Verify(cert Certificate) (bool, []string) {
	var errs []string

	if cert.MutationID == "" || cert.EpochID == "" || cert.IssuedAt == "" {
		errs = append(errs, "missing_required_field")
		return false, errs
	}

	body := canonicalBody(cert.MutationID, cert.EpochID, cert.PriorStateDigest, cert.RestoredStateDigest, cert.TriggerReason, cert.ActorClass, cert.CompletenessChecks, cert.AgentID, cert.ForwardCertificateDigest, cert.IssuedAt)
	bodyBytes, err := canonical.Marshal(body)
	if err != nil {
		errs = append(errs, fmt.Sprintf("canonicalization_failed:%v", err))
		return false, errs
	}
	recomputedDigest := canonical.SHA256Prefixed(bodyBytes)
	if recomputedDigest != cert.Digest {
		errs = append(errs, "digest_mismatch")
	}

	if cert.Signature.SignedDigest != cert.Digest {
		errs = append(errs, "signature_digest_link_mismatch")
	}

	if !cryovant.VerifyHMACDigestSignature(cert.Signature, specificEnvPrefix, genericEnvVar, fallbackNamespace) {
		errs = append(errs, "signature_invalid")
	}

	return len(errs) == 0, errs
}
