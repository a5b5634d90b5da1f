// Package federation implements cross-peer policy negotiation: vote
// tallying and consensus/quorum/conflict/rejection classification, local
// versus federated governance precedence resolution, and the deterministic
// handshake envelope protocol peers exchange to reach a decision. Grounded
// on runtime/governance/federation/coordination.py and
// runtime/governance/federation/protocol.py.
package federation

import (
	"sort"

	"github.com/adaad/core/pkg/adaaderr"
	"github.com/adaad/core/pkg/canonical"
	"github.com/adaad/core/pkg/lineage"
	"github.com/adaad/core/pkg/schemasubset"
)

// Decision classes a federation round can resolve to.
const (
	DecisionConsensus    = "consensus"
	DecisionQuorum       = "quorum"
	DecisionConflict     = "conflict"
	DecisionRejected     = "rejected"
	DecisionLocalOverride = "local_override"
)

// Policy precedence modes for resolving local against federated governance
// outcomes.
const (
	PolicyPrecedenceLocal     = "local"
	PolicyPrecedenceFederated = "federated"
	PolicyPrecedenceBoth      = "both"
)

// Vote is one peer's accept/reject stance on a policy version, carried in a
// handshake request.
type Vote struct {
	PeerID         string `json:"peer_id"`
	PolicyVersion  string `json:"policy_version"`
	ManifestDigest string `json:"manifest_digest"`
	Decision       string `json:"decision"`
}

// PolicyExchange is the local peer's side of a handshake: the policy
// version and manifest it is proposing, what it has learned about peer
// versions so far, and the certificates backing both sides.
type PolicyExchange struct {
	LocalPeerID         string                       `json:"local_peer_id"`
	LocalPolicyVersion  string                       `json:"local_policy_version"`
	LocalManifestDigest string                       `json:"local_manifest_digest"`
	PeerVersions        map[string]string            `json:"peer_versions"`
	LocalCertificate    map[string]string            `json:"local_certificate"`
	PeerCertificates    map[string]map[string]string `json:"peer_certificates"`
}

// CanonicalPayload returns the digest-ready representation of the exchange.
// Key sorting is handled by canonical.Marshal, so unlike the dict
// comprehensions this is ported from, no manual re-sorting happens here.
func (e PolicyExchange) CanonicalPayload() map[string]interface{} {
	return map[string]interface{}{
		"local_peer_id":         e.LocalPeerID,
		"local_policy_version":  e.LocalPolicyVersion,
		"local_manifest_digest": e.LocalManifestDigest,
		"peer_versions":         nonNilStringMap(e.PeerVersions),
		"local_certificate":     nonNilStringMap(e.LocalCertificate),
		"peer_certificates":     nonNilNestedMap(e.PeerCertificates),
	}
}

// ExchangeDigest is the sha256-prefixed canonical digest of the exchange,
// stable across peers that agree on its contents regardless of map
// iteration order.
func (e PolicyExchange) ExchangeDigest() (string, error) {
	bytes, err := canonical.Marshal(e.CanonicalPayload())
	if err != nil {
		return "", err
	}
	return canonical.SHA256Prefixed(bytes), nil
}

func nonNilStringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilNestedMap(m map[string]map[string]string) map[string]map[string]string {
	if m == nil {
		return map[string]map[string]string{}
	}
	return m
}

func sortedVotes(votes []Vote) []Vote {
	sorted := append([]Vote(nil), votes...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.PeerID != b.PeerID {
			return a.PeerID < b.PeerID
		}
		if a.PolicyVersion != b.PolicyVersion {
			return a.PolicyVersion < b.PolicyVersion
		}
		if a.ManifestDigest != b.ManifestDigest {
			return a.ManifestDigest < b.ManifestDigest
		}
		return a.Decision < b.Decision
	})
	return sorted
}

// VoteDigest is the sha256-prefixed canonical digest of votes, sorted into
// a stable row order first. It does not include the local peer's implicit
// vote: only the peer votes actually exchanged on the wire.
func VoteDigest(votes []Vote) (string, error) {
	rows := sortedVotes(votes)
	bytes, err := canonical.Marshal(rows)
	if err != nil {
		return "", err
	}
	return canonical.SHA256Prefixed(bytes), nil
}

// Decision is the outcome of a federation round: which policy version was
// selected, how it was reached, and what should happen next.
type Decision struct {
	DecisionClass         string            `json:"decision_class"`
	SelectedPolicyVersion string            `json:"selected_policy_version"`
	PeerIDs               []string          `json:"peer_ids"`
	ManifestDigests       map[string]string `json:"manifest_digests"`
	ReconciliationActions []string          `json:"reconciliation_actions"`
	QuorumSize            int               `json:"quorum_size"`
	VoteDigest            string            `json:"vote_digest"`
}

type tally struct {
	version string
	count   int
}

// EvaluateDecision tallies votes against the local peer's implicit vote for
// its own policy version, then classifies the outcome: a single version
// reaching quorum is consensus, a majority version reaching quorum among
// several candidates is quorum, several candidates with none reaching
// quorum is conflict (which always falls back to the local policy
// version), and a single candidate failing to reach quorum is rejected.
func EvaluateDecision(exchange PolicyExchange, votes []Vote, quorumSize int) (Decision, error) {
	if quorumSize < 1 {
		quorumSize = 1
	}

	tallies := map[string]int{exchange.LocalPolicyVersion: 1}
	manifestDigests := map[string]string{}
	sorted := sortedVotes(votes)
	peerIDs := make([]string, 0, len(sorted))
	for _, v := range sorted {
		peerIDs = append(peerIDs, v.PeerID)
		manifestDigests[v.PeerID] = v.ManifestDigest
		if v.Decision == "accept" {
			tallies[v.PolicyVersion]++
		}
	}

	tallyList := make([]tally, 0, len(tallies))
	for version, count := range tallies {
		tallyList = append(tallyList, tally{version, count})
	}
	sort.Slice(tallyList, func(i, j int) bool {
		if tallyList[i].count != tallyList[j].count {
			return tallyList[i].count > tallyList[j].count
		}
		return tallyList[i].version < tallyList[j].version
	})

	selected := tallyList[0]
	selectedVersion := selected.version
	hasQuorum := selected.count >= quorumSize

	var decisionClass string
	var actions []string
	switch {
	case len(tallyList) == 1 && hasQuorum:
		decisionClass = DecisionConsensus
		actions = []string{"bind_policy_version"}
	case hasQuorum:
		decisionClass = DecisionQuorum
		actions = []string{"stage_majority_policy", "request_minor_peer_reconciliation"}
	case len(tallyList) > 1:
		decisionClass = DecisionConflict
		selectedVersion = exchange.LocalPolicyVersion
		actions = []string{"freeze_federated_upgrade", "require_local_governance_review"}
	default:
		decisionClass = DecisionRejected
		actions = []string{"reject_federated_policy_update"}
	}

	digest, err := VoteDigest(votes)
	if err != nil {
		return Decision{}, err
	}

	return Decision{
		DecisionClass:         decisionClass,
		SelectedPolicyVersion: selectedVersion,
		PeerIDs:               peerIDs,
		ManifestDigests:       manifestDigests,
		ReconciliationActions: actions,
		QuorumSize:            quorumSize,
		VoteDigest:            digest,
	}, nil
}

// ResolveGovernancePrecedence folds a local and a federated pass/fail
// outcome into a single final verdict according to policyPrecedence, and
// reports which decision class the fold itself represents.
func ResolveGovernancePrecedence(localPassed, federatedPassed bool, policyPrecedence string) (finalPassed bool, decisionClass string) {
	switch policyPrecedence {
	case PolicyPrecedenceLocal:
		finalPassed = localPassed
	case PolicyPrecedenceFederated:
		finalPassed = federatedPassed
	default:
		finalPassed = localPassed && federatedPassed
	}

	switch {
	case !localPassed && federatedPassed:
		decisionClass = DecisionLocalOverride
	case localPassed && !federatedPassed:
		decisionClass = DecisionConflict
	case finalPassed:
		decisionClass = DecisionConsensus
	default:
		decisionClass = DecisionRejected
	}
	return finalPassed, decisionClass
}

// PersistDecision records a federation decision as a FederationDecisionEvent
// on the lineage ledger, so the round is auditable alongside every other
// governance event in the epoch.
func PersistDecision(ledger *lineage.Ledger, epochID string, exchange PolicyExchange, decision Decision) (lineage.Entry, error) {
	exchangeDigest, err := exchange.ExchangeDigest()
	if err != nil {
		return lineage.Entry{}, err
	}
	payload := map[string]interface{}{
		"epoch_id":                epochID,
		"local_peer_id":           exchange.LocalPeerID,
		"exchange_digest":         exchangeDigest,
		"peer_ids":                decision.PeerIDs,
		"manifest_digests":        decision.ManifestDigests,
		"decision_class":          decision.DecisionClass,
		"selected_policy_version": decision.SelectedPolicyVersion,
		"quorum_size":             decision.QuorumSize,
		"vote_digest":             decision.VoteDigest,
		"reconciliation_actions":  decision.ReconciliationActions,
	}
	return ledger.AppendEvent(lineage.EventFederationDecision, payload)
}

func validateOrError(schema schemasubset.Schema, payload interface{}) error {
	errors := schemasubset.ValidateSorted(schema, payload)
	if len(errors) == 0 {
		return nil
	}
	tokens := ""
	for i, e := range errors {
		if i > 0 {
			tokens += ";"
		}
		tokens += e
	}
	return adaaderr.Withf(adaaderr.ErrFederationProtocolValidation, "%s", tokens)
}
