package governor

import (
	"path/filepath"
	"testing"

	"github.com/adaad/core/pkg/adaadtypes"
	"github.com/adaad/core/pkg/determinism"
	"github.com/adaad/core/pkg/lineage"
	"github.com/stretchr/testify/require"
)

func newTestGovernor(t *testing.T) (*Governor, *lineage.Ledger) {
	t.Helper()
	ledger, err := lineage.Open(filepath.Join(t.TempDir(), "lineage_v2.jsonl"))
	require.NoError(t, err)
	g := New(ledger, adaadtypes.DevSignatureVerifier{}, determinism.NewSeededProvider("gov-seed"), 0.85)
	return g, ledger
}

func validRequest(t *testing.T, epochID string, authority adaadtypes.AuthorityLevel, targetPath string) adaadtypes.MutationRequest {
	t.Helper()
	target, err := adaadtypes.NewMutationTarget("agent-1", targetPath, adaadtypes.TargetDocs, []adaadtypes.Operation{{Op: "set", Path: "/x"}}, "")
	require.NoError(t, err)
	req, err := adaadtypes.NewMutationRequest(
		"agent-1", "2026-01-01T00:00:00Z", "update docs", nil,
		adaadtypes.DevSignatureVerifierPrefix+"sig", "nonce-1",
		[]adaadtypes.MutationTarget{target}, epochID, "", "", nil, authority,
	)
	require.NoError(t, err)
	return req
}

func TestValidateBundle_RejectsBeforeEpochStarted(t *testing.T) {
	g, _ := newTestGovernor(t)
	req := validRequest(t, "epoch-1", adaadtypes.AuthorityLowImpact, "README.md")
	decision := g.ValidateBundle(req, "epoch-1")
	require.False(t, decision.Accepted)
	require.Equal(t, "epoch_not_started", decision.Reason)
}

func TestValidateBundle_RejectsEmptyBundle(t *testing.T) {
	g, _ := newTestGovernor(t)
	req, err := adaadtypes.NewMutationRequest("agent-1", "", "", nil, "sig", "", nil, "epoch-1", "", "", nil, adaadtypes.AuthorityLowImpact)
	require.NoError(t, err)
	decision := g.ValidateBundle(req, "epoch-1")
	require.False(t, decision.Accepted)
	require.Equal(t, "empty_bundle", decision.Reason)
}

func TestValidateBundle_AcceptsWellFormedLowImpactRequest(t *testing.T) {
	g, _ := newTestGovernor(t)
	require.NoError(t, g.MarkEpochStart("epoch-1", map[string]interface{}{}))

	req := validRequest(t, "epoch-1", adaadtypes.AuthorityLowImpact, "README.md")
	decision := g.ValidateBundle(req, "epoch-1")
	require.True(t, decision.Accepted)
	require.Equal(t, "accepted", decision.Reason)
	require.NotNil(t, decision.Certificate)
}

func TestValidateBundle_RejectsAuthorityLevelExceeded(t *testing.T) {
	g, _ := newTestGovernor(t)
	require.NoError(t, g.MarkEpochStart("epoch-1", map[string]interface{}{}))

	target, err := adaadtypes.NewMutationTarget("agent-1", "security/ledger/certificate.json", adaadtypes.TargetSecurity,
		make([]adaadtypes.Operation, 10), "")
	require.NoError(t, err)
	req, err := adaadtypes.NewMutationRequest(
		"agent-1", "2026-01-01T00:00:00Z", "rewrite security ledger", nil,
		adaadtypes.DevSignatureVerifierPrefix+"sig", "nonce-1",
		[]adaadtypes.MutationTarget{target}, "epoch-1", "", "", nil, adaadtypes.AuthorityLowImpact,
	)
	require.NoError(t, err)

	decision := g.ValidateBundle(req, "epoch-1")
	require.False(t, decision.Accepted)
	require.Equal(t, "authority_level_exceeded", decision.Reason)
}

func TestValidateBundle_RejectsInvalidSignature(t *testing.T) {
	g, _ := newTestGovernor(t)
	require.NoError(t, g.MarkEpochStart("epoch-1", map[string]interface{}{}))

	req := validRequest(t, "epoch-1", adaadtypes.AuthorityLowImpact, "README.md")
	req.Signature = "not-a-dev-signature"
	decision := g.ValidateBundle(req, "epoch-1")
	require.False(t, decision.Accepted)
	require.Equal(t, "invalid_signature", decision.Reason)
}

func TestFailClosed_RejectsEverythingUntilRecovery(t *testing.T) {
	g, _ := newTestGovernor(t)
	require.NoError(t, g.MarkEpochStart("epoch-1", map[string]interface{}{}))
	require.NoError(t, g.EnterFailClosed("integrity_violation", "epoch-1", RecoverySoft))

	req := validRequest(t, "epoch-1", adaadtypes.AuthorityLowImpact, "README.md")
	decision := g.ValidateBundle(req, "epoch-1")
	require.False(t, decision.Accepted)
	require.Equal(t, "governor_fail_closed", decision.Reason)

	cleared, err := g.ApplyRecoveryEvent("epoch-1", "human-recovery-ok", RecoveryConstitutionalReset)
	require.NoError(t, err)
	require.True(t, cleared)
	require.False(t, g.FailClosed())

	decision = g.ValidateBundle(req, "epoch-1")
	require.True(t, decision.Accepted)
}

func TestApplyRecoveryEvent_RejectsMalformedSignature(t *testing.T) {
	g, _ := newTestGovernor(t)
	require.NoError(t, g.EnterFailClosed("x", "epoch-1", RecoverySoft))
	cleared, err := g.ApplyRecoveryEvent("epoch-1", "not-a-human-signature", RecoveryConstitutionalReset)
	require.NoError(t, err)
	require.False(t, cleared)
	require.True(t, g.FailClosed())
}

func TestApplyRecoveryEvent_SoftTierDoesNotClear(t *testing.T) {
	g, _ := newTestGovernor(t)
	require.NoError(t, g.EnterFailClosed("x", "epoch-1", RecoverySoft))
	cleared, err := g.ApplyRecoveryEvent("epoch-1", "human-recovery-ok", RecoverySoft)
	require.NoError(t, err)
	require.False(t, cleared)
	require.True(t, g.FailClosed())
}
