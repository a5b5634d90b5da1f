package rollbackcert

import (
	"testing"

	"github.com/adaad/core/pkg/cryovant"
	"github.com/stretchr/testify/require"
)

type fakeJournal struct {
	trail []map[string]interface{}
	txs   []struct {
		txType  string
		payload map[string]interface{}
	}
}

func (f *fakeJournal) WriteEntry(agentID, action string, payload map[string]interface{}) error {
	f.trail = append(f.trail, payload)
	return nil
}

func (f *fakeJournal) AppendTx(txType string, payload map[string]interface{}, txID string) (cryovant.Entry, error) {
	f.txs = append(f.txs, struct {
		txType  string
		payload map[string]interface{}
	}{txType, payload})
	return cryovant.Entry{}, nil
}

func TestIssue_WritesToBothTrailAndJournal(t *testing.T) {
	j := &fakeJournal{}
	env, err := Issue(j, "mut-1", "epoch-1", "digest-before", "digest-after", "manual_rollback", "MutationLifecycle",
		map[string]interface{}{"state_changed": true}, "agent-1", "", "2026-01-01T00:00:00Z")
	require.NoError(t, err)
	require.NotEmpty(t, env.Digest)
	require.Len(t, j.trail, 1)
	require.Len(t, j.txs, 1)
	require.Equal(t, "RollbackCertificateEvent", j.txs[0].txType)
}

func TestIssue_WritesLinkEventWhenForwardDigestPresent(t *testing.T) {
	j := &fakeJournal{}
	_, err := Issue(j, "mut-1", "epoch-1", "digest-before", "digest-after", "manual_rollback", "MutationLifecycle",
		nil, "agent-1", "forward-digest-xyz", "2026-01-01T00:00:00Z")
	require.NoError(t, err)
	require.Len(t, j.txs, 2)
	require.Equal(t, "MutationCertificateLinkEvent", j.txs[1].txType)
	require.Equal(t, "forward-digest-xyz", j.txs[1].payload["forward_certificate_digest"])
}

func TestVerify_AcceptsHonestlyIssuedCertificate(t *testing.T) {
	j := &fakeJournal{}
	env, err := Issue(j, "mut-1", "epoch-1", "digest-before", "digest-after", "manual_rollback", "MutationLifecycle",
		map[string]interface{}{"ok": true}, "agent-1", "", "2026-01-01T00:00:00Z")
	require.NoError(t, err)

	ok, errs := Verify(env.Certificate)
	require.True(t, ok)
	require.Empty(t, errs)
}

func TestVerify_DetectsTamperedDigest(t *testing.T) {
	j := &fakeJournal{}
	env, err := Issue(j, "mut-1", "epoch-1", "digest-before", "digest-after", "manual_rollback", "MutationLifecycle",
		nil, "agent-1", "", "2026-01-01T00:00:00Z")
	require.NoError(t, err)

	cert := env.Certificate
	cert.RestoredStateDigest = "tampered-digest"

	ok, errs := Verify(cert)
	require.False(t, ok)
	require.Contains(t, errs, "digest_mismatch")
}

func TestVerify_DetectsSignatureDigestLinkMismatch(t *testing.T) {
	j := &fakeJournal{}
	env, err := Issue(j, "mut-1", "epoch-1", "digest-before", "digest-after", "manual_rollback", "MutationLifecycle",
		nil, "agent-1", "", "2026-01-01T00:00:00Z")
	require.NoError(t, err)

	cert := env.Certificate
	cert.Signature.SignedDigest = "some-other-digest"

	ok, errs := Verify(cert)
	require.False(t, ok)
	require.Contains(t, errs, "signature_digest_link_mismatch")
}

func TestVerify_DetectsForgedSignature(t *testing.T) {
	j := &fakeJournal{}
	env, err := Issue(j, "mut-1", "epoch-1", "digest-before", "digest-after", "manual_rollback", "MutationLifecycle",
		nil, "agent-1", "", "2026-01-01T00:00:00Z")
	require.NoError(t, err)

	cert := env.Certificate
	cert.Signature.Signature = "0000000000000000000000000000000000000000000000000000000000000000"
	cert.Signature.SignedDigest = cert.Digest

	ok, errs := Verify(cert)
	require.False(t, ok)
	require.Contains(t, errs, "signature_invalid")
}

func TestVerify_RejectsMissingRequiredField(t *testing.T) {
	ok, errs := Verify(Certificate{})
	require.False(t, ok)
	require.Contains(t, errs, "missing_required_field")
}
