package determinism

import "github.com/adaad/core/pkg/adaaderr"

// RequireReplaySafe is the gate called at every identifier-producing site in
// the core. It fails when strict replay or audit-tier recovery demands a
// reproducible provider but a non-deterministic one was supplied.
func RequireReplaySafe(provider Provider, replayMode, recoveryTier string) error {
	if provider.IsDeterministic() {
		return nil
	}
	switch replayMode {
	case "strict":
		return adaaderr.ErrStrictReplayRequiresDeterministicProvider
	}
	if recoveryTier == "audit" {
		return adaaderr.ErrAuditTierRequiresDeterministicProvider
	}
	return nil
}
