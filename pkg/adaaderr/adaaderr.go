// Package adaaderr defines the classified, sentinel-comparable error codes
// that every governance, ledger, and lifecycle rejection in the core
// surfaces. Call sites never format a bare string into an error; they wrap
// one of these sentinels so callers can branch with errors.Is instead of
// string matching.
package adaaderr

import (
	"errors"
	"fmt"
)

// CoreError is implemented by every classified error in this module.
type CoreError interface {
	error
	Code() string
}

type coreError struct {
	code        string
	recoverable bool
}

func (e *coreError) Error() string     { return e.code }
func (e *coreError) Code() string      { return e.code }
func (e *coreError) Recoverable() bool { return e.recoverable }

func newErr(code string) *coreError { return &coreError{code: code, recoverable: true} }

func newRecoverable(code string, recoverable bool) *coreError {
	return &coreError{code: code, recoverable: recoverable}
}

// Integrity errors (C5/C6). Non-recoverable: appends are blocked until an
// external recovery hook restores a valid snapshot.
var (
	ErrLineageInvalidJSON       = newRecoverable("lineage_invalid_json", false)
	ErrLineagePrevHashMismatch  = newRecoverable("lineage_prev_hash_mismatch", false)
	ErrLineageHashMismatch      = newRecoverable("lineage_hash_mismatch", false)
	ErrLineageMalformedEntry    = newRecoverable("lineage_malformed_entry", false)
	ErrJournalInvalidJSON       = newRecoverable("journal_invalid_json", false)
	ErrJournalPrevHashMismatch  = newRecoverable("journal_prev_hash_mismatch", false)
	ErrJournalHashMismatch      = newRecoverable("journal_hash_mismatch", false)
	ErrJournalMalformedEntry    = newRecoverable("journal_malformed_entry", false)
)

// Governance rejections (C9): non-fatal, recorded as GovernanceDecisionEvent.
var (
	ErrInvalidSignature        = newErr("invalid_signature")
	ErrEpochNotStarted         = newErr("epoch_not_started")
	ErrMissingEpoch            = newErr("missing_epoch")
	ErrImpactThresholdExceeded = newErr("impact_threshold_exceeded")
	ErrAuthorityLevelExceeded  = newErr("authority_level_exceeded")
	ErrLineageContinuityFailed = newErr("lineage_continuity_failed")
	ErrEmptyBundle             = newErr("empty_bundle")
	ErrGovernorFailClosed      = newErr("governor_fail_closed")
)

// Lifecycle errors (C13).
var (
	ErrUndeclaredTransition = newErr("undeclared_transition")
	ErrGuardFailed          = newErr("guard_failed")
	ErrCannotRollbackFrom   = newErr("cannot_rollback_from")
	ErrInvalidRollbackTarget = newErr("invalid_rollback_target")
)

// Determinism errors (C2/C3).
var (
	ErrStrictReplayRequiresDeterministicProvider = newErr("strict_replay_requires_deterministic_provider")
	ErrAuditTierRequiresDeterministicProvider    = newErr("audit_tier_requires_deterministic_provider")
	ErrEntropyBudgetExceeded                     = newErr("entropy_budget_exceeded")
	ErrEntropyBudgetExhausted                    = newErr("entropy_budget_exhausted")
	ErrEntropyEnvelopeNested                     = newErr("entropy_envelope_already_open")
)

// Capability errors (C7).
var (
	ErrCapabilityScoreRegression     = newErr("capability_score_regression")
	ErrCapabilityMissingDependencies = newErr("capability_missing_dependencies")
	ErrCapabilityConflictExhausted   = newErr("capability_conflict_retries_exhausted")
)

// Scoring errors (C17).
var ErrScoringValidation = newErr("scoring_validation_error")

// Evidence errors (C18).
var (
	ErrInvalidJSONL            = newErr("invalid_jsonl")
	ErrImmutableExportMismatch = newErr("immutable_export_mismatch")
	ErrMissingSchema           = newErr("missing_schema")
)

// Federation errors (C16).
var ErrFederationProtocolValidation = newErr("federation_protocol_validation_error")

// Code extracts the classified code from err if it (or something it wraps)
// implements CoreError, else returns "".
func Code(err error) string {
	var ce CoreError
	if errors.As(err, &ce) {
		return ce.Code()
	}
	return ""
}

// Recoverable reports whether err can be handled without explicit operator
// action. It returns false for the integrity errors marked non-recoverable
// and true for every other error, classified or not.
func Recoverable(err error) bool {
	var re interface{ Recoverable() bool }
	if errors.As(err, &re) {
		return re.Recoverable()
	}
	return true
}

// Withf wraps a sentinel with additional context while remaining
// errors.Is-comparable to the sentinel.
func Withf(sentinel error, format string, args ...any) error {
	return &wrapped{sentinel: sentinel, detail: sprintf(format, args...)}
}

type wrapped struct {
	sentinel error
	detail   string
}

func (w *wrapped) Error() string { return w.sentinel.Error() + ":" + w.detail }
func (w *wrapped) Unwrap() error { return w.sentinel }
func (w *wrapped) Code() string  { return adaaderrCode(w.sentinel) }

func adaaderrCode(err error) string {
	var ce CoreError
	if errors.As(err, &ce) {
		return ce.Code()
	}
	return ""
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
