// Package lifecycle implements the Mutation Lifecycle state machine: an
// explicit transition table with signature, founders-law, certificate, and
// fitness guard gates, durable per-mutation state, and certified rollback.
// Grounded on runtime/mutation_lifecycle.py.
package lifecycle

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/adaad/core/pkg/adaaderr"
	"github.com/adaad/core/pkg/canonical"
	"github.com/adaad/core/pkg/cryovant"
	"github.com/adaad/core/pkg/rollbackcert"
)

// TrustMode enumerates the trust environments a mutation lifecycle context
// may run under.
type TrustMode string

const (
	TrustDev  TrustMode = "dev"
	TrustProd TrustMode = "prod"
)

func validTrustModes() map[TrustMode]bool {
	return map[TrustMode]bool{TrustDev: true, TrustProd: true}
}

// TransitionRule describes what a declared (from, to) transition requires.
type TransitionRule struct {
	RequireCert    bool
	RequireFitness bool
}

type transitionKey struct {
	From string
	To   string
}

// Transitions is the single source of truth for which state changes are
// declared legal and what each one requires.
var Transitions = map[transitionKey]TransitionRule{
	{"proposed", "staged"}:    {RequireCert: false, RequireFitness: false},
	{"staged", "certified"}:   {RequireCert: true, RequireFitness: false},
	{"certified", "executing"}: {RequireCert: true, RequireFitness: true},
	{"executing", "completed"}: {RequireCert: true, RequireFitness: false},
	{"completed", "pruned"}:    {RequireCert: false, RequireFitness: false},
}

// DeclaredPredecessors returns every from-state with a declared transition
// into state, sorted.
func DeclaredPredecessors(state string) []string {
	var out []string
	for k, _ := range Transitions {
		if k.To == state {
			out = append(out, k.From)
		}
	}
	sort.Strings(out)
	return out
}

// SignatureVerifier checks a production-issued signature.
type SignatureVerifier interface {
	Verify(signature string) bool
}

// DevSignaturePrefix is the accepted prefix for dev-trust-mode signatures.
const DevSignaturePrefix = "cryovant-dev-"

// FoundersLawCheck evaluates the constitutional invariant gate. A nil check
// is treated as vacuously satisfied.
type FoundersLawCheck func() (ok bool, failures []string)

// Context is the durable state of one mutation moving through the
// lifecycle.
type Context struct {
	MutationID       string
	AgentID          string
	EpochID          string
	Signature        string
	TrustMode        TrustMode
	CertRefs         map[string]interface{}
	FitnessScore     *float64
	FitnessThreshold float64
	FoundersLaw      FoundersLawCheck
	StageTimestamps  map[string]string
	Metadata         map[string]interface{}
	CurrentState     string

	stateDir        string
	clock           func() time.Time
	foundersLawCache *foundersLawResult
}

type foundersLawResult struct {
	ok       bool
	failures []string
}

// NewContext creates a fresh "proposed"-state context.
func NewContext(mutationID, agentID, epochID, stateDir string) *Context {
	now := time.Now
	c := &Context{
		MutationID:       mutationID,
		AgentID:          agentID,
		EpochID:          epochID,
		TrustMode:        TrustDev,
		CertRefs:         map[string]interface{}{},
		FitnessThreshold: 0.5,
		StageTimestamps:  map[string]string{},
		Metadata:         map[string]interface{}{},
		CurrentState:     "proposed",
		stateDir:         stateDir,
		clock:            now,
	}
	c.StageTimestamps["proposed"] = c.nowISO()
	return c
}

func (c *Context) nowISO() string { return c.clock().UTC().Format(time.RFC3339) }

func (c *Context) statePath() string {
	return filepath.Join(c.stateDir, c.MutationID+".lifecycle.json")
}

type persistedContext struct {
	MutationID       string                 `json:"mutation_id"`
	AgentID          string                 `json:"agent_id"`
	EpochID          string                 `json:"epoch_id"`
	Signature        string                 `json:"signature"`
	TrustMode        string                 `json:"trust_mode"`
	CertRefs         map[string]interface{} `json:"cert_refs"`
	FitnessScore     *float64               `json:"fitness_score"`
	FitnessThreshold float64                `json:"fitness_threshold"`
	StageTimestamps  map[string]string      `json:"stage_timestamps"`
	Metadata         map[string]interface{} `json:"metadata"`
	CurrentState     string                 `json:"current_state"`
	Ts               string                 `json:"ts"`
}

// Persist writes the context's full state to its per-mutation state file.
func (c *Context) Persist() error {
	if err := os.MkdirAll(c.stateDir, 0o755); err != nil {
		return err
	}
	payload := persistedContext{
		MutationID: c.MutationID, AgentID: c.AgentID, EpochID: c.EpochID,
		Signature: c.Signature, TrustMode: string(c.TrustMode), CertRefs: c.CertRefs,
		FitnessScore: c.FitnessScore, FitnessThreshold: c.FitnessThreshold,
		StageTimestamps: c.StageTimestamps, Metadata: c.Metadata,
		CurrentState: c.CurrentState, Ts: c.nowISO(),
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.statePath(), data, 0o644)
}

// CleanupState removes the context's persisted state file.
func (c *Context) CleanupState() error {
	err := os.Remove(c.statePath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Restore loads a previously persisted context, if one exists.
func Restore(mutationID, stateDir string) (*Context, error) {
	path := filepath.Join(stateDir, mutationID+".lifecycle.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var raw persistedContext
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	c := &Context{
		MutationID: orDefault(raw.MutationID, mutationID), AgentID: orDefault(raw.AgentID, "unknown"),
		EpochID: orDefault(raw.EpochID, "unknown"), Signature: raw.Signature,
		TrustMode: TrustMode(orDefault(raw.TrustMode, "dev")), CertRefs: nonNilMap(raw.CertRefs),
		FitnessScore: raw.FitnessScore, FitnessThreshold: raw.FitnessThreshold,
		StageTimestamps: nonNilStrMap(raw.StageTimestamps), Metadata: nonNilMap(raw.Metadata),
		CurrentState: orDefault(raw.CurrentState, "proposed"),
		stateDir:     stateDir, clock: time.Now,
	}
	if c.FitnessThreshold == 0 {
		c.FitnessThreshold = 0.5
	}
	return c, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
func nonNilMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
func nonNilStrMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// Engine runs transitions and rollbacks against Contexts, recording every
// decision to the cryovant journal and issuing rollback certificates.
type Engine struct {
	journal  *cryovant.Journal
	verifier SignatureVerifier
}

// NewEngine constructs an Engine. verifier may be nil; in that case only
// dev-trust-mode signatures (the DevSignaturePrefix) are ever accepted.
func NewEngine(journal *cryovant.Journal, verifier SignatureVerifier) *Engine {
	return &Engine{journal: journal, verifier: verifier}
}

func (e *Engine) signatureValid(signature string, trustMode TrustMode) (bool, string) {
	if e.verifier != nil && e.verifier.Verify(signature) {
		return true, "verified"
	}
	if trustMode == TrustDev && strings.HasPrefix(signature, DevSignaturePrefix) {
		return true, "dev_signature"
	}
	return false, "invalid_signature"
}

func (c *Context) foundersLawOK() (bool, []string) {
	if c.foundersLawCache != nil {
		return c.foundersLawCache.ok, c.foundersLawCache.failures
	}
	if c.FoundersLaw == nil {
		c.foundersLawCache = &foundersLawResult{ok: true}
		return true, nil
	}
	ok, failures := c.FoundersLaw()
	c.foundersLawCache = &foundersLawResult{ok: ok, failures: failures}
	return ok, failures
}

func transitionPayload(from, to string, c *Context, guardReport map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"mutation_id":       c.MutationID,
		"agent_id":          c.AgentID,
		"epoch_id":          c.EpochID,
		"from_state":        from,
		"to_state":          to,
		"trust_mode":        string(c.TrustMode),
		"guard_report":      guardReport,
		"cert_refs":         c.CertRefs,
		"fitness_score":     c.FitnessScore,
		"fitness_threshold": c.FitnessThreshold,
		"stage_timestamps":  c.StageTimestamps,
		"metadata":          c.Metadata,
		"ts":                c.nowISO(),
	}
}

func (e *Engine) recordSuccess(payload map[string]interface{}) {
	agentID, _ := payload["agent_id"].(string)
	_ = e.journal.WriteEntry(agentID, "mutation_lifecycle_transition", payload)
	_, _ = e.journal.AppendTx("mutation_lifecycle_transition", payload, "")
	slog.Info("mutation_lifecycle_transition", "payload", payload)
}

func (e *Engine) recordRejection(payload map[string]interface{}) {
	agentID, _ := payload["agent_id"].(string)
	_ = e.journal.WriteEntry(agentID, "mutation_lifecycle_rejected", payload)
	_, _ = e.journal.AppendTx("mutation_lifecycle_rejected", payload, "")
	slog.Error("mutation_lifecycle_rejected", "payload", payload)
}

// Transition attempts to move c from currentState to nextState, running
// every guard gate in turn. On success c's state and stage timestamps are
// updated and persisted (or the state file is cleaned up for terminal
// states); on failure the rejection is recorded and
// adaaderr.ErrUndeclaredTransition / ErrGuardFailed is returned.
func (e *Engine) Transition(currentState, nextState string, c *Context) (string, error) {
	rule, declared := Transitions[transitionKey{currentState, nextState}]
	if !declared {
		guardReport := map[string]interface{}{
			"ok":                     false,
			"reason":                 "undeclared_transition",
			"declared_predecessors":  DeclaredPredecessors(nextState),
		}
		payload := transitionPayload(currentState, nextState, c, guardReport)
		e.recordRejection(payload)
		_ = c.Persist()
		return "", adaaderr.Withf(adaaderr.ErrUndeclaredTransition, "%s->%s", currentState, nextState)
	}

	trustMode := c.TrustMode
	if trustMode == "" {
		if v := os.Getenv("ADAAD_TRUST_MODE"); v != "" {
			trustMode = TrustMode(strings.ToLower(strings.TrimSpace(v)))
		} else {
			trustMode = TrustDev
		}
	}
	signatureOK, signatureMethod := e.signatureValid(c.Signature, trustMode)
	foundersOK, foundersFailures := c.foundersLawOK()
	certOK := true
	if rule.RequireCert {
		certOK = len(c.CertRefs) > 0
	}
	fitnessOK := true
	if rule.RequireFitness {
		fitnessOK = c.FitnessScore != nil && *c.FitnessScore >= c.FitnessThreshold
	}
	trustModeOK := validTrustModes()[trustMode]

	guardReport := map[string]interface{}{
		"ok": signatureOK && foundersOK && certOK && fitnessOK && trustModeOK,
		"cryovant_signature_validity": map[string]interface{}{"ok": signatureOK, "method": signatureMethod},
		"founders_law_invariant_gate": map[string]interface{}{"ok": foundersOK, "failures": foundersFailures},
		"fitness_threshold_gate": map[string]interface{}{
			"ok": fitnessOK, "required": rule.RequireFitness,
			"score": c.FitnessScore, "threshold": c.FitnessThreshold,
		},
		"trust_mode_compatibility_gate": map[string]interface{}{
			"ok": trustModeOK, "trust_mode": string(trustMode), "allowed": []string{"dev", "prod"},
		},
		"cert_reference_gate": map[string]interface{}{"ok": certOK, "required": rule.RequireCert},
	}
	c.TrustMode = trustMode

	if ok, _ := guardReport["ok"].(bool); !ok {
		payload := transitionPayload(currentState, nextState, c, guardReport)
		e.recordRejection(payload)
		_ = c.Persist()
		return "", adaaderr.Withf(adaaderr.ErrGuardFailed, "%s->%s", currentState, nextState)
	}

	c.StageTimestamps[nextState] = c.nowISO()
	c.CurrentState = nextState
	payload := transitionPayload(currentState, nextState, c, guardReport)
	e.recordSuccess(payload)

	if nextState == "completed" || nextState == "pruned" {
		return nextState, c.CleanupState()
	}
	return nextState, c.Persist()
}

var validRollbacks = map[string]string{
	"executing": "certified",
	"certified": "staged",
	"staged":    "proposed",
}

// Rollback moves c back to toState, issuing a signed RollbackCertificate
// recording the state digest before and after the rollback.
func (e *Engine) Rollback(c *Context, toState, reason string) (string, error) {
	expected, ok := validRollbacks[c.CurrentState]
	if !ok {
		return "", adaaderr.Withf(adaaderr.ErrCannotRollbackFrom, "%s", c.CurrentState)
	}
	if toState != expected {
		return "", adaaderr.Withf(adaaderr.ErrInvalidRollbackTarget, "%s", toState)
	}

	fromState := c.CurrentState
	priorSnapshot := map[string]interface{}{
		"current_state":    c.CurrentState,
		"stage_timestamps": c.StageTimestamps,
		"cert_refs":        c.CertRefs,
	}
	priorBytes, err := canonical.Marshal(priorSnapshot)
	if err != nil {
		return "", err
	}
	priorStateDigest := canonical.SHA256Prefixed(priorBytes)

	c.CurrentState = toState
	c.StageTimestamps[toState] = c.nowISO()
	guardReport := map[string]interface{}{"ok": true, "rollback": true, "reason": reason}
	payload := transitionPayload(fromState, toState, c, guardReport)
	e.recordSuccess(payload)
	if err := c.Persist(); err != nil {
		return "", err
	}

	restoredSnapshot := map[string]interface{}{
		"current_state":    c.CurrentState,
		"stage_timestamps": c.StageTimestamps,
		"cert_refs":        c.CertRefs,
	}
	restoredBytes, err := canonical.Marshal(restoredSnapshot)
	if err != nil {
		return "", err
	}
	restoredStateDigest := canonical.SHA256Prefixed(restoredBytes)

	forwardCertificateDigest := firstNonEmpty(
		stringFromMap(c.CertRefs, "forward_certificate_digest"),
		stringFromMap(c.CertRefs, "certificate_digest"),
		stringFromMap(c.CertRefs, "bundle_id"),
	)

	completenessChecks := map[string]interface{}{
		"rollback_target_matches_expected": toState == expected,
		"state_persisted":                  fileExists(c.statePath()),
		"state_changed":                    fromState != toState,
	}

	env, err := rollbackcert.Issue(
		e.journal,
		c.MutationID, c.EpochID, priorStateDigest, restoredStateDigest, reason, "MutationLifecycle",
		completenessChecks, c.AgentID, forwardCertificateDigest, c.nowISO(),
	)
	if err != nil {
		return "", err
	}

	c.Metadata["last_rollback_certificate_digest"] = env.Digest
	c.CertRefs["rollback_certificate_digest"] = env.Digest
	if forwardCertificateDigest != "" {
		c.CertRefs["forward_certificate_digest"] = forwardCertificateDigest
	}
	if err := c.Persist(); err != nil {
		return "", err
	}
	return toState, nil
}

// RetryTransition retries Transition up to maxAttempts times with an
// exponential backoff (2^attempt, via sleepFn) between attempts.
func (e *Engine) RetryTransition(c *Context, nextState string, maxAttempts int, sleepFn func(time.Duration)) (string, error) {
	if maxAttempts < 1 {
		return "", fmt.Errorf("lifecycle: max_attempts must be >= 1")
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		state, err := e.Transition(c.CurrentState, nextState, c)
		if err == nil {
			return state, nil
		}
		lastErr = err
		if attempt == maxAttempts-1 {
			break
		}
		if sleepFn != nil {
			sleepFn(time.Duration(1<<uint(attempt)) * time.Second)
		}
	}
	return "", lastErr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func stringFromMap(m map[string]interface{}, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
