// Package lineage implements the Lineage Ledger v2: an append-only JSONL
// hash chain of typed governance events, plus the per-epoch digest index
// derived from MutationBundleEvent entries. Grounded on the clock-injectable,
// mutex-guarded append/verify shape of the teacher codebase's
// pkg/ledger/ledger.go (not part of this module), adapted from an
// in-memory chain to a durable JSONL file per the §4.5 contract.
package lineage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adaad/core/pkg/adaaderr"
	"github.com/adaad/core/pkg/canonical"
)

// EventType enumerates the lineage event kinds named in the data model.
type EventType string

const (
	EventEpochStart          EventType = "EpochStartEvent"
	EventEpochEnd            EventType = "EpochEndEvent"
	EventMutationBundle      EventType = "MutationBundleEvent"
	EventEpochCheckpoint     EventType = "EpochCheckpointEvent"
	EventGovernanceDecision  EventType = "GovernanceDecisionEvent"
	EventReplayVerification  EventType = "ReplayVerificationEvent"
	EventFederationDecision  EventType = "FederationDecisionEvent"
	EventSandboxEvidence     EventType = "SandboxEvidenceEvent"
	EventPromotion           EventType = "PromotionEvent"
	EventFederationDivergence EventType = "FederationDivergenceEvent"
	EventFederationVerification EventType = "FederationVerificationEvent"
)

// Entry is one line of the lineage ledger.
type Entry struct {
	Type     EventType              `json:"type"`
	Payload  map[string]interface{} `json:"payload"`
	PrevHash string                 `json:"prev_hash"`
	Hash     string                 `json:"hash"`
}

// Ledger is the durable, hash-chained append-only lineage log.
type Ledger struct {
	mu   sync.Mutex
	path string
	// epochDigests caches the last known epoch digest per epoch_id so
	// append_bundle_with_digest does not need to rescan the file on every
	// call; it is always derivable from scratch via ComputeIncrementalEpochDigest.
	epochDigests map[string]string
	tailHash     string
	blocked      bool // set true after an integrity failure; appends refuse until external recovery.
	clock        func() time.Time
}

// Open opens (creating if absent) the lineage ledger file at path and
// primes the tail-hash cache by scanning it.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, err
	}
	f.Close()

	l := &Ledger{
		path:         path,
		epochDigests: make(map[string]string),
		clock:        time.Now,
	}
	tail, err := l.rescanTail()
	if err != nil {
		return nil, err
	}
	l.tailHash = tail
	return l, nil
}

// WithClock overrides the ledger's clock, for tests. Appended entries carry
// no timestamp, so the clock does not affect what is written.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

func (l *Ledger) rescanTail() (string, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	prev := canonical.ZeroHash[len("sha256:"):]
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return "", adaaderr.Withf(adaaderr.ErrLineageInvalidJSON, "line %d: %v", lineNo, err)
		}
		if entry.PrevHash != prev {
			return "", adaaderr.Withf(adaaderr.ErrLineagePrevHashMismatch, "line %d", lineNo)
		}
		computed, err := hashEntry(entry.PrevHash, entry.Type, entry.Payload)
		if err != nil {
			return "", err
		}
		if computed != entry.Hash {
			return "", adaaderr.Withf(adaaderr.ErrLineageHashMismatch, "line %d", lineNo)
		}
		prev = entry.Hash
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return prev, nil
}

func hashEntry(prevHash string, eventType EventType, payload map[string]interface{}) (string, error) {
	material := map[string]interface{}{
		"type":      string(eventType),
		"payload":   payload,
		"prev_hash": prevHash,
	}
	b, err := canonical.Marshal(material)
	if err != nil {
		return "", err
	}
	return canonical.SHA256Hex(append([]byte(prevHash), b...)), nil
}

// AppendEvent appends a single typed event and returns the written entry.
func (l *Ledger) AppendEvent(eventType EventType, payload map[string]interface{}) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(eventType, payload)
}

func (l *Ledger) appendLocked(eventType EventType, payload map[string]interface{}) (Entry, error) {
	if l.blocked {
		return Entry{}, adaaderr.ErrLineageHashMismatch
	}
	hash, err := hashEntry(l.tailHash, eventType, payload)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{Type: eventType, Payload: payload, PrevHash: l.tailHash, Hash: hash}

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, err
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return Entry{}, err
	}
	if err := f.Sync(); err != nil {
		return Entry{}, err
	}
	l.tailHash = hash
	return entry, nil
}

// BundleDigestMaterial is the structure hashed to produce a bundle's digest
// contribution to its epoch, per the data model's epoch-digest formula.
type BundleDigestMaterial struct {
	EpochID               string      `json:"epoch_id"`
	BundleID              string      `json:"bundle_id"`
	Impact                float64     `json:"impact"`
	StrategySet           []string    `json:"strategy_set"`
	StrategySnapshotHash  string      `json:"strategy_snapshot_hash"`
	StrategyVersionSet    []string    `json:"strategy_version_set"`
	Certificate           interface{} `json:"certificate"`
}

// AppendBundleWithDigest appends a MutationBundleEvent, folding it into the
// running epoch digest for epochID and enriching payload in place with
// bundle_digest and epoch_digest before writing.
func (l *Ledger) AppendBundleWithDigest(epochID string, payload map[string]interface{}, material BundleDigestMaterial) (Entry, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevEpochDigest := l.epochDigests[epochID]
	if prevEpochDigest == "" {
		prevEpochDigest = canonical.InitialEpochDigest
	}

	bundleDigestBytes, err := canonical.Marshal(material)
	if err != nil {
		return Entry{}, "", err
	}
	bundleDigest := canonical.SHA256Prefixed(bundleDigestBytes)

	epochDigest := canonical.SHA256Prefixed([]byte(prevEpochDigest + bundleDigest))

	enriched := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		enriched[k] = v
	}
	enriched["bundle_digest"] = bundleDigest
	enriched["epoch_digest"] = epochDigest

	entry, err := l.appendLocked(EventMutationBundle, enriched)
	if err != nil {
		return Entry{}, "", err
	}
	l.epochDigests[epochID] = epochDigest
	return entry, epochDigest, nil
}

// GetExpectedEpochDigest returns the cached epoch digest for epochID,
// sha256:0 if the epoch has seen no bundles yet.
func (l *Ledger) GetExpectedEpochDigest(epochID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d, ok := l.epochDigests[epochID]; ok {
		return d
	}
	return canonical.InitialEpochDigest
}

// VerifyIntegrity rescans the ledger from the start and returns a precise
// classified error on the first violation. Once an integrity failure is
// observed, further appends are blocked until ResetAfterRecovery is called
// by an external recovery workflow.
func (l *Ledger) VerifyIntegrity() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tail, err := l.rescanTail()
	if err != nil {
		l.blocked = true
		return err
	}
	l.tailHash = tail
	return nil
}

// ResetAfterRecovery clears the blocked flag after an operator has restored
// a valid snapshot and re-verified it out of band.
func (l *Ledger) ResetAfterRecovery() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocked = false
}

// Blocked reports whether the ledger is currently refusing appends.
func (l *Ledger) Blocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blocked
}

// ReadAll returns every entry in file order.
func (l *Ledger) ReadAll() ([]Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, adaaderr.Withf(adaaderr.ErrLineageInvalidJSON, "%v", err)
		}
		out = append(out, entry)
	}
	return out, sc.Err()
}

// ReadEpoch returns every entry whose payload.epoch_id equals epochID, in
// file order.
func (l *Ledger) ReadEpoch(epochID string) ([]Entry, error) {
	all, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if id, ok := e.Payload["epoch_id"].(string); ok && id == epochID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListEpochIDs returns the distinct epoch_id values seen in the ledger, in
// first-appearance order.
func (l *Ledger) ListEpochIDs() ([]string, error) {
	all, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var order []string
	for _, e := range all {
		id, ok := e.Payload["epoch_id"].(string)
		if !ok || id == "" || seen[id] {
			continue
		}
		seen[id] = true
		order = append(order, id)
	}
	return order, nil
}

// ComputeIncrementalEpochDigest reconstructs an epoch's digest from scratch
// by refolding every MutationBundleEvent's bundle_digest for that epoch, in
// ledger order. Used by the Replay Engine to verify the cache in
// GetExpectedEpochDigest matches what the stored events actually produce.
func (l *Ledger) ComputeIncrementalEpochDigest(epochID string) (string, error) {
	entries, err := l.ReadEpoch(epochID)
	if err != nil {
		return "", err
	}
	digest := canonical.InitialEpochDigest
	for _, e := range entries {
		if e.Type != EventMutationBundle {
			continue
		}
		bundleDigest, ok := e.Payload["bundle_digest"].(string)
		if !ok {
			return "", fmt.Errorf("lineage: MutationBundleEvent missing bundle_digest")
		}
		digest = canonical.SHA256Prefixed([]byte(digest + bundleDigest))
	}
	return digest, nil
}

// Head returns the current tail hash (not prefixed) — the prev_hash the
// next appended entry will chain from.
func (l *Ledger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tailHash
}
