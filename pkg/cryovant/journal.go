// Package cryovant implements the Cryovant Journal: a hash-chained,
// file-locked JSONL audit trail, its companion plain lineage trail, and the
// HMAC digest-signing cascade shared by rollback certificates, promotion
// events, and replay proof bundles. Grounded on security/ledger/journal.py's
// dual-file design: a plain write_entry trail mirrored for human-readable
// debugging, and a separately hash-chained append_tx journal with a
// persisted tail-state cache for fast incremental verification.
package cryovant

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adaad/core/pkg/adaaderr"
	"github.com/adaad/core/pkg/canonical"
	"golang.org/x/sys/unix"
)

// zeroHashHex is the unprefixed, 64-hex-character genesis prev_hash every
// journal chain begins from, matching the Lineage Ledger's own chain genesis.
const zeroHashHex = "0000000000000000000000000000000000000000000000000000000000000000"

func init() {
	if len(zeroHashHex) != 64 {
		panic(fmt.Sprintf("cryovant: zeroHashHex must be 64 hex chars, got %d", len(zeroHashHex)))
	}
}

// Entry is one line of the hash-chained journal file.
type Entry struct {
	Tx       string                 `json:"tx"`
	Ts       string                 `json:"ts"`
	Type     string                 `json:"type"`
	Payload  map[string]interface{} `json:"payload"`
	PrevHash string                 `json:"prev_hash"`
	Hash     string                 `json:"hash"`
}

// TrailEntry is one line of the plain, unchained lineage trail: a
// human-auditable record of every action taken, independent of the hash
// chain's integrity guarantees.
type TrailEntry struct {
	Ts      string                 `json:"ts"`
	AgentID string                 `json:"agent_id"`
	Action  string                 `json:"action"`
	Payload map[string]interface{} `json:"payload"`
}

type tailState struct {
	LastHash string `json:"last_hash"`
	Offset   int64  `json:"offset"`
}

// IntegrityError reports a hash-chain violation discovered during a scan.
type IntegrityError struct {
	Path string
	Line int
	Err  error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("cryovant: journal integrity failure at %s line %d: %v", e.Path, e.Line, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// RecoveryHook is invoked when the journal detects a chain integrity
// failure that forced a full rescan, mirroring the Python
// JournalRecoveryHook protocol.
type RecoveryHook interface {
	OnJournalIntegrityFailure(journalPath string, err error)
}

// Journal is the combined trail + hash-chained audit log for one agent
// workspace.
type Journal struct {
	dir string

	trailPath     string
	journalPath   string
	genesisPath   string
	tailStatePath string
	lockPath      string

	threadMu sync.Mutex
	hook     RecoveryHook
	clock    func() time.Time

	// TailRecoveryErrors counts how many times an incremental scan fell back
	// to a full rescan because the cached tail state did not match the file.
	// This is a counter, not a fatal condition: the fallback itself repairs
	// the cache.
	TailRecoveryErrors int
}

// Open opens (or initializes) the journal rooted at dir.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	j := &Journal{
		dir:           dir,
		trailPath:     filepath.Join(dir, "lineage.jsonl"),
		journalPath:   filepath.Join(dir, "cryovant_journal.jsonl"),
		genesisPath:   filepath.Join(dir, "cryovant_journal.genesis.jsonl"),
		tailStatePath: filepath.Join(dir, "cryovant_journal.tail.json"),
		lockPath:      filepath.Join(dir, "cryovant_journal.lock"),
		clock:         time.Now,
	}
	if err := j.ensureJournal(); err != nil {
		return nil, err
	}
	return j, nil
}

// WithClock overrides the clock used to timestamp entries, for tests.
func (j *Journal) WithClock(clock func() time.Time) *Journal {
	j.clock = clock
	return j
}

// WithRecoveryHook registers a hook invoked whenever a full-rescan fallback
// is triggered by a tail-state mismatch.
func (j *Journal) WithRecoveryHook(hook RecoveryHook) *Journal {
	j.hook = hook
	return j
}

// ensureJournal seeds the journal file from a genesis snapshot if one is
// present and the journal itself does not yet exist, otherwise creates an
// empty journal file.
func (j *Journal) ensureJournal() error {
	if _, err := os.Stat(j.journalPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if data, err := os.ReadFile(j.genesisPath); err == nil {
		return os.WriteFile(j.journalPath, data, 0o644)
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(j.journalPath, nil, 0o644)
}

// journalLock acquires the combined process-local mutex and OS-level
// exclusive flock that guards every append to the journal file, matching
// journal.py's _journal_append_lock.
func (j *Journal) journalLock() (unlock func(), err error) {
	j.threadMu.Lock()
	f, err := os.OpenFile(j.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		j.threadMu.Unlock()
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		j.threadMu.Unlock()
		return nil, err
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		j.threadMu.Unlock()
	}, nil
}

// WriteEntry appends a plain, unchained record to the lineage trail — no
// hash chain, just an auditable action log.
func (j *Journal) WriteEntry(agentID, action string, payload map[string]interface{}) error {
	if agentID == "" {
		agentID = "system"
	}
	entry := TrailEntry{Ts: j.clock().UTC().Format(time.RFC3339), AgentID: agentID, Action: action, Payload: payload}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(j.trailPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// AppendTx appends a hash-chained entry of the given type. If txID is empty
// a deterministic-looking tx identifier is derived from txType and the
// current timestamp, matching the journal's TX-<type>-<compact-ts> shape.
func (j *Journal) AppendTx(txType string, payload map[string]interface{}, txID string) (Entry, error) {
	unlock, err := j.journalLock()
	if err != nil {
		return Entry{}, err
	}
	defer unlock()

	prevHash, offset, err := j.loadOrRebuildTail()
	if err != nil {
		return Entry{}, err
	}

	now := j.clock().UTC()
	if txID == "" {
		txID = fmt.Sprintf("TX-%s-%s", txType, now.Format("20060102T150405.000000"))
	}
	entry := Entry{
		Tx:       txID,
		Ts:       now.Format(time.RFC3339),
		Type:     txType,
		Payload:  payload,
		PrevHash: prevHash,
	}
	entry.Hash = hashLine(prevHash, entry)

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, err
	}
	f, err := os.OpenFile(j.journalPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return Entry{}, err
	}
	written, writeErr := f.Write(append(line, '\n'))
	syncErr := f.Sync()
	f.Close()
	if writeErr != nil {
		return Entry{}, writeErr
	}
	if syncErr != nil {
		return Entry{}, syncErr
	}

	if err := j.saveTail(tailState{LastHash: entry.Hash, Offset: offset + int64(written)}); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// loadOrRebuildTail returns the hash the next entry should chain from and
// the byte offset of the end of the journal file. When the cached tail
// state is stale but still a valid prefix, it incrementally scans forward
// from the cached offset. When the cache is missing or inconsistent with
// the file on disk, it falls back to a full rescan from the start — this is
// a recorded, non-fatal condition, not an integrity failure.
func (j *Journal) loadOrRebuildTail() (hash string, offset int64, err error) {
	info, err := os.Stat(j.journalPath)
	if err != nil {
		return "", 0, err
	}

	if state, ok := j.readTailState(); ok {
		switch {
		case state.Offset == info.Size():
			// Cache already reflects everything on disk; nothing new to scan.
			return state.LastHash, state.Offset, nil
		case state.Offset < info.Size():
			if hash, offset, err := j.scanChain(state.Offset, state.LastHash); err == nil {
				return hash, offset, nil
			} else {
				j.recordRescanFallback(err)
			}
		default:
			// Cached offset is past EOF: the cache cannot be trusted.
			j.recordRescanFallback(fmt.Errorf("cryovant: tail-state offset %d exceeds journal size %d", state.Offset, info.Size()))
		}
	}

	hash, offset, err = j.scanChain(0, zeroHashHex)
	if err != nil {
		return "", 0, err
	}
	return hash, offset, nil
}

func (j *Journal) recordRescanFallback(cause error) {
	j.TailRecoveryErrors++
	slog.Warn("ledger_journal_tail_recovery_errors", "journal_path", j.journalPath, "cause", cause)
	if j.hook != nil {
		j.hook.OnJournalIntegrityFailure(j.journalPath, cause)
	}
}

// scanChain reads the journal starting at byte offset startOffset,
// verifying each entry chains from expectedPrevHash, and returns the final
// hash and the byte offset of EOF.
func (j *Journal) scanChain(startOffset int64, expectedPrevHash string) (string, int64, error) {
	f, err := os.Open(j.journalPath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	if startOffset > 0 {
		if _, err := f.Seek(startOffset, io.SeekStart); err != nil {
			return "", 0, err
		}
	}

	prev := expectedPrevHash
	offset := startOffset
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		offset += int64(len(line)) + 1
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return "", 0, &IntegrityError{Path: j.journalPath, Line: lineNo, Err: adaaderr.ErrJournalInvalidJSON}
		}
		if entry.PrevHash != prev {
			return "", 0, &IntegrityError{Path: j.journalPath, Line: lineNo, Err: adaaderr.ErrJournalPrevHashMismatch}
		}
		if hashLine(entry.PrevHash, entry) != entry.Hash {
			return "", 0, &IntegrityError{Path: j.journalPath, Line: lineNo, Err: adaaderr.ErrJournalHashMismatch}
		}
		prev = entry.Hash
	}
	if err := sc.Err(); err != nil {
		return "", 0, err
	}
	return prev, offset, nil
}

func hashLine(prevHash string, entry Entry) string {
	body := map[string]interface{}{
		"tx":      entry.Tx,
		"ts":      entry.Ts,
		"type":    entry.Type,
		"payload": entry.Payload,
	}
	b, err := canonical.Marshal(body)
	if err != nil {
		// canonical.Marshal only fails on values it cannot represent (e.g.
		// channels, funcs) which never appear in a journal payload built
		// from decoded JSON; treat as unreachable.
		panic(fmt.Sprintf("cryovant: unmarshalable journal payload: %v", err))
	}
	return canonical.SHA256Hex(append([]byte(prevHash), b...))
}

func (j *Journal) readTailState() (tailState, bool) {
	data, err := os.ReadFile(j.tailStatePath)
	if err != nil {
		return tailState{}, false
	}
	var state tailState
	if err := json.Unmarshal(data, &state); err != nil {
		return tailState{}, false
	}
	return state, true
}

func (j *Journal) saveTail(state tailState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return os.WriteFile(j.tailStatePath, data, 0o644)
}

// VerifyIntegrity forces a full rescan of the journal from the start and
// returns the first integrity violation found, if any.
func (j *Journal) VerifyIntegrity() error {
	unlock, err := j.journalLock()
	if err != nil {
		return err
	}
	defer unlock()
	_, _, err = j.scanChain(0, zeroHashHex)
	return err
}

// ReadAll returns every entry in the hash-chained journal, in file order.
func (j *Journal) ReadAll() ([]Entry, error) {
	f, err := os.Open(j.journalPath)
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
			return nil, adaaderr.Withf(adaaderr.ErrJournalInvalidJSON, "%v", err)
		}
		out = append(out, entry)
	}
	return out, sc.Err()
}

// ProjectFromLineage builds a journal-style projection from a lineage-v2
// style event payload, defaulting agent_id to "system" when absent.
func ProjectFromLineage(eventType string, payload map[string]interface{}) TrailEntry {
	agentID := "system"
	if v, ok := payload["agent_id"].(string); ok && v != "" {
		agentID = v
	}
	return TrailEntry{AgentID: agentID, Action: eventType, Payload: payload}
}

// RecordRotationEvent records a credential-rotation success to both the
// plain trail and the hash-chained journal, matching the original's
// dual-write for cross-cutting security events.
func (j *Journal) RecordRotationEvent(agentID string, payload map[string]interface{}) error {
	if err := j.WriteEntry(agentID, "credential_rotation", payload); err != nil {
		return err
	}
	_, err := j.AppendTx("CredentialRotationEvent", payload, "")
	return err
}

// RecordRotationFailure records a credential-rotation failure to both logs.
func (j *Journal) RecordRotationFailure(agentID string, payload map[string]interface{}) error {
	if err := j.WriteEntry(agentID, "credential_rotation_failure", payload); err != nil {
		return err
	}
	_, err := j.AppendTx("CredentialRotationFailureEvent", payload, "")
	return err
}
