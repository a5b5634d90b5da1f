// Package mutationtx implements the Mutation Transaction: an atomic,
// backed-up, certified-rollback wrapper around applying a batch of JSON
// patch operations to an agent's on-disk targets. Grounded on
// runtime/tools/mutation_tx.py and runtime/tools/mutation_fs.py.
package mutationtx

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/adaad/core/pkg/adaadtypes"
	"github.com/adaad/core/pkg/canonical"
	"github.com/adaad/core/pkg/rollbackcert"
)

// allowedTargets mirrors ALLOWED_TARGETS: which relative path prefixes a
// given target_type is permitted to touch.
var allowedTargets = map[adaadtypes.TargetType][]string{
	adaadtypes.TargetDNA:    {"dna.json"},
	adaadtypes.TargetConfig: {"config/"},
	adaadtypes.TargetSkills: {"skills/"},
}

// TargetError classifies a rejected mutation target, matching the original's
// MutationTargetError messages.
type TargetError struct{ Reason string }

func (e *TargetError) Error() string { return "mutationtx: " + e.Reason }

func targetErr(reason string) error { return &TargetError{Reason: reason} }

// ApplyResult reports the outcome of applying one target's ops.
type ApplyResult struct {
	Path     string
	Applied  int
	Skipped  int
	Checksum string
}

// ResolveAgentRoot maps an agent ID to its on-disk directory, replacing
// ":" separators with path separators the way the original agent registry
// lays out multi-segment agent IDs.
func ResolveAgentRoot(agentsRoot, agentID string) string {
	return filepath.Join(agentsRoot, strings.ReplaceAll(agentID, ":", string(filepath.Separator)))
}

func normalizeTargetPath(agentRoot, targetPath string) (string, error) {
	if filepath.IsAbs(targetPath) {
		return "", targetErr("absolute_path_forbidden")
	}
	resolved := filepath.Clean(filepath.Join(agentRoot, targetPath))
	rootClean := filepath.Clean(agentRoot)
	if resolved != rootClean && !strings.HasPrefix(resolved, rootClean+string(filepath.Separator)) {
		return "", targetErr("path_traversal_detected")
	}
	return resolved, nil
}

func validateTarget(target adaadtypes.MutationTarget, agentRoot string) (string, error) {
	if target.Path == "" {
		return "", targetErr("missing_path")
	}
	if target.TargetType == "" {
		return "", targetErr("missing_target_type")
	}
	normalized, err := normalizeTargetPath(agentRoot, target.Path)
	if err != nil {
		return "", err
	}
	allowlist, ok := allowedTargets[target.TargetType]
	if !ok {
		return "", targetErr("target_type_not_allowed")
	}
	rel, err := filepath.Rel(agentRoot, normalized)
	if err != nil {
		return "", targetErr("path_traversal_detected")
	}
	rel = filepath.ToSlash(rel)
	allowed := false
	for _, prefix := range allowlist {
		if strings.HasSuffix(prefix, "/") && strings.HasPrefix(rel, prefix) {
			allowed = true
			break
		}
		if rel == prefix {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", targetErr("path_not_allowed")
	}
	if filepath.Ext(normalized) == ".py" {
		return "", targetErr("python_mutation_not_allowed")
	}
	if info, statErr := os.Stat(normalized); statErr == nil && info.Mode()&0o111 != 0 {
		return "", targetErr("executable_mutation_not_allowed")
	}
	ext := filepath.Ext(normalized)
	if ext != ".json" && ext != "" {
		return "", targetErr("non_json_target_forbidden")
	}
	return normalized, nil
}

// ApplyOps applies a sequence of JSON-pointer-addressed operations ("set",
// "merge", "delete") to data in place, returning how many applied cleanly
// versus were skipped (pointer did not resolve).
func ApplyOps(data map[string]interface{}, ops []adaadtypes.Operation) (applied, skipped int) {
	for _, op := range ops {
		if applyOp(data, op) {
			applied++
		} else {
			skipped++
		}
	}
	return applied, skipped
}

func applyOp(data map[string]interface{}, op adaadtypes.Operation) bool {
	segments := splitPointer(op.Path)
	if len(segments) == 0 {
		return false
	}
	switch op.Op {
	case "delete":
		return deleteAtPointer(data, segments)
	case "merge":
		return mergeAtPointer(data, segments, op.Value)
	case "set", "":
		return setAtPointer(data, segments, op.Value)
	default:
		return false
	}
}

func splitPointer(pointer string) []string {
	p := strings.TrimPrefix(pointer, "/")
	if p == "" {
		return nil
	}
	parts := strings.Split(p, "/")
	for i, part := range parts {
		part = strings.ReplaceAll(part, "~1", "/")
		part = strings.ReplaceAll(part, "~0", "~")
		parts[i] = part
	}
	return parts
}

func navigateContainer(data map[string]interface{}, segments []string) (interface{}, bool) {
	var cur interface{} = data
	for _, seg := range segments {
		switch container := cur.(type) {
		case map[string]interface{}:
			next, ok := container[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(container) {
				return nil, false
			}
			cur = container[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func setAtPointer(data map[string]interface{}, segments []string, value interface{}) bool {
	parent, ok := navigateParent(data, segments, true)
	if !ok {
		return false
	}
	last := segments[len(segments)-1]
	switch container := parent.(type) {
	case map[string]interface{}:
		container[last] = value
		return true
	case []interface{}:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(container) {
			return false
		}
		container[idx] = value
		return true
	}
	return false
}

func deleteAtPointer(data map[string]interface{}, segments []string) bool {
	parent, ok := navigateParent(data, segments, false)
	if !ok {
		return false
	}
	last := segments[len(segments)-1]
	switch container := parent.(type) {
	case map[string]interface{}:
		if _, present := container[last]; !present {
			return false
		}
		delete(container, last)
		return true
	case []interface{}:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(container) {
			return false
		}
		// A slice cannot shrink in place; store the shortened copy in the
		// array's own parent.
		shrunk := append(container[:idx:idx], container[idx+1:]...)
		return setAtPointer(data, segments[:len(segments)-1], shrunk)
	}
	return false
}

func mergeAtPointer(data map[string]interface{}, segments []string, value interface{}) bool {
	patch, ok := value.(map[string]interface{})
	if !ok {
		return setAtPointer(data, segments, value)
	}
	target, found := navigateContainer(data, segments)
	if !found {
		return setAtPointer(data, segments, value)
	}
	existing, ok := target.(map[string]interface{})
	if !ok {
		return setAtPointer(data, segments, value)
	}
	for k, v := range patch {
		existing[k] = v
	}
	return true
}

// navigateParent walks all but the last segment, optionally creating
// missing intermediate maps when create is true (used by "set").
func navigateParent(data map[string]interface{}, segments []string, create bool) (interface{}, bool) {
	var cur interface{} = data
	for _, seg := range segments[:len(segments)-1] {
		switch container := cur.(type) {
		case map[string]interface{}:
			next, ok := container[seg]
			if !ok {
				if !create {
					return nil, false
				}
				next = map[string]interface{}{}
				container[seg] = next
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(container) {
				return nil, false
			}
			cur = container[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func hashBytes(payload []byte) string { return canonical.SHA256Hex(payload) }

// ApplyTarget validates target against agentRoot's allowlist, reads the
// current file (or an empty object if it does not exist yet), applies ops,
// and atomically replaces the file via a temp-file-then-rename write.
func ApplyTarget(target adaadtypes.MutationTarget, agentRoot string) (ApplyResult, error) {
	path, err := validateTarget(target, agentRoot)
	if err != nil {
		return ApplyResult{}, err
	}
	originalBytes, readErr := os.ReadFile(path)
	if readErr != nil {
		if !os.IsNotExist(readErr) {
			return ApplyResult{}, readErr
		}
		originalBytes = []byte("{}")
	}
	originalHash := hashBytes(originalBytes)
	if target.HashPreimage != "" && target.HashPreimage != originalHash {
		return ApplyResult{}, targetErr("hash_preimage_mismatch")
	}

	data := map[string]interface{}{}
	if len(originalBytes) > 0 {
		if err := json.Unmarshal(originalBytes, &data); err != nil {
			return ApplyResult{}, targetErr(fmt.Sprintf("invalid_json:%v", err))
		}
	}

	applied, skipped := ApplyOps(data, target.Ops)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ApplyResult{}, err
	}
	serialized, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return ApplyResult{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".mutationtx-*")
	if err != nil {
		return ApplyResult{}, err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(serialized); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return ApplyResult{}, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return ApplyResult{}, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return ApplyResult{}, err
	}

	return ApplyResult{Path: path, Applied: applied, Skipped: skipped, Checksum: hashBytes(serialized)}, nil
}

// Record pairs a target with the result of applying it.
type Record struct {
	Target adaadtypes.MutationTarget
	Result ApplyResult
}

// Journal is the subset of *cryovant.Journal/rollbackcert.Journal the
// transaction writes rollback certificates to.
type Journal = rollbackcert.Journal

// Transaction is a multi-target mutation applied with file-level backups
// and, on rollback, a certified proof of the restored state.
type Transaction struct {
	agentID                  string
	agentRoot                string
	txID                     string
	epochID                  string
	forwardCertificateDigest string
	rollbackDir              string
	journal                  Journal
	nowISO                   func() string

	records   []Record
	backups   map[string]string
	created   []string
	committed bool
}

// Option configures a Transaction beyond its required constructor
// arguments.
type Option func(*Transaction)

func WithEpochID(epochID string) Option { return func(tx *Transaction) { tx.epochID = epochID } }
func WithForwardCertificateDigest(digest string) Option {
	return func(tx *Transaction) { tx.forwardCertificateDigest = digest }
}
func WithNowISO(fn func() string) Option { return func(tx *Transaction) { tx.nowISO = fn } }

// New begins a transaction for agentID, creating its rollback backup
// directory. txID identifies this transaction (callers typically pass a
// freshly generated UUID).
func New(journal Journal, agentID, agentsRoot, txID string, opts ...Option) (*Transaction, error) {
	agentRoot := ResolveAgentRoot(agentsRoot, agentID)
	rollbackDir := filepath.Join(agentRoot, ".rollback", txID)
	if err := os.MkdirAll(rollbackDir, 0o755); err != nil {
		return nil, err
	}
	tx := &Transaction{
		agentID:      agentID,
		agentRoot:    agentRoot,
		txID:         txID,
		rollbackDir:  rollbackDir,
		journal:      journal,
		nowISO:       func() string { return time.Now().UTC().Format(time.RFC3339) },
		backups:      map[string]string{},
	}
	for _, opt := range opts {
		opt(tx)
	}
	return tx, nil
}

// Apply backs up target's current file (if any), applies its ops, and
// records the result.
func (tx *Transaction) Apply(target adaadtypes.MutationTarget) (ApplyResult, error) {
	path, err := validateTarget(target, tx.agentRoot)
	if err != nil {
		return ApplyResult{}, err
	}
	if _, exists := tx.backups[path]; !exists {
		if info, statErr := os.Stat(path); statErr == nil && !info.IsDir() {
			rel, relErr := filepath.Rel(tx.agentRoot, path)
			if relErr != nil {
				return ApplyResult{}, relErr
			}
			backupPath := filepath.Join(tx.rollbackDir, rel)
			if err := os.MkdirAll(filepath.Dir(backupPath), 0o755); err != nil {
				return ApplyResult{}, err
			}
			if err := copyFile(path, backupPath); err != nil {
				return ApplyResult{}, err
			}
			tx.backups[path] = backupPath
		} else {
			tx.created = append(tx.created, path)
		}
	}

	result, err := ApplyTarget(target, tx.agentRoot)
	if err != nil {
		return ApplyResult{}, err
	}
	tx.records = append(tx.records, Record{Target: target, Result: result})
	return result, nil
}

// Verify reports a lightweight transaction health summary.
func (tx *Transaction) Verify() map[string]interface{} {
	return map[string]interface{}{"ok": true, "mutations": len(tx.records)}
}

// Commit finalizes the transaction, discarding its rollback backups.
func (tx *Transaction) Commit() error {
	tx.committed = true
	return os.RemoveAll(tx.rollbackDir)
}

// Records returns the targets applied so far.
func (tx *Transaction) Records() []Record { return append([]Record(nil), tx.records...) }

func (tx *Transaction) snapshotDigest(paths []string) (string, error) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	snapshot := make([]map[string]interface{}, 0, len(sorted))
	for _, p := range sorted {
		rel, err := filepath.Rel(tx.agentRoot, p)
		if err != nil {
			return "", err
		}
		entry := map[string]interface{}{"path": filepath.ToSlash(rel), "exists": false, "digest": ""}
		if data, err := os.ReadFile(p); err == nil {
			entry["exists"] = true
			entry["digest"] = canonical.SHA256Prefixed(data)
		}
		snapshot = append(snapshot, entry)
	}
	data, err := canonical.Marshal(snapshot)
	if err != nil {
		return "", err
	}
	return canonical.SHA256Prefixed(data), nil
}

// Rollback restores every backed-up file, removes every file created since
// the transaction began, and issues a signed rollback certificate over the
// before/after state digests.
func (tx *Transaction) Rollback() error {
	touchedSet := map[string]struct{}{}
	for p := range tx.backups {
		touchedSet[p] = struct{}{}
	}
	for _, p := range tx.created {
		touchedSet[p] = struct{}{}
	}
	touched := make([]string, 0, len(touchedSet))
	for p := range touchedSet {
		touched = append(touched, p)
	}

	priorDigest, err := tx.snapshotDigest(touched)
	if err != nil {
		return err
	}

	for _, created := range tx.created {
		_ = os.Remove(created)
	}
	restoredFromBackup := 0
	for original, backup := range tx.backups {
		if err := os.MkdirAll(filepath.Dir(original), 0o755); err != nil {
			continue
		}
		if err := copyFile(backup, original); err == nil {
			restoredFromBackup++
		}
	}
	_ = os.RemoveAll(tx.rollbackDir)

	restoredDigest, err := tx.snapshotDigest(touched)
	if err != nil {
		return err
	}

	allCreatedRemoved := true
	for _, created := range tx.created {
		if _, statErr := os.Stat(created); statErr == nil {
			allCreatedRemoved = false
			break
		}
	}

	_, err = rollbackcert.Issue(
		tx.journal,
		tx.txID, tx.epochID, priorDigest, restoredDigest, "transaction_rollback", "MutationTransaction",
		map[string]interface{}{
			"backups_restored":      restoredFromBackup == len(tx.backups),
			"created_paths_removed": allCreatedRemoved,
			"records_count":         len(tx.records),
			"rollback_finished_at":  tx.nowISO(),
		},
		tx.agentID, tx.forwardCertificateDigest, tx.nowISO(),
	)
	return err
}

// Close implements the transaction's context-manager-equivalent lifecycle:
// it rolls back whatever was applied if Commit was never called. Intended
// for use with defer immediately after New.
func (tx *Transaction) Close() error {
	if tx.committed {
		return nil
	}
	return tx.Rollback()
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	var mode fs.FileMode = 0o644
	if info, statErr := os.Stat(src); statErr == nil {
		mode = info.Mode()
	}
	return os.WriteFile(dst, data, mode)
}
