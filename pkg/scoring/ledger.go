package scoring

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/adaad/core/pkg/canonical"
)

// Record is one hash-chained scoring ledger entry.
type Record struct {
	ScoringResult Result `json:"scoring_result"`
	PrevHash      string `json:"prev_hash"`
	RecordHash    string `json:"record_hash"`
}

// Ledger is an append-only, hash-chained JSONL log of scoring results,
// independent of the lineage ledger so scoring history can be replayed or
// audited on its own.
type Ledger struct {
	mu   sync.Mutex
	path string
}

// OpenLedger creates path's parent directory and the file itself if
// missing, and returns a Ledger bound to it.
func OpenLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &Ledger{path: path}, nil
}

// LastHash returns the record_hash of the most recent entry, or the
// 64-zero-hex chain genesis if the ledger is empty.
func (l *Ledger) LastHash() (string, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	last := canonical.ZeroHash
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var row map[string]interface{}
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			continue
		}
		if hash, ok := row["record_hash"].(string); ok && hash != "" {
			last = hash
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return last, nil
}

// Append computes scoringResult's chained record_hash and appends it to
// the ledger, returning the full record.
func (l *Ledger) Append(scoringResult Result) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash, err := l.LastHash()
	if err != nil {
		return Record{}, err
	}

	record := Record{ScoringResult: scoringResult, PrevHash: prevHash}
	material := map[string]interface{}{
		"scoring_result": scoringResult,
		"prev_hash":      prevHash,
	}
	bytes, err := canonical.Marshal(material)
	if err != nil {
		return Record{}, err
	}
	record.RecordHash = canonical.SHA256Prefixed(bytes)

	line, err := canonical.Marshal(record)
	if err != nil {
		return Record{}, err
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return Record{}, err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return Record{}, err
	}
	return record, nil
}
