package capabilities

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/adaad/core/pkg/adaaderr"
	"golang.org/x/sys/unix"
)

// conflictRetries bounds how many times Register will retry after losing an
// optimistic-concurrency race against a concurrent writer before giving up.
const conflictRetries = 5

// CapabilityRecord is one entry in the capability registry: a named,
// versioned, scored capability together with the other capabilities it
// depends on and the evidence that justified its score.
type CapabilityRecord struct {
	Name      string                 `json:"name"`
	Version   string                 `json:"version"`
	Score     float64                `json:"score"`
	Owner     string                 `json:"owner"`
	Requires  []string               `json:"requires"`
	Evidence  map[string]interface{} `json:"evidence"`
	UpdatedAt string                 `json:"updated_at"`
}

// CapabilityRegistry is a graph-backed capability store that enforces two
// invariants on every write: every declared dependency must already be
// registered, and a capability's score may never regress below the score it
// previously held. The registry is a single JSON file guarded by an
// OS-level exclusive lock and an optimistic-concurrency retry loop, so
// concurrent owner-elements registering capabilities at the same time never
// silently clobber each other.
type CapabilityRegistry struct {
	path     string
	lockPath string
	clock    func() time.Time
}

// NewCapabilityRegistry binds a registry to the JSON file at path. The file
// and its parent directory are created lazily on first write.
func NewCapabilityRegistry(path string) *CapabilityRegistry {
	return &CapabilityRegistry{
		path:     path,
		lockPath: path + ".lock",
		clock:    time.Now,
	}
}

// WithClock overrides the clock used to stamp updated_at, for tests.
func (r *CapabilityRegistry) WithClock(clock func() time.Time) *CapabilityRegistry {
	r.clock = clock
	return r
}

func (r *CapabilityRegistry) load() (map[string]CapabilityRecord, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]CapabilityRecord{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return map[string]CapabilityRecord{}, nil
	}
	registry := map[string]CapabilityRecord{}
	if err := json.Unmarshal(data, &registry); err != nil {
		// A corrupt registry file behaves like an empty one, matching the
		// original's json.JSONDecodeError fallback: the next successful
		// write heals it.
		return map[string]CapabilityRecord{}, nil
	}
	return registry, nil
}

func (r *CapabilityRegistry) save(registry map[string]CapabilityRecord) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(registry, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), "."+filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, r.path)
}

// fileState returns the on-disk digest of the registry file, used to detect
// a concurrent writer committing between this call's read and its attempted
// write. A missing file digests the same as an empty JSON object, matching
// the Python implementation's treatment of a not-yet-created registry.
func (r *CapabilityRegistry) fileState() (string, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			sum := sha256.Sum256([]byte("{}"))
			return hex.EncodeToString(sum[:]), nil
		}
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (r *CapabilityRegistry) withLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(r.lockPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(r.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return fn()
}

func missingDependencies(registry map[string]CapabilityRecord, requires []string) []string {
	missing := []string{}
	for _, req := range requires {
		if _, ok := registry[req]; !ok {
			missing = append(missing, req)
		}
	}
	return missing
}

// Register adds or updates a capability, enforcing that every entry in
// requires already exists in the registry and that score never regresses
// below the capability's current score. It retries internally when a
// concurrent writer commits between this call's read of the registry and
// its attempted write, up to conflictRetries times, and fails closed with
// ErrCapabilityConflictExhausted if every attempt loses the race.
func (r *CapabilityRegistry) Register(name, version string, score float64, ownerElement string, requires []string, evidence map[string]interface{}) error {
	if requires == nil {
		requires = []string{}
	}
	if evidence == nil {
		evidence = map[string]interface{}{}
	}

	for attempt := 1; attempt <= conflictRetries; attempt++ {
		previousState, err := r.fileState()
		if err != nil {
			return err
		}
		registry, err := r.load()
		if err != nil {
			return err
		}

		if missing := missingDependencies(registry, requires); len(missing) > 0 {
			slog.Error("capability_graph_rejected",
				"name", name, "score", score, "reason", "missing_dependencies", "missing", missing, "owner", ownerElement)
			return adaaderr.Withf(adaaderr.ErrCapabilityMissingDependencies, "missing dependencies for %s: %v", name, missing)
		}

		existingScore := -1.0
		if existing, ok := registry[name]; ok {
			existingScore = existing.Score
		}
		if score < existingScore {
			slog.Error("capability_graph_rejected",
				"name", name, "score", score, "reason", "score_regression", "previous", existingScore, "owner", ownerElement)
			return adaaderr.Withf(adaaderr.ErrCapabilityScoreRegression, "score regression prevented for %s", name)
		}

		record := CapabilityRecord{
			Name:      name,
			Version:   version,
			Score:     score,
			Owner:     ownerElement,
			Requires:  append([]string{}, requires...),
			Evidence:  evidence,
			UpdatedAt: r.clock().UTC().Format(time.RFC3339),
		}

		committed := false
		lockErr := r.withLock(func() error {
			currentState, err := r.fileState()
			if err != nil {
				return err
			}
			if currentState != previousState {
				slog.Warn("capability_graph_conflict",
					"name", name, "attempt", attempt, "outcome", "conflict_detected",
					"retries_remaining", conflictRetries-attempt, "owner", ownerElement)
				return nil
			}
			registry[name] = record
			if err := r.save(registry); err != nil {
				return err
			}
			committed = true
			return nil
		})
		if lockErr != nil {
			return lockErr
		}
		if committed {
			slog.Info("capability_graph_conflict",
				"name", name, "attempt", attempt, "outcome", "commit_success", "retries_used", attempt-1, "owner", ownerElement)
			slog.Info("capability_graph_registered",
				"name", name, "version", version, "score", score, "owner", ownerElement, "requires", requires)
			return nil
		}
	}

	slog.Error("capability_graph_conflict",
		"name", name, "outcome", "retry_exhausted", "attempts", conflictRetries, "owner", ownerElement)
	return adaaderr.Withf(adaaderr.ErrCapabilityConflictExhausted, "conflict retries exhausted for %s", name)
}

// Capabilities returns the full registry contents, keyed by capability name.
func (r *CapabilityRegistry) Capabilities() (map[string]CapabilityRecord, error) {
	return r.load()
}

// SortedNames returns every registered capability's name, sorted, for
// deterministic iteration and reporting.
func (r *CapabilityRegistry) SortedNames() ([]string, error) {
	registry, err := r.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
