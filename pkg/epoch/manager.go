// Package epoch implements the Epoch Manager: deterministic epoch ID
// derivation, rotation-trigger evaluation, and the durable current-epoch
// state file. Grounded on runtime/evolution/epoch.py's EpochManager.
package epoch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adaad/core/pkg/determinism"
)

// Governor is the subset of the Evolution Governor's surface the Epoch
// Manager depends on, kept narrow so this package does not import pkg/governor
// directly and the two can evolve independently.
type Governor interface {
	EpochStarted(epochID string) bool
	MarkEpochStart(epochID string, metadata map[string]interface{}) error
	MarkEpochEnd(epochID string, metadata map[string]interface{}) error
	RecoveryTier() string
}

// Ledger is the subset of the Lineage Ledger the Epoch Manager depends on.
type Ledger interface {
	AppendEvent(eventType string, payload map[string]interface{}) error
	ComputeCumulativeEpochDigest(epochID string) (string, error)
}

// State is the durable, persisted record of the currently active epoch.
type State struct {
	EpochID         string                 `json:"epoch_id"`
	StartTS         string                 `json:"start_ts"`
	Metadata        map[string]interface{} `json:"metadata"`
	GovernorVersion string                 `json:"governor_version"`
	MutationCount   int                    `json:"mutation_count"`
}

// GovernorVersion is stamped onto every epoch state this manager creates.
const GovernorVersion = "3.0.0"

// Rotation reasons.
const (
	ReasonReplayDivergence = "replay_divergence"
	ReasonMutationThreshold = "mutation_threshold"
	ReasonDurationThreshold = "duration_threshold"
	ReasonManual            = "manual"
)

// Manager tracks the active epoch, persists it to statePath, and decides
// when a rotation is due.
type Manager struct {
	governor Governor
	ledger   Ledger
	provider determinism.Provider

	maxMutations       int
	maxDurationMinutes int
	statePath          string
	replayMode         string

	state     *State
	forceEnd  bool
	clock     func() time.Time
}

// Option configures a Manager beyond its required collaborators.
type Option func(*Manager)

// WithMaxMutations overrides the default mutation-count rotation trigger (50).
func WithMaxMutations(n int) Option { return func(m *Manager) { m.maxMutations = n } }

// WithMaxDurationMinutes overrides the default duration rotation trigger (30).
func WithMaxDurationMinutes(n int) Option { return func(m *Manager) { m.maxDurationMinutes = n } }

// WithStatePath overrides where the current-epoch state file is persisted.
func WithStatePath(path string) Option { return func(m *Manager) { m.statePath = path } }

// WithReplayMode sets the replay mode consulted when deciding whether epoch
// IDs must be derived deterministically.
func WithReplayMode(mode string) Option { return func(m *Manager) { m.replayMode = mode } }

// WithClock overrides the manager's clock, for tests.
func WithClock(clock func() time.Time) Option { return func(m *Manager) { m.clock = clock } }

// New constructs an Epoch Manager. provider supplies epoch-ID suffixes: a
// SystemProvider for normal operation, a SeededProvider when replay safety
// requires deterministic derivation (see determinism.RequireReplaySafe).
func New(governor Governor, ledger Ledger, provider determinism.Provider, statePath string, opts ...Option) *Manager {
	m := &Manager{
		governor:           governor,
		ledger:             ledger,
		provider:           provider,
		maxMutations:       50,
		maxDurationMinutes: 30,
		statePath:          statePath,
		replayMode:         "off",
		clock:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadOrCreate restores persisted epoch state if present, re-registering it
// with the governor if the governor has no record of it (for example after
// a process restart), or starts a fresh epoch otherwise.
func (m *Manager) LoadOrCreate() (*State, error) {
	if loaded := m.loadState(); loaded != nil {
		m.state = loaded
		if !m.governor.EpochStarted(loaded.EpochID) {
			meta := cloneMeta(loaded.Metadata)
			meta["restored"] = true
			if err := m.governor.MarkEpochStart(loaded.EpochID, meta); err != nil {
				return nil, err
			}
		}
		return m.state, nil
	}
	return m.StartNewEpoch(map[string]interface{}{"reason": "boot"})
}

// GetActive returns the active epoch state, loading or creating one if none
// has been established yet this process.
func (m *Manager) GetActive() (*State, error) {
	if m.state != nil {
		return m.state, nil
	}
	return m.LoadOrCreate()
}

// TriggerForceEnd marks the active epoch for rotation regardless of the
// mutation-count or duration thresholds, used when replay divergence is
// detected.
func (m *Manager) TriggerForceEnd() { m.forceEnd = true }

// ShouldRotate reports whether any rotation trigger has fired for the active
// epoch.
func (m *Manager) ShouldRotate() (bool, error) {
	state, err := m.GetActive()
	if err != nil {
		return false, err
	}
	if m.forceEnd {
		return true, nil
	}
	if state.MutationCount >= m.maxMutations {
		return true, nil
	}
	exceeded, err := m.durationExceeded(state.StartTS)
	if err != nil {
		return false, err
	}
	return exceeded, nil
}

// RotationReason names which trigger fired, for the EpochCheckpointEvent's
// reason field. Callers should call ShouldRotate first; this returns
// "manual" if nothing has actually fired.
func (m *Manager) RotationReason() (string, error) {
	state, err := m.GetActive()
	if err != nil {
		return "", err
	}
	if m.forceEnd {
		return ReasonReplayDivergence, nil
	}
	if state.MutationCount >= m.maxMutations {
		return ReasonMutationThreshold, nil
	}
	exceeded, err := m.durationExceeded(state.StartTS)
	if err != nil {
		return "", err
	}
	if exceeded {
		return ReasonDurationThreshold, nil
	}
	return ReasonManual, nil
}

// MaybeRotate rotates the active epoch if a trigger has fired, otherwise
// returns the unchanged active state.
func (m *Manager) MaybeRotate() (*State, error) {
	rotate, err := m.ShouldRotate()
	if err != nil {
		return nil, err
	}
	if !rotate {
		return m.GetActive()
	}
	reason, err := m.RotationReason()
	if err != nil {
		return nil, err
	}
	return m.RotateEpoch(reason)
}

// RotateEpoch closes the active epoch (recording its cumulative digest to
// both the governor and the ledger) and opens a new one.
func (m *Manager) RotateEpoch(reason string) (*State, error) {
	current, err := m.GetActive()
	if err != nil {
		return nil, err
	}
	digest, err := m.ledger.ComputeCumulativeEpochDigest(current.EpochID)
	if err != nil {
		return nil, err
	}
	if err := m.governor.MarkEpochEnd(current.EpochID, map[string]interface{}{
		"reason":         reason,
		"mutation_count": current.MutationCount,
		"epoch_digest":   digest,
	}); err != nil {
		return nil, err
	}
	if err := m.ledger.AppendEvent("EpochCheckpointEvent", map[string]interface{}{
		"epoch_id":       current.EpochID,
		"epoch_digest":   digest,
		"mutation_count": current.MutationCount,
		"phase":          "end",
	}); err != nil {
		return nil, err
	}
	m.forceEnd = false
	return m.StartNewEpoch(map[string]interface{}{"reason": reason})
}

// StartNewEpoch derives a fresh epoch ID, registers it with the governor,
// records its EpochCheckpointEvent "start" phase, and persists the state.
// The epoch ID timestamp and StartTS both come from the manager's clock, the
// same clock the duration trigger measures against.
func (m *Manager) StartNewEpoch(metadata map[string]interface{}) (*State, error) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	now := m.clock().UTC()
	timestamp := now.Format("20060102T150405Z")

	previousEpochID := "genesis"
	if m.state != nil {
		previousEpochID = m.state.EpochID
	}
	reason, _ := metadata["reason"].(string)
	if reason == "" {
		reason = "boot"
	}
	suffix := m.provider.NextToken(fmt.Sprintf("epoch:%s:%s", previousEpochID, reason), 6)
	epochID := fmt.Sprintf("epoch-%s-%s", timestamp, suffix)

	state := &State{
		EpochID:         epochID,
		StartTS:         now.Format(time.RFC3339),
		Metadata:        metadata,
		GovernorVersion: GovernorVersion,
		MutationCount:   0,
	}

	if err := m.governor.MarkEpochStart(epochID, cloneMeta(state.Metadata)); err != nil {
		return nil, err
	}
	if err := m.ledger.AppendEvent("EpochCheckpointEvent", map[string]interface{}{
		"epoch_id":       epochID,
		"epoch_digest":   "sha256:0",
		"mutation_count": 0,
		"phase":          "start",
	}); err != nil {
		return nil, err
	}
	if err := m.persist(state); err != nil {
		return nil, err
	}
	m.state = state
	return state, nil
}

// IncrementMutationCount bumps and persists the active epoch's mutation
// counter, returning the updated state.
func (m *Manager) IncrementMutationCount() (*State, error) {
	state, err := m.GetActive()
	if err != nil {
		return nil, err
	}
	state.MutationCount++
	if err := m.persist(state); err != nil {
		return nil, err
	}
	return state, nil
}

func (m *Manager) persist(state *State) error {
	if err := os.MkdirAll(filepath.Dir(m.statePath), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.statePath, data, 0o644)
}

func (m *Manager) loadState() *State {
	data, err := os.ReadFile(m.statePath)
	if err != nil {
		return nil
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil
	}
	if state.Metadata == nil {
		state.Metadata = map[string]interface{}{}
	}
	if state.GovernorVersion == "" {
		state.GovernorVersion = GovernorVersion
	}
	if state.StartTS == "" {
		state.StartTS = m.provider.ISONow()
	}
	return &state
}

func (m *Manager) durationExceeded(startTS string) (bool, error) {
	started, err := time.Parse(time.RFC3339, startTS)
	if err != nil {
		return false, nil
	}
	return m.clock().UTC().Sub(started) >= time.Duration(m.maxDurationMinutes)*time.Minute, nil
}

func cloneMeta(meta map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	return out
}
