// Package promotion implements deterministic, hash-chained Promotion
// Events: the record of a mutation moving through the promotion state
// machine (proposed -> certified -> activated, with rollback/retirement).
// Grounded on runtime/evolution/promotion_events.py.
package promotion

import (
	"github.com/adaad/core/pkg/canonical"
	"github.com/adaad/core/pkg/determinism"
)

// State is a stage in the promotion state machine.
type State string

const (
	StateProposed   State = "proposed"
	StateCertified  State = "certified"
	StateActivated  State = "activated"
	StateRolledBack State = "rolled_back"
	StateRetired    State = "retired"
)

// Actor identifies who/what performed a promotion transition.
type Actor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Event is one immutable, hash-chained promotion transition record.
type Event struct {
	EventID       string                 `json:"event_id"`
	MutationID    string                 `json:"mutation_id"`
	EpochID       string                 `json:"epoch_id"`
	Timestamp     string                 `json:"timestamp"`
	FromState     State                  `json:"from_state"`
	ToState       State                  `json:"to_state"`
	Actor         Actor                  `json:"actor"`
	PolicyVersion string                 `json:"policy_version"`
	Payload       map[string]interface{} `json:"payload"`
	PrevEventHash string                 `json:"prev_event_hash"`
	EventHash     string                 `json:"event_hash"`
}

// DeriveEventID computes a deterministic, timestamp-independent event ID
// from the transition's identifying material.
func DeriveEventID(mutationID string, fromState, toState State, prevEventHash string) string {
	prev := prevEventHash
	if prev == "" {
		prev = "root"
	}
	base := string(mutationID) + ":" + string(fromState) + ":" + string(toState) + ":" + prev
	digest := canonical.SHA256Prefixed([]byte(base))
	return "evt_" + digest[len("sha256:"):][:16]
}

// CreateEvent builds an immutable promotion event and computes its
// event_hash over every field except timestamp, so two replays of the
// same transition under different wall clocks chain identically.
func CreateEvent(
	provider determinism.Provider,
	replayMode, recoveryTier string,
	mutationID, epochID string,
	fromState, toState State,
	actorType, actorID, policyVersion string,
	payload map[string]interface{},
	prevEventHash string,
) (Event, error) {
	if err := determinism.RequireReplaySafe(provider, replayMode, recoveryTier); err != nil {
		return Event{}, err
	}

	prev := prevEventHash
	if prev == "" {
		prev = canonical.ZeroHash
	}

	event := Event{
		EventID:       DeriveEventID(mutationID, fromState, toState, prevEventHash),
		MutationID:    mutationID,
		EpochID:       epochID,
		Timestamp:     provider.ISONow(),
		FromState:     fromState,
		ToState:       toState,
		Actor:         Actor{Type: actorType, ID: actorID},
		PolicyVersion: policyVersion,
		Payload:       clonePayload(payload),
		PrevEventHash: prev,
	}

	hashMaterial := map[string]interface{}{
		"event_id":        event.EventID,
		"mutation_id":     event.MutationID,
		"epoch_id":        event.EpochID,
		"from_state":      string(event.FromState),
		"to_state":        string(event.ToState),
		"actor":           map[string]interface{}{"type": event.Actor.Type, "id": event.Actor.ID},
		"policy_version":  event.PolicyVersion,
		"payload":         event.Payload,
		"prev_event_hash": event.PrevEventHash,
	}
	bytes, err := canonical.Marshal(hashMaterial)
	if err != nil {
		return Event{}, err
	}
	event.EventHash = canonical.SHA256Prefixed(bytes)
	return event, nil
}

func clonePayload(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
