// Package entropy implements the per-scope entropy budget: a ledger of
// categorized nondeterminism consumption that fails closed on overflow.
// Grounded on the mutex-guarded tracker shape in the teacher codebase's
// pkg/kernel/nondeterminism.go (not part of this module), but scoped via
// context.Context rather than a
// goroutine-local map: explicit propagation through context replaces the
// source's threading.local
// singleton and keeps the envelope+provider pairing an explicit value instead
// of ambient global state.
package entropy

import (
	"context"
	"sync"

	"github.com/adaad/core/pkg/adaaderr"
)

// Source categorizes where an entropy charge originates.
type Source string

const (
	SourceRandom     Source = "RANDOM"
	SourceTime       Source = "TIME"
	SourceUUID       Source = "UUID"
	SourceNetwork    Source = "NETWORK"
	SourceFilesystem Source = "FILESYSTEM"
	SourceProvider   Source = "PROVIDER"
)

// Costs is the fixed per-source charge. PROVIDER's nonzero cost is
// intentional: it prevents provider-call hot loops from burning an unbounded
// number of "free" identifier derivations inside one envelope.
var Costs = map[Source]int{
	SourceRandom:     10,
	SourceTime:       5,
	SourceUUID:       10,
	SourceNetwork:    50,
	SourceFilesystem: 3,
	SourceProvider:   1,
}

// Charge records one charge against the envelope's ledger.
type Charge struct {
	Source  Source
	Context string
	Cost    int
}

// OverflowEvent is emitted when a charge would exceed the budget. Callers
// observing entropy overflow as an audit trail (for example, mirroring it
// into the Cryovant journal) read this from Scope.Overflows after the
// rejecting charge.
type OverflowEvent struct {
	Source    Source
	Context   string
	Attempted int
	Remaining int
	Budget    int
}

// Scope is a single open entropy envelope: a budget and the ledger of
// charges against it. Nested envelopes are rejected by Open.
type Scope struct {
	mu        sync.Mutex
	epochID   string
	budget    int
	consumed  int
	charges   []Charge
	overflows []OverflowEvent
}

type scopeKey struct{}

// Open creates a new entropy scope bound to epochID with the given total
// budget and returns a context carrying it. Calling Open again on a context
// that already carries a scope is rejected with
// adaaderr.ErrEntropyEnvelopeNested — envelopes do not nest.
func Open(ctx context.Context, epochID string, budget int) (context.Context, *Scope, error) {
	if _, ok := ctx.Value(scopeKey{}).(*Scope); ok {
		return ctx, nil, adaaderr.ErrEntropyEnvelopeNested
	}
	scope := &Scope{epochID: epochID, budget: budget}
	return context.WithValue(ctx, scopeKey{}, scope), scope, nil
}

// FromContext returns the entropy scope carried by ctx, if any.
func FromContext(ctx context.Context) (*Scope, bool) {
	scope, ok := ctx.Value(scopeKey{}).(*Scope)
	return scope, ok
}

// Charge adds a categorized charge to the scope's ledger. It fails closed:
// if the charge would exceed the budget, the ledger still records the
// attempted overflow (for audit) but the charge is rejected and the running
// total is not incremented.
func (s *Scope) Charge(source Source, context string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cost, ok := Costs[source]
	if !ok {
		cost = Costs[SourceRandom]
	}
	if s.consumed+cost > s.budget {
		s.overflows = append(s.overflows, OverflowEvent{
			Source:    source,
			Context:   context,
			Attempted: cost,
			Remaining: s.budget - s.consumed,
			Budget:    s.budget,
		})
		return adaaderr.ErrEntropyBudgetExceeded
	}
	s.consumed += cost
	s.charges = append(s.charges, Charge{Source: source, Context: context, Cost: cost})
	return nil
}

// Consumed returns the total entropy consumed so far.
func (s *Scope) Consumed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumed
}

// Remaining returns the unconsumed budget.
func (s *Scope) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.budget - s.consumed
}

// EpochID returns the epoch this scope was opened for.
func (s *Scope) EpochID() string {
	return s.epochID
}

// Charges returns a copy of the recorded charges.
func (s *Scope) Charges() []Charge {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Charge, len(s.charges))
	copy(out, s.charges)
	return out
}

// Overflows returns a copy of the recorded overflow attempts, for
// translation into an audit event by the caller.
func (s *Scope) Overflows() []OverflowEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OverflowEvent, len(s.overflows))
	copy(out, s.overflows)
	return out
}

// ChargeFromContext is a convenience used by components (C4's deterministic
// filesystem wrappers, C2's provider calls) that hold a context but not a
// direct *Scope reference. When ctx carries no open scope, it logs an
// "entropy_untracked" condition by returning ok=false instead of failing —
// operations outside an envelope are permitted but unaccounted.
func ChargeFromContext(ctx context.Context, source Source, contextLabel string) (ok bool, err error) {
	scope, found := FromContext(ctx)
	if !found {
		return false, nil
	}
	return true, scope.Charge(source, contextLabel)
}
