// Package determinism supplies the two provider variants every
// identifier-producing call site in the core depends on: System (real clock,
// OS randomness) and Seeded (everything derived from a fixed seed string).
// Grounded on the HMAC-SHA256 construction in the teacher codebase's
// pkg/kernel/prng.go (not part of this module), generalized
// so outputs depend only on (seed, label, length, low, high) rather than call
// order — replaying the same sequence of calls in a different order (or with
// extra calls interleaved) must still produce the same value for a given
// label.
package determinism

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Provider is the contract every identifier/timestamp producing call site
// uses instead of calling time.Now or crypto/rand directly.
type Provider interface {
	// IsDeterministic reports whether this provider's outputs are a pure
	// function of (seed, label, params). The replay-safety gate uses this
	// to decide whether a provider may be used under strict/audit replay.
	IsDeterministic() bool

	// ISONow returns an RFC3339 UTC timestamp.
	ISONow() string

	// NextID returns a label-scoped hex identifier of length characters,
	// capped at 32 characters.
	NextID(label string, length int) string

	// NextToken returns a label-scoped opaque token of the given length.
	NextToken(label string, length int) string

	// NextInt returns a label-scoped integer in [low, high).
	NextInt(low, high int64, label string) int64
}

// SystemProvider uses the real wall clock and OS randomness. Its outputs are
// not reproducible and it must never be used where replay_mode is strict or
// recovery_tier is audit; RequireReplaySafe enforces that.
type SystemProvider struct{}

func NewSystemProvider() SystemProvider { return SystemProvider{} }

func (SystemProvider) IsDeterministic() bool { return false }

func (SystemProvider) ISONow() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (SystemProvider) NextID(label string, length int) string {
	id := uuid.New()
	return hex.EncodeToString(id[:])[:clampHexLen(length)]
}

func (SystemProvider) NextToken(label string, length int) string {
	id := uuid.New()
	s := id.String()
	if length <= 0 || length > len(s) {
		return s
	}
	return s[:length]
}

func (SystemProvider) NextInt(low, high int64, label string) int64 {
	if high <= low {
		return low
	}
	span := high - low
	id := uuid.New()
	v := int64(binary.BigEndian.Uint64(id[:8])) % span
	if v < 0 {
		v += span
	}
	return low + v
}

func clampHexLen(length int) int {
	if length <= 0 {
		return 0
	}
	if length > 32 {
		return 32
	}
	return length
}

// SeededProvider derives every output from a fixed seed string by hashing
// "seed||label||params" per call. Two calls with identical (label, params)
// always produce identical output regardless of how many other calls
// happened in between, which is the property the replay engine depends on.
type SeededProvider struct {
	seed string
	// clock, when set, is used instead of a fixed derived timestamp so tests
	// can inject a stable value; when nil, ISONow derives a deterministic
	// timestamp from the seed itself (no wall-clock dependency at all).
	clock func() time.Time
}

// NewSeededProvider constructs a provider whose every output is a pure
// function of seed and the per-call label/params.
func NewSeededProvider(seed string) *SeededProvider {
	return &SeededProvider{seed: seed}
}

// WithClock overrides the timestamp source for ISONow. This is the only
// escape hatch for tests that need a specific wall-clock value; it does not
// change the determinism of NextID/NextToken/NextInt.
func (p *SeededProvider) WithClock(clock func() time.Time) *SeededProvider {
	p.clock = clock
	return p
}

func (p *SeededProvider) IsDeterministic() bool { return true }

func (p *SeededProvider) digest(parts ...string) []byte {
	h := hmac.New(sha256.New, []byte(p.seed))
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return h.Sum(nil)
}

func (p *SeededProvider) ISONow() string {
	if p.clock != nil {
		return p.clock().UTC().Format(time.RFC3339)
	}
	d := p.digest("iso_now")
	// Map digest bytes onto a stable, plausible Unix timestamp range so the
	// derived value still round-trips through RFC3339 parsing in tests.
	seconds := int64(binary.BigEndian.Uint32(d[:4]))
	t := time.Unix(1700000000+seconds%100000000, 0).UTC()
	return t.Format(time.RFC3339)
}

func (p *SeededProvider) NextID(label string, length int) string {
	d := p.digest("id", label, fmt.Sprintf("%d", length))
	hexStr := hex.EncodeToString(d)
	return hexStr[:clampHexLen(length)]
}

func (p *SeededProvider) NextToken(label string, length int) string {
	d := p.digest("token", label, fmt.Sprintf("%d", length))
	hexStr := hex.EncodeToString(d)
	if length <= 0 {
		return ""
	}
	if length > len(hexStr) {
		// extend deterministically by re-digesting with an index suffix
		out := hexStr
		i := 1
		for len(out) < length {
			out += hex.EncodeToString(p.digest("token", label, fmt.Sprintf("%d", length), fmt.Sprintf("%d", i)))
			i++
		}
		return out[:length]
	}
	return hexStr[:length]
}

func (p *SeededProvider) NextInt(low, high int64, label string) int64 {
	if high <= low {
		return low
	}
	span := high - low
	d := p.digest("int", label, fmt.Sprintf("%d:%d", low, high))
	v := int64(binary.BigEndian.Uint64(d[:8]) % uint64(span))
	return low + v
}
