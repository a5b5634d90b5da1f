package promotion

import (
	"testing"

	"github.com/adaad/core/pkg/canonical"
	"github.com/adaad/core/pkg/determinism"
	"github.com/stretchr/testify/require"
)

func TestDeriveEventID_IsDeterministic(t *testing.T) {
	first := DeriveEventID("mut-1", StateCertified, StateActivated, "")
	second := DeriveEventID("mut-1", StateCertified, StateActivated, "")
	require.Equal(t, first, second)
}

func TestDeriveEventID_DiffersByPrevEventHash(t *testing.T) {
	a := DeriveEventID("mut-1", StateCertified, StateActivated, "")
	b := DeriveEventID("mut-1", StateCertified, StateActivated, "sha256:aaaa")
	require.NotEqual(t, a, b)
}

func TestCreateEvent_ChainsFromZeroHash(t *testing.T) {
	provider := determinism.NewSeededProvider("promo")

	eventOne, err := CreateEvent(provider, "strict", "", "mut-1", "epoch-1",
		StateProposed, StateCertified, "SYSTEM", "engine", "v1.0.0",
		map[string]interface{}{"score": 0.7}, "")
	require.NoError(t, err)
	require.Equal(t, canonical.ZeroHash, eventOne.PrevEventHash)
	require.Contains(t, eventOne.EventHash, "sha256:")

	eventTwo, err := CreateEvent(provider, "strict", "", "mut-1", "epoch-1",
		StateCertified, StateActivated, "SYSTEM", "engine", "v1.0.0",
		map[string]interface{}{"score": 0.9}, eventOne.EventHash)
	require.NoError(t, err)
	require.Equal(t, eventOne.EventHash, eventTwo.PrevEventHash)
	require.NotEqual(t, eventOne.EventHash, eventTwo.EventHash)
}

func TestCreateEvent_HashExcludesTimestamp(t *testing.T) {
	providerA := determinism.NewSeededProvider("promo-a")
	providerB := determinism.NewSeededProvider("promo-b")

	eventA, err := CreateEvent(providerA, "strict", "", "mut-1", "epoch-1",
		StateProposed, StateCertified, "SYSTEM", "engine", "v1.0.0", nil, "")
	require.NoError(t, err)
	eventB, err := CreateEvent(providerB, "strict", "", "mut-1", "epoch-1",
		StateProposed, StateCertified, "SYSTEM", "engine", "v1.0.0", nil, "")
	require.NoError(t, err)

	require.NotEqual(t, eventA.Timestamp, eventB.Timestamp)
	require.Equal(t, eventA.EventHash, eventB.EventHash)
}

func TestCreateEvent_RejectsNonDeterministicProviderUnderStrictReplay(t *testing.T) {
	_, err := CreateEvent(determinism.NewSystemProvider(), "strict", "", "mut-1", "epoch-1",
		StateProposed, StateCertified, "SYSTEM", "engine", "v1.0.0", nil, "")
	require.Error(t, err)
}
