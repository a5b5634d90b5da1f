package entropy

import (
	"context"
	"testing"

	"github.com/adaad/core/pkg/adaaderr"
	"github.com/stretchr/testify/require"
)

func TestOpen_RejectsNesting(t *testing.T) {
	ctx := context.Background()
	ctx, _, err := Open(ctx, "epoch-1", 100)
	require.NoError(t, err)

	_, _, err = Open(ctx, "epoch-1", 100)
	require.ErrorIs(t, err, adaaderr.ErrEntropyEnvelopeNested)
}

func TestCharge_FailsClosedOnOverflow(t *testing.T) {
	_, scope, err := Open(context.Background(), "epoch-1", 12)
	require.NoError(t, err)

	require.NoError(t, scope.Charge(SourceUUID, "first"))
	require.Equal(t, 10, scope.Consumed())

	err = scope.Charge(SourceFilesystem, "second")
	require.ErrorIs(t, err, adaaderr.ErrEntropyBudgetExceeded)
	require.Equal(t, 10, scope.Consumed(), "rejected charge must not mutate the running total")
	require.Len(t, scope.Overflows(), 1)
}

func TestChargeFromContext_UntrackedOutsideEnvelope(t *testing.T) {
	ok, err := ChargeFromContext(context.Background(), SourceRandom, "no envelope")
	require.False(t, ok)
	require.NoError(t, err)
}

func TestChargeFromContext_ChargesOpenScope(t *testing.T) {
	ctx, scope, err := Open(context.Background(), "epoch-1", 50)
	require.NoError(t, err)

	ok, err := ChargeFromContext(ctx, SourceRandom, "sample")
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, Costs[SourceRandom], scope.Consumed())
}
