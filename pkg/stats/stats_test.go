package stats_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tessera-Labs/credstate/pkg/state"
	"github.com/Tessera-Labs/credstate/pkg/stats"
)

func TestAccumulator_LoadEmpty(t *testing.T) {
	acc := stats.NewAccumulator(state.NewMemoryStore())
	c, err := acc.Load(context.Background(), stats.DomainScore)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.Get(stats.CounterCalculated))
}

func TestAccumulator_BumpPersistsAfterApply(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	acc := stats.NewAccumulator(store)

	b := state.NewBatch()
	c, err := acc.Bump(ctx, b, stats.DomainPayments, map[string]uint64{
		stats.CounterCreated: 1,
		stats.CounterVolume:  500,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Get(stats.CounterCreated))
	require.NoError(t, store.Apply(ctx, b))

	b2 := state.NewBatch()
	c2, err := acc.Bump(ctx, b2, stats.DomainPayments, map[string]uint64{
		stats.CounterCreated: 1,
		stats.CounterVolume:  250,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), c2.Get(stats.CounterCreated))
	assert.Equal(t, uint64(750), c2.Get(stats.CounterVolume))
}

func TestAccumulator_UnappliedBatchLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	acc := stats.NewAccumulator(store)

	b := state.NewBatch()
	_, err := acc.Bump(ctx, b, stats.DomainScore, map[string]uint64{stats.CounterCalculated: 1})
	require.NoError(t, err)
	// Batch dropped, never applied.

	c, err := acc.Load(ctx, stats.DomainScore)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.Get(stats.CounterCalculated))
}

func TestAccumulator_BumpsInOneBatchCompose(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	acc := stats.NewAccumulator(store)

	// Two components bumping the same domain within one command must
	// both land; the second bump reads the first through the batch.
	b := state.NewBatch()
	_, err := acc.Bump(ctx, b, stats.DomainPayments, map[string]uint64{stats.CounterSubmitted: 1})
	require.NoError(t, err)
	c, err := acc.Bump(ctx, b, stats.DomainPayments, map[string]uint64{
		stats.CounterCreated: 1,
		stats.CounterVolume:  100,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Get(stats.CounterSubmitted))
	require.NoError(t, store.Apply(ctx, b))

	got, err := acc.Load(ctx, stats.DomainPayments)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Get(stats.CounterSubmitted))
	assert.Equal(t, uint64(1), got.Get(stats.CounterCreated))
	assert.Equal(t, uint64(100), got.Get(stats.CounterVolume))
}
