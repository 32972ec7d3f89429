package score_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tessera-Labs/credstate/pkg/audit"
	"github.com/Tessera-Labs/credstate/pkg/config"
	"github.com/Tessera-Labs/credstate/pkg/score"
	"github.com/Tessera-Labs/credstate/pkg/state"
	"github.com/Tessera-Labs/credstate/pkg/stats"
)

func newEngine(t *testing.T) (*score.Engine, state.Store, *audit.Trail) {
	t.Helper()
	store := state.NewMemoryStore()
	trail := audit.NewTrail(store)
	return score.NewEngine(store, config.DefaultParams(), trail, stats.NewAccumulator(store)), store, trail
}

func TestComputeScore(t *testing.T) {
	e, _, _ := newEngine(t)

	tests := []struct {
		name    string
		factors []score.Factor
		want    uint32
		wantErr error
	}{
		{
			name: "documented example",
			factors: []score.Factor{
				{Type: score.FactorPaymentHistory, Value: 100, Weight: 50},
				{Type: score.FactorCreditUtilization, Value: 50, Weight: 50},
			},
			want: 750,
		},
		{
			name:    "single maximal factor caps at 1000",
			factors: []score.Factor{{Type: score.FactorCreditAge, Value: 5000, Weight: 100}},
			want:    1000,
		},
		{
			name:    "floor division",
			factors: []score.Factor{{Type: score.FactorNewCredit, Value: 1, Weight: 3}},
			want:    10,
		},
		{
			name:    "empty list",
			factors: nil,
			wantErr: score.ErrInvalidFactor,
		},
		{
			name:    "zero value",
			factors: []score.Factor{{Type: score.FactorCreditMix, Value: 0, Weight: 10}},
			wantErr: score.ErrInvalidFactor,
		},
		{
			name:    "weight above 100",
			factors: []score.Factor{{Type: score.FactorCreditMix, Value: 10, Weight: 101}},
			wantErr: score.ErrInvalidFactor,
		},
		{
			name:    "zero weight",
			factors: []score.Factor{{Type: score.FactorCreditMix, Value: 10, Weight: 0}},
			wantErr: score.ErrInvalidFactor,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.ComputeScore(tt.factors)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComputeScore_FactorCap(t *testing.T) {
	e, _, _ := newEngine(t)
	factors := make([]score.Factor, 11)
	for i := range factors {
		factors[i] = score.Factor{Type: score.FactorPaymentHistory, Value: 1, Weight: 1}
	}
	_, err := e.ComputeScore(factors)
	assert.ErrorIs(t, err, score.ErrTooManyFactors)
}

func TestIntegrityHash_Deterministic(t *testing.T) {
	e, _, _ := newEngine(t)
	factors := []score.Factor{{Type: score.FactorPaymentHistory, Value: 100, Weight: 50}}

	h1, err := e.IntegrityHash("alice", factors, 750)
	require.NoError(t, err)
	h2, err := e.IntegrityHash("alice", factors, 750)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	h3, err := e.IntegrityHash("alice", factors, 751)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestApply_CreatesRecordAndAudit(t *testing.T) {
	ctx := context.Background()
	e, store, trail := newEngine(t)
	factors := []score.Factor{
		{Type: score.FactorPaymentHistory, Value: 100, Weight: 50},
		{Type: score.FactorCreditUtilization, Value: 50, Weight: 50},
	}

	b := state.NewBatch()
	change, err := e.Apply(ctx, b, "alice", factors, score.ReasonInitialCalculation, 7)
	require.NoError(t, err)
	require.NoError(t, store.Apply(ctx, b))

	assert.Nil(t, change.OldScore)
	assert.Equal(t, uint32(750), change.NewScore)

	rec, err := e.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint32(750), rec.Score)
	assert.Equal(t, uint64(7), rec.Tick)
	assert.False(t, rec.IsVerified)
	assert.NotEmpty(t, rec.IntegrityHash)

	n, err := trail.Length(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestApply_UpdateRecordsOldScore(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newEngine(t)

	b := state.NewBatch()
	_, err := e.Apply(ctx, b, "alice", []score.Factor{{Type: score.FactorPaymentHistory, Value: 100, Weight: 50}}, score.ReasonInitialCalculation, 1)
	require.NoError(t, err)
	require.NoError(t, store.Apply(ctx, b))

	b2 := state.NewBatch()
	change, err := e.Apply(ctx, b2, "alice", []score.Factor{{Type: score.FactorPaymentHistory, Value: 50, Weight: 50}}, score.ReasonUserUpdate, 2)
	require.NoError(t, err)
	require.NoError(t, store.Apply(ctx, b2))

	require.NotNil(t, change.OldScore)
	assert.Equal(t, uint32(1000), *change.OldScore)
	assert.Equal(t, uint32(500), change.NewScore)
}

func TestApply_InvalidFactorsLeaveStateUntouched(t *testing.T) {
	ctx := context.Background()
	e, store, trail := newEngine(t)

	b := state.NewBatch()
	_, err := e.Apply(ctx, b, "alice", []score.Factor{{Type: score.FactorPaymentHistory, Value: 0, Weight: 50}}, score.ReasonInitialCalculation, 1)
	require.ErrorIs(t, err, score.ErrInvalidFactor)
	require.NoError(t, store.Apply(ctx, b))

	_, err = e.Get(ctx, "alice")
	assert.ErrorIs(t, err, score.ErrScoreNotFound)
	n, err := trail.Length(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newEngine(t)

	b := state.NewBatch()
	_, err := e.Apply(ctx, b, "alice", []score.Factor{{Type: score.FactorPaymentHistory, Value: 100, Weight: 50}}, score.ReasonInitialCalculation, 1)
	require.NoError(t, err)
	require.NoError(t, store.Apply(ctx, b))

	b2 := state.NewBatch()
	vh, err := e.Verify(ctx, b2, "alice", "verifier-1", 2)
	require.NoError(t, err)
	require.NoError(t, store.Apply(ctx, b2))
	assert.NotEmpty(t, vh)

	rec, err := e.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, rec.IsVerified)
	assert.Equal(t, uint32(1), rec.VerificationCount)
}

func TestVerify_MissingRecord(t *testing.T) {
	e, _, _ := newEngine(t)
	b := state.NewBatch()
	_, err := e.Verify(context.Background(), b, "nobody", "verifier-1", 1)
	assert.ErrorIs(t, err, score.ErrScoreNotFound)
}

func TestAddFactor(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newEngine(t)

	b := state.NewBatch()
	require.NoError(t, e.AddFactor(ctx, b, "alice", score.Factor{Type: score.FactorDebtToIncome, Value: 30, Weight: 20}, 4))
	require.NoError(t, store.Apply(ctx, b))

	f, tick, err := e.Factor(ctx, "alice", score.FactorDebtToIncome)
	require.NoError(t, err)
	assert.Equal(t, uint32(30), f.Value)
	assert.Equal(t, uint64(4), tick)

	// Score record is untouched.
	_, err = e.Get(ctx, "alice")
	assert.ErrorIs(t, err, score.ErrScoreNotFound)
}
