package bridge_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tessera-Labs/credstate/pkg/bridge"
	"github.com/Tessera-Labs/credstate/pkg/state"
	"github.com/Tessera-Labs/credstate/pkg/stats"
)

func newBridge(t *testing.T) (*bridge.Bridge, state.Store) {
	t.Helper()
	store := state.NewMemoryStore()
	br, err := bridge.New(store, []string{"parachain-2000", "parachain-3000"}, stats.NewAccumulator(store))
	require.NoError(t, err)
	return br, store
}

func ingest(t *testing.T, br *bridge.Bridge, store state.Store, raw []byte, origin string) (*bridge.Envelope, error) {
	t.Helper()
	ctx := context.Background()
	b := state.NewBatch()
	env, err := br.ValidateAndIngest(ctx, b, raw, origin, 5)
	if err != nil {
		return nil, err
	}
	require.NoError(t, store.Apply(ctx, b))
	return env, nil
}

func TestSerialize_Deterministic(t *testing.T) {
	br, _ := newBridge(t)
	rec := bridge.CreditScoreRecord{Principal: "alice", Score: 750}

	raw1, err := br.Serialize(bridge.KindCreditScore, rec)
	require.NoError(t, err)
	raw2, err := br.Serialize(bridge.KindCreditScore, rec)
	require.NoError(t, err)
	assert.Equal(t, raw1, raw2)

	var env bridge.Envelope
	require.NoError(t, json.Unmarshal(raw1, &env))
	assert.Equal(t, bridge.EnvelopeVersion, env.Version)
	assert.Equal(t, bridge.KindCreditScore, env.Kind)
}

func TestSerialize_UnknownKind(t *testing.T) {
	br, _ := newBridge(t)
	_, err := br.Serialize("telemetry", map[string]any{"x": 1})
	assert.ErrorIs(t, err, bridge.ErrUnknownKind)
}

func TestValidateAndIngest_RoundTrip(t *testing.T) {
	br, store := newBridge(t)
	raw, err := br.Serialize(bridge.KindCreditScore, bridge.CreditScoreRecord{Principal: "alice", Score: 900})
	require.NoError(t, err)

	env, err := ingest(t, br, store, raw, "parachain-2000")
	require.NoError(t, err)
	assert.Equal(t, bridge.KindCreditScore, env.Kind)

	payload, tick, err := br.Latest(context.Background(), bridge.KindCreditScore, "parachain-2000")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), tick)
	var rec bridge.CreditScoreRecord
	require.NoError(t, json.Unmarshal(payload, &rec))
	assert.Equal(t, uint32(900), rec.Score)
}

func TestValidateAndIngest_UntrustedOrigin(t *testing.T) {
	br, store := newBridge(t)
	raw, err := br.Serialize(bridge.KindCreditScore, bridge.CreditScoreRecord{Principal: "alice", Score: 900})
	require.NoError(t, err)

	_, err = ingest(t, br, store, raw, "parachain-9999")
	assert.ErrorIs(t, err, bridge.ErrUntrustedOrigin)
}

func TestValidateAndIngest_VersionGate(t *testing.T) {
	br, store := newBridge(t)

	raw, err := json.Marshal(bridge.Envelope{
		Version: "2.0.0",
		Kind:    bridge.KindCreditScore,
		Payload: json.RawMessage(`{"principal":"alice","score":900}`),
	})
	require.NoError(t, err)
	_, err = ingest(t, br, store, raw, "parachain-2000")
	assert.ErrorIs(t, err, bridge.ErrUnsupportedVersion)

	raw, err = json.Marshal(bridge.Envelope{
		Version: "1.2.7",
		Kind:    bridge.KindCreditScore,
		Payload: json.RawMessage(`{"principal":"alice","score":900}`),
	})
	require.NoError(t, err)
	_, err = ingest(t, br, store, raw, "parachain-2000")
	assert.NoError(t, err)
}

func TestValidateAndIngest_StructuralRules(t *testing.T) {
	br, store := newBridge(t)

	tests := []struct {
		name   string
		kind   bridge.Kind
		record any
		ok     bool
	}{
		{"score above 1000", bridge.KindCreditScore, bridge.CreditScoreRecord{Principal: "a", Score: 1001}, false},
		{"score at bound", bridge.KindCreditScore, bridge.CreditScoreRecord{Principal: "a", Score: 1000}, true},
		{"zero amount", bridge.KindPayment, bridge.PaymentRecord{PaymentID: "p1", Principal: "a", Amount: 0}, false},
		{"positive amount", bridge.KindPayment, bridge.PaymentRecord{PaymentID: "p1", Principal: "a", Amount: 10}, true},
		{"empty document number", bridge.KindIdentity, bridge.IdentityRecord{Name: "Ana"}, false},
		{"document number set", bridge.KindIdentity, bridge.IdentityRecord{Name: "Ana", DocumentNumber: "123"}, true},
		{"non-compliant", bridge.KindCompliance, bridge.ComplianceRecord{Compliant: false}, false},
		{"compliant", bridge.KindCompliance, bridge.ComplianceRecord{Compliant: true, ComplianceScore: 90}, true},
		{"risk above 100", bridge.KindFraud, bridge.FraudRecord{RiskLevel: 101}, false},
		{"risk within range", bridge.KindFraud, bridge.FraudRecord{RiskLevel: 40, Confidence: 85}, true},
		{"no metrics", bridge.KindAnalytics, bridge.AnalyticsRecord{}, false},
		{"one metric", bridge.KindAnalytics, bridge.AnalyticsRecord{Metrics: []bridge.Metric{{Name: "volume", Value: 12}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := br.Serialize(tt.kind, tt.record)
			require.NoError(t, err)
			_, err = ingest(t, br, store, raw, "parachain-2000")
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, bridge.ErrInvalidRecord)
			}
		})
	}
}

func TestValidateAndIngest_MalformedEnvelope(t *testing.T) {
	br, store := newBridge(t)
	_, err := ingest(t, br, store, []byte("not json"), "parachain-2000")
	assert.ErrorIs(t, err, bridge.ErrInvalidRecord)
}

func TestValidateAndIngest_RejectedEnvelopeLeavesNoState(t *testing.T) {
	br, store := newBridge(t)
	raw, err := br.Serialize(bridge.KindCreditScore, bridge.CreditScoreRecord{Principal: "a", Score: 1001})
	require.NoError(t, err)
	_, err = ingest(t, br, store, raw, "parachain-2000")
	require.ErrorIs(t, err, bridge.ErrInvalidRecord)

	_, _, err = br.Latest(context.Background(), bridge.KindCreditScore, "parachain-2000")
	assert.Error(t, err)
}
