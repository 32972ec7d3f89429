package observability_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Tessera-Labs/credstate/pkg/observability"
)

func TestMetrics_RecordThroughManualReader(t *testing.T) {
	ctx := context.Background()
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))

	m, err := observability.NewMetrics(provider)
	require.NoError(t, err)

	m.CommandApplied(ctx, "calculate_score")
	m.CommandApplied(ctx, "calculate_score")
	m.CommandRejected(ctx, "verify_score", "NOT_FOUND")
	m.ItemsExpired(ctx, "document", 3)
	m.ItemsExpired(ctx, "payment", 0) // no-op
	m.SweepObserved(ctx, 1.5)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics[0].Metrics {
		found[sm.Name] = true
		if sm.Name == "credstate.commands.applied" {
			sum, ok := sm.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			require.Len(t, sum.DataPoints, 1)
			assert.Equal(t, int64(2), sum.DataPoints[0].Value)
		}
	}
	assert.True(t, found["credstate.commands.applied"])
	assert.True(t, found["credstate.commands.rejected"])
	assert.True(t, found["credstate.items.expired"])
	assert.True(t, found["credstate.sweep.duration"])
}
