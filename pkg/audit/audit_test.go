package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tessera-Labs/credstate/pkg/audit"
	"github.com/Tessera-Labs/credstate/pkg/auth"
	"github.com/Tessera-Labs/credstate/pkg/state"
)

type scoreChange struct {
	Old uint64 `json:"old"`
	New uint64 `json:"new"`
}

func appendEntry(t *testing.T, trail *audit.Trail, store state.Store, principal string, tick uint64, payload any) *audit.Entry {
	t.Helper()
	b := state.NewBatch()
	e, err := trail.Append(context.Background(), b, principal, tick, payload)
	require.NoError(t, err)
	require.NoError(t, store.Apply(context.Background(), b))
	return e
}

func TestTrail_AppendChainsEntries(t *testing.T) {
	store := state.NewMemoryStore()
	trail := audit.NewTrail(store)

	e1 := appendEntry(t, trail, store, "alice", 1, scoreChange{Old: 0, New: 700})
	e2 := appendEntry(t, trail, store, "alice", 2, scoreChange{Old: 700, New: 720})

	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, "genesis", e1.PrevHash)
	assert.Equal(t, uint64(2), e2.Sequence)
	assert.Equal(t, e1.EntryHash, e2.PrevHash)
}

func TestTrail_AppendTwiceInOneBatch(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	trail := audit.NewTrail(store)

	b := state.NewBatch()
	e1, err := trail.Append(ctx, b, "alice", 5, scoreChange{New: 600})
	require.NoError(t, err)
	e2, err := trail.Append(ctx, b, "alice", 5, scoreChange{Old: 600, New: 650})
	require.NoError(t, err)
	require.NoError(t, store.Apply(ctx, b))

	// The second append must see the first one's staged head.
	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, uint64(2), e2.Sequence)
	assert.Equal(t, e1.EntryHash, e2.PrevHash)
}

func TestTrail_HistoryAscendingOrder(t *testing.T) {
	store := state.NewMemoryStore()
	trail := audit.NewTrail(store)
	for tick := uint64(1); tick <= 5; tick++ {
		appendEntry(t, trail, store, "bob", tick, scoreChange{New: tick * 100})
	}

	var ticks []uint64
	err := trail.History(context.Background(), "bob", func(e audit.Entry) error {
		ticks = append(ticks, e.Tick)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, ticks)
}

func TestTrail_HistoryIsolatedPerPrincipal(t *testing.T) {
	store := state.NewMemoryStore()
	trail := audit.NewTrail(store)
	appendEntry(t, trail, store, "alice", 1, scoreChange{New: 500})
	appendEntry(t, trail, store, "bob", 1, scoreChange{New: 900})

	count := 0
	require.NoError(t, trail.History(context.Background(), "alice", func(e audit.Entry) error {
		count++
		assert.Equal(t, "alice", e.Principal)
		return nil
	}))
	assert.Equal(t, 1, count)
}

func TestTrail_VerifyChain(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	trail := audit.NewTrail(store)
	for tick := uint64(1); tick <= 3; tick++ {
		appendEntry(t, trail, store, "carol", tick, scoreChange{New: tick})
	}
	require.NoError(t, trail.VerifyChain(ctx, "carol"))

	// Tamper with the middle entry's payload.
	key := "audit/entry/carol/00000000000000000002"
	raw, err := store.Get(ctx, key)
	require.NoError(t, err)
	var e audit.Entry
	require.NoError(t, json.Unmarshal(raw, &e))
	e.Payload = json.RawMessage(`{"new":999,"old":0}`)
	tampered, err := json.Marshal(e)
	require.NoError(t, err)
	b := state.NewBatch()
	b.Set(key, tampered)
	require.NoError(t, store.Apply(ctx, b))

	err = trail.VerifyChain(ctx, "carol")
	assert.ErrorIs(t, err, audit.ErrChainBroken)
}

func TestTrail_Length(t *testing.T) {
	store := state.NewMemoryStore()
	trail := audit.NewTrail(store)

	n, err := trail.Length(context.Background(), "dave")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)

	appendEntry(t, trail, store, "dave", 1, scoreChange{New: 100})
	n, err = trail.Length(context.Background(), "dave")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestLogger_RecordWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := audit.NewLoggerWithWriter(&buf)

	ctx := auth.WithPrincipal(context.Background(), auth.Principal("alice"))
	require.NoError(t, l.Record(ctx, audit.EventMutation, "score.add_factor", "score/alice", map[string]any{"factor": "payment_history"}))

	line := buf.String()
	require.True(t, len(line) > 7, "expected prefixed output")
	assert.Equal(t, "AUDIT: ", line[:7])

	var rec audit.Record
	require.NoError(t, json.Unmarshal([]byte(line[7:]), &rec))
	assert.Equal(t, "alice", rec.Principal)
	assert.Equal(t, audit.EventMutation, rec.Type)
	assert.Equal(t, "score.add_factor", rec.Action)
	assert.NotEmpty(t, rec.ID)
}

func TestLogger_RecordWithoutPrincipal(t *testing.T) {
	var buf bytes.Buffer
	l := audit.NewLoggerWithWriter(&buf)
	require.NoError(t, l.Record(context.Background(), audit.EventSystem, "tick.advance", "runtime", nil))

	var rec audit.Record
	require.NoError(t, json.Unmarshal(buf.Bytes()[7:], &rec))
	assert.Equal(t, "system", rec.Principal)
}
