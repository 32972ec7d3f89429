// Package stats accumulates the chain's monotone counters. Counters
// only ever increase; derived quantities such as "currently pending"
// are computed from totals rather than stored, so no command needs a
// decrement path.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Tessera-Labs/credstate/pkg/canonical"
	"github.com/Tessera-Labs/credstate/pkg/state"
)

// Domain separates counter namespaces.
type Domain string

const (
	DomainScore    Domain = "score"
	DomainIdentity Domain = "identity"
	DomainPayments Domain = "payments"
	DomainOracle   Domain = "oracle"
	DomainBridge   Domain = "bridge"
)

// Well-known counter names.
const (
	CounterCalculated = "calculated"
	CounterVerified   = "verified"
	CounterSubmitted  = "submitted"
	CounterApproved   = "approved"
	CounterRejected   = "rejected"
	CounterExpired    = "expired"
	CounterCreated    = "created"
	CounterCompleted  = "completed"
	CounterFailed     = "failed"
	CounterDisputed   = "disputed"
	CounterResolved   = "resolved"
	CounterVolume     = "volume"
	CounterPublished  = "published"
	CounterFulfilled  = "fulfilled"
	CounterIngested   = "ingested"
)

// Counters maps counter names to monotone values.
type Counters map[string]uint64

// Add increments a counter. Deltas are unsigned by construction; there
// is no decrement.
func (c Counters) Add(name string, delta uint64) {
	c[name] += delta
}

// Get returns a counter value, zero if unset.
func (c Counters) Get(name string) uint64 {
	return c[name]
}

// Accumulator reads and stages counters in the shared state store.
type Accumulator struct {
	store state.Store
}

// NewAccumulator binds an accumulator to the chain state store.
func NewAccumulator(store state.Store) *Accumulator {
	return &Accumulator{store: store}
}

func key(d Domain) string {
	return "stats/" + string(d)
}

// Load returns the current counters for a domain. A domain that has
// never been written reads as all-zero.
func (a *Accumulator) Load(ctx context.Context, d Domain) (Counters, error) {
	raw, err := a.store.Get(ctx, key(d))
	if errors.Is(err, state.ErrKeyNotFound) {
		return Counters{}, nil
	}
	if err != nil {
		return nil, err
	}
	c := Counters{}
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("stats: decode %s: %w", d, err)
	}
	return c, nil
}

// Stage writes the updated counters into a command batch. The caller
// must have loaded the counters in the same command to preserve
// monotonicity.
func (a *Accumulator) Stage(b *state.Batch, d Domain, c Counters) error {
	raw, err := canonical.Marshal(c)
	if err != nil {
		return fmt.Errorf("stats: encode %s: %w", d, err)
	}
	b.Set(key(d), raw)
	return nil
}

// Bump is the common load-add-stage sequence for a single command. It
// reads through the batch, so two bumps of the same domain inside one
// command compose instead of the later one overwriting the earlier.
func (a *Accumulator) Bump(ctx context.Context, b *state.Batch, d Domain, deltas map[string]uint64) (Counters, error) {
	c, err := a.load(ctx, b, d)
	if err != nil {
		return nil, err
	}
	for name, delta := range deltas {
		c.Add(name, delta)
	}
	if err := a.Stage(b, d, c); err != nil {
		return nil, err
	}
	return c, nil
}

// load reads the counters for a domain, preferring a value staged
// earlier in the same batch over the committed store.
func (a *Accumulator) load(ctx context.Context, b *state.Batch, d Domain) (Counters, error) {
	if b != nil {
		if raw, ok, kind := b.Pending(key(d)); ok && kind == state.OpSet {
			c := Counters{}
			if err := json.Unmarshal(raw, &c); err != nil {
				return nil, fmt.Errorf("stats: decode staged %s: %w", d, err)
			}
			return c, nil
		}
	}
	return a.Load(ctx, d)
}
