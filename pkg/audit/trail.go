// Package audit implements the append-only score-history trail. Every
// entry is hash-chained to its predecessor per principal, so any
// replica (or external verifier holding the entries) can prove the
// history was never rewritten. There is no deletion API.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Tessera-Labs/credstate/pkg/canonical"
	"github.com/Tessera-Labs/credstate/pkg/state"
)

const genesisHash = "genesis"

var (
	// ErrChainBroken indicates the stored chain fails verification.
	ErrChainBroken = errors.New("audit: hash chain broken")
)

// Entry is one immutable audit record.
type Entry struct {
	Sequence    uint64          `json:"sequence"`
	Principal   string          `json:"principal"`
	Tick        uint64          `json:"tick"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload_hash"`
	PrevHash    string          `json:"prev_hash"`
	EntryHash   string          `json:"entry_hash"`
}

type head struct {
	Sequence uint64 `json:"sequence"`
	Hash     string `json:"hash"`
}

// Trail is the append-only audit log over the shared state store.
type Trail struct {
	store state.Store
}

// NewTrail binds a trail to the chain state store.
func NewTrail(store state.Store) *Trail {
	return &Trail{store: store}
}

func entryKey(principal string, seq uint64) string {
	return fmt.Sprintf("audit/entry/%s/%020d", principal, seq)
}

func headKey(principal string) string {
	return "audit/head/" + principal
}

// Append stages a new entry for principal into the command batch.
// Amortized O(1): one head read, two staged writes.
func (t *Trail) Append(ctx context.Context, b *state.Batch, principal string, tick uint64, payload any) (*Entry, error) {
	raw, err := canonical.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("audit: encode payload: %w", err)
	}

	h, err := t.loadHead(ctx, b, principal)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		Sequence:    h.Sequence + 1,
		Principal:   principal,
		Tick:        tick,
		Payload:     raw,
		PayloadHash: canonical.HashBytes(raw),
		PrevHash:    h.Hash,
	}
	entry.EntryHash = hashEntry(entry)

	entryRaw, err := canonical.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("audit: encode entry: %w", err)
	}
	headRaw, err := canonical.Marshal(head{Sequence: entry.Sequence, Hash: entry.EntryHash})
	if err != nil {
		return nil, fmt.Errorf("audit: encode head: %w", err)
	}

	b.Set(entryKey(principal, entry.Sequence), entryRaw)
	b.Set(headKey(principal), headRaw)
	return entry, nil
}

// History visits the principal's entries in ascending tick (and
// sequence) order. Iteration is lazy: fn may stop it early by
// returning an error.
func (t *Trail) History(ctx context.Context, principal string, fn func(Entry) error) error {
	return t.store.IteratePrefix(ctx, "audit/entry/"+principal+"/", func(key string, value []byte) error {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("audit: decode entry %s: %w", key, err)
		}
		return fn(e)
	})
}

// Length returns the number of entries recorded for principal.
func (t *Trail) Length(ctx context.Context, principal string) (uint64, error) {
	h, err := t.loadHead(ctx, nil, principal)
	if err != nil {
		return 0, err
	}
	return h.Sequence, nil
}

// VerifyChain recomputes every hash in the principal's chain.
func (t *Trail) VerifyChain(ctx context.Context, principal string) error {
	prev := genesisHash
	var prevSeq uint64
	err := t.History(ctx, principal, func(e Entry) error {
		if e.Sequence != prevSeq+1 {
			return fmt.Errorf("%w: sequence gap at %d", ErrChainBroken, e.Sequence)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("%w: prev hash mismatch at sequence %d", ErrChainBroken, e.Sequence)
		}
		if e.PayloadHash != canonical.HashBytes(e.Payload) {
			return fmt.Errorf("%w: payload hash mismatch at sequence %d", ErrChainBroken, e.Sequence)
		}
		if hashEntry(&e) != e.EntryHash {
			return fmt.Errorf("%w: entry hash mismatch at sequence %d", ErrChainBroken, e.Sequence)
		}
		prev = e.EntryHash
		prevSeq = e.Sequence
		return nil
	})
	return err
}

func (t *Trail) loadHead(ctx context.Context, b *state.Batch, principal string) (head, error) {
	key := headKey(principal)
	if b != nil {
		if raw, ok, kind := b.Pending(key); ok && kind == state.OpSet {
			var h head
			if err := json.Unmarshal(raw, &h); err != nil {
				return head{}, fmt.Errorf("audit: decode staged head: %w", err)
			}
			return h, nil
		}
	}
	raw, err := t.store.Get(ctx, key)
	if errors.Is(err, state.ErrKeyNotFound) {
		return head{Sequence: 0, Hash: genesisHash}, nil
	}
	if err != nil {
		return head{}, err
	}
	var h head
	if err := json.Unmarshal(raw, &h); err != nil {
		return head{}, fmt.Errorf("audit: decode head: %w", err)
	}
	return h, nil
}

// hashEntry binds sequence, tick, payload hash and predecessor into the
// chained entry hash.
func hashEntry(e *Entry) string {
	hashable := struct {
		Sequence    uint64 `json:"sequence"`
		Principal   string `json:"principal"`
		Tick        uint64 `json:"tick"`
		PayloadHash string `json:"payload_hash"`
		PrevHash    string `json:"prev_hash"`
	}{e.Sequence, e.Principal, e.Tick, e.PayloadHash, e.PrevHash}
	h, err := canonical.Hash(hashable)
	if err != nil {
		// Struct of plain strings and integers cannot fail canonical
		// encoding.
		panic(err)
	}
	return h
}
