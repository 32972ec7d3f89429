// Package registry implements the generic verification lifecycle shared
// by documents and payments: submit, resolve, and tick-driven expiry.
// Item ids are monotone per kind, the pending queue is an explicit
// sorted index, and every status transition out of Pending is final.
package registry

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Tessera-Labs/credstate/pkg/canonical"
	"github.com/Tessera-Labs/credstate/pkg/state"
	"github.com/Tessera-Labs/credstate/pkg/stats"
)

var (
	// ErrItemNotFound indicates no item exists with the given id.
	ErrItemNotFound = errors.New("registry: item not found")
	// ErrAlreadyResolved rejects any transition out of a terminal state.
	ErrAlreadyResolved = errors.New("registry: item already resolved")
	// ErrOwnerCapacity rejects a submission above the per-owner cap.
	ErrOwnerCapacity = errors.New("registry: owner capacity reached")
)

// Kind separates the registries sharing one state store.
type Kind string

const (
	KindDocument Kind = "document"
	KindPayment  Kind = "payment"
)

// Status is the item lifecycle state. Pending is the only non-terminal
// state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Outcome is a resolver's decision.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReject  Outcome = "reject"
)

// Item is one tracked verification item. Payload is kind-specific and
// opaque to the registry.
type Item struct {
	ID            uint64          `json:"id"`
	Owner         string          `json:"owner"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	SubmittedTick uint64          `json:"submitted_tick"`
	ResolvedTick  *uint64         `json:"resolved_tick,omitempty"`
	Resolver      string          `json:"resolver,omitempty"`
	Note          string          `json:"note,omitempty"`
}

// queueEntry is one pending-queue index record.
type queueEntry struct {
	ID            uint64 `json:"id"`
	SubmittedTick uint64 `json:"submitted_tick"`
}

// Registry tracks one kind of verification item.
type Registry struct {
	store       state.Store
	kind        Kind
	maxPerOwner int
	timeout     uint64
	domain      stats.Domain
	stats       *stats.Accumulator
}

// New builds a registry for one item kind. timeout is in ticks; an item
// expires at the first sweep where current − submitted > timeout.
func New(store state.Store, kind Kind, maxPerOwner int, timeout uint64, domain stats.Domain, acc *stats.Accumulator) *Registry {
	return &Registry{
		store:       store,
		kind:        kind,
		maxPerOwner: maxPerOwner,
		timeout:     timeout,
		domain:      domain,
		stats:       acc,
	}
}

// Kind returns the registry's item kind.
func (r *Registry) Kind() Kind { return r.kind }

func (r *Registry) itemKey(id uint64) string {
	return fmt.Sprintf("registry/%s/item/%020d", r.kind, id)
}

func (r *Registry) queueKey(id uint64) string {
	return fmt.Sprintf("registry/%s/queue/%020d", r.kind, id)
}

func (r *Registry) queuePrefix() string {
	return fmt.Sprintf("registry/%s/queue/", r.kind)
}

func (r *Registry) ownerKey(owner string) string {
	return fmt.Sprintf("registry/%s/owner/%s", r.kind, owner)
}

func (r *Registry) seqKey() string {
	return fmt.Sprintf("registry/%s/seq", r.kind)
}

// Submit creates a new Pending item owned by owner and stages it into
// the command batch. The per-owner count includes resolved items: a
// slot is never freed.
func (r *Registry) Submit(ctx context.Context, b *state.Batch, owner string, payload any, tick uint64) (*Item, error) {
	count, err := r.OwnerCount(ctx, owner)
	if err != nil {
		return nil, err
	}
	if count >= uint64(r.maxPerOwner) {
		return nil, fmt.Errorf("%w: %s holds %d %s items, cap %d", ErrOwnerCapacity, owner, count, r.kind, r.maxPerOwner)
	}

	raw, err := canonical.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("registry: encode payload: %w", err)
	}

	id, err := r.nextID(ctx, b)
	if err != nil {
		return nil, err
	}

	item := &Item{
		ID:            id,
		Owner:         owner,
		Payload:       raw,
		Status:        StatusPending,
		SubmittedTick: tick,
	}
	if err := r.stageItem(b, item); err != nil {
		return nil, err
	}

	entryRaw, err := canonical.Marshal(queueEntry{ID: id, SubmittedTick: tick})
	if err != nil {
		return nil, fmt.Errorf("registry: encode queue entry: %w", err)
	}
	b.Set(r.queueKey(id), entryRaw)
	b.Set(r.ownerKey(owner), encodeCount(count+1))

	if _, err := r.stats.Bump(ctx, b, r.domain, map[string]uint64{stats.CounterSubmitted: 1}); err != nil {
		return nil, err
	}
	return item, nil
}

// Resolve applies a resolver decision to a Pending item. Terminal items
// return ErrAlreadyResolved regardless of the requested outcome.
func (r *Registry) Resolve(ctx context.Context, b *state.Batch, id uint64, resolver string, outcome Outcome, note string, tick uint64) (*Item, error) {
	item, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s item %d is %s", ErrAlreadyResolved, r.kind, id, item.Status)
	}

	switch outcome {
	case OutcomeApprove:
		item.Status = StatusApproved
	case OutcomeReject:
		item.Status = StatusRejected
	default:
		return nil, fmt.Errorf("registry: unknown outcome %q", outcome)
	}
	item.ResolvedTick = &tick
	item.Resolver = resolver
	item.Note = note

	if err := r.stageItem(b, item); err != nil {
		return nil, err
	}
	b.Remove(r.queueKey(id))

	counter := stats.CounterApproved
	if item.Status == StatusRejected {
		counter = stats.CounterRejected
	}
	if _, err := r.stats.Bump(ctx, b, r.domain, map[string]uint64{counter: 1}); err != nil {
		return nil, err
	}
	return item, nil
}

// Sweep expires every queued item whose timeout elapsed. It scans the
// pending queue in ascending id order so every replica expires items in
// the same sequence, and it is idempotent: items already resolved in an
// earlier command are skipped and dequeued.
func (r *Registry) Sweep(ctx context.Context, b *state.Batch, currentTick uint64) ([]Item, error) {
	var expired []Item
	err := r.store.IteratePrefix(ctx, r.queuePrefix(), func(key string, value []byte) error {
		var entry queueEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return fmt.Errorf("registry: decode queue entry %s: %w", key, err)
		}
		if currentTick <= entry.SubmittedTick || currentTick-entry.SubmittedTick <= r.timeout {
			return nil
		}

		item, err := r.Get(ctx, entry.ID)
		if err != nil {
			return err
		}
		if item.Status != StatusPending {
			// Resolved but never dequeued; repair the index.
			b.Remove(key)
			return nil
		}
		item.Status = StatusExpired
		tick := currentTick
		item.ResolvedTick = &tick
		if err := r.stageItem(b, item); err != nil {
			return err
		}
		b.Remove(key)
		expired = append(expired, *item)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		if _, err := r.stats.Bump(ctx, b, r.domain, map[string]uint64{stats.CounterExpired: uint64(len(expired))}); err != nil {
			return nil, err
		}
	}
	return expired, nil
}

// Get loads an item by id.
func (r *Registry) Get(ctx context.Context, id uint64) (*Item, error) {
	raw, err := r.store.Get(ctx, r.itemKey(id))
	if errors.Is(err, state.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s %d", ErrItemNotFound, r.kind, id)
	}
	if err != nil {
		return nil, err
	}
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("registry: decode item %d: %w", id, err)
	}
	return &item, nil
}

// OwnerItems visits every item owned by owner, ascending by id.
func (r *Registry) OwnerItems(ctx context.Context, owner string, fn func(Item) error) error {
	prefix := fmt.Sprintf("registry/%s/item/", r.kind)
	return r.store.IteratePrefix(ctx, prefix, func(key string, value []byte) error {
		var item Item
		if err := json.Unmarshal(value, &item); err != nil {
			return fmt.Errorf("registry: decode item %s: %w", key, err)
		}
		if item.Owner != owner {
			return nil
		}
		return fn(item)
	})
}

// OwnerCount returns the all-time submission count for owner.
func (r *Registry) OwnerCount(ctx context.Context, owner string) (uint64, error) {
	raw, err := r.store.Get(ctx, r.ownerKey(owner))
	if errors.Is(err, state.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeCount(raw)
}

func (r *Registry) stageItem(b *state.Batch, item *Item) error {
	raw, err := canonical.Marshal(item)
	if err != nil {
		return fmt.Errorf("registry: encode item %d: %w", item.ID, err)
	}
	b.Set(r.itemKey(item.ID), raw)
	return nil
}

// nextID allocates the next monotone item id, reading through the batch
// so two submissions in one command sequence cannot collide.
func (r *Registry) nextID(ctx context.Context, b *state.Batch) (uint64, error) {
	key := r.seqKey()
	var last uint64
	if raw, ok, kind := b.Pending(key); ok && kind == state.OpSet {
		n, err := decodeCount(raw)
		if err != nil {
			return 0, err
		}
		last = n
	} else {
		raw, err := r.store.Get(ctx, key)
		if err != nil && !errors.Is(err, state.ErrKeyNotFound) {
			return 0, err
		}
		if err == nil {
			n, err := decodeCount(raw)
			if err != nil {
				return 0, err
			}
			last = n
		}
	}
	next := last + 1
	b.Set(key, encodeCount(next))
	return next, nil
}

func encodeCount(n uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return buf[:]
}

func decodeCount(raw []byte) (uint64, error) {
	if len(raw) != 8 {
		return 0, fmt.Errorf("registry: malformed counter value (%d bytes)", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}
