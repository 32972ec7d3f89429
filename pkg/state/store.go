// Package state defines the single mutable key-value store that owns all
// replicated chain state. Components never keep private mutable state;
// they read through the store and mutate it exclusively via batches, so
// a command either commits every write it staged or none of them.
package state

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is returned by Get for absent keys.
	ErrKeyNotFound = errors.New("state: key not found")
	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("state: store closed")
)

// Store is the externally supplied persistence abstraction. Iteration
// order is lexicographic by key on every implementation; replicas must
// observe identical orderings.
type Store interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// IteratePrefix calls fn for each key with the given prefix in
	// ascending key order. Returning a non-nil error from fn stops the
	// iteration and is propagated.
	IteratePrefix(ctx context.Context, prefix string, fn func(key string, value []byte) error) error

	// Apply commits a batch atomically. A failed Apply leaves the store
	// unchanged.
	Apply(ctx context.Context, b *Batch) error

	Close() error
}

// OpKind distinguishes batch operations.
type OpKind uint8

const (
	OpSet OpKind = iota
	OpRemove
)

// Op is a single staged mutation.
type Op struct {
	Kind  OpKind
	Key   string
	Value []byte
}

// Batch accumulates writes during command validation. It is applied in
// staging order; later writes to the same key win.
type Batch struct {
	ops []Op
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Set stages a write.
func (b *Batch) Set(key string, value []byte) {
	b.ops = append(b.ops, Op{Kind: OpSet, Key: key, Value: value})
}

// Remove stages a deletion.
func (b *Batch) Remove(key string) {
	b.ops = append(b.ops, Op{Kind: OpRemove, Key: key})
}

// Ops returns the staged operations in order.
func (b *Batch) Ops() []Op {
	return b.ops
}

// Len returns the number of staged operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Pending reports the staged value for key, scanning newest-first.
// Components use this to read their own uncommitted writes during a
// multi-step command.
func (b *Batch) Pending(key string) ([]byte, bool, OpKind) {
	for i := len(b.ops) - 1; i >= 0; i-- {
		if b.ops[i].Key == key {
			return b.ops[i].Value, true, b.ops[i].Kind
		}
	}
	return nil, false, OpSet
}
